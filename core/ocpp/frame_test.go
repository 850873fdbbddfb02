package ocpp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeFrame_Call(t *testing.T) {
	raw := `[2,"19223201","BootNotification",{"chargePointVendor":"VendorX","chargePointModel":"ModelY"}]`
	f, err := DecodeFrame([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != MessageCall || f.UniqueID != "19223201" || f.Action != "BootNotification" {
		t.Errorf("unexpected frame: %+v", f)
	}
	var payload BootNotificationReq
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.ChargePointVendor != "VendorX" {
		t.Errorf("vendor = %q", payload.ChargePointVendor)
	}
}

func TestDecodeFrame_CallResult(t *testing.T) {
	f, err := DecodeFrame([]byte(`[3,"42",{"status":"Accepted"}]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != MessageCallResult || f.UniqueID != "42" {
		t.Errorf("unexpected frame: %+v", f)
	}
}

func TestDecodeFrame_CallError(t *testing.T) {
	f, err := DecodeFrame([]byte(`[4,"42","InternalError","boom",{}]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.ErrorCode != ErrCodeInternalError || f.ErrorDesc != "boom" {
		t.Errorf("unexpected frame: %+v", f)
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"hello`,
		"object":           `{"a":1}`,
		"too short":        `[2,"id"]`,
		"call arity":       `[2,"id","Action"]`,
		"callresult arity": `[3,"id","Action",{}]`,
		"callerror arity":  `[4,"id","code",{}]`,
		"bad type id":      `["two","id","Action",{}]`,
		"unknown type":     `[7,"id","Action",{}]`,
		"numeric action":   `[2,"id",42,{}]`,
	}
	for name, raw := range cases {
		if _, err := DecodeFrame([]byte(raw)); err == nil {
			t.Errorf("%s: expected an error for %s", name, raw)
		}
	}
}

func TestCallRoundTrip(t *testing.T) {
	data, err := Call("u-1", ActionRemoteStartTransaction, RemoteStartTransactionReq{ConnectorID: intPtr(1), IdTag: "tag"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Action != ActionRemoteStartTransaction || f.UniqueID != "u-1" {
		t.Errorf("unexpected frame: %+v", f)
	}
}

func TestCallErrorEncoding(t *testing.T) {
	data, err := CallError("u-2", ErrCodeFormationViolation, "bad payload", nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Details must serialize as an object even when nil; chargers reject null.
	if !strings.HasSuffix(string(data), `,{}]`) {
		t.Errorf("details should encode as an empty object: %s", data)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.ErrorCode != ErrCodeFormationViolation {
		t.Errorf("error code = %q", f.ErrorCode)
	}
}

func intPtr(v int) *int { return &v }
