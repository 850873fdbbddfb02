package ocpp

import (
	"encoding/json"
	"fmt"
)

// MessageType is the first element of an OCPP 1.6-J frame.
type MessageType int

const (
	MessageCall       MessageType = 2
	MessageCallResult MessageType = 3
	MessageCallError  MessageType = 4
)

// CallError codes defined by OCPP 1.6-J.
const (
	ErrCodeNotImplemented     = "NotImplemented"
	ErrCodeNotSupported       = "NotSupported"
	ErrCodeInternalError      = "InternalError"
	ErrCodeProtocolError      = "ProtocolError"
	ErrCodeFormationViolation = "FormationViolation"
	ErrCodePropertyConstraint = "PropertyConstraintViolation"
	ErrCodeTypeConstraint     = "TypeConstraintViolation"
	ErrCodeGenericError       = "GenericError"
)

// Frame is a decoded OCPP-J message. Payload stays raw until the handler for
// the action unmarshals it into its typed struct.
type Frame struct {
	Type      MessageType
	UniqueID  string
	Action    string
	Payload   json.RawMessage
	ErrorCode string
	ErrorDesc string
}

// DecodeFrame parses the tagged-array wire form
// [messageTypeId, uniqueId, action, payload]. Arity and element types are
// validated strictly; a malformed frame must never take the session down, so
// every failure is a plain error the caller turns into a CallError reply.
func DecodeFrame(data []byte) (Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return Frame{}, fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(elems) < 3 {
		return Frame{}, fmt.Errorf("frame has %d elements, want at least 3", len(elems))
	}
	var mt int
	if err := json.Unmarshal(elems[0], &mt); err != nil {
		return Frame{}, fmt.Errorf("message type: %w", err)
	}
	f := Frame{Type: MessageType(mt)}
	if err := json.Unmarshal(elems[1], &f.UniqueID); err != nil {
		return Frame{}, fmt.Errorf("unique id: %w", err)
	}
	switch f.Type {
	case MessageCall:
		if len(elems) != 4 {
			return Frame{}, fmt.Errorf("CALL frame has %d elements, want 4", len(elems))
		}
		if err := json.Unmarshal(elems[2], &f.Action); err != nil {
			return Frame{}, fmt.Errorf("action: %w", err)
		}
		f.Payload = elems[3]
	case MessageCallResult:
		if len(elems) != 3 {
			return Frame{}, fmt.Errorf("CALLRESULT frame has %d elements, want 3", len(elems))
		}
		f.Payload = elems[2]
	case MessageCallError:
		if len(elems) != 5 {
			return Frame{}, fmt.Errorf("CALLERROR frame has %d elements, want 5", len(elems))
		}
		if err := json.Unmarshal(elems[2], &f.ErrorCode); err != nil {
			return Frame{}, fmt.Errorf("error code: %w", err)
		}
		if err := json.Unmarshal(elems[3], &f.ErrorDesc); err != nil {
			return Frame{}, fmt.Errorf("error description: %w", err)
		}
		f.Payload = elems[4]
	default:
		return Frame{}, fmt.Errorf("unknown message type %d", mt)
	}
	return f, nil
}

// Call encodes an outbound CALL frame.
func Call(uniqueID, action string, payload any) ([]byte, error) {
	return json.Marshal([]any{int(MessageCall), uniqueID, action, payload})
}

// CallResult encodes a CALLRESULT reply for the given request id.
func CallResult(uniqueID string, payload any) ([]byte, error) {
	return json.Marshal([]any{int(MessageCallResult), uniqueID, payload})
}

// CallError encodes a CALLERROR reply. Details may be nil.
func CallError(uniqueID, code, description string, details any) ([]byte, error) {
	if details == nil {
		details = map[string]any{}
	}
	return json.Marshal([]any{int(MessageCallError), uniqueID, code, description, details})
}
