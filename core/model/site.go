package model

import (
	"fmt"
	"strings"
)

// EMSMode selects the allocation strategy for the site.
type EMSMode int

const (
	// EMSStatic partitions the site cap by nameplate demand, ignoring live
	// charging activity.
	EMSStatic EMSMode = iota
	// EMSDynamic restricts the optimization to connectors currently charging.
	EMSDynamic
)

// String returns the persisted representation of the mode.
func (m EMSMode) String() string {
	if m == EMSDynamic {
		return "dynamic"
	}
	return "static"
}

// ParseEMSMode maps a stored mode string to the enum.
func ParseEMSMode(s string) (EMSMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "static":
		return EMSStatic, nil
	case "dynamic":
		return EMSDynamic, nil
	default:
		return EMSStatic, fmt.Errorf("unknown ems mode %q", s)
	}
}

// SiteSetting is the read-only allocator input describing the site-wide
// electrical envelope. Changed only by an external admin action.
type SiteSetting struct {
	EMSMode    EMSMode `json:"ems_mode"`
	MaxPowerKw float64 `json:"max_power_kw"`
}
