package dht

import (
	"fmt"
	"strings"
)

// Mode is the role the local node plays in the DHT.
type Mode uint8

const (
	// ModeInactive means no DHT node is running.
	ModeInactive Mode = iota
	// ModeActive is a full, reachable DHT participant.
	ModeActive
	// ModePassive is a firewalled supernode that tracks DHT capable leaves.
	ModePassive
	// ModePassiveLeaf is a firewalled node fed contacts by its supernode.
	ModePassiveLeaf
)

func (m Mode) String() string {
	switch m {
	case ModeInactive:
		return "inactive"
	case ModeActive:
		return "active"
	case ModePassive:
		return "passive"
	case ModePassiveLeaf:
		return "passive_leaf"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode converts a mode name as returned by String back to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inactive":
		return ModeInactive, nil
	case "active":
		return ModeActive, nil
	case "passive":
		return ModePassive, nil
	case "passive_leaf", "passive-leaf", "leaf":
		return ModePassiveLeaf, nil
	default:
		return ModeInactive, fmt.Errorf("unknown DHT mode %q", s)
	}
}

// IsValid reports whether m is one of the defined modes.
func (m Mode) IsValid() bool {
	return m <= ModePassiveLeaf
}

// IsFirewalled reports whether engines in this mode are firewalled.
func (m Mode) IsFirewalled() bool {
	return m == ModePassive || m == ModePassiveLeaf
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
