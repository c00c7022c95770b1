package engine

import (
	"time"

	"github.com/opd-ai/kadnode/routing"
)

// PingResult is the outcome of a successful ping.
type PingResult struct {
	Contact *routing.Contact
	RTT     time.Duration
}

// BootstrapType classifies a completed bootstrap.
type BootstrapType uint8

const (
	BootstrapSucceeded BootstrapType = iota + 1
	BootstrapFailed
)

func (t BootstrapType) String() string {
	switch t {
	case BootstrapSucceeded:
		return "succeeded"
	case BootstrapFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BootstrapResult is the outcome of a bootstrap against one contact.
type BootstrapResult struct {
	Contact  *routing.Contact
	Type     BootstrapType
	Duration time.Duration
	// Found is the number of contacts learned from the bootstrap contact.
	Found int
}
