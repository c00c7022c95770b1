// Package limits provides centralized size limits for DHT packets and
// persisted routing-table snapshots.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPacket is the largest datagram the transport will send or accept.
	// 1500 byte Ethernet MTU minus the IPv4 (20) and UDP (8) headers.
	MaxPacket = 1472

	// MaxContactsPerPacket bounds the number of contacts carried in a single
	// NODES response or discovery reply.
	MaxContactsPerPacket = 20

	// MaxSnapshot is the largest compressed snapshot file that will be loaded.
	MaxSnapshot = 4 * 1024 * 1024

	// MaxDecodedSnapshot is the largest decompressed snapshot body. Guards
	// against decompression bombs in a tampered file.
	MaxDecodedSnapshot = 16 * 1024 * 1024
)

var (
	// ErrEmpty indicates an empty buffer was provided
	ErrEmpty = errors.New("empty buffer")

	// ErrTooLarge indicates a buffer exceeds its maximum size
	ErrTooLarge = errors.New("buffer too large")
)

// ValidateSize validates a buffer against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(data []byte, maxSize int) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrTooLarge, len(data), maxSize)
	}
	return nil
}

// ValidatePacket validates a datagram against MaxPacket.
func ValidatePacket(data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > MaxPacket {
		return fmt.Errorf("%w: packet size %d exceeds limit %d", ErrTooLarge, len(data), MaxPacket)
	}
	return nil
}

// ValidateSnapshot validates a compressed snapshot against MaxSnapshot.
func ValidateSnapshot(data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > MaxSnapshot {
		return fmt.Errorf("%w: snapshot size %d exceeds limit %d", ErrTooLarge, len(data), MaxSnapshot)
	}
	return nil
}

// ValidateDecodedSnapshot validates a decompressed snapshot body length
// before it is allocated.
func ValidateDecodedSnapshot(n int) error {
	if n <= 0 {
		return ErrEmpty
	}
	if n > MaxDecodedSnapshot {
		return fmt.Errorf("%w: decoded snapshot size %d exceeds limit %d", ErrTooLarge, n, MaxDecodedSnapshot)
	}
	return nil
}
