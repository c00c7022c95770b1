package engine

import "errors"

var (
	// ErrTimeout is returned when a remote node does not answer in time.
	ErrTimeout = errors.New("request timed out")

	// ErrUnreachable is returned when a request cannot be sent to a node.
	ErrUnreachable = errors.New("node unreachable")

	// ErrNoContacts is returned when the route table holds no contact to try.
	ErrNoContacts = errors.New("no contacts available")

	// ErrInvalidArgument is returned for malformed addresses or contacts.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCancelled completes a future that was cancelled.
	ErrCancelled = errors.New("operation cancelled")

	// ErrClosed is returned by operations on a stopped engine.
	ErrClosed = errors.New("engine closed")

	// ErrAlreadyRunning is returned when binding or starting a running engine.
	ErrAlreadyRunning = errors.New("engine already running")

	// ErrNotBound is returned when starting an engine without an address.
	ErrNotBound = errors.New("engine not bound")
)
