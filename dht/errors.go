package dht

import (
	"errors"

	"github.com/opd-ai/kadnode/engine"
	"github.com/sirupsen/logrus"
)

// ErrListenerRegistered is returned when adding an event listener twice.
var ErrListenerRegistered = errors.New("listener already registered")

// ErrorReporter receives unexpected engine errors.
type ErrorReporter interface {
	Report(err error)
}

// ErrorReporterFunc adapts a function to ErrorReporter.
type ErrorReporterFunc func(err error)

// Report calls f(err).
func (f ErrorReporterFunc) Report(err error) { f(err) }

type logReporter struct{}

func (logReporter) Report(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Report",
		"error":    err.Error(),
	}).Error("Unexpected DHT engine error")
}

type errorClass uint8

const (
	// classTransient errors move the bootstrapper to its next source.
	classTransient errorClass = iota
	// classInvalid errors are configuration problems. They are logged and
	// not retried.
	classInvalid
	// classCancelled completes operations cancelled by the bootstrapper.
	classCancelled
	// classClosed means the engine went away under the operation.
	classClosed
	// classUnexpected errors are reported and stop bootstrapping.
	classUnexpected
)

func classify(err error) errorClass {
	switch {
	case errors.Is(err, engine.ErrTimeout),
		errors.Is(err, engine.ErrUnreachable),
		errors.Is(err, engine.ErrNoContacts):
		return classTransient
	case errors.Is(err, engine.ErrInvalidArgument):
		return classInvalid
	case errors.Is(err, engine.ErrCancelled):
		return classCancelled
	case errors.Is(err, engine.ErrClosed):
		return classClosed
	default:
		return classUnexpected
	}
}

// ErrNotBootstrapped is returned by value operations while the local node is
// not a bootstrapped DHT member.
var ErrNotBootstrapped = errors.New("not a DHT member")
