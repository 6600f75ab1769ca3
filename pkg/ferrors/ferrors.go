// Package ferrors defines the error taxonomy shared by the graph, broker,
// worker, and storage packages.
package ferrors

import "fmt"

// Kind classifies the broad category of a Fuseline error, per the
// taxonomy in the error handling design: graph construction errors,
// worker-observed step errors, broker protocol errors, transport
// errors, and storage errors.
type Kind string

const (
	// KindConstruction covers unknown dependencies, cycles, duplicate
	// names, and schema mismatches detected at graph build or
	// registration time.
	KindConstruction Kind = "construction"
	// KindStep covers errors raised by user step functions that were
	// not absorbed by the policy chain.
	KindStep Kind = "step"
	// KindProtocol covers broker-side protocol errors: unknown
	// worker_id, unknown workflow_id/instance_id.
	KindProtocol Kind = "protocol"
	// KindTransport covers HTTP-level failures between a worker and
	// the broker.
	KindTransport Kind = "transport"
	// KindStorage covers failures surfaced by a RuntimeStorage
	// implementation.
	KindStorage Kind = "storage"
)

// Error is a structured error carrying a Kind, a human-readable
// message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to Cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}
