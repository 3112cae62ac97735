package ingest

import "fmt"

// Class is the small error taxonomy every I/O boundary in this system
// classifies its failures into: transient conditions worth retrying,
// malformed input that never should be, contract violations worth
// counting and alerting on, and fatal misconfiguration.
type Class string

const (
	TransientIO       Class = "transient_io"
	Malformed         Class = "malformed"
	ContractViolation Class = "contract_violation"
	Fatal             Class = "fatal"
)

// PersistError is returned by the hotview/history stores so callers (the
// orchestrator) can decide retry-locally vs. hand off to the DLQ without
// string-matching error text.
type PersistError struct {
	Class Class
	Cause error
}

func (e *PersistError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("persist error (%s)", e.Class)
	}
	return fmt.Sprintf("persist error (%s): %v", e.Class, e.Cause)
}

func (e *PersistError) Unwrap() error { return e.Cause }

// NewPersistError tags cause with class, or returns nil if cause is nil.
func NewPersistError(class Class, cause error) error {
	if cause == nil {
		return nil
	}
	return &PersistError{Class: class, Cause: cause}
}
