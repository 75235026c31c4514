package envelope

import (
	"fmt"
)

// VersionMismatchError occurs when an envelope carries a schema version this
// build does not understand
type VersionMismatchError struct {
	Got  uint32
	Want uint32
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("envelope schema version mismatch: got %d, want %d", e.Got, e.Want)
}

// SerializationError occurs when a value cannot be encoded
type SerializationError struct {
	Type string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize '%s': %v", e.Type, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// DeserializationError occurs when envelope bytes do not match the expected shape
type DeserializationError struct {
	Reason string
	Err    error
}

func (e *DeserializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to deserialize envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to deserialize envelope: %s", e.Reason)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}
