package plugin

import (
	"context"
	"errors"
	"fmt"

	"github.com/woxQAQ/plugin-runner/internal/envelope"
	"github.com/woxQAQ/plugin-runner/internal/wasm"
)

// TransformExecutionError occurs when the guest ran to completion but its
// output envelope cannot be trusted (wrong schema version or malformed payload).
type TransformExecutionError struct {
	Plugin string
	Err    error
}

func (e *TransformExecutionError) Error() string {
	return fmt.Sprintf("plugin '%s' returned an invalid envelope: %v", e.Plugin, e.Err)
}

func (e *TransformExecutionError) Unwrap() error {
	return e.Err
}

// TransformError attributes a failure to a plugin build.
type TransformError struct {
	Plugin  string
	Version string // empty when the plugin reports none
	Err     error
}

func (e *TransformError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("plugin '%s' (version %s) failed: %v", e.Plugin, e.Version, e.Err)
	}
	return fmt.Sprintf("plugin '%s' failed: %v", e.Plugin, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// Error kinds reported by ErrorKind.
const (
	KindCompile           = "compile"
	KindInstantiation     = "instantiation"
	KindVersionMismatch   = "version_mismatch"
	KindSerialization     = "serialization"
	KindDeserialization   = "deserialization"
	KindGuestTrap         = "guest_trap"
	KindProtocolViolation = "protocol_violation"
	KindResourceExhausted = "resource_exhausted"
	KindTimeout           = "timeout"
	KindTransformOutput   = "transform_execution"
	KindConsumed          = "consumed"
	KindCanceled          = "canceled"
	KindUnknown           = "unknown"
)

// ErrorKind classifies err into a stable kind string for logs and metrics.
// It returns "" for nil.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	var (
		execErr      *TransformExecutionError
		compileErr   *wasm.CompilationError
		instErr      *wasm.InstantiationError
		closedErr    *wasm.InstanceClosedError
		trapErr      *wasm.GuestTrapError
		violationErr *wasm.GuestProtocolViolationError
		exhaustedErr *wasm.GuestResourceExhaustedError
		timeoutErr   *wasm.GuestTimeoutError
		versionErr   *envelope.VersionMismatchError
		serErr       *envelope.SerializationError
		deserErr     *envelope.DeserializationError
	)

	switch {
	case errors.As(err, &execErr):
		return KindTransformOutput
	case errors.As(err, &timeoutErr):
		return KindTimeout
	case errors.As(err, &trapErr):
		return KindGuestTrap
	case errors.As(err, &violationErr):
		return KindProtocolViolation
	case errors.As(err, &exhaustedErr):
		return KindResourceExhausted
	case errors.As(err, &compileErr):
		return KindCompile
	case errors.As(err, &instErr), errors.As(err, &closedErr):
		return KindInstantiation
	case errors.As(err, &versionErr):
		return KindVersionMismatch
	case errors.As(err, &serErr):
		return KindSerialization
	case errors.As(err, &deserErr):
		return KindDeserialization
	case errors.Is(err, envelope.ErrConsumed):
		return KindConsumed
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnknown
	}
}
