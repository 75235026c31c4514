package wasm

import (
	"fmt"
	"time"
)

// CompilationError occurs when Wasm module compilation fails or the module
// does not implement the plugin ABI
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError occurs when module instantiation fails
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// ModuleNotFoundError occurs when a module is not in cache
type ModuleNotFoundError struct {
	ModuleName string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module '%s' not found in cache", e.ModuleName)
}

// FunctionNotFoundError occurs when an exported function is missing
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// GuestTrapError occurs when the sandbox reports that the guest faulted:
// unreachable, out-of-bounds access, stack exhaustion or an explicit exit
type GuestTrapError struct {
	ModuleName string
	Function   string
	Err        error
}

func (e *GuestTrapError) Error() string {
	return fmt.Sprintf("guest trapped in '%s' of module '%s': %v", e.Function, e.ModuleName, e.Err)
}

func (e *GuestTrapError) Unwrap() error {
	return e.Err
}

// GuestProtocolViolationError occurs when the guest breaks the ABI contract,
// e.g. by returning a region outside its own memory
type GuestProtocolViolationError struct {
	ModuleName string
	Reason     string
}

func (e *GuestProtocolViolationError) Error() string {
	return fmt.Sprintf("module '%s' violated the plugin ABI: %s", e.ModuleName, e.Reason)
}

// GuestResourceExhaustedError occurs when a region cannot be reserved in guest memory
type GuestResourceExhaustedError struct {
	ModuleName string
	Requested  uint32
	Reason     string
}

func (e *GuestResourceExhaustedError) Error() string {
	return fmt.Sprintf("module '%s' could not reserve %d bytes: %s", e.ModuleName, e.Requested, e.Reason)
}

// GuestTimeoutError occurs when Wasm execution exceeds its budget
type GuestTimeoutError struct {
	ModuleName string
	Duration   time.Duration
}

func (e *GuestTimeoutError) Error() string {
	return fmt.Sprintf("Wasm execution of module '%s' timed out after %v", e.ModuleName, e.Duration)
}

// InstanceClosedError occurs when an execution context is used after Close
// or after a timeout aborted it
type InstanceClosedError struct {
	InstanceID string
}

func (e *InstanceClosedError) Error() string {
	return fmt.Sprintf("instance '%s' is closed", e.InstanceID)
}
