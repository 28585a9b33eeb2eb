package faults

import (
	"errors"
	"fmt"
)

// Fault represents a classified error raised by the capture/sync pipeline.
//
// Fault categories:
//   - Persistence: durable store read/write failure; fatal to the caller
//   - Network: transient transport failure; drives backoff, never surfaced
//     to the capture caller
//   - Permission: sensor access denied; fatal to the position sampler
//   - Encryption: uninitialized keychain or unavailable primitive
//   - Validation: malformed envelope or metadata payload
//
// Fault includes structured fields for diagnostics.
type Fault struct {
	// Code identifies the fault category.
	Code Code

	// Message is a human-readable description.
	Message string

	// EventID identifies the affected envelope, when known.
	EventID string

	// Err is the underlying cause, when wrapping.
	Err error
}

// Code categorizes faults.
type Code string

const (
	// CodePersistence indicates a durable store failure.
	CodePersistence Code = "PERSISTENCE"

	// CodeNetwork indicates a transient transport failure.
	CodeNetwork Code = "NETWORK"

	// CodePermission indicates sensor access was denied.
	CodePermission Code = "PERMISSION"

	// CodeEncryption indicates a security layer failure.
	CodeEncryption Code = "ENCRYPTION"

	// CodeValidation indicates a malformed envelope or payload.
	CodeValidation Code = "VALIDATION"
)

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.EventID != "" {
		return fmt.Sprintf("%s: %s (event=%s)", f.Code, f.Message, f.EventID)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (f *Fault) Unwrap() error {
	return f.Err
}

// is reports whether err is a Fault with the given code.
// Uses errors.As to handle wrapped errors.
func is(err error, code Code) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code == code
	}
	return false
}

// IsPersistence returns true for durable store failures.
func IsPersistence(err error) bool { return is(err, CodePersistence) }

// IsNetwork returns true for transient transport failures.
func IsNetwork(err error) bool { return is(err, CodeNetwork) }

// IsPermission returns true for sensor permission denials.
func IsPermission(err error) bool { return is(err, CodePermission) }

// IsEncryption returns true for security layer failures.
func IsEncryption(err error) bool { return is(err, CodeEncryption) }

// IsValidation returns true for malformed envelope errors.
func IsValidation(err error) bool { return is(err, CodeValidation) }

// Persistence wraps err as a durable store failure.
func Persistence(msg string, err error) *Fault {
	return &Fault{Code: CodePersistence, Message: msg, Err: err}
}

// Network wraps err as a transient transport failure.
func Network(msg string, err error) *Fault {
	return &Fault{Code: CodeNetwork, Message: msg, Err: err}
}

// Permission creates a sensor permission fault.
func Permission(msg string) *Fault {
	return &Fault{Code: CodePermission, Message: msg}
}

// Encryption creates a security layer fault.
func Encryption(msg string) *Fault {
	return &Fault{Code: CodeEncryption, Message: msg}
}

// Validation creates a malformed envelope fault.
func Validation(msg string) *Fault {
	return &Fault{Code: CodeValidation, Message: msg}
}
