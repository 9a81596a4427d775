package flow

import (
	"errors"
	"fmt"
	"reflect"
)

// Terminal failure kinds reported through Consumer.OnFailure.
var (
	ErrRegistration      = errors.New("flow: registration failed")
	ErrTypeMismatch      = errors.New("flow: type mismatch")
	ErrSourceUnavailable = errors.New("flow: source unavailable")
	ErrNoSource          = errors.New("flow: no observation source")
)

// RegistrationError reports that the source refused or could not accept a registration
type RegistrationError struct {
	Key string
	Err error
}

// Error implements the error interface
func (e *RegistrationError) Error() string {
	return fmt.Sprintf("flow: register %q: %v", e.Key, e.Err)
}

// Unwrap returns the source's error
func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// Is matches ErrRegistration
func (e *RegistrationError) Is(target error) bool {
	return target == ErrRegistration
}

// TypeMismatchError reports a raw notification that could not be converted
type TypeMismatchError struct {
	Key  string
	Raw  any
	Want reflect.Type
	Err  error
}

// Error implements the error interface
func (e *TypeMismatchError) Error() string {
	msg := fmt.Sprintf("flow: key %q: cannot convert %T to %v", e.Key, e.Raw, e.Want)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the converter's error, if any
func (e *TypeMismatchError) Unwrap() error {
	return e.Err
}

// Is matches ErrTypeMismatch
func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}

// sourceGoneError wraps the reason a source gave in EndOfStream
type sourceGoneError struct {
	key string
	err error
}

func (e *sourceGoneError) Error() string {
	return fmt.Sprintf("flow: key %q: source unavailable: %v", e.key, e.err)
}

func (e *sourceGoneError) Unwrap() error {
	return e.err
}

func (e *sourceGoneError) Is(target error) bool {
	return target == ErrSourceUnavailable
}
