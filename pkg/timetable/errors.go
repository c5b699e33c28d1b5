package timetable

import (
	"errors"
	"fmt"
)

// AuthError indicates a login or logout failure against the provider.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError indicates a timetable, timegrid or class list retrieval failure.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrInvalidKey is wrapped by stores when a lesson id cannot be used as a key.
var ErrInvalidKey = errors.New("invalid lesson id")

// DeliveryError indicates a notification send failure. Delivered counts the
// leading cards of the payload that reached the sink before the failure.
type DeliveryError struct {
	Provider  string
	Delivered int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s: %v", e.Provider, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// PersistenceError indicates snapshot store I/O failure. It is fatal to the process.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsAuthError checks if an error is an AuthError.
func IsAuthError(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsDeliveryError checks if an error is a DeliveryError.
func IsDeliveryError(err error) bool {
	var target *DeliveryError
	return errors.As(err, &target)
}

// IsPersistenceError checks if an error is a PersistenceError.
func IsPersistenceError(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}
