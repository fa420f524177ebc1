// Package domain contains domain errors used throughout the application.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	ErrDaemonAlreadyRunning = errors.New("daemon is already running")
	ErrDaemonNotRunning     = errors.New("daemon is not running")
	ErrNotAuthenticated     = errors.New("not signed in")
	ErrSessionInvalid       = errors.New("session file is invalid")
	ErrRegistryClosed       = errors.New("subscription registry is closed")
	ErrLeaseReleased        = errors.New("subscription lease already released")
	ErrManagerClosed        = errors.New("subscription manager is closed")
	ErrSocketClosed         = errors.New("realtime socket is closed")
	ErrChannelClosed        = errors.New("realtime channel is closed")
	ErrJoinTimeout          = errors.New("timed out waiting for channel join ack")
	ErrStoreClosed          = errors.New("store is closed")
	ErrSubscriberClosed     = errors.New("subscriber is closed")
)

// BackendError represents an error from the backend REST API.
type BackendError struct {
	Op     string // Operation that failed
	Status int    // HTTP status if a response was received
	Err    error  // Underlying error
}

func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError creates a new BackendError.
func NewBackendError(op string, status int, err error) *BackendError {
	return &BackendError{
		Op:     op,
		Status: status,
		Err:    err,
	}
}

// RealtimeError represents an error from the realtime transport.
type RealtimeError struct {
	Op    string // Operation that failed
	Topic string // Channel topic if scoped to one
	Err   error  // Underlying error
}

func (e *RealtimeError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("realtime %s: topic %s: %v", e.Op, e.Topic, e.Err)
	}
	return fmt.Sprintf("realtime %s: %v", e.Op, e.Err)
}

func (e *RealtimeError) Unwrap() error {
	return e.Err
}

// NewRealtimeError creates a new RealtimeError.
func NewRealtimeError(op, topic string, err error) *RealtimeError {
	return &RealtimeError{
		Op:    op,
		Topic: topic,
		Err:   err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
