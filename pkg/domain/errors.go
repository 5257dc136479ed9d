package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the generation does not exist.
	ErrNotFound = errors.New("generation not found")
	// ErrConflict indicates a conditional update saw an unexpected status.
	ErrConflict = errors.New("generation status conflict")
)

// ValidationError reports missing or malformed input at initiation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// TransientStoreError reports a store failure while starting a generation.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// CompletionError reports a deferred completion that could not reach a terminal state.
// Fallback is nil when the error status was written successfully.
type CompletionError struct {
	GenerationID string
	Primary      error
	Fallback     error
}

func (e *CompletionError) Error() string {
	if e.Fallback != nil {
		return fmt.Sprintf("complete generation %s: %v; mark error: %v", e.GenerationID, e.Primary, e.Fallback)
	}
	return fmt.Sprintf("complete generation %s: %v", e.GenerationID, e.Primary)
}

func (e *CompletionError) Unwrap() []error {
	if e.Fallback != nil {
		return []error{e.Primary, e.Fallback}
	}
	return []error{e.Primary}
}

// SubscriptionError reports a failure of the notification channel itself.
type SubscriptionError struct {
	GenerationID string
	Err          error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s: %v", e.GenerationID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
