package app

import "errors"

var (
	// ErrSimulatedFailure is the primary completion failure injected by FailureRate.
	ErrSimulatedFailure = errors.New("simulated generation failure")
)

// missingFieldsMessage matches the rejection text existing clients display.
const missingFieldsMessage = "Missing required fields: prompt and style"
