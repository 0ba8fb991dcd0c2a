// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"fmt"
)

// ConfigurationError reports that the key pool cannot be built.
// It is fatal at startup: AI-backed operations must not be served.
type ConfigurationError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("llm configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("llm configuration error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// NoAvailablePairsError is returned when the pool holds no pairs at all.
// An empty healthy subset is not this error; it self-heals via fail-open.
type NoAvailablePairsError struct{}

// Error implements the error interface.
func (e *NoAvailablePairsError) Error() string {
	return "no key/endpoint pairs available"
}

// ProviderCallError is a single failed attempt against a specific pair.
type ProviderCallError struct {
	// PairID is the pair the attempt was made against.
	PairID string

	// StatusCode is the HTTP status returned by the provider, 0 if none.
	StatusCode int

	// Message is a human-readable description.
	Message string

	// Cause is the underlying error (if any).
	Cause error
}

// Error implements the error interface.
func (e *ProviderCallError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider call via %s failed (status %d): %s", e.PairID, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider call via %s failed: %s", e.PairID, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderCallError) Unwrap() error {
	return e.Cause
}

// AllProvidersExhaustedError is the terminal error of Gateway.Complete once
// every attempt has failed. It carries the last underlying error.
type AllProvidersExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *AllProvidersExhaustedError) Error() string {
	return fmt.Sprintf("all providers exhausted after %d attempt(s): %v", e.Attempts, e.Last)
}

// Unwrap returns the last attempt's error.
func (e *AllProvidersExhaustedError) Unwrap() error {
	return e.Last
}
