// Copyright 2025 Galad Dirie
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the typed error values shared across the edit
// session and the execution engine. Each type carries enough structure for
// callers to classify the failure without parsing message strings.
package errors

import (
	"fmt"
	"time"
)

// ValidationError represents a client-originated operation or configuration
// that is ill-formed given the current draft or a step type's schema.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType returns the error category for programmatic handling.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a reference to a resource that does not exist:
// a step, connection, workflow, or stored draft.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "step", "connection", "draft")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType returns the error category for programmatic handling.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConflictError represents an operation that collides with existing state,
// such as adding a step or connection whose id is already taken.
type ConflictError struct {
	// Resource is the type of resource (e.g., "step", "connection")
	Resource string

	// ID is the conflicting identifier
	ID string

	// Reason explains the collision
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s: %s", e.Resource, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ID)
}

// ErrorType returns the error category for programmatic handling.
func (e *ConflictError) ErrorType() string { return "conflict" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *ConflictError) IsRetryable() bool { return false }

// LockedError is returned when a step-level edit lock is held by another
// user. It is reported synchronously to the requesting client and never
// broadcast.
type LockedError struct {
	// StepID is the step whose lock was requested
	StepID string

	// HeldBy is the user id currently holding the lock
	HeldBy string
}

// Error implements the error interface.
func (e *LockedError) Error() string {
	return fmt.Sprintf("step %s is locked by %s", e.StepID, e.HeldBy)
}

// ErrorType returns the error category for programmatic handling.
func (e *LockedError) ErrorType() string { return "locked_by" }

// IsRetryable reports whether retrying the operation could succeed.
// Locks are reclaimable after the refresh window lapses, so retrying later
// can succeed.
func (e *LockedError) IsRetryable() bool { return true }

// CycleError is returned when a proposed connection (or a loaded draft)
// would make the step graph cyclic. Witness holds one step sequence that
// closes the cycle.
type CycleError struct {
	Witness []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	if len(e.Witness) == 0 {
		return "cycle detected"
	}
	return fmt.Sprintf("cycle detected: %v", e.Witness)
}

// ErrorType returns the error category for programmatic handling.
func (e *CycleError) ErrorType() string { return "would_create_cycle" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *CycleError) IsRetryable() bool { return false }

// TimeoutError represents an operation that exceeded its configured bound:
// a step executor, a template evaluation, or a whole execution.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "step executor", "template")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ErrorType returns the error category for programmatic handling.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *TimeoutError) IsRetryable() bool { return true }

// ConfigError represents daemon or component configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "store.path")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// ErrorType returns the error category for programmatic handling.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *ConfigError) IsRetryable() bool { return false }

// TransportError represents an outbound I/O failure from a step executor,
// typically the HTTP request step.
type TransportError struct {
	// Operation describes the outbound call (e.g., "http_request")
	Operation string

	// URL is the target of the call, if applicable
	URL string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s to %s failed: %v", e.Operation, e.URL, e.Cause)
	}
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error { return e.Cause }

// ErrorType returns the error category for programmatic handling.
func (e *TransportError) ErrorType() string { return "transport_error" }

// IsRetryable reports whether retrying the operation could succeed.
func (e *TransportError) IsRetryable() bool { return true }
