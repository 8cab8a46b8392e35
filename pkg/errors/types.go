// Copyright 2025 Tom Barlow
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

// Package errors provides typed errors shared across the flightrec packages.
//
// Callers distinguish error categories with errors.As:
//
//	var nf *errors.NotFoundError
//	if errors.As(err, &nf) {
//	    // unknown run, not a backend fault
//	}
package errors

import (
	"fmt"
	"time"
)

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist. Store accessors return
// it for unknown run ids so that callers can distinguish "unknown run" from
// "run with empty fields" without parsing error strings.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "result", "trace")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// StorageError represents a storage backend fault.
// Use this when the backing store is unreachable or an individual operation
// against it fails. It is distinguishable from NotFoundError so that callers
// can tell "the run does not exist" apart from "the store is down".
type StorageError struct {
	// Backend names the storage backend (e.g., "redis", "memory")
	Backend string

	// Op is the store operation that failed (e.g., "set_status", "emit_event")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %s failed: %v", e.Backend, e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "redis.url", "tracing.sample_rate")
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
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "event read", "store ping")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
