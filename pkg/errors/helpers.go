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

package errors

import (
	"errors"
	"fmt"
)

// ErrorClassifier defines methods for programmatic error handling. Errors
// that implement this interface can be classified for the session's failure
// kinds and the engine's routing policy.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "validation", "not_found", "locked_by", "transport_error"
	ErrorType() string

	// IsRetryable returns true if the operation should be retried.
	IsRetryable() bool
}

// Kind returns the classified error type of err, or "internal" when the
// error carries no classification.
func Kind(err error) string {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorType()
	}
	return "internal"
}

// IsRetryable reports whether err is classified as retryable.
// Unclassified errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.IsRetryable()
	}
	return false
}

// Wrap creates a new error that wraps the given error with additional
// context. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted
// context. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's tree that matches target type.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// New creates a new error with the given message.
func New(message string) error { return errors.New(message) }
