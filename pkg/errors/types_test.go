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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "type_id", Message: "unknown step type"}
	assert.Equal(t, "validation failed on type_id: unknown step type", err.Error())
	assert.Equal(t, "validation", err.ErrorType())
	assert.False(t, err.IsRetryable())
}

func TestLockedError(t *testing.T) {
	err := &LockedError{StepID: "s1", HeldBy: "user-2"}
	assert.Equal(t, "step s1 is locked by user-2", err.Error())
	assert.Equal(t, "locked_by", err.ErrorType())
	assert.True(t, err.IsRetryable())
}

func TestCycleErrorWitness(t *testing.T) {
	err := &CycleError{Witness: []string{"a", "b", "a"}}
	assert.Contains(t, err.Error(), "a b a")
	assert.Equal(t, "would_create_cycle", err.ErrorType())
}

func TestKindClassifiesWrappedErrors(t *testing.T) {
	base := &TransportError{Operation: "http_request", URL: "http://example.com", Cause: New("refused")}
	wrapped := Wrap(base, "step http_1")

	assert.Equal(t, "transport_error", Kind(wrapped))
	assert.True(t, IsRetryable(wrapped))

	var transport *TransportError
	require.True(t, As(wrapped, &transport))
	assert.Equal(t, "http://example.com", transport.URL)
}

func TestKindDefaultsToInternal(t *testing.T) {
	assert.Equal(t, "internal", Kind(fmt.Errorf("boom")))
	assert.False(t, IsRetryable(fmt.Errorf("boom")))
}

func TestTimeoutErrorUnwrap(t *testing.T) {
	cause := New("deadline exceeded")
	err := &TimeoutError{Operation: "template", Duration: 5 * time.Second, Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "timeout", Kind(err))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "context"))
	assert.NoError(t, Wrapf(nil, "context %d", 1))
}
