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

package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(Config{
		Exporter:       "stdout",
		ServiceName:    "flowline-test",
		ServiceVersion: "test",
		Writer:         &buf,
	})
	require.NoError(t, err)

	_, span := otel.Tracer("tracing_test").Start(context.Background(), "unit-span")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "unit-span")
	assert.Contains(t, buf.String(), "flowline-test")
}

func TestSetupNoneDiscardsSpans(t *testing.T) {
	shutdown, err := Setup(Config{Exporter: "none"})
	require.NoError(t, err)

	_, span := otel.Tracer("tracing_test").Start(context.Background(), "discarded")
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(Config{Exporter: "jaeger"})
	require.Error(t, err)
}
