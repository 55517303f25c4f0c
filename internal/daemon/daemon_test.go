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

package daemon

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galaddirie/flowline/internal/config"
	"github.com/galaddirie/flowline/pkg/draft"
	"github.com/galaddirie/flowline/pkg/engine"
)

func newTestDaemon(t *testing.T) (*Daemon, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = "memory"
	cfg.Session.FlushInterval = 20 * time.Millisecond

	d, err := New(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		d.Close(context.Background())
	})
	return d, srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func opBody(opID, opType string, payload any) map[string]any {
	return map[string]any{
		"id":      opID,
		"type":    opType,
		"user_id": "u1",
		"payload": payload,
	}
}

func addStep(t *testing.T, srv *httptest.Server, opID, stepID, typeID string, cfg map[string]any) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/operations",
		opBody(opID, "add_step", map[string]any{
			"step": map[string]any{"id": stepID, "type_id": typeID, "config": cfg},
		}))
	require.Equal(t, http.StatusOK, resp.StatusCode, "add_step %s: %v", stepID, body)
}

func connect(t *testing.T, srv *httptest.Server, opID, connID, from, to string) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/operations",
		opBody(opID, "add_connection", map[string]any{
			"connection": map[string]any{"id": connID, "source_step_id": from, "target_step_id": to},
		}))
	require.Equal(t, http.StatusOK, resp.StatusCode, "connect %s: %v", connID, body)
}

func TestOperationEndpointAppliesAndDedupes(t *testing.T) {
	_, srv := newTestDaemon(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/operations",
		opBody("op-1", "add_step", map[string]any{
			"step": map[string]any{"id": "a", "type_id": "debug"},
		}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["seq"])
	assert.Equal(t, "applied", body["status"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/operations",
		opBody("op-1", "add_step", map[string]any{
			"step": map[string]any{"id": "a", "type_id": "debug"},
		}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", body["status"])
}

func TestOperationEndpointRejections(t *testing.T) {
	_, srv := newTestDaemon(t)
	addStep(t, srv, "op-1", "a", "debug", nil)
	addStep(t, srv, "op-2", "b", "debug", nil)
	connect(t, srv, "op-3", "c1", "a", "b")

	// Unknown step type.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/operations",
		opBody("op-4", "add_step", map[string]any{
			"step": map[string]any{"id": "x", "type_id": "no_such_type"},
		}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "invalid_step_type", errObj["type"])

	// Cycle.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/operations",
		opBody("op-5", "add_connection", map[string]any{
			"connection": map[string]any{"id": "c2", "source_step_id": "b", "target_step_id": "a"},
		}))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	errObj = body["error"].(map[string]any)
	assert.Equal(t, "would_create_cycle", errObj["type"])

	// Unknown operation type never reaches the session.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/operations",
		opBody("op-6", "rename_workflow", map[string]any{}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncEndpoint(t *testing.T) {
	_, srv := newTestDaemon(t)
	addStep(t, srv, "op-1", "a", "debug", nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/sync",
		map[string]any{"client_seq": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "full_sync", body["type"])
	assert.Equal(t, float64(1), body["seq"])
	require.NotNil(t, body["draft"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/sync",
		map[string]any{"client_seq": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "up_to_date", body["type"])
}

func TestLockEndpoints(t *testing.T) {
	_, srv := newTestDaemon(t)
	addStep(t, srv, "op-1", "a", "debug", nil)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/locks/a",
		map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/locks/a",
		map[string]any{"user_id": "u2"})
	require.Equal(t, http.StatusLocked, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "locked_by", errObj["type"])

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/workflows/wf-1/locks/a?user_id=u1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/locks/a",
		map[string]any{"user_id": "u2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPresenceEndpoints(t *testing.T) {
	_, srv := newTestDaemon(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/presence",
		map[string]any{"user_id": "u1", "name": "Ada"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "u1", body["user_id"])

	resp, body = doJSON(t, http.MethodPatch, srv.URL+"/api/workflows/wf-1/presence/u1",
		map[string]any{"focused_step_id": "a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a", body["focused_step_id"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/workflows/wf-1/presence", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	users := body["users"].([]any)
	require.Len(t, users, 1)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/workflows/wf-1/presence/u1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPatch, srv.URL+"/api/workflows/wf-1/presence/u1",
		map[string]any{"focused_step_id": "b"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = body
}

func waitForExecution(t *testing.T, d *Daemon, id string) *engine.Execution {
	t.Helper()
	var exec *engine.Execution
	require.Eventually(t, func() bool {
		var err error
		exec, err = d.Store().GetExecution(context.Background(), id)
		return err == nil && exec.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return exec
}

// waitForSteps polls until the recorder has flushed n step records.
func waitForSteps(t *testing.T, d *Daemon, execID string, n int) []*engine.StepExecution {
	t.Helper()
	var records []*engine.StepExecution
	require.Eventually(t, func() bool {
		var err error
		records, err = d.Store().ListStepExecutions(context.Background(), execID)
		return err == nil && len(records) >= n
	}, 5*time.Second, 10*time.Millisecond)
	return records
}

func TestExecutionEndpointRunsDraft(t *testing.T) {
	d, srv := newTestDaemon(t)
	addStep(t, srv, "op-1", "start", "manual_trigger", nil)
	addStep(t, srv, "op-2", "calc", "math", map[string]any{
		"operation": "add", "value": "{{ json.x }}", "operand": 5,
	})
	connect(t, srv, "op-3", "c1", "start", "calc")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/executions",
		map[string]any{"mode": "preview", "input": map[string]any{"x": 2}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	execID := body["id"].(string)

	exec := waitForExecution(t, d, execID)
	assert.Equal(t, engine.StatusCompleted, exec.Status)
	waitForSteps(t, d, execID, 2)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/executions/"+execID+"/steps", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	records := body["step_executions"].([]any)
	require.Len(t, records, 2)

	var calcOutput any
	for _, raw := range records {
		se := raw.(map[string]any)
		if se["step_id"] == "calc" {
			calcOutput = se["output"].(map[string]any)["value"]
		}
	}
	assert.Equal(t, float64(7), calcOutput)
}

func TestPublishAndRunVersion(t *testing.T) {
	d, srv := newTestDaemon(t)
	addStep(t, srv, "op-1", "start", "manual_trigger", nil)
	addStep(t, srv, "op-2", "calc", "math", map[string]any{
		"operation": "multiply", "value": "{{ json.x }}", "operand": 3,
	})
	connect(t, srv, "op-3", "c1", "start", "calc")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/versions",
		map[string]any{"tag": "v1", "user_id": "u1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	versionID := body["id"].(string)

	// Tags are immutable.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/versions",
		map[string]any{"tag": "v1", "user_id": "u1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The draft keeps moving; the version does not follow.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/operations",
		opBody("op-4", "update_step_config", map[string]any{
			"step_id": "calc",
			"patch":   []any{map[string]any{"op": "replace", "path": "/operand", "value": 100}},
		}))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-1/executions",
		map[string]any{"mode": "production", "version_tag": "v1", "input": map[string]any{"x": 2}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	execID := body["id"].(string)
	assert.Equal(t, versionID, body["version_id"])

	exec := waitForExecution(t, d, execID)
	assert.Equal(t, engine.StatusCompleted, exec.Status)

	for _, se := range waitForSteps(t, d, execID, 2) {
		if se.StepID == "calc" {
			assert.Equal(t, map[string]any{"value": float64(6)}, se.Output)
		}
	}
}

func seedWebhookWorkflow(t *testing.T, d *Daemon, secret string) {
	t.Helper()
	doc := &draft.Draft{
		WorkflowID: "wf-hook",
		Steps: []draft.Step{
			{ID: "hook", TypeID: "webhook_trigger"},
			{ID: "calc", TypeID: "math", Config: map[string]any{
				"operation": "add", "value": "{{ json.x }}", "operand": 1,
			}},
		},
		Connections: []draft.Connection{
			{ID: "c1", SourceStepID: "hook", TargetStepID: "calc"},
		},
		Triggers: []draft.Trigger{
			{ID: "t1", StepID: "hook", Type: "webhook", Config: map[string]any{
				"path":   "orders",
				"secret": secret,
			}},
		},
	}
	require.NoError(t, d.Store().SnapshotDraft(context.Background(), doc, 0))
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookEndpoint(t *testing.T) {
	d, srv := newTestDaemon(t)
	seedWebhookWorkflow(t, d, "s3cret")

	payload := []byte(`{"x": 41}`)

	// Missing signature.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/hooks/orders", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Unknown path.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api/hooks/nope", bytes.NewReader(payload))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Signed delivery runs the workflow.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api/hooks/orders", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", sign("s3cret", payload))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var accepted map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	exec := waitForExecution(t, d, accepted["execution_id"].(string))
	assert.Equal(t, engine.StatusCompleted, exec.Status)
	assert.Equal(t, engine.ModeProduction, exec.Mode)
	assert.Equal(t, "webhook", exec.TriggerType)
	assert.Equal(t, "hook", exec.TriggerStepID)

	// The originating request rides along in the metadata extras.
	extras := exec.Metadata["extras"].(map[string]any)
	request := extras["request"].(map[string]any)
	assert.Equal(t, http.MethodPost, request["method"])

	for _, se := range waitForSteps(t, d, exec.ID, 2) {
		if se.StepID == "calc" {
			assert.Equal(t, map[string]any{"value": float64(42)}, se.Output)
		}
	}
}

func TestWebhookTestRequiresArmedListener(t *testing.T) {
	d, srv := newTestDaemon(t)
	seedWebhookWorkflow(t, d, "")

	payload := []byte(`{"x": 1}`)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/hook-test/orders",
		map[string]any{"x": 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/workflows/wf-hook/test-listener", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/hook-test/orders", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	httpResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var accepted map[string]any
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&accepted))
	httpResp.Body.Close()
	require.Equal(t, http.StatusAccepted, httpResp.StatusCode)

	exec := waitForExecution(t, d, accepted["execution_id"].(string))
	assert.Equal(t, engine.ModePreview, exec.Mode)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/workflows/wf-hook/test-listener", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/hook-test/orders",
		map[string]any{"x": 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, srv := newTestDaemon(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestParseHookBodyShapes(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        any
	}{
		{"json object", "application/json", `{"a": 1}`, map[string]any{"a": float64(1)}},
		{"json list", "application/json; charset=utf-8", `[1, 2]`, []any{float64(1), float64(2)}},
		{"form", "application/x-www-form-urlencoded", "a=1&b=2", map[string]any{"a": "1", "b": "2"}},
		{"raw", "text/plain", "hello", "hello"},
		{"invalid json falls back to raw", "application/json", "{nope", "{nope"},
		{"empty", "application/json", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseHookBody(tt.contentType, []byte(tt.body)))
		})
	}
}

func TestWebhookRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "memory"
	cfg.Server.WebhookRate = 1
	cfg.Server.WebhookBurst = 2

	d, err := New(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		d.Close(context.Background())
	})
	seedWebhookWorkflow(t, d, "")

	var limited bool
	for i := 0; i < 5; i++ {
		resp, err := http.Post(srv.URL+"/api/hooks/orders", "application/json",
			bytes.NewReader([]byte(fmt.Sprintf(`{"x": %d}`, i))))
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.True(t, limited, "burst of 5 against burst limit 2 must be throttled")
}
