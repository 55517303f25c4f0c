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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/galaddirie/flowline/internal/metrics"
	"github.com/galaddirie/flowline/pkg/draft"
	"github.com/galaddirie/flowline/pkg/engine"
	"github.com/galaddirie/flowline/pkg/errors"
)

// maxHookBody bounds inbound webhook payloads.
const maxHookBody = 4 << 20

// hookLimiters rate-limits webhook deliveries per path.
type hookLimiters struct {
	rateLimit rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newHookLimiters(perSecond float64, burst int) *hookLimiters {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &hookLimiters{
		rateLimit: rate.Limit(perSecond),
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (h *hookLimiters) allow(path string) bool {
	h.mu.Lock()
	l, ok := h.limiters[path]
	if !ok {
		l = rate.NewLimiter(h.rateLimit, h.burst)
		h.limiters[path] = l
	}
	h.mu.Unlock()
	return l.Allow()
}

// hookTarget is a resolved webhook endpoint.
type hookTarget struct {
	workflowID string
	trigger    draft.Trigger
}

// resolveHook finds the workflow whose webhook trigger is bound to path.
// The path defaults to the trigger's step id.
func (d *Daemon) resolveHook(r *http.Request, path string) (hookTarget, error) {
	ids, err := d.store.ListWorkflows(r.Context())
	if err != nil {
		return hookTarget{}, err
	}
	for _, id := range ids {
		doc, err := d.store.LoadDraft(r.Context(), id)
		if err != nil {
			continue
		}
		for _, trig := range doc.Triggers {
			if trig.Type != "webhook" {
				continue
			}
			bound := trig.StepID
			if p, ok := trig.Config["path"].(string); ok && p != "" {
				bound = p
			}
			if bound == path {
				return hookTarget{workflowID: id, trigger: trig}, nil
			}
		}
	}
	return hookTarget{}, &errors.NotFoundError{Resource: "webhook", ID: path}
}

// verifyHookSignature checks the HMAC-SHA256 signature headers against the
// trigger's shared secret. Triggers without a secret accept everything.
func verifyHookSignature(r *http.Request, body []byte, secret string) error {
	if secret == "" {
		return nil
	}

	sig := r.Header.Get("X-Webhook-Signature")
	if sig == "" {
		if s := r.Header.Get("X-Signature"); s != "" {
			sig = "sha256=" + s
		}
	}
	if sig == "" {
		return fmt.Errorf("no signature header found")
	}

	algo, hexSig := "sha256", sig
	if parts := strings.SplitN(sig, "=", 2); len(parts) == 2 {
		algo, hexSig = parts[0], parts[1]
	}
	if algo != "sha256" {
		return fmt.Errorf("unsupported algorithm: %s", algo)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(hexSig), []byte(expected)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// parseHookBody shapes the trigger input: JSON bodies decode to their
// value, form bodies become a map, anything else passes through raw.
func parseHookBody(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}

	switch {
	case strings.Contains(mediaType, "json"):
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	case mediaType == "application/x-www-form-urlencoded":
		if values, err := url.ParseQuery(string(body)); err == nil {
			form := make(map[string]any, len(values))
			for k, vs := range values {
				if len(vs) == 1 {
					form[k] = vs[0]
				} else {
					form[k] = vs
				}
			}
			return form
		}
	}
	return string(body)
}

// hookMetadata captures the originating request for
// execution.metadata.extras.request.
func hookMetadata(r *http.Request) map[string]any {
	headers := make(map[string]any, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}
	return map[string]any{
		"extras": map[string]any{
			"request": map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"headers":     headers,
				"remote_addr": r.RemoteAddr,
			},
		},
	}
}

func (d *Daemon) handleWebhook(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	if !d.hooks.allow(path) {
		metrics.RecordWebhook("production", "rate_limited")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{"type": "rate_limited", "message": "too many requests"},
		})
		return
	}

	target, err := d.resolveHook(r, path)
	if err != nil {
		metrics.RecordWebhook("production", "unknown_path")
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody))
	if err != nil {
		writeError(w, &errors.TransportError{Operation: "read_body", Cause: err})
		return
	}

	secret, _ := target.trigger.Config["secret"].(string)
	if err := verifyHookSignature(r, body, secret); err != nil {
		metrics.RecordWebhook("production", "rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]any{"type": "unauthorized", "message": err.Error()},
		})
		return
	}

	exec, err := d.startRun(r.Context(), runRequest{
		WorkflowID:    target.workflowID,
		Mode:          engine.ModeProduction,
		TriggerStepID: target.trigger.StepID,
		TriggerType:   "webhook",
		Input:         parseHookBody(r.Header.Get("Content-Type"), body),
		Metadata:      hookMetadata(r),
	})
	if err != nil {
		metrics.RecordWebhook("production", "error")
		writeError(w, err)
		return
	}
	metrics.RecordWebhook("production", "accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": exec.ID})
}

func (d *Daemon) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	if !d.hooks.allow(path) {
		metrics.RecordWebhook("test", "rate_limited")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{"type": "rate_limited", "message": "too many requests"},
		})
		return
	}

	target, err := d.resolveHook(r, path)
	if err != nil {
		metrics.RecordWebhook("test", "unknown_path")
		writeError(w, err)
		return
	}

	// Test deliveries only fire while a client has armed the listener.
	sess, err := d.sup.Session(r.Context(), target.workflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	armed, err := sess.TestListenerArmed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !armed {
		metrics.RecordWebhook("test", "not_armed")
		writeError(w, &errors.NotFoundError{Resource: "test listener", ID: path})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody))
	if err != nil {
		writeError(w, &errors.TransportError{Operation: "read_body", Cause: err})
		return
	}

	exec, err := d.startRun(r.Context(), runRequest{
		WorkflowID:    target.workflowID,
		Mode:          engine.ModePreview,
		TriggerStepID: target.trigger.StepID,
		TriggerType:   "webhook",
		Input:         parseHookBody(r.Header.Get("Content-Type"), body),
		Metadata:      hookMetadata(r),
	})
	if err != nil {
		metrics.RecordWebhook("test", "error")
		writeError(w, err)
		return
	}
	metrics.RecordWebhook("test", "accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": exec.ID})
}
