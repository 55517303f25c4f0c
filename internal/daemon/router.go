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
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/galaddirie/flowline/internal/metrics"
	"github.com/galaddirie/flowline/internal/presence"
	"github.com/galaddirie/flowline/pkg/draft"
	"github.com/galaddirie/flowline/pkg/engine"
	"github.com/galaddirie/flowline/pkg/errors"
)

// Handler builds the daemon's HTTP surface.
func (d *Daemon) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if d.cfg.MetricsEnabled() {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/workflows/{workflowID}", func(r chi.Router) {
			r.Post("/operations", d.handleSubmitOperation)
			r.Post("/sync", d.handleSync)
			r.Get("/state", d.handleState)

			r.Post("/locks/{stepID}", d.handleAcquireLock)
			r.Delete("/locks/{stepID}", d.handleReleaseLock)

			r.Get("/presence", d.handleListPresence)
			r.Post("/presence", d.handleJoinPresence)
			r.Patch("/presence/{userID}", d.handleUpdatePresence)
			r.Delete("/presence/{userID}", d.handleLeavePresence)

			r.Post("/versions", d.handlePublishVersion)
			r.Get("/versions/{tag}", d.handleGetVersion)

			r.Post("/executions", d.handleStartExecution)

			r.Post("/test-listener", d.handleArmTestListener)
			r.Delete("/test-listener", d.handleDisarmTestListener)
		})

		r.Get("/executions/{executionID}", d.handleGetExecution)
		r.Get("/executions/{executionID}/steps", d.handleListStepExecutions)

		r.Post("/hooks/{path}", d.handleWebhook)
		r.Post("/hook-test/{path}", d.handleWebhookTest)
	})
	return r
}

func (d *Daemon) handleSubmitOperation(w http.ResponseWriter, r *http.Request) {
	var op draft.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, &errors.ValidationError{Field: "body", Message: "malformed operation: " + err.Error()})
		return
	}
	op.WorkflowID = chi.URLParam(r, "workflowID")
	if op.ID == "" {
		writeError(w, &errors.ValidationError{Field: "id", Message: "operation id is required"})
		return
	}
	if !op.Type.Known() {
		writeError(w, &errors.ValidationError{Field: "type", Message: "unknown operation type " + string(op.Type)})
		return
	}

	sess, err := d.sup.Session(r.Context(), op.WorkflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := sess.SubmitOperation(r.Context(), op)
	if err != nil {
		metrics.RecordOperationRejected(errors.Kind(err))
		writeError(w, err)
		return
	}
	metrics.RecordOperationApplied(string(op.Type))
	writeJSON(w, http.StatusOK, res)
}

func (d *Daemon) handleSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientSeq uint64 `json:"client_seq"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &errors.ValidationError{Field: "body", Message: "malformed sync request: " + err.Error()})
		return
	}
	sess, err := d.sup.Session(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := sess.Sync(r.Context(), req.ClientSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *Daemon) handleState(w http.ResponseWriter, r *http.Request) {
	sess, err := d.sup.Session(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := sess.State(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"draft":        snap.Draft,
		"editor_state": snap.Editor,
		"seq":          snap.Seq,
	})
}

func (d *Daemon) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, &errors.ValidationError{Field: "user_id", Message: "user_id is required"})
		return
	}
	sess, err := d.sup.Session(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.AcquireStepLock(r.Context(), chi.URLParam(r, "stepID"), req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locked": true})
}

func (d *Daemon) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, &errors.ValidationError{Field: "user_id", Message: "user_id is required"})
		return
	}
	sess, err := d.sup.Session(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.ReleaseStepLock(r.Context(), chi.URLParam(r, "stepID"), userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) tracker(r *http.Request) (*presence.Tracker, error) {
	workflowID := chi.URLParam(r, "workflowID")
	if _, err := d.sup.Session(r.Context(), workflowID); err != nil {
		return nil, err
	}
	return d.sup.Presence(workflowID), nil
}

func (d *Daemon) handleListPresence(w http.ResponseWriter, r *http.Request) {
	tr, err := d.tracker(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": tr.List()})
}

func (d *Daemon) handleJoinPresence(w http.ResponseWriter, r *http.Request) {
	var id presence.Identity
	if err := json.NewDecoder(r.Body).Decode(&id); err != nil || id.UserID == "" {
		writeError(w, &errors.ValidationError{Field: "user_id", Message: "user_id is required"})
		return
	}
	tr, err := d.tracker(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr.Join(id))
}

func (d *Daemon) handleUpdatePresence(w http.ResponseWriter, r *http.Request) {
	var u presence.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, &errors.ValidationError{Field: "body", Message: "malformed presence update: " + err.Error()})
		return
	}
	tr, err := d.tracker(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entry, ok := tr.Update(chi.URLParam(r, "userID"), u)
	if !ok {
		writeError(w, &errors.NotFoundError{Resource: "presence", ID: chi.URLParam(r, "userID")})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (d *Daemon) handleLeavePresence(w http.ResponseWriter, r *http.Request) {
	tr, err := d.tracker(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tr.Leave(chi.URLParam(r, "userID"))
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handlePublishVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag       string `json:"tag"`
		Changelog string `json:"changelog"`
		UserID    string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tag == "" {
		writeError(w, &errors.ValidationError{Field: "tag", Message: "tag is required"})
		return
	}
	workflowID := chi.URLParam(r, "workflowID")
	sess, err := d.sup.Session(r.Context(), workflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := sess.State(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	v := &draft.Version{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Tag:        req.Tag,
		Changelog:  req.Changelog,
		Draft:      snap.Draft,
		CreatedAt:  time.Now().UTC(),
		CreatedBy:  req.UserID,
	}
	if err := d.store.SaveVersion(r.Context(), v); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (d *Daemon) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := d.store.GetVersion(r.Context(), chi.URLParam(r, "workflowID"), chi.URLParam(r, "tag"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (d *Daemon) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode          string `json:"mode"`
		VersionTag    string `json:"version_tag"`
		TriggerStepID string `json:"trigger_step_id"`
		Input         any    `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &errors.ValidationError{Field: "body", Message: "malformed execution request: " + err.Error()})
		return
	}
	mode := engine.Mode(req.Mode)
	if mode == "" {
		mode = engine.ModePreview
	}
	if mode != engine.ModePreview && mode != engine.ModeProduction {
		writeError(w, &errors.ValidationError{Field: "mode", Message: "mode must be \"preview\" or \"production\""})
		return
	}

	exec, err := d.startRun(r.Context(), runRequest{
		WorkflowID:    chi.URLParam(r, "workflowID"),
		Mode:          mode,
		VersionTag:    req.VersionTag,
		TriggerStepID: req.TriggerStepID,
		TriggerType:   "manual",
		Input:         req.Input,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (d *Daemon) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := d.store.GetExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (d *Daemon) handleListStepExecutions(w http.ResponseWriter, r *http.Request) {
	records, err := d.store.ListStepExecutions(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"step_executions": records})
}

func (d *Daemon) handleArmTestListener(w http.ResponseWriter, r *http.Request) {
	sess, err := d.sup.Session(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.ArmTestListener(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"armed": true})
}

func (d *Daemon) handleDisarmTestListener(w http.ResponseWriter, r *http.Request) {
	sess, err := d.sup.Session(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.DisarmTestListener(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]any{
		"error": map[string]any{
			"type":    errors.Kind(err),
			"message": err.Error(),
		},
	})
}

func httpStatus(err error) int {
	switch errors.Kind(err) {
	case "validation", "invalid_payload", "invalid_step_type", "config":
		return http.StatusBadRequest
	case "not_found", "step_not_found", "source_step_not_found",
		"target_step_not_found", "connection_not_found":
		return http.StatusNotFound
	case "locked_by":
		return http.StatusLocked
	case "conflict", "step_already_exists", "connection_already_exists",
		"would_create_cycle", "self_loop_not_allowed":
		return http.StatusConflict
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
