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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/galaddirie/flowline/pkg/draft"
	"github.com/galaddirie/flowline/pkg/engine"
	"github.com/galaddirie/flowline/pkg/errors"
	_ "modernc.org/sqlite"
)

var _ Store = (*SQLite)(nil)

// SQLite is a file-backed Store for single-node deployments.
type SQLite struct {
	db *sql.DB
}

// SQLiteConfig contains SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// NewSQLite opens (and migrates) a SQLite store.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			draft TEXT NOT NULL,
			last_persisted_seq INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			user_id TEXT,
			seq INTEGER NOT NULL,
			applied_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_workflow_seq ON operations(workflow_id, seq)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			version_id TEXT,
			mode TEXT NOT NULL,
			trigger_step_id TEXT,
			trigger_type TEXT,
			input TEXT,
			status TEXT NOT NULL,
			error TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE TABLE IF NOT EXISTS step_executions (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			item_index INTEGER,
			item_total INTEGER,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			config TEXT,
			error TEXT,
			input_bytes INTEGER NOT NULL DEFAULT 0,
			output_items INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			duration_us INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_executions_execution ON step_executions(execution_id)`,
		`CREATE TABLE IF NOT EXISTS versions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			changelog TEXT,
			draft TEXT NOT NULL,
			created_at TEXT NOT NULL,
			created_by TEXT,
			UNIQUE (workflow_id, tag)
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// LoadDraft returns the last snapshot of a workflow's draft.
func (s *SQLite) LoadDraft(ctx context.Context, workflowID string) (*draft.Draft, error) {
	var draftJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT draft FROM workflows WHERE id = ?`, workflowID).Scan(&draftJSON)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "draft", ID: workflowID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load draft: %w", err)
	}

	var d draft.Draft
	if err := json.Unmarshal([]byte(draftJSON), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal draft: %w", err)
	}
	return &d, nil
}

// SnapshotDraft stores the draft and advances last_persisted_seq.
func (s *SQLite) SnapshotDraft(ctx context.Context, d *draft.Draft, lastPersistedSeq uint64) error {
	draftJSON, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal draft: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, draft, last_persisted_seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			draft = excluded.draft,
			last_persisted_seq = excluded.last_persisted_seq,
			updated_at = excluded.updated_at
	`, d.WorkflowID, string(draftJSON), int64(lastPersistedSeq), time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to snapshot draft: %w", err)
	}
	return nil
}

// AppendOperations appends to the operation log, ignoring redelivered ids.
func (s *SQLite) AppendOperations(ctx context.Context, ops []draft.Operation) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO operations (id, workflow_id, type, payload, user_id, seq, applied_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`, op.ID, op.WorkflowID, string(op.Type), string(op.Payload), op.UserID,
			int64(op.Seq), op.AppliedAt.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to append operation %s: %w", op.ID, err)
		}
	}
	return tx.Commit()
}

// LoadPendingOps returns the persisted watermark and the operations past it.
func (s *SQLite) LoadPendingOps(ctx context.Context, workflowID string) (uint64, []draft.Operation, error) {
	var watermark int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_persisted_seq FROM workflows WHERE id = ?`, workflowID).Scan(&watermark)
	if err == sql.ErrNoRows {
		watermark = 0
	} else if err != nil {
		return 0, nil, fmt.Errorf("failed to load watermark: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, type, payload, user_id, seq, applied_at
		FROM operations
		WHERE workflow_id = ? AND seq > ?
		ORDER BY seq ASC
	`, workflowID, watermark)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to load pending operations: %w", err)
	}
	defer rows.Close()

	var ops []draft.Operation
	for rows.Next() {
		var op draft.Operation
		var opType, payload, appliedAt string
		var userID sql.NullString
		var seq int64
		if err := rows.Scan(&op.ID, &op.WorkflowID, &opType, &payload, &userID, &seq, &appliedAt); err != nil {
			return 0, nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Type = draft.OpType(opType)
		op.Payload = json.RawMessage(payload)
		if userID.Valid {
			op.UserID = userID.String
		}
		op.Seq = uint64(seq)
		op.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt)
		ops = append(ops, op)
	}
	return uint64(watermark), ops, rows.Err()
}

// ListWorkflows returns the ids of all workflows with a stored draft.
func (s *SQLite) ListWorkflows(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM workflows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendStepExecutions upserts a batch of step records.
func (s *SQLite) AppendStepExecutions(ctx context.Context, batch []*engine.StepExecution) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, se := range batch {
		inputJSON, err := marshalMap(se.Input)
		if err != nil {
			return fmt.Errorf("failed to marshal input: %w", err)
		}
		outputJSON, err := marshalMap(se.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		configJSON, err := marshalMap(se.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_executions (id, execution_id, step_id, item_index, item_total,
				status, input, output, config, error, input_bytes, output_items,
				started_at, completed_at, duration_us)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status,
				input = excluded.input,
				output = excluded.output,
				config = excluded.config,
				error = excluded.error,
				input_bytes = excluded.input_bytes,
				output_items = excluded.output_items,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at,
				duration_us = excluded.duration_us
		`, se.ID, se.ExecutionID, se.StepID, nullInt(se.ItemIndex), nullInt(se.ItemTotal),
			string(se.Status), inputJSON, outputJSON, configJSON, nullString(se.Error),
			se.InputBytes, se.OutputItems,
			formatTime(se.StartedAt), formatTime(se.CompletedAt), se.DurationUS)
		if err != nil {
			return fmt.Errorf("failed to save step execution %s: %w", se.ID, err)
		}
	}
	return tx.Commit()
}

// UpdateExecution upserts the execution state.
func (s *SQLite) UpdateExecution(ctx context.Context, exec *engine.Execution) error {
	inputJSON, err := json.Marshal(exec.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	metadataJSON, err := marshalMap(exec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, version_id, mode, trigger_step_id,
			trigger_type, input, status, error, metadata, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			metadata = excluded.metadata,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, exec.ID, exec.WorkflowID, nullString(exec.VersionID), string(exec.Mode),
		nullString(exec.TriggerStepID), nullString(exec.TriggerType),
		string(inputJSON), string(exec.Status), nullString(exec.Error), metadataJSON,
		exec.CreatedAt.Format(time.RFC3339), formatTime(exec.StartedAt), formatTime(exec.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	return nil
}

// GetExecution returns one execution.
func (s *SQLite) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	var exec engine.Execution
	var versionID, triggerStepID, triggerType, errorStr, metadataJSON sql.NullString
	var inputJSON sql.NullString
	var mode, status, createdAt string
	var startedAt, finishedAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, version_id, mode, trigger_step_id, trigger_type,
			input, status, error, metadata, created_at, started_at, finished_at
		FROM executions WHERE id = ?
	`, id).Scan(
		&exec.ID, &exec.WorkflowID, &versionID, &mode, &triggerStepID, &triggerType,
		&inputJSON, &status, &errorStr, &metadataJSON, &createdAt, &startedAt, &finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	exec.Mode = engine.Mode(mode)
	exec.Status = engine.Status(status)
	if versionID.Valid {
		exec.VersionID = versionID.String
	}
	if triggerStepID.Valid {
		exec.TriggerStepID = triggerStepID.String
	}
	if triggerType.Valid {
		exec.TriggerType = triggerType.String
	}
	if errorStr.Valid {
		exec.Error = errorStr.String
	}
	if inputJSON.Valid && inputJSON.String != "" {
		if err := json.Unmarshal([]byte(inputJSON.String), &exec.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &exec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	exec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	exec.StartedAt = parseTime(startedAt)
	exec.FinishedAt = parseTime(finishedAt)
	return &exec, nil
}

// ListStepExecutions returns a run's step records in start order.
func (s *SQLite) ListStepExecutions(ctx context.Context, executionID string) ([]*engine.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, step_id, item_index, item_total, status,
			input, output, config, error, input_bytes, output_items,
			started_at, completed_at, duration_us
		FROM step_executions
		WHERE execution_id = ?
		ORDER BY started_at ASC, step_id ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step executions: %w", err)
	}
	defer rows.Close()

	var records []*engine.StepExecution
	for rows.Next() {
		var se engine.StepExecution
		var itemIndex, itemTotal sql.NullInt64
		var status string
		var inputJSON, outputJSON, configJSON, errorStr sql.NullString
		var startedAt, completedAt sql.NullString

		err := rows.Scan(
			&se.ID, &se.ExecutionID, &se.StepID, &itemIndex, &itemTotal, &status,
			&inputJSON, &outputJSON, &configJSON, &errorStr, &se.InputBytes, &se.OutputItems,
			&startedAt, &completedAt, &se.DurationUS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}

		se.Status = engine.StepStatus(status)
		if itemIndex.Valid {
			idx := int(itemIndex.Int64)
			se.ItemIndex = &idx
		}
		if itemTotal.Valid {
			total := int(itemTotal.Int64)
			se.ItemTotal = &total
		}
		if errorStr.Valid {
			se.Error = errorStr.String
		}
		if err := unmarshalMap(inputJSON, &se.Input); err != nil {
			return nil, err
		}
		if err := unmarshalMap(outputJSON, &se.Output); err != nil {
			return nil, err
		}
		if err := unmarshalMap(configJSON, &se.Config); err != nil {
			return nil, err
		}
		se.StartedAt = parseTime(startedAt)
		se.CompletedAt = parseTime(completedAt)
		records = append(records, &se)
	}
	return records, rows.Err()
}

// SaveVersion stores a published snapshot.
func (s *SQLite) SaveVersion(ctx context.Context, v *draft.Version) error {
	draftJSON, err := json.Marshal(v.Draft)
	if err != nil {
		return fmt.Errorf("failed to marshal draft: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO versions (id, workflow_id, tag, changelog, draft, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.WorkflowID, v.Tag, nullString(v.Changelog), string(draftJSON),
		v.CreatedAt.Format(time.RFC3339), nullString(v.CreatedBy))
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{Resource: "version", ID: v.Tag}
		}
		return fmt.Errorf("failed to save version: %w", err)
	}
	return nil
}

// GetVersion returns a published snapshot by workflow and tag.
func (s *SQLite) GetVersion(ctx context.Context, workflowID, tag string) (*draft.Version, error) {
	var v draft.Version
	var changelog, createdBy sql.NullString
	var draftJSON, createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, tag, changelog, draft, created_at, created_by
		FROM versions WHERE workflow_id = ? AND tag = ?
	`, workflowID, tag).Scan(&v.ID, &v.WorkflowID, &v.Tag, &changelog, &draftJSON, &createdAt, &createdBy)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "version", ID: workflowID + "@" + tag}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}

	if changelog.Valid {
		v.Changelog = changelog.String
	}
	if createdBy.Valid {
		v.CreatedBy = createdBy.String
	}
	var d draft.Draft
	if err := json.Unmarshal([]byte(draftJSON), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal draft: %w", err)
	}
	v.Draft = &d
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &v, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Helper functions

func marshalMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMap(s sql.NullString, out *map[string]any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), out); err != nil {
		return fmt.Errorf("failed to unmarshal record field: %w", err)
	}
	return nil
}

// formatTime converts a *time.Time to RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func isUniqueViolation(err error) bool {
	// modernc reports constraint failures in the message; there is no
	// typed error to match against.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
