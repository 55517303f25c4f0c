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

// Package store provides the persistence adapter consumed by edit sessions
// and the execution engine: draft snapshots, the append-only operation
// log, executions with their step records, and published versions.
package store

import (
	"context"

	"github.com/galaddirie/flowline/pkg/draft"
	"github.com/galaddirie/flowline/pkg/engine"
)

// Store is the persistence contract. Implementations are safe for
// concurrent use. A Store satisfies engine.Sink.
type Store interface {
	// LoadDraft returns the last snapshot of a workflow's draft, or a
	// not-found error.
	LoadDraft(ctx context.Context, workflowID string) (*draft.Draft, error)

	// SnapshotDraft stores the draft and advances last_persisted_seq.
	SnapshotDraft(ctx context.Context, d *draft.Draft, lastPersistedSeq uint64) error

	// AppendOperations appends to the operation log. Idempotent on
	// operation id: redelivered operations are ignored.
	AppendOperations(ctx context.Context, ops []draft.Operation) error

	// LoadPendingOps returns the persisted seq watermark and every
	// operation past it, ordered by seq.
	LoadPendingOps(ctx context.Context, workflowID string) (uint64, []draft.Operation, error)

	// ListWorkflows returns the ids of all workflows with a stored draft.
	ListWorkflows(ctx context.Context) ([]string, error)

	// AppendStepExecutions upserts a batch of step records. Redelivered
	// batches overwrite by record id.
	AppendStepExecutions(ctx context.Context, batch []*engine.StepExecution) error

	// UpdateExecution upserts the execution state.
	UpdateExecution(ctx context.Context, exec *engine.Execution) error

	// GetExecution returns one execution, or a not-found error.
	GetExecution(ctx context.Context, id string) (*engine.Execution, error)

	// ListStepExecutions returns a run's step records in start order.
	ListStepExecutions(ctx context.Context, executionID string) ([]*engine.StepExecution, error)

	// SaveVersion stores a published snapshot. Tags are unique per
	// workflow; reusing one fails with a conflict error.
	SaveVersion(ctx context.Context, v *draft.Version) error

	// GetVersion returns a published snapshot by workflow and tag.
	GetVersion(ctx context.Context, workflowID, tag string) (*draft.Version, error)

	Close() error
}

var _ engine.Sink = (Store)(nil)
