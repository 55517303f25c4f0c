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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galaddirie/flowline/pkg/draft"
	"github.com/galaddirie/flowline/pkg/engine"
	"github.com/galaddirie/flowline/pkg/errors"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "store.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func sampleDraft() *draft.Draft {
	// Settings and Variables stay nil so the fixture survives a JSON
	// round-trip unchanged.
	return &draft.Draft{
		WorkflowID: "wf-1",
		Steps: []draft.Step{
			{ID: "a", TypeID: "manual_trigger", Name: "Start"},
			{ID: "b", TypeID: "debug", Config: map[string]any{"label": "b"}},
		},
		Connections: []draft.Connection{
			{ID: "c1", SourceStepID: "a", TargetStepID: "b"},
		},
	}
}

func TestDraftSnapshotRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.LoadDraft(ctx, "wf-1")
			var nf *errors.NotFoundError
			require.ErrorAs(t, err, &nf)

			require.NoError(t, s.SnapshotDraft(ctx, sampleDraft(), 3))

			loaded, err := s.LoadDraft(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, sampleDraft(), loaded)

			watermark, _, err := s.LoadPendingOps(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, uint64(3), watermark)
		})
	}
}

func TestAppendOperationsIdempotent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SnapshotDraft(ctx, sampleDraft(), 0))

			ops := []draft.Operation{
				{
					ID: "op-1", WorkflowID: "wf-1", Type: draft.OpAddStep,
					Payload:   draft.MustPayload(draft.AddStepPayload{Step: draft.Step{ID: "x", TypeID: "debug"}}),
					UserID:    "u1",
					Seq:       1,
					AppliedAt: time.Now().UTC(),
				},
				{
					ID: "op-2", WorkflowID: "wf-1", Type: draft.OpRemoveStep,
					Payload:   draft.MustPayload(draft.RemoveStepPayload{StepID: "x"}),
					UserID:    "u1",
					Seq:       2,
					AppliedAt: time.Now().UTC(),
				},
			}
			require.NoError(t, s.AppendOperations(ctx, ops))
			// Redelivery must not duplicate rows.
			require.NoError(t, s.AppendOperations(ctx, ops))

			watermark, pending, err := s.LoadPendingOps(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, uint64(0), watermark)
			require.Len(t, pending, 2)
			assert.Equal(t, "op-1", pending[0].ID)
			assert.Equal(t, uint64(1), pending[0].Seq)
			assert.Equal(t, draft.OpAddStep, pending[0].Type)
			assert.Equal(t, "op-2", pending[1].ID)
		})
	}
}

func TestPendingOpsRespectWatermark(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ops []draft.Operation
			for i := 1; i <= 5; i++ {
				ops = append(ops, draft.Operation{
					ID: "op-" + string(rune('0'+i)), WorkflowID: "wf-1",
					Type:      draft.OpDisableStep,
					Payload:   draft.MustPayload(draft.DisableStepPayload{StepID: "a"}),
					Seq:       uint64(i),
					AppliedAt: time.Now().UTC(),
				})
			}
			require.NoError(t, s.AppendOperations(ctx, ops))
			require.NoError(t, s.SnapshotDraft(ctx, sampleDraft(), 3))

			watermark, pending, err := s.LoadPendingOps(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, uint64(3), watermark)
			require.Len(t, pending, 2)
			assert.Equal(t, uint64(4), pending[0].Seq)
			assert.Equal(t, uint64(5), pending[1].Seq)
		})
	}
}

func TestListWorkflows(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ids, err := s.ListWorkflows(ctx)
			require.NoError(t, err)
			assert.Empty(t, ids)

			require.NoError(t, s.SnapshotDraft(ctx, sampleDraft(), 0))
			other := sampleDraft()
			other.WorkflowID = "wf-2"
			require.NoError(t, s.SnapshotDraft(ctx, other, 0))

			ids, err = s.ListWorkflows(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"wf-1", "wf-2"}, ids)
		})
	}
}

func TestExecutionRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			exec := engine.NewExecution("wf-1", engine.ModeProduction)
			exec.Input = map[string]any{"k": "v"}
			exec.TriggerType = "webhook"
			require.NoError(t, s.UpdateExecution(ctx, exec))

			started := time.Now().UTC().Truncate(time.Second)
			exec.Status = engine.StatusRunning
			exec.StartedAt = &started
			require.NoError(t, s.UpdateExecution(ctx, exec))

			loaded, err := s.GetExecution(ctx, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, engine.StatusRunning, loaded.Status)
			assert.Equal(t, "webhook", loaded.TriggerType)
			assert.Equal(t, map[string]any{"k": "v"}, loaded.Input)
			require.NotNil(t, loaded.StartedAt)
			assert.True(t, loaded.StartedAt.Equal(started))

			_, err = s.GetExecution(ctx, "missing")
			var nf *errors.NotFoundError
			assert.ErrorAs(t, err, &nf)
		})
	}
}

func TestStepExecutionBatchUpsert(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			started := time.Now().UTC().Truncate(time.Second)
			completed := started.Add(50 * time.Millisecond)
			idx := 1
			total := 2

			batch := []*engine.StepExecution{
				{
					ID: "se-1", ExecutionID: "ex-1", StepID: "b",
					Status:      engine.StepCompleted,
					Input:       map[string]any{"value": float64(3)},
					Output:      map[string]any{"value": float64(6)},
					InputBytes:  1,
					OutputItems: 1,
					StartedAt:   &started,
					CompletedAt: &completed,
					DurationUS:  50_000,
				},
				{
					ID: "se-2", ExecutionID: "ex-1", StepID: "pick",
					ItemIndex: &idx, ItemTotal: &total,
					Status:    engine.StepRunning,
					StartedAt: &completed,
				},
			}
			require.NoError(t, s.AppendStepExecutions(ctx, batch))

			// Redeliver with the second record now terminal.
			batch[1].Status = engine.StepFailed
			batch[1].Error = "boom"
			require.NoError(t, s.AppendStepExecutions(ctx, batch))

			records, err := s.ListStepExecutions(ctx, "ex-1")
			require.NoError(t, err)
			require.Len(t, records, 2)

			byID := map[string]*engine.StepExecution{}
			for _, se := range records {
				byID[se.ID] = se
			}
			assert.Equal(t, engine.StepCompleted, byID["se-1"].Status)
			assert.Equal(t, int64(50_000), byID["se-1"].DurationUS)
			assert.Equal(t, map[string]any{"value": float64(6)}, byID["se-1"].Output)
			assert.Equal(t, engine.StepFailed, byID["se-2"].Status)
			assert.Equal(t, "boom", byID["se-2"].Error)
			require.NotNil(t, byID["se-2"].ItemIndex)
			assert.Equal(t, 1, *byID["se-2"].ItemIndex)
		})
	}
}

func TestVersionTagUniqueness(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			v := &draft.Version{
				ID: "v-1", WorkflowID: "wf-1", Tag: "v1.0",
				Draft:     sampleDraft(),
				CreatedAt: time.Now().UTC().Truncate(time.Second),
				CreatedBy: "u1",
			}
			require.NoError(t, s.SaveVersion(ctx, v))

			dup := *v
			dup.ID = "v-2"
			err := s.SaveVersion(ctx, &dup)
			var conflict *errors.ConflictError
			require.ErrorAs(t, err, &conflict)

			loaded, err := s.GetVersion(ctx, "wf-1", "v1.0")
			require.NoError(t, err)
			assert.Equal(t, "v-1", loaded.ID)
			assert.Equal(t, sampleDraft(), loaded.Draft)
		})
	}
}
