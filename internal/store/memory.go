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
	"sort"
	"sync"

	"github.com/galaddirie/flowline/pkg/draft"
	"github.com/galaddirie/flowline/pkg/engine"
	"github.com/galaddirie/flowline/pkg/errors"
)

// Memory is an in-process Store for tests and ephemeral deployments.
type Memory struct {
	mu         sync.RWMutex
	drafts     map[string]*draft.Draft
	watermarks map[string]uint64
	ops        map[string]draft.Operation
	executions map[string]*engine.Execution
	steps      map[string][]*engine.StepExecution
	versions   map[string]map[string]*draft.Version
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		drafts:     make(map[string]*draft.Draft),
		watermarks: make(map[string]uint64),
		ops:        make(map[string]draft.Operation),
		executions: make(map[string]*engine.Execution),
		steps:      make(map[string][]*engine.StepExecution),
		versions:   make(map[string]map[string]*draft.Version),
	}
}

func (m *Memory) LoadDraft(ctx context.Context, workflowID string) (*draft.Draft, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drafts[workflowID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "draft", ID: workflowID}
	}
	return d.Clone(), nil
}

func (m *Memory) SnapshotDraft(ctx context.Context, d *draft.Draft, lastPersistedSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[d.WorkflowID] = d.Clone()
	m.watermarks[d.WorkflowID] = lastPersistedSeq
	return nil
}

func (m *Memory) AppendOperations(ctx context.Context, ops []draft.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		if _, seen := m.ops[op.ID]; seen {
			continue
		}
		m.ops[op.ID] = op
	}
	return nil
}

func (m *Memory) LoadPendingOps(ctx context.Context, workflowID string) (uint64, []draft.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	watermark := m.watermarks[workflowID]
	var pending []draft.Operation
	for _, op := range m.ops {
		if op.WorkflowID == workflowID && op.Seq > watermark {
			pending = append(pending, op)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	return watermark, pending, nil
}

func (m *Memory) ListWorkflows(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.drafts))
	for id := range m.drafts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) AppendStepExecutions(ctx context.Context, batch []*engine.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, se := range batch {
		copied := *se
		existing := m.steps[se.ExecutionID]
		replaced := false
		for i, prev := range existing {
			if prev.ID == se.ID {
				existing[i] = &copied
				replaced = true
				break
			}
		}
		if !replaced {
			m.steps[se.ExecutionID] = append(existing, &copied)
		}
	}
	return nil
}

func (m *Memory) UpdateExecution(ctx context.Context, exec *engine.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *exec
	m.executions[exec.ID] = &copied
	return nil
}

func (m *Memory) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	copied := *exec
	return &copied, nil
}

func (m *Memory) ListStepExecutions(ctx context.Context, executionID string) ([]*engine.StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.steps[executionID]
	out := make([]*engine.StepExecution, len(records))
	for i, se := range records {
		copied := *se
		out[i] = &copied
	}
	return out, nil
}

func (m *Memory) SaveVersion(ctx context.Context, v *draft.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTag := m.versions[v.WorkflowID]
	if byTag == nil {
		byTag = make(map[string]*draft.Version)
		m.versions[v.WorkflowID] = byTag
	}
	if _, taken := byTag[v.Tag]; taken {
		return &errors.ConflictError{Resource: "version", ID: v.Tag}
	}
	copied := *v
	copied.Draft = v.Draft.Clone()
	byTag[v.Tag] = &copied
	return nil
}

func (m *Memory) GetVersion(ctx context.Context, workflowID, tag string) (*draft.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[workflowID][tag]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "version", ID: workflowID + "@" + tag}
	}
	copied := *v
	copied.Draft = v.Draft.Clone()
	return &copied, nil
}

func (m *Memory) Close() error { return nil }
