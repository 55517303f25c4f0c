// Package engine executes workflow drafts and published versions: it plans
// a DAG run, resolves templated step configuration against per-step
// contexts, drives executors level by level, and records per-step results.
package engine

import (
	"time"

	"github.com/google/uuid"
)

// Mode distinguishes production runs from editor preview runs.
type Mode string

const (
	ModeProduction Mode = "production"
	ModePreview    Mode = "preview"
)

// Status is the lifecycle of one execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// StepStatus is the lifecycle of one step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Execution is one run of a workflow.
type Execution struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`

	// VersionID is empty when the live draft is executed.
	VersionID string `json:"version_id,omitempty"`

	Mode Mode `json:"mode"`

	TriggerStepID string `json:"trigger_step_id,omitempty"`
	TriggerType   string `json:"trigger_type,omitempty"`
	Input         any    `json:"input,omitempty"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	// Metadata carries transport extras, e.g. the originating webhook
	// request under metadata.extras.request.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewExecution creates a pending execution for a workflow.
func NewExecution(workflowID string, mode Mode) *Execution {
	return &Execution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Mode:       mode,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// StepExecution records one executor invocation: one per step, or one per
// item when the step runs in map mode behind a split.
type StepExecution struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`

	// ItemIndex and ItemTotal are set only in map mode.
	ItemIndex *int `json:"item_index,omitempty"`
	ItemTotal *int `json:"item_total,omitempty"`

	Status StepStatus `json:"status"`

	// Input and Output are object-wrapped: scalars become {"value": x}.
	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`

	// Config is the evaluated configuration snapshot.
	Config map[string]any `json:"config,omitempty"`

	Error string `json:"error,omitempty"`

	// InputBytes is the serialized size of the input; OutputItems counts
	// list elements, 1 for scalars, 0 for nil.
	InputBytes  int64 `json:"input_bytes,omitempty"`
	OutputItems int   `json:"output_items,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// DurationUS is set iff the status is terminal and the step started.
	DurationUS int64 `json:"duration_us,omitempty"`
}
