package engine

import (
	"github.com/galaddirie/flowline/pkg/events"
)

// Observer receives step and execution lifecycle hooks. Implementations
// must be safe for concurrent use: steps at the same topological level
// finish in parallel.
type Observer interface {
	ExecutionUpdated(exec *Execution)
	StepStarted(se *StepExecution)
	StepFinished(se *StepExecution)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) ExecutionUpdated(*Execution) {}
func (NopObserver) StepStarted(*StepExecution)  {}
func (NopObserver) StepFinished(*StepExecution) {}

// MultiObserver fans hooks out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) ExecutionUpdated(exec *Execution) {
	for _, o := range m {
		o.ExecutionUpdated(exec)
	}
}

func (m MultiObserver) StepStarted(se *StepExecution) {
	for _, o := range m {
		o.StepStarted(se)
	}
}

func (m MultiObserver) StepFinished(se *StepExecution) {
	for _, o := range m {
		o.StepFinished(se)
	}
}

// BusObserver broadcasts lifecycle events on the execution's pub/sub topic
// with sanitized payloads.
type BusObserver struct {
	Bus *events.Bus
}

func (b *BusObserver) ExecutionUpdated(exec *Execution) {
	b.publish(exec.ID, "execution-status-change", map[string]any{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"status":       string(exec.Status),
		"error":        exec.Error,
	})
}

func (b *BusObserver) StepStarted(se *StepExecution) {
	b.publish(se.ExecutionID, "step-start", map[string]any{
		"execution_id": se.ExecutionID,
		"step_id":      se.StepID,
		"item_index":   se.ItemIndex,
	})
}

func (b *BusObserver) StepFinished(se *StepExecution) {
	eventType := "step-complete"
	switch se.Status {
	case StepFailed:
		eventType = "step-failed"
	case StepSkipped:
		eventType = "step-skipped"
	case StepCancelled:
		eventType = "step-cancelled"
	}
	b.publish(se.ExecutionID, eventType, map[string]any{
		"execution_id": se.ExecutionID,
		"step_id":      se.StepID,
		"item_index":   se.ItemIndex,
		"status":       string(se.Status),
		"output":       events.Sanitize(se.Output),
		"error":        se.Error,
		"duration_us":  se.DurationUS,
	})
}

func (b *BusObserver) publish(executionID, eventType string, data map[string]any) {
	b.Bus.Publish(events.TopicExecutionEvents(executionID), events.Event{
		Type: eventType,
		Data: data,
	})
}
