package draft

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/galaddirie/flowline/pkg/errors"
)

// OpType names one kind of edit operation.
type OpType string

const (
	OpAddStep            OpType = "add_step"
	OpRemoveStep         OpType = "remove_step"
	OpUpdateStepConfig   OpType = "update_step_config"
	OpUpdateStepPosition OpType = "update_step_position"
	OpUpdateStepMetadata OpType = "update_step_metadata"
	OpAddConnection      OpType = "add_connection"
	OpRemoveConnection   OpType = "remove_connection"
	OpPinStepOutput      OpType = "pin_step_output"
	OpUnpinStepOutput    OpType = "unpin_step_output"
	OpDisableStep        OpType = "disable_step"
	OpEnableStep         OpType = "enable_step"
)

// IsStructural reports whether the operation mutates the draft document
// itself. Non-structural operations mutate editor state (pins, disables)
// and never invalidate the DAG.
func (t OpType) IsStructural() bool {
	switch t {
	case OpPinStepOutput, OpUnpinStepOutput, OpDisableStep, OpEnableStep:
		return false
	default:
		return true
	}
}

// Known reports whether t is part of the operation vocabulary.
func (t OpType) Known() bool {
	switch t {
	case OpAddStep, OpRemoveStep, OpUpdateStepConfig, OpUpdateStepPosition,
		OpUpdateStepMetadata, OpAddConnection, OpRemoveConnection,
		OpPinStepOutput, OpUnpinStepOutput, OpDisableStep, OpEnableStep:
		return true
	}
	return false
}

// Operation is one edit submitted by a client. Seq is zero until the
// session authority accepts the operation and assigns its position in the
// workflow's total order.
type Operation struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Type       OpType          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	UserID     string          `json:"user_id"`
	Seq        uint64          `json:"seq,omitempty"`
	AppliedAt  time.Time       `json:"applied_at,omitempty"`
}

// Payload variants, one per operation type.

type AddStepPayload struct {
	Step Step `json:"step"`
}

type RemoveStepPayload struct {
	StepID string `json:"step_id"`
}

type UpdateStepConfigPayload struct {
	StepID string  `json:"step_id"`
	Patch  []Patch `json:"patch"`
}

type UpdateStepPositionPayload struct {
	StepID   string   `json:"step_id"`
	Position Position `json:"position"`
}

// StepMetadataChanges carries the partial update applied by
// update_step_metadata. Nil members are left untouched; a non-nil
// Config replaces the step's configuration wholesale (update_step_config
// is the fine-grained path).
type StepMetadataChanges struct {
	Name   *string        `json:"name,omitempty"`
	Notes  *string        `json:"notes,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

type UpdateStepMetadataPayload struct {
	StepID  string              `json:"step_id"`
	Changes StepMetadataChanges `json:"changes"`
}

type AddConnectionPayload struct {
	Connection Connection `json:"connection"`
}

type RemoveConnectionPayload struct {
	ConnectionID string `json:"connection_id"`
}

type PinStepOutputPayload struct {
	StepID string `json:"step_id"`
	Output any    `json:"output_data,omitempty"`
}

type UnpinStepOutputPayload struct {
	StepID string `json:"step_id"`
}

type DisableStepPayload struct {
	StepID string      `json:"step_id"`
	Mode   DisableMode `json:"mode,omitempty"`
}

type EnableStepPayload struct {
	StepID string `json:"step_id"`
}

// DisableMode controls how a disabled step participates in execution.
type DisableMode string

const (
	// DisableSkip leaves the step in the graph but short-circuits it
	// with a skip token.
	DisableSkip DisableMode = "skip"
	// DisableExclude drops the step and its outgoing connections from
	// the execution subgraph entirely.
	DisableExclude DisableMode = "exclude"
)

// DecodePayload unmarshals the raw payload into its typed variant.
func (op Operation) DecodePayload() (any, error) {
	var (
		target any
		err    error
	)
	decode := func(v any) (any, error) {
		if e := json.Unmarshal(op.Payload, v); e != nil {
			return nil, &errors.ValidationError{
				Field:   "payload",
				Message: fmt.Sprintf("malformed %s payload: %v", op.Type, e),
			}
		}
		return v, nil
	}

	switch op.Type {
	case OpAddStep:
		target, err = decode(&AddStepPayload{})
	case OpRemoveStep:
		target, err = decode(&RemoveStepPayload{})
	case OpUpdateStepConfig:
		target, err = decode(&UpdateStepConfigPayload{})
	case OpUpdateStepPosition:
		target, err = decode(&UpdateStepPositionPayload{})
	case OpUpdateStepMetadata:
		target, err = decode(&UpdateStepMetadataPayload{})
	case OpAddConnection:
		target, err = decode(&AddConnectionPayload{})
	case OpRemoveConnection:
		target, err = decode(&RemoveConnectionPayload{})
	case OpPinStepOutput:
		target, err = decode(&PinStepOutputPayload{})
	case OpUnpinStepOutput:
		target, err = decode(&UnpinStepOutputPayload{})
	case OpDisableStep:
		target, err = decode(&DisableStepPayload{})
	case OpEnableStep:
		target, err = decode(&EnableStepPayload{})
	default:
		return nil, &errors.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("unknown operation type %q", op.Type),
		}
	}
	return target, err
}

// TargetStep returns the step id an operation addresses, when it has one.
// Connection operations address edges, not steps.
func (op Operation) TargetStep() (string, bool) {
	payload, err := op.DecodePayload()
	if err != nil {
		return "", false
	}
	switch p := payload.(type) {
	case *AddStepPayload:
		return p.Step.ID, true
	case *RemoveStepPayload:
		return p.StepID, true
	case *UpdateStepConfigPayload:
		return p.StepID, true
	case *UpdateStepPositionPayload:
		return p.StepID, true
	case *UpdateStepMetadataPayload:
		return p.StepID, true
	case *PinStepOutputPayload:
		return p.StepID, true
	case *UnpinStepOutputPayload:
		return p.StepID, true
	case *DisableStepPayload:
		return p.StepID, true
	case *EnableStepPayload:
		return p.StepID, true
	}
	return "", false
}

// MustPayload marshals a payload variant, panicking on failure. Payload
// variants are plain JSON-shaped structs, so failure means a programming
// error.
func MustPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("draft: marshal payload: %v", err))
	}
	return raw
}
