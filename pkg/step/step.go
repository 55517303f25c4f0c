// Package step defines the step type contract: what a step declares about
// itself, how its configuration is validated, and how it executes against
// an input. Concrete step types live in the builtin subpackage; the
// registry maps type ids to definitions.
package step

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/galaddirie/flowline/pkg/template"
)

// Kind classifies a step type.
type Kind string

const (
	KindTrigger     Kind = "trigger"
	KindAction      Kind = "action"
	KindTransform   Kind = "transform"
	KindControlFlow Kind = "control_flow"
)

// Route labels used by control-flow steps. Plain steps emit RouteMain; the
// error route carries classified failures when a workflow wires one.
const (
	RouteMain  = "main"
	RouteTrue  = "true"
	RouteFalse = "false"
	RouteError = "error"
)

// Behavior tells the execution engine how tokens flow through a step type
// beyond the plain one-in-one-out case.
type Behavior struct {
	// FanOut marks types whose result is a list of items, each carried
	// downstream as its own token.
	FanOut bool

	// FanIn marks types that consume every item token of an upstream
	// fan-out at once.
	FanIn bool

	// Merge marks types that join multiple upstream branches according
	// to their configured mode instead of the default zip join.
	Merge bool
}

// Definition describes one registered step type.
type Definition struct {
	// TypeID is the registry key, e.g. "http.request".
	TypeID string `json:"type_id"`

	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Kind        Kind   `json:"kind"`

	// ConfigSchema is a JSON Schema document constraining the step
	// config. Nil means any config is accepted.
	ConfigSchema map[string]any `json:"config_schema,omitempty"`

	// Outputs lists the routes this type can emit. Empty means
	// [RouteMain].
	Outputs []string `json:"outputs,omitempty"`

	// RawConfigKeys names top-level config keys the engine must not
	// template-resolve before invocation: per-item templates and case
	// expressions that the handler evaluates itself.
	RawConfigKeys []string `json:"-"`

	Behavior Behavior `json:"-"`

	Handler Handler `json:"-"`
}

// OutputRoutes returns the declared routes, defaulted.
func (d Definition) OutputRoutes() []string {
	if len(d.Outputs) == 0 {
		return []string{RouteMain}
	}
	return d.Outputs
}

// Request is everything a handler receives for one invocation. Config is
// fully resolved: every template in it has already been evaluated against
// the execution context.
type Request struct {
	Config map[string]any

	// Input is the joined upstream payload, or the trigger payload for
	// trigger steps. For FanIn types it is the []any of collected items.
	Input any

	// Context is the full evaluation context the engine built for this
	// invocation (json, nodes, execution, workflow, variables, now,
	// today). Expression-driven control-flow steps evaluate against it.
	Context map[string]any

	// Parents lists direct parent step ids in connection-insertion
	// order. Merge types use it to break ties deterministically.
	Parents []string

	// Items carries the collected fan-out items for FanIn types,
	// including per-item error metadata. Input holds just the values.
	Items []Item

	Exec ExecInfo
}

// Item is one element of a fan-out token.
type Item struct {
	Index int    `json:"index"`
	Value any    `json:"value"`
	Error string `json:"error,omitempty"`
}

// Skip marks a parent slot whose branch was skipped. Merge handlers see it
// in their parent-keyed input.
type Skip struct {
	StepID string `json:"step_id"`
	Reason string `json:"reason,omitempty"`
}

// IsSkip reports whether v is a skip marker.
func IsSkip(v any) bool {
	_, ok := v.(Skip)
	return ok
}

// Failed marks a parent slot whose branch failed and was absorbed by a
// downstream merge instead of failing the execution.
type Failed struct {
	StepID   string `json:"step_id"`
	Category string `json:"category"`
	Payload  any    `json:"payload,omitempty"`
}

// Failure is a handler error that carries a route category and the payload
// forwarded to a matching error route. Handlers return it when the failure
// has a meaningful data shape (an HTTP error response, a partial result);
// plain errors are classified through the errors package instead.
type Failure struct {
	// Category matches against downstream route labels.
	Category string

	// Payload flows to the absorbing error route.
	Payload any

	Cause error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Cause != nil {
		return f.Category + ": " + f.Cause.Error()
	}
	return f.Category
}

// Unwrap returns the underlying cause.
func (f *Failure) Unwrap() error { return f.Cause }

// ErrorType returns the route category.
func (f *Failure) ErrorType() string { return f.Category }

// IsRetryable reports whether retrying could succeed.
func (f *Failure) IsRetryable() bool { return false }

// ExecInfo identifies the surrounding execution.
type ExecInfo struct {
	ExecutionID string
	WorkflowID  string
	StepID      string
	StepName    string

	// Mode is "preview" or "production".
	Mode string

	Logger *slog.Logger

	// HTTPClient is shared across the execution so steps inherit the
	// engine's timeouts and instrumentation.
	HTTPClient *http.Client

	// Templates is the engine's template evaluator. Handlers that run
	// per-item templates or case expressions use it directly.
	Templates *template.Engine

	Variables map[string]any
}

// Result is a successful handler outcome.
type Result struct {
	// Output is the payload forwarded downstream.
	Output any

	// Route selects which outgoing connections receive the output.
	// Empty means RouteMain.
	Route string

	// Items, when non-nil, makes the engine emit one token per item
	// instead of a single Output token. Only FanOut types set this.
	Items []any

	// Skip short-circuits: downstream steps see a skip token.
	Skip bool
}

// OutputRoute returns the route, defaulted.
func (r Result) OutputRoute() string {
	if r.Route == "" {
		return RouteMain
	}
	return r.Route
}

// Handler executes a step type. Errors returned from Execute are
// classified through the errors package taxonomy and either routed to a
// wired error route or fail the execution.
type Handler interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
