package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/galaddirie/flowline/internal/log"
	"github.com/galaddirie/flowline/pkg/draft"
	"github.com/galaddirie/flowline/pkg/errors"
	"github.com/galaddirie/flowline/pkg/events"
	"github.com/galaddirie/flowline/pkg/step"
	"github.com/galaddirie/flowline/pkg/template"
)

// DefaultExecutionTimeout bounds a whole run; DefaultStepTimeout bounds
// one executor invocation.
const (
	DefaultExecutionTimeout = 10 * time.Minute
	DefaultStepTimeout      = 30 * time.Second
)

// Engine drives workflow executions. One engine serves many concurrent
// runs; all mutable state lives in the per-run driver.
type Engine struct {
	registry    *step.Registry
	templates   *template.Engine
	observer    Observer
	logger      *slog.Logger
	httpClient  *http.Client
	tracer      trace.Tracer
	bus         *events.Bus
	timeout     time.Duration
	stepTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithTemplates overrides the template evaluator.
func WithTemplates(t *template.Engine) Option {
	return func(e *Engine) { e.templates = t }
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHTTPClient sets the client handed to HTTP-performing steps.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithEventBus enables per-run resource sampling on the execution's
// event topic.
func WithEventBus(b *events.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithExecutionTimeout bounds each run.
func WithExecutionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithStepTimeout bounds each executor invocation.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// New creates an engine over a step registry.
func New(registry *step.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:    registry,
		templates:   template.New(),
		observer:    NopObserver{},
		logger:      slog.Default(),
		httpClient:  &http.Client{},
		tracer:      otel.Tracer("flowline/engine"),
		timeout:     DefaultExecutionTimeout,
		stepTimeout: DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunResult is what a finished run leaves behind.
type RunResult struct {
	Execution      *Execution
	StepExecutions []*StepExecution

	// Outputs maps step id to its final output value. Fan-out steps map
	// to the list of item values.
	Outputs map[string]any
}

// token is the in-flight value a step leaves for its children.
type tokenKind int

const (
	tokenValue tokenKind = iota
	tokenSkip
	tokenItems
	tokenFailed
)

type token struct {
	kind    tokenKind
	value   any
	items   []step.Item
	route   string
	failure step.Failed
	lineage []string
}

func (t *token) outputValue() any {
	switch t.kind {
	case tokenValue:
		return t.value
	case tokenItems:
		values := make([]any, len(t.items))
		for i, item := range t.items {
			values[i] = item.Value
		}
		return values
	default:
		return nil
	}
}

// Run executes the draft under the given execution record. The returned
// error covers planning failures; step failures are reported through the
// execution status instead.
func (e *Engine) Run(ctx context.Context, d *draft.Draft, es *draft.EditorState, exec *Execution) (*RunResult, error) {
	plan, err := BuildPlan(d, es, e.registry)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", exec.WorkflowID),
			attribute.String("execution.id", exec.ID),
			attribute.String("execution.mode", string(exec.Mode)),
		))
	defer span.End()

	now := time.Now().UTC()
	exec.Status = StatusRunning
	exec.StartedAt = &now
	e.observer.ExecutionUpdated(exec)

	run := &driver{
		engine:    e,
		plan:      plan,
		exec:      exec,
		variables: draft.CloneMap(d.Variables),
		tokens:    make(map[string]*token, len(plan.Order)),
		joins:     make(map[string]any),
		logger: e.logger.With(
			log.WorkflowIDKey, exec.WorkflowID,
			log.ExecutionIDKey, exec.ID,
		),
	}
	if e.bus != nil {
		run.sampler = NewSampler(e.bus, exec.ID, run.pendingSteps)
		defer run.sampler.Stop()
	}
	result := run.drive(ctx)

	finished := time.Now().UTC()
	exec.FinishedAt = &finished
	e.observer.ExecutionUpdated(exec)
	span.SetAttributes(attribute.String("execution.status", string(exec.Status)))
	return result, nil
}

// driver is the per-run mutable state.
type driver struct {
	engine    *Engine
	plan      *Plan
	exec      *Execution
	variables map[string]any
	logger    *slog.Logger
	sampler   *Sampler

	mu     sync.Mutex
	tokens map[string]*token
	joins  map[string]any
	steps  []*StepExecution

	// abort is set when a step fails without an absorbing route; the
	// remaining levels are cancelled.
	abort error
}

func (r *driver) drive(ctx context.Context) *RunResult {
	for _, level := range r.plan.Levels {
		if r.abort != nil || ctx.Err() != nil {
			r.cancelRemaining(level)
			continue
		}

		results := make([]*token, len(level))
		g, levelCtx := errgroup.WithContext(ctx)
		for i, id := range level {
			i, id := i, id
			g.Go(func() error {
				results[i] = r.runStep(levelCtx, id)
				return nil
			})
		}
		_ = g.Wait()

		r.mu.Lock()
		for i, id := range level {
			r.tokens[id] = results[i]
		}
		r.mu.Unlock()
	}

	r.finalize(ctx)

	outputs := make(map[string]any, len(r.tokens))
	for id, t := range r.tokens {
		if t != nil && t.kind != tokenSkip && t.kind != tokenFailed {
			outputs[id] = t.outputValue()
		}
	}
	return &RunResult{
		Execution:      r.exec,
		StepExecutions: r.steps,
		Outputs:        outputs,
	}
}

func (r *driver) finalize(ctx context.Context) {
	switch {
	case r.abort != nil:
		r.exec.Status = StatusFailed
		r.exec.Error = r.abort.Error()
	case ctx.Err() == context.DeadlineExceeded:
		r.exec.Status = StatusTimeout
		r.exec.Error = "execution deadline exceeded"
	case ctx.Err() != nil:
		r.exec.Status = StatusCancelled
		r.exec.Error = "execution cancelled"
	default:
		r.exec.Status = StatusCompleted
	}
}

// cancelRemaining records cancelled StepExecutions for steps that never
// ran because the execution aborted.
func (r *driver) cancelRemaining(level []string) {
	for _, id := range level {
		se := r.newStepExecution(id, nil)
		se.Status = StepCancelled
		r.record(se)
		r.mu.Lock()
		r.tokens[id] = &token{kind: tokenSkip}
		r.mu.Unlock()
	}
}

func (r *driver) runStep(ctx context.Context, id string) *token {
	def := r.plan.Definition(id)

	if r.plan.SkipDisabled(id) {
		se := r.newStepExecution(id, nil)
		se.Status = StepSkipped
		r.record(se)
		return &token{kind: tokenSkip}
	}

	if pinned, ok := r.plan.Pin(id); ok {
		se := r.newStepExecution(id, nil)
		started := time.Now().UTC()
		se.StartedAt = &started
		r.finishStep(se, StepCompleted, pinned, "")
		return &token{kind: tokenValue, value: pinned, route: step.RouteMain}
	}

	input, items, skipped := r.gatherInput(id, def)
	if skipped {
		se := r.newStepExecution(id, nil)
		se.Status = StepSkipped
		r.record(se)
		return &token{kind: tokenSkip}
	}

	if def.Kind == step.KindTrigger {
		if r.exec.TriggerStepID != "" && r.exec.TriggerStepID != id {
			se := r.newStepExecution(id, nil)
			se.Status = StepSkipped
			r.record(se)
			return &token{kind: tokenSkip}
		}
		input = r.exec.Input
	}

	if items != nil {
		if !def.Behavior.FanIn {
			return r.runMapMode(ctx, id, def, items)
		}
		values := make([]any, len(items))
		for i, item := range items {
			values[i] = item.Value
		}
		input = values
	}

	return r.runScalar(ctx, id, def, input, items)
}

// gatherInput joins parent tokens. It returns the scalar input (the
// parent-keyed map for merge steps), the item stream when a parent fanned
// out, and whether the step must be skipped outright.
func (r *driver) gatherInput(id string, def step.Definition) (any, []step.Item, bool) {
	conns := r.plan.Parents(id)
	if len(conns) == 0 {
		return nil, nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if def.Behavior.Merge {
		parentMap := make(map[string]any, len(conns))
		for _, c := range conns {
			parentMap[c.SourceStepID] = r.edgeValue(c)
		}
		return parentMap, nil, false
	}

	type liveEdge struct {
		value any
		items []step.Item
	}
	var live []liveEdge
	for _, c := range conns {
		v := r.edgeValue(c)
		switch ev := v.(type) {
		case step.Skip, step.Failed:
			continue
		case []step.Item:
			live = append(live, liveEdge{items: ev})
		default:
			live = append(live, liveEdge{value: ev})
		}
	}

	switch len(live) {
	case 0:
		return nil, nil, true
	case 1:
		if live[0].items != nil {
			return nil, live[0].items, false
		}
		return live[0].value, nil, false
	}

	// Multiple live parents zip into a list in connection order. The
	// join is cached so siblings sharing a parent set share one node.
	key := r.joinKey(id)
	if cached, ok := r.joins[key]; ok {
		return cached, nil, false
	}
	joined := make([]any, len(live))
	for i, e := range live {
		if e.items != nil {
			values := make([]any, len(e.items))
			for j, item := range e.items {
				values[j] = item.Value
			}
			joined[i] = values
			continue
		}
		joined[i] = e.value
	}
	r.joins[key] = joined
	return joined, nil, false
}

// edgeValue resolves what one connection delivers: the parent's output if
// the routes line up, a skip marker otherwise. Callers hold r.mu.
func (r *driver) edgeValue(c draft.Connection) any {
	t := r.tokens[c.SourceStepID]
	if t == nil {
		return step.Skip{StepID: c.SourceStepID, Reason: "parent not executed"}
	}
	switch t.kind {
	case tokenSkip:
		return step.Skip{StepID: c.SourceStepID}
	case tokenFailed:
		return t.failure
	case tokenItems:
		return t.items
	default:
		if t.route != "" && t.route != c.Output() {
			return step.Skip{StepID: c.SourceStepID, Reason: "routed to " + t.route}
		}
		return t.value
	}
}

func (r *driver) joinKey(id string) string {
	ids := r.plan.ParentIDs(id)
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}

func (r *driver) runScalar(ctx context.Context, id string, def step.Definition, input any, items []step.Item) *token {
	se := r.newStepExecution(id, nil)
	started := time.Now().UTC()
	se.StartedAt = &started
	se.Status = StepRunning
	r.engine.observer.StepStarted(se)

	evalCtx := r.buildContext(id, input)
	resolved, err := r.resolveConfig(id, def, evalCtx)
	if err != nil {
		se.Error = err.Error()
		return r.handleFailure(id, def, se, &step.Failure{Category: "expression_error", Cause: err})
	}
	se.Config = resolved

	req := step.Request{
		Config:  resolved,
		Input:   input,
		Context: evalCtx,
		Parents: r.plan.ParentIDs(id),
		Items:   items,
		Exec:    r.execInfo(id),
	}

	se.Input = events.WrapForRecord(events.Sanitize(input))
	se.InputBytes = inputSize(input)

	result, err := r.invoke(ctx, id, def, req)
	if err != nil {
		se.Error = err.Error()
		return r.handleFailure(id, def, se, err)
	}
	switch {
	case result.Skip:
		r.finishStep(se, StepSkipped, nil, "")
		return &token{kind: tokenSkip}
	case result.Items != nil:
		wrapped := make([]step.Item, len(result.Items))
		for i, v := range result.Items {
			wrapped[i] = step.Item{Index: i, Value: v}
		}
		r.finishStep(se, StepCompleted, result.Items, "")
		return &token{kind: tokenItems, items: wrapped, route: result.OutputRoute()}
	default:
		r.finishStep(se, StepCompleted, result.Output, "")
		return &token{kind: tokenValue, value: result.Output, route: result.OutputRoute()}
	}
}

// runMapMode executes the step once per upstream item, recording one
// StepExecution per (step, item index).
func (r *driver) runMapMode(ctx context.Context, id string, def step.Definition, items []step.Item) *token {
	total := len(items)
	out := make([]step.Item, total)

	for i := range items {
		item := items[i]
		out[i] = step.Item{Index: item.Index, Error: item.Error, Value: item.Value}
		if item.Error != "" {
			// Already failed upstream; carry the error forward without
			// invoking the executor.
			continue
		}

		idx := item.Index
		se := r.newStepExecution(id, &idx)
		se.ItemTotal = &total
		started := time.Now().UTC()
		se.StartedAt = &started
		se.Status = StepRunning
		r.engine.observer.StepStarted(se)

		evalCtx := r.buildContext(id, item.Value)
		resolved, err := r.resolveConfig(id, def, evalCtx)
		if err != nil {
			se.Error = err.Error()
			r.finishStep(se, StepFailed, nil, err.Error())
			out[i].Error = err.Error()
			continue
		}
		se.Config = resolved
		se.Input = events.WrapForRecord(events.Sanitize(item.Value))
		se.InputBytes = inputSize(item.Value)

		result, err := r.invoke(ctx, id, def, step.Request{
			Config:  resolved,
			Input:   item.Value,
			Context: evalCtx,
			Parents: r.plan.ParentIDs(id),
			Exec:    r.execInfo(id),
		})
		if err != nil {
			r.finishStep(se, StepFailed, nil, err.Error())
			out[i].Error = err.Error()
			continue
		}
		if result.Skip {
			r.finishStep(se, StepSkipped, nil, "")
			out[i].Error = "skipped"
			continue
		}
		r.finishStep(se, StepCompleted, result.Output, "")
		out[i].Value = result.Output
	}

	return &token{kind: tokenItems, items: out, route: step.RouteMain}
}

// invoke wraps the executor call with a span.
func (r *driver) invoke(ctx context.Context, id string, def step.Definition, req step.Request) (step.Result, error) {
	ctx, span := r.engine.tracer.Start(ctx, "step.execute",
		trace.WithAttributes(
			attribute.String("step.id", id),
			attribute.String("step.type", def.TypeID),
		))
	defer span.End()

	if r.engine.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.engine.stepTimeout)
		defer cancel()
	}

	result, err := def.Handler.Execute(ctx, req)
	if err != nil {
		span.SetAttributes(attribute.String("step.error", errors.Kind(err)))
	}
	return result, err
}

// handleFailure applies the routing policy: a downstream connection whose
// route label matches the error category (or the generic error route)
// absorbs the failure; a merge child in a waiting mode absorbs it as an
// aggregated upstream failure; otherwise the execution aborts.
func (r *driver) handleFailure(id string, def step.Definition, se *StepExecution, err error) *token {
	category := errors.Kind(err)
	var payload any
	if failure, ok := err.(*step.Failure); ok {
		category = failure.Category
		payload = failure.Payload
	}
	if payload == nil {
		payload = map[string]any{"error": err.Error(), "type": category}
	}
	r.finishStep(se, StepFailed, payload, err.Error())
	r.logger.Warn("step failed",
		log.StepIDKey, id,
		"category", category,
		log.Error(err))

	for _, c := range r.plan.Children(id) {
		label := c.Output()
		if label == category || label == step.RouteError {
			return &token{kind: tokenValue, value: payload, route: label}
		}
	}

	for _, c := range r.plan.Children(id) {
		childDef := r.plan.Definition(c.TargetStepID)
		if childDef.Behavior.Merge && mergeAbsorbs(r.plan.Step(c.TargetStepID).Config) {
			return &token{kind: tokenFailed, failure: step.Failed{
				StepID:   id,
				Category: category,
				Payload:  payload,
			}}
		}
	}

	r.mu.Lock()
	if r.abort == nil {
		r.abort = fmt.Errorf("step %s failed: %s", id, se.Error)
	}
	r.mu.Unlock()
	return &token{kind: tokenSkip}
}

// mergeAbsorbs reports whether a merge step's configured mode waits for
// every parent and therefore absorbs upstream failures.
func mergeAbsorbs(config map[string]any) bool {
	mode, _ := config["mode"].(string)
	return mode != "wait_any"
}

// resolveConfig deep-evaluates the step's configuration against the
// context, leaving the definition's raw keys untouched.
func (r *driver) resolveConfig(id string, def step.Definition, evalCtx map[string]any) (map[string]any, error) {
	s := r.plan.Step(id)
	if s.Config == nil {
		return map[string]any{}, nil
	}

	raw := make(map[string]bool, len(def.RawConfigKeys))
	for _, k := range def.RawConfigKeys {
		raw[k] = true
	}

	resolved := make(map[string]any, len(s.Config))
	for k, v := range s.Config {
		if raw[k] {
			resolved[k] = draft.CloneValue(v)
			continue
		}
		out, err := r.engine.templates.EvaluateDeep(draft.CloneValue(v), evalCtx)
		if err != nil {
			return nil, errors.Wrapf(err, "config field %q of step %s", k, id)
		}
		resolved[k] = out
	}
	return resolved, nil
}

// buildContext assembles the template context for one step invocation.
// Only upstream ancestors appear under nodes.
func (r *driver) buildContext(id string, input any) map[string]any {
	upstream := r.plan.Upstream(id)
	nodes := make(map[string]any, len(upstream))

	r.mu.Lock()
	for ancestor := range upstream {
		t := r.tokens[ancestor]
		if t == nil || (t.kind != tokenValue && t.kind != tokenItems) {
			continue
		}
		nodes[ancestor] = map[string]any{"json": t.outputValue()}
	}
	r.mu.Unlock()

	now := time.Now().UTC()
	return map[string]any{
		"json":  input,
		"nodes": nodes,
		"execution": map[string]any{
			"id":       r.exec.ID,
			"type":     string(r.exec.Mode),
			"metadata": r.exec.Metadata,
		},
		"workflow": map[string]any{
			"id":      r.exec.WorkflowID,
			"version": r.exec.VersionID,
		},
		"variables": r.variables,
		"now":       now.Format(time.RFC3339),
		"today":     now.Format("2006-01-02"),
	}
}

func (r *driver) execInfo(id string) step.ExecInfo {
	s := r.plan.Step(id)
	return step.ExecInfo{
		ExecutionID: r.exec.ID,
		WorkflowID:  r.exec.WorkflowID,
		StepID:      id,
		StepName:    s.Name,
		Mode:        string(r.exec.Mode),
		Logger:      r.logger.With(log.StepIDKey, id),
		HTTPClient:  r.engine.httpClient,
		Templates:   r.engine.templates,
		Variables:   r.variables,
	}
}

func (r *driver) newStepExecution(id string, itemIndex *int) *StepExecution {
	return &StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: r.exec.ID,
		StepID:      id,
		ItemIndex:   itemIndex,
		Status:      StepPending,
	}
}

// finishStep closes out a StepExecution with its terminal status,
// duration, and sanitized output, then notifies the observer.
func (r *driver) finishStep(se *StepExecution, status StepStatus, output any, errMsg string) {
	completed := time.Now().UTC()
	se.CompletedAt = &completed
	se.Status = status
	se.Error = errMsg
	se.OutputItems = outputItemCount(output)
	if output != nil {
		se.Output = events.WrapForRecord(events.Sanitize(output))
	}
	if se.StartedAt != nil {
		se.DurationUS = completed.Sub(*se.StartedAt).Microseconds()
	}
	r.record(se)
	r.engine.observer.StepFinished(se)
	if r.sampler != nil {
		r.sampler.CountWork()
	}
}

func (r *driver) record(se *StepExecution) {
	r.mu.Lock()
	r.steps = append(r.steps, se)
	r.mu.Unlock()
}

// pendingSteps reports how many planned steps have no terminal record
// yet. Per-item records can outnumber planned steps; the count floors
// at zero.
func (r *driver) pendingSteps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return max(len(r.plan.Order)-len(r.steps), 0)
}

func inputSize(v any) int64 {
	if v == nil {
		return 0
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

func outputItemCount(v any) int {
	switch val := v.(type) {
	case nil:
		return 0
	case []any:
		return len(val)
	default:
		return 1
	}
}
