// Package builtin registers the step types that ship with the engine:
// triggers, the HTTP request action, math and text transforms, the data
// transform family, and the control-flow primitives (branch, switch,
// merge, split/aggregate items).
//
// Handlers follow one rule: all data a step consumes comes from its
// resolved config. The raw input only populates the json root of the
// template context. Triggers, passthrough and aggregation steps are the
// documented exceptions and read input directly.
package builtin

import (
	"github.com/galaddirie/flowline/pkg/step"
)

// Register adds every builtin step type to the registry. Handlers that
// evaluate templates themselves pick up the engine's evaluator from the
// request, so expression-mode steps see the same filter set and deadline.
func Register(reg *step.Registry) error {
	defs := []step.Definition{
		manualTrigger(),
		webhookTrigger(),
		scheduleTrigger(),
		httpRequest(),
		mathStep(),
		formatString(),
		stringCase(),
		concatenate(),
		splitText(),
		replaceText(),
		trimText(),
		transformStep(),
		jsonParser(),
		debugStep(),
		waitStep(),
		branchStep(),
		switchStep(),
		mergeStep(),
		splitItems(),
		aggregateItems(),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// MustRegistry builds a registry with all builtins, panicking on failure.
// Startup-only convenience.
func MustRegistry() *step.Registry {
	reg := step.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}
