package step

import (
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/galaddirie/flowline/pkg/errors"
)

// Registry maps step type ids to definitions. Config schemas are compiled
// once at registration.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a definition. Registering a duplicate type id or a
// definition without a handler is an error; a malformed config schema
// fails here rather than at execution time.
func (r *Registry) Register(def Definition) error {
	if def.TypeID == "" {
		return &errors.ValidationError{Field: "type_id", Message: "step type id is required"}
	}
	if def.Handler == nil {
		return &errors.ValidationError{
			Field:   "handler",
			Message: fmt.Sprintf("step type %q has no handler", def.TypeID),
		}
	}

	var schema *jsonschema.Schema
	if def.ConfigSchema != nil {
		compiled, err := compileSchema(def.TypeID, def.ConfigSchema)
		if err != nil {
			return errors.Wrapf(err, "compile config schema for %q", def.TypeID)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.TypeID]; exists {
		return &errors.ConflictError{Resource: "step_type", ID: def.TypeID, Reason: "already registered"}
	}
	r.defs[def.TypeID] = def
	if schema != nil {
		r.compiled[def.TypeID] = schema
	}
	return nil
}

// MustRegister registers or panics. Builtin registration uses it at
// startup where a failure is a programming error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition for a type id.
func (r *Registry) Get(typeID string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[typeID]
	if !ok {
		return Definition{}, &errors.NotFoundError{Resource: "step_type", ID: typeID}
	}
	return def, nil
}

// HasType reports whether a type id is registered. Satisfies the draft
// package's StepTypeChecker.
func (r *Registry) HasType(typeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[typeID]
	return ok
}

// List returns all definitions sorted by type id.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeID < out[j].TypeID })
	return out
}

// ValidateConfig checks a raw (unresolved) config against the type's
// schema. Template-bearing strings pass schema validation as strings;
// resolved values are re-checked at execution time by handlers that care.
func (r *Registry) ValidateConfig(typeID string, config map[string]any) error {
	r.mu.RLock()
	schema, ok := r.compiled[typeID]
	_, known := r.defs[typeID]
	r.mu.RUnlock()

	if !known {
		return &errors.NotFoundError{Resource: "step_type", ID: typeID}
	}
	if !ok {
		return nil
	}
	if config == nil {
		config = map[string]any{}
	}
	if err := schema.Validate(normalize(config)); err != nil {
		return &errors.ValidationError{Field: "config", Message: err.Error()}
	}
	return nil
}

func compileSchema(typeID string, doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := "flowline:///" + typeID + ".json"
	if err := c.AddResource(url, normalize(doc)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// normalize rewrites Go-typed values into the JSON-shaped forms the schema
// validator expects (ints become float64, typed maps become map[string]any).
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}
