package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kadirpekel/loopcore/registry"
)

// Registry is the concurrent name -> Tool dispatch table. Registration is
// idempotent by name (re-register replaces), matching spec §4.A. Parameter
// schemas are compiled lazily and cached so repeated validation is cheap.
type Registry struct {
	base *registry.BaseRegistry[Tool]

	schemaMu sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		base:     registry.NewBaseRegistry[Tool](),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds or replaces t under t.Name(). Re-registering invalidates the
// cached compiled schema for that name.
func (r *Registry) Register(t Tool) error {
	if err := r.base.Register(t.Name(), t); err != nil {
		return err
	}
	r.schemaMu.Lock()
	delete(r.compiled, t.Name())
	r.schemaMu.Unlock()
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	return r.base.Get(name)
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	return r.base.Names()
}

// Enumerate returns the {name, description, schema} triples used to build
// the tool section of the system prompt (spec §4.A), sorted by name for
// prompt determinism.
func (r *Registry) Enumerate() []Info {
	tools := r.base.List()
	infos := make([]Info, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, Info{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// schemaFor lazily compiles and caches the jsonschema.Schema for a tool's
// declared parameter schema.
func (r *Registry) schemaFor(t Tool) (*jsonschema.Schema, error) {
	schema := t.Schema()
	if len(schema) == 0 {
		return nil, nil
	}

	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()

	if compiled, ok := r.compiled[t.Name()]; ok {
		return compiled, nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: marshal schema: %w", t.Name(), err)
	}

	compiler := jsonschema.NewCompiler()
	resourceName := "tool://" + t.Name() + "/params.json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", t.Name(), err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", t.Name(), err)
	}

	r.compiled[t.Name()] = compiled
	return compiled, nil
}

// Validate checks params against t's declared schema, at the tool boundary
// (spec §9 design note: "validate params at the tool boundary, not in the
// driver"). A tool with no schema accepts any params.
func (r *Registry) Validate(t Tool, params map[string]any) error {
	compiled, err := r.schemaFor(t)
	if err != nil {
		return err
	}
	if compiled == nil {
		return nil
	}
	return compiled.Validate(toAny(params))
}

// Invoke looks up name, validates params against its schema, and executes
// it. It never applies a timeout or retries itself — that is the Tool
// Executor's job (§executor); Invoke is the synchronous, single-attempt
// dispatch primitive the Executor wraps.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (Result, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return Result{}, NewError(NotFound, name, fmt.Sprintf("tool %q is not registered", name), nil)
	}

	if err := r.Validate(t, params); err != nil {
		return Result{}, NewError(InvalidParameters, name, "parameters failed schema validation", err)
	}

	result, err := t.Execute(ctx, params)
	if err != nil {
		return result, NewError(ExecutionFailed, name, "tool execution failed", err)
	}
	return result, nil
}

// toAny round-trips params through JSON so jsonschema.Validate sees plain
// map[string]any/[]any/float64/string/bool/nil, exactly as it expects after
// json.Unmarshal(&any).
func toAny(params map[string]any) any {
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return params
	}
	return decoded
}
