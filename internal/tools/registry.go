// Package tools holds the fixed catalog of read-only PostgreSQL
// inspection tools and the executor that runs them against the pool.
package tools

import (
	"fmt"

	"github.com/hazyhaar/pgscope/internal/validate"
)

// Descriptor is the client-visible half of a tool, serialized verbatim
// into tools/list responses.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// statement is one parameterized query of a tool's plan. Identifiers are
// validated before they reach SQL text; scalar values travel in Args.
type statement struct {
	key     string
	sql     string
	args    []any
	maxRows int // 0 = unbounded
}

// plan is a fully validated invocation: statements to run plus the
// function that shapes their rows into the result payload. Building a
// plan performs all argument validation, so the executor never
// re-inspects the raw argument map.
type plan struct {
	stmts    []statement
	assemble func(results map[string][]map[string]any) map[string]any
}

// toolSpec pairs a Descriptor with its planner. Each of the ten tools is
// a thin configuration of the same pipeline.
type toolSpec struct {
	Descriptor
	plan func(args map[string]any) (*plan, error)
}

// Registry is the frozen tool catalog. It is built once at startup and
// never mutated, so reads need no locking.
type Registry struct {
	ordered []*toolSpec
	byName  map[string]*toolSpec

	// statementRows caps result rows for statements without a
	// tool-specific ceiling.
	statementRows int
}

// Limits carries the per-tool row ceilings from configuration.
// StatementRows is the fallback ceiling applied to any statement that
// does not set its own.
type Limits struct {
	PreviewRows   int
	ActivityRows  int
	StatementRows int
}

func (l Limits) withDefaults() Limits {
	out := l
	if out.PreviewRows <= 0 {
		out.PreviewRows = 10
	}
	if out.ActivityRows <= 0 {
		out.ActivityRows = 50
	}
	if out.StatementRows <= 0 {
		out.StatementRows = 500
	}
	return out
}

// List returns descriptors in registration order, stable across calls.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.ordered))
	for _, t := range r.ordered {
		out = append(out, t.Descriptor)
	}
	return out
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	t, ok := r.byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t.Descriptor, nil
}

// Len reports the catalog size.
func (r *Registry) Len() int { return len(r.ordered) }

func (r *Registry) lookupSpec(name string) (*toolSpec, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

func (r *Registry) register(t *toolSpec) {
	r.ordered = append(r.ordered, t)
	r.byName[t.Name] = t
}

// --- argument helpers ---
// The raw argument map is converted here, at the boundary, into typed
// values; planners downstream only see validated data.

func optionalString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &InvalidArgumentsError{Param: key, Reason: "must be a string"}
	}
	return s, nil
}

func requiredString(args map[string]any, key string) (string, error) {
	s, err := optionalString(args, key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", &InvalidArgumentsError{Param: key, Reason: "is required"}
	}
	return s, nil
}

// identifierArg validates an argument destined for identifier position.
func identifierArg(args map[string]any, key string, required bool) (string, error) {
	var s string
	var err error
	if required {
		s, err = requiredString(args, key)
	} else {
		s, err = optionalString(args, key)
	}
	if err != nil || s == "" {
		return s, err
	}
	if _, verr := validate.Identifier(s, key); verr != nil {
		return "", &InvalidArgumentsError{Param: key, Reason: verr.Error()}
	}
	return s, nil
}

// schemaArg applies the catalog-wide "public" default.
func schemaArg(args map[string]any) (string, error) {
	s, err := identifierArg(args, "schema", false)
	if err != nil {
		return "", err
	}
	if s == "" {
		s = "public"
	}
	return s, nil
}

// limitArg reads an integer limit, applies def when absent, rejects
// non-positive values, and clamps to ceiling. Clients asking for more
// rows than the tool's ceiling get the ceiling, not an error.
func limitArg(args map[string]any, key string, def, ceiling int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	var n int
	switch x := v.(type) {
	case float64:
		n = int(x)
	case int:
		n = x
	default:
		return 0, &InvalidArgumentsError{Param: key, Reason: "must be an integer"}
	}
	if _, err := validate.BoundedInt(n, 1, 1_000_000, key); err != nil {
		return 0, &InvalidArgumentsError{Param: key, Reason: err.Error()}
	}
	if n > ceiling {
		n = ceiling
	}
	return n, nil
}
