package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// RiskLevel grades how dangerous a tool is when misused. It drives the
// approval policy together with RequiresApproval.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Tool is the capability surface the scheduler executes against.
// Implementations report their own failures through Result.Success;
// a returned error means the tool itself crashed and the caller wraps
// it into a failed Result.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema describing Execute's args.
	Schema() map[string]any
	RequiresApproval() bool
	RiskLevel() RiskLevel
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Previewer is implemented by tools that can render what an execution
// would do, shown to the user at an approval gate.
type Previewer interface {
	Preview(args map[string]any) string
}

// Result is a tool execution outcome. Data carries arbitrary
// tool-specific payload merged into the flat map form.
type Result struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Type    string         `json:"type,omitempty"`
	Hints   []string       `json:"hints,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Ok builds a successful result with payload data.
func Ok(data map[string]any) *Result {
	return &Result{Success: true, Data: data}
}

// Fail builds a failed result with an error classifier and optional
// recovery hints.
func Fail(errMsg, errType string, hints ...string) *Result {
	return &Result{Success: false, Error: errMsg, Type: errType, Hints: hints}
}

// AsMap flattens the result into the map shape stored on a step's
// execution_result: success/error/type/hints at the top level, data
// keys merged beside them (reserved keys win on collision).
func (r *Result) AsMap() map[string]any {
	m := make(map[string]any, len(r.Data)+4)
	for k, v := range r.Data {
		m[k] = v
	}
	m["success"] = r.Success
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.Type != "" {
		m["type"] = r.Type
	}
	if len(r.Hints) > 0 {
		m["hints"] = r.Hints
	}
	return m
}

// Definition is the model-facing description of a tool.
type Definition struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Parameters       map[string]any `json:"parameters"`
	RequiresApproval bool           `json:"requires_approval"`
	RiskLevel        RiskLevel      `json:"risk_level"`
}

// Registry holds the callable tools for a process. Implementations
// must be safe for concurrent use across sessions.
type Registry interface {
	Register(tool Tool) error
	Unregister(name string) error
	Get(name string) (Tool, bool)
	Has(name string) bool
	List() []Definition
	Names() []string
	// ValidateInput checks args against the tool's parameter schema.
	ValidateInput(name string, args map[string]any) error
	// Catalog renders the registry as prompt text for the model.
	Catalog() string
}

// InMemoryRegistry is the standard Registry backed by a map. Schemas
// are compiled once at registration.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool and compiles its parameter schema. Tools with
// invalid schemas are rejected so bad definitions fail at startup, not
// mid-mission.
func (r *InMemoryRegistry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	schema, err := compileSchema(name, t.Schema())
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", name, err)
	}

	r.tools[name] = t
	r.schemas[name] = schema
	return nil
}

func (r *InMemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}
	delete(r.tools, name)
	delete(r.schemas, name)
	return nil
}

func (r *InMemoryRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, exists := r.tools[name]
	return t, exists
}

func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tools[name]
	return exists
}

func (r *InMemoryRegistry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition{
			Name:             t.Name(),
			Description:      t.Description(),
			Parameters:       t.Schema(),
			RequiresApproval: t.RequiresApproval(),
			RiskLevel:        t.RiskLevel(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *InMemoryRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateInput validates args against the registered schema. Args are
// normalized through a JSON round trip so native Go values compare the
// same way decoded model output does.
func (r *InMemoryRegistry) ValidateInput(name string, args map[string]any) error {
	r.mu.RLock()
	schema, exists := r.schemas[name]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("tool %s not found", name)
	}
	if schema == nil {
		return nil
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("args for %s do not match schema: %w", name, err)
	}
	return nil
}

// Catalog renders the tool list in the deterministic prompt form used
// by the planner and the thought context. Sorted by name so identical
// registries produce identical prompts.
func (r *InMemoryRegistry) Catalog() string {
	defs := r.List()
	if len(defs) == 0 {
		return "(no tools available)"
	}

	var b strings.Builder
	for _, def := range defs {
		fmt.Fprintf(&b, "- %s: %s", def.Name, def.Description)
		if def.RequiresApproval {
			fmt.Fprintf(&b, " [requires approval, risk=%s]", def.RiskLevel)
		}
		b.WriteString("\n")
		if params, err := json.Marshal(def.Parameters); err == nil {
			fmt.Fprintf(&b, "  parameters: %s\n", params)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// compileSchema compiles a schema map, tolerating nil (no validation).
func compileSchema(name string, raw map[string]any) (*jsonschema.Schema, error) {
	if raw == nil {
		return nil, nil
	}

	// Round trip so the compiler sees plain decoded-JSON values.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
