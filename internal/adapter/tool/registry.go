package tool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"convoagent/internal/domain"
)

type entry struct {
	tool   domain.Tool
	schema *jsonschema.Schema // nil when the tool declares no parameters
}

// Registry holds named tools and their compiled argument schemas.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]entry
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]entry),
		logger: logger,
	}
}

// Register adds a tool. Returns error if the name is already registered or
// the tool's parameter schema does not compile.
func (r *Registry) Register(t domain.Tool) error {
	name := t.Name()
	compiled, err := compileSchema(t.Schema().Parameters)
	if err != nil {
		return fmt.Errorf("tool %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = entry{tool: t, schema: compiled}
	if r.logger != nil {
		r.logger.Debug("tool registered", "tool", name, "validated", compiled != nil)
	}
	return nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	schema, err := jsonschema.NewCompiler().Compile([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return e.tool, nil
}

// Validate checks args against the named tool's declared schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return domain.NewDomainError("Registry.Validate", domain.ErrToolNotFound, name)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return domain.NewDomainError("Registry.Validate", domain.ErrToolValidation,
			fmt.Sprintf("invalid JSON: %v", err))
	}
	if e.schema == nil {
		return nil
	}
	result := e.schema.Validate(v)
	if !result.IsValid() {
		return domain.NewDomainError("Registry.Validate", domain.ErrToolValidation, result.Error())
	}
	return nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns all tool schemas for function calling, ordered by name.
func (r *Registry) Schemas() []domain.ToolSchema {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]domain.ToolSchema, 0, len(names))
	for _, name := range names {
		schemas = append(schemas, r.tools[name].tool.Schema())
	}
	return schemas
}

var _ domain.ToolRegistry = (*Registry)(nil)
