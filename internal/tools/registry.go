// Package tools defines the tool interface exposed to the LLM and the
// built-in CloudWatch query tools.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cwlens/cwlens/internal/providers"
)

// Tool is a capability the LLM can invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds the tools available to a session.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	return t, ok
}

// List returns registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ProviderDefs converts registered tools into provider tool definitions.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs the named tool. Unknown names and panics become error results
// so the conversation can continue.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (result *Result) {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", name, rec))
		}
	}()

	if args == nil {
		args = map[string]interface{}{}
	}
	return t.Execute(ctx, args)
}
