// Package tools provides the process-wide HAIP tool registry, the builtin
// echo/add tools, and a bridge that imports tools from external MCP servers.
//
// The registry is read-mostly after server start: deployments register their
// tools during wiring, then sessions look tools up on every
// TRANSACTION_START.
package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/haipio/haip/pkg/tool"
)

// Registry is a concurrent-safe name → handler table. The zero value is not
// usable; create instances with [NewRegistry].
type Registry struct {
	mu    sync.RWMutex
	tools map[string]tool.Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]tool.Handler)}
}

// Register adds h under its descriptor name. Names are unique; registering a
// duplicate is an error so that deployments notice colliding tool sets at
// startup rather than shadowing silently.
func (r *Registry) Register(h tool.Handler) error {
	desc := h.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("tools: cannot register a tool with an empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("tools: tool %q is already registered", desc.Name)
	}
	r.tools[desc.Name] = h
	return nil
}

// Unregister removes the named tool. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (tool.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tools[name]
	return h, ok
}

// List returns the descriptors of every registered tool, sorted by name.
func (r *Registry) List() []tool.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]tool.Descriptor, 0, len(r.tools))
	for _, h := range r.tools {
		out = append(out, h.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ValidateParams checks params against the named tool's input schema. Tools
// without an input schema accept anything.
func (r *Registry) ValidateParams(name string, params map[string]any) error {
	h, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("tools: tool %q not found", name)
	}
	schemaDoc := h.Descriptor().InputSchema
	if schemaDoc == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schemaDoc),
		gojsonschema.NewGoLoader(params),
	)
	if err != nil {
		return fmt.Errorf("tools: validate params for %q: %w", name, err)
	}
	if result.Valid() {
		return nil
	}
	var reasons []string
	for _, violation := range result.Errors() {
		reasons = append(reasons, violation.String())
	}
	return fmt.Errorf("tools: params for %q rejected: %s", name, strings.Join(reasons, "; "))
}
