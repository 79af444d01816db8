// Package actions provides the named side-effecting operations a session can run,
// either automatically when a question becomes current or on request of the assistant.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// Context is the read-only view of a session handed to a handler.
// Responses and ExternalData are private copies.
type Context struct {
	SessionID    string
	QuestionKey  string
	Responses    map[string]any
	ExternalData map[string]any
}

// Handler executes one action. Expected failures (bad input, network errors,
// quota) are returned as a failed ActionResult, never as a panic.
type Handler interface {
	Execute(ctx context.Context, params map[string]any, actx Context) models.ActionResult
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, params map[string]any, actx Context) models.ActionResult

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, params map[string]any, actx Context) models.ActionResult {
	return f(ctx, params, actx)
}

// Definition describes an action the assistant may call through function calling.
type Definition struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters map[string]any
}

type entry struct {
	handler Handler
	tool    *Definition
}

// Registry maps action names to handlers. It is populated at start-up.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]entry)}
}

// Register associates name with h. Names are unique.
func (r *Registry) Register(name string, h Handler) error {
	return r.add(name, entry{handler: h})
}

// RegisterTool registers h and exposes it to the assistant under def.
func (r *Registry) RegisterTool(def Definition, h Handler) error {
	d := def
	return r.add(def.Name, entry{handler: h, tool: &d})
}

func (r *Registry) add(name string, e entry) error {
	if name == "" {
		return fmt.Errorf("action name is required")
	}
	if e.handler == nil {
		return fmt.Errorf("action %s: handler is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("action %s is already registered", name)
	}
	r.handlers[name] = e
	slog.Debug("Registry.Register: action registered", "action", name, "tool", e.tool != nil)
	return nil
}

// Get retrieves the handler registered under name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[name]
	return e.handler, ok
}

// IsTool reports whether name is registered and callable by the assistant.
func (r *Registry) IsTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[name]
	return ok && e.tool != nil
}

// Names returns every registered action name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns the definitions of assistant-callable actions, sorted by name.
func (r *Registry) Tools() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []Definition
	for _, e := range r.handlers {
		if e.tool != nil {
			defs = append(defs, *e.tool)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
