// Package tools declares the tool catalogue: schemas, the parameter
// validator, and the handlers binding tools to the connection pool.
package tools

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"sshmux-mcp/internal/mcperr"
)

// Registry holds the tool catalogue in registration order.
type Registry struct {
	tools map[string]*Tool
	order []string
	log   zerolog.Logger
}

// NewRegistry returns an empty catalogue.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
		log:   logger.With().Str("component", "tools").Logger(),
	}
}

// Register adds a tool. The catalogue is assembled once at startup, so
// duplicate names and malformed patterns are programmer errors.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; exists {
		panic(fmt.Sprintf("tools: duplicate registration of %q", t.Name))
	}
	for i := range t.Params {
		if t.Params[i].Pattern != "" {
			t.Params[i].pattern = regexp.MustCompile(t.Params[i].Pattern)
		}
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns the catalogue in registration order.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Call validates args against the named tool's schema and invokes its
// handler. Unknown names map to MethodNotFound; validation and handler
// failures pass through with their own codes.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, mcperr.Newf(mcperr.MethodNotFound, "Unknown tool: %s", name)
	}

	validated, err := ValidateParams(t, args)
	if err != nil {
		r.log.Debug().Str("tool", name).Err(err).Msg("parameter validation failed")
		return nil, err
	}

	data, err := t.Handler(ctx, validated)
	if err != nil {
		r.log.Debug().Str("tool", name).Err(err).Msg("tool failed")
		return nil, err
	}

	return NewToolResult(name, data), nil
}
