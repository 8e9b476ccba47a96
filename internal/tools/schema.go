package tools

import (
	"context"
	"regexp"
	"time"
)

// ParamType is the semantic type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Param declares a single tool parameter. Declaration order matters:
// the validator processes specs in the order they are listed.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Default     any
	Enum        []string
	Minimum     *float64
	Maximum     *float64
	Pattern     string

	pattern *regexp.Regexp
}

// HandlerFunc executes a tool against validated parameters and returns
// the payload for ToolResult.Data.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Tool couples a schema with its handler.
type Tool struct {
	Name        string
	Description string
	Params      []Param
	Handler     HandlerFunc
}

// ToolResult is the payload serialised into the MCP content envelope.
type ToolResult struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// NewToolResult wraps a successful payload with the standard metadata.
func NewToolResult(tool string, data any) *ToolResult {
	return &ToolResult{
		Success: true,
		Data:    data,
		Metadata: map[string]any{
			"tool":      tool,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// InputSchema exports the JSON-Schema object describing the tool's
// parameters, suitable for the tools/list response.
func (t *Tool) InputSchema() map[string]any {
	properties := make(map[string]any, len(t.Params))
	required := make([]string, 0, len(t.Params))
	for i := range t.Params {
		p := &t.Params[i]
		properties[p.Name] = p.schema()
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (p *Param) schema() map[string]any {
	s := map[string]any{
		"type":        string(p.Type),
		"description": p.Description,
	}
	if p.Default != nil {
		s["default"] = p.Default
	}
	if len(p.Enum) > 0 {
		s["enum"] = p.Enum
	}
	if p.Minimum != nil {
		s["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		s["maximum"] = *p.Maximum
	}
	if p.Pattern != "" {
		s["pattern"] = p.Pattern
	}
	return s
}

// bound builds a *float64 inline in Param literals.
func bound(v float64) *float64 { return &v }
