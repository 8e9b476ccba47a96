package mcp

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sshmux-mcp/internal/mcperr"
	"sshmux-mcp/internal/tools"
)

// Dispatcher routes JSON-RPC requests to the tool catalogue. It is
// safe for concurrent use; transports may dispatch from multiple
// goroutines.
type Dispatcher struct {
	reg     *tools.Registry
	log     zerolog.Logger
	name    string
	version string
	debug   bool

	requests atomic.Int64
}

// NewDispatcher binds the registry to the server identity advertised
// by initialize. debug switches InternalError rendering to the raw
// technical message.
func NewDispatcher(reg *tools.Registry, name, version string, debug bool, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		reg:     reg,
		log:     logger.With().Str("component", "dispatcher").Logger(),
		name:    name,
		version: version,
		debug:   debug,
	}
}

// RequestCount reports how many requests have been dispatched.
func (d *Dispatcher) RequestCount() int64 {
	return d.requests.Load()
}

// DispatchRaw parses one wire frame and dispatches it. A frame that is
// not valid JSON yields a ParseError response with a null id.
func (d *Dispatcher) DispatchRaw(ctx context.Context, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		d.requests.Add(1)
		d.log.Debug().Err(err).Msg("unparseable frame")
		return d.errorResponse(nil, mcperr.New(mcperr.ParseError, "Parse error").
			WithDetails(err.Error()))
	}
	return d.Dispatch(ctx, &req)
}

// Dispatch routes one parsed request. Panics in handlers are trapped
// and reported as InternalError so a single bad call cannot take the
// transport down.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (resp *Response) {
	d.requests.Add(1)
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("method", req.Method).Msg("handler panicked")
			resp = d.errorResponse(req.ID,
				mcperr.Newf(mcperr.InternalError, "Internal error: %v", r))
		}
	}()

	if req.JSONRPC != Version {
		return d.errorResponse(req.ID,
			mcperr.Newf(mcperr.InvalidRequest, "Unsupported jsonrpc version %q", req.JSONRPC))
	}
	if req.Method == "" {
		return d.errorResponse(req.ID,
			mcperr.New(mcperr.InvalidRequest, "Method is missing"))
	}

	switch req.Method {
	case "initialize":
		return d.resultResponse(req.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": d.name, "version": d.version},
		})
	case "tools/list":
		return d.resultResponse(req.ID, d.listTools())
	case "tools/call":
		return d.callTool(ctx, req)
	default:
		return d.errorResponse(req.ID,
			mcperr.Newf(mcperr.MethodNotFound, "Method not supported: %s", req.Method))
	}
}

func (d *Dispatcher) listTools() map[string]any {
	catalogue := d.reg.List()
	out := make([]map[string]any, 0, len(catalogue))
	for _, t := range catalogue {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": t.InputSchema(),
		})
	}
	return map[string]any{"tools": out}
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (d *Dispatcher) callTool(ctx context.Context, req *Request) *Response {
	var p callParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return d.errorResponse(req.ID,
				mcperr.New(mcperr.InvalidParams, "Params must be an object").
					WithDetails(err.Error()))
		}
	}
	if p.Name == "" {
		return d.errorResponse(req.ID,
			mcperr.New(mcperr.InvalidParams, "Tool name is required"))
	}
	if p.Arguments == nil {
		p.Arguments = map[string]any{}
	}

	started := time.Now()
	result, err := d.reg.Call(ctx, p.Name, p.Arguments)
	if err != nil {
		d.log.Debug().Str("tool", p.Name).Err(err).Msg("tool call failed")
		return d.errorResponse(req.ID, err)
	}

	text, err := json.Marshal(result)
	if err != nil {
		return d.errorResponse(req.ID,
			mcperr.Newf(mcperr.InternalError, "Failed to encode tool result: %v", err))
	}

	d.log.Debug().
		Str("tool", p.Name).
		Dur("elapsed", time.Since(started)).
		Msg("tool call complete")

	return d.resultResponse(req.ID, map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": string(text)},
		},
	})
}

func (d *Dispatcher) resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// errorResponse frames err for the wire. InternalError hides the
// technical message unless debug mode is on; every other kind already
// carries an operator-suitable message.
func (d *Dispatcher) errorResponse(id json.RawMessage, err error) *Response {
	me := mcperr.FromErr(err)
	msg := me.Message
	if me.Code == mcperr.InternalError {
		msg = me.Render(d.debug)
	}
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error: &ErrorObject{
			Code:    int(me.Code),
			Message: msg,
			Data:    me.Data,
		},
	}
}
