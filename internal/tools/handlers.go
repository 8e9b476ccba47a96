package tools

import (
	"context"
	"errors"
	"strings"
	"time"

	"sshmux-mcp/internal/mcperr"
	"sshmux-mcp/internal/ssh"
)

// ConnectionPool is the slice of the pool the tool handlers consume.
// *ssh.Pool satisfies it; tests substitute a fake.
type ConnectionPool interface {
	CreateConnection(ctx context.Context, cfg *ssh.SessionConfig) (string, error)
	ConnectionInfo(id string) (ssh.ConnectionInfo, bool)
	ExecuteCommand(ctx context.Context, id, command string, timeout time.Duration) (*ssh.CommandResult, error)
	ReadFile(ctx context.Context, id, filePath, encoding string) (string, error)
	WriteFile(ctx context.Context, id, filePath, content, encoding string, createDirs bool) (int, error)
	ListDirectory(ctx context.Context, id, dirPath string, showHidden, detailed bool) ([]ssh.DirEntry, error)
	DisconnectConnection(id string) bool
	ListConnections() []ssh.ConnectionInfo
}

func createConnectHandler(pool ConnectionPool, opts Options) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		method := argString(args, "auth_method")
		if !containsString(opts.AllowedAuthMethods, method) {
			return nil, mcperr.Newf(mcperr.ToolError,
				"Auth method '%s' is disabled by server configuration", method).
				WithData("allowed_auth_methods", strings.Join(opts.AllowedAuthMethods, ", "))
		}

		cfg := &ssh.SessionConfig{
			Hostname:   argString(args, "hostname"),
			Port:       argInt(args, "port"),
			Username:   argString(args, "username"),
			Timeout:    time.Duration(argInt(args, "timeout")) * time.Second,
			AuthMethod: ssh.AuthMethod(method),
			KeyPath:    argString(args, "key_path"),
			Password:   argString(args, "password"),
		}

		id, err := pool.CreateConnection(ctx, cfg)
		if err != nil {
			return nil, connectFailure(err, cfg)
		}

		info, ok := pool.ConnectionInfo(id)
		if !ok {
			return nil, mcperr.Newf(mcperr.ToolError,
				"Connection %s was closed during setup", id).
				WithData("connection_id", id)
		}
		return info, nil
	}
}

// connectFailure shapes connection and authentication failures into the
// operator-facing contract of ssh_connect: a tool failure carrying
// guidance, with the technical message preserved in data.details.
// Failures that are already tool-level (admission limit, config
// validation) pass through unchanged.
func connectFailure(err error, cfg *ssh.SessionConfig) error {
	var me *mcperr.Error
	if !errors.As(err, &me) {
		me = mcperr.FromErr(err)
	}
	if me.Code == mcperr.ToolError {
		return me
	}
	return mcperr.New(mcperr.ToolError, me.Friendly()).
		WithDetails(me.Message).
		WithData("hostname", cfg.Hostname).
		WithData("username", cfg.Username)
}

func createExecuteHandler(pool ConnectionPool) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		timeout := time.Duration(argInt(args, "timeout")) * time.Second
		result, err := pool.ExecuteCommand(ctx,
			argString(args, "connection_id"),
			argString(args, "command"),
			timeout)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

func createReadFileHandler(pool ConnectionPool) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		filePath := argString(args, "file_path")
		encoding := argString(args, "encoding")

		content, err := pool.ReadFile(ctx, argString(args, "connection_id"), filePath, encoding)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"file_path": filePath,
			"content":   content,
			"encoding":  encoding,
			"size":      len(content),
			"lines":     strings.Count(content, "\n") + 1,
		}, nil
	}
}

func createWriteFileHandler(pool ConnectionPool) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		filePath := argString(args, "file_path")
		encoding := argString(args, "encoding")
		createDirs := argBool(args, "create_dirs")

		written, err := pool.WriteFile(ctx,
			argString(args, "connection_id"),
			filePath,
			argString(args, "content"),
			encoding,
			createDirs)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"file_path":     filePath,
			"bytes_written": written,
			"encoding":      encoding,
			"create_dirs":   createDirs,
			"status":        "success",
		}, nil
	}
}

func createListDirectoryHandler(pool ConnectionPool) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		dirPath := argString(args, "directory_path")
		showHidden := argBool(args, "show_hidden")
		detailed := argBool(args, "detailed")

		entries, err := pool.ListDirectory(ctx,
			argString(args, "connection_id"), dirPath, showHidden, detailed)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"directory_path": dirPath,
			"entries":        entries,
			"total_entries":  len(entries),
			"show_hidden":    showHidden,
			"detailed":       detailed,
		}, nil
	}
}

func createDisconnectHandler(pool ConnectionPool) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		id := argString(args, "connection_id")
		if !pool.DisconnectConnection(id) {
			return nil, mcperr.Newf(mcperr.ToolError, "Connection not found: %s", id).
				WithData("connection_id", id)
		}
		return map[string]any{
			"connection_id": id,
			"status":        "disconnected",
		}, nil
	}
}

func createListConnectionsHandler(pool ConnectionPool) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		conns := pool.ListConnections()
		return map[string]any{
			"connections": conns,
			"total":       len(conns),
		}, nil
	}
}

// Validated-argument accessors. Validation has already coerced types,
// so a missing optional key just yields the zero value.

func argString(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func argInt(args map[string]any, name string) int {
	switch n := args[name].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func argBool(args map[string]any, name string) bool {
	b, _ := args[name].(bool)
	return b
}
