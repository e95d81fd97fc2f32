package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clawinfra/moonbot-gateway/internal/nodesession"
	"github.com/clawinfra/moonbot-gateway/internal/toolruntime"
	"github.com/clawinfra/moonbot-gateway/internal/types"
)

// registerTools installs the built-in tool set and any node-delegated
// tools declared in the spec directory. The dangerous ones (writes,
// deletes, command execution) are approval-gated.
func registerTools(app *App, workspaceRoot string) error {
	builtins := []struct {
		id               string
		description      string
		schema           map[string]any
		requiresApproval bool
		run              func(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error)
	}{
		{
			id:          "fs.read",
			description: "Read a file inside the workspace",
			schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
				"required":   []any{"path"},
			},
			run: func(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
				return runFsRead(ctx, input)
			},
		},
		{
			id:          "fs.list",
			description: "List a directory inside the workspace",
			schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
			},
			run: func(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
				return runFsList(ctx, input)
			},
		},
		{
			id:          "fs.write",
			description: "Write a file inside the workspace",
			schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []any{"path", "content"},
			},
			requiresApproval: true,
			run: func(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
				return runFsWrite(ctx, input)
			},
		},
		{
			id:          "fs.delete",
			description: "Delete a file inside the workspace",
			schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
				"required":   []any{"path"},
			},
			requiresApproval: true,
			run: func(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
				return runFsDelete(ctx, input)
			},
		},
		{
			id:          "http.fetch",
			description: "Fetch a public HTTP(S) URL",
			schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"url": map[string]any{"type": "string"}},
				"required":   []any{"url"},
			},
			run: func(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
				return runHTTPFetch(ctx, input)
			},
		},
		{
			id:          "os.exec",
			description: "Run a validated command on a paired node companion",
			schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
					"nodeId":  map[string]any{"type": "string"},
				},
				"required": []any{"command"},
			},
			requiresApproval: true,
			run: func(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
				return runNodeExec(app, ctx, input)
			},
		},
	}

	for _, b := range builtins {
		schema, err := toolruntime.SpecFromSchemaString(b.id, b.schema)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", b.id, err)
		}
		app.Runtime.Register(&toolruntime.ToolSpec{
			ID:               b.id,
			Description:      b.description,
			Schema:           schema,
			RequiresApproval: b.requiresApproval,
			Run:              b.run,
		})
	}

	return registerNodeTools(app)
}

// registerNodeTools loads *.toml definitions from the spec directory and
// registers each as a tool delegated to a paired node companion over the
// node RPC channel.
func registerNodeTools(app *App) error {
	dir := expandHome(app.Config.Tools.SpecDir)
	defs, err := toolruntime.LoadDefinitions(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, def := range defs {
		def := def
		spec, err := toolruntime.Compile(def, func(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
			return runNodeDelegated(app, ctx, def.ID, input)
		})
		if err != nil {
			return err
		}
		app.Runtime.Register(spec)
		app.Logger.Info("node tool registered", "id", def.ID)
	}
	return nil
}

func errResult(code, message string) toolruntime.ToolResult {
	return toolruntime.ToolResult{OK: false, Error: &toolruntime.ToolResultError{Code: code, Message: message}}
}

// workspacePath resolves a relative path inside the workspace root and
// rejects escapes.
func workspacePath(ctx toolruntime.ToolContext, raw string) (string, error) {
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("path contains a null byte")
	}
	p := raw
	if !filepath.IsAbs(p) {
		p = filepath.Join(ctx.WorkspaceRoot, p)
	}
	p = filepath.Clean(p)
	root := filepath.Clean(ctx.WorkspaceRoot)
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace")
	}
	return p, nil
}

func runFsRead(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
	raw, _ := input["path"].(string)
	path, err := workspacePath(ctx, raw)
	if err != nil {
		return errResult(types.ErrInvalidPath, err.Error()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return errResult(types.ErrInvalidPath, "cannot open file"), nil
	}
	defer f.Close()

	max := ctx.Policy.MaxBytes
	if max <= 0 {
		max = 1 << 20
	}
	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return errResult(types.ErrExecutionError, "read failed"), nil
	}
	truncated := false
	if int64(len(data)) > max {
		data = data[:max]
		truncated = true
	}
	return toolruntime.ToolResult{
		OK:   true,
		Data: string(data),
		Meta: toolruntime.ToolResultMeta{Truncated: truncated},
	}, nil
}

func runFsList(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
	raw, _ := input["path"].(string)
	if raw == "" {
		raw = "."
	}
	path, err := workspacePath(ctx, raw)
	if err != nil {
		return errResult(types.ErrInvalidPath, err.Error()), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return errResult(types.ErrInvalidPath, "cannot list directory"), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return toolruntime.ToolResult{OK: true, Data: names}, nil
}

func runFsWrite(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
	raw, _ := input["path"].(string)
	content, _ := input["content"].(string)
	path, err := workspacePath(ctx, raw)
	if err != nil {
		return errResult(types.ErrInvalidPath, err.Error()), nil
	}
	if ctx.Policy.MaxBytes > 0 && int64(len(content)) > ctx.Policy.MaxBytes {
		return errResult(types.ErrSizeLimit, "content exceeds the size limit"), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errResult(types.ErrExecutionError, "cannot create parent directory"), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errResult(types.ErrExecutionError, "write failed"), nil
	}
	return toolruntime.ToolResult{OK: true, Data: map[string]any{"path": raw, "bytes": len(content)}}, nil
}

func runFsDelete(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
	raw, _ := input["path"].(string)
	path, err := workspacePath(ctx, raw)
	if err != nil {
		return errResult(types.ErrInvalidPath, err.Error()), nil
	}
	if err := os.Remove(path); err != nil {
		return errResult(types.ErrInvalidPath, "cannot delete file"), nil
	}
	return toolruntime.ToolResult{OK: true, Data: map[string]any{"path": raw}}, nil
}

// runHTTPFetch fetches a public URL, refusing loopback/private targets
// so a tool call cannot be aimed back at the gateway or the local
// network.
func runHTTPFetch(ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
	rawURL, _ := input["url"].(string)
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return errResult(types.ErrBlockedURL, "only http and https URLs are allowed"), nil
	}

	reqCtx := ctx.Context
	if reqCtx == nil {
		reqCtx = context.Background()
	}
	timeout := ctx.Policy.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(reqCtx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errResult(types.ErrBlockedURL, "invalid URL"), nil
	}
	host := req.URL.Hostname()
	if ips, err := net.LookupIP(host); err == nil {
		for _, ip := range ips {
			if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
				return errResult(types.ErrBlockedURL, "target address is not allowed"), nil
			}
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errResult("NETWORK", "fetch failed"), nil
	}
	defer resp.Body.Close()

	max := ctx.Policy.MaxBytes
	if max <= 0 {
		max = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return errResult("NETWORK", "read failed"), nil
	}
	truncated := false
	if int64(len(body)) > max {
		body = body[:max]
		truncated = true
	}
	return toolruntime.ToolResult{
		OK:   true,
		Data: map[string]any{"status": resp.StatusCode, "body": string(body)},
		Meta: toolruntime.ToolResultMeta{Truncated: truncated},
	}, nil
}

// runNodeExec validates a command and delegates it to one of the user's
// paired nodes with the commandExec capability.
func runNodeExec(app *App, ctx toolruntime.ToolContext, input map[string]any) (toolruntime.ToolResult, error) {
	command, _ := input["command"].(string)
	argv := strings.Fields(command)
	argv = app.Validator.SanitizeArguments(argv)
	if err := app.Validator.ValidateArguments(argv); err != nil {
		return errResult(types.ErrPermissionDenied, err.Error()), nil
	}

	nodeID, _ := input["nodeId"].(string)
	if nodeID == "" {
		for _, n := range app.Nodes.NodesForUser(ctx.UserID) {
			if n.Status == nodesession.StatusPaired && n.Capabilities.CommandExec {
				nodeID = n.NodeID
				break
			}
		}
	}
	if nodeID == "" {
		return errResult(types.ErrNodeNotAvailable, "no paired node can run commands"), nil
	}
	node, ok := app.Nodes.Get(nodeID)
	if !ok {
		return errResult(types.ErrNodeNotFound, "node is not known"), nil
	}
	if !node.Capabilities.CommandExec {
		return errResult(types.ErrNodeCapability, "node does not support command execution"), nil
	}

	reqCtx := ctx.Context
	if reqCtx == nil {
		reqCtx = context.Background()
	}
	raw, rpcErr := app.Comm.SendAndWait(reqCtx, nodeID, "node.exec", map[string]any{"argv": argv}, ctx.Policy.Timeout)
	if rpcErr != nil {
		return errResult(rpcErr.Code, rpcErr.UserMessage), nil
	}
	var out any
	_ = json.Unmarshal(raw, &out)
	return toolruntime.ToolResult{OK: true, Data: out}, nil
}

// runNodeDelegated forwards a spec-dir tool invocation to a paired node
// under the "tool.<id>" RPC method.
func runNodeDelegated(app *App, ctx toolruntime.ToolContext, toolID string, input map[string]any) (toolruntime.ToolResult, error) {
	var nodeID string
	for _, n := range app.Nodes.NodesForUser(ctx.UserID) {
		if n.Status == nodesession.StatusPaired {
			nodeID = n.NodeID
			break
		}
	}
	if nodeID == "" {
		return errResult(types.ErrNodeNotAvailable, "no paired node available"), nil
	}

	reqCtx := ctx.Context
	if reqCtx == nil {
		reqCtx = context.Background()
	}
	raw, rpcErr := app.Comm.SendAndWait(reqCtx, nodeID, "tool."+toolID, input, ctx.Policy.Timeout)
	if rpcErr != nil {
		return errResult(rpcErr.Code, rpcErr.UserMessage), nil
	}
	var out any
	_ = json.Unmarshal(raw, &out)
	return toolruntime.ToolResult{OK: true, Data: out}, nil
}
