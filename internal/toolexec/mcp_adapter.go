package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/turnforge/turnforge/internal/mcp"
)

// mcpStdioRPC adapts an mcp.Client (stdio or HTTP transport, both speak the
// same JSON-RPC 2.0 CallTool request under the hood) to StdioRPCClient so
// the executor can dispatch through it without knowing about MCP directly.
type mcpStdioRPC struct {
	client *mcp.Client
}

// NewMCPBackend wraps a connected mcp.Client as a Backend of the given kind.
// Both stdio and HTTP MCP servers use the same CallTool/ToolCallResult
// shape; only the underlying transport differs, which mcp.Client already
// abstracts away.
func NewMCPBackend(client *mcp.Client, kind BackendKind) Backend {
	rpc := &mcpStdioRPC{client: client}
	if kind == BackendHTTP {
		return &mcpHTTPBackend{rpc: rpc}
	}
	return &StdioBackend{RPC: rpc}
}

func (r *mcpStdioRPC) Call(ctx context.Context, name, arguments string) (string, bool, error) {
	var args map[string]any
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return fmt.Sprintf("invalid arguments for %s: %v", name, err), true, nil
		}
	}
	result, err := r.client.CallTool(ctx, name, args)
	if err != nil {
		return err.Error(), true, nil
	}
	var sb strings.Builder
	for i, c := range result.Content {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(c.Text)
	}
	return sb.String(), result.IsError, nil
}

func (r *mcpStdioRPC) Dispose() error { return nil }

// mcpHTTPBackend is the HTTP-transport twin of StdioBackend, kept as a
// distinct type only so Backend.Kind() reports the right value.
type mcpHTTPBackend struct {
	rpc *mcpStdioRPC
}

func (b *mcpHTTPBackend) Kind() BackendKind { return BackendHTTP }

func (b *mcpHTTPBackend) Call(ctx context.Context, name, arguments string) (string, bool, error) {
	return b.rpc.Call(ctx, name, arguments)
}
