package config

import (
	"context"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// NewMCPClient dials one configured MCP server and completes its
// initialize handshake, returning a client ready for ListTools/CallTool —
// the same contract tooldispatch.Registry.RegisterMCPServer consumes.
func NewMCPClient(ctx context.Context, name string, s MCPServerConfig) (mcpclient.MCPClient, error) {
	var (
		mc  mcpclient.MCPClient
		err error
	)

	switch s.Type {
	case "", "stdio":
		if s.Command == "" {
			return nil, fmt.Errorf("mcp server %q: stdio transport requires command", name)
		}
		env := make([]string, 0, len(s.Env))
		for k, v := range s.Env {
			env = append(env, k+"="+v)
		}
		mc, err = mcpclient.NewStdioMCPClient(s.Command, env, s.Args...)

	case "sse":
		if s.URL == "" {
			return nil, fmt.Errorf("mcp server %q: sse transport requires url", name)
		}
		mc, err = mcpclient.NewSSEMCPClient(s.URL, mcpclient.WithHeaders(s.Headers))

	case "streamable-http":
		if s.URL == "" {
			return nil, fmt.Errorf("mcp server %q: streamable-http transport requires url", name)
		}
		mc, err = mcpclient.NewStreamableHttpClient(s.URL, mcpclient.WithHTTPHeaders(s.Headers))

	default:
		return nil, fmt.Errorf("mcp server %q: unknown transport %q", name, s.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp server %q: dialing: %w", name, err)
	}

	if err := mc.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcp server %q: starting transport: %w", name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agent", Version: "0.1.0"}
	if _, err := mc.Initialize(ctx, initReq); err != nil {
		_ = mc.Close()
		return nil, fmt.Errorf("mcp server %q: initializing: %w", name, err)
	}

	return mc, nil
}
