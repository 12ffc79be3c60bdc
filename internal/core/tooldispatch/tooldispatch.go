// Package tooldispatch implements the Tool Dispatcher (C8): a registry of
// tools — builtin and MCP-surfaced — invoked without blocking the stream
// fold in C6. Results are correlated by callId and delivered asynchronously
// on the channel C6's Dispatcher interface expects.
//
// Structured as a name->factory table,
// ListServers/CreateServer shape) generalized from "server factories" to
// "callable tools," and its cmd/root.go MCP wiring for surfacing external
// mark3labs/mcp-go servers behind the same interface with sanitized-id name
// collision prefixing.
package tooldispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/link-assistant/agent/internal/core/stream"
	"github.com/link-assistant/agent/internal/core/tracing"
	agenterr "github.com/link-assistant/agent/internal/errors"
	"github.com/link-assistant/agent/internal/hooks"
)

const (
	defaultDeadline = 2 * time.Minute
	maxDeadline     = 10 * time.Minute
)

// Result is the structured {ok, value} | {ok, errorKind, message} outcome a
// tool's Run must produce; it is never a panic.
type Result struct {
	OK        bool
	Value     any
	ErrorKind string
	Message   string
}

// Context carries everything a Run implementation needs besides its input:
// cancellation, the scratch workspace, and the owning session id for
// logging.
type Context struct {
	context.Context
	Workspace string
	SessionID string
}

// Tool is a single registered capability.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Run         func(ctx Context, inputJSON string) Result
	Deadline    time.Duration
}

// ToolInfo is the provider-agnostic shape ListToolInfo exposes, letting a
// TurnDriver build its own provider-specific tool declaration without
// reaching into Registry internals.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Registry holds builtin and MCP-surfaced tools under one invocation
// contract and implements stream.Dispatcher.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*Tool
	workspace string
	logger    *log.Logger
	hooks     *hooks.Executor

	results  chan stream.ToolOutcome
	inflight sync.WaitGroup
}

// Config wires the Registry's collaborators. Hooks may be nil, in which
// case every tool runs unwrapped.
type Config struct {
	Workspace string
	Logger    *log.Logger
	Hooks     *hooks.Executor
}

// New constructs an empty Registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		tools:     make(map[string]*Tool),
		workspace: cfg.Workspace,
		logger:    logger,
		hooks:     cfg.Hooks,
		results:   make(chan stream.ToolOutcome, 64),
	}
}

// Register adds a tool, applying the default/max deadline clamp.
func (r *Registry) Register(t *Tool) {
	if t.Deadline <= 0 {
		t.Deadline = defaultDeadline
	}
	if t.Deadline > maxDeadline {
		t.Deadline = maxDeadline
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Names lists every registered tool name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// ListToolInfo returns every registered tool's dispatch-agnostic
// description, for a TurnDriver to translate into its provider's own tool
// schema shape.
func (r *Registry) ListToolInfo() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// sanitizeServerID maps an MCP server id into a safe name-collision prefix.
var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitizeServerID(serverID string) string {
	return unsafeChars.ReplaceAllString(serverID, "_")
}

// RegisterMCPServer surfaces every tool an MCP client exposes under the
// same Tool contract, prefixing with the sanitized server id only when the
// bare tool name already collides with one already registered.
func (r *Registry) RegisterMCPServer(ctx context.Context, serverID string, mc mcpclient.MCPClient) error {
	listed, err := mc.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("tooldispatch: listing tools from MCP server %q: %w", serverID, err)
	}

	prefix := sanitizeServerID(serverID)
	for _, def := range listed.Tools {
		name := def.Name
		r.mu.RLock()
		_, collides := r.tools[name]
		r.mu.RUnlock()
		if collides {
			name = prefix + "_" + def.Name
		}

		toolName := def.Name
		r.Register(&Tool{
			Name:        name,
			Description: def.Description,
			InputSchema: schemaToMap(def.InputSchema),
			Run: func(tctx Context, inputJSON string) Result {
				return runMCPTool(tctx, mc, toolName, inputJSON)
			},
		})
	}
	return nil
}

func schemaToMap(s mcp.ToolInputSchema) map[string]any {
	return map[string]any{
		"type":       s.Type,
		"properties": s.Properties,
		"required":   s.Required,
	}
}

func runMCPTool(ctx Context, mc mcpclient.MCPClient, toolName, inputJSON string) Result {
	args, err := parseArgs(inputJSON)
	if err != nil {
		return Result{OK: false, ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	resp, err := mc.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{OK: false, ErrorKind: string(agenterr.KindToolTimeout), Message: ctx.Err().Error()}
		}
		return Result{OK: false, ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
	}
	if resp.IsError {
		return Result{OK: false, ErrorKind: string(agenterr.KindToolFailure), Message: textOf(resp)}
	}
	return Result{OK: true, Value: textOf(resp)}
}

func textOf(resp *mcp.CallToolResult) string {
	var b strings.Builder
	for _, item := range resp.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// Invoke implements stream.Dispatcher: it starts the tool asynchronously
// and returns immediately; the caller correlates completion via Results().
func (r *Registry) Invoke(ctx context.Context, callID, toolName, inputJSON string) {
	r.mu.RLock()
	t, ok := r.tools[toolName]
	r.mu.RUnlock()

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()

		sessionID, _ := ctx.Value(sessionIDKey{}).(string)
		spanCtx, span := tracing.StartToolInvoke(ctx, sessionID, callID, toolName)
		var invokeErr error
		defer func() { tracing.End(span, invokeErr) }()

		if !ok {
			invokeErr = fmt.Errorf("unknown tool %q", toolName)
			r.results <- stream.ToolOutcome{CallID: callID, OK: false,
				ErrorMsg: invokeErr.Error()}
			return
		}

		deadline := t.Deadline
		tctx, cancel := context.WithTimeout(spanCtx, deadline)
		defer cancel()

		effectiveInput := inputJSON
		if r.hooks != nil {
			pre, err := r.hooks.ExecuteHooks(tctx, hooks.PreToolUse, &hooks.PreToolUseInput{
				CommonInput: hooks.CommonInput{HookEventName: hooks.PreToolUse, SessionID: sessionID},
				ToolName:    toolName,
				ToolInput:   json.RawMessage(nonEmptyJSON(inputJSON)),
			})
			if err != nil {
				invokeErr = err
				r.results <- stream.ToolOutcome{CallID: callID, OK: false, ErrorMsg: err.Error()}
				return
			}
			if pre.Decision == "block" {
				reason := pre.Reason
				if reason == "" {
					reason = "blocked by PreToolUse hook"
				}
				r.results <- stream.ToolOutcome{CallID: callID, OK: false, ErrorMsg: reason}
				return
			}
			if pre.ModifyInput != "" {
				effectiveInput = pre.ModifyInput
			}
		}

		res := t.Run(Context{Context: tctx, Workspace: r.workspace, SessionID: sessionID}, effectiveInput)

		if r.hooks != nil {
			responseJSON, _ := json.Marshal(res)
			post, err := r.hooks.ExecuteHooks(tctx, hooks.PostToolUse, &hooks.PostToolUseInput{
				CommonInput:  hooks.CommonInput{HookEventName: hooks.PostToolUse, SessionID: sessionID},
				ToolName:     toolName,
				ToolInput:    json.RawMessage(nonEmptyJSON(effectiveInput)),
				ToolResponse: responseJSON,
			})
			if err == nil {
				if post.Decision == "block" {
					reason := post.Reason
					if reason == "" {
						reason = "blocked by PostToolUse hook"
					}
					r.results <- stream.ToolOutcome{CallID: callID, OK: false, ErrorMsg: reason}
					return
				}
				if post.ModifyOutput != "" {
					res.Value = post.ModifyOutput
				}
			}
		}

		if !res.OK {
			invokeErr = fmt.Errorf("%s", res.Message)
			r.results <- stream.ToolOutcome{CallID: callID, OK: false, ErrorMsg: res.Message}
			return
		}
		r.results <- stream.ToolOutcome{CallID: callID, OK: true, Value: res.Value}
	}()
}

// nonEmptyJSON returns s if it already looks like JSON, else "null" — the
// hook input schemas require valid json.RawMessage fields.
func nonEmptyJSON(s string) string {
	if strings.TrimSpace(s) == "" || !json.Valid([]byte(s)) {
		return "null"
	}
	return s
}

// Results implements stream.Dispatcher.
func (r *Registry) Results() <-chan stream.ToolOutcome { return r.results }

// Wait blocks until every in-flight tool invocation has delivered its
// result.
func (r *Registry) Wait() { r.inflight.Wait() }

type sessionIDKey struct{}

// WithSessionID attaches the owning session id to ctx for tool logging.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

func parseArgs(inputJSON string) (map[string]any, error) {
	if strings.TrimSpace(inputJSON) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &args); err != nil {
		return nil, fmt.Errorf("tooldispatch: parsing tool input: %w", err)
	}
	return args, nil
}
