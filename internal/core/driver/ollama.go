package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	api "github.com/ollama/ollama/api"

	"github.com/link-assistant/agent/internal/core/stream"
	"github.com/link-assistant/agent/internal/core/types"
)

func ollamaMessages(history []types.Message, systemPrompt []string) []api.Message {
	out := make([]api.Message, 0, len(history)+1)
	if sys := strings.Join(systemPrompt, "\n\n"); sys != "" {
		out = append(out, api.Message{Role: "system", Content: sys})
	}

	for _, msg := range history {
		switch msg.Role {
		case types.RoleUser:
			out = append(out, api.Message{Role: "user", Content: flattenText(msg)})

		case types.RoleAssistant:
			m := api.Message{Role: "assistant", Content: flattenText(msg)}
			for _, p := range msg.Parts {
				if p.Kind == types.PartToolCall {
					var args map[string]any
					_ = json.Unmarshal([]byte(p.InputJSON), &args)
					m.ToolCalls = append(m.ToolCalls, api.ToolCall{
						Function: api.ToolCallFunction{Name: p.ToolName, Arguments: args},
					})
				}
			}
			out = append(out, m)

		case types.RoleTool:
			for _, p := range msg.Parts {
				if p.Kind != types.PartToolResult {
					continue
				}
				content := p.ResultError
				if p.ResultOK {
					raw, _ := json.Marshal(p.ResultValue)
					content = string(raw)
				}
				out = append(out, api.Message{Role: "tool", Content: content})
			}
		}
	}
	return out
}

func ollamaTools(tools []ToolDef) []api.Tool {
	out := make([]api.Tool, 0, len(tools))
	for _, t := range tools {
		tool := api.Tool{Type: "function"}
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		if typ, ok := t.InputSchema["type"].(string); ok {
			tool.Function.Parameters.Type = typ
		}
		if req, ok := t.InputSchema["required"].([]string); ok {
			tool.Function.Parameters.Required = req
		}
		out = append(out, tool)
	}
	return out
}

// streamOllama drives one turn via api.Client.Chat with Stream enabled.
// Ollama assigns no call ids, so one is synthesized per call the same way
// the Google adapter does.
func streamOllama(ctx context.Context, client *api.Client, model string, history []types.Message, systemPrompt []string, tools []ToolDef) (<-chan stream.Delta, <-chan error) {
	deltas := make(chan stream.Delta, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		streamFlag := true
		req := &api.ChatRequest{
			Model:    model,
			Messages: ollamaMessages(history, systemPrompt),
			Stream:   &streamFlag,
		}
		if len(tools) > 0 {
			req.Tools = ollamaTools(tools)
		}

		emittedCalls := map[int]bool{}
		var inputTokens, outputTokens int

		err := client.Chat(ctx, req, func(r api.ChatResponse) error {
			if r.Message.Content != "" {
				deltas <- stream.Delta{Kind: stream.DeltaText, Chunk: r.Message.Content}
			}
			for i, tc := range r.Message.ToolCalls {
				if emittedCalls[i] {
					continue
				}
				emittedCalls[i] = true
				argsJSON, err := json.Marshal(tc.Function.Arguments)
				if err != nil {
					argsJSON = []byte("{}")
				}
				callID := fmt.Sprintf("call_%s_%d", tc.Function.Name, time.Now().UnixNano())
				deltas <- stream.Delta{Kind: stream.DeltaToolCall, CallID: callID, ToolName: tc.Function.Name, InputJSON: string(argsJSON)}
			}
			if r.Done {
				inputTokens = r.PromptEvalCount
				outputTokens = r.EvalCount
			}
			return nil
		})
		if err != nil {
			errs <- err
			return
		}

		deltas <- stream.Delta{
			Kind: stream.DeltaFinish, RawReason: "stop",
			RawUsage: map[string]any{"input": inputTokens, "output": outputTokens},
		}
	}()

	return deltas, errs
}
