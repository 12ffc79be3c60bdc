package driver

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/link-assistant/agent/internal/core/stream"
	"github.com/link-assistant/agent/internal/core/types"
)

func openaiMessages(history []types.Message, systemPrompt []string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if sys := strings.Join(systemPrompt, "\n\n"); sys != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: sys})
	}

	for _, msg := range history {
		switch msg.Role {
		case types.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: flattenText(msg)})

		case types.RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: flattenText(msg)}
			for _, p := range msg.Parts {
				if p.Kind == types.PartToolCall {
					m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
						ID:   p.CallID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      p.ToolName,
							Arguments: p.InputJSON,
						},
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
				out = append(out, openai.ChatCompletionMessage{
					Role: openai.ChatMessageRoleTool, Content: content, ToolCallID: p.CallID,
				})
			}
		}
	}
	return out
}

func openaiTools(tools []ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

// streamOpenAI drives one turn via CreateChatCompletionStream. Grounded on
// haasonsaas-nexus's OpenAIProvider.processStream: tool call fragments
// arrive indexed by position and are assembled across chunks, finalized
// once the stream reports finish_reason "tool_calls" or hits io.EOF.
func streamOpenAI(ctx context.Context, client *openai.Client, model string, history []types.Message, systemPrompt []string, tools []ToolDef) (<-chan stream.Delta, <-chan error) {
	deltas := make(chan stream.Delta, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		req := openai.ChatCompletionRequest{
			Model:    model,
			Messages: openaiMessages(history, systemPrompt),
			Stream:   true,
		}
		if len(tools) > 0 {
			req.Tools = openaiTools(tools)
		}

		respStream, err := client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		defer respStream.Close()

		type accumCall struct {
			id, name string
			input    strings.Builder
		}
		calls := map[int]*accumCall{}
		order := []int{}
		var usage map[string]any

		emitCalls := func() {
			for _, idx := range order {
				c := calls[idx]
				if c == nil || c.id == "" || c.name == "" {
					continue
				}
				deltas <- stream.Delta{Kind: stream.DeltaToolCall, CallID: c.id, ToolName: c.name, InputJSON: c.input.String()}
			}
			calls = map[int]*accumCall{}
			order = nil
		}

		for {
			resp, err := respStream.Recv()
			if err != nil {
				if err == io.EOF {
					emitCalls()
					deltas <- stream.Delta{Kind: stream.DeltaFinish, RawReason: "stop", RawUsage: usage}
					return
				}
				errs <- err
				return
			}

			if resp.Usage != nil {
				usage = map[string]any{
					"input":  resp.Usage.PromptTokens,
					"output": resp.Usage.CompletionTokens,
				}
			}

			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			delta := choice.Delta

			if delta.Content != "" {
				deltas <- stream.Delta{Kind: stream.DeltaText, Chunk: delta.Content}
			}

			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				c, ok := calls[idx]
				if !ok {
					c = &accumCall{}
					calls[idx] = c
					order = append(order, idx)
				}
				if tc.ID != "" {
					c.id = tc.ID
				}
				if tc.Function.Name != "" {
					c.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					c.input.WriteString(tc.Function.Arguments)
				}
			}

			if choice.FinishReason == openai.FinishReasonToolCalls {
				emitCalls()
			} else if choice.FinishReason != "" {
				emitCalls()
				deltas <- stream.Delta{Kind: stream.DeltaFinish, RawReason: string(choice.FinishReason), RawUsage: usage}
				return
			}
		}
	}()

	return deltas, errs
}
