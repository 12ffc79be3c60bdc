package driver

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/link-assistant/agent/internal/core/stream"
	"github.com/link-assistant/agent/internal/core/types"
)

const anthropicDefaultMaxTokens = 4096

func anthropicMessages(history []types.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case types.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(flattenText(msg))))
		case types.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			for _, p := range msg.Parts {
				switch p.Kind {
				case types.PartText:
					if p.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(p.Text))
					}
				case types.PartToolCall:
					var input any
					_ = json.Unmarshal([]byte(p.InputJSON), &input)
					blocks = append(blocks, anthropic.NewToolUseBlock(p.CallID, input, p.ToolName))
				}
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
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
				out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(p.CallID, content, !p.ResultOK)))
			}
		}
	}
	return out
}

func anthropicTools(tools []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: t.InputSchema["properties"],
		}, t.Name))
	}
	return out
}

// streamAnthropic drives one turn via Messages.NewStreaming, folding the
// content_block_start/delta/stop and message_delta/stop SSE events into
// stream.Delta values. Grounded exactly on the event-type switch in
// haasonsaas-nexus's AnthropicProvider.processStream: tool calls arrive as
// a content_block_start(tool_use) carrying {id,name} followed by zero or
// more input_json_delta fragments and a content_block_stop that finalizes
// the accumulated JSON.
func streamAnthropic(ctx context.Context, client *anthropic.Client, model string, history []types.Message, systemPrompt []string, tools []ToolDef) (<-chan stream.Delta, <-chan error) {
	deltas := make(chan stream.Delta, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			Messages:  anthropicMessages(history),
			MaxTokens: anthropicDefaultMaxTokens,
		}
		if sys := strings.Join(systemPrompt, "\n\n"); sys != "" {
			params.System = []anthropic.TextBlockParam{{Text: sys}}
		}
		if len(tools) > 0 {
			params.Tools = anthropicTools(tools)
		}

		sseStream := client.Messages.NewStreaming(ctx, params)

		var toolCallID, toolName string
		var toolInput strings.Builder
		var inputTokens, outputTokens int64

		for sseStream.Next() {
			event := sseStream.Current()
			switch event.Type {
			case "message_start":
				ms := event.AsMessageStart()
				if ms.Message.Usage.InputTokens > 0 {
					inputTokens = ms.Message.Usage.InputTokens
				}

			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					tu := block.AsToolUse()
					toolCallID, toolName = tu.ID, tu.Name
					toolInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						deltas <- stream.Delta{Kind: stream.DeltaText, Chunk: delta.Text}
					}
				case "input_json_delta":
					toolInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if toolCallID != "" {
					deltas <- stream.Delta{
						Kind: stream.DeltaToolCall, CallID: toolCallID, ToolName: toolName,
						InputJSON: toolInput.String(),
					}
					toolCallID, toolName = "", ""
				}

			case "message_delta":
				md := event.AsMessageDelta()
				if md.Usage.OutputTokens > 0 {
					outputTokens = md.Usage.OutputTokens
				}
				if string(md.Delta.StopReason) != "" {
					deltas <- stream.Delta{
						Kind: stream.DeltaFinish, RawReason: string(md.Delta.StopReason),
						RawUsage: map[string]any{"input": inputTokens, "output": outputTokens},
					}
				}

			case "message_stop":
				return
			}
		}

		if err := sseStream.Err(); err != nil {
			errs <- err
			return
		}
		if ctx.Err() != nil {
			errs <- ctx.Err()
		}
	}()

	return deltas, errs
}
