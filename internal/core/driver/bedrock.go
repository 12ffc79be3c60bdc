package driver

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/link-assistant/agent/internal/core/stream"
	"github.com/link-assistant/agent/internal/core/types"
)

func bedrockMessages(history []types.Message) []brtypes.Message {
	out := make([]brtypes.Message, 0, len(history))
	for _, msg := range history {
		var content []brtypes.ContentBlock
		role := brtypes.ConversationRoleUser
		if msg.Role == types.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}

		for _, p := range msg.Parts {
			switch p.Kind {
			case types.PartText:
				if p.Text != "" {
					content = append(content, &brtypes.ContentBlockMemberText{Value: p.Text})
				}
			case types.PartToolCall:
				var input any
				_ = json.Unmarshal([]byte(p.InputJSON), &input)
				content = append(content, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(p.CallID),
						Name:      aws.String(p.ToolName),
						Input:     document.NewLazyDocument(input),
					},
				})
			case types.PartToolResult:
				text := p.ResultError
				if p.ResultOK {
					raw, _ := json.Marshal(p.ResultValue)
					text = string(raw)
				}
				content = append(content, &brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(p.CallID),
						Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: text}},
					},
				})
			}
		}

		if len(content) > 0 {
			out = append(out, brtypes.Message{Role: role, Content: content})
		}
	}
	return out
}

func bedrockToolConfig(tools []ToolDef) *brtypes.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	cfg := &brtypes.ToolConfiguration{}
	for _, t := range tools {
		cfg.Tools = append(cfg.Tools, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(t.InputSchema)},
			},
		})
	}
	return cfg
}

// streamBedrock drives one turn via ConverseStream, folding the
// content-block start/delta/stop and message-stop events the same way the
// haasonsaas-nexus Bedrock provider's processStream does: a tool call's
// input arrives as string fragments across ContentBlockDeltaMemberToolUse
// events and is finalized at ContentBlockStop.
func streamBedrock(ctx context.Context, client *bedrockruntime.Client, model string, history []types.Message, systemPrompt []string, tools []ToolDef) (<-chan stream.Delta, <-chan error) {
	deltas := make(chan stream.Delta, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		input := &bedrockruntime.ConverseStreamInput{
			ModelId:   aws.String(model),
			Messages:  bedrockMessages(history),
			ToolConfig: bedrockToolConfig(tools),
		}
		if sys := strings.Join(systemPrompt, "\n\n"); sys != "" {
			input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: sys}}
		}

		out, err := client.ConverseStream(ctx, input)
		if err != nil {
			errs <- err
			return
		}

		eventStream := out.GetStream()
		defer eventStream.Close()

		var toolCallID, toolName string
		var toolInput strings.Builder
		var inputTokens, outputTokens int32

		for event := range eventStream.Events() {
			switch ev := event.(type) {
			case *brtypes.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
					toolCallID = aws.ToString(toolUse.Value.ToolUseId)
					toolName = aws.ToString(toolUse.Value.Name)
					toolInput.Reset()
				}

			case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *brtypes.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						deltas <- stream.Delta{Kind: stream.DeltaText, Chunk: delta.Value}
					}
				case *brtypes.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}

			case *brtypes.ConverseStreamOutputMemberContentBlockStop:
				if toolCallID != "" {
					deltas <- stream.Delta{Kind: stream.DeltaToolCall, CallID: toolCallID, ToolName: toolName, InputJSON: toolInput.String()}
					toolCallID, toolName = "", ""
				}

			case *brtypes.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					inputTokens = ev.Value.Usage.InputTokens
					outputTokens = ev.Value.Usage.OutputTokens
				}

			case *brtypes.ConverseStreamOutputMemberMessageStop:
				deltas <- stream.Delta{
					Kind: stream.DeltaFinish, RawReason: string(ev.Value.StopReason),
					RawUsage: map[string]any{"input": inputTokens, "output": outputTokens},
				}
				return
			}
		}

		if err := eventStream.Err(); err != nil {
			errs <- err
			return
		}
		if ctx.Err() != nil {
			errs <- ctx.Err()
		}
	}()

	return deltas, errs
}
