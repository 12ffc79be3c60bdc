package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/link-assistant/agent/internal/core/stream"
	"github.com/link-assistant/agent/internal/core/types"
)

func googleContents(history []types.Message) []*genai.Content {
	var out []*genai.Content
	for _, msg := range history {
		content := &genai.Content{}
		switch msg.Role {
		case types.RoleUser:
			content.Role = genai.RoleUser
		case types.RoleAssistant:
			content.Role = genai.RoleModel
		case types.RoleTool:
			content.Role = genai.RoleUser
		default:
			content.Role = genai.RoleUser
		}

		for _, p := range msg.Parts {
			switch p.Kind {
			case types.PartText:
				if p.Text != "" {
					content.Parts = append(content.Parts, &genai.Part{Text: p.Text})
				}
			case types.PartToolCall:
				var args map[string]any
				_ = json.Unmarshal([]byte(p.InputJSON), &args)
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: p.ToolName, Args: args},
				})
			case types.PartToolResult:
				response := map[string]any{}
				if p.ResultOK {
					raw, _ := json.Marshal(p.ResultValue)
					_ = json.Unmarshal(raw, &response)
				} else {
					response = map[string]any{"error": p.ResultError}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{Name: p.ToolName, Response: response},
				})
			}
		}

		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

func googleConfig(systemPrompt []string, tools []ToolDef) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if sys := strings.Join(systemPrompt, "\n\n"); sys != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: sys}}}
	}
	for _, t := range tools {
		cfg.Tools = append(cfg.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  googleSchema(t.InputSchema),
			}},
		})
	}
	return cfg
}

func googleSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if typ, ok := schema["type"].(string); ok {
		s.Type = googleType(typ)
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = map[string]*genai.Schema{}
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = googleSchema(propMap)
			}
		}
	}
	if req, ok := schema["required"].([]string); ok {
		s.Required = req
	}
	return s
}

func googleType(typ string) genai.Type {
	switch typ {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

// streamGoogle drives one turn via Models.GenerateContentStream, iterating
// the Go 1.23 iter.Seq2 response the way haasonsaas-nexus's
// GoogleProvider.processStreamResponse does. Gemini never assigns tool call
// ids, so one is synthesized per call the way that provider does.
func streamGoogle(ctx context.Context, client *genai.Client, model string, history []types.Message, systemPrompt []string, tools []ToolDef) (<-chan stream.Delta, <-chan error) {
	deltas := make(chan stream.Delta, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		contents := googleContents(history)
		cfg := googleConfig(systemPrompt, tools)

		var inputTokens, outputTokens int64
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				errs <- err
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				inputTokens = int64(resp.UsageMetadata.PromptTokenCount)
				outputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						deltas <- stream.Delta{Kind: stream.DeltaText, Chunk: part.Text}
					}
					if part.FunctionCall != nil {
						argsJSON, err := json.Marshal(part.FunctionCall.Args)
						if err != nil {
							argsJSON = []byte("{}")
						}
						deltas <- stream.Delta{
							Kind: stream.DeltaToolCall,
							CallID: fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, time.Now().UnixNano()),
							ToolName:  part.FunctionCall.Name,
							InputJSON: string(argsJSON),
						}
					}
				}
			}
		}

		if ctx.Err() != nil {
			errs <- ctx.Err()
			return
		}
		deltas <- stream.Delta{
			Kind: stream.DeltaFinish, RawReason: "stop",
			RawUsage: map[string]any{"input": inputTokens, "output": outputTokens},
		}
	}()

	return deltas, errs
}
