// Package driver implements runtime.TurnDriver: it turns a resolved
// SDKHandle plus a message history into the stream.Delta/error channel
// pair C6 folds over. One function per provider package translates that
// provider's native streaming (or, where the ecosystem client has no
// streaming call worth reaching for, a single complete-then-finish
// sequence) into the shared Delta vocabulary.
//
// Grounded on haasonsaas-nexus's internal/agent/providers package: one
// struct per provider, a createStream/processStream split per provider,
// and the same content_block_start/delta/stop state machine for Anthropic
// this module's Stream Processor generalizes from.
package driver

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/link-assistant/agent/internal/core/stream"
	"github.com/link-assistant/agent/internal/core/types"
)

// Driver is the default runtime.TurnDriver, dispatching on the concrete
// type held by an SDKHandle's Client field.
type Driver struct {
	Tools func() []ToolDef // tool definitions offered to every provider, if any
}

// ToolDef is a provider-agnostic tool declaration, converted to each
// provider SDK's own tool/function-schema shape per call.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// StreamTurn implements runtime.TurnDriver.
func (d *Driver) StreamTurn(ctx context.Context, handle *types.SDKHandle, history []types.Message, systemPrompt []string) (<-chan stream.Delta, <-chan error) {
	var tools []ToolDef
	if d.Tools != nil {
		tools = d.Tools()
	}

	switch client := handle.Client.(type) {
	case *anthropic.Client:
		return streamAnthropic(ctx, client, handle.Model, history, systemPrompt, tools)
	case *openai.Client:
		return streamOpenAI(ctx, client, handle.Model, history, systemPrompt, tools)
	case *genai.Client:
		return streamGoogle(ctx, client, handle.Model, history, systemPrompt, tools)
	case *api.Client:
		return streamOllama(ctx, client, handle.Model, history, systemPrompt, tools)
	case *bedrockruntime.Client:
		return streamBedrock(ctx, client, handle.Model, history, systemPrompt, tools)
	default:
		errCh := make(chan error, 1)
		errCh <- fmt.Errorf("driver: unsupported SDK handle type %T for provider %q", handle.Client, handle.Provider)
		close(errCh)
		deltas := make(chan stream.Delta)
		close(deltas)
		return deltas, errCh
	}
}

// flattenText concatenates every text part of msg into one string, the
// plain-text content the adapters below send for a message.
func flattenText(msg types.Message) string {
	var out string
	for _, p := range msg.Parts {
		if p.Kind == types.PartText {
			out += p.Text
		}
	}
	return out
}
