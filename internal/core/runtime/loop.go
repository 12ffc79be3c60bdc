package runtime

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/link-assistant/agent/internal/core/event"
	"github.com/link-assistant/agent/internal/core/provider"
	"github.com/link-assistant/agent/internal/core/stream"
	"github.com/link-assistant/agent/internal/core/tracing"
	"github.com/link-assistant/agent/internal/core/types"
	agenterr "github.com/link-assistant/agent/internal/errors"
)

// State tags the S0-S5 agentic loop steps.
type State string

const (
	StateInit       State = "init"
	StateBuildTurn  State = "build-turn"
	StateStream     State = "stream"
	StateDecide     State = "decide"
	StateError      State = "error"
	StateTerminate  State = "terminate"
)

// SystemPromptParts is the system-prompt composition contract (spec
// §4.7): an external collaborator supplies the provider header, the
// model-family prompt, environment context and custom instructions; the
// runtime only enforces the "at most two entries" and OAuth-header rules.
type SystemPromptParts struct {
	ProviderHeader      string
	ModelFamilyPrompt   string
	EnvironmentContext  string
	CustomInstructions  string
	UserOverride        string
	UserOverrideSet     bool
	OAuthAnthropic      bool
	OAuthHeaderRequired string
}

// ComposeSystemPrompt implements the system-prompt composition rules.
func ComposeSystemPrompt(p SystemPromptParts) []string {
	if p.UserOverrideSet {
		if p.UserOverride == "" {
			if p.OAuthAnthropic {
				return []string{p.OAuthHeaderRequired}
			}
			return []string{}
		}
		if p.OAuthAnthropic {
			return []string{p.OAuthHeaderRequired, p.UserOverride}
		}
		return []string{p.UserOverride}
	}

	first := p.ProviderHeader + p.ModelFamilyPrompt
	second := p.EnvironmentContext + p.CustomInstructions
	out := make([]string, 0, 2)
	if first != "" {
		out = append(out, first)
	}
	if second != "" {
		out = append(out, second)
	}
	return out
}

// TurnDriver is the external collaborator that turns a message history
// into a provider delta stream for the loop.
type TurnDriver interface {
	// StreamTurn invokes the resolved model via C5 and feeds C6 the raw
	// delta/parse-error channels for one step.
	StreamTurn(ctx context.Context, handle *types.SDKHandle, history []types.Message, systemPrompt []string) (<-chan stream.Delta, <-chan error)
}

// Loop drives one session through S0-S5.
type Loop struct {
	Bus        *event.Bus
	Resolver   *provider.Resolver
	Processor  *stream.Processor
	Driver     TurnDriver
	Store      *Store
	Logger     *log.Logger
	RetryBudget func(err error) bool // reports whether a retryable error still has budget left
}

// Run executes the full agentic loop for one user turn appended to rec,
// returning once SessionIdle would be published (i.e. S5 reached).
func (l *Loop) Run(ctx context.Context, rec *Record, providerID, modelID string, systemPrompt []string) error {
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}

	// S0: Init — provider/model identity frozen for the lifetime of this loop.
	handle, model, err := l.Resolver.GetModel(ctx, providerID, modelID)
	if err != nil {
		return err
	}
	rec.Metadata.Provider = providerID
	rec.Metadata.Model = model.RealID

	state := StateBuildTurn
	stepIndex := 0

	for {
		switch state {
		case StateBuildTurn:
			// S1: compose history + system prompt, handled by the caller
			// appending the user message to rec before Run is invoked.
			state = StateStream

		case StateStream:
			spanCtx, span := tracing.StartProviderCall(ctx, rec.ID, providerID, model.RealID)
			deltas, parseErrs := l.Driver.StreamTurn(spanCtx, handle, rec.Messages, systemPrompt)
			turn := &stream.Turn{SessionID: rec.ID, StepIndex: stepIndex}
			result, runErr := l.Processor.Run(spanCtx, turn, deltas, parseErrs)
			tracing.End(span, runErr)
			stepIndex++
			if runErr != nil {
				err = runErr
				state = StateError
				continue
			}

			if result.FinishReason() == types.FinishToolCalls || result.HasPendingToolCalls() {
				if awaitErr := l.Processor.AwaitPending(ctx, result); awaitErr != nil {
					err = awaitErr
					state = StateError
					continue
				}
			}

			usage := result.Usage()
			rec.Usage.Add(usage)
			rec.Messages = append(rec.Messages, types.Message{
				ID: NewMessageID(), SessionID: rec.ID, Role: types.RoleAssistant,
				Parts: result.Parts(), Finished: true,
			})

			if toolResults := toolResultParts(result.Parts()); len(toolResults) > 0 {
				rec.Messages = append(rec.Messages, types.Message{
					ID: NewMessageID(), SessionID: rec.ID, Role: types.RoleTool,
					Parts: toolResults, Finished: true,
				})
			}

			state = decideNext(result)

		case StateDecide:
			// folded into StateStream's transition above; unreachable.
			state = StateTerminate

		case StateError:
			if l.RetryBudget != nil && l.RetryBudget(err) {
				state = StateStream
				continue
			}
			state = StateTerminate

		case StateTerminate:
			l.Bus.Publish(types.Event{Kind: types.EventSessionIdle, SessionID: rec.ID,
				Data: map[string]any{"usage": rec.Usage}})
			if l.Store != nil {
				return l.Store.Save(rec)
			}
			return nil

		default:
			return fmt.Errorf("runtime: unreachable state %q", state)
		}
	}
}

// toolResultParts projects a turn's completed tool-call parts into the
// PartToolResult parts a RoleTool message carries back to the provider,
// per the tool-calls -> await -> next-turn cycle every driver adapter
// expects (types.RoleTool messages built from types.PartToolResult parts
// keyed by CallID).
func toolResultParts(parts []types.Part) []types.Part {
	var out []types.Part
	for _, p := range parts {
		if p.Kind != types.PartToolCall || !p.State.Terminal() {
			continue
		}
		out = append(out, types.Part{
			ID:          p.ID,
			Kind:        types.PartToolResult,
			CallID:      p.CallID,
			ResultOK:    p.ResultOK,
			ResultValue: p.ResultValue,
			ResultError: p.ResultError,
		})
	}
	return out
}

// decideNext implements S3's finish-reason dispatch table.
func decideNext(result *stream.Turn) State {
	switch result.FinishReason() {
	case types.FinishToolCalls:
		return StateStream // await pending tool results, then rebuild+restream
	case types.FinishStop, types.FinishLength, types.FinishContentFilter:
		return StateTerminate
	case types.FinishError:
		return StateError
	default:
		if result.HasPendingToolCalls() {
			return StateStream
		}
		return StateError // unknown + zero tokens
	}
}

// ClassifyForRetry adapts agenterr's retry classification to the loop's
// RetryBudget contract, consulting a caller-supplied budget predicate for
// "and budget remaining".
func ClassifyForRetry(hasBudget func() bool) func(error) bool {
	return func(err error) bool {
		if !agenterr.IsRetryable(err) {
			return false
		}
		return hasBudget == nil || hasBudget()
	}
}
