package runtime

import (
	"context"
	"reflect"
	"testing"

	"github.com/link-assistant/agent/internal/core/catalog"
	"github.com/link-assistant/agent/internal/core/event"
	"github.com/link-assistant/agent/internal/core/provider"
	"github.com/link-assistant/agent/internal/core/stream"
	"github.com/link-assistant/agent/internal/core/types"
)

// fakeDriver replays one canned StreamTurn response per call, in order,
// letting a test drive Loop.Run through a fixed sequence of turns without
// a real provider SDK.
type fakeDriver struct {
	turns [][]stream.Delta
	calls int
}

func (f *fakeDriver) StreamTurn(ctx context.Context, handle *types.SDKHandle, history []types.Message, systemPrompt []string) (<-chan stream.Delta, <-chan error) {
	deltas := make(chan stream.Delta, len(f.turns[f.calls]))
	for _, d := range f.turns[f.calls] {
		deltas <- d
	}
	close(deltas)
	f.calls++
	errs := make(chan error)
	close(errs)
	return deltas, errs
}

// fakeDispatcher invokes a canned result for every callID synchronously so
// AwaitPending resolves without needing a real tool registry.
type fakeDispatcher struct {
	results map[string]stream.ToolOutcome
	out     chan stream.ToolOutcome
}

func newFakeDispatcher(results map[string]stream.ToolOutcome) *fakeDispatcher {
	return &fakeDispatcher{results: results, out: make(chan stream.ToolOutcome, len(results))}
}

func (f *fakeDispatcher) Invoke(ctx context.Context, callID, toolName, inputJSON string) {
	f.out <- f.results[callID]
}

func (f *fakeDispatcher) Results() <-chan stream.ToolOutcome { return f.out }

func TestLoopRunDrivesToolCallTurnToCompletion(t *testing.T) {
	bus := event.New(nil)
	dispatcher := newFakeDispatcher(map[string]stream.ToolOutcome{
		"call-1": {CallID: "call-1", OK: true, Value: map[string]any{"ok": true}},
	})
	processor := stream.New(bus, dispatcher, nil, nil)

	driver := &fakeDriver{turns: [][]stream.Delta{
		{
			{Kind: stream.DeltaToolCall, CallID: "call-1", ToolName: "bash", InputJSON: `{"command":"echo hi"}`},
			{Kind: stream.DeltaFinish, RawUsage: map[string]any{"input": 10.0, "output": 5.0}},
		},
		{
			{Kind: stream.DeltaText, PartID: "p1", Chunk: "done"},
			{Kind: stream.DeltaFinish, RawReason: "stop", RawUsage: map[string]any{"input": 3.0, "output": 2.0}},
		},
	}}

	cat := catalog.New(catalog.Config{CacheDir: t.TempDir()})
	resolver := provider.New(context.Background(), provider.Config{
		Catalog: cat,
		Build: func(ctx context.Context, rec *types.ProviderRecord, realModelID string, options map[string]any) (any, error) {
			return "fake-client", nil
		},
	})

	loop := &Loop{Bus: bus, Resolver: resolver, Processor: processor, Driver: driver}

	rec := NewRecord(NewSessionID())
	if err := loop.Run(context.Background(), rec, "anthropic", "claude-sonnet-4-5", nil); err != nil {
		t.Fatalf("Loop.Run() error = %v", err)
	}

	var toolResult *types.Message
	for i := range rec.Messages {
		if rec.Messages[i].Role == types.RoleTool {
			toolResult = &rec.Messages[i]
		}
	}
	if toolResult == nil {
		t.Fatal("expected a RoleTool message in the resulting history, found none")
	}
	if len(toolResult.Parts) != 1 {
		t.Fatalf("expected 1 tool-result part, got %d", len(toolResult.Parts))
	}
	part := toolResult.Parts[0]
	if part.Kind != types.PartToolResult {
		t.Fatalf("expected Kind = PartToolResult, got %q", part.Kind)
	}
	if part.CallID != "call-1" {
		t.Fatalf("expected CallID = call-1, got %q", part.CallID)
	}
	if !part.ResultOK {
		t.Fatal("expected ResultOK = true")
	}
	if driver.calls != 2 {
		t.Fatalf("expected the driver to be called for 2 turns (tool-calls then stop), got %d", driver.calls)
	}
}

func TestComposeSystemPromptNoOverrideJoinsAtMostTwoEntries(t *testing.T) {
	got := ComposeSystemPrompt(SystemPromptParts{
		ProviderHeader:     "provider-header ",
		ModelFamilyPrompt:  "model-family",
		EnvironmentContext: "env-context ",
		CustomInstructions: "custom",
	})
	want := []string{"provider-header model-family", "env-context custom"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ComposeSystemPrompt() = %#v, want %#v", got, want)
	}
}

func TestComposeSystemPromptUserOverrideVerbatim(t *testing.T) {
	got := ComposeSystemPrompt(SystemPromptParts{UserOverrideSet: true, UserOverride: "be terse"})
	want := []string{"be terse"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ComposeSystemPrompt() = %#v, want %#v", got, want)
	}
}

func TestComposeSystemPromptOAuthAnthropicPrependsHeaderEvenWhenEmpty(t *testing.T) {
	got := ComposeSystemPrompt(SystemPromptParts{
		UserOverrideSet:     true,
		UserOverride:        "",
		OAuthAnthropic:      true,
		OAuthHeaderRequired: "vendor-header",
	})
	want := []string{"vendor-header"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ComposeSystemPrompt() = %#v, want %#v", got, want)
	}
}

func TestComposeSystemPromptOAuthAnthropicPrependsHeaderWithOverride(t *testing.T) {
	got := ComposeSystemPrompt(SystemPromptParts{
		UserOverrideSet:     true,
		UserOverride:        "be terse",
		OAuthAnthropic:      true,
		OAuthHeaderRequired: "vendor-header",
	})
	want := []string{"vendor-header", "be terse"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ComposeSystemPrompt() = %#v, want %#v", got, want)
	}
}

func TestComposeSystemPromptEmptyOverrideNoOAuthReturnsEmptySlice(t *testing.T) {
	got := ComposeSystemPrompt(SystemPromptParts{UserOverrideSet: true, UserOverride: ""})
	if len(got) != 0 {
		t.Fatalf("expected an empty slice, got %#v", got)
	}
}
