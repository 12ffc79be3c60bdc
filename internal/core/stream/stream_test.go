package stream

import (
	"context"
	"testing"
	"time"

	"github.com/link-assistant/agent/internal/core/event"
	"github.com/link-assistant/agent/internal/core/types"
)

type fakeDispatcher struct {
	results chan ToolOutcome
	invoked []string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{results: make(chan ToolOutcome, 8)}
}

func (f *fakeDispatcher) Invoke(ctx context.Context, callID, toolName, inputJSON string) {
	f.invoked = append(f.invoked, callID)
	// simulate an async tool completing shortly after.
	go func() {
		f.results <- ToolOutcome{CallID: callID, OK: true, Value: "ok"}
	}()
}

func (f *fakeDispatcher) Results() <-chan ToolOutcome { return f.results }

func TestProcessorEveryToolCallReachesTerminalState(t *testing.T) {
	bus := event.New(nil)
	disp := newFakeDispatcher()
	proc := New(bus, disp, nil, nil)

	deltas := make(chan Delta, 8)
	parseErrs := make(chan error)
	deltas <- Delta{Kind: DeltaToolCall, CallID: "c1", ToolName: "bash", InputJSON: `{"command":"ls"}`}
	deltas <- Delta{Kind: DeltaFinish, RawReason: "", RawUsage: map[string]any{}}
	close(deltas)

	turn := &Turn{SessionID: "s1"}
	result, err := proc.Run(context.Background(), turn, deltas, parseErrs)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		st, ok := result.pending["c1"]
		if ok && st.Terminal() {
			break
		}
		select {
		case out := <-disp.results:
			proc.applyToolResult(result, out.CallID, out.OK, out.Value, out.ErrorMsg)
		case <-deadline:
			t.Fatal("tool call c1 never reached a terminal state")
		}
	}

	if result.finishReason != types.FinishToolCalls {
		t.Fatalf("expected unknown-with-pending-calls to upgrade to tool-calls, got %q", result.finishReason)
	}
}

func TestProcessorDropsDuplicateTerminalTransition(t *testing.T) {
	bus := event.New(nil)
	disp := newFakeDispatcher()
	proc := New(bus, disp, nil, nil)

	turn := &Turn{SessionID: "s1", pending: map[string]types.ToolCallState{}, partIndex: map[string]int{}}
	proc.addToolCall(turn, "c1", "bash", "{}")
	proc.applyToolResult(turn, "c1", true, "first", "")
	proc.applyToolResult(turn, "c1", false, nil, "second should be dropped")

	if turn.pending["c1"] != types.ToolCallCompleted {
		t.Fatalf("expected state to remain completed after duplicate transition, got %q", turn.pending["c1"])
	}
}

func TestProcessorSkipsMalformedChunkAndContinues(t *testing.T) {
	bus := event.New(nil)
	disp := newFakeDispatcher()
	proc := New(bus, disp, nil, nil)

	deltas := make(chan Delta, 4)
	parseErrs := make(chan error, 1)
	parseErrs <- errBadChunk
	deltas <- Delta{Kind: DeltaText, PartID: "p1", Chunk: "4"}
	deltas <- Delta{Kind: DeltaFinish, RawReason: "stop", RawUsage: map[string]any{"input": 5.0, "output": 1.0}}
	close(deltas)
	close(parseErrs)

	turn := &Turn{SessionID: "s1"}
	result, err := proc.Run(context.Background(), turn, deltas, parseErrs)
	if err != nil {
		t.Fatal(err)
	}
	if result.finishReason != types.FinishStop {
		t.Fatalf("expected stream to continue past the malformed chunk to StepFinish, got %q", result.finishReason)
	}
}

var errBadChunk = &parseError{"unexpected token"}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }
