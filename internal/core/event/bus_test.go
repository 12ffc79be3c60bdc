package event

import (
	"testing"
	"time"

	"github.com/link-assistant/agent/internal/core/types"
)

func TestBusOrderingPerSession(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(Filter{SessionID: "s1"})
	defer sub.Cancel()

	b.Publish(types.Event{Kind: types.EventTextDelta, SessionID: "s1"})
	b.Publish(types.Event{Kind: types.EventTextFinal, SessionID: "s1"})

	e1 := <-sub.Events
	e2 := <-sub.Events
	if e1.Seq >= e2.Seq {
		t.Fatalf("expected e1.Seq < e2.Seq, got %d >= %d", e1.Seq, e2.Seq)
	}
	if e1.Kind != types.EventTextDelta || e2.Kind != types.EventTextFinal {
		t.Fatalf("events delivered out of order: %v then %v", e1.Kind, e2.Kind)
	}
}

func TestBusFilterBySessionAndKind(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(Filter{SessionID: "s1", Kinds: map[types.EventKind]bool{types.EventError: true}})
	defer sub.Cancel()

	b.Publish(types.Event{Kind: types.EventTextDelta, SessionID: "s1"})
	b.Publish(types.Event{Kind: types.EventError, SessionID: "s1"})
	b.Publish(types.Event{Kind: types.EventError, SessionID: "other"})

	select {
	case e := <-sub.Events:
		if e.Kind != types.EventError || e.SessionID != "s1" {
			t.Fatalf("unexpected event delivered: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case e := <-sub.Events:
		t.Fatalf("unexpected second event delivered: %+v", e)
	default:
	}
}

func TestBusPublishNeverBlocksOnFullBuffer(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(Filter{SessionID: "s1"})
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(types.Event{Kind: types.EventTextDelta, SessionID: "s1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}

func TestBusCancelIdempotent(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(Filter{SessionID: "s1"})
	sub.Cancel()
	sub.Cancel() // must not panic
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", b.SubscriberCount())
	}
}

func TestIdleStateDerivation(t *testing.T) {
	notIdle := IdleState{LastAssistantFinished: true, PendingToolCalls: 1}
	if notIdle.Idle() {
		t.Fatal("expected not idle while a tool call is pending")
	}
	idle := IdleState{LastAssistantFinished: true, PendingToolCalls: 0}
	if !idle.Idle() {
		t.Fatal("expected idle once assistant finished with no pending tool calls")
	}
	errored := IdleState{TerminalErrorSeen: true}
	if !errored.Idle() {
		t.Fatal("expected idle once a terminal error has been published")
	}
}
