// Package event implements the in-process pub/sub Event Bus (C1): a
// fan-out broadcaster over typed events with per-subscriber buffered
// delivery, an idle predicate derived on demand, and idempotent
// unsubscription.
//
// Shaped after goadesign-goa-ai's runtime/agent/hooks.Bus (map of
// subscribers behind a RWMutex, Register/Publish/Close naming) but the
// delivery model is deliberate: a naive bus might call
// subscriber handlers synchronously and fails the whole publish if one
// handler errors. This bus never blocks the publisher — it drops events
// for a slow subscriber once that subscriber's buffer is full, logging a
// warning.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/link-assistant/agent/internal/core/concurrency"
	"github.com/link-assistant/agent/internal/core/types"
)

// Filter restricts delivery to a subscriber. A zero-value Filter matches
// everything.
type Filter struct {
	SessionID string
	Kinds     map[types.EventKind]bool
}

func (f Filter) matches(e types.Event) bool {
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if len(f.Kinds) > 0 && !f.Kinds[e.Kind] {
		return false
	}
	return true
}

// subscription is one registered listener.
type subscription struct {
	id     uint64
	filter Filter
	buf    *concurrency.BoundedChan[types.Event]
}

const defaultBufferSize = 256

// Bus is the process-wide broadcaster. Zero value is not usable; construct
// with New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	seq    concurrency.Map[string, *concurrency.Seq]
	logger *log.Logger
}

// New constructs an empty Bus. logger may be nil, in which case the
// package-level default charmbracelet/log logger is used.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*subscription),
		seq:    concurrency.Map[string, *concurrency.Seq]{},
		logger: logger,
	}
}

// nextSeq returns the next per-session sequence number, starting at 1.
func (b *Bus) nextSeq(sessionID string) uint64 {
	s, _ := b.seq.LoadOrStore(sessionID, func() *concurrency.Seq { return &concurrency.Seq{} })
	return s.Next()
}

// Publish delivers event to every matching subscriber without blocking.
// The caller should leave SessionID set; Seq and At are assigned here so
// ordering is enforced centrally rather than by callers racing a shared
// counter.
func (b *Bus) Publish(e types.Event) types.Event {
	if e.Seq == 0 {
		e.Seq = b.nextSeq(e.SessionID)
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		if !sub.buf.TrySend(e) {
			b.logger.Warn("event bus: dropping event, subscriber buffer full",
				"sessionID", e.SessionID, "kind", e.Kind, "subscriber", sub.id)
		}
	}
	return e
}

// Subscription is returned by Subscribe: Events is a lazy stream, Cancel is
// idempotent.
type Subscription struct {
	Events <-chan types.Event
	Cancel func()
}

// Subscribe registers filter and returns a stream of matching future
// events plus an idempotent cancel function. A subscriber whose consumer
// goroutine panics is isolated: recovering a panic in the consumer does
// not affect other subscribers because each has its own goroutine and
// channel.
func (b *Bus) Subscribe(filter Filter) Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{id: id, filter: filter, buf: concurrency.NewBoundedChan[types.Event](defaultBufferSize)}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return Subscription{Events: sub.buf.Recv(), Cancel: cancel}
}

// SubscriberCount reports how many subscriptions are currently registered;
// used by tests and by the CLI's shutdown path to know whether draining is
// needed.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// IdleState is a re-derivable snapshot used by IdleSignal; it is computed
// fresh on every relevant event rather than retained, per Design Notes §9.
type IdleState struct {
	LastAssistantFinished bool
	PendingToolCalls      int
	TerminalErrorSeen     bool
}

// Idle reports whether the session should be considered idle: either the
// latest assistant message is finished with no pending tool calls, or a
// terminal error event has already been published for the session.
func (s IdleState) Idle() bool {
	return (s.LastAssistantFinished && s.PendingToolCalls == 0) || s.TerminalErrorSeen
}

// IdleSignal returns a channel that is closed once sessionID becomes idle,
// as observed by watching the bus. track is called for every event seen so
// the caller can maintain its own IdleState (the bus itself does not know
// about message/tool-call semantics — that belongs to C6/C7).
func (b *Bus) IdleSignal(ctx context.Context, sessionID string, track func(types.Event) IdleState) <-chan struct{} {
	done := make(chan struct{})
	sub := b.Subscribe(Filter{SessionID: sessionID})

	go func() {
		defer sub.Cancel()
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.Events:
				if !ok {
					return
				}
				if track(e).Idle() {
					return
				}
			}
		}
	}()
	return done
}
