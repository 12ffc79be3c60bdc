// Package stream implements the Stream Processor (C6), the hardest
// component: a fold over a provider-agnostic sequence of typed deltas that
// materializes assistant message parts, drives tool invocations through a
// Dispatcher, and normalizes finish reasons and usage.
//
// Restructured from a per-provider *StreamToolCallChecker
// functions in internal/agent/streaming.go (which only returned
// (hasToolCalls, content, error) per provider) into the typed turn state
// machine every provider's delta sequence must drive, so each provider drives the
// same fold regardless of its wire shape.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/charmbracelet/log"

	"github.com/link-assistant/agent/internal/core/event"
	"github.com/link-assistant/agent/internal/core/types"
)

// DeltaKind tags a Delta's variant.
type DeltaKind string

const (
	DeltaText       DeltaKind = "text-delta"
	DeltaToolCall   DeltaKind = "tool-call"
	DeltaToolResult DeltaKind = "tool-result"
	DeltaFinish     DeltaKind = "finish"
)

// Delta is one unit consumed from a provider adapter's channel. Only the
// fields relevant to Kind are populated.
type Delta struct {
	Kind DeltaKind

	// text-delta
	PartID string
	Chunk  string

	// tool-call
	CallID    string
	ToolName  string
	InputJSON string

	// tool-result (model-emitted; tool-side results arrive via Dispatcher.Results)
	ResultOK    bool
	ResultValue any
	ResultErr   string

	// finish
	RawReason    string
	RawReasonObj *rawFinishReason
	RawUsage     map[string]any
	ProviderMeta map[string]any
}

// Dispatcher is the capability C6 uses to hand off tool calls without
// blocking the stream (C8's contract).
type Dispatcher interface {
	// Invoke starts executing a tool call asynchronously; the result is
	// correlated by callId and delivered on Results.
	Invoke(ctx context.Context, callID, toolName, inputJSON string)
	// Results yields tool-side completions: (callID, ok, value, errMsg).
	Results() <-chan ToolOutcome
}

// ToolOutcome is a tool-side completion delivered by a Dispatcher.
type ToolOutcome struct {
	CallID   string
	OK       bool
	Value    any
	ErrorMsg string
}

// CostTableLookup resolves a model's cost table for usage*cost accounting.
type CostTableLookup func() types.CostTable

// Turn holds per-step state while folding a delta sequence, matching the
// struct literal.
type Turn struct {
	SessionID  string
	MessageID  string
	StepIndex  int

	parts      []types.Part
	partIndex  map[string]int
	pending    map[string]types.ToolCallState

	usage        types.Usage
	finishReason types.FinishReason
}

// FinishReason returns the turn's normalized terminal status, valid once
// Run has processed a finish delta.
func (t *Turn) FinishReason() types.FinishReason { return t.finishReason }

// HasPendingToolCalls reports whether any tool call has not yet reached a
// terminal state.
func (t *Turn) HasPendingToolCalls() bool {
	for _, st := range t.pending {
		if !st.Terminal() {
			return true
		}
	}
	return false
}

// Usage returns the turn's accumulated token usage.
func (t *Turn) Usage() types.Usage { return t.usage }

// Parts returns the turn's materialized message parts.
func (t *Turn) Parts() []types.Part { return t.parts }

// Processor runs one Turn to completion, emitting events on bus and
// correlating tool calls through dispatcher.
type Processor struct {
	Bus        *event.Bus
	Dispatcher Dispatcher
	CostTable  CostTableLookup
	Logger     *log.Logger
}

// New constructs a Processor. logger defaults to the package logger.
func New(bus *event.Bus, dispatcher Dispatcher, cost CostTableLookup, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{Bus: bus, Dispatcher: dispatcher, CostTable: cost, Logger: logger}
}

// Run folds deltas over turn until the channel closes or a finish delta is
// processed, returning the finished Turn. An error received on parseErrs
// (a malformed chunk) is logged as a warning and skipped rather than
// aborting the stream, per spec §4.6's streaming-robustness rule.
func (p *Processor) Run(ctx context.Context, turn *Turn, deltas <-chan Delta, parseErrs <-chan error) (*Turn, error) {
	turn.partIndex = make(map[string]int)
	turn.pending = make(map[string]types.ToolCallState)

	firstChunk := true

	for {
		select {
		case <-ctx.Done():
			return turn, ctx.Err()

		case err, ok := <-parseErrs:
			if !ok {
				parseErrs = nil
				continue
			}
			p.Logger.Warn("stream: skipping malformed chunk", "err", err)
			continue

		case out, ok := <-p.Dispatcher.Results():
			if !ok {
				continue
			}
			p.applyToolResult(turn, out.CallID, out.OK, out.Value, out.ErrorMsg)

		case d, ok := <-deltas:
			if !ok {
				return turn, nil
			}
			switch d.Kind {
			case DeltaText:
				if firstChunk {
					p.Bus.Publish(types.Event{Kind: types.EventStepStart, SessionID: turn.SessionID,
						Data: map[string]any{"messageId": turn.MessageID, "step": turn.StepIndex}})
					firstChunk = false
				}
				p.appendText(turn, d.PartID, d.Chunk)
				p.Bus.Publish(types.Event{Kind: types.EventTextDelta, SessionID: turn.SessionID,
					Data: map[string]any{"partId": d.PartID, "chunk": d.Chunk}})

			case DeltaToolCall:
				p.addToolCall(turn, d.CallID, d.ToolName, d.InputJSON)
				p.Bus.Publish(types.Event{Kind: types.EventToolCall, SessionID: turn.SessionID,
					Data: map[string]any{"callId": d.CallID, "name": d.ToolName, "input": d.InputJSON}})
				p.Dispatcher.Invoke(ctx, d.CallID, d.ToolName, d.InputJSON)

			case DeltaToolResult:
				p.applyToolResult(turn, d.CallID, d.ResultOK, d.ResultValue, d.ResultErr)

			case DeltaFinish:
				p.finish(turn, d)
				return turn, nil
			}
		}
	}
}

func (p *Processor) appendText(turn *Turn, partID, chunk string) {
	if idx, ok := turn.partIndex[partID]; ok {
		turn.parts[idx].Text += chunk
		return
	}
	turn.partIndex[partID] = len(turn.parts)
	turn.parts = append(turn.parts, types.Part{ID: partID, Kind: types.PartText, Text: chunk})
	p.Bus.Publish(types.Event{Kind: types.EventTextDelta, SessionID: turn.SessionID,
		Data: map[string]any{"partId": partID, "created": true}})
}

func (p *Processor) addToolCall(turn *Turn, callID, name, inputJSON string) {
	turn.parts = append(turn.parts, types.Part{
		ID: callID, Kind: types.PartToolCall, CallID: callID,
		ToolName: name, InputJSON: inputJSON, State: types.ToolCallPending,
	})
	turn.pending[callID] = types.ToolCallPending
	turn.pending[callID] = turn.pending[callID].Advance(types.ToolCallRunning)
}

// applyToolResult transitions pending -> running -> completed|error|aborted.
// A duplicate terminal transition for the same callID is dropped with a
// warning.
func (p *Processor) applyToolResult(turn *Turn, callID string, ok bool, value any, errMsg string) {
	cur, known := turn.pending[callID]
	if known && cur.Terminal() {
		p.Logger.Warn("stream: dropping duplicate terminal tool result", "callId", callID)
		return
	}

	next := types.ToolCallCompleted
	if !ok {
		next = types.ToolCallError
	}
	if known {
		turn.pending[callID] = cur.Advance(next)
	} else {
		turn.pending[callID] = next
	}

	for i := range turn.parts {
		if turn.parts[i].Kind == types.PartToolCall && turn.parts[i].CallID == callID {
			turn.parts[i].State = turn.pending[callID]
			turn.parts[i].ResultOK = ok
			turn.parts[i].ResultValue = value
			turn.parts[i].ResultError = errMsg
		}
	}

	p.Bus.Publish(types.Event{Kind: types.EventToolResult, SessionID: turn.SessionID,
		Data: map[string]any{"callId": callID, "ok": ok, "value": value, "error": errMsg}})
}

// AwaitPending blocks until every tool call on turn has reached a terminal
// state, applying Dispatcher results as they arrive. Used by the session
// runtime (C7) between a tool-calls finish and rebuilding the next step,
// per the S3 "await all pending tool results" rule.
func (p *Processor) AwaitPending(ctx context.Context, turn *Turn) error {
	for turn.HasPendingToolCalls() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-p.Dispatcher.Results():
			p.applyToolResult(turn, out.CallID, out.OK, out.Value, out.ErrorMsg)
		}
	}
	return nil
}

// Abort marks every still-pending tool call as aborted, used when the
// session runtime gives up on a turn (e.g. cancellation). Every ToolCall
// must be terminal before SessionIdle is published.
func (p *Processor) Abort(turn *Turn) {
	for callID, st := range turn.pending {
		if !st.Terminal() {
			p.applyToolResult(turn, callID, false, nil, "aborted")
		}
	}
}

func (p *Processor) finish(turn *Turn, d Delta) {
	reason := normalizeFinishReason(d.RawReason, d.RawReasonObj)

	usage := types.Usage{
		Input:     safeNum(d.RawUsage["input"]),
		Output:    safeNum(d.RawUsage["output"]),
		Reasoning: safeNum(d.RawUsage["reasoning"]),
		CacheRead: safeNum(d.RawUsage["cacheRead"]),
		CacheWrite: safeNum(d.RawUsage["cacheWrite"]),
	}
	if usage.Total() == 0 {
		if or, ok := d.ProviderMeta["openrouter"].(map[string]any); ok {
			if u, ok := or["usage"].(map[string]any); ok {
				usage = types.Usage{
					Input:     safeNum(u["input"]),
					Output:    safeNum(u["output"]),
					Reasoning: safeNum(u["reasoning"]),
				}
			}
		}
	}

	hasToolCalls := len(turn.pending) > 0

	if reason == types.FinishUnknown && hasToolCalls {
		reason = types.FinishToolCalls
	}
	var zeroTokenErr error
	if reason == types.FinishUnknown && usage.Total() == 0 && !hasToolCalls {
		zeroTokenErr = fmt.Errorf("provider communication failure: zero tokens and no tool calls")
		p.Bus.Publish(types.Event{Kind: types.EventError, SessionID: turn.SessionID,
			Data: map[string]any{"errorType": "ProviderZeroTokens", "message": zeroTokenErr.Error()}})
	}

	turn.usage.Add(usage)
	turn.finishReason = reason

	p.Bus.Publish(types.Event{Kind: types.EventStepFinish, SessionID: turn.SessionID,
		Data: map[string]any{"reason": reason, "usage": turn.usage, "step": turn.StepIndex}})

	if p.CostTable != nil {
		cost := p.CostTable()
		totalCost := clampedCost(usage, cost)
		p.Bus.Publish(types.Event{Kind: types.EventUsageUpdate, SessionID: turn.SessionID,
			Data: map[string]any{"usage": turn.usage, "cost": totalCost}})
	}
}

// clampedCost multiplies usage by a model's per-token cost table, clamping
// any non-finite or negative cost-table input to 0 before multiplying.
func clampedCost(u types.Usage, c types.CostTable) float64 {
	clamp := func(f float64) float64 {
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return 0
		}
		return f
	}
	return float64(u.Input)*clamp(c.Input)/1_000_000 +
		float64(u.Output)*clamp(c.Output)/1_000_000 +
		float64(u.CacheRead)*clamp(c.CacheRead)/1_000_000 +
		float64(u.CacheWrite)*clamp(c.CacheWrite)/1_000_000
}

// marshalInput turns a tool-call's arguments map into the InputJSON string
// Delta expects, or "{}" when the map cannot be marshaled.
func marshalInput(args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
