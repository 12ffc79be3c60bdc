// Package emitter implements the Output Emitter (C9): it subscribes to the
// event bus for one session and writes each event as a JSON envelope,
// routing data/status events to stdout and error events to stderr, per
// the selected JSON envelope shape.
//
// Structured similarly to common HTTP-mode handlers, which use
// json.NewEncoder(w).Encode(...) directly against an io.Writer rather than
// pulling in a JSON-lines library — the same idiom is used here since
// nothing in the pack reaches for a dedicated NDJSON library for this kind
// of one-object-per-line writing.
package emitter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/link-assistant/agent/internal/core/event"
	"github.com/link-assistant/agent/internal/core/types"
)

// Envelope is the wire shape every event becomes before encoding. Encoder
// implementations translate an Event into one.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	At        int64  `json:"at,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Encoder converts an Event into bytes ready to write to a stream, and
// reports which stream (stdout/stderr) it belongs on.
type Encoder interface {
	Encode(e types.Event) (payload []byte, isError bool, err error)
}

// OpencodeEncoder emits Unix-millisecond timestamps and camelCase field
// names (the default).
type OpencodeEncoder struct{ Compact bool }

func (enc OpencodeEncoder) Encode(e types.Event) ([]byte, bool, error) {
	env := Envelope{
		Type:      string(e.Kind),
		SessionID: e.SessionID,
		Seq:       e.Seq,
		At:        e.At.UnixMilli(),
		Data:      e.Data,
	}
	return marshal(env, enc.Compact), e.Kind == types.EventError, nil
}

// claudeEnvelope mirrors Envelope but with snake_case fields and an
// ISO-8601 timestamp, for the Claude-compatible output mode.
type claudeEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	At        string `json:"at,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// ClaudeCompatibleEncoder emits ISO-8601 timestamps and snake_case field
// names, matching the Claude Code streaming JSON protocol's envelope shape.
type ClaudeCompatibleEncoder struct{ Compact bool }

func (enc ClaudeCompatibleEncoder) Encode(e types.Event) ([]byte, bool, error) {
	env := claudeEnvelope{
		Type:      string(e.Kind),
		SessionID: e.SessionID,
		Seq:       e.Seq,
		At:        e.At.UTC().Format(time.RFC3339Nano),
		Data:      e.Data,
	}
	return marshal(env, enc.Compact), e.Kind == types.EventError, nil
}

func marshal(v any, compact bool) []byte {
	var raw []byte
	var err error
	if compact {
		raw, err = json.Marshal(v)
	} else {
		raw, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		raw, _ = json.Marshal(Envelope{Type: "error", Data: map[string]string{
			"errorType": "EncodeFailure", "message": err.Error(),
		}})
	}
	return raw
}

// Writer routes encoded envelopes to stdout/stderr. It does not re-wrap
// other text written to stderr; InterceptStderr does that for the writer
// it wraps.
type Writer struct {
	Stdout  io.Writer
	Stderr  io.Writer
	Encoder Encoder

	mu sync.Mutex
}

// Write encodes and routes one event.
func (w *Writer) Write(e types.Event) error {
	payload, isError, err := w.Encoder.Encode(e)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	dst := w.Stdout
	if isError {
		dst = w.Stderr
	}
	if _, err := dst.Write(payload); err != nil {
		return err
	}
	_, err = io.WriteString(dst, "\n")
	return err
}

// Run writes every event received on sub through w, returning once
// sub.Events is closed. The caller owns the subscription and its
// cancellation.
func Run(sub event.Subscription, w *Writer) {
	for e := range sub.Events {
		if writeErr := w.Write(e); writeErr != nil {
			fallback := Envelope{Type: "error", SessionID: e.SessionID, Data: map[string]string{
				"errorType": "RuntimeError", "message": writeErr.Error(),
			}}
			raw, _ := json.Marshal(fallback)
			_, _ = fmt.Fprintln(w.Stderr, string(raw))
		}
	}
}

// InterceptStderr wraps dst so that any line written to it that is not
// already a JSON object is re-wrapped as a RuntimeError envelope before
// being forwarded — the host runtime's own stack traces/panics must never
// reach downstream parsers as bare text.
func InterceptStderr(dst io.Writer) io.WriteCloser {
	pr, pw := io.Pipe()
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if isJSONObject(line) {
				fmt.Fprintln(dst, line)
				continue
			}
			env := Envelope{Type: "error", Data: map[string]string{
				"errorType": "RuntimeError", "message": line,
			}}
			raw, _ := json.Marshal(env)
			fmt.Fprintln(dst, string(raw))
		}
	}()
	return pw
}

func isJSONObject(s string) bool {
	trimmed := strings.TrimSpace(s)
	return strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed))
}
