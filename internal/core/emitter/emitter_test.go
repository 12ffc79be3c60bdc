package emitter

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/link-assistant/agent/internal/core/types"
)

func TestOpencodeEncoderUsesMillisAndCamelCase(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	payload, isError, err := OpencodeEncoder{Compact: true}.Encode(types.Event{
		Kind: types.EventTextDelta, SessionID: "s1", Seq: 3, At: at, Data: map[string]any{"chunk": "hi"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if isError {
		t.Fatal("TextDelta must not route to stderr")
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["sessionID"] != "s1" {
		t.Fatalf("expected camelCase sessionID field, got %#v", decoded)
	}
	if _, ok := decoded["at"].(float64); !ok {
		t.Fatalf("expected a numeric (unix millis) at field, got %#v", decoded["at"])
	}
}

func TestClaudeCompatibleEncoderUsesISO8601AndSnakeCase(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	payload, _, err := ClaudeCompatibleEncoder{Compact: true}.Encode(types.Event{
		Kind: types.EventTextDelta, SessionID: "s1", At: at,
	})
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["session_id"] != "s1" {
		t.Fatalf("expected snake_case session_id field, got %#v", decoded)
	}
	atStr, ok := decoded["at"].(string)
	if !ok || !strings.Contains(atStr, "2026-01-02T03:04:05") {
		t.Fatalf("expected an ISO-8601 at field, got %#v", decoded["at"])
	}
}

func TestWriterRoutesErrorEventsToStderr(t *testing.T) {
	var stdout, stderr bytes.Buffer
	w := &Writer{Stdout: &stdout, Stderr: &stderr, Encoder: OpencodeEncoder{Compact: true}}

	if err := w.Write(types.Event{Kind: types.EventError, SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected nothing on stdout, got %q", stdout.String())
	}
	if stderr.Len() == 0 {
		t.Fatal("expected the error event on stderr")
	}
}

func TestWriterRoutesDataEventsToStdout(t *testing.T) {
	var stdout, stderr bytes.Buffer
	w := &Writer{Stdout: &stdout, Stderr: &stderr, Encoder: OpencodeEncoder{Compact: true}}

	if err := w.Write(types.Event{Kind: types.EventTextDelta, SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	if stderr.Len() != 0 {
		t.Fatalf("expected nothing on stderr, got %q", stderr.String())
	}
	if stdout.Len() == 0 {
		t.Fatal("expected the data event on stdout")
	}
}

func TestIsJSONObject(t *testing.T) {
	if !isJSONObject(`{"type":"error"}`) {
		t.Fatal("expected a JSON object to be recognized")
	}
	if isJSONObject("panic: runtime error: nil pointer dereference") {
		t.Fatal("expected a bare stack trace line to not be recognized as JSON")
	}
}
