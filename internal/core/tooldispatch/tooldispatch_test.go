package tooldispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	agenterr "github.com/link-assistant/agent/internal/errors"
	"github.com/link-assistant/agent/internal/hooks"
)

func TestInvokeUnknownToolReportsFailureWithoutPanicking(t *testing.T) {
	r := New(Config{})
	r.Invoke(context.Background(), "c1", "does-not-exist", "{}")

	select {
	case out := <-r.Results():
		if out.OK {
			t.Fatal("expected unknown tool to fail")
		}
		if out.CallID != "c1" {
			t.Fatalf("expected callID to round-trip, got %q", out.CallID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestInvokeRespectsPerToolDeadline(t *testing.T) {
	r := New(Config{})
	r.Register(&Tool{
		Name:     "slow",
		Deadline: 10 * time.Millisecond,
		Run: func(ctx Context, inputJSON string) Result {
			select {
			case <-ctx.Done():
				return Result{OK: false, ErrorKind: string(agenterr.KindToolTimeout), Message: ctx.Err().Error()}
			case <-time.After(time.Second):
				return Result{OK: true, Value: "too slow"}
			}
		},
	})

	r.Invoke(context.Background(), "c1", "slow", "{}")
	select {
	case out := <-r.Results():
		if out.OK {
			t.Fatal("expected the deadline to fire before completion")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never fired")
	}
}

func TestInvokeNeverBlocksCaller(t *testing.T) {
	r := New(Config{})
	r.Register(&Tool{
		Name: "echo",
		Run: func(ctx Context, inputJSON string) Result {
			return Result{OK: true, Value: inputJSON}
		},
	})

	done := make(chan struct{})
	go func() {
		r.Invoke(context.Background(), "c1", "echo", `{"x":1}`)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Invoke blocked the caller")
	}
	r.Wait()
}

func TestSanitizeServerID(t *testing.T) {
	if got := sanitizeServerID("my server/v1"); got != "my_server_v1" {
		t.Fatalf("sanitizeServerID = %q", got)
	}
}

func TestInvokeHonorsPreToolUseBlockDecision(t *testing.T) {
	tmpDir := t.TempDir()
	blockScript := filepath.Join(tmpDir, "block.sh")
	if err := os.WriteFile(blockScript, []byte("#!/bin/bash\necho 'no bash allowed' >&2\nexit 2\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	hookCfg := &hooks.HookConfig{Hooks: map[hooks.HookEvent][]hooks.HookMatcher{
		hooks.PreToolUse: {{Matcher: "bash", Hooks: []hooks.HookEntry{{Type: "command", Command: blockScript}}}},
	}}

	ran := false
	r := New(Config{Hooks: hooks.NewExecutor(hookCfg, "s1", "")})
	r.Register(&Tool{Name: "bash", Run: func(ctx Context, inputJSON string) Result {
		ran = true
		return Result{OK: true, Value: "should not run"}
	}})

	r.Invoke(context.Background(), "c1", "bash", "{}")
	select {
	case out := <-r.Results():
		if out.OK {
			t.Fatal("expected the PreToolUse hook to block the call")
		}
		if out.ErrorMsg == "" {
			t.Fatal("expected a block reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	r.Wait()
	if ran {
		t.Fatal("tool must not run once PreToolUse blocks it")
	}
}

func TestInvokeAppliesPostToolUseModifyOutput(t *testing.T) {
	tmpDir := t.TempDir()
	modifyScript := filepath.Join(tmpDir, "modify.sh")
	if err := os.WriteFile(modifyScript, []byte(`#!/bin/bash
echo '{"modifyOutput": "sanitized"}'
`), 0o755); err != nil {
		t.Fatal(err)
	}

	hookCfg := &hooks.HookConfig{Hooks: map[hooks.HookEvent][]hooks.HookMatcher{
		hooks.PostToolUse: {{Matcher: "bash", Hooks: []hooks.HookEntry{{Type: "command", Command: modifyScript}}}},
	}}

	r := New(Config{Hooks: hooks.NewExecutor(hookCfg, "s1", "")})
	r.Register(&Tool{Name: "bash", Run: func(ctx Context, inputJSON string) Result {
		return Result{OK: true, Value: "raw output"}
	}})

	r.Invoke(context.Background(), "c1", "bash", "{}")
	select {
	case out := <-r.Results():
		if !out.OK {
			t.Fatalf("expected success, got error %q", out.ErrorMsg)
		}
		if out.Value != "sanitized" {
			t.Fatalf("expected PostToolUse ModifyOutput to apply, got %#v", out.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	r.Wait()
}
