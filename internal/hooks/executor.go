package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"time"
)

// Executor runs the hooks configured for a session's lifecycle events.
type Executor struct {
	config         *HookConfig
	sessionID      string
	transcriptPath string
}

// NewExecutor builds an Executor bound to one session's hook configuration.
// sessionID and transcriptPath are not currently threaded into hook input
// (callers populate CommonInput themselves) but are kept on the Executor so
// future hook events can stamp them consistently.
func NewExecutor(config *HookConfig, sessionID, transcriptPath string) *Executor {
	return &Executor{config: config, sessionID: sessionID, transcriptPath: transcriptPath}
}

// ExecuteHooks runs every hook matching event (and, for tool events, the
// tool name embedded in input) and folds their outputs into one HookOutput.
// A hook that exits 2 is treated as a hard block and short-circuits the
// remaining hooks for this event; a hook that produces no parseable JSON
// output contributes nothing. Later hooks' non-zero fields overwrite
// earlier ones; Continue, once set false, is never un-set.
func (e *Executor) ExecuteHooks(ctx context.Context, event HookEvent, input interface{}) (*HookOutput, error) {
	result := &HookOutput{}
	if e.config == nil {
		return result, nil
	}

	toolName := toolNameOf(input)
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	for _, matcher := range e.config.Hooks[event] {
		if event.RequiresMatcher() && !matchesPattern(matcher.Matcher, toolName) {
			continue
		}
		for _, entry := range matcher.Hooks {
			out, err := e.runOne(ctx, entry, payload)
			if err != nil {
				return nil, err
			}
			merge(result, out)
			if result.Decision == "block" {
				return result, nil
			}
		}
	}

	return result, nil
}

// toolNameOf extracts the tool name from a PreToolUseInput/PostToolUseInput
// so it can be matched against a HookMatcher's pattern. Other input types
// have no tool name; RequiresMatcher() is false for their events, so the
// empty string is never consulted.
func toolNameOf(input interface{}) string {
	switch v := input.(type) {
	case *PreToolUseInput:
		return v.ToolName
	case *PostToolUseInput:
		return v.ToolName
	}
	return ""
}

func (e *Executor) runOne(ctx context.Context, entry HookEntry, stdin []byte) (*HookOutput, error) {
	runCtx := ctx
	if entry.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(entry.Timeout)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", entry.Command)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) && exitErr.ExitCode() == 2 {
		blocked := false
		return &HookOutput{Decision: "block", Reason: stderr.String(), Continue: &blocked}, nil
	}
	if runCtx.Err() != nil {
		// Killed by its own per-hook timeout (not the caller's ctx): treat
		// as a silent no-op rather than failing the whole batch.
		if ctx.Err() == nil {
			return &HookOutput{}, nil
		}
		return nil, runCtx.Err()
	}
	if runErr != nil {
		// Any other non-zero exit with no stdout is a no-op, matching a
		// hook command that simply declines to opine.
		if stdout.Len() == 0 {
			return &HookOutput{}, nil
		}
	}

	trimmed := bytes.TrimSpace(stdout.Bytes())
	if len(trimmed) == 0 {
		return &HookOutput{}, nil
	}

	var out HookOutput
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return &HookOutput{}, nil
	}
	return &out, nil
}

// merge folds src into dst: non-zero scalar fields overwrite, Continue
// only ever tightens from nil/true to false, never loosens back to true.
func merge(dst, src *HookOutput) {
	if src.StopReason != "" {
		dst.StopReason = src.StopReason
	}
	if src.SuppressOutput {
		dst.SuppressOutput = true
	}
	if src.Decision != "" {
		dst.Decision = src.Decision
	}
	if src.Reason != "" {
		dst.Reason = src.Reason
	}
	if src.Feedback != "" {
		dst.Feedback = src.Feedback
	}
	if src.Context != "" {
		dst.Context = src.Context
	}
	if src.SystemPrompt != "" {
		dst.SystemPrompt = src.SystemPrompt
	}
	if src.ModifyInput != "" {
		dst.ModifyInput = src.ModifyInput
	}
	if src.ModifyOutput != "" {
		dst.ModifyOutput = src.ModifyOutput
	}
	if src.Continue != nil {
		if dst.Continue == nil || *src.Continue == false {
			dst.Continue = src.Continue
		}
	}
}
