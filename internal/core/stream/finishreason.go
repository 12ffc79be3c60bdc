package stream

import "github.com/link-assistant/agent/internal/core/types"

// rawFinishReason is whatever the SDK handed back: a bare string, or an
// object carrying any of unified/type/finishReason/reason.
type rawFinishReason struct {
	Unified      string
	Type         string
	FinishReason string
	Reason       string
}

// normalizeFinishReason is the sole constructor for types.FinishReason from
// provider output (Design Notes §9). It takes the first non-empty of
// {unified, type, finishReason, reason} when given an object shape, maps
// known provider strings onto the six canonical values, and falls back to
// "unknown" — it never returns a raw/JSON-encoded value.
func normalizeFinishReason(raw string, obj *rawFinishReason) types.FinishReason {
	candidate := raw
	if candidate == "" && obj != nil {
		for _, c := range []string{obj.Unified, obj.Type, obj.FinishReason, obj.Reason} {
			if c != "" {
				candidate = c
				break
			}
		}
	}
	switch candidate {
	case "stop", "end_turn", "complete", "completed":
		return types.FinishStop
	case "length", "max_tokens", "max_output_tokens":
		return types.FinishLength
	case "tool-calls", "tool_calls", "tool_use", "function_call":
		return types.FinishToolCalls
	case "content-filter", "content_filter", "safety":
		return types.FinishContentFilter
	case "error":
		return types.FinishError
	case "":
		return types.FinishUnknown
	default:
		return types.FinishUnknown
	}
}
