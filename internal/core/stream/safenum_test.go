package stream

import "testing"

func TestSafeNumDocumentedShapes(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want int64
	}{
		{"nil", nil, 0},
		{"float", 42.0, 42},
		{"numeric string", "17", 17},
		{"NaN string", "NaN", 0},
		{"object with total", map[string]any{"total": 9.0}, 9},
		{"object missing total", map[string]any{"other": 9.0}, 0},
		{"bool unexpected type", true, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := safeNum(c.in); got != c.want {
				t.Fatalf("safeNum(%v) = %d, want %d", c.in, got, c.want)
			}
		})
	}
}

func TestNormalizeFinishReasonNeverReturnsRawObject(t *testing.T) {
	cases := []struct {
		raw  string
		obj  *rawFinishReason
		want string
	}{
		{raw: "stop", want: "stop"},
		{raw: "", obj: &rawFinishReason{Unified: "tool-calls", Reason: "tool_calls"}, want: "tool-calls"},
		{raw: "", obj: &rawFinishReason{Type: "", FinishReason: "", Reason: ""}, want: "unknown"},
		{raw: "totally-unrecognized", want: "unknown"},
	}
	for _, c := range cases {
		got := normalizeFinishReason(c.raw, c.obj)
		if string(got) != c.want {
			t.Fatalf("normalizeFinishReason(%q, %+v) = %q, want %q", c.raw, c.obj, got, c.want)
		}
	}
}
