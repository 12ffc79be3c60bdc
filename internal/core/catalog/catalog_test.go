package catalog

import (
	"context"
	"testing"
)

func TestGetFallsBackToBuiltinCatalogWithNoNetwork(t *testing.T) {
	c := New(Config{CacheDir: t.TempDir(), SourceURL: ""})
	providers := c.Get(context.Background())

	if len(providers) == 0 {
		t.Fatal("expected a non-empty built-in fallback catalog")
	}
	anthropic, ok := providers["anthropic"]
	if !ok {
		t.Fatal("expected built-in catalog to include anthropic")
	}
	for id, m := range anthropic.Models {
		if !m.Valid() {
			t.Fatalf("model %s violates non-negativity invariants: %+v", id, m)
		}
	}
}

func TestSuggestModelsMatchesSubstring(t *testing.T) {
	c := New(Config{CacheDir: t.TempDir()})
	providers := c.Get(context.Background())

	got := SuggestModels(providers, "anthropic", "sonnet")
	found := false
	for _, id := range got {
		if id == "claude-sonnet-4-5" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected suggestion list to include claude-sonnet-4-5, got %v", got)
	}
}

func TestSuggestModelsUnknownProviderReturnsNil(t *testing.T) {
	c := New(Config{CacheDir: t.TempDir()})
	providers := c.Get(context.Background())
	if got := SuggestModels(providers, "does-not-exist", "x"); got != nil {
		t.Fatalf("expected nil for unknown provider, got %v", got)
	}
}
