package provider

import (
	"context"
	"testing"

	"github.com/link-assistant/agent/internal/core/catalog"
	"github.com/link-assistant/agent/internal/core/types"
)

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	return catalog.New(catalog.Config{CacheDir: t.TempDir(), SourceURL: "http://127.0.0.1:0/unreachable"})
}

func TestResolverBuildsProviderTableFromBuiltinCatalog(t *testing.T) {
	cat := newTestCatalog(t)
	r := New(context.Background(), Config{Catalog: cat, Build: func(ctx context.Context, rec *types.ProviderRecord, realModelID string, options map[string]any) (any, error) {
		return "fake-client", nil
	}})

	list := r.List()
	if len(list) == 0 {
		t.Fatal("expected at least the builtin fallback providers")
	}
	for _, p := range list {
		if p.APIKey != "" {
			t.Fatalf("List() must not leak secrets, got non-empty APIKey for %q", p.ID)
		}
	}
}

func TestResolverGetModelCachesSDKHandleByOptionsHash(t *testing.T) {
	cat := newTestCatalog(t)
	calls := 0
	r := New(context.Background(), Config{Catalog: cat, Build: func(ctx context.Context, rec *types.ProviderRecord, realModelID string, options map[string]any) (any, error) {
		calls++
		return struct{}{}, nil
	}})

	providerID, modelID := "anthropic", "claude-sonnet-4-5"
	if _, _, ok := r.ResolveShortName(modelID); !ok {
		t.Fatalf("expected builtin catalog to expose %q", modelID)
	}

	if _, _, err := r.GetModel(context.Background(), providerID, modelID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.GetModel(context.Background(), providerID, modelID); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected the SDK client to be built exactly once and reused from cache, got %d builds", calls)
	}
}

func TestResolverGetModelUnknownModelRefreshesOnceThenFails(t *testing.T) {
	cat := newTestCatalog(t)
	r := New(context.Background(), Config{Catalog: cat, Build: func(ctx context.Context, rec *types.ProviderRecord, realModelID string, options map[string]any) (any, error) {
		return nil, nil
	}})

	_, _, err := r.GetModel(context.Background(), "anthropic", "does-not-exist")
	if err == nil {
		t.Fatal("expected ModelNotFound error")
	}
}

func TestResolverGetModelUnknownProviderFails(t *testing.T) {
	cat := newTestCatalog(t)
	r := New(context.Background(), Config{Catalog: cat, Build: func(ctx context.Context, rec *types.ProviderRecord, realModelID string, options map[string]any) (any, error) {
		return nil, nil
	}})

	_, _, err := r.GetModel(context.Background(), "does-not-exist", "m")
	if err == nil {
		t.Fatal("expected ProviderNotFound error")
	}
}

func TestDefaultModelHonorsFixedPreferenceOrder(t *testing.T) {
	cat := newTestCatalog(t)
	r := New(context.Background(), Config{Catalog: cat})

	providerID, modelID, ok := r.DefaultModel("")
	if !ok {
		t.Fatal("expected a default model to be resolvable from the builtin catalog")
	}
	if providerID != "anthropic" {
		t.Fatalf("expected anthropic to win the fixed preference order, got %q", providerID)
	}
	if modelID == "" {
		t.Fatal("expected a non-empty model id")
	}
}

func TestDefaultModelHonorsExplicitUserConfiguration(t *testing.T) {
	cat := newTestCatalog(t)
	r := New(context.Background(), Config{Catalog: cat})

	providerID, modelID, ok := r.DefaultModel("openai/gpt-5")
	if !ok || providerID != "openai" || modelID != "gpt-5" {
		t.Fatalf("expected explicit provider/model to pass through unchanged, got (%q, %q, %v)", providerID, modelID, ok)
	}
}

func TestBedrockRegionalPrefix(t *testing.T) {
	cases := map[string]string{
		"us-east-1":      "us.",
		"eu-west-1":      "eu.",
		"ap-southeast-2": "apac.",
		"cn-north-1":     "",
	}
	for region, want := range cases {
		if got := BedrockRegionalPrefix(region); got != want {
			t.Fatalf("BedrockRegionalPrefix(%q) = %q, want %q", region, got, want)
		}
	}
}
