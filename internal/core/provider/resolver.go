// Package provider implements the Provider Resolver (C4): it reconciles
// the models catalog, stored credentials and custom per-provider loaders
// into a table of usable SDK handles, and resolves short model names.
//
// Provider wiring runs in four passes and never removes a catalog entry,
// only overrides it. The SDK-handle cache is keyed by hash(pkg, realModelID,
// options).
// The Bedrock regional inference-profile loader computes the inference
// profile prefix directly from the configured region rather than calling
// ListFoundationModels.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	agenterr "github.com/link-assistant/agent/internal/errors"
	"github.com/link-assistant/agent/internal/core/catalog"
	"github.com/link-assistant/agent/internal/core/concurrency"
	"github.com/link-assistant/agent/internal/core/types"
)

// CredentialStore is the opaque external auth collaborator:
// Get/All keyed by provider id.
type CredentialStore interface {
	Get(providerID string) (map[string]any, bool)
	All() map[string]map[string]any
}

// Loader is a custom per-provider hook (pass 3): OAuth-only providers,
// alias synthesis, regional prefix computation, etc.
type Loader struct {
	ProviderID string
	Load       func(ctx context.Context, existing *types.ProviderRecord) (autoload bool, options map[string]any, getModel func(modelID string) (*types.ModelRecord, bool))
}

// BuildFn constructs an SDK client given a provider record, the real model
// id and effective options; its result is cached by hash(pkg, realModelID,
// options).
type BuildFn func(ctx context.Context, rec *types.ProviderRecord, realModelID string, options map[string]any) (any, error)

// Resolver is the C4 component.
type Resolver struct {
	catalog      *catalog.Catalog
	creds        CredentialStore
	loaders      []Loader
	userDisabled map[string]bool
	userConfig   map[string]map[string]any
	build        BuildFn

	mu           sync.RWMutex
	providers    map[string]*types.ProviderRecord
	aliases      map[[2]string]string // (providerId, alias) -> realId
	modelLoaders map[string]func(modelID string) (*types.ModelRecord, bool)

	sdkCache concurrency.Map[string, *types.SDKHandle]

	preference []string // fixed provider preference order for defaultModel()
	modelScore []string // fixed substring priority list for defaultModel()
}

// Config wires the Resolver's collaborators.
type Config struct {
	Catalog      *catalog.Catalog
	Credentials  CredentialStore
	Loaders      []Loader
	UserDisabled []string
	UserConfig   map[string]map[string]any
	Build        BuildFn
	Preference   []string
	ModelScore   []string
}

// New builds and returns a Resolver with its provider table populated by
// running the four passes once. The catalog/credentials/loaders are
// consulted synchronously here; a GetModel call for a model missing from
// the table forces one catalog refresh and re-runs the four passes once.
func New(ctx context.Context, cfg Config) *Resolver {
	if len(cfg.Preference) == 0 {
		cfg.Preference = []string{"anthropic", "openai", "google", "bedrock", "ollama"}
	}
	if len(cfg.ModelScore) == 0 {
		cfg.ModelScore = []string{"sonnet", "opus", "gpt-5", "gemini-2.5-pro", "haiku", "mini"}
	}
	r := &Resolver{
		catalog:      cfg.Catalog,
		creds:        cfg.Credentials,
		loaders:      cfg.Loaders,
		userDisabled: toSet(cfg.UserDisabled),
		userConfig:   cfg.UserConfig,
		build:        cfg.Build,
		aliases:      make(map[[2]string]string),
		preference:   cfg.Preference,
		modelScore:   cfg.ModelScore,
	}
	r.rebuild(ctx)
	return r
}

func toSet(xs []string) map[string]bool {
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}

// rebuild runs the four ordered passes. Later passes override options of
// earlier ones but never remove a provider another pass already added.
func (r *Resolver) rebuild(ctx context.Context) {
	base := r.catalog.Get(ctx)
	providers := make(map[string]*types.ProviderRecord, len(base))
	for id, rec := range base {
		clone := *rec
		providers[id] = &clone
	}
	modelLoaders := make(map[string]func(string) (*types.ModelRecord, bool))

	// Pass 1: env.
	for id, rec := range providers {
		if r.userDisabled[id] {
			continue
		}
		for _, envVar := range rec.EnvVars {
			if v := os.Getenv(envVar); v != "" {
				rec.APIKey = v
				rec.Source = types.SourceEnv
				break
			}
		}
	}

	// Pass 2: stored credentials.
	if r.creds != nil {
		for id, cred := range r.creds.All() {
			rec, ok := providers[id]
			if !ok {
				rec = &types.ProviderRecord{ID: id, Models: map[string]*types.ModelRecord{}}
				providers[id] = rec
			}
			if key, ok := cred["apiKey"].(string); ok && key != "" {
				rec.APIKey = key
			}
			rec.Source = types.SourceAPI
		}
	}

	// Pass 3: custom loaders.
	for _, l := range r.loaders {
		rec, ok := providers[l.ProviderID]
		autoload, options, getModel := l.Load(ctx, rec)
		if !ok {
			if !autoload {
				continue
			}
			rec = &types.ProviderRecord{ID: l.ProviderID, Models: map[string]*types.ModelRecord{}}
			providers[l.ProviderID] = rec
		}
		if options != nil {
			if rec.Options == nil {
				rec.Options = map[string]any{}
			}
			for k, v := range options {
				rec.Options[k] = v
			}
		}
		rec.Source = types.SourceCustom
		if getModel != nil {
			modelLoaders[l.ProviderID] = getModel
		}
	}

	// Pass 4: user config, merged verbatim.
	for id, opts := range r.userConfig {
		rec, ok := providers[id]
		if !ok {
			rec = &types.ProviderRecord{ID: id, Models: map[string]*types.ModelRecord{}}
			providers[id] = rec
		}
		if rec.Options == nil {
			rec.Options = map[string]any{}
		}
		for k, v := range opts {
			rec.Options[k] = v
		}
		rec.Source = types.SourceConfig
	}

	r.mu.Lock()
	r.providers = providers
	r.modelLoaders = modelLoaders
	r.mu.Unlock()
}

// List enumerates registered providers with public info only (no secrets).
func (r *Resolver) List() []types.ProviderRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ProviderRecord, 0, len(r.providers))
	for _, rec := range r.providers {
		public := *rec
		public.APIKey = ""
		public.Options = nil
		out = append(out, public)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var (
	// KindProviderNotFound and KindModelNotFound are the Kinds GetModel
	// surfaces as *agenterr.Error.
	_ = agenterr.KindProviderNotFound
)

// ResolveShortName matches a bare model id against every registered
// provider's model table. If more than one provider offers it, prefer a
// free-cost provider when the caller has no credentials anywhere, else
// fall back to the fixed preference order.
func (r *Resolver) ResolveShortName(modelID string) (providerID, realModelID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []string
	for id, rec := range r.providers {
		if _, has := rec.Models[modelID]; has {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", "", false
	}
	if len(candidates) == 1 {
		return candidates[0], r.providers[candidates[0]].Models[modelID].RealID, true
	}

	hasAnyCreds := false
	for _, rec := range r.providers {
		if rec.APIKey != "" {
			hasAnyCreds = true
			break
		}
	}
	if !hasAnyCreds {
		for _, id := range candidates {
			m := r.providers[id].Models[modelID]
			if m.Cost.Input == 0 && m.Cost.Output == 0 {
				return id, m.RealID, true
			}
		}
	}
	for _, pref := range r.preference {
		for _, id := range candidates {
			if id == pref {
				return id, r.providers[id].Models[modelID].RealID, true
			}
		}
	}
	sort.Strings(candidates)
	return candidates[0], r.providers[candidates[0]].Models[modelID].RealID, true
}

// GetModel returns a cached (or freshly built) SDK handle plus model info.
func (r *Resolver) GetModel(ctx context.Context, providerID, modelID string) (*types.SDKHandle, *types.ModelRecord, error) {
	r.mu.RLock()
	rec, ok := r.providers[providerID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, agenterr.New(agenterr.KindProviderNotFound, fmt.Errorf("provider %q is not registered", providerID)).WithProvider(providerID)
	}

	model, ok := rec.Models[modelID]
	if !ok {
		r.mu.RLock()
		loader := r.modelLoaders[providerID]
		r.mu.RUnlock()
		if loader != nil {
			if m, found := loader(modelID); found {
				model, ok = m, true
			}
		}
	}
	if !ok {
		// On-demand single catalog refresh + retry once.
		_, _ = r.catalog.Refresh(ctx)
		r.rebuild(ctx)
		r.mu.RLock()
		rec, ok = r.providers[providerID]
		if ok {
			model, ok = rec.Models[modelID]
		}
		r.mu.RUnlock()
		if !ok {
			avail := availableModelIDs(rec)
			return nil, nil, agenterr.New(agenterr.KindModelNotFound,
				fmt.Errorf("model %q not found for provider %q", modelID, providerID)).
				WithProvider(providerID).WithModel(modelID).WithHint(avail...)
		}
	}

	key := hashKey(rec.Package, model.RealID, rec.Options)
	if handle, found := r.sdkCache.Load(key); found {
		return handle, model, nil
	}

	client, err := r.build(ctx, rec, model.RealID, rec.Options)
	if err != nil {
		return nil, nil, agenterr.New(agenterr.KindProviderInitFailed, err).WithProvider(providerID).WithModel(modelID)
	}
	handle := &types.SDKHandle{Key: key, Provider: providerID, Model: model.RealID, Client: client}
	r.sdkCache.Store(key, handle)
	return handle, model, nil
}

func availableModelIDs(rec *types.ProviderRecord) []string {
	if rec == nil {
		return nil
	}
	out := make([]string, 0, len(rec.Models))
	for id := range rec.Models {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func hashKey(pkg, realModelID string, options map[string]any) string {
	raw, _ := json.Marshal(options)
	h := sha256.New()
	h.Write([]byte(pkg))
	h.Write([]byte{0})
	h.Write([]byte(realModelID))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

// DefaultModel picks the first preferred provider with any registered
// model, then the highest-scoring model within it by substring priority.
func (r *Resolver) DefaultModel(userConfigured string) (providerID, modelID string, ok bool) {
	if userConfigured != "" {
		if p, m, found := strings.Cut(userConfigured, "/"); found {
			return p, m, true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pref := range r.preference {
		rec, ok := r.providers[pref]
		if !ok || len(rec.Models) == 0 {
			continue
		}
		best, bestScore := "", -1
		for id := range rec.Models {
			score := scoreModel(id, r.modelScore)
			if score > bestScore {
				best, bestScore = id, score
			}
		}
		return pref, best, true
	}
	return "", "", false
}

func scoreModel(modelID string, priority []string) int {
	lower := strings.ToLower(modelID)
	for i, p := range priority {
		if strings.Contains(lower, p) {
			return len(priority) - i
		}
	}
	return 0
}

// BedrockRegionalPrefix computes the inference-profile region prefix (e.g.
// "us." / "eu." / "apac.") AWS Bedrock requires for cross-region inference
// profiles, derived from the AWS region string.
func BedrockRegionalPrefix(region string) string {
	switch {
	case strings.HasPrefix(region, "us-"):
		return "us."
	case strings.HasPrefix(region, "eu-"):
		return "eu."
	case strings.HasPrefix(region, "ap-"):
		return "apac."
	default:
		return ""
	}
}
