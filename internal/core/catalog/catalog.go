// Package catalog implements the Models Catalog (C2): a provider/model
// registry loaded from a remote JSON document, cached on disk with a
// staleness threshold, falling back to a built-in table compiled at build
// time. The provider->models map and SuggestModels accessor mirror a
// registry-style catalog, with a built-in model table literal as the
// compiled-in fallback.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	agenterr "github.com/link-assistant/agent/internal/errors"
	"github.com/link-assistant/agent/internal/core/types"
)

// wireProvider mirrors the remote document's shape:
// providers[].{id,name,npm,env[],api,models{...}}.
type wireProvider struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	NPM    string                 `json:"npm"`
	Env    []string               `json:"env"`
	API    string                 `json:"api"`
	Models map[string]wireModel   `json:"models"`
}

type wireModel struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Attach   bool     `json:"attachment"`
	Reason   bool     `json:"reasoning"`
	ToolCall bool     `json:"tool_call"`
	Temp     bool     `json:"temperature"`
	Exp      bool     `json:"experimental"`
	Deprecat bool     `json:"deprecated"`
	Modality []string `json:"modalities"`
	Limit    struct {
		Context int64 `json:"context"`
		Output  int64 `json:"output"`
	} `json:"limit"`
	Cost struct {
		Input      float64 `json:"input"`
		Output     float64 `json:"output"`
		CacheRead  float64 `json:"cache_read"`
		CacheWrite float64 `json:"cache_write"`
	} `json:"cost"`
}

type wireDocument struct {
	Providers []wireProvider `json:"providers"`
}

// Catalog loads and caches the provider/model registry.
type Catalog struct {
	mu        sync.RWMutex
	providers map[string]*types.ProviderRecord

	cachePath  string
	sourceURL  string
	staleAfter time.Duration
	httpClient *http.Client
	logger     *log.Logger

	refreshing sync.Mutex
}

// Config configures staleness and remote fetch behavior.
type Config struct {
	CacheDir   string
	SourceURL  string
	StaleAfter time.Duration
	HTTPClient *http.Client
	Logger     *log.Logger
}

// New constructs a Catalog seeded with the built-in fallback table; call
// Get to trigger the disk/network load path.
func New(cfg Config) *Catalog {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	cachePath := filepath.Join(cfg.CacheDir, "models.json")
	return &Catalog{
		providers:  builtinFallback(),
		cachePath:  cachePath,
		sourceURL:  cfg.SourceURL,
		staleAfter: cfg.StaleAfter,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

// Get returns the catalog. If the disk cache is missing or stale, refresh
// completes before returning; if fresh, a background refresh may be kicked
// off without being awaited.
func (c *Catalog) Get(ctx context.Context) map[string]*types.ProviderRecord {
	fi, err := os.Stat(c.cachePath)
	stale := err != nil || time.Since(fi.ModTime()) > c.staleAfter

	if stale {
		if _, refreshErr := c.Refresh(ctx); refreshErr != nil {
			c.logger.Warn("catalog: refresh failed, serving previous/fallback data", "err", refreshErr)
		}
	} else {
		c.loadFromDisk()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_, _ = c.Refresh(ctx)
		}()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*types.ProviderRecord, len(c.providers))
	for k, v := range c.providers {
		out[k] = v
	}
	return out
}

// Refresh fetches the remote document with a bounded timeout. On failure
// it leaves the cache untouched and returns usedPrevious=true instead of
// an error the caller must treat as fatal.
func (c *Catalog) Refresh(ctx context.Context) (usedPrevious bool, err error) {
	c.refreshing.Lock()
	defer c.refreshing.Unlock()

	if c.sourceURL == "" {
		return true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sourceURL, nil)
	if err != nil {
		return true, agenterr.New(agenterr.KindNetworkError, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, agenterr.New(agenterr.KindNetworkError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return true, agenterr.New(agenterr.KindNetworkError, fmt.Errorf("catalog fetch: status %d", resp.StatusCode)).WithStatus(resp.StatusCode)
	}

	var doc wireDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return true, agenterr.New(agenterr.KindStreamParseError, err)
	}

	providers := decode(doc)

	if err := os.MkdirAll(filepath.Dir(c.cachePath), 0o755); err == nil {
		if raw, mErr := json.MarshalIndent(doc, "", "  "); mErr == nil {
			_ = os.WriteFile(c.cachePath, raw, 0o644)
		}
	}

	c.mu.Lock()
	c.providers = providers
	c.mu.Unlock()
	return false, nil
}

func (c *Catalog) loadFromDisk() {
	raw, err := os.ReadFile(c.cachePath)
	if err != nil {
		return
	}
	var doc wireDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return
	}
	c.mu.Lock()
	c.providers = decode(doc)
	c.mu.Unlock()
}

func decode(doc wireDocument) map[string]*types.ProviderRecord {
	out := make(map[string]*types.ProviderRecord, len(doc.Providers))
	for _, p := range doc.Providers {
		rec := &types.ProviderRecord{
			ID:      p.ID,
			Name:    p.Name,
			Package: p.NPM,
			EnvVars: p.Env,
			BaseURL: p.API,
			Models:  make(map[string]*types.ModelRecord, len(p.Models)),
		}
		for id, m := range p.Models {
			rec.Models[id] = &types.ModelRecord{
				ID:       id,
				RealID:   id,
				Modality: m.Modality,
				Cost: types.CostTable{
					Input:      m.Cost.Input,
					Output:     m.Cost.Output,
					CacheRead:  m.Cost.CacheRead,
					CacheWrite: m.Cost.CacheWrite,
				},
				Limit: types.TokenLimits{Context: m.Limit.Context, Output: m.Limit.Output},
				Caps: types.Capabilities{
					Reasoning:    m.Reason,
					ToolCall:     m.ToolCall,
					Attachment:   m.Attach,
					Temperature:  m.Temp,
					Experimental: m.Exp,
					Deprecated:   m.Deprecat,
				},
			}
		}
		out[p.ID] = rec
	}
	return out
}

// SuggestModels returns up to 5 model ids from provider whose id or family
// fuzzily matches invalidModel, used to build the ModelNotFound hint.
func SuggestModels(providers map[string]*types.ProviderRecord, provider, invalidModel string) []string {
	p, ok := providers[provider]
	if !ok {
		return nil
	}
	needle := strings.ToLower(invalidModel)
	var out []string
	for id := range p.Models {
		idLower := strings.ToLower(id)
		if strings.Contains(idLower, needle) || strings.Contains(needle, strings.ToLower(strings.Split(id, "-")[0])) {
			out = append(out, id)
		}
		if len(out) >= 5 {
			break
		}
	}
	return out
}

// builtinFallback is the compiled-in catalog returned when there is no
// cache and no network. The
// literal table mirrors haasonsaas-nexus's registerBuiltinModels: a small
// set of real, well-known models per provider.
func builtinFallback() map[string]*types.ProviderRecord {
	return map[string]*types.ProviderRecord{
		"anthropic": {
			ID: "anthropic", Name: "Anthropic", Package: "anthropic-sdk-go",
			EnvVars: []string{"ANTHROPIC_API_KEY"},
			BaseURL: "https://api.anthropic.com",
			Models: map[string]*types.ModelRecord{
				"claude-sonnet-4-5": {
					ID: "claude-sonnet-4-5", RealID: "claude-sonnet-4-5-20250929",
					Cost:  types.CostTable{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
					Limit: types.TokenLimits{Context: 200_000, Output: 64_000},
					Caps:  types.Capabilities{Reasoning: true, ToolCall: true, Attachment: true, Temperature: true},
				},
				"claude-haiku-4-5": {
					ID: "claude-haiku-4-5", RealID: "claude-haiku-4-5-20251001",
					Cost:  types.CostTable{Input: 1, Output: 5},
					Limit: types.TokenLimits{Context: 200_000, Output: 64_000},
					Caps:  types.Capabilities{ToolCall: true, Attachment: true, Temperature: true},
				},
			},
		},
		"openai": {
			ID: "openai", Name: "OpenAI", Package: "go-openai",
			EnvVars: []string{"OPENAI_API_KEY"},
			BaseURL: "https://api.openai.com/v1",
			Models: map[string]*types.ModelRecord{
				"gpt-5": {
					ID: "gpt-5", RealID: "gpt-5",
					Cost:  types.CostTable{Input: 5, Output: 15},
					Limit: types.TokenLimits{Context: 400_000, Output: 128_000},
					Caps:  types.Capabilities{Reasoning: true, ToolCall: true, Attachment: true},
				},
				"gpt-5-mini": {
					ID: "gpt-5-mini", RealID: "gpt-5-mini",
					Cost:  types.CostTable{Input: 0.25, Output: 2},
					Limit: types.TokenLimits{Context: 400_000, Output: 128_000},
					Caps:  types.Capabilities{ToolCall: true},
				},
			},
		},
		"google": {
			ID: "google", Name: "Google", Package: "genai",
			EnvVars: []string{"GOOGLE_API_KEY", "GEMINI_API_KEY", "GOOGLE_GENERATIVE_AI_API_KEY"},
			Models: map[string]*types.ModelRecord{
				"gemini-2.5-pro": {
					ID: "gemini-2.5-pro", RealID: "gemini-2.5-pro",
					Cost:  types.CostTable{Input: 1.25, Output: 10},
					Limit: types.TokenLimits{Context: 1_048_576, Output: 65_536},
					Caps:  types.Capabilities{Reasoning: true, ToolCall: true, Attachment: true},
				},
			},
		},
		"ollama": {
			ID: "ollama", Name: "Ollama", Package: "ollama/ollama",
			EnvVars: []string{"OLLAMA_HOST"},
			BaseURL: "http://localhost:11434",
			Models: map[string]*types.ModelRecord{
				"llama3.3": {
					ID: "llama3.3", RealID: "llama3.3",
					Limit: types.TokenLimits{Context: 128_000, Output: 8_192},
					Caps:  types.Capabilities{ToolCall: true},
				},
			},
		},
		"bedrock": {
			ID: "bedrock", Name: "Amazon Bedrock", Package: "aws-sdk-go-v2/service/bedrockruntime",
			EnvVars: []string{"AWS_ACCESS_KEY_ID", "AWS_PROFILE", "AWS_BEARER_TOKEN_BEDROCK"},
			Models: map[string]*types.ModelRecord{
				"anthropic.claude-sonnet-4-5": {
					ID: "anthropic.claude-sonnet-4-5", RealID: "anthropic.claude-sonnet-4-5-20250929-v1:0",
					Cost:  types.CostTable{Input: 3, Output: 15},
					Limit: types.TokenLimits{Context: 200_000, Output: 64_000},
					Caps:  types.Capabilities{ToolCall: true, Attachment: true},
				},
			},
		},
	}
}
