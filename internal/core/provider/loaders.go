package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/link-assistant/agent/internal/core/types"
)

// BuildSDKHandle is the default BuildFn wired into Resolver.New: it
// switches on the provider record's package name and constructs the
// matching real SDK client, grounded on haasonsaas-nexus's per-provider
// constructors (NewAnthropicProvider, NewBedrockProvider, etc.) but
// returning the bare client rather than a wrapping provider struct, since
// C5's RoundTripper already supplies retry/backoff uniformly.
func BuildSDKHandle(ctx context.Context, rec *types.ProviderRecord, realModelID string, options map[string]any) (any, error) {
	switch rec.ID {
	case "anthropic":
		return buildAnthropic(rec)
	case "openai":
		return buildOpenAI(rec)
	case "google":
		return buildGoogle(ctx, rec)
	case "ollama":
		return buildOllama(rec)
	case "bedrock":
		return buildBedrock(ctx, rec)
	default:
		return nil, fmt.Errorf("no SDK builder registered for provider %q (package %q)", rec.ID, rec.Package)
	}
}

func buildAnthropic(rec *types.ProviderRecord) (any, error) {
	var opts []option.RequestOption
	if bearer, ok := rec.Options["oauthBearer"].(string); ok && bearer != "" {
		opts = append(opts, option.WithHeader("Authorization", "Bearer "+bearer), option.WithHeader("anthropic-beta", "oauth-2025-04-20"))
	} else if rec.APIKey != "" {
		opts = append(opts, option.WithAPIKey(rec.APIKey))
	} else {
		return nil, fmt.Errorf("anthropic: no API key or OAuth token resolved for provider %q", rec.ID)
	}
	if rec.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(rec.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &client, nil
}

func buildOpenAI(rec *types.ProviderRecord) (any, error) {
	if rec.APIKey == "" {
		return nil, fmt.Errorf("openai: no API key resolved for provider %q", rec.ID)
	}
	cfg := openai.DefaultConfig(rec.APIKey)
	if rec.BaseURL != "" {
		cfg.BaseURL = rec.BaseURL
	}
	return openai.NewClientWithConfig(cfg), nil
}

func buildGoogle(ctx context.Context, rec *types.ProviderRecord) (any, error) {
	if rec.APIKey == "" {
		return nil, fmt.Errorf("google: no API key resolved for provider %q", rec.ID)
	}
	return genai.NewClient(ctx, &genai.ClientConfig{APIKey: rec.APIKey})
}

func buildOllama(rec *types.ProviderRecord) (any, error) {
	if rec.BaseURL == "" {
		// ollama's own client reads OLLAMA_HOST itself when constructed this way.
		return api.ClientFromEnvironment()
	}
	u, err := url.Parse(rec.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama: parsing base URL %q: %w", rec.BaseURL, err)
	}
	return api.NewClient(u, http.DefaultClient), nil
}

func buildBedrock(ctx context.Context, rec *types.ProviderRecord) (any, error) {
	region, _ := rec.Options["region"].(string)
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: loading AWS config: %w", err)
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

// AnthropicOAuthLoader is a custom loader (pass 3) surfacing an
// Anthropic-compatible provider authenticated via a stored OAuth bearer
// token instead of an API key, affecting the system-prompt composition
// exception for OAuth Anthropic sessions. It never removes the API-key
// provider another pass already registered; it only fills in credentials
// when none are set yet.
func AnthropicOAuthLoader(tokenProvider func() (string, bool)) Loader {
	return Loader{
		ProviderID: "anthropic",
		Load: func(ctx context.Context, existing *types.ProviderRecord) (bool, map[string]any, func(string) (*types.ModelRecord, bool)) {
			if existing != nil && existing.APIKey != "" {
				return true, nil, nil
			}
			token, ok := tokenProvider()
			if !ok || token == "" {
				return existing != nil, nil, nil
			}
			return true, map[string]any{"oauthBearer": token}, nil
		},
	}
}

// BedrockRegionLoader is a custom loader computing the cross-region
// inference-profile prefix for whatever AWS region is configured, so
// model ids registered for "bedrock" can be rewritten to the
// region-prefixed inference-profile id Bedrock requires (e.g.
// "us.anthropic.claude-sonnet-4-5-v1:0").
func BedrockRegionLoader() Loader {
	return Loader{
		ProviderID: "bedrock",
		Load: func(ctx context.Context, existing *types.ProviderRecord) (bool, map[string]any, func(string) (*types.ModelRecord, bool)) {
			region := os.Getenv("AWS_REGION")
			if region == "" {
				region = os.Getenv("AWS_DEFAULT_REGION")
			}
			if region == "" {
				region = "us-east-1"
			}
			prefix := BedrockRegionalPrefix(region)
			options := map[string]any{"region": region, "inferenceProfilePrefix": prefix}
			if existing == nil {
				return false, options, nil
			}
			for _, m := range existing.Models {
				if prefix != "" && !strings.HasPrefix(m.RealID, prefix) {
					m.RealID = prefix + m.RealID
				}
			}
			return true, options, nil
		},
	}
}
