// Package config loads the agent's on-disk configuration: the MCP server
// table, default model, and system-prompt fragments. Single source of
// truth is a viper instance reading $HOME/.agent.{json,yaml,yml} (or the
// file named by --config).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// MCPServerConfig describes one entry in the mcpServers table. Type
// selects the transport: "stdio" (spawn Command with Args/Env), "sse", or
// "streamable-http" (both URL-addressed, Headers optional).
type MCPServerConfig struct {
	Type    string            `mapstructure:"type" json:"type,omitempty"`
	Command string            `mapstructure:"command" json:"command,omitempty"`
	Args    []string          `mapstructure:"args" json:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" json:"env,omitempty"`
	URL     string            `mapstructure:"url" json:"url,omitempty"`
	Headers map[string]string `mapstructure:"headers" json:"headers,omitempty"`
}

// Config is the fully-decoded on-disk document.
type Config struct {
	Model              string                     `mapstructure:"model" json:"model,omitempty"`
	SystemPrompt       string                     `mapstructure:"systemPrompt" json:"systemPrompt,omitempty"`
	SystemPromptFile   string                     `mapstructure:"systemPromptFile" json:"systemPromptFile,omitempty"`
	AllowedDirectories []string                   `mapstructure:"allowedDirectories" json:"allowedDirectories,omitempty"`
	MCPServers         map[string]MCPServerConfig `mapstructure:"mcpServers" json:"mcpServers,omitempty"`
}

// Load reads and decodes the config file at path. If path is empty, it
// searches $HOME for .agent.json/.yaml/.yml, returning a zero Config (not
// an error) when none exists — every field has a safe empty default.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return &Config{}, nil
		}
		v.SetConfigName(".agent")
		v.AddConfigPath(home)
	}

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("config: reading %q: %w", path, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("config: reading default config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	substituted, err := substituteServerEnv(cfg.MCPServers)
	if err != nil {
		return nil, err
	}
	cfg.MCPServers = substituted
	return &cfg, nil
}

// substituteServerEnv applies ${env://VAR} substitution to every command,
// arg and header string in the server table.
func substituteServerEnv(servers map[string]MCPServerConfig) (map[string]MCPServerConfig, error) {
	sub := &EnvSubstituter{}
	out := make(map[string]MCPServerConfig, len(servers))
	for name, s := range servers {
		var err error
		if s.Command, err = sub.SubstituteEnvVars(s.Command); err != nil {
			return nil, fmt.Errorf("config: server %q command: %w", name, err)
		}
		for i, a := range s.Args {
			if s.Args[i], err = sub.SubstituteEnvVars(a); err != nil {
				return nil, fmt.Errorf("config: server %q args: %w", name, err)
			}
		}
		if s.URL, err = sub.SubstituteEnvVars(s.URL); err != nil {
			return nil, fmt.Errorf("config: server %q url: %w", name, err)
		}
		for k, h := range s.Headers {
			if s.Headers[k], err = sub.SubstituteEnvVars(h); err != nil {
				return nil, fmt.Errorf("config: server %q headers: %w", name, err)
			}
		}
		out[name] = s
	}
	return out, nil
}

// LoadSystemPrompt resolves the effective custom-instructions fragment:
// an inline string takes precedence over a file, and the file's contents
// get the same ${env://VAR} substitution as server config.
func LoadSystemPrompt(cfg *Config) (string, error) {
	if cfg.SystemPrompt != "" {
		return cfg.SystemPrompt, nil
	}
	if cfg.SystemPromptFile == "" {
		return "", nil
	}
	raw, err := os.ReadFile(cfg.SystemPromptFile)
	if err != nil {
		return "", fmt.Errorf("config: reading system prompt file %q: %w", cfg.SystemPromptFile, err)
	}
	sub := &EnvSubstituter{}
	text, err := sub.SubstituteEnvVars(string(raw))
	if err != nil {
		return "", fmt.Errorf("config: system prompt file %q: %w", cfg.SystemPromptFile, err)
	}
	return strings.TrimSpace(text), nil
}

// DefaultCacheDir returns the directory the catalog/installer/session
// components cache state under, honoring XDG_CACHE_HOME.
func DefaultCacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "agent")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent-cache"
	}
	return filepath.Join(home, ".cache", "agent")
}
