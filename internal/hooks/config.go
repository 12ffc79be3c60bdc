package hooks

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/link-assistant/agent/internal/config"
)

// HookEntry describes one command to run when its matcher fires.
type HookEntry struct {
	Type    string `yaml:"type"`
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout,omitempty"` // seconds; 0 means no explicit deadline
}

// HookMatcher pairs a tool-name pattern with the hooks it triggers.
// Matcher is ignored for events where HookEvent.RequiresMatcher() is false.
type HookMatcher struct {
	Matcher string      `yaml:"matcher"`
	Hooks   []HookEntry `yaml:"hooks"`
}

// HookConfig is the parsed shape of one or more hooks.yml files, keyed by
// lifecycle event.
type HookConfig struct {
	Hooks map[HookEvent][]HookMatcher `yaml:"hooks"`
}

type rawHookConfig struct {
	Hooks map[HookEvent][]HookMatcher `yaml:"hooks"`
}

// LoadHooksConfig reads and merges one or more YAML hook files in order.
// Matchers for the same event from later files are appended after earlier
// ones, never replacing them — a project's hooks.yml and a user's global
// hooks.yml both apply. Each file's contents are passed through
// ${env://VAR:-default} substitution before parsing.
func LoadHooksConfig(paths ...string) (*HookConfig, error) {
	merged := &HookConfig{Hooks: map[HookEvent][]HookMatcher{}}
	sub := &config.EnvSubstituter{}

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("hooks: reading %s: %w", path, err)
		}

		substituted, err := sub.SubstituteEnvVars(string(raw))
		if err != nil {
			return nil, fmt.Errorf("hooks: substituting env vars in %s: %w", path, err)
		}

		var parsed rawHookConfig
		if err := yaml.Unmarshal([]byte(substituted), &parsed); err != nil {
			return nil, fmt.Errorf("hooks: parsing %s: %w", path, err)
		}

		for event, matchers := range parsed.Hooks {
			merged.Hooks[event] = append(merged.Hooks[event], matchers...)
		}
	}

	return merged, nil
}

// matchesPattern reports whether toolName satisfies pattern. An empty
// pattern matches every tool. Otherwise pattern is compiled as a regular
// expression, so exact names, "a|b" alternation, "mcp__.*" prefixes, and
// "^anchored$" forms all work as a caller would expect from a tool filter.
func matchesPattern(pattern, toolName string) bool {
	if pattern == "" {
		return true
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return pattern == toolName
	}
	return re.MatchString(toolName)
}
