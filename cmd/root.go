package cmd

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/link-assistant/agent/internal/auth"
	"github.com/link-assistant/agent/internal/config"
	"github.com/link-assistant/agent/internal/core/catalog"
	"github.com/link-assistant/agent/internal/core/driver"
	"github.com/link-assistant/agent/internal/core/emitter"
	"github.com/link-assistant/agent/internal/core/event"
	"github.com/link-assistant/agent/internal/core/provider"
	"github.com/link-assistant/agent/internal/core/runtime"
	"github.com/link-assistant/agent/internal/core/stream"
	"github.com/link-assistant/agent/internal/core/tooldispatch"
	"github.com/link-assistant/agent/internal/core/transport"
	"github.com/link-assistant/agent/internal/core/types"
	"github.com/link-assistant/agent/internal/hooks"
)

var (
	modelFlag                string
	promptFlag                string
	systemMessageFlag         string
	systemMessageFileFlag     string
	appendSystemMessageFlag   string
	appendSystemMessageFileFlag string
	resumeFlag                string
	continueFlag              bool
	noForkFlag                bool
	serverFlag                bool
	verboseFlag               bool
	dryRunFlag                bool
	compactJSONFlag           bool
	jsonStandardFlag          string
	alwaysAcceptStdinFlag     bool
	autoMergeQueuedFlag       bool
	interactiveFlag           bool
	generateTitleFlag         bool
	summarizeSessionFlag      bool
	outputResponseModelFlag   bool
	retryTimeoutFlag          int
	configFileFlag            string
)

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "An autonomous CLI AI coding agent",
	Long: `agent drives one conversational session through a resolved model
provider, dispatching tool calls and emitting structured JSON events to
standard output for a host process to consume.`,
	RunE: runDefault,
}

// Execute runs the root command through fang for styled help/usage and
// error rendering, exiting the process with 1 on any published terminal
// error or uncaught failure.
func Execute() {
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&modelFlag, "model", "", "provider/model id to use (e.g. anthropic/claude-sonnet-4-5)")
	flags.StringVarP(&promptFlag, "prompt", "p", "", "run a single prompt non-interactively instead of reading stdin")
	flags.StringVar(&systemMessageFlag, "system-message", "", "override the composed system prompt entirely")
	flags.StringVar(&systemMessageFileFlag, "system-message-file", "", "read --system-message from a file")
	flags.StringVar(&appendSystemMessageFlag, "append-system-message", "", "append custom instructions to the composed system prompt")
	flags.StringVar(&appendSystemMessageFileFlag, "append-system-message-file", "", "read --append-system-message from a file")
	flags.StringVarP(&resumeFlag, "resume", "r", "", "resume a prior session by id")
	flags.BoolVarP(&continueFlag, "continue", "c", false, "continue the most recently updated session")
	flags.BoolVar(&noForkFlag, "no-fork", false, "resume in place instead of forking a new session id")
	flags.BoolVar(&serverFlag, "server", false, "serve the agent over HTTP instead of stdio")
	flags.BoolVar(&verboseFlag, "verbose", false, "enable HTTP tracing")
	flags.BoolVar(&dryRunFlag, "dry-run", false, "skip outbound LLM calls and package installs, emitting synthetic events")
	flags.BoolVar(&compactJSONFlag, "compact-json", false, "emit single-line JSON envelopes")
	flags.StringVar(&jsonStandardFlag, "json-standard", "opencode", "event envelope shape: opencode or claude")
	flags.BoolVar(&alwaysAcceptStdinFlag, "always-accept-stdin", false, "keep accepting stdin lines even after a turn errors")
	flags.BoolVar(&autoMergeQueuedFlag, "auto-merge-queued-messages", false, "concatenate stdin lines arriving within a short debounce window")
	flags.BoolVar(&interactiveFlag, "interactive", false, "wrap non-JSON stdin lines as {\"message\": \"<line>\"}")
	flags.BoolVar(&generateTitleFlag, "generate-title", false, "derive a session title from the first user message")
	flags.BoolVar(&summarizeSessionFlag, "summarize-session", false, "attach a lightweight summary to the session record on exit")
	flags.BoolVar(&outputResponseModelFlag, "output-response-model", false, "publish the resolved provider/model id as a status event after the run")
	flags.IntVar(&retryTimeoutFlag, "retry-timeout", 0, "override the retry transport's global budget, in seconds")
	flags.StringVar(&configFileFlag, "config", "", "path to the agent config file (default: $HOME/.agent.json)")

	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(mcpCmd)
}

// envAlias reads an environment variable under its LINK_ASSISTANT_AGENT_
// prefix first, falling back to the legacy OPENCODE_ prefix.
func envAlias(name string) (string, bool) {
	if v := os.Getenv("LINK_ASSISTANT_AGENT_" + name); v != "" {
		return v, true
	}
	if v := os.Getenv("OPENCODE_" + name); v != "" {
		return v, true
	}
	return "", false
}

func envBool(name string) bool {
	v, ok := envAlias(name)
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

func envSeconds(name string) time.Duration {
	v, ok := envAlias(name)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func runDefault(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	verbose := verboseFlag || envBool("VERBOSE")
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(configFileFlag)
	if err != nil {
		return err
	}

	allowedDirs := cfg.AllowedDirectories
	if len(allowedDirs) == 0 {
		if wd, err := os.Getwd(); err == nil {
			allowedDirs = []string{wd}
		}
	}

	bus := event.New(logger)

	tcfg := transport.Config{
		Verbose:     verbose,
		Logger:      logger,
		OnHTTPTrace: func(e types.Event) { bus.Publish(e) },
	}
	if d := envSeconds("RETRY_TIMEOUT"); d > 0 {
		tcfg.GlobalBudget = d
	}
	if retryTimeoutFlag > 0 {
		tcfg.GlobalBudget = time.Duration(retryTimeoutFlag) * time.Second
	}
	if d := envSeconds("MAX_RETRY_DELAY"); d > 0 {
		tcfg.MaxPerRetryDelay = d
	}
	if d := envSeconds("MIN_RETRY_INTERVAL"); d > 0 {
		tcfg.MinInterval = d
	}
	rt := transport.New(http.DefaultTransport, tcfg)
	rt.RateLimitCtx = ctx
	http.DefaultClient.Transport = rt

	cacheDir := config.DefaultCacheDir()
	cat := catalog.New(catalog.Config{CacheDir: cacheDir, HTTPClient: http.DefaultClient, Logger: logger})

	cm, err := auth.NewCredentialManager()
	if err != nil {
		return fmt.Errorf("agent: initializing credential manager: %w", err)
	}
	credStore := auth.NewResolverStore(cm)

	tokenProvider := func() (string, bool) {
		creds, err := cm.GetAnthropicCredentials()
		if err != nil || creds == nil || creds.Type != "oauth" {
			return "", false
		}
		token, err := cm.GetValidAccessToken()
		if err != nil || token == "" {
			return "", false
		}
		return token, true
	}

	resolver := provider.New(ctx, provider.Config{
		Catalog:     cat,
		Credentials: credStore,
		Loaders:     []provider.Loader{provider.AnthropicOAuthLoader(tokenProvider), provider.BedrockRegionLoader()},
		Build:       provider.BuildSDKHandle,
	})

	store, err := runtime.NewStore(filepath.Join(cacheDir, "sessions"))
	if err != nil {
		return err
	}

	rec, err := resolveSessionRecord(store)
	if err != nil {
		return err
	}

	hooksCfg, err := hooks.LoadHooksConfig(existingHookPaths()...)
	if err != nil {
		return err
	}
	transcriptPath := filepath.Join(cacheDir, "sessions", rec.ID+".jsonl")
	hooksExec := hooks.NewExecutor(hooksCfg, rec.ID, transcriptPath)

	workspace := ""
	if len(allowedDirs) > 0 {
		workspace = allowedDirs[0]
	}
	registry := tooldispatch.New(tooldispatch.Config{Workspace: workspace, Logger: logger, Hooks: hooksExec})
	registry.RegisterBuiltins(allowedDirs)
	for name, srv := range cfg.MCPServers {
		mc, err := config.NewMCPClient(ctx, name, srv)
		if err != nil {
			logger.Error("mcp server unavailable", "server", name, "err", err)
			continue
		}
		if err := registry.RegisterMCPServer(ctx, name, mc); err != nil {
			logger.Error("mcp server registration failed", "server", name, "err", err)
		}
	}

	drv := &driver.Driver{Tools: func() []driver.ToolDef {
		infos := registry.ListToolInfo()
		defs := make([]driver.ToolDef, len(infos))
		for i, t := range infos {
			defs[i] = driver.ToolDef{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
		}
		return defs
	}}

	costLookup := func() types.CostTable {
		for _, p := range resolver.List() {
			if p.ID != rec.Metadata.Provider {
				continue
			}
			for _, m := range p.Models {
				if m.RealID == rec.Metadata.Model || m.ID == rec.Metadata.Model {
					return m.Cost
				}
			}
		}
		return types.CostTable{}
	}
	processor := stream.New(bus, registry, costLookup, logger)

	var attempts int
	retryBudget := runtime.ClassifyForRetry(func() bool {
		attempts++
		return attempts <= 3
	})

	loop := &runtime.Loop{Bus: bus, Resolver: resolver, Processor: processor, Driver: drv, Store: store, Logger: logger, RetryBudget: retryBudget}

	providerID, realModelID, ok := resolver.ResolveShortName(modelFlag)
	if !ok {
		providerID, realModelID, ok = resolver.DefaultModel(cfg.Model)
		if !ok {
			return fmt.Errorf("agent: no usable model resolved (checked --model %q and configured default %q)", modelFlag, cfg.Model)
		}
	}

	systemPrompt, err := composeSystemPrompt(cfg, providerID, tokenProvider)
	if err != nil {
		return err
	}

	var enc emitter.Encoder = emitter.OpencodeEncoder{Compact: compactJSONFlag}
	if jsonStandardFlag == "claude" {
		enc = emitter.ClaudeCompatibleEncoder{Compact: compactJSONFlag}
	}
	writer := &emitter.Writer{Stdout: os.Stdout, Stderr: os.Stderr, Encoder: enc}
	sub := bus.Subscribe(event.Filter{})
	go emitter.Run(sub, writer)
	defer sub.Cancel()

	bus.Publish(types.Event{Kind: types.EventSessionCreated, SessionID: rec.ID, Data: map[string]any{
		"provider": providerID, "model": realModelID, "parentId": rec.ParentID,
	}})

	if dryRunFlag {
		bus.Publish(types.Event{Kind: types.EventTextFinal, SessionID: rec.ID, Data: map[string]any{"text": "dry run: no outbound call made"}})
		bus.Publish(types.Event{Kind: types.EventSessionIdle, SessionID: rec.ID, Data: map[string]any{"usage": rec.Usage}})
		return nil
	}

	if serverFlag {
		return runServerMode(ctx, serverDeps{
			loop: loop, store: store, resolver: resolver, bus: bus,
			providerID: providerID, modelID: realModelID, systemPrompt: systemPrompt,
			logger: logger,
		})
	}

	runErr := runTurns(ctx, loop, rec, providerID, realModelID, systemPrompt, bus)

	if generateTitleFlag && rec.Title == "" {
		rec.Title = deriveTitle(rec)
	}
	if summarizeSessionFlag {
		rec.Summary = deriveSummary(rec)
	}
	if (generateTitleFlag || summarizeSessionFlag) && runErr == nil {
		_ = store.Save(rec)
	}
	if outputResponseModelFlag {
		bus.Publish(types.Event{Kind: types.EventStatus, SessionID: rec.ID, Data: map[string]any{"provider": providerID, "model": realModelID}})
	}

	return runErr
}

// resolveSessionRecord implements the --resume/--continue/fresh-session
// selection rule: --resume loads an explicit id,
// --continue loads the most recently updated one, and otherwise a fresh
// session id is minted. --no-fork resumes in place instead of copying the
// history under a new id.
func resolveSessionRecord(store *runtime.Store) (*runtime.Record, error) {
	switch {
	case resumeFlag != "":
		return store.Resume(resumeFlag, noForkFlag)
	case continueFlag:
		id, err := store.MostRecent()
		if err != nil {
			return nil, err
		}
		if id == "" {
			return runtime.NewRecord(runtime.NewSessionID()), nil
		}
		return store.Resume(id, noForkFlag)
	default:
		return runtime.NewRecord(runtime.NewSessionID()), nil
	}
}

func existingHookPaths() []string {
	var out []string
	candidates := []string{filepath.Join(".", "hooks.yml")}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".agent", "hooks.yml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// composeSystemPrompt implements the system-prompt composition rules: an
// explicit --system-message[-file] replaces the whole prompt;
// --append-system-message[-file] and the config file's custom
// instructions both feed the "second entry"; an OAuth Anthropic session
// always gets its mandated header entry prepended.
func composeSystemPrompt(cfg *config.Config, providerID string, tokenProvider func() (string, bool)) ([]string, error) {
	userOverride, userOverrideSet, err := resolveUserOverride()
	if err != nil {
		return nil, err
	}

	customInstructions, err := config.LoadSystemPrompt(cfg)
	if err != nil {
		return nil, err
	}
	if appendSystemMessageFlag != "" {
		customInstructions = strings.TrimSpace(customInstructions + "\n\n" + appendSystemMessageFlag)
	}
	if appendSystemMessageFileFlag != "" {
		raw, err := os.ReadFile(appendSystemMessageFileFlag)
		if err != nil {
			return nil, fmt.Errorf("agent: reading --append-system-message-file: %w", err)
		}
		customInstructions = strings.TrimSpace(customInstructions + "\n\n" + string(raw))
	}

	_, oauth := tokenProvider()
	oauthAnthropic := providerID == "anthropic" && oauth

	return runtime.ComposeSystemPrompt(runtime.SystemPromptParts{
		ProviderHeader:      providerHeader(providerID),
		EnvironmentContext:  environmentContext(),
		CustomInstructions:  customInstructions,
		UserOverride:        userOverride,
		UserOverrideSet:     userOverrideSet,
		OAuthAnthropic:      oauthAnthropic,
		OAuthHeaderRequired: "You are Claude Code, Anthropic's official CLI for Claude, accessed via an OAuth-authenticated session.",
	}), nil
}

func resolveUserOverride() (string, bool, error) {
	if systemMessageFlag != "" {
		return systemMessageFlag, true, nil
	}
	if systemMessageFileFlag != "" {
		raw, err := os.ReadFile(systemMessageFileFlag)
		if err != nil {
			return "", false, fmt.Errorf("agent: reading --system-message-file: %w", err)
		}
		return strings.TrimSpace(string(raw)), true, nil
	}
	return "", false, nil
}

func providerHeader(providerID string) string {
	return fmt.Sprintf("You are an autonomous coding agent driven through the %s provider.", providerID)
}

func environmentContext() string {
	wd, _ := os.Getwd()
	return fmt.Sprintf("Working directory: %s", wd)
}

func deriveTitle(rec *runtime.Record) string {
	for _, msg := range rec.Messages {
		if msg.Role != types.RoleUser {
			continue
		}
		for _, p := range msg.Parts {
			if p.Kind == types.PartText && p.Text != "" {
				title := strings.TrimSpace(p.Text)
				if runes := []rune(title); len(runes) > 60 {
					title = string(runes[:60]) + "…"
				}
				return title
			}
		}
	}
	return ""
}

func deriveSummary(rec *runtime.Record) string {
	return fmt.Sprintf("%d messages, %d input / %d output tokens", len(rec.Messages), rec.Usage.Input, rec.Usage.Output)
}

func appendUserMessage(rec *runtime.Record, text string) {
	rec.Messages = append(rec.Messages, types.Message{
		ID:        runtime.NewMessageID(),
		SessionID: rec.ID,
		Role:      types.RoleUser,
		Parts:     []types.Part{{ID: runtime.NewMessageID(), Kind: types.PartText, Text: text}},
		CreatedAt: time.Now(),
		Finished:  true,
	})
}

// parseStdinLine extracts the user message from one request line: the
// non-empty "message" field of a JSON line wins; otherwise, in interactive
// mode, the whole trimmed line is the message. It reports false for a blank
// line, and outside interactive mode for a line with no "message" field.
func parseStdinLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}
	if gjson.Valid(trimmed) {
		if msg := gjson.Get(trimmed, "message").String(); msg != "" {
			return msg, true
		}
	}
	if interactiveFlag {
		return trimmed, true
	}
	return "", false
}

// runTurns drives either the single --prompt turn or the stdin request
// loop (with --auto-merge-queued-messages debouncing and
// --always-accept-stdin error tolerance) through the loop for rec.
func runTurns(ctx context.Context, loop *runtime.Loop, rec *runtime.Record, providerID, modelID string, systemPrompt []string, bus *event.Bus) error {
	if promptFlag != "" {
		appendUserMessage(rec, promptFlag)
		return loop.Run(ctx, rec, providerID, modelID, systemPrompt)
	}

	flushCh := make(chan string, 64)
	go scanStdin(flushCh)

	for line := range flushCh {
		msg, ok := parseStdinLine(line)
		if !ok {
			continue
		}
		appendUserMessage(rec, msg)
		if err := loop.Run(ctx, rec, providerID, modelID, systemPrompt); err != nil {
			bus.Publish(types.Event{Kind: types.EventError, SessionID: rec.ID, Data: map[string]any{
				"errorType": "RuntimeError", "message": err.Error(),
			}})
			if !alwaysAcceptStdinFlag {
				return err
			}
		}
	}
	return nil
}

// scanStdin reads one request per line, optionally merging lines arriving
// within a short debounce window into a single turn.
func scanStdin(out chan<- string) {
	defer close(out)

	const debounce = 150 * time.Millisecond
	var mu sync.Mutex
	var pending []string
	var timer *time.Timer

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !autoMergeQueuedFlag {
			out <- line
			continue
		}
		mu.Lock()
		pending = append(pending, line)
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			mu.Lock()
			merged := strings.Join(pending, "\n")
			pending = nil
			mu.Unlock()
			out <- merged
		})
		mu.Unlock()
	}
}
