// Package installer implements the Package Installer (C3). The common
// provider SDKs (Anthropic, OpenAI, Google, Ollama, Bedrock) are compiled
// into this binary — Go has no runtime linking of untrusted code — so this
// component's job narrows to the external-gateway path described in
// SPEC_FULL.md §4.3: provider back-ends that live behind an HTTP gateway
// process implementing the LanguageModel capability interface. It tracks a
// manifest entry per gateway (analogous to the source's node_modules +
// package.json + _installTime bookkeeping) and applies the same
// staleness/timeout/retry rules.
//
// Concurrent installs of the same package are deduplicated with a keyed
// mutex, mirroring the per-provider OAuth-refresh gate (refreshLocks) in
// internal/auth.
package installer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	agenterr "github.com/link-assistant/agent/internal/errors"
	"github.com/link-assistant/agent/internal/core/concurrency"
)

// manifestEntry records one installed gateway package.
type manifestEntry struct {
	Package     string    `json:"package"`
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installedAt"`
	Path        string    `json:"path"`
}

type manifest struct {
	Entries map[string]manifestEntry `json:"entries"`
}

// Installer manages the on-disk manifest of gateway installs.
type Installer struct {
	root         string
	manifestPath string

	mu  sync.Mutex // guards manifest read/write
	doc manifest

	keyed   *concurrency.KeyedMutex
	inflight concurrency.Map[string, *installResult]

	latestRefreshThreshold time.Duration
	installDeadline        time.Duration
	retryDelays            []time.Duration

	installFn func(ctx context.Context, pkg, version string) (string, error)
}

type installResult struct {
	path string
	err  error
	done chan struct{}
}

// Config configures the Installer's root directory and an injectable
// install function (the actual "fetch a gateway binary/container" step,
// left to the caller since it is environment-specific).
type Config struct {
	Root                   string
	LatestRefreshThreshold time.Duration
	InstallDeadline        time.Duration
	RetryDelays            []time.Duration
	InstallFn              func(ctx context.Context, pkg, version string) (string, error)
}

// New constructs an Installer rooted at cfg.Root, loading any existing
// manifest.json found there.
func New(cfg Config) *Installer {
	if cfg.LatestRefreshThreshold <= 0 {
		cfg.LatestRefreshThreshold = 24 * time.Hour
	}
	if cfg.InstallDeadline <= 0 {
		cfg.InstallDeadline = 60 * time.Second
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}
	}
	if cfg.InstallFn == nil {
		cfg.InstallFn = func(ctx context.Context, pkg, version string) (string, error) {
			return filepath.Join(cfg.Root, pkg, version), nil
		}
	}

	inst := &Installer{
		root:                   cfg.Root,
		manifestPath:           filepath.Join(cfg.Root, "manifest.json"),
		keyed:                  concurrency.NewKeyedMutex(),
		latestRefreshThreshold: cfg.LatestRefreshThreshold,
		installDeadline:        cfg.InstallDeadline,
		retryDelays:            cfg.RetryDelays,
		installFn:              cfg.InstallFn,
	}
	inst.doc.Entries = make(map[string]manifestEntry)
	inst.load()
	return inst
}

func (i *Installer) load() {
	raw, err := os.ReadFile(i.manifestPath)
	if err != nil {
		return
	}
	var doc manifest
	if json.Unmarshal(raw, &doc) == nil && doc.Entries != nil {
		i.mu.Lock()
		i.doc = doc
		i.mu.Unlock()
	}
}

func (i *Installer) save() {
	_ = os.MkdirAll(i.root, 0o755)
	i.mu.Lock()
	raw, err := json.MarshalIndent(i.doc, "", "  ")
	i.mu.Unlock()
	if err != nil {
		return
	}
	_ = os.WriteFile(i.manifestPath, raw, 0o644)
}

// Install returns the installed path for pkg@version, installing or
// reinstalling as needed.
func (i *Installer) Install(ctx context.Context, pkg, version string) (string, error) {
	i.mu.Lock()
	entry, have := i.doc.Entries[pkg]
	i.mu.Unlock()

	if have {
		if version != "latest" && entry.Version == version {
			return entry.Path, nil
		}
		if version == "latest" && time.Since(entry.InstalledAt) < i.latestRefreshThreshold {
			return entry.Path, nil
		}
	}

	result, _ := i.inflight.LoadOrStore(pkg, func() *installResult {
		r := &installResult{done: make(chan struct{})}
		go i.runInstall(pkg, version, r)
		return r
	})
	<-result.done
	if result.err == nil {
		i.inflight.Delete(pkg)
	}
	return result.path, result.err
}

func (i *Installer) runInstall(pkg, version string, r *installResult) {
	unlock := i.keyed.Lock(pkg)
	defer unlock()
	defer close(r.done)

	var lastErr error
	for attempt := 0; attempt <= len(i.retryDelays); attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), i.installDeadline)
		path, err := i.installFn(ctx, pkg, version)
		cancel()
		if err == nil {
			r.path = path
			i.mu.Lock()
			i.doc.Entries[pkg] = manifestEntry{Package: pkg, Version: version, InstalledAt: time.Now(), Path: path}
			i.mu.Unlock()
			i.save()
			return
		}
		lastErr = err
		if attempt < len(i.retryDelays) {
			time.Sleep(i.retryDelays[attempt])
		}
	}
	r.err = agenterr.New(agenterr.KindInstallFailed, lastErr).WithProvider(pkg)
}
