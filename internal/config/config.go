// Package config loads and hot-reloads the gateway's JSON configuration:
// a global file under the user's config directory, optionally overridden by
// a per-project file, further overridden by KIRO_-prefixed environment
// variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/opencode-ai/kiro-gateway/internal/kiro"
)

// Config is the full set of recognized options, per spec.md §6.
type Config struct {
	ProactiveTokenRefresh      bool               `json:"proactive_token_refresh"`
	TokenRefreshIntervalSecs   int                `json:"token_refresh_interval_seconds"`
	TokenRefreshBufferSecs     int                `json:"token_refresh_buffer_seconds"`
	AccountSelectionStrategy   kiro.SelectionPolicy `json:"account_selection_strategy"`
	DefaultRegion              kiro.Region        `json:"default_region"`
	RateLimitMaxRetries        int                `json:"rate_limit_max_retries"`
	RateLimitRetryDelayMs      int                `json:"rate_limit_retry_delay_ms"`
	RequestTimeoutMs           int                `json:"request_timeout_ms"`
	ThinkingBudgetTokens       int                `json:"thinking_budget_tokens"`
	UsageTrackingEnabled       bool               `json:"usage_tracking_enabled"`
	Debug                      bool               `json:"debug"`
}

// Default returns the configuration spec.md's table lists as defaults.
func Default() Config {
	return Config{
		ProactiveTokenRefresh:    true,
		TokenRefreshIntervalSecs: 300,
		TokenRefreshBufferSecs:   600,
		AccountSelectionStrategy: kiro.PolicySticky,
		DefaultRegion:            kiro.RegionUSEast1,
		RateLimitMaxRetries:      3,
		RateLimitRetryDelayMs:    5000,
		RequestTimeoutMs:         120000,
		ThinkingBudgetTokens:     20000,
		UsageTrackingEnabled:     true,
		Debug:                    false,
	}
}

// GlobalPath returns $CONFIG/opencode/kiro.json, honoring XDG_CONFIG_HOME.
func GlobalPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve config dir: %w", err)
	}
	return filepath.Join(dir, "opencode", "kiro.json"), nil
}

// ProjectPath returns <projectDir>/.opencode/kiro.json.
func ProjectPath(projectDir string) string {
	return filepath.Join(projectDir, ".opencode", "kiro.json")
}

// Load reads the global file, then layers the project file over it (if
// present), then applies KIRO_-prefixed environment overrides. Missing
// files are not an error; their contents are simply skipped.
func Load(projectDir string) (Config, error) {
	cfg := Default()

	globalPath, err := GlobalPath()
	if err == nil {
		if err := mergeFile(&cfg, globalPath); err != nil {
			return cfg, err
		}
	}

	if projectDir != "" {
		if err := mergeFile(&cfg, ProjectPath(projectDir)); err != nil {
			return cfg, err
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// envOverrides maps KIRO_<NAME> to a setter applied against cfg. Keys are
// the upper-cased JSON tag with dots/underscores intact.
var envOverrides = map[string]func(*Config, string){
	"PROACTIVE_TOKEN_REFRESH": func(c *Config, v string) { c.ProactiveTokenRefresh = parseBool(v, c.ProactiveTokenRefresh) },
	"TOKEN_REFRESH_INTERVAL_SECONDS": func(c *Config, v string) {
		c.TokenRefreshIntervalSecs = parseInt(v, c.TokenRefreshIntervalSecs)
	},
	"TOKEN_REFRESH_BUFFER_SECONDS": func(c *Config, v string) {
		c.TokenRefreshBufferSecs = parseInt(v, c.TokenRefreshBufferSecs)
	},
	"ACCOUNT_SELECTION_STRATEGY": func(c *Config, v string) { c.AccountSelectionStrategy = kiro.SelectionPolicy(v) },
	"DEFAULT_REGION":             func(c *Config, v string) { c.DefaultRegion = kiro.NormalizeRegion(v) },
	"RATE_LIMIT_MAX_RETRIES":     func(c *Config, v string) { c.RateLimitMaxRetries = parseInt(v, c.RateLimitMaxRetries) },
	"RATE_LIMIT_RETRY_DELAY_MS":  func(c *Config, v string) { c.RateLimitRetryDelayMs = parseInt(v, c.RateLimitRetryDelayMs) },
	"REQUEST_TIMEOUT_MS":         func(c *Config, v string) { c.RequestTimeoutMs = parseInt(v, c.RequestTimeoutMs) },
	"THINKING_BUDGET_TOKENS":     func(c *Config, v string) { c.ThinkingBudgetTokens = parseInt(v, c.ThinkingBudgetTokens) },
	"USAGE_TRACKING_ENABLED":     func(c *Config, v string) { c.UsageTrackingEnabled = parseBool(v, c.UsageTrackingEnabled) },
	"DEBUG":                      func(c *Config, v string) { c.Debug = parseBool(v, c.Debug) },
}

const envPrefix = "KIRO_"

func applyEnvOverrides(cfg *Config) {
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		key := strings.TrimPrefix(name, envPrefix)
		if setter, ok := envOverrides[key]; ok {
			setter(cfg, value)
		}
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func parseInt(v string, fallback int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Watcher reloads Config whenever the global or project file changes on
// disk, invoking onChange with the newly loaded value.
type Watcher struct {
	mu        sync.Mutex
	current   Config
	fsWatcher *fsnotify.Watcher
	onChange  func(Config)
	done      chan struct{}
}

// WatchOption configures Watch.
type WatchOption func(*Watcher)

// OnChange registers a callback invoked after every successful reload.
func OnChange(cb func(Config)) WatchOption {
	return func(w *Watcher) { w.onChange = cb }
}

// Watch loads the initial configuration and starts watching both candidate
// files for changes, reloading and invoking onChange whenever either one is
// written. The returned Watcher must be closed with Stop.
func Watch(projectDir string, opts ...WatchOption) (*Watcher, error) {
	cfg, err := Load(projectDir)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}

	w := &Watcher{current: cfg, fsWatcher: fw, done: make(chan struct{})}
	for _, opt := range opts {
		opt(w)
	}

	for _, path := range candidatePaths(projectDir) {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			continue
		}
		if err := fw.Add(dir); err != nil {
			log.Warnf("config: watch %s: %v", dir, err)
		}
	}

	go w.loop(projectDir)
	return w, nil
}

func candidatePaths(projectDir string) []string {
	var paths []string
	if p, err := GlobalPath(); err == nil {
		paths = append(paths, p)
	}
	if projectDir != "" {
		paths = append(paths, ProjectPath(projectDir))
	}
	return paths
}

func (w *Watcher) loop(projectDir string) {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !isConfigFile(ev.Name) {
				continue
			}
			cfg, err := Load(projectDir)
			if err != nil {
				log.Warnf("config: reload failed: %v", err)
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			if w.onChange != nil {
				w.onChange(cfg)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config: watcher error: %v", err)
		}
	}
}

func isConfigFile(name string) bool {
	return filepath.Base(name) == "kiro.json"
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop halts the watcher goroutine and releases its fsnotify handle.
func (w *Watcher) Stop() {
	close(w.done)
	w.fsWatcher.Close()
}
