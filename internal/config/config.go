// Package config loads and hot-reloads the router's configuration: HTTP
// listen address, provider credential buckets, and named load-balance
// routing profiles.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 6970
	DefaultConfigFilename = "config.json"
	DefaultYAMLFilename   = "config.yaml"
	DefaultHost           = "127.0.0.1"

	// DefaultMaxAttempts and friends seed RetryOrchestrator ephemerals when
	// a route doesn't override them (see internal/retry.Options).
	DefaultMaxAttempts       = 6
	DefaultInitialDelayMs    = 5000
	DefaultMaxDelayMs        = 30000
	DefaultFailoverRetries   = 1
	DefaultBucketCooldownSec = 300
)

var (
	// DefaultProviderURLs give each known provider family its canonical
	// base endpoint when a bucket omits one.
	DefaultProviderURLs = map[string]string{
		"openrouter": "https://openrouter.ai/api/v1/chat/completions",
		"openai":     "https://api.openai.com/v1/chat/completions",
		"anthropic":  "https://api.anthropic.com/v1/messages",
		"nvidia":     "https://integrate.api.nvidia.com/v1/chat/completions",
		"gemini":     "https://generativelanguage.googleapis.com/v1beta/models",
	}

	// DefaultProviderModels list a provider's known models for config
	// scaffolding and the model whitelist filter.
	DefaultProviderModels = map[string][]string{
		"openrouter": {
			"anthropic/claude-3.5-sonnet",
			"anthropic/claude-3-opus",
			"openai/gpt-4-turbo",
			"openai/gpt-4o",
		},
		"openai": {
			"gpt-4o",
			"gpt-4-turbo",
			"gpt-4",
			"gpt-3.5-turbo",
		},
		"anthropic": {
			"claude-3-5-sonnet-20241022",
			"claude-3-opus-20240229",
			"claude-3-haiku-20240307",
		},
		"nvidia": {
			"nvidia/llama-3.1-nemotron-70b-instruct",
			"nvidia/llama-3.1-nemotron-51b-instruct",
		},
		"gemini": {
			"gemini-2.0-flash",
			"gemini-1.5-pro",
			"gemini-1.5-flash",
		},
	}
)

// Bucket is an opaque credential handle: a bucket name, model id, and the
// auth/endpoint override needed to reach it. BucketFailoverController walks
// an ordered list of these.
type Bucket struct {
	Name    string `json:"name" yaml:"name"`
	APIBase string `json:"api_base_url,omitempty" yaml:"url,omitempty"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
}

// Provider is one configured upstream vendor: its default endpoint/model
// set plus an ordered list of credential Buckets for failover.
type Provider struct {
	Name           string   `json:"name" yaml:"name"`
	APIBase        string   `json:"api_base_url" yaml:"url,omitempty"`
	APIKey         string   `json:"api_key" yaml:"api_key,omitempty"`
	Models         []string `json:"models" yaml:"models,omitempty"`
	ModelWhitelist []string `json:"model_whitelist,omitempty" yaml:"model_whitelist,omitempty"`
	DefaultModels  []string `json:"default_models,omitempty" yaml:"default_models,omitempty"`
	Buckets        []Bucket `json:"buckets,omitempty" yaml:"buckets,omitempty"`
}

// EphemeralDefaults seeds per-call retry/streaming overrides when a route
// or request doesn't supply its own.
type EphemeralDefaults struct {
	Retries          int    `json:"retries,omitempty" yaml:"retries,omitempty"`
	RetryWaitMs      int    `json:"retrywait_ms,omitempty" yaml:"retrywait_ms,omitempty"`
	StreamTimeoutMs  int    `json:"stream_timeout_ms,omitempty" yaml:"stream_timeout_ms,omitempty"`
	ToolOutputMaxTok int    `json:"tool_output_max_tokens,omitempty" yaml:"tool_output_max_tokens,omitempty"`
	DumpContext      string `json:"dumpcontext,omitempty" yaml:"dumpcontext,omitempty"` // off|on|error|now
}

// SubProfile names one bucket (by "provider,bucket" or "provider" for the
// provider's own APIKey/APIBase) as a candidate within a LoadBalanceProfile.
type SubProfile struct {
	Name     string `json:"name" yaml:"name"`
	Provider string `json:"provider" yaml:"provider"`
	Bucket   string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	Weight   int    `json:"weight,omitempty" yaml:"weight,omitempty"` // used by strategy=weighted
}

// LoadBalanceProfile configures a LoadBalancingProvider: a dispatch
// strategy over an ordered set of sub-profiles.
type LoadBalanceProfile struct {
	Name               string            `json:"name" yaml:"name"`
	Strategy           string            `json:"strategy" yaml:"strategy"` // round-robin|failover|weighted|health-aware
	SubProfiles        []SubProfile      `json:"sub_profiles" yaml:"sub_profiles"`
	EphemeralDefaults  EphemeralDefaults `json:"ephemeral_defaults,omitempty" yaml:"ephemeral_defaults,omitempty"`
	FailoverRetryCount int               `json:"failover_retry_count,omitempty" yaml:"failover_retry_count,omitempty"`
}

type RouterConfig struct {
	Default     string `json:"default" yaml:"default,omitempty"`
	Think       string `json:"think,omitempty" yaml:"think,omitempty"`
	Background  string `json:"background,omitempty" yaml:"background,omitempty"`
	LongContext string `json:"longContext,omitempty" yaml:"long_context,omitempty"`
	WebSearch   string `json:"webSearch,omitempty" yaml:"web_search,omitempty"`
}

type Config struct {
	Host                string               `json:"HOST,omitempty" yaml:"host,omitempty"`
	Port                int                  `json:"PORT,omitempty" yaml:"port,omitempty"`
	APIKey              string               `json:"APIKEY,omitempty" yaml:"api_key,omitempty"`
	Providers           []Provider           `json:"Providers" yaml:"providers"`
	Router              RouterConfig         `json:"Router" yaml:"router,omitempty"`
	LoadBalanceProfiles []LoadBalanceProfile `json:"load_balance_profiles,omitempty" yaml:"load_balance_profiles,omitempty"`
	EphemeralDefaults   EphemeralDefaults    `json:"ephemeral_defaults,omitempty" yaml:"ephemeral_defaults,omitempty"`
}

// Manager owns the on-disk config file(s), an atomically-swapped in-memory
// copy, and an optional fsnotify watcher for hot reload.
type Manager struct {
	baseDir     string
	jsonPath    string
	yamlPath    string
	configValue atomic.Value
	logger      *slog.Logger
	watcher     *fsnotify.Watcher
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir:  baseDir,
		jsonPath: filepath.Join(baseDir, DefaultConfigFilename),
		yamlPath: filepath.Join(baseDir, DefaultYAMLFilename),
		logger:   slog.Default(),
	}
}

// createMinimalConfig builds a config with all providers keyed off
// COROUTER_API_KEY, used when no config file exists but the env var is set.
func (m *Manager) createMinimalConfig() Config {
	return Config{
		Host: DefaultHost,
		Port: DefaultPort,
		Providers: []Provider{
			{Name: "openrouter"},
			{Name: "openai"},
			{Name: "anthropic"},
			{Name: "nvidia"},
			{Name: "gemini"},
		},
		Router: RouterConfig{
			Default:     "openrouter,anthropic/claude-3.5-sonnet",
			Think:       "openai,o1-preview",
			Background:  "anthropic,claude-3-haiku-20240307",
			LongContext: "anthropic,claude-3-5-sonnet-20241022",
			WebSearch:   "openrouter,perplexity/llama-3.1-sonar-huge-128k-online",
		},
		EphemeralDefaults: EphemeralDefaults{
			Retries:         DefaultMaxAttempts,
			RetryWaitMs:     DefaultInitialDelayMs,
			StreamTimeoutMs: 0,
		},
	}
}

func (m *Manager) Load() (*Config, error) {
	var cfg Config
	var err error

	apiKey := os.Getenv("COROUTER_API_KEY")

	switch {
	case fileExists(m.yamlPath):
		cfg, err = m.loadYAML()
		if err != nil {
			return nil, fmt.Errorf("load YAML config: %w", err)
		}
	case fileExists(m.jsonPath):
		cfg, err = m.loadJSON()
		if err != nil {
			return nil, fmt.Errorf("load JSON config: %w", err)
		}
	case apiKey != "":
		cfg = m.createMinimalConfig()
	default:
		return nil, fmt.Errorf("no configuration file found (looked for %s or %s) and COROUTER_API_KEY environment variable not set", m.yamlPath, m.jsonPath)
	}

	if err := m.applyDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	m.configValue.Store(&cfg)

	return &cfg, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (m *Manager) loadYAML() (Config, error) {
	var cfg Config

	data, err := os.ReadFile(m.yamlPath)
	if err != nil {
		return cfg, fmt.Errorf("read YAML config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal YAML config: %w", err)
	}

	return cfg, nil
}

func (m *Manager) loadJSON() (Config, error) {
	var cfg Config

	data, err := os.ReadFile(m.jsonPath)
	if err != nil {
		return cfg, fmt.Errorf("read JSON config file: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal JSON config: %w", err)
	}

	return cfg, nil
}

func (m *Manager) applyDefaults(cfg *Config) error {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	if cfg.EphemeralDefaults.Retries == 0 {
		cfg.EphemeralDefaults.Retries = DefaultMaxAttempts
	}

	if cfg.EphemeralDefaults.RetryWaitMs == 0 {
		cfg.EphemeralDefaults.RetryWaitMs = DefaultInitialDelayMs
	}

	for i := range cfg.Providers {
		provider := &cfg.Providers[i]

		if provider.APIBase == "" {
			if defaultURL, exists := DefaultProviderURLs[provider.Name]; exists {
				provider.APIBase = defaultURL
			}
		}

		if len(provider.DefaultModels) == 0 {
			if defaultModels, exists := DefaultProviderModels[provider.Name]; exists {
				provider.DefaultModels = make([]string, len(defaultModels))
				copy(provider.DefaultModels, defaultModels)
			}
		}

		if len(provider.ModelWhitelist) > 0 && len(provider.DefaultModels) > 0 {
			var filteredDefaults []string

			for _, model := range provider.DefaultModels {
				for _, whitelisted := range provider.ModelWhitelist {
					if strings.Contains(model, whitelisted) || model == whitelisted {
						filteredDefaults = append(filteredDefaults, model)
						break
					}
				}
			}

			provider.DefaultModels = filteredDefaults
		}

		for b := range provider.Buckets {
			if provider.Buckets[b].APIBase == "" {
				provider.Buckets[b].APIBase = provider.APIBase
			}
		}
	}

	for i := range cfg.LoadBalanceProfiles {
		lb := &cfg.LoadBalanceProfiles[i]
		if lb.Strategy == "" {
			lb.Strategy = "round-robin"
		}

		if lb.FailoverRetryCount <= 0 {
			lb.FailoverRetryCount = DefaultFailoverRetries
		}
	}

	return nil
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		return &Config{Host: DefaultHost, Port: DefaultPort}
	}

	return cfg
}

// FindBucketSource resolves a "provider,bucket" sub-profile reference into
// a Bucket. An empty bucket name falls back to the provider's own
// APIKey/APIBase as a single implicit bucket.
func (c *Config) FindBucketSource(providerName, bucketName string) (Bucket, bool) {
	for _, p := range c.Providers {
		if p.Name != providerName {
			continue
		}

		if bucketName == "" {
			return Bucket{Name: p.Name, APIBase: p.APIBase, APIKey: p.APIKey}, true
		}

		for _, b := range p.Buckets {
			if b.Name == bucketName {
				return b, true
			}
		}
	}

	return Bucket{}, false
}

func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal YAML config: %w", err)
	}

	if err := os.WriteFile(m.yamlPath, data, 0o600); err != nil {
		return fmt.Errorf("write YAML config file: %w", err)
	}

	m.configValue.Store(cfg)

	return nil
}

func (m *Manager) SaveAsYAML(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal YAML config: %w", err)
	}

	if err := os.WriteFile(m.yamlPath, data, 0o600); err != nil {
		return fmt.Errorf("write YAML config file: %w", err)
	}

	m.configValue.Store(cfg)

	return nil
}

func (m *Manager) SaveAsJSON(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON config: %w", err)
	}

	if err := os.WriteFile(m.jsonPath, data, 0o600); err != nil {
		return fmt.Errorf("write JSON config file: %w", err)
	}

	m.configValue.Store(cfg)

	return nil
}

func (m *Manager) GetPath() string {
	if fileExists(m.yamlPath) {
		return m.yamlPath
	}

	return m.jsonPath
}

// BaseDir returns the directory this manager's config files live under,
// used by callers that need to place sibling state (e.g. dump output)
// alongside the config.
func (m *Manager) BaseDir() string { return m.baseDir }

func (m *Manager) GetYAMLPath() string { return m.yamlPath }

func (m *Manager) GetJSONPath() string { return m.jsonPath }

func (m *Manager) Exists() bool {
	return fileExists(m.yamlPath) || fileExists(m.jsonPath)
}

func (m *Manager) HasYAML() bool { return fileExists(m.yamlPath) }

func (m *Manager) HasJSON() bool { return fileExists(m.jsonPath) }

// CreateExampleYAML writes a fully-populated example configuration,
// including a sample load-balance profile, covering all known providers.
func (m *Manager) CreateExampleYAML() error {
	cfg := &Config{
		Host:   DefaultHost,
		Port:   DefaultPort,
		APIKey: "your-proxy-api-key-here",
		Providers: []Provider{
			{
				Name:           "openrouter",
				APIKey:         "your-openrouter-api-key",
				ModelWhitelist: []string{"claude", "gpt-4"},
				Buckets: []Bucket{
					{Name: "primary", APIKey: "your-openrouter-api-key"},
					{Name: "secondary", APIKey: "your-backup-openrouter-api-key"},
				},
			},
			{Name: "openai", APIKey: "your-openai-api-key"},
			{Name: "anthropic", APIKey: "your-anthropic-api-key"},
			{Name: "nvidia", APIKey: "your-nvidia-api-key"},
			{Name: "gemini", APIKey: "your-gemini-api-key"},
		},
		Router: RouterConfig{
			Default:     "openrouter/anthropic/claude-3.5-sonnet",
			Think:       "openai/o1-preview",
			Background:  "anthropic/claude-3-haiku-20240307",
			LongContext: "anthropic/claude-3-5-sonnet-20241022",
			WebSearch:   "openrouter/perplexity/llama-3.1-sonar-huge-128k-online",
		},
		LoadBalanceProfiles: []LoadBalanceProfile{
			{
				Name:     "balanced",
				Strategy: "health-aware",
				SubProfiles: []SubProfile{
					{Name: "openrouter-primary", Provider: "openrouter", Bucket: "primary"},
					{Name: "openrouter-secondary", Provider: "openrouter", Bucket: "secondary"},
					{Name: "anthropic-direct", Provider: "anthropic"},
				},
				EphemeralDefaults: EphemeralDefaults{StreamTimeoutMs: 15000},
			},
		},
	}

	if err := m.applyDefaults(cfg); err != nil {
		return fmt.Errorf("apply defaults: %w", err)
	}

	return m.SaveAsYAML(cfg)
}

// WatchReload starts an fsnotify watch on whichever config file is
// currently in use and invokes onReload with the freshly parsed config
// after every write/rename event. The watcher is stopped by calling the
// returned stop function.
func (m *Manager) WatchReload(onReload func(*Config, error)) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	if err := watcher.Add(m.baseDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	m.watcher = watcher

	target := m.GetPath()

	go func() {
		var debounce *time.Timer

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if filepath.Clean(event.Name) != filepath.Clean(target) {
					continue
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				if debounce != nil {
					debounce.Stop()
				}

				debounce = time.AfterFunc(200*time.Millisecond, func() {
					cfg, loadErr := m.Load()
					onReload(cfg, loadErr)
				})
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}

				m.logger.Error("config watcher error", "error", werr)
			}
		}
	}()

	return watcher.Close, nil
}

// IsModelAllowed reports whether model passes the provider's whitelist (an
// empty whitelist allows everything).
func (p *Provider) IsModelAllowed(model string) bool {
	if len(p.ModelWhitelist) == 0 {
		return true
	}

	for _, whitelisted := range p.ModelWhitelist {
		if strings.Contains(model, whitelisted) || model == whitelisted {
			return true
		}
	}

	return false
}

// GetAllowedModels filters DefaultModels through the whitelist.
func (p *Provider) GetAllowedModels() []string {
	if len(p.ModelWhitelist) == 0 {
		return p.DefaultModels
	}

	var allowed []string

	for _, model := range p.DefaultModels {
		if p.IsModelAllowed(model) {
			allowed = append(allowed, model)
		}
	}

	return allowed
}
