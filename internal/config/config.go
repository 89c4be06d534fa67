package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendPubSub = "pubsub"
)

// Config holds application configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Listen is the HTTP address for the serve command.
	Listen string `yaml:"listen"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use the sql.DB default.
	DBMaxOpenConns int `yaml:"db_max_open_conns"`
	DBMaxIdleConns int `yaml:"db_max_idle_conns"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `yaml:"disabled_tools"`

	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Cache     CacheConfig     `yaml:"cache"`
	Bus       BusConfig       `yaml:"bus"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Calendar  CalendarConfig  `yaml:"calendar"`
	Providers ProvidersConfig `yaml:"providers"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type PipelineConfig struct {
	LookupTimeout     time.Duration `yaml:"lookup_timeout"`
	SynthesisTimeout  time.Duration `yaml:"synthesis_timeout"`
	TotalBudget       time.Duration `yaml:"total_budget"`
	LookupConcurrency int           `yaml:"lookup_concurrency"`
}

type CacheConfig struct {
	// Backend is "memory" or "sqlite".
	Backend       string        `yaml:"backend"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

type BusConfig struct {
	// Backend is "memory" or "pubsub".
	Backend       string `yaml:"backend"`
	Workers       int    `yaml:"workers"`
	QueueSize     int    `yaml:"queue_size"`
	MaxDeliveries int    `yaml:"max_deliveries"`
	ProjectID     string `yaml:"project_id"`
	TopicPrefix   string `yaml:"topic_prefix"`
}

type WebhookConfig struct {
	// CallbackURL is the public address Google Calendar posts notifications to.
	CallbackURL      string        `yaml:"callback_url"`
	RenewalThreshold time.Duration `yaml:"renewal_threshold"`
	ScanInterval     time.Duration `yaml:"scan_interval"`
}

type CalendarConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
}

type ProvidersConfig struct {
	ProspectURL  string `yaml:"prospect_url"`
	CompanyURL   string `yaml:"company_url"`
	SynthesisURL string `yaml:"synthesis_url"`
	APIKey       string `yaml:"-"`
}

type NotifyConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// WebhookURL, when set, delivers notifications over HTTP instead of the log.
	WebhookURL string `yaml:"webhook_url"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Listen:   "127.0.0.1:8080",
		Pipeline: PipelineConfig{
			LookupTimeout:     30 * time.Second,
			SynthesisTimeout:  60 * time.Second,
			TotalBudget:       5 * time.Minute,
			LookupConcurrency: 4,
		},
		Cache: CacheConfig{
			Backend:       BackendSQLite,
			PurgeInterval: time.Hour,
		},
		Bus: BusConfig{
			Backend:       BackendMemory,
			Workers:       4,
			QueueSize:     1024,
			MaxDeliveries: 5,
			TopicPrefix:   "callbrief",
		},
		Webhook: WebhookConfig{
			RenewalThreshold: 48 * time.Hour,
			ScanInterval:     time.Hour,
		},
		Notify: NotifyConfig{
			MaxRetries: 2,
		},
	}
}

// Load loads configuration from baseDir/config.yaml and baseDir/.env, then
// applies CALLBRIEF_* environment overrides. Missing files are not an error.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.callbrief.
func Load(baseDir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(baseDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(filepath.Join(baseDir, "config.yaml"))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"CALLBRIEF_LOG_LEVEL":            &cfg.LogLevel,
		"CALLBRIEF_LISTEN":               &cfg.Listen,
		"CALLBRIEF_CACHE_BACKEND":        &cfg.Cache.Backend,
		"CALLBRIEF_BUS_BACKEND":          &cfg.Bus.Backend,
		"CALLBRIEF_PUBSUB_PROJECT":       &cfg.Bus.ProjectID,
		"CALLBRIEF_CALLBACK_URL":         &cfg.Webhook.CallbackURL,
		"CALLBRIEF_CALENDAR_CREDENTIALS": &cfg.Calendar.CredentialsFile,
		"CALLBRIEF_PROVIDER_API_KEY":     &cfg.Providers.APIKey,
		"CALLBRIEF_NOTIFY_WEBHOOK_URL":   &cfg.Notify.WebhookURL,
	}
	for name, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("CALLBRIEF_BUS_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CALLBRIEF_BUS_WORKERS: %w", err)
		}
		cfg.Bus.Workers = n
	}
	if v := os.Getenv("CALLBRIEF_TOTAL_BUDGET"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CALLBRIEF_TOTAL_BUDGET: %w", err)
		}
		cfg.Pipeline.TotalBudget = d
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	p := c.Pipeline
	switch {
	case p.LookupTimeout <= 0:
		return errors.New("pipeline.lookup_timeout must be > 0")
	case p.SynthesisTimeout <= 0:
		return errors.New("pipeline.synthesis_timeout must be > 0")
	case p.TotalBudget <= 0:
		return errors.New("pipeline.total_budget must be > 0")
	case p.LookupTimeout > p.TotalBudget || p.SynthesisTimeout > p.TotalBudget:
		return errors.New("pipeline stage timeouts must not exceed pipeline.total_budget")
	case p.LookupConcurrency <= 0:
		return errors.New("pipeline.lookup_concurrency must be > 0")
	}

	if c.Cache.Backend != BackendMemory && c.Cache.Backend != BackendSQLite {
		return fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend)
	}

	switch c.Bus.Backend {
	case BackendMemory:
		if c.Bus.Workers <= 0 || c.Bus.QueueSize <= 0 {
			return errors.New("bus.workers and bus.queue_size must be > 0")
		}
	case BackendPubSub:
		if c.Bus.ProjectID == "" {
			return errors.New("bus.project_id is required for the pubsub backend")
		}
	default:
		return fmt.Errorf("bus.backend: unknown backend %q", c.Bus.Backend)
	}
	if c.Bus.MaxDeliveries <= 0 {
		return errors.New("bus.max_deliveries must be > 0")
	}

	if c.Webhook.RenewalThreshold <= 0 || c.Webhook.ScanInterval <= 0 {
		return errors.New("webhook.renewal_threshold and webhook.scan_interval must be > 0")
	}
	if c.Notify.MaxRetries < 0 {
		return errors.New("notify.max_retries must be >= 0")
	}
	return nil
}

// ToolDisabled reports whether an MCP tool is listed in DisabledTools.
func (c *Config) ToolDisabled(name string) bool {
	for _, t := range c.DisabledTools {
		if strings.TrimSpace(t) == name {
			return true
		}
	}
	return false
}
