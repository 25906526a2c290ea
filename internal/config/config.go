// Package config loads service settings from a YAML file with environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/cascade"
	"github.com/carbonmeter/emissions/internal/confidence"
	"github.com/carbonmeter/emissions/internal/ledger"
)

type Config struct {
	Port string `yaml:"port"`

	LedgerBackend string `yaml:"ledger_backend"`
	LedgerDir     string `yaml:"ledger_dir"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PostgresConn  string `yaml:"postgres_conn"`
	SQLitePath    string `yaml:"sqlite_path"`
	JournalDir    string `yaml:"journal_dir"`

	IndividualModelPath string `yaml:"individual_model_path"`
	IndustrialModelPath string `yaml:"industrial_model_path"`
	ModelRegistryDir    string `yaml:"model_registry_dir"`
	ModelServerURL      string `yaml:"model_server_url"`

	MaxHorizon          int     `yaml:"max_horizon"`
	DefaultWeeklyGrowth float64 `yaml:"default_weekly_growth"`
	ProgressInterval    int     `yaml:"progress_interval"`
	BehavioralWindow    int     `yaml:"behavioral_window"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	OTelEndpoint string `yaml:"otel_endpoint"`

	AuthMode  string `yaml:"auth_mode"` // none, gateway or jwt
	JWTSecret string `yaml:"jwt_secret"`

	BackfillSchedule      string `yaml:"backfill_schedule"`
	JournalRotateSchedule string `yaml:"journal_rotate_schedule"` // "off" disables

	TokenRate       int `yaml:"token_rate"`
	DailyQuota      int `yaml:"daily_quota"`
	CacheSize       int `yaml:"cache_size"`
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`

	// Confidence replaces the scoring table. Keys left out of the file keep
	// their production values.
	Confidence *confidence.Policy `yaml:"confidence"`

	// Policies overrides the cascade rules per domain, keyed by domain name.
	Policies map[string]PolicyConfig `yaml:"policies"`
}

// PolicyConfig overrides one domain's cascade rules. Zero values keep the
// domain default.
type PolicyConfig struct {
	MinModelSamples int    `yaml:"min_model_samples"`
	Output          string `yaml:"output"` // per-day or per-month
	HighVariance    *bool  `yaml:"high_variance"`
}

// Load reads the file named by CONFIG_PATH (default config.yaml), applies
// environment overrides and defaults, then validates. A missing file is not
// an error.
func Load() (*Config, error) {
	path := "config.yaml"
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		path = p
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := Config{Confidence: confidence.DefaultPolicy()}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("error parsing %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	envOverride(&c.Port, "PORT")
	envOverride(&c.LedgerBackend, "LEDGER_BACKEND")
	envOverride(&c.LedgerDir, "LEDGER_DIR")
	envOverride(&c.RedisAddr, "REDIS_ADDR")
	envOverride(&c.RedisPassword, "REDIS_PASSWORD")
	envOverride(&c.PostgresConn, "POSTGRES_CONN")
	envOverride(&c.SQLitePath, "SQLITE_PATH")
	envOverride(&c.JournalDir, "JOURNAL_DIR")
	envOverride(&c.IndividualModelPath, "INDIVIDUAL_MODEL_PATH")
	envOverride(&c.IndustrialModelPath, "INDUSTRIAL_MODEL_PATH")
	envOverride(&c.ModelRegistryDir, "MODEL_REGISTRY_DIR")
	envOverride(&c.ModelServerURL, "MODEL_SERVER_URL")
	envOverride(&c.KafkaTopic, "KAFKA_TOPIC")
	envOverride(&c.OTelEndpoint, "OTEL_ENDPOINT")
	envOverride(&c.AuthMode, "AUTH_MODE")
	envOverride(&c.JWTSecret, "JWT_SECRET")
	envOverrideAllowEmpty(&c.BackfillSchedule, "BACKFILL_SCHEDULE")
	envOverride(&c.JournalRotateSchedule, "JOURNAL_ROTATE_SCHEDULE")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.KafkaBrokers = nil
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.KafkaBrokers = append(c.KafkaBrokers, b)
			}
		}
	}

	for key, field := range map[string]*int{
		"REDIS_DB":          &c.RedisDB,
		"MAX_HORIZON":       &c.MaxHorizon,
		"PROGRESS_INTERVAL": &c.ProgressInterval,
		"BEHAVIORAL_WINDOW": &c.BehavioralWindow,
		"TOKEN_RATE":        &c.TokenRate,
		"DAILY_QUOTA":       &c.DailyQuota,
		"CACHE_SIZE":        &c.CacheSize,
		"CACHE_TTL_SECONDS": &c.CacheTTLSeconds,
	} {
		if err := envOverrideInt(field, key); err != nil {
			return err
		}
	}
	return envOverrideFloat(&c.DefaultWeeklyGrowth, "DEFAULT_WEEKLY_GROWTH")
}

func (c *Config) applyDefaults() {
	params := api.DefaultEngineParams()
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.LedgerBackend == "" {
		c.LedgerBackend = "file"
	}
	if c.LedgerDir == "" {
		c.LedgerDir = "data/ledgers"
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "data/ledger.db"
	}
	if c.JournalDir == "" {
		c.JournalDir = "data/journal"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.MaxHorizon == 0 {
		c.MaxHorizon = params.MaxHorizon
	}
	if c.DefaultWeeklyGrowth == 0 {
		c.DefaultWeeklyGrowth = params.DefaultWeeklyGrowth
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = params.ProgressInterval
	}
	if c.BehavioralWindow == 0 {
		c.BehavioralWindow = params.BehavioralWindow
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = "emission-ledger-events"
	}
	if c.AuthMode == "" {
		c.AuthMode = "none"
	}
	if c.TokenRate == 0 {
		c.TokenRate = 100
	}
	if c.CacheSize == 0 {
		c.CacheSize = 1024
	}
	if c.CacheTTLSeconds == 0 {
		c.CacheTTLSeconds = 300
	}
	if c.Confidence == nil {
		c.Confidence = confidence.DefaultPolicy()
	}
	if c.JournalRotateSchedule == "" {
		c.JournalRotateSchedule = "0 0 * * *"
	}
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.MaxHorizon < 1 {
		return fmt.Errorf("invalid max_horizon %d: must be >= 1", c.MaxHorizon)
	}
	if c.ProgressInterval < 1 {
		return fmt.Errorf("invalid progress_interval %d: must be >= 1", c.ProgressInterval)
	}
	if c.BehavioralWindow < 1 {
		return fmt.Errorf("invalid behavioral_window %d: must be >= 1", c.BehavioralWindow)
	}
	if c.TokenRate < 1 {
		return fmt.Errorf("invalid token_rate %d: must be >= 1", c.TokenRate)
	}
	if c.CacheSize < 0 || c.CacheTTLSeconds < 0 {
		return fmt.Errorf("cache_size and cache_ttl_seconds must not be negative")
	}
	switch c.LedgerBackend {
	case "memory", "file", "redis", "sqlite":
	case "postgres":
		if c.PostgresConn == "" {
			return fmt.Errorf("postgres_conn is required when ledger_backend=postgres")
		}
	default:
		return fmt.Errorf("unknown ledger_backend %q", c.LedgerBackend)
	}
	switch c.AuthMode {
	case "none", "gateway":
	case "jwt":
		if c.JWTSecret == "" {
			return fmt.Errorf("jwt_secret is required when auth_mode=jwt")
		}
	default:
		return fmt.Errorf("auth_mode must be none, gateway or jwt, got %q", c.AuthMode)
	}
	if c.Confidence != nil {
		if err := c.Confidence.Validate(); err != nil {
			return fmt.Errorf("invalid confidence policy: %w", err)
		}
	}
	if _, err := c.DomainPolicies(); err != nil {
		return err
	}
	return nil
}

// DomainPolicies returns the cascade rules for every domain with the
// configured overrides applied.
func (c *Config) DomainPolicies() ([]cascade.DomainPolicy, error) {
	defaults := cascade.DefaultPolicies()
	for name, pc := range c.Policies {
		d, err := api.ParseDomain(name)
		if err != nil {
			return nil, fmt.Errorf("policies: %w", err)
		}
		p := defaults[d]
		p.Domain = d
		if pc.MinModelSamples < 0 {
			return nil, fmt.Errorf("policies.%s: min_model_samples must be >= 1, got %d", name, pc.MinModelSamples)
		}
		if pc.MinModelSamples > 0 {
			p.MinModelSamples = pc.MinModelSamples
		}
		if pc.Output != "" {
			if p.Output, err = cascade.ParseOutputScale(pc.Output); err != nil {
				return nil, fmt.Errorf("policies.%s: %w", name, err)
			}
		}
		if pc.HighVariance != nil {
			p.HighVariance = *pc.HighVariance
		}
		defaults[d] = p
	}

	out := make([]cascade.DomainPolicy, 0, len(defaults))
	for _, d := range []api.Domain{api.DomainIndividual, api.DomainIndustrial} {
		out = append(out, defaults[d])
	}
	return out, nil
}

// EngineParams returns the forecasting tunables.
func (c *Config) EngineParams() api.EngineParams {
	return api.EngineParams{
		MaxHorizon:          c.MaxHorizon,
		DefaultWeeklyGrowth: c.DefaultWeeklyGrowth,
		ProgressInterval:    c.ProgressInterval,
		BehavioralWindow:    c.BehavioralWindow,
	}
}

// LedgerOptions returns the store selection.
func (c *Config) LedgerOptions() ledger.Options {
	return ledger.Options{
		Backend:       c.LedgerBackend,
		Dir:           c.LedgerDir,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		PostgresConn:  c.PostgresConn,
		SQLitePath:    c.SQLitePath,
	}
}

// RotationSchedule returns the journal rotation cron expression, empty when
// rotation is off.
func (c *Config) RotationSchedule() string {
	if strings.EqualFold(strings.TrimSpace(c.JournalRotateSchedule), "off") {
		return ""
	}
	return c.JournalRotateSchedule
}

// CacheTTL returns the forecast cache entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideFloat(field *float64, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}
