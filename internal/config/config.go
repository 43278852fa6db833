// Package config loads gateway configuration from a YAML file overridden
// by environment variables, following the singleton-with-defaults shape
// used throughout this codebase's services.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_timeout_sec"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWKSConfig struct {
	URL               string `yaml:"url"`
	StaleThresholdMs  int64  `yaml:"stale_threshold_ms"`
	MaxStalenessMs    int64  `yaml:"max_staleness_ms"`
	CompromiseMaxMs   int64  `yaml:"compromise_max_staleness_ms"`
	MinRefreshGapMs   int64  `yaml:"min_refresh_gap_ms"`
	CircuitOpenMs     int64  `yaml:"circuit_open_ms"`
	MaxConsecutiveErr int    `yaml:"max_consecutive_failures"`
	FetchTimeoutMs    int64  `yaml:"fetch_timeout_ms"`
}

type JWTConfig struct {
	IssuerAllowlist []string `yaml:"issuer_allowlist"`
	ClockSkewSec    int64    `yaml:"clock_skew_sec"`
	ReplayTTLSec    int64    `yaml:"replay_ttl_sec"`
	S2SMaxLifeSec   int64    `yaml:"s2s_max_life_sec"`
}

type RateLimitTier struct {
	MaxRequests int   `yaml:"max_requests"`
	WindowMs    int64 `yaml:"window_ms"`
}

type RateLimitConfig struct {
	Tiers map[string]RateLimitTier `yaml:"tiers"`
}

type APIKeyConfig struct {
	Pepper        string `yaml:"pepper"`
	CacheTTLSec   int64  `yaml:"cache_ttl_sec"`
	Argon2Time    uint32 `yaml:"argon2_time"`
	Argon2Memory  uint32 `yaml:"argon2_memory_kib"`
	Argon2Threads uint8  `yaml:"argon2_threads"`
}

type PaymentConfig struct {
	FreeEndpoints   []string `yaml:"free_endpoints"`
	ChallengeTTLSec int64    `yaml:"challenge_ttl_sec"`
	ChallengeSecret string   `yaml:"challenge_secret"`
	Recipient       string   `yaml:"recipient"`
	ChainID         string   `yaml:"chain_id"`
	TokenID         string   `yaml:"token_id"`
	AmountMicro     int64    `yaml:"amount_micro"`
}

type PoolConfig struct {
	InteractiveWorkers  int    `yaml:"interactive_workers"`
	QueueDepth          int    `yaml:"queue_depth"`
	HardTimeoutMs       int64  `yaml:"hard_timeout_ms"`
	ShutdownDeadlineMs  int64  `yaml:"shutdown_deadline_ms"`
	FairnessThresholdPc int    `yaml:"fairness_threshold_pct"`

	// ContainerImage, if set, switches the dispatch backend from direct
	// os/exec to a throwaway Docker container built from this image.
	// ContainerRuntime optionally names an alternate OCI runtime (e.g.
	// "runsc" for gVisor).
	ContainerImage   string `yaml:"container_image"`
	ContainerRuntime string `yaml:"container_runtime"`
}

type SandboxConfig struct {
	Enabled      bool     `yaml:"enabled"`
	JailRoot     string   `yaml:"jail_root"`
	AuditPath    string   `yaml:"audit_path"`
	ReadOnlyBins []string `yaml:"read_only_binaries"`

	// SpiffeSocketPath, if set, enables workload SVID attestation before
	// dispatch (see internal/sandbox/attestation.go). Empty disables it.
	SpiffeSocketPath string `yaml:"spiffe_socket_path"`
}

type ReconcileConfig struct {
	PollIntervalMs    int64  `yaml:"poll_interval_ms"`
	DriftThresholdMic int64  `yaml:"drift_threshold_micro"`
	HeadroomPercent   int64  `yaml:"headroom_percent"`
	HeadroomAbsCapMic int64  `yaml:"headroom_abs_cap_micro"`
	FailOpenMaxMs     int64  `yaml:"fail_open_max_duration_ms"`
	UpstreamURL       string `yaml:"upstream_url"`
	UpstreamTimeoutMs int64  `yaml:"upstream_timeout_ms"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	JWKS      JWKSConfig      `yaml:"jwks"`
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	APIKey    APIKeyConfig    `yaml:"api_key"`
	Payment   PaymentConfig   `yaml:"payment"`
	Pool      PoolConfig      `yaml:"pool"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Database  DatabaseConfig  `yaml:"database"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide configuration singleton, loading it from
// CONFIG_PATH (default "config.yaml") on first call.
func Get() *Config {
	once.Do(func() {
		path := getEnv("CONFIG_PATH", "config.yaml")
		cfg, err := LoadConfig(path)
		if err != nil {
			slog.Warn("config: falling back to defaults", "path", path, "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and parses a YAML config file. A missing file is not
// fatal — callers fall back to defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.Env = getEnv("SERVER_ENV", c.Server.Env)
	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.JWKS.URL = getEnv("JWKS_URL", c.JWKS.URL)
	c.APIKey.Pepper = getEnv("API_KEY_PEPPER", c.APIKey.Pepper)
	c.Payment.ChallengeSecret = getEnv("CHALLENGE_SECRET", c.Payment.ChallengeSecret)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Reconcile.UpstreamURL = getEnv("RECONCILE_UPSTREAM_URL", c.Reconcile.UpstreamURL)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.ShutdownSec == 0 {
		c.Server.ShutdownSec = 10
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.JWKS.StaleThresholdMs == 0 {
		c.JWKS.StaleThresholdMs = 15 * 60 * 1000
	}
	if c.JWKS.MaxStalenessMs == 0 {
		c.JWKS.MaxStalenessMs = 24 * 60 * 60 * 1000
	}
	if c.JWKS.CompromiseMaxMs == 0 {
		c.JWKS.CompromiseMaxMs = 60 * 60 * 1000
	}
	if c.JWKS.MinRefreshGapMs == 0 {
		c.JWKS.MinRefreshGapMs = 1000
	}
	if c.JWKS.CircuitOpenMs == 0 {
		c.JWKS.CircuitOpenMs = 60 * 1000
	}
	if c.JWKS.MaxConsecutiveErr == 0 {
		c.JWKS.MaxConsecutiveErr = 5
	}
	if c.JWKS.FetchTimeoutMs == 0 {
		c.JWKS.FetchTimeoutMs = 3000
	}
	if c.JWT.ClockSkewSec == 0 {
		c.JWT.ClockSkewSec = 30
	}
	if c.JWT.ReplayTTLSec == 0 {
		c.JWT.ReplayTTLSec = 900
	}
	if c.JWT.S2SMaxLifeSec == 0 {
		c.JWT.S2SMaxLifeSec = 60
	}
	if len(c.JWT.IssuerAllowlist) == 0 {
		c.JWT.IssuerAllowlist = []string{"loa-finn-issuer"}
	}
	if c.RateLimit.Tiers == nil {
		c.RateLimit.Tiers = map[string]RateLimitTier{
			"free_per_ip":      {MaxRequests: 60, WindowMs: 60_000},
			"x402_per_wallet":  {MaxRequests: 30, WindowMs: 60_000},
			"challenge_per_ip": {MaxRequests: 120, WindowMs: 60_000},
			"api_key_default":  {MaxRequests: 60, WindowMs: 60_000},
		}
	}
	if c.APIKey.CacheTTLSec == 0 {
		c.APIKey.CacheTTLSec = 300
	}
	if c.APIKey.Argon2Time == 0 {
		c.APIKey.Argon2Time = 1
	}
	if c.APIKey.Argon2Memory == 0 {
		c.APIKey.Argon2Memory = 64 * 1024
	}
	if c.APIKey.Argon2Threads == 0 {
		c.APIKey.Argon2Threads = 4
	}
	if len(c.Payment.FreeEndpoints) == 0 {
		c.Payment.FreeEndpoints = []string{"/health", "/llms.txt", "/.well-known/jwks.json", "/metrics"}
	}
	if c.Payment.ChallengeTTLSec == 0 {
		c.Payment.ChallengeTTLSec = 300
	}
	if c.Pool.InteractiveWorkers == 0 {
		c.Pool.InteractiveWorkers = 2
	}
	if c.Pool.QueueDepth == 0 {
		c.Pool.QueueDepth = 10
	}
	if c.Pool.HardTimeoutMs == 0 {
		c.Pool.HardTimeoutMs = 10_000
	}
	if c.Pool.ShutdownDeadlineMs == 0 {
		c.Pool.ShutdownDeadlineMs = 15_000
	}
	if c.Pool.FairnessThresholdPc == 0 {
		c.Pool.FairnessThresholdPc = 50
	}
	if c.Sandbox.JailRoot == "" {
		c.Sandbox.JailRoot = "/var/lib/loa-finn/jail"
	}
	if c.Reconcile.PollIntervalMs == 0 {
		c.Reconcile.PollIntervalMs = 1000
	}
	if c.Reconcile.HeadroomPercent == 0 {
		c.Reconcile.HeadroomPercent = 10
	}
	if c.Reconcile.FailOpenMaxMs == 0 {
		c.Reconcile.FailOpenMaxMs = 5 * 60 * 1000
	}
	if c.Reconcile.UpstreamTimeoutMs == 0 {
		c.Reconcile.UpstreamTimeoutMs = 3000
	}
}

func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
