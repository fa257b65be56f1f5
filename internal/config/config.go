// Package config loads server configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/gsm"
	"github.com/codeGROOVE-dev/retry"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort          = "9119"
	defaultCacheBackend  = "memory"
	defaultCacheTTL      = 15 * time.Minute
	defaultTwitchAPIURL  = "https://api.twitch.tv/kraken"
	defaultTwitchRate    = 5.0
	defaultDotEnvPath    = ".env"
	maxSecretAttempts    = 3
	secretRetryDelay     = 500 * time.Millisecond
	maxSecretRetryDelay  = 5 * time.Second
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	cacheBackendCloudRun = "cloudrun"
)

// secretNames are looked up in Secret Manager when absent from the environment.
var secretNames = []string{"DISCORD_BOT_TOKEN", "DISCORD_CLIENT_ID", "TWITCH_CLIENT_ID"}

// ServerConfig holds server configuration.
type ServerConfig struct {
	BaseURL         string        `yaml:"base_url"`
	DiscordClientID string        `yaml:"discord_client_id"`
	DiscordBotToken string        `yaml:"discord_bot_token"`
	TwitchClientID  string        `yaml:"twitch_client_id"`
	TwitchAPIURL    string        `yaml:"twitch_api_url"`
	Port            string        `yaml:"port"`
	CacheBackend    string        `yaml:"cache_backend"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	LogDir          string        `yaml:"log_dir"`
	GCPProject      string        `yaml:"gcp_project"`
	CacheTTL        time.Duration `yaml:"-"`
	// TwitchRateLimit is requests per second; zero disables pacing.
	TwitchRateLimit float64 `yaml:"twitch_rate_limit"`
}

// Validate reports every missing or invalid field.
func (c *ServerConfig) Validate() error {
	var errs []error
	required := []struct {
		name, value string
	}{
		{"BASE_URL", c.BaseURL},
		{"DISCORD_CLIENT_ID", c.DiscordClientID},
		{"DISCORD_BOT_TOKEN", c.DiscordBotToken},
		{"TWITCH_CLIENT_ID", c.TwitchClientID},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}

	switch c.CacheBackend {
	case defaultCacheBackend, cacheBackendCloudRun:
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND %q is not one of memory, cloudrun", c.CacheBackend))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL))
	}
	if c.TwitchRateLimit < 0 {
		errs = append(errs, fmt.Errorf("TWITCH_RATE_LIMIT must not be negative, got %g", c.TwitchRateLimit))
	}

	return errors.Join(errs...)
}

// Loader reads configuration from the environment, a .env file, an optional
// YAML file and Secret Manager, in that order of precedence.
type Loader struct {
	Getenv      func(string) string
	FetchSecret func(ctx context.Context, name string) (string, error)
	DotEnvPath  string
	RetryDelay  time.Duration
}

// Load reads the server configuration from the process environment.
func Load(ctx context.Context) (ServerConfig, error) {
	l := &Loader{
		Getenv:      os.Getenv,
		FetchSecret: fetchFromSecretManager,
		DotEnvPath:  defaultDotEnvPath,
		RetryDelay:  secretRetryDelay,
	}
	return l.Load(ctx)
}

func fetchFromSecretManager(ctx context.Context, name string) (string, error) {
	return gsm.Fetch(ctx, name)
}

// Load builds and validates a ServerConfig.
func (l *Loader) Load(ctx context.Context) (ServerConfig, error) {
	dotenv, err := readDotEnv(l.DotEnvPath)
	if err != nil {
		return ServerConfig{}, err
	}
	lookup := func(key string) string {
		if v := l.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}

	cfg := ServerConfig{
		Port:            defaultPort,
		CacheBackend:    defaultCacheBackend,
		CacheTTL:        defaultCacheTTL,
		TwitchAPIURL:    defaultTwitchAPIURL,
		TwitchRateLimit: defaultTwitchRate,
		LogLevel:        defaultLogLevel,
		LogFormat:       defaultLogFormat,
	}

	if path := lookup("CONFIG_FILE"); path != "" {
		if err := readFile(path, &cfg); err != nil {
			return ServerConfig{}, err
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return ServerConfig{}, err
	}

	if cfg.GCPProject != "" && l.FetchSecret != nil {
		l.loadSecrets(ctx, &cfg)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	slog.Debug("loaded dotenv file", "path", path, "keys", len(values))
	return values, nil
}

type fileConfig struct {
	ServerConfig `yaml:",inline"`

	CacheTTL string `yaml:"cache_ttl"`
}

func readFile(path string, cfg *ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	fc := fileConfig{ServerConfig: *cfg}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	*cfg = fc.ServerConfig

	if fc.CacheTTL != "" {
		ttl, err := time.ParseDuration(fc.CacheTTL)
		if err != nil {
			return fmt.Errorf("invalid cache_ttl in %s: %w", path, err)
		}
		cfg.CacheTTL = ttl
	}

	slog.Info("loaded config file", "path", path)
	return nil
}

func applyEnv(cfg *ServerConfig, lookup func(string) string) error {
	set := func(dst *string, key string) {
		if v := lookup(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.BaseURL, "BASE_URL")
	set(&cfg.DiscordClientID, "DISCORD_CLIENT_ID")
	set(&cfg.DiscordBotToken, "DISCORD_BOT_TOKEN")
	set(&cfg.TwitchClientID, "TWITCH_CLIENT_ID")
	set(&cfg.TwitchAPIURL, "TWITCH_API_URL")
	set(&cfg.Port, "PORT")
	set(&cfg.CacheBackend, "CACHE_BACKEND")
	set(&cfg.LogLevel, "LOG_LEVEL")
	set(&cfg.LogFormat, "LOG_FORMAT")
	set(&cfg.LogDir, "LOG_DIR")
	set(&cfg.GCPProject, "GCP_PROJECT")

	if v := lookup("CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CACHE_TTL %q: %w", v, err)
		}
		cfg.CacheTTL = ttl
	}
	if v := lookup("TWITCH_RATE_LIMIT"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid TWITCH_RATE_LIMIT %q: %w", v, err)
		}
		cfg.TwitchRateLimit = r
	}
	return nil
}

// loadSecrets fills credentials that are still empty from Secret Manager.
func (l *Loader) loadSecrets(ctx context.Context, cfg *ServerConfig) {
	targets := map[string]*string{
		"DISCORD_BOT_TOKEN": &cfg.DiscordBotToken,
		"DISCORD_CLIENT_ID": &cfg.DiscordClientID,
		"TWITCH_CLIENT_ID":  &cfg.TwitchClientID,
	}

	for _, name := range secretNames {
		dst := targets[name]
		if *dst != "" {
			slog.Debug("using configured value", "name", name)
			continue
		}

		value, err := l.fetchSecret(ctx, name)
		if err != nil {
			slog.Debug("secret not found in Secret Manager", "name", name, "error", err)
			continue
		}
		if value != "" {
			slog.Info("loaded secret from Secret Manager", "name", name)
			*dst = value
		}
	}
}

func (l *Loader) fetchSecret(ctx context.Context, name string) (string, error) {
	delay := l.RetryDelay
	if delay <= 0 {
		delay = secretRetryDelay
	}

	var value string
	err := retry.Do(
		func() error {
			var fetchErr error
			value, fetchErr = l.FetchSecret(ctx, name)
			return fetchErr
		},
		retry.Context(ctx),
		retry.Attempts(maxSecretAttempts),
		retry.Delay(delay),
		retry.MaxDelay(maxSecretRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Secret Manager fetch failed, retrying",
				"name", name,
				"attempt", n+1,
				"max_attempts", maxSecretAttempts,
				"error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to fetch secret %s: %w", name, err)
	}
	return value, nil
}
