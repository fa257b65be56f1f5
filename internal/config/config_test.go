package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func envFrom(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func requiredEnv() map[string]string {
	return map[string]string{
		"BASE_URL":          "https://faces.example.com",
		"DISCORD_CLIENT_ID": "123",
		"DISCORD_BOT_TOKEN": "bot-token",
		"TWITCH_CLIENT_ID":  "twitch-id",
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoader_Defaults(t *testing.T) {
	l := &Loader{Getenv: envFrom(requiredEnv())}

	cfg, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "9119" {
		t.Errorf("Port = %q, want 9119", cfg.Port)
	}
	if cfg.CacheBackend != "memory" {
		t.Errorf("CacheBackend = %q, want memory", cfg.CacheBackend)
	}
	if cfg.CacheTTL != 15*time.Minute {
		t.Errorf("CacheTTL = %v, want 15m", cfg.CacheTTL)
	}
	if cfg.TwitchAPIURL != "https://api.twitch.tv/kraken" {
		t.Errorf("TwitchAPIURL = %q", cfg.TwitchAPIURL)
	}
	if cfg.LogFormat != "json" || cfg.LogLevel != "info" {
		t.Errorf("log = %s/%s, want json/info", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	env := requiredEnv()
	env["PORT"] = "8080"
	env["CACHE_BACKEND"] = "cloudrun"
	env["CACHE_TTL"] = "90s"
	env["TWITCH_RATE_LIMIT"] = "0"
	env["TWITCH_API_URL"] = "https://twitch.test/kraken"
	env["LOG_LEVEL"] = "debug"

	cfg, err := (&Loader{Getenv: envFrom(env)}).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "8080" || cfg.CacheBackend != "cloudrun" || cfg.CacheTTL != 90*time.Second {
		t.Errorf("cfg = %+v, want env overrides applied", cfg)
	}
	if cfg.TwitchRateLimit != 0 {
		t.Errorf("TwitchRateLimit = %g, want 0", cfg.TwitchRateLimit)
	}
	if cfg.TwitchAPIURL != "https://twitch.test/kraken" || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoader_InvalidNumbers(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CACHE_TTL", "fifteen"},
		{"TWITCH_RATE_LIMIT", "fast"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			env := requiredEnv()
			env[tt.key] = tt.value
			_, err := (&Loader{Getenv: envFrom(env)}).Load(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Load() error = %v, want error naming %s", err, tt.key)
			}
		})
	}
}

func TestLoader_YAMLFile(t *testing.T) {
	path := writeFile(t, "facecollector.yaml", `
base_url: https://file.example.com
discord_client_id: file-client
port: "7000"
cache_ttl: 2m
twitch_rate_limit: 1.5
`)
	env := map[string]string{
		"CONFIG_FILE":       path,
		"PORT":              "7100",
		"DISCORD_BOT_TOKEN": "bot-token",
		"TWITCH_CLIENT_ID":  "twitch-id",
	}

	cfg, err := (&Loader{Getenv: envFrom(env)}).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BaseURL != "https://file.example.com" || cfg.DiscordClientID != "file-client" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Port != "7100" {
		t.Errorf("Port = %q, want environment to win over file", cfg.Port)
	}
	if cfg.CacheTTL != 2*time.Minute {
		t.Errorf("CacheTTL = %v, want 2m", cfg.CacheTTL)
	}
	if cfg.TwitchRateLimit != 1.5 {
		t.Errorf("TwitchRateLimit = %g, want 1.5", cfg.TwitchRateLimit)
	}
	if cfg.CacheBackend != "memory" {
		t.Errorf("CacheBackend = %q, want default kept", cfg.CacheBackend)
	}
}

func TestLoader_YAMLFileErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") }},
		{"invalid yaml", func(t *testing.T) string { return writeFile(t, "bad.yaml", "port: [unclosed") }},
		{"invalid ttl", func(t *testing.T) string { return writeFile(t, "ttl.yaml", "cache_ttl: soon") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := requiredEnv()
			env["CONFIG_FILE"] = tt.path(t)
			if _, err := (&Loader{Getenv: envFrom(env)}).Load(context.Background()); err == nil {
				t.Error("Load() error = nil, want file error")
			}
		})
	}
}

func TestLoader_DotEnv(t *testing.T) {
	path := writeFile(t, ".env", "TWITCH_CLIENT_ID=from-dotenv\nBASE_URL=https://dotenv.example\n")
	env := requiredEnv()
	delete(env, "TWITCH_CLIENT_ID")

	cfg, err := (&Loader{Getenv: envFrom(env), DotEnvPath: path}).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TwitchClientID != "from-dotenv" {
		t.Errorf("TwitchClientID = %q, want value from .env", cfg.TwitchClientID)
	}
	if cfg.BaseURL != "https://faces.example.com" {
		t.Errorf("BaseURL = %q, want environment to win over .env", cfg.BaseURL)
	}
}

func TestLoader_MissingDotEnvIgnored(t *testing.T) {
	l := &Loader{
		Getenv:     envFrom(requiredEnv()),
		DotEnvPath: filepath.Join(t.TempDir(), ".env"),
	}
	if _, err := l.Load(context.Background()); err != nil {
		t.Errorf("Load() error = %v, want missing .env ignored", err)
	}
}

func TestLoader_SecretManager(t *testing.T) {
	env := requiredEnv()
	delete(env, "DISCORD_BOT_TOKEN")
	delete(env, "TWITCH_CLIENT_ID")
	env["GCP_PROJECT"] = "face-project"

	var fetched []string
	l := &Loader{
		Getenv: envFrom(env),
		FetchSecret: func(_ context.Context, name string) (string, error) {
			fetched = append(fetched, name)
			if name == "DISCORD_BOT_TOKEN" {
				return "secret-bot-token", nil
			}
			return "secret-twitch-id", nil
		},
		RetryDelay: time.Millisecond,
	}

	cfg, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DiscordBotToken != "secret-bot-token" || cfg.TwitchClientID != "secret-twitch-id" {
		t.Errorf("secrets not applied: %+v", cfg)
	}
	for _, name := range fetched {
		if name == "DISCORD_CLIENT_ID" {
			t.Error("fetched DISCORD_CLIENT_ID although the environment set it")
		}
	}
	if len(fetched) != 2 {
		t.Errorf("fetched %v, want two secrets", fetched)
	}
}

func TestLoader_SecretManagerSkippedWithoutProject(t *testing.T) {
	env := requiredEnv()
	delete(env, "DISCORD_BOT_TOKEN")

	called := false
	l := &Loader{
		Getenv: envFrom(env),
		FetchSecret: func(context.Context, string) (string, error) {
			called = true
			return "x", nil
		},
	}

	_, err := l.Load(context.Background())
	if called {
		t.Error("FetchSecret called without GCP_PROJECT")
	}
	if err == nil || !strings.Contains(err.Error(), "DISCORD_BOT_TOKEN") {
		t.Errorf("Load() error = %v, want missing DISCORD_BOT_TOKEN", err)
	}
}

func TestLoader_fetchSecret_Retries(t *testing.T) {
	var attempts atomic.Int32
	l := &Loader{
		FetchSecret: func(context.Context, string) (string, error) {
			if attempts.Add(1) < 3 {
				return "", errors.New("unavailable")
			}
			return "value", nil
		},
		RetryDelay: time.Millisecond,
	}

	got, err := l.fetchSecret(context.Background(), "DISCORD_BOT_TOKEN")
	if err != nil {
		t.Fatalf("fetchSecret() error = %v", err)
	}
	if got != "value" {
		t.Errorf("fetchSecret() = %q, want %q", got, "value")
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestLoader_fetchSecret_GivesUp(t *testing.T) {
	var attempts atomic.Int32
	l := &Loader{
		FetchSecret: func(context.Context, string) (string, error) {
			attempts.Add(1)
			return "", errors.New("permission denied")
		},
		RetryDelay: time.Millisecond,
	}

	if _, err := l.fetchSecret(context.Background(), "TWITCH_CLIENT_ID"); err == nil {
		t.Fatal("fetchSecret() error = nil, want failure")
	}
	if n := attempts.Load(); n != maxSecretAttempts {
		t.Errorf("attempts = %d, want %d", n, maxSecretAttempts)
	}
}

func TestLoader_fetchSecret_NoRetryOnCancel(t *testing.T) {
	var attempts atomic.Int32
	l := &Loader{
		FetchSecret: func(context.Context, string) (string, error) {
			attempts.Add(1)
			return "", context.Canceled
		},
		RetryDelay: time.Millisecond,
	}

	if _, err := l.fetchSecret(context.Background(), "TWITCH_CLIENT_ID"); err == nil {
		t.Fatal("fetchSecret() error = nil, want failure")
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestServerConfig_Validate(t *testing.T) {
	valid := ServerConfig{
		BaseURL:         "https://faces.example.com",
		DiscordClientID: "1",
		DiscordBotToken: "t",
		TwitchClientID:  "c",
		CacheBackend:    "memory",
		CacheTTL:        time.Minute,
	}

	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr string
	}{
		{"valid", func(*ServerConfig) {}, ""},
		{"missing base url", func(c *ServerConfig) { c.BaseURL = "" }, "BASE_URL"},
		{"missing bot token", func(c *ServerConfig) { c.DiscordBotToken = "" }, "DISCORD_BOT_TOKEN"},
		{"missing client id", func(c *ServerConfig) { c.DiscordClientID = "" }, "DISCORD_CLIENT_ID"},
		{"missing twitch id", func(c *ServerConfig) { c.TwitchClientID = "" }, "TWITCH_CLIENT_ID"},
		{"unknown backend", func(c *ServerConfig) { c.CacheBackend = "redis" }, "CACHE_BACKEND"},
		{"zero ttl", func(c *ServerConfig) { c.CacheTTL = 0 }, "CACHE_TTL"},
		{"negative rate", func(c *ServerConfig) { c.TwitchRateLimit = -1 }, "TWITCH_RATE_LIMIT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfig_Validate_ReportsAll(t *testing.T) {
	cfg := ServerConfig{CacheBackend: "memory", CacheTTL: time.Minute}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	for _, name := range []string{"BASE_URL", "DISCORD_CLIENT_ID", "DISCORD_BOT_TOKEN", "TWITCH_CLIENT_ID"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("Validate() error %q missing %s", err, name)
		}
	}
}
