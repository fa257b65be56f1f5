// Package main provides the entry point for the facecollector server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/codeGROOVE-dev/facecollector/internal/cache"
	"github.com/codeGROOVE-dev/facecollector/internal/config"
	"github.com/codeGROOVE-dev/facecollector/internal/discord"
	"github.com/codeGROOVE-dev/facecollector/internal/logging"
	"github.com/codeGROOVE-dev/facecollector/internal/twitch"
)

const (
	serverReadTimeout  = 15 * time.Second
	serverWriteTimeout = 15 * time.Second
	serverIdleTimeout  = 120 * time.Second
	shutdownTimeout    = 250 * time.Millisecond
)

func main() {
	// Until configuration is loaded, log JSON at info level.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Warn("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	exitCode := run(ctx)
	cancel()
	os.Exit(exitCode)
}

func run(ctx context.Context) int {
	cfg, err := config.Load(ctx)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Format = cfg.LogFormat
	logCfg.Dir = cfg.LogDir
	logger, err := logging.New(logCfg)
	if err != nil {
		slog.Error("failed to create logger", "error", err)
		return 1
	}
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"base_url", cfg.BaseURL,
		"has_discord_bot_token", cfg.DiscordBotToken != "",
		"has_twitch_client_id", cfg.TwitchClientID != "",
		"cache_backend", cfg.CacheBackend,
		"cache_ttl", cfg.CacheTTL,
		"twitch_api_url", cfg.TwitchAPIURL)

	users, err := newMemo[discord.User](ctx, cfg, "facecollector-users")
	if err != nil {
		slog.Error("failed to create user cache", "error", err)
		return 1
	}
	defer closeMemo(users)

	guilds, err := newMemo[[]discord.Guild](ctx, cfg, "facecollector-guilds")
	if err != nil {
		slog.Error("failed to create guild cache", "error", err)
		return 1
	}
	defer closeMemo(guilds)

	dc, err := discord.New(discord.Config{
		BotToken:    cfg.DiscordBotToken,
		ClientID:    cfg.DiscordClientID,
		RedirectURL: cfg.BaseURL,
	},
		discord.WithUserCache(users),
		discord.WithGuildCache(guilds),
		discord.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create Discord client", "error", err)
		return 1
	}

	twitchOpts := []twitch.Option{
		twitch.WithBaseURL(cfg.TwitchAPIURL),
		twitch.WithLogger(logger),
	}
	if cfg.TwitchRateLimit > 0 {
		twitchOpts = append(twitchOpts, twitch.WithLimiter(rate.NewLimiter(rate.Limit(cfg.TwitchRateLimit), 1)))
	}
	tc := twitch.New(cfg.TwitchClientID, twitchOpts...)

	router := newRouter(&server{
		discord: dc,
		twitch:  tc,
		caches:  map[string]CacheStats{"users": users, "guilds": guilds},
		logger:  logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		slog.Info("starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		slog.Error("server error", "error", err)
		return 1
	}

	slog.Info("server stopped")
	return 0
}

func newMemo[V any](ctx context.Context, cfg config.ServerConfig, name string) (*cache.Memo[V], error) {
	store, err := cache.NewStore[V](ctx, cfg.CacheBackend, name)
	if err != nil {
		return nil, err
	}
	return cache.New(store, cfg.CacheTTL, name)
}

type closer interface {
	Close() error
}

func closeMemo(c closer) {
	if err := c.Close(); err != nil {
		slog.Warn("failed to close cache", "error", err)
	}
}
