package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/codeGROOVE-dev/facecollector/internal/discord"
	"github.com/codeGROOVE-dev/facecollector/internal/twitch"
)

// maxEmojiBytes is Discord's upload limit for a guild emoji.
const maxEmojiBytes = 256 * 1024

const requestIDHeader = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = iota

type server struct {
	discord DiscordClient
	twitch  TwitchClient
	caches  map[string]CacheStats
	logger  *slog.Logger
}

func newRouter(s *server) *mux.Router {
	router := mux.NewRouter()
	router.Use(securityHeadersMiddleware)
	router.Use(requestIDMiddleware)

	router.HandleFunc("/", healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)
	router.HandleFunc("/install", s.installHandler).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/streams/{channel}", s.streamHandler).Methods(http.MethodGet)
	api.HandleFunc("/channels/{channel}", s.channelHandler).Methods(http.MethodGet)
	api.HandleFunc("/me", s.meHandler).Methods(http.MethodGet)
	api.HandleFunc("/guilds", s.guildsHandler).Methods(http.MethodGet)
	api.HandleFunc("/guilds/{guildID}/emojis/{name}", s.publishEmojiHandler).Methods(http.MethodPut)
	api.HandleFunc("/guilds/{guildID}/emojis/{name}", s.deleteEmojiHandler).Methods(http.MethodDelete)

	return router
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		slog.Debug("health write error", "error", err)
	}
}

func (s *server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("ok")
	for _, name := range names {
		hits, misses := s.caches[name].Stats()
		fmt.Fprintf(&b, " - %s %d/%d", name, hits, misses)
	}
	b.WriteString("\n")

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(b.String())); err != nil {
		slog.Debug("healthz write error", "error", err)
	}
}

func (s *server) installHandler(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.discord.BotInstallURL(), http.StatusFound)
}

type streamResponse struct {
	Channel     string         `json:"channel"`
	PreviewURL  string         `json:"preview_url"`
	Preview     twitch.Preview `json:"preview"`
	VideoHeight int            `json:"video_height"`
	VideoWidth  int            `json:"video_width"`
}

func (s *server) streamHandler(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]

	stream, err := s.twitch.LiveStream(r.Context(), channel)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if stream == nil {
		http.Error(w, "channel is not live", http.StatusNotFound)
		return
	}

	s.writeJSON(w, r, http.StatusOK, streamResponse{
		Channel:     channel,
		VideoHeight: stream.VideoHeight,
		VideoWidth:  stream.VideoWidth(),
		Preview:     stream.Preview,
		PreviewURL:  stream.PreviewURL(),
	})
}

func (s *server) channelHandler(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]

	exists, err := s.twitch.ChannelExists(r.Context(), channel)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !exists {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"channel": channel})
}

type userResponse struct {
	discord.User

	AvatarURL string `json:"avatar_url"`
}

func (s *server) meHandler(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	u, err := s.discord.User(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, userResponse{User: u, AvatarURL: u.AvatarURL()})
}

func (s *server) guildsHandler(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	guilds, err := s.discord.OwnedGuilds(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if guilds == nil {
		guilds = []discord.Guild{}
	}
	s.writeJSON(w, r, http.StatusOK, guilds)
}

func (s *server) publishEmojiHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	guildID, name := vars["guildID"], vars["name"]

	if !s.authorizeGuild(w, r, guildID) {
		return
	}

	image, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEmojiBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "emoji image too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(image) > 0 && http.DetectContentType(image) != "image/png" {
		http.Error(w, "emoji image must be a PNG", http.StatusUnsupportedMediaType)
		return
	}

	if err := s.discord.PublishEmoji(r.Context(), name, image, guildID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) deleteEmojiHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	guildID, name := vars["guildID"], vars["name"]

	if !s.authorizeGuild(w, r, guildID) {
		return
	}

	if err := s.discord.DeleteEmoji(r.Context(), name, guildID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorizeGuild writes an error response and returns false unless the
// bearer of the request owns guildID.
func (s *server) authorizeGuild(w http.ResponseWriter, r *http.Request, guildID string) bool {
	token, ok := bearerToken(r)
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return false
	}

	owns, err := s.discord.OwnsGuild(r.Context(), token, guildID)
	if err != nil {
		s.writeError(w, r, err)
		return false
	}
	if !owns {
		http.Error(w, "guild not owned by caller", http.StatusForbidden)
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// errorStatus maps an operation error to the response status.
func errorStatus(err error) int {
	if errors.Is(err, discord.ErrMissingArgument) || errors.Is(err, twitch.ErrMissingArgument) {
		return http.StatusBadRequest
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return restErr.Response.StatusCode
		}
	}
	return http.StatusBadGateway
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	s.logger.Warn("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"request_id", requestID(r.Context()),
		"error", err)
	http.Error(w, http.StatusText(status), status)
}

func (s *server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write error",
			"path", r.URL.Path,
			"request_id", requestID(r.Context()),
			"error", err)
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware propagates a caller-supplied UUID request ID or
// assigns a new one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
