// Package twitch looks up live streams and channels on the Twitch API.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the API root used when no base URL is configured.
const DefaultBaseURL = "https://api.twitch.tv/kraken"

// UserAgent identifies this application to the Twitch API.
const UserAgent = "facecollector (https://github.com/codeGROOVE-dev/facecollector, 1.0)"

const requestTimeout = 10 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// ErrMissingArgument is returned when a required argument is empty.
var ErrMissingArgument = errors.New("missing required argument")

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Stream is a live broadcast.
type Stream struct {
	Preview     Preview `json:"preview"`
	VideoHeight int     `json:"video_height"`
}

// VideoWidth returns the 16:9 width for the stream's height.
// The division truncates: a height of 719 gives 1264, not 1280.
func (s *Stream) VideoWidth() int {
	return (s.VideoHeight / 9) * 16
}

// PreviewURL returns the preview template sized to the stream's own video.
func (s *Stream) PreviewURL() string {
	return s.Preview.Sized(s.VideoWidth(), s.VideoHeight)
}

// Preview holds the stream thumbnail locations.
type Preview struct {
	Large    string `json:"large"`
	Template string `json:"template"`
}

// Sized fills the {width} and {height} placeholders of the template URL.
func (p Preview) Sized(width, height int) string {
	r := strings.NewReplacer(
		"{width}", strconv.Itoa(width),
		"{height}", strconv.Itoa(height))
	return r.Replace(p.Template)
}

type streamResponse struct {
	Stream *Stream `json:"stream"`
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the API root.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithDoer sets the HTTP executor.
func WithDoer(d Doer) Option {
	return func(c *Client) { c.doer = d }
}

// WithLimiter paces outgoing requests. A nil limiter disables pacing.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is a Twitch API client authenticated by application client ID.
type Client struct {
	doer     Doer
	limiter  *rate.Limiter
	logger   *slog.Logger
	clientID string
	baseURL  string
}

// New creates a Twitch client.
func New(clientID string, opts ...Option) *Client {
	c := &Client{
		clientID: clientID,
		baseURL:  DefaultBaseURL,
		doer:     &http.Client{Timeout: requestTimeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LiveStream returns the channel's current broadcast, or nil when the channel
// is offline. Lookup failures are logged and reported as offline.
func (c *Client) LiveStream(ctx context.Context, channel string) (*Stream, error) {
	if channel == "" {
		return nil, fmt.Errorf("%w: channel", ErrMissingArgument)
	}

	var resp streamResponse
	if err := c.get(ctx, "streams", channel, &resp); err != nil {
		c.logger.Warn("could not get stream", "channel", channel, "error", err)
		return nil, nil
	}

	if resp.Stream == nil {
		c.logger.Debug("channel offline", "channel", channel)
		return nil, nil
	}
	return resp.Stream, nil
}

// ChannelExists reports whether Twitch knows the channel.
// Any lookup failure counts as not existing.
func (c *Client) ChannelExists(ctx context.Context, channel string) (bool, error) {
	if channel == "" {
		return false, fmt.Errorf("%w: channel", ErrMissingArgument)
	}

	var fields map[string]json.RawMessage
	if err := c.get(ctx, "channels", channel, &fields); err != nil {
		c.logger.Debug("channel lookup failed", "channel", channel, "error", err)
		return false, nil
	}

	_, ok := fields["_id"]
	return ok, nil
}

func (c *Client) get(ctx context.Context, resource, name string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	endpoint := c.baseURL + "/" + resource + "/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Client-ID", c.clientID)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body close

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, resource)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", resource, err)
	}
	return nil
}
