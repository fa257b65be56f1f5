// Package discord provides Discord API client functionality.
package discord

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/oauth2"

	"github.com/codeGROOVE-dev/facecollector/internal/cache"
)

// UserAgent identifies this application to the Discord API.
const UserAgent = "DiscordBot (https://github.com/codeGROOVE-dev/facecollector, 1.0)"

const (
	authorizeURL = "https://discord.com/api/oauth2/authorize"

	// installPermissions is the MANAGE_GUILD_EXPRESSIONS bit.
	installPermissions = 1073741824
	installScope       = "bot"

	// requestTimeout bounds every REST call made through a session.
	requestTimeout = 20 * time.Second

	// maxUserGuilds is the largest page Discord serves for /users/@me/guilds,
	// and also the membership cap of a single account.
	maxUserGuilds = 200
)

// ErrMissingArgument is returned when a required argument is empty.
var ErrMissingArgument = errors.New("missing required argument")

// Memoizer stores lookup results by key.
type Memoizer[V any] interface {
	Do(ctx context.Context, key string, fetch func(context.Context) (V, error)) (V, error)
}

// User is the profile of an OAuth-authenticated Discord user.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// AvatarURL returns the CDN URL of the user's avatar.
func (u User) AvatarURL() string {
	du := discordgo.User{ID: u.ID, Username: u.Username, Avatar: u.Avatar}
	return du.AvatarURL("")
}

// Guild is a guild membership of an OAuth-authenticated user.
type Guild struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Icon  string `json:"icon"`
	Owner bool   `json:"owner"`
}

// Config holds the static credentials of the Discord application.
type Config struct {
	BotToken    string
	ClientID    string
	RedirectURL string
}

// Option configures a Client.
type Option func(*options)

type options struct {
	transport http.RoundTripper
	users     Memoizer[User]
	guilds    Memoizer[[]Guild]
	logger    *slog.Logger
}

// WithTransport sets the round tripper used for every Discord request.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithUserCache sets the store used to memoize User lookups by token.
func WithUserCache(m Memoizer[User]) Option {
	return func(o *options) { o.users = m }
}

// WithGuildCache sets the store used to memoize OwnedGuilds lookups by token.
func WithGuildCache(m Memoizer[[]Guild]) Option {
	return func(o *options) { o.guilds = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Client talks to the Discord REST API on behalf of the bot and of
// OAuth-authenticated users.
type Client struct {
	bot         *discordgo.Session
	transport   http.RoundTripper
	users       Memoizer[User]
	guilds      Memoizer[[]Guild]
	logger      *slog.Logger
	clientID    string
	redirectURL string
}

// New creates a Discord client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("%w: bot token", ErrMissingArgument)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	if o.users == nil {
		m, err := cache.NewMemory[User](cache.DefaultTTL, "discord-users")
		if err != nil {
			return nil, err
		}
		o.users = m
	}
	if o.guilds == nil {
		m, err := cache.NewMemory[[]Guild](cache.DefaultTTL, "discord-guilds")
		if err != nil {
			return nil, err
		}
		o.guilds = m
	}

	bot, err := newSession("Bot "+cfg.BotToken, &http.Client{
		Transport: o.transport,
		Timeout:   requestTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		bot:         bot,
		transport:   o.transport,
		users:       o.users,
		guilds:      o.guilds,
		logger:      o.logger,
		clientID:    cfg.ClientID,
		redirectURL: cfg.RedirectURL,
	}, nil
}

// newSession returns a REST-only session. discordgo's own retry loops are
// disabled: a failed request is reported to the caller once.
func newSession(token string, hc *http.Client) (*discordgo.Session, error) {
	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	s.Client = hc
	s.UserAgent = UserAgent
	s.MaxRestRetries = 0
	s.ShouldRetryOnRateLimit = false
	return s, nil
}

// userSession returns a session that authenticates with the user's OAuth
// access token as a Bearer credential.
func (c *Client) userSession(accessToken string) (*discordgo.Session, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	return newSession("", &http.Client{
		Transport: &oauth2.Transport{Source: ts, Base: c.transport},
		Timeout:   requestTimeout,
	})
}

// PublishEmoji uploads a PNG image as a guild emoji, replacing any emoji with
// the same name. A failed upload is logged and not reported to the caller.
func (c *Client) PublishEmoji(ctx context.Context, name string, image []byte, guildID string) error {
	if name == "" {
		return fmt.Errorf("%w: name", ErrMissingArgument)
	}
	if len(image) == 0 {
		return fmt.Errorf("%w: image", ErrMissingArgument)
	}
	if guildID == "" {
		return fmt.Errorf("%w: guild ID", ErrMissingArgument)
	}

	if err := c.DeleteEmoji(ctx, name, guildID); err != nil {
		return err
	}

	emoji, err := c.bot.GuildEmojiCreate(guildID, &discordgo.EmojiParams{
		Name:  name,
		Image: dataURL(image),
	}, discordgo.WithContext(ctx))
	if err != nil {
		c.logger.Error("emoji publication failed",
			"name", name,
			"guild_id", guildID,
			"error", err)
		return nil
	}

	c.logger.Info("published emoji",
		"name", name,
		"guild_id", guildID,
		"emoji_id", emoji.ID)
	return nil
}

// DeleteEmoji removes the guild emoji with the given name, if there is one.
func (c *Client) DeleteEmoji(ctx context.Context, name, guildID string) error {
	if name == "" {
		return fmt.Errorf("%w: name", ErrMissingArgument)
	}
	if guildID == "" {
		return fmt.Errorf("%w: guild ID", ErrMissingArgument)
	}

	emojiID, found, err := c.findEmojiID(ctx, name, guildID)
	if err != nil {
		return err
	}
	if !found {
		c.logger.Debug("no emoji to delete", "name", name, "guild_id", guildID)
		return nil
	}

	if err := c.bot.GuildEmojiDelete(guildID, emojiID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to delete emoji: %w", err)
	}

	c.logger.Info("deleted emoji",
		"name", name,
		"guild_id", guildID,
		"emoji_id", emojiID)
	return nil
}

func (c *Client) findEmojiID(ctx context.Context, name, guildID string) (string, bool, error) {
	emojis, err := c.bot.GuildEmojis(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", false, fmt.Errorf("failed to list emojis: %w", err)
	}

	id, found := matchEmoji(emojis, name)
	return id, found, nil
}

// matchEmoji returns the ID of the first emoji named exactly name.
func matchEmoji(emojis []*discordgo.Emoji, name string) (string, bool) {
	for _, e := range emojis {
		if e != nil && e.Name == name {
			return e.ID, true
		}
	}
	return "", false
}

func dataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// User returns the profile of the access token's owner. Results are memoized
// by token.
func (c *Client) User(ctx context.Context, accessToken string) (User, error) {
	if accessToken == "" {
		return User{}, fmt.Errorf("%w: access token", ErrMissingArgument)
	}

	return c.users.Do(ctx, accessToken, func(ctx context.Context) (User, error) {
		s, err := c.userSession(accessToken)
		if err != nil {
			return User{}, err
		}

		u, err := s.User("@me", discordgo.WithContext(ctx))
		if err != nil {
			return User{}, fmt.Errorf("failed to fetch user: %w", err)
		}

		c.logger.Debug("fetched user", "user_id", u.ID)
		return User{ID: u.ID, Username: u.Username, Avatar: u.Avatar}, nil
	})
}

// OwnedGuilds returns the guilds owned by the access token's owner. Results
// are memoized by token; each call returns its own copy.
func (c *Client) OwnedGuilds(ctx context.Context, accessToken string) ([]Guild, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("%w: access token", ErrMissingArgument)
	}

	guilds, err := c.guilds.Do(ctx, accessToken, func(ctx context.Context) ([]Guild, error) {
		s, err := c.userSession(accessToken)
		if err != nil {
			return nil, err
		}

		memberships, err := s.UserGuilds(maxUserGuilds, "", "", false, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list guilds: %w", err)
		}

		owned := ownedGuilds(memberships)
		c.logger.Debug("fetched guilds",
			"memberships", len(memberships),
			"owned", len(owned))
		return owned, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(guilds), nil
}

func ownedGuilds(memberships []*discordgo.UserGuild) []Guild {
	owned := make([]Guild, 0, len(memberships))
	for _, g := range memberships {
		if g == nil || !g.Owner {
			continue
		}
		owned = append(owned, Guild{ID: g.ID, Name: g.Name, Icon: g.Icon, Owner: true})
	}
	return owned
}

// OwnsGuild reports whether the access token's owner owns guildID.
func (c *Client) OwnsGuild(ctx context.Context, accessToken, guildID string) (bool, error) {
	if guildID == "" {
		return false, fmt.Errorf("%w: guild ID", ErrMissingArgument)
	}

	guilds, err := c.OwnedGuilds(ctx, accessToken)
	if err != nil {
		return false, err
	}
	for _, g := range guilds {
		if g.ID == guildID {
			return true, nil
		}
	}
	return false, nil
}

// BotInstallURL returns the OAuth2 URL that adds the bot to a guild with
// permission to manage emojis.
func (c *Client) BotInstallURL() string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("permissions", strconv.Itoa(installPermissions))
	q.Set("redirect_uri", c.redirectURL)
	q.Set("scope", installScope)
	return authorizeURL + "?" + q.Encode()
}
