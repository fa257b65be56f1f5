package main

import (
	"context"

	"github.com/codeGROOVE-dev/facecollector/internal/discord"
	"github.com/codeGROOVE-dev/facecollector/internal/twitch"
)

// DiscordClient defines the Discord operations needed by the server.
type DiscordClient interface {
	PublishEmoji(ctx context.Context, name string, image []byte, guildID string) error
	DeleteEmoji(ctx context.Context, name, guildID string) error
	User(ctx context.Context, accessToken string) (discord.User, error)
	OwnedGuilds(ctx context.Context, accessToken string) ([]discord.Guild, error)
	OwnsGuild(ctx context.Context, accessToken, guildID string) (bool, error)
	BotInstallURL() string
}

// TwitchClient defines the Twitch operations needed by the server.
type TwitchClient interface {
	LiveStream(ctx context.Context, channel string) (*twitch.Stream, error)
	ChannelExists(ctx context.Context, channel string) (bool, error)
}

// CacheStats reports memo hit and miss counts.
type CacheStats interface {
	Stats() (hits, misses int64)
}
