package dmrelay

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
)

const (
	discordAvatarSize    = "64"
	discordSelfUserID    = "@me"
	discordResourceUser  = "user"
	discordResourceGuild = "guild"
)

// SessionFactory returns a new, unopened session for the given bot token.
// The token has already had any 'Bot ' prefix stripped.
type SessionFactory func(token string) (DiscordSessionHandler, error)

// Discord creates short-lived discord sessions for directory lookups and
// dispatch. Each operation acquires its own session and releases it
// before returning. Sessions are never shared or pooled.
type Discord struct {
	config     *DiscordConfig
	logger     *slog.Logger
	newSession SessionFactory
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discord{
		config: config,
		logger: logger,
	}
	d.newSession = d.defaultSession
	return d
}

// defaultSession creates a discordgo session using the configured HTTP
// client and log level
func (d *Discord) defaultSession(token string) (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New(discordBotTokenPrefix + token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc

	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}
	if d.config.DiscordGoLogLevel != nil {
		if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
			return session, err
		}
	}
	return session, nil
}

// withSession acquires a session for token, verifies the token by
// fetching the bot's own user, and calls fn. The session is closed on
// every exit path. Credential rejection is returned as AuthError.
func (d *Discord) withSession(
	ctx context.Context,
	token string,
	fn func(s DiscordSessionHandler, self *discordgo.User) error,
) error {
	token = normalizeToken(token)
	if token == "" {
		return newValidationError(msgInvalidToken).Add("token", "required")
	}

	logger := contextLoggerOr(ctx, d.logger).With("token_id", tokenFingerprint(token))

	s, err := d.newSession(token)
	if err != nil {
		return &UpstreamError{Op: "create session", Err: err}
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			logger.WarnContext(ctx, "error closing discord session", tint.Err(closeErr))
		}
	}()

	self, err := s.User(discordSelfUserID)
	if err != nil {
		logger.WarnContext(ctx, "unable to verify bot token", tint.Err(err))
		return classifyDiscordError("verify token", err, "", "")
	}
	logger.DebugContext(ctx, "acquired discord session", "bot_user_id", self.ID)
	return fn(s, self)
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// [DiscordSession] wraps a discordgo.Session, other implementations are
// used in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord, if there is one
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// User returns the user with the given ID, or the bot user for "@me"
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)

	// UserGuilds returns a page of guilds the bot user belongs to. When
	// withCounts is true, approximate member counts are included.
	UserGuilds(
		limit int,
		beforeID string,
		afterID string,
		withCounts bool,
		options ...discordgo.RequestOption,
	) ([]*discordgo.UserGuild, error)

	// Guild returns the guild with the given ID
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)

	// GuildMembers returns a page of up to limit members, with IDs
	// after the given member ID
	GuildMembers(
		guildID string,
		after string,
		limit int,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)

	// UserChannelCreate opens (or returns the existing) DM channel with
	// the given user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessage returns a single message from a channel
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIntents sets the gateway intents sent when the session is opened
	SetIntents(intents discordgo.Intent)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIntents(intents discordgo.Intent) {
	d.session.Identify.Intents = intents
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) User(
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return d.session.User(userID, options...)
}

func (d DiscordSession) UserGuilds(
	limit int,
	beforeID string,
	afterID string,
	withCounts bool,
	options ...discordgo.RequestOption,
) ([]*discordgo.UserGuild, error) {
	return d.session.UserGuilds(limit, beforeID, afterID, withCounts, options...)
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	options ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	members, err := d.session.GuildMembers(guildID, after, limit, options...)
	if err != nil {
		d.logger.Error(
			"error fetching guild members",
			tint.Err(err),
			"guild_id", guildID,
			"after", after,
		)
	}
	return members, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, message, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	} else {
		d.logger.Debug(
			"sent message",
			"channel_id", channelID,
			"message_id", msg.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

// discordAvatarURL returns the user's avatar URL. Users without an
// avatar get the default avatar URL.
func discordAvatarURL(u *discordgo.User) *string {
	if u == nil {
		return nil
	}
	url := u.AvatarURL(discordAvatarSize)
	return &url
}

// discordGuildIconURL returns the URL for a guild icon, or nil if the
// guild has none
func discordGuildIconURL(guildID string, icon string) *string {
	if icon == "" {
		return nil
	}
	url := discordgo.EndpointGuildIcon(guildID, icon) + "?size=" + discordAvatarSize
	return &url
}
