package dmrelay

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ReplyInput describes an inbound reply, either observed by a reply
// listener or posted to the API
type ReplyInput struct {
	UserID              string `json:"userId" binding:"required"`
	Username            string `json:"username" binding:"required"`
	Content             string `json:"content" binding:"required"`
	MessageID           string `json:"messageId" binding:"required"`
	ReferencedMessageID string `json:"referencedMessageId"`
	AvatarURL           string `json:"avatarUrl"`
	GuildID             string `json:"guildId"`
	GuildName           string `json:"guildName"`

	// Timestamp is when the message was sent. Defaults to the time
	// it's ingested.
	Timestamp time.Time `json:"-"`
}

// IngestReply stores a reply, publishes it to live feed subscribers,
// and notifies other instances.
func (d *DMRelay) IngestReply(ctx context.Context, in ReplyInput) (MessageReply, error) {
	if err := validateReplyInput(&in); err != nil {
		return MessageReply{}, err
	}

	reply := MessageReply{
		UserID:              strings.TrimSpace(in.UserID),
		Username:            strings.TrimSpace(in.Username),
		Content:             in.Content,
		MessageID:           strings.TrimSpace(in.MessageID),
		ReferencedMessageID: optionalString(in.ReferencedMessageID),
		AvatarURL:           optionalString(in.AvatarURL),
		GuildID:             optionalString(in.GuildID),
		GuildName:           optionalString(in.GuildName),
		Timestamp:           in.Timestamp.UTC(),
	}
	if in.Timestamp.IsZero() {
		reply.Timestamp = time.Now().UTC()
	}

	logger := contextLoggerOr(ctx, d.logger)
	d.ingestMu.Lock()
	if err := d.store.SaveReply(ctx, &reply); err != nil {
		d.ingestMu.Unlock()
		logger.ErrorContext(ctx, "error saving reply", tint.Err(err))
		return MessageReply{}, err
	}
	d.hub.Publish(reply)
	d.ingestMu.Unlock()

	d.metrics.repliesIngested.Inc()
	logger.InfoContext(ctx, "ingested reply", "reply", reply)
	if !d.storeDegraded() {
		d.notifier.ReplyCreated(ctx, reply.ID)
	}
	return reply, nil
}

// ListReplies returns stored replies, newest first. limit <= 0 returns
// everything.
func (d *DMRelay) ListReplies(ctx context.Context, limit int) ([]MessageReply, error) {
	replies, err := d.store.ListReplies(ctx, limit)
	if err != nil {
		return nil, err
	}
	if replies == nil {
		replies = []MessageReply{}
	}
	return replies, nil
}

func validateReplyInput(in *ReplyInput) error {
	verr := newValidationError(msgInvalidReply)
	if err := structValidator.Struct(in); err != nil {
		verr = validationErrorFrom(msgInvalidReply, err, in)
	}
	addIfMissing(verr, "userId", strings.TrimSpace(in.UserID) == "")
	addIfMissing(verr, "username", strings.TrimSpace(in.Username) == "")
	addIfMissing(verr, "content", strings.TrimSpace(in.Content) == "")
	addIfMissing(verr, "messageId", strings.TrimSpace(in.MessageID) == "")
	if verr.HasErrors() {
		return verr
	}
	return nil
}

type replyListener struct {
	session       DiscordSessionHandler
	self          *discordgo.User
	removeHandler func()
}

// ReplyListeners manages long-lived gateway sessions, one per bot
// token, which ingest replies to the bot's messages and DMs sent to
// the bot. Unlike the sessions used for lookups and dispatch, these
// stay open until Close is called.
type ReplyListeners struct {
	ctx        context.Context
	mu         sync.Mutex
	listeners  map[string]*replyListener
	pending    map[string]struct{}
	newSession SessionFactory
	intents    discordgo.Intent
	ingest     func(ctx context.Context, in ReplyInput) (MessageReply, error)
	logger     *slog.Logger
	gauge      prometheus.Gauge
	closed     bool
}

func newReplyListeners(
	ctx context.Context,
	newSession SessionFactory,
	intents discordgo.Intent,
	ingest func(ctx context.Context, in ReplyInput) (MessageReply, error),
	logger *slog.Logger,
	gauge prometheus.Gauge,
) *ReplyListeners {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyListeners{
		ctx:        ctx,
		listeners:  map[string]*replyListener{},
		pending:    map[string]struct{}{},
		newSession: newSession,
		intents:    intents,
		ingest:     ingest,
		logger:     logger.With(loggerNameKey, "reply_listeners"),
		gauge:      gauge,
	}
}

// Start opens a gateway session for token, unless one is already open
// or opening. Returns true if a new listener was started.
func (l *ReplyListeners) Start(ctx context.Context, token string) (bool, error) {
	token = normalizeToken(token)
	if token == "" {
		return false, newValidationError(msgInvalidToken).Add("token", "required")
	}
	key := tokenFingerprint(token)
	logger := l.logger.With("token_id", key)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false, nil
	}
	_, running := l.listeners[key]
	_, opening := l.pending[key]
	if running || opening {
		l.mu.Unlock()
		logger.DebugContext(ctx, "listener already running")
		return false, nil
	}
	l.pending[key] = struct{}{}
	l.mu.Unlock()

	listener, err := l.open(ctx, token, logger)

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, key)
	if err != nil {
		return false, err
	}
	if l.closed {
		l.closeListener(key, listener)
		return false, nil
	}

	l.listeners[key] = listener
	l.updateGauge()
	logger.InfoContext(
		ctx,
		"started reply listener",
		"bot_user_id", listener.self.ID,
		"bot_username", listener.self.Username,
	)
	return true, nil
}

// open verifies token and connects to the gateway, without holding l.mu
func (l *ReplyListeners) open(
	ctx context.Context,
	token string,
	logger *slog.Logger,
) (*replyListener, error) {
	s, err := l.newSession(token)
	if err != nil {
		return nil, &UpstreamError{Op: "create session", Err: err}
	}
	s.SetIntents(l.intents)

	self, err := s.User(discordSelfUserID)
	if err != nil {
		_ = s.Close()
		return nil, classifyDiscordError("verify token", err, "", "")
	}

	listener := &replyListener{session: s, self: self}
	listener.removeHandler = s.AddHandler(
		func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			if m == nil || m.Message == nil {
				return
			}
			l.handleMessage(s, self, m.Message)
		},
	)

	if err = s.Open(); err != nil {
		listener.removeHandler()
		_ = s.Close()
		logger.ErrorContext(ctx, "error opening gateway session", tint.Err(err))
		return nil, classifyDiscordError("open gateway session", err, "", "")
	}
	return listener, nil
}

// handleMessage ingests m if it's a reply to a message sent by self, or
// a DM. Messages from bots (including self) are ignored.
func (l *ReplyListeners) handleMessage(
	s DiscordSessionHandler,
	self *discordgo.User,
	m *discordgo.Message,
) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == self.ID {
		return
	}
	logger := l.logger.With(
		"message_id", m.ID,
		"channel_id", m.ChannelID,
		"user_id", m.Author.ID,
	)

	isDM := m.GuildID == ""
	referencedID, referencesBot := l.referencesUser(s, m, self.ID)
	if !isDM && !referencesBot {
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		logger.DebugContext(l.ctx, "ignoring reply without content")
		return
	}

	in := ReplyInput{
		UserID:              m.Author.ID,
		Username:            m.Author.Username,
		Content:             m.Content,
		MessageID:           m.ID,
		ReferencedMessageID: referencedID,
		AvatarURL:           stringPointerValue(discordAvatarURL(m.Author)),
		GuildID:             m.GuildID,
		Timestamp:           m.Timestamp,
	}
	if !isDM {
		guild, err := s.Guild(m.GuildID)
		if err != nil {
			logger.WarnContext(
				l.ctx,
				"unable to look up guild name",
				"guild_id", m.GuildID,
				tint.Err(err),
			)
		} else {
			in.GuildName = guild.Name
		}
	}

	if _, err := l.ingest(l.ctx, in); err != nil {
		logger.ErrorContext(l.ctx, "error ingesting reply", tint.Err(err))
	}
}

// referencesUser reports whether m replies to a message authored by
// userID, fetching the referenced message if it wasn't included
func (l *ReplyListeners) referencesUser(
	s DiscordSessionHandler,
	m *discordgo.Message,
	userID string,
) (referencedID string, ok bool) {
	ref := m.ReferencedMessage
	if m.MessageReference != nil {
		referencedID = m.MessageReference.MessageID
	}
	if ref == nil && referencedID != "" {
		channelID := m.MessageReference.ChannelID
		if channelID == "" {
			channelID = m.ChannelID
		}
		fetched, err := s.ChannelMessage(channelID, referencedID)
		if err != nil {
			l.logger.WarnContext(
				l.ctx,
				"unable to fetch referenced message",
				"message_id", referencedID,
				tint.Err(err),
			)
			return referencedID, false
		}
		ref = fetched
	}
	if ref == nil {
		return referencedID, false
	}
	if referencedID == "" {
		referencedID = ref.ID
	}
	return referencedID, ref.Author != nil && ref.Author.ID == userID
}

// Count returns the number of open listeners, not counting any still
// connecting
func (l *ReplyListeners) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listeners)
}

func (l *ReplyListeners) updateGauge() {
	if l.gauge != nil {
		l.gauge.Set(float64(len(l.listeners)))
	}
}

// Close closes every listener session. Start does nothing afterward.
func (l *ReplyListeners) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	for key, listener := range l.listeners {
		l.closeListener(key, listener)
		delete(l.listeners, key)
	}
	l.updateGauge()
	l.logger.Info("closed reply listeners")
}

func (l *ReplyListeners) closeListener(key string, listener *replyListener) {
	listener.removeHandler()
	if err := listener.session.Close(); err != nil {
		l.logger.Warn(
			"error closing listener session",
			"token_id", key,
			tint.Err(err),
		)
	}
}
