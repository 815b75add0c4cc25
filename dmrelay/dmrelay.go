package dmrelay

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const shutdownAnnouncementInterval = 10 * time.Second

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/dmrelay/dmrelay.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// DMRelay collects bot tokens, looks up guilds and members, sends direct
// messages, and relays replies to live feed subscribers
type DMRelay struct {
	config *Config

	// Read connection. Nil when the in-memory store was selected at startup.
	db *gorm.DB

	// gorm.DB wrapper for writes. When using sqlite, writes are
	// serialized with a mutex.
	writeDB DBI

	// store is the persistence provider every component uses. It's
	// selected once, by initStore.
	store Store

	// fallback is set when storage_fallback is enabled and the primary
	// store opened successfully
	fallback *FallbackStore

	// storageUnavailable is set if the database couldn't be opened at
	// startup, and the in-memory store was selected instead
	storageUnavailable bool

	logger    *slog.Logger
	discord   *Discord
	directory *directory
	hub       *ReplyHub
	listeners *ReplyListeners
	notifier  ReplyNotifier
	metrics   *metrics
	api       *API
	upgrader  *websocket.Upgrader

	// sleep pauses between bulk dispatch targets
	sleep func(time.Duration)

	// signalStop enables an explicit stop signal to be sent, outside
	// of cancelling the context passed to Run
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has opened storage,
	// started configured listeners and started serving the API
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// held while a reply is saved and published, so live feed
	// subscribers see replies in the order they were stored
	ingestMu sync.Mutex

	startedAt time.Time
}

// New creates a DMRelay from config. Storage isn't opened until Run.
func New(config *Config) (*DMRelay, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	for name, missing := range map[string]bool{
		"api":       config.API == nil,
		"discord":   config.Discord == nil,
		"dispatch":  config.Dispatch == nil,
		"live_feed": config.LiveFeed == nil,
	} {
		if missing {
			errs = append(errs, fmt.Errorf("missing %s config", name))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &DMRelay{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		sleep:         time.Sleep,
		metrics:       newMetrics(),
	}

	d.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(d.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	config.Discord.httpClient = config.HTTPClient
	discordLogger := slog.New(newLogHandler(config.Discord.LogLevel)).With(
		loggerNameKey,
		"discord",
	)
	d.discord = newDiscord(config.Discord, discordLogger)
	d.directory = newDirectory(config.Dispatch, discordLogger.With(loggerNameKey, "directory"))

	d.hub = newReplyHub(config.LiveFeed.BufferSize, d.logger, d.metrics.liveSubscribers)
	d.upgrader = newUpgrader(config.API)
	d.listeners = newReplyListeners(
		WithLogger(context.Background(), d.logger),
		func(token string) (DiscordSessionHandler, error) {
			return d.discord.newSession(token)
		},
		config.Discord.GatewayIntents,
		d.IngestReply,
		discordLogger,
		d.metrics.replyListeners,
	)

	notifier, err := newReplyNotifier(d)
	if err != nil {
		errs = append(errs, err)
	}
	d.notifier = notifier

	api, err := newAPI(d, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	d.api = api

	return d, errors.Join(errs...)
}

func (d *DMRelay) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// Run opens storage, starts the notifier listener, starts a reply
// listener for the configured token (if any), and serves the API until
// ctx is cancelled or a stop signal is received.
func (d *DMRelay) Run(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.signalStop = make(chan struct{}, 1)
	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	if err := d.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	runtimeWG := &sync.WaitGroup{}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := d.notifier.Listen(ctx); e != nil {
			logger.ErrorContext(ctx, "error listening for new reply notifications", tint.Err(e))
		}
	}()

	if _, err := d.api.Listen(startCtx); err != nil {
		logger.ErrorContext(ctx, "error starting api listener", tint.Err(err))
		cancel()
		runtimeWG.Wait()
		d.closeDB()
		return err
	}
	go func() {
		if httpErr := d.api.Serve(ctx); httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			cancel()
		}
	}()

	d.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal", "addr", d.api.Addr().String())

	<-ctx.Done()
	return d.shutdown(ctx, runtimeWG)
}

// Stop signals Run to shut down
func (d *DMRelay) Stop() {
	if d.signalStop == nil {
		return
	}
	select {
	case d.signalStop <- struct{}{}:
	default:
	}
}

// Ready returns a channel which receives a value once Run is serving
func (d *DMRelay) Ready() <-chan struct{} {
	return d.signalReady
}

// Addr returns the address the API is listening on
func (d *DMRelay) Addr() string {
	if addr := d.api.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (d *DMRelay) initRun(ctx context.Context) error {
	d.logger.Debug("initializing storage...")
	if err := d.initStore(ctx); err != nil {
		return fmt.Errorf("error initializing storage: %w", err)
	}
	d.logger.Debug("finished initializing storage")

	notifier, err := newReplyNotifier(d)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	d.notifier = notifier

	if token := d.config.Discord.Token; token != "" {
		if _, listenErr := d.listeners.Start(ctx, token); listenErr != nil {
			d.logger.ErrorContext(
				ctx,
				"unable to start reply listener for configured token",
				tint.Err(listenErr),
			)
		}
	}
	return nil
}

// initStore opens the configured database and selects the store. If the
// database can't be opened and storage_fallback is set, the in-memory
// store is used for the rest of the process lifetime. When storage_fallback
// is set, runtime failures from the database also switch to the in-memory
// store.
func (d *DMRelay) initStore(ctx context.Context) error {
	logger := d.logger.With(loggerNameKey, "database")
	gormLogger := newGORMLogger(
		newLogHandler(d.config.DatabaseLogLevel),
		d.config.DatabaseSlowThreshold,
	)

	db, err := openDB(ctx, d.config.DatabaseType, d.config.Database, gormLogger, logger)
	if err != nil {
		if !d.config.StorageFallback {
			return err
		}
		logger.ErrorContext(
			ctx,
			"unable to open database, using in-memory store. "+
				"Data stored will be lost on exit",
			"database_type", d.config.DatabaseType,
			tint.Err(err),
		)
		d.store = newMemoryStore()
		d.storageUnavailable = true
		d.metrics.storageDegraded.Set(1)
		return nil
	}

	d.db = db
	d.writeDB = NewDatabase(db, logger, d.config.DatabaseType == dbTypePostgres)
	primary := newGormStore(d.writeDB)
	if !d.config.StorageFallback {
		d.store = primary
		return nil
	}

	d.fallback = NewFallbackStore(primary, newMemoryStore(), d.logger)
	d.fallback.onDegrade = func() {
		d.metrics.storageDegraded.Set(1)
	}
	d.store = d.fallback
	return nil
}

// storeDegraded reports whether the in-memory store is in use
func (d *DMRelay) storeDegraded() bool {
	return d.storageUnavailable || (d.fallback != nil && d.fallback.Degraded())
}

func (d *DMRelay) closeDB() {
	if d.db == nil {
		return
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		d.logger.Error("error getting database connection", tint.Err(err))
		return
	}
	if err = sqlDB.Close(); err != nil {
		d.logger.Error("error closing database", tint.Err(err))
	}
}

// shutdown closes live feed subscribers and reply listeners, then waits
// up to the shutdown timeout for in-flight requests (including bulk
// dispatches) to finish, before closing the database
func (d *DMRelay) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	d.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case d.eventShutdown <- struct{}{}:
		default:
		}
	}()

	d.hub.Close()
	d.listeners.Close()

	shutdownStart := time.Now()
	shutdownTimeout := d.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		d.logger.Warn("immediate shutdown")
		closeErr := d.api.httpServer.Close()
		d.closeDB()
		return closeErr
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)
	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan error, 1)
	go func() {
		httpErr := d.api.httpServer.Shutdown(closeCtx)
		runtimeWG.Wait()
		gracefulShutdownCh <- httpErr
	}()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	var shutdownErr error
	for waiting := true; waiting; {
		select {
		case shutdownErr = <-gracefulShutdownCh:
			waiting = false
		case <-announcementTicker.C:
			d.logger.InfoContext(
				ctx,
				"waiting on in-flight requests",
				"remaining", time.Until(shutdownDeadline),
			)
		case <-closeCtx.Done():
			d.logger.Warn("shutdown timeout exceeded, closing connections")
			shutdownErr = errors.Join(closeCtx.Err(), d.api.httpServer.Close())
			waiting = false
		}
	}

	d.closeDB()
	d.logger.InfoContext(
		ctx,
		"shutdown complete",
		"shutdown_duration", time.Since(shutdownStart),
	)
	return shutdownErr
}

// SubmitToken stores a bot token, and returns the stored record. The
// token isn't checked against discord. If listen_submitted_tokens is set,
// a reply listener is started for the token in the background.
func (d *DMRelay) SubmitToken(ctx context.Context, botToken string, clientID string) (
	TokenSubmission,
	error,
) {
	logger := contextLoggerOr(ctx, d.logger)
	if strings.TrimSpace(botToken) == "" {
		return TokenSubmission{}, newValidationError(msgInvalidToken).Add("botToken", "required")
	}

	submission := TokenSubmission{
		BotToken:  botToken,
		ClientID:  optionalString(clientID),
		Timestamp: time.Now().UTC(),
	}
	if err := d.store.SaveTokenSubmission(ctx, &submission); err != nil {
		logger.ErrorContext(ctx, "error saving token submission", tint.Err(err))
		return TokenSubmission{}, err
	}
	d.metrics.tokenSubmissions.Inc()
	logger.InfoContext(
		ctx,
		"token submitted",
		"submission", submission,
		"token_id", tokenFingerprint(botToken),
	)

	if d.config.Discord.ListenSubmittedTokens && normalizeToken(botToken) != "" {
		listenCtx := context.WithoutCancel(ctx)
		go func() {
			if _, err := d.listeners.Start(listenCtx, botToken); err != nil {
				logger.WarnContext(
					listenCtx,
					"unable to start reply listener for submitted token",
					"submission_id", submission.ID,
					tint.Err(err),
				)
			}
		}()
	}
	return submission, nil
}

// ListGuilds returns the guilds visible to the bot
func (d *DMRelay) ListGuilds(ctx context.Context, token string) ([]GuildSummary, error) {
	var guilds []GuildSummary
	err := d.discord.withSession(
		ctx, token, func(s DiscordSessionHandler, _ *discordgo.User) error {
			var e error
			guilds, e = d.directory.guilds(s)
			return e
		},
	)
	if err != nil {
		return nil, err
	}
	return guilds, nil
}

// ListMembers returns the non-bot members of guildID, or, if guildID is
// empty, of every guild the bot belongs to (deduplicated, first
// occurrence wins)
func (d *DMRelay) ListMembers(ctx context.Context, token string, guildID string) (
	[]GuildMember,
	error,
) {
	var members []GuildMember
	err := d.discord.withSession(
		ctx, token, func(s DiscordSessionHandler, _ *discordgo.User) error {
			var e error
			members, e = d.directory.members(ctx, s, strings.TrimSpace(guildID))
			return e
		},
	)
	if err != nil {
		return nil, err
	}
	return members, nil
}
