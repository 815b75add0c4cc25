package dmrelay

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	recordSeparator            = "\x1e"
	notifierReconnectDelay     = 5 * time.Second
	notifierReplyLookupTimeout = 15 * time.Second
)

// ReplyNotifier tells other instances sharing the same database about
// newly stored replies, so they can publish them to their own live
// feed subscribers.
type ReplyNotifier interface {
	// ID returns the identifier for this notifier. Notifications sent by
	// this notifier are ignored by its own listener.
	ID() string

	// ReplyCreated notifies other instances of a new reply. Returns true
	// if a notification was sent.
	ReplyCreated(ctx context.Context, replyID uint) bool

	// Listen receives notifications until ctx is cancelled, publishing
	// replies created by other instances
	Listen(ctx context.Context) error
}

func newReplyNotifier(d *DMRelay) (ReplyNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := d.logger.With(loggerNameKey, "db_notifier")
	if d.writeDB == nil {
		return &sqliteNotifier{logger: log, notifyID: notifyID}, nil
	}
	switch d.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{logger: log, notifyID: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			d:        d,
			logger:   log,
			notifyID: notifyID,
			channel:  defaultNotifierChannelNewReply,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier is used for SQLite (and the in-memory store), which
// only supports one instance, so there's nobody to notify
type sqliteNotifier struct {
	logger   *slog.Logger
	notifyID string
}

func (s *sqliteNotifier) ID() string {
	return s.notifyID
}

func (*sqliteNotifier) ReplyCreated(context.Context, uint) bool {
	return false
}

func (s *sqliteNotifier) Listen(ctx context.Context) error {
	s.logger.DebugContext(ctx, "listener not supported for sqlite")
	return nil
}

type postgresNotifier struct {
	d        *DMRelay
	logger   *slog.Logger
	notifyID string
	channel  string
}

func (p *postgresNotifier) ID() string {
	return p.notifyID
}

func (p *postgresNotifier) ReplyCreated(ctx context.Context, replyID uint) bool {
	msg := newReplyNotificationMessage(p.ID(), replyID)

	notifyErr := p.d.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.channel,
		msg,
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY for new reply",
			tint.Err(notifyErr),
			"reply_id", replyID,
		)
		return false
	}
	p.logger.DebugContext(
		ctx,
		"sent new reply notification",
		"pg_notify_id", p.ID(),
		"reply_id", replyID,
	)
	return true
}

// Listen reconnects after errors until ctx is cancelled
func (p *postgresNotifier) Listen(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(p.d.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	for ctx.Err() == nil {
		listenErr := p.listen(ctx, pool)
		if ctx.Err() != nil {
			break
		}
		p.logger.ErrorContext(
			ctx,
			"db listener stopped, reconnecting",
			tint.Err(listenErr),
			"delay", notifierReconnectDelay,
		)
		select {
		case <-ctx.Done():
		case <-time.After(notifierReconnectDelay):
		}
	}
	return nil
}

func (p *postgresNotifier) listen(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+p.channel); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger := p.logger.With("channel", p.channel)
	logger.InfoContext(ctx, "started listening on channel")

	for {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			return e
		}
		notifierID, replyID, parseErr := parseReplyNotification(notification.Payload)
		if parseErr != nil {
			logger.WarnContext(
				ctx,
				"ignoring malformed notification",
				"payload", notification.Payload,
				tint.Err(parseErr),
			)
			continue
		}
		if notifierID == p.ID() {
			logger.DebugContext(ctx, "received notification from self, ignoring")
			continue
		}
		p.publish(ctx, logger, replyID)
	}
}

// publish loads a reply created by another instance and publishes it
// to local subscribers
func (p *postgresNotifier) publish(ctx context.Context, logger *slog.Logger, replyID uint) {
	lookupCtx, cancel := context.WithTimeout(ctx, notifierReplyLookupTimeout)
	defer cancel()

	reply, err := p.d.store.GetReply(lookupCtx, replyID)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error loading reply from notification",
			"reply_id", replyID,
			tint.Err(err),
		)
		return
	}
	logger.InfoContext(ctx, "publishing reply from another instance", "reply", reply)
	p.d.hub.Publish(*reply)
}

func newReplyNotificationMessage(notifierID string, replyID uint) string {
	return strings.Join(
		[]string{notifierID, strconv.FormatUint(uint64(replyID), 10)},
		recordSeparator,
	)
}

func parseReplyNotification(s string) (notifierID string, replyID uint, err error) {
	before, after, found := strings.Cut(s, recordSeparator)
	if !found {
		return "", 0, fmt.Errorf("missing record separator in %q", s)
	}
	id, err := strconv.ParseUint(after, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid reply id: %w", err)
	}
	return before, uint(id), nil
}
