package dmrelay

import (
	"context"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"
)

const (
	feedEventInitialReplies = "initialReplies"
	feedEventNewReply       = "newReply"

	liveFeedReadLimit = 512
)

// FeedEvent is a message sent to live feed subscribers. Data is a
// []MessageReply for initialReplies, and a MessageReply for newReply.
type FeedEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type subscriber struct {
	id     string
	events chan FeedEvent
}

// ReplyHub broadcasts new replies to every live feed subscriber.
//
// Each subscriber has a buffered channel. Publish never blocks: a
// subscriber whose buffer is full is dropped (its channel is closed),
// and is expected to reconnect and re-read the snapshot.
type ReplyHub struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	bufferSize  int
	logger      *slog.Logger
	gauge       prometheus.Gauge
	closed      bool
}

func newReplyHub(bufferSize int, logger *slog.Logger, gauge prometheus.Gauge) *ReplyHub {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize < 1 {
		bufferSize = DefaultLiveFeedBufferSize
	}
	return &ReplyHub{
		subscribers: map[string]*subscriber{},
		bufferSize:  bufferSize,
		logger:      logger.With(loggerNameKey, "reply_hub"),
		gauge:       gauge,
	}
}

// Subscribe registers a new subscriber. If the hub has been closed, the
// returned subscriber's channel is already closed.
func (h *ReplyHub) Subscribe() *subscriber {
	sub := &subscriber{
		id:     uuid.NewString(),
		events: make(chan FeedEvent, h.bufferSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.events)
		return sub
	}
	h.subscribers[sub.id] = sub
	h.updateGauge()
	h.logger.Debug("subscriber added", "subscriber_id", sub.id)
	return sub
}

// Unsubscribe removes the subscriber and closes its channel, if it
// hasn't already been dropped
func (h *ReplyHub) Unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(sub.id)
}

// remove must be called with h.mu held
func (h *ReplyHub) remove(id string) {
	sub, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(h.subscribers, id)
	close(sub.events)
	h.updateGauge()
}

func (h *ReplyHub) updateGauge() {
	if h.gauge != nil {
		h.gauge.Set(float64(len(h.subscribers)))
	}
}

// Publish sends a newReply event to every subscriber
func (h *ReplyHub) Publish(reply MessageReply) {
	event := FeedEvent{Type: feedEventNewReply, Data: reply}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subscribers {
		select {
		case sub.events <- event:
		default:
			h.logger.Warn(
				"subscriber buffer full, disconnecting",
				"subscriber_id", id,
				"buffer_size", h.bufferSize,
			)
			h.remove(id)
		}
	}
}

// Count returns the number of current subscribers
func (h *ReplyHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close drops every subscriber, and rejects new ones
func (h *ReplyHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id := range h.subscribers {
		h.remove(id)
	}
}

// newUpgrader returns a websocket upgrader. Origins are checked against
// the CORS allow list when one is configured. Without one, any origin is
// allowed in development mode, and only same-origin requests otherwise.
func newUpgrader(config *APIConfig) *websocket.Upgrader {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	switch {
	case len(config.CORS.AllowOrigins) > 0:
		allowed := slices.Clone(config.CORS.AllowOrigins)
		upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
		}
	case config.Development:
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return upgrader
}

// serveLiveFeed upgrades the request to a websocket, sends a snapshot
// of stored replies, then streams new replies until either side
// disconnects.
//
// The subscription starts before the snapshot is read, so no reply is
// missed. Published replies already covered by the snapshot are skipped.
func (d *DMRelay) serveLiveFeed(c *gin.Context) {
	ctx := c.Request.Context()
	logger := contextLoggerOr(ctx, d.logger).With(loggerNameKey, "live_feed")
	cfg := d.config.LiveFeed

	conn, err := d.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WarnContext(ctx, "websocket upgrade failed", tint.Err(err))
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	sub := d.hub.Subscribe()
	defer d.hub.Unsubscribe(sub)
	logger = logger.With("subscriber_id", sub.id)

	snapshotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.WriteTimeout)
	replies, err := d.store.ListReplies(snapshotCtx, cfg.SnapshotLimit)
	cancel()
	if err != nil {
		logger.ErrorContext(ctx, "error loading reply snapshot", tint.Err(err))
		writeClose(conn, websocket.CloseInternalServerErr, "unable to load replies", cfg.WriteTimeout)
		return
	}
	if replies == nil {
		replies = []MessageReply{}
	}
	if err = writeEvent(
		conn,
		FeedEvent{Type: feedEventInitialReplies, Data: replies},
		cfg.WriteTimeout,
	); err != nil {
		logger.WarnContext(ctx, "error sending snapshot", tint.Err(err))
		return
	}
	lastSent := latestReplyID(replies)
	logger.InfoContext(
		ctx,
		"live feed subscriber connected",
		"snapshot_size", len(replies),
		"last_reply_id", lastSent,
	)

	// Nothing is expected from the client, but reads are needed to
	// process control frames and notice the connection closing
	readDone := make(chan struct{})
	conn.SetReadLimit(liveFeedReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(2 * cfg.PingInterval))
	conn.SetPongHandler(
		func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * cfg.PingInterval))
		},
	)
	go func() {
		defer close(readDone)
		for {
			if _, _, readErr := conn.NextReader(); readErr != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			logger.InfoContext(ctx, "live feed subscriber disconnected")
			return
		case event, ok := <-sub.events:
			if !ok {
				logger.InfoContext(ctx, "live feed subscriber dropped")
				writeClose(conn, websocket.CloseTryAgainLater, "reconnect", cfg.WriteTimeout)
				return
			}
			if reply, isReply := event.Data.(MessageReply); isReply && reply.ID <= lastSent {
				logger.DebugContext(ctx, "skipping reply sent in snapshot", "reply_id", reply.ID)
				continue
			}
			if err = writeEvent(conn, event, cfg.WriteTimeout); err != nil {
				logger.WarnContext(ctx, "error sending event", tint.Err(err))
				return
			}
		case <-ticker.C:
			if err = conn.WriteControl(
				websocket.PingMessage,
				nil,
				time.Now().Add(cfg.WriteTimeout),
			); err != nil {
				logger.DebugContext(ctx, "ping failed", tint.Err(err))
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event FeedEvent, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

func writeClose(conn *websocket.Conn, code int, text string, timeout time.Duration) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(timeout),
	)
}

// latestReplyID returns the highest ID in replies, or 0
func latestReplyID(replies []MessageReply) uint {
	var latest uint
	for _, r := range replies {
		latest = max(latest, r.ID)
	}
	return latest
}
