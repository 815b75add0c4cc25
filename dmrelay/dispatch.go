package dmrelay

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

// DirectRequest is a request to DM a single user
type DirectRequest struct {
	Token   string `json:"token" binding:"required"`
	UserID  string `json:"userId" binding:"required"`
	Message string `json:"message" binding:"required,max=2000"`
}

func (r DirectRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token_id", tokenFingerprint(r.Token)),
		slog.String("user_id", r.UserID),
		slog.Int("message_length", len(r.Message)),
	)
}

// BulkRequest is a request to DM the same message to many users.
//
// The target set is UserIDs (trimmed, blanks dropped, deduplicated, in
// the given order), followed by any non-bot members of GuildID (or of
// every guild, if GuildID is empty) when SelectAll is set.
type BulkRequest struct {
	Token     string   `json:"token" binding:"required"`
	UserIDs   []string `json:"userIds"`
	Message   string   `json:"message" binding:"required,max=2000"`
	SelectAll bool     `json:"selectAll"`
	GuildID   string   `json:"guildId"`

	// Delay is the pause between consecutive sends, in milliseconds
	Delay int `json:"delay" binding:"min=0,max=10000"`
}

func (r BulkRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token_id", tokenFingerprint(r.Token)),
		slog.Int("user_ids", len(r.UserIDs)),
		slog.Bool("select_all", r.SelectAll),
		slog.String("guild_id", r.GuildID),
		slog.Int("delay_ms", r.Delay),
		slog.Int("message_length", len(r.Message)),
	)
}

// BulkResult is the outcome of a bulk dispatch. Bot and self targets are
// skipped, and don't count towards Attempted.
// Succeeded + Failed == Attempted.
type BulkResult struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failedIds"`
}

func (r BulkResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("attempted", r.Attempted),
		slog.Int("succeeded", r.Succeeded),
		slog.Int("failed", r.Failed),
		slog.Any("failed_ids", r.FailedIDs),
	)
}

func (r *BulkResult) recordFailure(userID string) {
	r.Attempted++
	r.Failed++
	r.FailedIDs = append(r.FailedIDs, userID)
}

func (r *BulkResult) recordSuccess() {
	r.Attempted++
	r.Succeeded++
}

// SendDirect sends message to a single user, exactly once. Bot accounts
// (and the bot itself) are rejected with a ValidationError.
func (d *DMRelay) SendDirect(ctx context.Context, req DirectRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	if err := validateDirectRequest(&req); err != nil {
		return err
	}

	logger := contextLoggerOr(ctx, d.logger).With("dispatch", req)
	started := time.Now()

	err := d.discord.withSession(
		ctx, req.Token, func(s DiscordSessionHandler, self *discordgo.User) error {
			sent, sendErr := sendDM(s, self, req.UserID, req.Message)
			if sendErr != nil {
				return sendErr
			}
			if !sent {
				verr := newValidationError(msgInvalidMessage).Add(
					"userId",
					"target user is a bot",
				)
				verr.Err = ErrBotTarget
				return verr
			}
			return nil
		},
	)

	entry := DispatchLog{
		Kind:       dispatchKindSingle,
		Requested:  1,
		Attempted:  1,
		FailedIDs:  StringList{},
		DurationMS: time.Since(started).Milliseconds(),
	}
	switch {
	case err == nil:
		entry.Succeeded = 1
		d.metrics.messagesSent.WithLabelValues(dispatchKindSingle, metricResultSuccess).Inc()
		logger.InfoContext(ctx, "sent direct message")
	case isAuthError(err) || isValidation(err):
		entry.Attempted = 0
		entry.Error = err.Error()
		d.metrics.messagesSent.WithLabelValues(dispatchKindSingle, metricResultSkipped).Inc()
		logger.WarnContext(ctx, "direct message not sent", tint.Err(err))
	default:
		entry.Failed = 1
		entry.FailedIDs = StringList{req.UserID}
		entry.Error = err.Error()
		d.metrics.messagesSent.WithLabelValues(dispatchKindSingle, metricResultFailure).Inc()
		logger.ErrorContext(ctx, "error sending direct message", tint.Err(err))
	}
	d.saveDispatchLog(ctx, &entry)
	return err
}

// SendBulk sends req.Message to every target, one at a time, over one
// session. Per-target failures are recorded in the result and never
// stop the batch. When req.Delay > 0, there's a pause of req.Delay
// milliseconds between consecutive targets, and none after the last.
//
// Validation errors are returned before any session is opened. Once
// started, a batch isn't cancelled by ctx.
func (d *DMRelay) SendBulk(ctx context.Context, req BulkRequest) (BulkResult, error) {
	result := BulkResult{FailedIDs: []string{}}

	targets, err := validateBulkRequest(&req)
	if err != nil {
		return result, err
	}

	ctx = context.WithoutCancel(ctx)
	logger := contextLoggerOr(ctx, d.logger).With("dispatch", req)
	started := time.Now()
	delay := time.Duration(req.Delay) * time.Millisecond
	guildID := strings.TrimSpace(req.GuildID)

	logger.InfoContext(ctx, "starting bulk dispatch", "explicit_targets", len(targets))
	d.metrics.bulkBatches.Inc()

	err = d.discord.withSession(
		ctx, req.Token, func(s DiscordSessionHandler, self *discordgo.User) error {
			if req.SelectAll {
				var expandErr error
				targets, expandErr = d.expandTargets(ctx, s, targets, guildID)
				if expandErr != nil {
					return expandErr
				}
			}
			result = d.runBatch(ctx, logger, s, self, targets, req.Message, delay)
			return nil
		},
	)

	elapsed := time.Since(started)
	d.metrics.bulkDuration.Observe(elapsed.Seconds())

	entry := DispatchLog{
		Kind:       dispatchKindBulk,
		Requested:  len(normalizeIDs(req.UserIDs)),
		SelectAll:  req.SelectAll,
		GuildID:    guildID,
		DelayMS:    req.Delay,
		Attempted:  result.Attempted,
		Succeeded:  result.Succeeded,
		Failed:     result.Failed,
		FailedIDs:  StringList(result.FailedIDs),
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
		logger.ErrorContext(ctx, "bulk dispatch failed", tint.Err(err))
	} else {
		logger.InfoContext(
			ctx,
			"finished bulk dispatch",
			"result", result,
			"elapsed", elapsed,
		)
	}
	d.saveDispatchLog(ctx, &entry)
	return result, err
}

// expandTargets appends the non-bot members of guildID (or every guild)
// to targets, skipping IDs already present. Credential rejection is
// returned. Other enumeration errors are only returned if there are no
// explicit targets to fall back to.
func (d *DMRelay) expandTargets(
	ctx context.Context,
	s DiscordSessionHandler,
	targets []string,
	guildID string,
) ([]string, error) {
	logger := contextLoggerOr(ctx, d.logger)

	members, err := d.directory.members(ctx, s, guildID)
	if err != nil {
		if isAuthError(err) || len(targets) == 0 {
			return nil, err
		}
		logger.WarnContext(
			ctx,
			"unable to list members, continuing with explicit targets",
			"guild_id", guildID,
			"explicit_targets", len(targets),
			tint.Err(err),
		)
		return targets, nil
	}

	seen := make(map[string]struct{}, len(targets)+len(members))
	for _, id := range targets {
		seen[id] = struct{}{}
	}
	expanded := make([]string, len(targets), len(targets)+len(members))
	copy(expanded, targets)
	for _, m := range members {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		expanded = append(expanded, m.ID)
	}
	logger.InfoContext(
		ctx,
		"resolved bulk targets",
		"explicit_targets", len(targets),
		"members", len(members),
		"targets", len(expanded),
	)
	return expanded, nil
}

// runBatch sends message to each target in order
func (d *DMRelay) runBatch(
	ctx context.Context,
	logger *slog.Logger,
	s DiscordSessionHandler,
	self *discordgo.User,
	targets []string,
	message string,
	delay time.Duration,
) BulkResult {
	result := BulkResult{FailedIDs: []string{}}

	for i, userID := range targets {
		if i > 0 && delay > 0 {
			d.sleep(delay)
		}

		sent, err := sendDM(s, self, userID, message)
		switch {
		case err != nil:
			result.recordFailure(userID)
			d.metrics.messagesSent.WithLabelValues(dispatchKindBulk, metricResultFailure).Inc()
			logger.WarnContext(
				ctx,
				"error sending message",
				"user_id", userID,
				"target", fmt.Sprintf("%d/%d", i+1, len(targets)),
				tint.Err(err),
			)
		case !sent:
			d.metrics.messagesSent.WithLabelValues(dispatchKindBulk, metricResultSkipped).Inc()
			logger.DebugContext(ctx, "skipped bot target", "user_id", userID)
		default:
			result.recordSuccess()
			d.metrics.messagesSent.WithLabelValues(dispatchKindBulk, metricResultSuccess).Inc()
		}
	}
	return result
}

// sendDM resolves userID and sends it message over a DM channel.
// sent is false, with a nil error, if the user is a bot or is the
// session's own user.
func sendDM(
	s DiscordSessionHandler,
	self *discordgo.User,
	userID string,
	message string,
) (sent bool, err error) {
	user, err := s.User(userID)
	if err != nil {
		return false, classifyDiscordError("resolve user", err, discordResourceUser, userID)
	}
	if user == nil {
		return false, &NotFoundError{Resource: discordResourceUser, ID: userID}
	}
	if user.Bot || (self != nil && user.ID == self.ID) {
		return false, nil
	}

	channel, err := s.UserChannelCreate(user.ID)
	if err != nil {
		return false, classifyDiscordError(
			"create DM channel",
			err,
			discordResourceUser,
			userID,
		)
	}
	if _, err = s.ChannelMessageSend(channel.ID, message); err != nil {
		return false, classifyDiscordError("send message", err, "", "")
	}
	return true, nil
}

func (d *DMRelay) saveDispatchLog(ctx context.Context, entry *DispatchLog) {
	if err := d.store.SaveDispatchLog(ctx, entry); err != nil {
		contextLoggerOr(ctx, d.logger).ErrorContext(
			ctx,
			"error saving dispatch log",
			tint.Err(err),
		)
	}
}

func validateDirectRequest(req *DirectRequest) error {
	verr := newValidationError(msgInvalidMessage)
	if err := structValidator.Struct(req); err != nil {
		verr = validationErrorFrom(msgInvalidMessage, err, req)
	}
	addIfMissing(verr, "token", normalizeToken(req.Token) == "")
	addIfMissing(verr, "userId", strings.TrimSpace(req.UserID) == "")
	addIfMissing(verr, "message", strings.TrimSpace(req.Message) == "")
	if verr.HasErrors() {
		return verr
	}
	return nil
}

// validateBulkRequest checks req and returns the normalized explicit
// target IDs
func validateBulkRequest(req *BulkRequest) ([]string, error) {
	verr := newValidationError(msgInvalidBulkMessage)
	if err := structValidator.Struct(req); err != nil {
		verr = validationErrorFrom(msgInvalidBulkMessage, err, req)
	}
	addIfMissing(verr, "token", normalizeToken(req.Token) == "")
	addIfMissing(verr, "message", strings.TrimSpace(req.Message) == "")

	targets := normalizeIDs(req.UserIDs)
	if !verr.HasErrors() && len(targets) == 0 && !req.SelectAll {
		verr.Add("userIds", ErrEmptyTargetSet.Error())
		verr.Err = ErrEmptyTargetSet
	}
	if verr.HasErrors() {
		return nil, verr
	}
	return targets, nil
}

// addIfMissing adds a 'required' problem for field, unless the field
// already has one
func addIfMissing(verr *ValidationError, field string, missing bool) {
	if !missing || len(verr.Fields[field]) > 0 {
		return
	}
	verr.Add(field, "required")
}

// normalizeIDs trims each ID, dropping blanks and duplicates while
// keeping the original order
func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	rv := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		rv = append(rv, id)
	}
	return rv
}
