package dmrelay

import (
	"encoding/json"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"testing"
)

func TestClassifyDiscordError(t *testing.T) {
	assert.NoError(t, classifyDiscordError("op", nil, "", ""))

	err := classifyDiscordError("verify token", discordgo.ErrUnauthorized, "", "")
	assert.True(t, isAuthError(err))

	err = classifyDiscordError(
		"verify token",
		restError(http.StatusUnauthorized, 0, "401: Unauthorized"),
		"",
		"",
	)
	require.True(t, isAuthError(err))
	assert.Equal(t, "discord rejected the bot token: 401: Unauthorized", err.Error())

	err = classifyDiscordError(
		"resolve user",
		restError(http.StatusNotFound, discordgo.ErrCodeUnknownUser, "Unknown User"),
		discordResourceUser,
		"42",
	)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "user with ID 42 not found", notFound.Error())

	// a 404 without a known resource isn't a NotFoundError
	err = classifyDiscordError("send message", restError(http.StatusNotFound, 0, "404"), "", "")
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "send message", upstream.Op)

	err = classifyDiscordError(
		"list members",
		restError(http.StatusForbidden, 50001, "Missing Access"),
		discordResourceGuild,
		"g1",
	)
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "list members: Missing Access", err.Error())

	// already classified errors are returned as-is
	original := &NotFoundError{Resource: discordResourceGuild, ID: "g1"}
	assert.Same(t, original, classifyDiscordError("op", original, discordResourceUser, "1"))

	err = classifyDiscordError("create session", errors.New("dial tcp: timeout"), "", "")
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "dial tcp: timeout", upstreamMessage(err))
	assert.Equal(t, "dial tcp: timeout", upstreamMessage(upstream.Err))
	assert.Equal(t, "create session: dial tcp: timeout", err.Error())

	wrapped := &AuthError{Err: restError(http.StatusUnauthorized, 0, "401: Unauthorized")}
	assert.Equal(t, "401: Unauthorized", upstreamMessage(wrapped))
	assert.Equal(t, "unknown error", upstreamMessage(nil))
}

func TestValidationErrorFrom(t *testing.T) {
	err := structValidator.Struct(&DirectRequest{Message: "hi"})
	require.Error(t, err)

	verr := validationErrorFrom(msgInvalidMessage, err, &DirectRequest{})
	assert.Equal(t, msgInvalidMessage, verr.Message)
	assert.Equal(t, []string{"required"}, verr.Fields["token"])
	assert.Equal(t, []string{"required"}, verr.Fields["userId"])
	assert.NotContains(t, verr.Fields, "message")

	var req BulkRequest
	err = json.Unmarshal([]byte(`{"delay": "soon"}`), &req)
	require.Error(t, err)
	verr = validationErrorFrom(msgInvalidBulkMessage, err, &req)
	assert.Equal(t, []string{"expected int"}, verr.Fields["delay"])

	verr = validationErrorFrom(msgInvalidToken, errors.New("unexpected EOF"), nil)
	assert.Equal(t, []string{"unexpected EOF"}, verr.Fields["body"])

	existing := newValidationError("already").Add("x", "bad")
	assert.Same(t, existing, validationErrorFrom(msgInvalidToken, existing, nil))
}

func TestValidationError_Error(t *testing.T) {
	verr := newValidationError(msgInvalidMessage)
	assert.False(t, verr.HasErrors())
	assert.Equal(t, msgInvalidMessage, verr.Error())

	verr.Add("userId", "required").Add("message", "required").Add("message", "must be at most 2000")
	assert.True(t, verr.HasErrors())
	assert.Equal(
		t,
		"Invalid message format (message: required, must be at most 2000; userId: required)",
		verr.Error(),
	)

	wrapped := &ValidationError{Message: "m", Err: ErrBotTarget}
	assert.ErrorIs(t, wrapped, ErrBotTarget)
}

func TestPersistenceError(t *testing.T) {
	cause := errors.New("database is locked")
	err := &PersistenceError{Op: "save reply", Err: cause}
	assert.Equal(t, "storage error (save reply): database is locked", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.False(t, isNotFound(err))
}
