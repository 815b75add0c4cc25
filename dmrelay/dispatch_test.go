package dmrelay

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestSendDirect(t *testing.T) {
	r := newTestRelay(t)
	r.discordMock.addUser("1", "alice", false)

	err := r.SendDirect(
		context.Background(),
		DirectRequest{Token: testBotToken, UserID: " 1 ", Message: "hello"},
	)
	require.NoError(t, err)
	assert.Equal(t, []sentMessage{{UserID: "1", Content: "hello"}}, r.discordMock.sentMessages())

	created, closed := r.discordMock.sessionCounts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, closed)

	logs, err := r.store.ListDispatchLogs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, dispatchKindSingle, logs[0].Kind)
	assert.Equal(t, 1, logs[0].Succeeded)
}

func TestSendDirect_BotTarget(t *testing.T) {
	r := newTestRelay(t)
	r.discordMock.addUser("5", "helperbot", true)

	err := r.SendDirect(
		context.Background(),
		DirectRequest{Token: testBotToken, UserID: "5", Message: "hello"},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBotTarget)
	assert.True(t, isValidation(err))
	assert.Empty(t, r.discordMock.sentMessages())
}

func TestSendDirect_UnknownUser(t *testing.T) {
	r := newTestRelay(t)

	err := r.SendDirect(
		context.Background(),
		DirectRequest{Token: testBotToken, UserID: "404", Message: "hello"},
	)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, discordResourceUser, notFound.Resource)
	assert.Equal(t, "404", notFound.ID)

	created, closed := r.discordMock.sessionCounts()
	assert.Equal(t, created, closed)
}

func TestSendDirect_Validation(t *testing.T) {
	r := newTestRelay(t)

	err := r.SendDirect(context.Background(), DirectRequest{Message: strings.Repeat("x", 2001)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, msgInvalidMessage, verr.Message)
	assert.Contains(t, verr.Fields, "token")
	assert.Contains(t, verr.Fields, "userId")
	assert.Contains(t, verr.Fields, "message")

	created, _ := r.discordMock.sessionCounts()
	assert.Equal(t, 0, created)
}

func TestSendBulk_FailureIsolation(t *testing.T) {
	r := newTestRelay(t)
	r.discordMock.addUser("1", "alice", false)
	r.discordMock.addUser("3", "carol", false)

	// "2" doesn't exist
	result, err := r.SendBulk(
		context.Background(),
		BulkRequest{
			Token:   testBotToken,
			UserIDs: []string{"1", "2", "3"},
			Message: "hi",
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{"2"}, result.FailedIDs)
	assert.Equal(
		t,
		[]sentMessage{{UserID: "1", Content: "hi"}, {UserID: "3", Content: "hi"}},
		r.discordMock.sentMessages(),
	)

	created, closed := r.discordMock.sessionCounts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, closed)
	assert.Empty(t, r.sleeps.recorded())
}

func TestSendBulk_SendError(t *testing.T) {
	r := newTestRelay(t)
	r.discordMock.addUser("1", "alice", false)
	r.discordMock.addUser("2", "bob", false)
	r.discordMock.sendErrs["1"] = restError(
		http.StatusForbidden,
		50007,
		"Cannot send messages to this user",
	)

	result, err := r.SendBulk(
		context.Background(),
		BulkRequest{Token: testBotToken, UserIDs: []string{"1", "2"}, Message: "hi"},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, []string{"1"}, result.FailedIDs)
}

func TestSendBulk_Delay(t *testing.T) {
	r := newTestRelay(t)
	for _, id := range []string{"1", "2", "3", "4"} {
		r.discordMock.addUser(id, "user"+id, false)
	}

	result, err := r.SendBulk(
		context.Background(),
		BulkRequest{
			Token:   testBotToken,
			UserIDs: []string{"1", "2", "3", "4"},
			Message: "hi",
			Delay:   250,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Succeeded)

	// one pause between each pair of sends, none after the last
	pauses := r.sleeps.recorded()
	require.Len(t, pauses, 3)
	for _, p := range pauses {
		assert.Equal(t, 250*time.Millisecond, p)
	}
}

func TestSendBulk_SkipsBots(t *testing.T) {
	r := newTestRelay(t)
	r.discordMock.addUser("1", "alice", false)
	r.discordMock.addUser("2", "helperbot", true)

	result, err := r.SendBulk(
		context.Background(),
		BulkRequest{
			Token:   testBotToken,
			UserIDs: []string{"1", "2", testBotUserID},
			Message: "hi",
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, []sentMessage{{UserID: "1", Content: "hi"}}, r.discordMock.sentMessages())
}

// A target that can't be resolved fails, without stopping the batch
func TestSendBulk_NotFoundTarget(t *testing.T) {
	r := newTestRelay(t)
	r.discordMock.addUser("1", "alice", false)

	result, err := r.SendBulk(
		context.Background(),
		BulkRequest{Token: testBotToken, UserIDs: []string{"1", "2"}, Message: "hi", Delay: 0},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{"2"}, result.FailedIDs)
}

func TestSendBulk_EmptyTargets(t *testing.T) {
	r := newTestRelay(t)

	_, err := r.SendBulk(
		context.Background(),
		BulkRequest{Token: testBotToken, UserIDs: []string{" ", ""}, Message: "hi"},
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyTargetSet))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, msgInvalidBulkMessage, verr.Message)

	created, _ := r.discordMock.sessionCounts()
	assert.Equal(t, 0, created)
}

func TestSendBulk_InvalidDelay(t *testing.T) {
	r := newTestRelay(t)

	_, err := r.SendBulk(
		context.Background(),
		BulkRequest{Token: testBotToken, UserIDs: []string{"1"}, Message: "hi", Delay: 10001},
	)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "delay")
}

func TestSendBulk_InvalidToken(t *testing.T) {
	r := newTestRelay(t)

	result, err := r.SendBulk(
		context.Background(),
		BulkRequest{Token: testBadToken, UserIDs: []string{"1"}, Message: "hi"},
	)
	require.Error(t, err)
	assert.True(t, isAuthError(err))
	assert.Equal(t, 0, result.Attempted)

	created, closed := r.discordMock.sessionCounts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, closed)
}

func TestSendBulk_SelectAll(t *testing.T) {
	r := newTestRelay(t)
	alice := r.discordMock.addUser("1", "alice", false)
	bob := r.discordMock.addUser("2", "bob", false)
	carol := r.discordMock.addUser("3", "carol", false)
	helper := r.discordMock.addUser("4", "helperbot", true)
	dave := r.discordMock.addUser("5", "dave", false)
	r.discordMock.addGuild("g1", "Guild One", alice, helper, bob)
	r.discordMock.addGuild("g2", "Guild Two", bob, carol)

	result, err := r.SendBulk(
		context.Background(),
		BulkRequest{
			Token:     testBotToken,
			UserIDs:   []string{"5", "2"},
			Message:   "hi",
			SelectAll: true,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Attempted)
	assert.Equal(t, 4, result.Succeeded)

	var sentTo []string
	for _, m := range r.discordMock.sentMessages() {
		sentTo = append(sentTo, m.UserID)
	}
	// explicit targets first, then members not already targeted
	assert.Equal(t, []string{dave.ID, bob.ID, alice.ID, carol.ID}, sentTo)

	logs, err := r.store.ListDispatchLogs(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, dispatchKindBulk, logs[0].Kind)
	assert.True(t, logs[0].SelectAll)
	assert.Equal(t, 2, logs[0].Requested)
	assert.Equal(t, 4, logs[0].Succeeded)
}

func TestSendBulk_SelectAllGuild(t *testing.T) {
	r := newTestRelay(t)
	alice := r.discordMock.addUser("1", "alice", false)
	bob := r.discordMock.addUser("2", "bob", false)
	r.discordMock.addGuild("g1", "Guild One", alice)
	r.discordMock.addGuild("g2", "Guild Two", bob)

	result, err := r.SendBulk(
		context.Background(),
		BulkRequest{Token: testBotToken, Message: "hi", SelectAll: true, GuildID: "g2"},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, []sentMessage{{UserID: "2", Content: "hi"}}, r.discordMock.sentMessages())
}

func TestNormalizeIDs(t *testing.T) {
	assert.Equal(
		t,
		[]string{"3", "1", "2"},
		normalizeIDs([]string{" 3", "1", "", "3 ", "2", "  ", "1"}),
	)
	assert.Empty(t, normalizeIDs(nil))
}
