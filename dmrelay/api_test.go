package dmrelay

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"io"
	"net/http"
	"strings"
	"testing"
)

func responseCookies(header http.Header) []*http.Cookie {
	return (&http.Response{Header: header}).Cookies()
}

func TestAPI_SubmitToken(t *testing.T) {
	r := newTestRelay(t)

	var resp tokenSubmissionResponse
	status, header := r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathToken,
		map[string]string{"botToken": "abc123"},
		&resp,
	)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Equal(t, "Token received successfully", resp.Message)
	assert.GreaterOrEqual(t, resp.ID, uint(1))
	assert.NotEmpty(t, header.Get(xRequestIDHeader))

	var tokens tokensResponse
	status, _ = r.doJSON(t, http.MethodGet, apiPrefix+apiAdminPrefix+apiPathAdminTokens, nil, &tokens)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, tokens.Tokens, 1)
	assert.Equal(t, resp.ID, tokens.Tokens[0].ID)
	assert.Equal(t, "abc123", tokens.Tokens[0].BotToken)
	assert.Nil(t, tokens.Tokens[0].ClientID)
}

func TestAPI_SubmitToken_Invalid(t *testing.T) {
	r := newTestRelay(t)

	tests := map[string]any{
		"missing token": map[string]string{"clientId": "x"},
		"blank token":   map[string]string{"botToken": "   "},
		"wrong type":    map[string]any{"botToken": 123},
		"not json":      "{botToken",
	}
	for name, body := range tests {
		t.Run(
			name, func(t *testing.T) {
				var resp apiResponse
				status, _ := r.doJSON(t, http.MethodPost, apiPrefix+apiPathToken, body, &resp)
				assert.Equal(t, http.StatusBadRequest, status)
				assert.False(t, resp.Success)
				assert.Equal(t, msgInvalidToken, resp.Message)
				assert.NotEmpty(t, resp.Errors)
			},
		)
	}

	tokens, err := r.store.ListTokenSubmissions(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestAPI_Guilds(t *testing.T) {
	r := newTestRelay(t)
	alice := r.discordMock.addUser("1", "alice", false)
	r.discordMock.addGuild("g1", "Guild One", alice)

	var resp guildsResponse
	status, _ := r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathGuilds,
		tokenRequest{Token: testBotToken},
		&resp,
	)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	require.Len(t, resp.Guilds, 1)
	assert.Equal(t, "Guild One", resp.Guilds[0].Name)
}

func TestAPI_Guilds_RejectedToken(t *testing.T) {
	r := newTestRelay(t)

	var resp apiResponse
	status, _ := r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathGuilds,
		tokenRequest{Token: testBadToken},
		&resp,
	)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, resp.Success)
	assert.Equal(t, "Failed to fetch guilds: 401: Unauthorized", resp.Message)
}

func TestAPI_GuildMembers(t *testing.T) {
	r := newTestRelay(t)
	alice := r.discordMock.addUser("1", "alice", false)
	helper := r.discordMock.addUser("2", "helperbot", true)
	r.discordMock.addGuild("g1", "Guild One", alice, helper)

	var resp membersResponse
	status, _ := r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathGuildMembers,
		membersRequest{Token: testBotToken, GuildID: "g1"},
		&resp,
	)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Members, 1)
	assert.Equal(t, "alice", resp.Members[0].Username)

	var notFound apiResponse
	status, _ = r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathGuildMembers,
		membersRequest{Token: testBotToken, GuildID: "nope"},
		&notFound,
	)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, notFound.Success)
	assert.Equal(t, "Guild with ID nope not found", notFound.Message)
}

func TestAPI_SendDirect(t *testing.T) {
	r := newTestRelay(t)
	r.discordMock.addUser("1", "alice", false)

	for _, path := range []string{apiPathDMSingle, apiPathDMSend} {
		var resp apiResponse
		status, _ := r.doJSON(
			t,
			http.MethodPost,
			apiPrefix+path,
			DirectRequest{Token: testBotToken, UserID: "1", Message: "hello"},
			&resp,
		)
		require.Equal(t, http.StatusOK, status, path)
		assert.True(t, resp.Success)
		assert.Equal(t, "Message sent to user 1", resp.Message)
	}
	assert.Len(t, r.discordMock.sentMessages(), 2)

	var invalid apiResponse
	status, _ := r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathDMSingle,
		map[string]string{"token": testBotToken},
		&invalid,
	)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, msgInvalidMessage, invalid.Message)
	assert.Contains(t, invalid.Errors, "userId")
	assert.Contains(t, invalid.Errors, "message")
	assert.NotContains(t, invalid.Errors, "token")

	var unknown apiResponse
	status, _ = r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathDMSingle,
		DirectRequest{Token: testBotToken, UserID: "404", Message: "hello"},
		&unknown,
	)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "User with ID 404 not found", unknown.Message)
}

func TestAPI_SendBulk(t *testing.T) {
	r := newTestRelay(t)
	r.discordMock.addUser("1", "alice", false)
	r.discordMock.addUser("3", "carol", false)

	var resp bulkResponse
	status, _ := r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathDMBulk,
		BulkRequest{
			Token:   testBotToken,
			UserIDs: []string{"1", "2", "3"},
			Message: "hi",
			Delay:   100,
		},
		&resp,
	)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Equal(t, "Sent 2 messages, failed 1 messages", resp.Message)
	assert.Equal(t, 3, resp.Attempted)
	assert.Equal(t, 2, resp.SentCount)
	assert.Equal(t, 1, resp.FailedCount)
	assert.Equal(t, []string{"2"}, resp.FailedIDs)
	assert.Len(t, r.sleeps.recorded(), 2)

	var dispatches dispatchesResponse
	status, _ = r.doJSON(
		t,
		http.MethodGet,
		apiPrefix+apiAdminPrefix+apiPathAdminDispatch+"?limit=1",
		nil,
		&dispatches,
	)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, dispatches.Dispatches, 1)
	assert.Equal(t, dispatchKindBulk, dispatches.Dispatches[0].Kind)
	assert.Equal(t, StringList{"2"}, dispatches.Dispatches[0].FailedIDs)
}

func TestAPI_SendBulk_Invalid(t *testing.T) {
	r := newTestRelay(t)

	var empty apiResponse
	status, _ := r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathDMBulk,
		BulkRequest{Token: testBotToken, Message: "hi"},
		&empty,
	)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, msgInvalidBulkMessage, empty.Message)
	assert.Contains(t, empty.Errors, "userIds")

	var badDelay apiResponse
	status, _ = r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathDMBulk,
		map[string]any{
			"token":   testBotToken,
			"userIds": []string{"1"},
			"message": "hi",
			"delay":   "soon",
		},
		&badDelay,
	)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, badDelay.Errors, "delay")

	created, _ := r.discordMock.sessionCounts()
	assert.Equal(t, 0, created)
}

func TestAPI_Replies(t *testing.T) {
	r := newTestRelay(t)

	var empty repliesResponse
	status, _ := r.doJSON(t, http.MethodGet, apiPrefix+apiPathReplies, nil, &empty)
	require.Equal(t, http.StatusOK, status)
	assert.NotNil(t, empty.Replies)
	assert.Empty(t, empty.Replies)

	var invalid apiResponse
	status, _ = r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathReplies,
		ReplyInput{UserID: "1"},
		&invalid,
	)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, msgInvalidReply, invalid.Message)

	var badLimit apiResponse
	status, _ = r.doJSON(t, http.MethodGet, apiPrefix+apiPathReplies+"?limit=-1", nil, &badLimit)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, badLimit.Errors, "limit")
}

func TestAPI_NoRoute(t *testing.T) {
	r := newTestRelay(t)
	var resp apiResponse
	status, _ := r.doJSON(t, http.MethodGet, "/api/nope", nil, &resp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, resp.Success)
}

func TestAPI_HealthCheck(t *testing.T) {
	r := newTestRelay(t)

	var resp healthCheckResponse
	status, _ := r.doJSON(t, http.MethodGet, apiHealthCheck, nil, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, storeNameDatabase, resp.Storage)
	assert.False(t, resp.Degraded)
	assert.Equal(t, 0, resp.Listeners)
	assert.Equal(t, 0, resp.Subscribers)
	assert.Empty(t, resp.Error)
}

func TestAPI_Metrics(t *testing.T) {
	r := newTestRelay(t)
	status, _ := r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathToken,
		map[string]string{"botToken": "abc123"},
		nil,
	)
	require.Equal(t, http.StatusOK, status)

	resp, err := r.client.Get(r.baseURL + apiPathMetrics)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, metricNamespace+"_token_submissions_total 1")
	assert.Contains(t, text, metricNamespace+"_http_requests_total")
	assert.True(t, strings.Contains(text, metricNamespace+"_storage_degraded 0"))
}

func TestAPI_AdminLogin(t *testing.T) {
	r := newTestRelay(
		t, func(cfg *Config) {
			cfg.API.RequireAdminLogin = true
		},
	)
	_, err := CreateAppUser(context.Background(), r.store, "admin", "hunter2")
	require.NoError(t, err)

	tokensPath := apiPrefix + apiAdminPrefix + apiPathAdminTokens
	loggedInPath := apiPrefix + apiAdminPrefix + apiPathLoggedIn

	status, _ := r.doJSON(t, http.MethodGet, tokensPath, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	reply := ReplyInput{UserID: "999", Username: "bob", Content: "hi", MessageID: "m1"}
	status, _ = r.doJSON(t, http.MethodPost, apiPrefix+apiPathReplies, reply, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	var listed repliesResponse
	status, _ = r.doJSON(t, http.MethodGet, apiPrefix+apiPathReplies, nil, &listed)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, listed.Replies)

	var httpErr httpError
	status, _ = r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathLogin,
		userLogin{Username: "admin", Password: "wrong"},
		&httpErr,
	)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", httpErr.Error)

	// one attempt per second
	status, _ = r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathLogin,
		userLogin{Username: "admin", Password: "hunter2"},
		nil,
	)
	assert.Equal(t, http.StatusTooManyRequests, status)

	r.api.loginRequestLimiter.SetLimit(rate.Inf)

	var loggedIn loggedInResponse
	status, header := r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathLogin,
		userLogin{Username: "admin", Password: "hunter2"},
		&loggedIn,
	)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "admin", loggedIn.Username)

	// session cookies are Secure, so they're copied by hand rather than
	// through a cookie jar
	cookies := responseCookies(header)
	require.NotEmpty(t, cookies)

	var whoami loggedInResponse
	status, _ = r.doJSON(t, http.MethodGet, loggedInPath, nil, &whoami, cookies...)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "admin", whoami.Username)

	var tokens tokensResponse
	status, _ = r.doJSON(t, http.MethodGet, tokensPath, nil, &tokens, cookies...)
	require.Equal(t, http.StatusOK, status)
	assert.NotNil(t, tokens.Tokens)

	var created replyResponse
	status, _ = r.doJSON(
		t,
		http.MethodPost,
		apiPrefix+apiPathReplies,
		reply,
		&created,
		cookies...,
	)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, created.Success)

	status, header = r.doJSON(t, http.MethodPost, apiPrefix+apiPathLogout, nil, nil, cookies...)
	require.Equal(t, http.StatusOK, status)

	loggedOut := responseCookies(header)
	require.NotEmpty(t, loggedOut)
	status, _ = r.doJSON(t, http.MethodGet, loggedInPath, nil, nil, loggedOut...)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPI_AdminOpenWithoutLogin(t *testing.T) {
	r := newTestRelay(t)

	var whoami loggedInResponse
	status, _ := r.doJSON(
		t,
		http.MethodGet,
		apiPrefix+apiAdminPrefix+apiPathLoggedIn,
		nil,
		&whoami,
	)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, whoami.Username)
}

func TestCapitalize(t *testing.T) {
	assert.Equal(t, "User with ID 1 not found", capitalize("user with ID 1 not found"))
	assert.Equal(t, "Already", capitalize("Already"))
	assert.Equal(t, "", capitalize(""))
	assert.Equal(t, "1abc", capitalize("1abc"))
}
