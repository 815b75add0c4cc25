package dmrelay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	pprofPrefix           = "/debug"
	apiPrefix             = "/api"
	apiPathToken          = "/token"
	apiPathGuilds         = "/guilds"
	apiPathGuildMembers   = "/guild/members"
	apiPathDMSingle       = "/dm/single"
	apiPathDMSend         = "/dm/send"
	apiPathDMBulk         = "/dm/bulk"
	apiPathReplies        = "/replies"
	apiPathLogin          = "/login"
	apiPathLogout         = "/logout"
	apiAdminPrefix        = "/admin"
	apiPathAdminTokens    = "/tokens"
	apiPathAdminDispatch  = "/dispatches"
	apiPathLoggedIn       = "/logged_in"
	apiHealthCheck        = "/healthz"
	apiPathMetrics        = "/metrics"
	apiPathLiveFeed       = "/ws"
	apiDefaultAdminLimit  = 500
	apiMessageTokenFailed = "Failed to process token submission"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

// API serves the HTTP endpoints and the live feed websocket
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, middleware and routes. TLS is configured
// when both a cert and key are set.
func newAPI(d *DMRelay, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api")

	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		loginRequestLimiter: rate.NewLimiter(
			rate.Limit(defaultAdminLoginRequestsPerSecond),
			1,
		),
		logger: logger,
	}
	apiHandlers := NewAPIHandlers(d, logger)
	api.handlers = apiHandlers
	api.store = apiHandlers.store

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, e := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		// cors.New panics without any allowed origins
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		ginMetricsMiddleware(d.metrics),
		cors.New(corsConfig),
		gzip.Gzip(
			gzip.DefaultCompression,
			gzip.WithExcludedPaths([]string{apiPathLiveFeed, apiPathMetrics}),
		),
		sessions.Sessions(sessionVarName, apiHandlers.store),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.NoRoute(
		func(c *gin.Context) {
			c.AbortWithStatusJSON(
				http.StatusNotFound,
				apiResponse{Success: false, Message: "not found"},
			)
		},
	)

	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.GET(apiPathMetrics, gin.WrapH(d.metrics.handler()))
	r.GET(apiPathLiveFeed, d.serveLiveFeed)

	public := r.Group(apiPrefix)
	public.POST(apiPathToken, apiHandlers.submitToken)
	public.POST(apiPathGuilds, apiHandlers.listGuilds)
	public.POST(apiPathGuildMembers, apiHandlers.listMembers)
	public.POST(apiPathDMSingle, apiHandlers.sendDirect)
	public.POST(apiPathDMSend, apiHandlers.sendDirect)
	public.POST(apiPathDMBulk, apiHandlers.sendBulk)
	public.GET(apiPathReplies, apiHandlers.listReplies)
	public.POST(apiPathReplies, authMiddleware(d, api), apiHandlers.ingestReply)
	public.POST(apiPathLogin, apiHandlers.loginHandler)
	public.POST(apiPathLogout, apiHandlers.logoutHandler)

	admin := public.Group(apiAdminPrefix)
	admin.Use(authMiddleware(d, api))
	admin.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	admin.GET(apiPathAdminTokens, apiHandlers.listTokens)
	admin.GET(apiPathAdminDispatch, apiHandlers.listDispatches)

	return api, nil
}

// Listen binds the configured address, if it isn't already bound
func (a *API) Listen(ctx context.Context) (net.Listener, error) {
	if a.listener != nil {
		return a.listener, nil
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return nil, fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	return ln, nil
}

// Serve accepts connections until the server is shut down
func (a *API) Serve(ctx context.Context) error {
	ln, err := a.Listen(ctx)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "serving api", "addr", ln.Addr().String())
	return a.httpServer.Serve(ln)
}

// Addr returns the bound address, or nil if not listening yet
func (a *API) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Handler returns the gin engine
func (a *API) Handler() http.Handler {
	return a.engine
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	d      *DMRelay
	logger *slog.Logger
	store  CookieStore
}

func NewAPIHandlers(d *DMRelay, logger *slog.Logger) *APIHandlers {
	if logger == nil {
		logger = d.logger.With(loggerNameKey, "api")
	}
	return &APIHandlers{
		d:      d,
		logger: logger,
		store:  newSessionStore(d.config.API, logger),
	}
}

// apiResponse is the envelope for every JSON response outside of the
// admin endpoints
type apiResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

type tokenSubmissionRequest struct {
	BotToken string `json:"botToken" binding:"required"`
	ClientID string `json:"clientId"`
}

type tokenSubmissionResponse struct {
	apiResponse
	ID uint `json:"id"`
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

type guildsResponse struct {
	apiResponse
	Guilds []GuildSummary `json:"guilds"`
}

type membersRequest struct {
	Token   string `json:"token" binding:"required"`
	GuildID string `json:"guildId"`
}

type membersResponse struct {
	apiResponse
	Members []GuildMember `json:"members"`
}

type bulkResponse struct {
	apiResponse
	Attempted   int      `json:"attempted"`
	SentCount   int      `json:"sentCount"`
	FailedCount int      `json:"failedCount"`
	FailedIDs   []string `json:"failedIds"`
}

type repliesResponse struct {
	apiResponse
	Replies []MessageReply `json:"replies"`
}

type replyResponse struct {
	apiResponse
	Reply MessageReply `json:"reply"`
}

type tokensResponse struct {
	Tokens []TokenSubmission `json:"tokens"`
}

type dispatchesResponse struct {
	Dispatches []DispatchLog `json:"dispatches"`
}

type healthCheckResponse struct {
	Storage     string `json:"storage"`
	Degraded    bool   `json:"degraded"`
	Listeners   int    `json:"listeners"`
	Subscribers int    `json:"subscribers"`
	Error       string `json:"error,omitempty"`
}

type listQuery struct {
	Limit int `form:"limit" json:"limit" binding:"min=0"`
}

// requestContext returns the request's context, carrying the request
// logger
func requestContext(c *gin.Context) context.Context {
	return WithLogger(c.Request.Context(), ginContextLogger(c))
}

// bindRequest decodes the JSON body into v. Decoding errors are returned
// as a ValidationError. Validation tag failures are left for the
// operation itself to report, so the field map is complete.
func bindRequest(c *gin.Context, v any, message string) error {
	err := c.ShouldBindJSON(v)
	var fieldErrs validator.ValidationErrors
	if err == nil || errors.As(err, &fieldErrs) {
		return nil
	}
	return validationErrorFrom(message, err, v)
}

// replyError maps err onto a status code and JSON error payload.
// failureMessage is used for unexpected errors, and as a prefix for
// upstream errors.
func replyError(c *gin.Context, err error, failureMessage string) {
	logger := ginContextLogger(c)

	var validationErr *ValidationError
	var authErr *AuthError
	var notFoundErr *NotFoundError
	var upstreamErr *UpstreamError

	switch {
	case errors.As(err, &validationErr):
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			apiResponse{
				Success: false,
				Message: validationErr.Message,
				Errors:  validationErr.Fields,
			},
		)
	case errors.As(err, &notFoundErr):
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			apiResponse{Success: false, Message: capitalize(notFoundErr.Error())},
		)
	case errors.As(err, &authErr):
		replyUpstreamError(c, failureMessage, authErr.Err)
	case errors.As(err, &upstreamErr):
		replyUpstreamError(c, failureMessage, upstreamErr.Err)
	default:
		logger.Error(failureMessage, "error", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			apiResponse{Success: false, Message: failureMessage},
		)
	}
}

// replyUpstreamError replies 400, with the message discord returned
func replyUpstreamError(c *gin.Context, failureMessage string, cause error) {
	c.AbortWithStatusJSON(
		http.StatusBadRequest,
		apiResponse{
			Success: false,
			Message: fmt.Sprintf("%s: %s", failureMessage, upstreamMessage(cause)),
		},
	)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

// submitToken handles POST /api/token
func (h *APIHandlers) submitToken(c *gin.Context) {
	var req tokenSubmissionRequest
	if err := bindRequest(c, &req, msgInvalidToken); err != nil {
		replyError(c, err, apiMessageTokenFailed)
		return
	}

	submission, err := h.d.SubmitToken(requestContext(c), req.BotToken, req.ClientID)
	if err != nil {
		replyError(c, err, apiMessageTokenFailed)
		return
	}
	c.JSON(
		http.StatusOK,
		tokenSubmissionResponse{
			apiResponse: apiResponse{Success: true, Message: "Token received successfully"},
			ID:          submission.ID,
		},
	)
}

// listGuilds handles POST /api/guilds
func (h *APIHandlers) listGuilds(c *gin.Context) {
	const failed = "Failed to fetch guilds"
	var req tokenRequest
	if err := bindRequest(c, &req, msgInvalidToken); err != nil {
		replyError(c, err, failed)
		return
	}

	guilds, err := h.d.ListGuilds(requestContext(c), req.Token)
	if err != nil {
		replyError(c, err, failed)
		return
	}
	c.JSON(
		http.StatusOK,
		guildsResponse{apiResponse: apiResponse{Success: true}, Guilds: guilds},
	)
}

// listMembers handles POST /api/guild/members
func (h *APIHandlers) listMembers(c *gin.Context) {
	const failed = "Failed to fetch guild members"
	var req membersRequest
	if err := bindRequest(c, &req, msgInvalidToken); err != nil {
		replyError(c, err, failed)
		return
	}

	members, err := h.d.ListMembers(requestContext(c), req.Token, req.GuildID)
	if err != nil {
		replyError(c, err, failed)
		return
	}
	c.JSON(
		http.StatusOK,
		membersResponse{apiResponse: apiResponse{Success: true}, Members: members},
	)
}

// sendDirect handles POST /api/dm/single and /api/dm/send
func (h *APIHandlers) sendDirect(c *gin.Context) {
	const failed = "Failed to send message"
	var req DirectRequest
	if err := bindRequest(c, &req, msgInvalidMessage); err != nil {
		replyError(c, err, failed)
		return
	}

	if err := h.d.SendDirect(requestContext(c), req); err != nil {
		replyError(c, err, failed)
		return
	}
	c.JSON(
		http.StatusOK,
		apiResponse{
			Success: true,
			Message: fmt.Sprintf("Message sent to user %s", req.UserID),
		},
	)
}

// sendBulk handles POST /api/dm/bulk. The response is written once the
// whole batch has finished.
func (h *APIHandlers) sendBulk(c *gin.Context) {
	const failed = "Failed to send bulk messages"
	var req BulkRequest
	if err := bindRequest(c, &req, msgInvalidBulkMessage); err != nil {
		replyError(c, err, failed)
		return
	}

	result, err := h.d.SendBulk(requestContext(c), req)
	if err != nil {
		replyError(c, err, failed)
		return
	}
	c.JSON(
		http.StatusOK,
		bulkResponse{
			apiResponse: apiResponse{
				Success: true,
				Message: fmt.Sprintf(
					"Sent %d messages, failed %d messages",
					result.Succeeded,
					result.Failed,
				),
			},
			Attempted:   result.Attempted,
			SentCount:   result.Succeeded,
			FailedCount: result.Failed,
			FailedIDs:   result.FailedIDs,
		},
	)
}

// listReplies handles GET /api/replies
func (h *APIHandlers) listReplies(c *gin.Context) {
	const failed = "Failed to fetch replies"
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		replyError(c, validationErrorFrom("Invalid query", err, &q), failed)
		return
	}

	replies, err := h.d.ListReplies(requestContext(c), q.Limit)
	if err != nil {
		replyError(c, err, failed)
		return
	}
	c.JSON(
		http.StatusOK,
		repliesResponse{apiResponse: apiResponse{Success: true}, Replies: replies},
	)
}

// ingestReply handles POST /api/replies
func (h *APIHandlers) ingestReply(c *gin.Context) {
	const failed = "Failed to save reply"
	var in ReplyInput
	if err := bindRequest(c, &in, msgInvalidReply); err != nil {
		replyError(c, err, failed)
		return
	}

	reply, err := h.d.IngestReply(requestContext(c), in)
	if err != nil {
		replyError(c, err, failed)
		return
	}
	c.JSON(
		http.StatusCreated,
		replyResponse{apiResponse: apiResponse{Success: true}, Reply: reply},
	)
}

// listTokens handles GET /api/admin/tokens
func (h *APIHandlers) listTokens(c *gin.Context) {
	q := listQuery{Limit: apiDefaultAdminLimit}
	if err := c.ShouldBindQuery(&q); err != nil {
		replyError(c, validationErrorFrom("Invalid query", err, &q), "Failed to fetch tokens")
		return
	}
	tokens, err := h.d.store.ListTokenSubmissions(requestContext(c), q.Limit)
	if err != nil {
		replyError(c, err, "Failed to fetch tokens")
		return
	}
	if tokens == nil {
		tokens = []TokenSubmission{}
	}
	c.JSON(http.StatusOK, tokensResponse{Tokens: tokens})
}

// listDispatches handles GET /api/admin/dispatches
func (h *APIHandlers) listDispatches(c *gin.Context) {
	q := listQuery{Limit: apiDefaultAdminLimit}
	if err := c.ShouldBindQuery(&q); err != nil {
		replyError(c, validationErrorFrom("Invalid query", err, &q), "Failed to fetch dispatches")
		return
	}
	logs, err := h.d.store.ListDispatchLogs(requestContext(c), q.Limit)
	if err != nil {
		replyError(c, err, "Failed to fetch dispatches")
		return
	}
	if logs == nil {
		logs = []DispatchLog{}
	}
	c.JSON(http.StatusOK, dispatchesResponse{Dispatches: logs})
}

// healthCheck reports storage status, open listeners and live feed
// subscribers. Returns 503 if the active store can't be reached.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rv := healthCheckResponse{
		Storage:     h.d.store.Name(),
		Degraded:    h.d.storeDegraded(),
		Listeners:   h.d.listeners.Count(),
		Subscribers: h.d.hub.Count(),
	}
	status := http.StatusOK
	if err := h.d.store.Ping(ctx); err != nil {
		rv.Error = err.Error()
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, rv)
}

// requestIDMiddleware assigns a unique request ID to each incoming request,
// and returns it in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	return ginRequestLogger(c, slog.Default())
}

func ginRequestLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// duration and response status
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginRequestLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateAPIConfig, APIConfig{})
}
