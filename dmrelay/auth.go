package dmrelay

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"strings"
)

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// newSessionStore returns the cookie store for admin sessions, signed with
// the configured secret, or a random one if it isn't set
func newSessionStore(config *APIConfig, logger *slog.Logger) CookieStore {
	var secretKey []byte
	switch sk := config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(config))
	return store
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type httpError struct {
	Error string `json:"error"`
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, isString := username.(string)
	if !isString || s == "" {
		return "", errors.New("username not set in session")
	}
	return s, nil
}

// loginHandler handles POST /api/login. Credentials are checked against
// the application user table. Login attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	api := h.d.api
	if !api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(
			http.StatusTooManyRequests,
			httpError{Error: "too many requests"},
		)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	user, err := h.d.store.GetAppUser(requestContext(c), login.Username)
	if err != nil {
		if isNotFound(err) {
			logger.Warn("login for unknown user", "username", login.Username)
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		logger.Error("error looking up user", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "internal server error"},
		)
		return
	}

	valid, err := verifyPassword(user.Password, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "internal server error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session, err := api.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "internal server error"},
		)
		return
	}
	session.Options = sessionOptions(api.config).ToGorillaOptions()
	session.Values[sessionVarField] = user.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "internal server error"},
		)
		return
	}
	logger.Info("saved user session", "username", user.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: user.Username})
}

// logoutHandler handles POST /api/logout
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	session.Options.MaxAge = -1
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// loggedIn handles GET /api/admin/logged_in. When admin login isn't
// required, the username is empty.
func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, _ := c.Get(sessionVarField)
	name, _ := username.(string)
	c.JSON(http.StatusOK, loggedInResponse{Username: name})
}

// authMiddleware requires a logged-in session for the admin endpoints,
// when api.require_admin_login is set. Otherwise, it does nothing.
func authMiddleware(d *DMRelay, api *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !api.config.RequireAdminLogin {
			c.Next()
			return
		}
		logger := ginContextLogger(c)

		username, err := api.getSessionUsername(c)
		if err != nil {
			logger.Warn("unauthorized admin request", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if _, err = d.store.GetAppUser(c.Request.Context(), username); err != nil {
			logger.Warn("session user no longer exists", "username", username, tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		logger.Debug("got session", sessionVarField, username)
		c.Set(sessionVarField, username)
		c.Next()
	}
}

// CreateAppUser creates an application user with the given password,
// hashed with argon2id
func CreateAppUser(ctx context.Context, store Store, username string, password string) (
	*AppUser,
	error,
) {
	username = strings.TrimSpace(username)
	verr := newValidationError("Invalid user")
	addIfMissing(verr, "username", username == "")
	addIfMissing(verr, "password", password == "")
	if verr.HasErrors() {
		return nil, verr
	}

	hashed, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}
	user := &AppUser{Username: username, Password: hashed}
	if err = store.SaveAppUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
