//nolint:lll // struct tags can't be split
package dmrelay

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "DMRELAY_ENV_PREFIX"
	DefaultEnvPrefix       = "DMR"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "dmrelay.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second
	DefaultStorageFallback = true

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	// Bulk dispatch responses are only written once the whole batch has
	// been sent, so there's no write timeout by default.
	DefaultWriteTimeout = 0
	DefaultIdleTimeout  = 30 * time.Second

	DefaultDiscordLogLevel             = slog.LevelWarn
	DefaultDiscordgoLogLevel           = slog.LevelWarn
	DefaultDiscordGatewayIntent        = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
	DefaultDiscordListenSubmitted      = true
	DefaultAPIListen                   = "127.0.0.1:5000"
	DefaultUITLSMinVersion             = tls.VersionTLS12
	DefaultAPISessionMaxAge            = 6 * time.Hour
	DefaultAPIRequireAdminLogin        = false
	DefaultDatabaseSlowThreshold       = 200 * time.Millisecond
	DefaultDatabaseLogLevel            = slog.LevelInfo
	DefaultAPILogLevel                 = slog.LevelInfo
	defaultListenNetwork               = "tcp"
	DefaultAPICORSAllowCredentials     = true
	DefaultDispatchMemberPageSize      = 1000
	DefaultDispatchGuildConcurrency    = 4
	DefaultLiveFeedBufferSize          = 64
	DefaultLiveFeedSnapshotLimit       = 500
	DefaultLiveFeedWriteTimeout        = 10 * time.Second
	DefaultLiveFeedPingInterval        = 30 * time.Second
	discordMaxMemberPageSize           = 1000
	discordMaxUserGuildsPageSize       = 200
	defaultNotifierChannelNewReply     = "dmrelay_new_reply"
	defaultAdminLoginRequestsPerSecond = 1
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// StorageFallback enables the in-memory store when the database can't
	// be opened at startup, or starts failing at runtime. Anything stored
	// in memory is lost on exit.
	StorageFallback bool `yaml:"storage_fallback" mapstructure:"storage_fallback" json:"storage_fallback"`

	// API configures the HTTP API and live feed
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// Discord configures discord sessions and reply listeners
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Dispatch configures member enumeration and bulk sends
	Dispatch *DispatchConfig `yaml:"dispatch" mapstructure:"dispatch" json:"dispatch" binding:"required"`

	// LiveFeed configures websocket subscribers
	LiveFeed *LiveFeedConfig `yaml:"live_feed" mapstructure:"live_feed" json:"live_feed" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time initialization
	// has (opening the database, starting configured listeners).
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, connections are closed and Run returns.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures how discord sessions are created.
//
// Tokens used for directory lookups and dispatch are supplied per-request.
// Token is only used for a long-lived reply listener.
type DiscordConfig struct {
	// Bot token for a reply listener started with the server. Optional.
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// ListenSubmittedTokens starts a reply listener for every token
	// received by the token intake endpoint.
	ListenSubmittedTokens bool `yaml:"listen_submitted_tokens" mapstructure:"listen_submitted_tokens" json:"listen_submitted_tokens"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents for reply listeners. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// DispatchConfig configures directory lookups and bulk sends
type DispatchConfig struct {
	// Members requested per page when enumerating a guild (max 1000)
	MemberPageSize int `yaml:"member_page_size" mapstructure:"member_page_size" json:"member_page_size" binding:"min=1,max=1000"`

	// Number of guilds whose members are fetched concurrently when
	// enumerating members across every guild
	GuildConcurrency int `yaml:"guild_concurrency" mapstructure:"guild_concurrency" json:"guild_concurrency" binding:"min=1,max=32"`
}

// LiveFeedConfig configures websocket subscribers of the reply feed
type LiveFeedConfig struct {
	// Events buffered per subscriber. A subscriber whose buffer is full
	// is disconnected.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" json:"buffer_size" binding:"min=1"`

	// Maximum number of replies sent in the initial snapshot. 0=unlimited
	SnapshotLimit int `yaml:"snapshot_limit" mapstructure:"snapshot_limit" json:"snapshot_limit" binding:"min=0"`

	// Deadline for each websocket write
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Interval between websocket pings
	PingInterval time.Duration `yaml:"ping_interval" mapstructure:"ping_interval" json:"ping_interval" binding:"min=1s"`
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. TLS is only enabled when both a cert
	// and key are set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response. 0=none
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=0"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// RequireAdminLogin gates the admin endpoints behind a login session
	RequireAdminLogin bool `yaml:"require_admin_login" mapstructure:"require_admin_login" json:"require_admin_login"`

	// If true, the SameSite attribute of the session cookie will be set to
	// 'None', any origin is allowed when none are configured, and pprof
	// endpoints are registered
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) Enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		StorageFallback:       DefaultStorageFallback,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			ListenSubmittedTokens: DefaultDiscordListenSubmitted,
			GatewayIntents:        DefaultDiscordGatewayIntent,
			LogLevel:              discordLogLevel,
			DiscordGoLogLevel:     discordgoLogLevel,
		},
		Dispatch: &DispatchConfig{
			MemberPageSize:   DefaultDispatchMemberPageSize,
			GuildConcurrency: DefaultDispatchGuildConcurrency,
		},
		LiveFeed: &LiveFeedConfig{
			BufferSize:    DefaultLiveFeedBufferSize,
			SnapshotLimit: DefaultLiveFeedSnapshotLimit,
			WriteTimeout:  DefaultLiveFeedWriteTimeout,
			PingInterval:  DefaultLiveFeedPingInterval,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			RequireAdminLogin: DefaultAPIRequireAdminLogin,
			CORS:              DefaultCORSConfig(),
		},
	}
}

// validateAPIConfig rejects a TLS config with only one of cert/key set
func validateAPIConfig(sl validator.StructLevel) {
	c, ok := sl.Current().Interface().(APIConfig)
	if !ok {
		return
	}
	if (c.SSL.Cert == "") != (c.SSL.Key == "") {
		sl.ReportError(c.SSL, "ssl", "SSL", "cert_and_key", "")
	}
}
