package cmd

import (
	"fmt"
	"github.com/arcward/dmrelay/dmrelay"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func assertLogLevel(t testing.TB, expected slog.Level, value any) {
	t.Helper()
	switch v := value.(type) {
	case *slog.LevelVar:
		assert.Equal(t, expected, v.Level())
	case slog.Level:
		assert.Equal(t, expected, v)
	case string:
		lvl, err := getLogLevel(v)
		require.NoError(t, err)
		assert.Equal(t, expected, lvl)
	default:
		t.Fatalf("unexpected log level type %T: %#v", value, value)
	}
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	os.Clearenv()

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

DMR_DATABASE=/home/foo/dmrelay.sqlite3
DMR_DATABASE_TYPE=sqlite
DMR_DATABASE_LOG_LEVEL=INFO
DMR_DATABASE_SLOW_THRESHOLD=250ms
DMR_STORAGE_FALLBACK=false
DMR_LOG_LEVEL=DEBUG
DMR_STARTUP_TIMEOUT=20s
DMR_SHUTDOWN_TIMEOUT=45s

# Discord

DMR_DISCORD_TOKEN=your-discord-bot-token
DMR_DISCORD_LISTEN_SUBMITTED_TOKENS=false
DMR_DISCORD_LOG_LEVEL=ERROR
DMR_DISCORD_DISCORDGO_LOG_LEVEL=WARN
DMR_DISCORD_GATEWAY_INTENTS=37376

# Dispatch / live feed

DMR_DISPATCH_MEMBER_PAGE_SIZE=500
DMR_DISPATCH_GUILD_CONCURRENCY=2
DMR_LIVE_FEED_BUFFER_SIZE=16
DMR_LIVE_FEED_SNAPSHOT_LIMIT=50
DMR_LIVE_FEED_WRITE_TIMEOUT=3s
DMR_LIVE_FEED_PING_INTERVAL=15s

# API server

DMR_API_LISTEN=127.0.0.1:5050
DMR_API_SSL_CERT=/etc/ssl/cert.pem
DMR_API_SSL_KEY=/etc/ssl/key.pem
DMR_API_SSL_TLS_MIN_VERSION=771
DMR_API_SECRET=your-api-secret
DMR_API_LOG_LEVEL=DEBUG
DMR_API_REQUIRE_ADMIN_LOGIN=true
DMR_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5050 https://localhost:5050
DMR_API_CORS_ALLOW_METHODS=GET POST OPTIONS
DMR_API_CORS_ALLOW_CREDENTIALS=true
DMR_API_CORS_MAX_AGE=6h
DMR_API_READ_TIMEOUT=6s
DMR_API_READ_HEADER_TIMEOUT=4s
DMR_API_WRITE_TIMEOUT=2m
DMR_API_IDLE_TIMEOUT=40s
DMR_API_SESSION_MAX_AGE=3h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/dmrelay.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5050", "https://localhost:5050"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)

	assert.Equal(t, "/home/foo/dmrelay.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 250*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.False(t, cfg.StorageFallback)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 20*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.False(t, cfg.Discord.ListenSubmittedTokens)
	assert.Equal(t, slog.LevelError, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(37376), cfg.Discord.GatewayIntents)

	assert.Equal(t, 500, cfg.Dispatch.MemberPageSize)
	assert.Equal(t, 2, cfg.Dispatch.GuildConcurrency)
	assert.Equal(t, 16, cfg.LiveFeed.BufferSize)
	assert.Equal(t, 50, cfg.LiveFeed.SnapshotLimit)
	assert.Equal(t, 3*time.Second, cfg.LiveFeed.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.LiveFeed.PingInterval)

	assert.Equal(t, "127.0.0.1:5050", cfg.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", cfg.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", cfg.API.SSL.Key)
	assert.Equal(t, uint16(771), cfg.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", cfg.API.Secret)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.True(t, cfg.API.RequireAdminLogin)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5050", "https://localhost:5050"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "OPTIONS"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, dmrelay.DefaultCORSAllowHeaders, cfg.API.CORS.AllowHeaders)
	assert.True(t, cfg.API.CORS.AllowCredentials)
	assert.Equal(t, 6*time.Hour, cfg.API.CORS.MaxAge)
	assert.Equal(t, 6*time.Second, cfg.API.ReadTimeout)
	assert.Equal(t, 4*time.Second, cfg.API.ReadHeaderTimeout)
	assert.Equal(t, 2*time.Minute, cfg.API.WriteTimeout)
	assert.Equal(t, 40*time.Second, cfg.API.IdleTimeout)
	assert.Equal(t, 3*time.Hour, cfg.API.SessionMaxAge)
}

func TestLevelToStringHookFunc(t *testing.T) {
	lvl, err := getLogLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = getLogLevel("loud")
	assert.Error(t, err)
}

func TestUnmarshalConfig_ReplacesLists(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("api.cors.allow_methods", []string{"GET"})
	viper.Set("api.cors.expose_headers", []string{})

	config := dmrelay.DefaultConfig()
	require.Greater(t, len(config.API.CORS.AllowMethods), 1)
	require.NoError(t, unmarshalConfig(config))

	assert.Equal(t, []string{"GET"}, config.API.CORS.AllowMethods)
	assert.Empty(t, config.API.CORS.ExposeHeaders)
	assert.Equal(t, dmrelay.DefaultCORSAllowHeaders, config.API.CORS.AllowHeaders)
	assert.Equal(t, dmrelay.DefaultAPIListen, config.API.Listen)
}
