package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/dmrelay/dmrelay"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"time"
)

var (
	cfg        = dmrelay.DefaultConfig()
	configFile string
)

// levelKeys are config keys holding a log level name, converted to
// *slog.LevelVar before unmarshalling
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"api.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
}

// sliceKeys are config keys holding a list, which may be set from the
// environment as a space-separated string
var sliceKeys = []string{
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "dmrelay [flags]",
	Short: "Collects discord bot tokens, sends DMs, and relays replies",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func unmarshalConfig(config *dmrelay.Config) error {
	// mapstructure decodes into an existing slice element by element,
	// which would keep any extra default entries
	if config.API != nil {
		cors := &config.API.CORS
		lists := map[string]*[]string{
			"api.cors.allow_origins":  &cors.AllowOrigins,
			"api.cors.allow_methods":  &cors.AllowMethods,
			"api.cors.allow_headers":  &cors.AllowHeaders,
			"api.cors.expose_headers": &cors.ExposeHeaders,
		}
		for key, field := range lists {
			if viper.IsSet(key) {
				*field = nil
			}
		}
	}
	return viper.Unmarshal(
		config,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc converts log level names to *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	// values from a previous run (tests) would otherwise take precedence
	viper.Reset()

	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", dmrelay.DefaultDatabase)
	viper.SetDefault("database_type", dmrelay.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", dmrelay.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", dmrelay.DefaultDatabaseLogLevel.String())
	viper.SetDefault("storage_fallback", dmrelay.DefaultStorageFallback)

	viper.SetDefault("log_level", dmrelay.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", dmrelay.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", dmrelay.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.listen_submitted_tokens", dmrelay.DefaultDiscordListenSubmitted)
	viper.SetDefault("discord.log_level", dmrelay.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		dmrelay.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", int(dmrelay.DefaultDiscordGatewayIntent))

	// Dispatch config
	viper.SetDefault("dispatch.member_page_size", dmrelay.DefaultDispatchMemberPageSize)
	viper.SetDefault("dispatch.guild_concurrency", dmrelay.DefaultDispatchGuildConcurrency)

	// Live feed config
	viper.SetDefault("live_feed.buffer_size", dmrelay.DefaultLiveFeedBufferSize)
	viper.SetDefault("live_feed.snapshot_limit", dmrelay.DefaultLiveFeedSnapshotLimit)
	viper.SetDefault("live_feed.write_timeout", dmrelay.DefaultLiveFeedWriteTimeout)
	viper.SetDefault("live_feed.ping_interval", dmrelay.DefaultLiveFeedPingInterval)

	// API config
	viper.SetDefault("api.listen", dmrelay.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", dmrelay.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.require_admin_login", dmrelay.DefaultAPIRequireAdminLogin)
	viper.SetDefault("api.session_max_age", dmrelay.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", dmrelay.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", dmrelay.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", time.Duration(dmrelay.DefaultWriteTimeout))
	viper.SetDefault("api.idle_timeout", dmrelay.DefaultIdleTimeout)

	// API: SSL config
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", dmrelay.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", dmrelay.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", dmrelay.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", dmrelay.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", dmrelay.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", dmrelay.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(dmrelay.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = dmrelay.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range sliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range levelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
