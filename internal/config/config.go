package config

import (
	"errors"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/autoglm/taskrelay"
)

// EnvPrefix is prepended to every environment variable, e.g.
// AUTOGLM_SERVER_PORT for server.port.
const EnvPrefix = "AUTOGLM"

// Config represents the complete taskrelay configuration
type Config struct {
	Debug     bool            `mapstructure:"debug"`
	Server    ServerConfig    `mapstructure:"server"`
	API       APIConfig       `mapstructure:"api"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Log       LogConfig       `mapstructure:"log"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
}

// ServerConfig controls the HTTP surface
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// RateLimit is the sustained rate of task submissions per second.
	// Zero disables limiting.
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// APIConfig locates the remote task service
type APIConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// WebSocketConfig controls the upstream session
type WebSocketConfig struct {
	// Timeout bounds the websocket handshake
	Timeout              time.Duration `mapstructure:"timeout"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	PingTimeout          time.Duration `mapstructure:"ping_timeout"`
}

// StreamConfig controls streaming consumers
type StreamConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	Grace         time.Duration `mapstructure:"grace"`
	TerminalTypes []string      `mapstructure:"terminal_types"`
	QueueSize     int           `mapstructure:"queue_size"`
}

// LogConfig controls log output
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// SentryConfig enables error reporting when DSN is set
type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8000,
			RateLimit:       5,
			RateBurst:       10,
			ShutdownTimeout: 10 * time.Second,
		},
		API: APIConfig{
			URL: "wss://open.bigmodel.cn/api/paas/v4/channel/task",
		},
		WebSocket: WebSocketConfig{
			Timeout:              taskrelay.DefaultDialTimeout,
			ConnectTimeout:       taskrelay.DefaultConnectTimeout,
			MaxReconnectAttempts: taskrelay.DefaultMaxReconnectAttempts,
			PingInterval:         taskrelay.DefaultPingInterval,
			PingTimeout:          taskrelay.DefaultPingTimeout,
		},
		Stream: StreamConfig{
			Timeout:       taskrelay.DefaultStreamTimeout,
			IdleTimeout:   taskrelay.DefaultStreamIdleTimeout,
			Grace:         taskrelay.DefaultStreamGrace,
			TerminalTypes: taskrelay.DefaultTerminalTypes(),
			QueueSize:     taskrelay.DefaultQueueSize,
		},
		Log: LogConfig{
			Level: "info",
		},
		Sentry: SentryConfig{
			Environment: "development",
		},
	}
}

// SetDefaults registers defaults and environment bindings on v. It must run
// before Load.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("debug", defaults.Debug)

	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.rate_limit", defaults.Server.RateLimit)
	v.SetDefault("server.rate_burst", defaults.Server.RateBurst)
	v.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)

	v.SetDefault("api.url", defaults.API.URL)
	v.SetDefault("api.token", defaults.API.Token)

	v.SetDefault("websocket.timeout", defaults.WebSocket.Timeout)
	v.SetDefault("websocket.connect_timeout", defaults.WebSocket.ConnectTimeout)
	v.SetDefault("websocket.max_reconnect_attempts", defaults.WebSocket.MaxReconnectAttempts)
	v.SetDefault("websocket.ping_interval", defaults.WebSocket.PingInterval)
	v.SetDefault("websocket.ping_timeout", defaults.WebSocket.PingTimeout)

	v.SetDefault("stream.timeout", defaults.Stream.Timeout)
	v.SetDefault("stream.idle_timeout", defaults.Stream.IdleTimeout)
	v.SetDefault("stream.grace", defaults.Stream.Grace)
	v.SetDefault("stream.terminal_types", defaults.Stream.TerminalTypes)
	v.SetDefault("stream.queue_size", defaults.Stream.QueueSize)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.pretty", defaults.Log.Pretty)

	v.SetDefault("sentry.dsn", defaults.Sentry.DSN)
	v.SetDefault("sentry.environment", defaults.Sentry.Environment)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Older deployments used a doubled prefix.
	_ = v.BindEnv("api.token", "AUTOGLM_API_TOKEN", "AUTOGLM_AUTOGLM_API_TOKEN")
	_ = v.BindEnv("api.url", "AUTOGLM_API_URL", "AUTOGLM_AUTOGLM_API_URL")
	_ = v.BindEnv("sentry.dsn", "AUTOGLM_SENTRY_DSN", "SENTRY_DSN")
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are not an error. Variables already set are left alone.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// LogLevel returns the configured level, forced to debug in debug mode.
func (c *Config) LogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.Log.Level
}

// RelayOptions converts the configuration into relay options.
func (c *Config) RelayOptions(logger zerolog.Logger) []taskrelay.Option {
	return []taskrelay.Option{
		taskrelay.WithLogger(logger),
		taskrelay.WithDialTimeout(c.WebSocket.Timeout),
		taskrelay.WithConnectTimeout(c.WebSocket.ConnectTimeout),
		taskrelay.WithMaxReconnectAttempts(c.WebSocket.MaxReconnectAttempts),
		taskrelay.WithKeepalive(c.WebSocket.PingInterval, c.WebSocket.PingTimeout),
		taskrelay.WithQueueSize(c.Stream.QueueSize),
		taskrelay.WithStreamConfig(taskrelay.StreamConfig{
			Timeout:       c.Stream.Timeout,
			IdleTimeout:   c.Stream.IdleTimeout,
			Grace:         c.Stream.Grace,
			TerminalTypes: c.Stream.TerminalTypes,
		}),
	}
}
