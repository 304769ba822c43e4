package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	BingX    BingX    `mapstructure:"bingx"`
	Discord  Discord  `mapstructure:"discord"`
	Relay    Relay    `mapstructure:"relay"`
	Dispatch Dispatch `mapstructure:"dispatch"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// BingX holds the configuration for the BingX API.
type BingX struct {
	ApiKey         string        `mapstructure:"apiKey"`
	SecretKey      string        `mapstructure:"secretKey"`
	BaseURL        string        `mapstructure:"base_url"`
	Symbol         string        `mapstructure:"symbol"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RecvWindow     int64         `mapstructure:"recv_window"`
	PageSize       int           `mapstructure:"page_size"`
	MaxPages       int           `mapstructure:"max_pages"`
	MaxRetries     int           `mapstructure:"max_retries"`

	InitialLookback time.Duration `mapstructure:"initial_lookback"`
	MaxLookback     time.Duration `mapstructure:"max_lookback"`
}

// Discord holds the configuration for the Discord bot.
type Discord struct {
	Token     string        `mapstructure:"token"`
	ChannelID string        `mapstructure:"channel_id"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Relay holds the configuration for the polling loop and deduplication.
type Relay struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollJitter      time.Duration `mapstructure:"poll_jitter"`
	MaxPending      int           `mapstructure:"max_pending"`
	SeenCapacity    int64         `mapstructure:"seen_capacity"`
	SeenTTL         time.Duration `mapstructure:"seen_ttl"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	CommitTimeout   time.Duration `mapstructure:"commit_timeout"`
	DefaultPriceDP  int32         `mapstructure:"default_price_precision"`
	DefaultQtyDP    int32         `mapstructure:"default_quantity_precision"`
	DefaultCurrency string        `mapstructure:"default_currency"`
}

// Dispatch holds the configuration for the delivery queue.
type Dispatch struct {
	RateLimit        float64       `mapstructure:"rate_limit"`
	RateLimitBurst   int           `mapstructure:"rate_limit_burst"`
	QueueSize        int           `mapstructure:"queue_size"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// Server holds the ports of the relay status server and the inspect viewer.
type Server struct {
	Port        int `mapstructure:"port"`
	InspectPort int `mapstructure:"inspect_port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// LoadConfig reads configuration from an optional config file and the
// environment. The credentials use the plain variable names DISCORD_TOKEN,
// CHANNEL_ID, BINGX_API_KEY and BINGX_SECRET_KEY.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindings := map[string]string{
		"discord.token":      "DISCORD_TOKEN",
		"discord.channel_id": "CHANNEL_ID",
		"bingx.apiKey":       "BINGX_API_KEY",
		"bingx.secretKey":    "BINGX_SECRET_KEY",
	}
	for key, env := range bindings {
		if err = v.BindEnv(key, env); err != nil {
			return
		}
	}

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bingx.base_url", "https://open-api.bingx.com")
	v.SetDefault("bingx.rate_limit", 5) // requests per second
	v.SetDefault("bingx.rate_limit_burst", 2)
	v.SetDefault("bingx.timeout", "10s")
	v.SetDefault("bingx.recv_window", 5000)
	v.SetDefault("bingx.page_size", 500)
	v.SetDefault("bingx.max_pages", 20)
	v.SetDefault("bingx.max_retries", 3)
	v.SetDefault("bingx.initial_lookback", "1h")
	v.SetDefault("bingx.max_lookback", "168h") // order history is served for at most 7 days

	v.SetDefault("discord.base_url", "https://discord.com/api/v10")
	v.SetDefault("discord.timeout", "10s")

	v.SetDefault("relay.poll_interval", "30s")
	v.SetDefault("relay.poll_jitter", "5s")
	v.SetDefault("relay.max_pending", 100)
	v.SetDefault("relay.seen_capacity", 10000)
	v.SetDefault("relay.seen_ttl", "24h")
	v.SetDefault("relay.drain_timeout", "2m")
	v.SetDefault("relay.commit_timeout", "5s")
	v.SetDefault("relay.default_price_precision", 4)
	v.SetDefault("relay.default_quantity_precision", 4)
	v.SetDefault("relay.default_currency", "USDT")

	// Discord allows 5 messages per 5 seconds per channel.
	v.SetDefault("dispatch.rate_limit", 1)
	v.SetDefault("dispatch.rate_limit_burst", 5)
	v.SetDefault("dispatch.queue_size", 100)
	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.initial_backoff", "1s")
	v.SetDefault("dispatch.max_backoff", "1m")
	v.SetDefault("dispatch.breaker_threshold", 5)
	v.SetDefault("dispatch.breaker_cooldown", "30s")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.max_size_mb", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 28)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.inspect_port", 8081)
	v.SetDefault("database.dsn", "relay.db")
}

// Validate reports missing credentials and nonsensical tunables.
func (c *Config) Validate() error {
	var missing []string
	if c.Discord.Token == "" {
		missing = append(missing, "DISCORD_TOKEN")
	}
	if c.Discord.ChannelID == "" || c.Discord.ChannelID == "0" {
		missing = append(missing, "CHANNEL_ID")
	}
	if c.BingX.ApiKey == "" {
		missing = append(missing, "BINGX_API_KEY")
	}
	if c.BingX.SecretKey == "" {
		missing = append(missing, "BINGX_SECRET_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Relay.PollInterval <= 0 {
		return fmt.Errorf("relay.poll_interval must be positive, got %s", c.Relay.PollInterval)
	}
	return nil
}
