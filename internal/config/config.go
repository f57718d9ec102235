package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Exchanges Exchanges `mapstructure:"exchanges"`
	Trading   Trading   `mapstructure:"trading"`
	Auth      Auth      `mapstructure:"auth"`
	Logger    Logger    `mapstructure:"logger"`
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
}

// Exchanges holds the per-exchange API settings. Keys and secrets are not
// configured here; they come from the credential store per account.
type Exchanges struct {
	Binance Exchange `mapstructure:"binance"`
	Bybit   Exchange `mapstructure:"bybit"`
}

// Exchange holds the connection settings for one exchange API.
type Exchange struct {
	BaseURL        string        `mapstructure:"base_url"`
	Testnet        bool          `mapstructure:"testnet"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Trading holds the configuration for order handling and reconciliation.
type Trading struct {
	QuoteAsset        string        `mapstructure:"quote_asset"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	CommitRetries     int           `mapstructure:"commit_retries"`
}

// Auth holds the bearer token settings.
type Auth struct {
	TokenSecret string        `mapstructure:"token_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// LoadConfig reads configuration from file or environment variables.
// A .env file in the working directory is loaded first when present.
func LoadConfig(path string) (config Config, err error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	return
}

func setDefaults(v *viper.Viper) {
	for _, ex := range []string{"binance", "bybit"} {
		v.SetDefault("exchanges."+ex+".rate_limit", 10) // requests per second
		v.SetDefault("exchanges."+ex+".rate_limit_burst", 5)
		v.SetDefault("exchanges."+ex+".timeout", 10*time.Second)
	}
	v.SetDefault("trading.quote_asset", "USDT")
	v.SetDefault("trading.reconcile_interval", 5*time.Second)
	v.SetDefault("trading.commit_retries", 3)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.dsn", "strade.db")
}
