package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration for the comment synchronization SDK.
type Config struct {
	AppName        string
	AppEnv         string
	SocketURL      string
	RestBaseURL    string
	MetricsAddr    string
	AckTimeout     time.Duration
	SafetyTimeout  time.Duration
	ReconnectDelay time.Duration
	TypingExpiry   time.Duration
}

// Load reads configuration values from environment variables and an
// optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PAWMAP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "PawMap Comments")
	v.SetDefault("app.env", "development")
	v.SetDefault("ack_timeout_ms", 5000)
	v.SetDefault("safety_timeout_ms", 6000)
	v.SetDefault("reconnect_delay_ms", 1000)
	v.SetDefault("typing_expiry_ms", 1200)

	cfg := Config{
		AppName:        v.GetString("app.name"),
		AppEnv:         v.GetString("app.env"),
		SocketURL:      v.GetString("socket.url"),
		RestBaseURL:    v.GetString("rest.base_url"),
		MetricsAddr:    v.GetString("metrics.addr"),
		AckTimeout:     millis(v.GetInt("ack_timeout_ms"), 5000),
		SafetyTimeout:  millis(v.GetInt("safety_timeout_ms"), 6000),
		ReconnectDelay: millis(v.GetInt("reconnect_delay_ms"), 1000),
		TypingExpiry:   millis(v.GetInt("typing_expiry_ms"), 1200),
	}

	if cfg.SocketURL == "" {
		return Config{}, fmt.Errorf("socket url must be provided")
	}

	return cfg, nil
}

func millis(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Millisecond
}
