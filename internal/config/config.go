package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"

	"tripchat/internal/auth"
	"tripchat/internal/connection"
	"tripchat/internal/models"
)

type Config struct {
	WSURL     string      `env:"TRIPCHAT_WS_URL" envDefault:"ws://localhost:8090/ws"`
	APIURL    string      `env:"TRIPCHAT_API_URL" envDefault:"http://localhost:8090/api/"`
	Token     string      `env:"TRIPCHAT_TOKEN"`
	TokenFile string      `env:"TRIPCHAT_TOKEN_FILE"`
	Room      string      `env:"TRIPCHAT_ROOM" envDefault:"general"`
	UserID    string      `env:"TRIPCHAT_USER"`
	Role      models.Role `env:"TRIPCHAT_ROLE" envDefault:"pilgrim"`

	HeartbeatInterval time.Duration `env:"TRIPCHAT_HEARTBEAT_INTERVAL" envDefault:"30s"`
	PongTimeout       time.Duration `env:"TRIPCHAT_PONG_TIMEOUT" envDefault:"10s"`
	ReconnectBase     time.Duration `env:"TRIPCHAT_RECONNECT_BASE_DELAY" envDefault:"5s"`
	MaxAttempts       int           `env:"TRIPCHAT_RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	BackoffCap        int           `env:"TRIPCHAT_BACKOFF_CAP" envDefault:"4"`
	AckTimeout        time.Duration `env:"TRIPCHAT_ACK_TIMEOUT" envDefault:"10s"`
	TypingIdle        time.Duration `env:"TRIPCHAT_TYPING_IDLE" envDefault:"3s"`
	FallbackGrace     time.Duration `env:"TRIPCHAT_FALLBACK_GRACE" envDefault:"15s"`
	PollInterval      time.Duration `env:"TRIPCHAT_POLL_INTERVAL" envDefault:"10s"`

	DBFile   string     `env:"TRIPCHAT_DB" envDefault:"tripchat.db"`
	LogLevel slog.Level `env:"TRIPCHAT_LOG_LEVEL" envDefault:"INFO"`

	// Local development server.
	DevServerAddr string `env:"TRIPCHAT_DEVSERVER_ADDR" envDefault:"localhost:8090"`
	DevServerDB   string `env:"TRIPCHAT_DEVSERVER_DB" envDefault:"tripchat-server.db"`
	UploadsPath   string `env:"TRIPCHAT_UPLOADS_PATH" envDefault:"uploads"`
	// DevServerUsers maps bearer tokens to user ids, "token:user,token:user".
	DevServerUsers map[string]string `env:"TRIPCHAT_DEVSERVER_USERS" envSeparator:"," envKeyValSeparator:":" envDefault:"dev-token:pilgrim-1,office-token:office-1"`
}

// Load reads the configuration from the environment. serverMode validates
// only what the development server needs.
func Load(serverMode bool) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(serverMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(serverMode bool) error {
	if serverMode {
		if c.DevServerAddr == "" {
			return fmt.Errorf("TRIPCHAT_DEVSERVER_ADDR is required")
		}
		if len(c.DevServerUsers) == 0 {
			return fmt.Errorf("TRIPCHAT_DEVSERVER_USERS is required")
		}
		return nil
	}

	if err := validURL(c.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("TRIPCHAT_WS_URL: %w", err)
	}
	if err := validURL(c.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("TRIPCHAT_API_URL: %w", err)
	}
	if c.Room == "" {
		return fmt.Errorf("TRIPCHAT_ROOM is required")
	}
	if !c.Role.Valid() {
		return fmt.Errorf("TRIPCHAT_ROLE %q is not one of pilgrim, office, admin", c.Role)
	}
	if c.Token == "" && c.TokenFile == "" {
		return fmt.Errorf("TRIPCHAT_TOKEN or TRIPCHAT_TOKEN_FILE is required")
	}

	for name, d := range map[string]time.Duration{
		"TRIPCHAT_HEARTBEAT_INTERVAL":   c.HeartbeatInterval,
		"TRIPCHAT_PONG_TIMEOUT":         c.PongTimeout,
		"TRIPCHAT_RECONNECT_BASE_DELAY": c.ReconnectBase,
		"TRIPCHAT_ACK_TIMEOUT":          c.AckTimeout,
		"TRIPCHAT_TYPING_IDLE":          c.TypingIdle,
		"TRIPCHAT_FALLBACK_GRACE":       c.FallbackGrace,
		"TRIPCHAT_POLL_INTERVAL":        c.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("TRIPCHAT_RECONNECT_MAX_ATTEMPTS must be greater than 0")
	}
	if c.BackoffCap < 0 {
		return fmt.Errorf("TRIPCHAT_BACKOFF_CAP must not be negative")
	}

	return nil
}

// ReconnectBackoffCap is BackoffCap as the connection manager reads it,
// where zero selects its default. A BackoffCap of 0 keeps the reconnect
// delay constant.
func (c *Config) ReconnectBackoffCap() int {
	if c.BackoffCap == 0 {
		return connection.NoBackoff
	}
	return c.BackoffCap
}

// TokenProvider prefers the token file, re-read on every connect, over
// the static token.
func (c *Config) TokenProvider() auth.TokenProvider {
	var providers []auth.TokenProvider
	if c.TokenFile != "" {
		providers = append(providers, auth.File(c.TokenFile))
	}
	providers = append(providers, auth.Static(c.Token))
	return auth.First(providers...)
}

func validURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q is not a %v url", raw, schemes)
}
