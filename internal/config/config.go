// Package config loads the CLI and relay configuration from
// ~/.nexus/config.toml, a .env file and NEXUS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// Config represents the configuration stored in ~/.nexus/config.toml.
type Config struct {
	Server   Server   `toml:"server"`
	Auth     Auth     `toml:"auth"`
	Realtime Realtime `toml:"realtime"`
	Log      Log      `toml:"log"`
	Relay    Relay    `toml:"relay"`
}

// Server holds the endpoints of the messaging backend.
type Server struct {
	BaseURL string `toml:"base_url" env:"NEXUS_BASE_URL" env-default:"http://localhost:8080"`
	WSURL   string `toml:"ws_url" env:"NEXUS_WS_URL" env-default:"ws://localhost:8080/ws"`
}

// Auth holds the identity the CLI acts as.
type Auth struct {
	Token  string `toml:"token,omitempty" env:"NEXUS_TOKEN"`
	UserID string `toml:"user_id,omitempty" env:"NEXUS_USER_ID"`
}

// Realtime tunes the channel, the polling fallback and typing.
type Realtime struct {
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts" env:"NEXUS_MAX_RECONNECT_ATTEMPTS" env-default:"5"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay" env:"NEXUS_RECONNECT_BASE_DELAY" env-default:"1s"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay" env:"NEXUS_RECONNECT_MAX_DELAY" env-default:"5s"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval" env:"NEXUS_HEARTBEAT_INTERVAL" env-default:"25s"`
	PollGrace            Duration `toml:"poll_grace" env:"NEXUS_POLL_GRACE" env-default:"5s"`
	PollInterval         Duration `toml:"poll_interval" env:"NEXUS_POLL_INTERVAL" env-default:"3s"`
	TypingIdle           Duration `toml:"typing_idle" env:"NEXUS_TYPING_IDLE" env-default:"3s"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `toml:"level" env:"NEXUS_LOG_LEVEL" env-default:"info"`
	Format string `toml:"format" env:"NEXUS_LOG_FORMAT" env-default:"text"`
}

// Relay configures the bundled reference server.
type Relay struct {
	Addr      string `toml:"addr" env:"NEXUS_RELAY_ADDR" env-default:":8080"`
	JWTSecret string `toml:"jwt_secret,omitempty" env:"NEXUS_RELAY_JWT_SECRET" env-default:"nexus-dev-secret"`
}

// Duration is a time.Duration written as "1s" in TOML and env vars.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	return d.SetValue(string(b))
}

// SetValue implements cleanenv.Setter.
func (d *Duration) SetValue(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// ============================================================================
// Paths
// ============================================================================

// Dir returns ~/.nexus, creating it if needed.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".nexus")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// DefaultPath returns the full path to the config file.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ============================================================================
// Load / save
// ============================================================================

// Load reads path, then applies .env and NEXUS_* overrides and fills the
// defaults of every field left empty. A missing file is not an error.
func Load(path string) (*Config, error) {
	// A .env in the working directory is optional.
	_ = godotenv.Load()

	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}
	if cfg.Realtime.MaxReconnectAttempts < 0 {
		return nil, fmt.Errorf("max_reconnect_attempts must be a non-negative integer, got %d", cfg.Realtime.MaxReconnectAttempts)
	}
	return cfg, nil
}

// LoadFile reads path without environment overrides or defaults. It is what
// "config set" edits, so values from the environment never leak into the
// file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to path as TOML.
func Save(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ============================================================================
// Dot-notation setter
// ============================================================================

// Set assigns a field using dot notation, e.g. "server.base_url".
func Set(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || field == "" {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		case "ws_url":
			cfg.Server.WSURL = value
		default:
			return unknownField(section, field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return unknownField(section, field)
		}
	case "realtime":
		return setRealtime(&cfg.Realtime, field, value)
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		default:
			return unknownField(section, field)
		}
	case "relay":
		switch field {
		case "addr":
			cfg.Relay.Addr = value
		case "jwt_secret":
			cfg.Relay.JWTSecret = value
		default:
			return unknownField(section, field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, realtime, log, relay)", section)
	}
	return nil
}

func setRealtime(r *Realtime, field, value string) error {
	if field == "max_reconnect_attempts" {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("max_reconnect_attempts must be a non-negative integer")
		}
		r.MaxReconnectAttempts = n
		return nil
	}

	var d *Duration
	switch field {
	case "reconnect_base_delay":
		d = &r.ReconnectBaseDelay
	case "reconnect_max_delay":
		d = &r.ReconnectMaxDelay
	case "heartbeat_interval":
		d = &r.HeartbeatInterval
	case "poll_grace":
		d = &r.PollGrace
	case "poll_interval":
		d = &r.PollInterval
	case "typing_idle":
		d = &r.TypingIdle
	default:
		return unknownField("realtime", field)
	}
	return d.SetValue(value)
}

func unknownField(section, field string) error {
	return fmt.Errorf("unknown field %q in section [%s]", field, section)
}
