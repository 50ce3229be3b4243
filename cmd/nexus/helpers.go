package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	nexus "github.com/phongnd2802/nexus-collaboration-sub002"
	"github.com/phongnd2802/nexus-collaboration-sub002/internal/config"
)

// currentIdentity resolves who the CLI acts as. A token wins over a bare
// user id.
func currentIdentity() (nexus.Identity, error) {
	if cfg.Auth.Token != "" {
		id, err := nexus.IdentityFromToken(cfg.Auth.Token)
		if err != nil {
			return id, fmt.Errorf("stored token is not usable, run 'nexus init <token>': %w", err)
		}
		return id, nil
	}
	if cfg.Auth.UserID != "" {
		return nexus.Identity{Status: nexus.Authenticated, UserID: cfg.Auth.UserID}, nil
	}
	return nexus.Identity{Status: nexus.Unauthenticated}, errors.New("not signed in, run 'nexus init <token>' first")
}

// getClient creates a REST client for the current identity.
func getClient() (*nexus.Client, nexus.Identity) {
	id, err := currentIdentity()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	client := nexus.NewClient(
		nexus.WithBaseURL(cfg.Server.BaseURL),
		nexus.WithUserID(id.UserID),
		nexus.WithToken(id.Token),
	)
	return client, id
}

// sessionConfig maps the realtime settings onto the component configs.
func sessionConfig(c *config.Config, notifier nexus.Notifier) nexus.SessionConfig {
	rt := c.Realtime
	return nexus.SessionConfig{
		Channel: nexus.ChannelConfig{
			URL:                  c.Server.WSURL,
			MaxReconnectAttempts: rt.MaxReconnectAttempts,
			ReconnectBaseDelay:   rt.ReconnectBaseDelay.Std(),
			ReconnectMaxDelay:    rt.ReconnectMaxDelay.Std(),
			HeartbeatInterval:    rt.HeartbeatInterval.Std(),
		},
		Poller: nexus.PollerConfig{
			Grace:    rt.PollGrace.Std(),
			Interval: rt.PollInterval.Std(),
		},
		Typing:   nexus.TypingConfig{Idle: rt.TypingIdle.Std()},
		Notifier: notifier,
		Logger:   logger,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 16 {
		if len(key) <= 8 {
			return "****"
		}
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
