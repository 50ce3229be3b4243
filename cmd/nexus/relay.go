package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	nexus "github.com/phongnd2802/nexus-collaboration-sub002"
	"github.com/phongnd2802/nexus-collaboration-sub002/internal/relay"
)

var (
	relayAddr    string
	relaySeed    bool
	relayOrigins []string

	relayTokenTTL  time.Duration
	relayTokenSave bool
)

func init() {
	relayServeCmd.Flags().StringVar(&relayAddr, "addr", "", "Listen address (default from config, :8080)")
	relayServeCmd.Flags().BoolVar(&relaySeed, "seed", false, "Load demo users and a demo project")
	relayServeCmd.Flags().StringSliceVar(&relayOrigins, "origin", nil, "Allowed browser origin (repeatable)")

	relayTokenCmd.Flags().DurationVar(&relayTokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	relayTokenCmd.Flags().BoolVar(&relayTokenSave, "save", false, "Store the token in the config file")

	relayCmd.AddCommand(relayServeCmd)
	relayCmd.AddCommand(relayTokenCmd)
	rootCmd.AddCommand(relayCmd)
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run or use the local in-memory relay server",
}

var relayServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the messaging REST API and WebSocket channel from memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := relayAddr
		if addr == "" {
			addr = cfg.Relay.Addr
		}

		store := relay.NewStore()
		if relaySeed {
			store.Seed()
		}
		srv := relay.New(store, relay.Config{
			JWTSecret:      cfg.Relay.JWTSecret,
			AllowedOrigins: relayOrigins,
			Logger:         logger,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.ListenAndServe(ctx, addr)
	},
}

var relayTokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a relay access token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens := relay.NewTokenService(cfg.Relay.JWTSecret, relayTokenTTL)
		token, err := tokens.CreateForUser(args[0])
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}

		if !relayTokenSave {
			fmt.Println(token)
			return nil
		}
		id, err := nexus.IdentityFromToken(token)
		if err != nil {
			return err
		}
		return saveIdentity(id)
	},
}
