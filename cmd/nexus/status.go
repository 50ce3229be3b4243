package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	nexus "github.com/phongnd2802/nexus-collaboration-sub002"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the token is expired, and fetch live unread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", cfg.Server.BaseURL)
		fmt.Printf("  Socket URL:  %s\n", cfg.Server.WSURL)
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		fmt.Println()
		fmt.Println("Auth:")
		id, err := currentIdentity()
		fmt.Printf("  User ID:     %s\n", valueOrDefault(id.UserID, "(not signed in)"))
		fmt.Printf("  Status:      %s\n", tokenStatus(cfg.Auth.Token, id, err))

		if err != nil {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client := nexus.NewClient(
			nexus.WithBaseURL(cfg.Server.BaseURL),
			nexus.WithUserID(id.UserID),
			nexus.WithToken(id.Token),
		)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		unread, err := client.Unread(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread counts: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread:        %d\n", unread.UnreadCount)
		fmt.Printf("  From senders:  %d\n", len(unread.UnreadBySender))

		if teams, err := client.TeamConversations(ctx); err == nil {
			fmt.Printf("  Team chats:    %d\n", len(teams))
		}
		return nil
	},
}

func tokenStatus(token string, id nexus.Identity, err error) string {
	if token == "" {
		if id.UserID != "" {
			return "user id only (no token)"
		}
		return "none"
	}
	if err != nil {
		return "unusable: " + err.Error()
	}
	claims := jwt.MapClaims{}
	if _, _, perr := jwt.NewParser().ParseUnverified(token, claims); perr == nil {
		if exp, _ := claims.GetExpirationTime(); exp != nil {
			return fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
		}
	}
	return "valid (no expiry set)"
}
