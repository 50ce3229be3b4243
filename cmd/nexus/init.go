package main

import (
	"fmt"

	"github.com/spf13/cobra"

	nexus "github.com/phongnd2802/nexus-collaboration-sub002"
	"github.com/phongnd2802/nexus-collaboration-sub002/internal/config"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store an access token in ~/.nexus/config.toml",
	Long:  "Initialize the Nexus CLI by storing your access token. The user id is read from the token subject.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := nexus.IdentityFromToken(args[0])
		if err != nil {
			return fmt.Errorf("invalid token: %w", err)
		}
		return saveIdentity(id)
	},
}

// saveIdentity writes the token and user id to the config file.
func saveIdentity(id nexus.Identity) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}
	file, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	file.Auth.Token = id.Token
	file.Auth.UserID = id.UserID

	if err := config.Save(path, file); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("Signed in as %s; token saved to %s\n", id.UserID, path)
	return nil
}
