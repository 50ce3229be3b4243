package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/phongnd2802/nexus-collaboration-sub002/internal/config"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file as stored, without environment overrides or defaults")

	configCmd.AddCommand(configShowCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit client settings",
	Long: `Settings come from three layers, later ones winning:
the config file, a .env file in the working directory, and NEXUS_* variables.
Anything left unset falls back to a built-in default.`,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the settings in effect, secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !configShowRaw {
			fmt.Fprintf(out, "# effective settings (file: %s)\n", path)
			return writeSettings(out, cfg)
		}

		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(out, "%s does not exist yet; 'nexus init <token>' creates it.\n", path)
			return nil
		}
		if err != nil {
			return fmt.Errorf("cannot read config file: %w", err)
		}
		_, err = out.Write(data)
		return err
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <section.key> <value>",
	Short: "Store one setting in the config file",
	Example: `  nexus config set server.base_url http://localhost:8080
  nexus config set realtime.poll_interval 5s
  nexus config set log.format json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		// Edit the file alone so environment values are never persisted.
		stored, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		if err := config.Set(stored, args[0], args[1]); err != nil {
			return err
		}
		if err := config.Save(path, stored); err != nil {
			return err
		}

		shown := args[1]
		if isSecretKey(args[0]) {
			shown = maskKey(shown)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (saved to %s)\n", args[0], shown, path)
		return nil
	},
}

func isSecretKey(key string) bool {
	return key == "auth.token" || key == "relay.jwt_secret"
}

// writeSettings renders c as TOML with credentials masked.
func writeSettings(w io.Writer, c *config.Config) error {
	masked := *c
	if masked.Auth.Token != "" {
		masked.Auth.Token = maskKey(masked.Auth.Token)
	}
	if masked.Relay.JWTSecret != "" {
		masked.Relay.JWTSecret = maskKey(masked.Relay.JWTSecret)
	}
	data, err := toml.Marshal(masked)
	if err != nil {
		return fmt.Errorf("cannot render settings: %w", err)
	}
	_, err = w.Write(data)
	return err
}
