package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phongnd2802/nexus-collaboration-sub002/internal/config"
)

const testToken = "abcdefghijklmnopqrstuvwxyz"

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		configShowRaw = false
		configFile = ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	t.Run("set stores the value and masks secrets", func(t *testing.T) {
		out, err := runCLI(t, "--config", path, "config", "set", "auth.token", testToken)
		require.NoError(t, err)
		assert.Contains(t, out, "auth.token = "+maskKey(testToken))
		assert.NotContains(t, out, testToken)

		stored, err := config.LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, testToken, stored.Auth.Token)
	})

	t.Run("set rejects unknown keys", func(t *testing.T) {
		_, err := runCLI(t, "--config", path, "config", "set", "server.port", "80")
		assert.Error(t, err)
	})

	t.Run("show prints effective settings", func(t *testing.T) {
		_, err := runCLI(t, "--config", path, "config", "set", "server.base_url", "http://relay:9000")
		require.NoError(t, err)

		out, err := runCLI(t, "--config", path, "config", "show")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "# effective settings"))
		assert.Contains(t, out, "http://relay:9000")
		assert.Contains(t, out, "poll_interval")
		assert.NotContains(t, out, testToken)
	})

	t.Run("show --raw prints the stored file", func(t *testing.T) {
		out, err := runCLI(t, "--config", path, "config", "show", "--raw")
		require.NoError(t, err)
		assert.Contains(t, out, testToken)
		assert.NotContains(t, out, "# effective settings")
	})

	t.Run("path", func(t *testing.T) {
		out, err := runCLI(t, "--config", path, "config", "path")
		require.NoError(t, err)
		assert.Equal(t, path+"\n", out)
	})
}
