package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/swupdate/util"
)

func TestInitCommands(t *testing.T) {
	helpFlag := "-h"
	commandArgs := [][]string{{"root", helpFlag}}
	for _, command := range rootCmd.Commands() {
		commandArgs = append(commandArgs, []string{command.Name(), command.Name(), helpFlag})
		for _, subcommand := range command.Commands() {
			commandArgs = append(commandArgs, []string{command.Name() + " " + subcommand.Name(), command.Name(), subcommand.Name(), helpFlag})
		}
	}

	for _, args := range commandArgs {
		t.Run(fmt.Sprintf("Testing Command %s", args[0]), func(t *testing.T) {
			defer func() {
				err := recover()
				if err != nil {
					t.Fatalf("got an panic error while running the command: %s -h. Error: %s", args[0], err)
				}
			}()

			rootCmd.SetArgs(args[1:])
			rootCmd.SetOut(io.Discard)
			if err := rootCmd.Execute(); err != nil {
				t.Errorf("expected no error while running %s command, got %v", args[0], err)
				return
			}
		})
	}
}

func newSessionCommand(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addSessionFlags(cmd)
	return cmd
}

func TestResolveConfig_Defaults(t *testing.T) {
	cfg, err := resolveConfig(newSessionCommand(t), filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, defaultConfig(), cfg)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "register", cfg.Mode)
	assert.Equal(t, defaultListenAddress, cfg.ListenAddress)
}

func TestResolveConfig_FileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	fileCfg := defaultConfig()
	fileCfg.Endpoint = "https://example.com/version"
	fileCfg.Interval = util.Duration{Duration: time.Minute}
	fileCfg.Mode = "lookup"
	fileCfg.Metrics = true
	require.NoError(t, util.WriteJson(context.Background(), path, fileCfg))

	cmd := newSessionCommand(t)
	require.NoError(t, cmd.Flags().Set(updateIntervalFlag, "30s"))
	require.NoError(t, cmd.Flags().Set(enabledFlag, "false"))
	require.NoError(t, cmd.Flags().Set(listenFlag, ""))

	cfg, err := resolveConfig(cmd, path)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/version", cfg.Endpoint)
	assert.Equal(t, "lookup", cfg.Mode)
	assert.True(t, cfg.Metrics)
	assert.Equal(t, 30*time.Second, cfg.Interval.Duration)
	assert.False(t, cfg.Enabled)
	assert.Empty(t, cfg.ListenAddress)

	session := cfg.sessionConfig()
	assert.Equal(t, "lookup", session.Mode.String())
	assert.Equal(t, 30*time.Second, session.Interval)
	assert.False(t, session.Enabled)
	assert.Equal(t, "https://example.com/version", session.Endpoint)
}

func TestResolveConfig_Invalid(t *testing.T) {
	testCases := []struct {
		name  string
		flag  string
		value string
	}{
		{name: "unknown mode", flag: modeFlag, value: "install"},
		{name: "interval too short", flag: updateIntervalFlag, value: "10ms"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := newSessionCommand(t)
			require.NoError(t, cmd.Flags().Set(tc.flag, tc.value))

			_, err := resolveConfig(cmd, "")
			assert.Error(t, err)
		})
	}
}

func TestResolveConfig_EnvSubstitution(t *testing.T) {
	t.Setenv("SWUPDATE_TEST_ENDPOINT", "https://env.example.com/version")
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"endpoint": "{{ .SWUPDATE_TEST_ENDPOINT }}", "interval": "2m", "enabled": true, "mode": "register"}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0600))

	cfg, err := resolveConfig(newSessionCommand(t), path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com/version", cfg.Endpoint)
	assert.Equal(t, 2*time.Minute, cfg.Interval.Duration)
}

func TestUpdateMetrics(t *testing.T) {
	assert.Nil(t, updateMetrics(false))
	assert.NotNil(t, updateMetrics(true))
}
