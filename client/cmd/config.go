package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/swupdate/client/internal/updatemanager"
	"github.com/netbirdio/swupdate/client/internal/updatemanager/registration"
	"github.com/netbirdio/swupdate/util"
	"github.com/netbirdio/swupdate/version"
)

const (
	endpointFlag       = "endpoint"
	updateIntervalFlag = "update-interval"
	enabledFlag        = "enabled"
	modeFlag           = "mode"
	scopeFlag          = "scope"
	currentVersionFlag = "current-version"
	listenFlag         = "listen"
	metricsFlag        = "metrics"

	defaultListenAddress = "127.0.0.1:8089"
)

// Config is the persisted configuration of the watch command
type Config struct {
	Endpoint       string        `json:"endpoint"`
	Interval       util.Duration `json:"interval"`
	Enabled        bool          `json:"enabled"`
	Mode           string        `json:"mode"`
	Scope          string        `json:"scope,omitempty"`
	CurrentVersion string        `json:"current_version,omitempty"`
	ListenAddress  string        `json:"listen_address"`
	Metrics        bool          `json:"metrics"`
}

var (
	flagConfig = defaultConfig()

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "manage the swupdate config file",
	}

	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "writes a config file from the defaults and the given flags",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, "")
			if err != nil {
				return err
			}
			if err := util.WriteJson(cmd.Context(), configPath, cfg); err != nil {
				return fmt.Errorf("write config %s: %w", configPath, err)
			}
			cmd.Printf("config written to %s\n", configPath)
			return nil
		},
	}

	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "prints the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, configPath)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg, "", "    ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
)

func defaultConfig() Config {
	return Config{
		Interval:       util.Duration{Duration: updatemanager.DefaultInterval},
		Enabled:        true,
		Mode:           registration.ModeRegister.String(),
		CurrentVersion: version.Version(),
		ListenAddress:  defaultListenAddress,
	}
}

func addSessionFlags(cmd *cobra.Command) {
	defaults := defaultConfig()
	cmd.Flags().StringVar(&flagConfig.Endpoint, endpointFlag, defaults.Endpoint, "URL publishing the latest version as plain text")
	cmd.Flags().DurationVar(&flagConfig.Interval.Duration, updateIntervalFlag, defaults.Interval.Duration, "period of the background update check")
	cmd.Flags().BoolVar(&flagConfig.Enabled, enabledFlag, defaults.Enabled, "run periodic and trigger based update checks")
	cmd.Flags().StringVar(&flagConfig.Mode, modeFlag, defaults.Mode, "register the endpoint or only look up an existing registration [register|lookup]")
	cmd.Flags().StringVar(&flagConfig.Scope, scopeFlag, defaults.Scope, "registration scope")
	cmd.Flags().StringVar(&flagConfig.CurrentVersion, currentVersionFlag, defaults.CurrentVersion, "version running now, empty when nothing is installed, anything that is not a version runs as 0.0.0")
	cmd.Flags().StringVar(&flagConfig.ListenAddress, listenFlag, defaults.ListenAddress, "control API address, empty disables it")
	cmd.Flags().BoolVar(&flagConfig.Metrics, metricsFlag, defaults.Metrics, "collect update metrics and serve them on the control API")
}

// resolveConfig merges the defaults, the config file at path and the flags set on cmd, in that order.
// An empty path or a missing file skips the file.
func resolveConfig(cmd *cobra.Command, path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" && util.FileExists(path) {
		if _, err := util.ReadJsonWithEnvSub(path, &cfg); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		log.Debugf("loaded config from %s", path)
	}

	flags := cmd.Flags()
	if flags.Changed(endpointFlag) {
		cfg.Endpoint = flagConfig.Endpoint
	}
	if flags.Changed(updateIntervalFlag) {
		cfg.Interval = flagConfig.Interval
	}
	if flags.Changed(enabledFlag) {
		cfg.Enabled = flagConfig.Enabled
	}
	if flags.Changed(modeFlag) {
		cfg.Mode = flagConfig.Mode
	}
	if flags.Changed(scopeFlag) {
		cfg.Scope = flagConfig.Scope
	}
	if flags.Changed(currentVersionFlag) {
		cfg.CurrentVersion = flagConfig.CurrentVersion
	}
	if flags.Changed(listenFlag) {
		cfg.ListenAddress = flagConfig.ListenAddress
	}
	if flags.Changed(metricsFlag) {
		cfg.Metrics = flagConfig.Metrics
	}

	if _, err := registration.ParseMode(cfg.Mode); err != nil {
		return cfg, err
	}
	if cfg.Interval.Duration < time.Second {
		return cfg, fmt.Errorf("update interval %s is below one second", cfg.Interval)
	}
	return cfg, nil
}

// sessionConfig converts the file configuration into the configuration of an update session.
func (c Config) sessionConfig() updatemanager.Config {
	cfg := updatemanager.DefaultConfig(c.Endpoint)
	cfg.Interval = c.Interval.Duration
	cfg.Enabled = c.Enabled
	cfg.Scope = c.Scope
	// validated by resolveConfig
	cfg.Mode, _ = registration.ParseMode(c.Mode)
	return cfg
}
