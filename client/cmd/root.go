package cmd

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/swupdate/util"
)

var (
	configPath        string
	defaultConfigPath string
	logLevel          string
	logFile           string
	rootCmd           = &cobra.Command{
		Use:          "swupdate",
		Short:        "Watches a published build version and hands control to newer builds",
		Long:         "",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			util.SetFlagsFromEnvVars(cmd.Root())
			util.SetFlagsFromEnvVars(cmd)
			return util.InitLog(logLevel, logFile)
		},
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultConfigPath = "/etc/swupdate/config.json"
	if runtime.GOOS == "windows" {
		defaultConfigPath = os.Getenv("PROGRAMDATA") + "\\Swupdate\\config.json"
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "swupdate config file location")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets swupdate log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "console", "sets swupdate log path. If console is specified the log will be output to stdout")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	configCmd.AddCommand(configInitCmd, configShowCmd)

	addSessionFlags(watchCmd)
	addSessionFlags(configInitCmd)
	addSessionFlags(configShowCmd)
}

// SetupCloseHandler handles SIGTERM signal and exits with success
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(termCh)
		select {
		case <-ctx.Done():
			return
		case <-termCh:
		}

		log.Info("shutdown signal received")
		cancel()
	}()
}
