package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/swupdate/client/internal/metrics"
	"github.com/netbirdio/swupdate/client/internal/updatemanager"
	"github.com/netbirdio/swupdate/client/internal/updatemanager/platform"
	"github.com/netbirdio/swupdate/client/internal/updatemanager/platform/manifest"
	"github.com/netbirdio/swupdate/client/server"
)

const shutdownTimeout = 10 * time.Second

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "watches the version endpoint until a newer build is applied",
	Long: "Watches the version endpoint and reports newer builds. A candidate is applied over the control API " +
		"with POST /api/update/apply, after which the command exits so the new build can be started.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := resolveConfig(cmd, configPath)
		if err != nil {
			return err
		}
		if cfg.Endpoint == "" {
			return errors.New("no version endpoint configured, set --endpoint or the config file")
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		return watch(ctx, cancel, cmd, cfg)
	},
}

func watch(ctx context.Context, cancel context.CancelFunc, cmd *cobra.Command, cfg Config) error {
	reloaded := make(chan string, 1)
	p := manifest.New(
		manifest.WithCurrentVersion(cfg.CurrentVersion),
		manifest.WithReloadFunc(func(version string) {
			select {
			case reloaded <- version:
			default:
			}
			cancel()
		}),
	)

	m := updateMetrics(cfg.Metrics)

	sessionCfg := cfg.sessionConfig()
	sessionCfg.OnRegistered = func(platform.Registration) {
		log.Infof("watching %s", cfg.Endpoint)
	}
	sessionCfg.OnRegisterError = func(err error) {
		log.Errorf("failed to register %s: %v", cfg.Endpoint, err)
	}
	sessionCfg.OnNeedRefresh = func() {
		cmd.Println("a new version is available, apply it over the control API")
	}
	sessionCfg.OnOfflineReady = func() {
		cmd.Printf("version %s installed\n", p.Controller())
	}

	coord := updatemanager.NewCoordinator(p, sessionCfg).WithMetrics(m)
	coord.Start(ctx)

	var srv *server.Server
	if cfg.ListenAddress != "" {
		srv = server.New(coord, m, p.Controller)
		if err := srv.Start(cfg.ListenAddress); err != nil {
			coord.Stop()
			return err
		}
	}

	<-ctx.Done()

	if err := shutdown(srv, coord); err != nil {
		return err
	}

	select {
	case v := <-reloaded:
		cmd.Printf("version %s activated, restart to run it\n", v)
	default:
	}
	return nil
}

// updateMetrics returns nil when metrics are disabled so the control API answers 404 on /metrics.
func updateMetrics(enabled bool) *metrics.UpdateMetrics {
	if !enabled {
		return nil
	}
	return metrics.NewUpdateMetrics(true)
}

func shutdown(srv *server.Server, coord *updatemanager.Coordinator) error {
	var merr *multierror.Error

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	coord.Stop()

	if err := merr.ErrorOrNil(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
