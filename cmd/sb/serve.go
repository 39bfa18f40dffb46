package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/api"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/coordinator"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/downstream"
	"github.com/zulandar/signalbox/internal/lease"
	"github.com/zulandar/signalbox/internal/ledger"
	"github.com/zulandar/signalbox/internal/metrics"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/reclaimer"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and background reclaimer",
		Long: `Loads the config, migrates the store, then serves the inbound API.
The reclaimer runs on its cron schedule in the same process unless
reclaimer.enabled is false. SIGINT or SIGTERM shuts down gracefully.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to signalbox config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

// service bundles the components shared by serve and reclaim.
type service struct {
	cfg       *config.Config
	db        *gorm.DB
	log       zerolog.Logger
	metrics   *metrics.Metrics
	ledger    *ledger.Ledger
	leases    lease.Manager
	notifier  notify.Notifier
	closeFunc func()
}

func (s *service) Close() {
	if s.closeFunc != nil {
		s.closeFunc()
	}
}

func buildService(ctx context.Context, configPath string) (*service, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	log, err := loggerFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	leases, closeLeases, err := leasesFromConfig(ctx, cfg, gormDB)
	if err != nil {
		return nil, err
	}
	notifier, err := notify.FromWebhooks(cfg.Notify.SlackWebhookURL, cfg.Notify.DiscordWebhookURL)
	if err != nil {
		closeLeases()
		return nil, err
	}
	return &service{
		cfg:       cfg,
		db:        gormDB,
		log:       log,
		metrics:   metrics.New(),
		ledger:    ledger.New(gormDB),
		leases:    leases,
		notifier:  notifier,
		closeFunc: closeLeases,
	}, nil
}

func (s *service) reclaimer() *reclaimer.Reclaimer {
	return &reclaimer.Reclaimer{
		Ledger:       s.ledger,
		Leases:       s.leases,
		Notifier:     s.notifier,
		Metrics:      s.metrics,
		Log:          s.log.With().Str("component", "reclaimer").Logger(),
		StaleAfter:   s.cfg.Ledger.StaleAfter,
		Retention:    s.cfg.Ledger.Retention,
		StoreTimeout: s.cfg.Server.StoreTimeout,
		Schedule:     s.cfg.Reclaimer.Schedule,
	}
}

func (s *service) coordinator() (*coordinator.Coordinator, error) {
	d := s.cfg.Downstream
	exec := downstream.New(downstream.Options{
		URL:        d.URL,
		Timeout:    d.Timeout,
		MaxRetries: d.Retries(),
		BaseDelay:  d.BaseDelay,
		MaxDelay:   d.MaxDelay,
		Jitter:     d.JitterFraction(),
	}, nil, s.log.With().Str("component", "downstream").Logger())
	exec.Observe = func(result string, elapsed time.Duration) {
		s.metrics.DownstreamAttemptsTotal.WithLabelValues(result).Inc()
		s.metrics.DownstreamLatencyMS.Observe(float64(elapsed.Milliseconds()))
	}

	return coordinator.New(coordinator.Deps{
		Ledger:   s.ledger,
		Leases:   s.leases,
		Executor: exec,
		Notifier: s.notifier,
		Metrics:  s.metrics,
		Logger:   s.log.With().Str("component", "coordinator").Logger(),
	}, coordinator.Options{
		Window:       s.cfg.Fingerprint.Window,
		LeaseTTL:     s.cfg.Lease.TTL,
		Retention:    s.cfg.Ledger.Retention,
		Lookback:     s.cfg.Ledger.Lookback,
		StaleAfter:   s.cfg.Ledger.StaleAfter,
		StoreTimeout: s.cfg.Server.StoreTimeout,
		InstanceID:   instanceID(),
	})
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "signalbox"
	}
	return host + "-" + uuid.NewString()[:8]
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	svc, err := buildService(ctx, configPath)
	if err != nil {
		return err
	}
	defer svc.Close()

	coord, err := svc.coordinator()
	if err != nil {
		return err
	}
	defer coord.Close()

	if port <= 0 {
		port = svc.cfg.Server.Port
	}

	reclaimDone := make(chan struct{})
	if svc.cfg.Reclaimer.IsEnabled() {
		go func() {
			defer close(reclaimDone)
			if err := svc.reclaimer().Start(ctx); err != nil {
				svc.log.Error().Err(err).Msg("reclaimer exited")
			}
		}()
	} else {
		close(reclaimDone)
	}

	err = api.Start(ctx, api.StartOpts{
		Coordinator: coord,
		DB:          svc.db,
		Metrics:     svc.metrics,
		Port:        port,
		Out:         cmd.OutOrStdout(),
		Log:         svc.log.With().Str("component", "api").Logger(),
	})
	cancel()
	<-reclaimDone
	return err
}
