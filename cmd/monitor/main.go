// Command monitor runs the worker accounts: it joins assigned sources,
// matches their messages and delivers lead notifications.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"leadwatch/internal/balancer"
	"leadwatch/internal/config"
	"leadwatch/internal/coordinator"
	"leadwatch/internal/kwcache"
	"leadwatch/internal/logging"
	"leadwatch/internal/metrics"
	"leadwatch/internal/notify"
	"leadwatch/internal/provider/mtproto"
	"leadwatch/internal/scheduler"
	"leadwatch/internal/storage"
	"leadwatch/internal/worker"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "monitor",
		Short:         "Run the worker accounts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateMonitor(); err != nil {
				return err
			}
			return run(cfg, logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("LEADWATCH_CONFIG"), "path to the YAML configuration")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "monitor:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	for _, dir := range []string{filepath.Dir(cfg.DatabasePath), cfg.Telegram.SessionDir} {
		if dir == "." || dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	defer func() { _ = store.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var notifier worker.Notifier = notify.NewLog(log)
	if cfg.Telegram.BotToken != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.NotifyRate, log, m)
		if err != nil {
			return err
		}
		notifier = tg
	} else {
		log.Warn().Msg("no bot token, leads are only logged")
	}

	var signals scheduler.Signals
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("leadwatch-monitor"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("nats disconnected")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
			}),
		)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		coord, err := coordinator.New(ctx, nc, coordinator.Config{Prefix: cfg.NATS.Prefix, SearchTTL: cfg.NATS.SearchTTL}, log)
		if err != nil {
			return err
		}
		signals = coord
	} else {
		log.Warn().Msg("no nats url, reload signals and search are disabled")
	}

	cache := kwcache.New(store, cfg.Cache.KeywordTTL, cfg.Cache.SourceTTL)
	wcfg := worker.Config{
		ReconcileInterval:     cfg.Worker.ReconcileInterval,
		MaxConcurrentMessages: cfg.Worker.MaxConcurrentMessages,
		JoinAttempts:          cfg.Worker.JoinAttempts,
		JoinBackoffBase:       cfg.Worker.JoinBackoffBase,
		JoinBackoffMax:        cfg.Worker.JoinBackoffMax,
		JoinsPerMinute:        cfg.Worker.JoinsPerMinute,
		UnreachableAfter:      cfg.Worker.UnreachableAfter,
		DedupWindow:           cfg.Worker.DedupWindow,
		LeaveReleased:         cfg.Worker.LeaveReleased,
	}
	runners := make([]scheduler.Runner, 0, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		session := mtproto.New(mtproto.Config{
			AppID:       cfg.Telegram.AppID,
			AppHash:     cfg.Telegram.AppHash,
			SessionPath: cfg.SessionPath(acc),
		}, log.With().Str("worker", acc.Name).Logger())
		runners = append(runners, worker.New(acc.Name, session, store, cache, notifier, wcfg, log, m))
	}

	bal := balancer.New(store, cfg.ModelAccounts(), log, m)
	sched, err := scheduler.New(runners, cfg.ModelAccounts(), signals, cache, bal, scheduler.Options{
		StatsSpec:     cfg.Schedule.Stats,
		RebalanceSpec: cfg.Schedule.Rebalance,
	}, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           metricsMux(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("listen", cfg.Metrics.Listen).Msg("metrics server")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	go func() {
		<-ctx.Done()
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug().Err(err).Msg("systemd notify")
	}

	log.Info().Int("accounts", len(cfg.Accounts)).Str("database", cfg.DatabasePath).Msg("starting monitor")
	err = sched.Run(ctx)
	log.Info().Msg("monitor stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
