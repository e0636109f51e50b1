// Package cli implements leadctl, the operator command line for the
// control plane.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"leadwatch/internal/balancer"
	"leadwatch/internal/config"
	"leadwatch/internal/controlplane"
	"leadwatch/internal/coordinator"
	"leadwatch/internal/logging"
	"leadwatch/internal/storage"
)

// Opener builds the control-plane service for one command run. The
// returned function releases everything the service holds.
type Opener func(ctx context.Context, cfg *config.Config) (*controlplane.Service, func() error, error)

type app struct {
	open       Opener
	configPath string
	jsonOut    bool

	svc     *controlplane.Service
	release func() error
}

// Execute runs leadctl with the process arguments. A nil open uses Open.
func Execute(ctx context.Context, open Opener) error {
	root, a := newRoot(open)
	defer a.close()
	return root.ExecuteContext(ctx)
}

func newRoot(open Opener) (*cobra.Command, *app) {
	if open == nil {
		open = Open
	}
	a := &app{open: open}

	root := &cobra.Command{
		Use:           "leadctl",
		Short:         "Manage monitored sources, configurations and workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			svc, release, err := a.open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			a.svc, a.release = svc, release
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("LEADWATCH_CONFIG"), "path to the YAML configuration")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		a.sourceCommand(),
		a.assignCommand(),
		a.rebalanceCommand(),
		a.statsCommand(),
		a.reloadCommand(),
		a.configurationCommand(),
		a.keywordCommand(),
		a.filterCommand(),
		a.leadsCommand(),
		a.searchCommand(),
		a.pollCommand(),
	)
	return root, a
}

func (a *app) close() {
	if a.release != nil {
		_ = a.release()
		a.release = nil
	}
}

// Open wires the service from cfg: SQLite storage, the balancer over the
// configured accounts and, when a NATS URL is set, the coordinator.
func Open(ctx context.Context, cfg *config.Config) (*controlplane.Service, func() error, error) {
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	bal := balancer.New(store, cfg.ModelAccounts(), log, nil)
	opts := controlplane.Options{
		GCOnLastDetach: cfg.Sources.GCOnLastDetach,
		SearchTimeout:  cfg.NATS.SearchTimeout,
	}

	if cfg.NATS.URL == "" {
		return controlplane.New(store, bal, nil, opts, log), store.Close, nil
	}

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("leadctl"))
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	coord, err := coordinator.New(ctx, nc, coordinator.Config{Prefix: cfg.NATS.Prefix, SearchTTL: cfg.NATS.SearchTTL}, log)
	if err != nil {
		nc.Close()
		_ = store.Close()
		return nil, nil, err
	}
	release := func() error {
		nc.Close()
		return store.Close()
	}
	return controlplane.New(store, bal, coord, opts, log), release, nil
}

func (a *app) printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

// hint rewrites errors an operator can act on.
func hint(err error) error {
	switch {
	case errors.Is(err, controlplane.ErrNoCoordinator):
		return fmt.Errorf("%w: set nats.url or NATS_URL", err)
	case errors.Is(err, balancer.ErrNoWorkersConfigured):
		return fmt.Errorf("%w: declare accounts in the configuration", err)
	}
	return err
}
