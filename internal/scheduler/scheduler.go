// Package scheduler supervises the workers of a monitor process. It relays
// coordinator signals to them, serves search requests on searcher accounts
// and runs periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"leadwatch/internal/balancer"
	"leadwatch/internal/coordinator"
	"leadwatch/internal/model"
)

// Runner is a worker as seen by the scheduler.
type Runner interface {
	Name() string
	Start(ctx context.Context) error
	Reload(force bool)
	Search(ctx context.Context, query string) ([]model.SearchResult, error)
}

// Signals delivers coordinator traffic.
type Signals interface {
	SubscribeReload(fn func(coordinator.ReloadSignal)) (*nats.Subscription, error)
	SubscribeInvalidations(fn func(coordinator.Invalidation)) (*nats.Subscription, error)
	ServeSearch(ctx context.Context, worker string, fn coordinator.SearchFunc) error
}

// Cache is the rules cache shared by the workers.
type Cache interface {
	InvalidateConfiguration(configurationID int64)
	InvalidateSource(sourceID int64)
	Purge()
}

// Maintenance runs assignment upkeep.
type Maintenance interface {
	Stats(ctx context.Context) ([]balancer.WorkerStat, error)
	RebalanceAll(ctx context.Context) (balancer.Report, error)
}

// Options holds cron specs. An empty spec disables the job.
type Options struct {
	StatsSpec     string
	RebalanceSpec string
}

// Scheduler runs a set of workers until its context is cancelled.
type Scheduler struct {
	workers   []Runner
	searchers map[string]bool
	signals   Signals
	cache     Cache
	maint     Maintenance
	cron      *cron.Cron
	log       zerolog.Logger

	// ctx is set by Run for cron jobs.
	ctx context.Context
}

// New creates a scheduler. signals may be nil when no coordinator is
// configured; workers then only reconcile on their own interval.
func New(workers []Runner, accounts []model.Account, signals Signals, cache Cache, maint Maintenance,
	opts Options, log zerolog.Logger,
) (*Scheduler, error) {
	s := &Scheduler{
		workers:   workers,
		searchers: make(map[string]bool),
		signals:   signals,
		cache:     cache,
		maint:     maint,
		log:       log.With().Str("component", "scheduler").Logger(),
	}
	for _, acc := range accounts {
		if acc.Searcher {
			s.searchers[acc.Name] = true
		}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if opts.StatsSpec != "" {
		if _, err := s.cron.AddFunc(opts.StatsSpec, s.reportStats); err != nil {
			return nil, fmt.Errorf("stats schedule %q: %w", opts.StatsSpec, err)
		}
	}
	if opts.RebalanceSpec != "" {
		if _, err := s.cron.AddFunc(opts.RebalanceSpec, s.rebalance); err != nil {
			return nil, fmt.Errorf("rebalance schedule %q: %w", opts.RebalanceSpec, err)
		}
	}
	return s, nil
}

// Run starts every worker and blocks until ctx is cancelled or a worker
// fails. Workers drain before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	s.ctx = ctx

	if s.signals != nil {
		reloadSub, err := s.signals.SubscribeReload(s.onReload)
		if err != nil {
			return err
		}
		defer func() { _ = reloadSub.Unsubscribe() }()

		invSub, err := s.signals.SubscribeInvalidations(s.onInvalidation)
		if err != nil {
			return err
		}
		defer func() { _ = invSub.Unsubscribe() }()
	}

	for _, w := range s.workers {
		g.Go(func() error {
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("worker %s: %w", w.Name(), err)
			}
			return nil
		})
		if s.signals != nil && s.searchers[w.Name()] {
			g.Go(func() error {
				return s.signals.ServeSearch(ctx, w.Name(), w.Search)
			})
		}
	}

	s.cron.Start()
	s.log.Info().Int("workers", len(s.workers)).Int("jobs", len(s.cron.Entries())).Msg("scheduler started")

	err := g.Wait()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
	return err
}

func (s *Scheduler) onReload(sig coordinator.ReloadSignal) {
	for _, w := range s.workers {
		if sig.Targets(w.Name()) {
			w.Reload(sig.Force)
		}
	}
}

func (s *Scheduler) onInvalidation(inv coordinator.Invalidation) {
	if s.cache == nil {
		return
	}
	if inv.ConfigurationID == 0 && inv.SourceID == 0 {
		s.cache.Purge()
		return
	}
	if inv.ConfigurationID != 0 {
		s.cache.InvalidateConfiguration(inv.ConfigurationID)
	}
	if inv.SourceID != 0 {
		s.cache.InvalidateSource(inv.SourceID)
	}
}

func (s *Scheduler) reportStats() {
	stats, err := s.maint.Stats(s.ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("collect stats")
		return
	}
	for _, st := range stats {
		ev := s.log.Debug()
		if st.Overloaded || st.Unreachable > 0 {
			ev = s.log.Warn()
		}
		ev.Str("worker", st.Name).
			Int("sources", st.Sources).
			Int("capacity", st.Capacity).
			Float64("load_percent", st.LoadPercent).
			Int("unreachable", st.Unreachable).
			Msg("worker load")
	}
}

func (s *Scheduler) rebalance() {
	report, err := s.maint.RebalanceAll(s.ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled rebalance")
		return
	}
	if report.Changed == 0 {
		return
	}
	for _, w := range s.workers {
		w.Reload(false)
	}
}
