// Package controlplane implements the operations offered to the front-end:
// source registration, configuration editing, assignment maintenance and
// search. Workers are told about changes through the coordinator.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"leadwatch/internal/balancer"
	"leadwatch/internal/coordinator"
	"leadwatch/internal/model"
	"leadwatch/internal/provider"
	"leadwatch/internal/storage"
)

var (
	// ErrNoCoordinator is returned by signalling operations when no NATS
	// connection is configured.
	ErrNoCoordinator = errors.New("no coordinator configured")
	// ErrInvalidArgument marks rejected input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Store is the persistence used by the control plane.
type Store interface {
	CreateSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	GetSourceByLink(ctx context.Context, link string) (*model.Source, error)
	SetSourceActive(ctx context.Context, id int64, active bool) error
	DeleteSource(ctx context.Context, id int64) error

	CreateConfiguration(ctx context.Context, c *model.Configuration) error
	GetConfiguration(ctx context.Context, id int64) (*model.Configuration, error)
	ListConfigurations(ctx context.Context, ownerChatID int64) ([]model.Configuration, error)
	AttachSource(ctx context.Context, configurationID, sourceID int64) error
	DetachSource(ctx context.Context, configurationID, sourceID int64) (int, error)
	ListConfigurationSources(ctx context.Context, configurationID int64) ([]model.Source, error)

	CreateKeyword(ctx context.Context, kw *model.Keyword) error
	ListKeywords(ctx context.Context, configurationID int64) ([]model.Keyword, error)
	GetKeyword(ctx context.Context, id int64) (*model.Keyword, error)
	DeleteKeyword(ctx context.Context, id int64) error
	CreateFilter(ctx context.Context, f *model.Filter) error
	ListFilters(ctx context.Context, configurationID int64) ([]model.Filter, error)
	GetFilter(ctx context.Context, id int64) (*model.Filter, error)
	DeleteFilter(ctx context.Context, id int64) error

	ListLeadMatches(ctx context.Context, configurationID int64, limit int) ([]model.LeadMatch, error)
}

// Balancer assigns sources to workers.
type Balancer interface {
	Assign(ctx context.Context, sourceID int64) (balancer.Assignment, error)
	RebalanceAll(ctx context.Context) (balancer.Report, error)
	Stats(ctx context.Context) ([]balancer.WorkerStat, error)
	OwnerOf(ctx context.Context, configurationID int64) (string, bool, error)
}

// Signaller reaches running workers.
type Signaller interface {
	TriggerReload(ctx context.Context, sig coordinator.ReloadSignal) error
	Invalidate(ctx context.Context, inv coordinator.Invalidation) error
	SubmitSearch(ctx context.Context, query string) (string, error)
	PollSearch(ctx context.Context, requestID string) (*coordinator.SearchResponse, bool, error)
	WaitSearch(ctx context.Context, requestID string, timeout time.Duration) (*coordinator.SearchResponse, error)
}

// Options tunes the service.
type Options struct {
	// GCOnLastDetach deletes a source once no configuration references
	// it. Otherwise the source is deactivated and released.
	GCOnLastDetach bool
	SearchTimeout  time.Duration
}

// Service implements the control-plane operations.
type Service struct {
	store    Store
	balancer Balancer
	signal   Signaller
	opts     Options
	log      zerolog.Logger
}

// New creates a service. signal may be nil, in which case workers pick up
// changes on their next periodic reconcile and cache expiry.
func New(store Store, bal Balancer, signal Signaller, opts Options, log zerolog.Logger) *Service {
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 30 * time.Second
	}
	return &Service{
		store:    store,
		balancer: bal,
		signal:   signal,
		opts:     opts,
		log:      log.With().Str("component", "controlplane").Logger(),
	}
}

// RegisterSource returns the source for a chat link, creating it and
// assigning a worker when needed. If assignment fails the source stays
// registered but unowned and the error is returned.
func (s *Service) RegisterSource(ctx context.Context, rawLink string) (*model.Source, error) {
	link, err := provider.NormalizeLink(rawLink)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	src, err := s.store.GetSourceByLink(ctx, link)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		src = &model.Source{Link: link, IsActive: true}
		if err := s.store.CreateSource(ctx, src); err != nil {
			return nil, fmt.Errorf("create source: %w", err)
		}
		s.log.Info().Int64("source_id", src.ID).Str("link", link).Msg("source registered")
	case err != nil:
		return nil, fmt.Errorf("get source: %w", err)
	case !src.IsActive:
		if err := s.store.SetSourceActive(ctx, src.ID, true); err != nil {
			return nil, fmt.Errorf("activate source: %w", err)
		}
		src.IsActive = true
	}

	if src.Owner != "" {
		return src, nil
	}
	a, err := s.Assign(ctx, src.ID)
	if err != nil {
		return src, err
	}
	src.Owner = a.Worker
	return src, nil
}

// Assign picks a worker for a source and tells it to reconcile.
func (s *Service) Assign(ctx context.Context, sourceID int64) (balancer.Assignment, error) {
	a, err := s.balancer.Assign(ctx, sourceID)
	if err != nil {
		return a, fmt.Errorf("assign source %d: %w", sourceID, err)
	}
	if a.Changed {
		s.reload(ctx, coordinator.ReloadSignal{Worker: a.Worker})
	}
	return a, nil
}

// RebalanceAll spreads every active source evenly and tells every worker
// to reconcile when anything moved.
func (s *Service) RebalanceAll(ctx context.Context) (balancer.Report, error) {
	report, err := s.balancer.RebalanceAll(ctx)
	if err != nil {
		return report, fmt.Errorf("rebalance: %w", err)
	}
	if report.Changed > 0 {
		s.reload(ctx, coordinator.ReloadSignal{})
	}
	return report, nil
}

// Stats reports the load of every worker.
func (s *Service) Stats(ctx context.Context) ([]balancer.WorkerStat, error) {
	return s.balancer.Stats(ctx)
}

// OwnerOf returns the worker serving a configuration.
func (s *Service) OwnerOf(ctx context.Context, configurationID int64) (string, bool, error) {
	return s.balancer.OwnerOf(ctx, configurationID)
}

// TriggerReload asks workers to reconcile. A forced reload also retries
// unreachable sources. An empty worker addresses every worker.
func (s *Service) TriggerReload(ctx context.Context, force bool, worker string) error {
	if s.signal == nil {
		return ErrNoCoordinator
	}
	return s.signal.TriggerReload(ctx, coordinator.ReloadSignal{Force: force, Worker: worker})
}

// reload signals workers without failing the caller.
func (s *Service) reload(ctx context.Context, sig coordinator.ReloadSignal) {
	if s.signal == nil {
		return
	}
	if err := s.signal.TriggerReload(ctx, sig); err != nil {
		s.log.Warn().Err(err).Str("worker", sig.Worker).Msg("reload signal not sent")
	}
}

// invalidate drops cached rules in workers without failing the caller.
func (s *Service) invalidate(ctx context.Context, inv coordinator.Invalidation) {
	if s.signal == nil {
		return
	}
	if err := s.signal.Invalidate(ctx, inv); err != nil {
		s.log.Warn().Err(err).Msg("invalidation not sent")
	}
}

// SubmitSearch queues a search and returns its request ID.
func (s *Service) SubmitSearch(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("%w: empty search query", ErrInvalidArgument)
	}
	if s.signal == nil {
		return "", ErrNoCoordinator
	}
	return s.signal.SubmitSearch(ctx, query)
}

// PollSearch returns the answer to a search if it has arrived.
func (s *Service) PollSearch(ctx context.Context, requestID string) (*coordinator.SearchResponse, bool, error) {
	if s.signal == nil {
		return nil, false, ErrNoCoordinator
	}
	return s.signal.PollSearch(ctx, requestID)
}

// Search submits a query and waits for its answer. A searcher-side
// failure is returned as an error.
func (s *Service) Search(ctx context.Context, query string) ([]model.SearchResult, error) {
	id, err := s.SubmitSearch(ctx, query)
	if err != nil {
		return nil, err
	}
	resp, err := s.signal.WaitSearch(ctx, id, s.opts.SearchTimeout)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, fmt.Errorf("search by %s: %w", resp.Worker, err)
	}
	return resp.Results, nil
}
