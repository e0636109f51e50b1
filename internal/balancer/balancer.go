// Package balancer assigns monitored sources to worker accounts.
package balancer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"leadwatch/internal/metrics"
	"leadwatch/internal/model"
)

// ErrNoWorkersConfigured is returned when there is no account to assign to.
var ErrNoWorkersConfigured = errors.New("no workers configured")

// Store is the assignment store used by the balancer.
type Store interface {
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	ListActiveSources(ctx context.Context) ([]model.Source, error)
	ListSourcesByOwner(ctx context.Context, owner string) ([]model.Source, error)
	CountSourcesByOwner(ctx context.Context, owner string) (int, error)
	SetSourceOwner(ctx context.Context, id int64, owner string) (bool, error)
	CountConfigurationsByOwner(ctx context.Context, owner string) (int, error)
	OwnerOfConfiguration(ctx context.Context, configurationID int64) (string, bool, error)
}

// Assignment is the outcome of Assign.
type Assignment struct {
	Worker string
	// Overloaded is set when the chosen worker was already at capacity.
	Overloaded bool
	// Changed is false when the source already belonged to Worker.
	Changed bool
}

// Report summarizes a RebalanceAll run.
type Report struct {
	Total   int
	Changed int
}

// WorkerStat is the load of one worker.
type WorkerStat struct {
	Name               string  `json:"name"`
	Capacity           int     `json:"capacity"`
	Sources            int     `json:"sources"`
	Configurations     int     `json:"configurations"`
	LoadPercent        float64 `json:"load_percent"`
	Overloaded         bool    `json:"overloaded"`
	Joined             int     `json:"joined"`
	Pending            int     `json:"pending"`
	Unreachable        int     `json:"unreachable"`
	UnreachableSources []int64 `json:"unreachable_sources,omitempty"`
}

// Balancer distributes sources over a fixed, ordered set of accounts.
type Balancer struct {
	store    Store
	accounts []model.Account
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// New creates a Balancer. Account order breaks ties.
func New(store Store, accounts []model.Account, log zerolog.Logger, m *metrics.Metrics) *Balancer {
	return &Balancer{
		store:    store,
		accounts: accounts,
		log:      log.With().Str("component", "balancer").Logger(),
		metrics:  m,
	}
}

// Accounts returns the configured accounts in declaration order.
func (b *Balancer) Accounts() []model.Account {
	return b.accounts
}

// Assign gives a source to the least-loaded account. Assignment proceeds
// even when every account is at capacity; the result is then flagged.
func (b *Balancer) Assign(ctx context.Context, sourceID int64) (Assignment, error) {
	if len(b.accounts) == 0 {
		return Assignment{}, ErrNoWorkersConfigured
	}

	src, err := b.store.GetSource(ctx, sourceID)
	if err != nil {
		return Assignment{}, fmt.Errorf("get source %d: %w", sourceID, err)
	}

	best := -1
	bestCount := 0
	for i, acc := range b.accounts {
		count, err := b.store.CountSourcesByOwner(ctx, acc.Name)
		if err != nil {
			return Assignment{}, fmt.Errorf("count sources of %s: %w", acc.Name, err)
		}
		if src.IsActive && src.Owner == acc.Name {
			count--
		}
		if best < 0 || count < bestCount {
			best, bestCount = i, count
		}
	}

	acc := b.accounts[best]
	changed, err := b.store.SetSourceOwner(ctx, sourceID, acc.Name)
	if err != nil {
		return Assignment{}, fmt.Errorf("set owner of source %d: %w", sourceID, err)
	}

	out := Assignment{Worker: acc.Name, Overloaded: bestCount >= acc.Capacity, Changed: changed}
	b.metrics.RecordAssignment(acc.Name, out.Overloaded)
	if out.Overloaded {
		b.log.Warn().Int64("source_id", sourceID).Str("worker", acc.Name).
			Int("load", bestCount).Int("capacity", acc.Capacity).
			Msg("all workers at capacity, assigning to least loaded")
	} else {
		b.log.Info().Int64("source_id", sourceID).Str("worker", acc.Name).
			Int("load", bestCount+1).Int("capacity", acc.Capacity).Bool("changed", changed).
			Msg("source assigned")
	}
	return out, nil
}

// RebalanceAll spreads every active source round-robin over the accounts
// in source ID order, writing only the assignments that change.
func (b *Balancer) RebalanceAll(ctx context.Context) (Report, error) {
	if len(b.accounts) == 0 {
		return Report{}, ErrNoWorkersConfigured
	}

	sources, err := b.store.ListActiveSources(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list active sources: %w", err)
	}

	report := Report{Total: len(sources)}
	for i, src := range sources {
		worker := b.accounts[i%len(b.accounts)].Name
		if src.Owner == worker {
			continue
		}
		changed, err := b.store.SetSourceOwner(ctx, src.ID, worker)
		if err != nil {
			return report, fmt.Errorf("set owner of source %d: %w", src.ID, err)
		}
		if changed {
			report.Changed++
		}
	}

	b.log.Info().Int("sources", report.Total).Int("workers", len(b.accounts)).
		Int("changed", report.Changed).Msg("rebalance complete")
	return report, nil
}

// Stats reports the load of every account and publishes it as metrics.
func (b *Balancer) Stats(ctx context.Context) ([]WorkerStat, error) {
	stats := make([]WorkerStat, 0, len(b.accounts))
	for _, acc := range b.accounts {
		sources, err := b.store.ListSourcesByOwner(ctx, acc.Name)
		if err != nil {
			return nil, fmt.Errorf("list sources of %s: %w", acc.Name, err)
		}
		configs, err := b.store.CountConfigurationsByOwner(ctx, acc.Name)
		if err != nil {
			return nil, fmt.Errorf("count configurations of %s: %w", acc.Name, err)
		}

		st := WorkerStat{
			Name:           acc.Name,
			Capacity:       acc.Capacity,
			Sources:        len(sources),
			Configurations: configs,
			Overloaded:     len(sources) >= acc.Capacity,
		}
		if acc.Capacity > 0 {
			st.LoadPercent = float64(len(sources)) / float64(acc.Capacity) * 100
		}
		for _, src := range sources {
			switch src.Status {
			case model.StatusJoined:
				st.Joined++
			case model.StatusUnreachable:
				st.Unreachable++
				st.UnreachableSources = append(st.UnreachableSources, src.ID)
			default:
				st.Pending++
			}
		}

		b.metrics.SetWorkerLoad(acc.Name, st.Sources, st.LoadPercent, st.Overloaded)
		stats = append(stats, st)
	}
	return stats, nil
}

// OwnerOf returns the account serving a configuration, if any of its
// sources is currently owned.
func (b *Balancer) OwnerOf(ctx context.Context, configurationID int64) (string, bool, error) {
	owner, ok, err := b.store.OwnerOfConfiguration(ctx, configurationID)
	if err != nil {
		return "", false, fmt.Errorf("owner of configuration %d: %w", configurationID, err)
	}
	return owner, ok, nil
}
