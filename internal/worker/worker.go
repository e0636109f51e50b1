// Package worker runs one account session: it keeps the account joined to
// the sources it owns and turns inbound messages into lead matches.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"leadwatch/internal/backoff"
	"leadwatch/internal/metrics"
	"leadwatch/internal/model"
	"leadwatch/internal/notify"
	"leadwatch/internal/provider"
)

// Store is the persistence used by a worker.
type Store interface {
	ListSourcesByOwner(ctx context.Context, owner string) ([]model.Source, error)
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	MarkSourceJoined(ctx context.Context, id int64, owner string, externalID int64, title string) (bool, error)
	SetSourceStatus(ctx context.Context, id int64, owner string, status model.SourceStatus) (bool, error)
	CreateLeadMatch(ctx context.Context, m *model.LeadMatch) (bool, error)
}

// Rules resolves the configurations interested in a source.
type Rules interface {
	Configurations(ctx context.Context, sourceID int64) ([]int64, error)
	Ruleset(ctx context.Context, configurationID int64) (model.Ruleset, error)
}

// Notifier delivers lead notifications.
type Notifier interface {
	Notify(ctx context.Context, lead notify.Lead) error
}

// Config tunes a worker.
type Config struct {
	ReconcileInterval     time.Duration
	MaxConcurrentMessages int
	JoinAttempts          int
	JoinBackoffBase       time.Duration
	JoinBackoffMax        time.Duration
	JoinTimeout           time.Duration
	JoinsPerMinute        float64
	UnreachableAfter      int
	SearchAttempts        int
	NotifyTimeout         time.Duration
	DedupWindow           time.Duration
	LeaveReleased         bool
	BackoffSeed           int64
}

func (c Config) withDefaults() Config {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.MaxConcurrentMessages <= 0 {
		c.MaxConcurrentMessages = 8
	}
	if c.JoinAttempts <= 0 {
		c.JoinAttempts = 5
	}
	if c.JoinBackoffBase <= 0 {
		c.JoinBackoffBase = 2 * time.Second
	}
	if c.JoinBackoffMax <= 0 {
		c.JoinBackoffMax = 5 * time.Minute
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 30 * time.Second
	}
	if c.JoinsPerMinute <= 0 {
		c.JoinsPerMinute = 20
	}
	if c.UnreachableAfter <= 0 {
		c.UnreachableAfter = 1
	}
	if c.SearchAttempts <= 0 {
		c.SearchAttempts = 3
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 30 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 24 * time.Hour
	}
	return c
}

// State is the membership state of an owned source.
type State string

// Source states.
const (
	StateUnjoined    State = "unjoined"
	StateJoining     State = "joining"
	StateJoined      State = "joined"
	StateUnreachable State = "unreachable"
)

type sourceState struct {
	source     model.Source
	state      State
	chat       provider.Chat
	permFailed int
}

// Worker owns one account session.
type Worker struct {
	name     string
	session  provider.Session
	store    Store
	rules    Rules
	notifier Notifier
	cfg      Config
	log      zerolog.Logger
	metrics  *metrics.Metrics
	backoff  *backoff.Policy
	joins    *rate.Limiter

	mu         sync.Mutex
	sources    map[int64]*sourceState
	byExternal map[int64]int64
	// joined holds every chat joined during this process lifetime, kept
	// across releases so a source is never joined twice.
	joined map[int64]provider.Chat
	// inflight holds sources with a join goroutine running.
	inflight map[int64]bool

	reconcileMu  sync.Mutex
	reloadCh     chan struct{}
	forcePending atomic.Bool

	msgMu     sync.RWMutex
	accepting bool
	msgs      *errgroup.Group
	seen      *xsync.Map[uint64, time.Time]
	joinWG    sync.WaitGroup
	notifyWG  sync.WaitGroup
}

// New creates a worker for the named account.
func New(name string, session provider.Session, store Store, rules Rules, notifier Notifier,
	cfg Config, log zerolog.Logger, m *metrics.Metrics,
) *Worker {
	cfg = cfg.withDefaults()
	msgs := &errgroup.Group{}
	msgs.SetLimit(cfg.MaxConcurrentMessages)

	return &Worker{
		name:       name,
		session:    session,
		store:      store,
		rules:      rules,
		notifier:   notifier,
		cfg:        cfg,
		log:        log.With().Str("component", "worker").Str("worker", name).Logger(),
		metrics:    m,
		backoff:    backoff.New(cfg.JoinBackoffBase, cfg.JoinBackoffMax, 2, cfg.BackoffSeed),
		joins:      rate.NewLimiter(rate.Limit(cfg.JoinsPerMinute/60), 1),
		sources:    make(map[int64]*sourceState),
		byExternal: make(map[int64]int64),
		joined:     make(map[int64]provider.Chat),
		inflight:   make(map[int64]bool),
		reloadCh:   make(chan struct{}, 1),
		msgs:       msgs,
		seen:       xsync.NewMap[uint64, time.Time](),
	}
}

// Name returns the account name.
func (w *Worker) Name() string {
	return w.name
}

// Start connects the session, reconciles ownership and processes messages
// until ctx is cancelled. On shutdown it stops accepting messages and waits
// for in-flight messages, joins and notifications.
func (w *Worker) Start(ctx context.Context) error {
	// The session outlives ctx so in-flight work can finish during drain.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	return w.session.Run(runCtx, w.handleMessage, func(sessionCtx context.Context) error {
		w.msgMu.Lock()
		w.accepting = true
		w.msgMu.Unlock()
		defer w.drain()

		w.log.Info().Int64("self_id", w.session.SelfID()).Msg("worker started")
		if err := w.Reconcile(ctx, false); err != nil {
			w.log.Error().Err(err).Msg("initial reconcile")
		}

		ticker := time.NewTicker(w.cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				w.log.Info().Msg("worker stopping")
				return nil
			case <-sessionCtx.Done():
				w.log.Warn().Err(sessionCtx.Err()).Msg("session closed")
				return nil
			case <-ticker.C:
				if err := w.Reconcile(ctx, false); err != nil {
					w.log.Error().Err(err).Msg("reconcile")
				}
			case <-w.reloadCh:
				force := w.forcePending.Swap(false)
				if err := w.Reconcile(ctx, force); err != nil {
					w.log.Error().Err(err).Bool("force", force).Msg("reconcile on reload")
				}
			}
		}
	})
}

// Reload schedules a reconcile. Signals arriving before it runs are merged.
// A forced reload retries unreachable sources.
func (w *Worker) Reload(force bool) {
	if force {
		w.forcePending.Store(true)
	}
	select {
	case w.reloadCh <- struct{}{}:
	default:
	}
}

func (w *Worker) drain() {
	w.msgMu.Lock()
	w.accepting = false
	w.msgMu.Unlock()

	_ = w.msgs.Wait()
	w.joinWG.Wait()
	w.notifyWG.Wait()
	w.log.Info().Msg("worker drained")
}

// SourceState returns the in-memory state of an owned source.
func (w *Worker) SourceState(sourceID int64) (State, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.sources[sourceID]
	if !ok {
		return "", false
	}
	return st.state, true
}
