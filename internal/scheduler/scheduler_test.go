package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"leadwatch/internal/balancer"
	"leadwatch/internal/coordinator"
	"leadwatch/internal/model"
	"leadwatch/internal/natstest"
)

type fakeRunner struct {
	name     string
	startErr error

	mu      sync.Mutex
	started bool
	stopped bool
	reloads []bool
	queries []string
}

func (r *fakeRunner) Name() string { return r.name }

func (r *fakeRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	<-ctx.Done()
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRunner) Reload(force bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads = append(r.reloads, force)
}

func (r *fakeRunner) Search(_ context.Context, query string) ([]model.SearchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
	return []model.SearchResult{{Username: "@" + query, Title: r.name}}, nil
}

func (r *fakeRunner) getReloads() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.reloads...)
}

func (r *fakeRunner) state() (started, stopped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started, r.stopped
}

type fakeCache struct {
	mu             sync.Mutex
	configurations []int64
	sources        []int64
	purges         int
}

func (c *fakeCache) InvalidateConfiguration(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configurations = append(c.configurations, id)
}

func (c *fakeCache) InvalidateSource(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, id)
}

func (c *fakeCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purges++
}

type fakeMaintenance struct {
	changed    int
	rebalances int
}

func (m *fakeMaintenance) Stats(context.Context) ([]balancer.WorkerStat, error) {
	return []balancer.WorkerStat{{Name: "w1", Capacity: 1, Sources: 2, Overloaded: true}}, nil
}

func (m *fakeMaintenance) RebalanceAll(context.Context) (balancer.Report, error) {
	m.rebalances++
	return balancer.Report{Total: 2, Changed: m.changed}, nil
}

var testAccounts = []model.Account{{Name: "w1", Capacity: 2, Searcher: true}, {Name: "w2", Capacity: 2}}

// run starts s in the background and returns a function that stops it
// and returns the Run error.
func run(t *testing.T, s *Scheduler) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Error("scheduler did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func newCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	_, nc := natstest.StartEmbedded(t)
	c, err := coordinator.New(context.Background(), nc, coordinator.Config{Prefix: "sched"}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestRunStartsAndStopsWorkers(t *testing.T) {
	w1, w2 := &fakeRunner{name: "w1"}, &fakeRunner{name: "w2"}
	s, err := New([]Runner{w1, w2}, testAccounts, nil, nil, &fakeMaintenance{}, Options{}, zerolog.Nop())
	require.NoError(t, err)

	stop := run(t, s)
	require.Eventually(t, func() bool {
		a, _ := w1.state()
		b, _ := w2.state()
		return a && b
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
	for _, w := range []*fakeRunner{w1, w2} {
		_, stopped := w.state()
		require.True(t, stopped, "%s not stopped", w.name)
	}
}

func TestWorkerFailureStopsRun(t *testing.T) {
	boom := errors.New("unauthorized")
	w1, w2 := &fakeRunner{name: "w1"}, &fakeRunner{name: "w2", startErr: boom}
	s, err := New([]Runner{w1, w2}, testAccounts, nil, nil, &fakeMaintenance{}, Options{}, zerolog.Nop())
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.ErrorIs(t, err, boom)
	_, stopped := w1.state()
	require.True(t, stopped)
}

func TestReloadRelayed(t *testing.T) {
	coord := newCoordinator(t)
	w1, w2 := &fakeRunner{name: "w1"}, &fakeRunner{name: "w2"}
	s, err := New([]Runner{w1, w2}, testAccounts, coord, &fakeCache{}, &fakeMaintenance{}, Options{}, zerolog.Nop())
	require.NoError(t, err)
	run(t, s)
	ctx := context.Background()

	// The subscription is live once a broadcast reaches every worker.
	require.Eventually(t, func() bool {
		if err := coord.TriggerReload(ctx, coordinator.ReloadSignal{}); err != nil {
			return false
		}
		return len(w1.getReloads()) > 0 && len(w2.getReloads()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, coord.TriggerReload(ctx, coordinator.ReloadSignal{Force: true, Worker: "w2"}))
	require.Eventually(t, func() bool {
		r := w2.getReloads()
		return r[len(r)-1]
	}, 5*time.Second, 10*time.Millisecond)
	require.NotContains(t, w1.getReloads(), true)
}

func TestInvalidationRelayed(t *testing.T) {
	coord := newCoordinator(t)
	cache := &fakeCache{}
	s, err := New([]Runner{&fakeRunner{name: "w1"}}, testAccounts, coord, cache, &fakeMaintenance{}, Options{}, zerolog.Nop())
	require.NoError(t, err)
	run(t, s)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		if err := coord.Invalidate(ctx, coordinator.Invalidation{ConfigurationID: 3}); err != nil {
			return false
		}
		cache.mu.Lock()
		defer cache.mu.Unlock()
		return len(cache.configurations) > 0
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, coord.Invalidate(ctx, coordinator.Invalidation{SourceID: 9}))
	require.NoError(t, coord.Invalidate(ctx, coordinator.Invalidation{}))
	require.Eventually(t, func() bool {
		cache.mu.Lock()
		defer cache.mu.Unlock()
		return cmp.Equal([]int64{9}, cache.sources) && cache.purges == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSearchServedBySearcher(t *testing.T) {
	coord := newCoordinator(t)
	w1, w2 := &fakeRunner{name: "w1"}, &fakeRunner{name: "w2"}
	s, err := New([]Runner{w1, w2}, testAccounts, coord, &fakeCache{}, &fakeMaintenance{}, Options{}, zerolog.Nop())
	require.NoError(t, err)
	run(t, s)
	ctx := context.Background()

	id, err := coord.SubmitSearch(ctx, "flats")
	require.NoError(t, err)
	resp, err := coord.WaitSearch(ctx, id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "w1", resp.Worker)
	require.Equal(t, []model.SearchResult{{Username: "@flats", Title: "w1"}}, resp.Results)

	w2.mu.Lock()
	defer w2.mu.Unlock()
	require.Empty(t, w2.queries)
}

func TestInvalidSchedule(t *testing.T) {
	_, err := New(nil, nil, nil, nil, &fakeMaintenance{}, Options{StatsSpec: "every tuesday"}, zerolog.Nop())
	require.Error(t, err)
	_, err = New(nil, nil, nil, nil, &fakeMaintenance{}, Options{RebalanceSpec: "61 * * * *"}, zerolog.Nop())
	require.Error(t, err)
}

func TestMaintenanceJobs(t *testing.T) {
	w1, w2 := &fakeRunner{name: "w1"}, &fakeRunner{name: "w2"}
	maint := &fakeMaintenance{}
	s, err := New([]Runner{w1, w2}, testAccounts, nil, nil, maint,
		Options{StatsSpec: "@every 1m", RebalanceSpec: "0 4 * * *"}, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, s.cron.Entries(), 2)
	s.ctx = context.Background()

	s.reportStats()

	s.rebalance()
	require.Empty(t, w1.getReloads(), "reload without changes")

	maint.changed = 1
	s.rebalance()
	require.Equal(t, []bool{false}, w1.getReloads())
	require.Equal(t, []bool{false}, w2.getReloads())
	require.Equal(t, 2, maint.rebalances)
}
