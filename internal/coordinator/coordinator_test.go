package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"leadwatch/internal/model"
	"leadwatch/internal/natstest"
)

func newTestCoordinator(t *testing.T, ttl time.Duration) *Coordinator {
	t.Helper()
	_, nc := natstest.StartEmbedded(t)
	c, err := New(context.Background(), nc, Config{Prefix: "test", SearchTTL: ttl}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

// serve runs ServeSearch in the background until the test ends.
func serve(t *testing.T, c *Coordinator, worker string, fn SearchFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.ServeSearch(ctx, worker, fn)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestReloadBroadcast(t *testing.T) {
	ns, nc := natstest.StartEmbedded(t)
	ctx := context.Background()

	control, err := New(ctx, nc, Config{Prefix: "test"}, zerolog.Nop())
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	for _, name := range []string{"w1", "w2"} {
		c, err := New(ctx, natstest.Connect(t, ns), Config{Prefix: "test"}, zerolog.Nop())
		require.NoError(t, err)
		_, err = c.SubscribeReload(func(sig ReloadSignal) {
			if sig.Force && sig.Targets(name) {
				mu.Lock()
				got = append(got, name)
				mu.Unlock()
			}
		})
		require.NoError(t, err)
		require.NoError(t, c.nc.Flush())
	}

	require.NoError(t, control.TriggerReload(ctx, ReloadSignal{Force: true}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReloadSignalTargets(t *testing.T) {
	require.True(t, ReloadSignal{}.Targets("w1"))
	require.True(t, ReloadSignal{Worker: "w1"}.Targets("w1"))
	require.False(t, ReloadSignal{Worker: "w2"}.Targets("w1"))
}

func TestInvalidate(t *testing.T) {
	c := newTestCoordinator(t, time.Minute)
	got := make(chan Invalidation, 1)
	_, err := c.SubscribeInvalidations(func(inv Invalidation) { got <- inv })
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(context.Background(), Invalidation{ConfigurationID: 7}))
	select {
	case inv := <-got:
		require.Equal(t, Invalidation{ConfigurationID: 7}, inv)
	case <-time.After(5 * time.Second):
		t.Fatal("invalidation not received")
	}
}

func TestSearchRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, time.Minute)

	id, err := c.SubmitSearch(ctx, "flats")
	require.NoError(t, err)

	_, ok, err := c.PollSearch(ctx, id)
	require.NoError(t, err)
	require.False(t, ok, "answer present before any searcher ran")

	want := []model.SearchResult{{Username: "@flats", Title: "Flats", Link: "https://t.me/flats", Type: "channel", Relevance: 5}}
	serve(t, c, "w1", func(_ context.Context, query string) ([]model.SearchResult, error) {
		if query != "flats" {
			return nil, errors.New("unexpected query " + query)
		}
		return want, nil
	})

	resp, err := c.WaitSearch(ctx, id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, id, resp.RequestID)
	require.Equal(t, "w1", resp.Worker)
	require.Equal(t, want, resp.Results)
	require.NoError(t, resp.Err())

	_, ok, err = c.PollSearch(ctx, id)
	require.NoError(t, err)
	require.False(t, ok, "answer returned twice")
}

func TestSearchEmptyResultIsPresent(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, time.Minute)
	serve(t, c, "w1", func(context.Context, string) ([]model.SearchResult, error) {
		return nil, nil
	})

	id, err := c.SubmitSearch(ctx, "nothing")
	require.NoError(t, err)

	var resp *SearchResponse
	require.Eventually(t, func() bool {
		r, ok, err := c.PollSearch(ctx, id)
		if err != nil || !ok {
			return false
		}
		resp = r
		return true
	}, 5*time.Second, 10*time.Millisecond)
	require.NotNil(t, resp.Results)
	require.Empty(t, resp.Results)
}

func TestSearchErrorIsReported(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, time.Minute)
	serve(t, c, "w1", func(context.Context, string) ([]model.SearchResult, error) {
		return nil, errors.New("provider down")
	})

	id, err := c.SubmitSearch(ctx, "flats")
	require.NoError(t, err)
	resp, err := c.WaitSearch(ctx, id, 5*time.Second)
	require.NoError(t, err)
	require.EqualError(t, resp.Err(), "provider down")
}

func TestWaitSearchTimeout(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, time.Minute)

	id, err := c.SubmitSearch(ctx, "flats")
	require.NoError(t, err)

	_, err = c.WaitSearch(ctx, id, 200*time.Millisecond)
	require.ErrorIs(t, err, ErrSearchTimeout)
}

func TestSearchResultExpires(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, time.Second)
	serve(t, c, "w1", func(context.Context, string) ([]model.SearchResult, error) {
		return []model.SearchResult{{Username: "@a"}}, nil
	})

	id, err := c.SubmitSearch(ctx, "flats")
	require.NoError(t, err)

	// Wait for the answer without consuming it.
	require.Eventually(t, func() bool {
		_, err := c.kv.Get(ctx, id)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := c.kv.Get(ctx, id)
		return errors.Is(err, jetstream.ErrKeyNotFound)
	}, 10*time.Second, 50*time.Millisecond)

	_, ok, err := c.PollSearch(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStaleSearchRequestDropped(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, time.Minute)

	id, err := c.SubmitSearch(ctx, "flats")
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	var calls atomic.Int32
	serve(t, c, "w1", func(context.Context, string) ([]model.SearchResult, error) {
		calls.Add(1)
		return nil, nil
	})

	stream, err := c.js.Stream(ctx, c.streamName())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, err := stream.Info(ctx)
		return err == nil && info.State.Msgs == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.Zero(t, calls.Load())
	_, ok, err := c.PollSearch(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSearchHandledByOneSearcher(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, time.Minute)

	var calls atomic.Int32
	fn := func(context.Context, string) ([]model.SearchResult, error) {
		calls.Add(1)
		return []model.SearchResult{}, nil
	}
	serve(t, c, "w1", fn)
	serve(t, c, "w2", fn)

	id, err := c.SubmitSearch(ctx, "flats")
	require.NoError(t, err)
	_, err = c.WaitSearch(ctx, id, 5*time.Second)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestSlowSearchNotRedelivered(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, 4*time.Second)

	var calls atomic.Int32
	fn := func(ctx context.Context, _ string) ([]model.SearchResult, error) {
		calls.Add(1)
		select {
		case <-time.After(3 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []model.SearchResult{}, nil
	}
	serve(t, c, "w1", fn)
	serve(t, c, "w2", fn)

	id, err := c.SubmitSearch(ctx, "flats")
	require.NoError(t, err)
	resp, err := c.WaitSearch(ctx, id, 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, resp.Err())

	time.Sleep(500 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}
