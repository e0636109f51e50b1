package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"leadwatch/internal/balancer"
	"leadwatch/internal/config"
	"leadwatch/internal/controlplane"
	"leadwatch/internal/coordinator"
	"leadwatch/internal/model"
	"leadwatch/internal/natstest"
	"leadwatch/internal/storage"
)

type harness struct {
	store *storage.SQLite
	coord *coordinator.Coordinator
	svc   *controlplane.Service
}

func newHarness(t *testing.T, withNATS bool) *harness {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{store: store}
	accounts := []model.Account{{Name: "w1", Capacity: 2, Searcher: true}, {Name: "w2", Capacity: 2}}
	bal := balancer.New(store, accounts, zerolog.Nop(), nil)
	opts := controlplane.Options{GCOnLastDetach: true, SearchTimeout: 5 * time.Second}

	if !withNATS {
		h.svc = controlplane.New(store, bal, nil, opts, zerolog.Nop())
		return h
	}
	_, nc := natstest.StartEmbedded(t)
	h.coord, err = coordinator.New(context.Background(), nc, coordinator.Config{Prefix: "cli"}, zerolog.Nop())
	require.NoError(t, err)
	h.svc = controlplane.New(store, bal, h.coord, opts, zerolog.Nop())
	return h
}

func (h *harness) open(context.Context, *config.Config) (*controlplane.Service, func() error, error) {
	return h.svc, func() error { return nil }, nil
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, a := newRoot(h.open)
	defer a.close()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := h.run(t, args...)
	require.NoError(t, err, "leadctl %s: %s", strings.Join(args, " "), out)
	return out
}

func TestSourceAdd(t *testing.T) {
	h := newHarness(t, false)

	out := h.mustRun(t, "source", "add", "t.me/Flats")
	require.Equal(t, "#1 https://t.me/flats [pending] owner=w1\n", out)

	out = h.mustRun(t, "source", "add", "@flats")
	require.Contains(t, out, "#1 ")

	out = h.mustRun(t, "source", "add", "https://t.me/rooms")
	require.Contains(t, out, "owner=w2")

	_, err := h.run(t, "source", "add", "not a link")
	require.ErrorIs(t, err, controlplane.ErrInvalidArgument)
}

func TestConfigurationCommands(t *testing.T) {
	h := newHarness(t, false)

	require.Equal(t, "Configuration #1 \"Flats downtown\" created.\n", h.mustRun(t, "config", "create", "777", "Flats", "downtown"))
	require.Equal(t, "#1 Flats downtown\n", h.mustRun(t, "config", "list", "777"))
	require.Equal(t, "No configurations.\n", h.mustRun(t, "config", "list", "778"))

	require.Contains(t, h.mustRun(t, "config", "attach", "1", "@flats"), "owner=w1")
	require.Contains(t, h.mustRun(t, "config", "sources", "1"), "https://t.me/flats")
	require.Equal(t, "w1\n", h.mustRun(t, "config", "owner", "1"))

	require.Equal(t, "K1 apartment (include)\n", h.mustRun(t, "keyword", "add", "1", "apartment"))
	require.Equal(t, "K2 sold (exclude)\n", h.mustRun(t, "kw", "add", "-x", "1", "sold"))
	require.Equal(t, "K1 apartment (include)\nK2 sold (exclude)\n", h.mustRun(t, "keyword", "list", "1"))
	require.Equal(t, "Keyword K2 removed.\n", h.mustRun(t, "keyword", "rm", "K2"))

	require.Equal(t, "F1 rent | buy\n", h.mustRun(t, "filter", "add", "1", "rent", "|", "buy"))
	_, err := h.run(t, "filter", "add", "1", "rent +")
	require.ErrorIs(t, err, controlplane.ErrInvalidArgument)
	require.Equal(t, "F1 rent | buy\n", h.mustRun(t, "filter", "list", "1"))
	require.Equal(t, "Filter F1 removed.\n", h.mustRun(t, "filter", "rm", "1"))
	require.Equal(t, "No filters.\n", h.mustRun(t, "filter", "list", "1"))

	require.Equal(t, "Source #1 detached from configuration #1.\n", h.mustRun(t, "config", "detach", "1", "1"))
	require.Equal(t, "No sources.\n", h.mustRun(t, "config", "sources", "1"))

	_, err = h.run(t, "config", "attach", "0", "@flats")
	require.Error(t, err)
}

func TestLeads(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.mustRun(t, "config", "create", "777", "Flats")
	h.mustRun(t, "config", "attach", "1", "@flats")
	require.Equal(t, "No leads yet.\n", h.mustRun(t, "leads", "1"))

	for i := int64(1); i <= 3; i++ {
		_, err := h.store.CreateLeadMatch(ctx, &model.LeadMatch{
			ConfigurationID: 1,
			SourceID:        1,
			MessageID:       i,
			Text:            "apartment for rent",
			Link:            "https://t.me/flats/1",
			Keywords:        []string{"apartment"},
			Worker:          "w1",
		})
		require.NoError(t, err)
	}

	var leads []model.LeadMatch
	require.NoError(t, json.Unmarshal([]byte(h.mustRun(t, "leads", "1", "-n", "2", "--json")), &leads))
	require.Len(t, leads, 2)
	require.Equal(t, []string{"apartment"}, leads[0].Keywords)
}

func TestStatsAndRebalance(t *testing.T) {
	h := newHarness(t, false)
	for _, link := range []string{"@alpha", "@bravo", "@charlie"} {
		h.mustRun(t, "source", "add", link)
	}

	var stats []balancer.WorkerStat
	require.NoError(t, json.Unmarshal([]byte(h.mustRun(t, "--json", "stats")), &stats))
	got := make(map[string]int)
	for _, st := range stats {
		got[st.Name] = st.Sources
	}
	if diff := cmp.Diff(map[string]int{"w1": 2, "w2": 1}, got); diff != "" {
		t.Errorf("sources per worker mismatch (-want +got):\n%s", diff)
	}
	require.Contains(t, h.mustRun(t, "stats"), "total: 3 sources, 0 unreachable")

	require.Equal(t, "Rebalanced 3 sources, 0 moved.\n", h.mustRun(t, "rebalance"))
	require.Equal(t, "Source #1 already belongs to w1.\n", h.mustRun(t, "assign", "1"))
}

func TestSignalsWithoutCoordinator(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.run(t, "reload")
	require.ErrorIs(t, err, controlplane.ErrNoCoordinator)
	_, err = h.run(t, "search", "flats")
	require.ErrorIs(t, err, controlplane.ErrNoCoordinator)
	_, err = h.run(t, "poll", "req-1")
	require.ErrorIs(t, err, controlplane.ErrNoCoordinator)
}

func TestReload(t *testing.T) {
	h := newHarness(t, true)

	var mu sync.Mutex
	var got []coordinator.ReloadSignal
	sub, err := h.coord.SubscribeReload(func(sig coordinator.ReloadSignal) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, sig)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	require.Equal(t, "Reload sent to w2.\n", h.mustRun(t, "reload", "--force", "-w", "w2"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, coordinator.ReloadSignal{Force: true, Worker: "w2"}, got[0])
}

func TestSearch(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.coord.ServeSearch(ctx, "w1", func(_ context.Context, query string) ([]model.SearchResult, error) {
			if query == "nothing" {
				return nil, nil
			}
			return []model.SearchResult{{
				Username:    "flats",
				Title:       "Flats",
				Link:        "https://t.me/flats",
				Subscribers: 1200,
				Type:        "supergroup",
				Relevance:   3,
			}}, nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	out := h.mustRun(t, "search", "flats", "for", "rent")
	require.Equal(t, "[1] Flats (supergroup)\n    https://t.me/flats  1200 members  relevance 3\n", out)

	require.Equal(t, "[]\n", h.mustRun(t, "search", "nothing", "--json"))

	id := strings.TrimSpace(h.mustRun(t, "search", "--async", "flats"))
	require.NotEmpty(t, id)
	var answered string
	require.Eventually(t, func() bool {
		out, err := h.run(t, "poll", id)
		if err != nil || out == "No answer yet.\n" {
			return false
		}
		answered = out
		return true
	}, 5*time.Second, 20*time.Millisecond)
	require.Contains(t, answered, "[1] Flats")
	require.Equal(t, "No answer yet.\n", h.mustRun(t, "poll", id))
}
