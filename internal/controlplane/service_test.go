package controlplane

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"leadwatch/internal/balancer"
	"leadwatch/internal/coordinator"
	"leadwatch/internal/model"
	"leadwatch/internal/storage"
)

type mockSignaller struct {
	mu            sync.Mutex
	reloads       []coordinator.ReloadSignal
	invalidations []coordinator.Invalidation
	queries       []string
	response      *coordinator.SearchResponse
	waitErr       error
}

func (m *mockSignaller) TriggerReload(_ context.Context, sig coordinator.ReloadSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads = append(m.reloads, sig)
	return nil
}

func (m *mockSignaller) Invalidate(_ context.Context, inv coordinator.Invalidation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidations = append(m.invalidations, inv)
	return nil
}

func (m *mockSignaller) SubmitSearch(_ context.Context, query string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
	return "req-1", nil
}

func (m *mockSignaller) PollSearch(context.Context, string) (*coordinator.SearchResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.response, m.response != nil, nil
}

func (m *mockSignaller) WaitSearch(context.Context, string, time.Duration) (*coordinator.SearchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waitErr != nil {
		return nil, m.waitErr
	}
	return m.response, nil
}

var accounts = []model.Account{{Name: "w1", Capacity: 2}, {Name: "w2", Capacity: 2}}

func newTestService(t *testing.T, accs []model.Account, opts Options) (*Service, *storage.SQLite, *mockSignaller) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sig := &mockSignaller{}
	bal := balancer.New(store, accs, zerolog.Nop(), nil)
	return New(store, bal, sig, opts, zerolog.Nop()), store, sig
}

func TestRegisterSource(t *testing.T) {
	ctx := context.Background()
	svc, _, sig := newTestService(t, accounts, Options{})

	first, err := svc.RegisterSource(ctx, "@Flats")
	if err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	if first.Link != "https://t.me/flats" || first.Owner != "w1" {
		t.Errorf("source = %+v, want flats owned by w1", first)
	}

	again, err := svc.RegisterSource(ctx, "t.me/flats")
	if err != nil {
		t.Fatalf("RegisterSource again: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("ID = %d, want %d", again.ID, first.ID)
	}

	second, err := svc.RegisterSource(ctx, "https://t.me/rooms")
	if err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	if second.Owner != "w2" {
		t.Errorf("owner = %q, want w2", second.Owner)
	}

	want := []coordinator.ReloadSignal{{Worker: "w1"}, {Worker: "w2"}}
	if diff := cmp.Diff(want, sig.reloads); diff != "" {
		t.Errorf("reloads mismatch (-want +got):\n%s", diff)
	}
}

func TestRegisterSourceInvalidLink(t *testing.T) {
	svc, _, _ := newTestService(t, accounts, Options{})
	_, err := svc.RegisterSource(context.Background(), "https://example.com/x")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestRegisterSourceWithoutWorkers(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, nil, Options{})

	src, err := svc.RegisterSource(ctx, "@flats")
	if !errors.Is(err, balancer.ErrNoWorkersConfigured) {
		t.Fatalf("err = %v, want ErrNoWorkersConfigured", err)
	}
	got, err := store.GetSource(ctx, src.ID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if got.Owner != "" || !got.IsActive {
		t.Errorf("source = %+v, want active and unowned", got)
	}
}

func TestDetachSource(t *testing.T) {
	tests := []struct {
		name       string
		gc         bool
		wantExists bool
	}{
		{name: "garbage collected", gc: true, wantExists: false},
		{name: "deactivated", gc: false, wantExists: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			svc, store, sig := newTestService(t, accounts, Options{GCOnLastDetach: tt.gc})

			a, err := svc.CreateConfiguration(ctx, 1, "a")
			if err != nil {
				t.Fatalf("CreateConfiguration: %v", err)
			}
			b, err := svc.CreateConfiguration(ctx, 2, "b")
			if err != nil {
				t.Fatalf("CreateConfiguration: %v", err)
			}
			src, err := svc.AttachSource(ctx, a.ID, "@flats")
			if err != nil {
				t.Fatalf("AttachSource: %v", err)
			}
			if _, err := svc.AttachSource(ctx, b.ID, "https://t.me/flats"); err != nil {
				t.Fatalf("AttachSource: %v", err)
			}

			if err := svc.DetachSource(ctx, a.ID, src.ID); err != nil {
				t.Fatalf("DetachSource: %v", err)
			}
			if _, err := store.GetSource(ctx, src.ID); err != nil {
				t.Fatalf("source gone while still attached: %v", err)
			}

			if err := svc.DetachSource(ctx, b.ID, src.ID); err != nil {
				t.Fatalf("DetachSource: %v", err)
			}
			got, err := store.GetSource(ctx, src.ID)
			if !tt.wantExists {
				if !errors.Is(err, storage.ErrNotFound) {
					t.Fatalf("GetSource err = %v, want ErrNotFound", err)
				}
			} else {
				if err != nil {
					t.Fatalf("GetSource: %v", err)
				}
				if got.IsActive || got.Owner != "" {
					t.Errorf("source = %+v, want inactive and unowned", got)
				}
			}

			wantInv := []coordinator.Invalidation{
				{SourceID: src.ID}, {SourceID: src.ID}, {SourceID: src.ID}, {SourceID: src.ID},
			}
			if diff := cmp.Diff(wantInv, sig.invalidations); diff != "" {
				t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
			}
			last := sig.reloads[len(sig.reloads)-1]
			if last.Worker != "w1" {
				t.Errorf("last reload = %+v, want w1", last)
			}
		})
	}
}

func TestAttachSourceUnknownConfiguration(t *testing.T) {
	svc, _, _ := newTestService(t, accounts, Options{})
	_, err := svc.AttachSource(context.Background(), 99, "@flats")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestKeywords(t *testing.T) {
	ctx := context.Background()
	svc, _, sig := newTestService(t, accounts, Options{})
	cfg, err := svc.CreateConfiguration(ctx, 1, "flats")
	if err != nil {
		t.Fatalf("CreateConfiguration: %v", err)
	}

	if _, err := svc.AddKeyword(ctx, cfg.ID, "  ", model.KeywordInclude); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty keyword err = %v", err)
	}
	if _, err := svc.AddKeyword(ctx, cfg.ID, "flat", "maybe"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad kind err = %v", err)
	}

	kw, err := svc.AddKeyword(ctx, cfg.ID, " apartment ", model.KeywordInclude)
	if err != nil {
		t.Fatalf("AddKeyword: %v", err)
	}
	if _, err := svc.AddKeyword(ctx, cfg.ID, "sold", model.KeywordExclude); err != nil {
		t.Fatalf("AddKeyword: %v", err)
	}
	if err := svc.RemoveKeyword(ctx, kw.ID); err != nil {
		t.Fatalf("RemoveKeyword: %v", err)
	}

	got, err := svc.Keywords(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("Keywords: %v", err)
	}
	if len(got) != 1 || got[0].Text != "sold" {
		t.Errorf("keywords = %+v, want only sold", got)
	}
	want := []coordinator.Invalidation{{ConfigurationID: cfg.ID}, {ConfigurationID: cfg.ID}, {ConfigurationID: cfg.ID}}
	if diff := cmp.Diff(want, sig.invalidations); diff != "" {
		t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
	}
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, accounts, Options{})
	cfg, err := svc.CreateConfiguration(ctx, 1, "flats")
	if err != nil {
		t.Fatalf("CreateConfiguration: %v", err)
	}

	for _, bad := range []string{"", "buy +", "| rent", "buy + + house"} {
		if _, err := svc.AddFilter(ctx, cfg.ID, bad); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("AddFilter(%q) err = %v, want ErrInvalidArgument", bad, err)
		}
	}

	f, err := svc.AddFilter(ctx, cfg.ID, "buy + house | flat")
	if err != nil {
		t.Fatalf("AddFilter: %v", err)
	}
	got, err := svc.Filters(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("Filters: %v", err)
	}
	if len(got) != 1 || got[0].Expression != "buy + house | flat" {
		t.Errorf("filters = %+v", got)
	}
	if err := svc.RemoveFilter(ctx, f.ID); err != nil {
		t.Fatalf("RemoveFilter: %v", err)
	}
	if err := svc.RemoveFilter(ctx, f.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second RemoveFilter err = %v, want ErrNotFound", err)
	}
}

func TestRebalanceAllSignalsOnChange(t *testing.T) {
	ctx := context.Background()
	svc, store, sig := newTestService(t, accounts, Options{})
	for _, link := range []string{"https://t.me/a", "https://t.me/b"} {
		src := model.Source{Link: link, Owner: "w1", IsActive: true}
		if err := store.CreateSource(ctx, &src); err != nil {
			t.Fatalf("CreateSource: %v", err)
		}
	}

	report, err := svc.RebalanceAll(ctx)
	if err != nil {
		t.Fatalf("RebalanceAll: %v", err)
	}
	if report.Changed != 1 {
		t.Errorf("changed = %d, want 1", report.Changed)
	}
	if _, err := svc.RebalanceAll(ctx); err != nil {
		t.Fatalf("RebalanceAll: %v", err)
	}
	if diff := cmp.Diff([]coordinator.ReloadSignal{{}}, sig.reloads); diff != "" {
		t.Errorf("reloads mismatch (-want +got):\n%s", diff)
	}
}

func TestWithoutCoordinator(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc := New(store, balancer.New(store, accounts, zerolog.Nop(), nil), nil, Options{}, zerolog.Nop())

	if err := svc.TriggerReload(ctx, true, ""); !errors.Is(err, ErrNoCoordinator) {
		t.Errorf("TriggerReload err = %v", err)
	}
	if _, err := svc.SubmitSearch(ctx, "flats"); !errors.Is(err, ErrNoCoordinator) {
		t.Errorf("SubmitSearch err = %v", err)
	}
	if _, _, err := svc.PollSearch(ctx, "x"); !errors.Is(err, ErrNoCoordinator) {
		t.Errorf("PollSearch err = %v", err)
	}
	// Mutations still work and only skip signalling.
	if _, err := svc.RegisterSource(ctx, "@flats"); err != nil {
		t.Errorf("RegisterSource: %v", err)
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	svc, _, sig := newTestService(t, accounts, Options{})

	if _, err := svc.Search(ctx, "   "); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty query err = %v", err)
	}

	results := []model.SearchResult{{Username: "@flats", Title: "Flats", Link: "https://t.me/flats", Type: "channel", Relevance: 5}}
	sig.response = &coordinator.SearchResponse{RequestID: "req-1", Worker: "w1", Results: results}
	got, err := svc.Search(ctx, " flats ")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if diff := cmp.Diff(results, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"flats"}, sig.queries); diff != "" {
		t.Errorf("queries mismatch (-want +got):\n%s", diff)
	}

	sig.response = &coordinator.SearchResponse{RequestID: "req-1", Worker: "w1", Error: "flood"}
	if _, err := svc.Search(ctx, "flats"); err == nil {
		t.Error("expected searcher error")
	}

	sig.waitErr = coordinator.ErrSearchTimeout
	if _, err := svc.Search(ctx, "flats"); !errors.Is(err, coordinator.ErrSearchTimeout) {
		t.Errorf("err = %v, want ErrSearchTimeout", err)
	}
}
