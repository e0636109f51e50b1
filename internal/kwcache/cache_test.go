package kwcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"leadwatch/internal/model"
)

type mockLoader struct {
	mu          sync.Mutex
	rules       map[int64]model.Ruleset
	sources     map[int64][]int64
	ruleLoads   int
	sourceLoads int
}

var errMissing = errors.New("missing")

func (m *mockLoader) GetRuleset(_ context.Context, id int64) (*model.Ruleset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ruleLoads++
	rs, ok := m.rules[id]
	if !ok {
		return nil, errMissing
	}
	return &rs, nil
}

func (m *mockLoader) ListSourceConfigurations(_ context.Context, id int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceLoads++
	return m.sources[id], nil
}

func (m *mockLoader) setRules(id int64, rs model.Ruleset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[id] = rs
}

func (m *mockLoader) loads() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ruleLoads, m.sourceLoads
}

func newLoader() *mockLoader {
	return &mockLoader{
		rules: map[int64]model.Ruleset{
			1: {ConfigurationID: 1, Include: []string{"flat"}},
		},
		sources: map[int64][]int64{10: {1, 2}},
	}
}

func TestRulesetCachedUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	loader := newLoader()
	c := New(loader, time.Hour, time.Hour)

	for range 3 {
		rs, err := c.Ruleset(ctx, 1)
		if err != nil {
			t.Fatalf("ruleset: %v", err)
		}
		if diff := cmp.Diff([]string{"flat"}, rs.Include); diff != "" {
			t.Errorf("include mismatch (-want +got):\n%s", diff)
		}
	}
	if rules, _ := loader.loads(); rules != 1 {
		t.Fatalf("expected 1 load, got %d", rules)
	}

	loader.setRules(1, model.Ruleset{ConfigurationID: 1, Include: []string{"room"}})
	c.InvalidateConfiguration(1)

	rs, err := c.Ruleset(ctx, 1)
	if err != nil {
		t.Fatalf("ruleset: %v", err)
	}
	if diff := cmp.Diff([]string{"room"}, rs.Include); diff != "" {
		t.Errorf("include after invalidation mismatch (-want +got):\n%s", diff)
	}
}

func TestRulesetExpires(t *testing.T) {
	ctx := context.Background()
	loader := newLoader()
	c := New(loader, time.Minute, time.Minute)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if _, err := c.Ruleset(ctx, 1); err != nil {
		t.Fatalf("ruleset: %v", err)
	}
	now = now.Add(30 * time.Second)
	if _, err := c.Ruleset(ctx, 1); err != nil {
		t.Fatalf("ruleset: %v", err)
	}
	now = now.Add(31 * time.Second)
	if _, err := c.Ruleset(ctx, 1); err != nil {
		t.Fatalf("ruleset: %v", err)
	}

	if rules, _ := loader.loads(); rules != 2 {
		t.Errorf("expected reload after TTL, got %d loads", rules)
	}
}

func TestRulesetErrorNotCached(t *testing.T) {
	ctx := context.Background()
	loader := newLoader()
	c := New(loader, time.Hour, time.Hour)

	if _, err := c.Ruleset(ctx, 99); !errors.Is(err, errMissing) {
		t.Fatalf("expected errMissing, got %v", err)
	}
	if _, err := c.Ruleset(ctx, 99); !errors.Is(err, errMissing) {
		t.Fatalf("expected errMissing, got %v", err)
	}
	if rules, _ := loader.loads(); rules != 2 {
		t.Errorf("errors should not be cached, got %d loads", rules)
	}
}

func TestConfigurations(t *testing.T) {
	ctx := context.Background()
	loader := newLoader()
	c := New(loader, time.Hour, time.Hour)

	ids, err := c.Configurations(ctx, 10)
	if err != nil {
		t.Fatalf("configurations: %v", err)
	}
	ids[0] = 42

	again, err := c.Configurations(ctx, 10)
	if err != nil {
		t.Fatalf("configurations: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2}, again); diff != "" {
		t.Errorf("cached slice was mutated through a returned copy (-want +got):\n%s", diff)
	}

	c.InvalidateSource(10)
	if _, err := c.Configurations(ctx, 10); err != nil {
		t.Fatalf("configurations: %v", err)
	}
	c.Purge()
	if _, err := c.Configurations(ctx, 10); err != nil {
		t.Fatalf("configurations: %v", err)
	}
	if _, sources := loader.loads(); sources != 3 {
		t.Errorf("expected 3 source loads, got %d", sources)
	}
}
