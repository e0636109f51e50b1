// Package kwcache caches configuration rulesets and source attachments for
// workers. Entries expire after a TTL and are dropped explicitly when the
// control plane announces a mutation.
package kwcache

import (
	"context"
	"slices"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"leadwatch/internal/model"
)

// Loader reads the cached data from the store.
type Loader interface {
	GetRuleset(ctx context.Context, configurationID int64) (*model.Ruleset, error)
	ListSourceConfigurations(ctx context.Context, sourceID int64) ([]int64, error)
}

type rulesEntry struct {
	rules   model.Ruleset
	expires time.Time
}

type sourceEntry struct {
	configurations []int64
	expires        time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	loader     Loader
	rulesTTL   time.Duration
	sourcesTTL time.Duration
	now        func() time.Time

	rules   *xsync.Map[int64, rulesEntry]
	sources *xsync.Map[int64, sourceEntry]
}

// New creates a cache. A non-positive TTL disables expiry for that kind.
func New(loader Loader, rulesTTL, sourcesTTL time.Duration) *Cache {
	return &Cache{
		loader:     loader,
		rulesTTL:   rulesTTL,
		sourcesTTL: sourcesTTL,
		now:        time.Now,
		rules:      xsync.NewMap[int64, rulesEntry](),
		sources:    xsync.NewMap[int64, sourceEntry](),
	}
}

// Ruleset returns the ruleset of a configuration.
func (c *Cache) Ruleset(ctx context.Context, configurationID int64) (model.Ruleset, error) {
	now := c.now()
	if e, ok := c.rules.Load(configurationID); ok && (c.rulesTTL <= 0 || now.Before(e.expires)) {
		return e.rules, nil
	}

	rs, err := c.loader.GetRuleset(ctx, configurationID)
	if err != nil {
		return model.Ruleset{}, err
	}
	c.rules.Store(configurationID, rulesEntry{rules: *rs, expires: now.Add(c.rulesTTL)})
	return *rs, nil
}

// Configurations returns the IDs of configurations attached to a source.
func (c *Cache) Configurations(ctx context.Context, sourceID int64) ([]int64, error) {
	now := c.now()
	if e, ok := c.sources.Load(sourceID); ok && (c.sourcesTTL <= 0 || now.Before(e.expires)) {
		return slices.Clone(e.configurations), nil
	}

	ids, err := c.loader.ListSourceConfigurations(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	c.sources.Store(sourceID, sourceEntry{configurations: ids, expires: now.Add(c.sourcesTTL)})
	return slices.Clone(ids), nil
}

// InvalidateConfiguration drops the cached ruleset of a configuration.
func (c *Cache) InvalidateConfiguration(configurationID int64) {
	c.rules.Delete(configurationID)
}

// InvalidateSource drops the cached attachments of a source.
func (c *Cache) InvalidateSource(sourceID int64) {
	c.sources.Delete(sourceID)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.rules.Clear()
	c.sources.Clear()
}
