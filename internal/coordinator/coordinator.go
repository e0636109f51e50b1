// Package coordinator relays control signals between the control plane and
// running workers over NATS. Reload and invalidation signals are core NATS
// broadcasts. Search requests go through a JetStream work queue and their
// answers are written to a KV bucket whose entries expire.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"leadwatch/internal/model"
)

// ErrSearchTimeout is returned when no answer arrived before the deadline.
// It is distinct from an answer with zero results.
var ErrSearchTimeout = errors.New("search timed out")

const searchConsumer = "searchers"

// Config names the NATS resources and bounds search latency.
type Config struct {
	// Prefix is prepended to every subject, stream and bucket name.
	Prefix string
	// SearchTTL is how long an answer stays readable and how old a
	// request may be before it is dropped unanswered.
	SearchTTL time.Duration
}

// ReloadSignal asks workers to reconcile ownership.
type ReloadSignal struct {
	Force bool `json:"force,omitempty"`
	// Worker limits the signal to one worker; empty means all.
	Worker string `json:"worker,omitempty"`
}

// Targets reports whether the signal applies to the named worker.
func (s ReloadSignal) Targets(worker string) bool {
	return s.Worker == "" || s.Worker == worker
}

// Invalidation announces that cached rules changed. Zero fields are unset.
type Invalidation struct {
	ConfigurationID int64 `json:"configuration_id,omitempty"`
	SourceID        int64 `json:"source_id,omitempty"`
}

// SearchRequest is one queued search.
type SearchRequest struct {
	RequestID   string    `json:"request_id"`
	Query       string    `json:"query"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SearchResponse is the answer written by a searcher.
type SearchResponse struct {
	RequestID  string               `json:"request_id"`
	Worker     string               `json:"worker"`
	Query      string               `json:"query"`
	Results    []model.SearchResult `json:"results"`
	Error      string               `json:"error,omitempty"`
	AnsweredAt time.Time            `json:"answered_at"`
}

// Err returns the searcher-side failure, if any.
func (r *SearchResponse) Err() error {
	if r.Error == "" {
		return nil
	}
	return errors.New(r.Error)
}

// SearchFunc performs a provider search.
type SearchFunc func(ctx context.Context, query string) ([]model.SearchResult, error)

// Coordinator is safe for concurrent use.
type Coordinator struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
	now    func() time.Time
}

// New declares the search stream and result bucket and returns a
// coordinator bound to nc. Declaring is idempotent across processes.
func New(ctx context.Context, nc *nats.Conn, cfg Config, log zerolog.Logger) (*Coordinator, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "leadwatch"
	}
	if cfg.SearchTTL <= 0 {
		cfg.SearchTTL = time.Minute
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	c := &Coordinator{
		nc:     nc,
		js:     js,
		prefix: cfg.Prefix,
		ttl:    cfg.SearchTTL,
		log:    log.With().Str("component", "coordinator").Logger(),
		now:    time.Now,
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.streamName(),
		Subjects:  []string{c.subject("search.requests")},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.MemoryStorage,
		MaxAge:    c.ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create search stream: %w", err)
	}

	c.kv, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  c.bucketName(),
		TTL:     c.ttl,
		Storage: jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create search result bucket: %w", err)
	}
	return c, nil
}

func (c *Coordinator) subject(name string) string {
	return c.prefix + "." + name
}

func (c *Coordinator) streamName() string {
	return strings.ToUpper(sanitize(c.prefix)) + "_SEARCH"
}

func (c *Coordinator) bucketName() string {
	return sanitize(c.prefix) + "_search_results"
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}

// TriggerReload broadcasts a reload signal to every running worker.
func (c *Coordinator) TriggerReload(ctx context.Context, sig ReloadSignal) error {
	if err := c.publish(ctx, c.subject("reload"), sig); err != nil {
		return fmt.Errorf("publish reload: %w", err)
	}
	c.log.Info().Bool("force", sig.Force).Str("worker", sig.Worker).Msg("reload triggered")
	return nil
}

// Invalidate broadcasts a cache invalidation.
func (c *Coordinator) Invalidate(ctx context.Context, inv Invalidation) error {
	if err := c.publish(ctx, c.subject("invalidate"), inv); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

func (c *Coordinator) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.nc.Publish(subject, data); err != nil {
		return err
	}
	return c.nc.FlushWithContext(ctx)
}

// SubscribeReload calls fn for every reload signal.
func (c *Coordinator) SubscribeReload(fn func(ReloadSignal)) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(c.subject("reload"), func(m *nats.Msg) {
		var sig ReloadSignal
		if err := json.Unmarshal(m.Data, &sig); err != nil {
			c.log.Warn().Err(err).Msg("malformed reload signal")
			return
		}
		fn(sig)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe reload: %w", err)
	}
	return sub, nil
}

// SubscribeInvalidations calls fn for every invalidation.
func (c *Coordinator) SubscribeInvalidations(fn func(Invalidation)) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(c.subject("invalidate"), func(m *nats.Msg) {
		var inv Invalidation
		if err := json.Unmarshal(m.Data, &inv); err != nil {
			c.log.Warn().Err(err).Msg("malformed invalidation")
			return
		}
		fn(inv)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe invalidations: %w", err)
	}
	return sub, nil
}
