package worker

import (
	"context"
	"fmt"
	"time"

	"leadwatch/internal/backoff"
	"leadwatch/internal/metrics"
	"leadwatch/internal/model"
	"leadwatch/internal/provider"
)

// Search looks up public chats matching query. Rate limits are retried
// with backoff, other failures are returned.
func (w *Worker) Search(ctx context.Context, query string) ([]model.SearchResult, error) {
	var delay time.Duration
	for attempt := 1; ; attempt++ {
		candidates, err := w.session.Search(ctx, query)
		if err == nil {
			results := provider.Rank(candidates, provider.MaxSearchResults)
			w.metrics.RecordSearch(metrics.ResultOK)
			w.log.Info().Str("query", query).Int("results", len(results)).Msg("search completed")
			return results, nil
		}

		minimum, limited := provider.RetryAfter(err)
		if !limited || attempt >= w.cfg.SearchAttempts {
			w.metrics.RecordSearch(metrics.ResultError)
			return nil, fmt.Errorf("search %q: %w", query, err)
		}
		delay = w.backoff.Delay(delay, minimum)
		w.metrics.ObserveBackoff("search", delay.Seconds())
		w.log.Warn().Err(err).Dur("delay", delay).Msg("search rate limited")
		if err := backoff.Wait(ctx, delay); err != nil {
			w.metrics.RecordSearch(metrics.ResultError)
			return nil, fmt.Errorf("search %q: %w", query, err)
		}
	}
}
