package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"leadwatch/internal/model"
)

// SubmitSearch queues a search and returns its request ID.
func (c *Coordinator) SubmitSearch(ctx context.Context, query string) (string, error) {
	req := SearchRequest{
		RequestID:   uuid.NewString(),
		Query:       query,
		SubmittedAt: c.now().UTC(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode search request: %w", err)
	}
	if _, err := c.js.Publish(ctx, c.subject("search.requests"), data, jetstream.WithMsgID(req.RequestID)); err != nil {
		return "", fmt.Errorf("publish search request: %w", err)
	}
	c.log.Debug().Str("request_id", req.RequestID).Str("query", query).Msg("search submitted")
	return req.RequestID, nil
}

// PollSearch returns the answer to a request if one has arrived. The answer
// is removed once read. A missing answer is reported as ok == false, never
// as an empty result.
func (c *Coordinator) PollSearch(ctx context.Context, requestID string) (*SearchResponse, bool, error) {
	entry, err := c.kv.Get(ctx, requestID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get search result: %w", err)
	}
	resp, err := c.take(ctx, requestID, entry.Value())
	if err != nil {
		return nil, false, err
	}
	return resp, true, nil
}

// WaitSearch blocks until the answer to a request arrives or timeout
// elapses, in which case it returns ErrSearchTimeout.
func (c *Coordinator) WaitSearch(ctx context.Context, requestID string, timeout time.Duration) (*SearchResponse, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	w, err := c.kv.Watch(waitCtx, requestID)
	if err != nil {
		return nil, fmt.Errorf("watch search result: %w", err)
	}
	defer func() { _ = w.Stop() }()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", ErrSearchTimeout, requestID)
		case entry, ok := <-w.Updates():
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrSearchTimeout, requestID)
			}
			// nil marks the end of the initial values.
			if entry == nil || entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			return c.take(context.WithoutCancel(ctx), requestID, entry.Value())
		}
	}
}

func (c *Coordinator) take(ctx context.Context, requestID string, data []byte) (*SearchResponse, error) {
	var resp SearchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode search result: %w", err)
	}
	if err := c.kv.Delete(ctx, requestID); err != nil {
		c.log.Warn().Err(err).Str("request_id", requestID).Msg("delete search result")
	}
	return &resp, nil
}

// ServeSearch answers queued search requests with fn until ctx is done.
// Every searcher shares one durable consumer, so each request is handled
// by exactly one of them.
func (c *Coordinator) ServeSearch(ctx context.Context, worker string, fn SearchFunc) error {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.streamName(), jetstream.ConsumerConfig{
		Durable:       searchConsumer,
		FilterSubject: c.subject("search.requests"),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.searchAckWait(),
		MaxDeliver:    3,
	})
	if err != nil {
		return fmt.Errorf("create search consumer: %w", err)
	}
	log := c.log.With().Str("worker", worker).Logger()
	log.Info().Msg("serving search requests")

	for ctx.Err() == nil {
		iter, err := cons.Messages(jetstream.PullMaxMessages(1))
		if err != nil {
			log.Error().Err(err).Msg("search message iterator")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
				continue
			}
		}
		stop := context.AfterFunc(ctx, iter.Stop)

		for {
			msg, err := iter.Next()
			if err != nil {
				if !errors.Is(err, jetstream.ErrMsgIteratorClosed) && ctx.Err() == nil {
					log.Warn().Err(err).Msg("search iterator error")
				}
				break
			}
			c.handleSearch(ctx, worker, fn, msg)
		}
		stop()
		iter.Stop()
	}
	return nil
}

func (c *Coordinator) handleSearch(ctx context.Context, worker string, fn SearchFunc, msg jetstream.Msg) {
	var req SearchRequest
	if err := json.Unmarshal(msg.Data(), &req); err != nil {
		c.log.Warn().Err(err).Msg("malformed search request")
		_ = msg.Term()
		return
	}
	log := c.log.With().Str("worker", worker).Str("request_id", req.RequestID).Logger()

	if age := c.now().Sub(req.SubmittedAt); age > c.ttl {
		log.Info().Dur("age", age).Msg("dropping stale search request")
		_ = msg.Ack()
		return
	}

	stopProgress := keepInProgress(msg, c.searchAckWait()/2)
	results, err := fn(ctx, req.Query)
	stopProgress()
	if err != nil && ctx.Err() != nil {
		// Shutting down: hand the request to another searcher.
		_ = msg.Nak()
		return
	}

	resp := SearchResponse{
		RequestID:  req.RequestID,
		Worker:     worker,
		Query:      req.Query,
		Results:    results,
		AnsweredAt: c.now().UTC(),
	}
	if err != nil {
		log.Warn().Err(err).Msg("search failed")
		resp.Results = nil
		resp.Error = err.Error()
	} else if resp.Results == nil {
		resp.Results = []model.SearchResult{}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("encode search result")
		_ = msg.Term()
		return
	}
	if _, err := c.kv.Put(context.WithoutCancel(ctx), req.RequestID, data); err != nil {
		log.Error().Err(err).Msg("store search result")
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
	log.Debug().Int("results", len(resp.Results)).Msg("search answered")
}

// searchAckWait is how long a delivered request stays with one searcher
// without progress before it is redelivered.
func (c *Coordinator) searchAckWait() time.Duration {
	return max(c.ttl/2, time.Second)
}

// keepInProgress extends the ack deadline of msg every interval until the
// returned func is called.
func keepInProgress(msg jetstream.Msg, every time.Duration) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = msg.InProgress()
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
