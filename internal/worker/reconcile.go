package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadwatch/internal/backoff"
	"leadwatch/internal/metrics"
	"leadwatch/internal/model"
	"leadwatch/internal/provider"
	"leadwatch/internal/storage"
)

// Reconcile brings the in-memory ownership view in line with the store.
// Newly owned sources are joined in the background, released sources are
// dropped. Calling it repeatedly never repeats a completed join.
func (w *Worker) Reconcile(ctx context.Context, force bool) error {
	w.reconcileMu.Lock()
	defer w.reconcileMu.Unlock()

	owned, err := w.store.ListSourcesByOwner(ctx, w.name)
	if err != nil {
		return fmt.Errorf("list owned sources: %w", err)
	}

	var toJoin, toPersist, released []model.Source
	ownedSet := make(map[int64]struct{}, len(owned))

	w.mu.Lock()
	for _, src := range owned {
		ownedSet[src.ID] = struct{}{}
		st, ok := w.sources[src.ID]
		if !ok {
			st = w.adopt(src)
			w.sources[src.ID] = st
		} else {
			st.source.Link = src.Link
			if src.Title != "" {
				st.source.Title = src.Title
			}
			// Reassigned away and back: the store reset the status.
			if st.state == StateUnreachable && src.Status == model.StatusPending {
				st.state = StateUnjoined
				st.permFailed = 0
			}
		}
		if force && st.state == StateUnreachable {
			st.state = StateUnjoined
			st.permFailed = 0
		}
		switch {
		case st.state == StateJoined && src.Status != model.StatusJoined:
			toPersist = append(toPersist, st.source)
		case st.state == StateUnjoined:
			st.state = StateJoining
			// A join still running from an earlier ownership picks the
			// source up again.
			if !w.inflight[src.ID] {
				w.inflight[src.ID] = true
				toJoin = append(toJoin, st.source)
			}
		}
	}
	for id, st := range w.sources {
		if _, ok := ownedSet[id]; ok {
			continue
		}
		delete(w.sources, id)
		w.unmapChat(id, st.chat.ExternalID)
		if st.state == StateJoined {
			released = append(released, st.source)
		}
	}
	w.mu.Unlock()

	for _, src := range toPersist {
		w.persistJoined(ctx, src)
	}
	for _, src := range toJoin {
		w.joinWG.Add(1)
		go w.join(ctx, src)
	}
	for _, src := range released {
		w.log.Info().Int64("source_id", src.ID).Str("link", src.Link).Msg("source released")
		if w.cfg.LeaveReleased {
			w.leave(ctx, src)
		}
	}
	w.pruneSeen()

	w.log.Debug().
		Int("owned", len(owned)).
		Int("joining", len(toJoin)).
		Int("released", len(released)).
		Bool("force", force).
		Msg("reconciled")
	return nil
}

// adopt builds the state of a source this worker did not own before.
// Caller holds w.mu.
func (w *Worker) adopt(src model.Source) *sourceState {
	st := &sourceState{source: src, state: StateUnjoined}
	if chat, ok := w.joined[src.ID]; ok {
		st.state = StateJoined
		st.chat = chat
		w.byExternal[chat.ExternalID] = src.ID
		return st
	}
	switch src.Status {
	case model.StatusJoined:
		if src.ExternalID != nil {
			st.state = StateJoined
			st.chat = provider.Chat{ExternalID: *src.ExternalID, Title: src.Title}
			st.chat.Username, _ = provider.Username(src.Link)
			w.byExternal[*src.ExternalID] = src.ID
		}
	case model.StatusUnreachable:
		st.state = StateUnreachable
	}
	return st
}

// unmapChat drops the chat route of a released source. Links of other
// sources may resolve to the same chat; the route then moves to one of
// them. Caller holds w.mu.
func (w *Worker) unmapChat(sourceID, externalID int64) {
	if externalID == 0 || w.byExternal[externalID] != sourceID {
		return
	}
	delete(w.byExternal, externalID)
	for id, st := range w.sources {
		if st.state == StateJoined && st.chat.ExternalID == externalID {
			w.byExternal[externalID] = id
			return
		}
	}
}

func (w *Worker) persistJoined(ctx context.Context, src model.Source) {
	w.mu.Lock()
	st, ok := w.sources[src.ID]
	var chat provider.Chat
	if ok {
		chat = st.chat
	}
	w.mu.Unlock()
	if !ok || chat.ExternalID == 0 {
		return
	}
	if _, err := w.store.MarkSourceJoined(ctx, src.ID, w.name, chat.ExternalID, chat.Title); err != nil {
		w.log.Error().Err(err).Int64("source_id", src.ID).Msg("persist joined status")
	}
}

// join attempts to join src, retrying transient failures with backoff.
// It gives up as soon as the source is no longer owned.
func (w *Worker) join(ctx context.Context, src model.Source) {
	defer w.joinWG.Done()

	id := src.ID
	log := w.log.With().Int64("source_id", id).Str("link", src.Link).Logger()
	var delay time.Duration
	for attempt := 1; ; attempt++ {
		if err := w.joins.Wait(ctx); err != nil {
			w.finishJoin(id, StateUnjoined)
			return
		}
		var owned bool
		if src, owned = w.claimJoin(id); !owned {
			log.Debug().Int("attempt", attempt).Msg("join abandoned, source released")
			return
		}

		// An in-flight join is allowed to finish after shutdown starts.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JoinTimeout)
		chat, err := w.session.Join(callCtx, src.Link)
		cancel()

		if err == nil {
			w.onJoined(ctx, src, chat)
			return
		}
		if provider.IsPermanent(err) {
			w.onPermanentFailure(ctx, src, err)
			return
		}

		w.metrics.RecordJoin(w.name, metrics.JoinTransient)
		if attempt >= w.cfg.JoinAttempts {
			log.Warn().Err(err).Int("attempts", attempt).Msg("join attempts exhausted")
			w.metrics.RecordJoin(w.name, metrics.JoinExhausted)
			w.finishJoin(id, StateUnjoined)
			return
		}

		minimum, _ := provider.RetryAfter(err)
		delay = w.backoff.Delay(delay, minimum)
		w.metrics.ObserveBackoff("join", delay.Seconds())
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("join failed, backing off")
		if err := backoff.Wait(ctx, delay); err != nil {
			w.finishJoin(id, StateUnjoined)
			return
		}
	}
}

// claimJoin returns the current source if it is still owned and waiting
// for this join. Otherwise the join is dropped from the in-flight set.
func (w *Worker) claimJoin(id int64) (model.Source, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.sources[id]
	if !ok || st.state != StateJoining {
		delete(w.inflight, id)
		return model.Source{}, false
	}
	return st.source, true
}

// finishJoin ends the in-flight join of a source, leaving it in state
// if it is still owned.
func (w *Worker) finishJoin(id int64, state State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, id)
	if st, ok := w.sources[id]; ok && st.state == StateJoining {
		st.state = state
	}
}

func (w *Worker) onJoined(ctx context.Context, src model.Source, chat provider.Chat) {
	w.mu.Lock()
	delete(w.inflight, src.ID)
	w.joined[src.ID] = chat
	st, owned := w.sources[src.ID]
	if owned {
		st.state = StateJoined
		st.chat = chat
		st.permFailed = 0
		if chat.Title != "" {
			st.source.Title = chat.Title
		}
		w.byExternal[chat.ExternalID] = src.ID
	}
	w.mu.Unlock()

	w.metrics.RecordJoin(w.name, metrics.JoinJoined)
	log := w.log.With().Int64("source_id", src.ID).Int64("external_id", chat.ExternalID).Logger()
	if !owned {
		log.Info().Msg("joined source released meanwhile")
		return
	}

	ok, err := w.store.MarkSourceJoined(context.WithoutCancel(ctx), src.ID, w.name, chat.ExternalID, chat.Title)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("persist joined status")
	case !ok:
		log.Info().Msg("source reassigned during join")
	default:
		log.Info().Str("title", chat.Title).Msg("joined source")
	}
}

func (w *Worker) onPermanentFailure(ctx context.Context, src model.Source, cause error) {
	w.mu.Lock()
	unreachable := false
	if st, ok := w.sources[src.ID]; ok {
		st.permFailed++
		unreachable = st.permFailed >= w.cfg.UnreachableAfter
	}
	w.mu.Unlock()

	log := w.log.With().Int64("source_id", src.ID).Str("link", src.Link).Logger()
	if !unreachable {
		w.finishJoin(src.ID, StateUnjoined)
		w.metrics.RecordJoin(w.name, metrics.JoinPermanent)
		log.Warn().Err(cause).Msg("join rejected")
		return
	}

	w.metrics.RecordJoin(w.name, metrics.JoinUnreachable)
	log.Error().Err(cause).Msg("source unreachable")

	// The stored status changes before the in-memory one: a reconcile that
	// still lists the source as pending would otherwise reset it.
	w.reconcileMu.Lock()
	defer w.reconcileMu.Unlock()
	if _, err := w.store.SetSourceStatus(context.WithoutCancel(ctx), src.ID, w.name, model.StatusUnreachable); err != nil {
		log.Error().Err(err).Msg("persist unreachable status")
	}
	w.finishJoin(src.ID, StateUnreachable)
}

// leave exits a released source unless another worker now owns it.
func (w *Worker) leave(ctx context.Context, src model.Source) {
	log := w.log.With().Int64("source_id", src.ID).Str("link", src.Link).Logger()

	cur, err := w.store.GetSource(ctx, src.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		log.Error().Err(err).Msg("load released source")
		return
	case cur.IsActive:
		return
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JoinTimeout)
	defer cancel()
	if err := w.session.Leave(callCtx, src.Link); err != nil {
		log.Warn().Err(err).Msg("leave source")
		return
	}
	w.mu.Lock()
	delete(w.joined, src.ID)
	w.mu.Unlock()
	log.Info().Msg("left source")
}
