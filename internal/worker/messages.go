package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"

	"leadwatch/internal/filter"
	"leadwatch/internal/metrics"
	"leadwatch/internal/model"
	"leadwatch/internal/notify"
	"leadwatch/internal/provider"
	"leadwatch/internal/storage"
)

const (
	maxStoredText     = 2000
	maxStoredKeywords = 10
)

// handleMessage routes an inbound message to a bounded pool of tasks.
// It blocks while the pool is full.
func (w *Worker) handleMessage(ctx context.Context, msg provider.Message) {
	if msg.Outgoing || msg.Text == "" {
		return
	}
	if self := w.session.SelfID(); self != 0 && msg.SenderID == self {
		return
	}

	w.mu.Lock()
	var src model.Source
	var chat provider.Chat
	id, owned := w.byExternal[msg.ChatID]
	if owned {
		st := w.sources[id]
		src, chat = st.source, st.chat
	}
	w.mu.Unlock()
	if !owned {
		w.metrics.RecordMessage(w.name, metrics.MessageIgnored)
		return
	}

	w.msgMu.RLock()
	defer w.msgMu.RUnlock()
	if !w.accepting {
		return
	}
	taskCtx := context.WithoutCancel(ctx)
	w.msgs.Go(func() error {
		w.process(taskCtx, src, chat, msg)
		return nil
	})
}

// process evaluates msg against every configuration attached to src.
func (w *Worker) process(ctx context.Context, src model.Source, chat provider.Chat, msg provider.Message) {
	log := w.log.With().Int64("source_id", src.ID).Int64("message_id", msg.MessageID).Logger()

	cfgIDs, err := w.rules.Configurations(ctx, src.ID)
	if err != nil {
		log.Error().Err(err).Msg("load source configurations")
		w.metrics.RecordMessage(w.name, metrics.MessageFailed)
		return
	}

	link := msg.Permalink
	if link == "" && msg.MessageID > 0 {
		link = provider.Permalink(chat.Username, chat.ExternalID, msg.MessageID)
	}

	for _, cfgID := range cfgIDs {
		rs, err := w.rules.Ruleset(ctx, cfgID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Int64("configuration_id", cfgID).Msg("load ruleset")
			w.metrics.RecordMessage(w.name, metrics.MessageFailed)
			continue
		}

		res := filter.Match(msg.Text, filter.Rules{Include: rs.Include, Exclude: rs.Exclude, Filters: rs.Filters})
		if !res.Matched {
			log.Debug().Int64("configuration_id", cfgID).Str("reason", string(res.Reason)).Msg("message rejected")
			w.metrics.RecordMessage(w.name, metrics.MessageRejected)
			continue
		}
		if !w.claim(chat.ExternalID, msg, cfgID) {
			w.metrics.RecordMessage(w.name, metrics.MessageDuplicate)
			continue
		}

		keywords := res.Keywords
		if len(keywords) > maxStoredKeywords {
			keywords = keywords[:maxStoredKeywords]
		}
		lead := &model.LeadMatch{
			ConfigurationID: cfgID,
			SourceID:        src.ID,
			MessageID:       msg.MessageID,
			Text:            notify.Truncate(msg.Text, maxStoredText),
			Link:            link,
			Keywords:        keywords,
			SenderID:        msg.SenderID,
			SenderUsername:  msg.SenderUsername,
			Worker:          w.name,
		}
		created, err := w.store.CreateLeadMatch(ctx, lead)
		if err != nil {
			log.Error().Err(err).Int64("configuration_id", cfgID).Msg("save lead")
			w.metrics.RecordMessage(w.name, metrics.MessageFailed)
			continue
		}
		if !created {
			w.metrics.RecordMessage(w.name, metrics.MessageDuplicate)
			continue
		}

		w.metrics.RecordMessage(w.name, metrics.MessageMatched)
		w.metrics.RecordLead(w.name)
		log.Info().
			Int64("configuration_id", cfgID).
			Int64("lead_id", lead.ID).
			Strs("keywords", keywords).
			Msg("lead matched")

		w.notifyLead(ctx, notify.Lead{
			ChatID:            rs.OwnerChatID,
			ConfigurationName: rs.Name,
			SourceTitle:       src.DisplayName(),
			Text:              msg.Text,
			Keywords:          res.Keywords,
			SenderUsername:    msg.SenderUsername,
			Link:              link,
		})
	}
}

// notifyLead sends the notification without holding up message processing.
func (w *Worker) notifyLead(ctx context.Context, lead notify.Lead) {
	if w.notifier == nil {
		return
	}
	w.notifyWG.Add(1)
	go func() {
		defer w.notifyWG.Done()
		ctx, cancel := context.WithTimeout(ctx, w.cfg.NotifyTimeout)
		defer cancel()
		if err := w.notifier.Notify(ctx, lead); err != nil {
			w.log.Error().Err(err).Int64("chat_id", lead.ChatID).Msg("send notification")
		}
	}()
}

// claim records that msg was handled for a configuration and reports
// whether this is the first time. Messages without an ID are keyed by text.
func (w *Worker) claim(externalID int64, msg provider.Message, cfgID int64) bool {
	key := strconv.FormatInt(externalID, 10) + ":" +
		strconv.FormatInt(msg.MessageID, 10) + ":" +
		strconv.FormatInt(cfgID, 10)
	if msg.MessageID == 0 {
		key += ":" + strconv.FormatUint(xxh3.HashString(msg.Text), 16)
	}
	_, loaded := w.seen.LoadOrStore(xxh3.HashString(key), time.Now())
	return !loaded
}

func (w *Worker) pruneSeen() {
	cutoff := time.Now().Add(-w.cfg.DedupWindow)
	w.seen.Range(func(k uint64, at time.Time) bool {
		if at.Before(cutoff) {
			w.seen.Delete(k)
		}
		return true
	})
}
