// Package notify delivers lead notifications to end users.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"leadwatch/internal/backoff"
	"leadwatch/internal/metrics"
)

const maxAttempts = 3

// Lead is the payload of one notification.
type Lead struct {
	ChatID            int64
	ConfigurationName string
	SourceTitle       string
	Text              string
	Keywords          []string
	SenderUsername    string
	Link              string
}

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends notifications through the Bot API, rate limited across
// all callers.
type Telegram struct {
	api     telegramAPI
	limiter *rate.Limiter
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewTelegram creates a sender for the bot with the given token.
func NewTelegram(token string, perSecond float64, log zerolog.Logger, m *metrics.Metrics) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newTelegram(api, rate.NewLimiter(rate.Limit(perSecond), 1), log, m), nil
}

func newTelegram(api telegramAPI, limiter *rate.Limiter, log zerolog.Logger, m *metrics.Metrics) *Telegram {
	return &Telegram{
		api:     api,
		limiter: limiter,
		log:     log.With().Str("component", "notify").Logger(),
		metrics: m,
	}
}

// Notify sends lead to its chat. Bot API flood limits are retried after
// the wait the API asks for.
func (t *Telegram) Notify(ctx context.Context, lead Lead) error {
	msg := tgbotapi.NewMessage(lead.ChatID, FormatLead(lead))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = t.limiter.Wait(ctx); err != nil {
			break
		}
		if _, err = t.api.Send(msg); err == nil {
			t.metrics.RecordNotification(metrics.ResultOK)
			t.log.Debug().Int64("chat_id", lead.ChatID).Msg("notification sent")
			return nil
		}
		wait, ok := retryAfter(err)
		if !ok || attempt == maxAttempts {
			break
		}
		t.log.Warn().Int64("chat_id", lead.ChatID).Dur("retry_after", wait).Msg("bot api rate limited")
		if err = backoff.Wait(ctx, wait); err != nil {
			break
		}
	}

	t.metrics.RecordNotification(metrics.ResultError)
	return fmt.Errorf("send notification to %d: %w", lead.ChatID, err)
}

func retryAfter(err error) (time.Duration, bool) {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second, true
	}
	return 0, false
}

// Log writes notifications to the log instead of delivering them. It is
// used when no bot token is configured.
type Log struct {
	log zerolog.Logger
}

// NewLog creates a log-only notifier.
func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "notify").Logger()}
}

// Notify implements the notifier contract.
func (l *Log) Notify(_ context.Context, lead Lead) error {
	l.log.Info().Int64("chat_id", lead.ChatID).Str("configuration", lead.ConfigurationName).
		Strs("keywords", lead.Keywords).Str("link", lead.Link).Msg("lead")
	return nil
}
