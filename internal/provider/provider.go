// Package provider defines the message transport used by workers: an
// authenticated account session that receives messages, joins chats and
// searches the provider directory.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks a permanent failure: the chat is private, deleted
// or the link is invalid. Retrying will not help.
var ErrUnavailable = errors.New("chat unavailable")

// RateLimitError is a transient failure carrying the provider-imposed wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// RetryAfter returns the provider-imposed wait carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Chat identifies a joined chat.
type Chat struct {
	ExternalID int64
	Title      string
	Username   string
}

// Message is an inbound chat message.
type Message struct {
	ChatID         int64
	MessageID      int64
	SenderID       int64
	SenderUsername string
	Text           string
	Permalink      string
	Outgoing       bool
}

// Handler is called for every inbound message.
type Handler func(ctx context.Context, msg Message)

// Candidate is a raw chat hit from a provider search.
type Candidate struct {
	ChatID      int64
	Username    string
	Title       string
	Subscribers int
	Type        string
	// MessageHits is the number of matching messages found in the chat.
	MessageHits int
	// TitleMatch is set for hits from the chat directory search.
	TitleMatch bool
}

// Chat types reported in search results.
const (
	TypeChannel    = "channel"
	TypeSupergroup = "supergroup"
	TypeGroup      = "group"
	TypeUnknown    = "unknown"
)

// Session is one authenticated account.
type Session interface {
	// Run connects the session and calls body once it is authorized.
	// onMessage receives inbound messages while body runs. Run returns
	// when body returns or ctx is done.
	Run(ctx context.Context, onMessage Handler, body func(ctx context.Context) error) error
	// SelfID is the account's own user ID; valid inside body.
	SelfID() int64
	Join(ctx context.Context, link string) (Chat, error)
	Leave(ctx context.Context, link string) error
	Search(ctx context.Context, query string) ([]Candidate, error)
}
