// Package providertest provides a scripted in-memory provider session.
package providertest

import (
	"context"
	"errors"
	"slices"
	"sync"

	"leadwatch/internal/provider"
)

// Session is a provider.Session whose join and search outcomes are
// scripted by the test.
type Session struct {
	selfID int64

	mu         sync.Mutex
	nextID     int64
	chats      map[string]provider.Chat
	joinErrs   map[string][]error
	joins      []string
	leaves     []string
	searches   map[string][]provider.Candidate
	searchErrs []error
	queries    []string
	handler    provider.Handler
	ready      chan struct{}
}

var _ provider.Session = (*Session)(nil)

// New returns a session for the account with the given user ID.
func New(selfID int64) *Session {
	return &Session{
		selfID:   selfID,
		nextID:   1000,
		chats:    make(map[string]provider.Chat),
		joinErrs: make(map[string][]error),
		searches: make(map[string][]provider.Candidate),
		ready:    make(chan struct{}),
	}
}

// SetChat fixes the chat returned when link is joined.
func (s *Session) SetChat(link string, chat provider.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[link] = chat
}

// FailJoin queues errors returned by the next joins of link, in order.
func (s *Session) FailJoin(link string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinErrs[link] = append(s.joinErrs[link], errs...)
}

// SetSearch fixes the candidates returned for query.
func (s *Session) SetSearch(query string, candidates []provider.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches[query] = candidates
}

// FailSearch queues errors returned by the next searches, in order.
func (s *Session) FailSearch(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchErrs = append(s.searchErrs, errs...)
}

// Ready is closed once Run has started its body.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Run implements provider.Session.
func (s *Session) Run(ctx context.Context, onMessage provider.Handler, body func(ctx context.Context) error) error {
	s.mu.Lock()
	s.handler = onMessage
	s.mu.Unlock()
	close(s.ready)

	err := body(ctx)

	s.mu.Lock()
	s.handler = nil
	s.mu.Unlock()
	return err
}

// SelfID implements provider.Session.
func (s *Session) SelfID() int64 {
	return s.selfID
}

// Join implements provider.Session.
func (s *Session) Join(ctx context.Context, link string) (provider.Chat, error) {
	if err := ctx.Err(); err != nil {
		return provider.Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.joins = append(s.joins, link)
	if errs := s.joinErrs[link]; len(errs) > 0 {
		s.joinErrs[link] = errs[1:]
		return provider.Chat{}, errs[0]
	}
	chat, ok := s.chats[link]
	if !ok {
		s.nextID++
		username, _ := provider.Username(link)
		chat = provider.Chat{ExternalID: s.nextID, Title: link, Username: username}
		s.chats[link] = chat
	}
	return chat, nil
}

// Leave implements provider.Session.
func (s *Session) Leave(ctx context.Context, link string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves = append(s.leaves, link)
	return nil
}

// Search implements provider.Session.
func (s *Session) Search(ctx context.Context, query string) ([]provider.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries = append(s.queries, query)
	if len(s.searchErrs) > 0 {
		err := s.searchErrs[0]
		s.searchErrs = s.searchErrs[1:]
		return nil, err
	}
	return slices.Clone(s.searches[query]), nil
}

// ErrNotRunning is returned by Deliver outside Run.
var ErrNotRunning = errors.New("session not running")

// Deliver hands msg to the message handler synchronously.
func (s *Session) Deliver(ctx context.Context, msg provider.Message) error {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return ErrNotRunning
	}
	h(ctx, msg)
	return nil
}

// Joins returns every link passed to Join, in call order.
func (s *Session) Joins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.joins)
}

// JoinCount returns how many times link was joined.
func (s *Session) JoinCount(link string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.joins {
		if l == link {
			n++
		}
	}
	return n
}

// Leaves returns every link passed to Leave, in call order.
func (s *Session) Leaves() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.leaves)
}

// Queries returns every search query, in call order.
func (s *Session) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queries)
}

// Chat returns the chat a link resolves to once joined.
func (s *Session) Chat(link string) (provider.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[link]
	return c, ok
}
