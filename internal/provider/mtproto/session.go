// Package mtproto implements provider.Session on a Telegram user account
// through MTProto.
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"leadwatch/internal/provider"
)

// Config holds the credentials of one account.
type Config struct {
	AppID       int
	AppHash     string
	SessionPath string
}

// Session is a provider.Session backed by a gotd client.
type Session struct {
	cfg    Config
	log    zerolog.Logger
	selfID atomic.Int64
	api    atomic.Pointer[tg.Client]
}

var _ provider.Session = (*Session)(nil)

// ErrUnauthorized is returned when the stored session is not logged in.
var ErrUnauthorized = errors.New("account session is not authorized")

// New returns a session. It connects in Run.
func New(cfg Config, log zerolog.Logger) *Session {
	return &Session{cfg: cfg, log: log}
}

// Run connects, checks authorization and runs body while dispatching
// inbound messages to onMessage. Updates pass through a gap-recovering
// manager, so messages missed during reconnects or channel gaps are
// fetched with getDifference before they reach onMessage. body's context
// is cancelled if update processing fails.
func (s *Session) Run(ctx context.Context, onMessage provider.Handler, body func(ctx context.Context) error) error {
	gaps := updates.New(updates.Config{Handler: s.newDispatcher(onMessage)})

	client := telegram.NewClient(s.cfg.AppID, s.cfg.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: s.cfg.SessionPath},
		UpdateHandler:  gaps,
	})

	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			return ErrUnauthorized
		}
		self, err := client.Self(ctx)
		if err != nil {
			return fmt.Errorf("get self: %w", err)
		}
		s.selfID.Store(self.ID)
		s.api.Store(client.API())
		s.log.Info().Int64("self_id", self.ID).Str("username", self.Username).Msg("session authorized")
		defer s.api.Store(nil)

		g, gctx := errgroup.WithContext(ctx)
		updCtx, stopUpdates := context.WithCancel(gctx)
		defer stopUpdates()

		g.Go(func() error {
			err := gaps.Run(updCtx, client.API(), self.ID, updates.AuthOptions{
				IsBot: self.Bot,
				OnStart: func(context.Context) {
					s.log.Debug().Msg("update state synchronized")
				},
			})
			if updCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("updates: %w", err)
		})
		g.Go(func() error {
			defer stopUpdates()
			return body(gctx)
		})
		return g.Wait()
	})
}

func (s *Session) newDispatcher(onMessage provider.Handler) tg.UpdateDispatcher {
	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		s.dispatch(ctx, e, u.Message, onMessage)
		return nil
	})
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		s.dispatch(ctx, e, u.Message, onMessage)
		return nil
	})
	return dispatcher
}

// SelfID implements provider.Session.
func (s *Session) SelfID() int64 {
	return s.selfID.Load()
}

func (s *Session) client() (*tg.Client, error) {
	api := s.api.Load()
	if api == nil {
		return nil, errors.New("session not connected")
	}
	return api, nil
}

func (s *Session) dispatch(ctx context.Context, e tg.Entities, m tg.MessageClass, onMessage provider.Handler) {
	msg, ok := m.(*tg.Message)
	if !ok || msg.Message == "" {
		return
	}

	out := provider.Message{
		MessageID: int64(msg.ID),
		Text:      msg.Message,
		Outgoing:  msg.Out,
	}

	var username string
	switch p := msg.PeerID.(type) {
	case *tg.PeerChannel:
		out.ChatID = p.ChannelID
		if ch, ok := e.Channels[p.ChannelID]; ok {
			username = ch.Username
		}
	case *tg.PeerChat:
		out.ChatID = p.ChatID
	default:
		return
	}
	out.Permalink = provider.Permalink(username, out.ChatID, out.MessageID)

	if from, ok := msg.GetFromID(); ok {
		if u, ok := from.(*tg.PeerUser); ok {
			out.SenderID = u.UserID
			if user, ok := e.Users[u.UserID]; ok {
				out.SenderUsername = user.Username
			}
		}
	}

	onMessage(ctx, out)
}

// Join implements provider.Session. Joining a chat the account is already
// in succeeds.
func (s *Session) Join(ctx context.Context, link string) (provider.Chat, error) {
	api, err := s.client()
	if err != nil {
		return provider.Chat{}, err
	}

	if hash, ok := provider.InviteHash(link); ok {
		return s.joinInvite(ctx, api, hash)
	}

	ch, err := s.resolveChannel(ctx, api, link)
	if err != nil {
		return provider.Chat{}, err
	}
	if _, err := api.ChannelsJoinChannel(ctx, ch.AsInput()); err != nil && !tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
		return provider.Chat{}, classify("join channel", err)
	}
	return chatOf(ch), nil
}

func (s *Session) joinInvite(ctx context.Context, api *tg.Client, hash string) (provider.Chat, error) {
	updates, err := api.MessagesImportChatInvite(ctx, hash)
	if err == nil {
		for _, c := range updateChats(updates) {
			if chat, ok := chatFromClass(c); ok {
				return chat, nil
			}
		}
		return provider.Chat{}, errors.New("import invite: no chat in response")
	}
	if !tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
		return provider.Chat{}, classify("import invite", err)
	}

	invite, err := api.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return provider.Chat{}, classify("check invite", err)
	}
	already, ok := invite.(*tg.ChatInviteAlready)
	if !ok {
		return provider.Chat{}, fmt.Errorf("check invite: unexpected %T", invite)
	}
	chat, ok := chatFromClass(already.Chat)
	if !ok {
		return provider.Chat{}, fmt.Errorf("check invite: unexpected chat %T", already.Chat)
	}
	return chat, nil
}

// Leave implements provider.Session.
func (s *Session) Leave(ctx context.Context, link string) error {
	api, err := s.client()
	if err != nil {
		return err
	}

	var ch *tg.Channel
	if hash, ok := provider.InviteHash(link); ok {
		invite, err := api.MessagesCheckChatInvite(ctx, hash)
		if err != nil {
			return classify("check invite", err)
		}
		already, ok := invite.(*tg.ChatInviteAlready)
		if !ok {
			return nil
		}
		if ch, ok = already.Chat.(*tg.Channel); !ok {
			return fmt.Errorf("leave: unsupported chat %T", already.Chat)
		}
	} else if ch, err = s.resolveChannel(ctx, api, link); err != nil {
		return err
	}

	if _, err := api.ChannelsLeaveChannel(ctx, ch.AsInput()); err != nil && !tgerr.Is(err, "USER_NOT_PARTICIPANT") {
		return classify("leave channel", err)
	}
	return nil
}

func (s *Session) resolveChannel(ctx context.Context, api *tg.Client, link string) (*tg.Channel, error) {
	username, ok := provider.Username(link)
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrInvalidLink, link)
	}
	resolved, err := api.ContactsResolveUsername(ctx, username)
	if err != nil {
		return nil, classify("resolve username", err)
	}
	for _, c := range resolved.Chats {
		if ch, ok := c.(*tg.Channel); ok && strings.EqualFold(ch.Username, username) {
			return ch, nil
		}
	}
	for _, c := range resolved.Chats {
		if ch, ok := c.(*tg.Channel); ok {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("resolve %s: %w", username, provider.ErrUnavailable)
}

// Search implements provider.Session: a global message search followed by
// a chat directory search.
func (s *Session) Search(ctx context.Context, query string) ([]provider.Candidate, error) {
	api, err := s.client()
	if err != nil {
		return nil, err
	}

	res, err := api.MessagesSearchGlobal(ctx, &tg.MessagesSearchGlobalRequest{
		Q:          query,
		Filter:     &tg.InputMessagesFilterEmpty{},
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      provider.MessageSearchLimit,
	})
	if err != nil {
		return nil, classify("search messages", err)
	}

	var messages []tg.MessageClass
	var chats []tg.ChatClass
	switch r := res.(type) {
	case *tg.MessagesMessages:
		messages, chats = r.Messages, r.Chats
	case *tg.MessagesMessagesSlice:
		messages, chats = r.Messages, r.Chats
	case *tg.MessagesChannelMessages:
		messages, chats = r.Messages, r.Chats
	}

	hits := make(map[int64]int)
	for _, m := range messages {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		switch p := msg.PeerID.(type) {
		case *tg.PeerChannel:
			hits[p.ChannelID]++
		case *tg.PeerChat:
			hits[p.ChatID]++
		}
	}

	var candidates []provider.Candidate
	for _, c := range chats {
		if cand, ok := candidateOf(c); ok {
			cand.MessageHits = hits[cand.ChatID]
			candidates = append(candidates, cand)
		}
	}

	found, err := api.ContactsSearch(ctx, &tg.ContactsSearchRequest{Q: query, Limit: provider.TitleSearchLimit})
	if err != nil {
		s.log.Warn().Err(err).Str("query", query).Msg("directory search failed")
		return candidates, nil
	}
	for _, c := range found.Chats {
		if cand, ok := candidateOf(c); ok {
			cand.TitleMatch = true
			candidates = append(candidates, cand)
		}
	}
	return candidates, nil
}

func candidateOf(c tg.ChatClass) (provider.Candidate, bool) {
	switch ch := c.(type) {
	case *tg.Channel:
		cand := provider.Candidate{ChatID: ch.ID, Username: ch.Username, Title: ch.Title, Type: provider.TypeGroup}
		if n, ok := ch.GetParticipantsCount(); ok {
			cand.Subscribers = n
		}
		switch {
		case ch.Megagroup:
			cand.Type = provider.TypeSupergroup
		case ch.Broadcast:
			cand.Type = provider.TypeChannel
		}
		return cand, true
	case *tg.Chat:
		return provider.Candidate{ChatID: ch.ID, Title: ch.Title, Subscribers: ch.ParticipantsCount, Type: provider.TypeUnknown}, true
	default:
		return provider.Candidate{}, false
	}
}

func chatOf(ch *tg.Channel) provider.Chat {
	return provider.Chat{ExternalID: ch.ID, Title: ch.Title, Username: ch.Username}
}

func chatFromClass(c tg.ChatClass) (provider.Chat, bool) {
	switch ch := c.(type) {
	case *tg.Channel:
		return chatOf(ch), true
	case *tg.Chat:
		return provider.Chat{ExternalID: ch.ID, Title: ch.Title}, true
	default:
		return provider.Chat{}, false
	}
}

func updateChats(u tg.UpdatesClass) []tg.ChatClass {
	switch v := u.(type) {
	case *tg.Updates:
		return v.Chats
	case *tg.UpdatesCombined:
		return v.Chats
	default:
		return nil
	}
}

var permanentErrors = []string{
	"CHANNEL_PRIVATE",
	"CHANNEL_INVALID",
	"CHANNEL_BANNED",
	"USERNAME_NOT_OCCUPIED",
	"USERNAME_INVALID",
	"INVITE_HASH_EXPIRED",
	"INVITE_HASH_INVALID",
	"INVITE_REQUEST_SENT",
	"USER_BANNED_IN_CHANNEL",
}

// classify maps RPC errors onto the provider error taxonomy.
func classify(op string, err error) error {
	if d, ok := tgerr.AsFloodWait(err); ok {
		return fmt.Errorf("%s: %w", op, &provider.RateLimitError{RetryAfter: d})
	}
	if tgerr.Is(err, permanentErrors...) {
		return fmt.Errorf("%s: %w: %w", op, provider.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
