package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tgbatch/internal/domain"
	"tgbatch/internal/links"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"
)

const (
	maxChunkSize         = 100
	minChunkSize         = 20
	chunkStep            = 10
	chunkSuccessBumpAt   = 6
	requestMinInterval   = 333 * time.Millisecond
	maxFloodWait         = 5 * time.Minute
	floodGrace           = 1 * time.Second
	maxFloodRetries      = 5
	defaultFloodFallback = 3 * time.Second
)

// ResolveChat finds the chat a message link points at.
func (s *Service) ResolveChat(ctx context.Context, ref links.MessageRef) (domain.Chat, error) {
	api, err := s.client()
	if err != nil {
		return domain.Chat{}, err
	}
	if channelID, ok := ref.ChannelID(); ok {
		return s.channelByID(ctx, api, channelID)
	}
	return s.channelByUsername(ctx, api, ref.Username)
}

func (s *Service) channelByUsername(ctx context.Context, api *tg.Client, username string) (domain.Chat, error) {
	if s.peers != nil {
		if cached, err := s.peers.GetPeerByUsername(ctx, username); err == nil && cached.Kind == domain.PeerChannel && cached.AccessHash != 0 {
			chat, err := s.channelByID(ctx, api, cached.ID)
			if err == nil {
				return chat, nil
			}
			s.logger.Debug("Cached channel lookup failed, resolving username", zap.String("username", username), zap.Error(err))
		}
	}

	var resolved *tg.ContactsResolvedPeer
	err := s.withFloodRetry(ctx, "contacts.resolveUsername", func() error {
		var callErr error
		resolved, callErr = api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
		return callErr
	})
	if err != nil {
		return domain.Chat{}, classifyChatError(err)
	}

	peer, ok := resolved.Peer.(*tg.PeerChannel)
	if !ok {
		return domain.Chat{}, fmt.Errorf("@%s: %w", username, domain.ErrNotChannel)
	}
	for _, chatClass := range resolved.Chats {
		if channel, ok := chatClass.(*tg.Channel); ok && channel.ID == peer.ChannelID {
			return s.rememberChannel(ctx, channel), nil
		}
	}
	return domain.Chat{}, fmt.Errorf("@%s: %w", username, domain.ErrChannelInaccessible)
}

func (s *Service) channelByID(ctx context.Context, api *tg.Client, channelID int64) (domain.Chat, error) {
	var accessHash int64
	if s.peers != nil {
		if cached, err := s.peers.GetPeer(ctx, domain.PeerChannel, channelID); err == nil {
			accessHash = cached.AccessHash
		}
	}

	var chats tg.MessagesChatsClass
	err := s.withFloodRetry(ctx, "channels.getChannels", func() error {
		var callErr error
		chats, callErr = api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
			&tg.InputChannel{ChannelID: channelID, AccessHash: accessHash},
		})
		return callErr
	})
	if err != nil {
		return domain.Chat{}, classifyChatError(err)
	}
	for _, chatClass := range chats.GetChats() {
		switch c := chatClass.(type) {
		case *tg.Channel:
			if c.ID == channelID {
				return s.rememberChannel(ctx, c), nil
			}
		case *tg.ChannelForbidden:
			if c.ID == channelID {
				return domain.Chat{}, fmt.Errorf("channel %d: %w", channelID, domain.ErrChannelInaccessible)
			}
		}
	}
	return domain.Chat{}, fmt.Errorf("channel %d: %w", channelID, domain.ErrChannelInaccessible)
}

func (s *Service) rememberChannel(ctx context.Context, channel *tg.Channel) domain.Chat {
	chat := domain.Chat{
		Peer:     domain.Peer{Kind: domain.PeerChannel, ID: channel.ID, AccessHash: channel.AccessHash},
		ChatID:   links.ChatIDFromChannelID(channel.ID),
		Title:    channel.Title,
		Username: channel.Username,
	}
	if s.peers != nil {
		if err := s.peers.UpsertPeer(ctx, chat.Peer, channel.Username, time.Now().Unix()); err != nil {
			s.logger.Debug("Failed to cache channel peer", zap.Int64("channel_id", channel.ID), zap.Error(err))
		}
	}
	return chat
}

func classifyChatError(err error) error {
	if rpcErr, ok := tgerr.As(err); ok {
		switch {
		case rpcErr.IsOneOf("CHANNEL_INVALID", "CHANNEL_PRIVATE", "CHAT_ADMIN_REQUIRED", "CHANNEL_PUBLIC_GROUP_NA"):
			return errors.Join(domain.ErrChannelInaccessible, err)
		case rpcErr.IsOneOf("USERNAME_INVALID", "USERNAME_NOT_OCCUPIED", "USERNAME_NOT_MODIFIED"):
			return errors.Join(domain.ErrInvalidUsername, err)
		}
	}
	return err
}

// IterRange calls fn for every existing message with first <= id <= last, in
// ascending id order. Returning an error from fn stops the walk.
func (s *Service) IterRange(ctx context.Context, chat domain.Chat, first, last int, fn func(domain.Post) error) error {
	if first <= 0 || last < first {
		return fmt.Errorf("invalid message range %d..%d", first, last)
	}
	api, err := s.client()
	if err != nil {
		return err
	}

	for start := first; start <= last; {
		size := s.chunks.current()
		end := start + size - 1
		if end > last {
			end = last
		}

		if err := s.limiter.wait(ctx); err != nil {
			return err
		}
		messages, err := fetchMessages(ctx, api, chat.Peer, start, end)
		if wait, ok := tgerr.AsFloodWait(err); ok {
			s.chunks.flood()
			if sleepErr := s.sleepFlood(ctx, "channels.getMessages", wait); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		if err != nil {
			return classifyChatError(err)
		}
		s.chunks.success()

		for _, msg := range messages {
			if err := fn(s.toPost(msg)); err != nil {
				return err
			}
		}
		start = end + 1
	}
	return nil
}

func fetchMessages(ctx context.Context, api *tg.Client, peer domain.Peer, first, last int) ([]*tg.Message, error) {
	ids := make([]tg.InputMessageClass, 0, last-first+1)
	for id := first; id <= last; id++ {
		ids = append(ids, &tg.InputMessageID{ID: id})
	}

	var (
		resp tg.MessagesMessagesClass
		err  error
	)
	switch peer.Kind {
	case domain.PeerChannel:
		resp, err = api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: peer.ID, AccessHash: peer.AccessHash},
			ID:      ids,
		})
	default:
		resp, err = api.MessagesGetMessages(ctx, ids)
	}
	if err != nil {
		return nil, err
	}
	modified, ok := resp.AsModified()
	if !ok {
		return nil, errors.New("unexpected response type")
	}

	out := make([]*tg.Message, 0, len(ids))
	for _, msgClass := range modified.GetMessages() {
		msg, ok := msgClass.(*tg.Message)
		if !ok || msg == nil || msg.ID < first || msg.ID > last {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// toPost leaves Media nil for messages whose media cannot be re-sent.
func (s *Service) toPost(msg *tg.Message) domain.Post {
	post := domain.Post{ID: msg.ID}
	if _, ok := msg.GetMedia(); !ok {
		return post
	}
	media, err := describeMedia(msg)
	if err != nil {
		s.logger.Debug("Skipping media", zap.Int("msg_id", msg.ID), zap.Error(err))
		return post
	}
	post.Media = media
	post.CaptionHTML = RenderHTML(msg.Message, msg.Entities)
	return post
}

// withFloodRetry runs call, sleeping through FLOOD_WAIT errors.
func (s *Service) withFloodRetry(ctx context.Context, method string, call func() error) error {
	for attempt := 0; ; attempt++ {
		err := call()
		wait, ok := tgerr.AsFloodWait(err)
		if !ok || attempt >= maxFloodRetries {
			return err
		}
		if sleepErr := s.sleepFlood(ctx, method, wait); sleepErr != nil {
			return sleepErr
		}
	}
}

func (s *Service) sleepFlood(ctx context.Context, method string, wait time.Duration) error {
	if wait <= 0 {
		wait = defaultFloodFallback
	}
	if wait > maxFloodWait {
		return fmt.Errorf("%s: flood wait of %s exceeds %s", method, wait, maxFloodWait)
	}
	s.logger.Warn("Flood wait", zap.String("method", method), zap.Duration("wait", wait))
	if s.opts.OnFloodWait != nil {
		s.opts.OnFloodWait(wait)
	}
	timer := time.NewTimer(wait + floodGrace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// chunkSizer halves the range chunk on flood waits and grows it back after
// a streak of successful requests.
type chunkSizer struct {
	mu     sync.Mutex
	size   int
	streak int
}

func (c *chunkSizer) current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked()
}

func (c *chunkSizer) currentLocked() int {
	if c.size <= 0 || c.size > maxChunkSize {
		c.size = maxChunkSize
	}
	if c.size < minChunkSize {
		c.size = minChunkSize
	}
	return c.size
}

func (c *chunkSizer) success() {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.currentLocked()
	if current >= maxChunkSize {
		c.streak = 0
		return
	}
	c.streak++
	if c.streak < chunkSuccessBumpAt {
		return
	}
	next := current + chunkStep
	if next > maxChunkSize {
		next = maxChunkSize
	}
	c.size = next
	c.streak = 0
}

func (c *chunkSizer) flood() {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.currentLocked() / 2
	if next < minChunkSize {
		next = minChunkSize
	}
	c.size = next
	c.streak = 0
}

// requestLimiter spaces out range requests across all running batches.
type requestLimiter struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func (l *requestLimiter) wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		if l.now != nil {
			now = l.now()
		}
		wait := requestMinInterval - now.Sub(l.last)
		if wait <= 0 {
			l.last = now
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
