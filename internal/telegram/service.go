// Package telegram adapts gotd/td to the bot's needs: receiving commands,
// reading channel ranges and moving documents in and out of the log channel.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tgbatch/internal/domain"
	"tgbatch/internal/links"

	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("telegram client is not connected")
	ErrUnauthorized = errors.New("telegram session is not authorized")
)

// CommandHandler receives parsed bot commands. Each call runs in its own
// goroutine.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd domain.Command) error
}

// PeerStore caches access hashes learned from updates.
type PeerStore interface {
	UpsertPeer(ctx context.Context, peer domain.Peer, username string, updatedAt int64) error
	GetPeer(ctx context.Context, kind domain.PeerKind, id int64) (domain.Peer, error)
	GetPeerByUsername(ctx context.Context, username string) (domain.Peer, error)
}

type Options struct {
	APIID       int
	APIHash     string
	BotToken    string
	BotUsername string
	// LogChannel is the Bot API style id (-100...) of the channel manifests
	// are uploaded to.
	LogChannel  int64
	SessionPath string

	// OnFloodWait is called for every FLOOD_WAIT the client sleeps through.
	OnFloodWait func(wait time.Duration)
}

type Service struct {
	opts   Options
	peers  PeerStore
	logger *zap.Logger

	mu        sync.RWMutex
	api       *tg.Client
	sender    *message.Sender
	protected *message.Sender
	selfID    int64
	username  string
	logPeer   domain.Peer
	connected bool
	runCtx    context.Context

	chunks   chunkSizer
	limiter  requestLimiter
	handlers sync.WaitGroup
}

func NewService(opts Options, peers PeerStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		opts:     opts,
		peers:    peers,
		logger:   logger,
		username: strings.TrimPrefix(strings.TrimSpace(opts.BotUsername), "@"),
		chunks:   chunkSizer{size: maxChunkSize},
	}
}

// Run connects as the bot and dispatches incoming commands to handler until
// ctx is cancelled.
func (s *Service) Run(ctx context.Context, handler CommandHandler) error {
	if handler == nil {
		return errors.New("command handler is required")
	}
	if s.opts.APIID <= 0 || strings.TrimSpace(s.opts.APIHash) == "" || strings.TrimSpace(s.opts.BotToken) == "" {
		return domain.ErrNotConfigured
	}
	if err := os.MkdirAll(filepath.Dir(s.opts.SessionPath), 0o700); err != nil {
		return err
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		s.onMessage(ctx, e, u.Message, handler)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		s.onMessage(ctx, e, u.Message, handler)
		return nil
	})

	manager := updates.New(updates.Config{
		Handler: dispatcher,
		Logger:  s.logger.Named("updates"),
	})

	client := tdtelegram.NewClient(s.opts.APIID, s.opts.APIHash, tdtelegram.Options{
		Logger: s.logger.Named("mtproto"),
		SessionStorage: &SessionFile{
			Path:   s.opts.SessionPath,
			Logger: s.logger,
		},
		UpdateHandler: manager,
	})

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	defer s.handlers.Wait()
	defer s.setDisconnected()

	return client.Run(ctx, func(runCtx context.Context) error {
		authStatus, err := client.Auth().Status(runCtx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !authStatus.Authorized {
			if _, err := client.Auth().Bot(runCtx, s.opts.BotToken); err != nil {
				return fmt.Errorf("bot login: %w", err)
			}
		}
		self, err := client.Self(runCtx)
		if err != nil {
			return fmt.Errorf("get self: %w", err)
		}
		if !self.Bot {
			return fmt.Errorf("%w: session belongs to a user account", ErrUnauthorized)
		}

		api := client.API()
		logPeer, err := s.resolveLogChannel(runCtx, api)
		if err != nil {
			return err
		}
		s.setConnected(client, self, logPeer)

		return manager.Run(runCtx, api, self.ID, updates.AuthOptions{
			IsBot: true,
			OnStart: func(context.Context) {
				s.logger.Info("Bot is receiving updates",
					zap.String("username", s.Username()),
					zap.Int64("log_channel", s.opts.LogChannel),
				)
			},
		})
	})
}

// Username returns the bot username, from config or learned at login.
func (s *Service) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Service) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Service) client() (*tg.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected || s.api == nil {
		return nil, ErrNotConnected
	}
	return s.api, nil
}

func (s *Service) logChannel() domain.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logPeer
}

func (s *Service) setConnected(invoker tg.Invoker, self *tg.User, logPeer domain.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.api = tg.NewClient(invoker)
	s.sender = message.NewSender(s.api)
	s.protected = message.NewSender(tg.NewClient(noForwardsInvoker{next: invoker}))
	s.selfID = self.ID
	s.logPeer = logPeer
	s.connected = true
	if s.username == "" {
		s.username = self.Username
	}
}

func (s *Service) setDisconnected() {
	s.mu.Lock()
	s.connected = false
	s.api = nil
	s.sender = nil
	s.protected = nil
	s.mu.Unlock()
}

func (s *Service) resolveLogChannel(ctx context.Context, api *tg.Client) (domain.Peer, error) {
	channelID, ok := links.ChannelIDFromChatID(s.opts.LogChannel)
	if !ok {
		return domain.Peer{}, fmt.Errorf("log channel %d is not a channel id", s.opts.LogChannel)
	}
	chat, err := s.channelByID(ctx, api, channelID)
	if err != nil {
		return domain.Peer{}, fmt.Errorf("resolve log channel %d: %w", s.opts.LogChannel, err)
	}
	return chat.Peer, nil
}

func (s *Service) onMessage(ctx context.Context, e tg.Entities, msgClass tg.MessageClass, handler CommandHandler) {
	s.learnEntities(ctx, e)

	msg, ok := msgClass.(*tg.Message)
	if !ok || msg == nil || msg.Out {
		return
	}
	name, args, ok := ParseCommand(msg.Message, s.Username())
	if !ok {
		return
	}
	peer, ok := peerFromMessage(msg.PeerID, e)
	if !ok {
		return
	}
	cmd := domain.Command{
		Peer:     peer,
		MsgID:    msg.ID,
		SenderID: senderID(msg),
		Name:     name,
		Args:     args,
		Text:     msg.Message,
	}

	s.logger.Debug("Command received",
		zap.String("command", cmd.Name),
		zap.Int64("sender_id", cmd.SenderID),
		zap.Int("msg_id", cmd.MsgID),
	)

	// The dispatcher context ends with the update batch, commands live as
	// long as Run.
	s.mu.RLock()
	runCtx := s.runCtx
	s.mu.RUnlock()
	if runCtx == nil {
		runCtx = ctx
	}
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		if err := handler.HandleCommand(runCtx, cmd); err != nil {
			s.logger.Error("Command failed",
				zap.String("command", cmd.Name),
				zap.Int64("sender_id", cmd.SenderID),
				zap.Error(err),
			)
		}
	}()
}

func (s *Service) learnEntities(ctx context.Context, e tg.Entities) {
	if s.peers == nil {
		return
	}
	now := time.Now().Unix()
	for _, user := range e.Users {
		if user == nil {
			continue
		}
		peer := domain.Peer{Kind: domain.PeerUser, ID: user.ID, AccessHash: user.AccessHash}
		if err := s.peers.UpsertPeer(ctx, peer, user.Username, now); err != nil {
			s.logger.Debug("Failed to cache user peer", zap.Int64("user_id", user.ID), zap.Error(err))
		}
	}
	for _, channel := range e.Channels {
		if channel == nil {
			continue
		}
		peer := domain.Peer{Kind: domain.PeerChannel, ID: channel.ID, AccessHash: channel.AccessHash}
		if err := s.peers.UpsertPeer(ctx, peer, channel.Username, now); err != nil {
			s.logger.Debug("Failed to cache channel peer", zap.Int64("channel_id", channel.ID), zap.Error(err))
		}
	}
}

func peerFromMessage(peer tg.PeerClass, e tg.Entities) (domain.Peer, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		out := domain.Peer{Kind: domain.PeerUser, ID: p.UserID}
		if user, ok := e.Users[p.UserID]; ok && user != nil {
			out.AccessHash = user.AccessHash
		}
		return out, true
	case *tg.PeerChat:
		return domain.Peer{Kind: domain.PeerChat, ID: p.ChatID}, true
	case *tg.PeerChannel:
		out := domain.Peer{Kind: domain.PeerChannel, ID: p.ChannelID}
		if channel, ok := e.Channels[p.ChannelID]; ok && channel != nil {
			out.AccessHash = channel.AccessHash
		}
		return out, true
	default:
		return domain.Peer{}, false
	}
}

// senderID returns the user that sent msg, or 0 for anonymous channel posts.
func senderID(msg *tg.Message) int64 {
	if from, ok := msg.GetFromID(); ok {
		if user, ok := from.(*tg.PeerUser); ok {
			return user.UserID
		}
		return 0
	}
	if user, ok := msg.PeerID.(*tg.PeerUser); ok {
		return user.UserID
	}
	return 0
}

func inputPeer(p domain.Peer) (tg.InputPeerClass, error) {
	switch p.Kind {
	case domain.PeerUser:
		return &tg.InputPeerUser{UserID: p.ID, AccessHash: p.AccessHash}, nil
	case domain.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ID}, nil
	case domain.PeerChannel:
		return &tg.InputPeerChannel{ChannelID: p.ID, AccessHash: p.AccessHash}, nil
	default:
		return nil, fmt.Errorf("unknown peer kind %q", p.Kind)
	}
}
