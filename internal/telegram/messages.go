package telegram

import (
	"context"

	"tgbatch/internal/domain"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/unpack"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// noForwardsInvoker marks every messages.sendMedia passing through it as
// protected. message.Builder only carries NoForwards into text sends.
type noForwardsInvoker struct {
	next tg.Invoker
}

func (i noForwardsInvoker) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	if req, ok := input.(*tg.MessagesSendMediaRequest); ok {
		req.Noforwards = true
	}
	return i.next.Invoke(ctx, input, output)
}

// senders returns the plain and the protected message sender of the
// current connection.
func (s *Service) senders() (*message.Sender, *message.Sender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected || s.sender == nil {
		return nil, nil, ErrNotConnected
	}
	return s.sender, s.protected, nil
}

// Reply sends a plain text message to peer as a reply to replyTo and
// returns the new message id.
func (s *Service) Reply(ctx context.Context, to domain.Peer, replyTo int, text string) (int, error) {
	sender, _, err := s.senders()
	if err != nil {
		return 0, err
	}
	peer, err := inputPeer(to)
	if err != nil {
		return 0, err
	}
	b := sender.To(peer).NoWebpage()
	if replyTo > 0 {
		b = b.Reply(replyTo)
	}

	var id int
	err = s.withFloodRetry(ctx, "messages.sendMessage", func() error {
		var callErr error
		id, callErr = unpack.MessageID(b.Text(ctx, text))
		return callErr
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Edit replaces the text of a message the bot sent. Unchanged text is not an
// error.
func (s *Service) Edit(ctx context.Context, to domain.Peer, msgID int, text string) error {
	sender, _, err := s.senders()
	if err != nil {
		return err
	}
	peer, err := inputPeer(to)
	if err != nil {
		return err
	}
	err = s.withFloodRetry(ctx, "messages.editMessage", func() error {
		_, callErr := sender.To(peer).NoWebpage().Edit(msgID).Text(ctx, text)
		return callErr
	})
	if tgerr.Is(err, "MESSAGE_NOT_MODIFIED") {
		return nil
	}
	return err
}
