// Package batch implements the /batch, /pbatch and /start BATCH-<token>
// commands: collecting channel media into a JSON manifest and delivering it
// back to whoever opens the link.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"tgbatch/internal/domain"
	"tgbatch/internal/fileid"
	"tgbatch/internal/links"
	"tgbatch/internal/security"

	"go.uber.org/zap"
)

const (
	commandBatch          = "batch"
	commandProtectedBatch = "pbatch"
	commandStart          = "start"
	commandList           = "batches"

	manifestUploadName = "Batch.json"
	defaultProgress    = 20
	listLimit          = 10
)

// Messenger is the subset of the Telegram client the handler needs.
type Messenger interface {
	Username() string
	Reply(ctx context.Context, to domain.Peer, replyTo int, text string) (int, error)
	Edit(ctx context.Context, to domain.Peer, msgID int, text string) error
	ResolveChat(ctx context.Context, ref links.MessageRef) (domain.Chat, error)
	IterRange(ctx context.Context, chat domain.Chat, first, last int, fn func(domain.Post) error) error
	UploadDocument(ctx context.Context, path, fileName, caption string) (domain.Document, error)
	DownloadDocument(ctx context.Context, doc domain.Document, maxBytes int64) ([]byte, domain.Document, error)
	SendFile(ctx context.Context, to domain.Peer, entry domain.BatchEntry) error
	SendPhoto(ctx context.Context, to domain.Peer, fileName string, data []byte, caption string) error
}

type Store interface {
	InsertBatch(ctx context.Context, rec domain.BatchRecord) error
	GetBatch(ctx context.Context, token string) (domain.BatchRecord, error)
	ListBatches(ctx context.Context, ownerID int64, limit int) ([]domain.BatchRecord, error)
	UpdateManifestReference(ctx context.Context, token string, ref []byte) error
}

// Recorder receives batch lifecycle events, typically for metrics.
type Recorder interface {
	BatchCreated(protected bool, files int)
	BatchDelivered(sent, failed int)
	Failure(stage string)
}

type Options struct {
	ProgressEvery    int
	MaxRange         int
	MaxManifestBytes int64
	ManifestDir      string
	LinkQR           bool
}

type Handler struct {
	tg       Messenger
	store    Store
	access   *security.AccessPolicy
	recorder Recorder
	logger   *zap.Logger
	opts     Options
	now      func() time.Time

	mu       sync.Mutex
	inflight map[int64]struct{}
}

func NewHandler(tg Messenger, store Store, access *security.AccessPolicy, recorder Recorder, logger *zap.Logger, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = defaultProgress
	}
	if strings.TrimSpace(opts.ManifestDir) == "" {
		opts.ManifestDir = os.TempDir()
	}
	return &Handler{
		tg:       tg,
		store:    store,
		access:   access,
		recorder: recorder,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		inflight: map[int64]struct{}{},
	}
}

// HandleCommand routes one command. Unknown commands and commands from
// senders without access are ignored.
func (h *Handler) HandleCommand(ctx context.Context, cmd domain.Command) error {
	switch cmd.Name {
	case commandBatch, commandProtectedBatch:
		if !h.access.Allowed(cmd.SenderID) {
			h.logger.Debug("Ignoring batch command from unauthorized sender", zap.Int64("sender_id", cmd.SenderID))
			return nil
		}
		return h.Generate(ctx, cmd)
	case commandList:
		if !h.access.Allowed(cmd.SenderID) {
			return nil
		}
		return h.List(ctx, cmd)
	case commandStart:
		if len(cmd.Args) > 0 {
			if token, ok := links.ParseStartPayload(cmd.Args[0]); ok {
				return h.Deliver(ctx, cmd, token)
			}
		}
		_, err := h.tg.Reply(ctx, cmd.Peer, cmd.MsgID, "👋 Hi! Open a batch link to receive its files.")
		return err
	default:
		return nil
	}
}

// Generate runs /batch and /pbatch.
func (h *Handler) Generate(ctx context.Context, cmd domain.Command) error {
	if len(cmd.Args) != 2 {
		_, err := h.tg.Reply(ctx, cmd.Peer, cmd.MsgID, usageText(cmd.Name))
		return err
	}

	first, firstErr := links.Parse(cmd.Args[0])
	last, lastErr := links.Parse(cmd.Args[1])
	if firstErr != nil || lastErr != nil {
		_, err := h.tg.Reply(ctx, cmd.Peer, cmd.MsgID, "❌ Invalid Telegram link")
		return err
	}
	if !first.SameChat(last) {
		_, err := h.tg.Reply(ctx, cmd.Peer, cmd.MsgID, "❌ Both links must be from the same channel")
		return err
	}

	lo, hi := first.MsgID, last.MsgID
	if lo > hi {
		lo, hi = hi, lo
	}
	total := hi - lo + 1
	if h.opts.MaxRange > 0 && total > h.opts.MaxRange {
		_, err := h.tg.Reply(ctx, cmd.Peer, cmd.MsgID, fmt.Sprintf("❌ Range too large: %d messages (limit %d)", total, h.opts.MaxRange))
		return err
	}

	if !h.acquire(cmd.SenderID) {
		_, err := h.tg.Reply(ctx, cmd.Peer, cmd.MsgID, "⏳ Another batch of yours is still running")
		return err
	}
	defer h.release(cmd.SenderID)

	chat, err := h.tg.ResolveChat(ctx, first)
	if err != nil {
		h.recorder.Failure("resolve")
		_, replyErr := h.tg.Reply(ctx, cmd.Peer, cmd.MsgID, resolveErrorText(err))
		return errors.Join(replyErr, logOnly(err))
	}

	statusID, err := h.tg.Reply(ctx, cmd.Peer, cmd.MsgID, "⏳ Generating batch link...")
	if err != nil {
		return fmt.Errorf("post status: %w", err)
	}
	status := func(text string) {
		if editErr := h.tg.Edit(ctx, cmd.Peer, statusID, text); editErr != nil {
			h.logger.Warn("Failed to edit status message", zap.Int("msg_id", statusID), zap.Error(editErr))
		}
	}

	protect := cmd.Name == commandProtectedBatch
	entries := make([]domain.BatchEntry, 0, min(total, 256))
	iterErr := h.tg.IterRange(ctx, chat, lo, hi, func(post domain.Post) error {
		if post.Media == nil {
			return nil
		}
		entries = append(entries, domain.BatchEntry{
			FileID:  post.Media.FileID,
			Caption: post.CaptionHTML,
			Title:   post.Media.Title,
			Size:    post.Media.Size,
			Protect: protect,
		})
		if len(entries)%h.opts.ProgressEvery == 0 {
			status(progressText(total, len(entries)))
		}
		return nil
	})
	if iterErr != nil {
		h.recorder.Failure("iterate")
		status("❌ Error: " + iterErr.Error())
		return fmt.Errorf("iterate %d..%d: %w", lo, hi, iterErr)
	}

	if len(entries) == 0 {
		status("❌ No media files found in given range")
		return nil
	}

	doc, err := h.publishManifest(ctx, cmd, entries)
	if err != nil {
		h.recorder.Failure("upload")
		status("❌ Error: failed to upload batch file")
		return err
	}

	token := fileid.Encode(doc.compact)
	link := links.BatchLink(h.tg.Username(), token)

	rec := domain.BatchRecord{
		Token:        token,
		OwnerID:      cmd.SenderID,
		SourceChatID: chat.ChatID,
		SourceTitle:  chat.Title,
		FirstMsgID:   lo,
		LastMsgID:    hi,
		Files:        len(entries),
		Protected:    protect,
		Manifest:     doc.Document,
		Link:         link,
		CreatedAt:    h.now().Unix(),
	}
	if err := h.store.InsertBatch(ctx, rec); err != nil {
		h.recorder.Failure("store")
		h.logger.Error("Failed to persist batch record", zap.String("token", token), zap.Error(err))
	}
	h.recorder.BatchCreated(protect, len(entries))
	h.logger.Info("Batch generated",
		zap.Int64("owner_id", cmd.SenderID),
		zap.Int64("chat_id", chat.ChatID),
		zap.Int("first", lo),
		zap.Int("last", hi),
		zap.Int("files", len(entries)),
		zap.Bool("protect", protect),
	)

	status(fmt.Sprintf("✅ Batch link generated successfully!\nFiles: %d\n\n🔗 %s", len(entries), link))

	if h.opts.LinkQR {
		png, qrErr := links.QRCode(link)
		if qrErr == nil {
			qrErr = h.tg.SendPhoto(ctx, cmd.Peer, "batch-link.png", png, link)
		}
		if qrErr != nil {
			h.logger.Warn("Failed to send batch link QR code", zap.Error(qrErr))
		}
	}
	return nil
}

// List shows the sender's most recent batches.
func (h *Handler) List(ctx context.Context, cmd domain.Command) error {
	// Sender 0 is an anonymous admin or a channel post. The store treats
	// owner 0 as every owner, so it must never reach ListBatches here.
	if cmd.SenderID == 0 {
		_, err := h.tg.Reply(ctx, cmd.Peer, cmd.MsgID, "❌ Batches can only be listed from a personal account")
		return err
	}
	records, err := h.store.ListBatches(ctx, cmd.SenderID, listLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		_, err := h.tg.Reply(ctx, cmd.Peer, cmd.MsgID, "You have not generated any batches yet.")
		return err
	}
	var b strings.Builder
	b.WriteString("📚 Your recent batches:\n")
	for _, rec := range records {
		title := rec.SourceTitle
		if title == "" {
			title = fmt.Sprintf("%d", rec.SourceChatID)
		}
		fmt.Fprintf(&b, "\n• %s %d–%d, %d files\n%s\n", title, rec.FirstMsgID, rec.LastMsgID, rec.Files, rec.Link)
	}
	_, err = h.tg.Reply(ctx, cmd.Peer, cmd.MsgID, b.String())
	return err
}

type publishedManifest struct {
	domain.Document
	compact fileid.Compact
}

func (h *Handler) publishManifest(ctx context.Context, cmd domain.Command, entries []domain.BatchEntry) (publishedManifest, error) {
	path, err := writeManifest(h.opts.ManifestDir, cmd.SenderID, cmd.MsgID, entries)
	if err != nil {
		return publishedManifest{}, fmt.Errorf("write manifest: %w", err)
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			h.logger.Warn("Failed to remove manifest file", zap.String("path", path), zap.Error(rmErr))
		}
	}()

	doc, err := h.tg.UploadDocument(ctx, path, manifestUploadName, "📁 Batch generated")
	if err != nil {
		return publishedManifest{}, fmt.Errorf("upload manifest: %w", err)
	}

	// The uploaded document's file_id carries the real type; fall back to a
	// plain document when it is missing.
	compact := fileid.Compact{Type: documentFileType, DC: int32(doc.DC), ID: doc.ID, AccessHash: doc.AccessHash}
	if doc.FileID != "" {
		if unpacked, _, unpackErr := fileid.Unpack(doc.FileID); unpackErr == nil {
			compact = unpacked
		}
	}
	return publishedManifest{Document: doc, compact: compact}, nil
}

func (h *Handler) acquire(userID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.inflight[userID]; busy {
		return false
	}
	h.inflight[userID] = struct{}{}
	return true
}

func (h *Handler) release(userID int64) {
	h.mu.Lock()
	delete(h.inflight, userID)
	h.mu.Unlock()
}

func usageText(command string) string {
	if command == "" {
		command = commandBatch
	}
	return fmt.Sprintf("❌ Use correct format:\n/%s https://t.me/channel/10 https://t.me/channel/30", command)
}

func progressText(total, saved int) string {
	return fmt.Sprintf("📦 Batch Progress\nTotal Range: %d\nSaved Files: %d", total, saved)
}

func resolveErrorText(err error) string {
	switch {
	case errors.Is(err, domain.ErrChannelInaccessible), errors.Is(err, domain.ErrNotChannel):
		return "❌ Make me admin in the channel"
	case errors.Is(err, domain.ErrInvalidUsername):
		return "❌ Invalid username"
	default:
		return "❌ Error: " + err.Error()
	}
}

// logOnly keeps expected user errors out of the handler's returned error.
func logOnly(err error) error {
	if errors.Is(err, domain.ErrChannelInaccessible) || errors.Is(err, domain.ErrInvalidUsername) || errors.Is(err, domain.ErrNotChannel) {
		return nil
	}
	return err
}

type nopRecorder struct{}

func (nopRecorder) BatchCreated(bool, int)  {}
func (nopRecorder) BatchDelivered(int, int) {}
func (nopRecorder) Failure(string)          {}
