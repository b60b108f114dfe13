package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"tgbatch/internal/domain"
	"tgbatch/internal/fileid"

	"go.uber.org/zap"
)

// Deliver answers /start BATCH-<token>: it downloads the manifest the token
// points at and re-sends every file to the requesting chat.
func (h *Handler) Deliver(ctx context.Context, cmd domain.Command, token string) error {
	doc, rec, known, err := h.lookupManifest(ctx, token)
	if err != nil {
		h.recorder.Failure("token")
		_, replyErr := h.tg.Reply(ctx, cmd.Peer, cmd.MsgID, "❌ Invalid or expired batch link")
		return replyErr
	}

	statusID, err := h.tg.Reply(ctx, cmd.Peer, cmd.MsgID, "⏳ Please wait...")
	if err != nil {
		return fmt.Errorf("post status: %w", err)
	}
	status := func(text string) {
		if editErr := h.tg.Edit(ctx, cmd.Peer, statusID, text); editErr != nil {
			h.logger.Warn("Failed to edit status message", zap.Int("msg_id", statusID), zap.Error(editErr))
		}
	}

	data, fresh, err := h.tg.DownloadDocument(ctx, doc, h.opts.MaxManifestBytes)
	if err != nil {
		h.recorder.Failure("download")
		status("❌ Batch file is no longer available")
		return fmt.Errorf("download manifest %s: %w", token, err)
	}
	if known && len(fresh.FileReference) > 0 && !bytes.Equal(fresh.FileReference, rec.Manifest.FileReference) {
		if err := h.store.UpdateManifestReference(ctx, token, fresh.FileReference); err != nil {
			h.logger.Warn("Failed to store refreshed file reference", zap.String("token", token), zap.Error(err))
		}
	}

	entries, err := ParseManifest(data)
	if err != nil {
		h.recorder.Failure("manifest")
		status("❌ Batch file is corrupted")
		return fmt.Errorf("manifest %s: %w", token, err)
	}

	sent, failed := 0, 0
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.tg.SendFile(ctx, cmd.Peer, entry); err != nil {
			failed++
			h.logger.Warn("Failed to send batch file",
				zap.String("token", token),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	h.recorder.BatchDelivered(sent, failed)
	h.logger.Info("Batch delivered",
		zap.String("token", token),
		zap.Int64("user_id", cmd.SenderID),
		zap.Int("sent", sent),
		zap.Int("failed", failed),
	)

	if failed > 0 {
		status(fmt.Sprintf("⚠️ Sent %d of %d files", sent, len(entries)))
	} else {
		status(fmt.Sprintf("✅ Sent %d files", sent))
	}
	return nil
}

// lookupManifest prefers the stored record, which carries a file reference,
// and falls back to the ids packed into the token itself.
func (h *Handler) lookupManifest(ctx context.Context, token string) (domain.Document, domain.BatchRecord, bool, error) {
	rec, err := h.store.GetBatch(ctx, token)
	if err == nil {
		return rec.Manifest, rec, true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		h.logger.Warn("Batch lookup failed, decoding token", zap.String("token", token), zap.Error(err))
	}
	compact, decodeErr := fileid.Decode(token)
	if decodeErr != nil {
		return domain.Document{}, domain.BatchRecord{}, false, decodeErr
	}
	return domain.Document{
		ID:         compact.ID,
		AccessHash: compact.AccessHash,
		DC:         int(compact.DC),
	}, domain.BatchRecord{}, false, nil
}
