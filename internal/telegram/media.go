package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"tgbatch/internal/domain"
	"tgbatch/internal/fileid"
	"tgbatch/internal/links"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/html"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/message/unpack"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"
)

var (
	ErrFileTooLarge         = errors.New("file exceeds maximum size")
	ErrFileReferenceExpired = errors.New("telegram file reference expired")
)

// describeMedia returns the re-sendable part of a message's media.
func describeMedia(msg *tg.Message) (*domain.Media, error) {
	mediaClass, ok := msg.GetMedia()
	if !ok {
		return nil, fileid.ErrUnsupportedMedia
	}
	switch m := mediaClass.(type) {
	case *tg.MessageMediaDocument:
		docClass, ok := m.GetDocument()
		if !ok {
			return nil, fmt.Errorf("%w: empty document", fileid.ErrUnsupportedMedia)
		}
		doc, ok := docClass.(*tg.Document)
		if !ok {
			return nil, fmt.Errorf("%w: empty document", fileid.ErrUnsupportedMedia)
		}
		encoded, err := fileid.FromDocument(doc)
		if err != nil {
			return nil, err
		}
		return &domain.Media{FileID: encoded, Title: documentFilename(doc.Attributes), Size: doc.Size}, nil
	case *tg.MessageMediaPhoto:
		photoClass, ok := m.GetPhoto()
		if !ok {
			return nil, fmt.Errorf("%w: empty photo", fileid.ErrUnsupportedMedia)
		}
		photo, ok := photoClass.(*tg.Photo)
		if !ok {
			return nil, fmt.Errorf("%w: empty photo", fileid.ErrUnsupportedMedia)
		}
		encoded, size, err := fileid.FromPhoto(photo)
		if err != nil {
			return nil, err
		}
		return &domain.Media{FileID: encoded, Size: size}, nil
	default:
		return nil, fmt.Errorf("%w: %T", fileid.ErrUnsupportedMedia, mediaClass)
	}
}

func documentFilename(attrs []tg.DocumentAttributeClass) string {
	for _, attr := range attrs {
		if named, ok := attr.(*tg.DocumentAttributeFilename); ok {
			return strings.TrimSpace(named.FileName)
		}
	}
	return ""
}

func documentFromMessage(msg *tg.Message) (*tg.Document, bool) {
	mediaClass, ok := msg.GetMedia()
	if !ok {
		return nil, false
	}
	media, ok := mediaClass.(*tg.MessageMediaDocument)
	if !ok {
		return nil, false
	}
	docClass, ok := media.GetDocument()
	if !ok {
		return nil, false
	}
	doc, ok := docClass.(*tg.Document)
	return doc, ok
}

// UploadDocument uploads the file at path to the log channel under fileName
// and returns the stored document.
func (s *Service) UploadDocument(ctx context.Context, path, fileName, caption string) (domain.Document, error) {
	api, err := s.client()
	if err != nil {
		return domain.Document{}, err
	}
	sender, _, err := s.senders()
	if err != nil {
		return domain.Document{}, err
	}
	logPeer := s.logChannel()
	peer, err := inputPeer(logPeer)
	if err != nil {
		return domain.Document{}, err
	}

	file, err := uploader.NewUploader(api).FromPath(ctx, path)
	if err != nil {
		return domain.Document{}, fmt.Errorf("upload %s: %w", fileName, err)
	}
	media := message.UploadedDocument(file, plainCaption(caption)...).
		Filename(fileName).
		MIME(mimeTypeFor(fileName)).
		ForceFile(true)

	var msg *tg.Message
	err = s.withFloodRetry(ctx, "messages.sendMedia", func() error {
		var callErr error
		msg, callErr = unpack.Message(sender.To(peer).Media(ctx, media))
		return callErr
	})
	if err != nil {
		return domain.Document{}, fmt.Errorf("send %s to log channel: %w", fileName, err)
	}

	doc, ok := documentFromMessage(msg)
	if !ok {
		return domain.Document{}, errors.New("log channel message has no document")
	}
	out := toDomainDocument(doc)
	out.ChatID = links.ChatIDFromChannelID(logPeer.ID)
	out.MsgID = msg.ID
	s.logger.Debug("Uploaded document to log channel",
		zap.String("file_name", fileName),
		zap.Int("msg_id", msg.ID),
		zap.Int64("size", doc.Size),
	)
	return out, nil
}

func toDomainDocument(doc *tg.Document) domain.Document {
	out := domain.Document{
		ID:            doc.ID,
		AccessHash:    doc.AccessHash,
		FileReference: doc.FileReference,
		DC:            doc.DCID,
		Size:          doc.Size,
	}
	if encoded, err := fileid.FromDocument(doc); err == nil {
		out.FileID = encoded
	}
	return out
}

// DownloadDocument downloads doc into memory. When the file reference has
// expired and the document's log channel message is known, the reference is
// refreshed once; the returned document carries the reference that worked.
func (s *Service) DownloadDocument(ctx context.Context, doc domain.Document, maxBytes int64) ([]byte, domain.Document, error) {
	if doc.ID == 0 || doc.AccessHash == 0 {
		return nil, doc, errors.New("document id and access hash are required")
	}
	if maxBytes <= 0 {
		return nil, doc, errors.New("maxBytes must be > 0")
	}
	api, err := s.client()
	if err != nil {
		return nil, doc, err
	}

	data, err := downloadDocument(ctx, api, doc, maxBytes)
	if err == nil || !errors.Is(err, ErrFileReferenceExpired) || doc.MsgID == 0 {
		return data, doc, err
	}

	fresh, refreshErr := s.refreshDocument(ctx, api, doc)
	if refreshErr != nil {
		return nil, doc, errors.Join(err, refreshErr)
	}
	s.logger.Info("Refreshed document file reference", zap.Int64("document_id", doc.ID), zap.Int("msg_id", doc.MsgID))
	data, err = downloadDocument(ctx, api, fresh, maxBytes)
	return data, fresh, err
}

func downloadDocument(ctx context.Context, api *tg.Client, doc domain.Document, maxBytes int64) ([]byte, error) {
	location := &tg.InputDocumentFileLocation{
		ID:            doc.ID,
		AccessHash:    doc.AccessHash,
		FileReference: doc.FileReference,
	}

	var buf cappedBuffer
	buf.Max = maxBytes
	_, err := downloader.NewDownloader().Download(api, location).Stream(ctx, &buf)
	if err != nil {
		if isFileReferenceError(err) {
			return nil, errors.Join(ErrFileReferenceExpired, err)
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Service) refreshDocument(ctx context.Context, api *tg.Client, doc domain.Document) (domain.Document, error) {
	logPeer := s.logChannel()
	messages, err := fetchMessages(ctx, api, logPeer, doc.MsgID, doc.MsgID)
	if err != nil {
		return doc, fmt.Errorf("refetch log message %d: %w", doc.MsgID, err)
	}
	for _, msg := range messages {
		fresh, ok := documentFromMessage(msg)
		if !ok || fresh.ID != doc.ID {
			continue
		}
		out := toDomainDocument(fresh)
		out.ChatID = doc.ChatID
		out.MsgID = doc.MsgID
		return out, nil
	}
	return doc, fmt.Errorf("log message %d: %w", doc.MsgID, domain.ErrNotFound)
}

// SendFile re-sends a manifest entry by its file id, with its HTML caption.
// Protected entries are sent with forwarding and saving disabled.
func (s *Service) SendFile(ctx context.Context, to domain.Peer, entry domain.BatchEntry) error {
	sender, protected, err := s.senders()
	if err != nil {
		return err
	}
	if entry.Protect {
		sender = protected
	}
	peer, err := inputPeer(to)
	if err != nil {
		return err
	}
	media, err := fileid.InputMedia(entry.FileID)
	if err != nil {
		return err
	}
	var caption []styling.StyledTextOption
	if entry.Caption != "" {
		// A nil resolver turns tg://user links into bare InputUser ids, which
		// is what a bot session can use.
		caption = append(caption, html.String(nil, entry.Caption))
	}
	return s.withFloodRetry(ctx, "messages.sendMedia", func() error {
		_, callErr := sender.To(peer).Media(ctx, message.Media(media, caption...))
		return callErr
	})
}

// SendPhoto uploads a PNG/JPEG from memory and sends it as a photo.
func (s *Service) SendPhoto(ctx context.Context, to domain.Peer, fileName string, data []byte, caption string) error {
	api, err := s.client()
	if err != nil {
		return err
	}
	sender, _, err := s.senders()
	if err != nil {
		return err
	}
	peer, err := inputPeer(to)
	if err != nil {
		return err
	}
	file, err := uploader.NewUploader(api).FromBytes(ctx, fileName, data)
	if err != nil {
		return fmt.Errorf("upload %s: %w", fileName, err)
	}
	return s.withFloodRetry(ctx, "messages.sendMedia", func() error {
		_, callErr := sender.To(peer).UploadedPhoto(ctx, file, plainCaption(caption)...)
		return callErr
	})
}

func plainCaption(caption string) []styling.StyledTextOption {
	if caption == "" {
		return nil
	}
	return []styling.StyledTextOption{styling.Plain(caption)}
}

func mimeTypeFor(fileName string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(fileName), ".json"):
		return "application/json"
	case strings.HasSuffix(strings.ToLower(fileName), ".png"):
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

type cappedBuffer struct {
	Buf bytes.Buffer
	N   int64
	Max int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.Max > 0 && b.N+int64(len(p)) > b.Max {
		return 0, ErrFileTooLarge
	}
	n, err := b.Buf.Write(p)
	b.N += int64(n)
	return n, err
}

func (b *cappedBuffer) Bytes() []byte {
	return b.Buf.Bytes()
}

func isFileReferenceError(err error) bool {
	var rpcErr *tgerr.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.IsOneOf("FILE_REFERENCE_EXPIRED", "FILE_REFERENCE_INVALID", "FILE_REFERENCE_EMPTY")
	}
	return false
}
