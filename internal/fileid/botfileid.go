package fileid

import (
	"errors"
	"fmt"

	tdfileid "github.com/gotd/td/fileid"
	"github.com/gotd/td/tg"
)

var ErrUnsupportedMedia = errors.New("unsupported media type")

// FromDocument returns the Bot API file_id of doc.
func FromDocument(doc *tg.Document) (string, error) {
	if doc == nil {
		return "", errors.New("document is nil")
	}
	return tdfileid.EncodeFileID(tdfileid.FromDocument(doc))
}

// FromPhoto returns the Bot API file_id of the largest size of photo.
func FromPhoto(photo *tg.Photo) (string, int64, error) {
	if photo == nil {
		return "", 0, errors.New("photo is nil")
	}
	thumbType, size, ok := largestPhotoSize(photo.Sizes)
	if !ok {
		return "", 0, fmt.Errorf("photo %d has no downloadable sizes", photo.ID)
	}
	encoded, err := tdfileid.EncodeFileID(tdfileid.FromPhoto(photo, thumbType))
	if err != nil {
		return "", 0, err
	}
	return encoded, size, nil
}

// Unpack decodes a full Bot API file_id and returns its compact form
// together with the encoded file reference.
func Unpack(botFileID string) (Compact, string, error) {
	id, err := tdfileid.DecodeFileID(botFileID)
	if err != nil {
		return Compact{}, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Compact{
		Type:       int32(id.Type),
		DC:         int32(id.DC),
		ID:         id.ID,
		AccessHash: id.AccessHash,
	}, EncodeReference(id.FileReference), nil
}

// CompactOf returns the compact form of an already decoded document.
func CompactOf(doc *tg.Document) Compact {
	id := tdfileid.FromDocument(doc)
	return Compact{
		Type:       int32(id.Type),
		DC:         int32(id.DC),
		ID:         id.ID,
		AccessHash: id.AccessHash,
	}
}

// InputMedia turns a Bot API file_id back into media that can be re-sent
// without uploading it again.
func InputMedia(botFileID string) (tg.InputMediaClass, error) {
	id, err := tdfileid.DecodeFileID(botFileID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch id.Type {
	case tdfileid.Photo:
		return &tg.InputMediaPhoto{
			ID: &tg.InputPhoto{
				ID:            id.ID,
				AccessHash:    id.AccessHash,
				FileReference: id.FileReference,
			},
		}, nil
	case tdfileid.Thumbnail, tdfileid.ProfilePhoto, tdfileid.Encrypted,
		tdfileid.EncryptedThumbnail, tdfileid.Temp, tdfileid.SecureRaw, tdfileid.Secure:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMedia, id.Type)
	default:
		return &tg.InputMediaDocument{
			ID: &tg.InputDocument{
				ID:            id.ID,
				AccessHash:    id.AccessHash,
				FileReference: id.FileReference,
			},
		}, nil
	}
}

func largestPhotoSize(sizes []tg.PhotoSizeClass) (rune, int64, bool) {
	var (
		best     rune
		bestSize int64
		found    bool
	)
	for _, raw := range sizes {
		var (
			kind string
			size int64
		)
		switch s := raw.(type) {
		case *tg.PhotoSize:
			kind, size = s.Type, int64(s.Size)
		case *tg.PhotoSizeProgressive:
			kind = s.Type
			for _, step := range s.Sizes {
				if int64(step) > size {
					size = int64(step)
				}
			}
		default:
			continue
		}
		if kind == "" {
			continue
		}
		if !found || size > bestSize {
			best, bestSize, found = []rune(kind)[0], size, true
		}
	}
	return best, bestSize, found
}
