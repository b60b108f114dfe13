// Package fileid converts between Bot API style file identifiers and the
// compact token embedded in batch links.
//
// A compact token is the fixed 24 byte prefix of a file identifier
// (type, dc, media id, access hash; all little-endian) followed by the
// version trailer, with zero bytes run-length encoded and the result
// base64url encoded without padding. It is itself a valid file identifier
// that carries no file reference.
package fileid

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	compactSize = 4 + 4 + 8 + 8

	subVersion byte = 22
	version    byte = 4
)

var ErrMalformed = errors.New("malformed file identifier")

type Compact struct {
	Type       int32
	DC         int32
	ID         int64
	AccessHash int64
}

// Encode packs c into a compact token.
func Encode(c Compact) string {
	raw := make([]byte, compactSize, compactSize+2)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(c.Type))
	binary.LittleEndian.PutUint32(raw[4:8], uint32(c.DC))
	binary.LittleEndian.PutUint64(raw[8:16], uint64(c.ID))
	binary.LittleEndian.PutUint64(raw[16:24], uint64(c.AccessHash))
	raw = append(raw, subVersion, version)
	return base64.RawURLEncoding.EncodeToString(rleEncode(raw))
}

// Decode parses a compact token. Padded input is accepted.
func Decode(token string) (Compact, error) {
	token = strings.TrimRight(strings.TrimSpace(token), "=")
	if token == "" {
		return Compact{}, fmt.Errorf("%w: empty token", ErrMalformed)
	}
	packed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Compact{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	raw, err := rleDecode(packed)
	if err != nil {
		return Compact{}, err
	}
	if len(raw) != compactSize+2 {
		return Compact{}, fmt.Errorf("%w: unexpected length %d", ErrMalformed, len(raw))
	}
	if raw[len(raw)-2] != subVersion || raw[len(raw)-1] != version {
		return Compact{}, fmt.Errorf("%w: unsupported version %d.%d", ErrMalformed, raw[len(raw)-2], raw[len(raw)-1])
	}
	return Compact{
		Type:       int32(binary.LittleEndian.Uint32(raw[0:4])),
		DC:         int32(binary.LittleEndian.Uint32(raw[4:8])),
		ID:         int64(binary.LittleEndian.Uint64(raw[8:16])),
		AccessHash: int64(binary.LittleEndian.Uint64(raw[16:24])),
	}, nil
}

// EncodeReference encodes a file reference the same way tokens are encoded,
// without run-length compression.
func EncodeReference(ref []byte) string {
	return base64.RawURLEncoding.EncodeToString(ref)
}

func rleEncode(src []byte) []byte {
	out := make([]byte, 0, len(src))
	zeros := 0
	flush := func() {
		for zeros > 0 {
			n := zeros
			if n > 0xff {
				n = 0xff
			}
			out = append(out, 0, byte(n))
			zeros -= n
		}
	}
	for _, b := range src {
		if b == 0 {
			zeros++
			continue
		}
		flush()
		out = append(out, b)
	}
	flush()
	return out
}

// rleDecode expands 0x00,n pairs. A run length of zero or a marker without
// a length is malformed.
func rleDecode(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src)*2)
	zero := false
	for _, b := range src {
		if zero {
			if b == 0 {
				return nil, fmt.Errorf("%w: zero-length run", ErrMalformed)
			}
			for i := 0; i < int(b); i++ {
				out = append(out, 0)
			}
			zero = false
			continue
		}
		if b == 0 {
			zero = true
			continue
		}
		out = append(out, b)
	}
	if zero {
		return nil, fmt.Errorf("%w: dangling run marker", ErrMalformed)
	}
	return out, nil
}
