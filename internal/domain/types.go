package domain

import (
	"errors"
	"time"
)

var (
	ErrInvalidLink         = errors.New("invalid telegram message link")
	ErrChannelInaccessible = errors.New("channel is invalid or the bot is not a member")
	ErrInvalidUsername     = errors.New("invalid username")
	ErrNotChannel          = errors.New("chat is not a channel")
	ErrNotFound            = errors.New("not found")
	ErrNotConfigured       = errors.New("telegram bot credentials are not configured")
)

type PeerKind string

const (
	PeerUser    PeerKind = "user"
	PeerChat    PeerKind = "chat"
	PeerChannel PeerKind = "channel"
)

// Peer addresses a Telegram dialog without depending on the MTProto types.
// ID is the raw MTProto id (positive), not the Bot API style chat id.
type Peer struct {
	Kind       PeerKind `json:"kind"`
	ID         int64    `json:"id"`
	AccessHash int64    `json:"access_hash,omitempty"`
}

type Chat struct {
	Peer     Peer   `json:"peer"`
	ChatID   int64  `json:"chat_id"`
	Title    string `json:"title"`
	Username string `json:"username,omitempty"`
}

// Command is one incoming bot command, already split into name and arguments.
type Command struct {
	Peer     Peer
	MsgID    int
	SenderID int64
	Name     string
	Args     []string
	Text     string
}

// Media describes a postable media object of a message.
type Media struct {
	FileID string
	Title  string
	Size   int64
}

// Post is a channel message seen while walking a range.
type Post struct {
	ID          int
	CaptionHTML string
	Media       *Media
}

// BatchEntry is one element of the uploaded JSON manifest.
type BatchEntry struct {
	FileID  string `json:"file_id"`
	Caption string `json:"caption"`
	Title   string `json:"title"`
	Size    int64  `json:"size"`
	Protect bool   `json:"protect"`
}

// Document is enough of an uploaded document to download it again later.
type Document struct {
	ID            int64  `json:"id"`
	AccessHash    int64  `json:"access_hash"`
	FileReference []byte `json:"file_reference,omitempty"`
	DC            int    `json:"dc"`
	Size          int64  `json:"size"`
	FileID        string `json:"file_id,omitempty"`
	ChatID        int64  `json:"chat_id,omitempty"`
	MsgID         int    `json:"msg_id,omitempty"`
}

type BatchRecord struct {
	Token        string   `json:"token"`
	OwnerID      int64    `json:"owner_id"`
	SourceChatID int64    `json:"source_chat_id"`
	SourceTitle  string   `json:"source_title"`
	FirstMsgID   int      `json:"first_msg_id"`
	LastMsgID    int      `json:"last_msg_id"`
	Files        int      `json:"files"`
	Protected    bool     `json:"protected"`
	Manifest     Document `json:"manifest"`
	Link         string   `json:"link"`
	CreatedAt    int64    `json:"created_at"`
}

type BotStatus struct {
	Username      string `json:"username"`
	Connected     bool   `json:"connected"`
	BatchCount    int    `json:"batch_count"`
	StartedAtUnix int64  `json:"started_at_unix"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
}

func (s *BotStatus) Touch() {
	s.UpdatedAtUnix = time.Now().Unix()
}
