package links

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"tgbatch/internal/domain"
)

const (
	channelChatIDOffset int64 = 1_000_000_000_000
	startBatchPrefix          = "BATCH-"
)

var messageLinkPattern = regexp.MustCompile(`^(https://)?(t\.me|telegram\.me|telegram\.dog)/(c/)?([\w\d_]+)/(\d+)`)

// MessageRef points at one message of a public or private channel.
// Exactly one of Username and ChatID is set.
type MessageRef struct {
	Username string
	ChatID   int64
	MsgID    int
}

// Parse reads a t.me style message link. Numeric chat segments are turned
// into Bot API channel ids, -(10^12 + id). For ten digit ids that is the
// familiar "-100" prefix.
func Parse(link string) (MessageRef, error) {
	m := messageLinkPattern.FindStringSubmatch(strings.TrimSpace(link))
	if m == nil {
		return MessageRef{}, fmt.Errorf("%w: %q", domain.ErrInvalidLink, link)
	}
	msgID, err := strconv.Atoi(m[5])
	if err != nil || msgID <= 0 {
		return MessageRef{}, fmt.Errorf("%w: bad message id in %q", domain.ErrInvalidLink, link)
	}

	chat := m[4]
	if isDigits(chat) {
		channelID, err := strconv.ParseInt(chat, 10, 64)
		if err != nil || channelID <= 0 {
			return MessageRef{}, fmt.Errorf("%w: bad channel id in %q", domain.ErrInvalidLink, link)
		}
		return MessageRef{ChatID: -(channelChatIDOffset + channelID), MsgID: msgID}, nil
	}
	return MessageRef{Username: chat, MsgID: msgID}, nil
}

func (r MessageRef) SameChat(other MessageRef) bool {
	if r.Username != "" || other.Username != "" {
		return strings.EqualFold(r.Username, other.Username)
	}
	return r.ChatID == other.ChatID
}

// ChannelID returns the raw MTProto channel id for numeric references.
func (r MessageRef) ChannelID() (int64, bool) {
	return ChannelIDFromChatID(r.ChatID)
}

func ChannelIDFromChatID(chatID int64) (int64, bool) {
	if chatID > -channelChatIDOffset {
		return 0, false
	}
	channelID := (-chatID) - channelChatIDOffset
	if channelID <= 0 {
		return 0, false
	}
	return channelID, true
}

func ChatIDFromChannelID(channelID int64) int64 {
	return -(channelChatIDOffset + channelID)
}

// BatchLink renders the deep link that starts the bot with a batch payload.
func BatchLink(botUsername, token string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s%s", strings.TrimPrefix(botUsername, "@"), startBatchPrefix, token)
}

// ParseStartPayload extracts the token from a BATCH-<token> start payload.
func ParseStartPayload(payload string) (string, bool) {
	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, startBatchPrefix) {
		return "", false
	}
	token := strings.TrimPrefix(payload, startBatchPrefix)
	if token == "" {
		return "", false
	}
	return token, true
}

// TokenFromInput accepts a bare token, a BATCH-<token> payload or a full
// batch link and returns the token.
func TokenFromInput(raw string) string {
	raw = strings.TrimSpace(raw)
	if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
		raw = parsed.Query().Get("start")
	}
	if token, ok := ParseStartPayload(raw); ok {
		return token
	}
	return raw
}

// MessageLink builds a t.me link for a message, preferring the public username.
func MessageLink(chat domain.Chat, msgID int) string {
	if chat.Username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", chat.Username, msgID)
	}
	if channelID, ok := ChannelIDFromChatID(chat.ChatID); ok {
		return fmt.Sprintf("https://t.me/c/%d/%d", channelID, msgID)
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
