package telegram

import (
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/gotd/td/tg"
	"golang.org/x/net/html"
)

type captionSpan struct {
	start, end  int
	open, close string
}

// RenderHTML renders text with its message entities as Telegram HTML, in the
// dialect the gotd html parser reads back. Entity offsets are in UTF-16 code
// units.
func RenderHTML(text string, entities []tg.MessageEntityClass) string {
	spans := make([]captionSpan, 0, len(entities))
	for _, entity := range entities {
		open, closeTag, ok := entityTags(entity)
		if !ok {
			continue
		}
		start := entity.GetOffset()
		end := start + entity.GetLength()
		if entity.GetLength() <= 0 || start < 0 {
			continue
		}
		spans = append(spans, captionSpan{start: start, end: end, open: open, close: closeTag})
	}
	if len(spans) == 0 {
		return html.EscapeString(text)
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	var (
		b     strings.Builder
		stack []captionSpan
		next  int
		off   int
	)
	emitAt := func(pos int) {
		for len(stack) > 0 && stack[len(stack)-1].end <= pos {
			b.WriteString(stack[len(stack)-1].close)
			stack = stack[:len(stack)-1]
		}
		for next < len(spans) && spans[next].start <= pos {
			span := spans[next]
			next++
			if len(stack) > 0 && span.end > stack[len(stack)-1].end {
				span.end = stack[len(stack)-1].end
			}
			if span.end <= pos {
				continue
			}
			b.WriteString(span.open)
			stack = append(stack, span)
		}
	}
	for _, r := range text {
		emitAt(off)
		b.WriteString(html.EscapeString(string(r)))
		off += utf16Len(r)
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteString(stack[i].close)
	}
	return b.String()
}

func entityTags(entity tg.MessageEntityClass) (string, string, bool) {
	switch e := entity.(type) {
	case *tg.MessageEntityBold:
		return "<b>", "</b>", true
	case *tg.MessageEntityItalic:
		return "<i>", "</i>", true
	case *tg.MessageEntityUnderline:
		return "<u>", "</u>", true
	case *tg.MessageEntityStrike:
		return "<s>", "</s>", true
	case *tg.MessageEntitySpoiler:
		return "<tg-spoiler>", "</tg-spoiler>", true
	case *tg.MessageEntityCode:
		return "<code>", "</code>", true
	case *tg.MessageEntityPre:
		if e.Language != "" {
			return `<pre><code class="language-` + html.EscapeString(e.Language) + `">`, "</code></pre>", true
		}
		return "<pre>", "</pre>", true
	case *tg.MessageEntityBlockquote:
		return "<blockquote>", "</blockquote>", true
	case *tg.MessageEntityTextURL:
		return `<a href="` + html.EscapeString(e.URL) + `">`, "</a>", true
	case *tg.MessageEntityMentionName:
		return `<a href="tg://user?id=` + strconv.FormatInt(e.UserID, 10) + `">`, "</a>", true
	case *tg.MessageEntityCustomEmoji:
		return `<tg-emoji emoji-id="` + strconv.FormatInt(e.DocumentID, 10) + `">`, "</tg-emoji>", true
	default:
		return "", "", false
	}
}

func utf16Len(r rune) int {
	if utf16.IsSurrogate(r) || r < 0x10000 {
		return 1
	}
	return 2
}
