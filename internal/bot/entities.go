package bot

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// entitiesToHTML renders a message and its formatting entities as Telegram
// HTML. Entity offsets and lengths are in UTF-16 code units.
func entitiesToHTML(text string, entities []tgbotapi.MessageEntity) string {
	units := utf16.Encode([]rune(text))

	sorted := make([]tgbotapi.MessageEntity, 0, len(entities))
	for _, e := range entities {
		if openTag(e) != "" && e.Length > 0 && e.Offset >= 0 && e.Offset+e.Length <= len(units) {
			sorted = append(sorted, e)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Offset != sorted[j].Offset {
			return sorted[i].Offset < sorted[j].Offset
		}
		return sorted[i].Length > sorted[j].Length
	})

	var sb strings.Builder
	var open []tgbotapi.MessageEntity
	next := 0

	for i := 0; ; {
		open = closeEntities(&sb, open, i)

		for next < len(sorted) && sorted[next].Offset == i {
			sb.WriteString(openTag(sorted[next]))
			open = append(open, sorted[next])
			next++
		}

		if i >= len(units) {
			break
		}

		r := rune(units[i])
		width := 1
		if utf16.IsSurrogate(r) && i+1 < len(units) {
			r = utf16.DecodeRune(r, rune(units[i+1]))
			width = 2
		}
		writeEscaped(&sb, r)
		i += width
	}
	return sb.String()
}

// closeEntities closes every open entity ending at pos. Entities opened after
// one that ends are closed with it and reopened so tags stay nested.
func closeEntities(sb *strings.Builder, open []tgbotapi.MessageEntity, pos int) []tgbotapi.MessageEntity {
	first := -1
	for k, e := range open {
		if e.Offset+e.Length <= pos {
			first = k
			break
		}
	}
	if first < 0 {
		return open
	}

	for k := len(open) - 1; k >= first; k-- {
		sb.WriteString(closeTag(open[k]))
	}
	kept := open[:first]
	for _, e := range open[first:] {
		if e.Offset+e.Length > pos {
			sb.WriteString(openTag(e))
			kept = append(kept, e)
		}
	}
	return kept
}

func openTag(e tgbotapi.MessageEntity) string {
	switch e.Type {
	case "bold":
		return "<b>"
	case "italic":
		return "<i>"
	case "underline":
		return "<u>"
	case "strikethrough":
		return "<s>"
	case "spoiler":
		return "<tg-spoiler>"
	case "code":
		return "<code>"
	case "pre":
		if e.Language != "" {
			return fmt.Sprintf(`<pre><code class="language-%s">`, escapeAttr(e.Language))
		}
		return "<pre>"
	case "text_link":
		return fmt.Sprintf(`<a href="%s">`, escapeAttr(e.URL))
	case "text_mention":
		if e.User != nil {
			return fmt.Sprintf(`<a href="tg://user?id=%d">`, e.User.ID)
		}
	case "blockquote":
		return "<blockquote>"
	case "expandable_blockquote":
		return "<blockquote expandable>"
	}
	return ""
}

func closeTag(e tgbotapi.MessageEntity) string {
	switch e.Type {
	case "bold":
		return "</b>"
	case "italic":
		return "</i>"
	case "underline":
		return "</u>"
	case "strikethrough":
		return "</s>"
	case "spoiler":
		return "</tg-spoiler>"
	case "code":
		return "</code>"
	case "pre":
		if e.Language != "" {
			return "</code></pre>"
		}
		return "</pre>"
	case "text_link", "text_mention":
		return "</a>"
	case "blockquote", "expandable_blockquote":
		return "</blockquote>"
	}
	return ""
}

func writeEscaped(sb *strings.Builder, r rune) {
	switch r {
	case '<':
		sb.WriteString("&lt;")
	case '>':
		sb.WriteString("&gt;")
	case '&':
		sb.WriteString("&amp;")
	default:
		sb.WriteRune(r)
	}
}

func escapeAttr(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;").Replace(s)
}
