package telegram

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageRunes is Telegram's per-message text limit.
const MaxMessageRunes = 4096

const fence = "```"

// Split breaks text into chunks of at most limit runes, cutting at a line
// break when one is close enough. A code block open at a cut is closed at
// the end of the chunk and reopened, with its language tag, in the next.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageRunes
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	closing := "\n" + fence
	reopen := ""
	runes := []rune(text)
	for len(runes) > 0 {
		prefix := utf8.RuneCountInString(reopen)
		if prefix+len(runes) <= limit {
			parts = append(parts, reopen+string(runes))
			break
		}
		budget := limit - prefix - len(closing)
		if budget < 1 {
			budget = 1
		}
		cut := budget
		if i := lastNewline(runes[:budget]); i >= budget/2 {
			cut = i + 1
		}
		chunk := reopen + string(runes[:cut])
		runes = runes[cut:]

		if open, lang := openFence(chunk); open {
			chunk = strings.TrimSuffix(chunk, "\n") + closing
			reopen = fence + lang + "\n"
		} else {
			reopen = ""
		}
		parts = append(parts, chunk)
	}
	return parts
}

func lastNewline(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}

// openFence reports whether text ends inside a fenced code block and the
// language tag of that block.
func openFence(text string) (bool, string) {
	open := false
	lang := ""
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, fence) {
			continue
		}
		if open {
			open = false
			lang = ""
			continue
		}
		open = true
		lang = strings.TrimSpace(strings.TrimPrefix(trimmed, fence))
	}
	return open, lang
}
