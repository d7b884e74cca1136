package summarize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// OwnerPlaceholder replaces the owner identifier in general summaries.
const OwnerPlaceholder = "the user"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks email addresses, card numbers and phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards first, otherwise the phone pattern swallows them.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// ScrubOwner replaces every case-insensitive occurrence of owner in text that
// stands as its own token. Matches inside a longer word are left alone.
func ScrubOwner(text, owner string) string {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return text
	}
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(owner))

	var sb strings.Builder
	last := 0
	for _, m := range re.FindAllStringIndex(text, -1) {
		if !standalone(text, m[0], m[1]) {
			continue
		}
		sb.WriteString(text[last:m[0]])
		sb.WriteString(OwnerPlaceholder)
		last = m[1]
	}
	if last == 0 {
		return text
	}
	sb.WriteString(text[last:])
	return sb.String()
}

// standalone reports whether text[start:end] is not glued to a word character
// on either side. Edges of the match that are not word characters themselves
// need no boundary.
func standalone(text string, start, end int) bool {
	first, _ := utf8.DecodeRuneInString(text[start:end])
	if isWord(first) && start > 0 {
		if prev, _ := utf8.DecodeLastRuneInString(text[:start]); isWord(prev) {
			return false
		}
	}
	final, _ := utf8.DecodeLastRuneInString(text[start:end])
	if isWord(final) && end < len(text) {
		if next, _ := utf8.DecodeRuneInString(text[end:]); isWord(next) {
			return false
		}
	}
	return true
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

func scrub(text, owner string) string {
	out, _ := RedactPII(ScrubOwner(text, owner))
	return out
}

func scrubExchange(ex Exchange) Exchange {
	return Exchange{
		Question: scrub(ex.Question, ex.Owner),
		Answer:   scrub(ex.Answer, ex.Owner),
		Previous: scrub(ex.Previous, ex.Owner),
	}
}
