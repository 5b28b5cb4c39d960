// Package sanitize normalizes untrusted client input before it is stored
// or fanned out to other participants.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength caps stored message text. Longer input is truncated at a
// rune boundary, not rejected, so clients never lose a send over length.
const MaxMessageLength = 4096

var controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)

// MessageText normalizes chat message text: strips control characters,
// trims surrounding whitespace and truncates to MaxMessageLength runes.
// Newlines and tabs survive; clients rely on them for formatting.
func MessageText(input string) string {
	input = controlChars.ReplaceAllString(input, "")
	input = strings.TrimSpace(input)
	if utf8.RuneCountInString(input) > MaxMessageLength {
		runes := []rune(input)
		input = string(runes[:MaxMessageLength])
	}
	return input
}

// Identifier normalizes ids arriving over the wire. Anything outside the
// opaque-id alphabet is removed.
var identifierChars = regexp.MustCompile(`[^a-zA-Z0-9_.:-]`)

func Identifier(input string) string {
	return identifierChars.ReplaceAllString(strings.TrimSpace(input), "")
}
