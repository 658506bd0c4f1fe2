// Package diff computes word-level differences between two versions of a
// story body and renders them as annotated markup.
package diff

import (
	"unicode"
	"unicode/utf8"
)

// Tokenize splits text into maximal runs of whitespace and non-whitespace.
// Concatenating the result always reproduces text byte for byte; invalid
// UTF-8 bytes are treated as non-whitespace.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	var tokens []string
	start := 0
	first, _ := utf8.DecodeRuneInString(text)
	inSpace := unicode.IsSpace(first)
	for i, r := range text {
		space := unicode.IsSpace(r)
		if space != inSpace {
			tokens = append(tokens, text[start:i])
			start = i
			inSpace = space
		}
	}
	return append(tokens, text[start:])
}
