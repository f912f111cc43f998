// Package command recognizes bot commands in comment bodies.
//
// Grammar:
//
//	comment := ws* "@" bot ws+ "/publish" ws+ url (ws+ ref)? (ws+ any)*
//
// A comment that does not open with the bot mention carries no command.
// Anything else after the mention is malformed.
package command

import (
	"errors"
	"strings"
	"unicode"
)

// ErrMalformed is returned when a comment mentions the bot but does not
// carry a well-formed command.
var ErrMalformed = errors.New("malformed command")

// Publish asks the bot to publish the package at SourceURL, optionally at Ref.
type Publish struct {
	SourceURL string
	Ref       string
}

// Parse returns the command in body, nil when there is none, or ErrMalformed.
func Parse(body, botName string) (*Publish, error) {
	rest := strings.TrimLeftFunc(body, unicode.IsSpace)

	mention := "@" + botName
	if botName == "" || !strings.HasPrefix(rest, mention) {
		return nil, nil
	}
	rest = rest[len(mention):]

	rest, ok := skipSpace(rest)
	if !ok {
		return nil, ErrMalformed
	}

	verb, rest := word(rest)
	if verb != "/publish" {
		return nil, ErrMalformed
	}

	rest, ok = skipSpace(rest)
	if !ok {
		return nil, ErrMalformed
	}
	url, rest := word(rest)

	cmd := &Publish{SourceURL: url}
	if rest, ok = skipSpace(rest); ok {
		cmd.Ref, _ = word(rest)
	}
	return cmd, nil
}

// skipSpace drops leading whitespace. ok is false unless at least one
// whitespace rune was dropped and something follows it.
func skipSpace(s string) (rest string, ok bool) {
	trimmed := strings.TrimLeftFunc(s, unicode.IsSpace)
	return trimmed, len(trimmed) < len(s) && trimmed != ""
}

func word(s string) (string, string) {
	end := strings.IndexFunc(s, unicode.IsSpace)
	if end < 0 {
		return s, ""
	}
	return s[:end], s[end:]
}
