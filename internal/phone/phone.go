// Package phone converts loosely formatted phone numbers into canonical chat identifiers.
package phone

import (
	"errors"
	"strings"
)

// DirectServer is the address domain of one-to-one chats.
const DirectServer = "s.whatsapp.net"

// MinDigits is the shortest digit run accepted as a phone number.
const MinDigits = 8

var (
	// ErrEmpty is returned for blank input.
	ErrEmpty = errors.New("empty phone")
	// ErrInvalidNumber is returned when fewer than MinDigits digits remain.
	ErrInvalidNumber = errors.New("invalid phone number")
)

// ChatID normalizes raw into "<digits>@s.whatsapp.net".
// Normalizing an id that is already canonical returns it unchanged.
func ChatID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrEmpty
	}
	trimmed = strings.TrimPrefix(trimmed, "+")
	digits := onlyDigits(trimmed)
	if len(digits) < MinDigits {
		return "", ErrInvalidNumber
	}
	return digits + "@" + DirectServer, nil
}

// FromChatID formats a direct-chat id as "+<digits>".
// It returns false for group ids, empty input, or ids without digits.
func FromChatID(jid string) (string, bool) {
	user, ok := strings.CutSuffix(jid, "@"+DirectServer)
	if !ok {
		return "", false
	}
	// device suffixes ("123:4@s.whatsapp.net") are not part of the number
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	digits := onlyDigits(user)
	if digits == "" {
		return "", false
	}
	return "+" + digits, true
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
