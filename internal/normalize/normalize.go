// Package normalize holds the canonical forms used for party identifiers,
// conversation pair keys and message bodies.
package normalize

import (
	"errors"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxPartyIDLen bounds party identifiers; they end up as document field paths.
	MaxPartyIDLen = 128

	// MaxBodyRunes bounds a single message body.
	MaxBodyRunes = 10000

	// pairSeparator joins the two sorted party IDs of a pair key. Party IDs
	// may not contain it, so a key always splits back into the same pair.
	pairSeparator = "|"
)

var (
	ErrEmptyPartyID   = errors.New("party id is empty")
	ErrPartyIDTooLong = errors.New("party id is too long")
	ErrBadPartyID     = errors.New("party id contains a reserved character")
	ErrEmptyBody      = errors.New("message body is empty")
	ErrBodyTooLong    = errors.New("message body is too long")
	ErrBodyEncoding   = errors.New("message body is not valid utf-8")
)

// PartyID trims the identifier and checks that it can be stored as a map key
// inside conversation documents (unread counters, names and types are keyed by it)
// and used as a single NATS subject token.
func PartyID(id string) (string, error) {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return "", ErrEmptyPartyID
	case len(id) > MaxPartyIDLen:
		return "", ErrPartyIDTooLong
	case !utf8.ValidString(id):
		return "", ErrBadPartyID
	case strings.ContainsAny(id, "."+pairSeparator+"*>"), strings.HasPrefix(id, "$"):
		return "", ErrBadPartyID
	case strings.IndexFunc(id, unicode.IsSpace) >= 0:
		return "", ErrBadPartyID
	}
	return id, nil
}

// PairKey returns the canonical key of the unordered pair {a, b}:
// PairKey(a, b) == PairKey(b, a) for every a and b.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + pairSeparator + ids[1]
}

// SortedPair returns a and b in the same order PairKey uses.
func SortedPair(a, b string) [2]string {
	if b < a {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}

// Body trims surrounding whitespace and rejects blank or oversized bodies.
func Body(body string) (string, error) {
	if !utf8.ValidString(body) {
		return "", ErrBodyEncoding
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return "", ErrBodyTooLong
	}
	return body, nil
}

// Excerpt shortens s to at most n runes, marking the cut with an ellipsis.
func Excerpt(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "…"
}

const shortIDRunes = 8

// ShortID returns the first eight runes of an identifier, used where a
// readable stand-in for a party is needed.
func ShortID(id string) string {
	n := 0
	for i := range id {
		if n == shortIDRunes {
			return id[:i]
		}
		n++
	}
	return id
}
