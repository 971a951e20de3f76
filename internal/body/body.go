// Package body recovers plain text from legacy attributedBody blobs.
//
// The blob is a typedstream archive of an NSAttributedString. It is not
// deserialized here; the extractor pattern-matches the class-name markers
// that surround the string payload and cuts the payload out of the span
// between them.
package body

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Format assumptions. These are observed properties of the archive format,
// not computed values: the format is opaque, versioned and platform-specific.
const (
	// numberMarker terminates the region that holds the string payload.
	numberMarker = "NSNumber"
	// stringMarker precedes the string payload.
	stringMarker = "NSString"
	// dictionaryMarker follows the string payload and its trailing framing.
	dictionaryMarker = "NSDictionary"

	// framingPrefix is the number of characters between the string marker
	// and the first character of text (type tag, class version, length byte).
	framingPrefix = 6
	// framingSuffix is the number of characters between the last character
	// of text and the dictionary marker (attribute run header).
	framingSuffix = 12
)

// ErrNoMarkers is returned by Extract when the blob does not contain the
// marker sequence, or the span between markers is shorter than the framing.
var ErrNoMarkers = errors.New("body: markers not found")

// Decode returns the plain text carried by raw, or "" when it cannot be
// recovered. It never fails.
func Decode(raw []byte) string {
	text, err := Extract(raw)
	if err != nil {
		return ""
	}
	return text
}

// Extract is Decode with the failure made visible.
func Extract(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", ErrNoMarkers
	}
	s := lossyString(raw)

	i := strings.Index(s, numberMarker)
	if i < 0 {
		return "", ErrNoMarkers
	}
	s = s[:i]

	i = strings.Index(s, stringMarker)
	if i < 0 {
		return "", ErrNoMarkers
	}
	s = s[i+len(stringMarker):]
	if j := strings.Index(s, stringMarker); j >= 0 {
		s = s[:j]
	}

	i = strings.Index(s, dictionaryMarker)
	if i < 0 {
		return "", ErrNoMarkers
	}
	s = s[:i]

	// Framing is counted in characters of the lossy decoding, where every
	// invalid byte became one replacement character.
	runes := []rune(s)
	if len(runes) < framingPrefix+framingSuffix {
		return "", ErrNoMarkers
	}
	return string(runes[framingPrefix : len(runes)-framingSuffix]), nil
}

// lossyString decodes raw as UTF-8, replacing each invalid byte with
// U+FFFD so that character offsets stay aligned with the framing bytes.
func lossyString(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	var sb strings.Builder
	sb.Grow(len(raw) + 16)
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(raw[:size])
		}
		raw = raw[size:]
	}
	return sb.String()
}
