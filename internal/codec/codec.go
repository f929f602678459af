// Package codec converts message text to and from the on-chain payload form.
// The transform is base64 and provides no confidentiality.
package codec

import (
	"encoding/base64"
	"regexp"
	"unicode/utf8"
)

var encodedPattern = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

// Encode converts outgoing text into its payload form.
func Encode(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}

// Decode reverses Encode. Payloads that do not look encoded, fail to decode,
// or decode to invalid UTF-8 are returned unchanged, so plain-text history
// stays readable.
func Decode(payload string) string {
	if !LooksEncoded(payload) {
		return payload
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || !utf8.Valid(raw) {
		return payload
	}
	return string(raw)
}

// LooksEncoded applies the alphabet and length heuristic.
func LooksEncoded(payload string) bool {
	return payload != "" && len(payload)%4 == 0 && encodedPattern.MatchString(payload)
}
