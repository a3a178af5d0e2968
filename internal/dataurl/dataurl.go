// Package dataurl encodes and decodes RFC 2397 data URLs.
package dataurl

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Scheme is the URL scheme prefix of a data URL.
const Scheme = "data:"

// ErrInvalid is returned for strings that are not well-formed data URLs.
var ErrInvalid = errors.New("invalid data url")

// Encode returns a base64 data URL carrying data with the given media type.
func Encode(mimeType string, data []byte) string {
	var b strings.Builder
	b.Grow(EncodedLen(mimeType, len(data)))
	b.WriteString(Scheme)
	b.WriteString(mimeType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}

// EncodedLen returns the length of Encode(mimeType, data) for n data bytes.
func EncodedLen(mimeType string, n int) int {
	return len(Scheme) + len(mimeType) + len(";base64,") + base64.StdEncoding.EncodedLen(n)
}

// Is reports whether s has the data URL scheme.
func Is(s string) bool {
	return len(s) >= len(Scheme) && strings.EqualFold(s[:len(Scheme)], Scheme)
}

// Decode parses a data URL and returns its media type and payload.
// A missing media type defaults to text/plain as RFC 2397 specifies.
func Decode(s string) (mimeType string, data []byte, err error) {
	if !Is(s) {
		return "", nil, fmt.Errorf("%w: missing %q scheme", ErrInvalid, Scheme)
	}
	header, payload, ok := strings.Cut(s[len(Scheme):], ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing comma", ErrInvalid)
	}

	base64Encoded := false
	params := strings.Split(header, ";")
	mimeType = strings.TrimSpace(params[0])
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			base64Encoded = true
		}
	}
	if mimeType == "" {
		mimeType = "text/plain"
	}

	if base64Encoded {
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// Some producers strip padding.
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		}
		if err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		return mimeType, data, nil
	}

	unescaped, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return mimeType, []byte(unescaped), nil
}
