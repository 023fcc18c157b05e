// Package pagination provides opaque keyset cursors for sorted listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
)

// Limits for list endpoints.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

const cursorPrefix = "k1:"

// Encode returns an opaque cursor for the sort key of the last item served.
func Encode(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + key))
}

// Decode returns the sort key inside a cursor. Empty input decodes to "".
func Decode(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) <= len(cursorPrefix) || string(raw[:len(cursorPrefix)]) != cursorPrefix {
		return "", ErrInvalidCursor
	}
	return string(raw[len(cursorPrefix):]), nil
}

// ParseLimit reads a limit query value, applying the default and the cap.
func ParseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// Page slices items, already sorted ascending by key, to at most limit
// entries strictly after the key in cursor. It returns the page, the cursor
// for the next page, and whether more items remain.
func Page[T any](items []T, cursor string, limit int, key func(T) string) ([]T, string, bool, error) {
	after, err := Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}

	start := 0
	if after != "" {
		for start < len(items) && key(items[start]) <= after {
			start++
		}
	}
	items = items[start:]
	if len(items) <= limit {
		return items, "", false, nil
	}
	items = items[:limit]
	return items, Encode(key(items[len(items)-1])), true, nil
}
