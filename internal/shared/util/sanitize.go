package util

import (
	"errors"
	"strings"
)

// ErrInvalidKey is returned for storage keys that could escape their root.
var ErrInvalidKey = errors.New("invalid storage key")

// CleanKey validates a slash-separated storage key. Empty, absolute and
// traversing keys are rejected, as are backslashes and empty segments.
func CleanKey(key string) (string, error) {
	k := strings.TrimSpace(key)
	if k == "" || strings.HasPrefix(k, "/") || strings.Contains(k, "\\") {
		return "", ErrInvalidKey
	}
	for _, seg := range strings.Split(k, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalidKey
		}
	}
	return k, nil
}
