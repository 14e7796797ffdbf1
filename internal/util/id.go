package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUID, optionally prefixed ("jti_...").
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewToken returns an opaque 64-hex-char secret.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
