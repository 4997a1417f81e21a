package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUIDv4, optionally prefixed as "<prefix>_<hex>".
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
