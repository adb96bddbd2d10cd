package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "doc_6c0f…". Identities and
// documents share the format and differ only by prefix.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
