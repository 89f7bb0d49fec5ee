package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random hex identifier, optionally namespaced with a prefix
// (e.g. "st" for stock trades, "sp" for spaces).
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
