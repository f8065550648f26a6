package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// MakeKey joins key parts with ":".
func MakeKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// MakeHashKey builds "prefix:<first-8-hex-of-md5>" from the canonical JSON
// of params. MD5 is used purely for key compactness, not integrity.
func MakeHashKey(prefix string, params map[string]any) string {
	raw, err := json.Marshal(params)
	if err != nil {
		return prefix + ":invalid"
	}
	sum := md5.Sum(raw)
	return prefix + ":" + hex.EncodeToString(sum[:])[:8]
}
