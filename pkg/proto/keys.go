package proto

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// KeyForURL derives a resource key from a page URL.
// Fragments and surrounding whitespace do not change the key.
func KeyForURL(url string) ResourceKey {
	url = strings.TrimSpace(url)
	if i := strings.IndexByte(url, '#'); i >= 0 {
		url = url[:i]
	}
	sum := blake3.Sum256([]byte(url))
	return ResourceKey(hex.EncodeToString(sum[:]))
}
