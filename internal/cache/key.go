package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
)

// NormalizeDimensions returns the canonical form of a dimension list:
// trimmed, empties dropped, duplicates removed, sorted. Requests that
// differ only in dimension order or repetition normalize to the same
// list and therefore the same cache key.
func NormalizeDimensions(dimensions []string) []string {
	out := make([]string, 0, len(dimensions))
	seen := make(map[string]struct{}, len(dimensions))
	for _, d := range dimensions {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Key derives the content-addressed cache key for one analysis request.
// Fields are length-prefixed before hashing so adjacent values cannot
// collide across boundaries.
func Key(transcriptHash, rubricVersion string, dimensions []string) string {
	h := sha256.New()
	writeField(h, transcriptHash)
	writeField(h, rubricVersion)
	for _, d := range NormalizeDimensions(dimensions) {
		writeField(h, d)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(w io.Writer, value string) {
	fmt.Fprintf(w, "%d:%s", len(value), value)
}
