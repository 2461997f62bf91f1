// Package cursor provides opaque pagination token encoding/decoding.
//
// Tokens carry the sequence number of the last row the caller saw, so a
// page fetch is always "seq > cursor" regardless of rows created or
// deleted in between. A row deleted after the token was issued is simply
// skipped; it never invalidates the token.
package cursor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Cursor represents the internal state of a pagination token.
type Cursor struct {
	// Seq is the sequence number to paginate from (exclusive).
	Seq uint64 `json:"seq"`
	// FilterHash invalidates tokens when the listing filter changes.
	FilterHash string `json:"filter_hash,omitempty"`
}

// New creates a cursor pointing past the given sequence number.
func New(seq uint64, filter string) Cursor {
	return Cursor{
		Seq:        seq,
		FilterHash: HashFilter(filter),
	}
}

// Encode encodes a cursor to an opaque base64 string.
func Encode(c Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// Decode decodes an opaque base64 string to a cursor.
// Returns an error if the token is invalid or malformed.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, fmt.Errorf("empty token")
	}

	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode base64: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("unmarshal cursor: %w", err)
	}

	return c, nil
}

// HashFilter computes a short hash of the filter string for cursor
// validation. Returns empty string for empty filter.
func HashFilter(filter string) string {
	if filter == "" {
		return ""
	}
	h := sha256.Sum256([]byte(filter))
	return hex.EncodeToString(h[:8])
}

// ValidateFilterHash checks if the cursor's filter hash matches the
// current filter. Returns an error if the filter has changed since the
// cursor was created.
func ValidateFilterHash(c Cursor, currentFilter string) error {
	if c.FilterHash != HashFilter(currentFilter) {
		return fmt.Errorf("filter changed since cursor was created")
	}
	return nil
}
