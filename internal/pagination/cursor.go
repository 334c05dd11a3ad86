// Package pagination provides cursor-based pagination over results ordered by
// (rank DESC, created_at DESC, id DESC).
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor represents a position in a paginated result set. Rank is the
// priority rank of the row; lists without a rank use zero.
type Cursor struct {
	Rank      int
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string.
func Encode(rank int, createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%d|%s", rank, createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid cursor")
	}
	rank, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{
		Rank:      rank,
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        parts[2],
	}, nil
}

// After reports whether a row with the given key sorts strictly after the
// cursor position.
func (c *Cursor) After(rank int, createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if rank != c.Rank {
		return rank < c.Rank
	}
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return id < c.ID
}

// ComputePage takes a slice of items (fetched with limit+1), the requested limit,
// and a function to extract the sort key from the last item.
// Returns the trimmed items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, extractKey func(T) (int, time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	rank, createdAt, id := extractKey(items[len(items)-1])
	return items, Encode(rank, createdAt, id), true
}
