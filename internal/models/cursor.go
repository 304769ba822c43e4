package models

import (
	"fmt"
	"time"
)

// Cursor is the (timestamp, id) watermark of the last relayed event.
// The zero value sorts before every event.
type Cursor struct {
	OccurredAt time.Time
	EventID    string
}

// IsZero reports whether nothing has been relayed yet.
func (c Cursor) IsZero() bool {
	return c.OccurredAt.IsZero() && c.EventID == ""
}

// Compare orders cursors by millisecond timestamp, then by event id.
func (c Cursor) Compare(other Cursor) int {
	a, b := c.OccurredAt.UnixMilli(), other.OccurredAt.UnixMilli()
	if c.OccurredAt.IsZero() {
		a = 0
	}
	if other.OccurredAt.IsZero() {
		b = 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return CompareIDs(c.EventID, other.EventID)
}

// After reports whether c sorts strictly after other.
func (c Cursor) After(other Cursor) bool {
	return c.Compare(other) > 0
}

func (c Cursor) String() string {
	if c.IsZero() {
		return "<start>"
	}
	return fmt.Sprintf("%d/%s", c.OccurredAt.UnixMilli(), c.EventID)
}

// CompareIDs orders venue ids. Purely numeric ids compare by value so that
// "9" sorts before "10"; anything else compares lexicographically.
func CompareIDs(a, b string) int {
	if isDigits(a) && isDigits(b) {
		a, b = trimZeros(a), trimZeros(b)
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
