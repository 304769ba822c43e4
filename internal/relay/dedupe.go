package relay

import (
	"fmt"
	"time"

	"bingx-discord-relay/internal/models"
	"github.com/dgraph-io/ristretto/v2"
)

// Deduplicator removes events that were already relayed. The cursor covers
// everything committed; the recently-seen set covers ids whose outcome is
// final in this process but whose cursor commit has not happened yet.
type Deduplicator struct {
	seen *ristretto.Cache[string, struct{}]
	ttl  time.Duration
}

// NewDeduplicator creates a deduplicator remembering up to capacity ids for ttl.
func NewDeduplicator(capacity int64, ttl time.Duration) (*Deduplicator, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("seen set capacity must be positive, got %d", capacity)
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters:        capacity * 10,
		MaxCost:            capacity,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create seen set: %w", err)
	}
	return &Deduplicator{seen: cache, ttl: ttl}, nil
}

// Dedupe returns the events strictly after cursor in ascending (OccurredAt, ID)
// order, keeping the first occurrence of every id and skipping ids in the
// recently-seen set. The input slice is not modified.
func (d *Deduplicator) Dedupe(events []models.TradeEvent, cursor models.Cursor) []models.TradeEvent {
	candidates := Candidates(events, cursor)
	out := candidates[:0]
	for _, e := range candidates {
		if !d.Seen(e.ID) {
			out = append(out, e)
		}
	}
	return out
}

// Candidates returns a sorted copy of the events strictly after cursor with
// duplicate ids removed, keeping the first occurrence.
func Candidates(events []models.TradeEvent, cursor models.Cursor) []models.TradeEvent {
	sorted := make([]models.TradeEvent, len(events))
	copy(sorted, events)
	models.SortEvents(sorted)

	out := make([]models.TradeEvent, 0, len(sorted))
	batch := make(map[string]struct{}, len(sorted))
	for _, e := range sorted {
		if !e.Position().After(cursor) {
			continue
		}
		if _, dup := batch[e.ID]; dup {
			continue
		}
		batch[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// MarkSeen remembers id as relayed.
func (d *Deduplicator) MarkSeen(id string) {
	d.seen.SetWithTTL(id, struct{}{}, 1, d.ttl)
	d.seen.Wait()
}

// Seen reports whether id was marked recently.
func (d *Deduplicator) Seen(id string) bool {
	_, ok := d.seen.Get(id)
	return ok
}

// Close releases the cache goroutines.
func (d *Deduplicator) Close() {
	d.seen.Close()
}
