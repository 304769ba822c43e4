package relay

import (
	"context"
	"errors"
	"time"

	"bingx-discord-relay/internal/apperrors"
	"bingx-discord-relay/internal/models"
	"gorm.io/gorm"
)

// CursorStore persists the relay watermark.
type CursorStore interface {
	// Load returns the last committed cursor, or the zero cursor on first start.
	Load(ctx context.Context) (models.Cursor, error)
	// Commit durably stores c. A c that does not sort after the stored value
	// is ignored, so the persisted cursor never moves backwards.
	Commit(ctx context.Context, c models.Cursor) error
}

// GormCursorStore keeps the cursor in a single sqlite row. Every commit is
// one transaction, so a crash leaves either the old or the new value.
type GormCursorStore struct {
	db *gorm.DB
}

var _ CursorStore = (*GormCursorStore)(nil)

// NewCursorStore creates a cursor store on an already migrated database.
func NewCursorStore(db *gorm.DB) *GormCursorStore {
	return &GormCursorStore{db: db}
}

func (s *GormCursorStore) Load(ctx context.Context) (models.Cursor, error) {
	var state models.CursorState
	err := s.db.WithContext(ctx).First(&state, models.CursorStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Cursor{}, nil
	}
	if err != nil {
		return models.Cursor{}, &apperrors.PersistenceError{Op: "load cursor", Err: err}
	}
	return fromState(state), nil
}

func (s *GormCursorStore) Commit(ctx context.Context, c models.Cursor) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.CursorState
		err := tx.First(&current, models.CursorStateID).Error
		switch {
		case err == nil:
			if !c.After(fromState(current)) {
				return nil
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		next := models.CursorState{
			ID:           models.CursorStateID,
			OccurredAtMs: c.OccurredAt.UnixMilli(),
			EventID:      c.EventID,
		}
		return tx.Save(&next).Error
	})
	if err != nil {
		return &apperrors.PersistenceError{Op: "commit cursor", Err: err}
	}
	return nil
}

func fromState(state models.CursorState) models.Cursor {
	return models.Cursor{
		OccurredAt: time.UnixMilli(state.OccurredAtMs).UTC(),
		EventID:    state.EventID,
	}
}
