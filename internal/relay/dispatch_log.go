package relay

import (
	"context"
	"fmt"

	"bingx-discord-relay/internal/models"
	"gorm.io/gorm"
)

// DispatchLogStore records the final outcome of every dispatch record.
// Dropped rows are the dead-letter record kept for manual inspection.
type DispatchLogStore interface {
	Record(ctx context.Context, entry *models.DispatchLog) error
}

// GormDispatchLog writes dispatch outcomes to the database.
type GormDispatchLog struct {
	db *gorm.DB
}

var _ DispatchLogStore = (*GormDispatchLog)(nil)

// NewDispatchLog creates a dispatch log on an already migrated database.
func NewDispatchLog(db *gorm.DB) *GormDispatchLog {
	return &GormDispatchLog{db: db}
}

func (l *GormDispatchLog) Record(ctx context.Context, entry *models.DispatchLog) error {
	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to record %s dispatch of %s: %w", entry.Status, entry.IdempotencyKey, err)
	}
	return nil
}

// DeadLetters returns the dropped notifications, newest first.
func (l *GormDispatchLog) DeadLetters(ctx context.Context, limit int) ([]models.DispatchLog, error) {
	var rows []models.DispatchLog
	err := l.db.WithContext(ctx).
		Where("status = ?", models.DispatchDropped).
		Order("id desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return rows, nil
}
