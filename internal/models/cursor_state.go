package models

import "time"

// CursorState is the persisted cursor. There should only ever be one row in
// this table, keyed by CursorStateID.
type CursorState struct {
	ID           uint   `gorm:"primaryKey;autoIncrement:false"`
	OccurredAtMs int64  `gorm:"not null"`
	EventID      string `gorm:"not null"`
	UpdatedAt    time.Time
}

// CursorStateID is the primary key of the single cursor row.
const CursorStateID = 1
