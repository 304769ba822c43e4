package models

import "gorm.io/gorm"

// Final dispatch statuses persisted in DispatchLog.
const (
	DispatchDelivered = "delivered"
	DispatchDropped   = "dropped"
	DispatchAborted   = "aborted"
)

// DispatchLog is the persisted trace of a notification whose delivery reached
// a final outcome. Rows with status "dropped" form the dead-letter record.
type DispatchLog struct {
	gorm.Model
	IdempotencyKey string `gorm:"index;not null" json:"idempotency_key"`
	ChannelID      string `gorm:"index" json:"channel_id"`
	Status         string `gorm:"index;not null" json:"status"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"last_error,omitempty"`
	Content        string `json:"content"`
	MessageID      string `json:"message_id,omitempty"`
}
