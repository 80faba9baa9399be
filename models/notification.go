package models

import "time"

// NotificationRecord is a delivered notification kept for the per-player
// feed. ID is monotonic and doubles as the stream cursor.
type NotificationRecord struct {
	ID          uint64         `json:"id" gorm:"primaryKey;autoIncrement"`
	RecipientID string         `json:"recipient_id" gorm:"index:idx_notification_recipient,priority:1;not null"`
	Type        string         `json:"type" gorm:"type:varchar(32);not null"`
	Data        map[string]any `json:"data" gorm:"serializer:json;type:text"`
	CreatedAt   time.Time      `json:"created_at" gorm:"autoCreateTime"`
}

func (NotificationRecord) TableName() string { return "notifications" }
