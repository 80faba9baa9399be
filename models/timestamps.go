package models

import "time"

// Timestamps adds GORM auto-times. Contest and battle rows are never deleted,
// so there is no soft-delete column.
type Timestamps struct {
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
