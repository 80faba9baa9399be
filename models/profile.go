package models

import "time"

// PlayerProfile is a local mirror of the identity service's public profile,
// kept only for display names.
type PlayerProfile struct {
	PlayerID  string    `json:"player_id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"not null;default:''"`
	UpdatedAt time.Time `json:"updated_at" gorm:"index"`
}
