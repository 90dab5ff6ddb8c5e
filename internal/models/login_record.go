package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LoginRecord is one entry of a user's login history.
type LoginRecord struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID    string    `gorm:"type:uuid;not null;index" json:"user_id"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (r *LoginRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
