package models

// UserPreference holds per-user display and notification settings. A row is
// created lazily on first profile update, with defaults applied in Go so an
// explicit false is persisted as-is rather than swallowed by a column
// default.
type UserPreference struct {
	BaseModel

	UserID string `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`

	EmailNotifications bool   `json:"email_notifications"`
	PublicProfile      bool   `json:"public_profile"`
	Theme              string `gorm:"default:light" json:"theme"`
	Language           string `gorm:"default:en" json:"language"`
}
