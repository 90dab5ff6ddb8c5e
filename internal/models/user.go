package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User roles. Admins can issue and revoke certificates and run exports.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is an account holder. Password stores a bcrypt hash and is never serialised.
type User struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	Username string `gorm:"not null;index" json:"username"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Password string `gorm:"not null" json:"-"`
	Role     string `gorm:"not null;default:user" json:"role"`

	EmailVerified    bool `gorm:"default:false" json:"email_verified"`
	TwoFactorEnabled bool `gorm:"default:false" json:"two_factor_enabled"`

	Bio       string `json:"bio"`
	Company   string `json:"company"`
	Website   string `json:"website"`
	Location  string `json:"location"`
	AvatarURL string `json:"avatar_url"`

	MFASecret   *MFASecret      `gorm:"foreignKey:UserID" json:"-"`
	Preferences *UserPreference `gorm:"foreignKey:UserID" json:"preferences,omitempty"`
	Sessions    []Session       `gorm:"foreignKey:UserID" json:"-"`

	LastLoginAt *time.Time `json:"last_login_at"`
	LastLoginIP string     `json:"last_login_ip"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
