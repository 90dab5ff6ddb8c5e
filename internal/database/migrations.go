package database

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.UserPreference{},
		&models.Session{},
		&models.LoginRecord{},
		&models.Certificate{},
		&models.CertificateVerification{},
		&models.MFASecret{},
		&models.PasswordResetToken{},
		&models.EmailVerification{},
		&models.CacheEntry{},
	)
}

// EnsureAdmin creates the bootstrap administrator account if no account with
// the configured email exists. A blank email or password disables seeding.
func EnsureAdmin(db *gorm.DB, admin AdminSeed) error {
	if db == nil {
		return errors.New("nil database handle")
	}

	email := strings.ToLower(strings.TrimSpace(admin.Email))
	if email == "" || admin.Password == "" {
		return nil
	}

	name := admin.Name
	if name == "" {
		name = "Administrator"
	}

	user := models.User{
		Username:      name,
		Email:         email,
		Password:      admin.Password,
		Role:          models.RoleAdmin,
		EmailVerified: true,
	}

	return db.Where(models.User{Email: email}).Attrs(user).FirstOrCreate(&models.User{}).Error
}
