package database_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/certifychain/certifychain/internal/database"
	"github.com/certifychain/certifychain/internal/database/testutil"
	"github.com/certifychain/certifychain/internal/models"
)

func TestEnsureAdminSeedsOnce(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	seed := database.AdminSeed{
		Name:     "root",
		Email:    "Root@Example.com",
		Password: "$2a$10$prehashedprehashedprehashedpreha",
	}
	require.NoError(t, database.EnsureAdmin(db, seed))

	var admin models.User
	require.NoError(t, db.Take(&admin, "email = ?", "root@example.com").Error)
	require.Equal(t, models.RoleAdmin, admin.Role)
	require.Equal(t, "root", admin.Username)
	require.True(t, admin.EmailVerified)

	// Seeding again must not create a second account or overwrite the first.
	require.NoError(t, database.EnsureAdmin(db, database.AdminSeed{
		Name:     "other",
		Email:    "root@example.com",
		Password: "different-hash",
	}))

	var count int64
	require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	require.NoError(t, db.Take(&admin, "email = ?", "root@example.com").Error)
	require.Equal(t, "root", admin.Username)
}

func TestEnsureAdminDisabledWithoutCredentials(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	require.NoError(t, database.EnsureAdmin(db, database.AdminSeed{Email: "", Password: ""}))
	require.NoError(t, database.EnsureAdmin(db, database.AdminSeed{Email: "admin@example.com"}))

	var count int64
	require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestVerificationRowsReferenceCertificates(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	issuer := models.User{
		Username: "issuer",
		Email:    "issuer@example.com",
		Password: "hash",
		Role:     models.RoleAdmin,
	}
	require.NoError(t, db.Create(&issuer).Error)

	// A certificate with no verification rows must insert cleanly.
	cert := models.Certificate{
		PublicID:       "CERT-SCHEMA-CHECK",
		RecipientName:  "Alice",
		RecipientEmail: "alice@example.com",
		CourseName:     "Intro to X",
		IssueDate:      time.Now(),
		Status:         models.CertificateStatusActive,
		IssuerID:       issuer.ID,
	}
	require.NoError(t, db.Create(&cert).Error)

	record := models.CertificateVerification{
		CertificateID:      cert.ID,
		VerifiedBy:         "anonymous",
		VerificationMethod: "web",
		VerificationStatus: models.VerificationStatusValid,
		VerificationDate:   time.Now(),
	}
	require.NoError(t, db.Create(&record).Error)

	var loaded models.CertificateVerification
	require.NoError(t, db.Preload("Certificate").Take(&loaded, "id = ?", record.ID).Error)
	require.NotNil(t, loaded.Certificate)
	require.Equal(t, "CERT-SCHEMA-CHECK", loaded.Certificate.PublicID)

	// The constraint lives on the verification side: rows pointing at a
	// certificate that does not exist are rejected.
	orphan := models.CertificateVerification{
		CertificateID:      uuid.NewString(),
		VerifiedBy:         "anonymous",
		VerificationMethod: "web",
		VerificationStatus: models.VerificationStatusInvalid,
		VerificationDate:   time.Now(),
	}
	require.Error(t, db.Create(&orphan).Error)
}

func TestAutoMigrateAndSeed(t *testing.T) {
	db := testutil.MustOpenTestDB(t)

	require.NoError(t, database.AutoMigrateAndSeed(db, database.AdminSeed{
		Email:    "admin@example.com",
		Password: "hash",
	}))

	require.True(t, db.Migrator().HasTable(&models.Certificate{}))
	require.True(t, db.Migrator().HasTable(&models.CertificateVerification{}))

	var count int64
	require.NoError(t, db.Model(&models.User{}).Where("role = ?", models.RoleAdmin).Count(&count).Error)
	require.EqualValues(t, 1, count)
}
