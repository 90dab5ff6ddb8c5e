package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/certifychain/certifychain/internal/database/testutil"
	"github.com/certifychain/certifychain/internal/models"
)

func TestStatsOverview(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := newTestClock()
	ctx := context.Background()

	admin := seedUser(t, db, "admin", "admin@example.com", models.RoleAdmin)
	seedUser(t, db, "alice", "alice@example.com", models.RoleUser)
	seedUser(t, db, "bob", "bob@example.com", models.RoleUser)

	certSvc, err := NewCertificateService(db, clock.Now)
	require.NoError(t, err)
	verifySvc, err := NewVerificationService(db, clock.Now)
	require.NoError(t, err)

	active := issueTestCertificate(t, certSvc, admin.ID, "alice@example.com", "Intro to X")
	revoked := issueTestCertificate(t, certSvc, admin.ID, "bob@example.com", "Intro to Y")
	require.NoError(t, certSvc.Revoke(ctx, revoked.PublicID))

	_, err = verifySvc.Verify(ctx, VerificationInput{CertificateID: active.PublicID})
	require.NoError(t, err)
	_, err = verifySvc.Verify(ctx, VerificationInput{CertificateID: revoked.PublicID})
	require.NoError(t, err)

	statsSvc, err := NewStatsService(db, clock.Now)
	require.NoError(t, err)

	overview, err := statsSvc.Overview(ctx)
	require.NoError(t, err)

	require.EqualValues(t, 3, overview.Users.Total)
	require.EqualValues(t, 1, overview.Users.Admins)
	require.EqualValues(t, 2, overview.Users.Users)

	require.EqualValues(t, 2, overview.Certificates.Total)
	require.EqualValues(t, 1, overview.Certificates.Active)
	require.EqualValues(t, 1, overview.Certificates.Revoked)

	require.EqualValues(t, 2, overview.Verifications.Total)
	require.EqualValues(t, 1, overview.Verifications.Valid)
	require.EqualValues(t, 1, overview.Verifications.Invalid)

	require.Equal(t, 30, overview.RecentActivity.WindowDays)
}

func TestStatsRecentActivityWindow(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := newTestClock()
	ctx := context.Background()

	seedUser(t, db, "recent", "recent@example.com", models.RoleUser)

	old := seedUser(t, db, "old", "old@example.com", models.RoleUser)
	require.NoError(t, db.Model(&models.User{}).
		Where("id = ?", old.ID).
		Update("created_at", clock.Now().AddDate(0, 0, -60)).Error)

	// Pin the other row as well so the window comparison is deterministic.
	require.NoError(t, db.Model(&models.User{}).
		Where("email = ?", "recent@example.com").
		Update("created_at", clock.Now().Add(-time.Hour)).Error)

	statsSvc, err := NewStatsService(db, clock.Now)
	require.NoError(t, err)

	overview, err := statsSvc.Overview(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, overview.Users.Total)
	require.EqualValues(t, 1, overview.RecentActivity.NewUsers)
}
