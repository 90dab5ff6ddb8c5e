package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/database/testutil"
	"github.com/certifychain/certifychain/internal/models"
	apperrors "github.com/certifychain/certifychain/pkg/errors"
)

func newTestCertificateService(t *testing.T) (*gorm.DB, *CertificateService, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := newTestClock()

	svc, err := NewCertificateService(db, clock.Now)
	require.NoError(t, err)

	return db, svc, clock
}

func issueTestCertificate(t *testing.T, svc *CertificateService, issuerID, recipientEmail, course string) *models.Certificate {
	t.Helper()

	cert, err := svc.Issue(context.Background(), IssueCertificateInput{
		RecipientName:  "Alice",
		RecipientEmail: recipientEmail,
		CourseName:     course,
		IssuerID:       issuerID,
	})
	require.NoError(t, err)
	return cert
}

func TestIssueAssignsPublicIdentifier(t *testing.T) {
	db, svc, clock := newTestCertificateService(t)
	admin := seedUser(t, db, "admin", "admin@example.com", models.RoleAdmin)

	cert := issueTestCertificate(t, svc, admin.ID, "alice@example.com", "Intro to X")
	require.True(t, strings.HasPrefix(cert.PublicID, "CERT-"))
	require.Equal(t, models.CertificateStatusActive, cert.Status)
	require.True(t, cert.IssueDate.Equal(clock.Now()))
	require.Equal(t, admin.ID, cert.IssuerID)

	other := issueTestCertificate(t, svc, admin.ID, "alice@example.com", "Intro to Y")
	require.NotEqual(t, cert.PublicID, other.PublicID)
}

func TestIssueAndRevokeNotifyRecipient(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := newTestClock()
	mailer := &capturingMailer{}

	svc, err := NewCertificateService(db, clock.Now, WithCertificateMailer(mailer))
	require.NoError(t, err)

	admin := seedUser(t, db, "admin", "admin@example.com", models.RoleAdmin)
	cert := issueTestCertificate(t, svc, admin.ID, "alice@example.com", "Intro to X")

	issued := mailer.last(t)
	require.Equal(t, []string{"alice@example.com"}, issued.To)
	require.Contains(t, issued.Body, cert.PublicID)
	require.Contains(t, issued.Body, "Intro to X")

	require.NoError(t, svc.Revoke(context.Background(), cert.PublicID))

	revoked := mailer.last(t)
	require.Equal(t, []string{"alice@example.com"}, revoked.To)
	require.Contains(t, revoked.Subject, "revoked")
	require.Len(t, mailer.messages, 2)
}

func TestIssueValidation(t *testing.T) {
	db, svc, clock := newTestCertificateService(t)
	admin := seedUser(t, db, "admin", "admin@example.com", models.RoleAdmin)
	ctx := context.Background()

	_, err := svc.Issue(ctx, IssueCertificateInput{
		RecipientEmail: "alice@example.com",
		CourseName:     "Intro to X",
		IssuerID:       admin.ID,
	})
	require.Error(t, err)

	_, err = svc.Issue(ctx, IssueCertificateInput{
		RecipientName:  "Alice",
		RecipientEmail: "not-an-email",
		CourseName:     "Intro to X",
		IssuerID:       admin.ID,
	})
	require.Error(t, err)

	past := clock.Now().Add(-time.Hour)
	_, err = svc.Issue(ctx, IssueCertificateInput{
		RecipientName:  "Alice",
		RecipientEmail: "alice@example.com",
		CourseName:     "Intro to X",
		ExpiryDate:     &past,
		IssuerID:       admin.ID,
	})
	require.Error(t, err)
}

func TestRevokeSetsStatus(t *testing.T) {
	db, svc, _ := newTestCertificateService(t)
	admin := seedUser(t, db, "admin", "admin@example.com", models.RoleAdmin)

	cert := issueTestCertificate(t, svc, admin.ID, "alice@example.com", "Intro to X")

	require.NoError(t, svc.Revoke(context.Background(), cert.PublicID))

	reloaded, err := svc.GetByPublicID(context.Background(), cert.PublicID)
	require.NoError(t, err)
	require.Equal(t, models.CertificateStatusRevoked, reloaded.Status)
}

func TestRevokeUnknownCertificate(t *testing.T) {
	_, svc, _ := newTestCertificateService(t)

	err := svc.Revoke(context.Background(), "CERT-DOES-NOT-EXIST")
	require.ErrorIs(t, err, ErrCertificateNotFound)
}

func TestListByRecipientFiltersByEmail(t *testing.T) {
	db, svc, _ := newTestCertificateService(t)
	admin := seedUser(t, db, "admin", "admin@example.com", models.RoleAdmin)

	issueTestCertificate(t, svc, admin.ID, "alice@example.com", "Intro to X")
	issueTestCertificate(t, svc, admin.ID, "alice@example.com", "Intro to Y")
	issueTestCertificate(t, svc, admin.ID, "bob@example.com", "Intro to Z")

	mine, err := svc.ListByRecipient(context.Background(), "Alice@Example.com")
	require.NoError(t, err)
	require.Len(t, mine, 2)

	all, err := svc.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "admin", all[0].Issuer.Username)
}

func TestSearchCertificates(t *testing.T) {
	db, svc, _ := newTestCertificateService(t)
	admin := seedUser(t, db, "admin", "admin@example.com", models.RoleAdmin)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		course := "Advanced Go"
		if i%2 == 0 {
			course = "Databases 101"
		}
		issueTestCertificate(t, svc, admin.ID, "alice@example.com", course)
	}
	revoked := issueTestCertificate(t, svc, admin.ID, "bob@example.com", "Advanced Go")
	require.NoError(t, svc.Revoke(ctx, revoked.PublicID))

	// Free text matches course names case-insensitively.
	results, total, err := svc.Search(ctx, CertificateSearchOptions{Query: "advanced go", Limit: 100})
	require.NoError(t, err)
	require.EqualValues(t, 13, total)
	require.Len(t, results, 13)

	// Status filter.
	results, total, err = svc.Search(ctx, CertificateSearchOptions{Status: models.CertificateStatusRevoked})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, revoked.PublicID, results[0].PublicID)

	// Pagination: 26 rows, page 2 of size 10.
	results, total, err = svc.Search(ctx, CertificateSearchOptions{Page: 2, Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 26, total)
	require.Len(t, results, 10)
}

func TestSearchCertificatesRejectsUnknownSort(t *testing.T) {
	_, svc, _ := newTestCertificateService(t)

	_, _, err := svc.Search(context.Background(), CertificateSearchOptions{SortBy: "issuer_id--"})
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, 400, appErr.StatusCode)
}

func TestCertificateValidity(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	active := models.Certificate{Status: models.CertificateStatusActive}
	require.True(t, active.Valid(now))

	expiring := models.Certificate{Status: models.CertificateStatusActive, ExpiryDate: &future}
	require.True(t, expiring.Valid(now))

	expired := models.Certificate{Status: models.CertificateStatusActive, ExpiryDate: &past}
	require.False(t, expired.Valid(now))

	revoked := models.Certificate{Status: models.CertificateStatusRevoked}
	require.False(t, revoked.Valid(now))
}
