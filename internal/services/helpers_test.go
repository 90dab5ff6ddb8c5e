package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/auth"
	"github.com/certifychain/certifychain/internal/auth/mfa"
	"github.com/certifychain/certifychain/internal/database/testutil"
	"github.com/certifychain/certifychain/internal/models"
	"github.com/certifychain/certifychain/pkg/crypto"
)

var testClockStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a controllable clock for service tests.
type testClock struct {
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: testClockStart}
}

func (c *testClock) Now() time.Time {
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestSessionService(t *testing.T, db *gorm.DB, clock *testClock) *auth.SessionService {
	t.Helper()

	jwtSvc, err := auth.NewJWTService(auth.JWTConfig{
		Secret:   "test-secret-key",
		Issuer:   "certifychain-test",
		TokenTTL: 24 * time.Hour,
		Clock:    clock.Now,
	})
	require.NoError(t, err)

	sessions, err := auth.NewSessionService(db, jwtSvc, auth.SessionConfig{Clock: clock.Now})
	require.NoError(t, err)
	return sessions
}

func newTestTOTPService(t *testing.T, db *gorm.DB) *mfa.TOTPService {
	t.Helper()

	svc, err := mfa.NewTOTPService(db, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return svc
}

func newTestUserService(t *testing.T) (*gorm.DB, *UserService, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := newTestClock()

	sessions := newTestSessionService(t, db, clock)
	totp := newTestTOTPService(t, db)

	svc, err := NewUserService(db, sessions, totp, clock.Now)
	require.NoError(t, err)

	return db, svc, clock
}

func seedUser(t *testing.T, db *gorm.DB, username, email, role string) *models.User {
	t.Helper()

	hashed, err := crypto.HashPassword("password123")
	require.NoError(t, err)

	user := &models.User{
		Username: username,
		Email:    email,
		Password: hashed,
		Role:     role,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}
