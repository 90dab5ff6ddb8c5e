package services

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/certifychain/certifychain/internal/auth"
	"github.com/certifychain/certifychain/internal/models"
	apperrors "github.com/certifychain/certifychain/pkg/errors"
)

func TestRegisterCreatesUserAndSession(t *testing.T) {
	db, svc, _ := newTestUserService(t)
	ctx := context.Background()

	user, token, err := svc.Register(ctx, RegisterInput{
		Username: "alice",
		Email:    "Alice@Example.com",
		Password: "pw123456",
	}, auth.SessionMetadata{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, "alice", user.Username)
	require.Equal(t, "alice@example.com", user.Email)
	require.Equal(t, models.RoleUser, user.Role)
	require.NotEqual(t, "pw123456", user.Password)

	var sessions []models.Session
	require.NoError(t, db.Where("user_id = ?", user.ID).Find(&sessions).Error)
	require.Len(t, sessions, 1)
	require.Equal(t, token, sessions[0].Token)
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	_, svc, _ := newTestUserService(t)

	_, _, err := svc.Register(context.Background(), RegisterInput{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "short",
	}, auth.SessionMetadata{})
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, 400, appErr.StatusCode)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	_, svc, _ := newTestUserService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, RegisterInput{
		Username: "alice",
		Email:    "dup@example.com",
		Password: "pw123456",
	}, auth.SessionMetadata{})
	require.NoError(t, err)

	_, _, err = svc.Register(ctx, RegisterInput{
		Username: "bob",
		Email:    "dup@example.com",
		Password: "pw123456",
	}, auth.SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrDuplicateEmail)
}

func TestLoginSucceedsWithValidCredentials(t *testing.T) {
	db, svc, clock := newTestUserService(t)
	ctx := context.Background()

	registered, firstToken, err := svc.Register(ctx, RegisterInput{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "pw123456",
	}, auth.SessionMetadata{})
	require.NoError(t, err)

	clock.Advance(time.Minute)

	user, token, err := svc.Login(ctx, LoginInput{
		Email:    "alice@example.com",
		Password: "pw123456",
	}, auth.SessionMetadata{IPAddress: "10.0.0.2"})
	require.NoError(t, err)
	require.Equal(t, registered.ID, user.ID)
	require.NotEmpty(t, token)
	require.NotEqual(t, firstToken, token)
	require.NotNil(t, user.LastLoginAt)
	require.Equal(t, "10.0.0.2", user.LastLoginIP)

	var records []models.LoginRecord
	require.NoError(t, db.Where("user_id = ?", user.ID).Find(&records).Error)
	require.Len(t, records, 1)
	require.True(t, records[0].Success)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	db, svc, _ := newTestUserService(t)
	ctx := context.Background()

	registered, _, err := svc.Register(ctx, RegisterInput{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "pw123456",
	}, auth.SessionMetadata{})
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, LoginInput{
		Email:    "alice@example.com",
		Password: "wrong-password",
	}, auth.SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

	// The failed attempt lands in the history as a failure.
	var records []models.LoginRecord
	require.NoError(t, db.Where("user_id = ?", registered.ID).Find(&records).Error)
	require.Len(t, records, 1)
	require.False(t, records[0].Success)
}

func TestLoginUnknownEmailMatchesWrongPassword(t *testing.T) {
	_, svc, _ := newTestUserService(t)

	_, _, err := svc.Login(context.Background(), LoginInput{
		Email:    "nobody@example.com",
		Password: "whatever1",
	}, auth.SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestLoginWithTwoFactor(t *testing.T) {
	db, svc, _ := newTestUserService(t)
	ctx := context.Background()

	user, _, err := svc.Register(ctx, RegisterInput{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "pw123456",
	}, auth.SessionMetadata{})
	require.NoError(t, err)

	totpSvc := newTestTOTPService(t, db)
	key, backupCodes, err := totpSvc.GenerateSecret(user.ID, user.Email)
	require.NoError(t, err)
	require.NoError(t, totpSvc.Confirm(user.ID))
	require.NoError(t, db.Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("two_factor_enabled", true).Error)

	// Missing code prompts for the second factor.
	_, _, err = svc.Login(ctx, LoginInput{
		Email:    "alice@example.com",
		Password: "pw123456",
	}, auth.SessionMetadata{})
	require.ErrorIs(t, err, ErrTwoFactorRequired)

	// Garbage code is rejected.
	_, _, err = svc.Login(ctx, LoginInput{
		Email:    "alice@example.com",
		Password: "pw123456",
		TOTPCode: "000000",
	}, auth.SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrInvalidCode)

	// A current TOTP code succeeds.
	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	_, token, err := svc.Login(ctx, LoginInput{
		Email:    "alice@example.com",
		Password: "pw123456",
		TOTPCode: code,
	}, auth.SessionMetadata{})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// A backup code works exactly once.
	_, _, err = svc.Login(ctx, LoginInput{
		Email:    "alice@example.com",
		Password: "pw123456",
		TOTPCode: backupCodes[0],
	}, auth.SessionMetadata{})
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, LoginInput{
		Email:    "alice@example.com",
		Password: "pw123456",
		TOTPCode: backupCodes[0],
	}, auth.SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrInvalidCode)
}

func TestUpdateProfileUpsertsPreferences(t *testing.T) {
	db, svc, _ := newTestUserService(t)
	ctx := context.Background()
	user := seedUser(t, db, "alice", "alice@example.com", models.RoleUser)

	bio := "Builder of things"
	theme := "dark"
	notify := false

	updated, err := svc.UpdateProfile(ctx, user.ID, UpdateProfileInput{
		Bio:                &bio,
		Theme:              &theme,
		EmailNotifications: &notify,
	})
	require.NoError(t, err)
	require.Equal(t, bio, updated.Bio)
	require.NotNil(t, updated.Preferences)
	require.Equal(t, "dark", updated.Preferences.Theme)
	require.False(t, updated.Preferences.EmailNotifications)

	// Second update mutates the existing preference row.
	theme = "light"
	updated, err = svc.UpdateProfile(ctx, user.ID, UpdateProfileInput{Theme: &theme})
	require.NoError(t, err)
	require.Equal(t, "light", updated.Preferences.Theme)
	require.False(t, updated.Preferences.EmailNotifications)

	var count int64
	require.NoError(t, db.Model(&models.UserPreference{}).
		Where("user_id = ?", user.ID).
		Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestChangePassword(t *testing.T) {
	db, svc, _ := newTestUserService(t)
	ctx := context.Background()
	user := seedUser(t, db, "alice", "alice@example.com", models.RoleUser)

	require.ErrorIs(t,
		svc.ChangePassword(ctx, user.ID, "wrong-password", "newpassword1"),
		apperrors.ErrInvalidCredentials)

	err := svc.ChangePassword(ctx, user.ID, "password123", "short")
	require.Error(t, err)

	require.NoError(t, svc.ChangePassword(ctx, user.ID, "password123", "newpassword1"))

	_, _, err = svc.Login(ctx, LoginInput{
		Email:    "alice@example.com",
		Password: "newpassword1",
	}, auth.SessionMetadata{})
	require.NoError(t, err)
}

func TestSearchUsersFiltersAndPaginates(t *testing.T) {
	db, svc, _ := newTestUserService(t)
	ctx := context.Background()

	seedUser(t, db, "admin-user", "admin@example.com", models.RoleAdmin)
	for _, name := range []string{"carol", "dave", "erin"} {
		seedUser(t, db, name, name+"@example.com", models.RoleUser)
	}

	users, total, err := svc.Search(ctx, UserSearchOptions{Role: models.RoleAdmin})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, users, 1)
	require.Equal(t, "admin-user", users[0].Username)

	users, total, err = svc.Search(ctx, UserSearchOptions{Query: "car"})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, "carol", users[0].Username)

	users, total, err = svc.Search(ctx, UserSearchOptions{Page: 2, Limit: 2, SortBy: "username", SortOrder: "asc"})
	require.NoError(t, err)
	require.EqualValues(t, 4, total)
	require.Len(t, users, 2)
}

func TestSearchUsersRejectsUnknownSortColumn(t *testing.T) {
	_, svc, _ := newTestUserService(t)

	_, _, err := svc.Search(context.Background(), UserSearchOptions{SortBy: "password; DROP TABLE users"})
	require.Error(t, err)
}

func TestLoginHistoryNewestFirst(t *testing.T) {
	db, svc, clock := newTestUserService(t)
	ctx := context.Background()

	user, _, err := svc.Register(ctx, RegisterInput{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "pw123456",
	}, auth.SessionMetadata{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		_, _, err = svc.Login(ctx, LoginInput{
			Email:    "alice@example.com",
			Password: "pw123456",
		}, auth.SessionMetadata{})
		require.NoError(t, err)
	}

	records, err := svc.LoginHistory(ctx, user.ID, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)

	var count int64
	require.NoError(t, db.Model(&models.LoginRecord{}).
		Where("user_id = ?", user.ID).
		Count(&count).Error)
	require.EqualValues(t, 3, count)
}
