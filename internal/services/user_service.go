package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/auth"
	"github.com/certifychain/certifychain/internal/auth/mfa"
	"github.com/certifychain/certifychain/internal/models"
	"github.com/certifychain/certifychain/pkg/crypto"
	apperrors "github.com/certifychain/certifychain/pkg/errors"
	"github.com/certifychain/certifychain/pkg/metrics"
)

var (
	// ErrUserNotFound indicates the requested user does not exist.
	ErrUserNotFound = apperrors.New("USER_NOT_FOUND", "User not found", http.StatusNotFound)
	// ErrTwoFactorRequired signals that login needs a second factor to complete.
	ErrTwoFactorRequired = apperrors.New("TWO_FACTOR_REQUIRED", "Two-factor authentication code required", http.StatusUnauthorized)
)

// RegisterInput describes the fields accepted at registration.
type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// LoginInput carries credentials plus the optional second factor.
type LoginInput struct {
	Email    string
	Password string
	TOTPCode string
}

// UpdateProfileInput enumerates mutable profile attributes. Nil fields are
// left unchanged.
type UpdateProfileInput struct {
	Username  *string
	Bio       *string
	Company   *string
	Website   *string
	Location  *string
	AvatarURL *string

	EmailNotifications *bool
	PublicProfile      *bool
	Theme              *string
	Language           *string
}

// UserSearchOptions controls filtering and pagination for the user search.
type UserSearchOptions struct {
	Role      string
	Query     string
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}

// userSortColumns is the allow-list mapping caller sort keys to columns.
// Anything outside it is rejected, never interpolated.
var userSortColumns = map[string]string{
	"created_at": "created_at",
	"username":   "username",
	"email":      "email",
	"role":       "role",
}

// UserService manages registration, login, and profile lifecycle.
type UserService struct {
	db       *gorm.DB
	sessions *auth.SessionService
	totp     *mfa.TOTPService
	now      func() time.Time
}

// NewUserService constructs a UserService instance.
func NewUserService(db *gorm.DB, sessions *auth.SessionService, totp *mfa.TOTPService, clock func() time.Time) (*UserService, error) {
	if db == nil {
		return nil, errors.New("user service: db is required")
	}
	if sessions == nil {
		return nil, errors.New("user service: session service is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &UserService{db: db, sessions: sessions, totp: totp, now: clock}, nil
}

// Register provisions a new account and logs it in. User creation and the
// initial session commit in one transaction so a failed session insert never
// leaves an orphaned account.
func (s *UserService) Register(ctx context.Context, input RegisterInput, meta auth.SessionMetadata) (*models.User, string, error) {
	ctx = ensureContext(ctx)

	username := strings.TrimSpace(input.Username)
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if username == "" {
		return nil, "", apperrors.NewBadRequest("username is required")
	}
	if email == "" {
		return nil, "", apperrors.NewBadRequest("email is required")
	}
	if len(strings.TrimSpace(input.Password)) < 8 {
		return nil, "", apperrors.NewBadRequest("password must be at least 8 characters")
	}

	hashed, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, "", fmt.Errorf("user service: hash password: %w", err)
	}

	user := &models.User{
		Username: username,
		Email:    email,
		Password: hashed,
		Role:     models.RoleUser,
	}

	var token string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return err
		}

		var sessionErr error
		token, _, sessionErr = s.sessions.CreateTx(ctx, tx, user, meta)
		return sessionErr
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, "", apperrors.ErrDuplicateEmail
		}
		return nil, "", fmt.Errorf("user service: register: %w", err)
	}

	return user, token, nil
}

// Login authenticates credentials and mints a session. Missing accounts and
// wrong passwords return the same generic error so callers cannot probe for
// registered emails. Accounts with two-factor enabled additionally require a
// TOTP or backup code.
func (s *UserService) Login(ctx context.Context, input LoginInput, meta auth.SessionMetadata) (*models.User, string, error) {
	ctx = ensureContext(ctx)

	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" || input.Password == "" {
		return nil, "", apperrors.ErrInvalidCredentials
	}

	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, "", apperrors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", fmt.Errorf("user service: find user: %w", err)
	}

	if !crypto.VerifyPassword(user.Password, input.Password) {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		s.recordLogin(ctx, user.ID, meta, false)
		return nil, "", apperrors.ErrInvalidCredentials
	}

	if user.TwoFactorEnabled {
		if err := s.checkSecondFactor(&user, input.TOTPCode); err != nil {
			metrics.AuthAttempts.WithLabelValues("failure").Inc()
			s.recordLogin(ctx, user.ID, meta, false)
			return nil, "", err
		}
	}

	token, _, err := s.sessions.Create(ctx, &user, meta)
	if err != nil {
		return nil, "", fmt.Errorf("user service: create session: %w", err)
	}

	now := s.now()
	updates := map[string]any{
		"last_login_at": &now,
		"last_login_ip": meta.IPAddress,
	}
	if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return nil, "", fmt.Errorf("user service: update last login: %w", err)
	}

	s.recordLogin(ctx, user.ID, meta, true)
	metrics.AuthAttempts.WithLabelValues("success").Inc()

	return &user, token, nil
}

func (s *UserService) checkSecondFactor(user *models.User, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrTwoFactorRequired
	}
	if s.totp == nil {
		return apperrors.ErrInvalidCode
	}

	ok, err := s.totp.VerifyCode(user.ID, code)
	if err != nil && !errors.Is(err, mfa.ErrSecretNotFound) {
		return fmt.Errorf("user service: verify totp: %w", err)
	}
	if ok {
		return nil
	}

	// Fall back to a single-use backup code.
	used, err := s.totp.UseBackupCode(user.ID, code)
	if err != nil && !errors.Is(err, mfa.ErrSecretNotFound) {
		return fmt.Errorf("user service: use backup code: %w", err)
	}
	if !used {
		return apperrors.ErrInvalidCode
	}
	return nil
}

func (s *UserService) recordLogin(ctx context.Context, userID string, meta auth.SessionMetadata, success bool) {
	record := models.LoginRecord{
		UserID:    userID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   success,
	}
	_ = s.db.WithContext(ctx).Create(&record).Error
}

// GetByID loads a user by identifier.
func (s *UserService) GetByID(ctx context.Context, id string) (*models.User, error) {
	ctx = ensureContext(ctx)

	var user models.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user service: get user: %w", err)
	}
	return &user, nil
}

// GetWithPreferences loads a user together with their preference row.
func (s *UserService) GetWithPreferences(ctx context.Context, id string) (*models.User, error) {
	ctx = ensureContext(ctx)

	var user models.User
	err := s.db.WithContext(ctx).Preload("Preferences").First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user service: get user: %w", err)
	}
	return &user, nil
}

// UpdateProfile applies profile and preference changes atomically. The
// preference row is upserted inside the same transaction so a failed write
// cannot leave the two halves inconsistent.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, input UpdateProfileInput) (*models.User, error) {
	ctx = ensureContext(ctx)

	user, err := s.GetWithPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{}
		if input.Username != nil {
			trimmed := strings.TrimSpace(*input.Username)
			if trimmed == "" {
				return apperrors.NewBadRequest("username must not be empty")
			}
			updates["username"] = trimmed
		}
		if input.Bio != nil {
			updates["bio"] = *input.Bio
		}
		if input.Company != nil {
			updates["company"] = *input.Company
		}
		if input.Website != nil {
			updates["website"] = *input.Website
		}
		if input.Location != nil {
			updates["location"] = *input.Location
		}
		if input.AvatarURL != nil {
			updates["avatar_url"] = *input.AvatarURL
		}

		if len(updates) > 0 {
			if err := tx.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
				return err
			}
		}

		if input.EmailNotifications == nil && input.PublicProfile == nil &&
			input.Theme == nil && input.Language == nil {
			return nil
		}

		prefs := user.Preferences
		if prefs == nil {
			prefs = &models.UserPreference{UserID: userID, EmailNotifications: true, Theme: "light", Language: "en"}
		}
		if input.EmailNotifications != nil {
			prefs.EmailNotifications = *input.EmailNotifications
		}
		if input.PublicProfile != nil {
			prefs.PublicProfile = *input.PublicProfile
		}
		if input.Theme != nil {
			prefs.Theme = *input.Theme
		}
		if input.Language != nil {
			prefs.Language = *input.Language
		}

		return tx.Save(prefs).Error
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, fmt.Errorf("user service: update profile: %w", err)
	}

	return s.GetWithPreferences(ctx, userID)
}

// ChangePassword verifies the current password before storing the new hash.
func (s *UserService) ChangePassword(ctx context.Context, userID, current, next string) error {
	ctx = ensureContext(ctx)

	if len(strings.TrimSpace(next)) < 8 {
		return apperrors.NewBadRequest("new password must be at least 8 characters")
	}

	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if !crypto.VerifyPassword(user.Password, current) {
		return apperrors.ErrInvalidCredentials
	}

	hashed, err := crypto.HashPassword(next)
	if err != nil {
		return fmt.Errorf("user service: hash password: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(user).Update("password", hashed).Error; err != nil {
		return fmt.Errorf("user service: update password: %w", err)
	}
	return nil
}

// LoginHistory returns the user's most recent login records, newest first.
func (s *UserService) LoginHistory(ctx context.Context, userID string, limit int) ([]models.LoginRecord, error) {
	ctx = ensureContext(ctx)

	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var records []models.LoginRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("user service: login history: %w", err)
	}
	return records, nil
}

// Search pages through users filtered by role and free text. The total count
// runs under the same predicate so pagination stays consistent with the rows.
func (s *UserService) Search(ctx context.Context, opts UserSearchOptions) ([]models.User, int64, error) {
	ctx = ensureContext(ctx)

	page, limit := NormalizePagination(opts.Page, opts.Limit)

	orderClause, err := buildOrderClause(userSortColumns, opts.SortBy, opts.SortOrder)
	if err != nil {
		return nil, 0, err
	}

	query := s.db.WithContext(ctx).Model(&models.User{})
	if role := strings.TrimSpace(opts.Role); role != "" {
		query = query.Where("role = ?", role)
	}
	if text := strings.TrimSpace(opts.Query); text != "" {
		pattern := "%" + strings.ToLower(text) + "%"
		query = query.Where("LOWER(username) LIKE ? OR LOWER(email) LIKE ?", pattern, pattern)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("user service: count users: %w", err)
	}

	var users []models.User
	err = query.Order(orderClause).
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, 0, fmt.Errorf("user service: search users: %w", err)
	}

	return users, total, nil
}
