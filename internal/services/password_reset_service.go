package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/auth"
	"github.com/certifychain/certifychain/internal/models"
	"github.com/certifychain/certifychain/pkg/crypto"
	apperrors "github.com/certifychain/certifychain/pkg/errors"
	"github.com/certifychain/certifychain/pkg/mail"
)

const (
	defaultResetExpiry     = time.Hour
	defaultResetTokenBytes = 48
)

// ResetOption customises the PasswordResetService.
type ResetOption func(*PasswordResetService)

// WithResetBaseURL sets the base URL used in reset links.
func WithResetBaseURL(url string) ResetOption {
	return func(s *PasswordResetService) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// WithResetExpiry overrides the token lifetime.
func WithResetExpiry(d time.Duration) ResetOption {
	return func(s *PasswordResetService) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithResetClock injects a custom time source.
func WithResetClock(clock func() time.Time) ResetOption {
	return func(s *PasswordResetService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// PasswordResetService manages single-use, time-limited reset tokens.
type PasswordResetService struct {
	db       *gorm.DB
	sessions *auth.SessionService
	mailer   mail.Mailer
	baseURL  string
	expiry   time.Duration
	now      func() time.Time
}

// NewPasswordResetService constructs a reset service.
func NewPasswordResetService(db *gorm.DB, sessions *auth.SessionService, mailer mail.Mailer, opts ...ResetOption) (*PasswordResetService, error) {
	if db == nil {
		return nil, errors.New("password reset service: db is required")
	}
	if sessions == nil {
		return nil, errors.New("password reset service: session service is required")
	}

	service := &PasswordResetService{
		db:       db,
		sessions: sessions,
		mailer:   mailer,
		expiry:   defaultResetExpiry,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// Request issues a reset token for the account, if one exists. The return is
// identical whether or not the email is registered so the endpoint cannot be
// used to enumerate accounts; the token only travels by email.
func (s *PasswordResetService) Request(ctx context.Context, email string) error {
	ctx = ensureContext(ctx)

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return apperrors.NewBadRequest("email is required")
	}

	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("password reset service: find user: %w", err)
	}

	token, err := crypto.GenerateToken(defaultResetTokenBytes)
	if err != nil {
		return fmt.Errorf("password reset service: generate token: %w", err)
	}

	now := s.now()
	reset := models.PasswordResetToken{
		UserID:    user.ID,
		TokenHash: crypto.HashToken(token),
		ExpiresAt: now.Add(s.expiry),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", user.ID).
			Delete(&models.PasswordResetToken{}).Error; err != nil {
			return err
		}
		return tx.Create(&reset).Error
	})
	if err != nil {
		return fmt.Errorf("password reset service: store token: %w", err)
	}

	if s.mailer != nil {
		message := mail.Message{
			To:      []string{user.Email},
			Subject: "Reset your CertifyChain password",
			Body:    s.resetBody(s.resetLink(token)),
		}
		if mailErr := s.mailer.Send(ctx, message); mailErr != nil && !errors.Is(mailErr, mail.ErrDisabled) {
			return fmt.Errorf("password reset service: send email: %w", mailErr)
		}
	}

	return nil
}

// Reset consumes a token and stores the new password hash. The token lookup,
// password update, token consumption, and session invalidation commit as one
// transaction; afterwards every previously issued token for the user fails
// validation.
func (s *PasswordResetService) Reset(ctx context.Context, token, newPassword string) error {
	ctx = ensureContext(ctx)

	token = strings.TrimSpace(token)
	if token == "" {
		return apperrors.ErrInvalidResetToken
	}
	if len(strings.TrimSpace(newPassword)) < 8 {
		return apperrors.NewBadRequest("password must be at least 8 characters")
	}

	hashed, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("password reset service: hash password: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reset models.PasswordResetToken
		if err := tx.Where("token_hash = ?", crypto.HashToken(token)).
			First(&reset).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrInvalidResetToken
			}
			return fmt.Errorf("password reset service: find token: %w", err)
		}

		now := s.now()
		if reset.ExpiresAt.Before(now) || reset.UsedAt != nil {
			return apperrors.ErrInvalidResetToken
		}

		if err := tx.Model(&models.User{}).
			Where("id = ?", reset.UserID).
			Update("password", hashed).Error; err != nil {
			return fmt.Errorf("password reset service: update password: %w", err)
		}

		if err := tx.Model(&reset).Update("used_at", &now).Error; err != nil {
			return fmt.Errorf("password reset service: consume token: %w", err)
		}

		// Force re-authentication everywhere.
		return s.sessions.DeleteForUser(ctx, tx, reset.UserID)
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return appErr
		}
		return err
	}

	return nil
}

// CleanupExpired removes stale and consumed tokens. Used by the maintenance job.
func (s *PasswordResetService) CleanupExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ensureContext(ctx)).
		Where("expires_at < ? OR used_at IS NOT NULL", s.now()).
		Delete(&models.PasswordResetToken{})
	return result.RowsAffected, result.Error
}

func (s *PasswordResetService) resetLink(token string) string {
	if s.baseURL == "" {
		return token
	}
	return fmt.Sprintf("%s?token=%s", s.baseURL, token)
}

func (s *PasswordResetService) resetBody(link string) string {
	return fmt.Sprintf("A password reset was requested for your CertifyChain account.\n\nVisit the link below within the next hour to choose a new password:\n%s\n\nIf you did not request this, you can ignore this message.\n", link)
}
