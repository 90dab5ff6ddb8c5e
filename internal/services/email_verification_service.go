package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/models"
	"github.com/certifychain/certifychain/pkg/crypto"
	apperrors "github.com/certifychain/certifychain/pkg/errors"
	"github.com/certifychain/certifychain/pkg/mail"
)

const (
	defaultVerificationExpiry     = 24 * time.Hour
	defaultVerificationTokenBytes = 48
)

var (
	// ErrVerificationNotFound indicates the token does not exist.
	ErrVerificationNotFound = apperrors.New("INVALID_VERIFICATION_TOKEN", "Invalid verification token", http.StatusBadRequest)
	// ErrVerificationExpired indicates the verification token has expired.
	ErrVerificationExpired = apperrors.New("VERIFICATION_TOKEN_EXPIRED", "Verification token has expired", http.StatusBadRequest)
	// ErrVerificationUsed signals that the token has already been consumed.
	ErrVerificationUsed = apperrors.New("VERIFICATION_TOKEN_USED", "Verification token has already been used", http.StatusBadRequest)
)

// VerificationOption customises the EmailVerificationService.
type VerificationOption func(*EmailVerificationService)

// WithVerificationBaseURL sets the base URL used in verification links.
func WithVerificationBaseURL(url string) VerificationOption {
	return func(s *EmailVerificationService) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// WithVerificationExpiry overrides the token lifetime.
func WithVerificationExpiry(d time.Duration) VerificationOption {
	return func(s *EmailVerificationService) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithVerificationClock injects a custom time source.
func WithVerificationClock(clock func() time.Time) VerificationOption {
	return func(s *EmailVerificationService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// EmailVerificationService manages email confirmation tokens for new accounts.
type EmailVerificationService struct {
	db          *gorm.DB
	mailer      mail.Mailer
	baseURL     string
	expiry      time.Duration
	tokenLength int
	now         func() time.Time
}

// NewEmailVerificationService constructs a verification service with the provided dependencies.
func NewEmailVerificationService(db *gorm.DB, mailer mail.Mailer, opts ...VerificationOption) (*EmailVerificationService, error) {
	if db == nil {
		return nil, errors.New("email verification service: db is required")
	}

	service := &EmailVerificationService{
		db:          db,
		mailer:      mailer,
		expiry:      defaultVerificationExpiry,
		tokenLength: defaultVerificationTokenBytes,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// CreateToken issues a verification token for the given user and dispatches an
// email when a mailer is configured. Only the hash is stored.
func (s *EmailVerificationService) CreateToken(ctx context.Context, userID, email string) (string, string, error) {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	email = strings.ToLower(strings.TrimSpace(email))
	if userID == "" {
		return "", "", errors.New("email verification service: user id is required")
	}
	if email == "" {
		return "", "", errors.New("email verification service: email is required")
	}

	token, err := crypto.GenerateToken(s.tokenLength)
	if err != nil {
		return "", "", fmt.Errorf("email verification service: generate token: %w", err)
	}

	now := s.now()
	verification := models.EmailVerification{
		UserID:    userID,
		TokenHash: crypto.HashToken(token),
		ExpiresAt: now.Add(s.expiry),
	}

	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.EmailVerification{}).Error; err != nil {
		return "", "", fmt.Errorf("email verification service: cleanup existing: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(&verification).Error; err != nil {
		return "", "", fmt.Errorf("email verification service: create token: %w", err)
	}

	link := s.verificationLink(token)

	if s.mailer != nil {
		message := mail.Message{
			To:      []string{email},
			Subject: "Confirm your CertifyChain account",
			Body:    s.verificationBody(link),
		}
		if mailErr := s.mailer.Send(ctx, message); mailErr != nil && !errors.Is(mailErr, mail.ErrDisabled) {
			return "", "", fmt.Errorf("email verification service: send email: %w", mailErr)
		}
	}

	return token, link, nil
}

// VerifyToken validates and consumes a verification token, flipping the
// owning user's verified flag in the same transaction.
func (s *EmailVerificationService) VerifyToken(ctx context.Context, token string) (*models.EmailVerification, error) {
	ctx = ensureContext(ctx)

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("email verification service: token is required")
	}

	var verification models.EmailVerification

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("token_hash = ?", crypto.HashToken(token)).
			First(&verification).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrVerificationNotFound
			}
			return fmt.Errorf("email verification service: find token: %w", err)
		}

		now := s.now()
		if verification.ExpiresAt.Before(now) {
			return ErrVerificationExpired
		}
		if verification.VerifiedAt != nil {
			return ErrVerificationUsed
		}

		if err := tx.Model(&verification).
			Updates(map[string]any{"verified_at": now}).Error; err != nil {
			return fmt.Errorf("email verification service: mark verified: %w", err)
		}
		verification.VerifiedAt = &now

		return tx.Model(&models.User{}).
			Where("id = ?", verification.UserID).
			Update("email_verified", true).Error
	})
	if err != nil {
		return nil, err
	}

	return &verification, nil
}

// CleanupExpired removes stale verification rows. Used by the maintenance job.
func (s *EmailVerificationService) CleanupExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ensureContext(ctx)).
		Where("expires_at < ?", s.now()).
		Delete(&models.EmailVerification{})
	return result.RowsAffected, result.Error
}

func (s *EmailVerificationService) verificationLink(token string) string {
	if s.baseURL == "" {
		return token
	}
	return fmt.Sprintf("%s?token=%s", s.baseURL, token)
}

func (s *EmailVerificationService) verificationBody(link string) string {
	return fmt.Sprintf("Welcome to CertifyChain!\n\nPlease confirm your email address by visiting the link below:\n%s\n\nIf you did not create an account, you can ignore this message.\n", link)
}
