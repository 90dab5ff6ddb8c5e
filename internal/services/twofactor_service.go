package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/auth/mfa"
	"github.com/certifychain/certifychain/internal/models"
	apperrors "github.com/certifychain/certifychain/pkg/errors"
	"github.com/certifychain/certifychain/pkg/logger"
	"github.com/certifychain/certifychain/pkg/mail"
)

// ErrTwoFactorAlreadyEnabled rejects enrolment for accounts already protected.
var ErrTwoFactorAlreadyEnabled = apperrors.New("TWO_FACTOR_ALREADY_ENABLED", "Two-factor authentication is already enabled", http.StatusBadRequest)

// TwoFactorEnrolment is returned from Enable. The backup codes appear in
// cleartext exactly once.
type TwoFactorEnrolment struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauth_url"`
	QRCodePNG   string   `json:"qr_code_png"` // base64
	BackupCodes []string `json:"backup_codes"`
}

// TwoFactorService orchestrates enrolment, confirmation, and teardown of the
// second authentication factor.
type TwoFactorService struct {
	db     *gorm.DB
	totp   *mfa.TOTPService
	mailer mail.Mailer
}

// TwoFactorOption customises the TwoFactorService.
type TwoFactorOption func(*TwoFactorService)

// WithTwoFactorMailer enables the out-of-band provisioning email on Enable.
func WithTwoFactorMailer(mailer mail.Mailer) TwoFactorOption {
	return func(s *TwoFactorService) {
		s.mailer = mailer
	}
}

// NewTwoFactorService constructs a TwoFactorService.
func NewTwoFactorService(db *gorm.DB, totp *mfa.TOTPService, opts ...TwoFactorOption) (*TwoFactorService, error) {
	if db == nil {
		return nil, errors.New("two-factor service: db is required")
	}
	if totp == nil {
		return nil, errors.New("two-factor service: totp service is required")
	}

	service := &TwoFactorService{db: db, totp: totp}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Enable provisions a pending secret, backup codes, and a provisioning QR for
// the user. The account flag only flips after Confirm.
func (s *TwoFactorService) Enable(ctx context.Context, user *models.User) (*TwoFactorEnrolment, error) {
	if user == nil {
		return nil, errors.New("two-factor service: user is required")
	}
	if user.TwoFactorEnabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	key, backupCodes, err := s.totp.GenerateSecret(user.ID, user.Email)
	if err != nil {
		return nil, fmt.Errorf("two-factor service: generate secret: %w", err)
	}

	png, err := s.totp.GenerateQRCode(key)
	if err != nil {
		return nil, fmt.Errorf("two-factor service: generate qr: %w", err)
	}

	enrolment := &TwoFactorEnrolment{
		Secret:      key.Secret(),
		OTPAuthURL:  key.String(),
		QRCodePNG:   base64.StdEncoding.EncodeToString(png),
		BackupCodes: backupCodes,
	}

	// Out-of-band provisioning copy. The enrolment response already carries
	// everything, so delivery problems are logged, not surfaced.
	if s.mailer != nil {
		err := s.mailer.Send(ctx, mail.Message{
			To:      []string{user.Email},
			Subject: "Two-factor authentication setup",
			Body: fmt.Sprintf("Two-factor authentication setup was started for your CertifyChain account.\n\nAdd this key to your authenticator app:\n%s\n\nOr scan the QR code shown in the app. If you did not request this, change your password immediately.\n", key.Secret()),
		})
		if err != nil && !errors.Is(err, mail.ErrDisabled) {
			logger.WithModule("twofactor").Warn("provisioning email failed",
				zap.String("user_id", user.ID),
				zap.Error(err),
			)
		}
	}

	return enrolment, nil
}

// Confirm completes enrolment: the submitted code must match the pending
// secret before the account flag flips.
func (s *TwoFactorService) Confirm(ctx context.Context, user *models.User, code string) error {
	if user == nil {
		return errors.New("two-factor service: user is required")
	}

	ok, err := s.totp.VerifyCode(user.ID, code)
	if err != nil {
		if errors.Is(err, mfa.ErrSecretNotFound) {
			return apperrors.ErrInvalidCode
		}
		return fmt.Errorf("two-factor service: verify code: %w", err)
	}
	if !ok {
		return apperrors.ErrInvalidCode
	}

	if err := s.totp.Confirm(user.ID); err != nil {
		return fmt.Errorf("two-factor service: confirm secret: %w", err)
	}

	return s.setFlag(ctx, user, true)
}

// Disable tears down the second factor. A current TOTP code is required;
// backup codes are deliberately not accepted here.
func (s *TwoFactorService) Disable(ctx context.Context, user *models.User, code string) error {
	if user == nil {
		return errors.New("two-factor service: user is required")
	}
	if !user.TwoFactorEnabled {
		return apperrors.NewBadRequest("two-factor authentication is not enabled")
	}

	ok, err := s.totp.VerifyCode(user.ID, code)
	if err != nil {
		if errors.Is(err, mfa.ErrSecretNotFound) {
			return apperrors.ErrInvalidCode
		}
		return fmt.Errorf("two-factor service: verify code: %w", err)
	}
	if !ok {
		return apperrors.ErrInvalidCode
	}

	err = s.db.WithContext(ensureContext(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.MFASecret{}).Error; err != nil {
			return err
		}
		return tx.Model(&models.User{}).
			Where("id = ?", user.ID).
			Update("two_factor_enabled", false).Error
	})
	if err != nil {
		return fmt.Errorf("two-factor service: disable: %w", err)
	}

	user.TwoFactorEnabled = false
	return nil
}

// RemainingBackupCodes reports how many backup codes the user still holds.
func (s *TwoFactorService) RemainingBackupCodes(user *models.User) (int, error) {
	if user == nil {
		return 0, errors.New("two-factor service: user is required")
	}
	count, err := s.totp.RemainingBackupCodes(user.ID)
	if err != nil {
		if errors.Is(err, mfa.ErrSecretNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

func (s *TwoFactorService) setFlag(ctx context.Context, user *models.User, enabled bool) error {
	err := s.db.WithContext(ensureContext(ctx)).
		Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("two_factor_enabled", enabled).Error
	if err != nil {
		return fmt.Errorf("two-factor service: update flag: %w", err)
	}
	user.TwoFactorEnabled = enabled
	return nil
}
