package services

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/models"
	apperrors "github.com/certifychain/certifychain/pkg/errors"
	"github.com/certifychain/certifychain/pkg/logger"
	"github.com/certifychain/certifychain/pkg/mail"
	"github.com/certifychain/certifychain/pkg/metrics"
)

// ErrCertificateNotFound indicates no certificate matches the public identifier.
var ErrCertificateNotFound = apperrors.NewNotFound("Certificate not found")

// IssueCertificateInput describes a certificate issue request.
type IssueCertificateInput struct {
	RecipientName  string
	RecipientEmail string
	CourseName     string
	ExpiryDate     *time.Time
	IssuerID       string
}

// CertificateSearchOptions controls filtering and pagination for search.
type CertificateSearchOptions struct {
	Status       string
	IssuerID     string
	IssuedAfter  *time.Time
	IssuedBefore *time.Time
	Query        string
	Page         int
	Limit        int
	SortBy       string
	SortOrder    string
}

var certificateSortColumns = map[string]string{
	"created_at":     "created_at",
	"issue_date":     "issue_date",
	"expiry_date":    "expiry_date",
	"recipient_name": "recipient_name",
	"course_name":    "course_name",
	"status":         "status",
}

// CertificateService manages issue, revoke, and lookup of certificates.
type CertificateService struct {
	db     *gorm.DB
	now    func() time.Time
	mailer mail.Mailer
}

// CertificateOption customises the CertificateService.
type CertificateOption func(*CertificateService)

// WithCertificateMailer enables best-effort issue and revocation notifications
// to the recipient.
func WithCertificateMailer(mailer mail.Mailer) CertificateOption {
	return func(s *CertificateService) {
		s.mailer = mailer
	}
}

// NewCertificateService constructs a CertificateService.
func NewCertificateService(db *gorm.DB, clock func() time.Time, opts ...CertificateOption) (*CertificateService, error) {
	if db == nil {
		return nil, errors.New("certificate service: db is required")
	}
	if clock == nil {
		clock = time.Now
	}

	service := &CertificateService{db: db, now: clock}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Issue validates the request and stores a new active certificate under a
// fresh random public identifier.
func (s *CertificateService) Issue(ctx context.Context, input IssueCertificateInput) (*models.Certificate, error) {
	ctx = ensureContext(ctx)

	name := strings.TrimSpace(input.RecipientName)
	email := strings.ToLower(strings.TrimSpace(input.RecipientEmail))
	course := strings.TrimSpace(input.CourseName)

	if name == "" {
		return nil, apperrors.NewBadRequest("recipient_name is required")
	}
	if email == "" {
		return nil, apperrors.NewBadRequest("recipient_email is required")
	}
	if _, err := netmail.ParseAddress(email); err != nil {
		return nil, apperrors.NewBadRequest("recipient_email is not a valid address")
	}
	if course == "" {
		return nil, apperrors.NewBadRequest("course_name is required")
	}
	if strings.TrimSpace(input.IssuerID) == "" {
		return nil, apperrors.NewBadRequest("issuer is required")
	}

	now := s.now()
	if input.ExpiryDate != nil && input.ExpiryDate.Before(now) {
		return nil, apperrors.NewBadRequest("expiry_date must be in the future")
	}

	cert := &models.Certificate{
		PublicID:       newCertificateID(),
		RecipientName:  name,
		RecipientEmail: email,
		CourseName:     course,
		IssueDate:      now,
		ExpiryDate:     input.ExpiryDate,
		Status:         models.CertificateStatusActive,
		IssuerID:       input.IssuerID,
	}

	if err := s.db.WithContext(ctx).Create(cert).Error; err != nil {
		return nil, fmt.Errorf("certificate service: create certificate: %w", err)
	}

	metrics.CertificatesIssued.Inc()

	s.notify(ctx, cert,
		"Your CertifyChain certificate",
		fmt.Sprintf("Hello %s,\n\nA certificate for %q has been issued to you.\nCertificate ID: %s\n\nAnyone can verify it using this identifier.\n", cert.RecipientName, cert.CourseName, cert.PublicID))

	return cert, nil
}

// Revoke flips the certificate to revoked. Existence is checked via the
// affected-row count; revoking an already revoked certificate succeeds.
func (s *CertificateService) Revoke(ctx context.Context, certificateID string) error {
	ctx = ensureContext(ctx)

	certificateID = strings.TrimSpace(certificateID)
	if certificateID == "" {
		return apperrors.NewBadRequest("certificate id is required")
	}

	result := s.db.WithContext(ctx).
		Model(&models.Certificate{}).
		Where("certificate_id = ?", certificateID).
		Updates(map[string]any{
			"status":     models.CertificateStatusRevoked,
			"updated_at": s.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("certificate service: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCertificateNotFound
	}

	if s.mailer != nil {
		if cert, err := s.GetByPublicID(ctx, certificateID); err == nil {
			s.notify(ctx, cert,
				"Your CertifyChain certificate was revoked",
				fmt.Sprintf("Hello %s,\n\nYour certificate for %q (ID %s) has been revoked and will no longer verify.\n", cert.RecipientName, cert.CourseName, cert.PublicID))
		}
	}

	return nil
}

// notify emails the recipient. Delivery problems are logged, never surfaced;
// the certificate change has already committed.
func (s *CertificateService) notify(ctx context.Context, cert *models.Certificate, subject, body string) {
	if s.mailer == nil {
		return
	}

	err := s.mailer.Send(ctx, mail.Message{
		To:      []string{cert.RecipientEmail},
		Subject: subject,
		Body:    body,
	})
	if err != nil && !errors.Is(err, mail.ErrDisabled) {
		logger.WithModule("certificates").Warn("recipient notification failed",
			zap.String("certificate_id", cert.PublicID),
			zap.Error(err),
		)
	}
}

// GetByPublicID loads a certificate with its issuer by external identifier.
func (s *CertificateService) GetByPublicID(ctx context.Context, certificateID string) (*models.Certificate, error) {
	ctx = ensureContext(ctx)

	certificateID = strings.TrimSpace(certificateID)
	if certificateID == "" {
		return nil, apperrors.NewBadRequest("certificate id is required")
	}

	var cert models.Certificate
	err := s.db.WithContext(ctx).
		Preload("Issuer").
		Take(&cert, "certificate_id = ?", certificateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCertificateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("certificate service: get certificate: %w", err)
	}
	return &cert, nil
}

// ListAll returns every certificate with issuer details, newest first.
func (s *CertificateService) ListAll(ctx context.Context) ([]models.Certificate, error) {
	ctx = ensureContext(ctx)

	var certs []models.Certificate
	err := s.db.WithContext(ctx).
		Preload("Issuer").
		Order("created_at DESC").
		Find(&certs).Error
	if err != nil {
		return nil, fmt.Errorf("certificate service: list certificates: %w", err)
	}
	return certs, nil
}

// ListByRecipient returns certificates issued to the given email, newest first.
func (s *CertificateService) ListByRecipient(ctx context.Context, email string) ([]models.Certificate, error) {
	ctx = ensureContext(ctx)

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperrors.NewBadRequest("recipient email is required")
	}

	var certs []models.Certificate
	err := s.db.WithContext(ctx).
		Preload("Issuer").
		Where("recipient_email = ?", email).
		Order("created_at DESC").
		Find(&certs).Error
	if err != nil {
		return nil, fmt.Errorf("certificate service: list by recipient: %w", err)
	}
	return certs, nil
}

// Search pages through certificates under the supplied filters. The total is
// counted under the same predicate as the page query.
func (s *CertificateService) Search(ctx context.Context, opts CertificateSearchOptions) ([]models.Certificate, int64, error) {
	ctx = ensureContext(ctx)

	page, limit := NormalizePagination(opts.Page, opts.Limit)

	orderClause, err := buildOrderClause(certificateSortColumns, opts.SortBy, opts.SortOrder)
	if err != nil {
		return nil, 0, err
	}

	query := s.db.WithContext(ctx).Model(&models.Certificate{})
	if status := strings.TrimSpace(opts.Status); status != "" {
		query = query.Where("status = ?", status)
	}
	if issuer := strings.TrimSpace(opts.IssuerID); issuer != "" {
		query = query.Where("issuer_id = ?", issuer)
	}
	if opts.IssuedAfter != nil {
		query = query.Where("issue_date >= ?", *opts.IssuedAfter)
	}
	if opts.IssuedBefore != nil {
		query = query.Where("issue_date <= ?", *opts.IssuedBefore)
	}
	if text := strings.TrimSpace(opts.Query); text != "" {
		pattern := "%" + strings.ToLower(text) + "%"
		query = query.Where(
			"LOWER(recipient_name) LIKE ? OR LOWER(recipient_email) LIKE ? OR LOWER(course_name) LIKE ? OR LOWER(certificate_id) LIKE ?",
			pattern, pattern, pattern, pattern,
		)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("certificate service: count certificates: %w", err)
	}

	var certs []models.Certificate
	err = query.Preload("Issuer").
		Order(orderClause).
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&certs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("certificate service: search certificates: %w", err)
	}

	return certs, total, nil
}

// newCertificateID generates the public identifier handed to recipients.
// Random UUIDs keep identifiers unguessable.
func newCertificateID() string {
	return "CERT-" + strings.ToUpper(uuid.NewString())
}
