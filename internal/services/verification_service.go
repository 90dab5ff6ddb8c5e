package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/models"
	apperrors "github.com/certifychain/certifychain/pkg/errors"
	"github.com/certifychain/certifychain/pkg/metrics"
)

// VerificationInput identifies the caller of a verification lookup.
type VerificationInput struct {
	CertificateID string
	VerifiedBy    string
	Method        string
	IPAddress     string
}

// VerificationResult is the public projection returned to verifiers. It never
// carries the certificate's internal identifier.
type VerificationResult struct {
	Valid       bool               `json:"valid"`
	Certificate CertificateSummary `json:"certificate"`
}

// CertificateSummary is the reduced certificate view shown to verifiers.
type CertificateSummary struct {
	CertificateID string     `json:"certificate_id"`
	RecipientName string     `json:"recipient_name"`
	CourseName    string     `json:"course_name"`
	IssueDate     time.Time  `json:"issue_date"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	IssuerName    string     `json:"issuer_name,omitempty"`
	Status        string     `json:"status"`
}

// VerificationService answers public verification lookups and keeps the
// append-only audit trail.
type VerificationService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewVerificationService constructs a VerificationService.
func NewVerificationService(db *gorm.DB, clock func() time.Time) (*VerificationService, error) {
	if db == nil {
		return nil, errors.New("verification service: db is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &VerificationService{db: db, now: clock}, nil
}

// Verify looks up a certificate by public identifier. Every lookup that
// matches an existing certificate writes exactly one audit record, whatever
// the outcome; lookups for unknown identifiers write nothing.
func (s *VerificationService) Verify(ctx context.Context, input VerificationInput) (*VerificationResult, error) {
	ctx = ensureContext(ctx)

	certificateID := strings.TrimSpace(input.CertificateID)
	if certificateID == "" {
		return nil, apperrors.NewBadRequest("certificate id is required")
	}

	verifiedBy := strings.TrimSpace(input.VerifiedBy)
	if verifiedBy == "" {
		verifiedBy = "anonymous"
	}
	method := strings.TrimSpace(input.Method)
	if method == "" {
		method = "web"
	}

	var result *VerificationResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cert models.Certificate
		err := tx.Preload("Issuer").Take(&cert, "certificate_id = ?", certificateID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCertificateNotFound
		}
		if err != nil {
			return fmt.Errorf("verification service: find certificate: %w", err)
		}

		now := s.now()
		valid := cert.Valid(now)

		status := models.VerificationStatusInvalid
		if valid {
			status = models.VerificationStatusValid
		}

		record := models.CertificateVerification{
			CertificateID:      cert.ID,
			VerifiedBy:         verifiedBy,
			VerificationMethod: method,
			VerificationStatus: status,
			IPAddress:          strings.TrimSpace(input.IPAddress),
			VerificationDate:   now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("verification service: record verification: %w", err)
		}

		issuerName := ""
		if cert.Issuer != nil {
			issuerName = cert.Issuer.Username
		}

		result = &VerificationResult{
			Valid: valid,
			Certificate: CertificateSummary{
				CertificateID:  cert.PublicID,
				RecipientName:  cert.RecipientName,
				CourseName:     cert.CourseName,
				IssueDate:      cert.IssueDate,
				ExpiryDate:     cert.ExpiryDate,
				IssuerName:     issuerName,
				Status:         cert.Status,
			},
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCertificateNotFound) {
			metrics.CertificateVerifications.WithLabelValues("not_found").Inc()
			return nil, ErrCertificateNotFound
		}
		return nil, err
	}

	if result.Valid {
		metrics.CertificateVerifications.WithLabelValues("valid").Inc()
	} else {
		metrics.CertificateVerifications.WithLabelValues("invalid").Inc()
	}

	return result, nil
}

// History lists the audit trail for one certificate, newest first.
func (s *VerificationService) History(ctx context.Context, certificateID string, limit int) ([]models.CertificateVerification, error) {
	ctx = ensureContext(ctx)

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var cert models.Certificate
	err := s.db.WithContext(ctx).Select("id").Take(&cert, "certificate_id = ?", strings.TrimSpace(certificateID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCertificateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("verification service: find certificate: %w", err)
	}

	var records []models.CertificateVerification
	err = s.db.WithContext(ctx).
		Where("certificate_id = ?", cert.ID).
		Order("verification_date DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("verification service: list verifications: %w", err)
	}
	return records, nil
}
