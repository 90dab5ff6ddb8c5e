package models

import "time"

// Verification outcomes recorded in the audit trail.
const (
	VerificationStatusValid   = "valid"
	VerificationStatusInvalid = "invalid"
)

// CertificateVerification is one row of the verification audit trail. A row
// is written for every lookup that matches an existing certificate, whatever
// the outcome.
type CertificateVerification struct {
	BaseModel

	CertificateID string       `gorm:"type:uuid;not null;index" json:"-"`
	Certificate   *Certificate `gorm:"foreignKey:CertificateID;references:ID" json:"certificate,omitempty"`

	VerifiedBy         string    `gorm:"not null;default:anonymous" json:"verified_by"`
	VerificationMethod string    `gorm:"not null;default:web" json:"verification_method"`
	VerificationStatus string    `gorm:"not null;index" json:"verification_status"`
	IPAddress          string    `json:"ip_address"`
	VerificationDate   time.Time `gorm:"index" json:"verification_date"`
}
