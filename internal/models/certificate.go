package models

import "time"

// Certificate statuses. A revoked certificate keeps its record but fails
// verification.
const (
	CertificateStatusActive  = "active"
	CertificateStatusRevoked = "revoked"
)

// Certificate is an issued credential. PublicID is the code printed on the
// document and used for verification; the surrogate ID stays internal. The
// Go field is named PublicID so it cannot collide with the verification
// association's foreign key during schema resolution.
type Certificate struct {
	BaseModel

	PublicID       string `gorm:"column:certificate_id;uniqueIndex;not null" json:"certificate_id"`
	RecipientName  string `gorm:"not null;index" json:"recipient_name"`
	RecipientEmail string `gorm:"not null;index" json:"recipient_email"`
	CourseName     string `gorm:"not null;index" json:"course_name"`

	IssueDate  time.Time  `gorm:"not null" json:"issue_date"`
	ExpiryDate *time.Time `json:"expiry_date"`

	Status string `gorm:"not null;default:active;index" json:"status"`

	IssuerID string `gorm:"type:uuid;not null;index" json:"issuer_id"`
	Issuer   *User  `gorm:"foreignKey:IssuerID" json:"issuer,omitempty"`

	Verifications []CertificateVerification `gorm:"foreignKey:CertificateID;references:ID" json:"-"`
}

// Expired reports whether the certificate's expiry date has passed.
func (c *Certificate) Expired(now time.Time) bool {
	return c.ExpiryDate != nil && c.ExpiryDate.Before(now)
}

// Valid reports whether the certificate passes verification at the given time.
func (c *Certificate) Valid(now time.Time) bool {
	return c.Status == CertificateStatusActive && !c.Expired(now)
}
