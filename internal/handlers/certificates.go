package handlers

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/certifychain/certifychain/internal/services"
	"github.com/certifychain/certifychain/pkg/errors"
	"github.com/certifychain/certifychain/pkg/response"
)

// CertificateHandler covers issuance, listing, revocation, and the public
// verification endpoint.
type CertificateHandler struct {
	certificates  *services.CertificateService
	verifications *services.VerificationService
}

func NewCertificateHandler(certificates *services.CertificateService, verifications *services.VerificationService) *CertificateHandler {
	return &CertificateHandler{certificates: certificates, verifications: verifications}
}

type issueCertificateRequest struct {
	RecipientName  string     `json:"recipient_name" validate:"required,min=2,max=200"`
	RecipientEmail string     `json:"recipient_email" validate:"required,email"`
	CourseName     string     `json:"course_name" validate:"required,min=2,max=200"`
	ExpiryDate     *time.Time `json:"expiry_date"`
}

// POST /certificates
func (h *CertificateHandler) Issue(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req issueCertificateRequest
	if !bindAndValidate(c, &req) {
		return
	}

	cert, err := h.certificates.Issue(requestContext(c), services.IssueCertificateInput{
		RecipientName:  strings.TrimSpace(req.RecipientName),
		RecipientEmail: strings.TrimSpace(req.RecipientEmail),
		CourseName:     strings.TrimSpace(req.CourseName),
		ExpiryDate:     req.ExpiryDate,
		IssuerID:       user.ID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, gin.H{
		"certificate_id": cert.PublicID,
		"certificate":    cert,
	})
}

// GET /certificates/all
func (h *CertificateHandler) ListAll(c *gin.Context) {
	certs, err := h.certificates.ListAll(requestContext(c))
	if err != nil {
		response.Error(c, errors.ErrInternalServer)
		return
	}
	response.Success(c, certs)
}

// GET /certificates/my-certificates
func (h *CertificateHandler) ListMine(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	certs, err := h.certificates.ListByRecipient(requestContext(c), user.Email)
	if err != nil {
		response.Error(c, errors.ErrInternalServer)
		return
	}
	response.Success(c, certs)
}

// GET /certificates/verify/:certificateId
//
// Public endpoint. The optional email query parameter identifies the verifier
// in the audit trail.
func (h *CertificateHandler) Verify(c *gin.Context) {
	certificateID := strings.TrimSpace(c.Param("certificateId"))
	if certificateID == "" {
		response.Error(c, errors.NewBadRequest("certificate id is required"))
		return
	}

	result, err := h.verifications.Verify(requestContext(c), services.VerificationInput{
		CertificateID: certificateID,
		VerifiedBy:    strings.TrimSpace(c.Query("email")),
		Method:        "web",
		IPAddress:     c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, result)
}

// GET /certificates/verify/:certificateId/history
func (h *CertificateHandler) VerificationHistory(c *gin.Context) {
	certificateID := strings.TrimSpace(c.Param("certificateId"))
	if certificateID == "" {
		response.Error(c, errors.NewBadRequest("certificate id is required"))
		return
	}

	limit := parseIntQuery(c, "limit", 50)
	records, err := h.verifications.History(requestContext(c), certificateID, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, records)
}

// POST /certificates/revoke/:certificateId
func (h *CertificateHandler) Revoke(c *gin.Context) {
	certificateID := strings.TrimSpace(c.Param("certificateId"))
	if certificateID == "" {
		response.Error(c, errors.NewBadRequest("certificate id is required"))
		return
	}

	if err := h.certificates.Revoke(requestContext(c), certificateID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{"revoked": true, "certificate_id": certificateID})
}
