package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/certifychain/certifychain/internal/services"
	"github.com/certifychain/certifychain/pkg/errors"
	"github.com/certifychain/certifychain/pkg/response"
)

// ProfileHandler serves the authenticated account surface: profile and
// preferences, password changes, login history, 2FA lifecycle, and email
// verification requests.
type ProfileHandler struct {
	users     *services.UserService
	twoFactor *services.TwoFactorService
	verify    *services.EmailVerificationService
}

func NewProfileHandler(users *services.UserService, twoFactor *services.TwoFactorService, verify *services.EmailVerificationService) *ProfileHandler {
	return &ProfileHandler{users: users, twoFactor: twoFactor, verify: verify}
}

// GET /profile
func (h *ProfileHandler) Get(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	full, err := h.users.GetWithPreferences(requestContext(c), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}

	backupCodes, _ := h.twoFactor.RemainingBackupCodes(full)

	response.Success(c, gin.H{
		"user":                   full,
		"preferences":            full.Preferences,
		"backup_codes_remaining": backupCodes,
	})
}

type updateProfileRequest struct {
	Username  *string `json:"username" validate:"omitempty,min=2,max=100"`
	Bio       *string `json:"bio" validate:"omitempty,max=500"`
	Company   *string `json:"company" validate:"omitempty,max=200"`
	Website   *string `json:"website" validate:"omitempty,max=200"`
	Location  *string `json:"location" validate:"omitempty,max=200"`
	AvatarURL *string `json:"avatar_url" validate:"omitempty,max=500"`

	EmailNotifications *bool   `json:"email_notifications"`
	PublicProfile      *bool   `json:"public_profile"`
	Theme              *string `json:"theme" validate:"omitempty,oneof=light dark"`
	Language           *string `json:"language" validate:"omitempty,min=2,max=10"`
}

// PUT /profile
func (h *ProfileHandler) Update(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req updateProfileRequest
	if !bindAndValidate(c, &req) {
		return
	}

	updated, err := h.users.UpdateProfile(requestContext(c), user.ID, services.UpdateProfileInput{
		Username:           req.Username,
		Bio:                req.Bio,
		Company:            req.Company,
		Website:            req.Website,
		Location:           req.Location,
		AvatarURL:          req.AvatarURL,
		EmailNotifications: req.EmailNotifications,
		PublicProfile:      req.PublicProfile,
		Theme:              req.Theme,
		Language:           req.Language,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, updated)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8"`
}

// POST /profile/change-password
func (h *ProfileHandler) ChangePassword(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req changePasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.users.ChangePassword(requestContext(c), user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{"message": "Password updated"})
}

// GET /profile/login-history
func (h *ProfileHandler) LoginHistory(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	limit := parseIntQuery(c, "limit", 20)
	records, err := h.users.LoginHistory(requestContext(c), user.ID, limit)
	if err != nil {
		response.Error(c, errors.ErrInternalServer)
		return
	}

	response.Success(c, records)
}

// POST /profile/2fa/enable
func (h *ProfileHandler) EnableTwoFactor(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	enrolment, err := h.twoFactor.Enable(requestContext(c), user)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, enrolment)
}

type twoFactorCodeRequest struct {
	Code string `json:"code" validate:"required,min=6,max=10"`
}

// POST /profile/2fa/verify
func (h *ProfileHandler) VerifyTwoFactor(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req twoFactorCodeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.twoFactor.Confirm(requestContext(c), user, strings.TrimSpace(req.Code)); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{"two_factor_enabled": true})
}

// POST /profile/2fa/disable
func (h *ProfileHandler) DisableTwoFactor(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req twoFactorCodeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.twoFactor.Disable(requestContext(c), user, strings.TrimSpace(req.Code)); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{"two_factor_enabled": false})
}

// POST /profile/verify-email
//
// Sends (or re-sends) the verification link for the caller's address.
func (h *ProfileHandler) RequestEmailVerification(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}
	if user.EmailVerified {
		response.Error(c, errors.NewBadRequest("email address is already verified"))
		return
	}

	if _, _, err := h.verify.CreateToken(requestContext(c), user.ID, user.Email); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{"message": "Verification email sent"})
}
