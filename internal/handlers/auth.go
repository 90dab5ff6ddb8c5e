package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/certifychain/certifychain/internal/auth"
	"github.com/certifychain/certifychain/internal/services"
	"github.com/certifychain/certifychain/pkg/errors"
	"github.com/certifychain/certifychain/pkg/response"
)

// AuthHandler manages authentication flows (register/login/logout) plus the
// unauthenticated password-reset and email-verification redemption endpoints.
type AuthHandler struct {
	users    *services.UserService
	sessions *iauth.SessionService
	resets   *services.PasswordResetService
	verify   *services.EmailVerificationService
}

func NewAuthHandler(users *services.UserService, sessions *iauth.SessionService, resets *services.PasswordResetService, verify *services.EmailVerificationService) *AuthHandler {
	return &AuthHandler{users: users, sessions: sessions, resets: resets, verify: verify}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=2,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Code     string `json:"code"`
}

// POST /auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, token, err := h.users.Register(requestContext(c), services.RegisterInput{
		Username: strings.TrimSpace(req.Username),
		Email:    strings.TrimSpace(req.Email),
		Password: req.Password,
	}, iauth.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, gin.H{
		"token": token,
		"user":  user,
	})
}

// POST /auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, token, err := h.users.Login(requestContext(c), services.LoginInput{
		Email:    strings.TrimSpace(req.Email),
		Password: req.Password,
		TOTPCode: strings.TrimSpace(req.Code),
	}, iauth.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{
		"token": token,
		"user":  user,
	})
}

// POST /auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	token, ok := currentToken(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if err := h.sessions.DeleteByToken(requestContext(c), token); err != nil {
		response.Error(c, errors.ErrInternalServer)
		return
	}

	response.Success(c, gin.H{"logged_out": true})
}

type passwordResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// POST /auth/password-reset/request
//
// Responds identically whether or not the email maps to an account.
func (h *AuthHandler) RequestPasswordReset(c *gin.Context) {
	var req passwordResetRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.resets.Request(requestContext(c), strings.TrimSpace(req.Email)); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{
		"message": "If that email is registered, a reset link has been sent",
	})
}

type passwordResetConfirm struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

// POST /auth/password-reset/confirm
func (h *AuthHandler) ConfirmPasswordReset(c *gin.Context) {
	var req passwordResetConfirm
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.resets.Reset(requestContext(c), strings.TrimSpace(req.Token), req.Password); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{"message": "Password has been reset"})
}

type emailVerifyConfirm struct {
	Token string `json:"token" validate:"required"`
}

// POST /auth/verify-email
func (h *AuthHandler) ConfirmEmail(c *gin.Context) {
	var req emailVerifyConfirm
	if !bindAndValidate(c, &req) {
		return
	}

	if _, err := h.verify.VerifyToken(requestContext(c), strings.TrimSpace(req.Token)); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{"message": "Email address verified"})
}
