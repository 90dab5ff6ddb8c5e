package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/app"
	iauth "github.com/certifychain/certifychain/internal/auth"
	"github.com/certifychain/certifychain/internal/auth/mfa"
	"github.com/certifychain/certifychain/internal/database/testutil"
	"github.com/certifychain/certifychain/internal/models"
	"github.com/certifychain/certifychain/internal/services"
	"github.com/certifychain/certifychain/pkg/crypto"
	"github.com/certifychain/certifychain/pkg/mail"
	"github.com/certifychain/certifychain/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type discardMailer struct{}

func (discardMailer) Send(context.Context, mail.Message) error { return nil }

func testRouterConfig(t *testing.T) *app.Config {
	t.Helper()

	return &app.Config{
		Server: app.ServerConfig{
			Port:           8000,
			BaseURL:        "https://app.test",
			AllowedOrigins: []string{"https://app.test"},
		},
		Auth: app.AuthConfig{
			JWT: app.JWTSettings{
				Secret: "router-test-secret",
				Issuer: "certifychain-test",
				TTL:    time.Hour,
			},
		},
		Exports: app.ExportConfig{
			Dir:    t.TempDir(),
			RowCap: 1000,
		},
		RateLimit: app.RateLimitConfig{
			Requests: 10000,
			Window:   time.Minute,
		},
	}
}

func setupRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	cfg := testRouterConfig(t)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:   cfg.Auth.JWT.Secret,
		Issuer:   cfg.Auth.JWT.Issuer,
		TokenTTL: cfg.Auth.JWT.TTL,
	})
	require.NoError(t, err)

	sessions, err := iauth.NewSessionService(db, jwtSvc, iauth.SessionConfig{})
	require.NoError(t, err)

	totpSvc, err := mfa.NewTOTPService(db, bytes.Repeat([]byte{0x24}, 32))
	require.NoError(t, err)

	mailer := discardMailer{}

	userSvc, err := services.NewUserService(db, sessions, totpSvc, time.Now)
	require.NoError(t, err)
	certSvc, err := services.NewCertificateService(db, time.Now)
	require.NoError(t, err)
	verifySvc, err := services.NewVerificationService(db, time.Now)
	require.NoError(t, err)
	statsSvc, err := services.NewStatsService(db, time.Now)
	require.NoError(t, err)
	exportSvc, err := services.NewExportService(db, cfg.Exports.Dir, cfg.Exports.RowCap, time.Now)
	require.NoError(t, err)
	twoFactorSvc, err := services.NewTwoFactorService(db, totpSvc)
	require.NoError(t, err)
	resetSvc, err := services.NewPasswordResetService(db, sessions, mailer,
		services.WithResetBaseURL("https://app.test/reset-password"))
	require.NoError(t, err)
	emailVerifySvc, err := services.NewEmailVerificationService(db, mailer,
		services.WithVerificationBaseURL("https://app.test/verify-email"))
	require.NoError(t, err)

	r, err := NewRouter(db, cfg, Services{
		Sessions:      sessions,
		Users:         userSvc,
		Certificates:  certSvc,
		Verifications: verifySvc,
		Stats:         statsSvc,
		Exports:       exportSvc,
		TwoFactor:     twoFactorSvc,
		Resets:        resetSvc,
		EmailVerify:   emailVerifySvc,
	}, nil)
	require.NoError(t, err)

	return r, db
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.1:52000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) response.Envelope {
	t.Helper()

	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func dataMap(t *testing.T, env response.Envelope) map[string]interface{} {
	t.Helper()

	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok, "envelope data is not an object: %#v", env.Data)
	return data
}

// seedAdminUser inserts an administrator directly so the flow tests can log
// in through the API like a real client would.
func seedAdminUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()

	hashed, err := crypto.HashPassword("admin-pass-123")
	require.NoError(t, err)

	admin := &models.User{
		Username: "admin",
		Email:    "admin@example.com",
		Password: hashed,
		Role:     models.RoleAdmin,
	}
	require.NoError(t, db.Create(admin).Error)
	return admin
}

func loginAs(t *testing.T, r *gin.Engine, email, password string) string {
	t.Helper()

	w := doJSON(t, r, http.MethodPost, "/auth/login", "", gin.H{
		"email":    email,
		"password": password,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	data := dataMap(t, decodeEnvelope(t, w))
	token, _ := data["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestCertificateLifecycle(t *testing.T) {
	r, db := setupRouter(t)
	seedAdminUser(t, db)

	// Register a recipient account.
	w := doJSON(t, r, http.MethodPost, "/auth/register", "", gin.H{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "pw1234567",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	aliceToken, _ := dataMap(t, decodeEnvelope(t, w))["token"].(string)
	require.NotEmpty(t, aliceToken)

	adminToken := loginAs(t, r, "admin@example.com", "admin-pass-123")

	// Admin issues a certificate for the recipient.
	w = doJSON(t, r, http.MethodPost, "/certificates", adminToken, gin.H{
		"recipient_name":  "Alice",
		"recipient_email": "alice@example.com",
		"course_name":     "Intro to Databases",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	certificateID, _ := dataMap(t, decodeEnvelope(t, w))["certificate_id"].(string)
	require.NotEmpty(t, certificateID)

	// Anyone can verify without credentials.
	w = doJSON(t, r, http.MethodGet, "/certificates/verify/"+certificateID, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	verifyData := dataMap(t, decodeEnvelope(t, w))
	require.Equal(t, true, verifyData["valid"])

	cert, ok := verifyData["certificate"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "Alice", cert["recipient_name"])
	require.Equal(t, "Intro to Databases", cert["course_name"])
	require.Equal(t, models.CertificateStatusActive, cert["status"])

	// The recipient sees the certificate in their own list.
	w = doJSON(t, r, http.MethodGet, "/certificates/my-certificates", aliceToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	list, ok := env.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)

	// Revocation flips the public verdict.
	w = doJSON(t, r, http.MethodPost, "/certificates/revoke/"+certificateID, adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodGet, "/certificates/verify/"+certificateID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	verifyData = dataMap(t, decodeEnvelope(t, w))
	require.Equal(t, false, verifyData["valid"])
	cert, ok = verifyData["certificate"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, models.CertificateStatusRevoked, cert["status"])
}

func TestRouteAuthorisation(t *testing.T) {
	r, db := setupRouter(t)
	seedAdminUser(t, db)

	w := doJSON(t, r, http.MethodPost, "/auth/register", "", gin.H{
		"username": "bob",
		"email":    "bob@example.com",
		"password": "pw1234567",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	userToken, _ := dataMap(t, decodeEnvelope(t, w))["token"].(string)

	issueBody := gin.H{
		"recipient_name":  "Bob",
		"recipient_email": "bob@example.com",
		"course_name":     "Networking 101",
	}

	// No credentials at all.
	w = doJSON(t, r, http.MethodPost, "/certificates", "", issueBody)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	env := decodeEnvelope(t, w)
	require.False(t, env.Success)
	require.NotNil(t, env.Error)

	// A regular user cannot reach admin-only routes.
	require.Equal(t, http.StatusForbidden, doJSON(t, r, http.MethodPost, "/certificates", userToken, issueBody).Code)
	require.Equal(t, http.StatusForbidden, doJSON(t, r, http.MethodGet, "/certificates/all", userToken, nil).Code)
	require.Equal(t, http.StatusForbidden, doJSON(t, r, http.MethodGet, "/data/users/search", userToken, nil).Code)
	require.Equal(t, http.StatusForbidden, doJSON(t, r, http.MethodGet, "/data/export/users", userToken, nil).Code)

	// Non-admin routes stay open to them.
	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodGet, "/certificates/my-certificates", userToken, nil).Code)
	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodGet, "/data/certificates/search", userToken, nil).Code)
	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodGet, "/data/stats", userToken, nil).Code)
	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodGet, "/profile", userToken, nil).Code)
}

func TestLogoutInvalidatesToken(t *testing.T) {
	r, db := setupRouter(t)
	seedAdminUser(t, db)

	token := loginAs(t, r, "admin@example.com", "admin-pass-123")

	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodPost, "/auth/logout", token, nil).Code)
	require.Equal(t, http.StatusUnauthorized, doJSON(t, r, http.MethodGet, "/profile", token, nil).Code)
}

func TestSearchMetaReflectsClampedLimit(t *testing.T) {
	r, db := setupRouter(t)
	admin := seedAdminUser(t, db)
	token := loginAs(t, r, "admin@example.com", "admin-pass-123")

	for i := 0; i < 25; i++ {
		cert := models.Certificate{
			PublicID:       fmt.Sprintf("CERT-PAGED-%02d", i),
			RecipientName:  "Recipient",
			RecipientEmail: "recipient@example.com",
			CourseName:     "Course",
			IssueDate:      time.Now(),
			Status:         models.CertificateStatusActive,
			IssuerID:       admin.ID,
		}
		require.NoError(t, db.Create(&cert).Error)
	}

	// An oversized limit falls back to the default page size, and the
	// metadata must describe the rows actually returned.
	w := doJSON(t, r, http.MethodGet, "/data/certificates/search?limit=200", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env := decodeEnvelope(t, w)
	rows, ok := env.Data.([]interface{})
	require.True(t, ok, "envelope data is not a list: %#v", env.Data)
	require.Len(t, rows, 10)
	require.NotNil(t, env.Meta)
	require.Equal(t, 1, env.Meta.Page)
	require.Equal(t, 10, env.Meta.PerPage)
	require.EqualValues(t, 25, env.Meta.Total)
	require.Equal(t, 3, env.Meta.TotalPages)
}

func TestVerifyEmailRejectsUnknownToken(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(t, r, http.MethodPost, "/auth/verify-email", "", gin.H{"token": "not-a-real-token"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeEnvelope(t, w)
	require.False(t, env.Success)
	require.NotNil(t, env.Error)
	require.Equal(t, "INVALID_VERIFICATION_TOKEN", env.Error.Code)
}

func TestHealthAndUnknownRoutes(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(t, r, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", dataMap(t, decodeEnvelope(t, w))["status"])

	w = doJSON(t, r, http.MethodGet, "/no/such/route", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	env := decodeEnvelope(t, w)
	require.False(t, env.Success)
}
