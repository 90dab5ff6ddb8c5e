package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/app"
	iauth "github.com/certifychain/certifychain/internal/auth"
	"github.com/certifychain/certifychain/internal/handlers"
	"github.com/certifychain/certifychain/internal/middleware"
	"github.com/certifychain/certifychain/internal/services"
)

// Services bundles the service layer dependencies the router wires into handlers.
type Services struct {
	Sessions      *iauth.SessionService
	Users         *services.UserService
	Certificates  *services.CertificateService
	Verifications *services.VerificationService
	Stats         *services.StatsService
	Exports       *services.ExportService
	TwoFactor     *services.TwoFactorService
	Resets        *services.PasswordResetService
	EmailVerify   *services.EmailVerificationService
}

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(db *gorm.DB, cfg *app.Config, svcs Services, rateStore middleware.RateStore) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if svcs.Sessions == nil {
		return nil, fmt.Errorf("session service must be provided")
	}
	if rateStore == nil {
		rateStore = middleware.NewMemoryRateStore()
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins...))

	window := cfg.RateLimit.Window
	if window <= 0 {
		window = time.Minute
	}
	r.Use(middleware.RateLimit(rateStore, cfg.RateLimit.Requests, window))

	r.NoRoute(middleware.NotFoundHandler)

	// Health endpoint (public)
	r.GET("/health", handlers.Health(db))

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	authHandler := handlers.NewAuthHandler(svcs.Users, svcs.Sessions, svcs.Resets, svcs.EmailVerify)
	certHandler := handlers.NewCertificateHandler(svcs.Certificates, svcs.Verifications)
	dataHandler := handlers.NewDataHandler(svcs.Users, svcs.Certificates, svcs.Stats, svcs.Exports)
	profileHandler := handlers.NewProfileHandler(svcs.Users, svcs.TwoFactor, svcs.EmailVerify)

	requireAuth := middleware.Auth(svcs.Sessions)
	requireAdmin := middleware.RequireAdmin()

	// Public auth routes
	auth := r.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/logout", requireAuth, authHandler.Logout)
		auth.POST("/password-reset/request", authHandler.RequestPasswordReset)
		auth.POST("/password-reset/confirm", authHandler.ConfirmPasswordReset)
		auth.POST("/verify-email", authHandler.ConfirmEmail)
	}

	// Certificates: issuance and revocation are admin-only, verification is public.
	certificates := r.Group("/certificates")
	{
		certificates.POST("", requireAuth, requireAdmin, certHandler.Issue)
		certificates.GET("/all", requireAuth, requireAdmin, certHandler.ListAll)
		certificates.GET("/my-certificates", requireAuth, certHandler.ListMine)
		certificates.GET("/verify/:certificateId", certHandler.Verify)
		certificates.GET("/verify/:certificateId/history", requireAuth, requireAdmin, certHandler.VerificationHistory)
		certificates.POST("/revoke/:certificateId", requireAuth, requireAdmin, certHandler.Revoke)
	}

	// Data: search, stats, exports. User search and the users/verifications
	// exports stay admin-only; certificate search and export do not.
	data := r.Group("/data")
	data.Use(requireAuth)
	{
		data.GET("/users/search", requireAdmin, dataHandler.SearchUsers)
		data.GET("/certificates/search", dataHandler.SearchCertificates)
		data.GET("/stats", dataHandler.Stats)
		data.GET("/export/users", requireAdmin, dataHandler.ExportUsers)
		data.GET("/export/certificates", dataHandler.ExportCertificates)
		data.GET("/export/verifications", requireAdmin, dataHandler.ExportVerifications)
	}

	// Profile
	profile := r.Group("/profile")
	profile.Use(requireAuth)
	{
		profile.GET("", profileHandler.Get)
		profile.PUT("", profileHandler.Update)
		profile.POST("/change-password", profileHandler.ChangePassword)
		profile.GET("/login-history", profileHandler.LoginHistory)
		profile.POST("/2fa/enable", profileHandler.EnableTwoFactor)
		profile.POST("/2fa/verify", profileHandler.VerifyTwoFactor)
		profile.POST("/2fa/disable", profileHandler.DisableTwoFactor)
		profile.POST("/verify-email", profileHandler.RequestEmailVerification)
	}

	return r, nil
}
