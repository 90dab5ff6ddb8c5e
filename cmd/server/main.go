package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/api"
	"github.com/certifychain/certifychain/internal/app"
	"github.com/certifychain/certifychain/internal/app/maintenance"
	iauth "github.com/certifychain/certifychain/internal/auth"
	"github.com/certifychain/certifychain/internal/auth/mfa"
	"github.com/certifychain/certifychain/internal/cache"
	"github.com/certifychain/certifychain/internal/database"
	"github.com/certifychain/certifychain/internal/middleware"
	"github.com/certifychain/certifychain/internal/services"
	"github.com/certifychain/certifychain/pkg/crypto"
	"github.com/certifychain/certifychain/pkg/logger"
	"github.com/certifychain/certifychain/pkg/mail"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("certifychain-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	generated, err := app.ApplyRuntimeDefaults(cfg)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")
	for key := range generated {
		log.Info("generated runtime secret", zap.String("key", key))
	}

	encryptionKey, err := resolveEncryptionKey(cfg)
	if err != nil {
		return err
	}

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	dbStore := cache.NewDatabaseStore(db)

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:   cfg.Auth.JWT.Secret,
		Issuer:   cfg.Auth.JWT.Issuer,
		TokenTTL: cfg.Auth.JWT.TTL,
	})
	if err != nil {
		return fmt.Errorf("initialise jwt service: %w", err)
	}

	sessionSvc, err := iauth.NewSessionService(db, jwtService, iauth.SessionConfig{})
	if err != nil {
		return fmt.Errorf("initialise session service: %w", err)
	}

	totpSvc, err := mfa.NewTOTPService(db, encryptionKey)
	if err != nil {
		return fmt.Errorf("initialise totp service: %w", err)
	}

	mailer, err := mail.NewSMTPMailer(mail.Config{
		Enabled:  cfg.Email.SMTP.Enabled,
		Host:     cfg.Email.SMTP.Host,
		Port:     cfg.Email.SMTP.Port,
		Username: cfg.Email.SMTP.Username,
		Password: cfg.Email.SMTP.Password,
		From:     cfg.Email.SMTP.From,
		UseTLS:   cfg.Email.SMTP.UseTLS,
		Timeout:  cfg.Email.SMTP.Timeout,
	})
	if err != nil {
		return fmt.Errorf("initialise mailer: %w", err)
	}

	svcs, err := buildServices(db, cfg, sessionSvc, totpSvc, mailer)
	if err != nil {
		return err
	}

	cleaner := maintenance.NewCleaner(sessionSvc, svcs.Resets, svcs.EmailVerify, svcs.Exports, dbStore,
		maintenance.WithExportRetention(cfg.Exports.Retention))
	if err := cleaner.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer func() {
		stopCtx := cleaner.Stop()
		if err := cleaner.RunOnce(stopCtx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}()

	var rateStore middleware.RateStore
	switch strings.ToLower(strings.TrimSpace(cfg.RateLimit.Store)) {
	case "database":
		rateStore = middleware.NewDatabaseRateStore(dbStore)
	default:
		rateStore = middleware.NewMemoryRateStore()
	}
	if closer, ok := rateStore.(io.Closer); ok {
		defer closer.Close()
	}

	router, err := api.NewRouter(db, cfg, svcs, rateStore)
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func buildServices(db *gorm.DB, cfg *app.Config, sessions *iauth.SessionService, totp *mfa.TOTPService, mailer mail.Mailer) (api.Services, error) {
	userSvc, err := services.NewUserService(db, sessions, totp, time.Now)
	if err != nil {
		return api.Services{}, fmt.Errorf("initialise user service: %w", err)
	}

	certSvc, err := services.NewCertificateService(db, time.Now,
		services.WithCertificateMailer(mailer))
	if err != nil {
		return api.Services{}, fmt.Errorf("initialise certificate service: %w", err)
	}

	verifySvc, err := services.NewVerificationService(db, time.Now)
	if err != nil {
		return api.Services{}, fmt.Errorf("initialise verification service: %w", err)
	}

	statsSvc, err := services.NewStatsService(db, time.Now)
	if err != nil {
		return api.Services{}, fmt.Errorf("initialise stats service: %w", err)
	}

	exportSvc, err := services.NewExportService(db, cfg.Exports.Dir, cfg.Exports.RowCap, time.Now)
	if err != nil {
		return api.Services{}, fmt.Errorf("initialise export service: %w", err)
	}

	twoFactorSvc, err := services.NewTwoFactorService(db, totp,
		services.WithTwoFactorMailer(mailer))
	if err != nil {
		return api.Services{}, fmt.Errorf("initialise two-factor service: %w", err)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.Server.BaseURL), "/")

	resetSvc, err := services.NewPasswordResetService(db, sessions, mailer,
		services.WithResetBaseURL(baseURL+"/reset-password"))
	if err != nil {
		return api.Services{}, fmt.Errorf("initialise password reset service: %w", err)
	}

	emailVerifySvc, err := services.NewEmailVerificationService(db, mailer,
		services.WithVerificationBaseURL(baseURL+"/verify-email"))
	if err != nil {
		return api.Services{}, fmt.Errorf("initialise email verification service: %w", err)
	}

	return api.Services{
		Sessions:      sessions,
		Users:         userSvc,
		Certificates:  certSvc,
		Verifications: verifySvc,
		Stats:         statsSvc,
		Exports:       exportSvc,
		TwoFactor:     twoFactorSvc,
		Resets:        resetSvc,
		EmailVerify:   emailVerifySvc,
	}, nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func resolveEncryptionKey(cfg *app.Config) ([]byte, error) {
	key, err := app.DecodeKey(cfg.Auth.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode auth.encryption_key: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("auth.encryption_key must decode to 16, 24, or 32 bytes (current: %d)", len(key))
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	admin, err := bootstrapAdmin(cfg)
	if err != nil {
		return nil, err
	}

	if err := database.AutoMigrateAndSeed(db, admin); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func bootstrapAdmin(cfg *app.Config) (database.AdminSeed, error) {
	email := strings.TrimSpace(cfg.Auth.Bootstrap.Email)
	password := cfg.Auth.Bootstrap.Password
	if email == "" || password == "" {
		return database.AdminSeed{}, nil
	}

	hashed, err := crypto.HashPassword(password)
	if err != nil {
		return database.AdminSeed{}, fmt.Errorf("hash bootstrap admin password: %w", err)
	}

	return database.AdminSeed{
		Name:     strings.TrimSpace(cfg.Auth.Bootstrap.Username),
		Email:    email,
		Password: hashed,
	}, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = cfg.Database.Postgres.Password
	case "mysql", "mariadb":
		dbCfg.Driver = "mysql"
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = cfg.Database.MySQL.Password
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("fetch underlying database handle", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("close database", zap.Error(err))
	}
}
