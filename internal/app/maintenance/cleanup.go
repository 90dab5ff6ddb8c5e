package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	iauth "github.com/certifychain/certifychain/internal/auth"
	"github.com/certifychain/certifychain/internal/cache"
	"github.com/certifychain/certifychain/internal/services"
	"github.com/certifychain/certifychain/pkg/logger"
)

const (
	defaultExportRetention = 24 * time.Hour
	defaultSessionSpec     = "@hourly"
	defaultTokenSpec       = "@daily"
	defaultArtifactSpec    = "@daily"
)

// Cleaner coordinates background maintenance: purging expired sessions,
// removing spent reset and verification tokens, sweeping the database cache,
// and deleting stale export artifacts.
type Cleaner struct {
	sessions      *iauth.SessionService
	resets        *services.PasswordResetService
	verifications *services.EmailVerificationService
	exports       *services.ExportService
	cacheStore    *cache.DatabaseStore

	cron      *cron.Cron
	log       *zap.Logger
	retention time.Duration

	sessionSchedule  string
	tokenSchedule    string
	artifactSchedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithExportRetention adjusts how long export artifacts are kept on disk.
func WithExportRetention(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.retention = d
		}
	}
}

// WithSessionSchedule overrides the cron specification for session cleanup.
func WithSessionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sessionSchedule = spec
		}
	}
}

// WithTokenSchedule overrides the cron specification for token cleanup.
func WithTokenSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.tokenSchedule = spec
		}
	}
}

// WithArtifactSchedule overrides the cron specification for export and cache sweeps.
func WithArtifactSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.artifactSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency results in
// the corresponding cleanup job being skipped.
func NewCleaner(sessions *iauth.SessionService, resets *services.PasswordResetService, verifications *services.EmailVerificationService, exports *services.ExportService, cacheStore *cache.DatabaseStore, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		sessions:         sessions,
		resets:           resets,
		verifications:    verifications,
		exports:          exports,
		cacheStore:       cacheStore,
		retention:        defaultExportRetention,
		sessionSchedule:  defaultSessionSpec,
		tokenSchedule:    defaultTokenSpec,
		artifactSchedule: defaultArtifactSpec,
		log:              logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it if at least one cleanup is enabled.
func (c *Cleaner) Start() error {
	registered := false

	if c.sessions != nil {
		if _, err := c.cron.AddFunc(c.sessionSchedule, func() {
			if _, err := c.sessions.CleanupExpired(context.Background()); err != nil {
				c.log.Warn("session cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
		registered = true
	}

	if c.resets != nil || c.verifications != nil {
		if _, err := c.cron.AddFunc(c.tokenSchedule, func() {
			ctx := context.Background()
			if c.resets != nil {
				if _, err := c.resets.CleanupExpired(ctx); err != nil {
					c.log.Warn("password reset token cleanup failed", zap.Error(err))
				}
			}
			if c.verifications != nil {
				if _, err := c.verifications.CleanupExpired(ctx); err != nil {
					c.log.Warn("email verification token cleanup failed", zap.Error(err))
				}
			}
		}); err != nil {
			return err
		}
		registered = true
	}

	if c.exports != nil || c.cacheStore != nil {
		if _, err := c.cron.AddFunc(c.artifactSchedule, func() {
			ctx := context.Background()
			if c.exports != nil {
				if _, err := c.exports.Sweep(ctx, c.retention); err != nil {
					c.log.Warn("export sweep failed", zap.Error(err))
				}
			}
			if c.cacheStore != nil {
				if _, err := c.cacheStore.Sweep(ctx); err != nil {
					c.log.Warn("cache sweep failed", zap.Error(err))
				}
			}
		}); err != nil {
			return err
		}
		registered = true
	}

	if registered {
		c.cron.Start()
	}
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Primarily used in tests
// and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.sessions != nil {
		if _, err := c.sessions.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.resets != nil {
		if _, err := c.resets.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.verifications != nil {
		if _, err := c.verifications.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.exports != nil {
		if _, err := c.exports.Sweep(ctx, c.retention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.cacheStore != nil {
		if _, err := c.cacheStore.Sweep(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
