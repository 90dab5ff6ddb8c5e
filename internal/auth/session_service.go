package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/models"
	"github.com/certifychain/certifychain/pkg/metrics"
)

// SessionConfig describes tunable behaviour for the SessionService.
type SessionConfig struct {
	Clock func() time.Time
}

// SessionMetadata captures contextual information about the client.
type SessionMetadata struct {
	IPAddress string
	UserAgent string
}

var (
	// ErrSessionNotFound indicates that no live session matches the token.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionExpired signals that the session's absolute expiry has passed.
	ErrSessionExpired = errors.New("session: expired")
	// ErrSessionInvalidToken is returned when the supplied token is malformed.
	ErrSessionInvalidToken = errors.New("session: invalid token")
)

// SessionService manages server-side login sessions. Each session stores the
// bearer token it was issued with, so a token is only accepted while its
// session row exists: logout and password resets take effect immediately.
type SessionService struct {
	db  *gorm.DB
	jwt *JWTService
	now func() time.Time
}

// NewSessionService constructs a session manager backed by the provided database and JWT service.
func NewSessionService(db *gorm.DB, jwtService *JWTService, cfg SessionConfig) (*SessionService, error) {
	if db == nil {
		return nil, errors.New("session service: db is required")
	}
	if jwtService == nil {
		return nil, errors.New("session service: jwt service is required")
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &SessionService{db: db, jwt: jwtService, now: clock}, nil
}

// newSessionID is assigned before insert because the token embeds the session id.
func newSessionID() string {
	return uuid.NewString()
}

// Create issues a token and persists the matching session row.
func (s *SessionService) Create(ctx context.Context, user *models.User, meta SessionMetadata) (string, *models.Session, error) {
	return s.CreateTx(ctx, s.db, user, meta)
}

// CreateTx is Create running inside an existing transaction, used when account
// creation and the initial login must commit atomically.
func (s *SessionService) CreateTx(ctx context.Context, tx *gorm.DB, user *models.User, meta SessionMetadata) (string, *models.Session, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", nil, errors.New("session service: user is required")
	}

	now := s.now()

	session := &models.Session{
		UserID:     user.ID,
		IPAddress:  strings.TrimSpace(meta.IPAddress),
		UserAgent:  strings.TrimSpace(meta.UserAgent),
		ExpiresAt:  now.Add(s.jwt.TokenTTL()),
		LastUsedAt: now,
	}
	session.ID = newSessionID()

	token, err := s.jwt.GenerateToken(TokenInput{
		UserID:    user.ID,
		SessionID: session.ID,
		Role:      user.Role,
	})
	if err != nil {
		return "", nil, fmt.Errorf("session service: generate token: %w", err)
	}
	session.Token = token

	if err := tx.WithContext(ctx).Create(session).Error; err != nil {
		return "", nil, fmt.Errorf("session service: create session: %w", err)
	}

	metrics.ActiveSessions.Inc()

	return token, session, nil
}

// Validate checks the token signature, then requires a live session row and
// resolves the owning user. A forged token and a logged-out one both yield
// ErrSessionNotFound; a session past its absolute expiry yields
// ErrSessionExpired.
func (s *SessionService) Validate(ctx context.Context, token string) (*models.User, *models.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil, ErrSessionInvalidToken
	}

	claims, err := s.jwt.ValidateToken(token)
	if err != nil {
		return nil, nil, ErrSessionNotFound
	}

	var session models.Session
	err = s.db.WithContext(ctx).Where("token = ?", token).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("session service: find session: %w", err)
	}

	now := s.now()
	if session.ExpiresAt.Before(now) {
		return nil, nil, ErrSessionExpired
	}

	var user models.User
	err = s.db.WithContext(ctx).Take(&user, "id = ?", claims.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("session service: find user: %w", err)
	}

	_ = s.db.WithContext(ctx).Model(&session).Update("last_used_at", now).Error

	return &user, &session, nil
}

// DeleteByToken removes the session identified by the token. Deleting an
// unknown token is not an error: logout is idempotent.
func (s *SessionService) DeleteByToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrSessionInvalidToken
	}

	result := s.db.WithContext(ctx).Where("token = ?", token).Delete(&models.Session{})
	if result.Error != nil {
		return fmt.Errorf("session service: delete session: %w", result.Error)
	}

	metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	return nil
}

// DeleteForUser removes every session belonging to the user, forcing
// re-authentication on all devices.
func (s *SessionService) DeleteForUser(ctx context.Context, tx *gorm.DB, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("session service: user id is required")
	}
	if tx == nil {
		tx = s.db
	}

	result := tx.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.Session{})
	if result.Error != nil {
		return fmt.Errorf("session service: delete sessions: %w", result.Error)
	}

	metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	return nil
}

// ListForUser returns the user's sessions, newest first.
func (s *SessionService) ListForUser(ctx context.Context, userID string) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("session service: list sessions: %w", err)
	}
	return sessions, nil
}

// CleanupExpired deletes sessions past their absolute expiry. It returns the
// number of rows removed.
func (s *SessionService) CleanupExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", s.now()).
		Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("session service: cleanup: %w", result.Error)
	}

	metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	return result.RowsAffected, nil
}
