package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/models"
)

// StatsOverview aggregates dashboard counters. Each block is computed by an
// independent query; the combination is a point-in-time approximation, not a
// consistent snapshot.
type StatsOverview struct {
	Users          UserStats         `json:"users"`
	Certificates   CertificateStats  `json:"certificates"`
	Verifications  VerificationStats `json:"verifications"`
	RecentActivity ActivityStats     `json:"recent_activity"`
}

// UserStats breaks down accounts by role.
type UserStats struct {
	Total  int64 `json:"total"`
	Admins int64 `json:"admins"`
	Users  int64 `json:"users"`
}

// CertificateStats breaks down certificates by status.
type CertificateStats struct {
	Total   int64 `json:"total"`
	Active  int64 `json:"active"`
	Revoked int64 `json:"revoked"`
}

// VerificationStats breaks down audit records by outcome.
type VerificationStats struct {
	Total   int64 `json:"total"`
	Valid   int64 `json:"valid"`
	Invalid int64 `json:"invalid"`
}

// ActivityStats covers the trailing 30-day window.
type ActivityStats struct {
	WindowDays         int   `json:"window_days"`
	NewUsers           int64 `json:"new_users"`
	CertificatesIssued int64 `json:"certificates_issued"`
	Verifications      int64 `json:"verifications"`
}

const activityWindowDays = 30

// StatsService answers aggregate dashboard queries.
type StatsService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStatsService constructs a StatsService.
func NewStatsService(db *gorm.DB, clock func() time.Time) (*StatsService, error) {
	if db == nil {
		return nil, errors.New("stats service: db is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &StatsService{db: db, now: clock}, nil
}

// Overview runs the aggregate queries and combines their results.
func (s *StatsService) Overview(ctx context.Context) (*StatsOverview, error) {
	ctx = ensureContext(ctx)

	overview := &StatsOverview{
		RecentActivity: ActivityStats{WindowDays: activityWindowDays},
	}

	// The cutoff is computed here rather than with vendor date arithmetic so
	// the same query runs on every supported driver.
	cutoff := s.now().AddDate(0, 0, -activityWindowDays)

	users := s.db.WithContext(ctx).Model(&models.User{})
	if err := users.Count(&overview.Users.Total).Error; err != nil {
		return nil, fmt.Errorf("stats service: count users: %w", err)
	}
	if err := s.countWhere(ctx, &models.User{}, &overview.Users.Admins, "role = ?", models.RoleAdmin); err != nil {
		return nil, err
	}
	if err := s.countWhere(ctx, &models.User{}, &overview.Users.Users, "role = ?", models.RoleUser); err != nil {
		return nil, err
	}

	if err := s.countWhere(ctx, &models.Certificate{}, &overview.Certificates.Total, ""); err != nil {
		return nil, err
	}
	if err := s.countWhere(ctx, &models.Certificate{}, &overview.Certificates.Active, "status = ?", models.CertificateStatusActive); err != nil {
		return nil, err
	}
	if err := s.countWhere(ctx, &models.Certificate{}, &overview.Certificates.Revoked, "status = ?", models.CertificateStatusRevoked); err != nil {
		return nil, err
	}

	if err := s.countWhere(ctx, &models.CertificateVerification{}, &overview.Verifications.Total, ""); err != nil {
		return nil, err
	}
	if err := s.countWhere(ctx, &models.CertificateVerification{}, &overview.Verifications.Valid, "verification_status = ?", models.VerificationStatusValid); err != nil {
		return nil, err
	}
	if err := s.countWhere(ctx, &models.CertificateVerification{}, &overview.Verifications.Invalid, "verification_status = ?", models.VerificationStatusInvalid); err != nil {
		return nil, err
	}

	if err := s.countWhere(ctx, &models.User{}, &overview.RecentActivity.NewUsers, "created_at >= ?", cutoff); err != nil {
		return nil, err
	}
	if err := s.countWhere(ctx, &models.Certificate{}, &overview.RecentActivity.CertificatesIssued, "issue_date >= ?", cutoff); err != nil {
		return nil, err
	}
	if err := s.countWhere(ctx, &models.CertificateVerification{}, &overview.RecentActivity.Verifications, "verification_date >= ?", cutoff); err != nil {
		return nil, err
	}

	return overview, nil
}

func (s *StatsService) countWhere(ctx context.Context, model any, dest *int64, cond string, args ...any) error {
	query := s.db.WithContext(ctx).Model(model)
	if cond != "" {
		query = query.Where(cond, args...)
	}
	if err := query.Count(dest).Error; err != nil {
		return fmt.Errorf("stats service: count: %w", err)
	}
	return nil
}
