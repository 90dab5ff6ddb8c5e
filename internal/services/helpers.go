package services

import (
	"strings"

	apperrors "github.com/certifychain/certifychain/pkg/errors"
)

// buildOrderClause maps caller-supplied sort parameters onto known-safe column
// identifiers. Unknown keys are rejected rather than interpolated.
func buildOrderClause(allowed map[string]string, sortBy, sortOrder string) (string, error) {
	sortBy = strings.ToLower(strings.TrimSpace(sortBy))
	if sortBy == "" {
		sortBy = "created_at"
	}

	column, ok := allowed[sortBy]
	if !ok {
		return "", apperrors.NewBadRequest("unsupported sort field: " + sortBy)
	}

	direction := strings.ToUpper(strings.TrimSpace(sortOrder))
	switch direction {
	case "":
		direction = "DESC"
	case "ASC", "DESC":
	default:
		return "", apperrors.NewBadRequest("sort order must be asc or desc")
	}

	return column + " " + direction, nil
}

// NormalizePagination clamps page and limit to the values search queries
// actually run with, so callers can report metadata that matches the rows.
func NormalizePagination(page, limit int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	return page, limit
}

// totalPages computes the page count for a result set.
func totalPages(total int64, limit int) int {
	if limit <= 0 {
		return 0
	}
	pages := total / int64(limit)
	if total%int64(limit) != 0 {
		pages++
	}
	return int(pages)
}
