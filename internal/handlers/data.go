package handlers

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/certifychain/certifychain/internal/services"
	"github.com/certifychain/certifychain/pkg/errors"
	"github.com/certifychain/certifychain/pkg/response"
)

// DataHandler serves search, aggregate statistics, and file exports.
type DataHandler struct {
	users        *services.UserService
	certificates *services.CertificateService
	stats        *services.StatsService
	exports      *services.ExportService
}

func NewDataHandler(users *services.UserService, certificates *services.CertificateService, stats *services.StatsService, exports *services.ExportService) *DataHandler {
	return &DataHandler{users: users, certificates: certificates, stats: stats, exports: exports}
}

// GET /data/users/search
func (h *DataHandler) SearchUsers(c *gin.Context) {
	opts := services.UserSearchOptions{
		Role:      strings.TrimSpace(c.Query("role")),
		Query:     strings.TrimSpace(c.Query("search")),
		Page:      parseIntQuery(c, "page", 1),
		Limit:     parseIntQuery(c, "limit", 10),
		SortBy:    strings.TrimSpace(c.Query("sortBy")),
		SortOrder: strings.TrimSpace(c.Query("sortOrder")),
	}

	users, total, err := h.users.Search(requestContext(c), opts)
	if err != nil {
		response.Error(c, err)
		return
	}

	page, perPage := services.NormalizePagination(opts.Page, opts.Limit)
	response.SuccessWithMeta(c, users, paginationMeta(page, perPage, total))
}

// GET /data/certificates/search
func (h *DataHandler) SearchCertificates(c *gin.Context) {
	opts := services.CertificateSearchOptions{
		Status:       strings.TrimSpace(c.Query("status")),
		IssuerID:     strings.TrimSpace(c.Query("issuer")),
		IssuedAfter:  parseDateQuery(c, "startDate"),
		IssuedBefore: parseDateQuery(c, "endDate"),
		Query:        strings.TrimSpace(c.Query("search")),
		Page:         parseIntQuery(c, "page", 1),
		Limit:        parseIntQuery(c, "limit", 10),
		SortBy:       strings.TrimSpace(c.Query("sortBy")),
		SortOrder:    strings.TrimSpace(c.Query("sortOrder")),
	}

	certs, total, err := h.certificates.Search(requestContext(c), opts)
	if err != nil {
		response.Error(c, err)
		return
	}

	page, perPage := services.NormalizePagination(opts.Page, opts.Limit)
	response.SuccessWithMeta(c, certs, paginationMeta(page, perPage, total))
}

// GET /data/stats
func (h *DataHandler) Stats(c *gin.Context) {
	overview, err := h.stats.Overview(requestContext(c))
	if err != nil {
		response.Error(c, errors.ErrInternalServer)
		return
	}
	response.Success(c, overview)
}

// GET /data/export/users
func (h *DataHandler) ExportUsers(c *gin.Context) {
	h.export(c, h.exports.ExportUsers)
}

// GET /data/export/certificates
func (h *DataHandler) ExportCertificates(c *gin.Context) {
	h.export(c, h.exports.ExportCertificates)
}

// GET /data/export/verifications
func (h *DataHandler) ExportVerifications(c *gin.Context) {
	h.export(c, h.exports.ExportVerifications)
}

type exportFunc func(ctx context.Context, filters services.ExportFilters, format string, compress bool) (*services.ExportFile, error)

func (h *DataHandler) export(c *gin.Context, run exportFunc) {
	format := strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", services.FormatCSV)))
	compress := parseBoolQuery(c, "compress")

	filters := services.ExportFilters{
		Role:   strings.TrimSpace(c.Query("role")),
		Status: strings.TrimSpace(c.Query("status")),
		After:  parseDateQuery(c, "startDate"),
		Before: parseDateQuery(c, "endDate"),
	}

	file, err := run(requestContext(c), filters, format, compress)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Remove()

	c.FileAttachment(file.Path, file.Filename)
}

func paginationMeta(page, limit int, total int64) response.Meta {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	pages := int(total) / limit
	if int(total)%limit != 0 || pages == 0 {
		pages++
	}
	return response.Meta{
		Page:       page,
		PerPage:    limit,
		Total:      total,
		TotalPages: pages,
	}
}
