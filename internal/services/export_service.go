package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/klauspost/compress/zip"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/certifychain/certifychain/internal/models"
	apperrors "github.com/certifychain/certifychain/pkg/errors"
	"github.com/certifychain/certifychain/pkg/metrics"
)

// Export formats accepted by the API.
const (
	FormatCSV   = "csv"
	FormatJSON  = "json"
	FormatExcel = "excel"
	FormatPDF   = "pdf"
)

// compressThreshold is the rendered size above which output is zipped even
// without an explicit request.
const compressThreshold = 1 << 20

// DefaultExportRowCap bounds every export query. Unbounded exports would read
// the whole table into memory.
const DefaultExportRowCap = 10000

// ErrUnsupportedFormat rejects formats outside the supported set.
var ErrUnsupportedFormat = apperrors.NewBadRequest("unsupported export format")

// ExportFilters narrows the exported record set.
type ExportFilters struct {
	Role   string // users
	Status string // certificates, verifications
	After  *time.Time
	Before *time.Time
}

// ExportFile describes a rendered export on disk. Callers stream it to the
// client and then call Remove.
type ExportFile struct {
	Path        string
	Filename    string
	ContentType string
	Size        int64
}

// Remove deletes the transient file. Safe to call more than once.
func (f *ExportFile) Remove() {
	if f == nil || f.Path == "" {
		return
	}
	_ = os.Remove(f.Path)
}

// exportTable is the intermediate tabular form every kind renders from.
type exportTable struct {
	kind    string
	headers []string
	rows    [][]string
	objects []map[string]any // ordered per headers; used for JSON output
}

// ExportService renders filtered record sets to downloadable files.
type ExportService struct {
	db     *gorm.DB
	dir    string
	rowCap int
	now    func() time.Time
}

// NewExportService constructs an ExportService writing into dir.
func NewExportService(db *gorm.DB, dir string, rowCap int, clock func() time.Time) (*ExportService, error) {
	if db == nil {
		return nil, errors.New("export service: db is required")
	}
	if strings.TrimSpace(dir) == "" {
		dir = filepath.Join(os.TempDir(), "certifychain-exports")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export service: create export dir: %w", err)
	}
	if rowCap <= 0 {
		rowCap = DefaultExportRowCap
	}
	if clock == nil {
		clock = time.Now
	}
	return &ExportService{db: db, dir: dir, rowCap: rowCap, now: clock}, nil
}

// ExportUsers renders the user table with per-user issue and session counts.
func (s *ExportService) ExportUsers(ctx context.Context, filters ExportFilters, format string, compress bool) (*ExportFile, error) {
	ctx = ensureContext(ctx)

	type row struct {
		ID                 string    `json:"id"`
		Username           string    `json:"username"`
		Email              string    `json:"email"`
		Role               string    `json:"role"`
		EmailVerified      bool      `json:"email_verified"`
		TwoFactorEnabled   bool      `json:"two_factor_enabled"`
		CreatedAt          time.Time `json:"created_at"`
		CertificatesIssued int64     `json:"certificates_issued"`
		ActiveSessions     int64     `json:"active_sessions"`
	}

	query := s.db.WithContext(ctx).Model(&models.User{}).Select(
		"users.id, users.username, users.email, users.role, users.email_verified, users.two_factor_enabled, users.created_at, "+
			"(SELECT COUNT(*) FROM certificates WHERE certificates.issuer_id = users.id) AS certificates_issued, "+
			"(SELECT COUNT(*) FROM sessions WHERE sessions.user_id = users.id AND sessions.expires_at > ?) AS active_sessions",
		s.now(),
	)
	if filters.Role != "" {
		query = query.Where("users.role = ?", filters.Role)
	}
	if filters.After != nil {
		query = query.Where("users.created_at >= ?", *filters.After)
	}
	if filters.Before != nil {
		query = query.Where("users.created_at <= ?", *filters.Before)
	}

	var rows []row
	if err := query.Order("users.created_at DESC").Limit(s.rowCap).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("export service: query users: %w", err)
	}

	table := exportTable{
		kind:    "users",
		headers: []string{"id", "username", "email", "role", "email_verified", "two_factor_enabled", "created_at", "certificates_issued", "active_sessions"},
	}
	for _, r := range rows {
		table.rows = append(table.rows, []string{
			r.ID, r.Username, r.Email, r.Role,
			formatBool(r.EmailVerified), formatBool(r.TwoFactorEnabled),
			formatTime(r.CreatedAt),
			fmt.Sprintf("%d", r.CertificatesIssued),
			fmt.Sprintf("%d", r.ActiveSessions),
		})
		table.objects = append(table.objects, map[string]any{
			"id": r.ID, "username": r.Username, "email": r.Email, "role": r.Role,
			"email_verified": r.EmailVerified, "two_factor_enabled": r.TwoFactorEnabled,
			"created_at": r.CreatedAt, "certificates_issued": r.CertificatesIssued,
			"active_sessions": r.ActiveSessions,
		})
	}

	return s.render(table, format, compress)
}

// ExportCertificates renders certificates with issuer names and verification counts.
func (s *ExportService) ExportCertificates(ctx context.Context, filters ExportFilters, format string, compress bool) (*ExportFile, error) {
	ctx = ensureContext(ctx)

	type row struct {
		CertificateID     string     `json:"certificate_id"`
		RecipientName     string     `json:"recipient_name"`
		RecipientEmail    string     `json:"recipient_email"`
		CourseName        string     `json:"course_name"`
		Status            string     `json:"status"`
		IssueDate         time.Time  `json:"issue_date"`
		ExpiryDate        *time.Time `json:"expiry_date"`
		IssuerName        string     `json:"issuer_name"`
		VerificationCount int64      `json:"verification_count"`
	}

	query := s.db.WithContext(ctx).Model(&models.Certificate{}).Select(
		"certificates.certificate_id, certificates.recipient_name, certificates.recipient_email, certificates.course_name, " +
			"certificates.status, certificates.issue_date, certificates.expiry_date, users.username AS issuer_name, " +
			"(SELECT COUNT(*) FROM certificate_verifications WHERE certificate_verifications.certificate_id = certificates.id) AS verification_count",
	).Joins("LEFT JOIN users ON users.id = certificates.issuer_id")
	if filters.Status != "" {
		query = query.Where("certificates.status = ?", filters.Status)
	}
	if filters.After != nil {
		query = query.Where("certificates.issue_date >= ?", *filters.After)
	}
	if filters.Before != nil {
		query = query.Where("certificates.issue_date <= ?", *filters.Before)
	}

	var rows []row
	if err := query.Order("certificates.created_at DESC").Limit(s.rowCap).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("export service: query certificates: %w", err)
	}

	table := exportTable{
		kind:    "certificates",
		headers: []string{"certificate_id", "recipient_name", "recipient_email", "course_name", "status", "issue_date", "expiry_date", "issuer_name", "verification_count"},
	}
	for _, r := range rows {
		expiry := ""
		if r.ExpiryDate != nil {
			expiry = formatTime(*r.ExpiryDate)
		}
		table.rows = append(table.rows, []string{
			r.CertificateID, r.RecipientName, r.RecipientEmail, r.CourseName, r.Status,
			formatTime(r.IssueDate), expiry, r.IssuerName,
			fmt.Sprintf("%d", r.VerificationCount),
		})
		table.objects = append(table.objects, map[string]any{
			"certificate_id": r.CertificateID, "recipient_name": r.RecipientName,
			"recipient_email": r.RecipientEmail, "course_name": r.CourseName,
			"status": r.Status, "issue_date": r.IssueDate, "expiry_date": r.ExpiryDate,
			"issuer_name": r.IssuerName, "verification_count": r.VerificationCount,
		})
	}

	return s.render(table, format, compress)
}

// ExportVerifications renders the verification audit trail.
func (s *ExportService) ExportVerifications(ctx context.Context, filters ExportFilters, format string, compress bool) (*ExportFile, error) {
	ctx = ensureContext(ctx)

	type row struct {
		CertificateID      string    `json:"certificate_id"`
		CourseName         string    `json:"course_name"`
		VerifiedBy         string    `json:"verified_by"`
		VerificationMethod string    `json:"verification_method"`
		VerificationStatus string    `json:"verification_status"`
		IPAddress          string    `json:"ip_address"`
		VerificationDate   time.Time `json:"verification_date"`
	}

	query := s.db.WithContext(ctx).Model(&models.CertificateVerification{}).Select(
		"certificates.certificate_id, certificates.course_name, certificate_verifications.verified_by, " +
			"certificate_verifications.verification_method, certificate_verifications.verification_status, " +
			"certificate_verifications.ip_address, certificate_verifications.verification_date",
	).Joins("JOIN certificates ON certificates.id = certificate_verifications.certificate_id")
	if filters.Status != "" {
		query = query.Where("certificate_verifications.verification_status = ?", filters.Status)
	}
	if filters.After != nil {
		query = query.Where("certificate_verifications.verification_date >= ?", *filters.After)
	}
	if filters.Before != nil {
		query = query.Where("certificate_verifications.verification_date <= ?", *filters.Before)
	}

	var rows []row
	if err := query.Order("certificate_verifications.verification_date DESC").Limit(s.rowCap).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("export service: query verifications: %w", err)
	}

	table := exportTable{
		kind:    "verifications",
		headers: []string{"certificate_id", "course_name", "verified_by", "verification_method", "verification_status", "ip_address", "verification_date"},
	}
	for _, r := range rows {
		table.rows = append(table.rows, []string{
			r.CertificateID, r.CourseName, r.VerifiedBy, r.VerificationMethod,
			r.VerificationStatus, r.IPAddress, formatTime(r.VerificationDate),
		})
		table.objects = append(table.objects, map[string]any{
			"certificate_id": r.CertificateID, "course_name": r.CourseName,
			"verified_by": r.VerifiedBy, "verification_method": r.VerificationMethod,
			"verification_status": r.VerificationStatus, "ip_address": r.IPAddress,
			"verification_date": r.VerificationDate,
		})
	}

	return s.render(table, format, compress)
}

// render writes the table in the requested format, zipping the output when it
// crosses the size threshold or compression is requested. Partially written
// files are removed on any failure.
func (s *ExportService) render(table exportTable, format string, compress bool) (file *ExportFile, err error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = FormatCSV
	}

	timestamp := s.now().UTC().Format("2006-01-02T15-04-05")
	base := filepath.Join(s.dir, fmt.Sprintf("%s_export_%s", table.kind, timestamp))

	var created []string
	defer func() {
		if err != nil {
			for _, path := range created {
				_ = os.Remove(path)
			}
		}
	}()

	var path, contentType string
	switch format {
	case FormatCSV:
		path = base + ".csv"
		contentType = "text/csv"
		err = s.writeCSV(path, table)
	case FormatJSON:
		path = base + ".json"
		contentType = "application/json"
		err = s.writeJSON(path, table)
	case FormatExcel:
		path = base + ".xlsx"
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		err = s.writeExcel(path, table)
	case FormatPDF:
		path = base + ".pdf"
		contentType = "application/pdf"
		err = s.writePDF(path, table)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, fmt.Errorf("export service: render %s: %w", format, err)
	}
	created = append(created, path)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("export service: stat output: %w", err)
	}

	size := info.Size()
	if compress || size > compressThreshold {
		zipPath := base + ".zip"
		if err = s.zipFiles(zipPath, path); err != nil {
			return nil, fmt.Errorf("export service: compress output: %w", err)
		}
		created = append(created, zipPath)
		_ = os.Remove(path)

		zipInfo, statErr := os.Stat(zipPath)
		if statErr != nil {
			err = fmt.Errorf("export service: stat archive: %w", statErr)
			return nil, err
		}
		path = zipPath
		contentType = "application/zip"
		size = zipInfo.Size()
	}

	metrics.ExportsGenerated.WithLabelValues(table.kind, format).Inc()

	return &ExportFile{
		Path:        path,
		Filename:    table.kind + "_export" + filepath.Ext(path),
		ContentType: contentType,
		Size:        size,
	}, nil
}

func (s *ExportService) writeCSV(path string, table exportTable) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(table.headers); err != nil {
		return err
	}
	if err := w.WriteAll(table.rows); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (s *ExportService) writeJSON(path string, table exportTable) error {
	data, err := json.MarshalIndent(table.objects, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *ExportService) writeExcel(path string, table exportTable) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Data"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}

	header := make([]any, len(table.headers))
	for i, h := range table.headers {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	for i, row := range table.rows {
		cells := make([]any, len(row))
		for j, value := range row {
			cells[j] = value
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return err
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"4F81BD"}},
	})
	if err != nil {
		return err
	}
	lastCol, err := excelize.ColumnNumberToName(len(table.headers))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", lastCol+"1", headerStyle); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "A", lastCol, 22); err != nil {
		return err
	}

	if err := s.writeSummarySheet(f, table); err != nil {
		return err
	}

	return f.SaveAs(path)
}

// writeSummarySheet appends a Summary sheet with record totals and, where the
// table carries a role or status column, a distribution breakdown.
func (s *ExportService) writeSummarySheet(f *excelize.File, table exportTable) error {
	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	if err := f.SetSheetRow(sheet, "A1", &[]any{"metric", "value"}); err != nil {
		return err
	}

	rows := [][]any{
		{"total_records", len(table.rows)},
		{"generated_at", formatTime(s.now())},
	}

	for _, column := range []string{"role", "status", "verification_status"} {
		if idx := indexOf(table.headers, column); idx >= 0 {
			distribution := map[string]int{}
			for _, row := range table.rows {
				distribution[row[idx]]++
			}
			encoded, err := json.Marshal(distribution)
			if err != nil {
				return err
			}
			rows = append(rows, []any{column + "_distribution", string(encoded)})
			break
		}
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		r := row
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			return err
		}
	}
	return nil
}

func (s *ExportService) writePDF(path string, table exportTable) error {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetAutoPageBreak(true, 12)

	pageWidth, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	usable := pageWidth - left - right
	colWidth := usable / float64(len(table.headers))

	writeHeader := func() {
		pdf.SetFont("Helvetica", "B", 8)
		for _, h := range table.headers {
			pdf.CellFormat(colWidth, 7, strings.ToUpper(h), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Helvetica", "", 8)
	}

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(usable, 10, titleCase(table.kind)+" Export", "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(usable, 6, "Generated on "+formatTime(s.now()), "", 1, "R", false, 0, "")
	pdf.Ln(4)

	writeHeader()

	for _, row := range table.rows {
		if pdf.GetY() > 190 {
			pdf.AddPage()
			writeHeader()
		}
		for _, value := range row {
			pdf.CellFormat(colWidth, 6, truncate(value, 40), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	return pdf.OutputFileAndClose(path)
}

// zipFiles archives the given files into a single deflate-compressed zip.
func (s *ExportService) zipFiles(zipPath string, files ...string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, file := range files {
		src, err := os.Open(file)
		if err != nil {
			zw.Close()
			return err
		}

		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:     filepath.Base(file),
			Method:   zip.Deflate,
			Modified: s.now(),
		})
		if err != nil {
			src.Close()
			zw.Close()
			return err
		}
		if _, err := io.Copy(entry, src); err != nil {
			src.Close()
			zw.Close()
			return err
		}
		src.Close()
	}

	return zw.Close()
}

// Sweep removes export files older than maxAge, returning how many were deleted.
func (s *ExportService) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("export service: read export dir: %w", err)
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func formatBool(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-3]) + "..."
}

func titleCase(value string) string {
	if value == "" {
		return value
	}
	return strings.ToUpper(value[:1]) + value[1:]
}

func indexOf(values []string, target string) int {
	for i, value := range values {
		if value == target {
			return i
		}
	}
	return -1
}
