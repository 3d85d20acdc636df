package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"audit-report-pipeline/internal/models"
)

// ErrReportNotFound is returned when a report id references no row. The
// worker treats this as a permanent, non-retryable condition.
var ErrReportNotFound = errors.New("audit report not found")

// errorMessageLimit bounds the human-readable error column.
const errorMessageLimit = 500

// Store wraps pgxpool for Postgres persistence of audit reports.
type Store struct {
	pool *pgxpool.Pool
}

// StatusWriter is the only API allowed to mutate lifecycle fields. Keeping
// writes behind this narrow interface is what preserves the single-writer
// convention: the producer creates rows in queued state and never touches
// them again.
type StatusWriter interface {
	MarkProcessing(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string, rec SentRecord) error
	MarkFailed(ctx context.Context, id string, message string, details models.ErrorDetails) error
	MarkPermanentFailure(ctx context.Context, id string, message string, details models.ErrorDetails) error
}

// ReportReader loads report state. The worker re-reads on every attempt so
// retries observe the current lifecycle status.
type ReportReader interface {
	GetReport(ctx context.Context, id string) (models.AuditReport, error)
}

// SentRecord carries everything MarkSent persists atomically.
type SentRecord struct {
	EmailSentAt         time.Time
	EmailMessageID      string
	ProviderEmailSentAt time.Time
	ProviderMessageID   string
	PDFFilePath         string
	PDFSizeBytes        int64
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateReportParams collects the immutable inputs written at creation.
type CreateReportParams struct {
	CustomerName    string
	Email           string
	ToolName        string
	PlanName        string
	TeamSize        int
	FeaturesKept    []models.FeatureItem
	FeaturesRemoved []models.FeatureItem
	FeaturesCustom  []models.FeatureItem
	BleedAmount     float64
	BuildCostMin    float64
	BuildCostMax    float64
	SavingsAmount   float64
	PaybackMonths   *float64
	Language        string
}

// CreateReport inserts a report row in queued state and returns it.
func (s *Store) CreateReport(ctx context.Context, p CreateReportParams) (models.AuditReport, error) {
	kept, err := json.Marshal(emptyIfNil(p.FeaturesKept))
	if err != nil {
		return models.AuditReport{}, fmt.Errorf("marshal features_kept: %w", err)
	}
	removed, err := json.Marshal(emptyIfNil(p.FeaturesRemoved))
	if err != nil {
		return models.AuditReport{}, fmt.Errorf("marshal features_removed: %w", err)
	}
	custom, err := json.Marshal(emptyIfNil(p.FeaturesCustom))
	if err != nil {
		return models.AuditReport{}, fmt.Errorf("marshal features_custom: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_reports (
			id, customer_name, email, tool_name, plan_name, team_size,
			features_kept, features_removed, features_custom,
			bleed_amount, build_cost_min, build_cost_max, savings_amount, payback_months,
			language, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
	`, id, p.CustomerName, p.Email, p.ToolName, p.PlanName, p.TeamSize,
		kept, removed, custom,
		p.BleedAmount, p.BuildCostMin, p.BuildCostMax, p.SavingsAmount, p.PaybackMonths,
		p.Language, models.StatusQueued, now)
	if err != nil {
		return models.AuditReport{}, fmt.Errorf("insert report: %w", err)
	}

	return s.GetReport(ctx, id)
}

// GetReport fetches a report by id.
func (s *Store) GetReport(ctx context.Context, id string) (models.AuditReport, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, customer_name, email, tool_name, plan_name, team_size,
		       features_kept, features_removed, features_custom,
		       bleed_amount, build_cost_min, build_cost_max, savings_amount, payback_months,
		       language, status,
		       email_sent_at, email_message_id, provider_email_sent_at, provider_message_id,
		       pdf_file_path, pdf_size_bytes, error_message, error_details,
		       created_at, updated_at
		FROM audit_reports WHERE id = $1
	`, id)

	var (
		r                           models.AuditReport
		kept, removed, custom       []byte
		payback                     pgtype.Float8
		emailSentAt, providerSentAt pgtype.Timestamptz
		emailMsgID, providerMsgID   pgtype.Text
		pdfPath, errMsg             pgtype.Text
		pdfSize                     pgtype.Int8
		errDetails                  []byte
	)

	err := row.Scan(&r.ID, &r.CustomerName, &r.Email, &r.ToolName, &r.PlanName, &r.TeamSize,
		&kept, &removed, &custom,
		&r.BleedAmount, &r.BuildCostMin, &r.BuildCostMax, &r.SavingsAmount, &payback,
		&r.Language, &r.Status,
		&emailSentAt, &emailMsgID, &providerSentAt, &providerMsgID,
		&pdfPath, &pdfSize, &errMsg, &errDetails,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AuditReport{}, ErrReportNotFound
		}
		return models.AuditReport{}, fmt.Errorf("scan report: %w", err)
	}

	if err := json.Unmarshal(kept, &r.FeaturesKept); err != nil {
		return models.AuditReport{}, fmt.Errorf("unmarshal features_kept: %w", err)
	}
	if err := json.Unmarshal(removed, &r.FeaturesRemoved); err != nil {
		return models.AuditReport{}, fmt.Errorf("unmarshal features_removed: %w", err)
	}
	if err := json.Unmarshal(custom, &r.FeaturesCustom); err != nil {
		return models.AuditReport{}, fmt.Errorf("unmarshal features_custom: %w", err)
	}
	if payback.Valid {
		r.PaybackMonths = &payback.Float64
	}
	if emailSentAt.Valid {
		r.EmailSentAt = &emailSentAt.Time
	}
	if providerSentAt.Valid {
		r.ProviderEmailSentAt = &providerSentAt.Time
	}
	r.EmailMessageID = textPtr(emailMsgID)
	r.ProviderMessageID = textPtr(providerMsgID)
	r.PDFFilePath = textPtr(pdfPath)
	if pdfSize.Valid {
		r.PDFSizeBytes = &pdfSize.Int64
	}
	r.ErrorMessage = textPtr(errMsg)
	if len(errDetails) > 0 {
		var d models.ErrorDetails
		if err := json.Unmarshal(errDetails, &d); err == nil {
			r.ErrorDetails = &d
		}
	}
	return r, nil
}

// MarkProcessing transitions a report into processing. Re-entry on a retry is
// expected; terminal rows are left untouched so status never regresses.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE audit_reports
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $2, $4)
	`, id, models.StatusProcessing, models.StatusQueued, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark processing: report %s missing or already terminal", id)
	}
	return nil
}

// MarkSent records the terminal success state with both delivery records and
// the generated document metadata in one write.
func (s *Store) MarkSent(ctx context.Context, id string, rec SentRecord) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audit_reports
		SET status = $2,
		    email_sent_at = $3,
		    email_message_id = $4,
		    provider_email_sent_at = $5,
		    provider_message_id = $6,
		    pdf_file_path = $7,
		    pdf_size_bytes = $8,
		    error_message = NULL,
		    error_details = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusSent,
		rec.EmailSentAt, rec.EmailMessageID,
		nullableTime(rec.ProviderEmailSentAt), nullableString(rec.ProviderMessageID),
		rec.PDFFilePath, rec.PDFSizeBytes)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// MarkFailed records a transient failure; the report stays eligible for a
// fresh retry cycle.
func (s *Store) MarkFailed(ctx context.Context, id string, message string, details models.ErrorDetails) error {
	return s.markError(ctx, id, models.StatusFailed, message, details)
}

// MarkPermanentFailure records a terminal failure that must not be retried.
func (s *Store) MarkPermanentFailure(ctx context.Context, id string, message string, details models.ErrorDetails) error {
	return s.markError(ctx, id, models.StatusPermanentFailure, message, details)
}

func (s *Store) markError(ctx context.Context, id, status, message string, details models.ErrorDetails) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal error details: %w", err)
	}
	// Terminal states never regress: a permanent_failure row must not be
	// flipped back to failed by a late or racing transient write.
	_, err = s.pool.Exec(ctx, `
		UPDATE audit_reports
		SET status = $2, error_message = $3, error_details = $4, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($5, $6)
	`, id, status, Truncate(message, errorMessageLimit), detailsJSON, models.StatusSent, models.StatusPermanentFailure)
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	return nil
}

// Truncate bounds an error message for the varchar column. The cut always
// lands on a rune boundary so the result stays valid UTF-8 for Postgres.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	ellipsis := ""
	if limit > 3 {
		cut = limit - 3
		ellipsis = "..."
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

func emptyIfNil(items []models.FeatureItem) []models.FeatureItem {
	if items == nil {
		return []models.FeatureItem{}
	}
	return items
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
