package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"time"

	"github.com/go-chi/chi/v5"

	"audit-report-pipeline/internal/config"
	"audit-report-pipeline/internal/models"
	"audit-report-pipeline/internal/queue"
	"audit-report-pipeline/internal/store"
	"audit-report-pipeline/internal/telemetry"
)

// ReportStore is the persistence surface the API needs.
type ReportStore interface {
	CreateReport(ctx context.Context, p store.CreateReportParams) (models.AuditReport, error)
	GetReport(ctx context.Context, id string) (models.AuditReport, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg    config.Config
	store  ReportStore
	queue  *queue.RedisQueue
	logger *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st ReportStore, q *queue.RedisQueue, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		store:  st,
		queue:  q,
		logger: logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/reports", s.handleCreateReport)
	r.Get("/reports/{id}", s.handleGetReport)
	r.Post("/reports/{id}/enqueue", s.handleEnqueueReport)
	r.Get("/queue/stats", s.handleQueueStats)
	r.Post("/queue/clean", s.handleQueueClean)
	return r
}

type createReportRequest struct {
	CustomerName    string               `json:"customer_name"`
	Email           string               `json:"email"`
	ToolName        string               `json:"tool_name"`
	PlanName        string               `json:"plan_name"`
	TeamSize        int                  `json:"team_size"`
	FeaturesKept    []models.FeatureItem `json:"features_kept"`
	FeaturesRemoved []models.FeatureItem `json:"features_removed"`
	FeaturesCustom  []models.FeatureItem `json:"features_custom"`
	BleedAmount     float64              `json:"bleed_amount"`
	BuildCostMin    float64              `json:"build_cost_min"`
	BuildCostMax    float64              `json:"build_cost_max"`
	SavingsAmount   float64              `json:"savings_amount"`
	PaybackMonths   *float64             `json:"payback_months"`
	Language        string               `json:"language"`
	DelaySeconds    int                  `json:"delay_seconds"`
	MaxAttempts     int                  `json:"max_attempts"`
}

type createReportResponse struct {
	Report models.AuditReport `json:"report"`
	JobID  string             `json:"job_id"`
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req createReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.CustomerName == "" {
		http.Error(w, "customer_name is required", http.StatusBadRequest)
		return
	}
	if req.ToolName == "" {
		http.Error(w, "tool_name is required", http.StatusBadRequest)
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		http.Error(w, "email is invalid", http.StatusBadRequest)
		return
	}
	if req.Language == "" {
		req.Language = s.cfg.DefaultLanguage
	}

	report, err := s.store.CreateReport(r.Context(), store.CreateReportParams{
		CustomerName:    req.CustomerName,
		Email:           req.Email,
		ToolName:        req.ToolName,
		PlanName:        req.PlanName,
		TeamSize:        req.TeamSize,
		FeaturesKept:    req.FeaturesKept,
		FeaturesRemoved: req.FeaturesRemoved,
		FeaturesCustom:  req.FeaturesCustom,
		BleedAmount:     req.BleedAmount,
		BuildCostMin:    req.BuildCostMin,
		BuildCostMax:    req.BuildCostMax,
		SavingsAmount:   req.SavingsAmount,
		PaybackMonths:   req.PaybackMonths,
		Language:        req.Language,
	})
	if err != nil {
		s.logger.Error("create report", slog.Any("error", err))
		http.Error(w, "failed to create report", http.StatusInternalServerError)
		return
	}

	job, err := s.queue.Enqueue(r.Context(), report.ID, queue.EnqueueOptions{
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		s.logger.Error("enqueue report", slog.String("report_id", report.ID), slog.Any("error", err))
		http.Error(w, "report created but enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()

	writeJSON(w, http.StatusAccepted, createReportResponse{Report: report, JobID: job.ID})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrReportNotFound) {
			http.Error(w, "report not found", http.StatusNotFound)
			return
		}
		s.logger.Error("get report", slog.String("report_id", id), slog.Any("error", err))
		http.Error(w, "failed to load report", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleEnqueueReport re-enqueues an existing report, typically after an
// operator has resolved whatever dead-lettered it.
func (s *Server) handleEnqueueReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrReportNotFound) {
			http.Error(w, "report not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load report", http.StatusInternalServerError)
		return
	}
	if report.Status == models.StatusSent {
		http.Error(w, "report already sent", http.StatusConflict)
		return
	}
	if report.Status == models.StatusPermanentFailure {
		http.Error(w, "report failed permanently; create a new report to resend", http.StatusConflict)
		return
	}

	job, err := s.queue.Enqueue(r.Context(), report.ID, queue.EnqueueOptions{})
	if err != nil {
		s.logger.Error("re-enqueue report", slog.String("report_id", id), slog.Any("error", err))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "report_id": report.ID})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to read queue stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type cleanRequest struct {
	OlderThanSeconds int `json:"older_than_seconds"`
}

func (s *Server) handleQueueClean(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	removed, err := s.queue.CleanCompleted(r.Context(), time.Duration(req.OlderThanSeconds)*time.Second, time.Now())
	if err != nil {
		http.Error(w, "failed to clean queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
