package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"audit-report-pipeline/internal/config"
	"audit-report-pipeline/internal/models"
	"audit-report-pipeline/internal/queue"
	"audit-report-pipeline/internal/store"
)

type fakeReportStore struct {
	reports map[string]models.AuditReport
}

func (f *fakeReportStore) CreateReport(_ context.Context, p store.CreateReportParams) (models.AuditReport, error) {
	report := models.AuditReport{
		ID:           uuid.New().String(),
		CustomerName: p.CustomerName,
		Email:        p.Email,
		ToolName:     p.ToolName,
		PlanName:     p.PlanName,
		TeamSize:     p.TeamSize,
		BleedAmount:  p.BleedAmount,
		Language:     p.Language,
		Status:       models.StatusQueued,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	f.reports[report.ID] = report
	return report, nil
}

func (f *fakeReportStore) GetReport(_ context.Context, id string) (models.AuditReport, error) {
	report, ok := f.reports[id]
	if !ok {
		return models.AuditReport{}, store.ErrReportNotFound
	}
	return report, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeReportStore, *queue.RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.New(client, queue.DefaultPolicy())
	st := &fakeReportStore{reports: make(map[string]models.AuditReport)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(config.Config{DefaultLanguage: "en"}, st, q, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st, q
}

func TestCreateReportEnqueues(t *testing.T) {
	ts, st, q := newTestServer(t)

	body := `{
		"customer_name": "Acme GmbH",
		"email": "ops@acme.test",
		"tool_name": "Jira",
		"plan_name": "Premium",
		"team_size": 40,
		"bleed_amount": 45000
	}`
	resp, err := http.Post(ts.URL+"/reports", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var out createReportResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JobID == "" {
		t.Fatal("expected a job id")
	}
	if out.Report.Status != models.StatusQueued {
		t.Fatalf("expected queued status, got %s", out.Report.Status)
	}
	if out.Report.Language != "en" {
		t.Fatalf("expected default language, got %q", out.Report.Language)
	}
	if _, ok := st.reports[out.Report.ID]; !ok {
		t.Fatal("report was not persisted")
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 1 {
		t.Fatalf("expected 1 waiting job, got %d", stats.Waiting)
	}
}

func TestCreateReportValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing customer", `{"email":"a@b.test","tool_name":"Jira"}`},
		{"missing tool", `{"customer_name":"Acme","email":"a@b.test"}`},
		{"bad email", `{"customer_name":"Acme","email":"not-an-email","tool_name":"Jira"}`},
		{"bad json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/reports", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestGetReport(t *testing.T) {
	ts, st, _ := newTestServer(t)

	report := models.AuditReport{ID: uuid.New().String(), CustomerName: "Acme", Status: models.StatusQueued}
	st.reports[report.ID] = report

	resp, err := http.Get(ts.URL + "/reports/" + report.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out models.AuditReport
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != report.ID {
		t.Fatalf("expected %s, got %s", report.ID, out.ID)
	}
}

func TestGetReportNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/reports/" + uuid.New().String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestReEnqueueSentReportConflicts(t *testing.T) {
	ts, st, _ := newTestServer(t)

	report := models.AuditReport{ID: uuid.New().String(), Status: models.StatusSent}
	st.reports[report.ID] = report

	resp, err := http.Post(ts.URL+"/reports/"+report.ID+"/enqueue", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestReEnqueuePermanentFailureConflicts(t *testing.T) {
	ts, st, _ := newTestServer(t)

	report := models.AuditReport{ID: uuid.New().String(), Status: models.StatusPermanentFailure}
	st.reports[report.ID] = report

	resp, err := http.Post(ts.URL+"/reports/"+report.ID+"/enqueue", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestReEnqueueFailedReport(t *testing.T) {
	ts, st, q := newTestServer(t)

	report := models.AuditReport{ID: uuid.New().String(), Status: models.StatusFailed}
	st.reports[report.ID] = report

	resp, err := http.Post(ts.URL+"/reports/"+report.ID+"/enqueue", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 1 {
		t.Fatalf("expected 1 waiting job, got %d", stats.Waiting)
	}
}

func TestQueueStats(t *testing.T) {
	ts, _, q := newTestServer(t)

	_, err := q.Enqueue(context.Background(), uuid.New().String(), queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp, err := http.Get(ts.URL + "/queue/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var stats queue.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Waiting != 1 {
		t.Fatalf("expected 1 waiting job, got %d", stats.Waiting)
	}
}
