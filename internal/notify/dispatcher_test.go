package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"audit-report-pipeline/internal/i18n"
	"audit-report-pipeline/internal/mailer"
	"audit-report-pipeline/internal/models"
)

type fakeTransport struct {
	sent    []mailer.Message
	nextID  string
	nextErr error
}

func (f *fakeTransport) Send(_ context.Context, msg mailer.Message) (string, error) {
	if f.nextErr != nil {
		return "", f.nextErr
	}
	f.sent = append(f.sent, msg)
	if f.nextID == "" {
		return "msg-1@test", nil
	}
	return f.nextID, nil
}

func testDispatcher(t *testing.T, transport mailer.Transport) *Dispatcher {
	t.Helper()
	catalog, err := i18n.Load()
	require.NoError(t, err)
	d, err := NewDispatcher(transport, catalog, "ops@example.com", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return d
}

func testReport() models.AuditReport {
	return models.AuditReport{
		ID:           "r-1",
		CustomerName: "Jordan",
		Email:        "jordan@example.com",
		ToolName:     "Notion",
		PlanName:     "Business",
		TeamSize:     12,
		Language:     "en",
		FeaturesKept: []models.FeatureItem{{Name: "Docs"}, {Name: "Tasks"}},
		BleedAmount:  45000,
		BuildCostMin: 3000,
		BuildCostMax: 4200,
	}
}

func writeArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 test"), 0o644))
	return path
}

func TestSendCustomerReport(t *testing.T) {
	transport := &fakeTransport{nextID: "cust-42@host"}
	d := testDispatcher(t, transport)

	msgID, sentAt, err := d.SendCustomerReport(context.Background(), testReport(), writeArtifact(t))
	require.NoError(t, err)
	require.Equal(t, "cust-42@host", msgID)
	require.False(t, sentAt.IsZero())

	require.Len(t, transport.sent, 1)
	msg := transport.sent[0]
	require.Equal(t, "jordan@example.com", msg.To)
	require.Equal(t, "Your SaaS cost audit for Notion", msg.Subject)
	require.Contains(t, msg.HTML, "$45,000")
	require.Contains(t, msg.HTML, "$3,000 - $4,200")
	require.Contains(t, msg.HTML, "Docs")

	require.Len(t, msg.Attachments, 1)
	require.Equal(t, "notion-audit.pdf", msg.Attachments[0].Filename)
	require.Equal(t, "application/pdf", msg.Attachments[0].ContentType)
	require.NotEmpty(t, msg.Attachments[0].Content)
}

func TestSendCustomerReportLocalizedSubject(t *testing.T) {
	transport := &fakeTransport{}
	d := testDispatcher(t, transport)

	report := testReport()
	report.Language = "de"
	_, _, err := d.SendCustomerReport(context.Background(), report, writeArtifact(t))
	require.NoError(t, err)
	require.Equal(t, "Ihr SaaS-Kosten-Audit für Notion", transport.sent[0].Subject)
}

func TestSendCustomerReportMissingArtifact(t *testing.T) {
	d := testDispatcher(t, &fakeTransport{})
	_, _, err := d.SendCustomerReport(context.Background(), testReport(), "/does/not/exist.pdf")
	require.Error(t, err)
}

func TestSendCustomerReportTransportFailurePropagates(t *testing.T) {
	sendErr := &mailer.SendError{Code: 550, Err: errors.New("mailbox unavailable")}
	d := testDispatcher(t, &fakeTransport{nextErr: sendErr})

	_, _, err := d.SendCustomerReport(context.Background(), testReport(), writeArtifact(t))
	require.Error(t, err)
	var se *mailer.SendError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 550, se.Code)
}

func TestSendInternalCopy(t *testing.T) {
	transport := &fakeTransport{}
	d := testDispatcher(t, transport)

	_, _, err := d.SendInternalCopy(context.Background(), testReport(), "cust-42@host", writeArtifact(t))
	require.NoError(t, err)

	msg := transport.sent[0]
	require.Equal(t, "ops@example.com", msg.To)
	require.Contains(t, msg.HTML, "cust-42@host")
	require.Contains(t, msg.HTML, "jordan@example.com")
	require.Contains(t, msg.Subject, "Notion")
	require.Len(t, msg.Attachments, 1)
}

func TestSendInternalCopyWithoutArtifact(t *testing.T) {
	transport := &fakeTransport{}
	d := testDispatcher(t, transport)

	// No document was generated; the internal copy still goes out.
	_, _, err := d.SendInternalCopy(context.Background(), testReport(), "cust-42@host", "")
	require.NoError(t, err)
	require.Empty(t, transport.sent[0].Attachments)
}
