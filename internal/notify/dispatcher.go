package notify

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"time"

	"audit-report-pipeline/internal/i18n"
	"audit-report-pipeline/internal/mailer"
	"audit-report-pipeline/internal/models"
	"audit-report-pipeline/internal/pdf"
)

//go:embed templates/*.html
var templateFiles embed.FS

// ErrTemplateNotFound marks a missing notification template. This is a code
// defect, not a transient condition.
var ErrTemplateNotFound = errors.New("notification template not found")

// Dispatcher renders and sends the two messages produced for one report:
// the customer email and the internal stakeholder copy.
type Dispatcher struct {
	transport  mailer.Transport
	catalog    *i18n.Catalog
	internalTo string
	logger     *slog.Logger
	templates  *template.Template
}

// NewDispatcher parses the embedded templates and wires the transport.
func NewDispatcher(transport mailer.Transport, catalog *i18n.Catalog, internalTo string, logger *slog.Logger) (*Dispatcher, error) {
	tmpl, err := template.ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateNotFound, err)
	}
	return &Dispatcher{
		transport:  transport,
		catalog:    catalog,
		internalTo: internalTo,
		logger:     logger,
		templates:  tmpl,
	}, nil
}

type emailData struct {
	Greeting string
	Intro    string

	BleedLabel   string
	BleedValue   string
	BuildLabel   string
	BuildValue   string
	SavingsLabel string
	SavingsValue string

	KeptHeading    string
	Kept           []string
	RemovedHeading string
	Removed        []string
	CustomHeading  string
	Custom         []string

	Outro   string
	Signoff string

	CustomerName      string
	CustomerEmail     string
	ToolName          string
	PlanName          string
	TeamSize          int
	CustomerMessageID string
}

// SendCustomerReport renders the localized customer email, attaches the
// generated document, and sends it. It returns the message id and send time.
func (d *Dispatcher) SendCustomerReport(ctx context.Context, report models.AuditReport, artifactPath string) (string, time.Time, error) {
	data := d.buildData(report)
	html, err := d.renderTemplate("customer.html", data)
	if err != nil {
		return "", time.Time{}, err
	}

	attachment, err := readAttachment(report.ToolName, artifactPath)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("attach report document: %w", err)
	}

	messageID, err := d.transport.Send(ctx, mailer.Message{
		To:          report.Email,
		Subject:     d.catalog.T(report.Language, "subject", report.ToolName),
		HTML:        html,
		Attachments: []mailer.Attachment{attachment},
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("send customer email: %w", err)
	}

	sentAt := time.Now()
	d.logger.Info("customer email sent",
		slog.String("report_id", report.ID),
		slog.String("message_id", messageID),
	)
	return messageID, sentAt, nil
}

// SendInternalCopy sends the stakeholder email referencing the customer
// message id. The attachment is included only when the document is readable;
// the internal copy is informational and must not fail for lack of it.
func (d *Dispatcher) SendInternalCopy(ctx context.Context, report models.AuditReport, customerMessageID, artifactPath string) (string, time.Time, error) {
	data := d.buildData(report)
	data.CustomerMessageID = customerMessageID

	html, err := d.renderTemplate("internal.html", data)
	if err != nil {
		return "", time.Time{}, err
	}

	msg := mailer.Message{
		To:      d.internalTo,
		Subject: fmt.Sprintf("Audit sent: %s (%s)", report.ToolName, report.CustomerName),
		HTML:    html,
	}
	if artifactPath != "" {
		if attachment, err := readAttachment(report.ToolName, artifactPath); err == nil {
			msg.Attachments = []mailer.Attachment{attachment}
		}
	}

	messageID, err := d.transport.Send(ctx, msg)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("send internal email: %w", err)
	}

	sentAt := time.Now()
	d.logger.Info("internal email sent",
		slog.String("report_id", report.ID),
		slog.String("message_id", messageID),
	)
	return messageID, sentAt, nil
}

func (d *Dispatcher) buildData(report models.AuditReport) emailData {
	lang := report.Language
	return emailData{
		Greeting: d.catalog.T(lang, "greeting", report.CustomerName),
		Intro:    d.catalog.T(lang, "intro"),

		BleedLabel:   d.catalog.T(lang, "bleed_label"),
		BleedValue:   pdf.FormatMoney(report.BleedAmount),
		BuildLabel:   d.catalog.T(lang, "build_label"),
		BuildValue:   fmt.Sprintf("%s - %s", pdf.FormatMoney(report.BuildCostMin), pdf.FormatMoney(report.BuildCostMax)),
		SavingsLabel: d.catalog.T(lang, "savings_label"),
		SavingsValue: pdf.FormatMoney(report.SavingsAmount),

		KeptHeading:    d.catalog.T(lang, "kept_heading"),
		Kept:           featureNames(report.FeaturesKept),
		RemovedHeading: d.catalog.T(lang, "removed_heading"),
		Removed:        featureNames(report.FeaturesRemoved),
		CustomHeading:  d.catalog.T(lang, "custom_heading"),
		Custom:         featureNames(report.FeaturesCustom),

		Outro:   d.catalog.T(lang, "outro"),
		Signoff: d.catalog.T(lang, "signoff"),

		CustomerName:  report.CustomerName,
		CustomerEmail: report.Email,
		ToolName:      report.ToolName,
		PlanName:      report.PlanName,
		TeamSize:      report.TeamSize,
	}
}

func (d *Dispatcher) renderTemplate(name string, data emailData) (string, error) {
	tmpl := d.templates.Lookup(name)
	if tmpl == nil {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

func readAttachment(toolName, path string) (mailer.Attachment, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return mailer.Attachment{}, err
	}
	return mailer.Attachment{
		Filename:    pdf.SanitizeName(toolName) + "-audit.pdf",
		ContentType: "application/pdf",
		Content:     content,
	}, nil
}

func featureNames(items []models.FeatureItem) []string {
	if len(items) == 0 {
		return nil
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.Name)
	}
	return names
}
