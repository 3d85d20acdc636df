package pdf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-pdf/fpdf"

	"audit-report-pipeline/internal/models"
)

var (
	// ErrInvalidInput marks caller-data malformation. Retrying without a
	// data fix cannot succeed.
	ErrInvalidInput = errors.New("invalid report input")

	// ErrRender marks an IO or layout failure during generation.
	ErrRender = errors.New("report rendering failed")
)

// Artifact describes a generated document on disk.
type Artifact struct {
	Path string
	Size int64
}

// Generator renders the fixed-layout audit report PDF.
type Generator struct {
	outputDir string
	logoPath  string
	now       func() time.Time
}

// NewGenerator builds a generator writing under outputDir. The logo is
// optional; when the asset is missing the header simply omits it.
func NewGenerator(outputDir, logoPath string) *Generator {
	if outputDir == "" {
		outputDir = "./reports"
	}
	return &Generator{
		outputDir: outputDir,
		logoPath:  logoPath,
		now:       time.Now,
	}
}

// Generate renders the report document and returns its path and byte size.
// fpdf itself is not context-aware; the deadline is checked before the render
// and before the file write so an expired attempt stops here instead of
// leaving an orphan document.
func (g *Generator) Generate(ctx context.Context, report models.AuditReport) (Artifact, error) {
	if strings.TrimSpace(report.Email) == "" {
		return Artifact{}, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(report.ToolName) == "" {
		return Artifact{}, fmt.Errorf("%w: tool name is required", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	if err := os.MkdirAll(g.outputDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("%w: create output dir: %v", ErrRender, err)
	}

	now := g.now()
	filename := fmt.Sprintf("%s-audit-%d.pdf", SanitizeName(report.ToolName), now.UnixMilli())
	path := filepath.Join(g.outputDir, filename)

	doc := buildDocument(report, now)
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	if err := g.render(doc, path, now); err != nil {
		return Artifact{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: stat output: %v", ErrRender, err)
	}
	return Artifact{Path: path, Size: info.Size()}, nil
}

// document is the layout model. Rendering is a dumb walk over this struct,
// which keeps the section logic assertable without parsing PDF bytes.
type document struct {
	Title    string
	Subtitle string
	ToolLine string

	BleedLabel string
	BleedValue string

	BuildCostLabel string
	BuildCostRange string
	SavingsLine    string
	PaybackLine    string

	Sections []section

	Footer string
}

type section struct {
	Title string
	Items []string
}

func buildDocument(report models.AuditReport, now time.Time) document {
	doc := document{
		Title:    "SaaS Cost Audit",
		Subtitle: "What staying on the tool really costs you",
		ToolLine: fmt.Sprintf("%s - %s plan, team of %d", report.ToolName, report.PlanName, report.TeamSize),

		BleedLabel: "3-YEAR BLEED",
		BleedValue: FormatMoney(report.BleedAmount),

		BuildCostLabel: "BUILD IT INSTEAD",
		BuildCostRange: fmt.Sprintf("%s - %s", FormatMoney(report.BuildCostMin), FormatMoney(report.BuildCostMax)),
		SavingsLine:    fmt.Sprintf("Projected savings: %s", FormatMoney(report.SavingsAmount)),

		Footer: fmt.Sprintf("Generated %s", now.Format("Jan 2, 2006 15:04 MST")),
	}
	if report.PlanName == "" {
		doc.ToolLine = fmt.Sprintf("%s - team of %d", report.ToolName, report.TeamSize)
	}
	if report.PaybackMonths != nil {
		doc.PaybackLine = fmt.Sprintf("Pays for itself in %.0f months", *report.PaybackMonths)
	}

	if len(report.FeaturesKept) > 0 {
		doc.Sections = append(doc.Sections, section{
			Title: "FEATURES YOU KEEP",
			Items: featureLines(report.FeaturesKept, false),
		})
	}
	if len(report.FeaturesRemoved) > 0 {
		doc.Sections = append(doc.Sections, section{
			Title: "BLOAT YOU CUT",
			Items: featureLines(report.FeaturesRemoved, false),
		})
	}
	if len(report.FeaturesCustom) > 0 {
		doc.Sections = append(doc.Sections, section{
			Title: "CUSTOM FEATURES",
			Items: featureLines(report.FeaturesCustom, true),
		})
	}
	return doc
}

func featureLines(items []models.FeatureItem, withHours bool) []string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		line := item.Name
		if withHours && item.EstimatedHours > 0 {
			line = fmt.Sprintf("%s (~%.0f h)", item.Name, item.EstimatedHours)
		}
		lines = append(lines, line)
	}
	return lines
}

func (g *Generator) render(doc document, path string, now time.Time) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(now)
	pdf.SetTitle(doc.Title, false)
	pdf.SetMargins(18, 16, 18)
	pdf.AddPage()

	// Header: logo on both flanks when the asset exists.
	if g.logoPath != "" {
		if _, err := os.Stat(g.logoPath); err == nil {
			pdf.ImageOptions(g.logoPath, 18, 12, 20, 0, false, fpdf.ImageOptions{}, 0, "")
			pdf.ImageOptions(g.logoPath, 172, 12, 20, 0, false, fpdf.ImageOptions{}, 0, "")
		}
	}

	pdf.SetFont("Helvetica", "B", 24)
	pdf.CellFormat(0, 14, doc.Title, "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.SetTextColor(90, 90, 90)
	pdf.CellFormat(0, 6, doc.Subtitle, "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 8, doc.ToolLine, "", 1, "L", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.SetTextColor(180, 30, 30)
	pdf.CellFormat(0, 7, doc.BleedLabel, "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "B", 28)
	pdf.CellFormat(0, 14, doc.BleedValue, "", 1, "L", false, 0, "")
	pdf.Ln(3)

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 7, doc.BuildCostLabel, "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 12)
	pdf.CellFormat(0, 7, doc.BuildCostRange, "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 7, doc.SavingsLine, "", 1, "L", false, 0, "")
	if doc.PaybackLine != "" {
		pdf.CellFormat(0, 7, doc.PaybackLine, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	for _, sec := range doc.Sections {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 7, sec.Title, "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		for _, item := range sec.Items {
			pdf.CellFormat(0, 5, "- "+item, "", 1, "L", false, 0, "")
		}
		pdf.Ln(3)
	}

	pdf.SetY(-20)
	pdf.SetFont("Helvetica", "I", 8)
	pdf.SetTextColor(120, 120, 120)
	pdf.CellFormat(0, 5, doc.Footer, "", 1, "C", false, 0, "")

	if err := pdf.OutputFileAndClose(path); err != nil {
		return fmt.Errorf("%w: %v", ErrRender, err)
	}
	return nil
}

// FormatMoney renders a monetary figure with thousands separators. Currency
// localization is a presentation concern upstream.
func FormatMoney(v float64) string {
	return "$" + humanize.CommafWithDigits(v, 0)
}

// SanitizeName turns a tool name into a filesystem-safe slug.
func SanitizeName(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "report"
	}
	return slug
}
