package pdf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"audit-report-pipeline/internal/models"
)

func sampleReport() models.AuditReport {
	return models.AuditReport{
		ID:           "r-1",
		CustomerName: "Jordan",
		Email:        "jordan@example.com",
		ToolName:     "Notion",
		PlanName:     "Business",
		TeamSize:     12,
		FeaturesKept: []models.FeatureItem{
			{Name: "Docs"}, {Name: "Tasks"}, {Name: "Wiki"},
		},
		FeaturesRemoved: []models.FeatureItem{
			{Name: "AI Writer"}, {Name: "Calendar"},
		},
		BleedAmount:   45000,
		BuildCostMin:  3000,
		BuildCostMax:  4200,
		SavingsAmount: 40800,
	}
}

func TestBuildDocumentSections(t *testing.T) {
	doc := buildDocument(sampleReport(), time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if doc.BleedLabel != "3-YEAR BLEED" {
		t.Fatalf("bleed label: %q", doc.BleedLabel)
	}
	if doc.BleedValue != "$45,000" {
		t.Fatalf("bleed value: %q", doc.BleedValue)
	}
	if doc.BuildCostRange != "$3,000 - $4,200" {
		t.Fatalf("build cost range: %q", doc.BuildCostRange)
	}

	if len(doc.Sections) != 2 {
		t.Fatalf("expected 2 sections (no custom features), got %d", len(doc.Sections))
	}
	if doc.Sections[0].Title != "FEATURES YOU KEEP" || len(doc.Sections[0].Items) != 3 {
		t.Fatalf("kept section wrong: %+v", doc.Sections[0])
	}
	if doc.Sections[1].Title != "BLOAT YOU CUT" || len(doc.Sections[1].Items) != 2 {
		t.Fatalf("cut section wrong: %+v", doc.Sections[1])
	}
}

func TestBuildDocumentCustomFeaturesWithHours(t *testing.T) {
	report := sampleReport()
	report.FeaturesKept = nil
	report.FeaturesRemoved = nil
	report.FeaturesCustom = []models.FeatureItem{
		{Name: "SSO", EstimatedHours: 24},
		{Name: "Webhooks"},
	}
	payback := 14.0
	report.PaybackMonths = &payback

	doc := buildDocument(report, time.Now())

	if len(doc.Sections) != 1 || doc.Sections[0].Title != "CUSTOM FEATURES" {
		t.Fatalf("expected only the custom section, got %+v", doc.Sections)
	}
	if doc.Sections[0].Items[0] != "SSO (~24 h)" {
		t.Fatalf("hours missing from custom item: %q", doc.Sections[0].Items[0])
	}
	if doc.Sections[0].Items[1] != "Webhooks" {
		t.Fatalf("item without hours mangled: %q", doc.Sections[0].Items[1])
	}
	if doc.PaybackLine != "Pays for itself in 14 months" {
		t.Fatalf("payback line: %q", doc.PaybackLine)
	}
}

func TestGenerateWritesFile(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(dir, "")

	artifact, err := g.Generate(context.Background(), sampleReport())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if artifact.Size <= 0 {
		t.Fatalf("expected non-empty artifact, size=%d", artifact.Size)
	}

	base := filepath.Base(artifact.Path)
	if !strings.HasPrefix(base, "notion-audit-") || !strings.HasSuffix(base, ".pdf") {
		t.Fatalf("unexpected filename: %q", base)
	}
	info, err := os.Stat(artifact.Path)
	if err != nil {
		t.Fatalf("artifact missing on disk: %v", err)
	}
	if info.Size() != artifact.Size {
		t.Fatalf("reported size %d != on-disk size %d", artifact.Size, info.Size())
	}
}

func TestGenerateDeterministicLayout(t *testing.T) {
	// Same inputs produce the same section structure; byte size varies
	// only with the embedded timestamps.
	a := buildDocument(sampleReport(), time.Unix(1000, 0))
	b := buildDocument(sampleReport(), time.Unix(2000, 0))
	if len(a.Sections) != len(b.Sections) {
		t.Fatalf("section count varies: %d != %d", len(a.Sections), len(b.Sections))
	}
	if a.BleedValue != b.BleedValue || a.BuildCostRange != b.BuildCostRange {
		t.Fatal("financial figures vary across identical inputs")
	}
}

func TestGenerateValidation(t *testing.T) {
	g := NewGenerator(t.TempDir(), "")

	report := sampleReport()
	report.Email = ""
	if _, err := g.Generate(context.Background(), report); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty email, got %v", err)
	}

	report = sampleReport()
	report.ToolName = "  "
	if _, err := g.Generate(context.Background(), report); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank tool name, got %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"Notion":            "notion",
		"Monday.com Pro!":   "monday-com-pro",
		"  Air table  ":     "air-table",
		"///":               "report",
		"Salesforce (CRM)":  "salesforce-crm",
	}
	for input, want := range cases {
		if got := SanitizeName(input); got != want {
			t.Fatalf("SanitizeName(%q) = %q, want %q", input, got, want)
		}
	}
}
