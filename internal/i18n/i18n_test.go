package i18n

import (
	"strings"
	"testing"
)

func TestLookupFallback(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := c.T("de", "signoff"); got != "Ihr Audit-Team" {
		t.Fatalf("german signoff: %q", got)
	}
	// Region subtag resolves to the base language.
	if got := c.T("de-AT", "signoff"); got != "Ihr Audit-Team" {
		t.Fatalf("de-AT should resolve to de, got %q", got)
	}
	// Unknown tags fall back to English.
	if got := c.T("fr", "signoff"); got != "The Audit Team" {
		t.Fatalf("fallback signoff: %q", got)
	}
	// Unknown keys come back verbatim rather than empty.
	if got := c.T("en", "no_such_key"); got != "no_such_key" {
		t.Fatalf("missing key: %q", got)
	}
}

func TestSubjectFormatting(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := c.T("en", "subject", "Notion")
	if !strings.Contains(got, "Notion") {
		t.Fatalf("subject missing tool name: %q", got)
	}
}
