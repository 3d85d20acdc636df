package i18n

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFiles embed.FS

const fallbackLanguage = "en"

// Catalog holds flat key-to-string tables per language tag. Tags are
// pre-resolved upstream; lookup only normalizes and falls back to English.
type Catalog struct {
	tables map[string]map[string]string
}

// Load parses all embedded locale files.
func Load() (*Catalog, error) {
	entries, err := localeFiles.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("read locales dir: %w", err)
	}

	tables := make(map[string]map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFiles.ReadFile("locales/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read locale %s: %w", e.Name(), err)
		}
		var table map[string]string
		if err := yaml.Unmarshal(data, &table); err != nil {
			return nil, fmt.Errorf("parse locale %s: %w", e.Name(), err)
		}
		lang := strings.TrimSuffix(e.Name(), ".yaml")
		tables[lang] = table
	}

	if _, ok := tables[fallbackLanguage]; !ok {
		return nil, fmt.Errorf("fallback locale %q missing", fallbackLanguage)
	}
	return &Catalog{tables: tables}, nil
}

// Lookup returns the table for a language tag, falling back to English for
// unknown tags. Region subtags are stripped ("de-AT" resolves to "de").
func (c *Catalog) Lookup(lang string) map[string]string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if table, ok := c.tables[lang]; ok {
		return table
	}
	if base, _, found := strings.Cut(lang, "-"); found {
		if table, ok := c.tables[base]; ok {
			return table
		}
	}
	return c.tables[fallbackLanguage]
}

// T resolves one key for a language, formatting any arguments into the
// localized string.
func (c *Catalog) T(lang, key string, args ...any) string {
	table := c.Lookup(lang)
	s, ok := table[key]
	if !ok {
		s, ok = c.tables[fallbackLanguage][key]
		if !ok {
			return key
		}
	}
	if len(args) == 0 {
		return s
	}
	return fmt.Sprintf(s, args...)
}
