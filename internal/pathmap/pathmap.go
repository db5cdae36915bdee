// Package pathmap routes downloads for particular sites into dedicated
// subdirectories based on keywords found in the source URL.
package pathmap

import (
	"path/filepath"
	"strings"
)

// Rule maps URLs containing Keyword to Subdir under the requested output path.
type Rule struct {
	Keyword string `mapstructure:"keyword"`
	Subdir  string `mapstructure:"subdir"`
}

// Mapper applies rules in order; the first match wins.
type Mapper struct {
	rules []Rule
}

// New builds a Mapper, dropping rules with an empty keyword or subdirectory.
func New(rules []Rule) *Mapper {
	kept := make([]Rule, 0, len(rules))
	for _, r := range rules {
		kw := strings.ToLower(strings.TrimSpace(r.Keyword))
		sub := strings.TrimSpace(r.Subdir)
		if kw == "" || sub == "" {
			continue
		}
		kept = append(kept, Rule{Keyword: kw, Subdir: sub})
	}
	return &Mapper{rules: kept}
}

// Resolve returns the effective output path for url. The result is always
// cleaned so equivalent spellings of one directory compare equal.
func (m *Mapper) Resolve(url, outputPath string) string {
	base := filepath.Clean(outputPath)
	if m == nil {
		return base
	}
	lowered := strings.ToLower(url)
	for _, r := range m.rules {
		if strings.Contains(lowered, r.Keyword) {
			return filepath.Join(base, r.Subdir)
		}
	}
	return base
}
