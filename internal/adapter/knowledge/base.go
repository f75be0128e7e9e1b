// Package knowledge implements the retrieval-context port over a directory
// of YAML snippet files. Each file carries reference snippets tagged with
// keywords and target specialties; lookup is lexical, best matches first.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/concilium/concilium/internal/domain/delib"
	"github.com/concilium/concilium/internal/port/knowledge"
)

// snippetFile is the on-disk document format.
type snippetFile struct {
	Snippets []Snippet `yaml:"snippets"`
}

// Snippet is one reference entry. Empty Specialties means the snippet
// applies to every specialty.
type Snippet struct {
	Title       string   `yaml:"title"`
	Keywords    []string `yaml:"keywords"`
	Specialties []string `yaml:"specialties"`
	Text        string   `yaml:"text"`
}

// Base serves snippets loaded once at construction. Lookups are pure reads
// and safe for concurrent use.
type Base struct {
	log      *slog.Logger
	maxChars int
	snippets []Snippet
}

var _ knowledge.Source = (*Base)(nil)

// New loads every .yaml/.yml file under dir. A missing directory yields an
// empty base rather than an error, matching a deployment without reference
// material.
func New(dir string, maxContextChars int, log *slog.Logger) (*Base, error) {
	b := &Base{log: log, maxChars: maxContextChars}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("knowledge directory missing, retrieval disabled", "dir", dir)
			return b, nil
		}
		return nil, fmt.Errorf("read knowledge dir: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read snippet file %s: %w", name, err)
		}
		var f snippetFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse snippet file %s: %w", name, err)
		}
		b.snippets = append(b.snippets, f.Snippets...)
	}

	log.Info("knowledge base loaded", "dir", dir, "snippets", len(b.snippets))
	return b, nil
}

// Context returns the snippets most relevant to the case for the given
// specialty, joined and truncated to the configured character limit.
func (b *Base) Context(_ context.Context, c delib.CaseInfo, specialty string) (string, error) {
	caseText := joinCase(c)

	type scored struct {
		s    Snippet
		hits int
	}
	var matched []scored
	for _, s := range b.snippets {
		if !appliesTo(s, specialty) {
			continue
		}
		hits := 0
		for _, kw := range s.Keywords {
			if kw != "" && strings.Contains(caseText, kw) {
				hits++
			}
		}
		if hits > 0 {
			matched = append(matched, scored{s: s, hits: hits})
		}
	}
	if len(matched) == 0 {
		return "", nil
	}

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].hits > matched[j].hits })

	var sb strings.Builder
	for _, m := range matched {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		if m.s.Title != "" {
			sb.WriteString("【" + m.s.Title + "】\n")
		}
		sb.WriteString(strings.TrimSpace(m.s.Text))
	}
	return truncate(sb.String(), b.maxChars), nil
}

func appliesTo(s Snippet, specialty string) bool {
	if len(s.Specialties) == 0 {
		return true
	}
	for _, sp := range s.Specialties {
		if sp == specialty {
			return true
		}
	}
	return false
}

func joinCase(c delib.CaseInfo) string {
	parts := make([]string, 0, len(c))
	for _, v := range c {
		parts = append(parts, v)
	}
	return strings.Join(parts, "\n")
}

// truncate cuts at a rune boundary so multi-byte text is never split.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
