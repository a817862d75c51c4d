// Package knowledge manages the append-only curated knowledge files under a
// project's documentation path, and the per-session memory journals that
// feed them via promotion.
package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cosmix/loom/pkg/types"
)

// Section names for the fixed set of knowledge files loom maintains.
const (
	SectionEntryPoints  = "entry-points"
	SectionPatterns     = "patterns"
	SectionConventions  = "conventions"
	SectionMistakes     = "mistakes"
	SectionStack        = "stack"
	SectionArchitecture = "architecture"
	SectionConcerns     = "concerns"
)

// AllSections lists every knowledge section loom initialises.
var AllSections = []string{
	SectionEntryPoints, SectionPatterns, SectionConventions,
	SectionMistakes, SectionStack, SectionArchitecture, SectionConcerns,
}

const (
	defaultLineBudget        = 500
	defaultPromotionBudget   = 20
	summaryBulletsPerSection = 5
)

var (
	h2Re            = regexp.MustCompile(`(?m)^##\s+(.+)$`)
	bulletRe        = regexp.MustCompile(`(?m)^-\s+(.+)$`)
	promotedBlockRe = regexp.MustCompile(`(?m)^(?:- )?> Promoted from Memory`)
)

// Store manages knowledge files under <project>/doc/loom/knowledge/.
type Store struct {
	dir string
}

// New returns a Store rooted at <projectDir>/doc/loom/knowledge, creating the
// directory and initialising every section file if absent.
func New(projectDir string) (*Store, error) {
	dir := filepath.Join(projectDir, "doc", "loom", "knowledge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &types.FilesystemError{Op: "mkdir", Path: dir, Underlying: err}
	}
	s := &Store{dir: dir}
	for _, section := range AllSections {
		if err := s.ensureInitialized(section); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) path(section string) string {
	return filepath.Join(s.dir, section+".md")
}

func (s *Store) ensureInitialized(section string) error {
	path := s.path(section)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	header := fmt.Sprintf("# %s\n\n## General\n\n- (no entries yet)\n", titleCase(section))
	if err := os.WriteFile(path, []byte(header), 0o644); err != nil {
		return &types.FilesystemError{Op: "write", Path: path, Underlying: err}
	}
	return nil
}

func titleCase(s string) string {
	parts := strings.Split(s, "-")
	for i, p := range parts {
		if len(p) > 0 {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

// Append adds a new bullet under the given level-2 header in a knowledge
// section, creating the header if it does not yet exist. Knowledge files are
// append-only: existing content is never rewritten in place.
func (s *Store) Append(section, header, entry string) error {
	path := s.path(section)
	data, err := os.ReadFile(path)
	if err != nil {
		return &types.FilesystemError{Op: "read", Path: path, Underlying: err}
	}

	text := string(data)
	headerMarker := "## " + header
	if !strings.Contains(text, headerMarker) {
		text += fmt.Sprintf("\n%s\n\n- %s\n", headerMarker, entry)
	} else {
		lines := strings.Split(text, "\n")
		insertAt := -1
		for i, l := range lines {
			if strings.TrimSpace(l) == headerMarker {
				insertAt = i + 1
				for insertAt < len(lines) && strings.TrimSpace(lines[insertAt]) == "" {
					insertAt++
				}
				for insertAt < len(lines) && strings.HasPrefix(lines[insertAt], "-") {
					insertAt++
				}
				break
			}
		}
		if insertAt == -1 {
			text += fmt.Sprintf("\n- %s\n", entry)
		} else {
			newLines := make([]string, 0, len(lines)+1)
			newLines = append(newLines, lines[:insertAt]...)
			newLines = append(newLines, "- "+entry)
			newLines = append(newLines, lines[insertAt:]...)
			text = strings.Join(newLines, "\n")
		}
	}

	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return &types.FilesystemError{Op: "write", Path: path, Underlying: err}
	}
	return nil
}

// GCReport flags issues found in one knowledge file.
type GCReport struct {
	Section          string
	ExceedsLineBudget bool
	LineCount         int
	DuplicateHeaders  []string
	PromotionOverflow bool
	PromotionCount    int
}

// Analyze runs the GC analysis pass over every knowledge section: flags
// files exceeding the line budget, containing duplicate level-2 headers, or
// holding more "Promoted from Memory" blocks than the promotion budget.
func (s *Store) Analyze() ([]GCReport, error) {
	var reports []GCReport
	for _, section := range AllSections {
		data, err := os.ReadFile(s.path(section))
		if err != nil {
			return nil, &types.FilesystemError{Op: "read", Path: s.path(section), Underlying: err}
		}
		text := string(data)
		lines := strings.Split(text, "\n")

		seen := make(map[string]bool)
		var dupes []string
		for _, m := range h2Re.FindAllStringSubmatch(text, -1) {
			h := m[1]
			if seen[h] {
				dupes = append(dupes, h)
			}
			seen[h] = true
		}

		promotions := len(promotedBlockRe.FindAllString(text, -1))

		reports = append(reports, GCReport{
			Section:           section,
			ExceedsLineBudget: len(lines) > defaultLineBudget,
			LineCount:         len(lines),
			DuplicateHeaders:  dupes,
			PromotionOverflow: promotions > defaultPromotionBudget,
			PromotionCount:    promotions,
		})
	}
	return reports, nil
}

// Summarize extracts, per section, the first bullet under each level-2
// header, capped at summaryBulletsPerSection per section.
func (s *Store) Summarize() (map[string][]string, error) {
	summary := make(map[string][]string, len(AllSections))
	for _, section := range AllSections {
		data, err := os.ReadFile(s.path(section))
		if err != nil {
			return nil, &types.FilesystemError{Op: "read", Path: s.path(section), Underlying: err}
		}
		var out []string
		taken := true // bullets before the first level-2 header are not summarized
		for _, line := range strings.Split(string(data), "\n") {
			if h2Re.MatchString(line) {
				taken = false
				continue
			}
			if taken {
				continue
			}
			if m := bulletRe.FindStringSubmatch(line); m != nil {
				out = append(out, m[1])
				taken = true
				if len(out) >= summaryBulletsPerSection {
					break
				}
			}
		}
		summary[section] = out
	}
	return summary, nil
}
