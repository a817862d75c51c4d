// Package plan parses a loom plan document into a validated Plan.
package plan

import (
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cosmix/loom/pkg/types"
)

var (
	headingRe = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	// metadataRe matches an HTML-comment-delimited block containing a fenced
	// yaml sub-block, e.g.:
	//   <!--
	//   ```yaml
	//   loom:
	//     version: 1
	//   ```
	//   -->
	metadataRe = regexp.MustCompile(`(?s)<!--\s*` + "```yaml" + `\s*(.*?)\s*` + "```" + `\s*-->`)
)

type metadataDoc struct {
	Loom struct {
		Version int                    `yaml:"version"`
		Stages  []types.StageDefinition `yaml:"stages"`
	} `yaml:"loom"`
}

// Parse reads a plan document's contents and produces a validated Plan. On
// any violation it returns a *types.PlanValidationError enumerating every
// problem found — parsing never stops at the first offence.
func Parse(sourcePath string, contents []byte) (*types.Plan, error) {
	text := string(contents)
	verr := &types.PlanValidationError{Path: sourcePath}

	name := extractHeading(text)
	if name == "" {
		verr.Add("missing level-1 heading for plan title")
	}

	meta, ok := extractMetadata(text)
	if !ok {
		verr.Add("missing HTML-comment-delimited YAML metadata block")
		return nil, finish(verr)
	}

	var doc metadataDoc
	if err := yaml.Unmarshal([]byte(meta), &doc); err != nil {
		verr.Add("malformed metadata YAML: %v", err)
		return nil, finish(verr)
	}

	if doc.Loom.Version != 1 {
		verr.Add("unsupported loom.version %d (expected 1)", doc.Loom.Version)
	}
	if len(doc.Loom.Stages) == 0 {
		verr.Add("no stages defined")
	}

	validateStages(doc.Loom.Stages, verr)

	if verr.HasViolations() {
		return nil, finish(verr)
	}

	id := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	return &types.Plan{
		ID:         id,
		Name:       name,
		SourcePath: sourcePath,
		Stages:     doc.Loom.Stages,
	}, nil
}

func finish(verr *types.PlanValidationError) error {
	if verr.HasViolations() {
		return verr
	}
	return nil
}

func validateStages(stages []types.StageDefinition, verr *types.PlanValidationError) {
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if s.ID == "" {
			verr.Add("stage with empty id")
			continue
		}
		if seen[s.ID] {
			verr.Add("duplicate stage id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Name == "" {
			verr.Add("stage %q: empty name", s.ID)
		}
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				verr.Add("stage %q: self-dependency", s.ID)
			}
		}
	}
	for _, s := range stages {
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				verr.Add("stage %q: dependency %q does not refer to a declared stage", s.ID, dep)
			}
		}
	}
}

func extractHeading(text string) string {
	m := headingRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	title := strings.TrimSpace(m[1])
	title = strings.TrimPrefix(title, "PLAN:")
	return strings.TrimSpace(title)
}

func extractMetadata(text string) (string, bool) {
	m := metadataRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}
