package failure

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/cosmix/loom/pkg/types"
)

// HandoffInput carries the state a context-exhausted session reports about
// itself so a fresh session can resume its stage without re-deriving
// context from scratch.
type HandoffInput struct {
	SessionID      string
	StageID        string
	Goals          string
	CompletedWork  []string
	NextSteps      []string
	ContextPercent float64
	At             time.Time
}

func mul(a, b float64) float64 { return a * b }

var handoffTmpl = template.Must(template.New("handoff").Funcs(template.FuncMap{"mul": mul}).Parse(`# Handoff: {{.StageID}}

session: {{.SessionID}}
context: {{printf "%.0f" (mul .ContextPercent 100)}}%
generated: {{.At.Format "2006-01-02T15:04:05Z07:00"}}

## Goals

{{.Goals}}

## Completed work

{{range .CompletedWork}}- {{.}}
{{end}}
## Next steps

{{range .NextSteps}}- {{.}}
{{end}}`))

// WriteHandoff renders a handoff markdown file at
// <work>/handoffs/<stage>/handoff-NNN.md, where NNN is the next unused
// sequence number for the stage, and returns its path.
func WriteHandoff(workDir string, in HandoffInput) (string, error) {
	dir := filepath.Join(workDir, "handoffs", in.StageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &types.FilesystemError{Op: "mkdir", Path: dir, Underlying: err}
	}

	seq, err := nextHandoffSeq(dir)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("handoff-%03d.md", seq))

	var buf bytes.Buffer
	if err := handoffTmpl.Execute(&buf, in); err != nil {
		return "", fmt.Errorf("render handoff for %s: %w", in.StageID, err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", &types.FilesystemError{Op: "write", Path: path, Underlying: err}
	}
	return path, nil
}

func nextHandoffSeq(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, &types.FilesystemError{Op: "readdir", Path: dir, Underlying: err}
	}
	return len(entries) + 1, nil
}
