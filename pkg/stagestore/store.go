// Package stagestore persists Stage records as markdown files with a YAML
// frontmatter block under <work>/stages/<id>.md. The frontmatter is the
// authoritative state; the markdown body is human-readable context that
// loom never parses.
package stagestore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cosmix/loom/pkg/types"
)

const frontmatterDelim = "---"

// Store is a single-writer, file-based repository of Stage records. Only the
// orchestrator is expected to call Save; other components should treat
// results from Load/ListAll as read-only snapshots.
type Store struct {
	dir string
}

// New returns a Store rooted at <work>/stages, creating the directory if
// necessary.
func New(workDir string) (*Store, error) {
	dir := filepath.Join(workDir, "stages")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &types.FilesystemError{Op: "mkdir", Path: dir, Underlying: err}
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, id+".md")
}

// Load reads and parses the stage file for id.
func (s *Store) Load(id string) (*types.Stage, error) {
	path := s.pathFor(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &types.StageNotFound{StageID: id}
		}
		return nil, &types.FilesystemError{Op: "read", Path: path, Underlying: err}
	}
	return parseStageFile(data)
}

// Save atomically writes stage to its file: write a temp file in the same
// directory, then rename over the destination.
func (s *Store) Save(stage *types.Stage, body string) error {
	path := s.pathFor(stage.ID)

	fm, err := yaml.Marshal(stage)
	if err != nil {
		return fmt.Errorf("marshal stage %s: %w", stage.ID, err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim)
	buf.WriteByte('\n')
	buf.Write(fm)
	buf.WriteString(frontmatterDelim)
	buf.WriteByte('\n')
	if body != "" {
		buf.WriteByte('\n')
		buf.WriteString(body)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+stage.ID+"-*")
	if err != nil {
		return &types.FilesystemError{Op: "create temp", Path: s.dir, Underlying: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return &types.FilesystemError{Op: "write", Path: tmpPath, Underlying: err}
	}
	if err := tmp.Close(); err != nil {
		return &types.FilesystemError{Op: "close", Path: tmpPath, Underlying: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &types.FilesystemError{Op: "rename", Path: path, Underlying: err}
	}
	return nil
}

// ListAll scans the stages directory for *.md files and returns every stage
// it can parse, sorted by id.
func (s *Store) ListAll() ([]*types.Stage, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &types.FilesystemError{Op: "readdir", Path: s.dir, Underlying: err}
	}

	var stages []*types.Stage
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, &types.FilesystemError{Op: "read", Path: e.Name(), Underlying: err}
		}
		stage, err := parseStageFile(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		stages = append(stages, stage)
	}

	sort.Slice(stages, func(i, j int) bool { return stages[i].ID < stages[j].ID })
	return stages, nil
}

func parseStageFile(data []byte) (*types.Stage, error) {
	text := string(data)
	if !strings.HasPrefix(text, frontmatterDelim) {
		return nil, fmt.Errorf("stage file missing frontmatter delimiter")
	}
	rest := text[len(frontmatterDelim):]
	end := strings.Index(rest, "\n"+frontmatterDelim)
	if end < 0 {
		return nil, fmt.Errorf("stage file missing closing frontmatter delimiter")
	}
	fm := rest[:end]

	var stage types.Stage
	if err := yaml.Unmarshal([]byte(fm), &stage); err != nil {
		return nil, fmt.Errorf("unmarshal frontmatter: %w", err)
	}
	return &stage, nil
}
