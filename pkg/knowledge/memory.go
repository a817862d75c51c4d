package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cosmix/loom/pkg/types"
)

// MemoryStore manages per-session append-only memory journals under
// <work>/memory/<session>.md.
type MemoryStore struct {
	dir string
}

// NewMemoryStore returns a MemoryStore rooted at <workDir>/memory.
func NewMemoryStore(workDir string) (*MemoryStore, error) {
	dir := filepath.Join(workDir, "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &types.FilesystemError{Op: "mkdir", Path: dir, Underlying: err}
	}
	return &MemoryStore{dir: dir}, nil
}

func (m *MemoryStore) path(sessionID string) string {
	return filepath.Join(m.dir, sessionID+".md")
}

var entryLineRe = regexp.MustCompile(`^- \[(\w+)\] (\S+) (.*)$`)

// Append adds one entry to a session's memory journal.
func (m *MemoryStore) Append(sessionID string, entry types.MemoryEntry) error {
	path := m.path(sessionID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &types.FilesystemError{Op: "open", Path: path, Underlying: err}
	}
	defer f.Close()

	line := formatEntry(entry)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return &types.FilesystemError{Op: "write", Path: path, Underlying: err}
	}
	return nil
}

func formatEntry(e types.MemoryEntry) string {
	content := e.Content
	if e.Context != "" {
		content = content + " (" + e.Context + ")"
	}
	return fmt.Sprintf("- [%s] %s %s", e.Kind, e.Timestamp.UTC().Format(time.RFC3339), content)
}

// Read returns every entry in a session's journal, in append order.
func (m *MemoryStore) Read(sessionID string) ([]types.MemoryEntry, error) {
	data, err := os.ReadFile(m.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &types.FilesystemError{Op: "read", Path: m.path(sessionID), Underlying: err}
	}
	return parseEntries(string(data)), nil
}

func parseEntries(text string) []types.MemoryEntry {
	var entries []types.MemoryEntry
	for _, line := range strings.Split(text, "\n") {
		m := entryLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, m[2])
		entries = append(entries, types.MemoryEntry{
			Kind:      types.MemoryEntryKind(m[1]),
			Timestamp: ts,
			Content:   m[3],
		})
	}
	return entries
}

// Promote moves every entry of the given kind from a session's journal into
// a knowledge section, appending a formatted "Promoted from Memory" block
// and removing those entries from the journal.
func (m *MemoryStore) Promote(sessionID string, kind types.MemoryEntryKind, store *Store, section, header string) (int, error) {
	entries, err := m.Read(sessionID)
	if err != nil {
		return 0, err
	}

	var remaining []types.MemoryEntry
	var promoted []types.MemoryEntry
	for _, e := range entries {
		if e.Kind == kind {
			promoted = append(promoted, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	if len(promoted) == 0 {
		return 0, nil
	}

	var block strings.Builder
	block.WriteString("> Promoted from Memory (" + sessionID + ", " + strconv.Itoa(len(promoted)) + " entries)\n")
	for _, e := range promoted {
		block.WriteString("- " + e.Content + "\n")
	}
	if err := store.Append(section, header, strings.TrimSuffix(block.String(), "\n")); err != nil {
		return 0, err
	}

	path := m.path(sessionID)
	var rewritten strings.Builder
	for _, e := range remaining {
		rewritten.WriteString(formatEntry(e))
		rewritten.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(rewritten.String()), 0o644); err != nil {
		return 0, &types.FilesystemError{Op: "write", Path: path, Underlying: err}
	}
	return len(promoted), nil
}
