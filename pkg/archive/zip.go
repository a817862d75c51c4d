// Package archive hardens zip extraction against zip-slip path escapes and
// zip-bomb resource exhaustion when unpacking an agent-produced deliverable
// archive into a stage worktree.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cosmix/loom/pkg/types"
)

// Size and ratio limits mirrored from the reference zip-hardening
// implementation this package is grounded on.
const (
	MaxUncompressedEntrySize = 100 * 1024 * 1024
	MaxCompressionRatio      = 100.0
	MaxTotalExtractedSize    = 500 * 1024 * 1024
)

// limitedReader caps how many bytes can be read from a single entry,
// catching an entry whose header lies about its own uncompressed size.
type limitedReader struct {
	inner     io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, fmt.Errorf("zip entry exceeds maximum allowed size during extraction - possible zip bomb")
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.inner.Read(p)
	l.remaining -= int64(n)
	return n, err
}

// validateEntry checks one zip entry's declared size and compression ratio
// before any bytes are extracted.
func validateEntry(f *zip.File) error {
	if f.UncompressedSize64 > MaxUncompressedEntrySize {
		return fmt.Errorf("zip entry %q too large: %d bytes (max %d)", f.Name, f.UncompressedSize64, uint64(MaxUncompressedEntrySize))
	}
	if f.CompressedSize64 > 0 {
		ratio := float64(f.UncompressedSize64) / float64(f.CompressedSize64)
		if ratio > MaxCompressionRatio {
			return fmt.Errorf("suspicious compression ratio in %q: %.1fx (max %.1fx) - possible zip bomb", f.Name, ratio, MaxCompressionRatio)
		}
	}
	return nil
}

// SafeExtractPath resolves a zip entry's name against destDir, rejecting
// "..", any leading path separator (a cross-platform stand-in for an
// absolute path, since an archive built on one OS may declare a path
// absolute under another's semantics), and any resolved path that
// would escape destDir.
func SafeExtractPath(destDir, entryName string) (string, error) {
	if strings.Contains(entryName, "..") {
		return "", fmt.Errorf("zip slip attack detected: path contains '..' component - %q", entryName)
	}
	if filepath.IsAbs(entryName) || strings.HasPrefix(entryName, "/") || strings.HasPrefix(entryName, "\\") {
		return "", fmt.Errorf("zip slip attack detected: absolute path in archive - %q", entryName)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", &types.FilesystemError{Op: "mkdir", Path: destDir, Underlying: err}
	}
	canonicalDest, err := filepath.Abs(destDir)
	if err != nil {
		return "", fmt.Errorf("resolve destination directory: %w", err)
	}

	resolved := filepath.Join(canonicalDest, entryName)
	if resolved != canonicalDest && !strings.HasPrefix(resolved, canonicalDest+string(filepath.Separator)) {
		return "", fmt.Errorf("zip slip attack detected: resolved path %q escapes destination directory %q", resolved, canonicalDest)
	}
	return resolved, nil
}

// SafeExtract validates every entry in a zip archive up front (size,
// compression ratio, path safety) before extracting anything, so a
// malicious archive fails fast with nothing written to destDir.
func SafeExtract(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer r.Close()

	var totalUncompressed uint64
	paths := make(map[string]string, len(r.File))
	for _, f := range r.File {
		if err := validateEntry(f); err != nil {
			return err
		}

		next := totalUncompressed + f.UncompressedSize64
		if next < totalUncompressed {
			return fmt.Errorf("total uncompressed size overflow - possible zip bomb")
		}
		totalUncompressed = next
		if totalUncompressed > MaxTotalExtractedSize {
			return fmt.Errorf("total uncompressed size %d exceeds maximum %d bytes - possible zip bomb", totalUncompressed, uint64(MaxTotalExtractedSize))
		}

		name := strings.TrimSpace(f.Name)
		if name == "" {
			continue
		}
		outPath, err := SafeExtractPath(destDir, name)
		if err != nil {
			return err
		}
		paths[f.Name] = outPath
	}

	for _, f := range r.File {
		outPath, ok := paths[f.Name]
		if !ok {
			continue
		}
		if strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return &types.FilesystemError{Op: "mkdir", Path: outPath, Underlying: err}
			}
			continue
		}
		if err := extractEntry(f, outPath); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return &types.FilesystemError{Op: "mkdir", Path: filepath.Dir(outPath), Underlying: err}
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &types.FilesystemError{Op: "create", Path: outPath, Underlying: err}
	}
	defer outFile.Close()

	limited := &limitedReader{inner: rc, remaining: MaxUncompressedEntrySize}
	if _, err := io.Copy(outFile, limited); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}
