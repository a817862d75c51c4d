package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestSafeExtract_NormalArchive(t *testing.T) {
	path := writeZip(t, map[string]string{
		"a.txt":        "hello",
		"dir/b.txt":    "world",
	})
	destDir := t.TempDir()

	require.NoError(t, SafeExtract(path, destDir))

	data, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	data, err = os.ReadFile(filepath.Join(destDir, "dir", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestSafeExtract_RejectsPathTraversal(t *testing.T) {
	path := writeZip(t, map[string]string{"../escape.txt": "malicious"})
	err := SafeExtract(path, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}

func TestSafeExtractPath_RejectsAbsolutePath(t *testing.T) {
	_, err := SafeExtractPath(t.TempDir(), "/etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute path")
}

func TestSafeExtractPath_RejectsLeadingBackslash(t *testing.T) {
	_, err := SafeExtractPath(t.TempDir(), `\windows\system32`)
	require.Error(t, err)
}

func TestSafeExtractPath_AllowsNormalRelativePath(t *testing.T) {
	destDir := t.TempDir()
	out, err := SafeExtractPath(destDir, "sub/file.txt")
	require.NoError(t, err)
	absDest, err := filepath.Abs(destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(absDest, "sub", "file.txt"), out)
}

func TestValidateEntry_RejectsOversizedEntry(t *testing.T) {
	f := &zip.File{FileHeader: zip.FileHeader{Name: "big.bin"}}
	f.UncompressedSize64 = MaxUncompressedEntrySize + 1
	err := validateEntry(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestValidateEntry_RejectsSuspiciousRatio(t *testing.T) {
	f := &zip.File{FileHeader: zip.FileHeader{Name: "bomb.bin"}}
	f.UncompressedSize64 = 10_000_000
	f.CompressedSize64 = 1000
	err := validateEntry(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compression ratio")
}

func TestLimitedReader_StopsAtLimit(t *testing.T) {
	r := &limitedReader{inner: bytes.NewReader([]byte("0123456789")), remaining: 5}
	buf := make([]byte, 10)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = r.Read(buf)
	require.Error(t, err)
}
