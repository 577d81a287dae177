package extract

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestExtractZipWithGlobs(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "Game (USA).zip")
	makeZip(t, archive, map[string]string{
		"Game (USA).gb": "rom",
		"readme.txt":    "hello",
	})

	e := &Extractor{Globs: []string{"*.GB"}}
	require.NoError(t, e.Validate())
	res, err := e.Extract(context.Background(), archive, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "Game (USA).gb")}, res.Files)
	assert.Equal(t, int64(3), res.Bytes)
	assert.NoFileExists(t, archive)
	assert.NoFileExists(t, filepath.Join(dir, "readme.txt"))
	assert.True(t, HasExtractedSibling(dir, "Game (USA).zip"))
}

func TestExtractKeepsArchiveOnFailure(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "Bad.zip")
	makeZip(t, archive, map[string]string{
		"ok.bin":        "fine",
		"../escape.bin": "nope",
	})

	_, err := (&Extractor{}).Extract(context.Background(), archive, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.FileExists(t, archive)
	assert.NoFileExists(t, filepath.Join(dir, "escape.bin"))
	assert.NoFileExists(t, filepath.Join(dir, "out", "ok.bin"))
}

func TestExtractFailureKeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(out, 0o755))
	existing := filepath.Join(out, "ok.bin")
	require.NoError(t, os.WriteFile(existing, []byte("mine"), 0o644))
	archive := filepath.Join(dir, "Bad.zip")
	makeZip(t, archive, map[string]string{
		"ok.bin":        "theirs",
		"../escape.bin": "nope",
	})

	_, err := (&Extractor{}).Extract(context.Background(), archive, out)
	require.Error(t, err)
	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "mine", string(data))
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files are left behind")
	assert.Equal(t, "ok.bin", entries[0].Name())
	assert.FileExists(t, archive)
}

func TestExtractOverwritesExistingOnSuccess(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "ok.bin")
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0o644))
	archive := filepath.Join(dir, "Good.zip")
	makeZip(t, archive, map[string]string{"ok.bin": "new"})

	res, err := (&Extractor{}).Extract(context.Background(), archive, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{existing}, res.Files)
	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.NoFileExists(t, archive)
}

func TestExtractCorruptArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "Broken.zip")
	require.NoError(t, os.WriteFile(archive, []byte("not a zip"), 0o644))
	_, err := (&Extractor{}).Extract(context.Background(), archive, dir)
	require.Error(t, err)
	assert.FileExists(t, archive)
}

func TestExtractNoMatchingMembers(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "Game.zip")
	makeZip(t, archive, map[string]string{"readme.txt": "x"})
	_, err := (&Extractor{Globs: []string{"*.gba"}}).Extract(context.Background(), archive, dir)
	assert.ErrorIs(t, err, ErrNoMembers)
	assert.FileExists(t, archive)
}

func TestIsArchiveAndSibling(t *testing.T) {
	assert.True(t, IsArchive("a.ZIP"))
	assert.True(t, IsArchive("a.7z"))
	assert.True(t, IsArchive("a.rar"))
	assert.False(t, IsArchive("a.gb"))

	dir := t.TempDir()
	assert.False(t, HasExtractedSibling(dir, "Game.zip"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Game.zip"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Game.7z"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Other.gb"), nil, 0o644))
	assert.False(t, HasExtractedSibling(dir, "Game.zip"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Game.cue"), nil, 0o644))
	assert.True(t, HasExtractedSibling(dir, "Game.zip"))

	assert.Error(t, (&Extractor{Globs: []string{"["}}).Validate())
}
