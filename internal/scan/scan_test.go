package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/romfetch/internal/config"
	"github.com/xxxsen/romfetch/internal/db"
)

type fakeCache map[string]db.FileHash

func (c fakeCache) Lookup(_ context.Context, location string, _, _ int64) (db.FileHash, bool, error) {
	h, ok := c[location]
	return h, ok, nil
}

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestSystemResolver(t *testing.T) {
	r := NewSystemResolver([]config.SystemConfig{
		{Key: "gb", LocalDir: "Nintendo - Game Boy"},
		{Key: "PSX", LocalDir: "psx"},
	})
	assert.Equal(t, "gb", r.Resolve("Nintendo - Game Boy"))
	assert.Equal(t, "gb", r.Resolve("GB"))
	assert.Equal(t, "PSX", r.Resolve("psx"))
	assert.Equal(t, "snes", r.Resolve("snes"))
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "Nintendo - Game Boy", "Foo (USA).gb"), "abc")
	write(t, filepath.Join(root, "Nintendo - Game Boy", "sub", "Bar.gb"), "xyz")
	write(t, filepath.Join(root, "Nintendo - Game Boy", "Baz.gb.part"), "partial")
	write(t, filepath.Join(root, "Nintendo - Game Boy", ".hidden"), "h")
	write(t, filepath.Join(root, ".cache", "x.gb"), "h")
	write(t, filepath.Join(root, "loose.txt"), "l")
	write(t, filepath.Join(root, "SNES", "Qux.sfc"), "q")

	cachedPath := filepath.Join(root, "SNES", "Qux.sfc")
	s := &Scanner{
		Resolver: NewSystemResolver([]config.SystemConfig{{Key: "gb", LocalDir: "Nintendo - Game Boy"}, {Key: "snes"}}),
		Hash:     true,
		Cache:    fakeCache{cachedPath: {SHA1: "cached", CRC32: "cafebabe"}},
	}
	m, err := s.Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, m.Files, 3)

	byName := make(map[string]File)
	for _, f := range m.Files {
		byName[f.Filename] = f
	}
	foo := byName["Foo (USA).gb"]
	assert.Equal(t, "gb", foo.System)
	assert.Equal(t, int64(3), foo.Size)
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", foo.SHA1)
	assert.Equal(t, "352441c2", foo.CRC32)
	assert.False(t, foo.HashCached)

	assert.Equal(t, "gb", byName["Bar.gb"].System)

	qux := byName["Qux.sfc"]
	assert.Equal(t, "snes", qux.System)
	assert.True(t, qux.HashCached)
	assert.Equal(t, "cached", qux.SHA1)

	paths := m.Paths()
	assert.Contains(t, paths, cachedPath)
	assert.Len(t, m.LocalFiles(), 3)
}
