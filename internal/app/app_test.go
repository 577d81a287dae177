package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/romfetch/internal/config"
	"github.com/xxxsen/romfetch/internal/db"
	"github.com/xxxsen/romfetch/internal/listing"
)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	root := t.TempDir()
	env, err := OpenEnv(&config.Config{
		Database: filepath.Join(t.TempDir(), "catalog.db"),
		RomRoot:  root,
		Systems: []config.SystemConfig{
			{Key: "gb", Label: "Game Boy", Source: "mirror", DestDir: filepath.Join(root, "gb")},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func putFile(t *testing.T, env *Env, name, body string) string {
	t.Helper()
	p := filepath.Join(env.Config.Systems[0].DestDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	require.NoError(t, env.Locals.Upsert(context.Background(), db.LocalFile{
		LocalPath: p, System: "gb", Filename: name, Size: int64(len(body)),
	}, db.OriginDownload))
	return p
}

func TestRunnersAreRegistered(t *testing.T) {
	assert.Equal(t, []string{"dedupe", "download", "maintain-db", "status", "sync", "verify"}, RunnerList())
	for _, name := range RunnerList() {
		assert.Equal(t, name, MustResolveRunner(name).Name())
	}
}

func TestDedupeRemovesSupersededVariants(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	usa := putFile(t, env, "Foo (USA).gb", "us")
	jp := putFile(t, env, "Foo (Japan).gb", "jp")

	c := NewDedupeCommand()
	c.fix = true
	require.NoError(t, c.PreRun(ctx, env))
	require.NoError(t, c.Run(ctx))

	assert.FileExists(t, usa)
	assert.NoFileExists(t, jp)
	rec, err := env.Locals.GetByPath(ctx, jp)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestVerifyReportsMissingAndChangedFiles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	good := putFile(t, env, "Good.gb", "abc")
	bad := putFile(t, env, "Bad.gb", "abc")
	require.NoError(t, env.Locals.MarkVerified(ctx, bad, "deadbeef", "", 1))
	missing := putFile(t, env, "Missing.gb", "x")
	require.NoError(t, os.Remove(missing))

	c := NewVerifyCommand()
	c.output = filepath.Join(t.TempDir(), "verify.json")
	require.NoError(t, c.PreRun(ctx, env))
	require.NoError(t, c.Run(ctx))

	data, err := os.ReadFile(c.output)
	require.NoError(t, err)
	var out VerifyOutput
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, 3, out.Checked)
	assert.Equal(t, 1, out.Verified)
	require.Len(t, out.CaseList, 2)
	reasons := map[string][]string{}
	for _, cs := range out.CaseList {
		reasons[cs.Path] = cs.Reason
	}
	assert.Equal(t, []string{"sha1 mismatch"}, reasons[bad])
	assert.Equal(t, []string{"file missing"}, reasons[missing])

	rec, err := env.Locals.GetByPath(ctx, good)
	require.NoError(t, err)
	assert.NotZero(t, rec.VerifiedAt)
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", rec.SHA1)
}

func TestMaintainDBDropsRowsForMissingFiles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	kept := putFile(t, env, "Kept.gb", "k")
	gonePath := putFile(t, env, "Gone.gb", "g")
	require.NoError(t, os.Remove(gonePath))
	require.NoError(t, env.Hashes.Upsert(ctx, gonePath, 1, 1, db.FileHash{SHA1: "x"}))

	c := NewMaintainDBCommand()
	require.NoError(t, c.PreRun(ctx, env))
	require.NoError(t, c.Run(ctx))
	rec, err := env.Locals.GetByPath(ctx, gonePath)
	require.NoError(t, err)
	assert.NotNil(t, rec, "dryrun keeps rows")

	c.dryRun = false
	require.NoError(t, c.Run(ctx))
	rec, err = env.Locals.GetByPath(ctx, gonePath)
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = env.Locals.GetByPath(ctx, kept)
	require.NoError(t, err)
	assert.NotNil(t, rec)
	locs, err := env.Hashes.ListLocations(ctx)
	require.NoError(t, err)
	assert.Empty(t, locs)
}

func TestStatusCollect(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	putFile(t, env, "Foo.gb", "f")
	_, err := env.Catalog.UpsertEntries(ctx, "gb", "mirror", []listing.Entry{{Filename: "Foo.gb"}, {Filename: "Bar.gb"}})
	require.NoError(t, err)
	require.NoError(t, env.States.Upsert(ctx, db.SyncState{System: "gb", Source: "mirror", RemoteCount: 2}))

	c := NewStatusCommand()
	require.NoError(t, c.PreRun(ctx, env))
	got, err := c.collect(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].CatalogCount)
	assert.Equal(t, 1, got[0].LocalCount)
	require.NotNil(t, got[0].State)
	assert.Equal(t, db.SyncStatusSynced, got[0].State.Status)
}
