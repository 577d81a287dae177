// Package catalogsync refreshes the remote catalog and the local file records
// in one pass.
//
// The remote sync and the filesystem scan run in parallel; the scan only
// builds a manifest. Writing the manifest and pruning local rows happen
// afterwards, sequentially, so the two phases never write concurrently.
package catalogsync

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/romfetch/internal/config"
	"github.com/xxxsen/romfetch/internal/db"
	"github.com/xxxsen/romfetch/internal/listing"
	"github.com/xxxsen/romfetch/internal/retry"
	"github.com/xxxsen/romfetch/internal/scan"
	"github.com/xxxsen/romfetch/internal/source"
)

// Deps are the store handles and sources the reconciler works with.
type Deps struct {
	Sources  map[string]source.Source
	Catalog  *db.CatalogDAO
	Locals   *db.LocalFileDAO
	States   *db.SyncStateDAO
	Hashes   *db.HashCacheDAO
	Resolver *scan.SystemResolver
}

// Options select what a run covers.
type Options struct {
	Systems []config.SystemConfig
	// Root is the local ROM tree to scan. Empty skips the local phases.
	Root string
	// Force ignores an unchanged remote fingerprint.
	Force bool
	// Hash computes sha1/crc32 for scanned files.
	Hash bool
	// Retry bounds listing attempts per system; the zero value tries once.
	Retry retry.Policy
}

// SystemResult is the outcome of the remote sync of one system.
type SystemResult struct {
	System    string        `json:"system"`
	Source    string        `json:"source"`
	Status    db.SyncStatus `json:"status"`
	Unchanged bool          `json:"unchanged"`
	Count     int           `json:"count"`
	Pruned    int           `json:"pruned"`
	Error     string        `json:"error,omitempty"`
}

// Report summarises a run.
type Report struct {
	Systems      []SystemResult `json:"systems"`
	Scanned      int            `json:"scanned"`
	LocalPruned  int            `json:"local_pruned"`
	HashesCached int            `json:"hashes_cached"`
	Elapsed      time.Duration  `json:"elapsed"`
}

// Failed counts systems whose remote sync failed.
func (r *Report) Failed() int {
	n := 0
	for _, s := range r.Systems {
		if s.Status == db.SyncStatusError {
			n++
		}
	}
	return n
}

type Reconciler struct {
	deps Deps
}

func New(deps Deps) *Reconciler {
	return &Reconciler{deps: deps}
}

// Run syncs every system and reconciles the scan of opts.Root. A failing
// remote is recorded in its SyncState and in the report; a store failure
// aborts the run.
func (r *Reconciler) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	logger := logutil.GetLogger(ctx)
	report := &Report{}

	var manifest *scan.Manifest
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results, err := r.syncRemote(gctx, opts)
		report.Systems = results
		return err
	})
	if opts.Root != "" {
		g.Go(func() error {
			scanner := &scan.Scanner{Resolver: r.deps.Resolver, Hash: opts.Hash}
			if r.deps.Hashes != nil {
				scanner.Cache = r.deps.Hashes
			}
			m, err := scanner.Scan(gctx, opts.Root)
			if err != nil {
				return err
			}
			manifest = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if manifest != nil {
		if err := r.reconcileLocal(ctx, manifest, report); err != nil {
			return nil, err
		}
	}
	report.Elapsed = time.Since(start)
	logger.Info("catalog sync finished",
		zap.Int("systems", len(report.Systems)),
		zap.Int("failed", report.Failed()),
		zap.Int("scanned", report.Scanned),
		zap.Int("local_pruned", report.LocalPruned),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

func (r *Reconciler) syncRemote(ctx context.Context, opts Options) ([]SystemResult, error) {
	results := make([]SystemResult, 0, len(opts.Systems))
	for _, sys := range opts.Systems {
		res, err := r.syncSystem(ctx, sys, opts)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// syncSystem returns an error only for store failures; remote failures are
// part of the result.
func (r *Reconciler) syncSystem(ctx context.Context, sys config.SystemConfig, opts Options) (SystemResult, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("system", sys.Key), zap.String("source", sys.Source))
	res := SystemResult{System: sys.Key, Source: sys.Source}

	prev, err := r.deps.States.Get(ctx, sys.Key, sys.Source)
	if err != nil {
		return res, err
	}
	if err := r.deps.States.MarkSyncing(ctx, sys.Key, sys.Source); err != nil {
		return res, err
	}
	fail := func(msg string) (SystemResult, error) {
		logger.Error("remote sync failed", zap.String("reason", msg))
		res.Status = db.SyncStatusError
		res.Error = msg
		return res, r.deps.States.MarkError(ctx, sys.Key, sys.Source, msg)
	}

	src, ok := r.deps.Sources[sys.Source]
	if !ok {
		return fail(fmt.Sprintf("unknown source %q", sys.Source))
	}
	var lst *listing.Listing
	_, err = retry.Do(ctx, opts.Retry, "list "+sys.Key, source.IsRetryable, func(ctx context.Context) error {
		var lerr error
		lst, lerr = src.List(ctx, sys.RemotePath)
		return lerr
	})
	if err != nil {
		return fail(fmt.Sprintf("fetch listing: %v", err))
	}

	if !opts.Force && prev != nil && prev.Status == db.SyncStatusSynced &&
		lst.Fingerprint != "" && prev.RemoteLastModified == lst.Fingerprint {
		logger.Info("remote listing unchanged", zap.String("fingerprint", lst.Fingerprint))
		res.Status = db.SyncStatusSynced
		res.Unchanged = true
		res.Count = prev.RemoteCount
		return res, r.deps.States.Upsert(ctx, db.SyncState{
			System:             sys.Key,
			Source:             sys.Source,
			RemoteLastModified: prev.RemoteLastModified,
			RemoteCount:        prev.RemoteCount,
		})
	}

	n, err := r.deps.Catalog.UpsertEntries(ctx, sys.Key, sys.Source, lst.Entries)
	if err != nil {
		return res, err
	}
	keep := make([]string, 0, len(lst.Entries))
	for _, e := range lst.Entries {
		keep = append(keep, e.Filename)
	}
	pruned, err := r.deps.Catalog.PruneMissing(ctx, sys.Key, sys.Source, keep)
	if err != nil {
		return res, err
	}
	if err := r.deps.States.Upsert(ctx, db.SyncState{
		System:             sys.Key,
		Source:             sys.Source,
		RemoteLastModified: lst.Fingerprint,
		RemoteCount:        n,
	}); err != nil {
		return res, err
	}
	res.Status = db.SyncStatusSynced
	res.Count = n
	res.Pruned = pruned
	logger.Info("remote catalog synced", zap.Int("count", n), zap.Int("pruned", pruned))
	return res, nil
}

func (r *Reconciler) reconcileLocal(ctx context.Context, m *scan.Manifest, report *Report) error {
	logger := logutil.GetLogger(ctx)
	if err := r.deps.Locals.UpsertBatch(ctx, m.LocalFiles(), db.OriginScan); err != nil {
		return fmt.Errorf("reconcile local files: %w", err)
	}
	pruned, err := r.deps.Locals.PruneUnder(ctx, filepath.Clean(m.Root), m.Paths())
	if err != nil {
		return fmt.Errorf("prune local files: %w", err)
	}
	report.Scanned = len(m.Files)
	report.LocalPruned = pruned

	if r.deps.Hashes == nil {
		return nil
	}
	for _, f := range m.Files {
		if f.SHA1 == "" || f.HashCached {
			continue
		}
		if err := r.deps.Hashes.Upsert(ctx, f.Path, f.ModTime, f.Size, db.FileHash{SHA1: f.SHA1, CRC32: f.CRC32}); err != nil {
			logger.Warn("update hash cache failed", zap.String("path", f.Path), zap.Error(err))
			continue
		}
		report.HashesCached++
	}
	return nil
}
