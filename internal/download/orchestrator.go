// Package download drives a catalog entry from its remote listing to files on
// disk and reports every step as an Event.
package download

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xxxsen/romfetch/internal/admission"
	"github.com/xxxsen/romfetch/internal/config"
	"github.com/xxxsen/romfetch/internal/db"
	"github.com/xxxsen/romfetch/internal/extract"
	"github.com/xxxsen/romfetch/internal/fetch"
	"github.com/xxxsen/romfetch/internal/filter"
	"github.com/xxxsen/romfetch/internal/listing"
	"github.com/xxxsen/romfetch/internal/retry"
	"github.com/xxxsen/romfetch/internal/source"
)

const eventBuffer = 64

// Entry is one system to process.
type Entry struct {
	System config.SystemConfig
	Filter filter.Options
}

// Deps are the collaborators shared with the rest of the process.
type Deps struct {
	Sources map[string]source.Source
	Catalog *db.CatalogDAO
	Locals  *db.LocalFileDAO
	States  *db.SyncStateDAO
}

// Options tune a run.
type Options struct {
	Settings        config.DownloadSettings
	RegionLanguages map[string][]string
	// Update re-checks files that are already on disk.
	Update bool
	// DryRun reports a zero-count batch-complete per entry and touches nothing.
	DryRun bool
}

// Orchestrator runs entries one after another. Files of one entry are
// fetched by a bounded pool gated by an admission scheduler.
type Orchestrator struct {
	deps      Deps
	opts      Options
	sched     *admission.Scheduler
	extractor *semaphore.Weighted
	cancelled atomic.Bool
}

func New(deps Deps, opts Options) *Orchestrator {
	s := opts.Settings
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.ExtractConcurrency < 1 {
		s.ExtractConcurrency = 1
	}
	if s.UnknownSizeEstimate <= 0 {
		s.UnknownSizeEstimate = 1
	}
	opts.Settings = s
	return &Orchestrator{
		deps:      deps,
		opts:      opts,
		sched:     admission.New(s.Concurrency, s.MaxBytesInFlight),
		extractor: semaphore.NewWeighted(int64(s.ExtractConcurrency)),
	}
}

// Cancel stops the orchestrator at the next event boundary. Files already
// fetching finish and completed work is still persisted. It is permanent for
// this Orchestrator.
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
}

// Scheduler exposes the admission scheduler for monitoring.
func (o *Orchestrator) Scheduler() *admission.Scheduler {
	return o.sched
}

// Run returns the event stream for entries. Entries are processed
// sequentially; stopping the iteration has the same effect as Cancel.
func (o *Orchestrator) Run(ctx context.Context, entries []Entry) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for _, e := range entries {
			if o.cancelled.Load() {
				return
			}
			b := &batch{
				id:    uuid.NewString(),
				entry: e,
				start: time.Now(),
			}
			b.emit = func(ev Event) bool {
				if b.stopped {
					return false
				}
				if o.cancelled.Load() || !yield(ev) {
					b.stopped = true
					return false
				}
				return true
			}
			if o.opts.DryRun {
				if !b.emit(b.event(KindBatchComplete)) {
					return
				}
				continue
			}
			o.runEntry(ctx, b)
			if b.stopped {
				return
			}
		}
	}
}

// batch is the per-entry state owned by the iterating goroutine.
type batch struct {
	id      string
	entry   Entry
	start   time.Time
	emit    func(Event) bool
	stopped bool

	listing  *listing.Listing
	plan     plan
	success  int
	failed   int
	bytes    int64
	done     []listing.Entry
	locals   []db.LocalFile
	archives map[string][]string
}

func (b *batch) event(kind Kind) Event {
	return Event{
		Kind:    kind,
		BatchID: b.id,
		System:  b.entry.System.Key,
		Label:   b.entry.System.Label,
	}
}

func (b *batch) fail(msg string, retryable bool) {
	ev := b.event(KindError)
	ev.Message = msg
	ev.Retryable = retryable
	b.emit(ev)
}

func (o *Orchestrator) runEntry(ctx context.Context, b *batch) {
	sys := b.entry.System
	logger := logutil.GetLogger(ctx).With(zap.String("system", sys.Key), zap.String("batch_id", b.id))

	src, ok := o.deps.Sources[sys.Source]
	if !ok {
		b.fail(fmt.Sprintf("unknown source %q", sys.Source), false)
		return
	}
	flt, err := filter.Compile(b.entry.Filter, o.opts.RegionLanguages)
	if err != nil {
		b.fail(err.Error(), false)
		return
	}
	ext := &extract.Extractor{Globs: sys.ExtractGlobs}
	if err := ext.Validate(); err != nil {
		b.fail(err.Error(), false)
		return
	}

	var lst *listing.Listing
	_, err = retry.Do(ctx, retry.FromSettings(o.opts.Settings), "list "+sys.Key, source.IsRetryable, func(ctx context.Context) error {
		var lerr error
		lst, lerr = src.List(ctx, sys.RemotePath)
		return lerr
	})
	if err != nil {
		logger.Error("fetch listing failed", zap.Error(err))
		b.fail(fmt.Sprintf("fetch listing: %v", err), source.IsRetryable(err))
		return
	}
	b.listing = lst
	ev := b.event(KindListing)
	ev.Total = len(lst.Entries)
	ev.Message = lst.Fingerprint
	if !b.emit(ev) {
		return
	}

	update := o.opts.Update
	if update && o.fingerprintUnchanged(ctx, sys, lst.Fingerprint) {
		logger.Info("remote listing unchanged, skipping update checks", zap.String("fingerprint", lst.Fingerprint))
		update = false
	}

	names := make([]string, 0, len(lst.Entries))
	byName := make(map[string]listing.Entry, len(lst.Entries))
	for _, e := range lst.Entries {
		names = append(names, e.Filename)
		byName[e.Filename] = e
	}
	kept := flt.Apply(names)
	catalog, err := o.deps.Catalog.ListBySystem(ctx, sys.Key, sys.Source)
	if err != nil {
		logger.Warn("read catalog failed, treating every file as new to the catalog", zap.Error(err))
		catalog = nil
	}
	keptEntries := make([]listing.Entry, 0, len(kept))
	for _, name := range kept {
		keptEntries = append(keptEntries, byName[name])
	}
	b.plan = decide(sys, keptEntries, catalog, update)

	ev = b.event(KindFiltered)
	ev.Total = len(lst.Entries)
	ev.Filtered = len(lst.Entries) - len(kept)
	ev.ToDownload = len(b.plan.download)
	ev.Skipped = b.plan.skipped
	if !b.emit(ev) {
		return
	}

	var planned int64
	for _, e := range b.plan.download {
		if e.Size > 0 {
			planned += e.Size
		}
	}
	ev = b.event(KindBatchStart)
	ev.ToDownload = len(b.plan.download)
	ev.Size = planned
	if !b.emit(ev) {
		return
	}
	logger.Info("batch started",
		zap.Int("to_download", len(b.plan.download)),
		zap.Int("skipped", b.plan.skipped),
		zap.String("planned", humanize.IBytes(uint64(planned))),
	)

	o.fetchAll(ctx, b, src, ext)

	persistCtx := context.WithoutCancel(ctx)
	persistErr := o.persist(persistCtx, b)
	elapsed := time.Since(b.start)
	logger.Info("batch finished",
		zap.Int("success", b.success),
		zap.Int("failed", b.failed),
		zap.Int("skipped", b.plan.skipped),
		zap.String("bytes", humanize.IBytes(uint64(b.bytes))),
		zap.Duration("elapsed", elapsed),
	)
	ev = b.event(KindBatchComplete)
	ev.Total = len(lst.Entries)
	ev.ToDownload = len(b.plan.download)
	ev.Success = b.success
	ev.Failed = b.failed
	ev.Skipped = b.plan.skipped
	ev.Bytes = b.bytes
	ev.Elapsed = elapsed
	if persistErr != nil {
		ev.Message = persistErr.Error()
	}
	b.emit(ev)
}

func (o *Orchestrator) fingerprintUnchanged(ctx context.Context, sys config.SystemConfig, fingerprint string) bool {
	if fingerprint == "" || o.deps.States == nil {
		return false
	}
	st, err := o.deps.States.Get(ctx, sys.Key, sys.Source)
	if err != nil {
		logutil.GetLogger(ctx).Warn("read sync state failed", zap.String("system", sys.Key), zap.Error(err))
		return false
	}
	return st != nil && st.Status == db.SyncStatusSynced && st.RemoteLastModified == fingerprint
}

// fetchAll runs the worker pool and relays its events in completion order.
// Once the consumer stops, no new file is started; running ones finish and
// their events are drained without being yielded.
func (o *Orchestrator) fetchAll(ctx context.Context, b *batch, src source.Source, ext *extract.Extractor) {
	if len(b.plan.download) == 0 {
		return
	}
	s := o.opts.Settings
	fetcher := fetch.New(src, retry.FromSettings(s), s.ProgressInterval)

	events := make(chan Event, eventBuffer)
	var stop atomic.Bool
	go func() {
		defer close(events)
		var g errgroup.Group
		g.SetLimit(s.Concurrency)
		for _, e := range b.plan.download {
			if stop.Load() || o.cancelled.Load() {
				break
			}
			g.Go(func() error {
				if stop.Load() || o.cancelled.Load() {
					return nil
				}
				o.fetchOne(ctx, b, fetcher, ext, e, events)
				return nil
			})
		}
		_ = g.Wait()
		if err := o.sched.Drain(ctx); err != nil {
			logutil.GetLogger(ctx).Warn("drain admission scheduler failed", zap.Error(err))
		}
	}()

	for ev := range events {
		b.tally(ev)
		if !b.emit(ev) {
			stop.Store(true)
		}
	}
}

func (b *batch) tally(ev Event) {
	switch ev.Kind {
	case KindComplete:
		b.success++
		b.bytes += ev.Bytes
		if e, ok := b.plan.byName[ev.File]; ok {
			b.done = append(b.done, e)
		}
		b.locals = append(b.locals, db.LocalFile{
			LocalPath: ev.Path,
			System:    b.entry.System.Key,
			Filename:  ev.File,
			Size:      ev.Size,
			ModTime:   modTime(ev.Path),
		})
	case KindError:
		if ev.IsFileError() {
			b.failed++
		}
	case KindExtractComplete:
		if b.archives == nil {
			b.archives = make(map[string][]string)
		}
		b.archives[ev.File] = ev.Files
	}
}

func (o *Orchestrator) fetchOne(ctx context.Context, b *batch, fetcher *fetch.Fetcher, ext *extract.Extractor, e listing.Entry, out chan<- Event) {
	sys := b.entry.System
	logger := logutil.GetLogger(ctx).With(zap.String("system", sys.Key), zap.String("file", e.Filename))
	dest := filepath.Join(sys.DestDir, e.Filename)
	// a rounded listing size is only an admission estimate
	size := int64(-1)
	if e.SizeExact && e.Size > 0 {
		size = e.Size
	}
	fileEvent := func(kind Kind) Event {
		ev := b.event(kind)
		ev.File = e.Filename
		ev.Path = dest
		ev.Size = size
		return ev
	}

	est := e.Size
	if est <= 0 {
		est = o.opts.Settings.UnknownSizeEstimate
	}
	if err := o.sched.Acquire(ctx, est); err != nil {
		ev := fileEvent(KindError)
		ev.Message = fmt.Sprintf("wait for admission: %v", err)
		out <- ev
		return
	}
	out <- fileEvent(KindStart)
	res, err := fetcher.Fetch(ctx, fetch.Request{
		Dir:          sys.RemotePath,
		Name:         e.Filename,
		DestPath:     dest,
		ExpectedSize: size,
	}, func(p fetch.Progress) {
		ev := fileEvent(KindProgress)
		ev.Bytes = p.Bytes
		ev.Size = p.Total
		ev.Speed = p.Speed
		out <- ev
	})
	o.sched.Release(est)
	if err != nil {
		logger.Error("fetch file failed", zap.Int("attempts", res.Attempts), zap.Error(err))
		ev := fileEvent(KindError)
		ev.Message = err.Error()
		ev.Retryable = fetch.IsRetryable(err) && !errors.Is(err, context.Canceled)
		out <- ev
		return
	}
	if t, ok := listing.ParseTime(e.LastModified); ok {
		if err := os.Chtimes(dest, t, t); err != nil {
			logger.Debug("set file time failed", zap.Error(err))
		}
	}
	ev := fileEvent(KindComplete)
	ev.Bytes = res.Bytes
	ev.Size = res.Size
	out <- ev

	if !sys.Archive || !sys.Extract || !extract.IsArchive(e.Filename) {
		return
	}
	if err := o.extractor.Acquire(ctx, 1); err != nil {
		ev := fileEvent(KindExtractError)
		ev.Message = err.Error()
		out <- ev
		return
	}
	defer o.extractor.Release(1)
	out <- fileEvent(KindExtractStart)
	xres, err := ext.Extract(ctx, dest, sys.DestDir)
	if err != nil {
		logger.Error("extract archive failed", zap.Error(err))
		ev := fileEvent(KindExtractError)
		ev.Message = err.Error()
		out <- ev
		return
	}
	ev = fileEvent(KindExtractComplete)
	ev.Files = xres.Files
	ev.Bytes = xres.Bytes
	out <- ev
}

// persist records catalog rows for downloaded files and for skipped files
// whose remote metadata moved, then the local records of what was written.
func (o *Orchestrator) persist(ctx context.Context, b *batch) error {
	sys := b.entry.System
	logger := logutil.GetLogger(ctx).With(zap.String("system", sys.Key))
	rows := append(append([]listing.Entry(nil), b.done...), b.plan.refresh...)
	if _, err := o.deps.Catalog.UpsertEntries(ctx, sys.Key, sys.Source, rows); err != nil {
		logger.Error("persist catalog rows failed", zap.Error(err))
		return fmt.Errorf("persist catalog: %w", err)
	}

	locals := make([]db.LocalFile, 0, len(b.locals))
	for _, f := range b.locals {
		members, extracted := b.archives[f.Filename]
		if !extracted {
			locals = append(locals, f)
			continue
		}
		id, _, err := o.deps.Catalog.FindID(ctx, sys.Key, f.Filename)
		if err != nil {
			logger.Warn("find catalog id for archive failed", zap.String("file", f.Filename), zap.Error(err))
		}
		for _, m := range members {
			locals = append(locals, db.LocalFile{
				LocalPath: m,
				System:    sys.Key,
				Filename:  filepath.Base(m),
				CatalogID: id,
				Size:      fileSize(m),
				ModTime:   modTime(m),
			})
		}
	}
	if err := o.deps.Locals.UpsertBatch(ctx, locals, db.OriginDownload); err != nil {
		logger.Error("persist local files failed", zap.Error(err))
		return fmt.Errorf("persist local files: %w", err)
	}
	return nil
}

func modTime(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.ModTime().Unix()
}

func fileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}
