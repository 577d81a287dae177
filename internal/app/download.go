package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/romfetch/internal/download"
	"github.com/xxxsen/romfetch/internal/source"
)

// DownloadCommand fetches the configured systems into their destination
// directories.
type DownloadCommand struct {
	systems    []string
	update     bool
	dryRun     bool
	noProgress bool

	env     *Env
	orch    *download.Orchestrator
	entries []download.Entry
	failed  int
}

func NewDownloadCommand() *DownloadCommand { return &DownloadCommand{} }

func (c *DownloadCommand) Name() string { return "download" }

func (c *DownloadCommand) Desc() string {
	return "Download the filtered remote catalog of each system"
}

func (c *DownloadCommand) Init(f *pflag.FlagSet) {
	f.StringSliceVar(&c.systems, "system", nil, "system keys to process (default: all)")
	f.BoolVar(&c.update, "update", false, "re-download files whose remote size or date changed")
	f.BoolVar(&c.dryRun, "dryrun", false, "only report, do not fetch anything")
	f.BoolVar(&c.noProgress, "no-progress", false, "disable the progress bar")
}

func (c *DownloadCommand) PreRun(ctx context.Context, env *Env) error {
	c.env = env
	systems, err := env.selectSystems(c.systems)
	if err != nil {
		return err
	}
	if len(systems) == 0 {
		return errors.New("no systems configured")
	}
	settings, err := env.Config.Download.Settings()
	if err != nil {
		return err
	}
	sources, err := source.BuildAll(ctx, env.Config)
	if err != nil {
		return err
	}
	for _, sys := range systems {
		c.entries = append(c.entries, download.Entry{System: sys, Filter: env.Config.FilterFor(sys)})
	}
	c.orch = download.New(download.Deps{
		Sources: sources,
		Catalog: env.Catalog,
		Locals:  env.Locals,
		States:  env.States,
	}, download.Options{
		Settings:        settings,
		RegionLanguages: env.Config.RegionLanguages,
		Update:          c.update,
		DryRun:          c.dryRun,
	})
	logutil.GetLogger(ctx).Info("starting download",
		zap.Int("systems", len(systems)),
		zap.Bool("update", c.update),
		zap.Bool("dry_run", c.dryRun),
		zap.Int("concurrency", settings.Concurrency),
		zap.String("max_bytes_in_flight", humanize.IBytes(uint64(settings.MaxBytesInFlight))),
	)
	return nil
}

func (c *DownloadCommand) Run(ctx context.Context) error {
	logger := logutil.GetLogger(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			logger.Warn("interrupt received, finishing in-flight files")
			c.orch.Cancel()
		}
	}()

	bars := newBatchProgress(!c.noProgress && isTerminal(os.Stderr))
	for ev := range c.orch.Run(ctx, c.entries) {
		bars.observe(ev)
		c.log(ctx, ev)
	}
	if c.failed > 0 {
		return fmt.Errorf("%d file(s) or system(s) failed", c.failed)
	}
	return nil
}

func (c *DownloadCommand) log(ctx context.Context, ev download.Event) {
	logger := logutil.GetLogger(ctx).With(zap.String("system", ev.System))
	switch ev.Kind {
	case download.KindFiltered:
		logger.Info("listing filtered",
			zap.Int("total", ev.Total),
			zap.Int("filtered", ev.Filtered),
			zap.Int("to_download", ev.ToDownload),
			zap.Int("skipped", ev.Skipped),
		)
	case download.KindComplete:
		logger.Debug("file downloaded", zap.String("file", ev.File), zap.String("size", humanize.IBytes(uint64(max(ev.Size, 0)))))
	case download.KindError:
		c.failed++
		logger.Error("download failed", zap.String("file", ev.File), zap.String("reason", ev.Message), zap.Bool("retryable", ev.Retryable))
	case download.KindExtractComplete:
		logger.Debug("archive extracted", zap.String("file", ev.File), zap.Int("members", len(ev.Files)))
	case download.KindExtractError:
		c.failed++
		logger.Error("extract failed", zap.String("file", ev.File), zap.String("reason", ev.Message))
	case download.KindBatchComplete:
		logger.Info("system finished",
			zap.Int("success", ev.Success),
			zap.Int("failed", ev.Failed),
			zap.Int("skipped", ev.Skipped),
			zap.String("bytes", humanize.IBytes(uint64(ev.Bytes))),
			zap.Duration("elapsed", ev.Elapsed.Round(time.Millisecond)),
		)
		if ev.Message != "" {
			logger.Warn("catalog not fully persisted", zap.String("reason", ev.Message))
		}
	}
}

func (c *DownloadCommand) PostRun(ctx context.Context) error { return nil }

// batchProgress renders one byte bar per batch.
type batchProgress struct {
	enabled bool
	bar     *progressbar.ProgressBar
	seen    map[string]int64
}

func newBatchProgress(enabled bool) *batchProgress {
	return &batchProgress{enabled: enabled}
}

func (p *batchProgress) observe(ev download.Event) {
	if !p.enabled {
		return
	}
	switch ev.Kind {
	case download.KindBatchStart:
		total := ev.Size
		if total <= 0 {
			total = -1
		}
		p.seen = make(map[string]int64)
		p.bar = progressbar.NewOptions64(total,
			progressbar.OptionSetDescription(ev.Label),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(200*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	case download.KindProgress, download.KindComplete:
		if p.bar == nil {
			return
		}
		cur := ev.Bytes
		if ev.Kind == download.KindComplete {
			cur = max(ev.Size, p.seen[ev.File])
		}
		if delta := cur - p.seen[ev.File]; delta > 0 {
			_ = p.bar.Add64(delta)
			p.seen[ev.File] = cur
		}
	case download.KindBatchComplete:
		if p.bar != nil {
			_ = p.bar.Finish()
			p.bar = nil
		}
	}
}

func isTerminal(f *os.File) bool {
	st, err := f.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}

func init() {
	RegisterRunner("download", func() IRunner { return NewDownloadCommand() })
}
