package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/romfetch/internal/catalogsync"
	"github.com/xxxsen/romfetch/internal/retry"
	"github.com/xxxsen/romfetch/internal/scan"
	"github.com/xxxsen/romfetch/internal/source"
)

// SyncCommand refreshes the remote catalog and reconciles the local tree.
type SyncCommand struct {
	systems []string
	romDir  string
	force   bool
	hash    bool
	noScan  bool

	rec  *catalogsync.Reconciler
	opts catalogsync.Options
}

func NewSyncCommand() *SyncCommand { return &SyncCommand{} }

func (c *SyncCommand) Name() string { return "sync" }

func (c *SyncCommand) Desc() string {
	return "Sync remote listings into the catalog and reconcile the local ROM tree"
}

func (c *SyncCommand) Init(f *pflag.FlagSet) {
	f.StringSliceVar(&c.systems, "system", nil, "system keys to sync (default: all)")
	f.StringVar(&c.romDir, "dir", "", "local ROM root to scan (default: rom_root)")
	f.BoolVar(&c.force, "force", false, "sync even when the remote listing is unchanged")
	f.BoolVar(&c.hash, "hash", false, "compute sha1/crc32 of scanned files")
	f.BoolVar(&c.noScan, "no-scan", false, "skip the local scan")
}

func (c *SyncCommand) PreRun(ctx context.Context, env *Env) error {
	systems, err := env.selectSystems(c.systems)
	if err != nil {
		return err
	}
	root := strings.TrimSpace(c.romDir)
	if root == "" {
		root = env.Config.RomRoot
	}
	if c.noScan {
		root = ""
	}
	if len(systems) == 0 && root == "" {
		return errors.New("nothing to sync: no systems and no rom root")
	}
	settings, err := env.Config.Download.Settings()
	if err != nil {
		return err
	}
	sources, err := source.BuildAll(ctx, env.Config)
	if err != nil {
		return err
	}
	c.rec = catalogsync.New(catalogsync.Deps{
		Sources:  sources,
		Catalog:  env.Catalog,
		Locals:   env.Locals,
		States:   env.States,
		Hashes:   env.Hashes,
		Resolver: scan.NewSystemResolver(env.Config.Systems),
	})
	c.opts = catalogsync.Options{
		Systems: systems,
		Root:    root,
		Force:   c.force,
		Hash:    c.hash,
		Retry:   retry.FromSettings(settings),
	}
	logutil.GetLogger(ctx).Info("starting sync",
		zap.Int("systems", len(systems)),
		zap.String("root", root),
		zap.Bool("force", c.force),
	)
	return nil
}

func (c *SyncCommand) Run(ctx context.Context) error {
	report, err := c.rec.Run(ctx, c.opts)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sync report: %w", err)
	}
	fmt.Println(string(data))
	if n := report.Failed(); n > 0 {
		return fmt.Errorf("%d system(s) failed to sync", n)
	}
	return nil
}

func (c *SyncCommand) PostRun(ctx context.Context) error { return nil }

func init() {
	RegisterRunner("sync", func() IRunner { return NewSyncCommand() })
}
