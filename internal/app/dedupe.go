package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/romfetch/internal/config"
	"github.com/xxxsen/romfetch/internal/selector"
)

// DedupeCommand applies 1G1R to the files already on disk and reports, or
// removes, the variants that lose.
type DedupeCommand struct {
	systems []string
	fix     bool

	env     *Env
	targets []config.SystemConfig
}

func NewDedupeCommand() *DedupeCommand { return &DedupeCommand{} }

func (c *DedupeCommand) Name() string { return "dedupe" }

func (c *DedupeCommand) Desc() string {
	return "Report local ROM variants superseded by a preferred release"
}

func (c *DedupeCommand) Init(f *pflag.FlagSet) {
	f.StringSliceVar(&c.systems, "system", nil, "system keys to check (default: all)")
	f.BoolVar(&c.fix, "fix", false, "delete superseded files")
}

func (c *DedupeCommand) PreRun(ctx context.Context, env *Env) error {
	c.env = env
	systems, err := env.selectSystems(c.systems)
	if err != nil {
		return err
	}
	if len(systems) == 0 {
		return errors.New("no systems configured")
	}
	c.targets = systems
	logutil.GetLogger(ctx).Info("starting dedupe",
		zap.Int("systems", len(systems)),
		zap.Bool("fix", c.fix),
	)
	return nil
}

func (c *DedupeCommand) Run(ctx context.Context) error {
	total := 0
	for _, sys := range c.targets {
		n, err := c.processSystem(ctx, sys)
		if err != nil {
			return err
		}
		total += n
	}
	logutil.GetLogger(ctx).Info("dedupe completed", zap.Int("superseded", total), zap.Bool("fix", c.fix))
	return nil
}

func (c *DedupeCommand) processSystem(ctx context.Context, sys config.SystemConfig) (int, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("system", sys.Key))
	files, err := c.env.Locals.ListUnder(ctx, sys.DestDir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(files))
	paths := make(map[string]string, len(files))
	for _, f := range files {
		name := filepath.Base(f.LocalPath)
		if _, dup := paths[name]; dup {
			continue
		}
		names = append(names, name)
		paths[name] = f.LocalPath
	}
	kept := make(map[string]struct{}, len(names))
	for _, name := range selector.Select(names, c.env.Config.FilterFor(sys).Priority) {
		kept[name] = struct{}{}
	}
	var losers []string
	for _, name := range names {
		if _, ok := kept[name]; !ok {
			losers = append(losers, paths[name])
		}
	}
	if len(losers) == 0 {
		return 0, nil
	}

	fmt.Printf("location: %s\n", filepath.ToSlash(sys.DestDir))
	for _, p := range losers {
		fmt.Printf("- %s is superseded by a preferred variant\n", filepath.Base(p))
	}
	fmt.Println()
	if !c.fix {
		return len(losers), nil
	}

	var removed []string
	for _, p := range losers {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("remove superseded file failed", zap.String("path", p), zap.Error(err))
			continue
		}
		removed = append(removed, p)
	}
	if err := c.env.Locals.DeleteByPaths(ctx, removed); err != nil {
		return 0, err
	}
	logger.Info("superseded files removed", zap.Int("removed", len(removed)))
	return len(losers), nil
}

func (c *DedupeCommand) PostRun(ctx context.Context) error { return nil }

func init() {
	RegisterRunner("dedupe", func() IRunner { return NewDedupeCommand() })
}
