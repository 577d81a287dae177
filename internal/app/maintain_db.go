package app

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/pflag"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// MaintainDBCommand drops local file and hash cache rows whose file is gone.
type MaintainDBCommand struct {
	dryRun bool

	env *Env
}

func NewMaintainDBCommand() *MaintainDBCommand {
	return &MaintainDBCommand{
		dryRun: true,
	}
}

func (c *MaintainDBCommand) Name() string { return "maintain-db" }

func (c *MaintainDBCommand) Desc() string {
	return "Remove catalog rows that point at files no longer on disk"
}

func (c *MaintainDBCommand) Init(f *pflag.FlagSet) {
	f.BoolVar(&c.dryRun, "dryrun", true, "only report (default true)")
}

func (c *MaintainDBCommand) PreRun(ctx context.Context, env *Env) error {
	c.env = env
	return nil
}

func (c *MaintainDBCommand) Run(ctx context.Context) error {
	logger := logutil.GetLogger(ctx)

	const pageSize = 500
	lastID := int64(0)
	var missing []string
	for {
		page, err := c.env.Locals.FetchPage(ctx, lastID, pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, item := range page {
			if gone(ctx, item.LocalPath) {
				logger.Warn("local file missing", zap.String("path", item.LocalPath), zap.Int64("id", item.ID))
				missing = append(missing, item.LocalPath)
			}
		}
		lastID = page[len(page)-1].ID
	}
	if !c.dryRun && len(missing) > 0 {
		if err := c.env.Locals.DeleteByPaths(ctx, missing); err != nil {
			return err
		}
		logger.Info("missing local files deleted", zap.Int("count", len(missing)))
	}

	if err := c.cleanupHashCache(ctx); err != nil {
		return err
	}
	logger.Info("maintain-db completed",
		zap.Int("missing_files", len(missing)),
		zap.Bool("dry_run", c.dryRun),
	)
	return nil
}

func (c *MaintainDBCommand) PostRun(ctx context.Context) error { return nil }

func (c *MaintainDBCommand) cleanupHashCache(ctx context.Context) error {
	logger := logutil.GetLogger(ctx)
	locations, err := c.env.Hashes.ListLocations(ctx)
	if err != nil {
		return err
	}
	var missing []string
	for _, location := range locations {
		if gone(ctx, location) {
			missing = append(missing, location)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if c.dryRun {
		logger.Info("hash cache entries missing (dryrun)", zap.Int("count", len(missing)))
		return nil
	}
	if err := c.env.Hashes.DeleteByLocations(ctx, missing); err != nil {
		return err
	}
	logger.Info("hash cache entries deleted", zap.Int("count", len(missing)))
	return nil
}

// gone reports whether path is known not to exist. Other stat errors are
// logged and the row is kept.
func gone(ctx context.Context, path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	logutil.GetLogger(ctx).Warn("stat failed", zap.String("path", path), zap.Error(err))
	return false
}

func init() {
	RegisterRunner("maintain-db", func() IRunner { return NewMaintainDBCommand() })
}
