package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/romfetch/internal/db"
	"github.com/xxxsen/romfetch/internal/scan"
)

// VerifyCommand re-hashes recorded local files and reports the ones that
// are missing or changed.
type VerifyCommand struct {
	rootDir string
	output  string

	env *Env
}

// VerifyCase is one file that failed verification.
type VerifyCase struct {
	Path   string   `json:"path"`
	System string   `json:"system"`
	Reason []string `json:"reason"`
}

// VerifyOutput is the verify report.
type VerifyOutput struct {
	Checked  int          `json:"checked"`
	Verified int          `json:"verified"`
	CaseList []VerifyCase `json:"case_list"`
}

func NewVerifyCommand() *VerifyCommand {
	return &VerifyCommand{}
}

func (c *VerifyCommand) Name() string { return "verify" }

func (c *VerifyCommand) Desc() string {
	return "Re-hash recorded local files and report missing or changed ones"
}

func (c *VerifyCommand) Init(f *pflag.FlagSet) {
	f.StringVar(&c.rootDir, "dir", "", "ROM root directory (default: rom_root)")
	f.StringVar(&c.output, "output", "", "write the JSON report to this path instead of stdout")
}

func (c *VerifyCommand) PreRun(ctx context.Context, env *Env) error {
	c.env = env
	if strings.TrimSpace(c.rootDir) == "" {
		c.rootDir = env.Config.RomRoot
	}
	if strings.TrimSpace(c.rootDir) == "" {
		return errors.New("verify requires --dir or rom_root")
	}
	logutil.GetLogger(ctx).Info("starting verify",
		zap.String("dir", c.rootDir),
		zap.String("output", c.output),
	)
	return nil
}

func (c *VerifyCommand) Run(ctx context.Context) error {
	logger := logutil.GetLogger(ctx)
	files, err := c.env.Locals.ListUnder(ctx, c.rootDir)
	if err != nil {
		return err
	}
	out := VerifyOutput{CaseList: []VerifyCase{}}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		out.Checked++
		reasons, err := c.verifyFile(ctx, f)
		if err != nil {
			return err
		}
		if len(reasons) > 0 {
			logger.Warn("local file failed verification", zap.String("path", f.LocalPath), zap.Strings("reasons", reasons))
			out.CaseList = append(out.CaseList, VerifyCase{Path: f.LocalPath, System: f.System, Reason: reasons})
			continue
		}
		out.Verified++
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal verify output: %w", err)
	}
	if c.output == "" {
		fmt.Println(string(data))
	} else if err := os.WriteFile(c.output, data, 0o644); err != nil {
		return fmt.Errorf("write verify output %s: %w", c.output, err)
	}
	logger.Info("verify completed",
		zap.Int("checked", out.Checked),
		zap.Int("verified", out.Verified),
		zap.Int("failed", len(out.CaseList)),
	)
	return nil
}

// verifyFile returns the reasons f is not intact; an error only for store
// failures.
func (c *VerifyCommand) verifyFile(ctx context.Context, f db.LocalFile) ([]string, error) {
	st, err := os.Stat(f.LocalPath)
	if err != nil {
		return []string{"file missing"}, nil
	}
	var reasons []string
	if f.Size > 0 && st.Size() != f.Size {
		reasons = append(reasons, fmt.Sprintf("size %d, recorded %d", st.Size(), f.Size))
	}
	sum, crc, err := scan.FileDigests(f.LocalPath)
	if err != nil {
		return append(reasons, "read failed"), nil
	}
	if f.SHA1 != "" && !strings.EqualFold(sum, f.SHA1) {
		reasons = append(reasons, "sha1 mismatch")
	}
	if f.CRC32 != "" && !strings.EqualFold(crc, f.CRC32) {
		reasons = append(reasons, "crc32 mismatch")
	}
	if len(reasons) > 0 {
		return reasons, nil
	}
	if err := c.env.Locals.MarkVerified(ctx, f.LocalPath, sum, crc, time.Now().Unix()); err != nil {
		return nil, err
	}
	if err := c.env.Hashes.Upsert(ctx, filepath.Clean(f.LocalPath), st.ModTime().Unix(), st.Size(), db.FileHash{SHA1: sum, CRC32: crc}); err != nil {
		logutil.GetLogger(ctx).Warn("update hash cache failed", zap.String("path", f.LocalPath), zap.Error(err))
	}
	return nil, nil
}

func (c *VerifyCommand) PostRun(ctx context.Context) error { return nil }

func init() {
	RegisterRunner("verify", func() IRunner { return NewVerifyCommand() })
}
