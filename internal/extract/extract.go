// Package extract unpacks downloaded archives next to where they landed.
package extract

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode/v2"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// ErrNoMembers is returned when no archive member matched the globs.
var ErrNoMembers = errors.New("no eligible archive members")

var archiveExts = map[string]struct{}{
	".zip": {},
	".7z":  {},
	".rar": {},
}

// IsArchive reports whether name has a supported archive extension.
func IsArchive(name string) bool {
	_, ok := archiveExts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Result lists the files written by one extraction.
type Result struct {
	Files []string
	Bytes int64
}

// Extractor writes archive members whose base name matches one of Globs.
// An empty Globs extracts everything.
type Extractor struct {
	Globs []string
}

// Validate checks the glob syntax.
func (e *Extractor) Validate() error {
	for _, g := range e.Globs {
		if _, err := path.Match(g, ""); err != nil {
			return fmt.Errorf("invalid extract glob %q: %w", g, err)
		}
	}
	return nil
}

func (e *Extractor) eligible(name string) bool {
	if len(e.Globs) == 0 {
		return true
	}
	base := path.Base(name)
	for _, g := range e.Globs {
		if ok, _ := path.Match(strings.ToLower(g), strings.ToLower(base)); ok {
			return true
		}
	}
	return false
}

// Extract unpacks archivePath into destDir. Members are first written to
// temporary files next to their targets and only renamed into place once the
// whole archive has been read. The archive is removed only when every
// eligible member was placed. On failure the temporary files and any target
// this call created are removed and the archive is kept; files that existed
// before are left alone.
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string) (*Result, error) {
	var pending []stagedMember
	var total int64
	err := walk(archivePath, func(name string, r io.Reader) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.eligible(name) {
			return nil
		}
		target := filepath.Join(destDir, filepath.FromSlash(name))
		if !isPathInDir(target, destDir) || target == filepath.Clean(destDir) {
			return fmt.Errorf("archive member %q escapes destination", name)
		}
		m, err := stageMember(target, r)
		if err != nil {
			return err
		}
		pending = append(pending, m)
		total += m.size
		return nil
	})
	if err == nil && len(pending) == 0 {
		err = ErrNoMembers
	}
	if err == nil {
		err = commit(pending)
	} else {
		discard(pending)
	}
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", filepath.Base(archivePath), err)
	}

	res := &Result{Bytes: total}
	for _, m := range pending {
		res.Files = append(res.Files, m.target)
	}
	if err := os.Remove(archivePath); err != nil {
		logutil.GetLogger(ctx).Warn("remove extracted archive failed",
			zap.String("archive", archivePath), zap.Error(err))
	}
	return res, nil
}

type stagedMember struct {
	tmp    string
	target string
	size   int64
}

func stageMember(target string, r io.Reader) (stagedMember, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return stagedMember{}, fmt.Errorf("ensure dir for %s: %w", target, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return stagedMember{}, fmt.Errorf("create temp for %s: %w", target, err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return stagedMember{}, fmt.Errorf("write %s: %w", target, err)
	}
	return stagedMember{tmp: tmp.Name(), target: target, size: n}, nil
}

// commit renames every staged member into place. When a rename fails, the
// targets created so far are removed; targets that already existed are not.
func commit(pending []stagedMember) error {
	var created []string
	for i, m := range pending {
		_, statErr := os.Lstat(m.target)
		if err := os.Rename(m.tmp, m.target); err != nil {
			discard(pending[i:])
			for _, f := range created {
				_ = os.Remove(f)
			}
			return fmt.Errorf("rename %s: %w", m.target, err)
		}
		if errors.Is(statErr, os.ErrNotExist) {
			created = append(created, m.target)
		}
	}
	return nil
}

func discard(pending []stagedMember) {
	for _, m := range pending {
		_ = os.Remove(m.tmp)
	}
}

// walk calls fn for every regular file in the archive, in archive order.
func walk(archivePath string, fn func(name string, r io.Reader) error) error {
	switch ext := strings.ToLower(filepath.Ext(archivePath)); ext {
	case ".zip":
		zr, err := zip.OpenReader(archivePath)
		if err != nil {
			return err
		}
		defer zr.Close()
		for _, f := range zr.File {
			if f.FileInfo().IsDir() {
				continue
			}
			if err := openAndCall(f.Name, f.Open, fn); err != nil {
				return err
			}
		}
		return nil
	case ".7z":
		sr, err := sevenzip.OpenReader(archivePath)
		if err != nil {
			return err
		}
		defer sr.Close()
		for _, f := range sr.File {
			if f.FileInfo().IsDir() {
				continue
			}
			if err := openAndCall(f.Name, f.Open, fn); err != nil {
				return err
			}
		}
		return nil
	case ".rar":
		rr, err := rardecode.OpenReader(archivePath)
		if err != nil {
			return err
		}
		defer rr.Close()
		for {
			hdr, err := rr.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if hdr.IsDir {
				continue
			}
			if err := fn(hdr.Name, rr); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported archive format: %s", ext)
	}
}

func openAndCall(name string, open func() (io.ReadCloser, error), fn func(string, io.Reader) error) error {
	rc, err := open()
	if err != nil {
		return fmt.Errorf("open member %s: %w", name, err)
	}
	defer rc.Close()
	return fn(name, rc)
}

// HasExtractedSibling reports whether destDir holds a non-archive file with
// the same stem as archiveName, i.e. the archive was already unpacked.
func HasExtractedSibling(destDir, archiveName string) bool {
	stem := strings.TrimSuffix(archiveName, filepath.Ext(archiveName))
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || IsArchive(name) || strings.HasSuffix(name, ".part") {
			continue
		}
		if strings.TrimSuffix(name, filepath.Ext(name)) == stem {
			return true
		}
	}
	return false
}

func isPathInDir(p, dir string) bool {
	if strings.TrimSpace(dir) == "" || strings.TrimSpace(p) == "" {
		return false
	}
	base, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	target, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	base = filepath.Clean(base)
	target = filepath.Clean(target)
	if target == base {
		return true
	}
	prefix := base + string(os.PathSeparator)
	return strings.HasPrefix(target, prefix)
}
