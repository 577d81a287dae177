// Package scan walks the local ROM tree into an in-memory manifest.
package scan

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/romfetch/internal/config"
	"github.com/xxxsen/romfetch/internal/db"
	"github.com/xxxsen/romfetch/internal/fetch"
)

// SystemResolver maps a top-level directory under the ROM root to a system
// key. Lookup order: the configured local_dir of a system, then a
// case-insensitive match on a system key, then the directory name itself.
type SystemResolver struct {
	byDir map[string]string
	byKey map[string]string
}

func NewSystemResolver(systems []config.SystemConfig) *SystemResolver {
	r := &SystemResolver{byDir: make(map[string]string), byKey: make(map[string]string)}
	for _, s := range systems {
		if s.LocalDir != "" {
			r.byDir[s.LocalDir] = s.Key
		}
		r.byKey[strings.ToLower(s.Key)] = s.Key
	}
	return r
}

// Resolve returns the system key for dir.
func (r *SystemResolver) Resolve(dir string) string {
	if r == nil {
		return dir
	}
	if key, ok := r.byDir[dir]; ok {
		return key
	}
	if key, ok := r.byKey[strings.ToLower(dir)]; ok {
		return key
	}
	return dir
}

// HashLookup is the read side of the hash cache.
type HashLookup interface {
	Lookup(ctx context.Context, location string, modTime, size int64) (db.FileHash, bool, error)
}

// File is one scanned file.
type File struct {
	Path     string
	System   string
	Filename string
	Size     int64
	ModTime  int64
	SHA1     string
	CRC32    string
	// HashCached is set when the digests came from the cache rather than
	// from reading the file.
	HashCached bool
}

// Manifest is the result of a scan. Building it never writes to the store.
type Manifest struct {
	Root  string
	Files []File
}

// Paths returns the set of scanned paths.
func (m *Manifest) Paths() map[string]struct{} {
	out := make(map[string]struct{}, len(m.Files))
	for _, f := range m.Files {
		out[f.Path] = struct{}{}
	}
	return out
}

// LocalFiles converts the manifest to store records.
func (m *Manifest) LocalFiles() []db.LocalFile {
	out := make([]db.LocalFile, 0, len(m.Files))
	for _, f := range m.Files {
		out = append(out, db.LocalFile{
			LocalPath: f.Path,
			System:    f.System,
			Filename:  f.Filename,
			Size:      f.Size,
			SHA1:      f.SHA1,
			CRC32:     f.CRC32,
			ModTime:   f.ModTime,
		})
	}
	return out
}

// Scanner walks <root>/<system dir>/... Hidden entries and in-progress
// ".part" files are skipped, as are files directly in root.
type Scanner struct {
	Resolver *SystemResolver
	Hash     bool
	Cache    HashLookup
}

// Scan builds a manifest of root.
func (s *Scanner) Scan(ctx context.Context, root string) (*Manifest, error) {
	root = filepath.Clean(root)
	logger := logutil.GetLogger(ctx)
	m := &Manifest{Root: root}
	hashed, cached := 0, 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasSuffix(d.Name(), fetch.PartSuffix) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		top, _, nested := strings.Cut(filepath.ToSlash(rel), "/")
		if !nested {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		f := File{
			Path:     path,
			System:   s.Resolver.Resolve(top),
			Filename: d.Name(),
			Size:     info.Size(),
			ModTime:  info.ModTime().Unix(),
		}
		if s.Hash {
			if err := s.hash(ctx, &f); err != nil {
				return err
			}
			if f.HashCached {
				cached++
			} else {
				hashed++
			}
		}
		m.Files = append(m.Files, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	logger.Info("local scan finished",
		zap.String("root", root),
		zap.Int("files", len(m.Files)),
		zap.Int("hashed", hashed),
		zap.Int("hash_cached", cached),
	)
	return m, nil
}

func (s *Scanner) hash(ctx context.Context, f *File) error {
	if s.Cache != nil {
		h, ok, err := s.Cache.Lookup(ctx, f.Path, f.ModTime, f.Size)
		if err != nil {
			logutil.GetLogger(ctx).Warn("hash cache lookup failed", zap.String("path", f.Path), zap.Error(err))
		}
		if ok {
			f.SHA1, f.CRC32, f.HashCached = h.SHA1, h.CRC32, true
			return nil
		}
	}
	sum, crc, err := FileDigests(f.Path)
	if err != nil {
		return err
	}
	f.SHA1, f.CRC32 = sum, crc
	return nil
}

// FileDigests computes the hex sha1 and crc32 of path in a single read.
func FileDigests(path string) (string, string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("open file for hash %s: %w", path, err)
	}
	defer fh.Close()

	s := sha1.New()
	c := crc32.NewIEEE()
	if _, err := io.Copy(io.MultiWriter(s, c), fh); err != nil {
		return "", "", fmt.Errorf("hash file %s: %w", path, err)
	}
	return hex.EncodeToString(s.Sum(nil)), fmt.Sprintf("%08x", c.Sum32()), nil
}
