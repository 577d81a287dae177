// Package fetch downloads one remote file to disk with resume and retry.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/romfetch/internal/retry"
	"github.com/xxxsen/romfetch/internal/source"
)

// PartSuffix marks a file that is still being written.
const PartSuffix = ".part"

// Request names a remote file and where it should land.
type Request struct {
	Dir      string
	Name     string
	DestPath string
	// ExpectedSize is the exact remote size, or -1 when unknown. A ".part"
	// file of exactly this size is finalized without contacting the remote,
	// so a rounded listing size must never be passed here.
	ExpectedSize int64
}

// Progress is reported while bytes are flowing.
type Progress struct {
	Bytes int64 // bytes on disk, including a resumed prefix
	Total int64 // -1 when unknown
	Speed float64
}

// Result describes a finished fetch.
type Result struct {
	Bytes    int64 // transferred by this call
	Size     int64 // final file size
	Resumed  bool
	Attempts int
}

// Fetcher downloads files from a single source.
type Fetcher struct {
	src      source.Source
	retry    retry.Policy
	interval time.Duration
}

// New creates a fetcher. interval bounds how often progress is reported.
func New(src source.Source, policy retry.Policy, interval time.Duration) *Fetcher {
	return &Fetcher{src: src, retry: policy, interval: interval}
}

// PartPath returns the temporary path used while dest is downloading.
func PartPath(dest string) string {
	return dest + PartSuffix
}

// Fetch downloads req.Name into req.DestPath through a ".part" file. An
// existing ".part" file is treated as a resume point. The destination only
// appears, by rename, once the body has been fully written.
func (f *Fetcher) Fetch(ctx context.Context, req Request, onProgress func(Progress)) (Result, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("file", req.Name))
	if err := os.MkdirAll(filepath.Dir(req.DestPath), 0o755); err != nil {
		return Result{}, fmt.Errorf("ensure dest dir %s: %w", req.DestPath, err)
	}

	var res Result
	attempts, err := retry.Do(ctx, f.retry, "fetch "+req.Name, IsRetryable, func(ctx context.Context) error {
		n, resumed, err := f.attempt(ctx, req, onProgress)
		res.Bytes += n
		res.Resumed = res.Resumed || resumed
		return err
	})
	res.Attempts = attempts
	if err != nil {
		return res, err
	}
	if st, serr := os.Stat(req.DestPath); serr == nil {
		res.Size = st.Size()
	}
	logger.Debug("file fetched", zap.Int64("bytes", res.Bytes), zap.Int("attempts", attempts), zap.Bool("resumed", res.Resumed))
	return res, nil
}

func (f *Fetcher) attempt(ctx context.Context, req Request, onProgress func(Progress)) (int64, bool, error) {
	part := PartPath(req.DestPath)
	offset := int64(0)
	if st, err := os.Stat(part); err == nil {
		offset = st.Size()
	}
	if req.ExpectedSize > 0 && offset > req.ExpectedSize {
		offset = 0
	}
	if req.ExpectedSize > 0 && offset == req.ExpectedSize {
		return 0, true, finalize(part, req.DestPath)
	}

	obj, err := f.src.Open(ctx, req.Dir, req.Name, offset)
	if err != nil && offset > 0 && source.IsStatus(err, http.StatusRequestedRangeNotSatisfiable) {
		offset = 0
		obj, err = f.src.Open(ctx, req.Dir, req.Name, 0)
	}
	if err != nil {
		return 0, false, err
	}
	defer obj.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if obj.Offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return 0, false, fmt.Errorf("open part file %s: %w", part, err)
	}

	total := obj.Size
	if total < 0 && req.ExpectedSize > 0 {
		total = req.ExpectedSize
	}
	w := &progressWriter{
		w:        out,
		base:     obj.Offset,
		total:    total,
		interval: f.interval,
		report:   onProgress,
		last:     time.Now(),
	}
	n, copyErr := copyBody(w, obj.Body)
	closeErr := out.Close()
	resumed := obj.Offset > 0
	if copyErr != nil {
		return n, resumed, copyErr
	}
	if closeErr != nil {
		return n, resumed, fmt.Errorf("close part file %s: %w", part, closeErr)
	}
	if obj.Size > 0 && obj.Offset+n != obj.Size {
		return n, resumed, &source.TransportError{Err: fmt.Errorf("short body for %s: got %d of %d bytes", req.Name, obj.Offset+n, obj.Size)}
	}
	w.flush()
	return n, resumed, finalize(part, req.DestPath)
}

// copyBody separates read failures, which are network problems, from
// write failures, which are local.
func copyBody(w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, 64*1024)
	var n int64
	for {
		nr, rerr := r.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			n += int64(nw)
			if werr != nil {
				return n, fmt.Errorf("write part file: %w", werr)
			}
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			if errors.Is(rerr, context.Canceled) || errors.Is(rerr, context.DeadlineExceeded) {
				return n, rerr
			}
			return n, &source.TransportError{Err: fmt.Errorf("read body: %w", rerr)}
		}
	}
}

func finalize(part, dest string) error {
	if err := os.Rename(part, dest); err != nil {
		return fmt.Errorf("rename %s: %w", part, err)
	}
	return nil
}

type progressWriter struct {
	w        io.Writer
	base     int64
	written  int64
	total    int64
	interval time.Duration
	report   func(Progress)

	last      time.Time
	lastBytes int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.report != nil && time.Since(p.last) >= p.interval {
		p.flush()
	}
	return n, err
}

func (p *progressWriter) flush() {
	if p.report == nil {
		return
	}
	now := time.Now()
	elapsed := now.Sub(p.last).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(p.written-p.lastBytes) / elapsed
	}
	p.report(Progress{Bytes: p.base + p.written, Total: p.total, Speed: speed})
	p.last = now
	p.lastBytes = p.written
}

// IsRetryable reports whether a fetch error is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if source.IsRetryable(err) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ECONNREFUSED,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}
