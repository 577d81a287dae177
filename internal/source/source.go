// Package source fetches directory listings and file bodies from remotes.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/xxxsen/romfetch/internal/config"
	"github.com/xxxsen/romfetch/internal/listing"
)

// Object is an open remote file body.
type Object struct {
	Body io.ReadCloser
	// Offset is where Body starts. It equals the requested offset when the
	// remote honoured the range and 0 when it sent the whole file.
	Offset int64
	// Size is the full file size, or -1 when unknown.
	Size int64
}

// Source is a remote catalog location.
type Source interface {
	List(ctx context.Context, dir string) (*listing.Listing, error)
	Open(ctx context.Context, dir, name string, offset int64) (*Object, error)
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Retryable reports whether the server side may recover on its own.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500
}

// TransportError wraps a failure below the HTTP layer: DNS, connect, reset
// and broken bodies. These are always retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string   { return e.Err.Error() }
func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) Retryable() bool { return true }

// IsRetryable reports whether err is worth another attempt. Context
// cancellation never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// IsStatus reports whether err is an HTTPError with the given code.
func IsStatus(err error, code int) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == code
}

// Options are shared by every source built from configuration.
type Options struct {
	UserAgent         string
	RequestsPerSecond float64
}

// Build creates the source described by cfg.
func Build(ctx context.Context, cfg config.SourceConfig, opts Options) (Source, error) {
	switch cfg.Kind {
	case config.SourceKindHTTP:
		return NewHTTPSource(cfg.BaseURL, opts)
	case config.SourceKindS3:
		return NewS3Source(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported source kind %q", cfg.Kind)
	}
}

// BuildAll creates every configured source keyed by name.
func BuildAll(ctx context.Context, cfg *config.Config) (map[string]Source, error) {
	settings, err := cfg.Download.Settings()
	if err != nil {
		return nil, err
	}
	opts := Options{UserAgent: cfg.UserAgent, RequestsPerSecond: settings.RequestsPerSecond}
	out := make(map[string]Source, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		src, err := Build(ctx, sc, opts)
		if err != nil {
			return nil, fmt.Errorf("build source %s: %w", sc.Name, err)
		}
		out[sc.Name] = src
	}
	return out, nil
}
