package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/xxxsen/romfetch/internal/listing"
)

// HTTPSource reads directory indexes from a web server.
type HTTPSource struct {
	base      *url.URL
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
}

// NewHTTPSource builds a source rooted at baseURL. A positive
// RequestsPerSecond paces every request made through it.
func NewHTTPSource(baseURL string, opts Options) (*HTTPSource, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url %s: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %s: scheme must be http or https", baseURL)
	}
	s := &HTTPSource{
		base:      u,
		client:    &http.Client{},
		userAgent: opts.UserAgent,
	}
	if opts.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return s, nil
}

// DirURL returns the listing url for dir.
func (s *HTTPSource) DirURL(dir string) string {
	return s.resolve(dir, "") + "/"
}

// FileURL returns the download url for name inside dir.
func (s *HTTPSource) FileURL(dir, name string) string {
	return s.resolve(dir, name)
}

func (s *HTTPSource) resolve(dir, name string) string {
	segs := make([]string, 0, 8)
	for _, part := range strings.Split(dir, "/") {
		if part != "" {
			segs = append(segs, url.PathEscape(part))
		}
	}
	if name != "" {
		segs = append(segs, url.PathEscape(name))
	}
	base := strings.TrimRight(s.base.String(), "/")
	if len(segs) == 0 {
		return base
	}
	return base + "/" + strings.Join(segs, "/")
}

func (s *HTTPSource) do(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", rawURL, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Err: fmt.Errorf("GET %s: %w", rawURL, err)}
	}
	return resp, nil
}

// List fetches and parses the index of dir. The Last-Modified response
// header, when present, becomes the listing fingerprint.
func (s *HTTPSource) List(ctx context.Context, dir string) (*listing.Listing, error) {
	u := s.DirURL(dir)
	resp, err := s.do(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: u}
	}
	l, err := listing.Parse(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		l.Fingerprint = listing.NormalizeTime(lm)
	}
	return l, nil
}

// Open starts a download of name. A positive offset sends a Range request;
// servers that ignore it answer 200 and the body starts at zero.
func (s *HTTPSource) Open(ctx context.Context, dir, name string, offset int64) (*Object, error) {
	u := s.FileURL(dir, name)
	header := http.Header{}
	if offset > 0 {
		header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := s.do(ctx, u, header)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		return &Object{Body: resp.Body, Offset: offset, Size: totalFromContentRange(resp.Header.Get("Content-Range"))}, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return &Object{Body: resp.Body, Offset: 0, Size: resp.ContentLength}, nil
	default:
		resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: u}
	}
}

// totalFromContentRange reads the total out of "bytes 100-199/200".
func totalFromContentRange(v string) int64 {
	_, total, ok := strings.Cut(v, "/")
	if !ok || total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
