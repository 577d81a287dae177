package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSourceListAndOpen(t *testing.T) {
	var gotUA, gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		switch r.URL.Path {
		case "/roms/Game Boy/":
			w.Header().Set("Last-Modified", "Fri, 12 Jan 2024 10:15:00 GMT")
			fmt.Fprint(w, `<pre><a href="Foo%20(USA).zip">Foo (USA).zip</a> 01-Jan-2024 00:00 10</pre>`)
		case "/roms/Game Boy/Foo (USA).zip":
			gotRange = r.Header.Get("Range")
			http.ServeContent(w, r, "foo.zip", time.Time{}, strings.NewReader("0123456789"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s, err := NewHTTPSource(srv.URL+"/roms/", Options{UserAgent: "romfetch-test"})
	require.NoError(t, err)

	l, err := s.List(context.Background(), "Game Boy")
	require.NoError(t, err)
	require.Len(t, l.Entries, 1)
	assert.Equal(t, "2024-01-12T10:15:00Z", l.Fingerprint)
	assert.Equal(t, "romfetch-test", gotUA)

	obj, err := s.Open(context.Background(), "Game Boy", "Foo (USA).zip", 4)
	require.NoError(t, err)
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	obj.Body.Close()
	assert.Equal(t, "bytes=4-", gotRange)
	assert.Equal(t, int64(4), obj.Offset)
	assert.Equal(t, int64(10), obj.Size)
	assert.Equal(t, "456789", string(data))
}

func TestHTTPSourceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/broken") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s, err := NewHTTPSource(srv.URL, Options{})
	require.NoError(t, err)

	_, err = s.List(context.Background(), "broken")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.True(t, IsStatus(err, http.StatusBadGateway))

	_, err = s.Open(context.Background(), "missing", "x.zip", 0)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))

	dead, err := NewHTTPSource("http://127.0.0.1:1", Options{})
	require.NoError(t, err)
	_, err = dead.List(context.Background(), "")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(errors.New("disk full")))
}

func TestHTTPSourceURLs(t *testing.T) {
	s, err := NewHTTPSource("https://example.org/files/", Options{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/files/", s.DirURL(""))
	assert.Equal(t, "https://example.org/files/No-Intro/Game%20Boy/", s.DirURL("No-Intro/Game Boy"))
	assert.Equal(t, "https://example.org/files/gb/A%20%23%201.zip", s.FileURL("gb", "A # 1.zip"))

	_, err = NewHTTPSource("ftp://example.org", Options{})
	assert.Error(t, err)
}

type fakeS3 struct {
	pages  []*s3.ListObjectsV2Output
	calls  int
	prefix string
	get    *s3.GetObjectInput
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.prefix = aws.ToString(in.Prefix)
	out := f.pages[f.calls]
	f.calls++
	return out, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.get = in
	if strings.HasSuffix(aws.ToString(in.Key), "missing.zip") {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader("6789")),
		ContentLength: aws.Int64(4),
		ContentRange:  aws.String("bytes 6-9/10"),
	}, nil
}

func TestS3SourceList(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fake := &fakeS3{pages: []*s3.ListObjectsV2Output{
		{
			Contents: []types.Object{
				{Key: aws.String("sets/gb/A (USA).zip"), Size: aws.Int64(10), LastModified: aws.Time(ts)},
			},
			IsTruncated:           aws.Bool(true),
			NextContinuationToken: aws.String("next"),
		},
		{
			Contents: []types.Object{
				{Key: aws.String("sets/gb/B (Japan).zip"), Size: aws.Int64(20)},
				{Key: aws.String("sets/gb/nested/C.zip"), Size: aws.Int64(30)},
			},
		},
	}}
	s := newS3Source(fake, "roms", "/sets/")
	l, err := s.List(context.Background(), "gb")
	require.NoError(t, err)
	assert.Equal(t, "sets/gb/", fake.prefix)
	require.Len(t, l.Entries, 2)
	assert.Equal(t, "A (USA).zip", l.Entries[0].Filename)
	assert.True(t, l.Entries[0].SizeExact)
	assert.Equal(t, "2024-05-01T12:00:00Z", l.Fingerprint)
	assert.Equal(t, int64(20), l.Entries[1].Size)
}

func TestS3SourceOpen(t *testing.T) {
	fake := &fakeS3{}
	s := newS3Source(fake, "roms", "sets")
	obj, err := s.Open(context.Background(), "gb", "A (USA).zip", 6)
	require.NoError(t, err)
	assert.Equal(t, "bytes=6-", aws.ToString(fake.get.Range))
	assert.Equal(t, "sets/gb/A (USA).zip", aws.ToString(fake.get.Key))
	assert.Equal(t, int64(6), obj.Offset)
	assert.Equal(t, int64(10), obj.Size)

	_, err = s.Open(context.Background(), "gb", "missing.zip", 0)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}
