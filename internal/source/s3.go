package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/xxxsen/romfetch/internal/config"
	"github.com/xxxsen/romfetch/internal/listing"
)

type s3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source serves a bucket prefix as a directory tree.
type S3Source struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Source builds a source backed by AWS S3 (or compatible) based on config.
func NewS3Source(ctx context.Context, cfg config.S3Config) (*S3Source, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := normalizeEndpoint(cfg.Host)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return newS3Source(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Source(client s3API, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Source) key(dir, name string) string {
	return strings.TrimPrefix(path.Join(s.prefix, dir, name), "/")
}

// List returns the objects directly under dir. Deeper keys are reported by
// S3 as common prefixes and skipped.
func (s *S3Source) List(ctx context.Context, dir string) (*listing.Listing, error) {
	prefix := s.key(dir, "")
	if prefix != "" {
		prefix += "/"
	}
	var (
		entries      []listing.Entry
		continuation *string
	)
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, wrapS3Error(fmt.Errorf("list objects in %s/%s: %w", s.bucket, prefix, err))
		}
		for _, obj := range resp.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			e := listing.Entry{Filename: name, Size: aws.ToInt64(obj.Size), SizeExact: true}
			if obj.LastModified != nil {
				e.LastModified = listing.FormatTime(*obj.LastModified)
			}
			entries = append(entries, e)
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		continuation = resp.NextContinuationToken
	}
	return &listing.Listing{Entries: entries, Fingerprint: listing.Newest(entries)}, nil
}

// Open fetches an object, starting at offset when positive.
func (s *S3Source) Open(ctx context.Context, dir, name string, offset int64) (*Object, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(dir, name)),
	}
	if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		return nil, wrapS3Error(fmt.Errorf("get object %s/%s: %w", s.bucket, aws.ToString(in.Key), err))
	}
	obj := &Object{Body: out.Body, Size: -1}
	if out.ContentRange != nil && offset > 0 {
		obj.Offset = offset
		obj.Size = totalFromContentRange(aws.ToString(out.ContentRange))
	} else if out.ContentLength != nil {
		obj.Size = aws.ToInt64(out.ContentLength)
	}
	return obj, nil
}

func wrapS3Error(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var (
		noKey    *types.NoSuchKey
		noBucket *types.NoSuchBucket
	)
	if errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return err
	}
	return &TransportError{Err: err}
}

func normalizeEndpoint(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if strings.Contains(host, "://") {
		return host
	}
	u := url.URL{
		Scheme: "https",
		Host:   host,
	}
	return u.String()
}
