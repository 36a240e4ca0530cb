// Package s3 provides a backend that stores the directory tree in an S3 or
// MinIO bucket. Directories are "/"-delimited key prefixes with a zero-byte
// marker object; files are zero-byte objects.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/treemirror/internal/backend"
	"github.com/fruitsalade/treemirror/internal/logging"
	"github.com/fruitsalade/treemirror/internal/metrics"
)

const delimiter = "/"

// deleteBatch is the DeleteObjects per-request limit.
const deleteBatch = 1000

// Config is a JSON-serializable S3 backend configuration.
type Config struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Region    string `json:"region" yaml:"region"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

// API is the subset of the S3 client used by the backend.
type API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Backend implements backend.Backend on an S3 bucket.
type S3Backend struct {
	client API
	bucket string
	prefix string
	log    *zap.Logger
}

// New creates an S3 backend and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := endpointURL(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	b := NewWithClient(client, cfg.Bucket, cfg.Prefix)
	if err := b.ensureBucket(ctx); err != nil {
		b.log.Error("bucket check failed", zap.Error(err))
	}
	return b, nil
}

// NewFromJSON creates an S3Backend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*S3Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return New(ctx, cfg)
}

// NewWithClient wraps an existing client. No bucket check is made.
func NewWithClient(client API, bucket, prefix string) *S3Backend {
	return &S3Backend{
		client: client,
		bucket: bucket,
		prefix: normalizePrefix(prefix),
		log:    logging.Named("s3"),
	}
}

// endpointURL adds a scheme to bare host:port endpoints.
func endpointURL(endpoint string, useSSL bool) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// normalizePrefix returns "" or a prefix ending in exactly one "/".
func normalizePrefix(p string) string {
	p = strings.Trim(p, delimiter)
	if p == "" {
		return ""
	}
	return p + delimiter
}

// childName returns the single path segment of key below prefix.
func childName(prefix, key string) string {
	return strings.TrimSuffix(strings.TrimPrefix(key, prefix), delimiter)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}

func observe(op string, start time.Time, err error) {
	metrics.RecordBackendOperation("s3", op, time.Since(start), err == nil)
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	observe("head_bucket", start, err)
	if err == nil {
		return nil
	}

	start = time.Now()
	_, err = b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
	observe("create_bucket", start, err)
	if err != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, err)
	}
	b.log.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

func (b *S3Backend) Root(_ context.Context) (backend.Directory, error) {
	return &dir{b: b, prefix: b.prefix, root: true}, nil
}

func (b *S3Backend) Type() string { return "s3" }

func (b *S3Backend) Close() error { return nil }

// objectExists reports whether key exists.
func (b *S3Backend) objectExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil && isNotFound(err) {
		observe("head_object", start, nil)
		return false, nil
	}
	observe("head_object", start, err)
	if err != nil {
		return false, fmt.Errorf("head object %s: %w", key, err)
	}
	return true, nil
}

// prefixExists reports whether any object lives under prefix.
func (b *S3Backend) prefixExists(ctx context.Context, prefix string) (bool, error) {
	start := time.Now()
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	observe("list_objects", start, err)
	if err != nil {
		return false, fmt.Errorf("list %s: %w", prefix, err)
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

func (b *S3Backend) putEmpty(ctx context.Context, key string) error {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(""),
	})
	observe("put_object", start, err)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

type dir struct {
	b      *S3Backend
	prefix string
	root   bool
}

type file struct {
	name string
}

func (f *file) Name() string       { return f.name }
func (f *file) Kind() backend.Kind { return backend.KindFile }

func (d *dir) Name() string {
	if d.root {
		return delimiter
	}
	p := strings.TrimSuffix(d.prefix, delimiter)
	return p[strings.LastIndex(p, delimiter)+1:]
}

func (d *dir) Kind() backend.Kind { return backend.KindDirectory }

// checkSelf fails with backend.ErrNotFound when nothing, not even the
// marker, remains under the directory prefix.
func (d *dir) checkSelf(ctx context.Context) error {
	if d.root {
		return nil
	}
	ok, err := d.b.prefixExists(ctx, d.prefix)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("directory %s: %w", d.prefix, backend.ErrNotFound)
	}
	return nil
}

func (d *dir) Entries(ctx context.Context) ([]backend.Handle, error) {
	paginator := s3.NewListObjectsV2Paginator(d.b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.b.bucket),
		Prefix:    aws.String(d.prefix),
		Delimiter: aws.String(delimiter),
	})

	var (
		handles []backend.Handle
		seen    bool
	)
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("list_objects", start, err)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", d.prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			seen = true
			p := aws.ToString(cp.Prefix)
			if childName(d.prefix, p) == "" {
				continue
			}
			handles = append(handles, &dir{b: d.b, prefix: p})
		}
		for _, obj := range page.Contents {
			seen = true
			key := aws.ToString(obj.Key)
			if key == d.prefix {
				continue
			}
			handles = append(handles, &file{name: childName(d.prefix, key)})
		}
	}

	if !seen && !d.root {
		return nil, fmt.Errorf("directory %s: %w", d.prefix, backend.ErrNotFound)
	}
	return handles, nil
}

func (d *dir) Subdirectory(ctx context.Context, name string) (backend.Directory, error) {
	if err := backend.ValidateName(name); err != nil {
		return nil, err
	}
	if err := d.checkSelf(ctx); err != nil {
		return nil, err
	}

	key := d.prefix + name
	isFile, err := d.b.objectExists(ctx, key)
	if err != nil {
		return nil, err
	}
	if isFile {
		return nil, fmt.Errorf("mkdir %s: %w", key, backend.ErrTypeMismatch)
	}

	marker := key + delimiter
	if err := d.b.putEmpty(ctx, marker); err != nil {
		return nil, err
	}
	return &dir{b: d.b, prefix: marker}, nil
}

func (d *dir) File(ctx context.Context, name string) (backend.Handle, error) {
	if err := backend.ValidateName(name); err != nil {
		return nil, err
	}
	if err := d.checkSelf(ctx); err != nil {
		return nil, err
	}

	key := d.prefix + name
	isDir, err := d.b.prefixExists(ctx, key+delimiter)
	if err != nil {
		return nil, err
	}
	if isDir {
		return nil, fmt.Errorf("create %s: %w", key, backend.ErrTypeMismatch)
	}

	exists, err := d.b.objectExists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := d.b.putEmpty(ctx, key); err != nil {
			return nil, err
		}
	}
	return &file{name: name}, nil
}

// RemoveAll deletes every object under the directory prefix, including its
// marker. The root has no marker, so it survives.
func (d *dir) RemoveAll(ctx context.Context) error {
	paginator := s3.NewListObjectsV2Paginator(d.b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.b.bucket),
		Prefix: aws.String(d.prefix),
	})

	var batch []types.ObjectIdentifier
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		start := time.Now()
		out, err := d.b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(d.b.bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err == nil && len(out.Errors) > 0 {
			first := out.Errors[0]
			err = fmt.Errorf("%d of %d objects not deleted, first %s: %s %s",
				len(out.Errors), len(batch), aws.ToString(first.Key),
				aws.ToString(first.Code), aws.ToString(first.Message))
		}
		observe("delete_objects", start, err)
		if err != nil {
			return fmt.Errorf("delete under %s: %w", d.prefix, err)
		}
		batch = batch[:0]
		return nil
	}

	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		observe("list_objects", start, err)
		if err != nil {
			return fmt.Errorf("list %s: %w", d.prefix, err)
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == deleteBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	d.b.log.Debug("removed prefix", zap.String("prefix", d.prefix))
	return nil
}
