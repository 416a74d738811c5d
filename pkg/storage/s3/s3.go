// Package s3 implements the storage provider on Amazon S3 or any
// S3-compatible object store (MinIO, R2, ...).
//
// Tiers map to key prefixes inside a single bucket ("hot/", "cold/").
// Keys returned by this provider are fully qualified; callers pass them
// back verbatim and the provider never applies a prefix twice.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/storage"
)

// Store is an S3-backed storage provider.
type Store struct {
	client  *awss3.Client
	presign *awss3.PresignClient
	bucket  string
	retry   retryConfig
}

// retryConfig holds retry settings for transient S3 failures.
type retryConfig struct {
	maxRetries     uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Config contains configuration for the S3 storage provider.
type Config struct {
	// Client is the configured S3 client. Required.
	Client *awss3.Client

	// Bucket is the bucket holding all tiers. Required; must exist.
	Bucket string

	// MaxRetries bounds retries of transient failures (default 3).
	MaxRetries uint

	// InitialBackoff is the first retry delay (default 100ms); doubles up
	// to MaxBackoff (default 2s).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// NewClient creates an S3 client from flat configuration values. Endpoint
// is optional; when set (MinIO, R2) path-style addressing is usually
// required as well.
func NewClient(ctx context.Context, endpoint, region, accessKeyID, secretAccessKey string, forcePathStyle bool) (*awss3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})
	return client, nil
}

// New creates an S3 storage provider and verifies bucket access. The
// bucket must already exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	if _, err := cfg.Client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	retry := retryConfig{
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
	if retry.maxRetries == 0 {
		retry.maxRetries = 3
	}
	if retry.initialBackoff == 0 {
		retry.initialBackoff = 100 * time.Millisecond
	}
	if retry.maxBackoff == 0 {
		retry.maxBackoff = 2 * time.Second
	}

	return &Store{
		client:  cfg.Client,
		presign: awss3.NewPresignClient(cfg.Client),
		bucket:  cfg.Bucket,
		retry:   retry,
	}, nil
}

// Name identifies the backend.
func (s *Store) Name() string { return "s3" }

// Write stores size bytes from r at key with overwrite semantics. Bodies
// are buffered so the request can be signed and retried; callers keep
// writes bounded (chunk-sized) and use Assemble or multipart for large
// objects.
func (s *Store) Write(ctx context.Context, key string, r io.Reader, size int64, tier storage.Tier, meta storage.WriteMeta) (storage.ObjectInfo, error) {
	const op = "s3.Write"
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}

	qualified := storage.QualifyKey(key, tier)
	body, err := io.ReadAll(r)
	if err != nil {
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}
	if size >= 0 && int64(len(body)) != size {
		return storage.ObjectInfo{}, errs.Validation(op, "expected %d bytes, got %d", size, len(body))
	}

	input := &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(qualified),
		Body:   bytes.NewReader(body),
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}

	var out *awss3.PutObjectOutput
	err = s.withRetry(ctx, op, func() error {
		input.Body = bytes.NewReader(body)
		var putErr error
		out, putErr = s.client.PutObject(ctx, input)
		return putErr
	})
	if err != nil {
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}

	return storage.ObjectInfo{
		Key:         qualified,
		Tier:        tierOfKey(qualified),
		Size:        int64(len(body)),
		ContentType: meta.ContentType,
		ETag:        stripQuotes(aws.ToString(out.ETag)),
		ModifiedAt:  time.Now().UTC(),
	}, nil
}

// Read returns the whole object.
func (s *Store) Read(ctx context.Context, key string, tier storage.Tier) (io.ReadCloser, error) {
	return s.Stream(ctx, key, tier, nil)
}

// Stream returns the object, restricted to rng when non-nil via an HTTP
// Range request. An unsatisfiable range maps to a Validation error.
func (s *Store) Stream(ctx context.Context, key string, tier storage.Tier, rng *storage.ByteRange) (io.ReadCloser, error) {
	const op = "s3.Stream"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qualified := storage.QualifyKey(key, tier)
	input := &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(qualified),
	}
	if rng != nil {
		if rng.Start < 0 || (rng.End != -1 && rng.End < rng.Start) {
			return nil, errs.Validation(op, "invalid byte range")
		}
		if rng.End == -1 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", rng.Start))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
		}
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		switch {
		case isNotFound(err):
			return nil, errs.NotFound(op, "object not found")
		case isInvalidRange(err):
			return nil, errs.Validation(op, "range not satisfiable")
		}
		return nil, errs.Storage(op, err)
	}
	return out.Body, nil
}

// Delete removes the object. S3 DeleteObject succeeds for absent keys, so
// deletion is naturally idempotent.
func (s *Store) Delete(ctx context.Context, key string, tier storage.Tier) (bool, error) {
	const op = "s3.Delete"
	if err := ctx.Err(); err != nil {
		return false, err
	}

	qualified := storage.QualifyKey(key, tier)
	err := s.withRetry(ctx, op, func() error {
		_, delErr := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(qualified),
		})
		return delErr
	})
	if err != nil {
		return false, errs.Storage(op, err)
	}
	return true, nil
}

// Exists reports whether the object is present.
func (s *Store) Exists(ctx context.Context, key string, tier storage.Tier) (bool, error) {
	_, err := s.Metadata(ctx, key, tier)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Metadata returns object info from a HeadObject call.
func (s *Store) Metadata(ctx context.Context, key string, tier storage.Tier) (storage.ObjectInfo, error) {
	const op = "s3.Metadata"
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}

	qualified := storage.QualifyKey(key, tier)
	out, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(qualified),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.ObjectInfo{}, errs.NotFound(op, "object not found")
		}
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}

	return storage.ObjectInfo{
		Key:         qualified,
		Tier:        tierOfKey(qualified),
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ETag:        stripQuotes(aws.ToString(out.ETag)),
		ModifiedAt:  aws.ToTime(out.LastModified),
	}, nil
}

// Migrate moves the object between tier prefixes with a server-side copy
// followed by a delete of the source. A failure before the delete leaves
// the source untouched; re-running a finished migration succeeds.
func (s *Store) Migrate(ctx context.Context, key string, from, to storage.Tier) (storage.ObjectInfo, error) {
	const op = "s3.Migrate"
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}
	if from == to {
		return s.Metadata(ctx, key, from)
	}

	srcKey := storage.Requalify(key, from)
	dstKey := storage.Requalify(key, to)

	err := s.withRetry(ctx, op, func() error {
		_, copyErr := s.client.CopyObject(ctx, &awss3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(s.bucket + "/" + srcKey),
		})
		return copyErr
	})
	if err != nil {
		if isNotFound(err) {
			// Source gone: a previous migration may have finished.
			if info, metaErr := s.Metadata(ctx, dstKey, to); metaErr == nil {
				return info, nil
			}
			return storage.ObjectInfo{}, errs.NotFound(op, "object not found")
		}
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}

	if _, err := s.Delete(ctx, srcKey, from); err != nil {
		return storage.ObjectInfo{}, errs.Storage(op, fmt.Errorf("source cleanup after copy: %w", err))
	}
	return s.Metadata(ctx, dstKey, to)
}

// withRetry runs fn, retrying transient failures with exponential backoff.
// Not-found and other client errors are surfaced immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := s.retry.initialBackoff
	var err error
	for attempt := uint(0); ; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) || attempt >= s.retry.maxRetries {
			return err
		}
		logger.Warn("retrying S3 operation",
			"op", op, "attempt", attempt+1, "max_retries", s.retry.maxRetries, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > s.retry.maxBackoff {
			backoff = s.retry.maxBackoff
		}
	}
}

// isNotFound classifies missing-object errors across S3 implementations.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchUpload":
			return true
		}
	}
	return false
}

// isInvalidRange classifies unsatisfiable Range requests.
func isInvalidRange(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange"
}

// isTransient classifies errors worth retrying: throttling and 5xx.
func isTransient(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "503":
			return true
		}
		return false
	}
	// Network-level failures come through as plain errors.
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// stripQuotes removes the surrounding quotes S3 puts on ETags.
func stripQuotes(etag string) string {
	return strings.Trim(etag, `"`)
}

// tierOfKey reports the tier prefix a qualified key carries, defaulting to
// hot.
func tierOfKey(qualified string) storage.Tier {
	if _, tier, ok := storage.StripTier(qualified); ok {
		return tier
	}
	return storage.TierHot
}

var (
	_ storage.Provider          = (*Store)(nil)
	_ storage.MultipartProvider = (*Store)(nil)
)
