package s3

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/storage"
)

// InitMultipart starts a native multipart upload for the direct variant
// and returns its upload id.
func (s *Store) InitMultipart(ctx context.Context, key string, tier storage.Tier) (string, error) {
	const op = "s3.InitMultipart"
	if err := ctx.Err(); err != nil {
		return "", err
	}

	qualified := storage.QualifyKey(key, tier)
	out, err := s.client.CreateMultipartUpload(ctx, &awss3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(qualified),
	})
	if err != nil {
		return "", errs.Storage(op, err)
	}
	return aws.ToString(out.UploadId), nil
}

// SignPartUpload returns a presigned HTTP PUT URL for one part. The
// client uploads the raw part body to this URL and collects the response
// ETag for CompleteMultipart.
func (s *Store) SignPartUpload(ctx context.Context, key, uploadID string, partNumber int, ttl time.Duration) (string, error) {
	const op = "s3.SignPartUpload"
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if partNumber < 1 || partNumber > 10000 {
		return "", errs.Validation(op, "part number %d out of range 1..10000", partNumber)
	}

	req, err := s.presign.PresignUploadPart(ctx, &awss3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, func(opts *awss3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", errs.Storage(op, err)
	}
	return req.URL, nil
}

// CompleteMultipart finalizes a direct upload. Parts must arrive in
// ascending part-number order starting at 1 with no duplicates or gaps;
// anything else is a Validation error before any call reaches S3.
func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []storage.CompletedPart) error {
	const op = "s3.CompleteMultipart"
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(parts) == 0 {
		return errs.Validation(op, "no parts supplied")
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return errs.Validation(op, "parts must be ascending and contiguous: got part %d at position %d", p.PartNumber, i+1)
		}
		if p.ETag == "" {
			return errs.Validation(op, "part %d has no etag", p.PartNumber)
		}
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(stripQuotes(p.ETag)),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		if isNotFound(err) {
			return errs.NotFound(op, "multipart upload not found")
		}
		return errs.Storage(op, err)
	}
	return nil
}

// AbortMultipart cancels a direct upload and releases its stored parts.
// Aborting an unknown upload succeeds, so sweeper retries are safe.
func (s *Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	const op = "s3.AbortMultipart"
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !isNotFound(err) {
		return errs.Storage(op, err)
	}
	return nil
}
