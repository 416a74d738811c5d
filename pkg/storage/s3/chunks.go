package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/storage"
)

// WriteChunk stores one proxied-upload chunk as its own object under the
// session's temp prefix. Overwrite semantics make retries safe.
func (s *Store) WriteChunk(ctx context.Context, sessionID string, index int, r io.Reader, size int64) error {
	const op = "s3.WriteChunk"
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return errs.Storage(op, err)
	}
	if size >= 0 && int64(len(body)) != size {
		return errs.Validation(op, "chunk %d: expected %d bytes, got %d", index, size, len(body))
	}

	key := storage.ChunkKey(sessionID, index)
	return s.withRetry(ctx, op, func() error {
		_, putErr := s.client.PutObject(ctx, &awss3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(body),
		})
		if putErr != nil {
			return errs.Storage(op, putErr)
		}
		return nil
	})
}

// Assemble concatenates the session's chunk objects into finalKey using a
// server-side multipart upload with UploadPartCopy, so chunk bytes never
// round-trip through this process. Chunk sizes must satisfy the S3 5 MiB
// part minimum for all but the last part, which the upload manager's chunk
// sizing guarantees.
//
// If a chunk is missing but the final object already exists, a previous
// assembly completed; the call repeats only the cleanup.
func (s *Store) Assemble(ctx context.Context, sessionID, finalKey string, totalChunks int, tier storage.Tier) (storage.ObjectInfo, error) {
	const op = "s3.Assemble"
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}

	qualified := storage.QualifyKey(finalKey, tier)

	if totalChunks == 0 {
		// Zero-byte upload: write an empty object directly.
		return s.Write(ctx, qualified, bytes.NewReader(nil), 0, tier, storage.WriteMeta{})
	}

	for i := 0; i < totalChunks; i++ {
		exists, err := s.Exists(ctx, storage.ChunkKey(sessionID, i), "")
		if err != nil {
			return storage.ObjectInfo{}, err
		}
		if !exists {
			if info, metaErr := s.Metadata(ctx, qualified, tier); metaErr == nil {
				_ = s.DeleteChunks(ctx, sessionID)
				return info, nil
			}
			return storage.ObjectInfo{}, errs.Storage(op, fmt.Errorf("chunk %d missing", i))
		}
	}

	create, err := s.client.CreateMultipartUpload(ctx, &awss3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(qualified),
	})
	if err != nil {
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}
	uploadID := aws.ToString(create.UploadId)

	completed := make([]types.CompletedPart, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		partNumber := int32(i + 1)
		srcKey := storage.ChunkKey(sessionID, i)
		var part *awss3.UploadPartCopyOutput
		err = s.withRetry(ctx, op, func() error {
			var copyErr error
			part, copyErr = s.client.UploadPartCopy(ctx, &awss3.UploadPartCopyInput{
				Bucket:     aws.String(s.bucket),
				Key:        aws.String(qualified),
				UploadId:   aws.String(uploadID),
				PartNumber: aws.Int32(partNumber),
				CopySource: aws.String(s.bucket + "/" + srcKey),
			})
			return copyErr
		})
		if err != nil {
			s.abortAssembly(ctx, qualified, uploadID)
			return storage.ObjectInfo{}, errs.Storage(op, err)
		}
		completed = append(completed, types.CompletedPart{
			ETag:       part.CopyPartResult.ETag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	if _, err = s.client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(qualified),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	}); err != nil {
		s.abortAssembly(ctx, qualified, uploadID)
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}

	if err := s.DeleteChunks(ctx, sessionID); err != nil {
		logger.Warn("failed to clean up chunks after assembly",
			"session_id", sessionID, "error", err)
	}

	return s.Metadata(ctx, qualified, tier)
}

// abortAssembly releases a failed assembly upload. Best effort.
func (s *Store) abortAssembly(ctx context.Context, key, uploadID string) {
	if _, err := s.client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}); err != nil && !isNotFound(err) {
		logger.Warn("failed to abort assembly upload", "key", key, "error", err)
	}
}

// DeleteChunks removes every chunk object under the session's temp
// prefix. Best effort and idempotent.
func (s *Store) DeleteChunks(ctx context.Context, sessionID string) error {
	const op = "s3.DeleteChunks"
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := storage.ChunkDirKey(sessionID) + "/"
	paginator := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return errs.Storage(op, err)
		}
		for _, obj := range page.Contents {
			if _, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return errs.Storage(op, err)
			}
		}
	}
	return nil
}
