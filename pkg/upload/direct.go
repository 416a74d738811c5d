package upload

import (
	"context"
	"time"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/auth"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/storage"
)

// minPartSize is the S3 multipart lower bound for every part but the last.
const minPartSize = int64(5 * 1024 * 1024)

// InitDirectResult is returned from a direct (presigned multipart) init.
type InitDirectResult struct {
	SessionID     string   `json:"session_id"`
	UploadID      string   `json:"upload_id"`
	Key           string   `json:"key"`
	PartSize      int64    `json:"part_size"`
	TotalParts    int      `json:"total_parts"`
	PresignedURLs []string `json:"presigned_urls"`
	ExpiresIn     int64    `json:"expires_in"`
}

// InitDirect starts a direct upload: the client PUTs parts straight to the
// object store through presigned URLs. Requires a backend with native
// multipart support.
func (m *Manager) InitDirect(ctx context.Context, principal *auth.Principal, req InitRequest) (*InitDirectResult, error) {
	const op = "upload.InitDirect"

	mp, ok := m.provider.(storage.MultipartProvider)
	if !ok {
		return nil, errs.Validation(op, "the %s backend does not support direct uploads", m.provider.Name())
	}

	session, err := m.admit(ctx, op, principal, req, models.VariantDirect)
	if err != nil {
		return nil, err
	}

	partSize := m.partSize()
	if partSize < minPartSize {
		partSize = minPartSize
	}
	session.ChunkSize = partSize
	session.TotalChunks = totalChunks(req.Size, partSize)

	uploadID, err := mp.InitMultipart(ctx, session.StorageKey, storage.TierHot)
	if err != nil {
		return nil, err
	}
	session.MultipartUploadID = uploadID

	ttl := m.cfg.PresignedExpiry
	if ttl <= 0 {
		ttl = time.Hour
	}
	urls := make([]string, session.TotalChunks)
	for i := range urls {
		// Part numbers are 1-based on the wire.
		url, err := mp.SignPartUpload(ctx, session.StorageKey, uploadID, i+1, ttl)
		if err != nil {
			abortQuietly(ctx, mp, session.StorageKey, uploadID)
			return nil, err
		}
		urls[i] = url
	}

	if _, err := m.store.CreateSession(ctx, session); err != nil {
		abortQuietly(ctx, mp, session.StorageKey, uploadID)
		return nil, errs.Internal(op, err)
	}

	logger.InfoCtx(ctx, "direct upload session started",
		logger.KeySessionID, session.ID,
		logger.KeyUserID, principal.UserID,
		logger.KeySize, req.Size,
		logger.KeyPart, session.TotalChunks)

	return &InitDirectResult{
		SessionID:     session.ID,
		UploadID:      uploadID,
		Key:           session.StorageKey,
		PartSize:      partSize,
		TotalParts:    session.TotalChunks,
		PresignedURLs: urls,
		ExpiresIn:     int64(ttl.Seconds()),
	}, nil
}

// CompleteDirect finalizes a direct session. Parts must arrive sorted by
// part number, 1..totalParts with no duplicates or gaps; the object store
// enforces the same rule, but validating here gives the client a clear
// error before a round trip.
func (m *Manager) CompleteDirect(ctx context.Context, principal *auth.Principal, sessionID string, parts []storage.CompletedPart) (*CompleteResult, error) {
	const op = "upload.CompleteDirect"

	session, err := m.loadOwned(ctx, op, principal, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Variant != string(models.VariantDirect) {
		return nil, errs.Validation(op, "use the proxied completion endpoint for proxied sessions")
	}
	mp, ok := m.provider.(storage.MultipartProvider)
	if !ok {
		return nil, errs.Validation(op, "the %s backend does not support direct uploads", m.provider.Name())
	}

	if err := validateParts(op, parts, session.TotalChunks); err != nil {
		return nil, err
	}

	if err := m.claimFinalize(ctx, op, session); err != nil {
		return nil, err
	}
	if session.Status == string(models.SessionCompleted) {
		return m.completedResult(ctx, op, session)
	}

	if session.TotalChunks == 0 {
		// Zero-byte uploads have no parts; write the empty object directly.
		if err := m.materialize(ctx, session); err != nil {
			return nil, err
		}
		abortQuietly(ctx, mp, session.StorageKey, session.MultipartUploadID)
	} else if info, err := m.provider.Metadata(ctx, session.StorageKey, storage.TierHot); err != nil || info.Size != session.TotalSize {
		// Metadata hit means an earlier CompleteMultipart already landed; a
		// second complete would fail on a consumed upload id.
		if err := mp.CompleteMultipart(ctx, session.StorageKey, session.MultipartUploadID, parts); err != nil {
			return nil, err
		}
	}

	return m.finalize(ctx, op, session)
}

// AbortDirect cancels a direct session and the multipart upload behind it.
// Idempotent.
func (m *Manager) AbortDirect(ctx context.Context, principal *auth.Principal, sessionID string) error {
	const op = "upload.AbortDirect"

	session, err := m.loadOwned(ctx, op, principal, sessionID)
	if err != nil {
		return err
	}
	if session.Variant != string(models.VariantDirect) {
		return errs.Validation(op, "use the proxied abort endpoint for proxied sessions")
	}
	if session.Status == string(models.SessionCompleted) {
		return errs.Conflict(op, "session already completed")
	}

	ok, err := m.store.AbortSession(ctx, session.ID)
	if err != nil {
		return errs.Internal(op, err)
	}
	if !ok {
		return nil
	}

	if mp, isMP := m.provider.(storage.MultipartProvider); isMP && session.MultipartUploadID != "" {
		abortQuietly(ctx, mp, session.StorageKey, session.MultipartUploadID)
	}
	logger.InfoCtx(ctx, "direct upload aborted", logger.KeySessionID, session.ID)
	return nil
}

// validateParts enforces ascending part numbers with no duplicates or
// gaps, matching what CompleteMultipart will accept.
func validateParts(op string, parts []storage.CompletedPart, total int) error {
	if len(parts) != total {
		return errs.Validation(op, "expected %d parts, got %d", total, len(parts))
	}
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return errs.Validation(op, "parts must be sorted 1..%d with no gaps", total)
		}
		if p.ETag == "" {
			return errs.Validation(op, "part %d is missing its etag", p.PartNumber)
		}
	}
	return nil
}

func abortQuietly(ctx context.Context, mp storage.MultipartProvider, key, uploadID string) {
	if err := mp.AbortMultipart(ctx, key, uploadID); err != nil {
		logger.WarnCtx(ctx, "multipart abort failed, sweeper will retry",
			logger.KeyKey, key, logger.KeyError, err)
	}
}
