// Package download streams file bytes to clients, enforcing access rules
// and maintaining the counters the lifecycle workers depend on. Owner and
// admin reads bypass every counter; third-party and anonymous reads feed
// the download count, the bounded unique-IP set and the anti-abuse expiry
// shortening.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/auth"
	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/store"
)

// Service serves file metadata and content.
type Service struct {
	store    *store.Store
	provider storage.Provider
	expiry   config.ExpiryConfig
	tiering  config.TieringConfig

	// now is swappable for tests.
	now func() time.Time
}

// NewService creates a download service.
func NewService(s *store.Store, provider storage.Provider, expiry config.ExpiryConfig, tiering config.TieringConfig) *Service {
	return &Service{
		store:    s,
		provider: provider,
		expiry:   expiry,
		tiering:  tiering,
		now:      time.Now,
	}
}

// FileView is the public, non-sensitive projection of a file.
type FileView struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	MimeType     string    `json:"mime_type"`
	Size         int64     `json:"size"`
	Downloads    int64     `json:"downloads"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    *string   `json:"expires_at,omitempty"`
}

// Result carries an open stream and the headers the HTTP layer needs.
// The caller must close Body.
type Result struct {
	File          *models.File
	Body          io.ReadCloser
	ContentLength int64

	// Partial is set for range responses; ContentRange then holds the
	// Content-Range header value.
	Partial      bool
	ContentRange string
}

// Info returns public metadata for a live, unexpired file.
func (s *Service) Info(ctx context.Context, fileID string) (*FileView, error) {
	const op = "download.Info"

	file, err := s.liveFile(ctx, op, fileID)
	if err != nil {
		return nil, err
	}

	view := &FileView{
		ID:           file.ID,
		OriginalName: file.OriginalName,
		MimeType:     file.MimeType,
		Size:         file.Size,
		Downloads:    file.Downloads,
		CreatedAt:    file.CreatedAt,
	}
	if file.ExpiresAt != nil {
		e := file.ExpiresAt.UTC().Format(time.RFC3339)
		view.ExpiresAt = &e
	}
	return view, nil
}

// Download opens a stream over the file, optionally restricted by an HTTP
// Range header. The principal may be nil for anonymous downloads.
func (s *Service) Download(ctx context.Context, principal *auth.Principal, fileID, clientIP, rangeHeader string) (*Result, error) {
	const op = "download.Download"

	file, err := s.liveFile(ctx, op, fileID)
	if err != nil {
		return nil, err
	}

	rng, err := ParseRange(rangeHeader, file.Size)
	if err != nil {
		return nil, err
	}

	// Owner and admin reads leave no trace: neither the counters nor the
	// last-access clock that feeds inactivity cleanup and tiering moves.
	if !s.bypassCounters(principal, file) {
		s.recordDownload(ctx, file, clientIP, s.now())
	}

	body, err := s.provider.Stream(ctx, file.StorageKey, storage.Tier(file.StorageTier), rng)
	if err != nil {
		return nil, err
	}

	result := &Result{File: file, Body: body, ContentLength: file.Size}
	if rng != nil {
		result.Partial = true
		result.ContentLength = rng.End - rng.Start + 1
		result.ContentRange = fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, file.Size)
	}
	return result, nil
}

// bypassCounters reports whether this principal reads without side effects
// on the download counters.
func (s *Service) bypassCounters(principal *auth.Principal, file *models.File) bool {
	if principal == nil {
		return false
	}
	return principal.UserID == file.UserID || principal.IsAdmin()
}

// recordDownload applies the third-party download side effects: the atomic
// counter bundle, the bounded unique-IP set, and anti-abuse expiry
// shortening for free owners. Counter failures are logged, never surfaced;
// the stream still flows.
func (s *Service) recordDownload(ctx context.Context, file *models.File, clientIP string, now time.Time) {
	windowStart := now.AddDate(0, 0, -s.tiering.WindowDays)
	if err := s.store.RecordDownload(ctx, file.ID, now, windowStart); err != nil {
		logger.WarnCtx(ctx, "failed to record download",
			logger.KeyFileID, file.ID, logger.KeyError, err)
		return
	}

	if clientIP != "" {
		if _, err := s.store.InsertDownloadIP(ctx, file.ID, clientIP, now); err != nil {
			logger.WarnCtx(ctx, "failed to record download ip",
				logger.KeyFileID, file.ID, logger.KeyError, err)
		}
	}

	s.maybeShortenExpiry(ctx, file, now)
}

// maybeShortenExpiry applies the anti-abuse rule: once a free user's file
// has been fetched from enough distinct IPs, its expiry collapses to a
// short horizon. Expiry is only ever moved earlier.
func (s *Service) maybeShortenExpiry(ctx context.Context, file *models.File, now time.Time) {
	count, err := s.store.CountDownloadIPs(ctx, file.ID)
	if err != nil || count < int64(s.expiry.DownloadThreshold) {
		return
	}

	owner, err := s.store.GetUserByID(ctx, file.UserID)
	if err != nil || owner.EffectiveRole(now) != models.RoleFree {
		return
	}

	newExpiry := now.AddDate(0, 0, s.expiry.DaysAfterThreshold)
	changed, err := s.store.ShortenExpiry(ctx, file.ID, newExpiry)
	if err != nil {
		logger.WarnCtx(ctx, "failed to shorten expiry",
			logger.KeyFileID, file.ID, logger.KeyError, err)
		return
	}
	if changed {
		logger.InfoCtx(ctx, "expiry shortened after distinct-ip threshold",
			logger.KeyFileID, file.ID, "unique_ips", count)
	}
}

// liveFile loads a file that exists, is not deleted and is not expired.
// All three failure modes look identical to the caller.
func (s *Service) liveFile(ctx context.Context, op string, fileID string) (*models.File, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, models.ErrFileNotFound) {
			return nil, errs.NotFound(op, "file not found")
		}
		return nil, errs.Internal(op, err)
	}
	if file.IsExpired(s.now()) {
		return nil, errs.NotFound(op, "file not found")
	}
	return file, nil
}
