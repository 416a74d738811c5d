// Package upload drives resumable uploads from init to completion, in two
// variants: proxied (the server mediates chunk PUTs and assembles the
// object) and direct (the client PUTs parts straight to the object store
// through presigned URLs). All post-assembly logic is shared by a single
// finalize path.
package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/auth"
	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/quota"
	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/store"
)

// Manager owns upload session state for both variants.
type Manager struct {
	store    *store.Store
	provider storage.Provider
	ledger   *quota.Ledger
	cfg      config.UploadConfig
	expiry   config.ExpiryConfig

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates an upload manager.
func NewManager(s *store.Store, provider storage.Provider, ledger *quota.Ledger, cfg config.UploadConfig, expiry config.ExpiryConfig) *Manager {
	return &Manager{
		store:    s,
		provider: provider,
		ledger:   ledger,
		cfg:      cfg,
		expiry:   expiry,
		now:      time.Now,
	}
}

// InitRequest carries the parameters of an upload init.
type InitRequest struct {
	Filename   string  `json:"filename"`
	Size       int64   `json:"size"`
	MimeType   string  `json:"mime_type,omitempty"`
	FolderID   *string `json:"folder_id,omitempty"`
	ClientHash string  `json:"sha256,omitempty"`
}

// InitResult is returned from a successful proxied init.
type InitResult struct {
	SessionID   string    `json:"session_id"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Progress reports the chunk bookkeeping of a session.
type Progress struct {
	UploadedChunks []int   `json:"uploaded_chunks"`
	TotalChunks    int     `json:"total_chunks"`
	Progress       float64 `json:"progress"`
	MissingChunks  []int   `json:"missing_chunks"`
	Status         string  `json:"status"`
}

// CompleteResult is returned once a session is finalized.
type CompleteResult struct {
	FileID string       `json:"file_id"`
	File   *models.File `json:"file"`
}

// StorageInfo describes the active backend to upload clients.
type StorageInfo struct {
	Provider        string `json:"provider"`
	DirectSupported bool   `json:"direct_supported"`
	ChunkSize       int64  `json:"chunk_size"`
	PartSize        int64  `json:"part_size"`
}

// Info reports the storage backend capabilities.
func (m *Manager) Info() StorageInfo {
	_, direct := m.provider.(storage.MultipartProvider)
	return StorageInfo{
		Provider:        m.provider.Name(),
		DirectSupported: direct,
		ChunkSize:       m.cfg.ChunkSize.Int64(),
		PartSize:        m.partSize(),
	}
}

// Init starts a proxied upload session.
func (m *Manager) Init(ctx context.Context, principal *auth.Principal, req InitRequest) (*InitResult, error) {
	const op = "upload.Init"

	session, err := m.admit(ctx, op, principal, req, models.VariantProxied)
	if err != nil {
		return nil, err
	}

	chunkSize := m.cfg.ChunkSize.Int64()
	session.ChunkSize = chunkSize
	session.TotalChunks = totalChunks(req.Size, chunkSize)

	if _, err := m.store.CreateSession(ctx, session); err != nil {
		return nil, errs.Internal(op, err)
	}

	logger.InfoCtx(ctx, "upload session started",
		logger.KeySessionID, session.ID,
		logger.KeyUserID, principal.UserID,
		logger.KeyFilename, session.Filename,
		logger.KeySize, req.Size,
		logger.KeyVariant, session.Variant)

	return &InitResult{
		SessionID:   session.ID,
		ChunkSize:   chunkSize,
		TotalChunks: session.TotalChunks,
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

// admit runs the shared init-time checks and builds the session record.
func (m *Manager) admit(ctx context.Context, op string, principal *auth.Principal, req InitRequest, variant models.UploadVariant) (*models.UploadSession, error) {
	if !principal.CanUpload() {
		return nil, errs.Forbidden(op, "account is not allowed to upload")
	}
	if req.Size < 0 {
		return nil, errs.Validation(op, "size must be non-negative")
	}
	if req.Filename == "" {
		return nil, errs.Validation(op, "filename is required")
	}
	if req.ClientHash != "" && !validHex256(req.ClientHash) {
		return nil, errs.Validation(op, "sha256 must be 64 hex characters")
	}

	user, err := m.store.GetUserByID(ctx, principal.UserID)
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	// The claims snapshot can lag behind an admin action; the account row
	// is the authority on whether uploads are still allowed.
	if user.Status != string(models.StatusActive) {
		return nil, errs.Forbidden(op, "account is not allowed to upload")
	}
	role := user.EffectiveRole(m.now())

	if max := m.maxFileSize(role); max > 0 && req.Size > max {
		return nil, errs.Validation(op, "file exceeds the maximum size for your plan")
	}
	if err := m.ledger.CanUpload(ctx, principal.UserID, role, req.Size); err != nil {
		return nil, err
	}

	if req.FolderID != nil {
		folder, err := m.store.GetFolder(ctx, *req.FolderID)
		if err != nil || folder.UserID != principal.UserID {
			return nil, errs.NotFound(op, "folder not found")
		}
	}

	return &models.UploadSession{
		UserID:     principal.UserID,
		FolderID:   req.FolderID,
		Filename:   SanitizeFilename(req.Filename),
		MimeType:   req.MimeType,
		TotalSize:  req.Size,
		StorageKey: newStorageKey(principal.UserID, req.Filename),
		Variant:    string(variant),
		Status:     string(models.SessionUploading),
		ClientHash: req.ClientHash,
		ExpiresAt:  m.now().Add(m.cfg.SessionTTL),
	}, nil
}

// PutChunk stores one proxied chunk and acknowledges it. Retrying the same
// (session, index) pair is safe: the temp write overwrites and the
// acknowledgement insert is idempotent.
func (m *Manager) PutChunk(ctx context.Context, principal *auth.Principal, sessionID string, index int, r io.Reader, size int64, chunkHash string) (*Progress, error) {
	const op = "upload.PutChunk"

	session, err := m.loadOwned(ctx, op, principal, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Variant != string(models.VariantProxied) {
		return nil, errs.Validation(op, "chunk upload applies to proxied sessions only")
	}
	if session.Status != string(models.SessionUploading) {
		return nil, errs.Conflict(op, "session is %s", session.Status)
	}
	if index < 0 || index >= session.TotalChunks {
		return nil, errs.Validation(op, "chunk index %d out of range [0,%d)", index, session.TotalChunks)
	}
	if expected := session.ChunkLen(index); size != expected {
		return nil, errs.Validation(op, "chunk %d must be %d bytes, got %d", index, expected, size)
	}
	if chunkHash != "" && !validHex256(chunkHash) {
		return nil, errs.Validation(op, "X-Chunk-Hash must be 64 hex characters")
	}

	var hasher = sha256.New()
	body := r
	if chunkHash != "" {
		body = io.TeeReader(r, hasher)
	}

	if err := m.provider.WriteChunk(ctx, session.ID, index, body, size); err != nil {
		return nil, err
	}

	if chunkHash != "" {
		if got := hex.EncodeToString(hasher.Sum(nil)); got != chunkHash {
			// The temp chunk stays behind unacknowledged; a retry
			// overwrites it.
			return nil, errs.Validation(op, "chunk %d hash mismatch", index)
		}
	}

	if _, err := m.store.AckChunk(ctx, session.ID, index); err != nil {
		return nil, errs.Internal(op, err)
	}

	logger.DebugCtx(ctx, "chunk stored",
		logger.KeySessionID, session.ID,
		logger.KeyChunk, index,
		logger.KeySize, size)

	return m.progress(ctx, session)
}

// Status reports the current chunk bookkeeping of a session.
func (m *Manager) Status(ctx context.Context, principal *auth.Principal, sessionID string) (*Progress, error) {
	session, err := m.loadOwned(ctx, "upload.Status", principal, sessionID)
	if err != nil {
		return nil, err
	}
	return m.progress(ctx, session)
}

// Resume reports the chunks a client still has to send. Chunks written to
// storage but never acknowledged count as missing; re-uploading them is
// safe.
func (m *Manager) Resume(ctx context.Context, principal *auth.Principal, sessionID string) (*Progress, error) {
	const op = "upload.Resume"

	session, err := m.loadOwned(ctx, op, principal, sessionID)
	if err != nil {
		return nil, err
	}
	if models.SessionStatus(session.Status).Terminal() {
		return nil, errs.Conflict(op, "session is %s", session.Status)
	}
	return m.progress(ctx, session)
}

// Complete finalizes a proxied session: assembles the object, verifies the
// client hash if one was promised, and runs the shared finalization. At
// most one finalization runs per session; concurrent attempts get a
// Conflict. Re-invoking after a crash mid-finalize is safe.
func (m *Manager) Complete(ctx context.Context, principal *auth.Principal, sessionID string) (*CompleteResult, error) {
	const op = "upload.Complete"

	session, err := m.loadOwned(ctx, op, principal, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Variant != string(models.VariantProxied) {
		return nil, errs.Validation(op, "use the direct completion endpoint for direct sessions")
	}

	if err := m.claimFinalize(ctx, op, session); err != nil {
		return nil, err
	}
	if session.Status == string(models.SessionCompleted) {
		return m.completedResult(ctx, op, session)
	}

	if session.Status == string(models.SessionUploading) {
		count, err := m.store.CountChunks(ctx, session.ID)
		if err != nil {
			return nil, errs.Internal(op, err)
		}
		if int(count) != session.TotalChunks {
			// Undo the claim so the client can keep uploading.
			if _, err := m.store.TransitionSession(ctx, session.ID, models.SessionCompleting, models.SessionUploading); err != nil {
				return nil, errs.Internal(op, err)
			}
			return nil, errs.Validation(op, "%d of %d chunks uploaded", count, session.TotalChunks)
		}
	}

	if err := m.materialize(ctx, session); err != nil {
		return nil, err
	}
	if err := m.verifyClientHash(ctx, op, session); err != nil {
		return nil, err
	}
	return m.finalize(ctx, op, session)
}

// claimFinalize moves the session into completing, tolerating re-entry.
// On return the in-memory session status is either completing or
// completed.
func (m *Manager) claimFinalize(ctx context.Context, op string, session *models.UploadSession) error {
	switch session.Status {
	case string(models.SessionUploading):
		ok, err := m.store.TransitionSession(ctx, session.ID, models.SessionUploading, models.SessionCompleting)
		if err != nil {
			return errs.Internal(op, err)
		}
		if !ok {
			// Lost the race; re-read to see who won.
			fresh, err := m.store.GetSession(ctx, session.ID)
			if err != nil {
				return errs.Internal(op, err)
			}
			*session = *fresh
			if session.Status != string(models.SessionCompleted) {
				return errs.Conflict(op, "session is being finalized")
			}
			return nil
		}
		// Keep the in-memory copy in step with the claim, but remember it
		// came from uploading so the chunk-set check still runs.
		return nil
	case string(models.SessionCompleting), string(models.SessionCompleted):
		return nil
	default:
		return errs.Conflict(op, "session is %s", session.Status)
	}
}

// materialize makes sure the final object exists: assembles the chunks, or
// detects a previous assembly that crashed before the session advanced.
func (m *Manager) materialize(ctx context.Context, session *models.UploadSession) error {
	info, err := m.provider.Metadata(ctx, session.StorageKey, storage.TierHot)
	if err == nil && info.Size == session.TotalSize {
		// Already assembled by an earlier attempt.
		return nil
	}

	if session.TotalChunks == 0 {
		_, err := m.provider.Write(ctx, session.StorageKey, bytes.NewReader(nil), 0, storage.TierHot,
			storage.WriteMeta{ContentType: session.MimeType})
		return err
	}

	_, err = m.provider.Assemble(ctx, session.ID, session.StorageKey, session.TotalChunks, storage.TierHot)
	return err
}

// verifyClientHash compares the assembled object against the SHA-256 the
// client promised at init. On mismatch the object is removed and the
// session failed.
func (m *Manager) verifyClientHash(ctx context.Context, op string, session *models.UploadSession) error {
	if session.ClientHash == "" {
		return nil
	}

	rc, err := m.provider.Read(ctx, session.StorageKey, storage.TierHot)
	if err != nil {
		return err
	}
	defer rc.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, rc); err != nil {
		return errs.Storage(op, err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != session.ClientHash {
		m.discard(ctx, session)
		return errs.Validation(op, "file hash mismatch")
	}
	return nil
}

// finalize runs the shared post-assembly pipeline for both variants:
// effective-role expiry, authoritative quota re-check, File creation, quota
// accounting, and the completed transition.
func (m *Manager) finalize(ctx context.Context, op string, session *models.UploadSession) (*CompleteResult, error) {
	// Re-entry after a crash between File creation and session completion.
	// The quota charge is keyed on the session, so resuming settles any
	// charge the interrupted run did not reach.
	if existing, err := m.store.GetFileByStorageKey(ctx, session.StorageKey); err == nil {
		if err := m.ledger.AddFileForSession(ctx, session.ID, session.UserID, session.TotalSize); err != nil {
			return nil, err
		}
		if ok, err := m.store.CompleteSession(ctx, session.ID, existing.ID); err != nil {
			return nil, errs.Internal(op, err)
		} else if ok {
			logger.InfoCtx(ctx, "upload finalize resumed",
				logger.KeySessionID, session.ID, logger.KeyFileID, existing.ID)
		}
		return &CompleteResult{FileID: existing.ID, File: existing}, nil
	}

	user, err := m.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	now := m.now()
	role := user.EffectiveRole(now)

	// Authoritative quota check. Admission at init was advisory; concurrent
	// uploads may have filled the quota since.
	if err := m.ledger.CanUpload(ctx, session.UserID, role, session.TotalSize); err != nil {
		m.discard(ctx, session)
		if err := m.store.FailSession(ctx, session.ID); err != nil {
			logger.ErrorCtx(ctx, "failed to mark session failed",
				logger.KeySessionID, session.ID, logger.KeyError, err)
		}
		return nil, err
	}

	var expiresAt *time.Time
	if role == models.RoleFree {
		e := now.AddDate(0, 0, m.expiry.DaysFree)
		expiresAt = &e
	}

	file := &models.File{
		UserID:       session.UserID,
		FolderID:     session.FolderID,
		OriginalName: session.Filename,
		MimeType:     m.resolveMime(ctx, session),
		Size:         session.TotalSize,
		Hash:         session.ClientHash,
		StorageKey:   session.StorageKey,
		StorageTier:  string(models.TierHot),
		LastAccessAt: now,
		ExpiresAt:    expiresAt,
	}
	if _, err := m.store.CreateFile(ctx, file); err != nil {
		return nil, errs.Internal(op, err)
	}
	if err := m.ledger.AddFileForSession(ctx, session.ID, session.UserID, session.TotalSize); err != nil {
		return nil, err
	}
	if _, err := m.store.CompleteSession(ctx, session.ID, file.ID); err != nil {
		return nil, errs.Internal(op, err)
	}

	logger.InfoCtx(ctx, "upload completed",
		logger.KeySessionID, session.ID,
		logger.KeyFileID, file.ID,
		logger.KeyUserID, session.UserID,
		logger.KeySize, session.TotalSize,
		logger.KeyVariant, session.Variant)

	return &CompleteResult{FileID: file.ID, File: file}, nil
}

// Abort cancels a session and releases its storage. Idempotent: aborting a
// session that is already failed or aborted is a no-op success.
func (m *Manager) Abort(ctx context.Context, principal *auth.Principal, sessionID string) error {
	const op = "upload.Abort"

	session, err := m.loadOwned(ctx, op, principal, sessionID)
	if err != nil {
		return err
	}
	if session.Status == string(models.SessionCompleted) {
		return errs.Conflict(op, "session already completed")
	}

	ok, err := m.store.AbortSession(ctx, session.ID)
	if err != nil {
		return errs.Internal(op, err)
	}
	if !ok {
		// Already failed or aborted.
		return nil
	}

	if err := m.provider.DeleteChunks(ctx, session.ID); err != nil {
		logger.WarnCtx(ctx, "chunk cleanup failed, sweeper will retry",
			logger.KeySessionID, session.ID, logger.KeyError, err)
	}
	logger.InfoCtx(ctx, "upload aborted", logger.KeySessionID, session.ID)
	return nil
}

// completedResult rebuilds the result of an already-completed session.
func (m *Manager) completedResult(ctx context.Context, op string, session *models.UploadSession) (*CompleteResult, error) {
	if session.FileID == nil {
		return nil, errs.Internal(op, errors.New("completed session has no file"))
	}
	file, err := m.store.GetFile(ctx, *session.FileID)
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	return &CompleteResult{FileID: file.ID, File: file}, nil
}

// discard best-effort deletes the final object after a failed finalize.
func (m *Manager) discard(ctx context.Context, session *models.UploadSession) {
	if _, err := m.provider.Delete(ctx, session.StorageKey, storage.TierHot); err != nil {
		logger.WarnCtx(ctx, "failed to remove rejected object",
			logger.KeyKey, session.StorageKey, logger.KeyError, err)
	}
}

// loadOwned fetches a session and checks ownership. Unknown and foreign
// sessions are indistinguishable to the caller.
func (m *Manager) loadOwned(ctx context.Context, op string, principal *auth.Principal, sessionID string) (*models.UploadSession, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return nil, errs.NotFound(op, "session not found")
		}
		return nil, errs.Internal(op, err)
	}
	if session.UserID != principal.UserID && !principal.IsAdmin() {
		return nil, errs.NotFound(op, "session not found")
	}
	return session, nil
}

func (m *Manager) progress(ctx context.Context, session *models.UploadSession) (*Progress, error) {
	uploaded, err := m.store.ListChunkIndices(ctx, session.ID)
	if err != nil {
		return nil, errs.Internal("upload.progress", err)
	}

	have := make(map[int]bool, len(uploaded))
	for _, idx := range uploaded {
		have[idx] = true
	}
	missing := make([]int, 0, session.TotalChunks-len(uploaded))
	for i := 0; i < session.TotalChunks; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)

	p := &Progress{
		UploadedChunks: uploaded,
		TotalChunks:    session.TotalChunks,
		MissingChunks:  missing,
		Status:         session.Status,
	}
	if session.TotalChunks > 0 {
		p.Progress = float64(len(uploaded)) / float64(session.TotalChunks)
	} else {
		p.Progress = 1
	}
	return p, nil
}

// resolveMime returns the content type for the finished file, sniffing the
// object when the client did not declare one.
func (m *Manager) resolveMime(ctx context.Context, session *models.UploadSession) string {
	if session.MimeType != "" {
		return session.MimeType
	}
	if session.TotalSize == 0 {
		return "application/octet-stream"
	}

	end := int64(3071)
	if end >= session.TotalSize {
		end = session.TotalSize - 1
	}
	rc, err := m.provider.Stream(ctx, session.StorageKey, storage.TierHot, &storage.ByteRange{Start: 0, End: end})
	if err != nil {
		return "application/octet-stream"
	}
	defer rc.Close()

	mtype, err := mimetype.DetectReader(rc)
	if err != nil {
		return "application/octet-stream"
	}
	return mtype.String()
}

func (m *Manager) maxFileSize(role models.UserRole) int64 {
	switch role {
	case models.RoleAdmin:
		return 0
	case models.RolePremium:
		return m.cfg.MaxFileSizePremium.Int64()
	default:
		return m.cfg.MaxFileSizeFree.Int64()
	}
}

func (m *Manager) partSize() int64 {
	return m.cfg.PartSize.Int64()
}

func totalChunks(size, chunkSize int64) int {
	if size == 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

func validHex256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
