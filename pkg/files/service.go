// Package files implements authenticated file and folder management:
// listing, renaming, moving and deleting content a user owns. Uploads
// create files elsewhere; this package only manipulates what already
// exists.
package files

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/auth"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/quota"
	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/store"
)

// Service manages a user's files and folder tree.
type Service struct {
	store    *store.Store
	provider storage.Provider
	ledger   *quota.Ledger

	// now is swappable for tests.
	now func() time.Time
}

// NewService creates a file management service.
func NewService(s *store.Store, provider storage.Provider, ledger *quota.Ledger) *Service {
	return &Service{
		store:    s,
		provider: provider,
		ledger:   ledger,
		now:      time.Now,
	}
}

// List returns the principal's live files. With scoped true the listing is
// restricted to one folder (nil folderID = root); otherwise all files are
// returned.
func (s *Service) List(ctx context.Context, principal *auth.Principal, folderID *string, scoped bool) ([]*models.File, error) {
	const op = "files.List"

	if scoped && folderID != nil {
		if _, err := s.ownedFolder(ctx, op, principal, *folderID); err != nil {
			return nil, err
		}
	}
	files, err := s.store.ListUserFiles(ctx, principal.UserID, folderID, scoped)
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	return files, nil
}

// Rename changes a file's display name. The storage key is untouched.
func (s *Service) Rename(ctx context.Context, principal *auth.Principal, fileID, newName string) (*models.File, error) {
	const op = "files.Rename"

	if err := s.mutable(op, principal); err != nil {
		return nil, err
	}
	if err := validName(op, newName); err != nil {
		return nil, err
	}
	file, err := s.ownedFile(ctx, op, principal, fileID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RenameFile(ctx, fileID, newName); err != nil {
		return nil, s.fileErr(op, err)
	}
	file.OriginalName = newName
	return file, nil
}

// Move places a file in another folder (nil = root).
func (s *Service) Move(ctx context.Context, principal *auth.Principal, fileID string, folderID *string) (*models.File, error) {
	const op = "files.Move"

	if err := s.mutable(op, principal); err != nil {
		return nil, err
	}
	file, err := s.ownedFile(ctx, op, principal, fileID)
	if err != nil {
		return nil, err
	}
	if folderID != nil {
		// The destination must belong to the file's owner, not the caller:
		// an admin moving someone's file must keep it in that user's tree.
		folder, err := s.ownedFolder(ctx, op, principal, *folderID)
		if err != nil {
			return nil, err
		}
		if folder.UserID != file.UserID {
			return nil, errs.NotFound(op, "folder not found")
		}
	}
	if err := s.store.MoveFile(ctx, fileID, folderID); err != nil {
		return nil, s.fileErr(op, err)
	}
	file.FolderID = folderID
	return file, nil
}

// Delete removes a file: the storage object first, then the soft-delete
// claim, then the quota release. A concurrent delete is reported as
// already gone.
func (s *Service) Delete(ctx context.Context, principal *auth.Principal, fileID string) error {
	const op = "files.Delete"

	if err := s.mutable(op, principal); err != nil {
		return err
	}
	file, err := s.ownedFile(ctx, op, principal, fileID)
	if err != nil {
		return err
	}

	if _, err := s.provider.Delete(ctx, file.StorageKey, storage.Tier(file.StorageTier)); err != nil {
		return err
	}
	claimed, err := s.store.SoftDeleteFile(ctx, fileID, s.now())
	if err != nil {
		return errs.Internal(op, err)
	}
	if !claimed {
		return errs.NotFound(op, "file not found")
	}
	if err := s.ledger.RemoveFile(ctx, file.UserID, file.Size); err != nil {
		logger.WarnCtx(ctx, "failed to release quota for deleted file",
			logger.KeyFileID, fileID, logger.KeyError, err)
	}
	return nil
}

// mutable rejects write operations from restricted accounts. Their
// content stays readable and downloadable; the tree is frozen.
func (s *Service) mutable(op string, principal *auth.Principal) error {
	if !principal.CanMutate() {
		return errs.Forbidden(op, "account is read-only")
	}
	return nil
}

// ownedFile loads a live file visible to the principal. Foreign and
// unknown files look identical.
func (s *Service) ownedFile(ctx context.Context, op string, principal *auth.Principal, fileID string) (*models.File, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, s.fileErr(op, err)
	}
	if file.UserID != principal.UserID && !principal.IsAdmin() {
		return nil, errs.NotFound(op, "file not found")
	}
	return file, nil
}

func (s *Service) fileErr(op string, err error) error {
	if errors.Is(err, models.ErrFileNotFound) {
		return errs.NotFound(op, "file not found")
	}
	return errs.Internal(op, err)
}

func validName(op, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errs.Validation(op, "name is required")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return errs.Validation(op, "name must not contain path separators")
	}
	if len(name) > 512 {
		return errs.Validation(op, "name is too long")
	}
	return nil
}
