package files

import (
	"context"
	"errors"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/auth"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/storage"
)

// TreeNode is one folder with its children, for the tree endpoint.
type TreeNode struct {
	Folder   *models.Folder `json:"folder"`
	Children []*TreeNode    `json:"children"`
}

// CreateFolder creates a folder under parentID (nil = root).
func (s *Service) CreateFolder(ctx context.Context, principal *auth.Principal, name string, parentID *string) (*models.Folder, error) {
	const op = "files.CreateFolder"

	if err := s.mutable(op, principal); err != nil {
		return nil, err
	}
	if err := validName(op, name); err != nil {
		return nil, err
	}
	if parentID != nil {
		if _, err := s.ownedFolder(ctx, op, principal, *parentID); err != nil {
			return nil, err
		}
	}

	folder := &models.Folder{
		UserID:   principal.UserID,
		Name:     name,
		ParentID: parentID,
	}
	if _, err := s.store.CreateFolder(ctx, folder); err != nil {
		return nil, s.folderErr(op, err)
	}
	if err := s.ledger.AddFolder(ctx, principal.UserID); err != nil {
		logger.WarnCtx(ctx, "failed to account created folder",
			logger.KeyFolderID, folder.ID, logger.KeyError, err)
	}
	return folder, nil
}

// ListFolders returns the children of one folder (nil = root).
func (s *Service) ListFolders(ctx context.Context, principal *auth.Principal, parentID *string) ([]*models.Folder, error) {
	const op = "files.ListFolders"

	if parentID != nil {
		if _, err := s.ownedFolder(ctx, op, principal, *parentID); err != nil {
			return nil, err
		}
	}
	folders, err := s.store.ListFolders(ctx, principal.UserID, parentID)
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	return folders, nil
}

// Tree returns the principal's whole folder tree. The store lists folders
// ordered by path, so every parent precedes its children and the tree
// builds in one pass.
func (s *Service) Tree(ctx context.Context, principal *auth.Principal) ([]*TreeNode, error) {
	const op = "files.Tree"

	folders, err := s.store.ListUserFolders(ctx, principal.UserID)
	if err != nil {
		return nil, errs.Internal(op, err)
	}

	nodes := make(map[string]*TreeNode, len(folders))
	var roots []*TreeNode
	for _, folder := range folders {
		node := &TreeNode{Folder: folder, Children: []*TreeNode{}}
		nodes[folder.ID] = node
		if folder.ParentID == nil {
			roots = append(roots, node)
			continue
		}
		if parent, ok := nodes[*folder.ParentID]; ok {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	if roots == nil {
		roots = []*TreeNode{}
	}
	return roots, nil
}

// RenameFolder renames a folder; descendant paths are rewritten by the
// store in the same transaction.
func (s *Service) RenameFolder(ctx context.Context, principal *auth.Principal, folderID, newName string) (*models.Folder, error) {
	const op = "files.RenameFolder"

	if err := s.mutable(op, principal); err != nil {
		return nil, err
	}
	if err := validName(op, newName); err != nil {
		return nil, err
	}
	if _, err := s.ownedFolder(ctx, op, principal, folderID); err != nil {
		return nil, err
	}
	if err := s.store.RenameFolder(ctx, folderID, newName); err != nil {
		return nil, s.folderErr(op, err)
	}
	folder, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, s.folderErr(op, err)
	}
	return folder, nil
}

// MoveFolder reparents a folder (nil = root). Moving a folder under
// itself or one of its descendants is rejected.
func (s *Service) MoveFolder(ctx context.Context, principal *auth.Principal, folderID string, newParentID *string) (*models.Folder, error) {
	const op = "files.MoveFolder"

	if err := s.mutable(op, principal); err != nil {
		return nil, err
	}
	folder, err := s.ownedFolder(ctx, op, principal, folderID)
	if err != nil {
		return nil, err
	}
	if newParentID != nil {
		parent, err := s.ownedFolder(ctx, op, principal, *newParentID)
		if err != nil {
			return nil, err
		}
		if parent.UserID != folder.UserID {
			return nil, errs.NotFound(op, "folder not found")
		}
	}
	if err := s.store.MoveFolder(ctx, folderID, newParentID); err != nil {
		return nil, s.folderErr(op, err)
	}
	moved, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, s.folderErr(op, err)
	}
	return moved, nil
}

// DeleteFolder removes a folder. A non-empty folder is rejected unless
// recursive is set, in which case the whole subtree goes: every contained
// file is deleted the same way a direct delete would, then the folders
// are removed deepest first.
func (s *Service) DeleteFolder(ctx context.Context, principal *auth.Principal, folderID string, recursive bool) error {
	const op = "files.DeleteFolder"

	if err := s.mutable(op, principal); err != nil {
		return err
	}
	folder, err := s.ownedFolder(ctx, op, principal, folderID)
	if err != nil {
		return err
	}

	descendants, err := s.store.ListDescendantFolders(ctx, folder.UserID, folder.Path)
	if err != nil {
		return errs.Internal(op, err)
	}

	subtree := append(descendants, folder)
	var contained []*models.File
	for _, f := range subtree {
		id := f.ID
		batch, err := s.store.ListUserFiles(ctx, folder.UserID, &id, true)
		if err != nil {
			return errs.Internal(op, err)
		}
		contained = append(contained, batch...)
	}

	if !recursive && (len(descendants) > 0 || len(contained) > 0) {
		return errs.Validation(op, "folder is not empty")
	}

	now := s.now()
	for _, file := range contained {
		if _, err := s.provider.Delete(ctx, file.StorageKey, storage.Tier(file.StorageTier)); err != nil {
			return err
		}
		claimed, err := s.store.SoftDeleteFile(ctx, file.ID, now)
		if err != nil {
			return errs.Internal(op, err)
		}
		if claimed {
			if err := s.ledger.RemoveFile(ctx, file.UserID, file.Size); err != nil {
				logger.WarnCtx(ctx, "failed to release quota for deleted file",
					logger.KeyFileID, file.ID, logger.KeyError, err)
			}
		}
	}

	// Descendants are listed deepest first; the target folder goes last.
	for _, f := range subtree {
		if err := s.store.DeleteFolder(ctx, f.ID); err != nil && !errors.Is(err, models.ErrFolderNotFound) {
			return errs.Internal(op, err)
		}
		if err := s.ledger.RemoveFolder(ctx, folder.UserID); err != nil {
			logger.WarnCtx(ctx, "failed to release folder quota",
				logger.KeyFolderID, f.ID, logger.KeyError, err)
		}
	}
	return nil
}

// ownedFolder loads a folder visible to the principal.
func (s *Service) ownedFolder(ctx context.Context, op string, principal *auth.Principal, folderID string) (*models.Folder, error) {
	folder, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, s.folderErr(op, err)
	}
	if folder.UserID != principal.UserID && !principal.IsAdmin() {
		return nil, errs.NotFound(op, "folder not found")
	}
	return folder, nil
}

func (s *Service) folderErr(op string, err error) error {
	switch {
	case errors.Is(err, models.ErrFolderNotFound):
		return errs.NotFound(op, "folder not found")
	case errors.Is(err, models.ErrDuplicateFolder):
		return errs.Conflict(op, "a sibling with that name already exists")
	case errors.Is(err, models.ErrFolderCycle):
		return errs.Validation(op, "cannot move a folder into itself")
	}
	return errs.Internal(op, err)
}
