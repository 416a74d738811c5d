package store

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/cubbyhost/cubby/pkg/models"
)

func (s *Store) GetFolder(ctx context.Context, id string) (*models.Folder, error) {
	return getByField[models.Folder](s.db, ctx, "id", id, models.ErrFolderNotFound)
}

// CreateFolder inserts a folder after computing its materialized path from
// the parent. Sibling name collisions are rejected.
func (s *Store) CreateFolder(ctx context.Context, folder *models.Folder) (string, error) {
	if err := folder.Validate(); err != nil {
		return "", err
	}

	var createdID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parent *models.Folder
		if folder.ParentID != nil {
			var p models.Folder
			if err := tx.Where("id = ? AND user_id = ?", *folder.ParentID, folder.UserID).First(&p).Error; err != nil {
				return convertNotFoundError(err, models.ErrFolderNotFound)
			}
			parent = &p
		}
		folder.Path = parent.ChildPath(folder.Name)

		var count int64
		q := tx.Model(&models.Folder{}).Where("user_id = ? AND name = ?", folder.UserID, folder.Name)
		if folder.ParentID == nil {
			q = q.Where("parent_id IS NULL")
		} else {
			q = q.Where("parent_id = ?", *folder.ParentID)
		}
		if err := q.Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return models.ErrDuplicateFolder
		}

		id, err := createWithID(tx, ctx, folder, func(f *models.Folder, id string) { f.ID = id }, folder.ID, models.ErrDuplicateFolder)
		if err != nil {
			return err
		}
		createdID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	return createdID, nil
}

// ListFolders returns the children of one folder (nil parentID = root).
func (s *Store) ListFolders(ctx context.Context, userID string, parentID *string) ([]*models.Folder, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if parentID == nil {
		q = q.Where("parent_id IS NULL")
	} else {
		q = q.Where("parent_id = ?", *parentID)
	}
	var folders []*models.Folder
	if err := q.Order("name").Find(&folders).Error; err != nil {
		return nil, err
	}
	return folders, nil
}

// ListUserFolders returns every folder of a user ordered by path, which
// lets callers rebuild the tree in one pass.
func (s *Store) ListUserFolders(ctx context.Context, userID string) ([]*models.Folder, error) {
	var folders []*models.Folder
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("path").
		Find(&folders).Error
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// RenameFolder renames a folder and rewrites the materialized paths of the
// whole subtree in the same transaction.
func (s *Store) RenameFolder(ctx context.Context, id, newName string) error {
	if strings.ContainsAny(newName, "/\x00") || newName == "" {
		return models.ErrFolderNotFound
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var folder models.Folder
		if err := tx.Where("id = ?", id).First(&folder).Error; err != nil {
			return convertNotFoundError(err, models.ErrFolderNotFound)
		}

		oldPath := folder.Path
		parentPath := strings.TrimSuffix(oldPath, "/"+folder.Name)
		newPath := parentPath + "/" + newName

		if err := tx.Model(&models.Folder{}).
			Where("id = ?", id).
			Updates(map[string]any{"name": newName, "path": newPath}).Error; err != nil {
			return err
		}
		return rewriteSubtreePaths(tx, folder.UserID, oldPath, newPath)
	})
}

// MoveFolder reparents a folder. Moving under itself or a descendant is a
// cycle and is rejected; paths of the subtree are rewritten.
func (s *Store) MoveFolder(ctx context.Context, id string, newParentID *string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var folder models.Folder
		if err := tx.Where("id = ?", id).First(&folder).Error; err != nil {
			return convertNotFoundError(err, models.ErrFolderNotFound)
		}

		var parent *models.Folder
		if newParentID != nil {
			if *newParentID == id {
				return models.ErrFolderCycle
			}
			var p models.Folder
			if err := tx.Where("id = ? AND user_id = ?", *newParentID, folder.UserID).First(&p).Error; err != nil {
				return convertNotFoundError(err, models.ErrFolderNotFound)
			}
			if strings.HasPrefix(p.Path+"/", folder.Path+"/") {
				return models.ErrFolderCycle
			}
			parent = &p
		}

		oldPath := folder.Path
		newPath := parent.ChildPath(folder.Name)

		if err := tx.Model(&models.Folder{}).
			Where("id = ?", id).
			Updates(map[string]any{"parent_id": newParentID, "path": newPath}).Error; err != nil {
			return err
		}
		return rewriteSubtreePaths(tx, folder.UserID, oldPath, newPath)
	})
}

// DeleteFolder removes a single folder row. Callers are responsible for
// emptying it first.
func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	return deleteByField[models.Folder](s.db, ctx, "id", id, models.ErrFolderNotFound)
}

// ListDescendantFolders returns every folder strictly below the given
// path, deepest first so deletion can proceed leaf-up.
func (s *Store) ListDescendantFolders(ctx context.Context, userID, path string) ([]*models.Folder, error) {
	var folders []*models.Folder
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND path LIKE ? ESCAPE '\\'", userID, escapeLike(path)+"/%").
		Order("path DESC").
		Find(&folders).Error
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// DeleteUserFolders wipes every folder of a user (admin block).
func (s *Store) DeleteUserFolders(ctx context.Context, userID string) (int64, error) {
	result := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.Folder{})
	return result.RowsAffected, result.Error
}

// rewriteSubtreePaths replaces the oldPath prefix with newPath for every
// descendant. Works on SQLite and PostgreSQL (|| concat, substr).
func rewriteSubtreePaths(tx *gorm.DB, userID, oldPath, newPath string) error {
	return tx.Exec(
		`UPDATE folders SET path = ? || substr(path, ?) WHERE user_id = ? AND path LIKE ? ESCAPE '\'`,
		newPath, len(oldPath)+1, userID, escapeLike(oldPath)+"/%",
	).Error
}

// escapeLike escapes LIKE wildcards in a literal prefix.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
