package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cubbyhost/cubby/pkg/api/middleware"
	"github.com/cubbyhost/cubby/pkg/files"
)

// FilesHandler serves file and folder management for the authenticated
// user.
type FilesHandler struct {
	svc *files.Service
}

// NewFilesHandler creates the files handler.
func NewFilesHandler(svc *files.Service) *FilesHandler {
	return &FilesHandler{svc: svc}
}

// List returns the caller's files. Without query parameters every file is
// returned; ?folder_id=<id> scopes to one folder and ?folder_id= (empty)
// scopes to the root.
//
//	GET /api/files
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	var folderID *string
	scoped := false
	if r.URL.Query().Has("folder_id") {
		scoped = true
		if id := r.URL.Query().Get("folder_id"); id != "" {
			folderID = &id
		}
	}

	list, err := h.svc.List(r.Context(), middleware.Principal(r.Context()), folderID, scoped)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, list)
}

type renameRequest struct {
	Name string `json:"name"`
}

// Rename changes a file's display name.
//
//	PUT /api/files/{fileID}/rename
func (h *FilesHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	file, err := h.svc.Rename(r.Context(), middleware.Principal(r.Context()), chi.URLParam(r, "fileID"), req.Name)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, file)
}

type moveRequest struct {
	// FolderID is the destination; null moves to the root.
	FolderID *string `json:"folder_id"`
}

// Move places a file in another folder.
//
//	PUT /api/files/{fileID}/move
func (h *FilesHandler) Move(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	file, err := h.svc.Move(r.Context(), middleware.Principal(r.Context()), chi.URLParam(r, "fileID"), req.FolderID)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, file)
}

// Delete removes a file and its storage object.
//
//	DELETE /api/files/{fileID}
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), middleware.Principal(r.Context()), chi.URLParam(r, "fileID")); err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type createFolderRequest struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id,omitempty"`
}

// CreateFolder adds a folder under the given parent (null = root).
//
//	POST /api/folders
func (h *FilesHandler) CreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	folder, err := h.svc.CreateFolder(r.Context(), middleware.Principal(r.Context()), req.Name, req.ParentID)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusCreated, folder)
}

// ListFolders returns the children of one folder. ?parent_id=<id> scopes
// to that folder; absent or empty means the root.
//
//	GET /api/folders
func (h *FilesHandler) ListFolders(w http.ResponseWriter, r *http.Request) {
	var parentID *string
	if id := r.URL.Query().Get("parent_id"); id != "" {
		parentID = &id
	}

	list, err := h.svc.ListFolders(r.Context(), middleware.Principal(r.Context()), parentID)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, list)
}

// Tree returns the caller's whole folder tree.
//
//	GET /api/folders/tree
func (h *FilesHandler) Tree(w http.ResponseWriter, r *http.Request) {
	tree, err := h.svc.Tree(r.Context(), middleware.Principal(r.Context()))
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, tree)
}

// RenameFolder renames a folder, rewriting descendant paths.
//
//	PUT /api/folders/{folderID}/rename
func (h *FilesHandler) RenameFolder(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	folder, err := h.svc.RenameFolder(r.Context(), middleware.Principal(r.Context()), chi.URLParam(r, "folderID"), req.Name)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, folder)
}

// MoveFolder reparents a folder.
//
//	PUT /api/folders/{folderID}/move
func (h *FilesHandler) MoveFolder(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	folder, err := h.svc.MoveFolder(r.Context(), middleware.Principal(r.Context()), chi.URLParam(r, "folderID"), req.FolderID)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, folder)
}

// DeleteFolder removes a folder. ?recursive=true deletes the whole
// subtree including contained files; otherwise only an empty folder goes.
//
//	DELETE /api/folders/{folderID}
func (h *FilesHandler) DeleteFolder(w http.ResponseWriter, r *http.Request) {
	recursive := r.URL.Query().Get("recursive") == "true"

	err := h.svc.DeleteFolder(r.Context(), middleware.Principal(r.Context()), chi.URLParam(r, "folderID"), recursive)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]string{"status": "deleted"})
}
