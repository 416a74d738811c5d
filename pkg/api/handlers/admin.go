package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cubbyhost/cubby/pkg/admin"
	"github.com/cubbyhost/cubby/pkg/models"
)

// AdminHandler serves the /api/admin routes. The router guards the whole
// subtree with RequireAdmin, so handlers assume an admin principal.
type AdminHandler struct {
	svc *admin.Service
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(svc *admin.Service) *AdminHandler {
	return &AdminHandler{svc: svc}
}

type promoteRequest struct {
	// Months bounds the subscription; null means lifetime premium.
	Months *int `json:"months,omitempty"`
}

// Promote grants a user premium.
//
//	POST /api/admin/users/{userID}/promote
func (h *AdminHandler) Promote(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	user, err := h.svc.Promote(r.Context(), chi.URLParam(r, "userID"), req.Months)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, user)
}

// Demote returns a user to the free tier and stamps expiry-less files.
//
//	POST /api/admin/users/{userID}/demote
func (h *AdminHandler) Demote(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.Demote(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, user)
}

// Block bans a user and wipes their content.
//
//	POST /api/admin/users/{userID}/block
func (h *AdminHandler) Block(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Block(r.Context(), chi.URLParam(r, "userID")); err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]string{"status": "blocked"})
}

// Unblock reinstates a blocked account. Wiped content is not restored.
//
//	POST /api/admin/users/{userID}/unblock
func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unblock(r.Context(), chi.URLParam(r, "userID")); err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]string{"status": "active"})
}

// Restrict puts a user in read-only mode.
//
//	POST /api/admin/users/{userID}/restrict
func (h *AdminHandler) Restrict(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Restrict(r.Context(), chi.URLParam(r, "userID")); err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]string{"status": "restricted"})
}

type setQuotaRequest struct {
	MaxStorageBytes int64 `json:"max_storage_bytes"`
	MaxFileSize     int64 `json:"max_file_size"`
	MaxFiles        int64 `json:"max_files"`
}

// SetQuota pins custom limits on a user. -1 means unlimited.
//
//	PUT /api/admin/users/{userID}/quota
func (h *AdminHandler) SetQuota(w http.ResponseWriter, r *http.Request) {
	var req setQuotaRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	err := h.svc.SetQuota(r.Context(), chi.URLParam(r, "userID"),
		req.MaxStorageBytes, req.MaxFileSize, req.MaxFiles)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]string{"status": "updated"})
}

// ListUsers returns every account.
//
//	GET /api/admin/users
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListUsers(r.Context())
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, users)
}

// UsageReport returns per-user storage usage against limits.
//
//	GET /api/admin/report
func (h *AdminHandler) UsageReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.UsageReport(r.Context())
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, report)
}

type bulkDeleteRequest struct {
	FileIDs []string `json:"file_ids"`
}

// BulkDelete removes up to the bulk limit of files in one call and
// reports the per-file outcome.
//
//	POST /api/admin/files/bulk-delete
func (h *AdminHandler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	report, err := h.svc.BulkDelete(r.Context(), req.FileIDs)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, report)
}

type migrateRequest struct {
	Tier string `json:"tier"`
}

// ForceMigrate moves a file between storage tiers immediately.
//
//	POST /api/admin/files/{fileID}/migrate
func (h *AdminHandler) ForceMigrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	file, err := h.svc.ForceMigrate(r.Context(), chi.URLParam(r, "fileID"), models.StorageTier(req.Tier))
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, file)
}

type setExpiryRequest struct {
	// ExpiresAt is RFC 3339; null clears the expiry.
	ExpiresAt *time.Time `json:"expires_at"`
}

// SetExpiry overrides a file's expiry date.
//
//	PUT /api/admin/files/{fileID}/expiry
func (h *AdminHandler) SetExpiry(w http.ResponseWriter, r *http.Request) {
	var req setExpiryRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	if err := h.svc.SetExpiry(r.Context(), chi.URLParam(r, "fileID"), req.ExpiresAt); err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, map[string]string{"status": "updated"})
}
