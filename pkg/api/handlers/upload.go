package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cubbyhost/cubby/pkg/api/middleware"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/metrics"
	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/upload"
)

// UploadHandler serves the proxied and direct upload routes.
type UploadHandler struct {
	manager *upload.Manager
}

// NewUploadHandler creates the upload handler.
func NewUploadHandler(m *upload.Manager) *UploadHandler {
	return &UploadHandler{manager: m}
}

// StorageInfo reports the backend capabilities so clients can pick the
// upload variant.
//
//	GET /api/upload/storage-info
func (h *UploadHandler) StorageInfo(w http.ResponseWriter, r *http.Request) {
	WriteData(w, http.StatusOK, h.manager.Info())
}

// Init starts a proxied upload session.
//
//	POST /api/upload/init
func (h *UploadHandler) Init(w http.ResponseWriter, r *http.Request) {
	var req upload.InitRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	result, err := h.manager.Init(r.Context(), middleware.Principal(r.Context()), req)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	metrics.SessionOpened()
	WriteData(w, http.StatusCreated, result)
}

// PutChunk stores one raw chunk body. The optional X-Chunk-Hash header
// carries the hex SHA-256 of the chunk for end-to-end verification.
//
//	PUT /api/upload/chunk/{sessionID}/{index}
func (h *UploadHandler) PutChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		WriteError(ctx, w, errs.Validation("upload.PutChunk", "chunk index must be an integer"))
		return
	}
	if r.ContentLength < 0 {
		WriteError(ctx, w, errs.Validation("upload.PutChunk", "Content-Length is required"))
		return
	}

	progress, err := h.manager.PutChunk(ctx, middleware.Principal(ctx),
		chi.URLParam(r, "sessionID"), index, r.Body, r.ContentLength,
		r.Header.Get("X-Chunk-Hash"))
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	WriteData(w, http.StatusOK, progress)
}

// Status reports the chunk bookkeeping of a session.
//
//	GET /api/upload/status/{sessionID}
func (h *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	progress, err := h.manager.Status(r.Context(), middleware.Principal(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, progress)
}

// Resume returns the chunks a client still has to send.
//
//	GET /api/upload/resume/{sessionID}
func (h *UploadHandler) Resume(w http.ResponseWriter, r *http.Request) {
	progress, err := h.manager.Resume(r.Context(), middleware.Principal(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, progress)
}

// Complete finalizes a proxied session into a File.
//
//	POST /api/upload/complete/{sessionID}
func (h *UploadHandler) Complete(w http.ResponseWriter, r *http.Request) {
	result, err := h.manager.Complete(r.Context(), middleware.Principal(r.Context()), chi.URLParam(r, "sessionID"))
	metrics.RecordUpload("proxied", err)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	metrics.SessionClosed()
	WriteData(w, http.StatusOK, result)
}

// Abort cancels a session and reclaims its temp chunks.
//
//	DELETE /api/upload/abort/{sessionID}
func (h *UploadHandler) Abort(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Abort(r.Context(), middleware.Principal(r.Context()), chi.URLParam(r, "sessionID")); err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	metrics.SessionClosed()
	WriteData(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// InitDirect starts a direct (presigned multipart) upload session.
//
//	POST /api/upload/s3/init
func (h *UploadHandler) InitDirect(w http.ResponseWriter, r *http.Request) {
	var req upload.InitRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	result, err := h.manager.InitDirect(r.Context(), middleware.Principal(r.Context()), req)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	metrics.SessionOpened()
	WriteData(w, http.StatusCreated, result)
}

type completeDirectRequest struct {
	Parts []completedPart `json:"parts"`
}

type completedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// CompleteDirect finalizes a direct session from the client-collected
// part ETags. Quotes around ETags are stripped; S3 clients differ on
// whether they keep them.
//
//	POST /api/upload/s3/complete/{sessionID}
func (h *UploadHandler) CompleteDirect(w http.ResponseWriter, r *http.Request) {
	var req completeDirectRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(r.Context(), w, err)
		return
	}

	parts := make([]storage.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, storage.CompletedPart{
			PartNumber: p.PartNumber,
			ETag:       strings.Trim(p.ETag, `"`),
		})
	}

	result, err := h.manager.CompleteDirect(r.Context(), middleware.Principal(r.Context()), chi.URLParam(r, "sessionID"), parts)
	metrics.RecordUpload("direct", err)
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	metrics.SessionClosed()
	WriteData(w, http.StatusOK, result)
}

// AbortDirect cancels a direct session and its multipart upload.
//
//	DELETE /api/upload/s3/abort/{sessionID}
func (h *UploadHandler) AbortDirect(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.AbortDirect(r.Context(), middleware.Principal(r.Context()), chi.URLParam(r, "sessionID")); err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	metrics.SessionClosed()
	WriteData(w, http.StatusOK, map[string]string{"status": "aborted"})
}
