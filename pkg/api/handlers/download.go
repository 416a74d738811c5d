package handlers

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/api/middleware"
	"github.com/cubbyhost/cubby/pkg/download"
	"github.com/cubbyhost/cubby/pkg/metrics"
)

// DownloadHandler serves the public file info and content routes.
type DownloadHandler struct {
	svc *download.Service
}

// NewDownloadHandler creates the download handler.
func NewDownloadHandler(svc *download.Service) *DownloadHandler {
	return &DownloadHandler{svc: svc}
}

// Info returns public metadata for a live file.
//
//	GET /api/download/info/{fileID}
func (h *DownloadHandler) Info(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Info(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		WriteError(r.Context(), w, err)
		return
	}
	WriteData(w, http.StatusOK, view)
}

// Download streams file content. Anonymous downloads are allowed; an
// authenticated owner or admin reads without touching the counters. The
// Range header is honored for single ranges.
//
//	GET /api/download/{fileID}
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	result, err := h.svc.Download(ctx, middleware.Principal(ctx),
		chi.URLParam(r, "fileID"), clientIP(r), r.Header.Get("Range"))
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	defer result.Body.Close()
	metrics.RecordDownload()

	file := result.File
	w.Header().Set("Content-Type", file.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.OriginalName))
	w.Header().Set("Accept-Ranges", "bytes")

	status := http.StatusOK
	if result.Partial {
		w.Header().Set("Content-Range", result.ContentRange)
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if _, err := io.Copy(w, result.Body); err != nil {
		// Headers are gone; all we can do is log the broken stream.
		logger.WarnCtx(ctx, "download stream interrupted",
			logger.KeyFileID, file.ID, logger.KeyError, err)
	}
}

// clientIP strips the port from RemoteAddr, which chi's RealIP middleware
// has already rewritten to the originating client.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
