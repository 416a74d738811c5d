package handlers

import (
	"net/http"

	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/store"
)

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	store    *store.Store
	provider storage.Provider
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(s *store.Store, provider storage.Provider) *HealthHandler {
	return &HealthHandler{store: s, provider: provider}
}

// Liveness reports that the process is up.
//
//	GET /health
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	WriteData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness reports whether the service can take traffic. The database is
// pinged; the storage backend is identified but not probed, a blob write
// per probe would be too expensive.
//
//	GET /health/ready
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":  "ok",
		"storage": h.provider.Name(),
	}

	if err := h.store.Ping(r.Context()); err != nil {
		body["status"] = "degraded"
		body["database"] = err.Error()
		WriteData(w, http.StatusServiceUnavailable, body)
		return
	}
	body["database"] = "ok"
	WriteData(w, http.StatusOK, body)
}
