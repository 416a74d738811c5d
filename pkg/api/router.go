// Package api assembles the HTTP surface: the chi router, middleware
// stack and the server lifecycle.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/admin"
	"github.com/cubbyhost/cubby/pkg/api/handlers"
	"github.com/cubbyhost/cubby/pkg/api/middleware"
	"github.com/cubbyhost/cubby/pkg/auth"
	"github.com/cubbyhost/cubby/pkg/download"
	"github.com/cubbyhost/cubby/pkg/files"
	"github.com/cubbyhost/cubby/pkg/metrics"
	"github.com/cubbyhost/cubby/pkg/ratelimit"
	"github.com/cubbyhost/cubby/pkg/storage"
	"github.com/cubbyhost/cubby/pkg/store"
	"github.com/cubbyhost/cubby/pkg/upload"
)

// Dependencies carries everything the router needs. All fields except
// Limiter are required.
type Dependencies struct {
	Store    *store.Store
	Provider storage.Provider

	Auth     *auth.Service
	Upload   *upload.Manager
	Download *download.Service
	Files    *files.Service
	Admin    *admin.Service

	// Limiter may be nil, which disables rate limiting entirely.
	Limiter *ratelimit.Limiter

	// RequestTimeout bounds each request; zero falls back to 30s.
	RequestTimeout time.Duration
}

// NewRouter builds the chi router.
//
// Middleware order matters: RequestID and RealIP run first so logging,
// rate limiting and download counters see the real client, then the
// request logger, panic recovery, the timeout and token authentication.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(timeout))
	r.Use(middleware.Authenticate(deps.Auth))

	authHandler := handlers.NewAuthHandler(deps.Auth)
	uploadHandler := handlers.NewUploadHandler(deps.Upload)
	downloadHandler := handlers.NewDownloadHandler(deps.Download)
	filesHandler := handlers.NewFilesHandler(deps.Files)
	adminHandler := handlers.NewAdminHandler(deps.Admin)
	healthHandler := handlers.NewHealthHandler(deps.Store, deps.Provider)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(limit(deps.Limiter, ratelimit.ActionAuth)).Post("/register", authHandler.Register)
			r.With(limit(deps.Limiter, ratelimit.ActionAuth)).Post("/login", authHandler.Login)
			r.With(middleware.RequireAuth).Get("/me", authHandler.Me)
		})

		// Download routes are public; the service itself decides whether
		// counters apply based on the optional principal.
		r.Route("/download", func(r chi.Router) {
			r.Get("/info/{fileID}", downloadHandler.Info)
			r.With(limit(deps.Limiter, ratelimit.ActionDownload)).Get("/{fileID}", downloadHandler.Download)
		})

		r.Route("/upload", func(r chi.Router) {
			r.Use(middleware.RequireAuth)
			r.Get("/storage-info", uploadHandler.StorageInfo)

			r.With(limit(deps.Limiter, ratelimit.ActionUpload)).Post("/init", uploadHandler.Init)
			r.With(limit(deps.Limiter, ratelimit.ActionUpload)).Put("/chunk/{sessionID}/{index}", uploadHandler.PutChunk)
			r.Get("/status/{sessionID}", uploadHandler.Status)
			r.Get("/resume/{sessionID}", uploadHandler.Resume)
			r.Post("/complete/{sessionID}", uploadHandler.Complete)
			r.Delete("/abort/{sessionID}", uploadHandler.Abort)

			r.Route("/s3", func(r chi.Router) {
				r.With(limit(deps.Limiter, ratelimit.ActionUpload)).Post("/init", uploadHandler.InitDirect)
				r.Post("/complete/{sessionID}", uploadHandler.CompleteDirect)
				r.Delete("/abort/{sessionID}", uploadHandler.AbortDirect)
			})
		})

		r.Route("/files", func(r chi.Router) {
			r.Use(middleware.RequireAuth)
			r.Get("/", filesHandler.List)
			r.Put("/{fileID}/rename", filesHandler.Rename)
			r.Put("/{fileID}/move", filesHandler.Move)
			r.Delete("/{fileID}", filesHandler.Delete)
		})

		r.Route("/folders", func(r chi.Router) {
			r.Use(middleware.RequireAuth)
			r.Post("/", filesHandler.CreateFolder)
			r.Get("/", filesHandler.ListFolders)
			r.Get("/tree", filesHandler.Tree)
			r.Put("/{folderID}/rename", filesHandler.RenameFolder)
			r.Put("/{folderID}/move", filesHandler.MoveFolder)
			r.Delete("/{folderID}", filesHandler.DeleteFolder)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAuth)
			r.Use(middleware.RequireAdmin)

			r.Get("/users", adminHandler.ListUsers)
			r.Get("/report", adminHandler.UsageReport)
			r.Post("/users/{userID}/promote", adminHandler.Promote)
			r.Post("/users/{userID}/demote", adminHandler.Demote)
			r.Post("/users/{userID}/block", adminHandler.Block)
			r.Post("/users/{userID}/unblock", adminHandler.Unblock)
			r.Post("/users/{userID}/restrict", adminHandler.Restrict)
			r.Put("/users/{userID}/quota", adminHandler.SetQuota)

			r.Post("/files/bulk-delete", adminHandler.BulkDelete)
			r.Post("/files/{fileID}/migrate", adminHandler.ForceMigrate)
			r.Put("/files/{fileID}/expiry", adminHandler.SetExpiry)
		})
	})

	return r
}

// limit wraps a route with the token-bucket limiter; a nil limiter makes
// it a no-op so tests and minimal deployments can skip rate limiting.
func limit(l *ratelimit.Limiter, action ratelimit.Action) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RateLimit(l, action)
}

// requestLogger logs every request and feeds the HTTP metrics. The route
// pattern (not the raw path) labels the metric so file ids do not explode
// cardinality.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimw.GetReqID(r.Context())

		logger.Debug("request started",
			logger.KeyRequestID, requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), duration)

		logger.Info("request completed",
			logger.KeyRequestID, requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		)
	})
}
