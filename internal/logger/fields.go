package logger

// Standard field keys for structured logging. Use these consistently so
// logs aggregate cleanly across the upload, download and worker paths.
const (
	// Request scope
	KeyRequestID = "request_id"
	KeyClientIP  = "client_ip"
	KeyUserID    = "user_id"
	KeyRole      = "role"

	// Upload / download
	KeySessionID = "session_id"
	KeyFileID    = "file_id"
	KeyFolderID  = "folder_id"
	KeyChunk     = "chunk"
	KeyPart      = "part"
	KeyVariant   = "variant"
	KeySize      = "size"
	KeyFilename  = "filename"

	// Storage
	KeyKey      = "key"
	KeyTier     = "tier"
	KeyBucket   = "bucket"
	KeyProvider = "provider"
	KeyAttempt  = "attempt"

	// Workers
	KeyWorker  = "worker"
	KeyBatch   = "batch"
	KeyScanned = "scanned"
	KeyDeleted = "deleted"
	KeyMoved   = "moved"

	// Outcome
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyStatus     = "status"
)
