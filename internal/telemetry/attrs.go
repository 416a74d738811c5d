package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for upload, download and storage spans. Keys follow
// OpenTelemetry semantic conventions where one exists.
const (
	AttrClientIP  = "client.address"
	AttrUserID    = "cubby.user_id"
	AttrRole      = "cubby.role"
	AttrSessionID = "cubby.session_id"
	AttrFileID    = "cubby.file_id"
	AttrVariant   = "cubby.upload_variant"
	AttrChunk     = "cubby.chunk_index"
	AttrKey       = "cubby.storage_key"
	AttrTier      = "cubby.tier"
	AttrProvider  = "cubby.provider"
	AttrSize      = "cubby.size_bytes"
	AttrWorker    = "cubby.worker"
)

// String builds a string attribute.
func String(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Int builds an integer attribute.
func Int(key string, value int) attribute.KeyValue {
	return attribute.Int(key, value)
}

// Int64 builds an int64 attribute.
func Int64(key string, value int64) attribute.KeyValue {
	return attribute.Int64(key, value)
}
