// Package storage defines the blob storage abstraction used by the upload,
// download and lifecycle subsystems.
//
// A Provider treats keys as opaque strings. Tier is a placement hint that
// maps to a key prefix ("hot/", "cold/"); backends without real tiering
// simulate tiers with prefixes alone. Keys returned by a provider are
// always fully qualified — callers pass them back verbatim and the
// provider never applies a prefix twice.
package storage

import (
	"context"
	"io"
	"time"
)

// Tier is a logical placement class.
type Tier string

const (
	// TierHot is the default placement class.
	TierHot Tier = "hot"
	// TierCold is the placement class for rarely accessed objects.
	TierCold Tier = "cold"
)

// IsValid reports whether t names a known tier.
func (t Tier) IsValid() bool {
	return t == TierHot || t == TierCold
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	// Key is the fully-qualified object key.
	Key string
	// Tier is the placement class the object currently lives on.
	Tier Tier
	// Size is the object size in bytes.
	Size int64
	// ContentType is the stored content type, when the backend tracks one.
	ContentType string
	// ETag is the backend entity tag, when available.
	ETag string
	// ModifiedAt is the last modification time.
	ModifiedAt time.Time
}

// ByteRange is a half-open request for a slice of an object, mirroring the
// HTTP Range header. End == -1 means "to the end of the object".
type ByteRange struct {
	Start int64
	End   int64
}

// CompletedPart identifies one uploaded part of a multipart upload. The
// ETag is the value the object store returned for the part PUT, quotes
// already stripped.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// WriteMeta carries optional object metadata for writes.
type WriteMeta struct {
	ContentType string
}

// Provider is the blob store abstraction. Implementations must be safe for
// concurrent use. Delete is idempotent: deleting an absent object succeeds.
type Provider interface {
	// Name identifies the backend ("local", "s3") for logs and config.
	Name() string

	// Write stores size bytes from r at key on tier with overwrite
	// semantics and returns the resulting object info. The returned key is
	// fully qualified.
	Write(ctx context.Context, key string, r io.Reader, size int64, tier Tier, meta WriteMeta) (ObjectInfo, error)

	// Read returns a reader over the whole object. The caller closes it.
	Read(ctx context.Context, key string, tier Tier) (io.ReadCloser, error)

	// Stream returns a reader over the object, restricted to rng when
	// non-nil. A range beyond the end of the object fails with a
	// Validation error so the HTTP layer can answer 416.
	Stream(ctx context.Context, key string, tier Tier, rng *ByteRange) (io.ReadCloser, error)

	// Delete removes the object. It returns true when the object no longer
	// exists afterwards, including the already-absent case.
	Delete(ctx context.Context, key string, tier Tier) (bool, error)

	// Exists reports whether the object is present.
	Exists(ctx context.Context, key string, tier Tier) (bool, error)

	// Metadata returns object info without reading the body.
	Metadata(ctx context.Context, key string, tier Tier) (ObjectInfo, error)

	// Migrate moves the object between tiers. On success exactly one copy
	// remains, on the target tier. On any failure the source copy is left
	// intact.
	Migrate(ctx context.Context, key string, from, to Tier) (ObjectInfo, error)

	// WriteChunk stores one proxied-upload chunk at the temp key derived
	// from sessionID and index, with overwrite semantics so retries are
	// safe.
	WriteChunk(ctx context.Context, sessionID string, index int, r io.Reader, size int64) error

	// Assemble concatenates chunks 0..totalChunks-1 in order into finalKey
	// on tier, then deletes the temp chunks. Reassembly after a partial
	// failure is idempotent given the same inputs.
	Assemble(ctx context.Context, sessionID, finalKey string, totalChunks int, tier Tier) (ObjectInfo, error)

	// DeleteChunks removes any temp chunks of the session. Best effort.
	DeleteChunks(ctx context.Context, sessionID string) error
}

// MultipartProvider is implemented by backends that support native
// multipart uploads with presigned part PUTs (the direct upload variant).
type MultipartProvider interface {
	Provider

	// InitMultipart starts a multipart upload for key on tier and returns
	// the upload id.
	InitMultipart(ctx context.Context, key string, tier Tier) (string, error)

	// SignPartUpload returns a presigned HTTP PUT URL for one part.
	SignPartUpload(ctx context.Context, key, uploadID string, partNumber int, ttl time.Duration) (string, error)

	// CompleteMultipart finalizes the upload. Parts must be supplied in
	// ascending part-number order with no duplicates or gaps.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error

	// AbortMultipart cancels the upload. Idempotent.
	AbortMultipart(ctx context.Context, key, uploadID string) error
}
