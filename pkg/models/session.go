package models

import (
	"fmt"
	"time"
)

// UploadVariant selects how chunks reach storage.
type UploadVariant string

const (
	// VariantProxied means the server mediates chunk PUTs and assembles
	// the final object itself.
	VariantProxied UploadVariant = "proxied"
	// VariantDirect means the client PUTs parts straight to the object
	// store through presigned URLs.
	VariantDirect UploadVariant = "direct"
)

// IsValid checks if the variant is a valid UploadVariant.
func (v UploadVariant) IsValid() bool {
	return v == VariantProxied || v == VariantDirect
}

// SessionStatus is the upload session state machine.
//
//	uploading -> completing -> completed
//	uploading -> failed | aborted
//
// The uploading -> completing transition is a CAS in the store so at most
// one finalization runs per session.
type SessionStatus string

const (
	SessionUploading  SessionStatus = "uploading"
	SessionCompleting SessionStatus = "completing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionAborted    SessionStatus = "aborted"
)

// IsValid checks if the status is a valid SessionStatus.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionUploading, SessionCompleting, SessionCompleted, SessionFailed, SessionAborted:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionAborted
}

// UploadSession tracks one resumable upload from init to completion.
// Once Status is completed the session is immutable and FileID references
// the File created at finalization.
type UploadSession struct {
	ID         string  `gorm:"primaryKey;size:36" json:"session_id"`
	UserID     string  `gorm:"not null;size:36;index" json:"user_id"`
	FolderID   *string `gorm:"size:36" json:"folder_id,omitempty"`
	Filename   string  `gorm:"not null;size:512" json:"filename"`
	MimeType   string  `gorm:"size:255" json:"mime_type"`
	TotalSize  int64   `gorm:"not null" json:"total_size"`
	ChunkSize  int64   `gorm:"not null" json:"chunk_size"`
	TotalChunks int    `gorm:"not null" json:"total_chunks"`

	// StorageKey is the fully-qualified final object key allocated at init.
	StorageKey string `gorm:"not null;size:1024" json:"-"`

	Variant string `gorm:"not null;size:10" json:"variant"`
	Status  string `gorm:"not null;size:12;index" json:"status"`

	// ClientHash is the hex SHA-256 the client promised at init, if any.
	// Verified against the assembled object during finalization.
	ClientHash string `gorm:"size:64" json:"-"`

	// MultipartUploadID is set for direct-variant sessions only.
	MultipartUploadID string `gorm:"size:256" json:"-"`

	// FileID links the File created at completion.
	FileID *string `gorm:"size:36" json:"file_id,omitempty"`

	// QuotaApplied records that this session's bytes were charged to the
	// owner's quota. Flipped with a CAS in the same transaction as the
	// charge, so a finalize replayed after a crash charges exactly once.
	QuotaApplied bool `gorm:"not null;default:false" json:"-"`

	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for UploadSession.
func (UploadSession) TableName() string {
	return "upload_sessions"
}

// Validate checks if the session record is consistent.
func (s *UploadSession) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if s.Filename == "" {
		return fmt.Errorf("filename is required")
	}
	if s.TotalSize < 0 {
		return fmt.Errorf("total size must be non-negative")
	}
	if s.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if !UploadVariant(s.Variant).IsValid() {
		return fmt.Errorf("invalid variant %q", s.Variant)
	}
	if !SessionStatus(s.Status).IsValid() {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	return nil
}

// ChunkLen returns the expected byte length of the chunk at index. Every
// chunk except the last is exactly ChunkSize; the last carries the
// remainder.
func (s *UploadSession) ChunkLen(index int) int64 {
	if index < 0 || index >= s.TotalChunks {
		return 0
	}
	if index == s.TotalChunks-1 {
		if rem := s.TotalSize - int64(index)*s.ChunkSize; rem > 0 {
			return rem
		}
		return s.ChunkSize
	}
	return s.ChunkSize
}

// UploadSessionChunk records one acknowledged chunk index. The composite
// primary key makes acknowledgement an idempotent insert, so a retried
// chunk PUT never double-counts.
type UploadSessionChunk struct {
	SessionID string    `gorm:"primaryKey;size:36"`
	Index     int       `gorm:"primaryKey;column:idx"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for UploadSessionChunk.
func (UploadSessionChunk) TableName() string {
	return "upload_session_chunks"
}
