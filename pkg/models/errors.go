package models

import "errors"

// Sentinel errors returned by the metadata store. Services translate these
// into errs.Error values with the appropriate kind.
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrFolderNotFound  = errors.New("folder not found")
	ErrQuotaNotFound   = errors.New("quota not found")
	ErrSessionNotFound = errors.New("upload session not found")

	ErrDuplicateUser   = errors.New("user already exists")
	ErrDuplicateFolder = errors.New("folder already exists")

	// ErrStaleState indicates a compare-and-swap update matched no rows,
	// i.e. another writer changed the record first.
	ErrStaleState = errors.New("record changed concurrently")

	// ErrFolderCycle indicates a folder move that would make a folder its
	// own ancestor.
	ErrFolderCycle = errors.New("folder move would create a cycle")
)
