// Package localfs implements the storage provider on a local filesystem.
//
// Layout under the configured root:
//
//	root/hot/...   hot-tier objects
//	root/cold/...  cold-tier objects
//	root/temp/...  proxied-upload chunks, keyed by session
//
// Writes go through a temp file in the destination directory followed by a
// rename, so readers never observe a partially written object.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/storage"
)

// Store is a local filesystem storage provider.
type Store struct {
	root string
}

// New creates a local store rooted at root, creating the tier and temp
// directories if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	for _, dir := range []string{
		filepath.Join(root, string(storage.TierHot)),
		filepath.Join(root, string(storage.TierCold)),
		filepath.Join(root, "temp"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %q: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// Name identifies the backend.
func (s *Store) Name() string { return "local" }

// objectPath resolves a (possibly already qualified) key on a tier to an
// absolute path under the root. The returned key is the qualified form.
func (s *Store) objectPath(key string, tier storage.Tier) (string, string) {
	qualified := storage.QualifyKey(key, tier)
	return filepath.Join(s.root, filepath.FromSlash(qualified)), qualified
}

// Write stores size bytes from r at key with overwrite semantics.
func (s *Store) Write(ctx context.Context, key string, r io.Reader, size int64, tier storage.Tier, meta storage.WriteMeta) (storage.ObjectInfo, error) {
	const op = "localfs.Write"
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}

	path, qualified := s.objectPath(key, tier)
	if err := atomicWrite(path, r); err != nil {
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}
	if size >= 0 && info.Size() != size {
		// Caller promised a size and the stream fell short or ran over.
		os.Remove(path)
		return storage.ObjectInfo{}, errs.Validation(op, "expected %d bytes, wrote %d", size, info.Size())
	}

	return storage.ObjectInfo{
		Key:         qualified,
		Tier:        tierOf(qualified),
		Size:        info.Size(),
		ContentType: contentTypeFor(qualified, meta.ContentType),
		ModifiedAt:  info.ModTime(),
	}, nil
}

// Read returns the whole object.
func (s *Store) Read(ctx context.Context, key string, tier storage.Tier) (io.ReadCloser, error) {
	return s.Stream(ctx, key, tier, nil)
}

// Stream returns the object, restricted to rng when non-nil.
func (s *Store) Stream(ctx context.Context, key string, tier storage.Tier, rng *storage.ByteRange) (io.ReadCloser, error) {
	const op = "localfs.Stream"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, _ := s.objectPath(key, tier)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.NotFound(op, "object not found")
		}
		return nil, errs.Storage(op, err)
	}

	if rng == nil {
		return f, nil
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Storage(op, err)
	}

	start, length, err := resolveRange(rng, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}

	return &sectionReadCloser{
		Reader: io.NewSectionReader(f, start, length),
		closer: f,
	}, nil
}

// Delete removes the object. Absent objects count as deleted.
func (s *Store) Delete(ctx context.Context, key string, tier storage.Tier) (bool, error) {
	const op = "localfs.Delete"
	if err := ctx.Err(); err != nil {
		return false, err
	}

	path, _ := s.objectPath(key, tier)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, errs.Storage(op, err)
	}

	// Prune now-empty parent directories up to the tier root. Best effort.
	s.pruneEmptyDirs(filepath.Dir(path))
	return true, nil
}

// Exists reports whether the object is present.
func (s *Store) Exists(ctx context.Context, key string, tier storage.Tier) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, _ := s.objectPath(key, tier)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, errs.Storage("localfs.Exists", err)
	}
	return true, nil
}

// Metadata returns object info without reading the body.
func (s *Store) Metadata(ctx context.Context, key string, tier storage.Tier) (storage.ObjectInfo, error) {
	const op = "localfs.Metadata"
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}

	path, qualified := s.objectPath(key, tier)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ObjectInfo{}, errs.NotFound(op, "object not found")
		}
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}

	return storage.ObjectInfo{
		Key:         qualified,
		Tier:        tierOf(qualified),
		Size:        info.Size(),
		ContentType: contentTypeFor(qualified, ""),
		ModifiedAt:  info.ModTime(),
	}, nil
}

// Migrate moves the object between tiers via copy-then-delete. The source
// is removed only after the destination is durably in place, so a failure
// at any point leaves the source intact. Re-running a finished migration
// succeeds and reports the destination.
func (s *Store) Migrate(ctx context.Context, key string, from, to storage.Tier) (storage.ObjectInfo, error) {
	const op = "localfs.Migrate"
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}
	if from == to {
		return s.Metadata(ctx, key, from)
	}

	srcPath, _ := s.objectPath(storage.Requalify(key, from), from)
	dstQualified := storage.Requalify(key, to)
	dstPath := filepath.Join(s.root, filepath.FromSlash(dstQualified))

	src, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Source gone: if the destination exists this migration already
			// ran to completion; otherwise the object is genuinely missing.
			if dstInfo, statErr := os.Stat(dstPath); statErr == nil {
				return storage.ObjectInfo{
					Key: dstQualified, Tier: to, Size: dstInfo.Size(), ModifiedAt: dstInfo.ModTime(),
				}, nil
			}
			return storage.ObjectInfo{}, errs.NotFound(op, "object not found")
		}
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}
	defer src.Close()

	if err := atomicWrite(dstPath, src); err != nil {
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}
	if err := os.Remove(srcPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		// Destination copy exists; removing it again would violate the
		// exactly-one-copy contract, so surface the error and let the
		// caller retry the (now idempotent) migration.
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}
	s.pruneEmptyDirs(filepath.Dir(srcPath))

	info, err := os.Stat(dstPath)
	if err != nil {
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}
	return storage.ObjectInfo{Key: dstQualified, Tier: to, Size: info.Size(), ModifiedAt: info.ModTime()}, nil
}

// pruneEmptyDirs removes empty directories from dir upward, stopping at
// the storage root or the first non-empty directory.
func (s *Store) pruneEmptyDirs(dir string) {
	root := filepath.Clean(s.root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || !strings.HasPrefix(dir, root+string(os.PathSeparator)) {
			return
		}
		// Keep tier roots and the temp root even when empty.
		if parent := filepath.Dir(dir); parent == root {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// atomicWrite streams r into path via a temp file in the same directory
// followed by fsync and rename.
func atomicWrite(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".cubby-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// resolveRange maps a ByteRange onto an object of the given size,
// returning offset and length. Ranges starting at or past the end fail
// with a Validation error, which the HTTP layer turns into 416.
func resolveRange(rng *storage.ByteRange, size int64) (start, length int64, err error) {
	const op = "localfs.Stream"
	start = rng.Start
	end := rng.End
	if start < 0 || (end != -1 && end < start) {
		return 0, 0, errs.Validation(op, "invalid byte range")
	}
	if start >= size && size > 0 {
		return 0, 0, errs.Validation(op, "range start %d beyond object size %d", start, size)
	}
	if start >= size {
		// Zero-byte object: only an empty range is satisfiable.
		return 0, 0, errs.Validation(op, "range not satisfiable for empty object")
	}
	if end == -1 || end >= size {
		end = size - 1
	}
	return start, end - start + 1, nil
}

type sectionReadCloser struct {
	io.Reader
	closer io.Closer
}

func (s *sectionReadCloser) Close() error { return s.closer.Close() }

// tierOf reports the tier a qualified key lives on, defaulting to hot.
func tierOf(qualified string) storage.Tier {
	if _, tier, ok := storage.StripTier(qualified); ok {
		return tier
	}
	return storage.TierHot
}

// contentTypeFor picks the explicit content type or falls back to the
// extension.
func contentTypeFor(key, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if ct := mime.TypeByExtension(filepath.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

var _ storage.Provider = (*Store)(nil)
