package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/storage"
)

// chunkPath resolves the temp file of one proxied-upload chunk.
func (s *Store) chunkPath(sessionID string, index int) string {
	return filepath.Join(s.root, filepath.FromSlash(storage.ChunkKey(sessionID, index)))
}

// WriteChunk stores one chunk with overwrite semantics so a retried PUT of
// the same (session, index) is safe.
func (s *Store) WriteChunk(ctx context.Context, sessionID string, index int, r io.Reader, size int64) error {
	const op = "localfs.WriteChunk"
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.chunkPath(sessionID, index)
	if err := atomicWrite(path, r); err != nil {
		return errs.Storage(op, err)
	}

	if size >= 0 {
		info, err := os.Stat(path)
		if err != nil {
			return errs.Storage(op, err)
		}
		if info.Size() != size {
			os.Remove(path)
			return errs.Validation(op, "chunk %d: expected %d bytes, wrote %d", index, size, info.Size())
		}
	}
	return nil
}

// Assemble concatenates chunks 0..totalChunks-1 into finalKey, then
// removes the temp chunks. If a chunk is missing but the final object is
// already in place, a previous assembly finished and this call only
// repeats the cleanup, so retrying after a crash mid-assembly is safe.
func (s *Store) Assemble(ctx context.Context, sessionID, finalKey string, totalChunks int, tier storage.Tier) (storage.ObjectInfo, error) {
	const op = "localfs.Assemble"
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}

	finalPath, qualified := s.objectPath(finalKey, tier)

	// Verify the full chunk set first; only fall back to a pre-existing
	// final object when the set is incomplete.
	missing := -1
	for i := 0; i < totalChunks; i++ {
		if _, err := os.Stat(s.chunkPath(sessionID, i)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				missing = i
				break
			}
			return storage.ObjectInfo{}, errs.Storage(op, err)
		}
	}
	if missing >= 0 {
		if info, err := os.Stat(finalPath); err == nil {
			_ = s.DeleteChunks(ctx, sessionID)
			return storage.ObjectInfo{
				Key: qualified, Tier: tierOf(qualified), Size: info.Size(), ModifiedAt: info.ModTime(),
			}, nil
		}
		return storage.ObjectInfo{}, errs.Storage(op, fmt.Errorf("chunk %d missing", missing))
	}

	readers := make([]io.Reader, 0, totalChunks)
	files := make([]*os.File, 0, totalChunks)
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	for i := 0; i < totalChunks; i++ {
		f, err := os.Open(s.chunkPath(sessionID, i))
		if err != nil {
			return storage.ObjectInfo{}, errs.Storage(op, err)
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	if err := atomicWrite(finalPath, io.MultiReader(readers...)); err != nil {
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}

	if err := s.DeleteChunks(ctx, sessionID); err != nil {
		// The object is assembled; orphaned chunks are swept later.
		logger.Warn("failed to clean up chunks after assembly",
			"session_id", sessionID, "error", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return storage.ObjectInfo{}, errs.Storage(op, err)
	}
	return storage.ObjectInfo{
		Key: qualified, Tier: tierOf(qualified), Size: info.Size(), ModifiedAt: info.ModTime(),
	}, nil
}

// DeleteChunks removes the session's temp directory. Best effort and
// idempotent.
func (s *Store) DeleteChunks(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Join(s.root, filepath.FromSlash(storage.ChunkDirKey(sessionID)))
	if err := os.RemoveAll(dir); err != nil {
		return errs.Storage("localfs.DeleteChunks", err)
	}
	return nil
}
