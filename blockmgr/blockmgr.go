// Package blockmgr provides operations on blocks
package blockmgr

import (
	"errors"
	"fmt"
	"io"

	"github.com/haiwen/seafevents/fsmgr"
	"github.com/haiwen/seafevents/objstore"
)

var store *objstore.ObjectStore

// ErrFileTooLarge is returned by ReadFile when a file exceeds the size limit.
var ErrFileTooLarge = errors.New("file is too large")

// Init initializes block manager and creates underlying object store.
func Init(seafileDataDir string) {
	store = objstore.New(seafileDataDir, "block")
}

// Store returns the block object store.
func Store() *objstore.ObjectStore {
	return store
}

// Read reads block from storage backend.
func Read(repoID string, blockID string, w io.Writer) error {
	return store.Read(repoID, blockID, w)
}

// Write writes block to storage backend.
func Write(repoID string, blockID string, r io.Reader) error {
	return store.Write(repoID, blockID, r, false)
}

// Exists checks block if exists.
func Exists(repoID string, blockID string) (bool, error) {
	return store.Exists(repoID, blockID)
}

// ReadFile writes the contents of a file to w, block by block.
// Files larger than maxSize are rejected before any block is read; maxSize <= 0 means no limit.
func ReadFile(repoID string, fileID string, maxSize int64, w io.Writer) error {
	file, err := fsmgr.GetSeafile(repoID, fileID)
	if err != nil {
		return err
	}
	if maxSize > 0 && int64(file.FileSize) > maxSize {
		return fmt.Errorf("file %s is %d bytes: %w", fileID, file.FileSize, ErrFileTooLarge)
	}
	for _, blkID := range file.BlkIDs {
		if err := Read(repoID, blkID, w); err != nil {
			return fmt.Errorf("failed to read block %s of file %s: %w", blkID, fileID, err)
		}
	}
	return nil
}
