// Implementation of file system storage backend.
package objstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

type fsBackend struct {
	// Path of the object directory
	objDir  string
	objType string
}

func newFSBackend(dataDir string, objType string) *fsBackend {
	backend := new(fsBackend)
	dirName := objType
	switch objType {
	case "commit":
		dirName = "commits"
	case "block":
		dirName = "blocks"
	}
	backend.objDir = filepath.Join(dataDir, "storage", dirName)
	backend.objType = objType
	return backend
}

func (b *fsBackend) objPath(repoID string, objID string) string {
	return filepath.Join(b.objDir, repoID, objID[:2], objID[2:])
}

func (b *fsBackend) read(repoID string, objID string, w io.Writer) error {
	fd, err := os.Open(b.objPath(repoID, objID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s object %s/%s: %w", b.objType, repoID, objID, ErrNotFound)
		}
		return err
	}
	defer fd.Close()

	_, err = io.Copy(w, fd)
	return err
}

func (b *fsBackend) write(repoID string, objID string, r io.Reader, sync bool) error {
	parentDir := filepath.Join(b.objDir, repoID, objID[:2])
	if err := os.MkdirAll(parentDir, os.ModePerm); err != nil {
		return err
	}

	// Write to a temp file and rename, so readers never see partial objects.
	tmpFile, err := os.CreateTemp(parentDir, objID[2:]+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		return err
	}
	if sync {
		if err := tmpFile.Sync(); err != nil {
			tmpFile.Close()
			return err
		}
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, filepath.Join(parentDir, objID[2:]))
}

func (b *fsBackend) exists(repoID string, objID string) (bool, error) {
	_, err := os.Stat(b.objPath(repoID, objID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *fsBackend) stat(repoID string, objID string) (int64, error) {
	fileInfo, err := os.Stat(b.objPath(repoID, objID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return -1, fmt.Errorf("%s object %s/%s: %w", b.objType, repoID, objID, ErrNotFound)
		}
		return -1, err
	}
	return fileInfo.Size(), nil
}

func (b *fsBackend) list(repoID string, fn func(objID string) error) error {
	repoDir := filepath.Join(b.objDir, repoID)
	prefixes, err := os.ReadDir(repoDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, prefix := range prefixes {
		if !prefix.IsDir() || len(prefix.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(repoDir, prefix.Name()))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) == ".tmp" {
				continue
			}
			if err := fn(prefix.Name() + entry.Name()); err != nil {
				return err
			}
		}
	}
	return nil
}
