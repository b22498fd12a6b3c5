// Package objstore provides operations for commit, fs and block objects.
// It is low-level package used by commitmgr, fsmgr, blockmgr packages to access storage.
package objstore

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/haiwen/seafevents/option"
)

// ErrNotFound is returned when an object doesn't exist in the backend.
var ErrNotFound = errors.New("object not found")

// ObjectStore is a container to access storage backends.
// Objects of a repo live in the backend of the repo's storage class.
type ObjectStore struct {
	// can be "commit", "fs", or "block"
	ObjType string
	backend storageBackend

	lock     sync.RWMutex
	backends map[string]storageBackend
	mapper   func(repoID string) string
	// set for views bound to one storage class
	fixed bool
}

// storageBackend is the interface implemented by storage backends.
type storageBackend interface {
	// Read an object from backend and write the contents into w.
	read(repoID string, objID string, w io.Writer) (err error)
	// Write the contents from r to the object.
	write(repoID string, objID string, r io.Reader, sync bool) (err error)
	// exists checks whether an object exists.
	exists(repoID string, objID string) (res bool, err error)
	// stat calculates an object's size
	stat(repoID string, objID string) (res int64, err error)
	// list calls fn for every object of the repo.
	list(repoID string, fn func(objID string) error) (err error)
}

// New returns a new object store for a given type of objects, backed by the
// default storage under seafileDataDir.
// objType can be "commit", "fs", or "block".
func New(seafileDataDir string, objType string) *ObjectStore {
	obj := new(ObjectStore)
	obj.ObjType = objType
	obj.backend = newFSBackend(seafileDataDir, objType)
	obj.backends = make(map[string]storageBackend)
	return obj
}

// AddStorage registers a storage class.
func (s *ObjectStore) AddStorage(storage *option.StorageOptions) error {
	var backend storageBackend
	switch storage.Backend {
	case "", "fs":
		if storage.Dir == "" {
			return fmt.Errorf("no dir for fs storage %s", storage.ID)
		}
		backend = newFSBackend(storage.Dir, s.ObjType)
	case "s3":
		b, err := newS3Backend(storage, s.ObjType)
		if err != nil {
			return fmt.Errorf("failed to create s3 storage %s: %w", storage.ID, err)
		}
		backend = b
	default:
		return fmt.Errorf("unsupported storage backend %s", storage.Backend)
	}

	s.lock.Lock()
	s.backends[storage.ID] = backend
	s.lock.Unlock()
	return nil
}

// SetStorageMapper sets the function returning the storage id of a repo.
// An empty id selects the default storage.
func (s *ObjectStore) SetStorageMapper(mapper func(repoID string) string) {
	s.lock.Lock()
	s.mapper = mapper
	s.lock.Unlock()
}

// Storage returns a view of the store bound to one storage class.
func (s *ObjectStore) Storage(storageID string) (*ObjectStore, error) {
	view := new(ObjectStore)
	view.ObjType = s.ObjType
	view.fixed = true
	if storageID == "" {
		view.backend = s.backend
		return view, nil
	}
	s.lock.RLock()
	backend, ok := s.backends[storageID]
	s.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage %s is not configured", storageID)
	}
	view.backend = backend
	return view, nil
}

func (s *ObjectStore) backendFor(repoID string) storageBackend {
	if s.fixed {
		return s.backend
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.mapper == nil {
		return s.backend
	}
	if backend, ok := s.backends[s.mapper(repoID)]; ok {
		return backend
	}
	return s.backend
}

// Read data from storage backends.
func (s *ObjectStore) Read(repoID string, objID string, w io.Writer) (err error) {
	if !validObjID(objID) {
		return fmt.Errorf("invalid object id %q", objID)
	}
	return s.backendFor(repoID).read(repoID, objID, w)
}

// Write data to storage backends.
func (s *ObjectStore) Write(repoID string, objID string, r io.Reader, sync bool) (err error) {
	if !validObjID(objID) {
		return fmt.Errorf("invalid object id %q", objID)
	}
	return s.backendFor(repoID).write(repoID, objID, r, sync)
}

// Exists checks whether object exists.
func (s *ObjectStore) Exists(repoID string, objID string) (res bool, err error) {
	if !validObjID(objID) {
		return false, nil
	}
	return s.backendFor(repoID).exists(repoID, objID)
}

// Stat calculates object size.
func (s *ObjectStore) Stat(repoID string, objID string) (res int64, err error) {
	if !validObjID(objID) {
		return -1, fmt.Errorf("invalid object id %q", objID)
	}
	return s.backendFor(repoID).stat(repoID, objID)
}

// List calls fn for every object stored for the repo. Iteration stops at the first error from fn.
func (s *ObjectStore) List(repoID string, fn func(objID string) error) error {
	return s.backendFor(repoID).list(repoID, fn)
}

func validObjID(objID string) bool {
	return len(objID) > 2
}

// StoreID returns the id under which objects of a repo are stored.
// Version 0 repos keep objects in a flat layout with no repo directory.
func StoreID(repoID string, version int) string {
	if version > 0 {
		return repoID
	}
	return ""
}
