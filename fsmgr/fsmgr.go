// Package fsmgr manages fs objects
package fsmgr

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/dgraph-io/ristretto"
	jsoniter "github.com/json-iterator/go"

	"github.com/haiwen/seafevents/objstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Seafile is a file object.
type Seafile struct {
	Version  int      `json:"version"`
	FileType int      `json:"type,omitempty"`
	FileID   string   `json:"file_id,omitempty"`
	FileSize uint64   `json:"size"`
	BlkIDs   []string `json:"block_ids"`
}

// SeafDirent is a dir entry.
type SeafDirent struct {
	Mode     uint32 `json:"mode"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Mtime    int64  `json:"mtime"`
	Modifier string `json:"modifier"`
	Size     int64  `json:"size"`
}

// SeafDir is a dir object. Entries are sorted by name in descending order.
type SeafDir struct {
	Version int           `json:"version"`
	DirType int           `json:"type,omitempty"`
	DirID   string        `json:"dir_id,omitempty"`
	Entries []*SeafDirent `json:"dirents"`
}

// FileCountInfo sums up a subtree.
type FileCountInfo struct {
	FileCount int64
	Size      int64
	DirCount  int64
}

const (
	SEAF_METADATA_TYPE_INVALID = iota
	SEAF_METADATA_TYPE_FILE
	SEAF_METADATA_TYPE_LINK
	SEAF_METADATA_TYPE_DIR
)

const (
	EMPTY_SHA1 = "0000000000000000000000000000000000000000"
)

var store *objstore.ObjectStore

// dir objects are immutable, so they can be cached by id.
var fsCache *ristretto.Cache

// Init initializes fs manager and creates underlying object store.
// fsCacheLimit is the max cost of cached dir objects, in bytes.
func Init(seafileDataDir string, fsCacheLimit int64) {
	store = objstore.New(seafileDataDir, "fs")

	var err error
	fsCache, err = ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     fsCacheLimit,
		BufferItems: 64,
		Cost:        calCost,
	})
	if err != nil {
		fsCache = nil
	}
}

// Store returns the fs object store.
func Store() *objstore.ObjectStore {
	return store
}

func calCost(value interface{}) int64 {
	dir, ok := value.(*SeafDir)
	if !ok {
		return 1
	}
	var cost int64 = 64
	for _, dent := range dir.Entries {
		cost += int64(len(dent.ID)+len(dent.Name)+len(dent.Modifier)) + 32
	}
	return cost
}

// NewDirent creates a dir entry.
func NewDirent(id string, name string, mode uint32, mtime int64, modifier string, size int64) *SeafDirent {
	dent := new(SeafDirent)
	dent.ID = id
	if id == "" {
		dent.ID = EMPTY_SHA1
	}
	dent.Name = name
	dent.Mode = mode
	dent.Mtime = mtime
	if IsRegular(mode) {
		dent.Modifier = modifier
		dent.Size = size
	}

	return dent
}

// NewSeafdir creates a dir object and computes its id.
func NewSeafdir(version int, entries []*SeafDirent) (*SeafDir, error) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name > entries[j].Name
	})
	dir := new(SeafDir)
	dir.Version = version
	dir.Entries = entries
	if len(entries) == 0 {
		dir.DirID = EMPTY_SHA1
		return dir, nil
	}
	jsonstr, err := json.Marshal(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to convert seafdir to json: %w", err)
	}
	checksum := sha1.Sum(jsonstr)
	dir.DirID = hex.EncodeToString(checksum[:])

	return dir, nil
}

// NewSeafile creates a file object and computes its id.
func NewSeafile(version int, fileSize int64, blkIDs []string) (*Seafile, error) {
	seafile := new(Seafile)
	seafile.Version = version
	seafile.FileSize = uint64(fileSize)
	seafile.BlkIDs = blkIDs

	jsonstr, err := json.Marshal(seafile)
	if err != nil {
		return nil, fmt.Errorf("failed to convert seafile to json: %w", err)
	}
	checkSum := sha1.Sum(jsonstr)
	seafile.FileID = hex.EncodeToString(checkSum[:])

	return seafile, nil
}

func uncompress(p []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

func compress(p []byte) ([]byte, error) {
	var out bytes.Buffer
	w := zlib.NewWriter(&out)

	if _, err := w.Write(p); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

// FromData reads from p and converts JSON-encoded data to Seafile.
func (seafile *Seafile) FromData(p []byte) error {
	b, err := uncompress(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, seafile)
}

// ToData converts seafile to JSON-encoded data and writes to w.
func (seafile *Seafile) ToData(w io.Writer) error {
	jsonstr, err := json.Marshal(seafile)
	if err != nil {
		return err
	}

	buf, err := compress(jsonstr)
	if err != nil {
		return err
	}

	_, err = w.Write(buf)
	return err
}

// ToData converts seafdir to JSON-encoded data and writes to w.
func (seafdir *SeafDir) ToData(w io.Writer) error {
	jsonstr, err := json.Marshal(seafdir)
	if err != nil {
		return err
	}

	buf, err := compress(jsonstr)
	if err != nil {
		return err
	}

	_, err = w.Write(buf)
	return err
}

// FromData reads from p and converts JSON-encoded data to SeafDir.
func (seafdir *SeafDir) FromData(p []byte) error {
	b, err := uncompress(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, seafdir)
}

// GetSeafile gets seafile from storage backend.
func GetSeafile(repoID string, fileID string) (*Seafile, error) {
	var buf bytes.Buffer
	seafile := new(Seafile)
	if fileID == EMPTY_SHA1 {
		seafile.FileID = EMPTY_SHA1
		return seafile, nil
	}

	err := store.Read(repoID, fileID, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read seafile object from storage: %w", err)
	}

	err = seafile.FromData(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to parse seafile object %s/%s: %w", repoID, fileID, err)
	}

	if seafile.Version < 1 {
		return nil, fmt.Errorf("seafile object %s/%s version should be > 0", repoID, fileID)
	}

	seafile.FileID = fileID

	return seafile, nil
}

// SaveSeafile saves seafile to storage backend.
func SaveSeafile(repoID string, seafile *Seafile) error {
	fileID := seafile.FileID

	exist, _ := store.Exists(repoID, fileID)
	if exist {
		return nil
	}

	seafile.FileType = SEAF_METADATA_TYPE_FILE
	var buf bytes.Buffer
	err := seafile.ToData(&buf)
	if err != nil {
		return fmt.Errorf("failed to convert seafile object %s/%s to json: %w", repoID, fileID, err)
	}

	err = store.Write(repoID, fileID, &buf, false)
	if err != nil {
		return fmt.Errorf("failed to write seafile object to storage: %w", err)
	}

	return nil
}

// GetSeafdir gets seafdir from storage backend.
func GetSeafdir(repoID string, dirID string) (*SeafDir, error) {
	if dirID == EMPTY_SHA1 {
		seafdir := new(SeafDir)
		seafdir.Version = 1
		seafdir.DirID = EMPTY_SHA1
		return seafdir, nil
	}

	if fsCache != nil {
		if v, ok := fsCache.Get(dirID); ok {
			if seafdir, ok := v.(*SeafDir); ok {
				return seafdir, nil
			}
		}
	}

	var buf bytes.Buffer
	err := store.Read(repoID, dirID, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read seafdir object from storage: %w", err)
	}

	seafdir := new(SeafDir)
	err = seafdir.FromData(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to parse seafdir object %s/%s: %w", repoID, dirID, err)
	}

	if seafdir.Version < 1 {
		return nil, fmt.Errorf("seafdir object %s/%s version should be > 0", repoID, dirID)
	}

	seafdir.DirID = dirID
	if fsCache != nil {
		fsCache.Set(dirID, seafdir, 0)
	}

	return seafdir, nil
}

// SaveSeafdir saves seafdir to storage backend.
func SaveSeafdir(repoID string, seafdir *SeafDir) error {
	dirID := seafdir.DirID
	if dirID == EMPTY_SHA1 {
		return nil
	}
	exist, _ := store.Exists(repoID, dirID)
	if exist {
		return nil
	}

	seafdir.DirType = SEAF_METADATA_TYPE_DIR
	var buf bytes.Buffer
	err := seafdir.ToData(&buf)
	if err != nil {
		return fmt.Errorf("failed to convert seafdir object %s/%s to json: %w", repoID, dirID, err)
	}

	err = store.Write(repoID, dirID, &buf, false)
	if err != nil {
		return fmt.Errorf("failed to write seafdir object to storage: %w", err)
	}

	return nil
}

// IsDir checks if the mode is dir.
func IsDir(m uint32) bool {
	return (m & syscall.S_IFMT) == syscall.S_IFDIR
}

// IsRegular checks if the mode is regular.
func IsRegular(m uint32) bool {
	return (m & syscall.S_IFMT) == syscall.S_IFREG
}

// ErrPathNoExist is returned when a path can't be found in a tree.
var ErrPathNoExist = errors.New("path does not exist")

func comp(c rune) bool {
	return c == '/'
}

// GetSeafdirByPath gets seafdir object by path.
func GetSeafdirByPath(repoID string, rootID string, path string) (*SeafDir, error) {
	dir, err := GetSeafdir(repoID, rootID)
	if err != nil {
		return nil, fmt.Errorf("root directory is missing: %w", err)
	}

	path = filepath.Join("/", path)
	parts := strings.FieldsFunc(path, comp)
	for _, name := range parts {
		var dirID string
		for _, v := range dir.Entries {
			if v.Name == name && IsDir(v.Mode) {
				dirID = v.ID
				break
			}
		}

		if dirID == "" {
			return nil, ErrPathNoExist
		}

		dir, err = GetSeafdir(repoID, dirID)
		if err != nil {
			return nil, fmt.Errorf("directory %s is missing: %w", name, err)
		}
	}

	return dir, nil
}

// GetDirentByPath returns the dir entry at path.
func GetDirentByPath(repoID string, rootID string, path string) (*SeafDirent, error) {
	path = filepath.Join("/", path)
	if path == "/" {
		return nil, ErrPathNoExist
	}
	parent, name := filepath.Split(path)
	dir, err := GetSeafdirByPath(repoID, rootID, parent)
	if err != nil {
		return nil, err
	}
	for _, dent := range dir.Entries {
		if dent.Name == name {
			return dent, nil
		}
	}
	return nil, ErrPathNoExist
}

// GetFileCountInfo sums up the subtree of dirID.
func GetFileCountInfo(repoID, dirID string) (*FileCountInfo, error) {
	dir, err := GetSeafdir(repoID, dirID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dir: %w", err)
	}

	info := new(FileCountInfo)

	for _, de := range dir.Entries {
		if IsDir(de.Mode) {
			tmpInfo, err := GetFileCountInfo(repoID, de.ID)
			if err != nil {
				return nil, err
			}
			info.DirCount += tmpInfo.DirCount + 1
			info.FileCount += tmpInfo.FileCount
			info.Size += tmpInfo.Size
		} else {
			info.FileCount++
			info.Size += de.Size
		}
	}

	return info, nil
}

// WalkFiles calls fn for every file below dirID. Paths are relative to basePath.
func WalkFiles(repoID, dirID, basePath string, fn func(path string, dent *SeafDirent) error) error {
	dir, err := GetSeafdir(repoID, dirID)
	if err != nil {
		return err
	}
	for _, de := range dir.Entries {
		p := filepath.Join(basePath, de.Name)
		if IsDir(de.Mode) {
			if err := WalkFiles(repoID, de.ID, p, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(p, de); err != nil {
			return err
		}
	}
	return nil
}
