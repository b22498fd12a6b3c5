// Package index keeps a searchable index of file names per repo in a bbolt database.
package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/haiwen/seafevents/diff"
	"github.com/haiwen/seafevents/pathrewrite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	statusBucket = "repo_status"
	filesPrefix  = "files:"
)

// ErrRepoNotIndexed is returned when searching a repo that has no index yet.
var ErrRepoNotIndexed = errors.New("repo is not indexed")

// Entry is one indexed file or dir.
type Entry struct {
	Path  string `json:"-"`
	ObjID string `json:"obj_id"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	IsDir bool   `json:"is_dir"`
}

// Status records how far a repo has been indexed.
type Status struct {
	CommitID  string    `json:"commit_id"`
	RootID    string    `json:"root_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FilenameIndex maps repo paths to entries.
type FilenameIndex struct {
	db *bolt.DB
}

// Open opens or creates the index file.
func Open(file string) (*FilenameIndex, error) {
	db, err := bolt.Open(file, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open index %s: %w", file, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(statusBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &FilenameIndex{db: db}, nil
}

// Close closes the index file.
func (idx *FilenameIndex) Close() error {
	return idx.db.Close()
}

func filesBucket(repoID string) []byte {
	return []byte(filesPrefix + repoID)
}

// GetStatus returns the last indexed commit of a repo, or nil.
func (idx *FilenameIndex) GetStatus(repoID string) (*Status, error) {
	var status *Status
	err := idx.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(statusBucket)).Get([]byte(repoID))
		if data == nil {
			return nil
		}
		status = new(Status)
		return json.Unmarshal(data, status)
	})
	return status, err
}

// ApplyDiff updates the entries of repoID and records commitID as indexed, in one transaction.
func (idx *FilenameIndex) ApplyDiff(repoID string, r *diff.DiffResult, commitID, rootID string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(filesBucket(repoID))
		if err != nil {
			return err
		}

		for _, e := range r.DeletedFiles {
			if err := b.Delete([]byte(e.Path)); err != nil {
				return err
			}
		}
		for _, e := range r.DeletedDirs {
			if err := deleteTree(b, e.Path); err != nil {
				return err
			}
		}
		for _, entries := range [][]*diff.DiffEntry{r.RenamedDirs, r.MovedDirs} {
			for _, e := range entries {
				if _, err := moveTree(b, b, pathrewrite.Request{OldPath: e.Path, NewPath: e.NewPath, IsDir: true}); err != nil {
					return err
				}
			}
		}
		for _, entries := range [][]*diff.DiffEntry{r.RenamedFiles, r.MovedFiles} {
			for _, e := range entries {
				if err := b.Delete([]byte(e.Path)); err != nil {
					return err
				}
				if err := putEntry(b, e.NewPath, e); err != nil {
					return err
				}
			}
		}
		for _, entries := range [][]*diff.DiffEntry{r.AddedDirs, r.AddedFiles, r.ModifiedFiles} {
			for _, e := range entries {
				if err := putEntry(b, e.Path, e); err != nil {
					return err
				}
			}
		}

		status := &Status{CommitID: commitID, RootID: rootID, UpdatedAt: time.Now().UTC()}
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(statusBucket)).Put([]byte(repoID), data)
	})
}

func putEntry(b *bolt.Bucket, p string, e *diff.DiffEntry) error {
	data, err := json.Marshal(&Entry{ObjID: e.ObjID, Size: e.Size, Mtime: e.Mtime, IsDir: e.IsDir})
	if err != nil {
		return err
	}
	return b.Put([]byte(p), data)
}

func deleteTree(b *bolt.Bucket, dir string) error {
	if err := b.Delete([]byte(dir)); err != nil {
		return err
	}
	prefix := []byte(dir + "/")
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// moveTree moves the entries matched by req from src to dst.
func moveTree(src, dst *bolt.Bucket, req pathrewrite.Request) (int64, error) {
	type kv struct {
		key, value []byte
	}
	var moved []kv
	if v := src.Get([]byte(req.OldPath)); v != nil {
		moved = append(moved, kv{[]byte(req.OldPath), append([]byte(nil), v...)})
	}
	if req.IsDir {
		prefix := []byte(req.OldPath + "/")
		c := src.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			moved = append(moved, kv{append([]byte(nil), k...), append([]byte(nil), v...)})
		}
	}

	for _, item := range moved {
		newPath, ok := req.Rewrite(string(item.key))
		if !ok {
			continue
		}
		if err := src.Delete(item.key); err != nil {
			return 0, err
		}
		if err := dst.Put([]byte(newPath), item.value); err != nil {
			return 0, err
		}
	}
	return int64(len(moved)), nil
}

// Name implements pathrewrite.Rewriter.
func (idx *FilenameIndex) Name() string {
	return "filename index"
}

// Rewrite implements pathrewrite.Rewriter.
func (idx *FilenameIndex) Rewrite(ctx context.Context, req pathrewrite.Request) (int64, error) {
	var n int64
	err := idx.db.Update(func(tx *bolt.Tx) error {
		src := tx.Bucket(filesBucket(req.SourceRepo()))
		if src == nil {
			return nil
		}
		dst, err := tx.CreateBucketIfNotExists(filesBucket(req.RepoID))
		if err != nil {
			return err
		}
		n, err = moveTree(src, dst, req)
		return err
	})
	return n, err
}

// Search returns up to limit entries of repoID whose name contains q, ignoring case.
// Results are sorted by path.
func (idx *FilenameIndex) Search(repoID, q string, limit int) ([]*Entry, error) {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return nil, errors.New("empty query")
	}
	if limit <= 0 {
		limit = 100
	}

	var ret []*Entry
	err := idx.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket(repoID))
		if b == nil {
			return ErrRepoNotIndexed
		}
		return b.ForEach(func(k, v []byte) error {
			if len(ret) >= limit {
				return nil
			}
			p := string(k)
			if !strings.Contains(strings.ToLower(path.Base(p)), q) {
				return nil
			}
			e := new(Entry)
			if err := json.Unmarshal(v, e); err != nil {
				log.Debugf("Bad index entry %s in repo %s: %v", p, repoID, err)
				return nil
			}
			e.Path = p
			ret = append(ret, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Path < ret[j].Path })
	return ret, nil
}

// DeleteRepo drops the index of a repo.
func (idx *FilenameIndex) DeleteRepo(repoID string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(statusBucket)).Delete([]byte(repoID)); err != nil {
			return err
		}
		err := tx.DeleteBucket(filesBucket(repoID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
