// Package archive moves the objects of a repo between storage classes.
//
// A migration marks the repo archiving and read-only, copies every commit, fs
// and block object to the target storage and then points the repo at it. If
// any step fails, the completed steps are undone in reverse order.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/metrics"
	"github.com/haiwen/seafevents/objstore"
	"github.com/haiwen/seafevents/option"
	"github.com/haiwen/seafevents/repomgr"
	"github.com/haiwen/seafevents/workerpool"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Operations
const (
	OpArchive   = "archive"
	OpUnarchive = "unarchive"
)

// MsgTypeArchiveFailed is the notification sent to the user who requested a failed migration.
const MsgTypeArchiveFailed = "repo_archive_failed"

// ErrInvalidOp is returned for unknown operations.
var ErrInvalidOp = errors.New("invalid archive operation")

// RepoState reads and writes the repo rows a migration changes.
type RepoState interface {
	StorageID(repoID string) (string, error)
	SetStorageID(repoID, storageID string) error
	Status(repoID string) (int, error)
	SetStatus(repoID string, status int) error
	ArchiveStatus(repoID string) (string, error)
	SetArchiveStatus(repoID, status string) error
}

type repoState struct{}

func (repoState) StorageID(repoID string) (string, error) { return repomgr.GetStorageID(repoID) }
func (repoState) SetStorageID(repoID, storageID string) error { return repomgr.SetStorageID(repoID, storageID) }
func (repoState) Status(repoID string) (int, error) { return repomgr.GetRepoStatus(repoID) }
func (repoState) SetStatus(repoID string, status int) error { return repomgr.SetRepoStatus(repoID, status) }
func (repoState) ArchiveStatus(repoID string) (string, error) { return repomgr.GetArchiveStatus(repoID) }
func (repoState) SetArchiveStatus(repoID, status string) error { return repomgr.SetArchiveStatus(repoID, status) }

// Job is one requested migration.
type Job struct {
	RepoID string
	Op     string
	// User requested the migration and is notified if it fails.
	User string
}

type snapshot struct {
	storageID     string
	status        int
	archiveStatus string
}

type undo struct {
	name string
	fn   func() error
}

// Archiver runs migrations on a worker pool.
type Archiver struct {
	db            *sqlx.DB
	pool          *workerpool.WorkPool
	stores        []*objstore.ObjectStore
	archiveTarget string

	State RepoState
	// StoreID resolves the id objects of a repo are stored under.
	StoreID func(repoID string) (string, error)
}

// NewArchiver creates an archiver moving repos to archiveStorageID. d is the
// database notifications are written to.
func NewArchiver(d *sqlx.DB, pool *workerpool.WorkPool, archiveStorageID string, stores ...*objstore.ObjectStore) *Archiver {
	a := new(Archiver)
	a.db = d
	a.pool = pool
	a.stores = stores
	a.archiveTarget = archiveStorageID
	a.State = repoState{}
	a.StoreID = func(repoID string) (string, error) {
		repo := repomgr.Get(repoID)
		if repo == nil {
			return "", fmt.Errorf("repo %s not found", repoID)
		}
		if repo.VirtualInfo != nil {
			return "", fmt.Errorf("repo %s is a virtual repo", repoID)
		}
		return objstore.StoreID(repo.StoreID, repo.Version), nil
	}
	return a
}

// Submit queues a migration. Only one migration per repo runs at a time.
func (a *Archiver) Submit(job *Job) (string, error) {
	if job.Op != OpArchive && job.Op != OpUnarchive {
		return "", fmt.Errorf("%q: %w", job.Op, ErrInvalidOp)
	}
	return a.pool.AddTask(job.RepoID, func(ctx context.Context) error {
		return a.Migrate(ctx, job)
	})
}

// Query returns the status of a submitted migration.
func (a *Archiver) Query(token string) (*workerpool.TaskStatus, error) {
	return a.pool.QueryTask(token)
}

func (a *Archiver) target(op string) string {
	if op == OpArchive {
		return a.archiveTarget
	}
	return ""
}

// Migrate runs one migration, rolling back on failure.
func (a *Archiver) Migrate(ctx context.Context, job *Job) error {
	storeID, err := a.StoreID(job.RepoID)
	if err != nil {
		return err
	}
	prev, err := a.snapshot(job.RepoID)
	if err != nil {
		return fmt.Errorf("failed to read state of repo %s: %w", job.RepoID, err)
	}
	target := a.target(job.Op)
	if prev.storageID == target {
		log.Infof("Repo %s is already in storage %q", job.RepoID, target)
		return nil
	}

	var undos []undo
	err = a.migrate(ctx, job, storeID, prev, target, &undos)
	if err == nil {
		log.Infof("Moved repo %s from storage %q to %q", job.RepoID, prev.storageID, target)
		return nil
	}

	log.Warnf("Failed to %s repo %s: %v, rolling back", job.Op, job.RepoID, err)
	rolledBack := a.rollback(job, undos)
	a.notifyFailure(ctx, job, err, rolledBack)
	return err
}

func (a *Archiver) snapshot(repoID string) (*snapshot, error) {
	var s snapshot
	var err error
	if s.storageID, err = a.State.StorageID(repoID); err != nil {
		return nil, err
	}
	if s.status, err = a.State.Status(repoID); err != nil {
		return nil, err
	}
	if s.archiveStatus, err = a.State.ArchiveStatus(repoID); err != nil {
		return nil, err
	}
	return &s, nil
}

func (a *Archiver) migrate(ctx context.Context, job *Job, storeID string, prev *snapshot, target string, undos *[]undo) error {
	repoID := job.RepoID
	if err := a.State.SetArchiveStatus(repoID, repomgr.ArchiveStatusArchiving); err != nil {
		return err
	}
	*undos = append(*undos, undo{"archive status", func() error { return a.State.SetArchiveStatus(repoID, prev.archiveStatus) }})

	if err := a.State.SetStatus(repoID, repomgr.RepoStatusReadOnly); err != nil {
		return err
	}
	*undos = append(*undos, undo{"repo status", func() error { return a.State.SetStatus(repoID, prev.status) }})

	for _, store := range a.stores {
		if err := copyObjects(ctx, store, storeID, prev.storageID, target); err != nil {
			return err
		}
	}

	if err := a.State.SetStorageID(repoID, target); err != nil {
		return err
	}
	*undos = append(*undos, undo{"storage id", func() error { return a.State.SetStorageID(repoID, prev.storageID) }})

	status, archiveStatus := repomgr.RepoStatusReadOnly, repomgr.ArchiveStatusArchived
	if job.Op == OpUnarchive {
		status, archiveStatus = repomgr.RepoStatusNormal, repomgr.ArchiveStatusNone
	}
	if err := a.State.SetStatus(repoID, status); err != nil {
		return err
	}
	return a.State.SetArchiveStatus(repoID, archiveStatus)
}

// copyObjects copies the objects of a repo missing in the target storage.
// The source objects are kept.
func copyObjects(ctx context.Context, store *objstore.ObjectStore, storeID, from, to string) error {
	src, err := store.Storage(from)
	if err != nil {
		return err
	}
	dst, err := store.Storage(to)
	if err != nil {
		return err
	}

	var copied int
	err = src.List(storeID, func(objID string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		exists, err := dst.Exists(storeID, objID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		var buf bytes.Buffer
		if err := src.Read(storeID, objID, &buf); err != nil {
			return fmt.Errorf("failed to read %s object %s: %w", store.ObjType, objID, err)
		}
		if err := dst.Write(storeID, objID, &buf, true); err != nil {
			return fmt.Errorf("failed to write %s object %s: %w", store.ObjType, objID, err)
		}
		copied++
		return nil
	})
	if err != nil {
		return err
	}
	log.Debugf("Copied %d %s objects of %s from storage %q to %q", copied, store.ObjType, storeID, from, to)
	return nil
}

// rollback undoes the completed steps in reverse order. It reports whether all succeeded.
func (a *Archiver) rollback(job *Job, undos []undo) bool {
	ok := true
	for i := len(undos) - 1; i >= 0; i-- {
		if err := undos[i].fn(); err != nil {
			ok = false
			metrics.Inc(metrics.ArchiveRollbackFailed)
			log.Errorf("MANUAL INTERVENTION REQUIRED: failed to restore %s of repo %s after failed %s: %v",
				undos[i].name, job.RepoID, job.Op, err)
		}
	}
	return ok
}

func (a *Archiver) notifyFailure(ctx context.Context, job *Job, cause error, rolledBack bool) {
	if job.User == "" || a.db == nil {
		return
	}
	detail, err := json.Marshal(map[string]interface{}{
		"repo_id":     job.RepoID,
		"op":          job.Op,
		"error":       cause.Error(),
		"rolled_back": rolledBack,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), option.DBOpTimeout)
	defer cancel()
	_, err = a.db.ExecContext(ctx, "INSERT INTO notifications_usernotification (to_user, msg_type, detail, timestamp, seen) "+
		"VALUES (?, ?, ?, ?, ?)", job.User, MsgTypeArchiveFailed, string(detail), time.Now().UTC(), false)
	if err != nil {
		log.Errorf("Failed to notify %s of failed %s of repo %s: %v", job.User, job.Op, job.RepoID, err)
	}
}
