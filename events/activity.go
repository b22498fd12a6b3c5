package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/haiwen/seafevents/diff"
	"github.com/haiwen/seafevents/option"
)

// Activity op types
const (
	OpCreate  = "create"
	OpDelete  = "delete"
	OpEdit    = "edit"
	OpRename  = "rename"
	OpMove    = "move"
	OpRecover = "recover"
)

// Activity obj types
const (
	ObjFile = "file"
	ObjDir  = "dir"
	ObjRepo = "repo"
)

// Consecutive edits of a file by one user within this window update one activity.
const editCoalesceWindow = 30 * time.Minute

// ActivityRecord is one feed entry.
type ActivityRecord struct {
	ID        int64     `db:"id"`
	OpType    string    `db:"op_type"`
	OpUser    string    `db:"op_user"`
	ObjType   string    `db:"obj_type"`
	Timestamp time.Time `db:"timestamp"`
	RepoID    string    `db:"repo_id"`
	RepoName  string    `db:"repo_name"`
	CommitID  string    `db:"commit_id"`
	Path      string    `db:"path"`
	OldPath   string    `db:"old_path"`
	ObjID     string    `db:"obj_id"`
	Size      int64     `db:"size"`

	RelatedUsers []string `db:"-"`
}

// buildActivities converts a diff into feed records, in category order.
func buildActivities(ev *RepoUpdate, users []string) []*ActivityRecord {
	var records []*ActivityRecord
	add := func(op, objType string, e *diff.DiffEntry) {
		r := new(ActivityRecord)
		r.OpType = op
		r.OpUser = ev.OpUser(e)
		r.ObjType = objType
		r.Timestamp = ev.Time()
		r.RepoID = ev.RepoID
		r.RepoName = ev.Commit.RepoName
		r.CommitID = ev.Commit.CommitID
		r.Path = e.Path
		if e.NewPath != "" {
			r.Path = e.NewPath
			r.OldPath = e.Path
		}
		r.ObjID = e.ObjID
		r.Size = e.Size
		if objType == ObjDir {
			r.Size = -1
		}
		r.RelatedUsers = users
		records = append(records, r)
	}

	createOp := OpCreate
	if ev.Recovered {
		createOp = OpRecover
	}
	d := ev.Diff
	for _, e := range d.AddedFiles {
		add(createOp, ObjFile, e)
	}
	for _, e := range d.DeletedFiles {
		add(OpDelete, ObjFile, e)
	}
	for _, e := range d.AddedDirs {
		add(createOp, ObjDir, e)
	}
	for _, e := range d.DeletedDirs {
		add(OpDelete, ObjDir, e)
	}
	for _, e := range d.ModifiedFiles {
		add(OpEdit, ObjFile, e)
	}
	for _, e := range d.RenamedFiles {
		add(OpRename, ObjFile, e)
	}
	for _, e := range d.MovedFiles {
		add(OpMove, ObjFile, e)
	}
	for _, e := range d.RenamedDirs {
		add(OpRename, ObjDir, e)
	}
	for _, e := range d.MovedDirs {
		add(OpMove, ObjDir, e)
	}
	return records
}

// ActivityStore writes Activity, UserActivity and OrgLastActivityTime rows.
type ActivityStore struct {
	db *sqlx.DB
}

// NewActivityStore creates a store on the seahub database.
func NewActivityStore(d *sqlx.DB) *ActivityStore {
	return &ActivityStore{db: d}
}

// Save persists records in one transaction. A lone edit record coalesces with
// the same user's edit of the same path within the last 30 minutes.
func (s *ActivityStore) Save(ctx context.Context, records []*ActivityRecord, orgID int) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	coalesced := false
	if len(records) == 1 && records[0].OpType == OpEdit {
		coalesced, err = coalesceEdit(ctx, tx, records[0])
		if err != nil {
			return err
		}
	}
	if !coalesced {
		for _, r := range records {
			if err := insertActivity(ctx, tx, r); err != nil {
				return err
			}
		}
	}

	if orgID > 0 {
		if err := updateOrgLastActivity(ctx, tx, orgID, records[len(records)-1].Timestamp); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit activities: %w", err)
	}
	return nil
}

func coalesceEdit(ctx context.Context, tx *sqlx.Tx, r *ActivityRecord) (bool, error) {
	var last struct {
		ID        int64     `db:"id"`
		Timestamp time.Time `db:"timestamp"`
	}
	err := tx.GetContext(ctx, &last, "SELECT id, timestamp FROM Activity WHERE repo_id=? AND op_type=? AND op_user=? AND path=? "+
		"ORDER BY id DESC LIMIT 1", r.RepoID, OpEdit, r.OpUser, r.Path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to find recent edit: %w", err)
	}
	gap := r.Timestamp.Sub(last.Timestamp)
	if gap < 0 {
		gap = -gap
	}
	if gap > editCoalesceWindow {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, "UPDATE Activity SET timestamp=?, commit_id=?, obj_id=?, size=? WHERE id=?",
		r.Timestamp, r.CommitID, r.ObjID, r.Size, last.ID); err != nil {
		return false, fmt.Errorf("failed to update activity: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE UserActivity SET timestamp=? WHERE activity_id=?", r.Timestamp, last.ID); err != nil {
		return false, fmt.Errorf("failed to update user activity: %w", err)
	}
	r.ID = last.ID
	return true, nil
}

func insertActivity(ctx context.Context, tx *sqlx.Tx, r *ActivityRecord) error {
	res, err := tx.NamedExecContext(ctx, "INSERT INTO Activity (op_type, op_user, obj_type, timestamp, repo_id, repo_name, "+
		"commit_id, path, old_path, obj_id, size) VALUES (:op_type, :op_user, :obj_type, :timestamp, :repo_id, :repo_name, "+
		":commit_id, :path, :old_path, :obj_id, :size)", r)
	if err != nil {
		return fmt.Errorf("failed to insert activity for %s: %w", r.Path, err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}
	for _, user := range r.RelatedUsers {
		if _, err := tx.ExecContext(ctx, "INSERT INTO UserActivity (username, activity_id, timestamp) VALUES (?, ?, ?)",
			user, r.ID, r.Timestamp); err != nil {
			return fmt.Errorf("failed to insert user activity for %s: %w", user, err)
		}
	}
	return nil
}

func updateOrgLastActivity(ctx context.Context, tx *sqlx.Tx, orgID int, ts time.Time) error {
	res, err := tx.ExecContext(ctx, "UPDATE OrgLastActivityTime SET timestamp=? WHERE org_id=?", ts, orgID)
	if err != nil {
		return fmt.Errorf("failed to update org last activity time: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO OrgLastActivityTime (org_id, timestamp) VALUES (?, ?)", orgID, ts); err != nil {
		return fmt.Errorf("failed to insert org last activity time: %w", err)
	}
	return nil
}

// TrashStore writes FileTrash rows.
type TrashStore struct {
	db *sqlx.DB
}

// NewTrashStore creates a store on the seahub database.
func NewTrashStore(d *sqlx.DB) *TrashStore {
	return &TrashStore{db: d}
}

// Save records deleted entries and removes the trash rows of recovered ones.
func (s *TrashStore) Save(ctx context.Context, ev *RepoUpdate) error {
	d := ev.Diff
	if len(d.DeletedFiles) == 0 && len(d.DeletedDirs) == 0 && !ev.Recovered {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := func(e *diff.DiffEntry, objType string) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO FileTrash (user, obj_type, obj_id, obj_name, delete_time, repo_id, commit_id, path, size) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			ev.OpUser(e), objType, e.ObjID, path.Base(e.Path), ev.Time(), ev.RepoID, ev.Parent.CommitID, path.Dir(e.Path), e.Size)
		if err != nil {
			return fmt.Errorf("failed to insert trash record for %s: %w", e.Path, err)
		}
		return nil
	}
	for _, e := range d.DeletedFiles {
		if err := insert(e, ObjFile); err != nil {
			return err
		}
	}
	for _, e := range d.DeletedDirs {
		if err := insert(e, ObjDir); err != nil {
			return err
		}
	}

	if ev.Recovered {
		remove := func(e *diff.DiffEntry) error {
			_, err := tx.ExecContext(ctx, "DELETE FROM FileTrash WHERE repo_id=? AND path=? AND obj_name=?",
				ev.RepoID, path.Dir(e.Path), path.Base(e.Path))
			if err != nil {
				return fmt.Errorf("failed to remove trash record for %s: %w", e.Path, err)
			}
			return nil
		}
		for _, e := range d.AddedFiles {
			if err := remove(e); err != nil {
				return err
			}
		}
		for _, e := range d.AddedDirs {
			if err := remove(e); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}
