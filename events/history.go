package events

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/haiwen/seafevents/diff"
	"github.com/haiwen/seafevents/fsmgr"
	"github.com/haiwen/seafevents/option"
)

// FileHistoryRecord is one version of a file.
type FileHistoryRecord struct {
	OpType    string    `db:"op_type"`
	OpUser    string    `db:"op_user"`
	Timestamp time.Time `db:"timestamp"`
	RepoID    string    `db:"repo_id"`
	CommitID  string    `db:"commit_id"`
	FileID    string    `db:"file_id"`
	Path      string    `db:"path"`
	PathMD5   string    `db:"repo_id_path_md5"`
	Size      int64     `db:"size"`
	OldPath   string    `db:"old_path"`
}

// WalkDirFunc calls fn for every file below dirPath of a tree.
type WalkDirFunc func(storeID, rootID, dirPath string, fn func(p string, dent *fsmgr.SeafDirent) error) error

func walkDir(storeID, rootID, dirPath string, fn func(p string, dent *fsmgr.SeafDirent) error) error {
	dir, err := fsmgr.GetSeafdirByPath(storeID, rootID, dirPath)
	if err != nil {
		return err
	}
	return fsmgr.WalkFiles(storeID, dir.DirID, dirPath, fn)
}

func pathMD5(repoID, p string) string {
	sum := md5.Sum([]byte(repoID + p))
	return hex.EncodeToString(sum[:])
}

// FileHistoryStore keeps the newest versions of files with selected suffixes.
type FileHistoryStore struct {
	db        *sqlx.DB
	suffixes  []string
	threshold int
	WalkDir   WalkDirFunc
}

// NewFileHistoryStore creates a store keeping threshold versions per file.
func NewFileHistoryStore(d *sqlx.DB, suffixes []string, threshold int) *FileHistoryStore {
	return &FileHistoryStore{db: d, suffixes: suffixes, threshold: threshold, WalkDir: walkDir}
}

// buildRecords lists the new versions in an update. Files in renamed or moved
// dirs are expanded from the new tree.
func (s *FileHistoryStore) buildRecords(ev *RepoUpdate) ([]*FileHistoryRecord, error) {
	var records []*FileHistoryRecord
	add := func(op string, p, oldPath string, fileID string, size int64, modifier string) {
		if !option.HasSuffix(path.Base(p), s.suffixes) {
			return
		}
		r := new(FileHistoryRecord)
		r.OpType = op
		r.OpUser = ev.Commit.CreatorName
		if r.OpUser == "" {
			r.OpUser = modifier
		}
		r.Timestamp = ev.Time()
		r.RepoID = ev.RepoID
		r.CommitID = ev.Commit.CommitID
		r.FileID = fileID
		r.Path = p
		r.PathMD5 = pathMD5(ev.RepoID, p)
		r.Size = size
		r.OldPath = oldPath
		records = append(records, r)
	}

	createOp := OpCreate
	if ev.Recovered {
		createOp = OpRecover
	}
	d := ev.Diff
	for _, e := range d.AddedFiles {
		add(createOp, e.Path, "", e.ObjID, e.Size, e.Modifier)
	}
	for _, e := range d.ModifiedFiles {
		add(OpEdit, e.Path, "", e.ObjID, e.Size, e.Modifier)
	}
	for _, e := range d.RenamedFiles {
		add(OpRename, e.NewPath, e.Path, e.ObjID, e.Size, e.Modifier)
	}
	for _, e := range d.MovedFiles {
		add(OpMove, e.NewPath, e.Path, e.ObjID, e.Size, e.Modifier)
	}

	expand := func(op string, entries []*diff.DiffEntry) error {
		for _, e := range entries {
			err := s.WalkDir(ev.StoreID, ev.Commit.RootID, e.NewPath, func(p string, dent *fsmgr.SeafDirent) error {
				add(op, p, e.Path+p[len(e.NewPath):], dent.ID, dent.Size, dent.Modifier)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to list files in %s: %w", e.NewPath, err)
			}
		}
		return nil
	}
	if err := expand(OpRename, d.RenamedDirs); err != nil {
		return nil, err
	}
	if err := expand(OpMove, d.MovedDirs); err != nil {
		return nil, err
	}
	return records, nil
}

// Save appends the versions in ev. History of a renamed file follows it to the new path.
func (s *FileHistoryStore) Save(ctx context.Context, ev *RepoUpdate) error {
	records, err := s.buildRecords(ev)
	if err != nil {
		return err
	}
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

	for _, r := range records {
		if r.OldPath != "" {
			if _, err := tx.ExecContext(ctx, "UPDATE FileHistory SET path=?, repo_id_path_md5=? WHERE repo_id_path_md5=?",
				r.Path, r.PathMD5, pathMD5(r.RepoID, r.OldPath)); err != nil {
				return fmt.Errorf("failed to move history of %s: %w", r.OldPath, err)
			}
		}
		if _, err := tx.NamedExecContext(ctx, "INSERT INTO FileHistory (op_type, op_user, timestamp, repo_id, commit_id, file_id, "+
			"path, repo_id_path_md5, size, old_path) VALUES (:op_type, :op_user, :timestamp, :repo_id, :commit_id, :file_id, "+
			":path, :repo_id_path_md5, :size, :old_path)", r); err != nil {
			return fmt.Errorf("failed to insert history of %s: %w", r.Path, err)
		}
		if err := s.prune(ctx, tx, r.PathMD5); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *FileHistoryStore) prune(ctx context.Context, tx *sqlx.Tx, md5 string) error {
	if s.threshold <= 0 {
		return nil
	}
	var ids []int64
	if err := tx.SelectContext(ctx, &ids, "SELECT id FROM FileHistory WHERE repo_id_path_md5=? ORDER BY timestamp DESC, id DESC", md5); err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}
	if len(ids) <= s.threshold {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM FileHistory WHERE id IN (?)", ids[s.threshold:])
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to prune history: %w", err)
	}
	return nil
}
