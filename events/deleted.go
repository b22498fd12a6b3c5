package events

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/fsmgr"
	"github.com/haiwen/seafevents/option"
	"github.com/haiwen/seafevents/repomgr"
)

const recentAdditionsCap = 10

// RecentAdditions remembers the object id sets of the last few additions.
// A cross repo move shows up as an addition in one repo and a deletion in
// another, with the same set of objects.
type RecentAdditions struct {
	mu   sync.Mutex
	sets [][]string
}

func idSet(ids []string) []string {
	set := slices.Clone(ids)
	slices.Sort(set)
	return slices.Compact(set)
}

// Add records a set of added object ids. The oldest set is dropped when full.
func (r *RecentAdditions) Add(ids []string) {
	if len(ids) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = append(r.sets, idSet(ids))
	if len(r.sets) > recentAdditionsCap {
		r.sets = r.sets[len(r.sets)-recentAdditionsCap:]
	}
}

// Consume reports whether ids exactly matches a recorded set, and removes that set.
func (r *RecentAdditions) Consume(ids []string) bool {
	if len(ids) == 0 {
		return false
	}
	set := idSet(ids)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sets) - 1; i >= 0; i-- {
		if slices.Equal(r.sets[i], set) {
			r.sets = slices.Delete(r.sets, i, i+1)
			return true
		}
	}
	return false
}

// Len returns the number of recorded sets.
func (r *RecentAdditions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

// DeletionTracker counts deleted files per repo per day and alerts the repo owner
// when one commit or one day deletes too many files.
type DeletionTracker struct {
	db             *sqlx.DB
	onceThreshold  int64
	totalThreshold int64
	recent         RecentAdditions

	// CountFiles returns the number of files below a deleted dir.
	CountFiles func(storeID, dirID string) (int64, error)
	RepoOwner  func(repoID string) (string, error)
}

// NewDeletionTracker creates a tracker writing to the seahub database.
func NewDeletionTracker(d *sqlx.DB, onceThreshold, totalThreshold int64) *DeletionTracker {
	t := &DeletionTracker{db: d, onceThreshold: onceThreshold, totalThreshold: totalThreshold}
	t.CountFiles = func(storeID, dirID string) (int64, error) {
		info, err := fsmgr.GetFileCountInfo(storeID, dirID)
		if err != nil {
			return 0, err
		}
		return info.FileCount, nil
	}
	t.RepoOwner = repomgr.GetRepoOwner
	return t
}

// Process checks the deletions of ev before remembering its additions,
// so a commit never cancels itself out.
func (t *DeletionTracker) Process(ctx context.Context, ev *RepoUpdate) error {
	d := ev.Diff
	var deleted []string
	for _, e := range d.DeletedFiles {
		deleted = append(deleted, e.ObjID)
	}
	for _, e := range d.DeletedDirs {
		deleted = append(deleted, e.ObjID)
	}
	var added []string
	for _, e := range d.AddedFiles {
		added = append(added, e.ObjID)
	}
	for _, e := range d.AddedDirs {
		added = append(added, e.ObjID)
	}
	defer t.recent.Add(added)

	if len(deleted) == 0 {
		return nil
	}
	if t.recent.Consume(deleted) {
		log.Debugf("Deletion in repo %s commit %s matches a recent addition, counted as a move", ev.RepoID, ev.Commit.CommitID)
		return nil
	}

	count := int64(len(d.DeletedFiles))
	for _, e := range d.DeletedDirs {
		n, err := t.CountFiles(ev.StoreID, e.ObjID)
		if err != nil {
			log.Debugf("Failed to count files in deleted dir %s of repo %s: %v", e.Path, ev.RepoID, err)
			n = 1
		}
		count += n
	}
	if count == 0 {
		return nil
	}

	prev, total, err := t.addDailyCount(ctx, ev.RepoID, ev.Time(), count)
	if err != nil {
		return err
	}

	if count <= t.onceThreshold && !(prev <= t.totalThreshold && total > t.totalThreshold) {
		return nil
	}
	return t.alert(ctx, ev, count, total)
}

// addDailyCount adds n to the repo's count of the day of ts, returning the count before and after.
func (t *DeletionTracker) addDailyCount(ctx context.Context, repoID string, ts time.Time, n int64) (int64, int64, error) {
	day := ts.UTC().Format("2006-01-02")
	ctx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
	defer cancel()

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prev int64
	res, err := tx.ExecContext(ctx, "UPDATE deleted_files_count SET files_count=files_count+? WHERE repo_id=? AND deleted_time=?", n, repoID, day)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to update deleted files count: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		if err := tx.GetContext(ctx, &prev, "SELECT files_count FROM deleted_files_count WHERE repo_id=? AND deleted_time=?", repoID, day); err != nil {
			return 0, 0, fmt.Errorf("failed to get deleted files count: %w", err)
		}
		prev -= n
	} else {
		if _, err := tx.ExecContext(ctx, "INSERT INTO deleted_files_count (repo_id, deleted_time, files_count) VALUES (?, ?, ?)", repoID, day, n); err != nil {
			return 0, 0, fmt.Errorf("failed to insert deleted files count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return prev, prev + n, nil
}

type deletedFilesDetail struct {
	RepoID     string `json:"repo_id"`
	RepoName   string `json:"repo_name"`
	CommitID   string `json:"commit_id"`
	OnceCount  int64  `json:"deleted_files_count"`
	TotalCount int64  `json:"deleted_files_total_count"`
}

func (t *DeletionTracker) alert(ctx context.Context, ev *RepoUpdate, once, total int64) error {
	owner, err := t.RepoOwner(ev.RepoID)
	if err != nil {
		return fmt.Errorf("failed to get owner: %w", err)
	}
	if owner == "" {
		return fmt.Errorf("repo has no owner")
	}
	detail, err := json.Marshal(&deletedFilesDetail{
		RepoID:     ev.RepoID,
		RepoName:   ev.Commit.RepoName,
		CommitID:   ev.Commit.CommitID,
		OnceCount:  once,
		TotalCount: total,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
	defer cancel()
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, "INSERT INTO deleted_files_alert (repo_id, owner, commit_id, once_count, total_count, alert_time) "+
		"VALUES (?, ?, ?, ?, ?, ?)", ev.RepoID, owner, ev.Commit.CommitID, once, total, now); err != nil {
		return fmt.Errorf("failed to insert deleted files alert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO notifications_usernotification (to_user, msg_type, detail, timestamp, seen) "+
		"VALUES (?, ?, ?, ?, ?)", owner, MsgTypeDeletedFilesAlert, string(detail), now, false); err != nil {
		return fmt.Errorf("failed to notify owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Infof("Repo %s deleted %d files in commit %s, %d today, owner %s notified", ev.RepoID, once, ev.Commit.CommitID, total, owner)
	return nil
}
