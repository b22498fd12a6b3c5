package events

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/cache"
	"github.com/haiwen/seafevents/option"
	"github.com/haiwen/seafevents/share"
)

// Notification msg types
const (
	MsgTypeRepoMonitor       = "repo_monitor"
	MsgTypeDeletedFilesAlert = "deleted_files"
)

// RepoMonitor notifies users who watch a repo of every change made by others.
type RepoMonitor struct {
	db    *sqlx.DB
	cache cache.ListCache
	// CheckPerm returns "r", "rw" or "" for a user.
	CheckPerm func(repoID, user string) string
}

// NewRepoMonitor creates a monitor whose subscriber lists are cached in c.
func NewRepoMonitor(d *sqlx.DB, c cache.ListCache) *RepoMonitor {
	return &RepoMonitor{db: d, cache: c, CheckPerm: share.CheckPerm}
}

type monitorDetail struct {
	RepoID    string `json:"repo_id"`
	RepoName  string `json:"repo_name"`
	CommitID  string `json:"commit_id"`
	OpType    string `json:"op_type"`
	OpUser    string `json:"op_user"`
	ObjType   string `json:"obj_type"`
	Path      string `json:"obj_path_list"`
	OldPath   string `json:"old_obj_path_list,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// subscribers returns users who watch repoID and can still read it.
// Users who lost access are removed from the subscriptions and the cache.
func (m *RepoMonitor) subscribers(ctx context.Context, repoID string) ([]string, error) {
	users, ok := m.cache.Get(repoID)
	if !ok {
		dbCtx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
		defer cancel()
		if err := m.db.SelectContext(dbCtx, &users, "SELECT email FROM base_usermonitoredrepos WHERE repo_id=?", repoID); err != nil {
			return nil, fmt.Errorf("failed to get subscribers: %w", err)
		}
	}

	var valid, stale []string
	for _, user := range users {
		perm := m.CheckPerm(repoID, user)
		if perm == "r" || perm == "rw" {
			valid = append(valid, user)
		} else {
			stale = append(stale, user)
		}
	}

	if len(stale) > 0 {
		query, args, err := sqlx.In("DELETE FROM base_usermonitoredrepos WHERE repo_id=? AND email IN (?)", repoID, stale)
		if err != nil {
			return nil, err
		}
		dbCtx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
		defer cancel()
		if _, err := m.db.ExecContext(dbCtx, m.db.Rebind(query), args...); err != nil {
			log.Warnf("Failed to remove stale subscribers of repo %s: %v", repoID, err)
		}
		m.cache.Invalidate(repoID)
	}
	if !ok || len(stale) > 0 {
		m.cache.Set(repoID, valid)
	}
	return valid, nil
}

// Notify inserts one notification per subscriber and record, skipping the acting user.
func (m *RepoMonitor) Notify(ctx context.Context, ev *RepoUpdate, records []*ActivityRecord) error {
	if len(records) == 0 {
		return nil
	}
	users, err := m.subscribers(ctx, ev.RepoID)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
	defer cancel()
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, r := range records {
		detail, err := json.Marshal(&monitorDetail{
			RepoID:    r.RepoID,
			RepoName:  r.RepoName,
			CommitID:  r.CommitID,
			OpType:    r.OpType,
			OpUser:    r.OpUser,
			ObjType:   r.ObjType,
			Path:      r.Path,
			OldPath:   r.OldPath,
			Timestamp: r.Timestamp.Unix(),
		})
		if err != nil {
			return err
		}
		for _, user := range users {
			if user == r.OpUser {
				continue
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO notifications_usernotification (to_user, msg_type, detail, timestamp, seen) "+
				"VALUES (?, ?, ?, ?, ?)", user, MsgTypeRepoMonitor, string(detail), now, false); err != nil {
				return fmt.Errorf("failed to notify %s: %w", user, err)
			}
		}
	}

	return tx.Commit()
}
