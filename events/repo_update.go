package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/commitmgr"
	"github.com/haiwen/seafevents/db"
	"github.com/haiwen/seafevents/diff"
	"github.com/haiwen/seafevents/pathrewrite"
)

// RepoUpdate is one processed repo-update event, handed to every sink.
type RepoUpdate struct {
	RepoID string
	// StoreID is where fs objects live. It is the origin repo for virtual repos.
	StoreID   string
	OrgID     int
	Commit    *commitmgr.Commit
	Parent    *commitmgr.Commit
	Diff      *diff.DiffResult
	Recovered bool
}

// Time returns the commit time in UTC.
func (ev *RepoUpdate) Time() time.Time {
	return time.Unix(ev.Commit.Ctime, 0).UTC()
}

// OpUser returns the user who made a change.
func (ev *RepoUpdate) OpUser(e *diff.DiffEntry) string {
	if ev.Commit.CreatorName != "" {
		return ev.Commit.CreatorName
	}
	if e != nil {
		return e.Modifier
	}
	return ""
}

// Trigger is an optional follow-up of a repo update, such as index or webhook submission.
type Trigger interface {
	Name() string
	OnRepoUpdate(ctx context.Context, ev *RepoUpdate) error
}

// PathPropagator rewrites records referring to renamed paths.
type PathPropagator interface {
	Propagate(ctx context.Context, req pathrewrite.Request) *pathrewrite.Report
}

// RepoUpdateHandler fans a repo-update event out to all sinks.
// Nil sinks are disabled. Every step runs even if an earlier one failed.
type RepoUpdateHandler struct {
	LoadCommit     func(repoID, commitID string) (*commitmgr.Commit, error)
	Diff           func(ctx context.Context, storeID string, version int, oldRoot, newRoot string, opts diff.Options) (*diff.DiffResult, error)
	ResolveStoreID func(repoID string) string
	RepoOrgID      func(repoID string) (int, error)
	RelatedUsers   func(repoID string) ([]string, error)

	Rewriter   PathPropagator
	Activities *ActivityStore
	Trash      *TrashStore
	History    *FileHistoryStore
	Monitor    *RepoMonitor
	Collab     *CollabNotifier
	Deletions  *DeletionTracker
	Triggers   []Trigger
}

// NewRepoUpdateHandler returns a handler reading commits and fs objects from the object stores.
func NewRepoUpdateHandler() *RepoUpdateHandler {
	h := new(RepoUpdateHandler)
	h.LoadCommit = commitmgr.LoadAnyVersion
	h.Diff = func(ctx context.Context, storeID string, version int, oldRoot, newRoot string, opts diff.Options) (*diff.DiffResult, error) {
		return diff.NewCommitDiffer(storeID, version, oldRoot, newRoot, opts).Diff(ctx)
	}
	h.ResolveStoreID = func(repoID string) string { return repoID }
	h.RepoOrgID = func(repoID string) (int, error) { return -1, nil }
	h.RelatedUsers = func(repoID string) ([]string, error) { return nil, nil }
	return h
}

// Handle implements Handler for repo-update messages.
func (h *RepoUpdateHandler) Handle(ctx context.Context, dbs *db.Handles, msg *Message) error {
	repoID := msg.Get("repo_id")
	commitID := msg.Get("commit_id")
	if repoID == "" || commitID == "" {
		log.Warnf("Invalid repo update message: %s", truncate(msg.Body))
		return nil
	}

	ev, err := h.prepare(ctx, repoID, commitID)
	if err != nil {
		log.Warnf("Skipped update of repo %s commit %s: %v", repoID, commitID, err)
		return nil
	}
	if ev == nil {
		return nil
	}
	h.process(ctx, ev)
	return nil
}

// prepare loads the commits and computes the filtered diff. It returns nil for
// commits that have nothing to compare with.
func (h *RepoUpdateHandler) prepare(ctx context.Context, repoID, commitID string) (*RepoUpdate, error) {
	commit, err := h.LoadCommit(repoID, commitID)
	if err != nil {
		return nil, fmt.Errorf("failed to load commit: %w", err)
	}
	if commit.IsMerge() || commit.Parent() == "" {
		return nil, nil
	}
	parent, err := h.LoadCommit(repoID, commit.Parent())
	if err != nil {
		log.Debugf("Failed to load parent commit %s of repo %s: %v", commit.Parent(), repoID, err)
		return nil, nil
	}

	ev := new(RepoUpdate)
	ev.RepoID = repoID
	ev.StoreID = h.ResolveStoreID(repoID)
	ev.Commit = commit
	ev.Parent = parent
	ev.Recovered = strings.HasPrefix(commit.Desc, "Recovered deleted") || strings.HasPrefix(commit.Desc, "Reverted")

	opts := diff.FullOptions
	if strings.Contains(commit.Desc, "Deleted") && strings.Contains(commit.Desc, "more") {
		opts = diff.LightOptions
	}
	result, err := h.Diff(ctx, ev.StoreID, commit.Version, parent.RootID, commit.RootID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to diff commits %s and %s: %w", parent.CommitID, commit.CommitID, err)
	}
	ev.Diff = filterExcluded(result)

	orgID, err := h.RepoOrgID(repoID)
	if err != nil {
		log.Warnf("Failed to get org of repo %s: %v", repoID, err)
		orgID = -1
	}
	ev.OrgID = orgID
	return ev, nil
}

func (h *RepoUpdateHandler) process(ctx context.Context, ev *RepoUpdate) {
	if ev.Diff.HasRenames() && h.Rewriter != nil {
		h.step("path rewrite", ev, func() error { return h.propagate(ctx, ev) })
	}

	var users []string
	h.step("related users", ev, func() error {
		var err error
		users, err = h.RelatedUsers(ev.RepoID)
		return err
	})

	if !ev.Diff.IsEmpty() {
		if h.History != nil {
			h.step("file history", ev, func() error { return h.History.Save(ctx, ev) })
		}
		if h.Trash != nil {
			h.step("trash", ev, func() error { return h.Trash.Save(ctx, ev) })
		}
		if len(users) > 0 {
			records := buildActivities(ev, users)
			if h.Activities != nil {
				h.step("activity", ev, func() error { return h.Activities.Save(ctx, records, ev.OrgID) })
			}
			if h.Monitor != nil {
				h.step("repo monitor", ev, func() error { return h.Monitor.Notify(ctx, ev, records) })
			}
		}
	} else if ev.Parent.RepoName != ev.Commit.RepoName && len(users) > 0 && h.Activities != nil {
		h.step("repo rename", ev, func() error {
			r := &ActivityRecord{
				OpType:       OpRename,
				OpUser:       ev.OpUser(nil),
				ObjType:      ObjRepo,
				Timestamp:    ev.Time(),
				RepoID:       ev.RepoID,
				RepoName:     ev.Commit.RepoName,
				CommitID:     ev.Commit.CommitID,
				Path:         "/",
				OldPath:      ev.Parent.RepoName,
				Size:         -1,
				RelatedUsers: users,
			}
			return h.Activities.Save(ctx, []*ActivityRecord{r}, ev.OrgID)
		})
	}

	if h.Collab != nil {
		h.Collab.Notify(ev.RepoID)
	}

	if h.Deletions != nil {
		h.step("deleted files count", ev, func() error { return h.Deletions.Process(ctx, ev) })
	}

	for _, t := range h.Triggers {
		h.step(t.Name(), ev, func() error { return t.OnRepoUpdate(ctx, ev) })
	}
}

func (h *RepoUpdateHandler) propagate(ctx context.Context, ev *RepoUpdate) error {
	var failed int
	rewrite := func(entries []*diff.DiffEntry, isDir bool) {
		for _, e := range entries {
			req := pathrewrite.Request{RepoID: ev.RepoID, OldPath: e.Path, NewPath: e.NewPath, IsDir: isDir}
			report := h.Rewriter.Propagate(ctx, req)
			if report.Err() != nil {
				failed++
			}
		}
	}
	rewrite(ev.Diff.RenamedFiles, false)
	rewrite(ev.Diff.MovedFiles, false)
	rewrite(ev.Diff.RenamedDirs, true)
	rewrite(ev.Diff.MovedDirs, true)
	if failed > 0 {
		return fmt.Errorf("%d path rewrites failed", failed)
	}
	return nil
}

// step runs one sink, logging its error or panic with enough context to replay it.
func (h *RepoUpdateHandler) step(name string, ev *RepoUpdate, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic in %s of repo %s commit %s: %v\n%s", name, ev.RepoID, ev.Commit.CommitID, r, debug.Stack())
		}
	}()
	if err := fn(); err != nil {
		log.Warnf("Failed to run %s for repo %s commit %s: %v", name, ev.RepoID, ev.Commit.CommitID, err)
	}
}
