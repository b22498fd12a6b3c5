package index

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/commitmgr"
	"github.com/haiwen/seafevents/diff"
	"github.com/haiwen/seafevents/events"
	"github.com/haiwen/seafevents/repomgr"
	"github.com/haiwen/seafevents/workerpool"
)

// Sink receives the changes of a repo since its last indexed commit.
type Sink interface {
	Name() string
	ApplyDiff(ctx context.Context, repoID string, r *diff.DiffResult) error
}

// HeadFunc returns the store id and head commit of a repo.
type HeadFunc func(repoID string) (storeID string, head *commitmgr.Commit, err error)

func repoHead(repoID string) (string, *commitmgr.Commit, error) {
	repo := repomgr.Get(repoID)
	if repo == nil {
		return "", nil, fmt.Errorf("failed to get repo %s", repoID)
	}
	head, err := commitmgr.LoadAnyVersion(repoID, repo.HeadCommitID)
	if err != nil {
		return "", nil, err
	}
	return repo.StoreID, head, nil
}

// Updater brings the filename index and its sinks up to the head of a repo.
// It runs as a repo update trigger; updates of one repo never run concurrently.
type Updater struct {
	index *FilenameIndex
	pool  *workerpool.WorkPool
	sinks []Sink
	Head  HeadFunc
}

// NewUpdater creates an updater running on pool.
func NewUpdater(idx *FilenameIndex, pool *workerpool.WorkPool, sinks ...Sink) *Updater {
	return &Updater{index: idx, pool: pool, sinks: sinks, Head: repoHead}
}

func (u *Updater) Name() string {
	return "index update"
}

// OnRepoUpdate queues a catch up of the repo.
func (u *Updater) OnRepoUpdate(ctx context.Context, ev *events.RepoUpdate) error {
	return u.Submit(ev.RepoID)
}

// Submit queues a catch up of repoID. Each catch up reads the head when it
// starts; one submitted while another is running follows it.
func (u *Updater) Submit(repoID string) error {
	_, err := u.pool.AddLatestTask(repoID, func(ctx context.Context) error {
		return u.Update(ctx, repoID)
	})
	return err
}

// Update diffs the last indexed commit against the head and applies the changes.
func (u *Updater) Update(ctx context.Context, repoID string) error {
	storeID, head, err := u.Head(repoID)
	if err != nil {
		return fmt.Errorf("failed to get head of repo %s: %w", repoID, err)
	}
	status, err := u.index.GetStatus(repoID)
	if err != nil {
		return fmt.Errorf("failed to get index status of repo %s: %w", repoID, err)
	}
	oldRoot := diff.EmptySha1
	if status != nil {
		if status.CommitID == head.CommitID {
			return nil
		}
		oldRoot = status.RootID
	}

	result, err := diff.NewCommitDiffer(storeID, head.Version, oldRoot, head.RootID, diff.FullOptions).Diff(ctx)
	if err != nil {
		return fmt.Errorf("failed to diff repo %s: %w", repoID, err)
	}

	// Sinks run first so that a failed sink is retried with the same diff next time.
	for _, s := range u.sinks {
		if err := s.ApplyDiff(ctx, repoID, result); err != nil {
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	if err := u.index.ApplyDiff(repoID, result, head.CommitID, head.RootID); err != nil {
		return fmt.Errorf("failed to update index of repo %s: %w", repoID, err)
	}
	log.Debugf("Indexed repo %s up to commit %s", repoID, head.CommitID)
	return nil
}
