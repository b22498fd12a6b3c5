package index

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haiwen/seafevents/commitmgr"
	"github.com/haiwen/seafevents/diff"
	"github.com/haiwen/seafevents/fsmgr"
	"github.com/haiwen/seafevents/pathrewrite"
	"github.com/haiwen/seafevents/workerpool"
)

const (
	indexTestDir    = "/tmp/seafevents-index"
	indexTestRepoID = "9a3f6c1e-2b4d-4e8f-a0c1-7d6e5f4a3b2c"
	otherRepoID     = "5b1e7d2c-3a4f-4c6e-8d9b-0a1f2e3d4c5b"
)

var (
	modeDir  = uint32(syscall.S_IFDIR | 0644)
	modeFile = uint32(syscall.S_IFREG | 0644)
)

func TestMain(m *testing.M) {
	os.RemoveAll(indexTestDir)
	fsmgr.Init(filepath.Join(indexTestDir, "seafile-data"), 2<<30)
	code := m.Run()
	if err := os.RemoveAll(indexTestDir); err != nil {
		fmt.Printf("failed to remove test file : %v", err)
	}
	os.Exit(code)
}

func openIndex(t *testing.T) *FilenameIndex {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func objID(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// saveTree saves files and their parent dirs, returning the root id.
func saveTree(t *testing.T, files map[string]string) string {
	t.Helper()
	type node struct {
		children map[string]*node
		content  string
		isDir    bool
	}
	root := &node{children: map[string]*node{}, isDir: true}
	for p, content := range files {
		parts := strings.Split(strings.Trim(p, "/"), "/")
		n := root
		for i, part := range parts {
			child, ok := n.children[part]
			if !ok {
				child = &node{children: map[string]*node{}, isDir: i < len(parts)-1}
				n.children[part] = child
			}
			if i == len(parts)-1 {
				child.content = content
			}
			n = child
		}
	}

	var save func(n *node) string
	save = func(n *node) string {
		var entries []*fsmgr.SeafDirent
		for name, child := range n.children {
			if child.isDir {
				entries = append(entries, fsmgr.NewDirent(save(child), name, modeDir, 1, "", 0))
			} else {
				entries = append(entries, fsmgr.NewDirent(objID(child.content), name, modeFile, 1, "", int64(len(child.content))))
			}
		}
		dir, err := fsmgr.NewSeafdir(1, entries)
		require.NoError(t, err)
		require.NoError(t, fsmgr.SaveSeafdir(indexTestRepoID, dir))
		return dir.DirID
	}
	return save(root)
}

func searchPaths(t *testing.T, idx *FilenameIndex, repoID, q string) []string {
	t.Helper()
	entries, err := idx.Search(repoID, q, 0)
	require.NoError(t, err)
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	return paths
}

func TestApplyDiffAndSearch(t *testing.T) {
	idx := openIndex(t)

	_, err := idx.Search(indexTestRepoID, "report", 10)
	assert.True(t, errors.Is(err, ErrRepoNotIndexed))

	r := &diff.DiffResult{
		AddedDirs:  []*diff.DiffEntry{{Path: "/Reports", IsDir: true}},
		AddedFiles: []*diff.DiffEntry{{Path: "/Reports/q1-report.docx", ObjID: objID("q1"), Size: 2}, {Path: "/notes.md", ObjID: objID("n")}},
	}
	require.NoError(t, idx.ApplyDiff(indexTestRepoID, r, "c1", "r1"))

	assert.Equal(t, []string{"/Reports", "/Reports/q1-report.docx"}, searchPaths(t, idx, indexTestRepoID, "REPORT"))
	entries, err := idx.Search(indexTestRepoID, "q1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, objID("q1"), entries[0].ObjID)
	assert.Equal(t, int64(2), entries[0].Size)

	r = &diff.DiffResult{
		DeletedDirs:   []*diff.DiffEntry{{Path: "/Reports", IsDir: true}},
		ModifiedFiles: []*diff.DiffEntry{{Path: "/notes.md", ObjID: objID("n2")}},
	}
	require.NoError(t, idx.ApplyDiff(indexTestRepoID, r, "c2", "r2"))
	assert.Empty(t, searchPaths(t, idx, indexTestRepoID, "report"))

	status, err := idx.GetStatus(indexTestRepoID)
	require.NoError(t, err)
	assert.Equal(t, "c2", status.CommitID)
	assert.Equal(t, "r2", status.RootID)

	_, err = idx.Search(indexTestRepoID, "  ", 10)
	assert.Error(t, err)

	require.NoError(t, idx.DeleteRepo(indexTestRepoID))
	status, err = idx.GetStatus(indexTestRepoID)
	require.NoError(t, err)
	assert.Nil(t, status)
	require.NoError(t, idx.DeleteRepo(indexTestRepoID))
}

func TestRewriteOnlyMovesPrefix(t *testing.T) {
	idx := openIndex(t)
	r := &diff.DiffResult{AddedFiles: []*diff.DiffEntry{{Path: "/a/b"}, {Path: "/a/b/x"}, {Path: "/a/bc"}}}
	require.NoError(t, idx.ApplyDiff(indexTestRepoID, r, "c1", "r1"))

	req := pathrewrite.Request{RepoID: indexTestRepoID, OldPath: "/a/b", NewPath: "/a/z", IsDir: true}
	n, err := idx.Rewrite(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = idx.Rewrite(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	assert.Equal(t, []string{"/a/z"}, searchPaths(t, idx, indexTestRepoID, "z"))
	assert.Equal(t, []string{"/a/z/x"}, searchPaths(t, idx, indexTestRepoID, "x"))
	assert.Equal(t, []string{"/a/bc"}, searchPaths(t, idx, indexTestRepoID, "b"))
}

func TestRewriteFromSourceRepo(t *testing.T) {
	idx := openIndex(t)
	r := &diff.DiffResult{AddedFiles: []*diff.DiffEntry{{Path: "/shared/plan.md"}}}
	require.NoError(t, idx.ApplyDiff(otherRepoID, r, "c1", "r1"))

	req := pathrewrite.Request{RepoID: indexTestRepoID, SrcRepoID: otherRepoID, OldPath: "/shared/plan.md", NewPath: "/plan.md"}
	n, err := idx.Rewrite(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Empty(t, searchPaths(t, idx, otherRepoID, "plan"))
	assert.Equal(t, []string{"/plan.md"}, searchPaths(t, idx, indexTestRepoID, "plan"))
}

type stubSink struct {
	calls int
	err   error
}

func (s *stubSink) Name() string { return "stub" }

func (s *stubSink) ApplyDiff(ctx context.Context, repoID string, r *diff.DiffResult) error {
	s.calls++
	return s.err
}

func headOf(commits map[string]*commitmgr.Commit) HeadFunc {
	return func(repoID string) (string, *commitmgr.Commit, error) {
		c, ok := commits[repoID]
		if !ok {
			return "", nil, errors.New("no such repo")
		}
		return repoID, c, nil
	}
}

func commitOf(id, rootID string) *commitmgr.Commit {
	return &commitmgr.Commit{CommitID: id, RepoID: indexTestRepoID, RootID: rootID, Version: 1}
}

func TestUpdaterCatchesUp(t *testing.T) {
	idx := openIndex(t)
	sink := new(stubSink)
	u := NewUpdater(idx, nil, sink)
	heads := map[string]*commitmgr.Commit{}
	u.Head = headOf(heads)
	ctx := context.Background()

	heads[indexTestRepoID] = commitOf("c1", saveTree(t, map[string]string{
		"/docs/a.md":  "a",
		"/docs/b.txt": "b",
		"/x/y/z.md":   "z",
	}))
	require.NoError(t, u.Update(ctx, indexTestRepoID))
	assert.Equal(t, []string{"/docs/b.txt"}, searchPaths(t, idx, indexTestRepoID, ".txt"))
	assert.Equal(t, []string{"/x/y/z.md"}, searchPaths(t, idx, indexTestRepoID, "z.md"))

	heads[indexTestRepoID] = commitOf("c2", saveTree(t, map[string]string{
		"/docs/a.md":   "a",
		"/notes/b.txt": "b",
		"/w/y/z.md":    "z",
	}))
	require.NoError(t, u.Update(ctx, indexTestRepoID))
	assert.Equal(t, []string{"/notes/b.txt"}, searchPaths(t, idx, indexTestRepoID, ".txt"))
	assert.Equal(t, []string{"/w/y/z.md"}, searchPaths(t, idx, indexTestRepoID, "z.md"))
	assert.Equal(t, 2, sink.calls)

	require.NoError(t, u.Update(ctx, indexTestRepoID))
	assert.Equal(t, 2, sink.calls)

	assert.Error(t, u.Update(ctx, otherRepoID))
}

func TestUpdaterKeepsStatusOnSinkFailure(t *testing.T) {
	idx := openIndex(t)
	sink := &stubSink{err: errors.New("metadata server down")}
	u := NewUpdater(idx, nil, sink)
	u.Head = headOf(map[string]*commitmgr.Commit{
		indexTestRepoID: commitOf("c1", saveTree(t, map[string]string{"/a.md": "a"})),
	})

	assert.Error(t, u.Update(context.Background(), indexTestRepoID))
	status, err := idx.GetStatus(indexTestRepoID)
	require.NoError(t, err)
	assert.Nil(t, status)

	sink.err = nil
	require.NoError(t, u.Update(context.Background(), indexTestRepoID))
	status, err = idx.GetStatus(indexTestRepoID)
	require.NoError(t, err)
	assert.Equal(t, "c1", status.CommitID)
}

func TestUpdaterRunsOnPool(t *testing.T) {
	idx := openIndex(t)
	pool := workerpool.CreateWorkerPool("index", 1, workerpool.Options{})
	defer pool.Shutdown()
	u := NewUpdater(idx, pool)
	u.Head = headOf(map[string]*commitmgr.Commit{
		indexTestRepoID: commitOf("c1", saveTree(t, map[string]string{"/pool.md": "p"})),
	})

	require.NoError(t, u.Submit(indexTestRepoID))
	require.Eventually(t, func() bool {
		status, err := idx.GetStatus(indexTestRepoID)
		return err == nil && status != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"/pool.md"}, searchPaths(t, idx, indexTestRepoID, "pool"))
}

// gatedSink blocks its first diff until release is closed.
type gatedSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedSink) Name() string { return "gated" }

func (s *gatedSink) ApplyDiff(ctx context.Context, repoID string, r *diff.DiffResult) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return nil
}

func TestUpdaterPicksUpCommitDuringRunningUpdate(t *testing.T) {
	idx := openIndex(t)
	pool := workerpool.CreateWorkerPool("index", 2, workerpool.Options{})
	defer pool.Shutdown()
	sink := &gatedSink{entered: make(chan struct{}), release: make(chan struct{})}
	u := NewUpdater(idx, pool, sink)

	c1 := commitOf("c1", saveTree(t, map[string]string{"/first.md": "1"}))
	c2 := commitOf("c2", saveTree(t, map[string]string{"/first.md": "1", "/second.md": "2"}))
	var mu sync.Mutex
	head := c1
	u.Head = func(repoID string) (string, *commitmgr.Commit, error) {
		mu.Lock()
		defer mu.Unlock()
		return repoID, head, nil
	}

	require.NoError(t, u.Submit(indexTestRepoID))
	<-sink.entered

	mu.Lock()
	head = c2
	mu.Unlock()
	require.NoError(t, u.Submit(indexTestRepoID))
	close(sink.release)

	require.Eventually(t, func() bool {
		status, err := idx.GetStatus(indexTestRepoID)
		return err == nil && status != nil && status.CommitID == "c2"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"/second.md"}, searchPaths(t, idx, indexTestRepoID, "second"))
}
