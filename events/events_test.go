package events

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/haiwen/seafevents/commitmgr"
	"github.com/haiwen/seafevents/db"
	"github.com/haiwen/seafevents/diff"
	"github.com/haiwen/seafevents/fsmgr"
	"github.com/haiwen/seafevents/option"
)

const (
	eventsTestDir  = "/tmp/seafevents-events"
	testRepoID     = "2e5c0a3b-8f1d-4c6e-9a7b-3d2f1e0c9b8a"
	testOwner      = "owner@test.com"
	testOtherUser  = "bob@test.com"
	testThirdUser  = "carol@test.com"
	testRepoName   = "My Library"
	testCommitUser = "owner@test.com"
)

var (
	modeDir  = uint32(syscall.S_IFDIR | 0644)
	modeFile = uint32(syscall.S_IFREG | 0644)
)

func TestMain(m *testing.M) {
	os.RemoveAll(eventsTestDir)
	dataDir := filepath.Join(eventsTestDir, "seafile-data")
	fsmgr.Init(dataDir, 2<<30)
	commitmgr.Init(dataDir)
	option.DBOpTimeout = 10 * time.Second
	code := m.Run()
	if err := os.RemoveAll(eventsTestDir); err != nil {
		fmt.Printf("failed to remove test file : %v", err)
	}
	os.Exit(code)
}

func openDB(t *testing.T) *sqlx.DB {
	t.Helper()
	d, err := db.OpenSQLite(filepath.Join(t.TempDir(), "seahub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func contentID(content string) string {
	if content == "" {
		return diff.EmptySha1
	}
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

type node struct {
	children map[string]*node
	content  string
	isDir    bool
}

// buildTree saves a tree of files and returns its root id.
func buildTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := &node{children: map[string]*node{}, isDir: true}
	for p, content := range files {
		parts := strings.Split(strings.Trim(p, "/"), "/")
		n := root
		for i, part := range parts {
			child, ok := n.children[part]
			if !ok {
				child = &node{children: map[string]*node{}, isDir: true}
				n.children[part] = child
			}
			if i == len(parts)-1 {
				child.isDir = false
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
				entries = append(entries, fsmgr.NewDirent(contentID(child.content), name, modeFile, 1, testCommitUser, int64(len(child.content))))
			}
		}
		dir, err := fsmgr.NewSeafdir(1, entries)
		require.NoError(t, err)
		require.NoError(t, fsmgr.SaveSeafdir(testRepoID, dir))
		return dir.DirID
	}
	return save(root)
}

// saveCommit saves a commit of rootID on top of parent and returns it.
func saveCommit(t *testing.T, parent *commitmgr.Commit, rootID, desc string, ctime time.Time) *commitmgr.Commit {
	t.Helper()
	c := newCommit(parent, rootID, desc, ctime)
	require.NoError(t, commitmgr.Save(c))
	return c
}

func newCommit(parent *commitmgr.Commit, rootID, desc string, ctime time.Time) *commitmgr.Commit {
	c := new(commitmgr.Commit)
	c.RepoID = testRepoID
	c.RootID = rootID
	c.CreatorName = testCommitUser
	c.CreatorID = "0000000000000000000000000000000000000000"
	c.Desc = desc
	c.Ctime = ctime.Unix()
	c.RepoName = testRepoName
	c.Version = 1
	if parent != nil {
		id := parent.CommitID
		c.ParentID = &id
	}
	return c
}

func mustParse(t *testing.T, body []byte) *Message {
	t.Helper()
	msg, err := ParseMessage("seaf_server.event", body)
	require.NoError(t, err)
	return msg
}

func repoUpdateMessage(commitID string) []byte {
	return []byte(fmt.Sprintf(`{"msg_type": "repo-update", "repo_id": "%s", "commit_id": "%s", "ctime": %d}`,
		testRepoID, commitID, time.Now().Unix()))
}

func newTestHandler(d *sqlx.DB) *RepoUpdateHandler {
	h := NewRepoUpdateHandler()
	h.RelatedUsers = func(repoID string) ([]string, error) {
		return []string{testOwner, testOtherUser}, nil
	}
	h.Activities = NewActivityStore(d)
	h.Trash = NewTrashStore(d)
	h.History = NewFileHistoryStore(d, []string{"md", "txt"}, 3)
	return h
}

func count(t *testing.T, d *sqlx.DB, query string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, d.Get(&n, query, args...))
	return n
}

func fileEntries(prefix string, n int) []*diff.DiffEntry {
	var entries []*diff.DiffEntry
	for i := 0; i < n; i++ {
		entries = append(entries, &diff.DiffEntry{
			Path:  fmt.Sprintf("%s/%d.txt", prefix, i),
			ObjID: contentID(fmt.Sprintf("%s-%d", prefix, i)),
			Size:  10,
		})
	}
	return entries
}

func testEvent(d *diff.DiffResult, ctime time.Time) *RepoUpdate {
	parentID := "1111111111111111111111111111111111111111"
	return &RepoUpdate{
		RepoID:  testRepoID,
		StoreID: testRepoID,
		OrgID:   -1,
		Commit: &commitmgr.Commit{
			CommitID:    contentID(ctime.String()),
			RepoID:      testRepoID,
			CreatorName: testCommitUser,
			Ctime:       ctime.Unix(),
			RepoName:    testRepoName,
			ParentID:    &parentID,
		},
		Parent: &commitmgr.Commit{CommitID: parentID, RepoID: testRepoID, RepoName: testRepoName},
		Diff:   d,
	}
}
