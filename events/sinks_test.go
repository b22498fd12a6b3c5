package events

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haiwen/seafevents/cache"
	"github.com/haiwen/seafevents/db"
	"github.com/haiwen/seafevents/diff"
)

func editRecord(ts time.Time) *ActivityRecord {
	return &ActivityRecord{
		OpType:       OpEdit,
		OpUser:       testOwner,
		ObjType:      ObjFile,
		Timestamp:    ts,
		RepoID:       testRepoID,
		RepoName:     testRepoName,
		CommitID:     contentID(ts.String()),
		Path:         "/notes.md",
		ObjID:        contentID("notes " + ts.String()),
		Size:         5,
		RelatedUsers: []string{testOwner, testOtherUser},
	}
}

func TestEditCoalescing(t *testing.T) {
	d := openDB(t)
	store := NewActivityStore(d)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, []*ActivityRecord{editRecord(t0)}, -1))
	require.NoError(t, store.Save(ctx, []*ActivityRecord{editRecord(t0.Add(10 * time.Minute))}, -1))
	assert.Equal(t, 1, count(t, d, "SELECT COUNT(*) FROM Activity"))
	assert.Equal(t, 2, count(t, d, "SELECT COUNT(*) FROM UserActivity"))

	var ts time.Time
	require.NoError(t, d.Get(&ts, "SELECT timestamp FROM Activity"))
	assert.True(t, ts.Equal(t0.Add(10*time.Minute)))
	require.NoError(t, d.Get(&ts, "SELECT timestamp FROM UserActivity WHERE username=?", testOtherUser))
	assert.True(t, ts.Equal(t0.Add(10*time.Minute)))

	require.NoError(t, store.Save(ctx, []*ActivityRecord{editRecord(t0.Add(41 * time.Minute))}, -1))
	assert.Equal(t, 2, count(t, d, "SELECT COUNT(*) FROM Activity"))
}

func TestEditsInBatchAreNotCoalesced(t *testing.T) {
	d := openDB(t)
	store := NewActivityStore(d)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, []*ActivityRecord{editRecord(t0)}, -1))
	other := editRecord(t0.Add(time.Minute))
	other.Path = "/other.md"
	require.NoError(t, store.Save(ctx, []*ActivityRecord{editRecord(t0.Add(time.Minute)), other}, 7))

	assert.Equal(t, 3, count(t, d, "SELECT COUNT(*) FROM Activity"))
	var ts time.Time
	require.NoError(t, d.Get(&ts, "SELECT timestamp FROM OrgLastActivityTime WHERE org_id=7"))
	assert.True(t, ts.Equal(t0.Add(time.Minute)))
}

func TestHistoryKeepsNewestVersions(t *testing.T) {
	d := openDB(t)
	store := NewFileHistoryStore(d, []string{"md"}, 3)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		e := &diff.DiffEntry{Path: "/a.md", ObjID: contentID(fmt.Sprint(i)), Size: int64(i)}
		require.NoError(t, store.Save(ctx, testEvent(&diff.DiffResult{ModifiedFiles: []*diff.DiffEntry{e}}, t0.Add(time.Duration(i)*time.Minute))))
	}
	ignored := &diff.DiffEntry{Path: "/a.png", ObjID: contentID("png")}
	require.NoError(t, store.Save(ctx, testEvent(&diff.DiffResult{AddedFiles: []*diff.DiffEntry{ignored}}, t0)))

	var sizes []int64
	require.NoError(t, d.Select(&sizes, "SELECT size FROM FileHistory ORDER BY size"))
	assert.Equal(t, []int64{2, 3, 4}, sizes)

	moved := &diff.DiffEntry{Path: "/a.md", NewPath: "/b/a.md", ObjID: contentID("4"), Size: 4}
	require.NoError(t, store.Save(ctx, testEvent(&diff.DiffResult{MovedFiles: []*diff.DiffEntry{moved}}, t0.Add(10*time.Minute))))
	assert.Equal(t, 0, count(t, d, "SELECT COUNT(*) FROM FileHistory WHERE path='/a.md'"))
	assert.Equal(t, 3, count(t, d, "SELECT COUNT(*) FROM FileHistory WHERE path='/b/a.md' AND repo_id_path_md5=?", pathMD5(testRepoID, "/b/a.md")))
}

func TestRepoMonitorNotify(t *testing.T) {
	d := openDB(t)
	c, err := cache.NewMemoryCache(100, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	for _, user := range []string{testOwner, testOtherUser, testThirdUser} {
		_, err := d.Exec("INSERT INTO base_usermonitoredrepos (email, repo_id, timestamp) VALUES (?, ?, ?)", user, testRepoID, time.Now().UTC())
		require.NoError(t, err)
	}
	m := NewRepoMonitor(d, c)
	m.CheckPerm = func(repoID, user string) string {
		if user == testThirdUser {
			return ""
		}
		return "rw"
	}

	ev := testEvent(&diff.DiffResult{AddedFiles: fileEntries("/docs", 2)}, time.Now())
	records := buildActivities(ev, []string{testOwner})
	require.NoError(t, m.Notify(context.Background(), ev, records))

	var users []string
	require.NoError(t, d.Select(&users, "SELECT DISTINCT to_user FROM notifications_usernotification WHERE msg_type=?", MsgTypeRepoMonitor))
	assert.Equal(t, []string{testOtherUser}, users)
	assert.Equal(t, 2, count(t, d, "SELECT COUNT(*) FROM notifications_usernotification"))
	assert.Equal(t, 0, count(t, d, "SELECT COUNT(*) FROM base_usermonitoredrepos WHERE email=?", testThirdUser))

	cached, ok := c.Get(testRepoID)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{testOwner, testOtherUser}, cached)
}

func trackerFor(t *testing.T, once, total int64) (*DeletionTracker, *sqlx.DB) {
	t.Helper()
	d := openDB(t)
	tracker := NewDeletionTracker(d, once, total)
	tracker.RepoOwner = func(repoID string) (string, error) { return testOwner, nil }
	tracker.CountFiles = func(storeID, dirID string) (int64, error) { return 0, errors.New("no fs objects") }
	return tracker, d
}

func TestDeletionOfRecentAdditionIsAMove(t *testing.T) {
	tracker, d := trackerFor(t, 1, 1000)
	ctx := context.Background()
	now := time.Now()

	moved := fileEntries("/moved", 3)
	require.NoError(t, tracker.Process(ctx, testEvent(&diff.DiffResult{AddedFiles: moved}, now)))
	require.NoError(t, tracker.Process(ctx, testEvent(&diff.DiffResult{DeletedFiles: moved}, now)))
	assert.Equal(t, 0, count(t, d, "SELECT COUNT(*) FROM deleted_files_count"))
	assert.Equal(t, 0, count(t, d, "SELECT COUNT(*) FROM deleted_files_alert"))

	old := fileEntries("/old", 2)
	require.NoError(t, tracker.Process(ctx, testEvent(&diff.DiffResult{AddedFiles: old}, now)))
	for i := 0; i < recentAdditionsCap; i++ {
		added := fileEntries(fmt.Sprintf("/new%d", i), 1)
		require.NoError(t, tracker.Process(ctx, testEvent(&diff.DiffResult{AddedFiles: added}, now)))
	}
	require.NoError(t, tracker.Process(ctx, testEvent(&diff.DiffResult{DeletedFiles: old}, now)))
	assert.Equal(t, 2, count(t, d, "SELECT files_count FROM deleted_files_count WHERE repo_id=?", testRepoID))
	assert.Equal(t, 1, count(t, d, "SELECT COUNT(*) FROM deleted_files_alert"))
}

func TestBulkDeletionAlertsOwner(t *testing.T) {
	tracker, d := trackerFor(t, 100, 1000)
	ev := testEvent(&diff.DiffResult{DeletedFiles: fileEntries("/bulk", 150)}, time.Now())
	require.NoError(t, tracker.Process(context.Background(), ev))

	var alert struct {
		Owner string `db:"owner"`
		Once  int64  `db:"once_count"`
	}
	require.NoError(t, d.Get(&alert, "SELECT owner, once_count FROM deleted_files_alert WHERE repo_id=?", testRepoID))
	assert.Equal(t, testOwner, alert.Owner)
	assert.Equal(t, int64(150), alert.Once)

	var detail string
	require.NoError(t, d.Get(&detail, "SELECT detail FROM notifications_usernotification WHERE to_user=? AND msg_type=?", testOwner, MsgTypeDeletedFilesAlert))
	assert.Contains(t, detail, `"deleted_files_count":150`)
}

func TestDeletionAtThresholdDoesNotAlert(t *testing.T) {
	tracker, d := trackerFor(t, 100, 200)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, tracker.Process(ctx, testEvent(&diff.DiffResult{DeletedFiles: fileEntries("/a", 100)}, now)))
	require.NoError(t, tracker.Process(ctx, testEvent(&diff.DiffResult{DeletedFiles: fileEntries("/b", 100)}, now)))
	assert.Equal(t, 0, count(t, d, "SELECT COUNT(*) FROM deleted_files_alert"))

	require.NoError(t, tracker.Process(ctx, testEvent(&diff.DiffResult{DeletedFiles: fileEntries("/c", 1)}, now)))
	assert.Equal(t, 1, count(t, d, "SELECT COUNT(*) FROM deleted_files_alert"))
}

func TestDailyTotalAlertsOnce(t *testing.T) {
	tracker, d := trackerFor(t, 100, 150)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, tracker.Process(ctx, testEvent(&diff.DiffResult{DeletedFiles: fileEntries("/a", 80)}, now)))
	assert.Equal(t, 0, count(t, d, "SELECT COUNT(*) FROM deleted_files_alert"))
	require.NoError(t, tracker.Process(ctx, testEvent(&diff.DiffResult{DeletedFiles: fileEntries("/b", 80)}, now)))
	assert.Equal(t, 1, count(t, d, "SELECT COUNT(*) FROM deleted_files_alert"))
	dirs := []*diff.DiffEntry{{Path: "/c", ObjID: contentID("c"), IsDir: true}}
	require.NoError(t, tracker.Process(ctx, testEvent(&diff.DiffResult{DeletedDirs: dirs}, now)))
	assert.Equal(t, 1, count(t, d, "SELECT COUNT(*) FROM deleted_files_alert"))
	assert.Equal(t, 161, count(t, d, "SELECT files_count FROM deleted_files_count WHERE repo_id=?", testRepoID))
}

func TestCollabNotifier(t *testing.T) {
	var mu sync.Mutex
	var got []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		mu.Lock()
		got = append(got, r.URL.Path, r.PostForm.Get("repo_id"), r.PostForm.Get("key"))
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	n := NewCollabNotifier(ts.URL+"/", "secret")
	n.Notify(testRepoID)
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/api/repo-update", testRepoID, "secret"}, got)
}

func TestAuditHandlers(t *testing.T) {
	d := openDB(t)
	dispatcher := NewDispatcher(&db.Handles{Seahub: d, Seafile: d, Ccnet: d})
	require.NoError(t, RegisterAuditHandlers(dispatcher, "seahub.audit", "seaf_server.event"))
	assert.ErrorIs(t, RegisterAuditHandlers(dispatcher, "seahub.audit", "seaf_server.event"), ErrDuplicateHandler)

	ctx := context.Background()
	dispatcher.Dispatch(ctx, "seahub.audit", []byte(fmt.Sprintf(
		`{"msg_type": "file-download-web", "user": "bob@test.com", "ip": "10.0.0.1", "device": "Chrome", "repo_id": "%s", "file_path": "/a.md", "ctime": 1700000000}`, testRepoID)))
	dispatcher.Dispatch(ctx, "seaf_server.event", []byte(fmt.Sprintf(
		`{"msg_type": "repo-download-sync", "user": "bob@test.com", "client_name": "laptop", "repo_id": "%s"}`, testRepoID)))
	dispatcher.Dispatch(ctx, "seahub.audit", []byte(fmt.Sprintf(
		`{"msg_type": "perm-change", "etype": "add-repo-perm", "from_user": "owner@test.com", "to": "bob@test.com", "repo_id": "%s", "file_path": "/", "permission": "rw", "org_id": 3}`, testRepoID)))

	var audits []struct {
		Etype    string    `db:"etype"`
		Device   string    `db:"device"`
		FilePath string    `db:"file_path"`
		Time     time.Time `db:"timestamp"`
	}
	require.NoError(t, d.Select(&audits, "SELECT etype, device, file_path, timestamp FROM FileAudit ORDER BY eid"))
	require.Len(t, audits, 2)
	assert.Equal(t, AuditFileDownloadWeb, audits[0].Etype)
	assert.Equal(t, "Chrome", audits[0].Device)
	assert.True(t, audits[0].Time.Equal(time.Unix(1700000000, 0)))
	assert.Equal(t, AuditRepoDownloadSync, audits[1].Etype)
	assert.Equal(t, "laptop", audits[1].Device)
	assert.Equal(t, "/", audits[1].FilePath)

	var perm struct {
		Etype string `db:"etype"`
		To    string `db:"to"`
		OrgID int    `db:"org_id"`
	}
	require.NoError(t, d.Get(&perm, "SELECT etype, `to`, org_id FROM PermAudit"))
	assert.Equal(t, "add-repo-perm", perm.Etype)
	assert.Equal(t, testOtherUser, perm.To)
	assert.Equal(t, 3, perm.OrgID)
}
