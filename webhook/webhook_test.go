package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haiwen/seafevents/commitmgr"
	"github.com/haiwen/seafevents/db"
	"github.com/haiwen/seafevents/diff"
	"github.com/haiwen/seafevents/events"
	"github.com/haiwen/seafevents/option"
	"github.com/haiwen/seafevents/workerpool"
)

const testRepoID = "3f4e5d6c-7b8a-4c9d-8e0f-1a2b3c4d5e6f"

type delivery struct {
	path      string
	signature string
	body      []byte
}

type receiver struct {
	lock       sync.Mutex
	deliveries []delivery
	status     int
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.lock.Lock()
	defer r.lock.Unlock()
	r.deliveries = append(r.deliveries, delivery{req.URL.Path, req.Header.Get(SignatureHeader), body})
	if r.status != 0 {
		w.WriteHeader(r.status)
	}
}

func (r *receiver) received() []delivery {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]delivery(nil), r.deliveries...)
}

func openDB(t *testing.T) *sqlx.DB {
	t.Helper()
	option.DBOpTimeout = 10 * time.Second
	d, err := db.OpenSQLite(filepath.Join(t.TempDir(), "seahub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func addHook(t *testing.T, d *sqlx.DB, url, secret string, valid bool) {
	t.Helper()
	_, err := d.Exec("INSERT INTO repo_webhooks (repo_id, url, secret, is_valid, creator, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		testRepoID, url, secret, valid, "owner@test.com", time.Now().UTC())
	require.NoError(t, err)
}

func testEvent(r *diff.DiffResult) *events.RepoUpdate {
	return &events.RepoUpdate{
		RepoID: testRepoID,
		Commit: &commitmgr.Commit{
			CommitID:    "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3",
			RepoID:      testRepoID,
			RepoName:    "Hooks",
			CreatorName: "owner@test.com",
			Desc:        `Added "a.md".`,
			Ctime:       1700000000,
		},
		Diff: r,
	}
}

func TestRepoUpdateIsDeliveredToValidHooks(t *testing.T) {
	d := openDB(t)
	recv := new(receiver)
	srv := httptest.NewServer(recv)
	defer srv.Close()

	addHook(t, d, srv.URL+"/signed", "s3cret", true)
	addHook(t, d, srv.URL+"/plain", "", true)
	addHook(t, d, srv.URL+"/disabled", "", false)

	pool := workerpool.CreateWorkerPool("webhook", 2, workerpool.Options{})
	defer pool.Shutdown()
	sender := NewSender(d, pool, 5*time.Second, 100)

	ev := testEvent(&diff.DiffResult{
		AddedFiles: []*diff.DiffEntry{{Path: "/a.md"}},
		MovedDirs:  []*diff.DiffEntry{{Path: "/x", NewPath: "/y/x", IsDir: true}},
	})
	require.NoError(t, sender.OnRepoUpdate(context.Background(), ev))
	require.NoError(t, sender.OnRepoUpdate(context.Background(), testEvent(new(diff.DiffResult))))

	require.Eventually(t, func() bool { return len(recv.received()) == 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	got := recv.received()
	require.Len(t, got, 2)

	for _, dl := range got {
		payload := new(Payload)
		require.NoError(t, json.Unmarshal(dl.body, payload))
		assert.Equal(t, EventRepoUpdate, payload.Event)
		assert.Equal(t, testRepoID, payload.Data.RepoID)
		assert.Equal(t, []string{"/a.md"}, payload.Data.Changes.Added)
		assert.Equal(t, []Rename{{"/x", "/y/x"}}, payload.Data.Changes.Renamed)

		switch dl.path {
		case "/signed":
			assert.Equal(t, Sign("s3cret", dl.body), dl.signature)
		case "/plain":
			assert.Empty(t, dl.signature)
		default:
			t.Fatalf("unexpected delivery to %s", dl.path)
		}
	}
}

func TestDeliverReportsFailure(t *testing.T) {
	recv := &receiver{status: http.StatusInternalServerError}
	srv := httptest.NewServer(recv)
	defer srv.Close()
	sender := NewSender(nil, nil, 5*time.Second, 0)

	err := sender.Deliver(context.Background(), &Webhook{ID: 1, URL: srv.URL}, []byte(`{}`))
	assert.Error(t, err)
	assert.Error(t, sender.Deliver(context.Background(), &Webhook{ID: 2, URL: "not a url"}, []byte(`{}`)))
}

func TestDeliveriesAreRateLimitedPerHost(t *testing.T) {
	sender := NewSender(nil, nil, time.Second, 1)
	l := sender.limiter("hooks.example.com")
	assert.Same(t, l, sender.limiter("hooks.example.com"))
	assert.NotSame(t, l, sender.limiter("other.example.com"))

	require.True(t, l.Allow())
	assert.False(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := sender.Deliver(ctx, &Webhook{ID: 3, URL: "http://hooks.example.com/x"}, []byte(`{}`))
	assert.Error(t, err)
}

func TestSignature(t *testing.T) {
	assert.Equal(t, "sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", Sign("key", []byte("The quick brown fox jumps over the lazy dog")))
}
