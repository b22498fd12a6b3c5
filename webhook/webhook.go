// Package webhook delivers repo updates to the URLs registered for a repo.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/haiwen/seafevents/diff"
	"github.com/haiwen/seafevents/events"
	"github.com/haiwen/seafevents/option"
	"github.com/haiwen/seafevents/utils"
	"github.com/haiwen/seafevents/workerpool"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SignatureHeader carries the HMAC-SHA256 of the body when the hook has a secret.
const SignatureHeader = "X-Seafile-Signature"

// EventRepoUpdate is the event name sent for repo updates.
const EventRepoUpdate = "repo.update"

// maxPaths bounds the paths listed per change type in a payload.
const maxPaths = 100

// Webhook is one registered hook.
type Webhook struct {
	ID      int64  `db:"id"`
	RepoID  string `db:"repo_id"`
	URL     string `db:"url"`
	Secret  string `db:"secret"`
	IsValid bool   `db:"is_valid"`
}

// Rename is one renamed or moved path.
type Rename struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// Changes lists the changed paths of a commit.
type Changes struct {
	Added    []string `json:"added,omitempty"`
	Deleted  []string `json:"deleted,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Renamed  []Rename `json:"renamed,omitempty"`
}

// Data is the repo update delivered to hooks.
type Data struct {
	RepoID   string  `json:"repo_id"`
	RepoName string  `json:"repo_name"`
	CommitID string  `json:"commit_id"`
	Creator  string  `json:"creator"`
	Desc     string  `json:"desc"`
	Ctime    int64   `json:"ctime"`
	Changes  Changes `json:"changes"`
}

// Payload is the JSON body of a delivery.
type Payload struct {
	Event string `json:"event"`
	Data  *Data  `json:"data"`
}

func paths(entries ...[]*diff.DiffEntry) []string {
	var ret []string
	for _, list := range entries {
		for _, e := range list {
			if len(ret) >= maxPaths {
				return ret
			}
			ret = append(ret, e.Path)
		}
	}
	return ret
}

func newPayload(ev *events.RepoUpdate) *Payload {
	data := &Data{
		RepoID:   ev.RepoID,
		RepoName: ev.Commit.RepoName,
		CommitID: ev.Commit.CommitID,
		Creator:  ev.OpUser(nil),
		Desc:     ev.Commit.Desc,
		Ctime:    ev.Commit.Ctime,
	}
	r := ev.Diff
	data.Changes.Added = paths(r.AddedFiles, r.AddedDirs)
	data.Changes.Deleted = paths(r.DeletedFiles, r.DeletedDirs)
	data.Changes.Modified = paths(r.ModifiedFiles)
	for _, list := range [][]*diff.DiffEntry{r.RenamedFiles, r.MovedFiles, r.RenamedDirs, r.MovedDirs} {
		for _, e := range list {
			if len(data.Changes.Renamed) >= maxPaths {
				break
			}
			data.Changes.Renamed = append(data.Changes.Renamed, Rename{e.Path, e.NewPath})
		}
	}
	return &Payload{Event: EventRepoUpdate, Data: data}
}

// Sign returns the signature header value of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Sender posts repo updates to webhooks on a worker pool.
type Sender struct {
	db     *sqlx.DB
	pool   *workerpool.WorkPool
	client *http.Client
	limit  rate.Limit

	lock     sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSender creates a sender. Deliveries to one host are limited to perSecond.
func NewSender(d *sqlx.DB, pool *workerpool.WorkPool, timeout time.Duration, perSecond float64) *Sender {
	s := new(Sender)
	s.db = d
	s.pool = pool
	s.client = &http.Client{Timeout: timeout}
	s.limit = rate.Limit(perSecond)
	if perSecond <= 0 {
		s.limit = rate.Inf
	}
	s.limiters = make(map[string]*rate.Limiter)
	return s
}

func (s *Sender) Name() string {
	return "webhook"
}

// Webhooks returns the valid hooks of a repo.
func (s *Sender) Webhooks(ctx context.Context, repoID string) ([]*Webhook, error) {
	ctx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
	defer cancel()

	var hooks []*Webhook
	err := s.db.SelectContext(ctx, &hooks, "SELECT id, repo_id, url, secret, is_valid FROM repo_webhooks WHERE repo_id=? AND is_valid=?", repoID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get webhooks of repo %s: %w", repoID, err)
	}
	return hooks, nil
}

// OnRepoUpdate queues one delivery per valid hook of the repo.
func (s *Sender) OnRepoUpdate(ctx context.Context, ev *events.RepoUpdate) error {
	if ev.Diff.IsEmpty() {
		return nil
	}
	hooks, err := s.Webhooks(ctx, ev.RepoID)
	if err != nil {
		return err
	}
	if len(hooks) == 0 {
		return nil
	}
	body, err := json.Marshal(newPayload(ev))
	if err != nil {
		return err
	}

	var failed int
	for _, hook := range hooks {
		key := fmt.Sprintf("%d:%s", hook.ID, ev.Commit.CommitID)
		_, err := s.pool.AddTask(key, func(ctx context.Context) error {
			return s.Deliver(ctx, hook, body)
		})
		if err != nil {
			log.Warnf("Failed to queue webhook %d of repo %s: %v", hook.ID, ev.RepoID, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d webhooks not queued", failed, len(hooks))
	}
	return nil
}

func (s *Sender) limiter(host string) *rate.Limiter {
	s.lock.Lock()
	defer s.lock.Unlock()
	l, ok := s.limiters[host]
	if !ok {
		l = rate.NewLimiter(s.limit, 1)
		s.limiters[host] = l
	}
	return l
}

// Deliver posts body to the hook once. Failures are not retried.
func (s *Sender) Deliver(ctx context.Context, hook *Webhook, body []byte) error {
	u, err := url.Parse(hook.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid webhook url %q", hook.URL)
	}
	if err := s.limiter(u.Host).Wait(ctx); err != nil {
		return err
	}

	header := make(map[string][]string)
	if hook.Secret != "" {
		header[SignatureHeader] = []string{Sign(hook.Secret, body)}
	}
	status, rsp, err := utils.HttpCommonWithContext(ctx, s.client, http.MethodPost, hook.URL, header, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to post webhook %d (status %d): %w: %s", hook.ID, status, err, rsp)
	}
	log.Debugf("Delivered webhook %d of repo %s", hook.ID, hook.RepoID)
	return nil
}
