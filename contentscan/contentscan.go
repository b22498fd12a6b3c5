// Package contentscan checks the text of new and modified files for configured keywords.
package contentscan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/cases"

	"github.com/haiwen/seafevents/blockmgr"
	"github.com/haiwen/seafevents/diff"
	"github.com/haiwen/seafevents/events"
	"github.com/haiwen/seafevents/fsmgr"
	"github.com/haiwen/seafevents/objstore"
	"github.com/haiwen/seafevents/option"
	"github.com/haiwen/seafevents/repomgr"
	"github.com/haiwen/seafevents/workerpool"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Platform is recorded with each result.
const Platform = "keyword"

// Suggestions
const (
	SuggestionPass  = "pass"
	SuggestionBlock = "block"
)

// ErrNotFile is returned when the scanned path is not a regular file.
var ErrNotFile = errors.New("path is not a file")

// Job is one file to scan.
type Job struct {
	RepoID  string
	StoreID string
	Path    string
	FileID  string
}

// Key identifies jobs for the same file.
func (j *Job) Key() string {
	return j.RepoID + ":" + j.Path
}

// Result is a row of content_scan_result.
type Result struct {
	RepoID     string `db:"repo_id"`
	Path       string `db:"path"`
	Platform   string `db:"platform"`
	Suggestion string `db:"suggestion"`
	Detail     string `db:"detail"`
}

type detail struct {
	Keywords []string `json:"keywords"`
}

// Scanner runs scans on a worker pool and records the results.
type Scanner struct {
	db       *sqlx.DB
	pool     *workerpool.WorkPool
	keywords []string
	suffixes []string
	maxSize  int64

	// Lookup resolves a path of a repo to its file.
	Lookup func(repoID, p string) (*Job, error)
}

// NewScanner creates a scanner for files with one of suffixes.
func NewScanner(d *sqlx.DB, pool *workerpool.WorkPool, keywords, suffixes []string, maxSize int64) *Scanner {
	s := new(Scanner)
	s.db = d
	s.pool = pool
	s.suffixes = suffixes
	s.maxSize = maxSize
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			s.keywords = append(s.keywords, k)
		}
	}
	s.Lookup = lookupHead
	return s
}

func lookupHead(repoID, p string) (*Job, error) {
	repo := repomgr.Get(repoID)
	if repo == nil {
		return nil, fmt.Errorf("repo %s not found", repoID)
	}
	storeID := objstore.StoreID(repo.StoreID, repo.Version)
	dent, err := fsmgr.GetDirentByPath(storeID, repo.RootID, p)
	if err != nil {
		return nil, err
	}
	if !fsmgr.IsRegular(dent.Mode) {
		return nil, ErrNotFile
	}
	return &Job{RepoID: repoID, StoreID: storeID, Path: p, FileID: dent.ID}, nil
}

func (s *Scanner) Name() string {
	return "content scan"
}

// OnRepoUpdate queues the added and modified files with a scanned suffix.
func (s *Scanner) OnRepoUpdate(ctx context.Context, ev *events.RepoUpdate) error {
	storeID := objstore.StoreID(ev.StoreID, ev.Commit.Version)
	var failed int
	for _, entries := range [][]*diff.DiffEntry{ev.Diff.AddedFiles, ev.Diff.ModifiedFiles} {
		for _, e := range entries {
			if !option.HasSuffix(e.Path, s.suffixes) {
				continue
			}
			job := &Job{RepoID: ev.RepoID, StoreID: storeID, Path: e.Path, FileID: e.ObjID}
			if _, err := s.Submit(job); err != nil {
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d files not queued for scanning", failed)
	}
	return nil
}

// SubmitPath queues a scan of the head version of p.
func (s *Scanner) SubmitPath(repoID, p string) (string, error) {
	job, err := s.Lookup(repoID, p)
	if err != nil {
		return "", fmt.Errorf("failed to find %s in repo %s: %w", p, repoID, err)
	}
	return s.Submit(job)
}

// Submit queues a job and returns its task token. Scans of one file run one at
// a time, and a version submitted while an older one is queued replaces it.
func (s *Scanner) Submit(job *Job) (string, error) {
	return s.pool.AddLatestTask(job.Key(), func(ctx context.Context) error {
		_, err := s.Scan(ctx, job)
		return err
	})
}

// Query returns the status of a submitted scan.
func (s *Scanner) Query(token string) (*workerpool.TaskStatus, error) {
	return s.pool.QueryTask(token)
}

// Scan reads the file, matches the keywords and saves the result.
func (s *Scanner) Scan(ctx context.Context, job *Job) (*Result, error) {
	var buf bytes.Buffer
	if err := blockmgr.ReadFile(job.StoreID, job.FileID, s.maxSize, &buf); err != nil {
		return nil, fmt.Errorf("failed to read %s in repo %s: %w", job.Path, job.RepoID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matched := Match(buf.String(), s.keywords)
	result := &Result{RepoID: job.RepoID, Path: job.Path, Platform: Platform, Suggestion: SuggestionPass}
	if len(matched) > 0 {
		result.Suggestion = SuggestionBlock
		log.Infof("Found keywords %v in %s of repo %s", matched, job.Path, job.RepoID)
	}
	data, err := json.Marshal(&detail{Keywords: matched})
	if err != nil {
		return nil, err
	}
	result.Detail = string(data)

	if err := s.save(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Match returns the keywords found in text, ignoring case, sorted.
func Match(text string, keywords []string) []string {
	fold := cases.Fold()
	folded := fold.String(text)
	matched := []string{}
	for _, k := range keywords {
		if strings.Contains(folded, fold.String(k)) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)
	return matched
}

func (s *Scanner) save(ctx context.Context, r *Result) error {
	ctx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM content_scan_result WHERE repo_id=? AND path=?", r.RepoID, r.Path); err != nil {
		return fmt.Errorf("failed to delete old scan result: %w", err)
	}
	_, err = tx.NamedExecContext(ctx, "INSERT INTO content_scan_result (repo_id, path, platform, suggestion, detail) "+
		"VALUES (:repo_id, :path, :platform, :suggestion, :detail)", r)
	if err != nil {
		return fmt.Errorf("failed to save scan result: %w", err)
	}
	return tx.Commit()
}

// Results returns the recorded results of a repo.
func (s *Scanner) Results(ctx context.Context, repoID string) ([]*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
	defer cancel()

	var results []*Result
	err := s.db.SelectContext(ctx, &results, "SELECT repo_id, path, platform, suggestion, detail FROM content_scan_result WHERE repo_id=? ORDER BY path", repoID)
	return results, err
}
