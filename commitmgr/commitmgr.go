// Package commitmgr manages commit objects.
package commitmgr

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/haiwen/seafevents/objstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Commit is a snapshot of a repo's file tree.
type Commit struct {
	CommitID       string  `json:"commit_id"`
	RepoID         string  `json:"repo_id"`
	RootID         string  `json:"root_id"`
	CreatorName    string  `json:"creator_name,omitempty"`
	CreatorID      string  `json:"creator"`
	Desc           string  `json:"description"`
	Ctime          int64   `json:"ctime"`
	ParentID       *string `json:"parent_id"`
	SecondParentID *string `json:"second_parent_id"`
	RepoName       string  `json:"repo_name"`
	RepoDesc       string  `json:"repo_desc"`
	DeviceName     string  `json:"device_name,omitempty"`
	ClientVersion  string  `json:"client_version,omitempty"`
	Encrypted      string  `json:"encrypted,omitempty"`
	EncVersion     int     `json:"enc_version,omitempty"`
	Version        int     `json:"version,omitempty"`
	Conflict       int     `json:"conflict,omitempty"`
	NewMerge       int     `json:"new_merge,omitempty"`
}

var store *objstore.ObjectStore

// Init initializes commit manager and creates underlying object store.
func Init(seafileDataDir string) {
	store = objstore.New(seafileDataDir, "commit")
}

// Store returns the commit object store.
func Store() *objstore.ObjectStore {
	return store
}

// Parent returns the first parent id, or "" for the initial commit.
func (commit *Commit) Parent() string {
	if commit.ParentID == nil {
		return ""
	}
	return *commit.ParentID
}

// SecondParent returns the second parent id, or "" if commit is not a merge.
func (commit *Commit) SecondParent() string {
	if commit.SecondParentID == nil {
		return ""
	}
	return *commit.SecondParentID
}

// IsMerge reports whether the commit has two parents.
func (commit *Commit) IsMerge() bool {
	return commit.SecondParent() != ""
}

// Load commit from storage backend.
func Load(repoID string, version int, commitID string) (*Commit, error) {
	var buf bytes.Buffer
	if err := store.Read(objstore.StoreID(repoID, version), commitID, &buf); err != nil {
		return nil, fmt.Errorf("failed to read commit %s:%s: %w", repoID, commitID, err)
	}
	commit := new(Commit)
	if err := json.Unmarshal(buf.Bytes(), commit); err != nil {
		return nil, fmt.Errorf("failed to decode commit %s:%s: %w", repoID, commitID, err)
	}
	return commit, nil
}

// LoadAnyVersion loads a commit, trying the current layout and then the legacy one.
func LoadAnyVersion(repoID string, commitID string) (*Commit, error) {
	commit, err := Load(repoID, 1, commitID)
	if err == nil {
		return commit, nil
	}
	if !errors.Is(err, objstore.ErrNotFound) {
		return nil, err
	}
	return Load(repoID, 0, commitID)
}

// Save commit to storage backend. An empty CommitID is filled in from the contents.
func Save(commit *Commit) error {
	if commit.CommitID == "" {
		commit.CommitID = computeCommitID(commit)
	}
	data, err := json.Marshal(commit)
	if err != nil {
		return err
	}
	return store.Write(objstore.StoreID(commit.RepoID, commit.Version), commit.CommitID, bytes.NewReader(data), false)
}

func computeCommitID(commit *Commit) string {
	h := sha1.New()
	h.Write([]byte(commit.RootID))
	h.Write([]byte(commit.CreatorID))
	h.Write([]byte(commit.CreatorName))
	h.Write([]byte(commit.Desc))
	h.Write([]byte(commit.Parent()))
	h.Write([]byte(fmt.Sprint(commit.Ctime)))
	return hex.EncodeToString(h.Sum(nil))
}
