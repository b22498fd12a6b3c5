package repomgr

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haiwen/seafevents/commitmgr"
	"github.com/haiwen/seafevents/db"
	"github.com/haiwen/seafevents/option"
)

const (
	repoID         = "9646f13e-bbab-4eaf-9a84-fb6e1cd776b3"
	vRepoID        = "0a1b5c0e-7c55-4e73-a5a0-6a3b7c1f0f32"
	repoName       = "repo"
	userName       = "seafile@seafile.com"
	testDir        = "/tmp/seafevents-repomgr"
	seafileDataDir = "/tmp/seafevents-repomgr/seafile-data"
)

var headCommitID string

func prepare() error {
	os.RemoveAll(testDir)
	if err := os.MkdirAll(testDir, 0755); err != nil {
		return err
	}
	d, err := db.OpenSQLite(filepath.Join(testDir, "seafile.db"))
	if err != nil {
		return err
	}
	option.DBOpTimeout = 10 * time.Second
	Init(d)
	commitmgr.Init(seafileDataDir)

	commit := new(commitmgr.Commit)
	commit.RepoID = repoID
	commit.RepoName = repoName
	commit.RootID = "0000000000000000000000000000000000000000"
	commit.CreatorName = userName
	commit.Desc = "Created library"
	commit.Ctime = 1700000000
	commit.Version = 1
	if err := commitmgr.Save(commit); err != nil {
		return err
	}
	headCommitID = commit.CommitID

	vCommit := *commit
	vCommit.CommitID = ""
	vCommit.RepoID = vRepoID
	vCommit.RepoName = "sub"
	if err := commitmgr.Save(&vCommit); err != nil {
		return err
	}

	stmts := []string{
		fmt.Sprintf("INSERT INTO Repo (repo_id) VALUES ('%s'), ('%s')", repoID, vRepoID),
		fmt.Sprintf("INSERT INTO Branch (name, repo_id, commit_id) VALUES ('master', '%s', '%s'), ('master', '%s', '%s')",
			repoID, headCommitID, vRepoID, vCommit.CommitID),
		fmt.Sprintf("INSERT INTO RepoOwner (repo_id, owner_id) VALUES ('%s', '%s')", repoID, userName),
		fmt.Sprintf("INSERT INTO VirtualRepo (repo_id, origin_repo, path, base_commit) VALUES ('%s', '%s', '/sub', '%s')",
			vRepoID, repoID, headCommitID),
		fmt.Sprintf("INSERT INTO OrgRepo (org_id, repo_id, user) VALUES (3, '%s', 'org@seafile.com')", vRepoID),
	}
	for _, stmt := range stmts {
		if _, err := d.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func TestMain(m *testing.M) {
	if err := prepare(); err != nil {
		fmt.Printf("Failed to prepare test : %v\n", err)
		os.RemoveAll(testDir)
		os.Exit(1)
	}
	code := m.Run()
	if err := os.RemoveAll(testDir); err != nil {
		fmt.Printf("Failed to remove test file : %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func TestGet(t *testing.T) {
	repo := Get(repoID)
	if repo == nil {
		t.Fatalf("failed to get repo : %s", repoID)
	}
	if repo.Name != repoName || repo.HeadCommitID != headCommitID || repo.StoreID != repoID {
		t.Errorf("unexpected repo %+v", repo)
	}
	if repo.VirtualInfo != nil {
		t.Errorf("repo %s is not virtual", repoID)
	}

	vRepo := Get(vRepoID)
	if vRepo == nil {
		t.Fatalf("failed to get repo : %s", vRepoID)
	}
	if vRepo.StoreID != repoID || vRepo.VirtualInfo == nil || vRepo.VirtualInfo.Path != "/sub" {
		t.Errorf("unexpected virtual repo %+v", vRepo)
	}

	if Get("missing-repo") != nil {
		t.Errorf("expected nil for missing repo")
	}
}

func TestOwnerAndOrg(t *testing.T) {
	owner, err := GetRepoOwner(repoID)
	if err != nil || owner != userName {
		t.Errorf("GetRepoOwner() = %q, %v", owner, err)
	}
	owner, err = GetRepoOwner(vRepoID)
	if err != nil || owner != "org@seafile.com" {
		t.Errorf("GetRepoOwner() of org repo = %q, %v", owner, err)
	}

	orgID, err := GetRepoOrgID(repoID)
	if err != nil || orgID != -1 {
		t.Errorf("GetRepoOrgID() = %d, %v", orgID, err)
	}
	orgID, err = GetRepoOrgID(vRepoID)
	if err != nil || orgID != 3 {
		t.Errorf("GetRepoOrgID() of org repo = %d, %v", orgID, err)
	}

	vInfo, err := GetVirtualRepoInfo(vRepoID)
	if err != nil || vInfo == nil || vInfo.OriginRepoID != repoID {
		t.Errorf("GetVirtualRepoInfo() = %+v, %v", vInfo, err)
	}
	vInfo, err = GetVirtualRepoInfo(repoID)
	if err != nil || vInfo != nil {
		t.Errorf("GetVirtualRepoInfo() of normal repo = %+v, %v", vInfo, err)
	}
}

func TestRepoStatus(t *testing.T) {
	status, err := GetRepoStatus(repoID)
	if err != nil || status != RepoStatusNormal {
		t.Fatalf("GetRepoStatus() = %d, %v", status, err)
	}
	if err := SetRepoStatus(repoID, RepoStatusReadOnly); err != nil {
		t.Fatalf("SetRepoStatus() failed: %v", err)
	}
	status, _ = GetRepoStatus(repoID)
	if status != RepoStatusReadOnly {
		t.Errorf("status = %d, want %d", status, RepoStatusReadOnly)
	}
	if err := SetRepoStatus(repoID, RepoStatusNormal); err != nil {
		t.Fatalf("SetRepoStatus() failed: %v", err)
	}
	status, _ = GetRepoStatus(repoID)
	if status != RepoStatusNormal {
		t.Errorf("status = %d, want %d", status, RepoStatusNormal)
	}
	if err := SetRepoStatus(repoID, NRepoStatus); err == nil {
		t.Errorf("expected error for invalid status")
	}
}

func TestStorageAndArchiveStatus(t *testing.T) {
	mapper := StorageMapper()
	if id := mapper(repoID); id != "" {
		t.Errorf("storage id = %q, want default", id)
	}
	if err := SetStorageID(repoID, "cold"); err != nil {
		t.Fatalf("SetStorageID() failed: %v", err)
	}
	if id := mapper(repoID); id != "cold" {
		t.Errorf("storage id = %q, want cold", id)
	}
	if err := SetStorageID(repoID, ""); err != nil {
		t.Fatalf("SetStorageID() failed: %v", err)
	}
	if id, _ := GetStorageID(repoID); id != "" {
		t.Errorf("storage id = %q after reset", id)
	}

	if err := SetArchiveStatus(repoID, ArchiveStatusArchiving); err != nil {
		t.Fatalf("SetArchiveStatus() failed: %v", err)
	}
	if err := SetArchiveStatus(repoID, ArchiveStatusArchived); err != nil {
		t.Fatalf("SetArchiveStatus() failed: %v", err)
	}
	if status, _ := GetArchiveStatus(repoID); status != ArchiveStatusArchived {
		t.Errorf("archive status = %q", status)
	}
	if err := SetArchiveStatus(repoID, ArchiveStatusNone); err != nil {
		t.Fatalf("SetArchiveStatus() failed: %v", err)
	}
	if status, _ := GetArchiveStatus(repoID); status != ArchiveStatusNone {
		t.Errorf("archive status = %q after reset", status)
	}
}
