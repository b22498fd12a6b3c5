// Package repomgr reads repo rows and keeps repo status and storage pointers.
package repomgr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/commitmgr"
	"github.com/haiwen/seafevents/objstore"
	"github.com/haiwen/seafevents/option"
)

// Repo status
const (
	RepoStatusNormal = iota
	RepoStatusReadOnly
	NRepoStatus
)

// Archive status
const (
	ArchiveStatusNone      = ""
	ArchiveStatusArchiving = "archiving"
	ArchiveStatusArchived  = "archived"
	ArchiveStatusFailed    = "failed"
)

// Repo is the head state of a repo.
type Repo struct {
	ID                   string
	Name                 string
	LastModifier         string
	LastModificationTime int64
	HeadCommitID         string
	RootID               string
	IsCorrupted          bool
	IsEncrypted          bool

	// Set when repo is virtual
	VirtualInfo *VRepoInfo

	// ID for fs and block store
	StoreID string

	Version int
}

// VRepoInfo contains virtual repo information.
type VRepoInfo struct {
	RepoID       string `db:"repo_id"`
	OriginRepoID string `db:"origin_repo"`
	Path         string `db:"path"`
	BaseCommitID string `db:"base_commit"`
}

var seafileDB *sqlx.DB

// Init initialize status of repomgr package
func Init(seafDB *sqlx.DB) {
	seafileDB = seafDB
}

// Get returns Repo object by repo ID, or nil if the repo doesn't exist or
// its head commit can't be loaded.
func Get(id string) *Repo {
	query := `SELECT r.repo_id, b.commit_id, v.origin_repo, v.path, v.base_commit FROM ` +
		`Repo r LEFT JOIN Branch b ON r.repo_id = b.repo_id ` +
		`LEFT JOIN VirtualRepo v ON r.repo_id = v.repo_id ` +
		`WHERE r.repo_id = ? AND b.name = 'master'`

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()

	repo := new(Repo)
	var originRepoID sql.NullString
	var path sql.NullString
	var baseCommitID sql.NullString
	row := seafileDB.QueryRowContext(ctx, query, id)
	if err := row.Scan(&repo.ID, &repo.HeadCommitID, &originRepoID, &path, &baseCommitID); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Errorf("failed to get repo %s: %v", id, err)
		}
		return nil
	}

	if originRepoID.Valid {
		repo.VirtualInfo = new(VRepoInfo)
		repo.VirtualInfo.RepoID = id
		repo.VirtualInfo.OriginRepoID = originRepoID.String
		repo.VirtualInfo.Path = path.String
		repo.VirtualInfo.BaseCommitID = baseCommitID.String
		repo.StoreID = originRepoID.String
	} else {
		repo.StoreID = repo.ID
	}

	commit, err := commitmgr.LoadAnyVersion(repo.ID, repo.HeadCommitID)
	if err != nil {
		log.Errorf("failed to load commit %s/%s : %v", repo.ID, repo.HeadCommitID, err)
		return nil
	}

	repo.Name = commit.RepoName
	repo.LastModifier = commit.CreatorName
	repo.LastModificationTime = commit.Ctime
	repo.RootID = commit.RootID
	repo.Version = commit.Version
	repo.IsEncrypted = commit.Encrypted == "true"

	return repo
}

// GetVirtualRepoInfo return virtual repo info by repo id.
func GetVirtualRepoInfo(repoID string) (*VRepoInfo, error) {
	sqlStr := "SELECT repo_id, origin_repo, path, base_commit FROM VirtualRepo WHERE repo_id = ?"
	vRepoInfo := new(VRepoInfo)

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	if err := seafileDB.GetContext(ctx, vRepoInfo, sqlStr, repoID); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, nil
	}
	return vRepoInfo, nil
}

// GetRepoOwner get the owner of repo. Org repos are looked up in OrgRepo.
func GetRepoOwner(repoID string) (string, error) {
	var owner string
	sqlStr := "SELECT owner_id FROM RepoOwner WHERE repo_id=?"

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	row := seafileDB.QueryRowContext(ctx, sqlStr, repoID)
	if err := row.Scan(&owner); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}
	if owner != "" {
		return owner, nil
	}

	sqlStr = "SELECT user FROM OrgRepo WHERE repo_id=?"
	row = seafileDB.QueryRowContext(ctx, sqlStr, repoID)
	if err := row.Scan(&owner); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}

	return owner, nil
}

// GetRepoOrgID returns the org owning the repo, or -1 for a personal repo.
func GetRepoOrgID(repoID string) (int, error) {
	var orgID int
	sqlStr := "SELECT org_id FROM OrgRepo WHERE repo_id=?"

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	row := seafileDB.QueryRowContext(ctx, sqlStr, repoID)
	if err := row.Scan(&orgID); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return -1, err
		}
		return -1, nil
	}
	return orgID, nil
}

// GetRepoStatus return repo status by repo id.
func GetRepoStatus(repoID string) (int, error) {
	var status int
	sqlStr := "SELECT status FROM RepoInfo WHERE repo_id=?"

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	row := seafileDB.QueryRowContext(ctx, sqlStr, repoID)
	if err := row.Scan(&status); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return status, err
		}
	}
	return status, nil
}

// SetRepoStatus sets the repo read-only/normal flag.
func SetRepoStatus(repoID string, status int) error {
	if status < 0 || status >= NRepoStatus {
		return fmt.Errorf("invalid repo status %d", status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	res, err := seafileDB.ExecContext(ctx, "UPDATE RepoInfo SET status=? WHERE repo_id=?", status, repoID)
	if err != nil {
		return fmt.Errorf("failed to set status of repo %s: %w", repoID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := seafileDB.ExecContext(ctx, "INSERT INTO RepoInfo (repo_id, status) VALUES (?, ?)", repoID, status); err != nil {
		return fmt.Errorf("failed to set status of repo %s: %w", repoID, err)
	}
	return nil
}

// GetStorageID returns the storage class of the repo, "" for the default storage.
func GetStorageID(repoID string) (string, error) {
	var storageID string
	sqlStr := "SELECT storage_id FROM RepoStorageId WHERE repo_id=?"

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	row := seafileDB.QueryRowContext(ctx, sqlStr, repoID)
	if err := row.Scan(&storageID); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}
	return storageID, nil
}

// SetStorageID points the repo to a storage class. An empty id removes the pointer.
func SetStorageID(repoID, storageID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()

	var err error
	if storageID == "" {
		_, err = seafileDB.ExecContext(ctx, "DELETE FROM RepoStorageId WHERE repo_id=?", repoID)
	} else {
		_, err = seafileDB.ExecContext(ctx, "REPLACE INTO RepoStorageId (repo_id, storage_id) VALUES (?, ?)", repoID, storageID)
	}
	if err != nil {
		return fmt.Errorf("failed to set storage id of repo %s: %w", repoID, err)
	}
	return nil
}

// StorageMapper returns a mapper for objstore.SetStorageMapper.
// Lookup failures map to the default storage.
func StorageMapper() func(repoID string) string {
	return func(repoID string) string {
		storageID, err := GetStorageID(repoID)
		if err != nil {
			log.Warnf("failed to get storage id of repo %s: %v", repoID, err)
			return ""
		}
		return storageID
	}
}

// InstallStorageMapper routes object reads of every store through RepoStorageId.
func InstallStorageMapper(stores ...*objstore.ObjectStore) {
	mapper := StorageMapper()
	for _, s := range stores {
		s.SetStorageMapper(mapper)
	}
}

// GetArchiveStatus returns the archive status of the repo, "" if none.
func GetArchiveStatus(repoID string) (string, error) {
	var status string
	sqlStr := "SELECT status FROM RepoArchiveStatus WHERE repo_id=?"

	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()
	row := seafileDB.QueryRowContext(ctx, sqlStr, repoID)
	if err := row.Scan(&status); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}
	return status, nil
}

// SetArchiveStatus sets the archive status. An empty status removes the row.
func SetArchiveStatus(repoID, status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), option.DBOpTimeout)
	defer cancel()

	var err error
	if status == ArchiveStatusNone {
		_, err = seafileDB.ExecContext(ctx, "DELETE FROM RepoArchiveStatus WHERE repo_id=?", repoID)
	} else {
		_, err = seafileDB.ExecContext(ctx, "REPLACE INTO RepoArchiveStatus (repo_id, status) VALUES (?, ?)", repoID, status)
	}
	if err != nil {
		return fmt.Errorf("failed to set archive status of repo %s: %w", repoID, err)
	}
	return nil
}
