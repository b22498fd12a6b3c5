package pathrewrite

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path"

	"github.com/jmoiron/sqlx"

	"github.com/haiwen/seafevents/db"
	"github.com/haiwen/seafevents/option"
)

// LinkRewriter rewrites share link and upload link rows. Dir links may be
// stored with a trailing slash, which is kept.
type LinkRewriter struct {
	db    *sqlx.DB
	table string
}

// NewShareLinkRewriter rewrites share_fileshare.
func NewShareLinkRewriter(d *sqlx.DB) *LinkRewriter {
	return &LinkRewriter{db: d, table: "share_fileshare"}
}

// NewUploadLinkRewriter rewrites share_uploadlinkshare.
func NewUploadLinkRewriter(d *sqlx.DB) *LinkRewriter {
	return &LinkRewriter{db: d, table: "share_uploadlinkshare"}
}

func (r *LinkRewriter) Name() string {
	return r.table
}

type linkRow struct {
	ID   int64  `db:"id"`
	Path string `db:"path"`
}

func (r *LinkRewriter) Rewrite(ctx context.Context, req Request) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var rows []linkRow
	query := fmt.Sprintf("SELECT id, path FROM %s WHERE repo_id=? AND (path=? OR path=? OR path LIKE ? %s)", r.table, db.LikeEscape)
	if err := tx.SelectContext(ctx, &rows, query, req.SourceRepo(), req.OldPath, req.OldPath+"/", db.EscapeLike(req.OldPath)+"/%"); err != nil {
		return 0, fmt.Errorf("failed to query %s: %w", r.table, err)
	}

	var n int64
	update := fmt.Sprintf("UPDATE %s SET repo_id=?, path=? WHERE id=?", r.table)
	for _, row := range rows {
		newPath, ok := rewriteLinkPath(req, row.Path)
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, update, req.RepoID, newPath, row.ID); err != nil {
			return 0, fmt.Errorf("failed to update %s row %d: %w", r.table, row.ID, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func rewriteLinkPath(req Request, p string) (string, bool) {
	if req.IsDir && p == req.OldPath+"/" {
		return req.NewPath + "/", true
	}
	if !req.IsDir && p != req.OldPath {
		return "", false
	}
	return req.Rewrite(p)
}

// TagMapRewriter rewrites tags_fileuuidmap, keyed by md5(repo_id + parent_path) and filename.
type TagMapRewriter struct {
	db *sqlx.DB
}

// NewTagMapRewriter creates a rewriter on the seahub database.
func NewTagMapRewriter(d *sqlx.DB) *TagMapRewriter {
	return &TagMapRewriter{db: d}
}

func (r *TagMapRewriter) Name() string {
	return "tags_fileuuidmap"
}

// ParentPathMD5 returns the key of the files of a dir.
func ParentPathMD5(repoID, parentPath string) string {
	sum := md5.Sum([]byte(repoID + parentPath))
	return hex.EncodeToString(sum[:])
}

type uuidRow struct {
	UUID       string `db:"uuid"`
	ParentPath string `db:"parent_path"`
	Filename   string `db:"filename"`
}

func (r *TagMapRewriter) Rewrite(ctx context.Context, req Request) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, option.DBOpTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	srcRepo := req.SourceRepo()
	oldParent, oldName := path.Dir(req.OldPath), path.Base(req.OldPath)
	newParent, newName := path.Dir(req.NewPath), path.Base(req.NewPath)
	update := "UPDATE tags_fileuuidmap SET repo_id=?, repo_id_parent_path_md5=?, parent_path=?, filename=? WHERE uuid=?"

	var n int64
	var own []uuidRow
	if err := tx.SelectContext(ctx, &own, "SELECT uuid, parent_path, filename FROM tags_fileuuidmap "+
		"WHERE repo_id_parent_path_md5=? AND filename=?", ParentPathMD5(srcRepo, oldParent), oldName); err != nil {
		return 0, fmt.Errorf("failed to query tags_fileuuidmap: %w", err)
	}
	for _, row := range own {
		if _, err := tx.ExecContext(ctx, update, req.RepoID, ParentPathMD5(req.RepoID, newParent), newParent, newName, row.UUID); err != nil {
			return 0, fmt.Errorf("failed to update uuid %s: %w", row.UUID, err)
		}
		n++
	}

	if req.IsDir {
		var children []uuidRow
		if err := tx.SelectContext(ctx, &children, "SELECT uuid, parent_path, filename FROM tags_fileuuidmap "+
			"WHERE repo_id=? AND (parent_path=? OR parent_path LIKE ? "+db.LikeEscape+")",
			srcRepo, req.OldPath, db.EscapeLike(req.OldPath)+"/%"); err != nil {
			return 0, fmt.Errorf("failed to query tags_fileuuidmap: %w", err)
		}
		for _, row := range children {
			parent, ok := req.Rewrite(row.ParentPath)
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, update, req.RepoID, ParentPathMD5(req.RepoID, parent), parent, row.Filename, row.UUID); err != nil {
				return 0, fmt.Errorf("failed to update uuid %s: %w", row.UUID, err)
			}
			n++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}
