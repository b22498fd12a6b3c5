package metadata

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/diff"
	"github.com/haiwen/seafevents/pathrewrite"
)

var selectColumns = strings.Join([]string{
	ColumnID, ColumnParentDir, ColumnName, ColumnIsDir, ColumnModifier, ColumnMtime, ColumnObjID, ColumnSize,
}, "`, `")

var (
	entryQuery   = fmt.Sprintf("SELECT `%s` FROM `%s` WHERE `%s`=? AND `%s`=?", selectColumns, TableName, ColumnParentDir, ColumnName)
	childQuery   = fmt.Sprintf("SELECT `%s` FROM `%s` WHERE `%s`=?", selectColumns, TableName, ColumnParentDir)
	subtreeQuery = fmt.Sprintf("SELECT `%s` FROM `%s` WHERE `%s`=? OR `%s` LIKE ?", selectColumns, TableName, ColumnParentDir, ColumnParentDir)
)

// Sink applies repo diffs to the file table and moves rows on renames.
type Sink struct {
	client *Client
}

// NewSink creates a sink writing through client.
func NewSink(client *Client) *Sink {
	return &Sink{client: client}
}

func (s *Sink) Name() string {
	return "metadata server"
}

func splitPath(p string) (string, string) {
	return path.Dir(p), path.Base(p)
}

func newRow(e *diff.DiffEntry) Row {
	parent, name := splitPath(e.Path)
	row := Row{
		ColumnParentDir: parent,
		ColumnName:      name,
		ColumnIsDir:     e.IsDir,
		ColumnMtime:     time.Unix(e.Mtime, 0).UTC().Format(time.RFC3339),
	}
	if !e.IsDir {
		row[ColumnModifier] = e.Modifier
		row[ColumnObjID] = e.ObjID
		row[ColumnSize] = e.Size
	}
	return row
}

func (s *Sink) lookup(ctx context.Context, repoID, p string) ([]Row, error) {
	parent, name := splitPath(p)
	return s.client.Query(ctx, repoID, entryQuery, parent, name)
}

// subtree returns the row of dir and every row below it.
func (s *Sink) subtree(ctx context.Context, repoID, dir string) ([]Row, error) {
	rows, err := s.lookup(ctx, repoID, dir)
	if err != nil {
		return nil, err
	}
	children, err := s.client.Query(ctx, repoID, subtreeQuery, dir, dir+"/%")
	if err != nil {
		return nil, err
	}
	for _, row := range children {
		p := row.String(ColumnParentDir)
		// LIKE treats '_' and '%' in dir as wildcards.
		if p == dir || strings.HasPrefix(p, dir+"/") {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// ApplyDiff brings the file table of repoID in line with r.
func (s *Sink) ApplyDiff(ctx context.Context, repoID string, r *diff.DiffResult) error {
	if err := s.applyDeletions(ctx, repoID, r); err != nil {
		return err
	}

	for _, entries := range [][]*diff.DiffEntry{r.RenamedDirs, r.MovedDirs, r.RenamedFiles, r.MovedFiles} {
		for _, e := range entries {
			req := pathrewrite.Request{RepoID: repoID, OldPath: e.Path, NewPath: e.NewPath, IsDir: e.IsDir}
			if _, err := s.Rewrite(ctx, req); err != nil {
				return err
			}
		}
	}

	if err := s.applyAdditions(ctx, repoID, r); err != nil {
		return err
	}
	return s.applyModifications(ctx, repoID, r.ModifiedFiles)
}

func (s *Sink) applyDeletions(ctx context.Context, repoID string, r *diff.DiffResult) error {
	var ids []string
	for _, e := range r.DeletedFiles {
		rows, err := s.lookup(ctx, repoID, e.Path)
		if err != nil {
			return err
		}
		for _, row := range rows {
			ids = append(ids, row.ID())
		}
	}
	for _, e := range r.DeletedDirs {
		rows, err := s.subtree(ctx, repoID, e.Path)
		if err != nil {
			return err
		}
		for _, row := range rows {
			ids = append(ids, row.ID())
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return s.client.DeleteRows(ctx, repoID, ids)
}

// applyAdditions inserts the added entries missing from the table, so that
// replaying a diff doesn't duplicate rows.
func (s *Sink) applyAdditions(ctx context.Context, repoID string, r *diff.DiffResult) error {
	byParent := make(map[string][]*diff.DiffEntry)
	var parents []string
	for _, entries := range [][]*diff.DiffEntry{r.AddedDirs, r.AddedFiles} {
		for _, e := range entries {
			parent := path.Dir(e.Path)
			if _, ok := byParent[parent]; !ok {
				parents = append(parents, parent)
			}
			byParent[parent] = append(byParent[parent], e)
		}
	}

	var rows []Row
	for _, parent := range parents {
		existing, err := s.client.Query(ctx, repoID, childQuery, parent)
		if err != nil {
			return err
		}
		names := make(map[string]bool, len(existing))
		for _, row := range existing {
			names[row.String(ColumnName)] = true
		}
		for _, e := range byParent[parent] {
			if names[path.Base(e.Path)] {
				continue
			}
			rows = append(rows, newRow(e))
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return s.client.InsertRows(ctx, repoID, rows)
}

func (s *Sink) applyModifications(ctx context.Context, repoID string, entries []*diff.DiffEntry) error {
	var updates []Row
	for _, e := range entries {
		rows, err := s.lookup(ctx, repoID, e.Path)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			log.Debugf("No metadata row for modified file %s in repo %s", e.Path, repoID)
			continue
		}
		update := newRow(e)
		update[ColumnID] = rows[0].ID()
		updates = append(updates, update)
	}
	if len(updates) == 0 {
		return nil
	}
	return s.client.UpdateRows(ctx, repoID, updates)
}

// Rewrite implements pathrewrite.Rewriter. Rows moved from another repo are
// deleted there and inserted again under req.RepoID.
func (s *Sink) Rewrite(ctx context.Context, req pathrewrite.Request) (int64, error) {
	src := req.SourceRepo()
	var rows []Row
	var err error
	if req.IsDir {
		rows, err = s.subtree(ctx, src, req.OldPath)
	} else {
		rows, err = s.lookup(ctx, src, req.OldPath)
	}
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var moved []Row
	var ids []string
	newParent, newName := splitPath(req.NewPath)
	for _, row := range rows {
		parent := row.String(ColumnParentDir)
		update := Row{ColumnID: row.ID()}
		if path.Join(parent, row.String(ColumnName)) == req.OldPath {
			update[ColumnParentDir] = newParent
			update[ColumnName] = newName
		} else {
			p, ok := req.Rewrite(parent)
			if !ok {
				continue
			}
			update[ColumnParentDir] = p
		}
		if src != req.RepoID {
			full := make(Row, len(row))
			for k, v := range row {
				full[k] = v
			}
			for k, v := range update {
				full[k] = v
			}
			delete(full, ColumnID)
			update = full
		}
		ids = append(ids, row.ID())
		moved = append(moved, update)
	}

	if src == req.RepoID {
		err = s.client.UpdateRows(ctx, req.RepoID, moved)
	} else {
		if err = s.client.DeleteRows(ctx, src, ids); err == nil {
			err = s.client.InsertRows(ctx, req.RepoID, moved)
		}
	}
	if err != nil {
		return 0, err
	}
	return int64(len(moved)), nil
}
