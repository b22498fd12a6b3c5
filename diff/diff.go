// Package diff compares two fs trees.
package diff

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/haiwen/seafevents/fsmgr"
	"github.com/haiwen/seafevents/objstore"
)

// Empty value of sha1
const (
	EmptySha1 = "0000000000000000000000000000000000000000"
)

type fileCB func(context.Context, string, []*fsmgr.SeafDirent, interface{}) error
type dirCB func(context.Context, string, []*fsmgr.SeafDirent, interface{}, *bool) error

// DiffOptions drives DiffTrees.
type DiffOptions struct {
	FileCB fileCB
	DirCB  dirCB
	RepoID string
	Ctx    context.Context
	Data   interface{}
}

// DiffTrees walks two or three trees in parallel and calls the callbacks for
// every entry that differs. Paths passed to callbacks start with "/".
func DiffTrees(roots []string, opt *DiffOptions) error {
	n := len(roots)
	if n != 2 && n != 3 {
		err := fmt.Errorf("the number of commit trees is illegal")
		return err
	}
	if opt.Ctx == nil {
		opt.Ctx = context.Background()
	}
	trees := make([]*fsmgr.SeafDir, n)
	for i := 0; i < n; i++ {
		root, err := fsmgr.GetSeafdir(opt.RepoID, roots[i])
		if err != nil {
			return fmt.Errorf("failed to find dir %s:%s: %w", opt.RepoID, roots[i], err)
		}
		trees[i] = root
	}

	return diffTreesRecursive(trees, "/", opt)
}

func diffTreesRecursive(trees []*fsmgr.SeafDir, baseDir string, opt *DiffOptions) error {
	if err := opt.Ctx.Err(); err != nil {
		return err
	}
	n := len(trees)
	ptrs := make([][]*fsmgr.SeafDirent, 3)

	for i := 0; i < n; i++ {
		if trees[i] != nil {
			ptrs[i] = trees[i].Entries
		} else {
			ptrs[i] = nil
		}
	}

	var firstName string
	var done bool
	var offset = make([]int, n)
	for {
		dents := make([]*fsmgr.SeafDirent, n)
		firstName = ""
		done = true
		for i := 0; i < n; i++ {
			if len(ptrs[i]) > offset[i] {
				done = false
				dent := ptrs[i][offset[i]]

				if firstName == "" {
					firstName = dent.Name
				} else if strings.Compare(dent.Name, firstName) > 0 {
					firstName = dent.Name
				}
			}

		}
		if done {
			break
		}

		for i := 0; i < n; i++ {
			if len(ptrs[i]) > offset[i] {
				dent := ptrs[i][offset[i]]
				if firstName == dent.Name {
					dents[i] = dent
					offset[i]++
				}

			}
		}

		if n == 2 && dents[0] != nil && dents[1] != nil &&
			direntSame(dents[0], dents[1]) {
			continue
		}
		if n == 3 && dents[0] != nil && dents[1] != nil &&
			dents[2] != nil && direntSame(dents[0], dents[1]) &&
			direntSame(dents[0], dents[2]) {
			continue
		}

		if err := diffFiles(baseDir, dents, opt); err != nil {
			return err
		}
		if err := diffDirectories(baseDir, dents, opt); err != nil {
			return err
		}
	}
	return nil
}

func diffFiles(baseDir string, dents []*fsmgr.SeafDirent, opt *DiffOptions) error {
	n := len(dents)
	var nFiles int
	files := make([]*fsmgr.SeafDirent, n)
	for i := 0; i < n; i++ {
		if dents[i] != nil && !fsmgr.IsDir(dents[i].Mode) {
			files[i] = dents[i]
			nFiles++
		}
	}

	if nFiles == 0 {
		return nil
	}

	return opt.FileCB(opt.Ctx, baseDir, files, opt.Data)
}

func diffDirectories(baseDir string, dents []*fsmgr.SeafDirent, opt *DiffOptions) error {
	n := len(dents)
	dirs := make([]*fsmgr.SeafDirent, n)
	subDirs := make([]*fsmgr.SeafDir, n)
	var nDirs int
	for i := 0; i < n; i++ {
		if dents[i] != nil && fsmgr.IsDir(dents[i].Mode) {
			dirs[i] = dents[i]
			nDirs++
		}
	}
	if nDirs == 0 {
		return nil
	}

	recurse := true
	err := opt.DirCB(opt.Ctx, baseDir, dirs, opt.Data, &recurse)
	if err != nil {
		return fmt.Errorf("failed to call dir callback: %w", err)
	}

	if !recurse {
		return nil
	}

	var dirName string
	for i := 0; i < n; i++ {
		if dirs[i] != nil {
			dir, err := fsmgr.GetSeafdir(opt.RepoID, dirs[i].ID)
			if err != nil {
				return fmt.Errorf("failed to find dir %s:%s: %w", opt.RepoID, dirs[i].ID, err)
			}
			subDirs[i] = dir
			dirName = dirs[i].Name
		}
	}

	newBaseDir := baseDir + dirName + "/"
	return diffTreesRecursive(subDirs, newBaseDir, opt)
}

func direntSame(dentA, dentB *fsmgr.SeafDirent) bool {
	return dentA.ID == dentB.ID &&
		dentA.Mode == dentB.Mode &&
		dentA.Mtime == dentB.Mtime
}

// DiffEntry is one change between two trees.
// NewPath is only set for renamed and moved entries.
type DiffEntry struct {
	Path     string
	NewPath  string
	ObjID    string
	Size     int64
	Modifier string
	Mtime    int64
	IsDir    bool
}

// DiffResult holds the changes by category. Every changed path is in exactly one category.
type DiffResult struct {
	AddedFiles    []*DiffEntry
	DeletedFiles  []*DiffEntry
	AddedDirs     []*DiffEntry
	DeletedDirs   []*DiffEntry
	ModifiedFiles []*DiffEntry
	RenamedFiles  []*DiffEntry
	MovedFiles    []*DiffEntry
	RenamedDirs   []*DiffEntry
	MovedDirs     []*DiffEntry
}

// IsEmpty reports whether no category has entries.
func (r *DiffResult) IsEmpty() bool {
	return len(r.AddedFiles) == 0 && len(r.DeletedFiles) == 0 &&
		len(r.AddedDirs) == 0 && len(r.DeletedDirs) == 0 &&
		len(r.ModifiedFiles) == 0 && !r.HasRenames()
}

// HasRenames reports whether any rename or move was detected.
func (r *DiffResult) HasRenames() bool {
	return len(r.RenamedFiles) > 0 || len(r.MovedFiles) > 0 ||
		len(r.RenamedDirs) > 0 || len(r.MovedDirs) > 0
}

// Options selects how much work the differ does.
type Options struct {
	// FoldDirs reports an added dir as one entry instead of expanding its contents.
	FoldDirs bool
	// DetectRename pairs deleted and added entries with the same object id.
	DetectRename bool
	// DetectModify reports files whose content changed.
	DetectModify bool
}

// FullOptions compares content and detects renames.
var FullOptions = Options{DetectRename: true, DetectModify: true}

// LightOptions is used for bulk deletions.
var LightOptions = Options{FoldDirs: true}

// CommitDiffer computes a DiffResult between two root dirs of a repo.
type CommitDiffer struct {
	storeID string
	root1   string
	root2   string
	opts    Options
}

// NewCommitDiffer creates a differ from root1 (old) to root2 (new).
func NewCommitDiffer(repoID string, version int, root1, root2 string, opts Options) *CommitDiffer {
	d := new(CommitDiffer)
	d.storeID = objstore.StoreID(repoID, version)
	d.root1 = root1
	d.root2 = root2
	d.opts = opts
	return d
}

type differData struct {
	opts   Options
	result *DiffResult
}

// Diff walks both trees and classifies every change.
func (d *CommitDiffer) Diff(ctx context.Context) (*DiffResult, error) {
	result := new(DiffResult)
	if d.root1 == d.root2 {
		return result, nil
	}

	opt := new(DiffOptions)
	opt.RepoID = d.storeID
	opt.Ctx = ctx
	opt.FileCB = twowayDiffFiles
	opt.DirCB = twowayDiffDirs
	opt.Data = &differData{d.opts, result}

	if err := DiffTrees([]string{d.root1, d.root2}, opt); err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}

	if d.opts.DetectRename {
		resolveRenames(result)
	}

	return result, nil
}

func newEntry(dent *fsmgr.SeafDirent, baseDir string, isDir bool) *DiffEntry {
	de := new(DiffEntry)
	de.Path = norm.NFC.String(filepath.Join(baseDir, dent.Name))
	de.ObjID = dent.ID
	de.Size = dent.Size
	de.Modifier = dent.Modifier
	de.Mtime = dent.Mtime
	de.IsDir = isDir
	if isDir {
		de.Size = 0
	}
	return de
}

func twowayDiffFiles(ctx context.Context, baseDir string, dents []*fsmgr.SeafDirent, optData interface{}) error {
	p1 := dents[0]
	p2 := dents[1]
	data, ok := optData.(*differData)
	if !ok {
		return fmt.Errorf("failed to assert diff data")
	}
	result := data.result

	if p1 == nil {
		result.AddedFiles = append(result.AddedFiles, newEntry(p2, baseDir, false))
		return nil
	}

	if p2 == nil {
		result.DeletedFiles = append(result.DeletedFiles, newEntry(p1, baseDir, false))
		return nil
	}

	if p1.ID != p2.ID && data.opts.DetectModify {
		result.ModifiedFiles = append(result.ModifiedFiles, newEntry(p2, baseDir, false))
	}

	return nil
}

func twowayDiffDirs(ctx context.Context, baseDir string, dents []*fsmgr.SeafDirent, optData interface{}, recurse *bool) error {
	p1 := dents[0]
	p2 := dents[1]
	data, ok := optData.(*differData)
	if !ok {
		return fmt.Errorf("failed to assert diff data")
	}
	result := data.result

	if p1 == nil {
		result.AddedDirs = append(result.AddedDirs, newEntry(p2, baseDir, true))
		*recurse = !data.opts.FoldDirs && p2.ID != EmptySha1
		return nil
	}

	if p2 == nil {
		result.DeletedDirs = append(result.DeletedDirs, newEntry(p1, baseDir, true))
		*recurse = false
		return nil
	}

	*recurse = p1.ID != p2.ID
	return nil
}

func parentDir(p string) string {
	return filepath.Dir(p)
}

// pairByID pairs added entries with deleted entries of the same object id.
// Empty objects are never paired. Unpaired deleted entries keep their order.
func pairByID(added, deleted []*DiffEntry) (restAdded, restDeleted, renamed, moved []*DiffEntry) {
	deletedByID := make(map[string][]int)
	for i, de := range deleted {
		if de.ObjID == EmptySha1 {
			continue
		}
		deletedByID[de.ObjID] = append(deletedByID[de.ObjID], i)
	}

	used := make([]bool, len(deleted))
	for _, add := range added {
		idxs := deletedByID[add.ObjID]
		if add.ObjID == EmptySha1 || len(idxs) == 0 {
			restAdded = append(restAdded, add)
			continue
		}
		i := idxs[0]
		deletedByID[add.ObjID] = idxs[1:]
		used[i] = true

		del := deleted[i]
		de := *add
		de.Path = del.Path
		de.NewPath = add.Path
		if parentDir(del.Path) == parentDir(add.Path) {
			renamed = append(renamed, &de)
		} else {
			moved = append(moved, &de)
		}
	}

	for i, de := range deleted {
		if !used[i] {
			restDeleted = append(restDeleted, de)
		}
	}
	return
}

func isUnder(p string, dirs []*DiffEntry) bool {
	for _, dir := range dirs {
		if strings.HasPrefix(p, dir.NewPath+"/") {
			return true
		}
	}
	return false
}

// resolveRenames turns matching delete/add pairs into renames and moves.
// Dirs are paired first; entries expanded below a renamed or moved dir are dropped
// since the dir entry already covers them.
func resolveRenames(result *DiffResult) {
	var renamedDirs, movedDirs []*DiffEntry
	result.AddedDirs, result.DeletedDirs, renamedDirs, movedDirs = pairByID(result.AddedDirs, result.DeletedDirs)
	result.RenamedDirs = append(result.RenamedDirs, renamedDirs...)
	result.MovedDirs = append(result.MovedDirs, movedDirs...)

	pairedDirs := append(append([]*DiffEntry{}, renamedDirs...), movedDirs...)
	if len(pairedDirs) > 0 {
		var addedDirs, addedFiles []*DiffEntry
		for _, de := range result.AddedDirs {
			if !isUnder(de.Path, pairedDirs) {
				addedDirs = append(addedDirs, de)
			}
		}
		for _, de := range result.AddedFiles {
			if !isUnder(de.Path, pairedDirs) {
				addedFiles = append(addedFiles, de)
			}
		}
		result.AddedDirs = addedDirs
		result.AddedFiles = addedFiles
	}

	var renamedFiles, movedFiles []*DiffEntry
	result.AddedFiles, result.DeletedFiles, renamedFiles, movedFiles = pairByID(result.AddedFiles, result.DeletedFiles)
	result.RenamedFiles = append(result.RenamedFiles, renamedFiles...)
	result.MovedFiles = append(result.MovedFiles, movedFiles...)
}
