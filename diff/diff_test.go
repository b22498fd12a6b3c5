package diff

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
	"testing"

	"github.com/haiwen/seafevents/fsmgr"
)

const (
	diffTestSeafileDataDir = "/tmp/seafevents-diff/seafile-data"
	diffTestRepoID         = "0d18a711-c988-4f7b-960c-211b34705ce3"
)

var (
	modeDir  = uint32(syscall.S_IFDIR | 0644)
	modeFile = uint32(syscall.S_IFREG | 0644)
)

func TestMain(m *testing.M) {
	fsmgr.Init(diffTestSeafileDataDir, 2<<30)
	code := m.Run()
	if err := os.RemoveAll("/tmp/seafevents-diff"); err != nil {
		fmt.Printf("failed to remove test file : %v", err)
	}
	os.Exit(code)
}

type treeNode struct {
	children map[string]*treeNode
	content  string
	isDir    bool
}

func fileID(content string) string {
	if content == "" {
		return EmptySha1
	}
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// buildTree saves a tree and returns its root id. files maps a path to its
// contents; dirs lists paths of empty dirs.
func buildTree(t *testing.T, files map[string]string, dirs ...string) string {
	t.Helper()
	root := &treeNode{children: map[string]*treeNode{}, isDir: true}
	add := func(p string, isDir bool, content string) {
		parts := strings.Split(strings.Trim(p, "/"), "/")
		node := root
		for i, part := range parts {
			child, ok := node.children[part]
			if !ok {
				child = &treeNode{children: map[string]*treeNode{}, isDir: true}
				node.children[part] = child
			}
			if i == len(parts)-1 && !isDir {
				child.isDir = false
				child.content = content
			}
			node = child
		}
	}
	for p, content := range files {
		add(p, false, content)
	}
	for _, p := range dirs {
		add(p, true, "")
	}

	var save func(node *treeNode) string
	save = func(node *treeNode) string {
		var entries []*fsmgr.SeafDirent
		for name, child := range node.children {
			if child.isDir {
				entries = append(entries, fsmgr.NewDirent(save(child), name, modeDir, 1, "", 0))
			} else {
				entries = append(entries, fsmgr.NewDirent(fileID(child.content), name, modeFile, 1, "alice", int64(len(child.content))))
			}
		}
		dir, err := fsmgr.NewSeafdir(1, entries)
		if err != nil {
			t.Fatalf("failed to create seafdir: %v", err)
		}
		if err := fsmgr.SaveSeafdir(diffTestRepoID, dir); err != nil {
			t.Fatalf("failed to save seafdir: %v", err)
		}
		return dir.DirID
	}
	return save(root)
}

func runDiff(t *testing.T, root1, root2 string, opts Options) *DiffResult {
	t.Helper()
	result, err := NewCommitDiffer(diffTestRepoID, 1, root1, root2, opts).Diff(context.Background())
	if err != nil {
		t.Fatalf("failed to diff: %v", err)
	}
	return result
}

func paths(entries []*DiffEntry) []string {
	var ret []string
	for _, de := range entries {
		if de.NewPath != "" {
			ret = append(ret, de.Path+"->"+de.NewPath)
		} else {
			ret = append(ret, de.Path)
		}
	}
	sort.Strings(ret)
	return ret
}

func assertPaths(t *testing.T, name string, entries []*DiffEntry, want ...string) {
	t.Helper()
	got := paths(entries)
	sort.Strings(want)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

func TestDiffAddDeleteModify(t *testing.T) {
	root1 := buildTree(t, map[string]string{"/a.txt": "a", "/b.txt": "b", "/c.txt": "c"})
	root2 := buildTree(t, map[string]string{"/a.txt": "a2", "/b.txt": "b", "/d.txt": "d"})

	result := runDiff(t, root1, root2, FullOptions)
	assertPaths(t, "added", result.AddedFiles, "/d.txt")
	assertPaths(t, "deleted", result.DeletedFiles, "/c.txt")
	assertPaths(t, "modified", result.ModifiedFiles, "/a.txt")
	if result.ModifiedFiles[0].ObjID != fileID("a2") || result.ModifiedFiles[0].Size != 2 {
		t.Errorf("modified entry should carry the new object: %+v", result.ModifiedFiles[0])
	}
	if result.AddedFiles[0].Modifier != "alice" {
		t.Errorf("entry should carry the modifier: %+v", result.AddedFiles[0])
	}

	result = runDiff(t, root1, root2, LightOptions)
	if len(result.ModifiedFiles) != 0 {
		t.Errorf("modify detection should be off: %v", paths(result.ModifiedFiles))
	}

	result = runDiff(t, root1, root1, FullOptions)
	if !result.IsEmpty() {
		t.Errorf("diff of a tree with itself should be empty")
	}
}

func TestDiffAddedDirs(t *testing.T) {
	root1 := buildTree(t, map[string]string{"/a.txt": "a"})
	root2 := buildTree(t, map[string]string{"/a.txt": "a", "/d/x.txt": "x", "/d/e/y.txt": "y"}, "/d/empty")

	result := runDiff(t, root1, root2, Options{})
	assertPaths(t, "added dirs", result.AddedDirs, "/d", "/d/e", "/d/empty")
	assertPaths(t, "added files", result.AddedFiles, "/d/x.txt", "/d/e/y.txt")

	result = runDiff(t, root1, root2, Options{FoldDirs: true})
	assertPaths(t, "folded dirs", result.AddedDirs, "/d")
	assertPaths(t, "folded files", result.AddedFiles)
}

func TestDiffDeletedDirNotExpanded(t *testing.T) {
	root1 := buildTree(t, map[string]string{"/a.txt": "a", "/d/x.txt": "x", "/d/y.txt": "y"})
	root2 := buildTree(t, map[string]string{"/a.txt": "a"})

	result := runDiff(t, root1, root2, FullOptions)
	assertPaths(t, "deleted dirs", result.DeletedDirs, "/d")
	assertPaths(t, "deleted files", result.DeletedFiles)
}

func TestDiffRenameAndMove(t *testing.T) {
	root1 := buildTree(t, map[string]string{"/old/file.txt": "content", "/a.md": "md", "/keep.txt": "k"})
	root2 := buildTree(t, map[string]string{"/new/file.txt": "content", "/b.md": "md", "/keep.txt": "k"})

	result := runDiff(t, root1, root2, FullOptions)
	assertPaths(t, "renamed files", result.RenamedFiles, "/a.md->/b.md")
	assertPaths(t, "renamed dirs", result.RenamedDirs, "/old->/new")
	assertPaths(t, "added files", result.AddedFiles)
	assertPaths(t, "deleted files", result.DeletedFiles)
	assertPaths(t, "added dirs", result.AddedDirs)
	assertPaths(t, "deleted dirs", result.DeletedDirs)

	root3 := buildTree(t, map[string]string{"/x/file.txt": "content", "/x/sub/keep.txt": "k"}, "/y")
	root4 := buildTree(t, map[string]string{"/x/sub/keep.txt": "k", "/y/file.txt": "content"})
	result = runDiff(t, root3, root4, FullOptions)
	assertPaths(t, "moved files", result.MovedFiles, "/x/file.txt->/y/file.txt")
	if len(result.ModifiedFiles) != 0 || len(result.RenamedFiles) != 0 {
		t.Errorf("unexpected entries: %+v", result)
	}

	result = runDiff(t, root1, root2, Options{DetectModify: true})
	if result.HasRenames() {
		t.Errorf("rename detection should be off")
	}
}

func TestDiffEmptyFilesNotPaired(t *testing.T) {
	root1 := buildTree(t, map[string]string{"/e1": "", "/z.txt": "z", "/a.txt": "a"})
	root2 := buildTree(t, map[string]string{"/e2": ""})

	result := runDiff(t, root1, root2, FullOptions)
	assertPaths(t, "added", result.AddedFiles, "/e2")
	if len(result.RenamedFiles) != 0 {
		t.Errorf("empty files must not be paired: %v", paths(result.RenamedFiles))
	}
	// Unpaired deleted entries keep walk order, which is descending by name.
	var got []string
	for _, de := range result.DeletedFiles {
		got = append(got, de.Path)
	}
	if fmt.Sprint(got) != fmt.Sprint([]string{"/z.txt", "/e1", "/a.txt"}) {
		t.Errorf("deleted files out of order: %v", got)
	}
}

func TestDiffPartition(t *testing.T) {
	root1 := buildTree(t, map[string]string{
		"/docs/a.md":      "a",
		"/docs/b.md":      "b",
		"/docs/sub/c.md":  "c",
		"/pics/p1.png":    "p1",
		"/pics/p2.png":    "p2",
		"/tmp/gone.txt":   "gone",
		"/mod.txt":        "v1",
		"/rename-me.txt":  "rn",
		"/unchanged.txt":  "same",
		"/olddir/f.txt":   "olddir",
		"/olddir/g/h.txt": "h",
	}, "/emptydir")
	root2 := buildTree(t, map[string]string{
		"/docs/a.md":      "a",
		"/docs/b2.md":     "b",
		"/archive/c.md":   "c",
		"/pics/p1.png":    "p1",
		"/pics/new.png":   "new",
		"/mod.txt":        "v2",
		"/renamed.txt":    "rn",
		"/unchanged.txt":  "same",
		"/newdir/f.txt":   "olddir",
		"/newdir/g/h.txt": "h",
		"/added/x/y.txt":  "y",
	}, "/emptydir", "/docs/sub")

	result := runDiff(t, root1, root2, FullOptions)

	seen := make(map[string]string)
	categories := map[string][]*DiffEntry{
		"added_files":    result.AddedFiles,
		"deleted_files":  result.DeletedFiles,
		"added_dirs":     result.AddedDirs,
		"deleted_dirs":   result.DeletedDirs,
		"modified_files": result.ModifiedFiles,
		"renamed_files":  result.RenamedFiles,
		"moved_files":    result.MovedFiles,
		"renamed_dirs":   result.RenamedDirs,
		"moved_dirs":     result.MovedDirs,
	}
	for name, entries := range categories {
		for _, de := range entries {
			for _, p := range []string{de.Path, de.NewPath} {
				if p == "" {
					continue
				}
				if other, ok := seen[p]; ok {
					t.Errorf("%s is in both %s and %s", p, other, name)
				}
				seen[p] = name
			}
			isRename := strings.HasPrefix(name, "renamed") || strings.HasPrefix(name, "moved")
			if isRename != (de.NewPath != "") {
				t.Errorf("new path of %s in %s: %q", de.Path, name, de.NewPath)
			}
		}
	}

	assertPaths(t, "renamed files", result.RenamedFiles, "/docs/b.md->/docs/b2.md", "/rename-me.txt->/renamed.txt")
	assertPaths(t, "moved files", result.MovedFiles, "/docs/sub/c.md->/archive/c.md")
	assertPaths(t, "renamed dirs", result.RenamedDirs, "/olddir->/newdir")
	assertPaths(t, "modified", result.ModifiedFiles, "/mod.txt")
	assertPaths(t, "added files", result.AddedFiles, "/pics/new.png", "/added/x/y.txt")
	assertPaths(t, "deleted files", result.DeletedFiles, "/pics/p2.png")
	assertPaths(t, "added dirs", result.AddedDirs, "/archive", "/added", "/added/x")
	assertPaths(t, "deleted dirs", result.DeletedDirs, "/tmp")
}

func TestDiffTreesCallbacks(t *testing.T) {
	root1 := buildTree(t, map[string]string{"/file": "f"})
	root2 := buildTree(t, map[string]string{"/dir/file": "f"})

	var files, dirs []string
	opt := &DiffOptions{
		FileCB: func(ctx context.Context, baseDir string, dents []*fsmgr.SeafDirent, data interface{}) error {
			for _, dent := range dents {
				if dent != nil {
					files = append(files, baseDir+dent.Name)
				}
			}
			return nil
		},
		DirCB: func(ctx context.Context, baseDir string, dents []*fsmgr.SeafDirent, data interface{}, recurse *bool) error {
			for _, dent := range dents {
				if dent != nil {
					dirs = append(dirs, baseDir+dent.Name)
				}
			}
			*recurse = true
			return nil
		},
		RepoID: diffTestRepoID,
	}
	if err := DiffTrees([]string{root1, root2}, opt); err != nil {
		t.Fatalf("failed to diff trees: %v", err)
	}
	if fmt.Sprint(files) != "[/file /dir/file]" || fmt.Sprint(dirs) != "[/dir]" {
		t.Errorf("unexpected callbacks: files %v dirs %v", files, dirs)
	}

	if err := DiffTrees([]string{root1}, opt); err == nil {
		t.Errorf("expected error for one tree")
	}
}
