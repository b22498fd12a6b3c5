package events

import (
	"strings"

	"github.com/haiwen/seafevents/diff"
)

// Internal dirs never shown to users.
var excludedPaths = []string{
	"/_Internal",
	"/images/sdoc",
	"/images/auto-upload",
	"/.seafile-thumbnails",
}

func isExcluded(p string) bool {
	for _, e := range excludedPaths {
		if p == e || strings.HasPrefix(p, e+"/") {
			return true
		}
	}
	return false
}

func keepEntries(entries []*diff.DiffEntry) []*diff.DiffEntry {
	var ret []*diff.DiffEntry
	for _, e := range entries {
		if !isExcluded(e.Path) {
			ret = append(ret, e)
		}
	}
	return ret
}

// filterExcluded drops changes under internal dirs. A rename out of an internal
// dir becomes an add at the new path, and a rename into one becomes a delete.
func filterExcluded(r *diff.DiffResult) *diff.DiffResult {
	out := new(diff.DiffResult)
	out.AddedFiles = keepEntries(r.AddedFiles)
	out.DeletedFiles = keepEntries(r.DeletedFiles)
	out.AddedDirs = keepEntries(r.AddedDirs)
	out.DeletedDirs = keepEntries(r.DeletedDirs)
	out.ModifiedFiles = keepEntries(r.ModifiedFiles)

	split := func(entries []*diff.DiffEntry, isDir bool) []*diff.DiffEntry {
		var kept []*diff.DiffEntry
		for _, e := range entries {
			oldOut := isExcluded(e.Path)
			newOut := isExcluded(e.NewPath)
			switch {
			case oldOut && newOut:
			case oldOut:
				added := *e
				added.Path = e.NewPath
				added.NewPath = ""
				if isDir {
					out.AddedDirs = append(out.AddedDirs, &added)
				} else {
					out.AddedFiles = append(out.AddedFiles, &added)
				}
			case newOut:
				deleted := *e
				deleted.NewPath = ""
				if isDir {
					out.DeletedDirs = append(out.DeletedDirs, &deleted)
				} else {
					out.DeletedFiles = append(out.DeletedFiles, &deleted)
				}
			default:
				kept = append(kept, e)
			}
		}
		return kept
	}
	out.RenamedFiles = split(r.RenamedFiles, false)
	out.MovedFiles = split(r.MovedFiles, false)
	out.RenamedDirs = split(r.RenamedDirs, true)
	out.MovedDirs = split(r.MovedDirs, true)
	return out
}
