// Package refindex implements the Ref Path Index: which files
// carry which `Rojo_Ref_*`/`Rojo_Target_*` attributes, so a rename can
// rewrite every affected reference without re-snapshotting the world.
package refindex

import (
	"strings"
	"sync"
)

// PathRefPrefix marks a path-based reference attribute; TargetRefPrefix
// marks the legacy specified-id reference, lower priority during
// resolution.
const (
	PathRefPrefix   = "Rojo_Ref_"
	TargetRefPrefix = "Rojo_Target_"
)

// Entry is one reference attribute found in a source file: the property
// it will rehydrate into, and the path (or specified id, for legacy
// Rojo_Target_*) it points at.
type Entry struct {
	Attribute  string
	TargetPath string
	Legacy     bool
}

// Index maps a source path to the reference attributes it currently
// carries. Owned and mutated only by the Change Processor.
type Index struct {
	mu     sync.RWMutex
	byPath map[string]map[Entry]bool
}

func New() *Index {
	return &Index{byPath: make(map[string]map[Entry]bool)}
}

// Set replaces the entries recorded for path (called whenever that path
// is (re)snapshotted).
func (ix *Index) Set(path string, entries []Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(entries) == 0 {
		delete(ix.byPath, path)
		return
	}
	set := make(map[Entry]bool, len(entries))
	for _, e := range entries {
		set[e] = true
	}
	ix.byPath[path] = set
}

// Remove drops all entries for path (the file was deleted).
func (ix *Index) Remove(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.byPath, path)
}

// Entries returns the reference entries recorded for path.
func (ix *Index) Entries(path string) []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	set := ix.byPath[path]
	out := make([]Entry, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	return out
}

// AffectedByRename returns every source path whose recorded entries
// reference something under oldPrefix (as a dotted-path prefix), paired
// with the rewritten entries they should carry after the rename.
func (ix *Index) AffectedByRename(oldPrefix, newPrefix string) map[string][]Entry {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	out := make(map[string][]Entry)
	for path, set := range ix.byPath {
		var rewritten []Entry
		changed := false
		for e := range set {
			if underPrefix(e.TargetPath, oldPrefix) {
				e.TargetPath = newPrefix + strings.TrimPrefix(e.TargetPath, oldPrefix)
				changed = true
			}
			rewritten = append(rewritten, e)
		}
		if changed {
			out[path] = rewritten
			newSet := make(map[Entry]bool, len(rewritten))
			for _, e := range rewritten {
				newSet[e] = true
			}
			ix.byPath[path] = newSet
		}
	}
	return out
}

// underPrefix reports whether target is prefix or a dotted descendant of
// prefix ("Workspace.Props" is a prefix of "Workspace.Props.Crate" but not
// of "Workspace.PropsShelf").
func underPrefix(target, prefix string) bool {
	if target == prefix {
		return true
	}
	return strings.HasPrefix(target, prefix+".")
}
