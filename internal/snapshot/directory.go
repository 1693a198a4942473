package snapshot

import (
	"path"
	"strings"

	"github.com/jra3/rbxsync/internal/variant"
)

// DirectoryMiddleware represents a plain Folder-backed directory: every
// other entry in the directory becomes a child snapshot.
type DirectoryMiddleware struct{}

func (DirectoryMiddleware) Kind() string { return "directory" }

func (DirectoryMiddleware) Matches(p string, siblings []DirEntry, ctx *Context) bool {
	return true
}

func (DirectoryMiddleware) Snapshot(p string, vfs VFSReader, ctx *Context) (*Snapshot, error) {
	entries, err := vfs.ReadDir(p)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		ClassName:  "Folder",
		Name:       StripDedupSuffix(path.Base(p)),
		Properties: map[string]variant.Variant{},
		SourcePath: p,
	}

	var meta *MetaFile
	for _, e := range entries {
		if !e.IsDir && e.Name == "init.meta.yaml" {
			data, err := vfs.ReadFile(path.Join(p, e.Name))
			if err == nil {
				if m, perr := ParseMetaFile(data); perr == nil {
					meta = m
				}
			}
		}
	}
	applyMetaToSnapshot(s, meta)

	registry := NewRegistry()
	for _, e := range entries {
		if isMetaFile(e.Name) || isGitkeep(e.Name) {
			continue
		}
		if ignored(e.Name, ctx) {
			continue
		}
		childPath := path.Join(p, e.Name)
		mw := registry.Dispatch(childPath, vfs, ctx)
		if mw == nil {
			continue
		}
		child, err := mw.Snapshot(childPath, vfs, ctx)
		if err != nil || child == nil {
			continue
		}
		s.Children = append(s.Children, child)
	}

	return s, nil
}

func (d DirectoryMiddleware) Syncback(inst SourceNode, name string, ctx *Context) (FsSnapshot, error) {
	var out FsSnapshot
	out.AddedDirectories = append(out.AddedDirectories, name)

	if meta := buildMetaFile(inst, nil); meta != nil {
		data, err := RenderMetaFile(meta)
		if err != nil {
			return out, err
		}
		out.AddedFiles = append(out.AddedFiles, FileAdd{Path: path.Join(name, "init.meta.yaml"), Data: data})
	}

	children := inst.Children()
	if len(children) == 0 {
		out.AddedFiles = append(out.AddedFiles, FileAdd{Path: path.Join(name, ".gitkeep")})
		return out, nil
	}

	taken := make(map[string]bool)
	registry := NewRegistry()
	for _, child := range children {
		childMw := SelectSyncbackMiddleware(registry, child)
		slug := Slugify(child.Name())
		deduped := Dedup(slug, taken)
		taken[deduped] = true

		childOut, err := childMw.Syncback(child, path.Join(name, deduped), ctx)
		if err != nil {
			return out, err
		}
		out.Merge(childOut)
	}

	return out, nil
}

func isGitkeep(name string) bool { return name == ".gitkeep" }

// isMetaFile reports whether name is a meta sidecar (init-form or adjacent
// form). Meta files are consumed by the file or directory they pair with,
// never snapshotted as children in their own right.
func isMetaFile(name string) bool {
	return strings.HasSuffix(name, ".meta.yaml")
}

func ignored(name string, ctx *Context) bool {
	if ctx == nil {
		return false
	}
	for _, g := range ctx.IgnoreGlobs {
		if ok, _ := path.Match(g, name); ok {
			return true
		}
	}
	return false
}
