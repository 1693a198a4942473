package snapshot

import (
	"path"
	"strings"

	"github.com/jra3/rbxsync/internal/variant"
)

// ScriptMiddleware represents a Lua source file. It has two forms:
//
//   - file form: "Foo.server.luau" is a Script named "Foo" whose body is
//     the file contents, with an optional adjacent "Foo.meta.yaml".
//   - directory form: a directory containing "init.server.luau" (or the
//     client/module variants) is the script itself, named after the
//     directory, with its other entries as children and an optional
//     "init.meta.yaml".
//
// The run-context suffix (".server"/".client"/none) selects the class;
// a bare ".luau"/".lua" with no suffix is a ModuleScript.
type ScriptMiddleware struct{}

func (ScriptMiddleware) Kind() string { return "script" }

func (ScriptMiddleware) Matches(p string, siblings []DirEntry, ctx *Context) bool {
	if siblings != nil {
		return hasInitScript(siblings)
	}
	return isScriptFile(p)
}

func (ScriptMiddleware) Snapshot(p string, vfs VFSReader, ctx *Context) (*Snapshot, error) {
	entries, isDir := listIfDir(p, vfs)
	if isDir {
		return snapshotScriptDir(p, entries, vfs, ctx)
	}
	return snapshotScriptFile(p, vfs, ctx)
}

func snapshotScriptFile(p string, vfs VFSReader, ctx *Context) (*Snapshot, error) {
	data, err := vfs.ReadFile(p)
	if err != nil {
		return nil, err
	}
	base := path.Base(p)
	stem, class := scriptStemAndClass(base)

	s := &Snapshot{
		ClassName: class,
		Name:      StripDedupSuffix(stem),
		Properties: map[string]variant.Variant{
			"Source": variant.FromString(string(data)),
		},
		SourcePath: p,
	}

	metaPath := path.Join(path.Dir(p), stem+".meta.yaml")
	if mdata, err := vfs.ReadFile(metaPath); err == nil {
		if m, perr := ParseMetaFile(mdata); perr == nil {
			applyMetaToSnapshot(s, m)
		}
	}
	return s, nil
}

func snapshotScriptDir(p string, entries []DirEntry, vfs VFSReader, ctx *Context) (*Snapshot, error) {
	var initName string
	for _, e := range entries {
		if !e.IsDir && strings.HasPrefix(e.Name, "init.") && isScriptExt(path.Ext(e.Name)) {
			initName = e.Name
			break
		}
	}
	_, class := scriptStemAndClass(initName)

	data, err := vfs.ReadFile(path.Join(p, initName))
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		ClassName: class,
		Name:      StripDedupSuffix(path.Base(p)),
		Properties: map[string]variant.Variant{
			"Source": variant.FromString(string(data)),
		},
		SourcePath: p,
	}

	var meta *MetaFile
	for _, e := range entries {
		if !e.IsDir && e.Name == "init.meta.yaml" {
			if mdata, err := vfs.ReadFile(path.Join(p, e.Name)); err == nil {
				if m, perr := ParseMetaFile(mdata); perr == nil {
					meta = m
				}
			}
		}
	}
	applyMetaToSnapshot(s, meta)

	registry := NewRegistry()
	for _, e := range entries {
		if e.Name == initName || isMetaFile(e.Name) || isGitkeep(e.Name) || ignored(e.Name, ctx) {
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

func (ScriptMiddleware) Syncback(inst SourceNode, name string, ctx *Context) (FsSnapshot, error) {
	var out FsSnapshot
	suffix := runContextSuffix(inst.ClassName())
	source := ""
	if v, ok := inst.Properties()["Source"]; ok && v.Kind == variant.KindString {
		source = v.String
	}

	if len(inst.Children()) == 0 {
		fileName := name + suffix + "." + scriptExtFor()
		out.AddedFiles = append(out.AddedFiles, FileAdd{Path: fileName, Data: []byte(source)})
		if meta := buildMetaFile(inst, scriptMetaFilter); meta != nil {
			data, err := RenderMetaFile(meta)
			if err != nil {
				return out, err
			}
			out.AddedFiles = append(out.AddedFiles, FileAdd{Path: name + ".meta.yaml", Data: data})
		}
		return out, nil
	}

	out.AddedDirectories = append(out.AddedDirectories, name)
	initName := path.Join(name, "init"+suffix+"."+scriptExtFor())
	out.AddedFiles = append(out.AddedFiles, FileAdd{Path: initName, Data: []byte(source)})
	if meta := buildMetaFile(inst, scriptMetaFilter); meta != nil {
		data, err := RenderMetaFile(meta)
		if err != nil {
			return out, err
		}
		out.AddedFiles = append(out.AddedFiles, FileAdd{Path: path.Join(name, "init.meta.yaml"), Data: data})
	}

	taken := make(map[string]bool)
	registry := NewRegistry()
	for _, child := range inst.Children() {
		childMw := SelectSyncbackMiddleware(registry, child)
		slug := Dedup(Slugify(child.Name()), taken)
		taken[slug] = true
		childOut, err := childMw.Syncback(child, path.Join(name, slug), ctx)
		if err != nil {
			return out, err
		}
		out.Merge(childOut)
	}
	return out, nil
}

func scriptMetaFilter(className, prop string) bool {
	return prop != "Source"
}

// scriptStemAndClass splits "Foo.server.luau" into ("Foo", "Script") or
// "init.client.lua" into ("init", "LocalScript"), etc. A bare
// "Foo.luau"/"Foo.lua" is a ModuleScript.
func scriptStemAndClass(base string) (string, string) {
	stem := strings.TrimSuffix(strings.TrimSuffix(base, ".luau"), ".lua")
	switch {
	case strings.HasSuffix(stem, ".server"):
		return strings.TrimSuffix(stem, ".server"), "Script"
	case strings.HasSuffix(stem, ".client"):
		return strings.TrimSuffix(stem, ".client"), "LocalScript"
	default:
		return stem, "ModuleScript"
	}
}

func runContextSuffix(className string) string {
	switch className {
	case "Script":
		return ".server"
	case "LocalScript":
		return ".client"
	default:
		return ""
	}
}

func isScriptFile(p string) bool {
	ext := extOf(p)
	switch ext {
	case "lua", "luau", "server.lua", "client.lua", "server.luau", "client.luau":
		return true
	default:
		return false
	}
}
