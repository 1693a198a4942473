// Package snapshot implements the snapshot middleware dispatch: a closed
// set of file-kind codecs, each producing an InstanceSnapshot from bytes
// (forward sync) or emitting an FsSnapshot from a subtree (syncback),
// selected per-path by the dispatch rules below.
package snapshot

import (
	"path"
	"strings"

	"github.com/jra3/rbxsync/internal/variant"
)

// Snapshot is a free-standing subtree with snapshot-scoped temporary ids,
// used as diff input/output.
type Snapshot struct {
	// TempId is scoped to this snapshot only; it is never a live
	// InstanceId.
	TempId     string
	ClassName  string
	Name       string
	Properties map[string]variant.Variant
	Children   []*Snapshot

	// SourcePath is the filesystem path this node was produced from, used
	// by patch compute/apply to populate InstigatingSource.
	SourcePath string
	// SpecifiedId is the `id`/`$id` declared by a project or model file,
	// if any.
	SpecifiedId string
	// FromProject marks a node declared directly in a project file's
	// tree: created at startup, mutable only by project reload, never
	// written back.
	FromProject bool
}

// DirEntry is the minimal shape VFS directory listings need to expose.
type DirEntry struct {
	Name  string
	IsDir bool
}

// VFSReader is the read-only capability surface middlewares need. It is
// intentionally narrow: middlewares only ever read, so they never call
// suppress/write. Those live in the vfs package and are exercised by the
// change processor instead.
type VFSReader interface {
	ReadFile(path string) ([]byte, error)
	ReadDir(path string) ([]DirEntry, error)
	Exists(path string) bool
}

// Context carries ignore/sync/syncback rule state inherited down the
// tree, decoupled from the tree package to keep this package import-free
// of it.
type Context struct {
	IgnoreGlobs []string
	SyncRules   []SyncRule
}

// SyncRule is a single `use: <kind>` override keyed on a glob, with an
// optional extension suffix and exclude glob.
type SyncRule struct {
	Glob        string
	Extension   string
	Use         string
	ExcludeGlob string
}

// Middleware is the codec pair every file kind implements.
type Middleware interface {
	// Kind is the closed-set identifier used by sync rules' `use:` field
	// and by syncback's form-selection logic.
	Kind() string
	// Matches reports whether this middleware claims the given path,
	// given its directory listing (nil if path is not a directory).
	Matches(p string, siblings []DirEntry, ctx *Context) bool
	// Snapshot reads path (a file or directory) and returns the instance
	// subtree it represents, or nil if the path doesn't actually contain
	// one (e.g. an empty ignored directory).
	Snapshot(p string, vfs VFSReader, ctx *Context) (*Snapshot, error)
	// Syncback emits the files/directories representing inst under the
	// destination stem `name`.
	Syncback(inst SourceNode, name string, ctx *Context) (FsSnapshot, error)
}

// SourceNode is the read-only view syncback needs of a live tree node,
// decoupled from the tree package so snapshot<->tree stay a one-way
// dependency (tree/syncback depend on snapshot, not vice versa).
type SourceNode interface {
	Name() string
	ClassName() string
	Properties() map[string]variant.Variant
	Children() []SourceNode
}

// FsSnapshot is the set of file and directory adds/removes produced by
// syncback.
type FsSnapshot struct {
	AddedFiles       []FileAdd
	AddedDirectories []string
	RemovedFiles     []string
	RemovedDirs      []string
}

type FileAdd struct {
	Path string
	Data []byte
}

func (f *FsSnapshot) Merge(other FsSnapshot) {
	f.AddedFiles = append(f.AddedFiles, other.AddedFiles...)
	f.AddedDirectories = append(f.AddedDirectories, other.AddedDirectories...)
	f.RemovedFiles = append(f.RemovedFiles, other.RemovedFiles...)
	f.RemovedDirs = append(f.RemovedDirs, other.RemovedDirs...)
}

// Registry is the closed set of known middlewares, consulted in order by
// Dispatch.
type Registry struct {
	middlewares []Middleware
}

// NewRegistry builds the default, closed middleware set:
// directory, script, model file, project, csv, text, and the
// json/toml/yaml data module. Meta files have no middleware of their own;
// the file or directory they pair with reads them.
func NewRegistry() *Registry {
	return &Registry{
		middlewares: []Middleware{
			&ProjectMiddleware{},
			&ScriptMiddleware{},
			&DirectoryMiddleware{},
			&ModelFileMiddleware{},
			&CSVMiddleware{},
			&DataModuleMiddleware{},
			&TextMiddleware{},
		},
	}
}

// ByKind returns the middleware registered under the given kind, used to
// resolve sync-rule `use:` overrides.
func (r *Registry) ByKind(kind string) Middleware {
	for _, m := range r.middlewares {
		if m.Kind() == kind {
			return m
		}
	}
	return nil
}

// Dispatch selects the middleware for `p`: directory-with-init wins, then
// declared sync rules (innermost first), then default extension rules.
func (r *Registry) Dispatch(p string, vfs VFSReader, ctx *Context) Middleware {
	siblings, isDir := listIfDir(p, vfs)

	if isDir {
		if hasInitScript(siblings) {
			return r.ByKind("script")
		}
	}

	if rule := matchSyncRule(p, ctx); rule != nil {
		if m := r.ByKind(rule.Use); m != nil {
			return m
		}
	}

	if isDir {
		return r.ByKind("directory")
	}

	return r.byExtension(p)
}

func listIfDir(p string, vfs VFSReader) ([]DirEntry, bool) {
	entries, err := vfs.ReadDir(p)
	if err != nil {
		return nil, false
	}
	return entries, true
}

func hasInitScript(siblings []DirEntry) bool {
	for _, e := range siblings {
		if !e.IsDir && strings.HasPrefix(e.Name, "init.") && isScriptExt(path.Ext(e.Name)) {
			return true
		}
	}
	return false
}

func matchSyncRule(p string, ctx *Context) *SyncRule {
	if ctx == nil {
		return nil
	}
	// The innermost declared rule that matches and isn't excluded takes
	// priority; rules are stored closest-first by the caller that builds
	// Context, so the first match here is already the innermost.
	for i := range ctx.SyncRules {
		rule := &ctx.SyncRules[i]
		if globMatch(rule.Glob, p) {
			if rule.ExcludeGlob != "" && globMatch(rule.ExcludeGlob, p) {
				continue
			}
			return rule
		}
	}
	return nil
}

func (r *Registry) byExtension(p string) Middleware {
	ext := extOf(p)
	switch ext {
	case "csv":
		return r.ByKind("csv")
	case "json", "toml", "yaml", "yml":
		return r.ByKind("datamodule")
	case "model.json", "model.xml":
		return r.ByKind("modelfile")
	case "project.json":
		return r.ByKind("project")
	case "lua", "luau", "server.lua", "client.lua", "server.luau", "client.luau":
		return r.ByKind("script")
	default:
		return r.ByKind("text")
	}
}

// extOf returns the compound-aware extension: the model/project compound
// suffixes and the script run-context suffixes are matched whole first
// ("Foo.server.luau" -> "server.luau"); any other path yields its last
// extension ("Foo.luau" -> "luau").
func extOf(p string) string {
	base := path.Base(p)
	if strings.HasSuffix(base, ".model.json") {
		return "model.json"
	}
	if strings.HasSuffix(base, ".model.xml") {
		return "model.xml"
	}
	if strings.HasSuffix(base, ".project.json") {
		return "project.json"
	}
	for _, suf := range []string{"server.lua", "client.lua", "server.luau", "client.luau"} {
		if strings.HasSuffix(base, "."+suf) {
			return suf
		}
	}
	ext := strings.TrimPrefix(path.Ext(base), ".")
	return ext
}

func isScriptExt(ext string) bool {
	ext = strings.TrimPrefix(ext, ".")
	return ext == "lua" || ext == "luau"
}

func globMatch(pattern, p string) bool {
	ok, err := path.Match(pattern, p)
	if err != nil {
		return false
	}
	return ok
}
