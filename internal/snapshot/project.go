package snapshot

import (
	"encoding/json"
	"path"
	"sort"
	"strings"

	"github.com/jra3/rbxsync/internal/variant"
)

// ProjectMiddleware represents a "*.project.json" file: a named root, an
// inline tree of nodes that either declare properties directly
// (ProjectNode, read-only from live sync) or point at a subtree on disk
// via "$path", plus sync rules and ignore globs scoped to the project.
// Syncback rules are not read from the project file.
type ProjectMiddleware struct{}

func (ProjectMiddleware) Kind() string { return "project" }

func (ProjectMiddleware) Matches(p string, siblings []DirEntry, ctx *Context) bool {
	return strings.HasSuffix(p, ".project.json")
}

type projectFile struct {
	Name            string                    `json:"name"`
	Tree            projectTreeNode           `json:"tree"`
	SyncRules       []projectSyncRule         `json:"syncRules,omitempty"`
	IgnorePaths     []string                  `json:"ignorePaths,omitempty"`
	ExpectedPlaceIds []int64                  `json:"expectedPlaceIds,omitempty"`
	ServePlaceIds   []int64                   `json:"servePlaceIds,omitempty"`
}

type projectSyncRule struct {
	Pattern   string `json:"pattern"`
	Use       string `json:"use"`
	Exclude   string `json:"exclude,omitempty"`
}

// projectTreeNode is a raw tree node in a project file: either a `$path`
// reference into the filesystem, or an inline ProjectNode with its own
// properties/children.
type projectTreeNode struct {
	ClassName  string                      `json:"$className,omitempty"`
	Path       string                      `json:"$path,omitempty"`
	Id         string                      `json:"$id,omitempty"`
	Properties map[string]any              `json:"$properties,omitempty"`
	Attributes map[string]any              `json:"$attributes,omitempty"`
	Children   map[string]projectTreeNode  `json:"-"`
}

// UnmarshalJSON splits reserved `$`-prefixed keys from named-child keys,
// since a project tree node's children are its remaining object keys.
func (n *projectTreeNode) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.Children = make(map[string]projectTreeNode)
	for k, v := range raw {
		switch k {
		case "$className":
			if err := json.Unmarshal(v, &n.ClassName); err != nil {
				return err
			}
		case "$path":
			if err := json.Unmarshal(v, &n.Path); err != nil {
				return err
			}
		case "$id":
			if err := json.Unmarshal(v, &n.Id); err != nil {
				return err
			}
		case "$properties":
			if err := json.Unmarshal(v, &n.Properties); err != nil {
				return err
			}
		case "$attributes":
			if err := json.Unmarshal(v, &n.Attributes); err != nil {
				return err
			}
		default:
			var child projectTreeNode
			if err := json.Unmarshal(v, &child); err != nil {
				return err
			}
			n.Children[k] = child
		}
	}
	return nil
}

func (ProjectMiddleware) Snapshot(p string, vfs VFSReader, ctx *Context) (*Snapshot, error) {
	data, err := vfs.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var pf projectFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, err
	}

	childCtx := extendContext(ctx, &pf)
	name := pf.Name
	if name == "" {
		name = strings.TrimSuffix(path.Base(p), ".project.json")
	}

	root, err := buildProjectNode(name, pf.Tree, path.Dir(p), vfs, childCtx)
	if err != nil {
		return nil, err
	}
	root.SourcePath = p
	return root, nil
}

func extendContext(ctx *Context, pf *projectFile) *Context {
	out := &Context{}
	if ctx != nil {
		out.IgnoreGlobs = append(out.IgnoreGlobs, ctx.IgnoreGlobs...)
		out.SyncRules = append(out.SyncRules, ctx.SyncRules...)
	}
	out.IgnoreGlobs = append(out.IgnoreGlobs, pf.IgnorePaths...)
	for _, r := range pf.SyncRules {
		// Project-declared rules are innermost, so they're prepended
		// ahead of whatever the caller already accumulated.
		out.SyncRules = append([]SyncRule{{Glob: r.Pattern, Use: r.Use, ExcludeGlob: r.Exclude}}, out.SyncRules...)
	}
	return out
}

func buildProjectNode(name string, n projectTreeNode, baseDir string, vfs VFSReader, ctx *Context) (*Snapshot, error) {
	if n.Path != "" {
		fullPath := n.Path
		if !path.IsAbs(fullPath) {
			fullPath = path.Join(baseDir, fullPath)
		}
		registry := NewRegistry()
		mw := registry.Dispatch(fullPath, vfs, ctx)
		if mw == nil {
			return nil, nil
		}
		s, err := mw.Snapshot(fullPath, vfs, ctx)
		if err != nil {
			return nil, err
		}
		if s != nil {
			s.Name = name
			if n.Id != "" {
				s.SpecifiedId = n.Id
			}
		}
		return s, nil
	}

	s := &Snapshot{
		ClassName:   n.ClassName,
		Name:        name,
		Properties:  make(map[string]variant.Variant, len(n.Properties)),
		SpecifiedId: n.Id,
		FromProject: true,
	}
	for k, v := range n.Properties {
		s.Properties[k] = anyToVariant(v)
	}
	if len(n.Attributes) > 0 {
		attrs := make(map[string]variant.Variant, len(n.Attributes))
		for k, v := range n.Attributes {
			attrs[k] = anyToVariant(v)
		}
		s.Properties["Attributes"] = variant.FromAttrs(attrs)
	}
	// Child keys come out of a map; sorting keeps the tree's child order
	// stable across reloads of the same project file.
	childNames := make([]string, 0, len(n.Children))
	for childName := range n.Children {
		childNames = append(childNames, childName)
	}
	sort.Strings(childNames)
	for _, childName := range childNames {
		child, err := buildProjectNode(childName, n.Children[childName], baseDir, vfs, ctx)
		if err != nil {
			return nil, err
		}
		if child != nil {
			s.Children = append(s.Children, child)
		}
	}
	return s, nil
}

// Syncback is a no-op for project files: they are authored by hand, never
// produced by writing a live tree back to disk.
func (ProjectMiddleware) Syncback(inst SourceNode, name string, ctx *Context) (FsSnapshot, error) {
	return FsSnapshot{}, nil
}
