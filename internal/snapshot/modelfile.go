package snapshot

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/jra3/rbxsync/internal/variant"
)

// ModelFileMiddleware represents a whole subtree inlined into a single
// "*.model.json" file: name, class, properties and children all live in
// the file's root rather than being spread across the directory.
type ModelFileMiddleware struct{}

func (ModelFileMiddleware) Kind() string { return "modelfile" }

func (ModelFileMiddleware) Matches(p string, siblings []DirEntry, ctx *Context) bool {
	return strings.HasSuffix(p, ".model.json")
}

type modelFileNode struct {
	Name       string                    `json:"name"`
	ClassName  string                    `json:"className"`
	Id         string                    `json:"id,omitempty"`
	Properties map[string]any            `json:"properties,omitempty"`
	Attributes map[string]any            `json:"attributes,omitempty"`
	Children   []*modelFileNode          `json:"children,omitempty"`
}

func (ModelFileMiddleware) Snapshot(p string, vfs VFSReader, ctx *Context) (*Snapshot, error) {
	data, err := vfs.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var root modelFileNode
	if len(data) > 0 {
		if err := json.Unmarshal(data, &root); err != nil {
			return nil, err
		}
	}
	s := modelFileNodeToSnapshot(&root, p)
	return s, nil
}

func modelFileNodeToSnapshot(n *modelFileNode, sourcePath string) *Snapshot {
	s := &Snapshot{
		ClassName:   n.ClassName,
		Name:        n.Name,
		Properties:  make(map[string]variant.Variant, len(n.Properties)),
		SourcePath:  sourcePath,
		SpecifiedId: n.Id,
	}
	if s.Name == "" {
		s.Name = StripDedupSuffix(strings.TrimSuffix(path.Base(sourcePath), ".model.json"))
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
	for _, c := range n.Children {
		s.Children = append(s.Children, modelFileNodeToSnapshot(c, sourcePath))
	}
	return s
}

func (ModelFileMiddleware) Syncback(inst SourceNode, name string, ctx *Context) (FsSnapshot, error) {
	var out FsSnapshot
	root := sourceNodeToModelFileNode(inst)
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return out, err
	}
	out.AddedFiles = append(out.AddedFiles, FileAdd{Path: name + ".model.json", Data: data})
	return out, nil
}

func sourceNodeToModelFileNode(inst SourceNode) *modelFileNode {
	n := &modelFileNode{
		Name:      inst.Name(),
		ClassName: inst.ClassName(),
	}
	props := make(map[string]any)
	for k, v := range inst.Properties() {
		if k == "Attributes" {
			continue
		}
		if rendered := variantToAny(v); rendered != nil {
			props[k] = rendered
		}
	}
	if len(props) > 0 {
		n.Properties = props
	}
	if attrsVariant, ok := inst.Properties()["Attributes"]; ok && attrsVariant.Kind == variant.KindAttributes {
		attrs := make(map[string]any, len(attrsVariant.Attrs))
		for k, v := range attrsVariant.Attrs {
			attrs[k] = variantToAny(v)
		}
		if len(attrs) > 0 {
			n.Attributes = attrs
		}
	}
	for _, c := range inst.Children() {
		n.Children = append(n.Children, sourceNodeToModelFileNode(c))
	}
	return n
}
