package syncback

import (
	"fmt"

	"github.com/jra3/rbxsync/internal/refindex"
	"github.com/jra3/rbxsync/internal/snapshot"
	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/variant"
)

// refLinker performs the reference-linking pass: for every
// reference-typed property in the subtree it produces a
// `Rojo_Ref_{prop}` attribute carrying the filesystem-name-joined path of
// the target, using the tree's current path index so the emitted path
// matches exactly what forward-sync will reconstruct.
type refLinker struct {
	tree    *tree.Tree
	reverse map[tree.InstanceId]string
	diags   *[]Diagnostic
}

// wrap builds a refLinkedNode for id with its Attributes augmented by any
// Rojo_Ref_{prop} entries its reference properties resolve to. The live
// tree itself is never mutated; the injected attributes exist only in
// this read-only view handed to the snapshot middleware.
func (l *refLinker) wrap(id tree.InstanceId) *refLinkedNode {
	inst, _ := l.tree.Get(id)
	props := augmentWithRefAttrs(inst, l.reverse, l.diags)
	children := l.tree.Children(id)
	wrapped := make([]snapshot.SourceNode, len(children))
	for i, c := range children {
		wrapped[i] = l.wrap(c)
	}
	return &refLinkedNode{inst: inst, props: props, children: wrapped}
}

func augmentWithRefAttrs(inst tree.Instance, reverse map[tree.InstanceId]string, diags *[]Diagnostic) map[string]variant.Variant {
	out := make(map[string]variant.Variant, len(inst.Properties))
	for k, v := range inst.Properties {
		out[k] = v
	}

	var refAttrs map[string]variant.Variant
	for propName, v := range inst.Properties {
		if v.Kind != variant.KindRef || v.Ref.Null {
			continue
		}
		targetId := tree.InstanceId(v.Ref.Target)
		p, ok := reverse[targetId]
		if !ok {
			*diags = append(*diags, Diagnostic{
				InstanceId: inst.Id,
				Message:    fmt.Sprintf("reference property %q targets an instance outside the synced subtree; writing a null reference", propName),
			})
			continue
		}
		if refAttrs == nil {
			refAttrs = make(map[string]variant.Variant)
		}
		refAttrs[refindex.PathRefPrefix+propName] = variant.FromString(p)
	}

	if len(refAttrs) == 0 {
		return out
	}
	existing := make(map[string]variant.Variant)
	if attrsVariant, ok := out["Attributes"]; ok && attrsVariant.Kind == variant.KindAttributes {
		for k, v := range attrsVariant.Attrs {
			existing[k] = v
		}
	}
	for k, v := range refAttrs {
		existing[k] = v
	}
	out["Attributes"] = variant.FromAttrs(existing)
	return out
}

// refLinkedNode is the SourceNode view syncback's middlewares consume.
type refLinkedNode struct {
	inst     tree.Instance
	props    map[string]variant.Variant
	children []snapshot.SourceNode
}

func (n *refLinkedNode) Name() string                          { return n.inst.Name }
func (n *refLinkedNode) ClassName() string                      { return n.inst.ClassName }
func (n *refLinkedNode) Properties() map[string]variant.Variant { return n.props }
func (n *refLinkedNode) Children() []snapshot.SourceNode        { return n.children }
