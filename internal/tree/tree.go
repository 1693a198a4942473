// Package tree implements the authoritative tree: the in-memory directed
// tree of instances the change processor owns exclusively, plus its path
// and specified-id indexes. Instance identity is a google/uuid handle,
// which keeps ids unique per process without encoding any structure.
package tree

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jra3/rbxsync/internal/variant"
)

// InstanceId is an opaque, unique-per-process handle. Never reused, never
// reveals structure.
type InstanceId string

// Root is the synthetic root's id: every real instance has exactly one
// parent, and Root is that parent for top-level instances.
const Root InstanceId = ""

// NewInstanceId allocates a fresh id. Assignment happens only on insertion
// into the tree.
func NewInstanceId() InstanceId {
	return InstanceId(uuid.NewString())
}

// SourceKind distinguishes the two InstigatingSource alternatives.
type SourceKind uint8

const (
	SourceNone SourceKind = iota
	SourcePath
	SourceProjectNode
)

// InstigatingSource records where an instance came from, controlling
// whether it is writable back.
type InstigatingSource struct {
	Kind SourceKind
	// Path is set when Kind == SourcePath: the filesystem location this
	// instance's properties were read from, and where write-back happens.
	Path string
	// ProjectNodePath is set when Kind == SourceProjectNode: the dotted
	// path within the project file's tree definition, read-only from live
	// sync.
	ProjectNodePath string
}

// SnapshotContext carries ignore rules, sync rules, and syncback rules
// inherited along the tree. Kept as an opaque, immutable,
// shared pointer: children inherit their parent's context unless a node
// overrides it.
type SnapshotContext struct {
	// IgnorePaths are globs (relative to context root) the VFS/middleware
	// dispatch skip when snapshotting.
	IgnorePaths []string
	// SyncRules are declared in closest-wins order; see snapshot package.
	SyncRules []SyncRule
}

// SyncRule is a single `use: <kind>` override.
type SyncRule struct {
	Glob         string
	Extension    string
	Use          string
	ExcludeGlob  string
}

// Metadata bundles the non-property bookkeeping every instance carries.
type Metadata struct {
	InstigatingSource InstigatingSource
	SpecifiedId       string
	SnapshotContext   *SnapshotContext
}

// Instance is a single node in the AuthoritativeTree.
type Instance struct {
	Id         InstanceId
	ClassName  string
	Name       string
	Properties map[string]variant.Variant
	Children   []InstanceId // order carries semantics; must stay stable
	Parent     InstanceId
	Metadata   Metadata
}

func cloneProperties(in map[string]variant.Variant) map[string]variant.Variant {
	out := make(map[string]variant.Variant, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Clone returns a deep-enough copy suitable for handing to callers outside
// the single-writer. Children slice and property map are copied;
// Variant values are immutable value types so no deeper copy is needed.
func (i Instance) Clone() Instance {
	c := i
	c.Properties = cloneProperties(i.Properties)
	c.Children = append([]InstanceId(nil), i.Children...)
	return c
}

// AmbiguousSpecifiedIdError reports that two or more instances declared the
// same specified id.
type AmbiguousSpecifiedIdError struct {
	SpecifiedId string
	Instances   []InstanceId
}

func (e *AmbiguousSpecifiedIdError) Error() string {
	return fmt.Sprintf("specified id %q is ambiguous across %d instances", e.SpecifiedId, len(e.Instances))
}

// Tree is the AuthoritativeTree plus its ancillary indexes. All mutation
// must go through the single-writer Change Processor; Tree
// itself only enforces index consistency, not single-writer discipline —
// that discipline lives in the changeproc package.
type Tree struct {
	mu sync.RWMutex

	instances map[InstanceId]*Instance
	// rootChildren keeps the synthetic root's children ordered the same
	// way every real parent's Children slice is: insertion order, stable
	// across reloads of the same source.
	rootChildren []InstanceId
	pathIndex    map[string]map[InstanceId]bool
	sidIndex     map[string]map[InstanceId]bool
}

// New returns an empty tree containing only the synthetic root's children
// list (there is no Instance record for Root itself).
func New() *Tree {
	return &Tree{
		instances: make(map[InstanceId]*Instance),
		pathIndex: make(map[string]map[InstanceId]bool),
		sidIndex:  make(map[string]map[InstanceId]bool),
	}
}

// Get returns a clone of the instance with the given id.
func (t *Tree) Get(id InstanceId) (Instance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.instances[id]
	if !ok {
		return Instance{}, false
	}
	return inst.Clone(), true
}

// Children returns the ordered child ids of id (or of Root).
func (t *Tree) Children(id InstanceId) []InstanceId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id == Root {
		return t.rootChildrenLocked()
	}
	inst, ok := t.instances[id]
	if !ok {
		return nil
	}
	return append([]InstanceId(nil), inst.Children...)
}

func (t *Tree) rootChildrenLocked() []InstanceId {
	return append([]InstanceId(nil), t.rootChildren...)
}

// PathIndex returns the set of instance ids whose InstigatingSource is
// Path(p).
func (t *Tree) PathIndex(p string) []InstanceId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.pathIndex[p]
	out := make([]InstanceId, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// SpecifiedIdIndex returns every instance that declared sid, and an error
// if that is more than one.
func (t *Tree) SpecifiedIdIndex(sid string) ([]InstanceId, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.sidIndex[sid]
	out := make([]InstanceId, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	if len(out) > 1 {
		return out, &AmbiguousSpecifiedIdError{SpecifiedId: sid, Instances: out}
	}
	return out, nil
}

// Insert adds a new instance (already assigned an id) as a child of
// parent, appended to the end of parent's children (order is insertion
// order unless the caller reorders explicitly). Index entries are updated
// atomically with the insertion.
func (t *Tree) Insert(inst Instance, parent InstanceId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst.Parent = parent
	cp := inst.Clone()
	t.instances[inst.Id] = &cp

	if parent == Root {
		t.rootChildren = append(t.rootChildren, inst.Id)
	} else if p, ok := t.instances[parent]; ok {
		p.Children = append(p.Children, inst.Id)
	}

	t.indexInsertLocked(&cp)
}

func (t *Tree) indexInsertLocked(inst *Instance) {
	if inst.Metadata.InstigatingSource.Kind == SourcePath {
		p := inst.Metadata.InstigatingSource.Path
		if t.pathIndex[p] == nil {
			t.pathIndex[p] = make(map[InstanceId]bool)
		}
		t.pathIndex[p][inst.Id] = true
	}
	if inst.Metadata.SpecifiedId != "" {
		sid := inst.Metadata.SpecifiedId
		if t.sidIndex[sid] == nil {
			t.sidIndex[sid] = make(map[InstanceId]bool)
		}
		t.sidIndex[sid][inst.Id] = true
	}
}

func (t *Tree) indexRemoveLocked(inst *Instance) {
	if inst.Metadata.InstigatingSource.Kind == SourcePath {
		p := inst.Metadata.InstigatingSource.Path
		if set, ok := t.pathIndex[p]; ok {
			delete(set, inst.Id)
			if len(set) == 0 {
				delete(t.pathIndex, p)
			}
		}
	}
	if inst.Metadata.SpecifiedId != "" {
		sid := inst.Metadata.SpecifiedId
		if set, ok := t.sidIndex[sid]; ok {
			delete(set, inst.Id)
			if len(set) == 0 {
				delete(t.sidIndex, sid)
			}
		}
	}
}

// Remove deletes id and, cascading, every descendant. Returns the ids actually removed,
// deepest-first.
func (t *Tree) Remove(id InstanceId) []InstanceId {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(id)
}

func (t *Tree) removeLocked(id InstanceId) []InstanceId {
	inst, ok := t.instances[id]
	if !ok {
		return nil
	}

	var removed []InstanceId
	for _, child := range append([]InstanceId(nil), inst.Children...) {
		removed = append(removed, t.removeLocked(child)...)
	}

	if inst.Parent == Root {
		t.rootChildren = removeFromSlice(t.rootChildren, id)
	} else if p, ok := t.instances[inst.Parent]; ok {
		p.Children = removeFromSlice(p.Children, id)
	}

	t.indexRemoveLocked(inst)
	delete(t.instances, id)
	removed = append(removed, id)
	return removed
}

func removeFromSlice(ids []InstanceId, target InstanceId) []InstanceId {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Update replaces properties/name/class for an existing instance in place,
// keeping its InstanceId and position in the parent's children. The index
// is refreshed if the instigating source or specified id changed as a side
// effect of the caller's edits.
func (t *Tree) Update(id InstanceId, mutate func(*Instance)) (Instance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst, ok := t.instances[id]
	if !ok {
		return Instance{}, false
	}
	t.indexRemoveLocked(inst)
	mutate(inst)
	t.indexInsertLocked(inst)
	return inst.Clone(), true
}

// Exists reports whether id is currently present in the tree.
func (t *Tree) Exists(id InstanceId) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.instances[id]
	return ok
}

// Len returns the number of instances currently tracked (excludes Root).
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.instances)
}
