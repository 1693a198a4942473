package changeproc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jra3/rbxsync/internal/mqueue"
	"github.com/jra3/rbxsync/internal/patch"
	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/variant"
	"github.com/jra3/rbxsync/internal/vfs"
)

func mustWriteFile(t *testing.T, dir, rel string, data []byte) {
	t.Helper()
	abs := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestReconcilePopulatesTreeFromDisk(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	mustWriteFile(t, dir, "Workspace/Note.txt", []byte("hello"))

	v, err := vfs.New(dir)
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	defer v.Close()

	tr := tree.New()
	q := mqueue.New(10)
	p := New(tr, v, q)

	sub := q.Subscribe()
	defer sub.Close()

	p.Reconcile()

	roots := tr.Children(tree.Root)
	if len(roots) != 1 {
		t.Fatalf("expected 1 top-level instance, got %d", len(roots))
	}
	workspace, _ := tr.Get(roots[0])
	if workspace.Name != "Workspace" || workspace.ClassName != "Folder" {
		t.Fatalf("unexpected top-level instance: %+v", workspace)
	}

	children := tr.Children(workspace.Id)
	if len(children) != 1 {
		t.Fatalf("expected 1 child under Workspace, got %d", len(children))
	}
	note, _ := tr.Get(children[0])
	if note.Name != "Note" || note.ClassName != "StringValue" {
		t.Fatalf("unexpected child: %+v", note)
	}
	if note.Properties["Value"].String != "hello" {
		t.Fatalf("unexpected Value: %+v", note.Properties["Value"])
	}

	select {
	case m := <-sub.Messages():
		if m.Patch == nil {
			t.Fatal("expected a patch message on the queue")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast patch")
	}
}

// TestRenameRewritesReferencingFilesRefAttribute: renaming the target of
// a Rojo_Ref_* reference must
// rewrite the referencing file's attribute to the new path.
func TestRenameRewritesReferencingFilesRefAttribute(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	v, err := vfs.New(dir)
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	defer v.Close()

	tr := tree.New()
	q := mqueue.New(10)
	p := New(tr, v, q)

	crateId := tree.NewInstanceId()
	tr.Insert(tree.Instance{
		Id:        crateId,
		ClassName: "Part",
		Name:      "Crate",
		Metadata: tree.Metadata{
			InstigatingSource: tree.InstigatingSource{Kind: tree.SourcePath, Path: "Crate.model.json"},
		},
	}, tree.Root)

	refHolderId := tree.NewInstanceId()
	tr.Insert(tree.Instance{
		Id:        refHolderId,
		ClassName: "ObjectValue",
		Name:      "RefHolder",
		Properties: map[string]variant.Variant{
			"Value": variant.FromRef(string(crateId)),
		},
		Metadata: tree.Metadata{
			InstigatingSource: tree.InstigatingSource{Kind: tree.SourcePath, Path: "RefHolder.model.json"},
		},
	}, tree.Root)

	if _, err := p.syncback.Sync(tr, refHolderId, "RefHolder", v); err != nil {
		t.Fatalf("initial Sync: %v", err)
	}

	before, err := v.ReadFile("RefHolder.model.json")
	if err != nil {
		t.Fatalf("ReadFile before rename: %v", err)
	}
	if !strings.Contains(string(before), `"Rojo_Ref_Value": "Crate"`) {
		t.Fatalf("expected initial Rojo_Ref_Value attribute to point at Crate, got %s", before)
	}

	tr.Update(crateId, func(inst *tree.Instance) {
		inst.Name = "Crate_Large"
	})
	p.rewriteRefsForRename("Crate", "Crate_Large")

	after, err := v.ReadFile("RefHolder.model.json")
	if err != nil {
		t.Fatalf("ReadFile after rename: %v", err)
	}
	if !strings.Contains(string(after), `"Rojo_Ref_Value": "Crate_Large"`) {
		t.Fatalf("expected Rojo_Ref_Value attribute rewritten to Crate_Large, got %s", after)
	}
}

// TestPluginWriteRenameRewritesRefAttribute: a rename arriving as a
// plugin patch (not a VFS event) must run the same ref-path-index rewrite
// a filesystem rename does, so files outside the renamed subtree don't
// keep a stale Rojo_Ref_* path.
func TestPluginWriteRenameRewritesRefAttribute(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	v, err := vfs.New(dir)
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	defer v.Close()

	tr := tree.New()
	q := mqueue.New(10)
	p := New(tr, v, q)

	crateId := tree.NewInstanceId()
	tr.Insert(tree.Instance{
		Id:        crateId,
		ClassName: "Part",
		Name:      "Crate",
		Metadata: tree.Metadata{
			InstigatingSource: tree.InstigatingSource{Kind: tree.SourcePath, Path: "Crate.model.json"},
		},
	}, tree.Root)

	refHolderId := tree.NewInstanceId()
	tr.Insert(tree.Instance{
		Id:        refHolderId,
		ClassName: "ObjectValue",
		Name:      "RefHolder",
		Properties: map[string]variant.Variant{
			"Value": variant.FromRef(string(crateId)),
		},
		Metadata: tree.Metadata{
			InstigatingSource: tree.InstigatingSource{Kind: tree.SourcePath, Path: "RefHolder.model.json"},
		},
	}, tree.Root)

	if _, err := p.syncback.Sync(tr, refHolderId, "RefHolder", v); err != nil {
		t.Fatalf("initial Sync: %v", err)
	}

	res := p.applyPluginWrite(patch.Patch{
		Updated: []patch.UpdatedInstance{{Id: crateId, Name: "Crate_Large"}},
	}, nil)
	if len(res.Unapplied) != 0 {
		t.Fatalf("expected the rename to apply, got %+v", res.Unapplied)
	}

	after, err := v.ReadFile("RefHolder.model.json")
	if err != nil {
		t.Fatalf("ReadFile after rename: %v", err)
	}
	if !strings.Contains(string(after), `"Rojo_Ref_Value": "Crate_Large"`) {
		t.Fatalf("expected Rojo_Ref_Value rewritten to Crate_Large, got %s", after)
	}
}

func TestPluginWriteRefusesProjectNodeWriteBack(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	v, err := vfs.New(dir)
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	defer v.Close()

	tr := tree.New()
	q := mqueue.New(10)
	p := New(tr, v, q)

	id := tree.NewInstanceId()
	tr.Insert(tree.Instance{
		Id:        id,
		ClassName: "Folder",
		Name:      "FromProject",
		Metadata:  tree.Metadata{InstigatingSource: tree.InstigatingSource{Kind: tree.SourceProjectNode}},
	}, tree.Root)

	res := p.applyPluginWrite(patch.Patch{
		Updated: []patch.UpdatedInstance{{Id: id, Name: "Renamed"}},
	}, nil)
	if len(res.Unapplied) != 1 {
		t.Fatalf("expected the ProjectNode update to be rejected, got %+v", res.Unapplied)
	}

	live, _ := tr.Get(id)
	if live.Name != "FromProject" {
		t.Fatalf("expected the tree unchanged, got %q", live.Name)
	}
	if entries, err := os.ReadDir(dir); err != nil || len(entries) != 0 {
		t.Fatalf("expected no file written back for a ProjectNode instance, got %v (%v)", entries, err)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	mustWriteFile(t, dir, "Workspace/Note.txt", []byte("hello"))

	v, err := vfs.New(dir)
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	defer v.Close()

	tr := tree.New()
	q := mqueue.New(10)
	p := New(tr, v, q)

	p.Reconcile()
	firstLen := tr.Len()
	p.Reconcile()
	if tr.Len() != firstLen {
		t.Fatalf("second reconcile changed tree size: %d -> %d", firstLen, tr.Len())
	}
}
