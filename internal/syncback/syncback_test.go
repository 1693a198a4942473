package syncback

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jra3/rbxsync/internal/refindex"
	"github.com/jra3/rbxsync/internal/snapshot"
	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/variant"
	"github.com/jra3/rbxsync/internal/vfs"
)

func TestMaterializeWritesAndRemovesConcurrently(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	v, err := vfs.New(dir)
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	defer v.Close()

	if err := v.MkdirAll("keep"); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := v.WriteFile("stale.txt", []byte("old")); err != nil {
		t.Fatalf("seed WriteFile: %v", err)
	}

	e := New(nil)
	out := snapshot.FsSnapshot{
		AddedDirectories: []string{"sub"},
		AddedFiles: []snapshot.FileAdd{
			{Path: "sub/a.txt", Data: []byte("a")},
			{Path: "sub/b.txt", Data: []byte("b")},
			{Path: "sub/c.txt", Data: []byte("c")},
		},
		RemovedFiles: []string{"stale.txt"},
	}

	if err := e.materialize(v, out); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	for _, want := range []struct {
		path string
		data string
	}{
		{"sub/a.txt", "a"},
		{"sub/b.txt", "b"},
		{"sub/c.txt", "c"},
	} {
		got, err := v.ReadFile(want.path)
		if err != nil || string(got) != want.data {
			t.Fatalf("ReadFile(%s) = %q, %v, want %q, nil", want.path, got, err, want.data)
		}
	}
	if v.Exists("stale.txt") {
		t.Fatalf("expected stale.txt to be removed")
	}
}

// TestSyncFileToFolderAndBackTransition: adding a child to a file-form
// script promotes it to directory form with its adjacent meta moved to
// init.meta.yaml and the old files removed; removing the child collapses
// it back to the exact initial byte layout.
func TestSyncFileToFolderAndBackTransition(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	v, err := vfs.New(dir)
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	defer v.Close()

	tr := tree.New()
	fooId := tree.NewInstanceId()
	tr.Insert(tree.Instance{
		Id:        fooId,
		ClassName: "Script",
		Name:      "Foo",
		Properties: map[string]variant.Variant{
			"Source": variant.FromString("print('hi')"),
			"Attributes": variant.FromAttrs(map[string]variant.Variant{
				"K": variant.FromInt(1),
			}),
		},
		Metadata: tree.Metadata{
			InstigatingSource: tree.InstigatingSource{Kind: tree.SourcePath, Path: "Foo.server.luau"},
		},
	}, tree.Root)

	e := New(refindex.New())
	if _, err := e.Sync(tr, fooId, "Foo", v); err != nil {
		t.Fatalf("initial Sync: %v", err)
	}
	initialSource, err := v.ReadFile("Foo.server.luau")
	if err != nil {
		t.Fatalf("expected file form Foo.server.luau: %v", err)
	}
	initialMeta, err := v.ReadFile("Foo.meta.yaml")
	if err != nil {
		t.Fatalf("expected adjacent Foo.meta.yaml: %v", err)
	}

	barId := tree.NewInstanceId()
	tr.Insert(tree.Instance{
		Id:        barId,
		ClassName: "StringValue",
		Name:      "Bar",
		Properties: map[string]variant.Variant{
			"Value": variant.FromString("v"),
		},
	}, fooId)

	if _, err := e.Sync(tr, fooId, "Foo", v); err != nil {
		t.Fatalf("promote Sync: %v", err)
	}
	if _, err := v.ReadFile("Foo/init.server.luau"); err != nil {
		t.Fatalf("expected directory form init script: %v", err)
	}
	dirMeta, err := v.ReadFile("Foo/init.meta.yaml")
	if err != nil {
		t.Fatalf("expected init.meta.yaml inside the directory: %v", err)
	}
	if !bytes.Equal(dirMeta, initialMeta) {
		t.Fatalf("init.meta.yaml = %q, want the adjacent meta's content %q", dirMeta, initialMeta)
	}
	if v.Exists("Foo.server.luau") {
		t.Fatalf("expected file-form script to be removed after promotion")
	}
	if v.Exists("Foo.meta.yaml") {
		t.Fatalf("expected adjacent meta to be removed after promotion")
	}

	tr.Remove(barId)
	if _, err := e.Sync(tr, fooId, "Foo", v); err != nil {
		t.Fatalf("collapse Sync: %v", err)
	}
	backSource, err := v.ReadFile("Foo.server.luau")
	if err != nil {
		t.Fatalf("expected file form restored: %v", err)
	}
	backMeta, err := v.ReadFile("Foo.meta.yaml")
	if err != nil {
		t.Fatalf("expected adjacent meta restored: %v", err)
	}
	if !bytes.Equal(backSource, initialSource) || !bytes.Equal(backMeta, initialMeta) {
		t.Fatalf("collapse did not restore the initial byte layout")
	}
	if v.Exists("Foo") {
		t.Fatalf("expected the directory form to be removed after collapse")
	}
}

// TestSyncTwiceWritesNothing: a second run against an unchanged tree must
// not touch the filesystem.
func TestSyncTwiceWritesNothing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	v, err := vfs.New(dir)
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	defer v.Close()

	tr := tree.New()
	id := tree.NewInstanceId()
	tr.Insert(tree.Instance{
		Id:        id,
		ClassName: "ModuleScript",
		Name:      "Util",
		Properties: map[string]variant.Variant{
			"Source": variant.FromString("return {}"),
		},
	}, tree.Root)

	e := New(refindex.New())
	if _, err := e.Sync(tr, id, "Util", v); err != nil {
		t.Fatalf("first Sync: %v", err)
	}

	// Drain any events from the first sync, then verify the second one is
	// silent: an unchanged tree must produce zero filesystem writes.
	drainEvents(v)
	if _, err := e.Sync(tr, id, "Util", v); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	select {
	case ev := <-v.Events():
		t.Fatalf("second sync should write nothing, observed %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func drainEvents(v *vfs.VFS) {
	for {
		select {
		case <-v.Events():
		case <-time.After(300 * time.Millisecond):
			return
		}
	}
}

func TestWithRetryRecoversFromTransientError(t *testing.T) {
	var attempts int32
	err := withRetry(func() error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts before success, got %d", attempts)
	}
}

func TestWithRetryGivesUpAfterBoundedAttempts(t *testing.T) {
	var attempts int32
	err := withRetry(func() error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("permanent")
	})
	if err == nil {
		t.Fatalf("expected withRetry to return the final error")
	}
	if attempts != writeRetries {
		t.Fatalf("expected exactly %d attempts, got %d", writeRetries, attempts)
	}
}

func TestRunParallelReturnsFirstError(t *testing.T) {
	sentinel := errors.New("boom")
	jobs := []func() error{
		func() error { return nil },
		func() error { return sentinel },
		func() error { return nil },
	}
	if err := runParallel(jobs, 2); err != sentinel {
		t.Fatalf("runParallel error = %v, want %v", err, sentinel)
	}
}
