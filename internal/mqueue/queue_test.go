package mqueue

import (
	"path/filepath"
	"testing"

	"github.com/jra3/rbxsync/internal/protocol"
)

func TestPublishAssignsIncreasingCursors(t *testing.T) {
	t.Parallel()
	q := New(10)

	m1 := q.PublishPatch(protocol.WirePatch{Removed: []string{"a"}})
	m2 := q.PublishPatch(protocol.WirePatch{Removed: []string{"b"}})

	if m1.Cursor != 1 || m2.Cursor != 2 {
		t.Fatalf("cursors = %d, %d, want 1, 2", m1.Cursor, m2.Cursor)
	}
}

func TestSinceReturnsStrictlyGreater(t *testing.T) {
	t.Parallel()
	q := New(10)
	q.PublishPatch(protocol.WirePatch{Removed: []string{"a"}})
	q.PublishPatch(protocol.WirePatch{Removed: []string{"b"}})
	q.PublishPatch(protocol.WirePatch{Removed: []string{"c"}})

	msgs, ok := q.Since(1)
	if !ok {
		t.Fatal("Since(1) should be ok: history present")
	}
	if len(msgs) != 2 || msgs[0].Cursor != 2 || msgs[1].Cursor != 3 {
		t.Fatalf("Since(1) = %+v, want cursors [2,3]", msgs)
	}
}

func TestSinceSignalsSnapshotRequiredWhenTrimmed(t *testing.T) {
	t.Parallel()
	q := New(2)
	for i := 0; i < 5; i++ {
		q.PublishPatch(protocol.WirePatch{Removed: []string{"x"}})
	}
	// Ring capacity 2 means cursors 1..3 were trimmed out; asking for
	// anything before the retained window must signal snapshot-required.
	_, ok := q.Since(1)
	if ok {
		t.Fatal("Since(1) should signal snapshot required after trim")
	}
	msgs, ok := q.Since(4)
	if !ok || len(msgs) != 1 || msgs[0].Cursor != 5 {
		t.Fatalf("Since(4) = %+v, ok=%v, want cursor [5], ok=true", msgs, ok)
	}
}

func TestSubscribeDeliversNewMessages(t *testing.T) {
	t.Parallel()
	q := New(10)
	sub := q.Subscribe()
	defer sub.Close()

	q.PublishPatch(protocol.WirePatch{Removed: []string{"a"}})

	select {
	case m := <-sub.Messages():
		if m.Cursor != 1 {
			t.Fatalf("cursor = %d, want 1", m.Cursor)
		}
	default:
		t.Fatal("expected a message to be delivered")
	}
}

func TestStoreRoundTripsHistory(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	store, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	q := New(100)
	if err := q.WithStore(store); err != nil {
		t.Fatalf("WithStore: %v", err)
	}
	q.PublishPatch(protocol.WirePatch{Removed: []string{"a"}})
	q.PublishNotification("disk full")
	store.Close()

	reopened, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	msgs, maxCursor, err := reopened.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if maxCursor != 2 {
		t.Fatalf("maxCursor = %d, want 2", maxCursor)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[1].Notification != "disk full" {
		t.Fatalf("notification = %q, want %q", msgs[1].Notification, "disk full")
	}

	q2 := New(100)
	if err := q2.WithStore(reopened); err != nil {
		t.Fatalf("WithStore after reopen: %v", err)
	}
	if q2.Cursor() != 2 {
		t.Fatalf("Cursor() after reload = %d, want 2", q2.Cursor())
	}
	m3 := q2.PublishPatch(protocol.WirePatch{Removed: []string{"b"}})
	if m3.Cursor != 3 {
		t.Fatalf("next cursor after reload = %d, want 3", m3.Cursor)
	}
}
