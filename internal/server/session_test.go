package server

import (
	"context"
	"testing"
	"time"

	"github.com/jra3/rbxsync/internal/changeproc"
	"github.com/jra3/rbxsync/internal/mqueue"
	"github.com/jra3/rbxsync/internal/protocol"
	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/variant"
	"github.com/jra3/rbxsync/internal/vfs"
)

type fixture struct {
	tree   *tree.Tree
	queue  *mqueue.Queue
	client *protocol.ChanTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := vfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	t.Cleanup(func() { v.Close() })

	tr := tree.New()
	q := mqueue.New(100)
	proc := changeproc.New(tr, v, q)

	serverEnd, clientEnd := protocol.NewChanPipe(16)
	sess := NewSession(tr, proc, q, serverEnd, "TestPlace")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go proc.Run(ctx)
	go sess.Serve(ctx)

	return &fixture{tree: tr, queue: q, client: clientEnd}
}

func (f *fixture) roundTrip(t *testing.T, kind protocol.MessageKind, req, resp any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := protocol.SendMessage(ctx, f.client, kind, req); err != nil {
		t.Fatalf("send: %v", err)
	}
	env, err := f.client.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := protocol.Decode(env.Payload, resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestSessionConnectHandshake(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var resp protocol.ConnectResponse
	f.roundTrip(t, protocol.KindConnectRequest, protocol.ConnectRequest{ProtocolVersion: protocol.ProtocolVersion}, &resp)

	if resp.SessionId == "" {
		t.Fatal("expected a session id")
	}
	if resp.ProjectName != "TestPlace" {
		t.Fatalf("project name = %q, want TestPlace", resp.ProjectName)
	}
	if resp.ProtocolVersion != protocol.ProtocolVersion {
		t.Fatalf("protocol version = %d, want %d", resp.ProtocolVersion, protocol.ProtocolVersion)
	}
}

func TestSessionReadReturnsSubtree(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id := tree.NewInstanceId()
	f.tree.Insert(tree.Instance{
		Id:        id,
		ClassName: "Part",
		Name:      "Crate",
		Properties: map[string]variant.Variant{
			"Anchored": variant.FromBool(true),
		},
	}, tree.Root)

	var resp protocol.ReadResponse
	f.roundTrip(t, protocol.KindReadRequest, protocol.ReadRequest{Ids: []string{string(id)}}, &resp)

	snap, ok := resp.Instances[string(id)]
	if !ok {
		t.Fatalf("expected instance %q in response, got %v", id, resp.Instances)
	}
	if snap.Name != "Crate" || snap.ClassName != "Part" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if got := protocol.FromWire(snap.Properties["Anchored"]); !got.Bool {
		t.Fatalf("Anchored did not survive the wire: %+v", snap.Properties)
	}
}

func TestSessionReadRootListsTopLevelInstances(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id := tree.NewInstanceId()
	f.tree.Insert(tree.Instance{Id: id, ClassName: "Folder", Name: "Workspace"}, tree.Root)

	var resp protocol.ReadResponse
	f.roundTrip(t, protocol.KindReadRequest, protocol.ReadRequest{Ids: []string{string(tree.Root)}}, &resp)

	root, ok := resp.Instances[string(tree.Root)]
	if !ok {
		t.Fatal("expected the synthetic root in the response")
	}
	if len(root.Children) != 1 || root.Children[0].Name != "Workspace" {
		t.Fatalf("unexpected root children: %+v", root.Children)
	}
	if root.Children[0].Id != string(id) {
		t.Fatalf("expected child id to travel with the snapshot, got %+v", root.Children[0])
	}
}

func TestSessionWriteAppliesPatchAndAcknowledges(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	parentId := tree.NewInstanceId()
	f.tree.Insert(tree.Instance{Id: parentId, ClassName: "Folder", Name: "Workspace"}, tree.Root)

	var resp protocol.WriteResponse
	f.roundTrip(t, protocol.KindWriteRequest, protocol.WriteRequest{
		Patch: protocol.WirePatch{
			Added: []protocol.WireAddedInstance{{
				Temp:      "t1",
				ParentId:  string(parentId),
				ClassName: "Part",
				Name:      "Crate",
			}},
		},
	}, &resp)

	if !resp.Applied {
		t.Fatalf("expected the write to apply cleanly, got %+v", resp)
	}
	children := f.tree.Children(parentId)
	if len(children) != 1 {
		t.Fatalf("expected the added instance in the tree, got %d children", len(children))
	}
	crate, _ := f.tree.Get(children[0])
	if crate.Name != "Crate" || crate.ClassName != "Part" {
		t.Fatalf("unexpected applied instance: %+v", crate)
	}
}

func TestSessionSubscribeReplaysRetainedHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		f.queue.PublishNotification("n")
	}

	var resp protocol.SubscribePacket
	f.roundTrip(t, protocol.KindSubscribeRequest, protocol.SubscribeRequest{Cursor: 2}, &resp)
	if resp.SnapshotRequired {
		t.Fatalf("cursor 2 is retained, expected history, got snapshot-required")
	}
	if len(resp.Notifications) != 3 {
		t.Fatalf("expected the 3 notifications past cursor 2, got %+v", resp)
	}
	if resp.MessageCursor != 5 {
		t.Fatalf("expected the packet cursor to land on 5, got %d", resp.MessageCursor)
	}
}
