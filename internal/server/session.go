// Package server binds the wire protocol to the server core: one Session
// per connected plugin, dispatching envelopes from a Transport to the
// tree, the Change Processor and the Message Queue. The Transport itself
// (WebSocket, in-process pipe) is supplied by the caller.
package server

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/google/uuid"

	"github.com/jra3/rbxsync/internal/changeproc"
	"github.com/jra3/rbxsync/internal/mqueue"
	"github.com/jra3/rbxsync/internal/protocol"
	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/variant"
)

// OpenHook opens an instance's source file in the user's external editor.
// The default refuses politely; real wiring is supplied by the host
// integration.
type OpenHook func(id tree.InstanceId) error

func NoopOpenHook(id tree.InstanceId) error {
	return fmt.Errorf("no external editor configured")
}

// Session serves one plugin connection over a Transport.
type Session struct {
	tree      *tree.Tree
	proc      *changeproc.Processor
	queue     *mqueue.Queue
	transport protocol.Transport

	sessionId   string
	projectName string
	openHook    OpenHook
}

func NewSession(t *tree.Tree, proc *changeproc.Processor, q *mqueue.Queue, tr protocol.Transport, projectName string) *Session {
	return &Session{
		tree:        t,
		proc:        proc,
		queue:       q,
		transport:   tr,
		sessionId:   uuid.NewString(),
		projectName: projectName,
		openHook:    NoopOpenHook,
	}
}

// SetOpenHook overrides the default no-op external-editor hook.
func (s *Session) SetOpenHook(h OpenHook) { s.openHook = h }

// Serve dispatches incoming envelopes until ctx is canceled or the
// transport closes. A protocol or session-id mismatch on connect ends the
// session; the plugin is expected to reset its state and reconnect.
func (s *Session) Serve(ctx context.Context) error {
	for {
		env, err := s.transport.Recv(ctx)
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, env); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(ctx context.Context, env protocol.Envelope) error {
	switch env.Kind {
	case protocol.KindConnectRequest:
		return s.handleConnect(ctx, env.Payload)
	case protocol.KindReadRequest:
		return s.handleRead(ctx, env.Payload)
	case protocol.KindSubscribeRequest:
		return s.handleSubscribe(ctx, env.Payload)
	case protocol.KindWriteRequest:
		return s.handleWrite(ctx, env.Payload)
	case protocol.KindOpenRequest:
		return s.handleOpen(env.Payload)
	case protocol.KindSerializeRequest:
		return s.handleSerialize(ctx, env.Payload)
	case protocol.KindRefPatchRequest:
		return s.handleRefPatch(ctx, env.Payload)
	default:
		log.Printf("[server] ignoring unexpected envelope kind %d", env.Kind)
		return nil
	}
}

func (s *Session) handleConnect(ctx context.Context, payload []byte) error {
	var req protocol.ConnectRequest
	if err := protocol.Decode(payload, &req); err != nil {
		return err
	}
	if req.ProtocolVersion != protocol.ProtocolVersion {
		return fmt.Errorf("protocol version mismatch: plugin speaks %d, server speaks %d",
			req.ProtocolVersion, protocol.ProtocolVersion)
	}
	if req.SessionId != "" && req.SessionId != s.sessionId {
		return fmt.Errorf("session id mismatch: plugin resumed %q against session %q",
			req.SessionId, s.sessionId)
	}
	return protocol.SendMessage(ctx, s.transport, protocol.KindConnectResponse, protocol.ConnectResponse{
		ProtocolVersion: protocol.ProtocolVersion,
		SessionId:       s.sessionId,
		RootInstanceId:  string(tree.Root),
		ProjectName:     s.projectName,
	})
}

func (s *Session) handleRead(ctx context.Context, payload []byte) error {
	var req protocol.ReadRequest
	if err := protocol.Decode(payload, &req); err != nil {
		return err
	}
	return protocol.SendMessage(ctx, s.transport, protocol.KindReadResponse, protocol.ReadResponse{
		Instances:     s.snapshotIds(req.Ids),
		MessageCursor: s.queue.Cursor(),
	})
}

// snapshotIds converts each requested id's live subtree into wire form.
// Unknown ids are simply omitted from the response map.
func (s *Session) snapshotIds(ids []string) map[string]protocol.WireInstanceSnapshot {
	out := make(map[string]protocol.WireInstanceSnapshot, len(ids))
	for _, id := range ids {
		if id == string(tree.Root) {
			out[id] = s.wireRoot()
			continue
		}
		if snap, ok := s.wireSubtree(tree.InstanceId(id)); ok {
			out[id] = snap
		}
	}
	return out
}

// wireRoot presents the synthetic root as a snapshot whose children are
// the tree's top-level instances, since Root itself has no Instance
// record.
func (s *Session) wireRoot() protocol.WireInstanceSnapshot {
	rootIds := s.tree.Children(tree.Root)
	sortByName(s.tree, rootIds)
	children := make([]protocol.WireInstanceSnapshot, 0, len(rootIds))
	for _, id := range rootIds {
		if snap, ok := s.wireSubtree(id); ok {
			children = append(children, snap)
		}
	}
	return protocol.WireInstanceSnapshot{
		Id:        string(tree.Root),
		ClassName: "DataModel",
		Name:      s.projectName,
		Children:  children,
	}
}

func (s *Session) wireSubtree(id tree.InstanceId) (protocol.WireInstanceSnapshot, bool) {
	inst, ok := s.tree.Get(id)
	if !ok {
		return protocol.WireInstanceSnapshot{}, false
	}
	childIds := inst.Children
	children := make([]protocol.WireInstanceSnapshot, 0, len(childIds))
	for _, c := range childIds {
		if snap, ok := s.wireSubtree(c); ok {
			children = append(children, snap)
		}
	}
	return protocol.WireInstance(inst, children), true
}

func sortByName(t *tree.Tree, ids []tree.InstanceId) {
	sort.Slice(ids, func(i, j int) bool {
		a, _ := t.Get(ids[i])
		b, _ := t.Get(ids[j])
		return a.Name < b.Name
	})
}

// handleSubscribe answers with whatever retained history lies past the
// plugin's cursor (or snapshot-required when it doesn't reach back that
// far), then streams live messages on a dedicated goroutine until ctx
// ends.
func (s *Session) handleSubscribe(ctx context.Context, payload []byte) error {
	var req protocol.SubscribeRequest
	if err := protocol.Decode(payload, &req); err != nil {
		return err
	}

	msgs, ok := s.queue.Since(req.Cursor)
	if !ok {
		return protocol.SendMessage(ctx, s.transport, protocol.KindSubscribePacket, protocol.SubscribePacket{
			MessageCursor:    s.queue.Cursor(),
			SnapshotRequired: true,
		})
	}
	if len(msgs) > 0 {
		if err := protocol.SendMessage(ctx, s.transport, protocol.KindSubscribePacket, packetFor(msgs)); err != nil {
			return err
		}
	}

	sub := s.queue.Subscribe()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, open := <-sub.Messages():
				if !open {
					return
				}
				if err := protocol.SendMessage(ctx, s.transport, protocol.KindSubscribePacket, packetFor([]mqueue.Message{m})); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

func packetFor(msgs []mqueue.Message) protocol.SubscribePacket {
	var p protocol.SubscribePacket
	for _, m := range msgs {
		p.MessageCursor = m.Cursor
		if m.Patch != nil {
			p.Messages = append(p.Messages, *m.Patch)
		}
		if m.Notification != "" {
			p.Notifications = append(p.Notifications, m.Notification)
		}
	}
	return p
}

func (s *Session) handleWrite(ctx context.Context, payload []byte) error {
	var req protocol.WriteRequest
	if err := protocol.Decode(payload, &req); err != nil {
		return err
	}
	stageIds := make([]tree.InstanceId, len(req.StageIds))
	for i, id := range req.StageIds {
		stageIds[i] = tree.InstanceId(id)
	}
	res, err := s.proc.Submit(ctx, changeproc.WriteRequest{
		Patch:    protocol.FromWirePatch(req.Patch),
		StageIds: stageIds,
	})
	if err != nil {
		return err
	}
	resp := protocol.WriteResponse{Applied: len(res.Unapplied) == 0}
	for _, u := range res.Unapplied {
		resp.Unapplied = append(resp.Unapplied, u.Reason)
	}
	return protocol.SendMessage(ctx, s.transport, protocol.KindWriteResponse, resp)
}

func (s *Session) handleOpen(payload []byte) error {
	var req protocol.OpenRequest
	if err := protocol.Decode(payload, &req); err != nil {
		return err
	}
	if err := s.openHook(tree.InstanceId(req.Id)); err != nil {
		log.Printf("[server] open %s: %v", req.Id, err)
	}
	return nil
}

func (s *Session) handleSerialize(ctx context.Context, payload []byte) error {
	var req protocol.SerializeRequest
	if err := protocol.Decode(payload, &req); err != nil {
		return err
	}
	return protocol.SendMessage(ctx, s.transport, protocol.KindSerializeResponse, protocol.SerializeResponse{
		Instances: s.snapshotIds(req.Ids),
	})
}

// handleRefPatch answers with the current reference-typed property values
// of the requested ids, as update entries. The plugin uses this after its
// fallback tear-down-and-replace flow, when freshly inserted instances
// need their reference properties restitched.
func (s *Session) handleRefPatch(ctx context.Context, payload []byte) error {
	var req protocol.RefPatchRequest
	if err := protocol.Decode(payload, &req); err != nil {
		return err
	}
	var p protocol.WirePatch
	for _, id := range req.Ids {
		inst, ok := s.tree.Get(tree.InstanceId(id))
		if !ok {
			continue
		}
		changed := make(map[string]protocol.WireVariant)
		for name, v := range inst.Properties {
			if v.Kind == variant.KindRef {
				changed[name] = protocol.ToWire(v)
			}
		}
		if len(changed) > 0 {
			p.Updated = append(p.Updated, protocol.WireUpdatedInstance{Id: id, Changed: changed})
		}
	}
	return protocol.SendMessage(ctx, s.transport, protocol.KindRefPatchResponse, protocol.RefPatchResponse{Patch: p})
}
