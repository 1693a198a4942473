package protocol

import (
	"github.com/jra3/rbxsync/internal/patch"
	"github.com/jra3/rbxsync/internal/tree"
)

// MessageKind identifies which envelope a Message carries, letting a
// single bounded-order channel multiplex every endpoint.
type MessageKind uint8

const (
	KindConnectRequest MessageKind = iota
	KindConnectResponse
	KindReadRequest
	KindReadResponse
	KindSubscribeRequest
	KindSubscribePacket
	KindWriteRequest
	KindWriteResponse
	KindOpenRequest
	KindSerializeRequest
	KindSerializeResponse
	KindRefPatchRequest
	KindRefPatchResponse
	KindNotification
)

// Envelope wraps every message exchanged on the transport with its kind,
// so a receiver can dispatch before decoding the payload.
type Envelope struct {
	Kind    MessageKind `msgpack:"1"`
	Payload []byte      `msgpack:"2"`
}

// ConnectRequest is the plugin's handshake.
type ConnectRequest struct {
	ProtocolVersion int    `msgpack:"1"`
	SessionId       string `msgpack:"2,omitempty"` // empty on first connect
}

// ConnectResponse answers the handshake.
type ConnectResponse struct {
	ProtocolVersion  int      `msgpack:"1"`
	SessionId        string   `msgpack:"2"`
	RootInstanceId   string   `msgpack:"3"`
	ProjectName      string   `msgpack:"4"`
	ExpectedPlaceIds []int64  `msgpack:"5,omitempty"`
	GameId           int64    `msgpack:"6,omitempty"`
	PlaceId          int64    `msgpack:"7,omitempty"`
	GitMetadata      string   `msgpack:"8,omitempty"`
}

// ReadRequest asks for a set of instances by id.
type ReadRequest struct {
	Ids []string `msgpack:"1"`
}

// ReadResponse carries the requested snapshots plus the queue cursor they
// were read at, so the caller can subscribe from exactly that point.
type ReadResponse struct {
	Instances     map[string]WireInstanceSnapshot `msgpack:"1"`
	MessageCursor uint64                          `msgpack:"2"`
}

// SubscribeRequest opens (or resumes) a message-queue subscription at a
// cursor.
type SubscribeRequest struct {
	Cursor uint64 `msgpack:"1"`
}

// SubscribePacket is one delivery on an open subscription. SnapshotRequired
// signals the queue's history doesn't reach back to Cursor and the
// subscriber must re-`read` the whole tree.
type SubscribePacket struct {
	MessageCursor    uint64       `msgpack:"1"`
	Messages         []WirePatch  `msgpack:"2,omitempty"`
	Notifications    []string     `msgpack:"3,omitempty"`
	SnapshotRequired bool         `msgpack:"4,omitempty"`
}

// WriteRequest is a plugin-originated patch, optionally carrying ids for
// the git auto-staging hook.
type WriteRequest struct {
	Patch    WirePatch `msgpack:"1"`
	StageIds []string  `msgpack:"2,omitempty"`
}

// WriteResponse acknowledges a write, reporting anything the applier
// refused.
type WriteResponse struct {
	Applied   bool     `msgpack:"1"`
	Unapplied []string `msgpack:"2,omitempty"`
}

// OpenRequest asks the (external) editor integration to open id's source
// file.
type OpenRequest struct {
	Id string `msgpack:"1"`
}

// SerializeRequest/SerializeResponse and RefPatchRequest/RefPatchResponse
// back the editor's fallback replacement flow.
type SerializeRequest struct {
	Ids []string `msgpack:"1"`
}

type SerializeResponse struct {
	Instances map[string]WireInstanceSnapshot `msgpack:"1"`
}

type RefPatchRequest struct {
	Ids []string `msgpack:"1"`
}

type RefPatchResponse struct {
	Patch WirePatch `msgpack:"1"`
}

// WireAddedInstance/WireUpdatedInstance/WirePatch mirror internal/patch's
// Patch, substituting wire-safe ids and WireVariant property maps so a
// Patch can cross the transport boundary.
type WireAddedInstance struct {
	Temp        string                 `msgpack:"1"`
	ParentId    string                 `msgpack:"2,omitempty"`
	ParentTemp  string                 `msgpack:"3,omitempty"`
	ClassName   string                 `msgpack:"4"`
	Name        string                 `msgpack:"5"`
	Properties  map[string]WireVariant `msgpack:"6,omitempty"`
	SpecifiedId string                 `msgpack:"7,omitempty"`
	// Id is the real InstanceId the tree assigned this addition, set only
	// on patches broadcast after apply (never on a patch still awaiting
	// apply). The editor-side Reconciler uses it to Track the instance it
	// just inserted under the same id.
	Id string `msgpack:"8,omitempty"`
}

type WireUpdatedInstance struct {
	Id        string                 `msgpack:"1"`
	Name      string                 `msgpack:"2,omitempty"`
	ClassName string                 `msgpack:"4,omitempty"`
	Changed   map[string]WireVariant `msgpack:"3,omitempty"`
}

type WirePatch struct {
	Added   []WireAddedInstance   `msgpack:"1,omitempty"`
	Removed []string              `msgpack:"2,omitempty"`
	Updated []WireUpdatedInstance `msgpack:"3,omitempty"`
}

// ToWirePatch converts a computed/applied patch.Patch into its wire form.
// The plugin never sees InstigatingSource/FromProject bookkeeping; those
// are server-internal.
func ToWirePatch(p patch.Patch) WirePatch {
	wp := WirePatch{
		Removed: make([]string, len(p.Removed)),
	}
	for i, id := range p.Removed {
		wp.Removed[i] = string(id)
	}
	for _, a := range p.Added {
		wp.Added = append(wp.Added, WireAddedInstance{
			Temp:        string(a.Temp),
			ParentId:    string(a.ParentId),
			ParentTemp:  string(a.ParentTemp),
			ClassName:   a.ClassName,
			Name:        a.Name,
			Properties:  wireProps(a.Properties),
			SpecifiedId: a.SpecifiedId,
			Id:          string(a.Id),
		})
	}
	for _, u := range p.Updated {
		wp.Updated = append(wp.Updated, WireUpdatedInstance{
			Id:        string(u.Id),
			Name:      u.Name,
			ClassName: u.ClassName,
			Changed:   wireProps(u.Changed),
		})
	}
	return wp
}

// FromWirePatch is ToWirePatch's inverse, used when the server decodes a
// plugin-originated write.
func FromWirePatch(wp WirePatch) patch.Patch {
	var p patch.Patch
	for _, id := range wp.Removed {
		p.Removed = append(p.Removed, tree.InstanceId(id))
	}
	for _, a := range wp.Added {
		p.Added = append(p.Added, patch.AddedInstance{
			Temp:        patch.TempId(a.Temp),
			ParentId:    tree.InstanceId(a.ParentId),
			ParentTemp:  patch.TempId(a.ParentTemp),
			ClassName:   a.ClassName,
			Name:        a.Name,
			Properties:  fromWireProps(a.Properties),
			SpecifiedId: a.SpecifiedId,
			Id:          tree.InstanceId(a.Id),
		})
	}
	for _, u := range wp.Updated {
		p.Updated = append(p.Updated, patch.UpdatedInstance{
			Id:        tree.InstanceId(u.Id),
			Name:      u.Name,
			ClassName: u.ClassName,
			Changed:   fromWireProps(u.Changed),
		})
	}
	return p
}
