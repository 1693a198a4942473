// Package protocol implements the wire format and message envelope
// between the server (change processor / message queue) and the editor
// plugin's reconciler and change batcher. Messages are MessagePack-encoded
// with numeric struct tags to keep the frames compact.
package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/variant"
)

// ProtocolVersion is bumped whenever a wire-incompatible change is made to
// the message shapes below.
const ProtocolVersion = 1

// WireVariant is the MessagePack-serializable mirror of variant.Variant. A
// closed tagged union keeps the wire format symmetric with the in-memory
// one.
type WireVariant struct {
	Kind    uint8             `msgpack:"1"`
	Bool    bool              `msgpack:"2,omitempty"`
	Int     int64             `msgpack:"3,omitempty"`
	Float   float64           `msgpack:"4,omitempty"`
	String  string            `msgpack:"5,omitempty"`
	Binary  []byte            `msgpack:"6,omitempty"`
	Floats  []float64         `msgpack:"7,omitempty"` // Vector3(3) / CFrame(3+9) / UDim(2) / UDim2(4) / Color3(3)
	Enum    int64             `msgpack:"8,omitempty"`
	Tags    []string          `msgpack:"9,omitempty"`
	Attrs   map[string]WireVariant `msgpack:"10,omitempty"`
	RefTarget string          `msgpack:"11,omitempty"`
	RefNull bool              `msgpack:"12,omitempty"`
}

// ToWire converts a live Variant into its wire form.
func ToWire(v variant.Variant) WireVariant {
	w := WireVariant{Kind: uint8(v.Kind)}
	switch v.Kind {
	case variant.KindBool:
		w.Bool = v.Bool
	case variant.KindInt:
		w.Int = v.Int
	case variant.KindFloat:
		w.Float = v.Float
	case variant.KindString:
		w.String = v.String
	case variant.KindBinary:
		w.Binary = v.Binary
	case variant.KindVector3:
		w.Floats = []float64{v.Vector3.X, v.Vector3.Y, v.Vector3.Z}
	case variant.KindCFrame:
		f := []float64{v.CFrame.Position.X, v.CFrame.Position.Y, v.CFrame.Position.Z}
		w.Floats = append(f, v.CFrame.Rotation[:]...)
	case variant.KindUDim:
		w.Floats = []float64{v.UDim.Scale, v.UDim.Offset}
	case variant.KindUDim2:
		w.Floats = []float64{v.UDim2.X.Scale, v.UDim2.X.Offset, v.UDim2.Y.Scale, v.UDim2.Y.Offset}
	case variant.KindColor3:
		w.Floats = []float64{v.Color3.R, v.Color3.G, v.Color3.B}
	case variant.KindEnum:
		w.Enum = v.Enum
	case variant.KindTags:
		w.Tags = v.Tags
	case variant.KindAttributes:
		w.Attrs = make(map[string]WireVariant, len(v.Attrs))
		for k, a := range v.Attrs {
			w.Attrs[k] = ToWire(a)
		}
	case variant.KindRef:
		w.RefTarget = v.Ref.Target
		w.RefNull = v.Ref.Null
	}
	return w
}

// FromWire is ToWire's inverse.
func FromWire(w WireVariant) variant.Variant {
	switch variant.Kind(w.Kind) {
	case variant.KindBool:
		return variant.FromBool(w.Bool)
	case variant.KindInt:
		return variant.FromInt(w.Int)
	case variant.KindFloat:
		return variant.FromFloat(w.Float)
	case variant.KindString:
		return variant.FromString(w.String)
	case variant.KindBinary:
		return variant.FromBinary(w.Binary)
	case variant.KindVector3:
		return variant.FromVector3(variant.Vector3{X: w.Floats[0], Y: w.Floats[1], Z: w.Floats[2]})
	case variant.KindCFrame:
		var rot [9]float64
		copy(rot[:], w.Floats[3:12])
		return variant.FromCFrame(variant.CFrame{
			Position: variant.Vector3{X: w.Floats[0], Y: w.Floats[1], Z: w.Floats[2]},
			Rotation: rot,
		})
	case variant.KindUDim:
		return variant.FromUDim(variant.UDim{Scale: w.Floats[0], Offset: w.Floats[1]})
	case variant.KindUDim2:
		return variant.FromUDim2(variant.UDim2{
			X: variant.UDim{Scale: w.Floats[0], Offset: w.Floats[1]},
			Y: variant.UDim{Scale: w.Floats[2], Offset: w.Floats[3]},
		})
	case variant.KindColor3:
		return variant.FromColor3(variant.Color3{R: w.Floats[0], G: w.Floats[1], B: w.Floats[2]})
	case variant.KindEnum:
		return variant.FromEnum(w.Enum)
	case variant.KindTags:
		return variant.FromTags(w.Tags)
	case variant.KindAttributes:
		attrs := make(map[string]variant.Variant, len(w.Attrs))
		for k, a := range w.Attrs {
			attrs[k] = FromWire(a)
		}
		return variant.FromAttrs(attrs)
	case variant.KindRef:
		if w.RefNull {
			return variant.NullRef()
		}
		return variant.FromRef(w.RefTarget)
	default:
		return variant.Nil()
	}
}

func wireProps(in map[string]variant.Variant) map[string]WireVariant {
	out := make(map[string]WireVariant, len(in))
	for k, v := range in {
		out[k] = ToWire(v)
	}
	return out
}

func fromWireProps(in map[string]WireVariant) map[string]variant.Variant {
	out := make(map[string]variant.Variant, len(in))
	for k, v := range in {
		out[k] = FromWire(v)
	}
	return out
}

// WireInstanceSnapshot is the wire form of a subtree handed to the plugin
// in `read`/`added` payloads.
type WireInstanceSnapshot struct {
	Id         string                 `msgpack:"5,omitempty"`
	ClassName  string                 `msgpack:"1"`
	Name       string                 `msgpack:"2"`
	Properties map[string]WireVariant `msgpack:"3,omitempty"`
	Children   []WireInstanceSnapshot `msgpack:"4,omitempty"`
}

// WireInstance converts a live tree.Instance plus its already-converted
// children into wire form. Id is carried at every level (not just the
// requested roots) so the editor-side Reconciler's hydration pass can
// Track each paired descendant under its real server id without a
// separate round trip per level.
func WireInstance(inst tree.Instance, children []WireInstanceSnapshot) WireInstanceSnapshot {
	return WireInstanceSnapshot{
		Id:         string(inst.Id),
		ClassName:  inst.ClassName,
		Name:       inst.Name,
		Properties: wireProps(inst.Properties),
		Children:   children,
	}
}

// Encode serializes any message payload to MessagePack bytes.
func Encode(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol encode: %w", err)
	}
	return b, nil
}

// Decode deserializes MessagePack bytes into v (a pointer).
func Decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol decode: %w", err)
	}
	return nil
}
