// Package host defines the narrow capability surface the editor-side
// Change Batcher and Reconciler need against the host editor's in-process
// DOM. The DOM itself is an
// external collaborator; this package only defines the interface our code
// is written against.
package host

import "github.com/jra3/rbxsync/internal/variant"

// Ref is an opaque handle to a live instance in the host DOM. Instance
// hosts define their own concrete type; this package never inspects it.
type Ref any

// ChangeEvent is one property-changed signal the host fires.
type ChangeEvent struct {
	Ref      Ref
	Property string
}

// Host is the capability surface the batcher and reconciler are written
// against.
type Host interface {
	ClassName(ref Ref) string
	Name(ref Ref) string
	// SetName renames ref. Name is surfaced separately from
	// GetProperty/SetProperty because, unlike an ordinary property, a
	// rename is never filtered by the reflection database.
	SetName(ref Ref, name string) error
	Parent(ref Ref) (Ref, bool)
	Children(ref Ref) []Ref

	// GetProperty reads a non-reference property. Reference-typed
	// properties are read with GetReference instead, since their value is
	// another live Ref the caller must resolve through its own id map
	// rather than an inert Variant.
	GetProperty(ref Ref, name string) (variant.Variant, bool)
	SetProperty(ref Ref, name string, v variant.Variant) error

	// GetReference reads a reference-typed property. isNull reports the
	// explicit "null handle" value; ok reports whether the
	// property exists at all.
	GetReference(ref Ref, name string) (target Ref, isNull bool, ok bool)
	// SetReference writes a reference-typed property to target, or to the
	// null handle when isNull is true.
	SetReference(ref Ref, name string, target Ref, isNull bool) error

	// Observe registers a listener for property-changed signals across
	// every tracked instance and returns an unsubscribe func.
	Observe(onChange func(ChangeEvent)) (unsubscribe func())

	// Insert creates a new instance of className under parent and returns
	// its Ref.
	Insert(parent Ref, className, name string) Ref
	// Destroy removes ref (and, per the host's own semantics, its
	// descendants).
	Destroy(ref Ref)
}
