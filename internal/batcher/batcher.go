// Package batcher implements the editor-side Change Batcher:
// a cooperative, single-threaded coalescer that observes host-DOM
// property-changed signals, accumulates them over a fixed interval, and
// encodes a single Patch per flush for a transport callback to ship to
// the server. It also maintains the reverse instance->id map that
// resolves reference properties, deferring unresolved ones until their
// target is tracked.
package batcher

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jra3/rbxsync/internal/host"
	"github.com/jra3/rbxsync/internal/patch"
	"github.com/jra3/rbxsync/internal/reflection"
	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/variant"
)

// FlushInterval is the batch window.
const FlushInterval = 200 * time.Millisecond

// Batcher coalesces host-DOM changes into Patches. The host provides no
// true per-frame signal in this repo (that hook belongs to the host
// integration), so Start drives the flush loop with a
// time.Ticker at FlushInterval instead, which is observationally
// equivalent for a host that ticks at least that often.
type Batcher struct {
	h    host.Host
	refl *reflection.Database

	mu              sync.Mutex
	forward         map[host.Ref]tree.InstanceId
	reverse         map[tree.InstanceId]host.Ref
	pendingChanged  map[host.Ref]map[string]bool
	pendingAdded    map[host.Ref]bool
	pendingRemoved  map[host.Ref]bool
	postInsertHooks map[host.Ref][]func()
	paused          bool
	sourceOnly      bool

	tempIds     map[host.Ref]patch.TempId
	tempCounter int

	unsubscribe func()
	done        chan struct{}
	onFlush     func(patch.Patch)
}

// New builds a Batcher against host h, consulting refl to decide which
// properties are wire-encodable. onFlush receives the Patch computed at
// every flush that had pending changes; that Patch is empty when every
// pending change was filtered out or deferred. The caller owns transport.
func New(h host.Host, refl *reflection.Database, onFlush func(patch.Patch)) *Batcher {
	b := &Batcher{
		h:               h,
		refl:            refl,
		forward:         make(map[host.Ref]tree.InstanceId),
		reverse:         make(map[tree.InstanceId]host.Ref),
		pendingChanged:  make(map[host.Ref]map[string]bool),
		pendingAdded:    make(map[host.Ref]bool),
		pendingRemoved:  make(map[host.Ref]bool),
		postInsertHooks: make(map[host.Ref][]func()),
		tempIds:         make(map[host.Ref]patch.TempId),
		onFlush:         onFlush,
	}
	b.unsubscribe = h.Observe(b.onChange)
	return b
}

// Track registers ref as already corresponding to id (used by the
// Reconciler during hydration). Any reference
// property deferred waiting on this ref is retried on the next flush.
func (b *Batcher) Track(ref host.Ref, id tree.InstanceId) {
	b.mu.Lock()
	b.forward[ref] = id
	b.reverse[id] = ref
	hooks := b.postInsertHooks[ref]
	delete(b.postInsertHooks, ref)
	b.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// Untrack removes ref's id mapping (after a server-confirmed removal).
func (b *Batcher) Untrack(ref host.Ref) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.forward[ref]; ok {
		delete(b.reverse, id)
	}
	delete(b.forward, ref)
}

// Pause/Resume gate Flush so server-originated patch application doesn't
// echo straight back into a new outgoing patch. Changes
// observed while paused still accumulate; they are not lost.
func (b *Batcher) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

func (b *Batcher) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
}

// SetSyncSourceOnly toggles "sync-source-only" mode, which filters the
// flushed patch down to just Source property changes.
func (b *Batcher) SetSyncSourceOnly(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sourceOnly = on
}

// Start begins the flush loop (host change signals are already subscribed
// as of New). It returns a stop func.
func (b *Batcher) Start() (stop func()) {
	b.done = make(chan struct{})
	go b.run()
	return b.Stop
}

func (b *Batcher) Stop() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	if b.done != nil {
		close(b.done)
	}
}

func (b *Batcher) run() {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

func (b *Batcher) onChange(ev host.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Property == "Parent" {
		if _, hasParent := b.h.Parent(ev.Ref); !hasParent {
			b.pendingRemoved[ev.Ref] = true
			delete(b.pendingChanged, ev.Ref)
			delete(b.pendingAdded, ev.Ref)
			return
		}
	}

	if _, tracked := b.forward[ev.Ref]; !tracked {
		b.pendingAdded[ev.Ref] = true
		return
	}

	set, ok := b.pendingChanged[ev.Ref]
	if !ok {
		set = make(map[string]bool)
		b.pendingChanged[ev.Ref] = set
	}
	set[ev.Property] = true
}

// Flush computes and delivers the patch for everything accumulated since
// the last flush. Safe to call directly (e.g. from tests) instead of
// waiting on the ticker.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.paused {
		b.mu.Unlock()
		return
	}
	changed := b.pendingChanged
	added := b.pendingAdded
	removed := b.pendingRemoved
	sourceOnly := b.sourceOnly
	b.pendingChanged = make(map[host.Ref]map[string]bool)
	b.pendingAdded = make(map[host.Ref]bool)
	b.pendingRemoved = make(map[host.Ref]bool)
	b.mu.Unlock()

	if len(changed) == 0 && len(added) == 0 && len(removed) == 0 {
		return
	}

	var p patch.Patch

	for ref := range removed {
		b.mu.Lock()
		id, ok := b.forward[ref]
		if ok {
			delete(b.forward, ref)
			delete(b.reverse, id)
		}
		b.mu.Unlock()
		if ok {
			p.Removed = append(p.Removed, id)
		}
	}

	for ref := range added {
		if removed[ref] {
			continue // created and destroyed within the same window
		}
		inst, ok := b.encodeAdded(ref)
		if !ok {
			continue
		}
		p.Added = append(p.Added, inst)
	}

	for ref, props := range changed {
		if removed[ref] {
			continue
		}
		b.mu.Lock()
		id, tracked := b.forward[ref]
		b.mu.Unlock()
		if !tracked {
			continue
		}
		className := b.h.ClassName(ref)
		u := patch.UpdatedInstance{Id: id, Changed: make(map[string]variant.Variant)}
		for prop := range props {
			if sourceOnly && prop != "Source" {
				continue
			}
			if prop == "Name" {
				u.Name = b.h.Name(ref)
				continue
			}
			info, ok := b.refl.Property(className, prop)
			if !ok || !info.Serializes {
				continue
			}
			if info.Type == reflection.TypeRef {
				if resolved, ok := b.resolveRef(ref, prop); ok {
					u.Changed[prop] = resolved
				}
				continue
			}
			v, ok := b.h.GetProperty(ref, prop)
			if !ok {
				continue
			}
			u.Changed[prop] = v
		}
		if u.Name != "" || len(u.Changed) > 0 {
			p.Updated = append(p.Updated, u)
		}
	}

	sortPatch(&p)

	if b.onFlush != nil {
		b.onFlush(p)
	}
}

// encodeAdded builds a patch.AddedInstance for a newly observed,
// not-yet-tracked ref. The parent must already be tracked: chaining
// through multiple untracked ancestor levels in one flush window is not
// supported. A ref whose parent is untracked is left out of the flush and
// is not queued again; it reaches a later patch only if the host reports
// another change on it after its parent is tracked.
func (b *Batcher) encodeAdded(ref host.Ref) (patch.AddedInstance, bool) {
	parentRef, hasParent := b.h.Parent(ref)
	if !hasParent {
		return patch.AddedInstance{}, false
	}
	b.mu.Lock()
	parentId, parentTracked := b.forward[parentRef]
	b.mu.Unlock()
	if !parentTracked {
		return patch.AddedInstance{}, false
	}

	className := b.h.ClassName(ref)
	name := b.h.Name(ref)
	props := make(map[string]variant.Variant)
	for _, propName := range b.refl.CanonicalProperties(className) {
		info, ok := b.refl.Property(className, propName)
		if !ok || !info.Serializes || info.Type == reflection.TypeRef {
			continue // refs on brand-new instances resolve after a later flush
		}
		v, ok := b.h.GetProperty(ref, propName)
		if !ok {
			continue
		}
		props[propName] = v
	}

	return patch.AddedInstance{
		Temp:       b.tempIdFor(ref),
		ParentId:   parentId,
		ClassName:  className,
		Name:       name,
		Properties: props,
	}, true
}

// resolveRef resolves a reference property to the target's tracked
// InstanceId. If the target isn't tracked yet, the change is deferred: a
// hook retries it (by re-marking the property dirty) once the target is
// registered via Track.
func (b *Batcher) resolveRef(ref host.Ref, prop string) (variant.Variant, bool) {
	target, isNull, ok := b.h.GetReference(ref, prop)
	if !ok {
		return variant.Variant{}, false
	}
	if isNull {
		return variant.NullRef(), true
	}

	b.mu.Lock()
	id, tracked := b.forward[target]
	if !tracked {
		b.postInsertHooks[target] = append(b.postInsertHooks[target], func() {
			b.mu.Lock()
			set, ok := b.pendingChanged[ref]
			if !ok {
				set = make(map[string]bool)
				b.pendingChanged[ref] = set
			}
			set[prop] = true
			b.mu.Unlock()
		})
	}
	b.mu.Unlock()
	if !tracked {
		return variant.Variant{}, false
	}
	return variant.FromRef(string(id)), true
}

// tempIdFor assigns a stable temp id to a not-yet-tracked ref, reusing one
// already minted for it within this Batcher's lifetime (so a multi-flush
// ParentTemp chain, were one ever built up, would still resolve).
func (b *Batcher) tempIdFor(ref host.Ref) patch.TempId {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.tempIds[ref]; ok {
		return id
	}
	b.tempCounter++
	id := patch.TempId(fmt.Sprintf("batcher-%d", b.tempCounter))
	b.tempIds[ref] = id
	return id
}

func sortPatch(p *patch.Patch) {
	sort.Slice(p.Added, func(i, j int) bool { return p.Added[i].Name < p.Added[j].Name })
	sort.Slice(p.Removed, func(i, j int) bool { return p.Removed[i] < p.Removed[j] })
	sort.Slice(p.Updated, func(i, j int) bool { return p.Updated[i].Id < p.Updated[j].Id })
}
