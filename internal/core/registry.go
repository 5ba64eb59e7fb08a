package core

import (
	"fmt"
	"sync/atomic"
	"time"
)

// SnapshotMeta describes where a snapshot came from. It is carried for
// diagnostics only and never consulted during evaluation.
type SnapshotMeta struct {
	Version  string
	Source   string
	LoadedAt time.Time
}

// Snapshot is one immutable generation of a namespace's configuration: the
// flag-definition map plus the namespace kill switch. Build a snapshot with
// [NewSnapshot] and [AddFlag], then install it with [Namespace.Load]. After
// Load the snapshot must not be modified; reloads construct a fresh snapshot
// off to the side and swap it in whole.
type Snapshot struct {
	// Disabled is the namespace kill switch: when set, every evaluation
	// returns its flag's default with [DecisionRegistryDisabled].
	Disabled bool

	Meta SnapshotMeta

	flags map[string]any
}

// NewSnapshot creates an empty snapshot with the given metadata.
func NewSnapshot(meta SnapshotMeta) *Snapshot {
	return &Snapshot{
		Meta:  meta,
		flags: make(map[string]any),
	}
}

// AddFlag registers a flag definition in a snapshot under construction. The
// definition's key must be non-empty and unique within the snapshot.
//
// AddFlag is a free function rather than a method because Go methods cannot
// introduce type parameters.
func AddFlag[T any](s *Snapshot, def FlagDef[T]) error {
	if def.Key == "" {
		return fmt.Errorf("add flag: key is required")
	}
	if _, exists := s.flags[def.Key]; exists {
		return fmt.Errorf("add flag %q: duplicate key", def.Key)
	}

	s.flags[def.Key] = def
	return nil
}

// Len returns the number of flags in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.flags)
}

// Keys returns the flag keys present in the snapshot, in arbitrary order.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.flags))
	for key := range s.flags {
		keys = append(keys, key)
	}
	return keys
}

// Namespace is a named isolation boundary for flags. It holds the current
// snapshot behind an atomic pointer: readers never block, writers publish a
// fully built snapshot in a single swap, and an evaluation in flight observes
// either the entirely-old or entirely-new generation, never a mix.
//
// Concurrent Load calls race last-write-wins; callers needing ordering must
// serialize their own reloads.
type Namespace struct {
	name string
	snap atomic.Pointer[Snapshot]
}

// NewNamespace creates a namespace holding an empty, enabled snapshot.
func NewNamespace(name string) *Namespace {
	ns := &Namespace{name: name}
	ns.snap.Store(NewSnapshot(SnapshotMeta{LoadedAt: time.Now()}))
	return ns
}

// Name returns the namespace name.
func (n *Namespace) Name() string {
	return n.name
}

// Load atomically installs snap as the namespace's current snapshot. The
// caller must not mutate snap afterwards.
func (n *Namespace) Load(snap *Snapshot) {
	if snap == nil {
		snap = NewSnapshot(SnapshotMeta{LoadedAt: time.Now()})
	}
	n.snap.Store(snap)
}

// Current returns the snapshot evaluations will observe right now.
func (n *Namespace) Current() *Snapshot {
	return n.snap.Load()
}
