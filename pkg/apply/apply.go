// Package apply integrates received deltas into the client world. Deltas are
// reconstructed into the client's copy of the server history, the newest
// state per entity becomes the confirmed snapshot and is written into the
// live components. New entities and components are created detached and
// attached only after their data is populated.
package apply

import (
	"errors"
	"slices"

	"github.com/QYUbit/snapnet/pkg/axlog"
	"github.com/QYUbit/snapnet/pkg/compress"
	"github.com/QYUbit/snapnet/pkg/diff"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/history"
	"github.com/QYUbit/snapnet/pkg/metrics"
	"github.com/QYUbit/snapnet/pkg/replication"
	"github.com/QYUbit/snapnet/pkg/snapshot"
)

type Status uint8

const (
	StatusApplied Status = iota
	// StatusSkipped marks a delta superseded by a newer one. Its state is
	// still recorded in the history.
	StatusSkipped
	// StatusUnusable marks a delta that could not be reconstructed, usually
	// because its base frame is not in the history.
	StatusUnusable
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusSkipped:
		return "skipped"
	default:
		return "unusable"
	}
}

var errNoBase = errors.New("apply: base frame not in history")

type Result struct {
	Delta  replication.Delta
	Status Status
}

type Option func(*Integrator)

// WithOnApplied registers a hook called for every processed delta.
func WithOnApplied(fn func(d replication.Delta, s Status)) Option {
	return func(in *Integrator) { in.onApplied = fn }
}

func WithLogger(l axlog.Logger) Option {
	return func(in *Integrator) { in.log = l }
}

func WithMetrics(m *metrics.Replication) Option {
	return func(in *Integrator) { in.metrics = m }
}

type pendingComponent struct {
	key   ecs.ComponentKey
	value any
}

type Integrator struct {
	world   *ecs.World
	types   *ecs.Registry
	comps   *compress.Registry
	reader  *diff.Reader
	history *history.Ring

	confirmed   *snapshot.Snapshot
	lastApplied map[ecs.EntityID]uint32

	pendingEntities   map[ecs.EntityID]ecs.EntityID
	pendingComponents map[ecs.EntityID][]pendingComponent
	touched           map[ecs.EntityID]uint32

	onApplied func(replication.Delta, Status)
	log       axlog.Logger
	metrics   *metrics.Replication
}

// New returns an integrator writing into world. hist receives the
// reconstructed server frames and must be at least as large as the server's.
func New(world *ecs.World, comps *compress.Registry, hist *history.Ring, opts ...Option) *Integrator {
	in := &Integrator{
		world:             world,
		types:             world.Types(),
		comps:             comps,
		reader:            diff.NewReader(world.Types(), comps),
		history:           hist,
		confirmed:         snapshot.New(0),
		lastApplied:       make(map[ecs.EntityID]uint32),
		pendingEntities:   make(map[ecs.EntityID]ecs.EntityID),
		pendingComponents: make(map[ecs.EntityID][]pendingComponent),
		touched:           make(map[ecs.EntityID]uint32),
		log:               axlog.Nop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// LastApplied returns the newest frame applied for id, zero when the entity
// was never confirmed.
func (in *Integrator) LastApplied(id ecs.EntityID) uint32 { return in.lastApplied[id] }

// Confirmed is the newest server state of every entity.
func (in *Integrator) Confirmed() *snapshot.Snapshot { return in.confirmed }

func (in *Integrator) ServerHistory() *history.Ring { return in.history }

// Touched returns the entities touched by the last Process call with the
// frame they were touched at.
func (in *Integrator) Touched() map[ecs.EntityID]uint32 { return in.touched }

// Process integrates deltas given in arrival order. Every delta is first
// reconstructed into the server history in arrival order so later deltas of
// the batch can use earlier ones as base. The deltas are then walked newest
// first and a delta only reaches the world when its target frame is newer
// than the last frame applied for its entity.
func (in *Integrator) Process(deltas []replication.Delta) []Result {
	clear(in.touched)
	results := make([]Result, len(deltas))
	targets := make([]*snapshot.Snapshot, len(deltas))

	for i, d := range deltas {
		results[i] = Result{Delta: d, Status: StatusSkipped}
		target, err := in.reconstruct(d)
		if err != nil {
			results[i].Status = StatusUnusable
			in.log.Debug("delta unusable", "entity", d.Entity, "base", d.Base, "target", d.Target, "error", err)
			continue
		}
		targets[i] = target
	}

	for i := len(deltas) - 1; i >= 0; i-- {
		d := deltas[i]
		if results[i].Status != StatusUnusable && d.Target > in.lastApplied[d.Entity] {
			in.apply(d, targets[i])
			results[i].Status = StatusApplied
		}
	}

	in.finalize()

	for _, r := range results {
		in.metrics.Delta(r.Status.String())
		if in.onApplied != nil {
			in.onApplied(r.Delta, r.Status)
		}
	}
	return results
}

// reconstruct decodes d into the history slot of its target frame. Frames
// that fall outside the history get a snapshot of their own.
func (in *Integrator) reconstruct(d replication.Delta) (*snapshot.Snapshot, error) {
	var base *snapshot.Snapshot
	if !d.Full() {
		base = in.history.Get(d.Base, false)
		if base == nil {
			return nil, errNoBase
		}
		if diff.RootMarker(d.Data) == diff.MarkerChanged && !base.Has(d.Entity) {
			return nil, errNoBase
		}
	}

	target := in.history.Get(d.Target, true)
	if target == nil {
		target = snapshot.New(d.Target)
	}
	if base != nil {
		target.FillSubtree(base, d.Entity)
	}
	if _, err := in.reader.Read(d.Data, d.Entity, diff.SnapshotSink{Snap: target}); err != nil {
		return nil, err
	}
	return target, nil
}

func (in *Integrator) apply(d replication.Delta, target *snapshot.Snapshot) {
	in.reconcile(d.Entity, in.confirmed.Subtree(d.Entity), target)
	in.confirmed.CopySubtree(target, d.Entity)
	in.lastApplied[d.Entity] = d.Target
}

// reconcile brings the world in line with the subtree of id in target.
// Removed entities and components go away immediately, new ones are created
// detached and wait in the pending sets until finalize.
func (in *Integrator) reconcile(id ecs.EntityID, old []ecs.EntityID, target *snapshot.Snapshot) {
	now := target.Subtree(id)
	for _, x := range old {
		if x != ecs.SceneID && !slices.Contains(now, x) {
			in.destroy(x)
		}
	}

	for _, x := range now {
		te := target.Entity(x)
		in.touched[x] = target.Frame
		if x != ecs.SceneID {
			in.ensureEntity(x, te.Parent)
		}

		ce := in.confirmed.Entity(x)
		for _, key := range te.Keys() {
			in.ensureComponent(x, key)
		}
		if ce == nil {
			continue
		}
		for key := range ce.Components {
			if _, ok := te.Components[key]; !ok {
				in.world.RemoveComponent(x, key)
				in.dropPendingComponent(x, key)
			}
		}
	}
}

func (in *Integrator) ensureEntity(id, parent ecs.EntityID) {
	if parent == ecs.InvalidEntity {
		parent = ecs.SceneID
	}
	if !in.world.Exists(id) {
		in.world.CreateDetached(id)
		if _, err := ecs.Add(in.world, id, ecs.Replicated{}); err != nil {
			in.log.Error("marking replicated entity failed", "entity", id, "error", err)
		}
		in.pendingEntities[id] = parent
		return
	}
	if _, pending := in.pendingEntities[id]; pending {
		in.pendingEntities[id] = parent
		return
	}
	if in.world.Parent(id) != parent {
		in.pendingEntities[id] = parent
	}
}

func (in *Integrator) ensureComponent(id ecs.EntityID, key ecs.ComponentKey) {
	if _, ok := in.world.Component(id, key); ok {
		return
	}
	for _, pc := range in.pendingComponents[id] {
		if pc.key == key {
			return
		}
	}
	d, ok := in.types.Lookup(key.Type)
	if !ok {
		return
	}
	in.pendingComponents[id] = append(in.pendingComponents[id], pendingComponent{key: key, value: d.New()})
}

func (in *Integrator) dropPendingComponent(id ecs.EntityID, key ecs.ComponentKey) {
	in.pendingComponents[id] = slices.DeleteFunc(in.pendingComponents[id], func(pc pendingComponent) bool {
		return pc.key == key
	})
}

func (in *Integrator) destroy(id ecs.EntityID) {
	in.world.Destroy(id)
	delete(in.pendingEntities, id)
	delete(in.pendingComponents, id)
}

// finalize writes the confirmed state into every touched entity, skipping
// locally predicted components, then attaches what was created this tick.
func (in *Integrator) finalize() {
	ids := make([]ecs.EntityID, 0, len(in.touched))
	for id := range in.touched {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		ce := in.confirmed.Entity(id)
		if ce == nil || !in.world.Exists(id) {
			continue
		}
		for key, sc := range ce.Components {
			live, ok := in.world.Component(id, key)
			if ok && ecs.IsPredicted(in.world, id, key.Type) {
				continue
			}
			if !ok {
				live = in.pendingValue(id, key)
			}
			if live == nil {
				continue
			}
			in.writeFields(key, sc, live)
		}
	}

	for id, comps := range in.pendingComponents {
		if in.world.Exists(id) {
			for _, pc := range comps {
				if _, err := in.world.AddComponent(id, pc.key.Index, pc.value); err != nil {
					in.log.Error("attaching component failed", "entity", id, "component", pc.key, "error", err)
				}
			}
		}
		delete(in.pendingComponents, id)
	}

	pending := make([]ecs.EntityID, 0, len(in.pendingEntities))
	for id := range in.pendingEntities {
		pending = append(pending, id)
	}
	slices.Sort(pending)
	for _, id := range pending {
		parent := in.pendingEntities[id]
		delete(in.pendingEntities, id)
		if !in.world.Exists(id) {
			continue
		}
		if !in.world.Exists(parent) {
			parent = ecs.SceneID
		}
		if err := in.world.Attach(id, parent); err != nil {
			in.log.Error("attaching entity failed", "entity", id, "parent", parent, "error", err)
		}
	}
}

func (in *Integrator) pendingValue(id ecs.EntityID, key ecs.ComponentKey) any {
	for _, pc := range in.pendingComponents[id] {
		if pc.key == key {
			return pc.value
		}
	}
	return nil
}

func (in *Integrator) writeFields(key ecs.ComponentKey, sc *snapshot.Component, live any) {
	d, ok := in.types.Lookup(key.Type)
	if !ok {
		return
	}
	for i := range d.Fields {
		if i < len(sc.Fields) && sc.Fields[i].Value != nil {
			d.Fields[i].Set(live, sc.Fields[i].Value)
		}
	}
}
