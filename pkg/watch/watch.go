// Package watch captures live component state into a snapshot every frame.
// Each tracked field has a watch point caching the last seen value; only
// values that changed are quantized and written to the snapshot.
package watch

import (
	"slices"

	"github.com/QYUbit/snapnet/pkg/axlog"
	"github.com/QYUbit/snapnet/pkg/compress"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/snapshot"
)

type Mode uint8

const (
	// ModeServer tracks every replicable component of Replicated entities.
	ModeServer Mode = iota
	// ModeClient tracks the components named by each entity's Predicted
	// mask.
	ModeClient
)

type point struct {
	field      *ecs.FieldDesc
	cached     any
	valid      bool
	comparable bool
}

type watchedComponent struct {
	key    ecs.ComponentKey
	desc   *ecs.TypeDesc
	points []point
	snap   *snapshot.Component
}

type watchedEntity struct {
	components []*watchedComponent
}

type Option func(*System)

func WithLogger(l axlog.Logger) Option {
	return func(s *System) { s.log = l }
}

// System owns the live snapshot of one world. It runs on the simulation
// goroutine only.
type System struct {
	world *ecs.World
	comps *compress.Registry
	mode  Mode
	log   axlog.Logger

	live     *snapshot.Snapshot
	entities map[ecs.EntityID]*watchedEntity
	version  uint64
	synced   bool

	changed      map[ecs.EntityID]uint32
	subtree      map[ecs.EntityID]uint32
	frameChanged []ecs.EntityID
}

func New(world *ecs.World, comps *compress.Registry, mode Mode, opts ...Option) *System {
	s := &System{
		world:    world,
		comps:    comps,
		mode:     mode,
		log:      axlog.Nop(),
		live:     snapshot.New(0),
		entities: make(map[ecs.EntityID]*watchedEntity),
		changed:  make(map[ecs.EntityID]uint32),
		subtree:  make(map[ecs.EntityID]uint32),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the live snapshot. It is only consistent between two
// Capture calls and must be copied before it is stored.
func (s *System) Snapshot() *snapshot.Snapshot { return s.live }

// ChangedFrame returns the last frame in which a field or component of id
// changed.
func (s *System) ChangedFrame(id ecs.EntityID) uint32 { return s.changed[id] }

// SubtreeChangedFrame returns the last frame in which anything in the subtree
// rooted at id changed, including its structure.
func (s *System) SubtreeChangedFrame(id ecs.EntityID) uint32 { return s.subtree[id] }

func (s *System) Tracked(id ecs.EntityID) bool {
	_, ok := s.entities[id]
	return ok
}

// Capture records frame into the live snapshot and returns the ids of the
// entities that changed. The slice is reused by the next call.
func (s *System) Capture(frame uint32) []ecs.EntityID {
	s.frameChanged = s.frameChanged[:0]
	if !s.synced || s.world.StructureVersion() != s.version {
		s.sync(frame)
	}

	for id, we := range s.entities {
		dirty := false
		for _, wc := range we.components {
			if s.captureComponent(id, wc) {
				dirty = true
			}
		}
		if dirty {
			s.markChanged(id, frame)
		}
	}

	s.live.Frame = frame
	return s.frameChanged
}

func (s *System) captureComponent(id ecs.EntityID, wc *watchedComponent) bool {
	live, ok := s.world.Component(id, wc.key)
	if !ok {
		return false
	}

	dirty := false
	for i := range wc.points {
		p := &wc.points[i]
		v := p.field.Get(live)
		if p.valid && s.same(p, v) {
			continue
		}
		wc.snap.Fields[i].Value = s.comps.Quantize(v, p.field.Scheme, p.field.DeltaPrecision)
		p.cached = v
		p.valid = true
		dirty = true
	}
	return dirty
}

func (s *System) same(p *point, v any) bool {
	if p.comparable {
		return v == p.cached
	}
	return s.comps.ForValue(v).IsEqual(v, p.cached, 0)
}

func (s *System) markChanged(id ecs.EntityID, frame uint32) {
	if s.changed[id] != frame {
		s.frameChanged = append(s.frameChanged, id)
	}
	s.changed[id] = frame
	s.markSubtree(id, frame)
}

func (s *System) markSubtree(id ecs.EntityID, frame uint32) {
	for id != ecs.InvalidEntity {
		s.subtree[id] = frame
		e, ok := s.live.Entities[id]
		if !ok {
			return
		}
		id = e.Parent
	}
}

func (s *System) tracksEntity(id ecs.EntityID) bool {
	if id == ecs.SceneID {
		return true
	}
	if !s.world.InScene(id) {
		return false
	}
	switch s.mode {
	case ModeClient:
		return ecs.Get[ecs.Predicted](s.world, id) != nil
	default:
		return ecs.Get[ecs.Replicated](s.world, id) != nil
	}
}

func (s *System) tracksComponent(id ecs.EntityID, d *ecs.TypeDesc) bool {
	if !d.Replicable() {
		return false
	}
	switch s.mode {
	case ModeClient:
		return ecs.IsPredicted(s.world, id, d.ID)
	default:
		return d.Privacy != ecs.ServerOnly
	}
}

// trackedParent returns the closest tracked ancestor of id.
func (s *System) trackedParent(id ecs.EntityID, tracked map[ecs.EntityID]bool) ecs.EntityID {
	for p := s.world.Parent(id); p != ecs.InvalidEntity; p = s.world.Parent(p) {
		if tracked[p] {
			return p
		}
	}
	return ecs.SceneID
}

// sync rebuilds the snapshot structure and the watch points after the
// world structure changed.
func (s *System) sync(frame uint32) {
	s.synced = true
	s.version = s.world.StructureVersion()

	tracked := make(map[ecs.EntityID]bool)
	ids := s.world.Entities()
	for _, id := range ids {
		if s.tracksEntity(id) {
			tracked[id] = true
		}
	}

	for id, e := range s.live.Entities {
		if tracked[id] {
			continue
		}
		s.markSubtree(e.Parent, frame)
		delete(s.live.Entities, id)
		delete(s.entities, id)
		delete(s.changed, id)
		delete(s.subtree, id)
	}

	for _, id := range ids {
		if !tracked[id] {
			continue
		}
		parent := ecs.InvalidEntity
		if id != ecs.SceneID {
			parent = s.trackedParent(id, tracked)
		}

		e, ok := s.live.Entities[id]
		if !ok {
			e = &snapshot.Entity{ID: id, Parent: parent, Components: make(map[ecs.ComponentKey]*snapshot.Component)}
			s.live.Entities[id] = e
			s.entities[id] = &watchedEntity{}
			s.changed[id] = frame
			s.frameChanged = append(s.frameChanged, id)
		} else if e.Parent != parent {
			s.markSubtree(e.Parent, frame)
			e.Parent = parent
		}
		if s.entities[id] == nil {
			s.entities[id] = &watchedEntity{}
		}
		s.syncComponents(id, e, frame)
	}

	for _, e := range s.live.Entities {
		e.Children = e.Children[:0]
	}
	for _, id := range ids {
		if !tracked[id] || id == ecs.SceneID {
			continue
		}
		p := s.live.Entities[s.live.Entities[id].Parent]
		p.Children = append(p.Children, id)
	}
	s.live.Roots = append(s.live.Roots[:0], ecs.SceneID)

	for _, id := range s.frameChanged {
		s.markSubtree(id, frame)
	}
	s.log.Debug("watch structure synced", "entities", len(s.entities), "frame", frame)
}

func (s *System) syncComponents(id ecs.EntityID, e *snapshot.Entity, frame uint32) {
	we := s.entities[id]
	types := s.world.Types()

	var keys []ecs.ComponentKey
	for _, k := range s.world.Keys(id) {
		if d, ok := types.Lookup(k.Type); ok && s.tracksComponent(id, d) {
			keys = append(keys, k)
		}
	}

	changed := false
	kept := we.components[:0]
	for _, wc := range we.components {
		if _, found := slices.BinarySearchFunc(keys, wc.key, ecs.ComponentKey.Compare); found {
			kept = append(kept, wc)
			continue
		}
		delete(e.Components, wc.key)
		changed = true
	}
	we.components = kept

	for _, k := range keys {
		if slices.ContainsFunc(we.components, func(wc *watchedComponent) bool { return wc.key == k }) {
			continue
		}
		d := types.Type(k.Type)
		wc := &watchedComponent{
			key:    k,
			desc:   d,
			points: make([]point, len(d.Fields)),
			snap:   snapshot.NewComponent(d),
		}
		for i := range d.Fields {
			wc.points[i] = point{field: &d.Fields[i], comparable: d.Fields[i].Type.Comparable()}
		}
		we.components = append(we.components, wc)
		e.Components[k] = wc.snap
		changed = true
	}
	slices.SortFunc(we.components, func(a, b *watchedComponent) int { return a.key.Compare(b.key) })

	if changed && s.changed[id] != frame {
		s.changed[id] = frame
		s.frameChanged = append(s.frameChanged, id)
	}
}

// WriteEntity writes the current quantized state of the tracked components
// of id into dst without touching the watch points. It is used to record
// replayed frames.
func (s *System) WriteEntity(dst *snapshot.Snapshot, id ecs.EntityID) {
	we, ok := s.entities[id]
	if !ok {
		return
	}
	parent := ecs.SceneID
	if le, ok := s.live.Entities[id]; ok {
		parent = le.Parent
	}
	e := dst.Entity(id)
	if e == nil {
		if e = dst.AddEntity(parent, id); e == nil {
			return
		}
	}

	for _, wc := range we.components {
		live, ok := s.world.Component(id, wc.key)
		if !ok {
			continue
		}
		c, ok := e.Components[wc.key]
		if !ok {
			c = snapshot.NewComponent(wc.desc)
			e.Components[wc.key] = c
		}
		for i := range wc.points {
			f := wc.points[i].field
			c.Fields[i].Value = s.comps.Quantize(f.Get(live), f.Scheme, f.DeltaPrecision)
		}
	}
}
