// Package snapshot holds frame stamped copies of replicated state organised
// as an entity tree.
package snapshot

import (
	"maps"
	"slices"

	"github.com/QYUbit/snapnet/pkg/compress"
	"github.com/QYUbit/snapnet/pkg/ecs"
)

// Field is the captured value of one replicated field plus the metadata the
// diff codec needs to encode it.
type Field struct {
	Value            any
	Privacy          ecs.Privacy
	Scheme           compress.Scheme
	ComparePrecision float64
	DeltaPrecision   float64
}

type Component struct {
	Privacy ecs.Privacy
	Fields  []Field
}

// NewComponent returns a component with zero valued fields laid out as d
// describes.
func NewComponent(d *ecs.TypeDesc) *Component {
	c := &Component{
		Privacy: d.Privacy,
		Fields:  make([]Field, len(d.Fields)),
	}
	for i, f := range d.Fields {
		c.Fields[i] = Field{
			Value:            f.Zero,
			Privacy:          f.Privacy,
			Scheme:           f.Scheme,
			ComparePrecision: f.ComparePrecision,
			DeltaPrecision:   f.DeltaPrecision,
		}
	}
	return c
}

func (c *Component) Clone() *Component {
	return &Component{Privacy: c.Privacy, Fields: slices.Clone(c.Fields)}
}

type Entity struct {
	ID         ecs.EntityID
	Parent     ecs.EntityID
	Children   []ecs.EntityID
	Components map[ecs.ComponentKey]*Component
}

func newEntity(id, parent ecs.EntityID) *Entity {
	return &Entity{
		ID:         id,
		Parent:     parent,
		Components: make(map[ecs.ComponentKey]*Component),
	}
}

// Keys returns the component keys in (type, index) order.
func (e *Entity) Keys() []ecs.ComponentKey {
	keys := slices.Collect(maps.Keys(e.Components))
	slices.SortFunc(keys, ecs.ComponentKey.Compare)
	return keys
}

func (e *Entity) cloneComponents() map[ecs.ComponentKey]*Component {
	out := make(map[ecs.ComponentKey]*Component, len(e.Components))
	for k, c := range e.Components {
		out[k] = c.Clone()
	}
	return out
}

// Snapshot is one self contained capture. Entities never alias memory of
// another snapshot.
type Snapshot struct {
	Frame    uint32
	Entities map[ecs.EntityID]*Entity
	// Roots lists entities whose parent is not part of the snapshot, in
	// ascending order. The scene root is always one of them.
	Roots []ecs.EntityID
}

func New(frame uint32) *Snapshot {
	s := &Snapshot{Entities: make(map[ecs.EntityID]*Entity)}
	s.Reset(frame)
	return s
}

// Reset drops every entity except an empty scene root.
func (s *Snapshot) Reset(frame uint32) {
	s.Frame = frame
	clear(s.Entities)
	s.Entities[ecs.SceneID] = newEntity(ecs.SceneID, ecs.InvalidEntity)
	s.Roots = append(s.Roots[:0], ecs.SceneID)
}

func (s *Snapshot) Entity(id ecs.EntityID) *Entity {
	return s.Entities[id]
}

func (s *Snapshot) Has(id ecs.EntityID) bool {
	_, ok := s.Entities[id]
	return ok
}

// AddEntity returns the entity id, creating it under parent when missing.
// An existing entity is moved to parent. It returns nil when parent is id
// itself or one of its descendants.
func (s *Snapshot) AddEntity(parent, id ecs.EntityID) *Entity {
	if id != ecs.SceneID && s.descends(parent, id) {
		return nil
	}
	if e, ok := s.Entities[id]; ok {
		if e.Parent != parent && id != ecs.SceneID {
			s.unlink(e)
			e.Parent = parent
			s.link(e)
		}
		return e
	}
	e := newEntity(id, parent)
	s.Entities[id] = e
	s.link(e)

	// Orphans that were waiting for this parent move under it.
	for i := 0; i < len(s.Roots); i++ {
		r := s.Roots[i]
		if r != id && s.Entities[r].Parent == id {
			s.Roots = slices.Delete(s.Roots, i, i+1)
			e.Children = insertSorted(e.Children, r)
			i--
		}
	}
	return e
}

// descends reports whether id is x or one of its ancestors.
func (s *Snapshot) descends(x, id ecs.EntityID) bool {
	for range len(s.Entities) + 1 {
		if x == id {
			return true
		}
		e, ok := s.Entities[x]
		if !ok || x == ecs.SceneID {
			return false
		}
		x = e.Parent
	}
	return true
}

func (s *Snapshot) link(e *Entity) {
	if p, ok := s.Entities[e.Parent]; ok && e.Parent != e.ID {
		p.Children = insertSorted(p.Children, e.ID)
		return
	}
	s.Roots = insertSorted(s.Roots, e.ID)
}

func (s *Snapshot) unlink(e *Entity) {
	if p, ok := s.Entities[e.Parent]; ok {
		p.Children = removeSorted(p.Children, e.ID)
		return
	}
	s.Roots = removeSorted(s.Roots, e.ID)
}

// RemoveEntity removes id and its subtree. The scene root only loses its
// components.
func (s *Snapshot) RemoveEntity(id ecs.EntityID) {
	e, ok := s.Entities[id]
	if !ok {
		return
	}
	if id == ecs.SceneID {
		clear(e.Components)
		return
	}
	s.unlink(e)
	s.drop(e)
}

func (s *Snapshot) drop(e *Entity) {
	for _, c := range e.Children {
		if ce, ok := s.Entities[c]; ok {
			s.drop(ce)
		}
	}
	delete(s.Entities, e.ID)
}

// CopyFrom turns s into a deep copy of src.
func (s *Snapshot) CopyFrom(src *Snapshot) {
	s.Frame = src.Frame
	clear(s.Entities)
	for id, e := range src.Entities {
		s.Entities[id] = &Entity{
			ID:         e.ID,
			Parent:     e.Parent,
			Children:   slices.Clone(e.Children),
			Components: e.cloneComponents(),
		}
	}
	s.Roots = append(s.Roots[:0], src.Roots...)
}

func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{Entities: make(map[ecs.EntityID]*Entity, len(s.Entities))}
	out.CopyFrom(s)
	return out
}

// CopySubtree replaces the subtree rooted at id with a deep copy of the one
// in src. For the scene root only its components are copied.
func (s *Snapshot) CopySubtree(src *Snapshot, id ecs.EntityID) {
	if id == ecs.SceneID {
		if se, ok := src.Entities[ecs.SceneID]; ok {
			s.Entities[ecs.SceneID].Components = se.cloneComponents()
		}
		return
	}
	s.RemoveEntity(id)
	se, ok := src.Entities[id]
	if !ok {
		return
	}
	s.copyNode(src, se)
}

// FillSubtree is CopySubtree for snapshots assembled from several diffs of
// the same frame: entities of the src subtree that already live outside the
// subtree in s were moved there by another diff and stay where they are.
func (s *Snapshot) FillSubtree(src *Snapshot, id ecs.EntityID) {
	if id == ecs.SceneID {
		s.CopySubtree(src, id)
		return
	}
	s.RemoveEntity(id)
	se, ok := src.Entities[id]
	if !ok || s.Has(id) {
		return
	}
	s.fillNode(src, se)
}

func (s *Snapshot) copyNode(src *Snapshot, se *Entity) {
	e := s.AddEntity(se.Parent, se.ID)
	if e == nil {
		return
	}
	e.Components = se.cloneComponents()
	for _, c := range se.Children {
		if ce, ok := src.Entities[c]; ok {
			s.copyNode(src, ce)
		}
	}
}

func (s *Snapshot) fillNode(src *Snapshot, se *Entity) {
	e := s.AddEntity(se.Parent, se.ID)
	if e == nil {
		return
	}
	e.Components = se.cloneComponents()
	for _, c := range se.Children {
		if ce, ok := src.Entities[c]; ok && !s.Has(c) {
			s.fillNode(src, ce)
		}
	}
}

// Subtree returns id and all of its descendants in pre-order. For the scene
// root only the root itself is returned.
func (s *Snapshot) Subtree(id ecs.EntityID) []ecs.EntityID {
	e, ok := s.Entities[id]
	if !ok {
		return nil
	}
	if id == ecs.SceneID {
		return []ecs.EntityID{id}
	}
	out := []ecs.EntityID{id}
	for _, c := range e.Children {
		out = append(out, s.Subtree(c)...)
	}
	return out
}

// EqualSubtree reports whether the subtrees rooted at id match in structure
// and in every field within its compare precision.
func (s *Snapshot) EqualSubtree(o *Snapshot, id ecs.EntityID, comps *compress.Registry) bool {
	a, okA := s.Entities[id]
	b, okB := o.Entities[id]
	if !okA || !okB {
		return okA == okB
	}
	if !EqualComponents(a, b, comps) {
		return false
	}
	if id == ecs.SceneID {
		return true
	}
	if !slices.Equal(a.Children, b.Children) {
		return false
	}
	for _, c := range a.Children {
		if !s.EqualSubtree(o, c, comps) {
			return false
		}
	}
	return true
}

// EqualComponents compares the components of two entities field by field.
func EqualComponents(a, b *Entity, comps *compress.Registry) bool {
	if len(a.Components) != len(b.Components) {
		return false
	}
	for k, ca := range a.Components {
		cb, ok := b.Components[k]
		if !ok || !EqualComponent(ca, cb, comps) {
			return false
		}
	}
	return true
}

// EqualComponent compares two captures of one component within each field's
// compare precision.
func EqualComponent(a, b *Component, comps *compress.Registry) bool {
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		fa, fb := a.Fields[i], b.Fields[i]
		if fa.Value == nil || fb.Value == nil {
			if fa.Value != fb.Value {
				return false
			}
			continue
		}
		if !comps.ForValue(fa.Value).IsEqual(fa.Value, fb.Value, fa.ComparePrecision) {
			return false
		}
	}
	return true
}

func insertSorted(ids []ecs.EntityID, id ecs.EntityID) []ecs.EntityID {
	i, found := slices.BinarySearch(ids, id)
	if found {
		return ids
	}
	return slices.Insert(ids, i, id)
}

func removeSorted(ids []ecs.EntityID, id ecs.EntityID) []ecs.EntityID {
	i, found := slices.BinarySearch(ids, id)
	if !found {
		return ids
	}
	return slices.Delete(ids, i, i+1)
}
