package ecs

import (
	"iter"
	"slices"
)

type entityRecord struct {
	parent   EntityID
	children []EntityID
	attached bool
	keys     []ComponentKey
}

// World owns live entities and their components. It is not safe for
// concurrent use; the simulation goroutine is its only user.
type World struct {
	types    *Registry
	entities map[EntityID]*entityRecord
	stores   map[ComponentType]*store
	next     EntityID
	version  uint64
}

func NewWorld(types *Registry) *World {
	w := &World{
		types:    types,
		entities: make(map[EntityID]*entityRecord),
		stores:   make(map[ComponentType]*store),
		next:     SceneID + 1,
	}
	w.entities[SceneID] = &entityRecord{attached: true}
	return w
}

func (w *World) Types() *Registry { return w.types }

// StructureVersion changes whenever entities or components are added,
// removed or reparented.
func (w *World) StructureVersion() uint64 { return w.version }

// ReserveIDs makes CreateEntity hand out ids starting at from. Clients use it
// to keep locally spawned entities apart from server ids.
func (w *World) ReserveIDs(from EntityID) {
	if from > w.next {
		w.next = from
	}
}

// CreateEntity creates an entity attached to parent, or to the scene when
// parent does not exist.
func (w *World) CreateEntity(parent EntityID) EntityID {
	for w.entities[w.next] != nil || w.next <= SceneID {
		w.next++
	}
	id := w.next
	w.next++

	w.entities[id] = &entityRecord{}
	if _, ok := w.entities[parent]; !ok {
		parent = SceneID
	}
	w.link(id, parent)
	w.version++
	return id
}

// CreateDetached creates an entity with a caller chosen id that is not part
// of the scene until Attach is called.
func (w *World) CreateDetached(id EntityID) bool {
	if id == InvalidEntity || w.entities[id] != nil {
		return false
	}
	w.entities[id] = &entityRecord{}
	w.version++
	return true
}

func (w *World) Attach(id, parent EntityID) error {
	if id == SceneID {
		return ErrSceneRoot
	}
	rec, ok := w.entities[id]
	if !ok {
		return ErrEntityNotFound{ID: id}
	}
	if _, ok := w.entities[parent]; !ok {
		return ErrEntityNotFound{ID: parent}
	}
	for p := parent; p != InvalidEntity; p = w.entities[p].parent {
		if p == id {
			return ErrInvalidParent
		}
	}

	if rec.attached {
		w.unlink(id)
	}
	w.link(id, parent)
	w.version++
	return nil
}

func (w *World) link(id, parent EntityID) {
	rec := w.entities[id]
	rec.parent = parent
	rec.attached = true

	p := w.entities[parent]
	i, found := slices.BinarySearch(p.children, id)
	if !found {
		p.children = slices.Insert(p.children, i, id)
	}
}

func (w *World) unlink(id EntityID) {
	rec := w.entities[id]
	if p, ok := w.entities[rec.parent]; ok {
		if i, found := slices.BinarySearch(p.children, id); found {
			p.children = slices.Delete(p.children, i, i+1)
		}
	}
	rec.parent = InvalidEntity
	rec.attached = false
}

// Destroy removes id, its components and its whole subtree.
func (w *World) Destroy(id EntityID) {
	if id == SceneID {
		return
	}
	rec, ok := w.entities[id]
	if !ok {
		return
	}
	if rec.attached {
		w.unlink(id)
	}
	w.destroy(id)
	w.version++
}

func (w *World) destroy(id EntityID) {
	rec := w.entities[id]
	for _, c := range rec.children {
		w.destroy(c)
	}
	for _, k := range rec.keys {
		if s, ok := w.stores[k.Type]; ok {
			s.remove(slot{entity: id, index: k.Index})
		}
	}
	delete(w.entities, id)
}

func (w *World) Exists(id EntityID) bool {
	_, ok := w.entities[id]
	return ok
}

// InScene reports whether id is reachable from the scene root.
func (w *World) InScene(id EntityID) bool {
	for id != SceneID {
		rec, ok := w.entities[id]
		if !ok || !rec.attached {
			return false
		}
		id = rec.parent
	}
	return true
}

func (w *World) Parent(id EntityID) EntityID {
	if rec, ok := w.entities[id]; ok {
		return rec.parent
	}
	return InvalidEntity
}

// Children returns the sorted child ids of id. The slice must not be
// modified.
func (w *World) Children(id EntityID) []EntityID {
	if rec, ok := w.entities[id]; ok {
		return rec.children
	}
	return nil
}

// Entities returns every entity id in ascending order.
func (w *World) Entities() []EntityID {
	ids := make([]EntityID, 0, len(w.entities))
	for id := range w.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// AddComponent stores the component pointer c on id under the given index.
func (w *World) AddComponent(id EntityID, index uint16, c any) (ComponentKey, error) {
	rec, ok := w.entities[id]
	if !ok {
		return ComponentKey{}, ErrEntityNotFound{ID: id}
	}
	d, ok := w.types.TypeOf(c)
	if !ok {
		return ComponentKey{}, ErrUnknownType
	}

	key := ComponentKey{Type: d.ID, Index: index}
	s, ok := w.stores[d.ID]
	if !ok {
		s = newStore()
		w.stores[d.ID] = s
	}
	if !s.add(slot{entity: id, index: index}, c) {
		return key, ErrComponentExists
	}

	i, _ := slices.BinarySearchFunc(rec.keys, key, ComponentKey.Compare)
	rec.keys = slices.Insert(rec.keys, i, key)
	w.version++
	return key, nil
}

func (w *World) RemoveComponent(id EntityID, key ComponentKey) bool {
	rec, ok := w.entities[id]
	if !ok {
		return false
	}
	s, ok := w.stores[key.Type]
	if !ok || !s.remove(slot{entity: id, index: key.Index}) {
		return false
	}
	if i, found := slices.BinarySearchFunc(rec.keys, key, ComponentKey.Compare); found {
		rec.keys = slices.Delete(rec.keys, i, i+1)
	}
	w.version++
	return true
}

// Component returns the component pointer stored under key.
func (w *World) Component(id EntityID, key ComponentKey) (any, bool) {
	s, ok := w.stores[key.Type]
	if !ok {
		return nil, false
	}
	return s.get(slot{entity: id, index: key.Index})
}

// Keys returns the sorted component keys of id. The slice must not be
// modified.
func (w *World) Keys(id EntityID) []ComponentKey {
	if rec, ok := w.entities[id]; ok {
		return rec.keys
	}
	return nil
}

// Count returns the number of instances of component type t.
func (w *World) Count(t ComponentType) int {
	if s, ok := w.stores[t]; ok {
		return s.len()
	}
	return 0
}

// Add stores c on id at index 0 and returns the stored pointer.
func Add[C any](w *World, id EntityID, c C) (*C, error) {
	return AddAt(w, id, 0, c)
}

func AddAt[C any](w *World, id EntityID, index uint16, c C) (*C, error) {
	p := &c
	if _, err := w.AddComponent(id, index, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns the index 0 instance of C on id or nil.
func Get[C any](w *World, id EntityID) *C {
	return GetAt[C](w, id, 0)
}

func GetAt[C any](w *World, id EntityID, index uint16) *C {
	d, ok := w.types.byType[typeOf[C]()]
	if !ok {
		return nil
	}
	c, ok := w.Component(id, ComponentKey{Type: d.ID, Index: index})
	if !ok {
		return nil
	}
	return c.(*C)
}

func Remove[C any](w *World, id EntityID) bool {
	d := TypeFor[C](w.types)
	return w.RemoveComponent(id, ComponentKey{Type: d.ID})
}

// Each yields every index 0 instance of C.
func Each[C any](w *World) iter.Seq2[EntityID, *C] {
	return func(yield func(EntityID, *C) bool) {
		d, ok := w.types.byType[typeOf[C]()]
		if !ok {
			return
		}
		s, ok := w.stores[d.ID]
		if !ok {
			return
		}
		for i := 0; i < len(s.dense); i++ {
			k := s.dense[i]
			if k.index != 0 {
				continue
			}
			if !yield(k.entity, s.data[i].(*C)) {
				return
			}
		}
	}
}
