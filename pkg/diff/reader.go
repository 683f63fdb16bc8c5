package diff

import (
	"fmt"

	"github.com/QYUbit/snapnet/pkg/bitstream"
	"github.com/QYUbit/snapnet/pkg/compress"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/snapshot"
)

// Sink receives the structural events of a diff before their payload is
// decoded. The returned entity or component is where the payload is written;
// nil discards it.
//
// OnEntityRemoved gets the parent the removal was written under, or
// InvalidEntity for a removed root. An entity that moved to another parent
// is added there before or after its removal from the old one, so a removal
// only applies while the entity is still under parent.
type Sink interface {
	OnEntityAdded(parent, id ecs.EntityID) *snapshot.Entity
	OnEntityRemoved(parent, id ecs.EntityID)
	OnEntityTouched(id ecs.EntityID) *snapshot.Entity
	OnComponentAdded(e *snapshot.Entity, key ecs.ComponentKey, desc *ecs.TypeDesc) *snapshot.Component
	OnComponentRemoved(e *snapshot.Entity, key ecs.ComponentKey)
	OnComponentChanged(e *snapshot.Entity, key ecs.ComponentKey) *snapshot.Component
}

type Reader struct {
	types *ecs.Registry
	comps *compress.Registry
}

func NewReader(types *ecs.Registry, comps *compress.Registry) *Reader {
	return &Reader{types: types, comps: comps}
}

// Read decodes one diff rooted at id from the front of data and returns the
// number of bytes it occupied.
func (rd *Reader) Read(data []byte, id ecs.EntityID, sink Sink) (int, error) {
	r := bitstream.NewReader(data)
	r.ReadBool()
	hasSize := r.ReadBool()

	switch Marker(r.ReadBits(markerBits)) {
	case MarkerChanged:
		if hasSize {
			r.ReadBits(sizeBits)
		}
		e := sink.OnEntityTouched(id)
		if err := rd.readComponents(r, e, sink); err != nil {
			return 0, err
		}
		if err := rd.readChildren(r, sink); err != nil {
			return 0, err
		}

	case MarkerAdded:
		parent := ecs.EntityID(r.ReadUint32())
		e := sink.OnEntityAdded(parent, id)
		if err := rd.readComponents(r, e, sink); err != nil {
			return 0, err
		}
		if err := rd.readChildren(r, sink); err != nil {
			return 0, err
		}

	case MarkerRemoved:
		sink.OnEntityRemoved(ecs.InvalidEntity, id)

	default:
		if r.Err() != nil {
			return 0, fmt.Errorf("%w: %w", ErrMalformed, r.Err())
		}
		return 0, fmt.Errorf("%w: END marker at root", ErrMalformed)
	}

	r.Align()
	if r.Err() != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, r.Err())
	}
	return r.BytePos(), nil
}

func (rd *Reader) readComponents(r *bitstream.Reader, e *snapshot.Entity, sink Sink) error {
	for {
		m := Marker(r.ReadBits(markerBits))
		if r.Err() != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, r.Err())
		}
		if m == MarkerEnd {
			return nil
		}

		key := ecs.ComponentKey{
			Type:  ecs.ComponentType(r.ReadUvarint()),
			Index: uint16(r.ReadUvarint()),
		}
		desc, ok := rd.types.Lookup(key.Type)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownComponent, key.Type)
		}

		switch m {
		case MarkerChanged:
			var c *snapshot.Component
			if e != nil {
				c = sink.OnComponentChanged(e, key)
			}
			rd.readFields(r, desc, c, true)

		case MarkerAdded:
			var c *snapshot.Component
			if e != nil {
				c = sink.OnComponentAdded(e, key, desc)
			}
			rd.readFields(r, desc, c, false)

		case MarkerRemoved:
			if e != nil {
				sink.OnComponentRemoved(e, key)
			}
		}
	}
}

func (rd *Reader) readFields(r *bitstream.Reader, desc *ecs.TypeDesc, c *snapshot.Component, delta bool) {
	for i := range desc.Fields {
		f := &desc.Fields[i]
		if !r.ReadBool() {
			continue
		}
		comp := rd.comps.For(f.Type)

		var v any
		if delta {
			old := f.Zero
			if c != nil && i < len(c.Fields) && c.Fields[i].Value != nil {
				old = c.Fields[i].Value
			}
			v = comp.DecompressDelta(old, f.Scheme, f.DeltaPrecision, r)
		} else {
			v = comp.DecompressFull(f.Scheme, f.DeltaPrecision, r)
		}

		if c != nil && i < len(c.Fields) && r.Err() == nil {
			c.Fields[i].Value = v
		}
	}
}

func (rd *Reader) readChildren(r *bitstream.Reader, sink Sink) error {
	for {
		m := Marker(r.ReadBits(markerBits))
		if r.Err() != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, r.Err())
		}
		if m == MarkerEnd {
			return nil
		}

		parent := ecs.EntityID(r.ReadUint32())
		id := ecs.EntityID(r.ReadUint32())

		var e *snapshot.Entity
		switch m {
		case MarkerRemoved:
			sink.OnEntityRemoved(parent, id)
			continue
		case MarkerAdded:
			e = sink.OnEntityAdded(parent, id)
		case MarkerChanged:
			e = sink.OnEntityTouched(id)
		}

		if err := rd.readComponents(r, e, sink); err != nil {
			return err
		}
		if err := rd.readChildren(r, sink); err != nil {
			return err
		}
	}
}

// Measure returns the length of the diff at the front of data without
// applying it.
func (rd *Reader) Measure(data []byte, id ecs.EntityID) (int, error) {
	r := bitstream.NewReader(data)
	r.ReadBool()
	hasSize := r.ReadBool()
	m := Marker(r.ReadBits(markerBits))
	if hasSize && m == MarkerChanged {
		size := int(r.ReadBits(sizeBits))
		if r.Err() != nil || size == 0 || size > len(data) {
			return 0, ErrMalformed
		}
		return size, nil
	}
	return rd.Read(data, id, discard{})
}

// Apply reconstructs the subtree rooted at id in dst from base and data and
// returns the number of bytes consumed. An incremental diff without a base
// yields zero and no error.
func (rd *Reader) Apply(base, dst *snapshot.Snapshot, data []byte, id ecs.EntityID) (int, error) {
	if !IsFull(data) && base == nil {
		return 0, nil
	}
	if base != nil {
		dst.CopySubtree(base, id)
	}
	return rd.Read(data, id, SnapshotSink{Snap: dst})
}

// SnapshotSink writes diff events straight into a snapshot.
type SnapshotSink struct {
	Snap *snapshot.Snapshot
}

func (s SnapshotSink) OnEntityAdded(parent, id ecs.EntityID) *snapshot.Entity {
	s.Snap.RemoveEntity(id)
	return s.Snap.AddEntity(parent, id)
}

func (s SnapshotSink) OnEntityRemoved(parent, id ecs.EntityID) {
	e := s.Snap.Entity(id)
	if e == nil || (parent != ecs.InvalidEntity && e.Parent != parent) {
		return
	}
	s.Snap.RemoveEntity(id)
}

func (s SnapshotSink) OnEntityTouched(id ecs.EntityID) *snapshot.Entity {
	return s.Snap.Entity(id)
}

func (s SnapshotSink) OnComponentAdded(e *snapshot.Entity, key ecs.ComponentKey, desc *ecs.TypeDesc) *snapshot.Component {
	c := snapshot.NewComponent(desc)
	e.Components[key] = c
	return c
}

func (s SnapshotSink) OnComponentRemoved(e *snapshot.Entity, key ecs.ComponentKey) {
	delete(e.Components, key)
}

func (s SnapshotSink) OnComponentChanged(e *snapshot.Entity, key ecs.ComponentKey) *snapshot.Component {
	return e.Components[key]
}

type discard struct{}

func (discard) OnEntityAdded(ecs.EntityID, ecs.EntityID) *snapshot.Entity { return nil }
func (discard) OnEntityRemoved(ecs.EntityID, ecs.EntityID)                {}
func (discard) OnEntityTouched(ecs.EntityID) *snapshot.Entity            { return nil }
func (discard) OnComponentAdded(*snapshot.Entity, ecs.ComponentKey, *ecs.TypeDesc) *snapshot.Component {
	return nil
}
func (discard) OnComponentRemoved(*snapshot.Entity, ecs.ComponentKey) {}
func (discard) OnComponentChanged(*snapshot.Entity, ecs.ComponentKey) *snapshot.Component {
	return nil
}
