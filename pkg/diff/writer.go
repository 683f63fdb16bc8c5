package diff

import (
	"slices"

	"github.com/QYUbit/snapnet/pkg/bitstream"
	"github.com/QYUbit/snapnet/pkg/compress"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/snapshot"
)

type Writer struct {
	comps *compress.Registry
}

func NewWriter(comps *compress.Registry) *Writer {
	return &Writer{comps: comps}
}

// WriteEntity appends the diff of the subtree rooted at id from base to cur.
// A nil base produces a full diff. The writer must be byte aligned. When
// nothing changed the writer is left untouched and false is returned.
//
// ErrDiffTooLarge is returned together with written=true when a sized diff
// does not fit the size field; the bytes stay in bw for the caller to
// discard.
func (w *Writer) WriteEntity(bw *bitstream.Writer, base, cur *snapshot.Snapshot, id ecs.EntityID, opts Options) (bool, error) {
	var be, ce *snapshot.Entity
	if base != nil {
		be = base.Entity(id)
	}
	if cur != nil {
		ce = cur.Entity(id)
	}

	start := bw.Mark()
	bw.WriteBool(base == nil)
	sizeFlag := bw.Mark()
	bw.WriteBool(false)

	switch {
	case ce == nil:
		if be == nil && base != nil {
			bw.Rewind(start)
			return false, nil
		}
		bw.Rewind(start)
		WriteRemoved(bw)
		return true, nil

	case be == nil:
		bw.WriteBits(uint64(MarkerAdded), markerBits)
		bw.WriteUint32(uint32(ce.Parent))
		w.writeEntityFull(bw, cur, ce, opts.Privacy, shallow(id))
		bw.Align()
		return true, nil
	}

	bw.WriteBits(uint64(MarkerChanged), markerBits)
	var sizePos bitstream.Pos
	if opts.Size {
		bw.PatchBits(sizeFlag, 1, 1)
		sizePos = bw.Mark()
		bw.WriteBits(0, sizeBits)
	}

	wrote := w.writeComponents(bw, be, ce, opts.Privacy)
	if shallow(id) {
		bw.WriteBits(uint64(MarkerEnd), markerBits)
	} else if w.writeChildren(bw, base, cur, be, ce, opts.Privacy) {
		wrote = true
	}
	if !wrote {
		bw.Rewind(start)
		return false, nil
	}
	bw.Align()

	if opts.Size {
		size := (bw.BitLen() - uint(start)) / 8
		if size > MaxSize {
			return true, ErrDiffTooLarge
		}
		bw.PatchBits(sizePos, uint64(size), sizeBits)
	}
	return true, nil
}

// WriteRemoved appends a self contained diff that removes its root entity.
func WriteRemoved(bw *bitstream.Writer) {
	bw.WriteBool(true)
	bw.WriteBool(false)
	bw.WriteBits(uint64(MarkerRemoved), markerBits)
	bw.Align()
}

// WriteComponentFieldsDiff writes one presence bit per field followed by the
// delta of every field that changed by more than its delta precision. Fields
// below the privacy threshold are never present. When no field is present
// the writer is rewound and false is returned.
func (w *Writer) WriteComponentFieldsDiff(bw *bitstream.Writer, old, cur *snapshot.Component, privacy ecs.Privacy) bool {
	start := bw.Mark()
	written := false

	for i := range cur.Fields {
		f := &cur.Fields[i]
		if f.Privacy < privacy || f.Value == nil || i >= len(old.Fields) || old.Fields[i].Value == nil {
			bw.WriteBool(false)
			continue
		}

		bit := bw.Mark()
		bw.WriteBool(true)
		if w.comps.ForValue(f.Value).CompressDelta(old.Fields[i].Value, f.Value, f.Scheme, f.DeltaPrecision, bw) {
			written = true
			continue
		}
		bw.Rewind(bit)
		bw.WriteBool(false)
	}

	if !written {
		bw.Rewind(start)
	}
	return written
}

func (w *Writer) writeComponentFieldsFull(bw *bitstream.Writer, c *snapshot.Component, privacy ecs.Privacy) {
	for i := range c.Fields {
		f := &c.Fields[i]
		if f.Privacy < privacy || f.Value == nil {
			bw.WriteBool(false)
			continue
		}
		bw.WriteBool(true)
		w.comps.ForValue(f.Value).CompressFull(f.Value, f.Scheme, f.DeltaPrecision, bw)
	}
}

func writeComponentHeader(bw *bitstream.Writer, m Marker, key ecs.ComponentKey) {
	bw.WriteBits(uint64(m), markerBits)
	bw.WriteUvarint(uint64(key.Type))
	bw.WriteUvarint(uint64(key.Index))
}

// visibleKeys returns the sorted keys of components at or above privacy.
func visibleKeys(e *snapshot.Entity, privacy ecs.Privacy) []ecs.ComponentKey {
	if e == nil {
		return nil
	}
	keys := make([]ecs.ComponentKey, 0, len(e.Components))
	for k, c := range e.Components {
		if c.Privacy >= privacy {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, ecs.ComponentKey.Compare)
	return keys
}

// writeComponents writes the component stream between two versions of an
// entity and reports whether any entry was written.
func (w *Writer) writeComponents(bw *bitstream.Writer, be, ce *snapshot.Entity, privacy ecs.Privacy) bool {
	oldKeys := visibleKeys(be, privacy)
	newKeys := visibleKeys(ce, privacy)
	wrote := false

	i, j := 0, 0
	for i < len(oldKeys) || j < len(newKeys) {
		var c int
		switch {
		case i == len(oldKeys):
			c = 1
		case j == len(newKeys):
			c = -1
		default:
			c = oldKeys[i].Compare(newKeys[j])
		}

		switch {
		case c == 0:
			key := newKeys[j]
			mark := bw.Mark()
			writeComponentHeader(bw, MarkerChanged, key)
			if w.WriteComponentFieldsDiff(bw, be.Components[key], ce.Components[key], privacy) {
				wrote = true
			} else {
				bw.Rewind(mark)
			}
			i++
			j++
		case c < 0:
			writeComponentHeader(bw, MarkerRemoved, oldKeys[i])
			wrote = true
			i++
		default:
			key := newKeys[j]
			writeComponentHeader(bw, MarkerAdded, key)
			w.writeComponentFieldsFull(bw, ce.Components[key], privacy)
			wrote = true
			j++
		}
	}

	bw.WriteBits(uint64(MarkerEnd), markerBits)
	return wrote
}

func (w *Writer) writeComponentsFull(bw *bitstream.Writer, e *snapshot.Entity, privacy ecs.Privacy) {
	for _, key := range visibleKeys(e, privacy) {
		writeComponentHeader(bw, MarkerAdded, key)
		w.writeComponentFieldsFull(bw, e.Components[key], privacy)
	}
	bw.WriteBits(uint64(MarkerEnd), markerBits)
}

func (w *Writer) writeEntityFull(bw *bitstream.Writer, cur *snapshot.Snapshot, e *snapshot.Entity, privacy ecs.Privacy, shallow bool) {
	w.writeComponentsFull(bw, e, privacy)
	if !shallow {
		for _, c := range e.Children {
			ce := cur.Entity(c)
			if ce == nil {
				continue
			}
			writeChildHeader(bw, MarkerAdded, e.ID, c)
			w.writeEntityFull(bw, cur, ce, privacy, false)
		}
	}
	bw.WriteBits(uint64(MarkerEnd), markerBits)
}

func writeChildHeader(bw *bitstream.Writer, m Marker, parent, id ecs.EntityID) {
	bw.WriteBits(uint64(m), markerBits)
	bw.WriteUint32(uint32(parent))
	bw.WriteUint32(uint32(id))
}

// writeChildren merges the sorted child lists of both versions of an entity
// and reports whether any entry was written.
func (w *Writer) writeChildren(bw *bitstream.Writer, base, cur *snapshot.Snapshot, be, ce *snapshot.Entity, privacy ecs.Privacy) bool {
	oldIDs, newIDs := be.Children, ce.Children
	wrote := false

	i, j := 0, 0
	for i < len(oldIDs) || j < len(newIDs) {
		switch {
		case j == len(newIDs) || (i < len(oldIDs) && oldIDs[i] < newIDs[j]):
			writeChildHeader(bw, MarkerRemoved, be.ID, oldIDs[i])
			wrote = true
			i++

		case i == len(oldIDs) || newIDs[j] < oldIDs[i]:
			child := cur.Entity(newIDs[j])
			if child != nil {
				writeChildHeader(bw, MarkerAdded, ce.ID, child.ID)
				w.writeEntityFull(bw, cur, child, privacy, false)
				wrote = true
			}
			j++

		default:
			oldChild, newChild := base.Entity(oldIDs[i]), cur.Entity(newIDs[j])
			if oldChild != nil && newChild != nil {
				mark := bw.Mark()
				writeChildHeader(bw, MarkerChanged, ce.ID, newChild.ID)
				changed := w.writeComponents(bw, oldChild, newChild, privacy)
				if w.writeChildren(bw, base, cur, oldChild, newChild, privacy) {
					changed = true
				}
				if changed {
					wrote = true
				} else {
					bw.Rewind(mark)
				}
			}
			i++
			j++
		}
	}

	bw.WriteBits(uint64(MarkerEnd), markerBits)
	return wrote
}
