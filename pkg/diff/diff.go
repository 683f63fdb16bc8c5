// Package diff encodes the bit level difference between two snapshots for one
// entity subtree and applies such diffs through a caller supplied Sink.
//
// Layout of a diff:
//
//	isFull:1 isSizePresent:1 marker:2
//	CHANGED: [size:11] components children
//	ADDED:   parent:32 components children
//	REMOVED: nothing
//
// components is a list of marker:2 uvarint(type) uvarint(index) entries,
// ADDED and CHANGED entries followed by one presence bit per field and the
// encoded value. children is a list of marker:2 parent:32 id:32 entries with
// the same payload as a root of that marker. Both lists end with END. Diffs
// are padded to a byte boundary.
package diff

import (
	"errors"

	"github.com/QYUbit/snapnet/pkg/ecs"
)

type Marker uint8

const (
	MarkerChanged Marker = 0
	MarkerAdded   Marker = 1
	MarkerRemoved Marker = 2
	MarkerEnd     Marker = 3
)

const (
	markerBits = 2
	sizeBits   = 11

	// MaxSize is the largest diff the size field can describe.
	MaxSize = 1<<sizeBits - 1
)

var (
	ErrDiffTooLarge     = errors.New("diff: sized diff exceeds 2047 bytes")
	ErrUnknownComponent = errors.New("diff: unknown component type")
	ErrMalformed        = errors.New("diff: malformed diff")
)

// Options controls a single WriteEntity call.
type Options struct {
	// Privacy is the recipient threshold. Components and fields below it are
	// left out.
	Privacy ecs.Privacy
	// Size reserves the 11 bit size field on CHANGED roots so readers can skip
	// the diff without decoding it.
	Size bool
}

// IsFull reports whether data was written without a base snapshot.
func IsFull(data []byte) bool {
	return len(data) > 0 && data[0]&1 == 1
}

// RootMarker returns the marker of the root entity of data.
func RootMarker(data []byte) Marker {
	if len(data) == 0 {
		return MarkerEnd
	}
	return Marker(data[0]>>2) & 3
}

// shallow roots only diff their own components. Children of the scene are
// replicated as roots of their own.
func shallow(id ecs.EntityID) bool {
	return id == ecs.SceneID
}
