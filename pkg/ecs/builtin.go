package ecs

import (
	"encoding/binary"
	"hash/fnv"
)

// Reserved ids of the builtin marker components.
const (
	ReplicatedType ComponentType = 0xFFF0
	PredictedType  ComponentType = 0xFFF1
	TransientType  ComponentType = 0xFFF2
	SpawnType      ComponentType = 0xFFF3
)

// Replicated marks an entity for capture on the server. Frequency throttles
// updates to every n-th frame, zero and one mean every frame. Owner names the
// peer that receives private fields.
type Replicated struct {
	Frequency uint32
	Owner     string
}

// Predicted marks component types the client simulates ahead of the server.
// Bit t of Mask covers component type t, so only types below 64 can be
// predicted.
type Predicted struct {
	Mask uint64
}

func (p Predicted) Has(t ComponentType) bool {
	return t < 64 && p.Mask&(1<<t) != 0
}

// PredictMask builds a Predicted mask from component types.
func PredictMask(types ...ComponentType) uint64 {
	var m uint64
	for _, t := range types {
		if t < 64 {
			m |= 1 << t
		}
	}
	return m
}

// Transient marks a client spawned entity that is deleted again when the
// server never confirms it. A nonzero Key lets a server entity carrying the
// same Spawn key take its place.
type Transient struct {
	SpawnFrame uint32
	TTL        uint32
	Key        uint64
}

// Spawn is replicated with entities spawned in response to a client action so
// the client can match them to its own prediction.
type Spawn struct {
	Key uint64
}

// SpawnKey derives the key both sides stamp on an entity spawned by action of
// owner at frame.
func SpawnKey(owner string, frame uint32, action uint16) uint64 {
	h := fnv.New64a()
	h.Write([]byte(owner))
	var buf [6]byte
	binary.LittleEndian.PutUint32(buf[:4], frame)
	binary.LittleEndian.PutUint16(buf[4:], action)
	h.Write(buf[:])
	if k := h.Sum64(); k != 0 {
		return k
	}
	return 1
}

func registerBuiltins(r *Registry) {
	Register[Replicated](r, ReplicatedType, "replicated", ServerOnly)
	Register[Predicted](r, PredictedType, "predicted", ServerOnly)
	Register[Transient](r, TransientType, "transient", ServerOnly)
	Register[Spawn](r, SpawnType, "spawn", Public,
		Field("key", func(c *Spawn) uint64 { return c.Key }, func(c *Spawn, v uint64) { c.Key = v }),
	)
}

// IsPredicted reports whether component type t of entity id is simulated
// locally.
func IsPredicted(w *World, id EntityID, t ComponentType) bool {
	p := Get[Predicted](w, id)
	return p != nil && p.Has(t)
}
