// Package testkit provides component types shared by package tests.
package testkit

import (
	"github.com/QYUbit/snapnet/pkg/compress"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/geom"
)

const (
	ProbeType     ecs.ComponentType = 1
	SecretType    ecs.ComponentType = 2
	InventoryType ecs.ComponentType = 3
	MotionType    ecs.ComponentType = 4
)

// Probe has one field of each common kind, all lossless.
type Probe struct {
	F  float32
	U  uint32
	V3 geom.Vec3
}

// Secret mixes a private and a public field.
type Secret struct {
	Code  int32
	Label string
}

// Inventory is private as a whole.
type Inventory struct {
	Gold int32
}

// Motion is a quantized kinematic state.
type Motion struct {
	Position geom.Vec3
	Velocity geom.Vec3
}

const MotionStep = 0.01

func Registry() *ecs.Registry {
	r := ecs.NewRegistry()
	ecs.Register[Probe](r, ProbeType, "probe", ecs.Public,
		ecs.Field("f", func(c *Probe) float32 { return c.F }, func(c *Probe, v float32) { c.F = v }),
		ecs.Field("u", func(c *Probe) uint32 { return c.U }, func(c *Probe, v uint32) { c.U = v }),
		ecs.Field("v3", func(c *Probe) geom.Vec3 { return c.V3 }, func(c *Probe, v geom.Vec3) { c.V3 = v }),
	)
	ecs.Register[Secret](r, SecretType, "secret", ecs.Public,
		ecs.Field("code", func(c *Secret) int32 { return c.Code }, func(c *Secret, v int32) { c.Code = v }, ecs.WithPrivacy(ecs.Private)),
		ecs.Field("label", func(c *Secret) string { return c.Label }, func(c *Secret, v string) { c.Label = v }),
	)
	ecs.Register[Inventory](r, InventoryType, "inventory", ecs.Private,
		ecs.Field("gold", func(c *Inventory) int32 { return c.Gold }, func(c *Inventory, v int32) { c.Gold = v }, ecs.WithPrivacy(ecs.Private)),
	)
	ecs.Register[Motion](r, MotionType, "motion", ecs.Public,
		ecs.Field("position", func(c *Motion) geom.Vec3 { return c.Position }, func(c *Motion, v geom.Vec3) { c.Position = v }, ecs.Quantized(MotionStep)),
		ecs.Field("velocity", func(c *Motion) geom.Vec3 { return c.Velocity }, func(c *Motion, v geom.Vec3) { c.Velocity = v }, ecs.Quantized(MotionStep)),
	)
	return r
}

func Compressors() *compress.Registry {
	return compress.Default()
}

// Move advances every Motion by one frame of its velocity.
func Move(w *ecs.World, id ecs.EntityID) {
	if m := ecs.Get[Motion](w, id); m != nil {
		m.Position = m.Position.Add(m.Velocity)
	}
}
