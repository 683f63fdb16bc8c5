// Package demo is a small arena game used by the snapnet binaries: bots and
// players move inside a box and bounce off its walls.
package demo

import (
	"github.com/QYUbit/snapnet/pkg/compress"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/geom"
)

const (
	TransformType ecs.ComponentType = 10
	VelocityType  ecs.ComponentType = 11
	HealthType    ecs.ComponentType = 12
	PlayerType    ecs.ComponentType = 13
)

// PositionStep is the quantization step of positions and velocities.
const PositionStep = 0.01

type Transform struct {
	Position geom.Vec3
	Yaw      float32
}

type Velocity struct {
	Linear geom.Vec3
}

// Health is public except for the shield, which only the owner sees.
type Health struct {
	Current int32
	Max     int32
	Shield  int32
}

type Player struct {
	Name string
}

func Registry() *ecs.Registry {
	r := ecs.NewRegistry()
	ecs.Register[Transform](r, TransformType, "transform", ecs.Public,
		ecs.Field("position", func(c *Transform) geom.Vec3 { return c.Position }, func(c *Transform, v geom.Vec3) { c.Position = v }, ecs.Quantized(PositionStep)),
		ecs.Field("yaw", func(c *Transform) float32 { return c.Yaw }, func(c *Transform, v float32) { c.Yaw = v }, ecs.Quantized(0.001)),
	)
	ecs.Register[Velocity](r, VelocityType, "velocity", ecs.Public,
		ecs.Field("linear", func(c *Velocity) geom.Vec3 { return c.Linear }, func(c *Velocity, v geom.Vec3) { c.Linear = v }, ecs.Quantized(PositionStep)),
	)
	ecs.Register[Health](r, HealthType, "health", ecs.Public,
		ecs.Field("current", func(c *Health) int32 { return c.Current }, func(c *Health, v int32) { c.Current = v }),
		ecs.Field("max", func(c *Health) int32 { return c.Max }, func(c *Health, v int32) { c.Max = v }),
		ecs.Field("shield", func(c *Health) int32 { return c.Shield }, func(c *Health, v int32) { c.Shield = v }, ecs.WithPrivacy(ecs.Private)),
	)
	ecs.Register[Player](r, PlayerType, "player", ecs.Public,
		ecs.Field("name", func(c *Player) string { return c.Name }, func(c *Player, v string) { c.Name = v }),
	)
	return r
}

func Compressors() *compress.Registry {
	return compress.Default()
}

// PredictedTypes are the component types clients simulate for their own
// player.
var PredictedTypes = []ecs.ComponentType{TransformType}
