package demo

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/geom"
	"github.com/QYUbit/snapnet/pkg/prediction"
	"github.com/QYUbit/snapnet/pkg/sim"
)

// Arena is the default play area.
var Arena = geom.Box{
	Min: geom.Vec3{X: -50, Z: -50},
	Max: geom.Vec3{X: 50, Y: 10, Z: 50},
}

// Movement integrates velocities and keeps everything inside Bounds.
type Movement struct {
	World  *ecs.World
	Bounds geom.Box
	// Step is the fixed frame duration.
	Step time.Duration
}

// System returns the per tick movement of every entity. Only moves
// predicted entities when predictedOnly is set, which is what clients do.
func (m *Movement) System(predictedOnly bool) sim.System {
	return sim.System{Name: "movement", Process: func(frame uint32, _ time.Duration) {
		for id := range ecs.Each[Velocity](m.World) {
			if predictedOnly && !ecs.IsPredicted(m.World, id, TransformType) {
				continue
			}
			m.Simulate(frame, id)
		}
	}}
}

// Simulate advances one entity by one frame.
func (m *Movement) Simulate(_ uint32, id ecs.EntityID) {
	t := ecs.Get[Transform](m.World, id)
	v := ecs.Get[Velocity](m.World, id)
	if t == nil || v == nil {
		return
	}
	dt := float32(m.Step.Seconds())
	pos := t.Position.Add(v.Linear.Scale(dt))
	t.Position, v.Linear = m.Bounds.Reflect(pos, v.Linear)
	if v.Linear.X != 0 || v.Linear.Z != 0 {
		t.Yaw = float32(math.Atan2(float64(v.Linear.X), float64(v.Linear.Z)))
	}
}

func (m *Movement) Simulation() prediction.SimulationSystem {
	return prediction.SimulationSystem{ID: "movement", Simulate: m.Simulate}
}

// SpawnBot adds a wandering bot replicated every frequency frames.
func SpawnBot(w *ecs.World, rng *rand.Rand, frequency uint32) (ecs.EntityID, error) {
	id := w.CreateEntity(ecs.SceneID)
	pos := geom.Vec3{
		X: Arena.Min.X + rng.Float32()*(Arena.Max.X-Arena.Min.X),
		Z: Arena.Min.Z + rng.Float32()*(Arena.Max.Z-Arena.Min.Z),
	}
	dir := geom.Vec3{X: rng.Float32()*2 - 1, Z: rng.Float32()*2 - 1}.Normalize()

	if _, err := ecs.Add(w, id, ecs.Replicated{Frequency: frequency}); err != nil {
		return 0, err
	}
	if _, err := ecs.Add(w, id, Transform{Position: pos}); err != nil {
		return 0, err
	}
	if _, err := ecs.Add(w, id, Velocity{Linear: dir.Scale(4)}); err != nil {
		return 0, err
	}
	if _, err := ecs.Add(w, id, Health{Current: 100, Max: 100}); err != nil {
		return 0, err
	}
	return id, nil
}

// SpawnPlayer adds the avatar of peer. Its shield is only replicated to
// that peer.
func SpawnPlayer(w *ecs.World, peer string) (ecs.EntityID, error) {
	id := w.CreateEntity(ecs.SceneID)
	if _, err := ecs.Add(w, id, ecs.Replicated{Owner: peer}); err != nil {
		return 0, err
	}
	if _, err := ecs.Add(w, id, Player{Name: peer}); err != nil {
		return 0, err
	}
	if _, err := ecs.Add(w, id, Transform{}); err != nil {
		return 0, err
	}
	if _, err := ecs.Add(w, id, Velocity{Linear: geom.Vec3{X: 3, Z: 2}}); err != nil {
		return 0, err
	}
	if _, err := ecs.Add(w, id, Health{Current: 100, Max: 100, Shield: 25}); err != nil {
		return 0, err
	}
	return id, nil
}

// Damage lowers the health of every bot by one every second, respawning
// them at full health.
func Damage(w *ecs.World, tickRate int) sim.System {
	return sim.System{Name: "damage", Process: func(frame uint32, _ time.Duration) {
		if tickRate <= 0 || frame%uint32(tickRate) != 0 {
			return
		}
		for id, h := range ecs.Each[Health](w) {
			if ecs.Get[Player](w, id) != nil {
				continue
			}
			h.Current--
			if h.Current <= 0 {
				h.Current = h.Max
			}
		}
	}}
}
