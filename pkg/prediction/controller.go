// Package prediction detects where locally predicted state diverged from
// the server and replays the affected entities from the confirmed state.
package prediction

import (
	"slices"

	"github.com/QYUbit/snapnet/pkg/axlog"
	"github.com/QYUbit/snapnet/pkg/compress"
	"github.com/QYUbit/snapnet/pkg/ecs"
	"github.com/QYUbit/snapnet/pkg/history"
	"github.com/QYUbit/snapnet/pkg/metrics"
	"github.com/QYUbit/snapnet/pkg/snapshot"
)

type State uint8

const (
	StateNormal State = iota
	StateMispredicted
	StateResimulating
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateMispredicted:
		return "mispredicted"
	default:
		return "resimulating"
	}
}

// Misprediction records that the prediction of Entity differed from the
// server at Frame.
type Misprediction struct {
	Entity ecs.EntityID
	Frame  uint32
}

// Confirmations is the view of the server state the controller compares
// against. *apply.Integrator implements it.
type Confirmations interface {
	LastApplied(id ecs.EntityID) uint32
	ServerHistory() *history.Ring
}

// Recorder writes the current predicted state of an entity into a
// snapshot. *watch.System implements it.
type Recorder interface {
	WriteEntity(dst *snapshot.Snapshot, id ecs.EntityID)
}

type Option func(*Controller)

func WithLogger(l axlog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

func WithMetrics(m *metrics.Replication) Option {
	return func(c *Controller) { c.metrics = m }
}

type Controller struct {
	world    *ecs.World
	types    *ecs.Registry
	comps    *compress.Registry
	server   Confirmations
	client   *history.Ring
	recorder Recorder
	systems  *Registry

	state        State
	mispredicted []Misprediction
	compared     map[ecs.EntityID]uint32

	log     axlog.Logger
	metrics *metrics.Replication
}

// New returns a controller. client holds the predicted state per frame and
// is written by the caller after every capture; replays rewrite it through
// recorder.
func New(world *ecs.World, comps *compress.Registry, server Confirmations, client *history.Ring, recorder Recorder, systems *Registry, opts ...Option) *Controller {
	c := &Controller{
		world:    world,
		types:    world.Types(),
		comps:    comps,
		server:   server,
		client:   client,
		recorder: recorder,
		systems:  systems,
		compared: make(map[ecs.EntityID]uint32),
		log:      axlog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) State() State { return c.state }

// Mispredicted returns the mispredictions found since the last replay.
func (c *Controller) Mispredicted() []Misprediction { return c.mispredicted }

// Compare checks every predicted entity whose confirmed frame advanced
// since the last call against the prediction recorded for that frame. Only
// the predicted component types are compared.
func (c *Controller) Compare() []Misprediction {
	var found []Misprediction
	for _, id := range c.predicted() {
		n := c.server.LastApplied(id)
		if n == 0 || n <= c.compared[id] {
			continue
		}
		c.compared[id] = n

		if c.diverged(id, n) {
			found = append(found, Misprediction{Entity: id, Frame: n})
		}
	}

	if len(found) > 0 {
		c.mispredicted = append(c.mispredicted, found...)
		c.state = StateMispredicted
		c.metrics.Mispredictions(len(found))
	}
	return found
}

func (c *Controller) predicted() []ecs.EntityID {
	var ids []ecs.EntityID
	for id := range ecs.Each[ecs.Predicted](c.world) {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Controller) diverged(id ecs.EntityID, frame uint32) bool {
	mine := c.client.Get(frame, false)
	theirs := c.server.ServerHistory().Get(frame, false)
	if mine == nil || theirs == nil {
		return false
	}
	me, te := mine.Entity(id), theirs.Entity(id)
	if me == nil || te == nil {
		return false
	}

	for key, mc := range me.Components {
		tc, ok := te.Components[key]
		if !ok {
			continue
		}
		if !snapshot.EqualComponent(mc, tc, c.comps) {
			return true
		}
	}
	return false
}

// Resimulate rewinds every mispredicted entity to the server state of its
// divergent frame and replays the steps up to current through the
// registered systems. current is the newest frame the client recorded.
// It returns false when there was nothing to replay.
func (c *Controller) Resimulate(current uint32) bool {
	if c.state != StateMispredicted {
		return false
	}
	c.state = StateResimulating
	defer func() {
		c.state = StateNormal
		c.mispredicted = c.mispredicted[:0]
	}()

	from := make(map[ecs.EntityID]uint32, len(c.mispredicted))
	start := current
	for _, m := range c.mispredicted {
		if !c.world.Exists(m.Entity) || m.Frame > current {
			continue
		}
		if f, ok := from[m.Entity]; !ok || m.Frame < f {
			from[m.Entity] = m.Frame
		}
	}
	if len(from) == 0 {
		return false
	}

	ids := make([]ecs.EntityID, 0, len(from))
	for id, f := range from {
		if !c.rewind(id, f) {
			continue
		}
		ids = append(ids, id)
		start = min(start, f)
	}
	if len(ids) == 0 {
		return false
	}
	slices.Sort(ids)

	c.systems.start(start, current)
	for frame := start; frame < current; frame++ {
		for _, s := range c.systems.systems {
			for _, id := range ids {
				if from[id] <= frame {
					s.Simulate(frame, id)
				}
			}
		}
		if dst := c.client.Get(frame+1, false); dst != nil {
			for _, id := range ids {
				if from[id] <= frame {
					c.recorder.WriteEntity(dst, id)
				}
			}
		}
	}
	c.systems.end()

	c.metrics.Resimulation()
	c.log.Debug("resimulated", "entities", len(ids), "from", start, "to", current)
	return true
}

// rewind overwrites the predicted components of id with the server state at
// frame and records it as the client state of that frame.
func (c *Controller) rewind(id ecs.EntityID, frame uint32) bool {
	snap := c.server.ServerHistory().Get(frame, false)
	if snap == nil {
		return false
	}
	se := snap.Entity(id)
	if se == nil {
		return false
	}

	for key, sc := range se.Components {
		if !ecs.IsPredicted(c.world, id, key.Type) {
			continue
		}
		live, ok := c.world.Component(id, key)
		if !ok {
			continue
		}
		d, ok := c.types.Lookup(key.Type)
		if !ok {
			continue
		}
		for i := range d.Fields {
			if i < len(sc.Fields) && sc.Fields[i].Value != nil {
				d.Fields[i].Set(live, sc.Fields[i].Value)
			}
		}
	}

	if dst := c.client.Get(frame, false); dst != nil {
		c.recorder.WriteEntity(dst, id)
	}
	return true
}

// ExpireTransients destroys transient entities the server never confirmed.
// An entity expires once its TTL elapsed and a complete server frame at or
// after its spawn frame arrived without it, or unconditionally after four
// times its TTL. lastComplete is the newest fully received server frame.
func (c *Controller) ExpireTransients(frame, lastComplete uint32) []ecs.EntityID {
	var expired []ecs.EntityID
	for id, t := range ecs.Each[ecs.Transient](c.world) {
		if c.server.LastApplied(id) != 0 {
			continue
		}
		age := frame - min(frame, t.SpawnFrame)
		covered := lastComplete >= t.SpawnFrame
		if (age >= t.TTL && covered) || age >= 4*t.TTL {
			expired = append(expired, id)
		}
	}
	slices.Sort(expired)
	for _, id := range expired {
		c.world.Destroy(id)
		delete(c.compared, id)
	}
	if len(expired) > 0 {
		c.log.Debug("transients expired", "count", len(expired), "frame", frame)
	}
	return expired
}

// Confirmation pairs a transient entity with the server entity that took
// its place.
type Confirmation struct {
	Key    uint64
	Local  ecs.EntityID
	Server ecs.EntityID
}

// ConfirmSpawns replaces transient entities by the server entities among ids
// that carry the same Spawn key. The server entity inherits the predicted
// component types of the transient it replaces.
func (c *Controller) ConfirmSpawns(ids []ecs.EntityID) []Confirmation {
	waiting := make(map[uint64]ecs.EntityID)
	for id, t := range ecs.Each[ecs.Transient](c.world) {
		if t.Key != 0 {
			waiting[t.Key] = id
		}
	}
	if len(waiting) == 0 {
		return nil
	}

	var out []Confirmation
	for _, id := range ids {
		sp := ecs.Get[ecs.Spawn](c.world, id)
		if sp == nil || sp.Key == 0 || ecs.Get[ecs.Transient](c.world, id) != nil {
			continue
		}
		local, ok := waiting[sp.Key]
		if !ok {
			continue
		}
		delete(waiting, sp.Key)

		if p := ecs.Get[ecs.Predicted](c.world, local); p != nil && ecs.Get[ecs.Predicted](c.world, id) == nil {
			if _, err := ecs.Add(c.world, id, ecs.Predicted{Mask: p.Mask}); err != nil {
				c.log.Warn("carrying prediction over failed", "entity", id, "error", err)
			}
		}
		c.world.Destroy(local)
		c.Forget(local)
		out = append(out, Confirmation{Key: sp.Key, Local: local, Server: id})
	}
	if len(out) > 0 {
		c.log.Debug("spawns confirmed", "count", len(out))
	}
	return out
}

// Forget drops the comparison state of an entity that left the world.
func (c *Controller) Forget(id ecs.EntityID) {
	delete(c.compared, id)
}
