package prediction

import (
	"errors"
	"fmt"
	"slices"

	"github.com/QYUbit/snapnet/pkg/ecs"
)

var ErrDuplicateSystem = errors.New("prediction: system already registered")

// SimulationSystem is the replay hook of one game system. Simulate advances
// entity id by the step that leaves frame. Start and End bracket a replay of
// the steps [from, to) and may be nil.
type SimulationSystem struct {
	ID       string
	Simulate func(frame uint32, id ecs.EntityID)
	Start    func(from, to uint32)
	End      func()
}

// Registry lists the systems taking part in resimulation in the order they
// are replayed.
type Registry struct {
	systems []SimulationSystem
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(s SimulationSystem) error {
	if s.Simulate == nil {
		return fmt.Errorf("prediction: system %q has no Simulate step", s.ID)
	}
	if slices.ContainsFunc(r.systems, func(o SimulationSystem) bool { return o.ID == s.ID }) {
		return fmt.Errorf("%w: %s", ErrDuplicateSystem, s.ID)
	}
	r.systems = append(r.systems, s)
	return nil
}

func (r *Registry) Systems() []SimulationSystem {
	return r.systems
}

func (r *Registry) start(from, to uint32) {
	for _, s := range r.systems {
		if s.Start != nil {
			s.Start(from, to)
		}
	}
}

func (r *Registry) end() {
	for _, s := range r.systems {
		if s.End != nil {
			s.End()
		}
	}
}
