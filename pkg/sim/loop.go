// Package sim runs ordered systems on a fixed timestep.
package sim

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	ErrLoopRunning    = errors.New("sim: loop is already running")
	ErrLoopNotRunning = errors.New("sim: loop is not running")
)

// System is one stage of a tick. Process receives the frame being
// simulated and the fixed step duration.
type System struct {
	Name    string
	Process func(frame uint32, dt time.Duration)
}

// Loop advances a frame counter at a fixed rate and runs its systems in
// registration order on the calling goroutine.
type Loop struct {
	step    time.Duration
	frame   uint32
	systems []System
	cancel  context.CancelFunc
	running atomic.Bool
}

func NewLoop(tickRate int) *Loop {
	if tickRate <= 0 {
		tickRate = 60
	}
	return &Loop{step: time.Second / time.Duration(tickRate)}
}

func (l *Loop) Step() time.Duration { return l.step }

// Frame is the last simulated frame.
func (l *Loop) Frame() uint32 { return l.frame }

// SetFrame moves the frame counter. The next Tick simulates frame+1.
func (l *Loop) SetFrame(frame uint32) { l.frame = frame }

func (l *Loop) AddSystem(s System) {
	l.systems = append(l.systems, s)
}

// Tick simulates the next frame and returns it.
func (l *Loop) Tick() uint32 {
	l.frame++
	for _, s := range l.systems {
		s.Process(l.frame, l.step)
	}
	return l.frame
}

// Run ticks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	defer cancel()

	t := time.NewTicker(l.step)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			l.Tick()
		}
	}
}

func (l *Loop) Stop() error {
	if !l.running.Load() || l.cancel == nil {
		return ErrLoopNotRunning
	}
	l.cancel()
	return nil
}

func (l *Loop) Running() bool { return l.running.Load() }
