package sim

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Systems run in registration order once per tick
func TestTickOrder(t *testing.T) {
	l := NewLoop(50)
	var got []string
	var frames []uint32
	l.AddSystem(System{Name: "a", Process: func(f uint32, dt time.Duration) {
		got = append(got, "a")
		frames = append(frames, f)
		if dt != 20*time.Millisecond {
			t.Errorf("dt = %v", dt)
		}
	}})
	l.AddSystem(System{Name: "b", Process: func(uint32, time.Duration) { got = append(got, "b") }})

	l.Tick()
	l.Tick()
	if len(got) != 4 || got[0] != "a" || got[1] != "b" || got[2] != "a" {
		t.Errorf("order = %v", got)
	}
	if frames[0] != 1 || frames[1] != 2 || l.Frame() != 2 {
		t.Errorf("frames = %v last = %d", frames, l.Frame())
	}

	l.SetFrame(100)
	if l.Tick() != 101 {
		t.Errorf("frame after SetFrame = %d", l.Frame())
	}
}

// Run ticks until stopped and refuses to start twice
func TestRunStop(t *testing.T) {
	l := NewLoop(1000)
	ticked := make(chan struct{}, 1)
	l.AddSystem(System{Name: "n", Process: func(uint32, time.Duration) {
		select {
		case ticked <- struct{}{}:
		default:
		}
	}})

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never ticked")
	}
	if err := l.Run(context.Background()); !errors.Is(err, ErrLoopRunning) {
		t.Errorf("second Run = %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}
