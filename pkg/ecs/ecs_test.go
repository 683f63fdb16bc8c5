package ecs

import (
	"errors"
	"slices"
	"testing"

	"github.com/QYUbit/snapnet/pkg/compress"
	"github.com/QYUbit/snapnet/pkg/geom"
)

type testPosition struct{ P geom.Vec3 }
type testHealth struct{ Value int32 }
type testOpaque struct{ C chan int }

func newTestRegistry() *Registry {
	r := NewRegistry()
	Register[testPosition](r, 1, "position", Public,
		Field("p", func(c *testPosition) geom.Vec3 { return c.P }, func(c *testPosition, v geom.Vec3) { c.P = v }, Quantized(0.01)),
	)
	Register[testHealth](r, 2, "health", Public,
		Field("value", func(c *testHealth) int32 { return c.Value }, func(c *testHealth, v int32) { c.Value = v }, WithPrivacy(Private)),
	)
	return r
}

// TestEntityTree tests creation, reparenting and recursive destruction
func TestEntityTree(t *testing.T) {
	w := NewWorld(newTestRegistry())

	a := w.CreateEntity(SceneID)
	b := w.CreateEntity(a)
	c := w.CreateEntity(a)

	if !slices.Equal(w.Children(a), []EntityID{b, c}) {
		t.Fatalf("unexpected children %v", w.Children(a))
	}
	if !w.InScene(c) {
		t.Error("c should be reachable from the scene")
	}

	if err := w.Attach(a, c); !errors.Is(err, ErrInvalidParent) {
		t.Errorf("expected cycle error, got %v", err)
	}

	if err := w.Attach(c, SceneID); err != nil {
		t.Fatal(err)
	}
	if w.Parent(c) != SceneID || slices.Contains(w.Children(a), c) {
		t.Error("c should have moved to the scene")
	}

	w.Destroy(a)
	if w.Exists(a) || w.Exists(b) {
		t.Error("destroy must remove the whole subtree")
	}
	if !w.Exists(c) {
		t.Error("c was reparented and must survive")
	}
}

// TestDetachedEntity tests the create then attach flow used by the client
func TestDetachedEntity(t *testing.T) {
	w := NewWorld(newTestRegistry())

	if !w.CreateDetached(42) {
		t.Fatal("expected detached create to succeed")
	}
	if w.CreateDetached(42) {
		t.Error("duplicate id must be rejected")
	}
	if w.InScene(42) {
		t.Error("detached entity must not be in the scene")
	}
	if _, err := Add(w, 42, testHealth{Value: 3}); err != nil {
		t.Fatal(err)
	}
	if err := w.Attach(42, SceneID); err != nil {
		t.Fatal(err)
	}
	if !w.InScene(42) {
		t.Error("entity should be in the scene after attach")
	}
}

// TestComponents tests add, lookup and swap removal
func TestComponents(t *testing.T) {
	w := NewWorld(newTestRegistry())
	e1 := w.CreateEntity(SceneID)
	e2 := w.CreateEntity(SceneID)

	before := w.StructureVersion()
	p1, _ := Add(w, e1, testPosition{P: geom.Vec3{X: 1}})
	Add(w, e2, testPosition{P: geom.Vec3{X: 2}})
	AddAt(w, e2, 1, testPosition{P: geom.Vec3{X: 3}})

	if w.StructureVersion() == before {
		t.Error("adding components must bump the structure version")
	}
	if _, err := Add(w, e1, testPosition{}); !errors.Is(err, ErrComponentExists) {
		t.Errorf("expected ErrComponentExists, got %v", err)
	}
	if got := Get[testPosition](w, e1); got != p1 {
		t.Error("Get should return the stored pointer")
	}
	if got := GetAt[testPosition](w, e2, 1); got == nil || got.P.X != 3 {
		t.Errorf("unexpected instance %v", got)
	}

	if !Remove[testPosition](w, e1) {
		t.Fatal("remove failed")
	}
	if Get[testPosition](w, e2).P.X != 2 {
		t.Error("swap removal corrupted the remaining instance")
	}
	if w.Count(1) != 2 {
		t.Errorf("expected 2 instances, got %d", w.Count(1))
	}

	n := 0
	for range Each[testPosition](w) {
		n++
	}
	if n != 1 {
		t.Errorf("Each should only yield index 0 instances, got %d", n)
	}
}

// TestFieldAccessors tests the generated get and set closures
func TestFieldAccessors(t *testing.T) {
	r := newTestRegistry()
	d := r.Type(2)
	h := &testHealth{Value: 10}

	f := d.Fields[0]
	if f.Privacy != Private {
		t.Errorf("expected private field, got %v", f.Privacy)
	}
	if f.Get(h) != int32(10) {
		t.Errorf("unexpected value %v", f.Get(h))
	}
	f.Set(h, int32(4))
	if h.Value != 4 {
		t.Errorf("set did not write through, got %d", h.Value)
	}
	if f.Zero != int32(0) {
		t.Errorf("unexpected zero value %#v", f.Zero)
	}
}

// TestValidate tests detection of fields without compressors
func TestValidate(t *testing.T) {
	r := newTestRegistry()
	if err := r.Validate(compress.Default()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	Register[testOpaque](r, 3, "opaque", Public,
		Field("c", func(c *testOpaque) chan int { return c.C }, func(c *testOpaque, v chan int) { c.C = v }),
	)
	var missing ErrNoCompressor
	if err := r.Validate(compress.Default()); !errors.As(err, &missing) {
		t.Fatalf("expected ErrNoCompressor, got %v", err)
	}
}

// TestDuplicateRegistrationPanics tests that duplicate ids panic
func TestDuplicateRegistrationPanics(t *testing.T) {
	r := newTestRegistry()
	defer func() {
		if recover() == nil {
			t.Error("expected panic for duplicate component id")
		}
	}()
	Register[testOpaque](r, 1, "dup", Public)
}

// TestPredictMask tests the per type prediction bits
func TestPredictMask(t *testing.T) {
	w := NewWorld(newTestRegistry())
	e := w.CreateEntity(SceneID)
	Add(w, e, Predicted{Mask: PredictMask(1)})

	if !IsPredicted(w, e, 1) || IsPredicted(w, e, 2) {
		t.Error("unexpected prediction mask evaluation")
	}
	if (Predicted{Mask: ^uint64(0)}).Has(64) {
		t.Error("types above 63 can never be predicted")
	}
}
