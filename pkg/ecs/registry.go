package ecs

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/QYUbit/snapnet/pkg/compress"
)

// FieldDesc describes one replicable field of a component type. Get and Set
// take the component pointer stored in the World.
type FieldDesc struct {
	Name             string
	Type             reflect.Type
	Privacy          Privacy
	Scheme           compress.Scheme
	DeltaPrecision   float64
	ComparePrecision float64
	Zero             any
	Get              func(c any) any
	Set              func(c any, v any)
}

type FieldOption func(*FieldDesc)

func WithPrivacy(p Privacy) FieldOption {
	return func(f *FieldDesc) { f.Privacy = p }
}

func WithScheme(s compress.Scheme) FieldOption {
	return func(f *FieldDesc) { f.Scheme = s }
}

// WithDeltaPrecision sets the smallest change that counts as a change. For
// quantized fields it is also the quantization step.
func WithDeltaPrecision(p float64) FieldOption {
	return func(f *FieldDesc) { f.DeltaPrecision = p }
}

func WithComparePrecision(p float64) FieldOption {
	return func(f *FieldDesc) { f.ComparePrecision = p }
}

// Quantized is shorthand for a quantized field whose compare precision
// equals its step.
func Quantized(step float64) FieldOption {
	return func(f *FieldDesc) {
		f.Scheme = compress.SchemeQuantized
		f.DeltaPrecision = step
		f.ComparePrecision = step
	}
}

// Field builds the descriptor of a field of type V on component C.
func Field[C, V any](name string, get func(*C) V, set func(*C, V), opts ...FieldOption) FieldDesc {
	var zero V
	f := FieldDesc{
		Name:    name,
		Type:    reflect.TypeFor[V](),
		Privacy: Public,
		Scheme:  compress.SchemeRaw,
		Zero:    zero,
		Get:     func(c any) any { return get(c.(*C)) },
		Set:     func(c any, v any) { set(c.(*C), v.(V)) },
	}
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// TypeDesc is the registration record of a component type.
type TypeDesc struct {
	ID      ComponentType
	Name    string
	Privacy Privacy
	Fields  []FieldDesc
	GoType  reflect.Type
	New     func() any
}

// Replicable reports whether the type has any field to capture.
func (d *TypeDesc) Replicable() bool {
	return len(d.Fields) > 0
}

// Registry is built once at startup and read only afterwards.
type Registry struct {
	byID   map[ComponentType]*TypeDesc
	byType map[reflect.Type]*TypeDesc
}

// NewRegistry returns a registry that already knows the builtin marker
// components.
func NewRegistry() *Registry {
	r := &Registry{
		byID:   make(map[ComponentType]*TypeDesc),
		byType: make(map[reflect.Type]*TypeDesc),
	}
	registerBuiltins(r)
	return r
}

// Register adds component type C under id. Registering an id or a type twice
// panics.
func Register[C any](r *Registry, id ComponentType, name string, privacy Privacy, fields ...FieldDesc) *TypeDesc {
	t := reflect.TypeFor[C]()
	if _, ok := r.byID[id]; ok {
		panic(fmt.Sprintf("ecs: component id %d registered twice", id))
	}
	if _, ok := r.byType[t]; ok {
		panic(fmt.Sprintf("ecs: component type %v registered twice", t))
	}

	d := &TypeDesc{
		ID:      id,
		Name:    name,
		Privacy: privacy,
		Fields:  fields,
		GoType:  t,
		New:     func() any { return new(C) },
	}
	r.byID[id] = d
	r.byType[t] = d
	return d
}

// Type returns the descriptor for id and panics for unknown ids.
func (r *Registry) Type(id ComponentType) *TypeDesc {
	d, ok := r.byID[id]
	if !ok {
		panic(fmt.Sprintf("ecs: unknown component type %d", id))
	}
	return d
}

func (r *Registry) Lookup(id ComponentType) (*TypeDesc, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// TypeOf returns the descriptor of a component pointer.
func (r *Registry) TypeOf(c any) (*TypeDesc, bool) {
	t := reflect.TypeOf(c)
	if t == nil || t.Kind() != reflect.Pointer {
		return nil, false
	}
	d, ok := r.byType[t.Elem()]
	return d, ok
}

func TypeFor[C any](r *Registry) *TypeDesc {
	d, ok := r.byType[reflect.TypeFor[C]()]
	if !ok {
		panic(fmt.Sprintf("ecs: component type %v is not registered", reflect.TypeFor[C]()))
	}
	return d
}

// Types returns every registered descriptor ordered by id.
func (r *Registry) Types() []*TypeDesc {
	out := make([]*TypeDesc, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *TypeDesc) int { return int(a.ID) - int(b.ID) })
	return out
}

// Validate checks that every replicable field has a compressor.
func (r *Registry) Validate(c *compress.Registry) error {
	for _, d := range r.Types() {
		for _, f := range d.Fields {
			if !c.Has(f.Type) {
				return fmt.Errorf("ecs: field %s.%s: %w", d.Name, f.Name, ErrNoCompressor{Type: f.Type})
			}
		}
	}
	return nil
}

func typeOf[C any]() reflect.Type {
	return reflect.TypeFor[C]()
}
