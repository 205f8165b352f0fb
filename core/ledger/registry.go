package ledger

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Registry is the immutable mapping from type keys to runtime types. It is
// built once at process start via RegistryBuilder and injected into Log and
// Rehydrator constructors; there is no package-level table.
//
// Registration is explicit. Missing or duplicate keys are detected at
// Build time so a misconfigured process fails on startup, not on the first
// decode.
type Registry struct {
	events map[TypeKey]func() any
	keys   map[reflect.Type]TypeKey
}

// RegistryBuilder collects type registrations. Not safe for concurrent use;
// build the registry during initialization and share the result.
type RegistryBuilder struct {
	events map[TypeKey]func() any
	keys   map[reflect.Type]TypeKey
	errs   []error
}

func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		events: map[TypeKey]func() any{},
		keys:   map[reflect.Type]TypeKey{},
	}
}

// RegisterEvent binds the event type T to key. Decoding an event with this
// key produces a fresh *T.
func RegisterEvent[T any](b *RegistryBuilder, key TypeKey) {
	rt := reflect.TypeOf((*T)(nil)).Elem()
	b.register(key, rt, func() any { return new(T) })
}

func (b *RegistryBuilder) register(key TypeKey, rt reflect.Type, ctor func() any) {
	if key.IsZero() {
		b.errs = append(b.errs, fmt.Errorf("empty type key for %s", rt))
		return
	}
	if _, dup := b.events[key]; dup {
		b.errs = append(b.errs, fmt.Errorf("duplicate type key %s", key))
		return
	}
	if prev, dup := b.keys[rt]; dup {
		b.errs = append(b.errs, fmt.Errorf("type %s already registered as %s", rt, prev))
		return
	}
	b.events[key] = ctor
	b.keys[rt] = key
}

// Build returns the immutable registry, or the first configuration errors
// collected during registration.
func (b *RegistryBuilder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("registry configuration: %w", b.errs[0])
	}
	events := make(map[TypeKey]func() any, len(b.events))
	for k, v := range b.events {
		events[k] = v
	}
	keys := make(map[reflect.Type]TypeKey, len(b.keys))
	for k, v := range b.keys {
		keys[k] = v
	}
	return &Registry{events: events, keys: keys}, nil
}

// MustBuild is Build for initialization paths where a configuration error
// should abort the process.
func (b *RegistryBuilder) MustBuild() *Registry {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

// KeyOf returns the type key registered for the dynamic type of v.
func (r *Registry) KeyOf(v any) (TypeKey, error) {
	rt := reflect.TypeOf(v)
	if rt != nil && rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	k, ok := r.keys[rt]
	if !ok {
		return TypeKey{}, fmt.Errorf("%w: %T", ErrUnknownType, v)
	}
	return k, nil
}

// Resolve returns a fresh zero value for the type registered under key.
func (r *Registry) Resolve(key TypeKey) (any, error) {
	ctor, ok := r.events[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, key)
	}
	return ctor(), nil
}

// Decode materializes the domain event carried by ev.
func (r *Registry) Decode(ev Event) (any, error) {
	out, err := r.Resolve(ev.Type)
	if err != nil {
		return nil, err
	}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ev.Type, err)
		}
	}
	return out, nil
}

// Encode serializes a domain event and resolves its type key.
func (r *Registry) Encode(v any) (TypeKey, json.RawMessage, error) {
	key, err := r.KeyOf(v)
	if err != nil {
		return TypeKey{}, nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return TypeKey{}, nil, fmt.Errorf("encode %s: %w", key, err)
	}
	return key, data, nil
}
