package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// TypeKey identifies a domain event or aggregate type by name and schema
// version. It is the unit of routing for serialization: every persisted
// payload carries its TypeKey so it can be decoded by the Registry later,
// even after the Go type has evolved past the persisted version.
type TypeKey struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// Key builds a TypeKey. A zero version is normalized to 1.
func Key(name string, version int) TypeKey {
	if version <= 0 {
		version = 1
	}
	return TypeKey{Name: name, Version: version}
}

func (k TypeKey) IsZero() bool { return k.Name == "" }

// String renders the canonical "name@vN" form used in logs and persisted
// records.
func (k TypeKey) String() string {
	return fmt.Sprintf("%s@v%d", k.Name, k.Version)
}

// ParseTypeKey parses the canonical "name@vN" form.
func ParseTypeKey(s string) (TypeKey, error) {
	name, ver, ok := strings.Cut(s, "@v")
	if !ok || name == "" {
		return TypeKey{}, fmt.Errorf("malformed type key %q", s)
	}
	v, err := strconv.Atoi(ver)
	if err != nil || v <= 0 {
		return TypeKey{}, fmt.Errorf("malformed type key version %q", s)
	}
	return TypeKey{Name: name, Version: v}, nil
}

// TypeFilter is the set of event type keys an aggregate type knows how to
// apply. An empty filter matches every event in the stream. Two aggregate
// types reading the same stream evaluate their filters independently.
type TypeFilter []TypeKey

func (f TypeFilter) IsEmpty() bool { return len(f) == 0 }

// Match reports whether k is covered by the filter.
func (f TypeFilter) Match(k TypeKey) bool {
	if len(f) == 0 {
		return true
	}
	for _, fk := range f {
		if fk == k {
			return true
		}
	}
	return false
}

// Strings returns the canonical string form of every key in the filter.
// Backends use this to push filtering into their query layer.
func (f TypeFilter) Strings() []string {
	if len(f) == 0 {
		return nil
	}
	out := make([]string, len(f))
	for i, k := range f {
		out[i] = k.String()
	}
	return out
}
