package features

import (
	"errors"
	"fmt"
	"strings"

	"github.com/carbonmeter/emissions/internal/api"
)

// ErrSchemaMismatch is returned when a vector's field names or order differ
// from what a model was trained on. It is never recovered by fallback.
var ErrSchemaMismatch = errors.New("schema mismatch")

// Schema is a fixed, ordered list of named features.
type Schema struct {
	Name   string
	fields []string
	index  map[string]int
}

// NewSchema builds a schema from an ordered field list.
func NewSchema(name string, fields ...string) *Schema {
	s := &Schema{
		Name:   name,
		fields: append([]string(nil), fields...),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		s.index[f] = i
	}
	return s
}

// Fields returns a copy of the ordered field names.
func (s *Schema) Fields() []string {
	return append([]string(nil), s.fields...)
}

func (s *Schema) Len() int { return len(s.fields) }

// Index returns the position of a field.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Check compares the schema against an expected ordering.
func (s *Schema) Check(expected []string) error {
	if len(expected) != len(s.fields) {
		return fmt.Errorf("%w: %s has %d fields, model expects %d", ErrSchemaMismatch, s.Name, len(s.fields), len(expected))
	}
	var diffs []string
	for i, name := range expected {
		if s.fields[i] != name {
			diffs = append(diffs, fmt.Sprintf("[%d] %s != %s", i, s.fields[i], name))
		}
	}
	if len(diffs) > 0 {
		return fmt.Errorf("%w: %s: %s", ErrSchemaMismatch, s.Name, strings.Join(diffs, ", "))
	}
	return nil
}

// Vector is one feature row laid out by its schema.
type Vector struct {
	Schema *Schema
	Values []float64
}

// NewVector returns a zeroed vector for s.
func NewVector(s *Schema) *Vector {
	return &Vector{Schema: s, Values: make([]float64, s.Len())}
}

// Get returns the named value, or 0 for unknown names.
func (v *Vector) Get(name string) float64 {
	i, ok := v.Schema.Index(name)
	if !ok {
		return 0
	}
	return v.Values[i]
}

// Set assigns a named value and reports whether the name exists in the schema.
func (v *Vector) Set(name string, x float64) bool {
	i, ok := v.Schema.Index(name)
	if !ok {
		return false
	}
	v.Values[i] = x
	return true
}

// Map returns the vector keyed by field name.
func (v *Vector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.Values))
	for i, name := range v.Schema.fields {
		m[name] = v.Values[i]
	}
	return m
}

// ApplyOverrides replaces named features. Unknown names are a schema mismatch
// so that typos in caller overrides surface instead of being ignored.
func (v *Vector) ApplyOverrides(overrides map[string]float64) error {
	for name, x := range overrides {
		if !api.IsFinite(x) {
			return fmt.Errorf("override %s: non-finite value", name)
		}
		if !v.Set(name, x) {
			return fmt.Errorf("%w: unknown override %q for %s", ErrSchemaMismatch, name, v.Schema.Name)
		}
	}
	return nil
}

// Deriver turns a window of records into a feature vector.
type Deriver interface {
	Schema() *Schema
	Derive(window []api.DailyRecord, overrides map[string]float64) (*Vector, error)
}

// ratio returns num/den, or 0 when den is zero or the result is not finite.
func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	r := num / den
	if !api.IsFinite(r) {
		return 0
	}
	return r
}
