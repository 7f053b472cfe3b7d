// Package measurement defines the normalized data model exchanged between
// sources, the hub, and observers: a Measurement is one named, tagged,
// timestamped set of scalar fields, and a Batch is a bucket-scoped group of
// measurements emitted by one source in one call.
package measurement

import (
	"fmt"

	"github.com/sdss/cerebro/errors"
)

// Field is a single named scalar value. Fields keep the order in which the
// source produced them, which a plain map would lose.
type Field struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Measurement is one fact about one entity at one instant.
type Measurement struct {
	// Name is the logical series/table name. Must be non-empty.
	Name string `json:"measurement"`

	// Fields is the ordered payload. Values must be scalars
	// (int, int64, float64, bool or string). Must be non-empty.
	Fields []Field `json:"fields"`

	// Tags is dimensional metadata. Keys are unique; insertion order is
	// irrelevant. May be nil.
	Tags map[string]string `json:"tags,omitempty"`

	// Time is nanoseconds since the Unix epoch. Zero means unset; the hub
	// assigns the corrected wall clock time at publish.
	Time int64 `json:"time,omitempty"`
}

// Batch is the unit of emission from a source to the hub.
type Batch struct {
	// Bucket designates a destination partition. Empty means the observer's
	// default applies.
	Bucket string `json:"bucket,omitempty"`

	Measurements []Measurement `json:"measurements"`
}

// New returns a measurement with the given name and no fields or tags.
func New(name string) Measurement {
	return Measurement{Name: name}
}

// Set appends a field, replacing an existing field with the same key in place
// so insertion order is preserved.
func (m *Measurement) Set(key string, value any) {
	for i := range m.Fields {
		if m.Fields[i].Key == key {
			m.Fields[i].Value = value
			return
		}
	}
	m.Fields = append(m.Fields, Field{Key: key, Value: value})
}

// Tag sets a tag, allocating the tag map on first use.
func (m *Measurement) Tag(key, value string) {
	if m.Tags == nil {
		m.Tags = make(map[string]string)
	}
	m.Tags[key] = value
}

// FieldMap returns the fields as a map for writers that do not care about
// order (e.g. database clients). The returned map is freshly allocated.
func (m Measurement) FieldMap() map[string]any {
	fields := make(map[string]any, len(m.Fields))
	for _, f := range m.Fields {
		fields[f.Key] = f.Value
	}
	return fields
}

// Validate checks measurement shape: non-empty name, non-empty fields, and
// scalar field values. It does not judge the values themselves.
func (m Measurement) Validate() error {
	if m.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Measurement", "Validate", "empty measurement name")
	}
	if len(m.Fields) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Measurement", "Validate", "empty field set")
	}
	for _, f := range m.Fields {
		switch f.Value.(type) {
		case int, int32, int64, float32, float64, bool, string:
		default:
			return errors.WrapInvalid(
				fmt.Errorf("field %q has non-scalar type %T", f.Key, f.Value),
				"Measurement", "Validate", "field type check")
		}
	}
	return nil
}

// Empty reports whether the batch carries no measurements. The hub discards
// empty batches without side effects.
func (b Batch) Empty() bool {
	return len(b.Measurements) == 0
}

// MergeTags copies src entries into dst. When overwrite is false an existing
// dst key wins; when true the src value replaces it. A nil dst is allocated
// only if there is something to merge.
func MergeTags(dst map[string]string, src map[string]string, overwrite bool) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		if _, exists := dst[k]; exists && !overwrite {
			continue
		}
		dst[k] = v
	}
	return dst
}
