// Package scraper defines the scraper execution contract: the loose record
// shape scrapers emit, the Extractor interface each scraper implements, the
// Runner that executes one scraper in isolation, and the shared HTTP fetch
// layer.
package scraper

import (
	"encoding/json"
	"fmt"
)

// RecordKind tags which canonical entity a raw record is expected to become.
type RecordKind string

const (
	KindRepresentative RecordKind = "representative"
	KindBill           RecordKind = "bill"
	KindCommittee      RecordKind = "committee"
	KindEvent          RecordKind = "event"
	KindVote           RecordKind = "vote"
	KindUnknown        RecordKind = "unknown"
)

// RawField is a tagged union over the two shapes civic sources emit for the
// same field: a structured object or a bare string. Division and
// classification fields are the usual offenders. The normalizer dispatches on
// the tag instead of dropping records that picked the wrong shape.
type RawField struct {
	Structured map[string]any
	Bare       string
	isBare     bool
	present    bool
}

// StructuredField builds a structured RawField.
func StructuredField(m map[string]any) RawField {
	return RawField{Structured: m, present: true}
}

// BareField builds a bare-string RawField.
func BareField(s string) RawField {
	return RawField{Bare: s, isBare: true, present: true}
}

// Present reports whether the field was set at all.
func (f RawField) Present() bool { return f.present }

// IsBare reports whether the field carried a bare string.
func (f RawField) IsBare() bool { return f.isBare }

// String returns the bare value, or the "name" property of a structured
// value, or "".
func (f RawField) String() string {
	if !f.present {
		return ""
	}
	if f.isBare {
		return f.Bare
	}
	if name, ok := f.Structured["name"].(string); ok {
		return name
	}
	return ""
}

// Prop returns a string property of a structured field, or "" for bare fields.
func (f RawField) Prop(key string) string {
	if !f.present || f.isBare {
		return ""
	}
	if v, ok := f.Structured[key].(string); ok {
		return v
	}
	return ""
}

// UnmarshalJSON accepts either a JSON object or a JSON string.
func (f *RawField) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = BareField(s)
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err == nil {
		*f = StructuredField(m)
		return nil
	}
	return fmt.Errorf("raw field is neither string nor object: %s", string(b))
}

// MarshalJSON writes the field back in its original shape.
func (f RawField) MarshalJSON() ([]byte, error) {
	if f.isBare {
		return json.Marshal(f.Bare)
	}
	return json.Marshal(f.Structured)
}

// RawRecord is the loose record shape a scraper emits. Fields hold whatever
// the source provided; the normalizer is responsible for making sense of it.
type RawRecord struct {
	Kind   RecordKind          `json:"kind"`
	Fields map[string]RawField `json:"fields"`
}

// Field returns the named field (zero RawField when absent).
func (r RawRecord) Field(name string) RawField {
	return r.Fields[name]
}

// Str is shorthand for Field(name).String().
func (r RawRecord) Str(name string) string {
	return r.Fields[name].String()
}

// CoerceBare wraps a bare string emission into a best-effort unknown record.
func CoerceBare(s string) RawRecord {
	return RawRecord{
		Kind:   KindUnknown,
		Fields: map[string]RawField{"value": BareField(s)},
	}
}
