package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func unmarshal(b []byte, out interface{}) error  { return json.Unmarshal(b, out) }

// JSON is the opaque structured-value abstraction used for every
// json-typed field in the data model (input, output, error, metadata,
// schema). It wraps a raw JSON document rather than an unmarshaled
// map[string]interface{} so the store can round-trip unknown shapes and
// callers can read nested fields cheaply via gjson without committing to
// a concrete Go type.
type JSON []byte

// NullJSON is the normalized absent value: a nil byte slice, never a
// literal JSON null. Reads normalize "null" to absent per the store's
// round-tripping contract.
var NullJSON JSON

// NewJSON marshals v into a JSON value. Passing nil yields NullJSON.
func NewJSON(v interface{}) (JSON, error) {
	if v == nil {
		return NullJSON, nil
	}
	b, err := marshal(v)
	if err != nil {
		return nil, fmt.Errorf("models: marshal json value: %w", err)
	}
	return normalize(b), nil
}

// IsAbsent reports whether the value is absent (nil or JSON null).
func (j JSON) IsAbsent() bool {
	return len(normalize(j)) == 0
}

// Get returns the gjson result at path, for cheap nested reads without a
// full unmarshal.
func (j JSON) Get(path string) gjson.Result {
	return gjson.GetBytes(j, path)
}

// Decode unmarshals the value into out.
func (j JSON) Decode(out interface{}) error {
	if j.IsAbsent() {
		return nil
	}
	return unmarshal(j, out)
}

// Patch applies an sjson-style set at path and returns the resulting
// value, mirroring the patch semantics the store exposes for partial
// updates of opaque fields.
func (j JSON) Patch(path string, value interface{}) (JSON, error) {
	base := j
	if base.IsAbsent() {
		base = JSON("{}")
	}
	out, err := sjson.SetBytes([]byte(base), path, value)
	if err != nil {
		return nil, fmt.Errorf("models: patch json value at %q: %w", path, err)
	}
	return JSON(out), nil
}

// String returns the value's raw JSON text, or "" when absent.
func (j JSON) String() string {
	if j.IsAbsent() {
		return ""
	}
	return string(j)
}

// Value implements driver.Valuer so JSON can be written directly by
// sqlx/lib-pq as a jsonb column.
func (j JSON) Value() (driver.Value, error) {
	if j.IsAbsent() {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements sql.Scanner so JSON can be read directly from a jsonb
// column.
func (j *JSON) Scan(src interface{}) error {
	if src == nil {
		*j = NullJSON
		return nil
	}
	switch v := src.(type) {
	case []byte:
		*j = normalize(append([]byte(nil), v...))
	case string:
		*j = normalize([]byte(v))
	default:
		return fmt.Errorf("models: cannot scan %T into JSON", src)
	}
	return nil
}

// normalize strips a literal JSON null down to the absent representation.
func normalize(b []byte) JSON {
	trimmed := gjson.ParseBytes(b)
	if !trimmed.Exists() || trimmed.Type.String() == "Null" {
		return NullJSON
	}
	return JSON(b)
}
