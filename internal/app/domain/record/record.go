// Package record defines the generic facade representation of a domain
// object: an insertion-ordered mapping from field name to a small closed set
// of value kinds (nil, string, float64, bool, []interface{}, *Record).
// Domain adapters convert persistence rows into Records once, at load time.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Record is an ordered field bag. The zero value is not usable; construct
// with New. Missing keys read as nil rather than failing, so projections
// degrade gracefully for partially populated entities.
type Record struct {
	keys   []string
	values map[string]interface{}
}

// New creates an empty Record.
func New() *Record {
	return &Record{values: make(map[string]interface{})}
}

// Set stores a field value, preserving the key's original position when it
// already exists.
func (r *Record) Set(key string, value interface{}) *Record {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
	return r
}

// Get returns the field value, or nil when absent.
func (r *Record) Get(key string) interface{} {
	if r == nil {
		return nil
	}
	return r.values[key]
}

// Has reports whether the field is present (even if nil-valued).
func (r *Record) Has(key string) bool {
	if r == nil {
		return false
	}
	_, ok := r.values[key]
	return ok
}

// Delete removes a field if present.
func (r *Record) Delete(key string) {
	if !r.Has(key) {
		return
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the field names in insertion order.
func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of fields.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// GetString returns the field rendered as a string. Numbers format without
// an exponent; nil and missing fields render empty.
func (r *Record) GetString(key string) string {
	return Stringify(r.Get(key))
}

// GetFloat returns the field as a float64, or 0 when absent or non-numeric.
func (r *Record) GetFloat(key string) float64 {
	switch v := r.Get(key).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

// GetBool returns the field as a bool, treating nonzero numbers and the
// strings "1"/"true" as true.
func (r *Record) GetBool(key string) bool {
	switch v := r.Get(key).(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		return v == "1" || v == "true"
	default:
		return false
	}
}

// GetRecord returns the field as a nested Record, or nil.
func (r *Record) GetRecord(key string) *Record {
	nested, _ := r.Get(key).(*Record)
	return nested
}

// GetList returns the field as a list, or nil.
func (r *Record) GetList(key string) []interface{} {
	list, _ := r.Get(key).([]interface{})
	return list
}

// Merge copies every field of other into r, overwriting duplicates. New
// keys append in other's order.
func (r *Record) Merge(other *Record) *Record {
	if other == nil {
		return r
	}
	for _, k := range other.keys {
		r.Set(k, other.values[k])
	}
	return r
}

// Clone returns a deep copy. Nested Records and lists are copied; scalars
// are shared by value.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := New()
	for _, k := range r.keys {
		out.Set(k, cloneValue(r.values[k]))
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case *Record:
		return tv.Clone()
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// MarshalJSON encodes the record as a JSON object preserving insertion order.
func (r *Record) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		val, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into the record, preserving the
// document's key order. Nested objects become Records.
func (r *Record) UnmarshalJSON(data []byte) error {
	if r.values == nil {
		r.values = make(map[string]interface{})
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("record: expected JSON object")
	}
	return r.decodeFields(dec)
}

func (r *Record) decodeFields(dec *json.Decoder) error {
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("record: expected object key")
		}
		value, err := decodeValue(dec)
		if err != nil {
			return err
		}
		r.Set(key, value)
	}
	// consume closing brace
	_, err := dec.Token()
	return err
}

func decodeValue(dec *json.Decoder) (interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch tv := tok.(type) {
	case json.Delim:
		switch tv {
		case '{':
			nested := New()
			if err := nested.decodeFields(dec); err != nil {
				return nil, err
			}
			return nested, nil
		case '[':
			var list []interface{}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			if list == nil {
				list = []interface{}{}
			}
			return list, nil
		default:
			return nil, fmt.Errorf("record: unexpected delimiter %v", tv)
		}
	case json.Number:
		f, err := tv.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return tok, nil
	}
}

// Stringify renders a field value for URI template substitution and
// display. Nil renders as the empty string; floats drop a trailing ".0".
func Stringify(v interface{}) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(tv)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	default:
		return fmt.Sprintf("%v", tv)
	}
}
