package packet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Body is the ordered key/value section of a packet. Values are kept as raw
// JSON so unknown fields survive a decode/encode cycle untouched.
//
// Accessors never fail: a missing or mistyped key yields the zero value.
type Body struct {
	keys   []string
	values map[string]json.RawMessage
}

// NewBody returns an empty body.
func NewBody() *Body {
	return &Body{values: make(map[string]json.RawMessage)}
}

// Len returns the number of fields.
func (b *Body) Len() int {
	if b == nil {
		return 0
	}
	return len(b.keys)
}

// Keys returns field names in wire order.
func (b *Body) Keys() []string {
	if b == nil {
		return nil
	}
	return append([]string(nil), b.keys...)
}

// Has reports whether key is present.
func (b *Body) Has(key string) bool {
	if b == nil {
		return false
	}
	_, ok := b.values[key]
	return ok
}

// Raw returns the raw JSON value stored under key.
func (b *Body) Raw(key string) (json.RawMessage, bool) {
	if b == nil {
		return nil, false
	}
	raw, ok := b.values[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), raw...), true
}

// Set stores any JSON-serialisable value under key. An existing key keeps its
// position.
func (b *Body) Set(key string, value any) error {
	raw, err := marshalJSON(value)
	if err != nil {
		return fmt.Errorf("%w: field %q: %v", ErrEncode, key, err)
	}
	b.setRaw(key, raw)
	return nil
}

// SetInt stores an integer field.
func (b *Body) SetInt(key string, value int64) {
	b.setRaw(key, strconv.AppendInt(nil, value, 10))
}

// SetBool stores a boolean field.
func (b *Body) SetBool(key string, value bool) {
	b.setRaw(key, strconv.AppendBool(nil, value))
}

// SetString stores a string field.
func (b *Body) SetString(key, value string) {
	raw, _ := marshalJSON(value)
	b.setRaw(key, raw)
}

// SetStrings stores a string array field.
func (b *Body) SetStrings(key string, values []string) {
	if values == nil {
		values = []string{}
	}
	raw, _ := marshalJSON(values)
	b.setRaw(key, raw)
}

// Delete removes key if present.
func (b *Body) Delete(key string) {
	if b == nil {
		return
	}
	if _, ok := b.values[key]; !ok {
		return
	}
	delete(b.values, key)
	for i, existing := range b.keys {
		if existing == key {
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			break
		}
	}
}

// Int returns the integer stored under key, or 0. Floating point values are
// truncated.
func (b *Body) Int(key string) int64 {
	raw, ok := b.Raw(key)
	if !ok {
		return 0
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err != nil {
		return 0
	}
	if v, err := number.Int64(); err == nil {
		return v
	}
	if f, err := number.Float64(); err == nil {
		return int64(f)
	}
	return 0
}

// Float returns the number stored under key, or 0.
func (b *Body) Float(key string) float64 {
	raw, ok := b.Raw(key)
	if !ok {
		return 0
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	return v
}

// Bool returns the boolean stored under key, or false.
func (b *Body) Bool(key string) bool {
	raw, ok := b.Raw(key)
	if !ok {
		return false
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v
}

// String returns the string stored under key, or "".
func (b *Body) String(key string) string {
	raw, ok := b.Raw(key)
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}

// Strings returns the string array stored under key, or nil.
func (b *Body) Strings(key string) []string {
	raw, ok := b.Raw(key)
	if !ok {
		return nil
	}
	var v []string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// Decode unmarshals the value under key into target. It reports false when the
// key is absent or does not fit target.
func (b *Body) Decode(key string, target any) bool {
	raw, ok := b.Raw(key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, target) == nil
}

// MarshalJSON writes the fields in insertion order.
func (b *Body) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if b != nil {
		for i, key := range b.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			name, err := marshalJSON(key)
			if err != nil {
				return nil, err
			}
			buf.Write(name)
			buf.WriteByte(':')
			buf.Write(b.values[key])
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping the field order. A repeated key
// keeps its first position and its last value.
func (b *Body) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("body: expected object, got %v", tok)
	}

	b.keys = nil
	b.values = make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("body: expected key, got %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return err
		}
		b.setRaw(key, compact.Bytes())
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

func (b *Body) setRaw(key string, raw []byte) {
	if b.values == nil {
		b.values = make(map[string]json.RawMessage)
	}
	if _, exists := b.values[key]; !exists {
		b.keys = append(b.keys, key)
	}
	b.values[key] = raw
}
