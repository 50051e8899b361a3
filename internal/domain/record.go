package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// nullTokens are placeholder strings that tabular producers emit for missing cells.
var nullTokens = map[string]struct{}{
	"nan":  {},
	"NaN":  {},
	"NULL": {},
	"None": {},
}

// Record is a flat, ordered field map as exchanged with the remote record store.
// Values are normalized to trimmed strings when they enter the record.
type Record struct {
	fields []string
	values map[string]string
}

// NewRecord builds a record from alternating field/value pairs.
func NewRecord(pairs ...string) Record {
	r := Record{}
	for i := 0; i+1 < len(pairs); i += 2 {
		r.Set(pairs[i], pairs[i+1])
	}
	return r
}

// RecordFromMap builds a record from a loosely typed map. Fields listed in order
// come first, remaining keys follow sorted by name.
func RecordFromMap(values map[string]any, order []string) Record {
	r := Record{}
	for _, field := range order {
		if value, ok := values[field]; ok {
			r.Set(field, value)
		}
	}
	rest := make([]string, 0, len(values))
	for field := range values {
		if !r.Has(field) {
			rest = append(rest, field)
		}
	}
	sort.Strings(rest)
	for _, field := range rest {
		r.Set(field, values[field])
	}
	return r
}

// Set stores the normalized value for field, appending the field if it is new.
func (r *Record) Set(field string, value any) {
	if r.values == nil {
		r.values = make(map[string]string)
	}
	if _, exists := r.values[field]; !exists {
		r.fields = append(r.fields, field)
	}
	r.values[field] = NormalizeValue(value)
}

// Get returns the value for field and whether the field is present.
func (r Record) Get(field string) (string, bool) {
	value, ok := r.values[field]
	return value, ok
}

// Value returns the value for field, or "" when absent.
func (r Record) Value(field string) string {
	return r.values[field]
}

// Has reports whether field is present, even with an empty value.
func (r Record) Has(field string) bool {
	_, ok := r.values[field]
	return ok
}

// Fields returns the field names in insertion order.
func (r Record) Fields() []string {
	out := make([]string, len(r.fields))
	copy(out, r.fields)
	return out
}

func (r Record) Len() int {
	return len(r.fields)
}

// Clone returns a deep copy that can be mutated independently.
func (r Record) Clone() Record {
	out := Record{
		fields: make([]string, len(r.fields)),
		values: make(map[string]string, len(r.values)),
	}
	copy(out.fields, r.fields)
	for k, v := range r.values {
		out.values[k] = v
	}
	return out
}

// Project returns a copy restricted to fields, in that order. Fields missing
// from the record are skipped.
func (r Record) Project(fields []string) Record {
	out := Record{}
	for _, field := range fields {
		if value, ok := r.values[field]; ok {
			out.Set(field, value)
		}
	}
	return out
}

// Map returns a copy of the values keyed by field name.
func (r Record) Map() map[string]string {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the record as a JSON object preserving field order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(field)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(r.values[field])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a flat JSON object, keeping the key order of the input.
// Nested values are kept as their compact JSON text.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("record must be a JSON object")
	}

	*r = Record{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected record key %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		value, err := decodeScalar(raw)
		if err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		r.Set(key, value)
	}

	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func decodeScalar(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '{', '[':
		var compact bytes.Buffer
		if err := json.Compact(&compact, trimmed); err != nil {
			return nil, err
		}
		return compact.String(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

// NormalizeValue converts a loosely typed cell value into the trimmed string form
// used for comparison and import. Missing, null and NaN values become "".
func NormalizeValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return normalizeString(typed)
	case json.Number:
		return typed.String()
	case bool:
		if typed {
			return "1"
		}
		return "0"
	case float64:
		return formatFloat(typed)
	case float32:
		return formatFloat(float64(typed))
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case int32:
		return strconv.FormatInt(int64(typed), 10)
	case uint:
		return strconv.FormatUint(uint64(typed), 10)
	case uint64:
		return strconv.FormatUint(typed, 10)
	case time.Time:
		if typed.IsZero() {
			return ""
		}
		if typed.Hour() == 0 && typed.Minute() == 0 && typed.Second() == 0 && typed.Nanosecond() == 0 {
			return typed.Format("2006-01-02")
		}
		return typed.Format("2006-01-02 15:04:05")
	case fmt.Stringer:
		return normalizeString(typed.String())
	default:
		return normalizeString(fmt.Sprint(typed))
	}
}

func normalizeString(value string) string {
	value = strings.TrimSpace(value)
	if _, isNull := nullTokens[value]; isNull {
		return ""
	}
	return value
}

func formatFloat(value float64) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return ""
	}
	if value == math.Trunc(value) && math.Abs(value) < 1e15 {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// ValuesEqual reports whether two normalized values are the same. Two empty
// values are equal; an empty and a non-empty value are not.
func ValuesEqual(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}
