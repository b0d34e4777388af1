package records

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// ErrNotFound reports a record absent from the tenant partition.
var ErrNotFound = errors.New("records: record not found")

// Fields holds the business columns of a record keyed by column name.
type Fields map[string]any

// Record is one row of a synchronized table.
type Record struct {
	Table      string `json:"table"`
	ID         int64  `json:"id"`
	CustomerID int64  `json:"customerId"`
	Fields     Fields `json:"fields"`
}

// Key identifies a record across tables.
type Key struct {
	Table string
	ID    int64
}

func (k Key) String() string {
	return k.Table + "#" + strconv.FormatInt(k.ID, 10)
}

// Key returns the (table, id) identity of the record.
func (r Record) Key() Key {
	return Key{Table: r.Table, ID: r.ID}
}

// Clone returns a copy whose field map can be mutated independently.
func (r Record) Clone() Record {
	r.Fields = r.Fields.Clone()
	return r
}

// Clone copies the field map. Nested values are shared.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for name, value := range f {
		out[name] = value
	}
	return out
}

// Merge returns a copy of f overwritten by every entry of patch.
func (f Fields) Merge(patch Fields) Fields {
	out := f.Clone()
	for name, value := range patch {
		out[name] = value
	}
	return out
}

// IsNull reports whether the column is absent, null, or a blank string.
func (f Fields) IsNull(name string) bool {
	value, ok := f[name]
	if !ok || value == nil {
		return true
	}
	if text, isText := value.(string); isText {
		return strings.TrimSpace(text) == ""
	}
	return false
}

// String returns the column as text. Numbers are formatted without exponent.
func (f Fields) String(name string) (string, bool) {
	value, ok := f[name]
	if !ok || value == nil {
		return "", false
	}
	switch typed := value.(type) {
	case string:
		return typed, true
	case json.Number:
		return typed.String(), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case bool:
		return strconv.FormatBool(typed), true
	default:
		return "", false
	}
}

// Int64 returns the column as an integer when it holds an integral number.
func (f Fields) Int64(name string) (int64, bool) {
	value, ok := f[name]
	if !ok || value == nil {
		return 0, false
	}
	return AsInt64(value)
}

// AsInt64 converts a decoded JSON value to an integer when it is integral.
func AsInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case int32:
		return int64(typed), true
	case float64:
		if typed != math.Trunc(typed) || math.IsInf(typed, 0) {
			return 0, false
		}
		return int64(typed), true
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// Information is the tick bookkeeping kept beside every record.
type Information struct {
	Table      string `json:"table"`
	ID         int64  `json:"id"`
	CustomerID int64  `json:"customerId"`
	CreateTick int64  `json:"createTick"`
	UpdateTick int64  `json:"updateTick"`
	DeleteTick *int64 `json:"deleteTick,omitempty"`
	IsDeleted  bool   `json:"isDeleted"`
}

// Entry pairs a record with its metadata.
type Entry struct {
	Record      Record
	Information Information
}

// DecodeFields parses a stored JSON object keeping numbers exact.
func DecodeFields(raw string) (Fields, error) {
	fields := Fields{}
	if strings.TrimSpace(raw) == "" {
		return fields, nil
	}
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}
