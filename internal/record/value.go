package record

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// ValueType identifies the type of a field value.
type ValueType string

const (
	TypeString   ValueType = "string"
	TypeInteger  ValueType = "integer"
	TypeDouble   ValueType = "double"
	TypeBoolean  ValueType = "boolean"
	TypeDatetime ValueType = "datetime"
	TypeBinary   ValueType = "binary"
	TypeNull     ValueType = "null"
	TypeNaN      ValueType = "nan"
	TypeInf      ValueType = "inf"
	TypeNInf     ValueType = "ninf"
	TypeList     ValueType = "list"
)

// datetimeLayout renders datetimes as ISO-8601 UTC with millisecond precision.
const datetimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ValidValueTypes defines allowed value types.
var ValidValueTypes = map[ValueType]bool{
	TypeString:   true,
	TypeInteger:  true,
	TypeDouble:   true,
	TypeBoolean:  true,
	TypeDatetime: true,
	TypeBinary:   true,
	TypeNull:     true,
	TypeNaN:      true,
	TypeInf:      true,
	TypeNInf:     true,
	TypeList:     true,
}

// Value is a typed field value.
//
// The type is fixed at construction. Only list values are mutable, and
// only through ApplyListOperation.
type Value struct {
	typ  ValueType
	str  string // string, datetime, binary (base64)
	num  int64
	dbl  float64
	b    bool
	list []*Value
}

// NewValue creates a Value, inferring its type from v.
//
// Inference: NaN -> nan, +Inf -> inf, -Inf -> ninf, other numbers -> double,
// string -> string, bool -> boolean, time.Time -> datetime, []byte -> binary,
// nil -> null, slices and arrays -> list, *Value -> copy, else -> string.
func NewValue(v any) *Value {
	switch val := v.(type) {
	case nil:
		return &Value{typ: TypeNull}
	case *Value:
		if val == nil {
			return &Value{typ: TypeNull}
		}
		return val.Copy()
	case Value:
		return val.Copy()
	case string:
		return &Value{typ: TypeString, str: val}
	case bool:
		return &Value{typ: TypeBoolean, b: val}
	case time.Time:
		return &Value{typ: TypeDatetime, str: formatDatetime(val)}
	case []byte:
		return &Value{typ: TypeBinary, str: base64.StdEncoding.EncodeToString(val)}
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return &Value{typ: TypeString, str: val.String()}
		}
		return inferFloat(f)
	}

	rv := reflect.ValueOf(v)
	if f, ok := numericKind(rv); ok {
		return inferFloat(f)
	}
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		items := make([]*Value, rv.Len())
		for i := range items {
			items[i] = NewValue(rv.Index(i).Interface())
		}
		return &Value{typ: TypeList, list: items}
	}
	return &Value{typ: TypeString, str: fmt.Sprint(v)}
}

func inferFloat(f float64) *Value {
	switch {
	case math.IsNaN(f):
		return &Value{typ: TypeNaN}
	case math.IsInf(f, 1):
		return &Value{typ: TypeInf}
	case math.IsInf(f, -1):
		return &Value{typ: TypeNInf}
	}
	return &Value{typ: TypeDouble, dbl: f}
}

// NewTypedValue creates a Value of an explicit type, casting v.
//
// Returns an error if the type is unknown or v cannot be cast.
func NewTypedValue(t ValueType, v any) (*Value, error) {
	switch t {
	case TypeString:
		if s, ok := v.(string); ok {
			return &Value{typ: t, str: s}, nil
		}
		if v == nil {
			return &Value{typ: t}, nil
		}
		return &Value{typ: t, str: fmt.Sprint(v)}, nil

	case TypeInteger:
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("cast to integer: %w", err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("cast to integer: %v is not finite", v)
		}
		if n, ok := v.(int64); ok {
			return &Value{typ: t, num: n}, nil
		}
		return &Value{typ: t, num: int64(math.Floor(f))}, nil

	case TypeDouble:
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("cast to double: %w", err)
		}
		return &Value{typ: t, dbl: f}, nil

	case TypeBoolean:
		return &Value{typ: t, b: truthy(v)}, nil

	case TypeDatetime:
		switch val := v.(type) {
		case time.Time:
			return &Value{typ: t, str: formatDatetime(val)}, nil
		case string:
			return &Value{typ: t, str: val}, nil
		}
		return nil, fmt.Errorf("cast to datetime: unsupported type %T", v)

	case TypeBinary:
		switch val := v.(type) {
		case []byte:
			return &Value{typ: t, str: base64.StdEncoding.EncodeToString(val)}, nil
		case string:
			return &Value{typ: t, str: val}, nil
		}
		return nil, fmt.Errorf("cast to binary: unsupported type %T", v)

	case TypeNull, TypeNaN, TypeInf, TypeNInf:
		return &Value{typ: t}, nil

	case TypeList:
		if v == nil {
			return &Value{typ: t, list: []*Value{}}, nil
		}
		if items, ok := v.([]*Value); ok {
			list := make([]*Value, len(items))
			for i, item := range items {
				list[i] = NewValue(item)
			}
			return &Value{typ: t, list: list}, nil
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, fmt.Errorf("cast to list: unsupported type %T", v)
		}
		list := make([]*Value, rv.Len())
		for i := range list {
			list[i] = NewValue(rv.Index(i).Interface())
		}
		return &Value{typ: t, list: list}, nil
	}
	return nil, fmt.Errorf("unknown value type %q", t)
}

// MustTypedValue is NewTypedValue that panics on error. Intended for literals.
func MustTypedValue(t ValueType, v any) *Value {
	val, err := NewTypedValue(t, v)
	if err != nil {
		panic(err)
	}
	return val
}

// Type returns the value's type.
func (v *Value) Type() ValueType {
	return v.typ
}

// IsList reports whether the value is a list.
func (v *Value) IsList() bool {
	return v.typ == TypeList
}

// Len returns the list length, or 0 for non-list values.
func (v *Value) Len() int {
	return len(v.list)
}

// Item returns the list item at index i.
func (v *Value) Item(i int) *Value {
	return v.list[i]
}

// Interface returns the natural Go representation of the value.
//
// Binary values are returned as base64 text unless decode is set, in which
// case the raw bytes are returned. Datetimes are returned as time.Time when
// the stored text parses, otherwise as the text itself.
func (v *Value) Interface(decode bool) any {
	switch v.typ {
	case TypeString:
		return v.str
	case TypeInteger:
		return v.num
	case TypeDouble:
		return v.dbl
	case TypeBoolean:
		return v.b
	case TypeDatetime:
		if t, err := time.Parse(time.RFC3339Nano, v.str); err == nil {
			return t
		}
		return v.str
	case TypeBinary:
		if decode {
			return decodeBase64Groups(v.str)
		}
		return v.str
	case TypeNaN:
		return math.NaN()
	case TypeInf:
		return math.Inf(1)
	case TypeNInf:
		return math.Inf(-1)
	case TypeList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface(decode)
		}
		return out
	}
	return nil
}

// Copy returns a deep copy of the value.
func (v *Value) Copy() *Value {
	c := *v
	if v.list != nil {
		c.list = make([]*Value, len(v.list))
		for i, item := range v.list {
			c.list[i] = item.Copy()
		}
	}
	return &c
}

// Equal reports whether two values have the same type and payload.
func (v *Value) Equal(other *Value) bool {
	if v == nil || other == nil {
		return v == other
	}
	if v.typ != other.typ {
		return false
	}
	switch v.typ {
	case TypeString, TypeDatetime, TypeBinary:
		return v.str == other.str
	case TypeInteger:
		return v.num == other.num
	case TypeDouble:
		return v.dbl == other.dbl
	case TypeBoolean:
		return v.b == other.b
	case TypeList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
	}
	return true
}

// String implements fmt.Stringer.
func (v *Value) String() string {
	return fmt.Sprintf("%s(%v)", v.typ, v.Interface(false))
}

// DryRun validates a list operation against this value without applying it.
// Returns "" when the operation would succeed.
//
// For a list of length n, list_item_insert accepts indices [0,n]; set,
// delete and move (both indices) accept [0,n-1].
func (v *Value) DryRun(op FieldOperation) ConflictType {
	if v.typ != TypeList {
		return ConflictUnknownType
	}
	n := len(v.list)
	switch op.Type {
	case FieldListItemInsert:
		if op.Index < 0 || op.Index > n {
			return ConflictIncorrectListIndex
		}
	case FieldListItemSet, FieldListItemDelete:
		if op.Index < 0 || op.Index >= n {
			return ConflictIncorrectListIndex
		}
	case FieldListItemMove:
		if op.Index < 0 || op.Index >= n || op.NewIndex < 0 || op.NewIndex >= n {
			return ConflictIncorrectListIndex
		}
	default:
		return ConflictUnknownType
	}
	return ""
}

// ApplyListOperation applies a validated list operation in place.
// Returns a *FieldConflictError if the operation does not validate.
func (v *Value) ApplyListOperation(op FieldOperation) error {
	if c := v.DryRun(op); c != "" {
		return &FieldConflictError{FieldID: op.FieldID, Type: c}
	}
	switch op.Type {
	case FieldListItemSet:
		v.list[op.Index] = NewValue(op.Value)
	case FieldListItemInsert:
		v.list = append(v.list, nil)
		copy(v.list[op.Index+1:], v.list[op.Index:])
		v.list[op.Index] = NewValue(op.Value)
	case FieldListItemDelete:
		copy(v.list[op.Index:], v.list[op.Index+1:])
		v.list[len(v.list)-1] = nil
		v.list = v.list[:len(v.list)-1]
	case FieldListItemMove:
		if op.Index == op.NewIndex {
			return nil
		}
		item := v.list[op.Index]
		copy(v.list[op.Index:], v.list[op.Index+1:])
		v.list = v.list[:len(v.list)-1]
		v.list = append(v.list, nil)
		copy(v.list[op.NewIndex+1:], v.list[op.NewIndex:])
		v.list[op.NewIndex] = item
	}
	return nil
}

// MarshalJSON encodes the value in wire form: {"type":T,"T":payload}.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	typeBytes, err := json.Marshal(string(v.typ))
	if err != nil {
		return nil, err
	}
	buf.Write(typeBytes)
	buf.WriteString(`,`)
	buf.Write(typeBytes)
	buf.WriteByte(':')

	var payload []byte
	switch v.typ {
	case TypeString, TypeDatetime, TypeBinary:
		payload, err = json.Marshal(v.str)
	case TypeInteger:
		payload = []byte(strconv.FormatInt(v.num, 10))
	case TypeDouble:
		payload, err = json.Marshal(v.dbl)
	case TypeBoolean:
		payload, err = json.Marshal(v.b)
	case TypeNull, TypeNaN, TypeInf, TypeNInf:
		payload = []byte("true")
	case TypeList:
		payload, err = marshalList(v.list)
	default:
		return nil, fmt.Errorf("unknown value type %q", v.typ)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal %s value: %w", v.typ, err)
	}
	buf.Write(payload)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalList(items []*Value) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := item.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("list[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a wire-form value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var t ValueType
	if err := json.Unmarshal(raw["type"], &t); err != nil {
		return fmt.Errorf("value type: %w", err)
	}
	if !ValidValueTypes[t] {
		return fmt.Errorf("unknown value type %q", t)
	}
	payload := raw[string(t)]

	*v = Value{typ: t}
	switch t {
	case TypeString, TypeDatetime, TypeBinary:
		return json.Unmarshal(payload, &v.str)
	case TypeInteger:
		return json.Unmarshal(payload, &v.num)
	case TypeDouble:
		return json.Unmarshal(payload, &v.dbl)
	case TypeBoolean:
		return json.Unmarshal(payload, &v.b)
	case TypeList:
		var items []*Value
		if err := json.Unmarshal(payload, &items); err != nil {
			return fmt.Errorf("list value: %w", err)
		}
		if items == nil {
			items = []*Value{}
		}
		v.list = items
	}
	return nil
}

func formatDatetime(t time.Time) string {
	return t.UTC().Format(datetimeLayout)
}

// decodeBase64Groups decodes standard base64 text four characters at a
// time; a trailing partial group is dropped.
func decodeBase64Groups(s string) []byte {
	s = s[:len(s)/4*4]
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return out
}

func numericKind(rv reflect.Value) (float64, bool) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func toFloat(v any) (float64, error) {
	switch val := v.(type) {
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", val)
		}
		return f, nil
	case json.Number:
		return val.Float64()
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	}
	if v != nil {
		if f, ok := numericKind(reflect.ValueOf(v)); ok {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case *Value:
		if val == nil {
			return false
		}
		return truthy(val.Interface(false))
	}
	if f, ok := numericKind(reflect.ValueOf(v)); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}
