package core

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

type RuntimeType int

const (
	StringType RuntimeType = iota
	NumberType
	BooleanType
	NullType
	ObjectIDType
	GUIDType
	UUIDType
	DateType
	ArrayType
	ObjectType
	RawType
)

var runtimeTypeNames = map[RuntimeType]string{
	StringType:   "String",
	NumberType:   "Number",
	BooleanType:  "Boolean",
	NullType:     "Null",
	ObjectIDType: "ObjectId",
	GUIDType:     "GUID",
	UUIDType:     "UUID",
	DateType:     "Date",
	ArrayType:    "Array",
	ObjectType:   "Object",
	RawType:      "Raw",
}

func (t RuntimeType) String() string {
	if name, ok := runtimeTypeNames[t]; ok {
		return name
	}
	return "Unknown(" + strconv.Itoa(int(t)) + ")"
}

// ParseRuntimeType maps a type name as written in scripts (ObjectId, UUID,
// GUID, Number, String, Date, ...) to its RuntimeType. Matching is
// case-insensitive.
func ParseRuntimeType(name string) (RuntimeType, bool) {
	for t, n := range runtimeTypeNames {
		if strings.EqualFold(n, name) {
			return t, true
		}
	}
	return 0, false
}

// Value is a resolved runtime value. Exactly one payload field is meaningful,
// selected by Type:
//   - StringType, ObjectIDType, GUIDType, UUIDType: Str
//   - NumberType: Num
//   - BooleanType: Bool
//   - DateType: Time (always UTC)
//   - ArrayType: Items
//   - ObjectType: Fields (insertion ordered)
//   - RawType: Raw (verbatim JSON)
type Value struct {
	Type   RuntimeType
	Str    string
	Num    float64
	Bool   bool
	Time   time.Time
	Items  []Value
	Fields []Field
	Raw    json.RawMessage
}

// Field is a named member of an Object value.
type Field struct {
	Name  string
	Value Value
}

func String(s string) Value        { return Value{Type: StringType, Str: s} }
func Number(n float64) Value       { return Value{Type: NumberType, Num: n} }
func Bool(b bool) Value            { return Value{Type: BooleanType, Bool: b} }
func Null() Value                  { return Value{Type: NullType} }
func ObjectID(hex string) Value    { return Value{Type: ObjectIDType, Str: strings.ToLower(hex)} }
func GUID(s string) Value          { return Value{Type: GUIDType, Str: strings.ToUpper(s)} }
func UUID(s string) Value          { return Value{Type: UUIDType, Str: strings.ToLower(s)} }
func Date(t time.Time) Value       { return Value{Type: DateType, Time: t.UTC()} }
func Array(items ...Value) Value   { return Value{Type: ArrayType, Items: items} }
func Object(fields ...Field) Value { return Value{Type: ObjectType, Fields: fields} }
func Raw(msg json.RawMessage) Value {
	return Value{Type: RawType, Raw: append(json.RawMessage(nil), msg...)}
}

// F is shorthand for building an object Field.
func F(name string, value Value) Field {
	return Field{Name: name, Value: value}
}

func (v Value) IsNull() bool {
	return v.Type == NullType
}

// IsInteger reports whether a Number value has no fractional part.
func (v Value) IsInteger() bool {
	return v.Type == NumberType && v.Num == math.Trunc(v.Num) && !math.IsInf(v.Num, 0)
}

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	switch v.Type {
	case ArrayType:
		items := make([]Value, len(v.Items))
		for i, item := range v.Items {
			items[i] = item.Clone()
		}
		v.Items = items
	case ObjectType:
		fields := make([]Field, len(v.Fields))
		for i, f := range v.Fields {
			fields[i] = Field{Name: f.Name, Value: f.Value.Clone()}
		}
		v.Fields = fields
	case RawType:
		v.Raw = append(json.RawMessage(nil), v.Raw...)
	}
	return v
}

// Equal reports deep equality. Object field order is significant, matching
// the byte-for-byte restore guarantee of the ledger.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case StringType, ObjectIDType, GUIDType, UUIDType:
		return v.Str == other.Str
	case NumberType:
		return v.Num == other.Num
	case BooleanType:
		return v.Bool == other.Bool
	case NullType:
		return true
	case DateType:
		return v.Time.Equal(other.Time)
	case ArrayType:
		if len(v.Items) != len(other.Items) {
			return false
		}
		for i := range v.Items {
			if !v.Items[i].Equal(other.Items[i]) {
				return false
			}
		}
		return true
	case ObjectType:
		if len(v.Fields) != len(other.Fields) {
			return false
		}
		for i := range v.Fields {
			if v.Fields[i].Name != other.Fields[i].Name || !v.Fields[i].Value.Equal(other.Fields[i].Value) {
				return false
			}
		}
		return true
	case RawType:
		return string(v.Raw) == string(other.Raw)
	}
	return false
}

// Compare orders two values of comparable types. The second return value is
// false when the values cannot be ordered against each other.
func (v Value) Compare(other Value) (int, bool) {
	switch {
	case v.Type == NumberType && other.Type == NumberType:
		switch {
		case v.Num < other.Num:
			return -1, true
		case v.Num > other.Num:
			return 1, true
		}
		return 0, true
	case v.Type == DateType && other.Type == DateType:
		return v.Time.Compare(other.Time), true
	case v.Type == other.Type && (v.Type == StringType || v.Type == ObjectIDType || v.Type == GUIDType || v.Type == UUIDType):
		return strings.Compare(v.Str, other.Str), true
	case v.Type == BooleanType && other.Type == BooleanType:
		switch {
		case v.Bool == other.Bool:
			return 0, true
		case !v.Bool:
			return -1, true
		}
		return 1, true
	case v.Type == NullType && other.Type == NullType:
		return 0, true
	}
	return 0, false
}

// Key returns a canonical, type-qualified key used to identify documents by
// their _id across the ledger and the stores.
func (v Value) Key() string {
	switch v.Type {
	case StringType:
		return "s:" + v.Str
	case NumberType:
		return "n:" + formatNumber(v.Num)
	case ObjectIDType:
		return "oid:" + v.Str
	case GUIDType:
		return "guid:" + v.Str
	case UUIDType:
		return "uuid:" + v.Str
	case DateType:
		return "d:" + v.Time.Format(time.RFC3339Nano)
	case BooleanType:
		return "b:" + strconv.FormatBool(v.Bool)
	case NullType:
		return "null"
	}
	data, _ := json.Marshal(v)
	return "j:" + string(data)
}

// Display renders the value the way the CLI tables show it.
func (v Value) Display() string {
	switch v.Type {
	case StringType:
		return v.Str
	case NumberType:
		return formatNumber(v.Num)
	case BooleanType:
		return strconv.FormatBool(v.Bool)
	case NullType:
		return "null"
	case ObjectIDType:
		return "ObjectId(" + v.Str + ")"
	case GUIDType:
		return "GUID(" + v.Str + ")"
	case UUIDType:
		return "UUID(" + v.Str + ")"
	case DateType:
		return v.Time.Format(time.RFC3339Nano)
	case RawType:
		return string(v.Raw)
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func (v Value) String() string {
	return v.Type.String() + "(" + v.Display() + ")"
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}
