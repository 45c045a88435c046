package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Extended JSON wrapper keys used to keep runtime types across serialization.
const (
	oidKey  = "$oid"
	guidKey = "$guid"
	uuidKey = "$uuid"
	dateKey = "$date"
	rawKey  = "$raw"
)

func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.Type {
	case StringType:
		return writeJSONString(buf, v.Str)
	case NumberType:
		buf.WriteString(formatNumber(v.Num))
	case BooleanType:
		buf.WriteString(strconv.FormatBool(v.Bool))
	case NullType:
		buf.WriteString("null")
	case ObjectIDType:
		return writeWrapped(buf, oidKey, v.Str)
	case GUIDType:
		return writeWrapped(buf, guidKey, v.Str)
	case UUIDType:
		return writeWrapped(buf, uuidKey, v.Str)
	case DateType:
		return writeWrapped(buf, dateKey, v.Time.UTC().Format(time.RFC3339Nano))
	case RawType:
		buf.WriteString(`{"` + rawKey + `":`)
		buf.Write(v.Raw)
		buf.WriteByte('}')
	case ArrayType:
		buf.WriteByte('[')
		for i, item := range v.Items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case ObjectType:
		buf.WriteByte('{')
		for i, f := range v.Fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONString(buf, f.Name); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := f.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("cannot encode runtime type %v", v.Type)
	}
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

func writeWrapped(buf *bytes.Buffer, key, s string) error {
	buf.WriteString(`{"` + key + `":`)
	if err := writeJSONString(buf, s); err != nil {
		return err
	}
	buf.WriteByte('}')
	return nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	decoded, err := decodeValue(decoder)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// ParseDocument decodes extended JSON into a Value, preserving object key order.
func ParseDocument(data []byte) (Value, error) {
	var v Value
	err := v.UnmarshalJSON(data)
	return v, err
}

func decodeValue(decoder *json.Decoder) (Value, error) {
	token, err := decoder.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Value{}, io.ErrUnexpectedEOF
		}
		return Value{}, err
	}
	switch t := token.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(n), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for decoder.More() {
				item, err := decodeValue(decoder)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := decoder.Token(); err != nil {
				return Value{}, err
			}
			return Array(items...), nil
		case '{':
			return decodeObject(decoder)
		}
	}
	return Value{}, fmt.Errorf("unexpected JSON token %v", token)
}

func decodeObject(decoder *json.Decoder) (Value, error) {
	fields := []Field{}
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return Value{}, err
		}
		key, ok := keyToken.(string)
		if !ok {
			return Value{}, fmt.Errorf("expected object key, got %v", keyToken)
		}
		if key == rawKey && len(fields) == 0 {
			var raw json.RawMessage
			if err := decoder.Decode(&raw); err != nil {
				return Value{}, err
			}
			fields = append(fields, Field{Name: key, Value: Raw(raw)})
			continue
		}
		value, err := decodeValue(decoder)
		if err != nil {
			return Value{}, err
		}
		fields = append(fields, Field{Name: key, Value: value})
	}
	if _, err := decoder.Token(); err != nil {
		return Value{}, err
	}

	if len(fields) == 1 {
		if wrapped, ok := unwrap(fields[0]); ok {
			return wrapped, nil
		}
	}
	return Object(fields...), nil
}

func unwrap(f Field) (Value, bool) {
	if f.Name == rawKey && f.Value.Type == RawType {
		return f.Value, true
	}
	if f.Value.Type != StringType {
		return Value{}, false
	}
	switch f.Name {
	case oidKey:
		return ObjectID(f.Value.Str), true
	case guidKey:
		return GUID(f.Value.Str), true
	case uuidKey:
		return UUID(f.Value.Str), true
	case dateKey:
		t, err := time.Parse(time.RFC3339Nano, f.Value.Str)
		if err != nil {
			return Value{}, false
		}
		return Date(t), true
	}
	return Value{}, false
}
