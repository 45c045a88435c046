package core

import (
	"fmt"
	"strconv"
	"strings"
)

// IDField is the primary key field of every document.
const IDField = "_id"

// Get returns a top-level field of an Object value.
func (v Value) Get(name string) (Value, bool) {
	if v.Type != ObjectType {
		return Value{}, false
	}
	for _, f := range v.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// ID returns the document's _id.
func (v Value) ID() (Value, bool) {
	return v.Get(IDField)
}

// Lookup resolves a dotted path ("address.city", "items.0.sku") against the value.
func (v Value) Lookup(path string) (Value, bool) {
	current := v
	for _, segment := range strings.Split(path, ".") {
		switch current.Type {
		case ObjectType:
			next, ok := current.Get(segment)
			if !ok {
				return Value{}, false
			}
			current = next
		case ArrayType:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(current.Items) {
				return Value{}, false
			}
			current = current.Items[index]
		default:
			return Value{}, false
		}
	}
	return current, true
}

// SetPath assigns value at a dotted path, creating intermediate objects. New
// fields are appended after existing ones so field order stays stable.
func (v *Value) SetPath(path string, value Value) error {
	return v.setSegments(strings.Split(path, "."), value, path)
}

func (v *Value) setSegments(segments []string, value Value, path string) error {
	name := segments[0]
	switch v.Type {
	case ObjectType:
		for i := range v.Fields {
			if v.Fields[i].Name != name {
				continue
			}
			if len(segments) == 1 {
				v.Fields[i].Value = value
				return nil
			}
			return v.Fields[i].Value.setSegments(segments[1:], value, path)
		}
		if len(segments) == 1 {
			v.Fields = append(v.Fields, Field{Name: name, Value: value})
			return nil
		}
		child := Object()
		if err := child.setSegments(segments[1:], value, path); err != nil {
			return err
		}
		v.Fields = append(v.Fields, Field{Name: name, Value: child})
		return nil
	case ArrayType:
		index, err := strconv.Atoi(name)
		if err != nil || index < 0 || index >= len(v.Items) {
			return fmt.Errorf("cannot set %q: array index %q out of range", path, name)
		}
		if len(segments) == 1 {
			v.Items[index] = value
			return nil
		}
		return v.Items[index].setSegments(segments[1:], value, path)
	default:
		return fmt.Errorf("cannot set %q: %s is not a container", path, v.Type)
	}
}

// DeletePath removes the field at a dotted path. It reports whether a field was removed.
func (v *Value) DeletePath(path string) bool {
	segments := strings.Split(path, ".")
	current := v
	for _, segment := range segments[:len(segments)-1] {
		var next *Value
		switch current.Type {
		case ObjectType:
			for i := range current.Fields {
				if current.Fields[i].Name == segment {
					next = &current.Fields[i].Value
					break
				}
			}
		case ArrayType:
			index, err := strconv.Atoi(segment)
			if err == nil && index >= 0 && index < len(current.Items) {
				next = &current.Items[index]
			}
		}
		if next == nil {
			return false
		}
		current = next
	}
	if current.Type != ObjectType {
		return false
	}
	last := segments[len(segments)-1]
	for i, f := range current.Fields {
		if f.Name == last {
			current.Fields = append(current.Fields[:i:i], current.Fields[i+1:]...)
			return true
		}
	}
	return false
}
