package op

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nickyhof/dotdata/backend"
	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
)

// raw evaluates a MongoDB stage given as JSON. The document store knows
// $match, $project, $sort, $limit, $skip, $unwind, $count, $group and $lookup.
func (p pipeline) raw(docs []core.Value, raw json.RawMessage) ([]core.Value, error) {
	stage, err := core.ParseDocument(raw)
	if err != nil {
		return nil, backend.Wrap(backend.ValidationError, p.collection, err)
	}
	if stage.Type != core.ObjectType || len(stage.Fields) != 1 {
		return nil, backend.Errorf(backend.ValidationError, p.collection, "a pipeline stage must have exactly one field")
	}
	name, arg := stage.Fields[0].Name, stage.Fields[0].Value

	switch name {
	case "$match":
		inner, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		filter, err := compile.ParseRawFilter(inner)
		if err != nil {
			return nil, backend.Wrap(backend.ValidationError, p.collection, err)
		}
		return match(docs, filter)
	case "$limit", "$skip":
		if !arg.IsInteger() || arg.Num < 0 {
			return nil, backend.Errorf(backend.ValidationError, p.collection, "%s expects a non-negative integer", name)
		}
		n := min(int(arg.Num), len(docs))
		if name == "$limit" {
			return docs[:n], nil
		}
		return docs[n:], nil
	case "$sort":
		var keys []compile.SortKey
		for _, f := range arg.Fields {
			keys = append(keys, compile.SortKey{Field: f.Name, Descending: f.Value.Type == core.NumberType && f.Value.Num < 0})
		}
		sortDocuments(docs, keys)
		return docs, nil
	case "$project":
		var fields []string
		for _, f := range arg.Fields {
			if excluded(f.Value) {
				fields = append(fields, "-"+f.Name)
			} else {
				fields = append(fields, f.Name)
			}
		}
		out := make([]core.Value, len(docs))
		for i, doc := range docs {
			out[i] = project(doc, fields)
		}
		return out, nil
	case "$unwind":
		path := arg
		if arg.Type == core.ObjectType {
			path, _ = arg.Get("path")
		}
		if path.Type != core.StringType {
			return nil, backend.Errorf(backend.ValidationError, p.collection, "$unwind expects a field path")
		}
		return unwind(docs, strings.TrimPrefix(path.Str, "$")), nil
	case "$count":
		if arg.Type != core.StringType || arg.Str == "" {
			return nil, backend.Errorf(backend.ValidationError, p.collection, "$count expects a field name")
		}
		return count(docs, arg.Str), nil
	case "$group":
		spec, err := rawGroup(arg)
		if err != nil {
			return nil, backend.Wrap(backend.ValidationError, p.collection, err)
		}
		return group(docs, spec)
	case "$lookup":
		spec := compile.Lookup{}
		for _, f := range arg.Fields {
			switch f.Name {
			case "from":
				spec.From = f.Value.Str
			case "localField":
				spec.Local = f.Value.Str
			case "foreignField":
				spec.Foreign = f.Value.Str
			case "as":
				spec.As = f.Value.Str
			}
		}
		if spec.From == "" || spec.As == "" {
			return nil, backend.Errorf(backend.ValidationError, p.collection, "$lookup needs from and as")
		}
		return p.lookup(docs, spec)
	}
	return nil, backend.Errorf(backend.UnsupportedError, p.collection, "pipeline stage %s is not supported by the document store", name)
}

func excluded(value core.Value) bool {
	switch value.Type {
	case core.NumberType:
		return value.Num == 0
	case core.BooleanType:
		return !value.Bool
	}
	return false
}

var rawAccumulators = map[string]string{
	"$sum":      "SUM",
	"$avg":      "AVG",
	"$min":      "MIN",
	"$max":      "MAX",
	"$push":     "PUSH",
	"$first":    "FIRST",
	"$last":     "LAST",
	"$addToSet": "ADD_TO_SET",
	"$count":    "COUNT",
}

func rawGroup(arg core.Value) (groupSpec, error) {
	if arg.Type != core.ObjectType {
		return groupSpec{}, fmt.Errorf("$group expects an object")
	}
	id, ok := arg.Get(core.IDField)
	if !ok {
		return groupSpec{}, fmt.Errorf("$group needs an _id")
	}

	var spec groupSpec
	switch id.Type {
	case core.NullType:
	case core.StringType:
		spec.keys = []groupKey{{name: core.IDField, path: strings.TrimPrefix(id.Str, "$")}}
	case core.ObjectType:
		for _, f := range id.Fields {
			if f.Value.Type != core.StringType {
				return groupSpec{}, fmt.Errorf("group key %s must be a field path", f.Name)
			}
			spec.keys = append(spec.keys, groupKey{name: f.Name, path: strings.TrimPrefix(f.Value.Str, "$")})
		}
		spec.object = true
	default:
		return groupSpec{}, fmt.Errorf("unsupported _id of type %s", id.Type)
	}

	for _, f := range arg.Fields {
		if f.Name == core.IDField {
			continue
		}
		if f.Value.Type != core.ObjectType || len(f.Value.Fields) != 1 {
			return groupSpec{}, fmt.Errorf("accumulator %s must be an object with one operator", f.Name)
		}
		op := f.Value.Fields[0]
		function, ok := rawAccumulators[op.Name]
		if !ok {
			return groupSpec{}, fmt.Errorf("unsupported accumulator %s", op.Name)
		}
		acc := accumulator{name: f.Name, function: function}
		switch {
		case op.Value.Type == core.StringType && strings.HasPrefix(op.Value.Str, "$"):
			acc.field = strings.TrimPrefix(op.Value.Str, "$")
		case function != "COUNT":
			constant := op.Value
			acc.constant = &constant
		}
		spec.accumulators = append(spec.accumulators, acc)
	}
	return spec, nil
}
