package op

import (
	"fmt"
	"strings"

	"github.com/nickyhof/dotdata/backend"
	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/script"
)

// pipeline evaluates aggregation stages in memory. Lookups read other
// collections through reader.
type pipeline struct {
	reader     view
	collection string
}

func (p pipeline) run(docs []core.Value, stages []compile.Stage) ([]core.Value, error) {
	var err error
	for i, stage := range stages {
		docs, err = p.stage(docs, stage)
		if err != nil {
			return nil, fmt.Errorf("pipeline stage %d (%s): %w", i+1, stage.Kind, err)
		}
	}
	return docs, nil
}

func (p pipeline) stage(docs []core.Value, stage compile.Stage) ([]core.Value, error) {
	switch stage.Kind {
	case script.MatchStage:
		return match(docs, stage.Filter)
	case script.ProjectStage:
		out := make([]core.Value, len(docs))
		for i, doc := range docs {
			out[i] = project(doc, stage.Fields)
		}
		return out, nil
	case script.SortStage:
		sortDocuments(docs, stage.Sort)
		return docs, nil
	case script.LimitStage:
		return docs[:min(stage.N, len(docs))], nil
	case script.SkipStage:
		return docs[min(stage.N, len(docs)):], nil
	case script.UnwindStage:
		return unwind(docs, strings.TrimPrefix(stage.Field, "$")), nil
	case script.GroupStage:
		spec := groupSpec{}
		for _, field := range stage.Fields {
			spec.keys = append(spec.keys, groupKey{name: field, path: field})
		}
		for _, acc := range stage.Accumulators {
			spec.accumulators = append(spec.accumulators, accumulator{name: acc.Name, function: strings.ToUpper(acc.Function), field: acc.Field})
		}
		return group(docs, spec)
	case script.CountStage:
		return count(docs, stage.Field), nil
	case script.LookupStage:
		return p.lookup(docs, stage.Lookup)
	case script.RawStage:
		return p.raw(docs, stage.Raw)
	}
	return nil, backend.Errorf(backend.UnsupportedError, p.collection, "unsupported pipeline stage %s", stage.Kind)
}

func match(docs []core.Value, filter compile.Filter) ([]core.Value, error) {
	var out []core.Value
	for _, doc := range docs {
		ok, err := filter.Matches(doc)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// unwind emits one document per array element. Documents whose field is
// missing, null or an empty array are dropped.
func unwind(docs []core.Value, field string) []core.Value {
	var out []core.Value
	for _, doc := range docs {
		value, ok := doc.Lookup(field)
		switch {
		case !ok || value.IsNull():
		case value.Type != core.ArrayType:
			out = append(out, doc)
		default:
			for _, item := range value.Items {
				clone := doc.Clone()
				_ = clone.SetPath(field, item.Clone())
				out = append(out, clone)
			}
		}
	}
	return out
}

func count(docs []core.Value, name string) []core.Value {
	if len(docs) == 0 {
		return nil
	}
	return []core.Value{core.Object(core.F(name, core.Number(float64(len(docs)))))}
}

func (p pipeline) lookup(docs []core.Value, spec compile.Lookup) ([]core.Value, error) {
	foreign, err := readCollection(spec.From, p.reader).Find(compile.MatchAll())
	if err != nil {
		return nil, err
	}
	out := make([]core.Value, len(docs))
	for i, doc := range docs {
		local := compile.PathValues(doc, spec.Local)
		if len(local) == 0 {
			local = []core.Value{core.Null()}
		}
		var joined []core.Value
		for _, other := range foreign {
			if joins(local, compile.PathValues(other, spec.Foreign)) {
				joined = append(joined, other.Clone())
			}
		}
		out[i] = doc.Clone()
		if err := out[i].SetPath(spec.As, core.Array(joined...)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func joins(local, foreign []core.Value) bool {
	if len(foreign) == 0 {
		foreign = []core.Value{core.Null()}
	}
	for _, l := range expand(local) {
		for _, f := range expand(foreign) {
			if l.Equal(f) {
				return true
			}
		}
	}
	return false
}

func expand(values []core.Value) []core.Value {
	var out []core.Value
	for _, value := range values {
		if value.Type == core.ArrayType {
			out = append(out, value.Items...)
			continue
		}
		out = append(out, value)
	}
	return out
}

type groupKey struct {
	name string
	path string
}

type accumulator struct {
	name     string
	function string
	field    string
	constant *core.Value
}

// groupSpec forms a scalar _id from a single key unless object is set;
// several keys always form an object _id.
type groupSpec struct {
	keys         []groupKey
	object       bool
	accumulators []accumulator
}

type groupState struct {
	id     core.Value
	values [][]core.Value
}

// group buckets documents by key in first-seen order.
func group(docs []core.Value, spec groupSpec) ([]core.Value, error) {
	var (
		order   []string
		buckets = map[string]*groupState{}
	)
	for _, doc := range docs {
		id := groupID(doc, spec)
		bucket, ok := buckets[id.Key()]
		if !ok {
			bucket = &groupState{id: id, values: make([][]core.Value, len(spec.accumulators))}
			buckets[id.Key()] = bucket
			order = append(order, id.Key())
		}
		for i, acc := range spec.accumulators {
			value := core.Null()
			switch {
			case acc.constant != nil:
				value = *acc.constant
			case acc.field != "":
				if found, ok := doc.Lookup(acc.field); ok {
					value = found
				}
			}
			bucket.values[i] = append(bucket.values[i], value)
		}
	}

	out := make([]core.Value, 0, len(order))
	for _, key := range order {
		bucket := buckets[key]
		doc := core.Object(core.F(core.IDField, bucket.id))
		for i, acc := range spec.accumulators {
			value, err := accumulate(acc.function, bucket.values[i])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", acc.name, err)
			}
			doc.Fields = append(doc.Fields, core.F(acc.name, value))
		}
		out = append(out, doc)
	}
	return out, nil
}

func groupID(doc core.Value, spec groupSpec) core.Value {
	lookup := func(path string) core.Value {
		if value, ok := doc.Lookup(path); ok {
			return value
		}
		return core.Null()
	}
	switch {
	case len(spec.keys) == 0:
		return core.Null()
	case len(spec.keys) == 1 && !spec.object:
		return lookup(spec.keys[0].path)
	}
	id := core.Object()
	for _, key := range spec.keys {
		id.Fields = append(id.Fields, core.F(key.name, lookup(key.path)))
	}
	return id
}

func accumulate(function string, values []core.Value) (core.Value, error) {
	switch function {
	case "COUNT":
		return core.Number(float64(len(values))), nil
	case "SUM", "AVG":
		sum, n := 0.0, 0
		for _, value := range values {
			if value.Type == core.NumberType {
				sum += value.Num
				n++
			}
		}
		if function == "SUM" {
			return core.Number(sum), nil
		}
		if n == 0 {
			return core.Null(), nil
		}
		return core.Number(sum / float64(n)), nil
	case "MIN", "MAX":
		var best *core.Value
		for i, value := range values {
			if value.IsNull() {
				continue
			}
			order := 0
			if best != nil {
				order = compareValues(value, *best)
			}
			if best == nil || (function == "MIN" && order < 0) || (function == "MAX" && order > 0) {
				best = &values[i]
			}
		}
		if best == nil {
			return core.Null(), nil
		}
		return *best, nil
	case "PUSH":
		return core.Array(values...), nil
	case "ADD_TO_SET":
		var set []core.Value
		for _, value := range values {
			if !contains(set, value) {
				set = append(set, value)
			}
		}
		return core.Array(set...), nil
	case "FIRST":
		if len(values) == 0 {
			return core.Null(), nil
		}
		return values[0], nil
	case "LAST":
		if len(values) == 0 {
			return core.Null(), nil
		}
		return values[len(values)-1], nil
	}
	return core.Value{}, fmt.Errorf("unknown accumulator %s", function)
}
