package op

import (
	"slices"
	"strings"

	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
)

// typeRank follows MongoDB's cross-type sort order.
func typeRank(t core.RuntimeType) int {
	switch t {
	case core.NullType:
		return 1
	case core.NumberType:
		return 2
	case core.StringType:
		return 3
	case core.ObjectType, core.RawType:
		return 4
	case core.ArrayType:
		return 5
	case core.GUIDType, core.UUIDType:
		return 6
	case core.ObjectIDType:
		return 7
	case core.BooleanType:
		return 8
	case core.DateType:
		return 9
	}
	return 10
}

// compareValues totally orders two values: first by type rank, then by
// value. Values of one rank that cannot be ordered compare by display form.
func compareValues(a, b core.Value) int {
	if ra, rb := typeRank(a.Type), typeRank(b.Type); ra != rb {
		return ra - rb
	}
	if order, ok := a.Compare(b); ok {
		return order
	}
	switch a.Type {
	case core.ArrayType:
		for i := 0; i < len(a.Items) && i < len(b.Items); i++ {
			if order := compareValues(a.Items[i], b.Items[i]); order != 0 {
				return order
			}
		}
		return len(a.Items) - len(b.Items)
	case core.ObjectType:
		for i := 0; i < len(a.Fields) && i < len(b.Fields); i++ {
			if order := strings.Compare(a.Fields[i].Name, b.Fields[i].Name); order != 0 {
				return order
			}
			if order := compareValues(a.Fields[i].Value, b.Fields[i].Value); order != 0 {
				return order
			}
		}
		return len(a.Fields) - len(b.Fields)
	}
	return strings.Compare(a.Display(), b.Display())
}

// sortValue picks the value an array field sorts by: its smallest element
// ascending and its largest descending. A missing field sorts as null.
func sortValue(doc core.Value, field string, descending bool) core.Value {
	found := compile.PathValues(doc, field)
	if len(found) == 0 {
		return core.Null()
	}
	value := found[0]
	if len(found) == 1 && (value.Type != core.ArrayType || len(value.Items) == 0) {
		return value
	}
	var pool []core.Value
	for _, v := range found {
		if v.Type == core.ArrayType {
			pool = append(pool, v.Items...)
		} else {
			pool = append(pool, v)
		}
	}
	best := pool[0]
	for _, v := range pool[1:] {
		order := compareValues(v, best)
		if (descending && order > 0) || (!descending && order < 0) {
			best = v
		}
	}
	return best
}

// sortDocuments sorts in place, stable with respect to key order.
func sortDocuments(docs []core.Value, keys []compile.SortKey) {
	if len(keys) == 0 {
		return
	}
	slices.SortStableFunc(docs, func(a, b core.Value) int {
		for _, key := range keys {
			order := compareValues(sortValue(a, key.Field, key.Descending), sortValue(b, key.Field, key.Descending))
			if key.Descending {
				order = -order
			}
			if order != 0 {
				return order
			}
		}
		return 0
	})
}

// project keeps the listed fields (and _id). When every listed field starts
// with '-' the listed fields are removed instead.
func project(doc core.Value, fields []string) core.Value {
	if len(fields) == 0 {
		return doc
	}

	exclude := true
	for _, field := range fields {
		if !strings.HasPrefix(field, "-") {
			exclude = false
		}
	}

	if exclude {
		out := doc.Clone()
		for _, field := range fields {
			out.DeletePath(strings.TrimPrefix(field, "-"))
		}
		return out
	}

	out := core.Object()
	keepID := true
	for _, field := range fields {
		if field == "-"+core.IDField {
			keepID = false
		}
	}
	if id, ok := doc.ID(); ok && keepID {
		out.Fields = append(out.Fields, core.F(core.IDField, id))
	}
	for _, field := range fields {
		if strings.HasPrefix(field, "-") || field == core.IDField {
			continue
		}
		if value, ok := doc.Lookup(field); ok {
			_ = out.SetPath(field, value.Clone())
		}
	}
	return out
}
