package compile

import (
	"encoding/json"
	"strings"

	"github.com/nickyhof/dotdata/core"
)

type FilterKind int

const (
	AndFilter FilterKind = iota
	OrFilter
	NotFilter
	PredicateFilter
	RawFilter
)

type Operator int

const (
	Eq Operator = iota
	Ne
	Gt
	Gte
	Lt
	Lte
	In
	Nin
	Regex
	Exists
	Size
	ElemMatch
)

var operatorNames = [...]string{
	Eq:        "$eq",
	Ne:        "$ne",
	Gt:        "$gt",
	Gte:       "$gte",
	Lt:        "$lt",
	Lte:       "$lte",
	In:        "$in",
	Nin:       "$nin",
	Regex:     "$regex",
	Exists:    "$exists",
	Size:      "$size",
	ElemMatch: "$elemMatch",
}

// String returns the MongoDB query operator name.
func (operator Operator) String() string {
	if int(operator) < len(operatorNames) {
		return operatorNames[operator]
	}
	return "$unknown"
}

// Filter is a compiled predicate tree. An AndFilter without children
// matches every document.
//
// Predicate payloads by operator:
//   - Eq, Ne, Gt, Gte, Lt, Lte: Value
//   - In, Nin: Value is an Array
//   - Regex: Pattern and Flags (MongoDB $options letters)
//   - Exists: Value is a Boolean
//   - Size: Value is an integer Number
//   - ElemMatch: Nested, evaluated against each array element
type Filter struct {
	Kind     FilterKind
	Children []Filter
	Field    string
	Operator Operator
	Value    core.Value
	Pattern  string
	Flags    string
	Nested   *Filter
	Raw      json.RawMessage
}

// MatchAll is the empty filter.
func MatchAll() Filter {
	return Filter{Kind: AndFilter}
}

func (filter Filter) IsEmpty() bool {
	return filter.Kind == AndFilter && len(filter.Children) == 0
}

// IDEquals builds the filter that selects one document by _id.
func IDEquals(id core.Value) Filter {
	return Filter{Kind: PredicateFilter, Field: core.IDField, Operator: Eq, Value: id}
}

// ID returns the _id a filter pins down with a top-level equality, if any.
func (filter Filter) ID() (core.Value, bool) {
	switch filter.Kind {
	case PredicateFilter:
		if filter.Field == core.IDField && filter.Operator == Eq {
			return filter.Value, true
		}
	case AndFilter:
		for _, child := range filter.Children {
			if id, ok := child.ID(); ok {
				return id, true
			}
		}
	}
	return core.Value{}, false
}

// Equalities returns the field values fixed by top-level equality
// predicates. Upserts seed new documents with them.
func (filter Filter) Equalities() []core.Field {
	var fields []core.Field
	switch filter.Kind {
	case PredicateFilter:
		if filter.Operator == Eq && !strings.HasPrefix(filter.Field, "$") {
			fields = append(fields, core.F(filter.Field, filter.Value))
		}
	case AndFilter:
		for _, child := range filter.Children {
			fields = append(fields, child.Equalities()...)
		}
	}
	return fields
}

func (filter Filter) String() string {
	var b strings.Builder
	filter.format(&b)
	return b.String()
}

func (filter Filter) format(b *strings.Builder) {
	switch filter.Kind {
	case AndFilter, OrFilter:
		if filter.Kind == AndFilter {
			b.WriteString("and(")
		} else {
			b.WriteString("or(")
		}
		for i, child := range filter.Children {
			if i > 0 {
				b.WriteString(", ")
			}
			child.format(b)
		}
		b.WriteByte(')')
	case NotFilter:
		b.WriteString("not(")
		if len(filter.Children) > 0 {
			filter.Children[0].format(b)
		}
		b.WriteByte(')')
	case RawFilter:
		b.Write(filter.Raw)
	case PredicateFilter:
		b.WriteString(filter.Field + " " + filter.Operator.String() + " ")
		switch filter.Operator {
		case Regex:
			b.WriteString("/" + filter.Pattern + "/" + filter.Flags)
		case ElemMatch:
			if filter.Nested != nil {
				filter.Nested.format(b)
			}
		default:
			b.WriteString(filter.Value.String())
		}
	}
}
