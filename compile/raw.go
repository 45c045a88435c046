package compile

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nickyhof/dotdata/core"
)

// ParseRawFilter reads a MongoDB query document (as written in a RAW:
// block) into a Filter so stores without a native query language can
// evaluate it. Extended JSON wrappers such as {"$oid": ...} are honored.
func ParseRawFilter(data json.RawMessage) (Filter, error) {
	query, err := core.ParseDocument(data)
	if err != nil {
		return Filter{}, fmt.Errorf("RAW filter: %w", err)
	}
	return fromQuery(query)
}

func fromQuery(query core.Value) (Filter, error) {
	if query.Type != core.ObjectType {
		return Filter{}, fmt.Errorf("RAW filter: expected an object, got %s", query.Type)
	}
	filter := Filter{Kind: AndFilter}
	for _, field := range query.Fields {
		var (
			child Filter
			err   error
		)
		switch field.Name {
		case "$and", "$or", "$nor":
			child, err = fromQueryList(field)
		default:
			if strings.HasPrefix(field.Name, "$") {
				return Filter{}, fmt.Errorf("RAW filter: unsupported top-level operator %s", field.Name)
			}
			child, err = fromField(field.Name, field.Value)
		}
		if err != nil {
			return Filter{}, err
		}
		filter.Children = append(filter.Children, child)
	}
	if len(filter.Children) == 1 {
		return filter.Children[0], nil
	}
	return filter, nil
}

func fromQueryList(field core.Field) (Filter, error) {
	if field.Value.Type != core.ArrayType {
		return Filter{}, fmt.Errorf("RAW filter: %s expects an array", field.Name)
	}
	group := Filter{Kind: AndFilter}
	if field.Name != "$and" {
		group.Kind = OrFilter
	}
	for _, item := range field.Value.Items {
		child, err := fromQuery(item)
		if err != nil {
			return Filter{}, err
		}
		group.Children = append(group.Children, child)
	}
	if field.Name == "$nor" {
		return Filter{Kind: NotFilter, Children: []Filter{group}}, nil
	}
	return group, nil
}

var rawOperators = map[string]Operator{
	"$eq": Eq, "$ne": Ne, "$gt": Gt, "$gte": Gte, "$lt": Lt, "$lte": Lte,
	"$in": In, "$nin": Nin, "$exists": Exists, "$size": Size,
}

func isOperatorObject(value core.Value) bool {
	return value.Type == core.ObjectType && len(value.Fields) > 0 && strings.HasPrefix(value.Fields[0].Name, "$")
}

func fromField(name string, value core.Value) (Filter, error) {
	if !isOperatorObject(value) {
		return Filter{Kind: PredicateFilter, Field: name, Operator: Eq, Value: value}, nil
	}
	filter := Filter{Kind: AndFilter}
	flags, _ := value.Get("$options")
	for _, op := range value.Fields {
		predicate := Filter{Kind: PredicateFilter, Field: name, Value: op.Value}
		switch op.Name {
		case "$options":
			continue
		case "$regex":
			if op.Value.Type != core.StringType {
				return Filter{}, fmt.Errorf("RAW filter: $regex on %s expects a string", name)
			}
			predicate.Operator = Regex
			predicate.Pattern, predicate.Flags = op.Value.Str, flags.Str
			predicate.Value = core.Value{}
		case "$elemMatch":
			nested, err := fromQuery(op.Value)
			if err != nil {
				return Filter{}, err
			}
			predicate.Operator = ElemMatch
			predicate.Nested = &nested
			predicate.Value = core.Value{}
		case "$not":
			inner, err := fromField(name, op.Value)
			if err != nil {
				return Filter{}, err
			}
			filter.Children = append(filter.Children, Filter{Kind: NotFilter, Children: []Filter{inner}})
			continue
		default:
			operator, ok := rawOperators[op.Name]
			if !ok {
				return Filter{}, fmt.Errorf("RAW filter: unsupported operator %s on %s", op.Name, name)
			}
			predicate.Operator = operator
			switch operator {
			case In, Nin:
				if op.Value.Type != core.ArrayType {
					return Filter{}, fmt.Errorf("RAW filter: %s on %s expects an array", op.Name, name)
				}
			case Exists:
				predicate.Value = core.Bool(truthy(op.Value))
			}
		}
		filter.Children = append(filter.Children, predicate)
	}
	if len(filter.Children) == 1 {
		return filter.Children[0], nil
	}
	return filter, nil
}

func truthy(value core.Value) bool {
	switch value.Type {
	case core.BooleanType:
		return value.Bool
	case core.NumberType:
		return value.Num != 0
	case core.NullType:
		return false
	}
	return true
}
