package compile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nickyhof/dotdata/core"
)

// Matches evaluates the filter against one document in memory. Dotted paths
// fan out over arrays and a predicate on an array field matches when any
// element does, as MongoDB queries behave.
func (filter Filter) Matches(doc core.Value) (bool, error) {
	switch filter.Kind {
	case AndFilter:
		for _, child := range filter.Children {
			ok, err := child.Matches(doc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OrFilter:
		for _, child := range filter.Children {
			ok, err := child.Matches(doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case NotFilter:
		if len(filter.Children) != 1 {
			return false, fmt.Errorf("not filter needs one child, has %d", len(filter.Children))
		}
		ok, err := filter.Children[0].Matches(doc)
		return !ok, err
	case RawFilter:
		parsed, err := ParseRawFilter(filter.Raw)
		if err != nil {
			return false, err
		}
		return parsed.Matches(doc)
	case PredicateFilter:
		return filter.matchPredicate(doc)
	}
	return false, fmt.Errorf("unknown filter kind %d", filter.Kind)
}

func (filter Filter) matchPredicate(doc core.Value) (bool, error) {
	found := PathValues(doc, filter.Field)
	switch filter.Operator {
	case Eq:
		return matchesEq(found, filter.Value), nil
	case Ne:
		return !matchesEq(found, filter.Value), nil
	case Gt, Gte, Lt, Lte:
		for _, candidate := range candidates(found) {
			order, ok := candidate.Compare(filter.Value)
			if !ok {
				continue
			}
			switch {
			case filter.Operator == Gt && order > 0,
				filter.Operator == Gte && order >= 0,
				filter.Operator == Lt && order < 0,
				filter.Operator == Lte && order <= 0:
				return true, nil
			}
		}
		return false, nil
	case In, Nin:
		in := false
		for _, item := range filter.Value.Items {
			if matchesEq(found, item) {
				in = true
				break
			}
		}
		return in == (filter.Operator == In), nil
	case Regex:
		re, err := regexp.Compile(goPattern(filter.Pattern, filter.Flags))
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", filter.Pattern, err)
		}
		for _, candidate := range candidates(found) {
			if candidate.Type == core.StringType && re.MatchString(candidate.Str) {
				return true, nil
			}
		}
		return false, nil
	case Exists:
		return (len(found) > 0) == filter.Value.Bool, nil
	case Size:
		for _, value := range found {
			if value.Type == core.ArrayType && float64(len(value.Items)) == filter.Value.Num {
				return true, nil
			}
		}
		return false, nil
	case ElemMatch:
		if filter.Nested == nil {
			return false, nil
		}
		for _, value := range found {
			if value.Type != core.ArrayType {
				continue
			}
			for _, item := range value.Items {
				ok, err := filter.Nested.Matches(item)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown operator %s", filter.Operator)
}

func matchesEq(found []core.Value, want core.Value) bool {
	if want.IsNull() && len(found) == 0 {
		return true
	}
	for _, candidate := range candidates(found) {
		if candidate.Equal(want) {
			return true
		}
	}
	return false
}

// candidates expands array values into their elements while keeping the
// array itself, so both whole-array and element predicates can match.
func candidates(found []core.Value) []core.Value {
	out := make([]core.Value, 0, len(found))
	for _, value := range found {
		out = append(out, value)
		if value.Type == core.ArrayType {
			out = append(out, value.Items...)
		}
	}
	return out
}

// PathValues returns every value reachable at a dotted path. Numeric
// segments index arrays; other segments fan out over array elements.
func PathValues(value core.Value, path string) []core.Value {
	if path == "" {
		return []core.Value{value}
	}
	return pathValues(value, strings.Split(path, "."))
}

func pathValues(value core.Value, segments []string) []core.Value {
	if len(segments) == 0 {
		return []core.Value{value}
	}
	switch value.Type {
	case core.ObjectType:
		child, ok := value.Get(segments[0])
		if !ok {
			return nil
		}
		return pathValues(child, segments[1:])
	case core.ArrayType:
		if index, err := strconv.Atoi(segments[0]); err == nil {
			if index < 0 || index >= len(value.Items) {
				return nil
			}
			return pathValues(value.Items[index], segments[1:])
		}
		var out []core.Value
		for _, item := range value.Items {
			if item.Type == core.ObjectType {
				out = append(out, pathValues(item, segments)...)
			}
		}
		return out
	}
	return nil
}
