package script

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nickyhof/dotdata/core"
)

// Validate enforces the whole-script rules: transaction markers must pair
// up without nesting, and user variables must not depend on themselves.
func Validate(operations []Operation) error {
	if err := checkTransactions(operations, false); err != nil {
		return err
	}
	return checkVariableCycles(operations)
}

// Walk calls fn for every operation, descending into TRY, CATCH and IF
// bodies in source order.
func Walk(operations []Operation, fn func(Operation)) {
	for _, operation := range operations {
		fn(operation)
		switch o := operation.(type) {
		case Try:
			Walk(o.Body, fn)
			for _, catch := range o.Catches {
				Walk(catch.Body, fn)
			}
		case Conditional:
			Walk(o.Then, fn)
			Walk(o.Else, fn)
		}
	}
}

func checkTransactions(operations []Operation, enclosed bool) error {
	var open *Transaction
	for _, operation := range operations {
		switch o := operation.(type) {
		case Transaction:
			switch o.Marker {
			case BeginMarker:
				if open != nil || enclosed {
					return &core.ParseError{Line: o.Line(), Column: 1, Message: "nested BEGIN_TRANSACTION"}
				}
				begin := o
				open = &begin
			default:
				if open == nil {
					return &core.ParseError{Line: o.Line(), Column: 1, Message: o.Kind().String() + " without BEGIN_TRANSACTION"}
				}
				open = nil
			}
		case Try:
			inside := enclosed || open != nil
			if err := checkTransactions(o.Body, inside); err != nil {
				return err
			}
			for _, catch := range o.Catches {
				if err := checkTransactions(catch.Body, inside); err != nil {
					return err
				}
			}
		case Conditional:
			inside := enclosed || open != nil
			if err := checkTransactions(o.Then, inside); err != nil {
				return err
			}
			if err := checkTransactions(o.Else, inside); err != nil {
				return err
			}
		}
	}
	if open != nil {
		return &core.ParseError{Line: open.Line(), Column: 1, Message: "BEGIN_TRANSACTION is never committed or rolled back"}
	}
	return nil
}

func checkVariableCycles(operations []Operation) error {
	dependencies := map[string]map[string]bool{}
	lines := map[string]int{}
	Walk(operations, func(operation Operation) {
		variable, ok := operation.(Variable)
		if !ok {
			return
		}
		if dependencies[variable.Name] == nil {
			dependencies[variable.Name] = map[string]bool{}
			lines[variable.Name] = variable.Line()
		}
		for _, name := range References(variable.Value) {
			dependencies[variable.Name][name] = true
		}
	})

	names := make([]string, 0, len(dependencies))
	for name := range dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}
	var path []string
	var visit func(name string) []string
	visit = func(name string) []string {
		switch state[name] {
		case visiting:
			for i, n := range path {
				if n == name {
					return append(append([]string{}, path[i:]...), name)
				}
			}
		case done:
			return nil
		}
		state[name] = visiting
		path = append(path, name)
		deps := make([]string, 0, len(dependencies[name]))
		for dep := range dependencies[name] {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		for _, dep := range deps {
			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return nil
	}
	for _, name := range names {
		if cycle := visit(name); cycle != nil {
			return &core.ParseError{
				Line:    lines[cycle[0]],
				Column:  1,
				Message: fmt.Sprintf("variable cycle: %s", strings.Join(cycle, " -> ")),
			}
		}
	}
	return nil
}

// References lists the user variables an expression refers to.
func References(expression Expression) []string {
	var names []string
	var walk func(Expression)
	walk = func(e Expression) {
		switch x := e.(type) {
		case VariableRef:
			names = append(names, x.Name)
		case CastCall:
			if x.Arg != nil {
				walk(x.Arg)
			}
		case MathCall:
			for _, arg := range x.Args {
				walk(arg)
			}
		case Template:
			for _, part := range x.Parts {
				walk(part)
			}
		case ArrayLiteral:
			for _, item := range x.Items {
				walk(item)
			}
		case ObjectLiteral:
			for _, field := range x.Fields {
				walk(field.Value)
			}
		}
	}
	walk(expression)
	return names
}
