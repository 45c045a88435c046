package op

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
)

// evaluate computes a math expression against a document. Missing fields
// and null arguments make most functions return null, as MongoDB
// aggregation operators do.
func evaluate(expr compile.MathExpr, doc core.Value) (core.Value, error) {
	switch {
	case expr.IsField():
		value, ok := doc.Lookup(expr.Field)
		if !ok {
			return core.Null(), nil
		}
		return value, nil
	case !expr.IsCall():
		return expr.Value, nil
	}

	args := make([]core.Value, len(expr.Args))
	for i, arg := range expr.Args {
		value, err := evaluate(arg, doc)
		if err != nil {
			return core.Value{}, err
		}
		args[i] = value
	}

	fn, ok := mathFunctions[expr.Function]
	if !ok {
		return core.Value{}, fmt.Errorf("unsupported function %s", expr.Function)
	}
	if expr.Function != "CONCAT" {
		for _, arg := range args {
			if arg.IsNull() {
				return core.Null(), nil
			}
		}
	}
	value, err := fn(args)
	if err != nil {
		return core.Value{}, fmt.Errorf("%s: %w", expr.Function, err)
	}
	return value, nil
}

type mathFunction func(args []core.Value) (core.Value, error)

var mathFunctions = map[string]mathFunction{
	"YEAR":        datePart(func(t time.Time) int { return t.Year() }),
	"MONTH":       datePart(func(t time.Time) int { return int(t.Month()) }),
	"DAY":         datePart(func(t time.Time) int { return t.Day() }),
	"HOUR":        datePart(func(t time.Time) int { return t.Hour() }),
	"MINUTE":      datePart(func(t time.Time) int { return t.Minute() }),
	"SECOND":      datePart(func(t time.Time) int { return t.Second() }),
	"DAY_OF_WEEK": datePart(func(t time.Time) int { return int(t.Weekday()) + 1 }),
	"DATE_ADD":    dateAdd,
	"DATE_DIFF":   dateDiff,
	"ABS":         unary(math.Abs),
	"CEIL":        unary(math.Ceil),
	"FLOOR":       unary(math.Floor),
	"SQRT":        unary(math.Sqrt),
	"ROUND":       round,
	"POW":         binary(math.Pow),
	"MOD":         binary(math.Mod),
	"SUBTRACT":    subtract,
	"DIVIDE":      divide,
	"ADD":         add,
	"MULTIPLY":    multiply,
	"SUBSTR":      substr,
	"UPPER":       stringFunc(strings.ToUpper),
	"LOWER":       stringFunc(strings.ToLower),
	"TRIM":        stringFunc(strings.TrimSpace),
	"LENGTH":      length,
	"CONCAT":      concat,
	"TO_STRING": func(args []core.Value) (core.Value, error) {
		return core.String(args[0].Display()), nil
	},
}

func number(value core.Value) (float64, error) {
	if value.Type != core.NumberType {
		return 0, fmt.Errorf("expected a number, got %s", value.Type)
	}
	return value.Num, nil
}

func datePart(part func(time.Time) int) mathFunction {
	return func(args []core.Value) (core.Value, error) {
		if args[0].Type != core.DateType {
			return core.Value{}, fmt.Errorf("expected a date, got %s", args[0].Type)
		}
		return core.Number(float64(part(args[0].Time))), nil
	}
}

func unary(fn func(float64) float64) mathFunction {
	return func(args []core.Value) (core.Value, error) {
		n, err := number(args[0])
		if err != nil {
			return core.Value{}, err
		}
		return core.Number(fn(n)), nil
	}
}

func binary(fn func(float64, float64) float64) mathFunction {
	return func(args []core.Value) (core.Value, error) {
		a, err := number(args[0])
		if err != nil {
			return core.Value{}, err
		}
		b, err := number(args[1])
		if err != nil {
			return core.Value{}, err
		}
		return core.Number(fn(a, b)), nil
	}
}

func round(args []core.Value) (core.Value, error) {
	n, err := number(args[0])
	if err != nil {
		return core.Value{}, err
	}
	places := 0.0
	if len(args) > 1 {
		if places, err = number(args[1]); err != nil {
			return core.Value{}, err
		}
	}
	scale := math.Pow(10, places)
	return core.Number(math.RoundToEven(n*scale) / scale), nil
}

// add sums numbers; a single date argument is shifted by the others in
// milliseconds.
func add(args []core.Value) (core.Value, error) {
	var (
		sum  float64
		date *time.Time
	)
	for _, arg := range args {
		if arg.Type == core.DateType {
			if date != nil {
				return core.Value{}, fmt.Errorf("only one date is allowed")
			}
			t := arg.Time
			date = &t
			continue
		}
		n, err := number(arg)
		if err != nil {
			return core.Value{}, err
		}
		sum += n
	}
	if date != nil {
		return core.Date(date.Add(time.Duration(sum) * time.Millisecond)), nil
	}
	return core.Number(sum), nil
}

func subtract(args []core.Value) (core.Value, error) {
	a, b := args[0], args[1]
	switch {
	case a.Type == core.DateType && b.Type == core.DateType:
		return core.Number(float64(a.Time.Sub(b.Time).Milliseconds())), nil
	case a.Type == core.DateType:
		n, err := number(b)
		if err != nil {
			return core.Value{}, err
		}
		return core.Date(a.Time.Add(-time.Duration(n) * time.Millisecond)), nil
	}
	return binary(func(x, y float64) float64 { return x - y })(args)
}

func multiply(args []core.Value) (core.Value, error) {
	product := 1.0
	for _, arg := range args {
		n, err := number(arg)
		if err != nil {
			return core.Value{}, err
		}
		product *= n
	}
	return core.Number(product), nil
}

func divide(args []core.Value) (core.Value, error) {
	a, err := number(args[0])
	if err != nil {
		return core.Value{}, err
	}
	b, err := number(args[1])
	if err != nil {
		return core.Value{}, err
	}
	if b == 0 {
		return core.Value{}, fmt.Errorf("can't divide by zero")
	}
	return core.Number(a / b), nil
}

func stringFunc(fn func(string) string) mathFunction {
	return func(args []core.Value) (core.Value, error) {
		if args[0].Type != core.StringType {
			return core.Value{}, fmt.Errorf("expected a string, got %s", args[0].Type)
		}
		return core.String(fn(args[0].Str)), nil
	}
}

// substr counts in runes: SUBSTR(s, start, length).
func substr(args []core.Value) (core.Value, error) {
	if args[0].Type != core.StringType {
		return core.Value{}, fmt.Errorf("expected a string, got %s", args[0].Type)
	}
	start, err := number(args[1])
	if err != nil {
		return core.Value{}, err
	}
	count, err := number(args[2])
	if err != nil {
		return core.Value{}, err
	}
	runes := []rune(args[0].Str)
	from := min(max(int(start), 0), len(runes))
	to := len(runes)
	if count >= 0 {
		to = min(from+int(count), len(runes))
	}
	return core.String(string(runes[from:to])), nil
}

func length(args []core.Value) (core.Value, error) {
	switch args[0].Type {
	case core.StringType:
		return core.Number(float64(len([]rune(args[0].Str)))), nil
	case core.ArrayType:
		return core.Number(float64(len(args[0].Items))), nil
	}
	return core.Value{}, fmt.Errorf("expected a string or array, got %s", args[0].Type)
}

func concat(args []core.Value) (core.Value, error) {
	var b strings.Builder
	for _, arg := range args {
		switch arg.Type {
		case core.NullType:
			return core.Null(), nil
		case core.StringType:
			b.WriteString(arg.Str)
		default:
			return core.Value{}, fmt.Errorf("expected strings, got %s", arg.Type)
		}
	}
	return core.String(b.String()), nil
}

var dateUnits = map[string]time.Duration{
	"millisecond": time.Millisecond,
	"second":      time.Second,
	"minute":      time.Minute,
	"hour":        time.Hour,
	"day":         24 * time.Hour,
	"week":        7 * 24 * time.Hour,
}

func dateUnit(value core.Value) (string, error) {
	if value.Type != core.StringType {
		return "", fmt.Errorf("unit must be a string, got %s", value.Type)
	}
	unit := strings.TrimSuffix(strings.ToLower(value.Str), "s")
	if _, ok := dateUnits[unit]; ok || unit == "month" || unit == "year" || unit == "quarter" {
		return unit, nil
	}
	return "", fmt.Errorf("unknown date unit %q", value.Str)
}

// dateAdd is DATE_ADD(date, amount, unit).
func dateAdd(args []core.Value) (core.Value, error) {
	if args[0].Type != core.DateType {
		return core.Value{}, fmt.Errorf("expected a date, got %s", args[0].Type)
	}
	amount, err := number(args[1])
	if err != nil {
		return core.Value{}, err
	}
	unit, err := dateUnit(args[2])
	if err != nil {
		return core.Value{}, err
	}
	t, n := args[0].Time, int(amount)
	switch unit {
	case "year":
		return core.Date(t.AddDate(n, 0, 0)), nil
	case "quarter":
		return core.Date(t.AddDate(0, 3*n, 0)), nil
	case "month":
		return core.Date(t.AddDate(0, n, 0)), nil
	}
	return core.Date(t.Add(time.Duration(amount * float64(dateUnits[unit])))), nil
}

// dateDiff is DATE_DIFF(start, end, unit): the number of whole units
// between the two dates.
func dateDiff(args []core.Value) (core.Value, error) {
	if args[0].Type != core.DateType || args[1].Type != core.DateType {
		return core.Value{}, fmt.Errorf("expected two dates, got %s and %s", args[0].Type, args[1].Type)
	}
	unit, err := dateUnit(args[2])
	if err != nil {
		return core.Value{}, err
	}
	start, end := args[0].Time, args[1].Time
	months := (end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month())
	switch unit {
	case "year":
		return core.Number(float64(end.Year() - start.Year())), nil
	case "quarter":
		return core.Number(float64(months / 3)), nil
	case "month":
		return core.Number(float64(months)), nil
	}
	return core.Number(float64(end.Sub(start) / dateUnits[unit])), nil
}
