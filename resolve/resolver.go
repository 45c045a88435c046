package resolve

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/script"
)

const maxVariableDepth = 32

var (
	ErrBackendFunction = errors.New("backend-evaluated function used outside SET")
	ErrVariableCycle   = errors.New("variable refers to itself")
)

// Resolve gives an expression its runtime value. Rules apply in strict
// priority: explicit casts, built-in functions, the collection's declared
// _id type, _id shape detection, date detection for other strings, and
// finally the literal's own JSON type.
func (c *Context) Resolve(expression script.Expression, site Site) (core.Value, error) {
	return c.resolve(expression, site, true, 0)
}

// ResolvePlain resolves without _id or date detection, keeping literals at
// their JSON types.
func (c *Context) ResolvePlain(expression script.Expression, line int) (core.Value, error) {
	return c.resolve(expression, Site{Line: line}, false, 0)
}

func (c *Context) resolve(expression script.Expression, site Site, detect bool, depth int) (core.Value, error) {
	switch e := expression.(type) {
	case script.Literal:
		return c.literal(e, site, detect)
	case script.CastCall:
		if e.Arg == nil {
			value, err := Generate(e.Type, c.now())
			if err != nil {
				return core.Value{}, c.fail(site, expression, err)
			}
			return value, nil
		}
		inner, err := c.resolve(e.Arg, site, false, depth)
		if err != nil {
			return core.Value{}, err
		}
		value, err := Cast(inner, e.Type, c.options.DateOrder, c.now())
		if err != nil {
			return core.Value{}, c.fail(site, expression, err)
		}
		return value, nil
	case script.FunctionCall:
		value, err := c.call(e)
		if err != nil {
			return core.Value{}, c.fail(site, expression, err)
		}
		return value, nil
	case script.VariableRef:
		value, ok := c.variables[e.Name]
		if !ok {
			return core.Value{}, c.fail(site, expression, core.ErrUnknownVariable)
		}
		if depth >= maxVariableDepth {
			return core.Value{}, c.fail(site, expression, ErrVariableCycle)
		}
		return c.resolve(value, site, detect, depth+1)
	case script.Template:
		var b strings.Builder
		for _, part := range e.Parts {
			value, err := c.resolve(part, site, false, depth)
			if err != nil {
				return core.Value{}, err
			}
			b.WriteString(templateText(value))
		}
		return core.String(b.String()), nil
	case script.ArrayLiteral:
		items := make([]core.Value, 0, len(e.Items))
		for _, item := range e.Items {
			value, err := c.resolve(item, site, detect, depth)
			if err != nil {
				return core.Value{}, err
			}
			items = append(items, value)
		}
		return core.Array(items...), nil
	case script.ObjectLiteral:
		fields := make([]core.Field, 0, len(e.Fields))
		for _, field := range e.Fields {
			value, err := c.resolve(field.Value, site.child(field.Name), detect, depth)
			if err != nil {
				return core.Value{}, err
			}
			fields = append(fields, core.F(field.Name, value))
		}
		return core.Object(fields...), nil
	case script.RawBlock:
		return core.Raw(json.RawMessage(e.JSON)), nil
	case script.MathCall, script.FieldRef:
		return core.Value{}, c.fail(site, expression, ErrBackendFunction)
	}
	return core.Value{}, c.fail(site, expression, fmt.Errorf("unsupported expression %T", expression))
}

func (c *Context) literal(literal script.Literal, site Site, detect bool) (core.Value, error) {
	switch literal.Type {
	case core.NumberType:
		return core.Number(literal.Num), nil
	case core.BooleanType:
		return core.Bool(literal.Bool), nil
	case core.NullType:
		return core.Null(), nil
	}

	text := literal.Text
	if !detect {
		return core.String(text), nil
	}
	if site.isID() {
		if idType, ok := c.idTypes[site.Collection]; ok {
			value, err := Cast(core.String(text), idType, c.options.DateOrder, c.now())
			if err != nil {
				return core.Value{}, c.fail(site, literal, err)
			}
			return value, nil
		}
		return DetectID(text), nil
	}
	if !c.options.DisableDateDetection && text != "" && isDigit(text[0]) {
		t, ok, err := DetectDate(text, c.options.DateOrder, c.now())
		if err != nil {
			return core.Value{}, c.fail(site, literal, err)
		}
		if ok {
			return core.Date(t), nil
		}
	}
	return core.String(text), nil
}

func (c *Context) fail(site Site, expression script.Expression, err error) error {
	return &core.ResolveError{
		Line:       site.Line,
		Expression: script.Format(expression),
		Reason:     err.Error(),
		Err:        err,
	}
}

// DetectID infers an _id type from the literal's shape: 24 hex characters
// are an ObjectId, the 8-4-4-4-12 shape is a GUID when it has no lowercase
// hex letters and a UUID when it has no uppercase ones, all digits are a
// Number, and anything else stays a String. Digit strings longer than
// maxExactDigits stay Strings since a float64 cannot hold them exactly.
func DetectID(s string) core.Value {
	if len(s) == 24 && isHex(s) {
		return core.ObjectID(s)
	}
	if isGUIDShape(s) {
		lower, upper := hexCase(s)
		switch {
		case !lower:
			return core.GUID(s)
		case !upper:
			return core.UUID(s)
		}
	}
	if s != "" && len(s) <= maxExactDigits && allDigits(s) {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return core.Number(n)
		}
	}
	return core.String(s)
}

// maxExactDigits is the longest digit string DetectID turns into a Number.
const maxExactDigits = 15

func templateText(value core.Value) string {
	switch value.Type {
	case core.StringType, core.ObjectIDType, core.GUIDType, core.UUIDType:
		return value.Str
	case core.DateType:
		return value.Time.Format(time.RFC3339Nano)
	}
	return value.Display()
}

func isGUIDShape(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch i {
		case 8, 13, 18, 23:
			if s[i] != '-' {
				return false
			}
		default:
			if !isHexChar(s[i]) {
				return false
			}
		}
	}
	return true
}

func hexCase(s string) (lower, upper bool) {
	for i := 0; i < len(s); i++ {
		switch {
		case 'a' <= s[i] && s[i] <= 'f':
			lower = true
		case 'A' <= s[i] && s[i] <= 'F':
			upper = true
		}
	}
	return lower, upper
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isHexChar(s[i]) {
			return false
		}
	}
	return true
}

func isHexChar(ch byte) bool {
	return isDigit(ch) || ('a' <= ch && ch <= 'f') || ('A' <= ch && ch <= 'F')
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}
