package script

import (
	"strconv"
	"strings"

	"github.com/nickyhof/dotdata/core"
)

// Format renders an expression back to source-like text for diagnostics.
func Format(expression Expression) string {
	var b strings.Builder
	format(&b, expression)
	return b.String()
}

func format(b *strings.Builder, expression Expression) {
	switch e := expression.(type) {
	case nil:
		b.WriteString("<nil>")
	case Literal:
		if e.Type == core.StringType {
			b.WriteString(strconv.Quote(e.Text))
		} else {
			b.WriteString(e.Text)
		}
	case VariableRef:
		b.WriteString("{{" + e.Name + "}}")
	case FunctionCall:
		b.WriteString("{{$" + e.Name)
		for _, arg := range e.Args {
			b.WriteString(":" + arg)
		}
		b.WriteString("}}")
	case CastCall:
		b.WriteString(e.Type.String() + "(")
		if e.Arg != nil {
			format(b, e.Arg)
		}
		b.WriteString(")")
	case MathCall:
		b.WriteString(e.Name + "(")
		for i, arg := range e.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			format(b, arg)
		}
		b.WriteString(")")
	case FieldRef:
		b.WriteString(e.Path)
	case Template:
		b.WriteByte('"')
		for _, part := range e.Parts {
			if literal, ok := part.(Literal); ok {
				b.WriteString(literal.Text)
				continue
			}
			format(b, part)
		}
		b.WriteByte('"')
	case ArrayLiteral:
		b.WriteByte('[')
		for i, item := range e.Items {
			if i > 0 {
				b.WriteString(", ")
			}
			format(b, item)
		}
		b.WriteByte(']')
	case ObjectLiteral:
		b.WriteByte('{')
		for i, field := range e.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.Quote(field.Name) + ": ")
			format(b, field.Value)
		}
		b.WriteByte('}')
	case RawBlock:
		b.WriteString("RAW: " + e.JSON)
	}
}
