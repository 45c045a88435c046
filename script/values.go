package script

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nickyhof/dotdata/core"
)

// castNames maps the call forms accepted in value position to the type
// they produce.
var castNames = map[string]core.RuntimeType{
	"DATE":     core.DateType,
	"ISODATE":  core.DateType,
	"OBJECTID": core.ObjectIDType,
	"UUID":     core.UUIDType,
	"GUID":     core.GUIDType,
	"STRING":   core.StringType,
	"NUMBER":   core.NumberType,
}

// MathArity gives the accepted argument counts of a backend-evaluated
// function. Max < 0 means variadic.
type MathArity struct {
	Min, Max int
}

var MathFunctions = map[string]MathArity{
	"YEAR":        {1, 1},
	"MONTH":       {1, 1},
	"DAY":         {1, 1},
	"HOUR":        {1, 1},
	"MINUTE":      {1, 1},
	"SECOND":      {1, 1},
	"DAY_OF_WEEK": {1, 1},
	"DATE_ADD":    {3, 3},
	"DATE_DIFF":   {3, 3},
	"ABS":         {1, 1},
	"CEIL":        {1, 1},
	"FLOOR":       {1, 1},
	"ROUND":       {1, 2},
	"SQRT":        {1, 1},
	"POW":         {2, 2},
	"MOD":         {2, 2},
	"ADD":         {2, -1},
	"SUBTRACT":    {2, 2},
	"MULTIPLY":    {2, -1},
	"DIVIDE":      {2, 2},
	"SUBSTR":      {3, 3},
	"UPPER":       {1, 1},
	"LOWER":       {1, 1},
	"TRIM":        {1, 1},
	"LENGTH":      {1, 1},
	"CONCAT":      {1, -1},
	"TO_STRING":   {1, 1},
}

// parseValue reads one value-position expression: JSON scalars, arrays and
// objects extended with casts, {{...}} interpolations, @variables and, when
// fieldRefs is set, bare field names inside function arguments.
func (p *clauseParser) parseValue(fieldRefs bool) (Expression, error) {
	token := p.next()
	switch token.Type {
	case LexString:
		return p.stringExpression(token)
	case LexNumber:
		n, err := strconv.ParseFloat(token.Value, 64)
		if err != nil {
			return nil, p.errorf(token, "invalid number %q", token.Value)
		}
		return Literal{Type: core.NumberType, Text: token.Value, Num: n}, nil
	case LexVariable:
		if token.Value == "" {
			return nil, p.errorf(token, "expected variable name after '@'")
		}
		return VariableRef{Name: token.Value}, nil
	case LexInterpolation:
		return p.interpolation(token, token.Value)
	case LexBracketOpen:
		return p.parseArray(fieldRefs)
	case LexBraceOpen:
		return p.parseObject(fieldRefs)
	case LexIdentifier:
		upper := strings.ToUpper(token.Value)
		switch upper {
		case "TRUE", "FALSE":
			return Literal{Type: core.BooleanType, Text: strings.ToLower(token.Value), Bool: upper == "TRUE"}, nil
		case "NULL":
			return Literal{Type: core.NullType, Text: "null"}, nil
		}
		if p.peek().Type == LexParenOpen {
			if castType, ok := castNames[upper]; ok {
				return p.parseCast(token, castType)
			}
			return p.parseMathCall(token, upper)
		}
		if fieldRefs {
			return FieldRef{Path: token.Value}, nil
		}
		return nil, p.errorf(token, "unquoted value %q", token.Value)
	case LexEOF:
		return nil, p.errorf(token, "expected value")
	}
	return nil, p.errorf(token, "unexpected %s in value position", token)
}

func (p *clauseParser) parseArray(fieldRefs bool) (Expression, error) {
	array := ArrayLiteral{Items: []Expression{}}
	if p.peek().Type == LexBracketClose {
		p.next()
		return array, nil
	}
	for {
		item, err := p.parseValue(fieldRefs)
		if err != nil {
			return nil, err
		}
		array.Items = append(array.Items, item)

		token := p.next()
		switch token.Type {
		case LexComma:
			if p.peek().Type == LexBracketClose {
				p.next()
				return array, nil
			}
		case LexBracketClose:
			return array, nil
		default:
			return nil, p.errorf(token, "expected ',' or ']' in array")
		}
	}
}

func (p *clauseParser) parseObject(fieldRefs bool) (Expression, error) {
	object := ObjectLiteral{Fields: []ObjectField{}}
	if p.peek().Type == LexBraceClose {
		p.next()
		return object, nil
	}
	for {
		key := p.next()
		if key.Type != LexString && key.Type != LexIdentifier {
			return nil, p.errorf(key, "expected object key")
		}
		if colon := p.next(); colon.Type != LexColon {
			return nil, p.errorf(colon, "expected ':' after key %q", key.Value)
		}
		value, err := p.parseValue(fieldRefs)
		if err != nil {
			return nil, err
		}
		object.Fields = append(object.Fields, ObjectField{Name: key.Value, Value: value})

		token := p.next()
		switch token.Type {
		case LexComma:
			if p.peek().Type == LexBraceClose {
				p.next()
				return object, nil
			}
		case LexBraceClose:
			return object, nil
		default:
			return nil, p.errorf(token, "expected ',' or '}' in object")
		}
	}
}

// parseCast reads Type(arg). ObjectId(), UUID(), GUID() and Date() with no
// argument generate a fresh value at resolution time.
func (p *clauseParser) parseCast(name Lexeme, castType core.RuntimeType) (Expression, error) {
	p.next() // (
	if p.peek().Type == LexParenClose {
		p.next()
		switch castType {
		case core.ObjectIDType, core.UUIDType, core.GUIDType, core.DateType:
			return CastCall{Type: castType}, nil
		}
		return nil, p.errorf(name, "%s() requires an argument", name.Value)
	}
	arg, err := p.parseValue(false)
	if err != nil {
		return nil, err
	}
	if closing := p.next(); closing.Type != LexParenClose {
		return nil, p.errorf(closing, "expected ')' to close %s(", name.Value)
	}
	return CastCall{Type: castType, Arg: arg}, nil
}

func (p *clauseParser) parseMathCall(name Lexeme, upper string) (Expression, error) {
	arity, ok := MathFunctions[upper]
	if !ok {
		return nil, p.errorf(name, "unknown function %s", name.Value)
	}
	p.next() // (
	call := MathCall{Name: upper}
	if p.peek().Type == LexParenClose {
		p.next()
	} else {
		for {
			arg, err := p.parseValue(true)
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
			token := p.next()
			if token.Type == LexParenClose {
				break
			}
			if token.Type != LexComma {
				return nil, p.errorf(token, "expected ',' or ')' in %s(", upper)
			}
		}
	}
	if len(call.Args) < arity.Min || (arity.Max >= 0 && len(call.Args) > arity.Max) {
		return nil, p.errorf(name, "%s takes %s, got %d", upper, arity, len(call.Args))
	}
	return call, nil
}

func (arity MathArity) String() string {
	switch {
	case arity.Max < 0:
		return fmt.Sprintf("at least %d arguments", arity.Min)
	case arity.Min == arity.Max && arity.Min == 1:
		return "1 argument"
	case arity.Min == arity.Max:
		return fmt.Sprintf("%d arguments", arity.Min)
	}
	return fmt.Sprintf("%d to %d arguments", arity.Min, arity.Max)
}

// stringExpression turns a quoted string into a Literal, or into a
// FunctionCall/VariableRef/Template when it embeds {{...}}.
func (p *clauseParser) stringExpression(token Lexeme) (Expression, error) {
	s := token.Value
	if !strings.Contains(s, "{{") {
		return StringLit(s), nil
	}
	var parts []Expression
	for s != "" {
		start := strings.Index(s, "{{")
		if start < 0 {
			parts = append(parts, StringLit(s))
			break
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			return nil, p.errorf(token, "unterminated {{ in string")
		}
		if start > 0 {
			parts = append(parts, StringLit(s[:start]))
		}
		part, err := p.interpolation(token, strings.TrimSpace(s[start+2:start+end]))
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
		s = s[start+end+2:]
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return Template{Parts: parts}, nil
}

func (p *clauseParser) interpolation(token Lexeme, inner string) (Expression, error) {
	if name, ok := strings.CutPrefix(inner, "$"); ok {
		fields := strings.Split(name, ":")
		if fields[0] == "" {
			return nil, p.errorf(token, "empty function name in {{%s}}", inner)
		}
		call := FunctionCall{Name: fields[0]}
		if len(fields) > 1 {
			call.Args = fields[1:]
		}
		return call, nil
	}
	if inner == "" || leadingWord(inner) != inner {
		return nil, p.errorf(token, "invalid variable reference {{%s}}", inner)
	}
	return VariableRef{Name: inner}, nil
}

// parseRaw captures a balanced JSON object or array verbatim.
func (p *clauseParser) parseRaw() (RawBlock, error) {
	open := p.next()
	if open.Type != LexBraceOpen && open.Type != LexBracketOpen {
		return RawBlock{}, p.errorf(open, "expected JSON object after RAW:")
	}
	depth := 1
	for depth > 0 {
		token := p.next()
		switch token.Type {
		case LexBraceOpen, LexBracketOpen:
			depth++
		case LexBraceClose, LexBracketClose:
			depth--
			if depth == 0 {
				text := p.text[open.Pos : token.Pos+1]
				if !json.Valid([]byte(text)) {
					return RawBlock{}, p.errorf(open, "RAW block is not valid JSON")
				}
				return RawBlock{JSON: text}, nil
			}
		case LexEOF:
			return RawBlock{}, p.errorf(open, "unterminated RAW block")
		}
	}
	return RawBlock{}, p.errorf(open, "unterminated RAW block")
}

func rawBlock(token Token) (RawBlock, error) {
	text := strings.TrimSpace(token.Text)
	if !json.Valid([]byte(text)) {
		return RawBlock{}, &core.ParseError{Line: token.Line, Column: token.Column, Message: "RAW block is not valid JSON"}
	}
	return RawBlock{JSON: text}, nil
}
