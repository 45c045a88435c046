package script

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nickyhof/dotdata/core"
)

// clauseParser works over the lexemes of one logical line.
type clauseParser struct {
	text   string
	line   int
	column int
	tokens []Lexeme
	index  int
}

func newClauseParser(text string, line, column int) (*clauseParser, error) {
	p := &clauseParser{text: text, line: line, column: column}
	lexer := NewLexer(text)
	for {
		token := lexer.NextToken()
		if token.Type == LexUnknown {
			if err := lexer.Err(); err != nil {
				return nil, p.errorf(token, "%v", err)
			}
			return nil, p.errorf(token, "unexpected character %q", token.Value)
		}
		p.tokens = append(p.tokens, token)
		if token.Type == LexEOF {
			return p, nil
		}
	}
}

func (p *clauseParser) next() Lexeme {
	token := p.tokens[p.index]
	if p.index < len(p.tokens)-1 {
		p.index++
	}
	return token
}

func (p *clauseParser) peek() Lexeme {
	return p.tokens[p.index]
}

func (p *clauseParser) peekAt(offset int) Lexeme {
	if p.index+offset >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.index+offset]
}

func (p *clauseParser) atEnd() bool {
	return p.peek().Type == LexEOF
}

func (p *clauseParser) expectEnd() error {
	if token := p.peek(); token.Type != LexEOF {
		return p.errorf(token, "unexpected %s", token)
	}
	return nil
}

// errorf builds a ParseError positioned at token, accounting for lines
// joined by the scanner.
func (p *clauseParser) errorf(token Lexeme, format string, args ...any) error {
	pos := token.Pos
	if pos > len(p.text) {
		pos = len(p.text)
	}
	line := p.line + strings.Count(p.text[:pos], "\n")
	column := p.column + pos
	if nl := strings.LastIndexByte(p.text[:pos], '\n'); nl >= 0 {
		column = pos - nl
	}
	return &core.ParseError{Line: line, Column: column, Message: fmt.Sprintf(format, args...)}
}

// name reads a collection, field or catch name: an identifier or a quoted
// string.
func (p *clauseParser) name(what string) (string, error) {
	token := p.next()
	if (token.Type != LexIdentifier && token.Type != LexString) || token.Value == "" {
		return "", p.errorf(token, "expected %s", what)
	}
	return token.Value, nil
}

func (p *clauseParser) integer(what string) (int, error) {
	token := p.next()
	if token.Type != LexNumber {
		return 0, p.errorf(token, "expected %s", what)
	}
	n, err := strconv.Atoi(token.Value)
	if err != nil || n < 0 {
		return 0, p.errorf(token, "%s must be a non-negative integer, got %s", what, token.Value)
	}
	return n, nil
}

// keyword consumes the next lexeme if it is one of the given keywords and
// returns it upper-cased.
func (p *clauseParser) keyword(keywords ...string) (string, bool) {
	token := p.peek()
	for _, keyword := range keywords {
		if token.is(keyword) {
			p.next()
			return keyword, true
		}
	}
	return "", false
}

func (p *clauseParser) atClauseKeyword() bool {
	token := p.peek()
	return token.Type == LexIdentifier && clauseKeywords[strings.ToUpper(token.Value)]
}

// parseWhere reads a predicate expression. OR binds looser than AND.
func (p *clauseParser) parseWhere() (Clause, error) {
	first, err := p.parseAnd()
	if err != nil {
		return Clause{}, err
	}
	children := []Clause{first}
	for p.peek().is("OR") {
		p.next()
		next, err := p.parseAnd()
		if err != nil {
			return Clause{}, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return group(OrClause, children), nil
}

func (p *clauseParser) parseAnd() (Clause, error) {
	first, err := p.parseUnary()
	if err != nil {
		return Clause{}, err
	}
	children := []Clause{first}
	for p.peek().is("AND") {
		p.next()
		next, err := p.parseUnary()
		if err != nil {
			return Clause{}, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return group(AndClause, children), nil
}

func (p *clauseParser) parseUnary() (Clause, error) {
	token := p.peek()
	switch {
	case token.is("NOT"):
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return Clause{}, err
		}
		return Clause{Kind: NotClause, Children: []Clause{inner}}, nil
	case token.Type == LexParenOpen:
		p.next()
		inner, err := p.parseWhere()
		if err != nil {
			return Clause{}, err
		}
		if closing := p.next(); closing.Type != LexParenClose {
			return Clause{}, p.errorf(closing, "expected ')'")
		}
		return inner, nil
	case (token.is("AND") || token.is("OR")) && p.peekAt(1).Type == LexParenOpen:
		return p.parseGroup()
	case token.is("RAW") && p.peekAt(1).Type == LexColon:
		p.next()
		p.next()
		raw, err := p.parseRaw()
		if err != nil {
			return Clause{}, err
		}
		return Clause{Kind: RawClause, Raw: raw}, nil
	}
	return p.parseCondition()
}

// parseGroup reads the function form AND(a, b, ...) / OR(a, b, ...).
func (p *clauseParser) parseGroup() (Clause, error) {
	kind := AndClause
	if p.next().is("OR") {
		kind = OrClause
	}
	p.next() // (
	var children []Clause
	for {
		child, err := p.parseWhere()
		if err != nil {
			return Clause{}, err
		}
		children = append(children, child)
		token := p.next()
		if token.Type == LexParenClose {
			break
		}
		if token.Type != LexComma {
			return Clause{}, p.errorf(token, "expected ',' or ')' in group")
		}
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return group(kind, children), nil
}

func (p *clauseParser) parseCondition() (Clause, error) {
	field, err := p.name("field name")
	if err != nil {
		return Clause{}, err
	}
	condition := Condition{Field: field}

	token := p.next()
	switch {
	case token.Type == LexOperator:
		switch token.Value {
		case "=", "==":
			condition.Operator = Equals
		case "!=", "<>":
			condition.Operator = NotEquals
		case ">":
			condition.Operator = GreaterThan
		case ">=":
			condition.Operator = GreaterThanOrEqual
		case "<":
			condition.Operator = LessThan
		case "<=":
			condition.Operator = LessThanOrEqual
		default:
			return Clause{}, p.errorf(token, "unexpected operator %s in condition", token.Value)
		}
		return p.conditionArgs(condition, 1)
	case token.Type != LexIdentifier:
		return Clause{}, p.errorf(token, "expected operator after %q", field)
	}

	switch strings.ToUpper(token.Value) {
	case "IN":
		condition.Operator = In
		return p.inList(condition)
	case "NOT_IN":
		condition.Operator = NotIn
		return p.inList(condition)
	case "NOT":
		switch {
		case p.peek().is("IN"):
			p.next()
			condition.Operator = NotIn
			return p.inList(condition)
		case p.peek().is("EXISTS"):
			p.next()
			condition.Operator = NotExists
			return Clause{Kind: ConditionClause, Condition: condition}, nil
		}
		return Clause{}, p.errorf(p.peek(), "expected IN or EXISTS after NOT")
	case "CONTAINS":
		condition.Operator = Contains
	case "STARTS_WITH":
		condition.Operator = StartsWith
	case "ENDS_WITH":
		condition.Operator = EndsWith
	case "MATCHES":
		condition.Operator = Matches
	case "LIKE":
		condition.Operator = Like
	case "SIZE":
		condition.Operator = Size
	case "BETWEEN":
		condition.Operator = Between
		low, err := p.parseValue(false)
		if err != nil {
			return Clause{}, err
		}
		if and := p.next(); !and.is("AND") {
			return Clause{}, p.errorf(and, "expected AND in BETWEEN")
		}
		high, err := p.parseValue(false)
		if err != nil {
			return Clause{}, err
		}
		condition.Args = []Expression{low, high}
		return Clause{Kind: ConditionClause, Condition: condition}, nil
	case "EXISTS":
		condition.Operator = Exists
		if p.peek().is("FALSE") {
			condition.Operator = NotExists
			p.next()
		} else if p.peek().is("TRUE") {
			p.next()
		}
		return Clause{Kind: ConditionClause, Condition: condition}, nil
	case "NOT_EXISTS":
		condition.Operator = NotExists
		return Clause{Kind: ConditionClause, Condition: condition}, nil
	case "IS":
		condition.Operator = Equals
		if _, ok := p.keyword("NOT"); ok {
			condition.Operator = NotEquals
		}
		if null := p.next(); !null.is("NULL") {
			return Clause{}, p.errorf(null, "expected NULL after IS")
		}
		condition.Args = []Expression{Literal{Type: core.NullType, Text: "null"}}
		return Clause{Kind: ConditionClause, Condition: condition}, nil
	case "ELEM_MATCH":
		condition.Operator = ElemMatch
		if open := p.next(); open.Type != LexParenOpen {
			return Clause{}, p.errorf(open, "expected '(' after ELEM_MATCH")
		}
		inner, err := p.parseWhere()
		if err != nil {
			return Clause{}, err
		}
		if closing := p.next(); closing.Type != LexParenClose {
			return Clause{}, p.errorf(closing, "expected ')' to close ELEM_MATCH")
		}
		nested := Root(inner)
		condition.Nested = &nested
		return Clause{Kind: ConditionClause, Condition: condition}, nil
	default:
		return Clause{}, p.errorf(token, "unknown operator %s", token.Value)
	}
	return p.conditionArgs(condition, 1)
}

func (p *clauseParser) conditionArgs(condition Condition, n int) (Clause, error) {
	for i := 0; i < n; i++ {
		arg, err := p.parseValue(false)
		if err != nil {
			return Clause{}, err
		}
		condition.Args = append(condition.Args, arg)
	}
	return Clause{Kind: ConditionClause, Condition: condition}, nil
}

// inList accepts either a JSON array or a parenthesized list.
func (p *clauseParser) inList(condition Condition) (Clause, error) {
	if p.peek().Type != LexParenOpen {
		return p.conditionArgs(condition, 1)
	}
	p.next()
	list := ArrayLiteral{Items: []Expression{}}
	for p.peek().Type != LexParenClose {
		item, err := p.parseValue(false)
		if err != nil {
			return Clause{}, err
		}
		list.Items = append(list.Items, item)
		if p.peek().Type == LexComma {
			p.next()
		} else if p.peek().Type != LexParenClose {
			return Clause{}, p.errorf(p.peek(), "expected ',' or ')' in list")
		}
	}
	p.next()
	condition.Args = []Expression{list}
	return Clause{Kind: ConditionClause, Condition: condition}, nil
}

// group builds an AND/OR node, flattening direct children of the same kind
// so that "a AND b AND c" and nested forms share one shape.
func group(kind ClauseKind, children []Clause) Clause {
	var flat []Clause
	for _, child := range children {
		if child.Kind == kind {
			flat = append(flat, child.Children...)
			continue
		}
		flat = append(flat, child)
	}
	return Clause{Kind: kind, Children: flat}
}

// Root normalizes a predicate into the top-level AND form used by every
// WHERE clause.
func Root(clause Clause) Clause {
	if clause.Kind == AndClause {
		return clause
	}
	return Clause{Kind: AndClause, Children: []Clause{clause}}
}

// parseAssignment reads one SET item.
func (p *clauseParser) parseAssignment() (Assignment, error) {
	if p.peek().is("UNSET") && p.peekAt(1).Type != LexOperator {
		p.next()
		field, err := p.name("field name after UNSET")
		if err != nil {
			return Assignment{}, err
		}
		return Assignment{Field: field, Operator: Unset}, nil
	}

	field, err := p.name("field name")
	if err != nil {
		return Assignment{}, err
	}
	assignment := Assignment{Field: field}

	token := p.next()
	if token.Type == LexOperator {
		switch token.Value {
		case "=":
			assignment.Operator = Assign
		case "+=":
			assignment.Operator = Increment
		case "-=":
			assignment.Operator = Decrement
		case "*=":
			assignment.Operator = Multiply
		default:
			return Assignment{}, p.errorf(token, "unexpected operator %s in SET", token.Value)
		}
		if assignment.Operator == Assign && p.peek().is("NOW") && p.peekAt(1).Type != LexParenOpen {
			p.next()
			assignment.Operator = SetNow
			return assignment, nil
		}
		assignment.Value, err = p.parseValue(false)
		return assignment, err
	}
	if token.Type != LexIdentifier {
		return Assignment{}, p.errorf(token, "expected SET operator after %q", field)
	}

	switch strings.ToUpper(token.Value) {
	case "PUSH":
		assignment.Operator = Push
	case "REMOVE":
		assignment.Operator = Remove
	case "ADD_UNIQUE":
		assignment.Operator = AddUnique
	case "REMOVE_ALL":
		assignment.Operator = RemoveAll
	case "UNSET":
		assignment.Operator = Unset
		return assignment, nil
	case "NOW":
		assignment.Operator = SetNow
		return assignment, nil
	case "RENAME":
		assignment.Operator = Rename
		p.keyword("TO")
		assignment.Target, err = p.name("new field name")
		return assignment, err
	default:
		return Assignment{}, p.errorf(token, "unknown SET operator %s", token.Value)
	}
	assignment.Value, err = p.parseValue(false)
	return assignment, err
}

func (p *clauseParser) parseSortKey() (SortKey, error) {
	field, err := p.name("sort field")
	if err != nil {
		return SortKey{}, err
	}
	key := SortKey{Field: field}
	token := p.peek()
	switch {
	case token.is("DESC"):
		p.next()
		key.Descending = true
	case token.is("ASC"):
		p.next()
	case token.Type == LexNumber && (token.Value == "1" || token.Value == "-1"):
		p.next()
		key.Descending = token.Value == "-1"
	}
	return key, nil
}

func (p *clauseParser) parseOption() (Option, error) {
	name, err := p.name("option name")
	if err != nil {
		return Option{}, err
	}
	token := p.peek()
	if (token.Type == LexOperator && token.Value == "=") || token.Type == LexColon {
		p.next()
		value, err := p.parseValue(false)
		if err != nil {
			return Option{}, err
		}
		return Option{Name: name, Value: value}, nil
	}
	return Option{Name: name, Value: Literal{Type: core.BooleanType, Text: "true", Bool: true}}, nil
}

// parseStage reads one aggregation pipeline stage.
func (p *clauseParser) parseStage() (Stage, error) {
	token := p.next()
	if token.Type != LexIdentifier {
		return Stage{}, p.errorf(token, "expected pipeline stage")
	}
	switch strings.ToUpper(token.Value) {
	case "MATCH":
		where, err := p.parseWhere()
		if err != nil {
			return Stage{}, err
		}
		return Stage{Kind: MatchStage, Where: Root(where)}, nil
	case "PROJECT":
		fields, err := p.nameList("projected field")
		return Stage{Kind: ProjectStage, Fields: fields}, err
	case "SORT":
		var keys []SortKey
		for {
			key, err := p.parseSortKey()
			if err != nil {
				return Stage{}, err
			}
			keys = append(keys, key)
			if p.peek().Type != LexComma {
				break
			}
			p.next()
		}
		return Stage{Kind: SortStage, Sort: keys}, nil
	case "LIMIT":
		n, err := p.integer("LIMIT count")
		return Stage{Kind: LimitStage, N: n}, err
	case "SKIP":
		n, err := p.integer("SKIP count")
		return Stage{Kind: SkipStage, N: n}, err
	case "UNWIND":
		field, err := p.name("field to unwind")
		return Stage{Kind: UnwindStage, Field: field}, err
	case "GROUP":
		return p.parseGroupStage()
	case "COUNT":
		p.keyword("AS")
		field := "count"
		if t := p.peek(); t.Type == LexIdentifier || t.Type == LexString {
			field = p.next().Value
		}
		return Stage{Kind: CountStage, Field: field}, nil
	case "LOOKUP":
		return p.parseLookup()
	case "RAW":
		if colon := p.next(); colon.Type != LexColon {
			return Stage{}, p.errorf(colon, "expected ':' after RAW")
		}
		raw, err := p.parseRaw()
		return Stage{Kind: RawStage, Raw: raw}, err
	}
	return Stage{}, p.errorf(token, "unknown pipeline stage %s", token.Value)
}

func (p *clauseParser) parseGroupStage() (Stage, error) {
	stage := Stage{Kind: GroupStage}
	if _, ok := p.keyword("BY"); ok {
		fields, err := p.nameList("group field")
		if err != nil {
			return Stage{}, err
		}
		stage.Fields = fields
	}
	if p.peek().Type != LexColon {
		return stage, nil
	}
	p.next()
	for {
		name, err := p.name("accumulator name")
		if err != nil {
			return Stage{}, err
		}
		if eq := p.next(); eq.Type != LexOperator || eq.Value != "=" {
			return Stage{}, p.errorf(eq, "expected '=' after %q", name)
		}
		fn := p.next()
		if fn.Type != LexIdentifier {
			return Stage{}, p.errorf(fn, "expected accumulator function")
		}
		function := strings.ToUpper(fn.Value)
		switch function {
		case "COUNT", "SUM", "AVG", "MIN", "MAX", "PUSH", "FIRST", "LAST":
		default:
			return Stage{}, p.errorf(fn, "unknown accumulator %s", fn.Value)
		}
		if open := p.next(); open.Type != LexParenOpen {
			return Stage{}, p.errorf(open, "expected '(' after %s", function)
		}
		accumulator := Accumulator{Name: name, Function: function}
		if p.peek().Type != LexParenClose {
			if accumulator.Field, err = p.name("accumulated field"); err != nil {
				return Stage{}, err
			}
		}
		if closing := p.next(); closing.Type != LexParenClose {
			return Stage{}, p.errorf(closing, "expected ')' after %s(", function)
		}
		if function != "COUNT" && accumulator.Field == "" {
			return Stage{}, p.errorf(fn, "%s requires a field", function)
		}
		stage.Accumulators = append(stage.Accumulators, accumulator)
		if p.peek().Type != LexComma {
			return stage, nil
		}
		p.next()
	}
}

func (p *clauseParser) parseLookup() (Stage, error) {
	stage := Stage{Kind: LookupStage}
	for p.peek().Type == LexIdentifier {
		key := strings.ToLower(p.next().Value)
		if eq := p.next(); !(eq.Type == LexOperator && eq.Value == "=") && eq.Type != LexColon {
			return Stage{}, p.errorf(eq, "expected '=' after %s", key)
		}
		value, err := p.name(key)
		if err != nil {
			return Stage{}, err
		}
		switch key {
		case "from":
			stage.Lookup.From = value
		case "local", "localfield":
			stage.Lookup.Local = value
		case "foreign", "foreignfield":
			stage.Lookup.Foreign = value
		case "as":
			stage.Lookup.As = value
		default:
			return Stage{}, p.errorf(p.peek(), "unknown LOOKUP key %s", key)
		}
		if p.peek().Type == LexComma {
			p.next()
		}
	}
	if stage.Lookup.From == "" || stage.Lookup.Local == "" || stage.Lookup.Foreign == "" || stage.Lookup.As == "" {
		return Stage{}, p.errorf(p.peek(), "LOOKUP requires from, local, foreign and as")
	}
	return stage, nil
}

func (p *clauseParser) nameList(what string) ([]string, error) {
	var names []string
	for {
		name, err := p.name(what)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
		if p.peek().Type != LexComma {
			return names, nil
		}
		p.next()
	}
}
