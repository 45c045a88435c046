package script

import (
	"strings"

	"github.com/nickyhof/dotdata/core"
)

// Parser assembles scanner tokens into Operations.
type Parser struct {
	tokens []Token
	index  int
}

func NewParser(tokens []Token) *Parser {
	return &Parser{tokens: tokens}
}

// Parse scans, parses and validates a script. It fails on the first
// structurally invalid statement.
func Parse(source string) ([]Operation, error) {
	tokens, err := Scan(source)
	if err != nil {
		return nil, err
	}
	return NewParser(tokens).Parse()
}

func (parser *Parser) Parse() ([]Operation, error) {
	operations, terminator, err := parser.parseBlock()
	if err != nil {
		return nil, err
	}
	if terminator != nil {
		return nil, headError(*terminator, "unexpected "+headKeyword(*terminator))
	}
	if err := Validate(operations); err != nil {
		return nil, err
	}
	return operations, nil
}

// parseBlock reads operations until EOF or until an operation head whose
// keyword is one of terminators. The terminator token is not consumed.
func (parser *Parser) parseBlock(terminators ...string) ([]Operation, *Token, error) {
	var operations []Operation
	for parser.index < len(parser.tokens) {
		token := parser.tokens[parser.index]
		switch token.Kind {
		case CommentToken:
			parser.index++
			continue
		case SectionToken:
			parser.index++
			operations = append(operations, Section{Pos: Pos(token.Line), Name: token.Text})
			continue
		case DirectiveToken:
			parser.index++
			operation, err := parseDirective(token)
			if err != nil {
				return nil, nil, err
			}
			operations = append(operations, operation)
			continue
		case VariableToken:
			parser.index++
			operation, err := parseVariable(token)
			if err != nil {
				return nil, nil, err
			}
			operations = append(operations, operation)
			continue
		case ClauseHeadToken, ClauseItemToken, RawBlockToken:
			return nil, nil, headError(token, "clause without an operation")
		}

		keyword := headKeyword(token)
		for _, terminator := range terminators {
			if keyword == terminator {
				return operations, &token, nil
			}
		}
		operation, err := parser.parseOperation(token, keyword)
		if err != nil {
			return nil, nil, err
		}
		operations = append(operations, operation)
	}
	return operations, nil, nil
}

func (parser *Parser) parseOperation(token Token, keyword string) (Operation, error) {
	parser.index++
	p, err := newClauseParser(token.Text, token.Line, token.Column)
	if err != nil {
		return nil, err
	}
	p.next()

	switch keyword {
	case "INSERT", "INSERT_MANY":
		return parser.parseInsert(token, keyword, p)
	case "UPDATE", "UPSERT":
		return parser.parseUpdate(token, keyword, p)
	case "DELETE":
		return parser.parseDelete(token, p)
	case "FIND", "COUNT":
		return parser.parseFind(token, keyword, p)
	case "AGGREGATE":
		return parser.parseAggregate(token, p)
	case "CREATE_INDEX":
		return parser.parseCreateIndex(token, p)
	case "CREATE_COLLECTION":
		collection, err := p.name("collection name")
		if err != nil {
			return nil, err
		}
		set, err := parser.clauses(p, keyword, "OPTIONS")
		if err != nil {
			return nil, err
		}
		return CreateCollection{Pos: Pos(token.Line), Collection: collection, Options: set.options}, nil
	case "DROP_COLLECTION":
		collection, err := p.name("collection name")
		if err != nil {
			return nil, err
		}
		if _, err := parser.clauses(p, keyword); err != nil {
			return nil, err
		}
		return DropCollection{Pos: Pos(token.Line), Collection: collection}, nil
	case "BEGIN_TRANSACTION", "COMMIT_TRANSACTION", "ROLLBACK_TRANSACTION":
		if _, err := parser.clauses(p, keyword); err != nil {
			return nil, err
		}
		marker := BeginMarker
		switch keyword {
		case "COMMIT_TRANSACTION":
			marker = CommitMarker
		case "ROLLBACK_TRANSACTION":
			marker = RollbackMarker
		}
		return Transaction{Pos: Pos(token.Line), Marker: marker}, nil
	case "TRY":
		return parser.parseTry(token, p)
	case "IF":
		return parser.parseConditional(token, p)
	case "ROLLBACK_CHANGES", "VERIFY_ROLLBACK":
		set, err := parser.clauses(p, keyword, "WHERE")
		if err != nil {
			return nil, err
		}
		return RollbackChanges{Pos: Pos(token.Line), Filter: set.whereClause(), Verify: keyword == "VERIFY_ROLLBACK"}, nil
	case "ROLLBACK_LAST":
		n, err := p.integer("number of changes")
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, headError(token, "ROLLBACK_LAST requires a positive count")
		}
		if _, err := parser.clauses(p, keyword); err != nil {
			return nil, err
		}
		return RollbackChanges{Pos: Pos(token.Line), Last: n}, nil
	case "CLEAR_CHANGES":
		set, err := parser.clauses(p, keyword, "WHERE")
		if err != nil {
			return nil, err
		}
		return ClearChanges{Pos: Pos(token.Line), Filter: set.whereClause()}, nil
	case "EXPORT_CHANGES":
		p.keyword("TO")
		target, err := p.name("export target")
		if err != nil {
			return nil, err
		}
		if _, err := parser.clauses(p, keyword); err != nil {
			return nil, err
		}
		return ExportChanges{Pos: Pos(token.Line), Target: target}, nil
	case "IMPORT_CHANGES", "REPLAY_CHANGES":
		op := ImportChanges{Pos: Pos(token.Line), Replay: keyword == "REPLAY_CHANGES"}
		_, from := p.keyword("FROM")
		if from || !op.Replay || p.peek().Type == LexString {
			if op.Source, err = p.name("change source"); err != nil {
				return nil, err
			}
		}
		if _, err := parser.clauses(p, keyword); err != nil {
			return nil, err
		}
		return op, nil
	case "SNAPSHOT", "RESTORE_SNAPSHOT":
		name, err := p.name("snapshot name")
		if err != nil {
			return nil, err
		}
		if _, err := parser.clauses(p, keyword); err != nil {
			return nil, err
		}
		return Snapshot{Pos: Pos(token.Line), Name: name, Restore: keyword == "RESTORE_SNAPSHOT"}, nil
	case "BACKUP", "RESTORE":
		return parser.parseBackup(token, keyword, p)
	}
	return nil, headError(token, "unexpected "+keyword)
}

func (parser *Parser) parseInsert(token Token, keyword string, p *clauseParser) (Operation, error) {
	p.keyword("INTO")
	collection, err := p.name("collection name")
	if err != nil {
		return nil, err
	}
	insert := Insert{Pos: Pos(token.Line), Collection: collection, Many: keyword == "INSERT_MANY"}
	if !p.atEnd() && !p.atClauseKeyword() {
		value, err := p.parseValue(false)
		if err != nil {
			return nil, err
		}
		if array, ok := value.(ArrayLiteral); ok {
			insert.Many = true
			insert.Documents = append(insert.Documents, array.Items...)
		} else {
			insert.Documents = append(insert.Documents, value)
		}
	}
	set, err := parser.clauses(p, keyword, "DOCUMENTS", "OPTIONS")
	if err != nil {
		return nil, err
	}
	insert.Documents = append(insert.Documents, set.documents...)
	insert.Options = set.options
	if len(insert.Documents) == 0 {
		return nil, headError(token, keyword+" requires at least one document")
	}
	if len(insert.Documents) > 1 {
		insert.Many = true
	}
	for _, document := range insert.Documents {
		switch document.(type) {
		case ObjectLiteral, VariableRef, RawBlock:
		default:
			return nil, headError(token, "documents must be JSON objects")
		}
	}
	return insert, nil
}

func (parser *Parser) parseUpdate(token Token, keyword string, p *clauseParser) (Operation, error) {
	collection, err := p.name("collection name")
	if err != nil {
		return nil, err
	}
	allowed := []string{"WHERE", "SET", "OPTIONS"}
	if keyword == "UPSERT" {
		allowed = append(allowed, "SET_ON_INSERT")
	}
	set, err := parser.clauses(p, keyword, allowed...)
	if err != nil {
		return nil, err
	}
	if len(set.set) == 0 && len(set.setOnInsert) == 0 {
		return nil, headError(token, keyword+" requires a SET clause")
	}
	return Update{
		Pos:         Pos(token.Line),
		Collection:  collection,
		Where:       set.whereClause(),
		Set:         set.set,
		SetOnInsert: set.setOnInsert,
		Options:     set.options,
		Upsert:      keyword == "UPSERT",
	}, nil
}

func (parser *Parser) parseDelete(token Token, p *clauseParser) (Operation, error) {
	p.keyword("FROM")
	collection, err := p.name("collection name")
	if err != nil {
		return nil, err
	}
	set, err := parser.clauses(p, "DELETE", "WHERE", "OPTIONS")
	if err != nil {
		return nil, err
	}
	return Delete{Pos: Pos(token.Line), Collection: collection, Where: set.whereClause(), Options: set.options}, nil
}

func (parser *Parser) parseFind(token Token, keyword string, p *clauseParser) (Operation, error) {
	collection, err := p.name("collection name")
	if err != nil {
		return nil, err
	}
	allowed := []string{"WHERE", "OPTIONS"}
	if keyword == "FIND" {
		allowed = append(allowed, "SELECT", "SORT", "LIMIT", "SKIP")
	}
	set, err := parser.clauses(p, keyword, allowed...)
	if err != nil {
		return nil, err
	}
	return Find{
		Pos:        Pos(token.Line),
		Collection: collection,
		Where:      set.whereClause(),
		Select:     set.selectFields,
		Sort:       set.sort,
		Limit:      set.limit,
		Skip:       set.skip,
		Options:    set.options,
		Count:      keyword == "COUNT",
	}, nil
}

func (parser *Parser) parseAggregate(token Token, p *clauseParser) (Operation, error) {
	collection, err := p.name("collection name")
	if err != nil {
		return nil, err
	}
	set, err := parser.clauses(p, "AGGREGATE", "PIPELINE", "OPTIONS")
	if err != nil {
		return nil, err
	}
	if len(set.pipeline) == 0 {
		return nil, headError(token, "AGGREGATE requires a PIPELINE")
	}
	return Aggregate{Pos: Pos(token.Line), Collection: collection, Pipeline: set.pipeline, Options: set.options}, nil
}

func (parser *Parser) parseCreateIndex(token Token, p *clauseParser) (Operation, error) {
	collection, err := p.name("collection name")
	if err != nil {
		return nil, err
	}
	index := CreateIndex{Pos: Pos(token.Line), Collection: collection}
	if _, ok := p.keyword("ON"); ok {
		for {
			key, err := p.parseSortKey()
			if err != nil {
				return nil, err
			}
			index.Keys = append(index.Keys, key)
			if p.peek().Type != LexComma {
				break
			}
			p.next()
		}
	}
	for {
		flag, ok := p.keyword("UNIQUE", "SPARSE")
		if !ok {
			break
		}
		index.Options = append(index.Options, Option{Name: strings.ToLower(flag), Value: Literal{Type: core.BooleanType, Text: "true", Bool: true}})
	}
	set, err := parser.clauses(p, "CREATE_INDEX", "FIELDS", "OPTIONS")
	if err != nil {
		return nil, err
	}
	index.Keys = append(index.Keys, set.fields...)
	index.Options = append(index.Options, set.options...)
	if len(index.Keys) == 0 {
		return nil, headError(token, "CREATE_INDEX requires at least one field")
	}
	return index, nil
}

func (parser *Parser) parseBackup(token Token, keyword string, p *clauseParser) (Operation, error) {
	collection, err := p.name("collection name")
	if err != nil {
		return nil, err
	}
	if keyword == "BACKUP" {
		p.keyword("TO")
	} else {
		p.keyword("FROM")
	}
	name, err := p.name("backup name")
	if err != nil {
		return nil, err
	}
	if _, err := parser.clauses(p, keyword); err != nil {
		return nil, err
	}
	return Backup{Pos: Pos(token.Line), Collection: collection, Name: name, Restore: keyword == "RESTORE"}, nil
}

func (parser *Parser) parseTry(token Token, p *clauseParser) (Operation, error) {
	if err := endOfBlockHead(p); err != nil {
		return nil, err
	}
	body, terminator, err := parser.parseBlock("CATCH", "END_TRY")
	if err != nil {
		return nil, err
	}
	try := Try{Pos: Pos(token.Line), Body: body}
	for {
		if terminator == nil {
			return nil, headError(token, "TRY without END_TRY")
		}
		parser.index++
		head, err := newClauseParser(terminator.Text, terminator.Line, terminator.Column)
		if err != nil {
			return nil, err
		}
		head.next()
		if headKeyword(*terminator) == "END_TRY" {
			if err := head.expectEnd(); err != nil {
				return nil, err
			}
			break
		}

		catch := Catch{Line: terminator.Line}
		for head.peek().Type == LexIdentifier {
			catch.Errors = append(catch.Errors, head.next().Value)
			if head.peek().Type == LexComma {
				head.next()
			}
		}
		if err := endOfBlockHead(head); err != nil {
			return nil, err
		}
		catch.Body, terminator, err = parser.parseBlock("CATCH", "END_TRY")
		if err != nil {
			return nil, err
		}
		try.Catches = append(try.Catches, catch)
	}
	if len(try.Catches) == 0 {
		return nil, headError(token, "TRY requires at least one CATCH")
	}
	return try, nil
}

func (parser *Parser) parseConditional(token Token, p *clauseParser) (Operation, error) {
	conditional := Conditional{Pos: Pos(token.Line)}
	if _, ok := p.keyword("NOT"); ok {
		conditional.Negate = true
	}
	if _, ok := p.keyword("EXISTS"); !ok {
		return nil, p.errorf(p.peek(), "expected EXISTS after IF")
	}
	collection, err := p.name("collection name")
	if err != nil {
		return nil, err
	}
	conditional.Collection = collection
	if p.peek().Type == LexColon && p.peekAt(1).Type == LexEOF {
		p.next()
	}
	set, err := parser.clauses(p, "IF", "WHERE")
	if err != nil {
		return nil, err
	}
	conditional.Where = set.whereClause()

	var terminator *Token
	conditional.Then, terminator, err = parser.parseBlock("ELSE", "END_IF")
	if err != nil {
		return nil, err
	}
	if terminator != nil && headKeyword(*terminator) == "ELSE" {
		parser.index++
		if err := expectBareHead(*terminator); err != nil {
			return nil, err
		}
		conditional.Else, terminator, err = parser.parseBlock("END_IF")
		if err != nil {
			return nil, err
		}
	}
	if terminator == nil {
		return nil, headError(token, "IF without END_IF")
	}
	parser.index++
	if err := expectBareHead(*terminator); err != nil {
		return nil, err
	}
	return conditional, nil
}

// clauses parses the inline clauses left on p and any clause lines that
// follow the operation head.
func (parser *Parser) clauses(p *clauseParser, operation string, allowed ...string) (*clauseSet, error) {
	set := &clauseSet{operation: operation, allowed: allowed}
	block, err := set.stream(p)
	if err != nil {
		return nil, err
	}
	for {
		parser.skipComments()
		if block != "" {
			for parser.index < len(parser.tokens) {
				token := parser.tokens[parser.index]
				if token.Kind == CommentToken {
					parser.index++
					continue
				}
				if token.Kind != ClauseItemToken && token.Kind != RawBlockToken {
					break
				}
				parser.index++
				if err := set.item(block, token); err != nil {
					return nil, err
				}
			}
			block = ""
			continue
		}
		if parser.index >= len(parser.tokens) || parser.tokens[parser.index].Kind != ClauseHeadToken {
			return set, nil
		}
		token := parser.tokens[parser.index]
		parser.index++
		head, err := newClauseParser(token.Text, token.Line, token.Column)
		if err != nil {
			return nil, err
		}
		if block, err = set.stream(head); err != nil {
			return nil, err
		}
	}
}

func (parser *Parser) skipComments() {
	for parser.index < len(parser.tokens) && parser.tokens[parser.index].Kind == CommentToken {
		parser.index++
	}
}

func parseDirective(token Token) (Operation, error) {
	p, err := newClauseParser(token.Text, token.Line, token.Column)
	if err != nil {
		return nil, err
	}
	name := strings.ToUpper(p.next().Value)
	directive := Directive{Pos: Pos(token.Line), Name: name}
	if name == CollectionIDTypeDirective {
		if directive.Collection, err = p.name("collection name"); err != nil {
			return nil, err
		}
	}
	if eq := p.next(); eq.Type != LexOperator || eq.Value != "=" {
		return nil, p.errorf(eq, "expected '=' in @%s", name)
	}

	switch name {
	case CollectionIDTypeDirective:
		typeToken := p.next()
		idType, ok := core.ParseRuntimeType(typeToken.Value)
		if (typeToken.Type != LexIdentifier && typeToken.Type != LexString) || !ok || !isIDType(idType) {
			return nil, p.errorf(typeToken, "@%s expects ObjectId, UUID, GUID, Number or String", name)
		}
		directive.Value = StringLit(idType.String())
	case TrackChangesDirective, RollbackOnErrorDirective:
		value, err := p.parseValue(false)
		if err != nil {
			return nil, err
		}
		if literal, ok := value.(Literal); !ok || literal.Type != core.BooleanType {
			return nil, headError(token, "@"+name+" expects true or false")
		}
		directive.Value = value
	default:
		if directive.Value, err = p.parseValue(false); err != nil {
			return nil, err
		}
	}
	if err := p.expectEnd(); err != nil {
		return nil, err
	}
	return directive, nil
}

func parseVariable(token Token) (Operation, error) {
	p, err := newClauseParser(token.Text, token.Line, token.Column)
	if err != nil {
		return nil, err
	}
	variable := Variable{Pos: Pos(token.Line), Name: p.next().Value}
	if eq := p.next(); eq.Type != LexOperator || eq.Value != "=" {
		return nil, p.errorf(eq, "expected '=' after @%s", variable.Name)
	}
	if variable.Value, err = p.parseValue(false); err != nil {
		return nil, err
	}
	if err := p.expectEnd(); err != nil {
		return nil, err
	}
	return variable, nil
}

func isIDType(t core.RuntimeType) bool {
	switch t {
	case core.ObjectIDType, core.UUIDType, core.GUIDType, core.NumberType, core.StringType:
		return true
	}
	return false
}

// endOfBlockHead accepts an optional trailing ':' on TRY/CATCH/ELSE lines.
func endOfBlockHead(p *clauseParser) error {
	if p.peek().Type == LexColon {
		p.next()
	}
	return p.expectEnd()
}

func expectBareHead(token Token) error {
	p, err := newClauseParser(token.Text, token.Line, token.Column)
	if err != nil {
		return err
	}
	p.next()
	return endOfBlockHead(p)
}

func headKeyword(token Token) string {
	return strings.ToUpper(leadingWord(token.Text))
}

func headError(token Token, message string) error {
	return &core.ParseError{Line: token.Line, Column: token.Column, Message: message}
}

// clauseSet accumulates the clauses of one operation.
type clauseSet struct {
	operation string
	allowed   []string
	seen      map[string]bool

	where        []Clause
	set          []Assignment
	setOnInsert  []Assignment
	selectFields []string
	sort         []SortKey
	limit        int
	skip         int
	pipeline     []Stage
	options      []Option
	documents    []Expression
	fields       []SortKey
}

func (set *clauseSet) whereClause() Clause {
	return Clause{Kind: AndClause, Children: set.where}
}

// stream parses "KEYWORD body KEYWORD body ..." and returns the keyword of
// a trailing "KEYWORD:" that opens a multi-line block.
func (set *clauseSet) stream(p *clauseParser) (string, error) {
	for !p.atEnd() {
		token := p.next()
		keyword := strings.ToUpper(token.Value)
		if token.Type != LexIdentifier || !clauseKeywords[keyword] {
			return "", p.errorf(token, "unexpected %s", token)
		}
		if err := set.allow(p, token, keyword); err != nil {
			return "", err
		}
		if p.peek().Type == LexColon {
			p.next()
			if p.atEnd() {
				return keyword, nil
			}
		}
		if err := set.inline(keyword, p); err != nil {
			return "", err
		}
		if !p.atEnd() && !p.atClauseKeyword() {
			return "", p.errorf(p.peek(), "unexpected %s in %s", p.peek(), keyword)
		}
	}
	return "", nil
}

func (set *clauseSet) allow(p *clauseParser, token Lexeme, keyword string) error {
	allowed := false
	for _, a := range set.allowed {
		if a == keyword {
			allowed = true
		}
	}
	if !allowed {
		return p.errorf(token, "%s is not valid for %s", keyword, set.operation)
	}
	if set.seen == nil {
		set.seen = map[string]bool{}
	}
	switch keyword {
	case "LIMIT", "SKIP":
		if set.seen[keyword] {
			return p.errorf(token, "duplicate %s", keyword)
		}
	}
	set.seen[keyword] = true
	return nil
}

func (set *clauseSet) inline(keyword string, p *clauseParser) error {
	switch keyword {
	case "WHERE":
		clause, err := p.parseWhere()
		if err != nil {
			return err
		}
		set.where = append(set.where, Root(clause).Children...)
	case "SET", "SET_ON_INSERT":
		for {
			assignment, err := p.parseAssignment()
			if err != nil {
				return err
			}
			if keyword == "SET" {
				set.set = append(set.set, assignment)
			} else {
				set.setOnInsert = append(set.setOnInsert, assignment)
			}
			if p.peek().Type != LexComma {
				return nil
			}
			p.next()
		}
	case "SELECT":
		fields, err := p.nameList("selected field")
		if err != nil {
			return err
		}
		set.selectFields = append(set.selectFields, fields...)
	case "SORT", "FIELDS":
		for {
			key, err := p.parseSortKey()
			if err != nil {
				return err
			}
			if keyword == "SORT" {
				set.sort = append(set.sort, key)
			} else {
				set.fields = append(set.fields, key)
			}
			if p.peek().Type != LexComma {
				return nil
			}
			p.next()
		}
	case "LIMIT":
		n, err := p.integer("LIMIT count")
		if err != nil {
			return err
		}
		set.limit = n
	case "SKIP":
		n, err := p.integer("SKIP count")
		if err != nil {
			return err
		}
		set.skip = n
	case "PIPELINE":
		for {
			stage, err := p.parseStage()
			if err != nil {
				return err
			}
			set.pipeline = append(set.pipeline, stage)
			if p.peek().Type != LexPipe {
				return nil
			}
			p.next()
		}
	case "OPTIONS":
		for {
			option, err := p.parseOption()
			if err != nil {
				return err
			}
			set.options = append(set.options, option)
			if p.peek().Type != LexComma {
				return nil
			}
			p.next()
		}
	case "DOCUMENTS":
		value, err := p.parseValue(false)
		if err != nil {
			return err
		}
		if array, ok := value.(ArrayLiteral); ok {
			set.documents = append(set.documents, array.Items...)
		} else {
			set.documents = append(set.documents, value)
		}
	}
	return nil
}

// item parses one "- ..." line of a multi-line block. A bulleted item
// means exactly what the same text would mean inline.
func (set *clauseSet) item(keyword string, token Token) error {
	if token.Kind == RawBlockToken {
		raw, err := rawBlock(token)
		if err != nil {
			return err
		}
		switch keyword {
		case "WHERE":
			set.where = append(set.where, Clause{Kind: RawClause, Raw: raw})
		case "PIPELINE":
			set.pipeline = append(set.pipeline, Stage{Kind: RawStage, Raw: raw})
		case "DOCUMENTS":
			set.documents = append(set.documents, raw)
		default:
			return headError(token, "RAW is not valid in "+keyword)
		}
		return nil
	}
	p, err := newClauseParser(token.Text, token.Line, token.Column+2)
	if err != nil {
		return err
	}
	if err := set.inline(keyword, p); err != nil {
		return err
	}
	return p.expectEnd()
}
