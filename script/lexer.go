package script

import (
	"strings"
	"unicode/utf8"
)

// LexemeType classifies the pieces of a single statement or clause line.
type LexemeType int

const (
	LexIdentifier LexemeType = iota
	LexString
	LexNumber
	LexVariable
	LexInterpolation
	LexOperator
	LexComma
	LexColon
	LexPipe
	LexParenOpen
	LexParenClose
	LexBraceOpen
	LexBraceClose
	LexBracketOpen
	LexBracketClose
	LexEOF
	LexUnknown
)

type Lexeme struct {
	Type  LexemeType
	Value string
	Pos   int
}

func (lexeme Lexeme) String() string {
	switch lexeme.Type {
	case LexIdentifier:
		return "Identifier(" + lexeme.Value + ")"
	case LexString:
		return "String(" + lexeme.Value + ")"
	case LexNumber:
		return "Number(" + lexeme.Value + ")"
	case LexVariable:
		return "Variable(" + lexeme.Value + ")"
	case LexInterpolation:
		return "Interpolation(" + lexeme.Value + ")"
	case LexOperator:
		return "Operator(" + lexeme.Value + ")"
	case LexComma:
		return "Comma"
	case LexColon:
		return "Colon"
	case LexPipe:
		return "Pipe"
	case LexParenOpen:
		return "ParenOpen"
	case LexParenClose:
		return "ParenClose"
	case LexBraceOpen:
		return "BraceOpen"
	case LexBraceClose:
		return "BraceClose"
	case LexBracketOpen:
		return "BracketOpen"
	case LexBracketClose:
		return "BracketClose"
	case LexEOF:
		return "EOF"
	default:
		return "Unknown(" + lexeme.Value + ")"
	}
}

// is reports whether the lexeme is the given keyword, case-insensitively.
func (lexeme Lexeme) is(keyword string) bool {
	return lexeme.Type == LexIdentifier && strings.EqualFold(lexeme.Value, keyword)
}

// Lexer splits the text of one logical line into lexemes. Strings keep their
// unescaped contents; everything else keeps its source spelling.
type Lexer struct {
	text         string
	position     int
	readPosition int
	ch           byte
	err          error
}

func NewLexer(text string) *Lexer {
	lexer := &Lexer{text: text}
	lexer.readChar()
	return lexer
}

func (lexer *Lexer) readChar() {
	if lexer.readPosition >= len(lexer.text) {
		lexer.ch = 0
	} else {
		lexer.ch = lexer.text[lexer.readPosition]
	}
	lexer.position = lexer.readPosition
	lexer.readPosition++
}

// Err returns the first malformed-literal error seen by the lexer.
func (lexer *Lexer) Err() error {
	return lexer.err
}

func (lexer *Lexer) NextToken() Lexeme {
	lexer.skipWhitespace()
	start := lexer.position

	switch lexer.ch {
	case 0:
		return Lexeme{Type: LexEOF, Pos: start}
	case ',':
		lexer.readChar()
		return Lexeme{Type: LexComma, Value: ",", Pos: start}
	case ':':
		lexer.readChar()
		return Lexeme{Type: LexColon, Value: ":", Pos: start}
	case '|':
		lexer.readChar()
		return Lexeme{Type: LexPipe, Value: "|", Pos: start}
	case '(':
		lexer.readChar()
		return Lexeme{Type: LexParenOpen, Value: "(", Pos: start}
	case ')':
		lexer.readChar()
		return Lexeme{Type: LexParenClose, Value: ")", Pos: start}
	case '[':
		lexer.readChar()
		return Lexeme{Type: LexBracketOpen, Value: "[", Pos: start}
	case ']':
		lexer.readChar()
		return Lexeme{Type: LexBracketClose, Value: "]", Pos: start}
	case '}':
		lexer.readChar()
		return Lexeme{Type: LexBraceClose, Value: "}", Pos: start}
	case '{':
		if lexer.peekChar() == '{' {
			return lexer.readInterpolation()
		}
		lexer.readChar()
		return Lexeme{Type: LexBraceOpen, Value: "{", Pos: start}
	case '"', '\'':
		value, ok := lexer.readString()
		if !ok {
			return Lexeme{Type: LexUnknown, Value: lexer.text[start:], Pos: start}
		}
		return Lexeme{Type: LexString, Value: value, Pos: start}
	case '@':
		lexer.readChar()
		name := lexer.readIdentifier()
		return Lexeme{Type: LexVariable, Value: name, Pos: start}
	}

	if lexer.ch == '-' && isDigit(lexer.peekChar()) {
		return Lexeme{Type: LexNumber, Value: lexer.readNumber(), Pos: start}
	}
	if isDigit(lexer.ch) {
		return Lexeme{Type: LexNumber, Value: lexer.readNumber(), Pos: start}
	}
	if isOperator(lexer.ch) {
		operator := lexer.readOperator()
		return Lexeme{Type: LexOperator, Value: operator, Pos: start}
	}
	if isIdentifierStart(lexer.ch) {
		return Lexeme{Type: LexIdentifier, Value: lexer.readIdentifier(), Pos: start}
	}

	_, size := utf8.DecodeRuneInString(lexer.text[start:])
	for i := 0; i < size; i++ {
		lexer.readChar()
	}
	return Lexeme{Type: LexUnknown, Value: lexer.text[start:lexer.position], Pos: start}
}

func (lexer *Lexer) PeekToken() Lexeme {
	savedPosition := lexer.position
	savedReadPosition := lexer.readPosition
	savedCh := lexer.ch
	savedErr := lexer.err

	token := lexer.NextToken()

	lexer.position = savedPosition
	lexer.readPosition = savedReadPosition
	lexer.ch = savedCh
	lexer.err = savedErr

	return token
}

// Rest returns the unread text with leading whitespace removed.
func (lexer *Lexer) Rest() string {
	lexer.skipWhitespace()
	return lexer.text[lexer.position:]
}

// Seek moves the lexer to an absolute offset of its text.
func (lexer *Lexer) Seek(offset int) {
	lexer.readPosition = offset
	lexer.readChar()
}

func (lexer *Lexer) peekChar() byte {
	if lexer.readPosition >= len(lexer.text) {
		return 0
	}
	return lexer.text[lexer.readPosition]
}

func (lexer *Lexer) skipWhitespace() {
	for lexer.ch == ' ' || lexer.ch == '\t' || lexer.ch == '\n' || lexer.ch == '\r' {
		lexer.readChar()
	}
}

func (lexer *Lexer) readIdentifier() string {
	position := lexer.position
	for isIdentifierPart(lexer.ch) {
		lexer.readChar()
	}
	return lexer.text[position:lexer.position]
}

func (lexer *Lexer) readNumber() string {
	position := lexer.position
	if lexer.ch == '-' {
		lexer.readChar()
	}
	for isDigit(lexer.ch) {
		lexer.readChar()
	}
	if lexer.ch == '.' && isDigit(lexer.peekChar()) {
		lexer.readChar()
		for isDigit(lexer.ch) {
			lexer.readChar()
		}
	}
	if lexer.ch == 'e' || lexer.ch == 'E' {
		next := lexer.peekChar()
		if isDigit(next) || next == '+' || next == '-' {
			lexer.readChar()
			if lexer.ch == '+' || lexer.ch == '-' {
				lexer.readChar()
			}
			for isDigit(lexer.ch) {
				lexer.readChar()
			}
		}
	}
	return lexer.text[position:lexer.position]
}

func (lexer *Lexer) readOperator() string {
	position := lexer.position
	first := lexer.ch
	lexer.readChar()
	switch first {
	case '=':
		if lexer.ch == '=' {
			lexer.readChar()
		}
	case '!', '+', '-', '*':
		if lexer.ch == '=' {
			lexer.readChar()
		}
	case '<':
		if lexer.ch == '=' || lexer.ch == '>' {
			lexer.readChar()
		}
	case '>':
		if lexer.ch == '=' {
			lexer.readChar()
		}
	}
	return lexer.text[position:lexer.position]
}

// readString reads a single- or double-quoted literal. JSON escapes are
// decoded; unknown escapes such as \d are kept verbatim so regular
// expressions survive.
func (lexer *Lexer) readString() (string, bool) {
	quote := lexer.ch
	lexer.readChar()
	var b strings.Builder
	for {
		switch lexer.ch {
		case 0:
			if lexer.err == nil {
				lexer.err = errUnterminatedString
			}
			return "", false
		case quote:
			lexer.readChar()
			return b.String(), true
		case '\\':
			lexer.readChar()
			switch lexer.ch {
			case '"', '\'', '\\', '/':
				b.WriteByte(lexer.ch)
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case 'u':
				if r, ok := lexer.readUnicodeEscape(); ok {
					b.WriteRune(r)
					continue
				}
				b.WriteString(`\u`)
			case 0:
				continue
			default:
				b.WriteByte('\\')
				b.WriteByte(lexer.ch)
			}
			lexer.readChar()
		default:
			b.WriteByte(lexer.ch)
			lexer.readChar()
		}
	}
}

func (lexer *Lexer) readUnicodeEscape() (rune, bool) {
	if lexer.readPosition+4 > len(lexer.text) {
		return 0, false
	}
	var r rune
	for _, c := range lexer.text[lexer.readPosition : lexer.readPosition+4] {
		switch {
		case '0' <= c && c <= '9':
			r = r*16 + c - '0'
		case 'a' <= c && c <= 'f':
			r = r*16 + c - 'a' + 10
		case 'A' <= c && c <= 'F':
			r = r*16 + c - 'A' + 10
		default:
			return 0, false
		}
	}
	for i := 0; i < 5; i++ {
		lexer.readChar()
	}
	return r, true
}

func (lexer *Lexer) readInterpolation() Lexeme {
	start := lexer.position
	end := strings.Index(lexer.text[start+2:], "}}")
	if end < 0 {
		if lexer.err == nil {
			lexer.err = errUnterminatedInterpolation
		}
		lexer.Seek(len(lexer.text))
		return Lexeme{Type: LexUnknown, Value: lexer.text[start:], Pos: start}
	}
	inner := lexer.text[start+2 : start+2+end]
	lexer.Seek(start + 2 + end + 2)
	return Lexeme{Type: LexInterpolation, Value: strings.TrimSpace(inner), Pos: start}
}

func isIdentifierStart(ch byte) bool {
	return ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z') || ch == '_' || ch == '$'
}

func isIdentifierPart(ch byte) bool {
	return isIdentifierStart(ch) || isDigit(ch) || ch == '.'
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}

func isOperator(ch byte) bool {
	return ch == '=' || ch == '!' || ch == '<' || ch == '>' || ch == '+' || ch == '-' || ch == '*'
}
