package script

import (
	"strings"

	"github.com/nickyhof/dotdata/core"
)

// Scanner turns a source buffer into classified logical lines.
type Scanner struct {
	lines []string
	index int

	blockOpen   bool
	blockIndent int
	blockLine   int
	itemSeen    bool
}

func NewScanner(source string) *Scanner {
	source = strings.ReplaceAll(source, "\r\n", "\n")
	source = strings.ReplaceAll(source, "\r", "\n")
	source = strings.TrimPrefix(source, "\ufeff")
	return &Scanner{lines: strings.Split(source, "\n")}
}

// Scan classifies the whole buffer. It fails on the first malformed line.
func Scan(source string) ([]Token, error) {
	return NewScanner(source).Scan()
}

func (scanner *Scanner) Scan() ([]Token, error) {
	var tokens []Token
	for scanner.index < len(scanner.lines) {
		token, ok, err := scanner.next()
		if err != nil {
			return nil, err
		}
		if ok {
			tokens = append(tokens, token)
		}
	}
	if scanner.blockOpen && !scanner.itemSeen {
		return nil, &core.ParseError{Line: scanner.blockLine, Message: "unterminated multi-line block"}
	}
	return tokens, nil
}

func (scanner *Scanner) next() (Token, bool, error) {
	lineNo := scanner.index + 1
	raw := scanner.lines[scanner.index]
	scanner.index++

	text, commented, err := stripComment(raw, lineNo)
	if err != nil {
		return Token{}, false, err
	}
	if strings.TrimSpace(text) == "" {
		if commented {
			return Token{Kind: CommentToken, Text: strings.TrimSpace(raw), Line: lineNo, EndLine: lineNo, Column: indentOf(raw) + 1}, true, nil
		}
		return Token{}, false, nil
	}

	indent := indentOf(text)
	endLine := lineNo
	depth, err := bracketDepth(text, 0, lineNo)
	if err != nil {
		return Token{}, false, err
	}
	for depth > 0 {
		if scanner.index >= len(scanner.lines) {
			return Token{}, false, &core.ParseError{Line: lineNo, Column: indent + 1, Message: "unterminated JSON block"}
		}
		continuation, _, err := stripComment(scanner.lines[scanner.index], scanner.index+1)
		if err != nil {
			return Token{}, false, err
		}
		scanner.index++
		endLine = scanner.index
		if depth, err = bracketDepth(continuation, depth, endLine); err != nil {
			return Token{}, false, err
		}
		text += "\n" + continuation
	}

	token := Token{
		Text:    strings.TrimSpace(text),
		Line:    lineNo,
		EndLine: endLine,
		Column:  indent + 1,
		Indent:  indent,
	}
	if err := scanner.classify(&token); err != nil {
		return Token{}, false, err
	}
	return token, true, nil
}

func (scanner *Scanner) classify(token *Token) error {
	text := token.Text

	if strings.HasPrefix(text, "-") && !startsWithNumber(text) {
		if !scanner.blockOpen {
			return &core.ParseError{Line: token.Line, Column: token.Column, Message: "list item outside of a multi-line clause"}
		}
		if token.Indent < scanner.blockIndent {
			return &core.ParseError{Line: token.Line, Column: token.Column, Message: "list item is indented less than its clause"}
		}
		item := strings.TrimSpace(text[1:])
		if item == "" {
			return &core.ParseError{Line: token.Line, Column: token.Column, Message: "empty list item"}
		}
		token.Text = item
		token.Kind = ClauseItemToken
		if rest, ok := cutKeyword(item, "RAW"); ok && strings.HasPrefix(rest, ":") {
			token.Kind = RawBlockToken
			token.Text = strings.TrimSpace(rest[1:])
		}
		scanner.itemSeen = true
		return nil
	}

	if scanner.blockOpen && !scanner.itemSeen {
		return &core.ParseError{Line: scanner.blockLine, Message: "unterminated multi-line block"}
	}
	scanner.blockOpen = false

	switch {
	case strings.HasPrefix(text, "===") && strings.HasSuffix(text, "===") && len(text) >= 6:
		token.Kind = SectionToken
		token.Text = strings.TrimSpace(strings.Trim(text, "="))
		return nil
	case strings.HasPrefix(text, "@"):
		name := leadingWord(text[1:])
		if name == "" {
			return &core.ParseError{Line: token.Line, Column: token.Column, Message: "expected name after '@'"}
		}
		if isDirectiveName(strings.ToUpper(name)) {
			token.Kind = DirectiveToken
		} else {
			token.Kind = VariableToken
		}
		return nil
	}

	word := strings.ToUpper(leadingWord(text))
	switch {
	case clauseKeywords[word]:
		token.Kind = ClauseHeadToken
	case operationKeywords[word]:
		token.Kind = OperationHeadToken
	default:
		return &core.ParseError{Line: token.Line, Column: token.Column, Message: "unknown statement " + quoteWord(leadingWord(text))}
	}

	if opensBlock(text) {
		scanner.blockOpen = true
		scanner.blockIndent = token.Indent
		scanner.blockLine = token.Line
		scanner.itemSeen = false
	}
	return nil
}

// opensBlock reports whether a line ends with "KEYWORD:", the multi-line
// form of a clause.
func opensBlock(text string) bool {
	if !strings.HasSuffix(text, ":") {
		return false
	}
	body := strings.TrimSpace(strings.TrimSuffix(text, ":"))
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return false
	}
	return clauseKeywords[strings.ToUpper(fields[len(fields)-1])]
}

// stripComment removes a trailing # or // comment that starts outside a
// quoted string. It reports whether a comment was removed.
func stripComment(line string, lineNo int) (string, bool, error) {
	var quote byte
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if quote != 0 {
			switch ch {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			if ch == '\'' && !isQuoteStart(line, i) {
				continue
			}
			quote = ch
		case '#':
			return line[:i], true, nil
		case '/':
			if i+1 < len(line) && line[i+1] == '/' {
				return line[:i], true, nil
			}
		}
	}
	if quote != 0 {
		return "", false, &core.ParseError{Line: lineNo, Column: strings.IndexByte(line, quote) + 1, Message: "unterminated string"}
	}
	return line, false, nil
}

// isQuoteStart treats an apostrophe as a string delimiter only when it is
// not inside a word, so prose like "don't" in a section name is left alone.
func isQuoteStart(line string, i int) bool {
	return i == 0 || !isIdentifierPart(line[i-1])
}

// bracketDepth adds the net open brackets of line to depth.
func bracketDepth(line string, depth int, lineNo int) (int, error) {
	var quote byte
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if quote != 0 {
			switch ch {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"':
			quote = ch
		case '\'':
			if isQuoteStart(line, i) {
				quote = ch
			}
		case '{', '[', '(':
			depth++
		case '}', ']', ')':
			depth--
			if depth < 0 {
				return 0, &core.ParseError{Line: lineNo, Column: i + 1, Message: "unbalanced " + string(ch)}
			}
		}
	}
	return depth, nil
}

func indentOf(line string) int {
	indent := 0
	for _, ch := range line {
		switch ch {
		case ' ':
			indent++
		case '\t':
			indent += 4
		default:
			return indent
		}
	}
	return indent
}

func leadingWord(text string) string {
	end := 0
	for end < len(text) && isIdentifierPart(text[end]) {
		end++
	}
	return text[:end]
}

// cutKeyword strips a leading keyword, case-insensitively, when it is
// followed by a non-identifier character.
func cutKeyword(text, keyword string) (string, bool) {
	if len(text) < len(keyword) || !strings.EqualFold(text[:len(keyword)], keyword) {
		return text, false
	}
	rest := text[len(keyword):]
	if rest != "" && isIdentifierPart(rest[0]) {
		return text, false
	}
	return strings.TrimSpace(rest), true
}

func startsWithNumber(text string) bool {
	return len(text) > 1 && text[0] == '-' && isDigit(text[1])
}

func quoteWord(word string) string {
	if word == "" {
		return "''"
	}
	return "'" + word + "'"
}
