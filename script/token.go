package script

import "strconv"

// TokenKind classifies a logical source line.
type TokenKind int

const (
	CommentToken TokenKind = iota
	DirectiveToken
	VariableToken
	SectionToken
	OperationHeadToken
	ClauseHeadToken
	ClauseItemToken
	RawBlockToken
)

func (kind TokenKind) String() string {
	switch kind {
	case CommentToken:
		return "COMMENT"
	case DirectiveToken:
		return "DIRECTIVE"
	case VariableToken:
		return "USER_VARIABLE"
	case SectionToken:
		return "SECTION"
	case OperationHeadToken:
		return "OPERATION_HEAD"
	case ClauseHeadToken:
		return "CLAUSE_HEAD"
	case ClauseItemToken:
		return "CLAUSE_ITEM"
	case RawBlockToken:
		return "RAW_BLOCK"
	default:
		return "Unknown(" + strconv.Itoa(int(kind)) + ")"
	}
}

// Token is one classified logical line. Lines joined because of an open
// JSON bracket produce a single token spanning Line..EndLine.
type Token struct {
	Kind    TokenKind
	Text    string
	Line    int
	EndLine int
	Column  int
	Indent  int
}

func (token Token) String() string {
	return token.Kind.String() + "@" + strconv.Itoa(token.Line) + "(" + token.Text + ")"
}

// System directive names. Any other @IDENT is a user variable.
const (
	CollectionIDTypeDirective = "COLLECTION_ID_TYPE"
	TrackChangesDirective     = "TRACK_CHANGES"
	RollbackOnErrorDirective  = "ROLLBACK_ON_ERROR"
	ChangeTagDirective        = "CHANGE_TAG"
)

func isDirectiveName(name string) bool {
	switch name {
	case CollectionIDTypeDirective, TrackChangesDirective, RollbackOnErrorDirective, ChangeTagDirective:
		return true
	}
	return false
}

var operationKeywords = map[string]bool{
	"INSERT": true, "INSERT_MANY": true, "UPDATE": true, "UPSERT": true, "DELETE": true,
	"FIND": true, "COUNT": true, "AGGREGATE": true,
	"CREATE_INDEX": true, "CREATE_COLLECTION": true, "DROP_COLLECTION": true,
	"BEGIN_TRANSACTION": true, "COMMIT_TRANSACTION": true, "ROLLBACK_TRANSACTION": true,
	"TRY": true, "CATCH": true, "END_TRY": true,
	"IF": true, "ELSE": true, "END_IF": true,
	"ROLLBACK_CHANGES": true, "ROLLBACK_LAST": true, "VERIFY_ROLLBACK": true,
	"CLEAR_CHANGES": true, "EXPORT_CHANGES": true, "IMPORT_CHANGES": true, "REPLAY_CHANGES": true,
	"SNAPSHOT": true, "RESTORE_SNAPSHOT": true, "BACKUP": true, "RESTORE": true,
}

var clauseKeywords = map[string]bool{
	"WHERE": true, "SET": true, "SET_ON_INSERT": true, "SELECT": true, "SORT": true,
	"LIMIT": true, "SKIP": true, "PIPELINE": true, "OPTIONS": true, "DOCUMENTS": true,
	"FIELDS": true,
}
