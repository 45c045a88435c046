package script

import "github.com/nickyhof/dotdata/core"

type OperationKind int

const (
	InsertKind OperationKind = iota
	InsertManyKind
	UpdateKind
	UpsertKind
	DeleteKind
	FindKind
	CountKind
	AggregateKind
	CreateIndexKind
	CreateCollectionKind
	DropCollectionKind
	BeginTransactionKind
	CommitTransactionKind
	RollbackTransactionKind
	ConditionalKind
	TryKind
	RollbackChangesKind
	RollbackLastKind
	VerifyRollbackKind
	ClearChangesKind
	ExportChangesKind
	ImportChangesKind
	ReplayChangesKind
	SnapshotKind
	RestoreSnapshotKind
	BackupKind
	RestoreKind
	DirectiveKind
	VariableKind
	SectionKind
)

var operationKindNames = [...]string{
	InsertKind:              "INSERT",
	InsertManyKind:          "INSERT_MANY",
	UpdateKind:              "UPDATE",
	UpsertKind:              "UPSERT",
	DeleteKind:              "DELETE",
	FindKind:                "FIND",
	CountKind:               "COUNT",
	AggregateKind:           "AGGREGATE",
	CreateIndexKind:         "CREATE_INDEX",
	CreateCollectionKind:    "CREATE_COLLECTION",
	DropCollectionKind:      "DROP_COLLECTION",
	BeginTransactionKind:    "BEGIN_TRANSACTION",
	CommitTransactionKind:   "COMMIT_TRANSACTION",
	RollbackTransactionKind: "ROLLBACK_TRANSACTION",
	ConditionalKind:         "IF",
	TryKind:                 "TRY",
	RollbackChangesKind:     "ROLLBACK_CHANGES",
	RollbackLastKind:        "ROLLBACK_LAST",
	VerifyRollbackKind:      "VERIFY_ROLLBACK",
	ClearChangesKind:        "CLEAR_CHANGES",
	ExportChangesKind:       "EXPORT_CHANGES",
	ImportChangesKind:       "IMPORT_CHANGES",
	ReplayChangesKind:       "REPLAY_CHANGES",
	SnapshotKind:            "SNAPSHOT",
	RestoreSnapshotKind:     "RESTORE_SNAPSHOT",
	BackupKind:              "BACKUP",
	RestoreKind:             "RESTORE",
	DirectiveKind:           "DIRECTIVE",
	VariableKind:            "VARIABLE",
	SectionKind:             "SECTION",
}

func (kind OperationKind) String() string {
	if int(kind) < len(operationKindNames) {
		return operationKindNames[kind]
	}
	return "UNKNOWN"
}

// Operation is a parsed statement. Operations are never modified after the
// parser returns them.
type Operation interface {
	Kind() OperationKind
	Line() int
}

// Pos is the 1-based source line of an operation head.
type Pos int

func (pos Pos) Line() int { return int(pos) }

type Insert struct {
	Pos
	Collection string
	Documents  []Expression
	Options    []Option
	Many       bool
}

type Update struct {
	Pos
	Collection  string
	Where       Clause
	Set         []Assignment
	SetOnInsert []Assignment
	Options     []Option
	Upsert      bool
}

type Delete struct {
	Pos
	Collection string
	Where      Clause
	Options    []Option
}

type Find struct {
	Pos
	Collection string
	Where      Clause
	Select     []string
	Sort       []SortKey
	Limit      int
	Skip       int
	Options    []Option
	Count      bool
}

type Aggregate struct {
	Pos
	Collection string
	Pipeline   []Stage
	Options    []Option
}

type CreateIndex struct {
	Pos
	Collection string
	Keys       []SortKey
	Options    []Option
}

type CreateCollection struct {
	Pos
	Collection string
	Options    []Option
}

type DropCollection struct {
	Pos
	Collection string
}

type TransactionMarker int

const (
	BeginMarker TransactionMarker = iota
	CommitMarker
	RollbackMarker
)

type Transaction struct {
	Pos
	Marker TransactionMarker
}

// Conditional runs Then when a document matching Where exists in
// Collection (or does not, when Negate is set), and Else otherwise.
type Conditional struct {
	Pos
	Negate     bool
	Collection string
	Where      Clause
	Then       []Operation
	Else       []Operation
}

type Try struct {
	Pos
	Body    []Operation
	Catches []Catch
}

// Catch handles the named error kinds, or every catchable error when
// Errors is empty.
type Catch struct {
	Line   int
	Errors []string
	Body   []Operation
}

// RollbackChanges undoes ledger records selected by Filter (all when empty),
// or the Last n records. With Verify set nothing is applied.
type RollbackChanges struct {
	Pos
	Filter Clause
	Last   int
	Verify bool
}

type ClearChanges struct {
	Pos
	Filter Clause
}

type ExportChanges struct {
	Pos
	Target string
}

// ImportChanges re-dispatches exported records as fresh commands. A Replay
// without Source re-applies the records consumed by the latest rollback.
type ImportChanges struct {
	Pos
	Source string
	Replay bool
}

type Snapshot struct {
	Pos
	Name    string
	Restore bool
}

type Backup struct {
	Pos
	Collection string
	Name       string
	Restore    bool
}

type Directive struct {
	Pos
	Name       string
	Collection string
	Value      Expression
}

type Variable struct {
	Pos
	Name  string
	Value Expression
}

type Section struct {
	Pos
	Name string
}

func (op Insert) Kind() OperationKind {
	if op.Many {
		return InsertManyKind
	}
	return InsertKind
}

func (op Update) Kind() OperationKind {
	if op.Upsert {
		return UpsertKind
	}
	return UpdateKind
}

func (op Delete) Kind() OperationKind { return DeleteKind }

func (op Find) Kind() OperationKind {
	if op.Count {
		return CountKind
	}
	return FindKind
}

func (op Aggregate) Kind() OperationKind        { return AggregateKind }
func (op CreateIndex) Kind() OperationKind      { return CreateIndexKind }
func (op CreateCollection) Kind() OperationKind { return CreateCollectionKind }
func (op DropCollection) Kind() OperationKind   { return DropCollectionKind }

func (op Transaction) Kind() OperationKind {
	switch op.Marker {
	case CommitMarker:
		return CommitTransactionKind
	case RollbackMarker:
		return RollbackTransactionKind
	}
	return BeginTransactionKind
}

func (op Conditional) Kind() OperationKind { return ConditionalKind }
func (op Try) Kind() OperationKind         { return TryKind }

func (op RollbackChanges) Kind() OperationKind {
	switch {
	case op.Verify:
		return VerifyRollbackKind
	case op.Last > 0:
		return RollbackLastKind
	}
	return RollbackChangesKind
}

func (op ClearChanges) Kind() OperationKind  { return ClearChangesKind }
func (op ExportChanges) Kind() OperationKind { return ExportChangesKind }

func (op ImportChanges) Kind() OperationKind {
	if op.Replay {
		return ReplayChangesKind
	}
	return ImportChangesKind
}

func (op Snapshot) Kind() OperationKind {
	if op.Restore {
		return RestoreSnapshotKind
	}
	return SnapshotKind
}

func (op Backup) Kind() OperationKind {
	if op.Restore {
		return RestoreKind
	}
	return BackupKind
}

func (op Directive) Kind() OperationKind { return DirectiveKind }
func (op Variable) Kind() OperationKind  { return VariableKind }
func (op Section) Kind() OperationKind   { return SectionKind }

// CollectionOf returns the collection an operation targets, if any.
func CollectionOf(op Operation) string {
	switch o := op.(type) {
	case Insert:
		return o.Collection
	case Update:
		return o.Collection
	case Delete:
		return o.Collection
	case Find:
		return o.Collection
	case Aggregate:
		return o.Collection
	case CreateIndex:
		return o.Collection
	case CreateCollection:
		return o.Collection
	case DropCollection:
		return o.Collection
	case Conditional:
		return o.Collection
	case Backup:
		return o.Collection
	case Directive:
		return o.Collection
	}
	return ""
}

// IsMutation reports whether an operation changes documents and is
// therefore seen by the change ledger.
func IsMutation(kind OperationKind) bool {
	switch kind {
	case InsertKind, InsertManyKind, UpdateKind, UpsertKind, DeleteKind:
		return true
	}
	return false
}

// ClauseKind tags the nodes of a WHERE tree.
type ClauseKind int

const (
	AndClause ClauseKind = iota
	OrClause
	NotClause
	ConditionClause
	RawClause
)

// Clause is a node of a predicate tree. The root of every WHERE is an
// AndClause; an empty root matches everything.
type Clause struct {
	Kind      ClauseKind
	Children  []Clause
	Condition Condition
	Raw       RawBlock
}

// IsEmpty reports whether the clause places no constraint.
func (clause Clause) IsEmpty() bool {
	return clause.Kind == AndClause && len(clause.Children) == 0
}

type ConditionOperator int

const (
	Equals ConditionOperator = iota
	NotEquals
	GreaterThan
	GreaterThanOrEqual
	LessThan
	LessThanOrEqual
	In
	NotIn
	Contains
	StartsWith
	EndsWith
	Matches
	Like
	Between
	Exists
	NotExists
	Size
	ElemMatch
)

var conditionOperatorNames = [...]string{
	Equals:             "=",
	NotEquals:          "!=",
	GreaterThan:        ">",
	GreaterThanOrEqual: ">=",
	LessThan:           "<",
	LessThanOrEqual:    "<=",
	In:                 "IN",
	NotIn:              "NOT_IN",
	Contains:           "CONTAINS",
	StartsWith:         "STARTS_WITH",
	EndsWith:           "ENDS_WITH",
	Matches:            "MATCHES",
	Like:               "LIKE",
	Between:            "BETWEEN",
	Exists:             "EXISTS",
	NotExists:          "NOT_EXISTS",
	Size:               "SIZE",
	ElemMatch:          "ELEM_MATCH",
}

func (operator ConditionOperator) String() string {
	if int(operator) < len(conditionOperatorNames) {
		return conditionOperatorNames[operator]
	}
	return "?"
}

// Condition is a single field predicate. Between carries two Args, Exists
// and NotExists none, ElemMatch a Nested tree, everything else one.
type Condition struct {
	Field    string
	Operator ConditionOperator
	Args     []Expression
	Nested   *Clause
}

type SetOperator int

const (
	Assign SetOperator = iota
	Increment
	Decrement
	Multiply
	Push
	Remove
	AddUnique
	RemoveAll
	Unset
	SetNow
	Rename
)

var setOperatorNames = [...]string{
	Assign:    "=",
	Increment: "+=",
	Decrement: "-=",
	Multiply:  "*=",
	Push:      "PUSH",
	Remove:    "REMOVE",
	AddUnique: "ADD_UNIQUE",
	RemoveAll: "REMOVE_ALL",
	Unset:     "UNSET",
	SetNow:    "NOW",
	Rename:    "RENAME",
}

func (operator SetOperator) String() string {
	if int(operator) < len(setOperatorNames) {
		return setOperatorNames[operator]
	}
	return "?"
}

// Assignment is one SET item. Value is nil for Unset and SetNow; Rename
// stores the new name in Target.
type Assignment struct {
	Field    string
	Operator SetOperator
	Value    Expression
	Target   string
}

type SortKey struct {
	Field      string
	Descending bool
}

type Option struct {
	Name  string
	Value Expression
}

type StageKind int

const (
	MatchStage StageKind = iota
	ProjectStage
	SortStage
	LimitStage
	SkipStage
	UnwindStage
	GroupStage
	CountStage
	LookupStage
	RawStage
)

var stageKindNames = [...]string{
	MatchStage:   "MATCH",
	ProjectStage: "PROJECT",
	SortStage:    "SORT",
	LimitStage:   "LIMIT",
	SkipStage:    "SKIP",
	UnwindStage:  "UNWIND",
	GroupStage:   "GROUP",
	CountStage:   "COUNT",
	LookupStage:  "LOOKUP",
	RawStage:     "RAW",
}

func (kind StageKind) String() string {
	if int(kind) < len(stageKindNames) {
		return stageKindNames[kind]
	}
	return "?"
}

// Stage is one aggregation pipeline step. Only the fields relevant to Kind
// are populated.
type Stage struct {
	Kind         StageKind
	Where        Clause
	Fields       []string
	Sort         []SortKey
	N            int
	Field        string
	Accumulators []Accumulator
	Lookup       Lookup
	Raw          RawBlock
}

type Accumulator struct {
	Name     string
	Function string
	Field    string
}

type Lookup struct {
	From    string
	Local   string
	Foreign string
	As      string
}

// Expression is a value-position node. The set of implementations is
// closed: Literal, VariableRef, FunctionCall, CastCall, MathCall, FieldRef,
// Template, ArrayLiteral, ObjectLiteral and RawBlock.
type Expression interface {
	expression()
}

// Literal is a scalar as written. Text holds the string contents or the
// number's source spelling.
type Literal struct {
	Type core.RuntimeType
	Text string
	Num  float64
	Bool bool
}

type VariableRef struct {
	Name string
}

// FunctionCall is a built-in such as {{$futureDate:7d}}; Name excludes the
// leading '$' and Args are the colon separated arguments.
type FunctionCall struct {
	Name string
	Args []string
}

type CastCall struct {
	Type core.RuntimeType
	Arg  Expression
}

// MathCall is a math, string or date function evaluated by the backend.
type MathCall struct {
	Name string
	Args []Expression
}

// FieldRef names a document field inside a MathCall.
type FieldRef struct {
	Path string
}

// Template is a string with embedded {{...}} references; it always
// resolves to a String.
type Template struct {
	Parts []Expression
}

type ArrayLiteral struct {
	Items []Expression
}

type ObjectLiteral struct {
	Fields []ObjectField
}

type ObjectField struct {
	Name  string
	Value Expression
}

// RawBlock is validated JSON passed through without interpretation.
type RawBlock struct {
	JSON string
}

func (Literal) expression()       {}
func (VariableRef) expression()   {}
func (FunctionCall) expression()  {}
func (CastCall) expression()      {}
func (MathCall) expression()      {}
func (FieldRef) expression()      {}
func (Template) expression()      {}
func (ArrayLiteral) expression()  {}
func (ObjectLiteral) expression() {}
func (RawBlock) expression()      {}

func StringLit(s string) Literal {
	return Literal{Type: core.StringType, Text: s}
}
