package compile

import (
	"encoding/json"
	"strings"

	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/script"
)

type CommandKind int

const (
	InsertCommand CommandKind = iota
	UpdateCommand
	UpsertCommand
	DeleteCommand
	FindCommand
	CountCommand
	AggregateCommand
	CreateIndexCommand
	CreateCollectionCommand
	DropCollectionCommand
)

var commandKindNames = [...]string{
	InsertCommand:           "INSERT",
	UpdateCommand:           "UPDATE",
	UpsertCommand:           "UPSERT",
	DeleteCommand:           "DELETE",
	FindCommand:             "FIND",
	CountCommand:            "COUNT",
	AggregateCommand:        "AGGREGATE",
	CreateIndexCommand:      "CREATE_INDEX",
	CreateCollectionCommand: "CREATE_COLLECTION",
	DropCollectionCommand:   "DROP_COLLECTION",
}

func (kind CommandKind) String() string {
	if int(kind) < len(commandKindNames) {
		return commandKindNames[kind]
	}
	return "UNKNOWN"
}

// IsMutation reports whether commands of this kind change documents.
func (kind CommandKind) IsMutation() bool {
	switch kind {
	case InsertCommand, UpdateCommand, UpsertCommand, DeleteCommand:
		return true
	}
	return false
}

type (
	SortKey     = script.SortKey
	Accumulator = script.Accumulator
	Lookup      = script.Lookup
	StageKind   = script.StageKind
)

// Command is the backend-neutral form of one operation. Only the fields
// relevant to Kind are set. Commands are not modified after compilation.
type Command struct {
	Kind       CommandKind
	Line       int
	Collection string

	// Documents holds the resolved documents of an INSERT, each with an _id.
	Documents []core.Value

	Filter      Filter
	Mutations   []Mutation
	SetOnInsert []Mutation
	// Replacement, when set on an UPDATE, replaces each matched document
	// as a whole and Mutations are ignored. The ledger uses it to put
	// removed fields back in their original position.
	Replacement *core.Value

	Projection []string
	Sort       []SortKey
	Limit      int
	Skip       int

	Pipeline []Stage

	// Keys are the CREATE_INDEX key fields.
	Keys []SortKey

	Options Options
}

func (cmd Command) String() string {
	return cmd.Kind.String() + " " + cmd.Collection
}

// Multi reports whether UPDATE, UPSERT and DELETE apply to every matched
// document. OPTIONS multi = false restricts them to the first match.
func (cmd Command) Multi() bool {
	value, ok := cmd.Options.Get("multi")
	return !ok || value.Type != core.BooleanType || value.Bool
}

// RemovesFields reports whether an update can drop or move fields, which
// changes the field order of the document.
func (cmd Command) RemovesFields() bool {
	for _, mutation := range cmd.Mutations {
		if mutation.Op == UnsetMutation || mutation.Op == RenameMutation {
			return true
		}
	}
	return false
}

// TouchedFields lists the top-level and dotted paths an update writes,
// including both sides of a rename.
func (cmd Command) TouchedFields() []string {
	seen := map[string]bool{}
	var fields []string
	add := func(field string) {
		if field != "" && !seen[field] {
			seen[field] = true
			fields = append(fields, field)
		}
	}
	for _, mutation := range cmd.Mutations {
		add(mutation.Field)
		add(mutation.To)
	}
	for _, mutation := range cmd.SetOnInsert {
		add(mutation.Field)
	}
	return fields
}

// Stage is a compiled aggregation pipeline step.
type Stage struct {
	Kind         StageKind
	Filter       Filter
	Fields       []string
	Sort         []SortKey
	N            int
	Field        string
	Accumulators []Accumulator
	Lookup       Lookup
	Raw          json.RawMessage
}

// Options are resolved operation options keyed by lower-case name.
type Options map[string]core.Value

func (options Options) Get(name string) (core.Value, bool) {
	value, ok := options[strings.ToLower(name)]
	return value, ok
}

func (options Options) Bool(name string) bool {
	value, ok := options.Get(name)
	return ok && value.Type == core.BooleanType && value.Bool
}

func (options Options) Int(name string) (int, bool) {
	value, ok := options.Get(name)
	if !ok || !value.IsInteger() {
		return 0, false
	}
	return int(value.Num), true
}

func (options Options) String(name string) (string, bool) {
	value, ok := options.Get(name)
	if !ok || value.Type != core.StringType {
		return "", false
	}
	return value.Str, true
}
