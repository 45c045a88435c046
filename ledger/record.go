package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/nickyhof/dotdata/core"
)

type ChangeKind int

const (
	InsertChange ChangeKind = iota
	UpdateChange
	DeleteChange
	UpsertChange
)

var changeKindNames = [...]string{
	InsertChange: "insert",
	UpdateChange: "update",
	DeleteChange: "delete",
	UpsertChange: "upsert",
}

func (kind ChangeKind) String() string {
	if int(kind) < len(changeKindNames) {
		return changeKindNames[kind]
	}
	return "unknown"
}

func (kind ChangeKind) MarshalText() ([]byte, error) {
	if int(kind) >= len(changeKindNames) {
		return nil, fmt.Errorf("unknown change kind %d", kind)
	}
	return []byte(kind.String()), nil
}

func (kind *ChangeKind) UnmarshalText(text []byte) error {
	for k, name := range changeKindNames {
		if strings.EqualFold(name, string(text)) {
			*kind = ChangeKind(k)
			return nil
		}
	}
	return fmt.Errorf("unknown change type %q", text)
}

// Record is one ledger entry: the inverse of a single document change.
//
// BeforeImage is nil for inserts and created upserts, the full document for
// deletes, and for updates an object keyed by the touched field paths. Paths
// that did not exist before the update are listed in Missing (as their
// outermost absent ancestor). Updates that unset or rename fields keep the
// whole document instead and set FullImage, so undoing them restores the
// original field order. Document is the state right after the change, used
// to replay it.
type Record struct {
	OperationIndex int         `json:"operationIndex"`
	Kind           ChangeKind  `json:"type"`
	Collection     string      `json:"collection"`
	Key            core.Value  `json:"key"`
	Document       *core.Value `json:"document"`
	BeforeImage    *core.Value `json:"beforeImage"`
	Missing        []string    `json:"missing,omitempty"`
	FullImage      bool        `json:"fullImage,omitempty"`
	Created        bool        `json:"created,omitempty"`
	Tag            *string     `json:"tag"`
	Timestamp      time.Time   `json:"timestamp"`
	Line           int         `json:"line,omitempty"`
}

func (rec Record) String() string {
	return fmt.Sprintf("#%d %s %s[%s]", rec.OperationIndex, rec.Kind, rec.Collection, rec.Key.Display())
}

// restoresByDelete reports whether undoing the record removes the document.
func (rec Record) restoresByDelete() bool {
	return rec.Kind == InsertChange || (rec.Kind == UpsertChange && rec.Created)
}

// view exposes the record as a document so WHERE filters can select it:
// operationIndex, type, collection, _id, tag, line and timestamp.
func (rec Record) view() core.Value {
	tag := core.Null()
	if rec.Tag != nil {
		tag = core.String(*rec.Tag)
	}
	return core.Object(
		core.F("operationIndex", core.Number(float64(rec.OperationIndex))),
		core.F("type", core.String(rec.Kind.String())),
		core.F("collection", core.String(rec.Collection)),
		core.F(core.IDField, rec.Key),
		core.F("tag", tag),
		core.F("line", core.Number(float64(rec.Line))),
		core.F("timestamp", core.Date(rec.Timestamp)),
	)
}

// touchedImage copies the touched paths of doc. Paths doc does not have are
// reported by their outermost missing ancestor, so undoing them removes
// exactly what the update created.
func touchedImage(doc core.Value, paths []string) (core.Value, []string) {
	image := core.Object()
	var missing []string
	seen := map[string]bool{}
	for _, path := range paths {
		if value, ok := doc.Lookup(path); ok {
			image.Fields = append(image.Fields, core.F(path, value.Clone()))
			continue
		}
		ancestor := missingAncestor(doc, path)
		if !seen[ancestor] {
			seen[ancestor] = true
			missing = append(missing, ancestor)
		}
	}
	return image, missing
}

func missingAncestor(doc core.Value, path string) string {
	segments := strings.Split(path, ".")
	for i := 1; i <= len(segments); i++ {
		prefix := strings.Join(segments[:i], ".")
		if _, ok := doc.Lookup(prefix); !ok {
			return prefix
		}
	}
	return path
}
