package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nickyhof/dotdata/backend"
	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
)

// Ledger records the inverse of every tracked mutation of one run. It is
// owned by a single run and is not safe for concurrent use.
type Ledger struct {
	records []Record
	replay  []Record
	counter int
	now     func() time.Time
	logger  *slog.Logger

	// Tracking is the @TRACK_CHANGES directive. While false no records are
	// written and no before-images are read.
	Tracking bool
	// Tag is the @CHANGE_TAG directive stamped on new records.
	Tag *string
}

func New(now func() time.Time, logger *slog.Logger) *Ledger {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{now: now, logger: logger, Tracking: true}
}

// Pending is the before-dispatch half of a tracked command.
type Pending struct {
	cmd    compile.Command
	before []core.Value
	tag    *string
}

// Track captures what is needed to undo cmd before it is dispatched:
// nothing for inserts, the matched documents for updates, upserts and
// deletes. It returns nil when the command is not tracked.
func (l *Ledger) Track(ctx context.Context, b backend.Backend, cmd compile.Command) (*Pending, error) {
	if !l.Tracking || !cmd.Kind.IsMutation() {
		return nil, nil
	}
	pending := &Pending{cmd: cmd, tag: l.Tag}
	if cmd.Kind != compile.InsertCommand {
		docs, err := b.ReadBefore(ctx, cmd.Collection, cmd.Filter)
		if err != nil {
			return nil, fmt.Errorf("read before-image of %s: %w", cmd.Collection, err)
		}
		if !cmd.Multi() && len(docs) > 1 {
			docs = docs[:1]
		}
		pending.before = docs
	}
	return pending, nil
}

// Complete turns a dispatched command into records. It must be called
// after Execute returns, even on failure, since an INSERT may have written
// some documents before failing. When execErr is set, matched documents
// are re-read and only those the command actually changed are recorded.
func (l *Ledger) Complete(ctx context.Context, b backend.Backend, pending *Pending, result backend.Result, execErr error) {
	if pending == nil {
		return
	}
	cmd := pending.cmd
	before := pending.before
	if execErr != nil && cmd.Kind != compile.InsertCommand {
		before = l.changed(ctx, b, cmd, before)
	}
	l.counter++
	base := Record{
		OperationIndex: l.counter,
		Collection:     cmd.Collection,
		Tag:            pending.tag,
		Timestamp:      l.now().UTC(),
		Line:           cmd.Line,
	}

	var records []Record
	switch cmd.Kind {
	case compile.InsertCommand:
		byKey := make(map[string]core.Value, len(cmd.Documents))
		for _, doc := range cmd.Documents {
			if id, ok := doc.ID(); ok {
				byKey[id.Key()] = doc
			}
		}
		for _, id := range result.InsertedIDs {
			rec := base
			rec.Kind = InsertChange
			rec.Key = id
			if doc, ok := byKey[id.Key()]; ok {
				doc = doc.Clone()
				rec.Document = &doc
			}
			records = append(records, rec)
		}
	case compile.DeleteCommand:
		for _, doc := range before {
			id, ok := doc.ID()
			if !ok {
				continue
			}
			before := doc.Clone()
			rec := base
			rec.Kind = DeleteChange
			rec.Key = id
			rec.BeforeImage = &before
			records = append(records, rec)
		}
	case compile.UpdateCommand, compile.UpsertCommand:
		kind := UpdateChange
		if cmd.Kind == compile.UpsertCommand {
			kind = UpsertChange
		}
		if kind == UpsertChange && len(pending.before) == 0 && result.UpsertedID != nil && execErr == nil {
			rec := base
			rec.Kind = UpsertChange
			rec.Key = *result.UpsertedID
			rec.Created = true
			rec.Document = l.readAfter(ctx, b, cmd.Collection, rec.Key)
			records = append(records, rec)
			break
		}
		fields := cmd.TouchedFields()
		for _, doc := range before {
			id, ok := doc.ID()
			if !ok {
				continue
			}
			rec := base
			rec.Kind = kind
			rec.Key = id
			if cmd.RemovesFields() {
				image := doc.Clone()
				rec.BeforeImage = &image
				rec.FullImage = true
			} else {
				image, missing := touchedImage(doc, fields)
				rec.BeforeImage = &image
				rec.Missing = missing
			}
			rec.Document = l.readAfter(ctx, b, cmd.Collection, id)
			records = append(records, rec)
		}
	}

	for _, rec := range records {
		l.logger.Debug("change recorded", "index", rec.OperationIndex, "type", rec.Kind.String(), "collection", rec.Collection, "key", rec.Key.Display())
	}
	l.records = append(l.records, records...)
}

// changed keeps the documents a failed command still managed to change:
// deleted ones for a DELETE, modified ones for an UPDATE or UPSERT. A
// document that cannot be re-read is kept, since its change may have been
// applied.
func (l *Ledger) changed(ctx context.Context, b backend.Backend, cmd compile.Command, before []core.Value) []core.Value {
	var kept []core.Value
	for _, doc := range before {
		id, ok := doc.ID()
		if !ok {
			continue
		}
		current, err := b.ReadBefore(ctx, cmd.Collection, compile.IDEquals(id))
		switch {
		case err != nil:
			l.logger.Warn("cannot tell whether a failed command changed the document; keeping its record", "collection", cmd.Collection, "key", id.Display(), "error", err)
			kept = append(kept, doc)
		case cmd.Kind == compile.DeleteCommand && len(current) == 0:
			kept = append(kept, doc)
		case cmd.Kind != compile.DeleteCommand && len(current) > 0 && !current[0].Equal(doc):
			kept = append(kept, doc)
		default:
			l.logger.Debug("failed command left document unchanged; not recorded", "collection", cmd.Collection, "key", id.Display())
		}
	}
	return kept
}

func (l *Ledger) readAfter(ctx context.Context, b backend.Backend, collection string, id core.Value) *core.Value {
	docs, err := b.ReadBefore(ctx, collection, compile.IDEquals(id))
	if err != nil || len(docs) == 0 {
		l.logger.Warn("after-image unavailable; record cannot be replayed", "collection", collection, "key", id.Display(), "error", err)
		return nil
	}
	return &docs[0]
}

// Records returns a copy of the ledger, oldest first.
func (l *Ledger) Records() []Record {
	return append([]Record(nil), l.records...)
}

func (l *Ledger) Len() int {
	return len(l.records)
}

// Mark returns a position that RollbackSince and Discard accept: records
// created after the call have a greater OperationIndex.
func (l *Ledger) Mark() int {
	return l.counter
}

// Discard drops records created after mark without undoing them. Aborted
// transactions use it since the store already reverted their writes.
func (l *Ledger) Discard(mark int) int {
	kept := l.records[:0]
	dropped := 0
	for _, rec := range l.records {
		if rec.OperationIndex > mark {
			dropped++
			continue
		}
		kept = append(kept, rec)
	}
	l.records = kept
	return dropped
}

// Select returns the records matched by filter, oldest first.
func (l *Ledger) Select(filter compile.Filter) ([]Record, error) {
	indexes, err := l.selectIndexes(filter)
	if err != nil {
		return nil, err
	}
	selected := make([]Record, len(indexes))
	for i, index := range indexes {
		selected[i] = l.records[index]
	}
	return selected, nil
}

func (l *Ledger) selectIndexes(filter compile.Filter) ([]int, error) {
	var indexes []int
	for i, rec := range l.records {
		ok, err := filter.Matches(rec.view())
		if err != nil {
			return nil, fmt.Errorf("select changes: %w", err)
		}
		if ok {
			indexes = append(indexes, i)
		}
	}
	return indexes, nil
}

// Clear removes the selected records without applying them.
func (l *Ledger) Clear(filter compile.Filter) (int, error) {
	indexes, err := l.selectIndexes(filter)
	if err != nil {
		return 0, err
	}
	l.remove(indexes)
	return len(indexes), nil
}

// Replayable returns the records consumed by the most recent rollback,
// oldest first.
func (l *Ledger) Replayable() []Record {
	return append([]Record(nil), l.replay...)
}

func (l *Ledger) remove(indexes []int) {
	if len(indexes) == 0 {
		return
	}
	drop := make(map[int]bool, len(indexes))
	for _, index := range indexes {
		drop[index] = true
	}
	kept := make([]Record, 0, len(l.records)-len(indexes))
	for i, rec := range l.records {
		if !drop[i] {
			kept = append(kept, rec)
		}
	}
	l.records = kept
}
