package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nickyhof/dotdata/backend"
	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
)

// Report summarizes an applied rollback.
type Report struct {
	Applied []Record
}

// Rollback undoes every record matched by filter, newest first, and removes
// the applied records. On failure the failing record and everything older
// stay in the ledger and the error is a *core.RollbackError.
func (l *Ledger) Rollback(ctx context.Context, b backend.Backend, filter compile.Filter) (Report, error) {
	indexes, err := l.selectIndexes(filter)
	if err != nil {
		return Report{}, err
	}
	return l.apply(ctx, b, indexes)
}

// RollbackLast undoes the n most recent records.
func (l *Ledger) RollbackLast(ctx context.Context, b backend.Backend, n int) (Report, error) {
	if n < 0 {
		return Report{}, fmt.Errorf("cannot roll back %d changes", n)
	}
	start := max(len(l.records)-n, 0)
	indexes := make([]int, 0, len(l.records)-start)
	for i := start; i < len(l.records); i++ {
		indexes = append(indexes, i)
	}
	return l.apply(ctx, b, indexes)
}

// RollbackSince undoes the records created after mark.
func (l *Ledger) RollbackSince(ctx context.Context, b backend.Backend, mark int) (Report, error) {
	var indexes []int
	for i, rec := range l.records {
		if rec.OperationIndex > mark {
			indexes = append(indexes, i)
		}
	}
	return l.apply(ctx, b, indexes)
}

func (l *Ledger) apply(ctx context.Context, b backend.Backend, indexes []int) (Report, error) {
	var (
		applied []int
		report  Report
		failure error
	)
	for i := len(indexes) - 1; i >= 0; i-- {
		rec := l.records[indexes[i]]
		if err := undo(ctx, b, rec); err != nil {
			failure = err
			break
		}
		applied = append(applied, indexes[i])
		report.Applied = append(report.Applied, rec)
	}
	if len(applied) > 0 {
		l.replay = make([]Record, len(report.Applied))
		for i, rec := range report.Applied {
			l.replay[len(report.Applied)-1-i] = rec
		}
		l.remove(applied)
		l.logger.Info("changes rolled back", "count", len(applied))
	}
	return report, failure
}

func rollbackError(rec Record, reason string, err error) *core.RollbackError {
	return &core.RollbackError{
		Line:           rec.Line,
		OperationIndex: rec.OperationIndex,
		Collection:     rec.Collection,
		Key:            rec.Key.Display(),
		Reason:         reason,
		Err:            err,
	}
}

// Inverse returns the command that undoes a record.
func Inverse(rec Record) (compile.Command, error) {
	base := compile.Command{Line: rec.Line, Collection: rec.Collection, Filter: compile.IDEquals(rec.Key)}
	switch {
	case rec.restoresByDelete():
		base.Kind = compile.DeleteCommand
		return base, nil
	case rec.Kind == DeleteChange:
		if rec.BeforeImage == nil {
			return compile.Command{}, errors.New("record has no before-image")
		}
		return compile.Command{
			Kind:       compile.InsertCommand,
			Line:       rec.Line,
			Collection: rec.Collection,
			Documents:  []core.Value{rec.BeforeImage.Clone()},
		}, nil
	case rec.Kind == UpdateChange || rec.Kind == UpsertChange:
		if rec.BeforeImage == nil {
			return compile.Command{}, errors.New("record has no before-image")
		}
		base.Kind = compile.UpdateCommand
		if rec.FullImage {
			image := rec.BeforeImage.Clone()
			base.Replacement = &image
			return base, nil
		}
		for _, field := range rec.BeforeImage.Fields {
			base.Mutations = append(base.Mutations, compile.Mutation{Op: compile.SetMutation, Field: field.Name, Value: field.Value.Clone()})
		}
		for _, path := range rec.Missing {
			base.Mutations = append(base.Mutations, compile.Mutation{Op: compile.UnsetMutation, Field: path})
		}
		return base, nil
	}
	return compile.Command{}, fmt.Errorf("unknown change type %s", rec.Kind)
}

func undo(ctx context.Context, b backend.Backend, rec Record) error {
	cmd, err := Inverse(rec)
	if err != nil {
		return rollbackError(rec, err.Error(), err)
	}
	if cmd.Kind == compile.UpdateCommand && cmd.Replacement == nil && len(cmd.Mutations) == 0 {
		return nil
	}
	result, err := b.Execute(ctx, cmd)
	if err != nil {
		return rollbackError(rec, "inverse "+cmd.Kind.String()+" failed", err)
	}
	switch cmd.Kind {
	case compile.DeleteCommand:
		if result.Deleted == 0 {
			return rollbackError(rec, "document no longer exists", nil)
		}
	case compile.UpdateCommand:
		if result.Matched == 0 {
			return rollbackError(rec, "document no longer matches its stored key", nil)
		}
	}
	return nil
}

// Verification is the outcome of a dry-run rollback.
type Verification struct {
	Records  int
	Problems []*core.RollbackError
}

func (v Verification) Feasible() bool {
	return len(v.Problems) == 0
}

// Verify simulates Rollback(filter) without changing the ledger or the
// store. Each record is checked against the store state the newer undone
// records would leave behind.
func (l *Ledger) Verify(ctx context.Context, b backend.Backend, filter compile.Filter) (Verification, error) {
	selected, err := l.Select(filter)
	if err != nil {
		return Verification{}, err
	}
	slices.Reverse(selected)

	present := map[string]bool{}
	exists := func(rec Record) (bool, error) {
		key := rec.Collection + "\x00" + rec.Key.Key()
		if state, ok := present[key]; ok {
			return state, nil
		}
		docs, err := b.ReadBefore(ctx, rec.Collection, compile.IDEquals(rec.Key))
		if err != nil {
			return false, err
		}
		present[key] = len(docs) > 0
		return present[key], nil
	}

	verification := Verification{Records: len(selected)}
	for _, rec := range selected {
		found, err := exists(rec)
		if err != nil {
			return Verification{}, fmt.Errorf("verify %s: %w", rec, err)
		}
		key := rec.Collection + "\x00" + rec.Key.Key()
		switch {
		case rec.restoresByDelete():
			if !found {
				verification.Problems = append(verification.Problems, rollbackError(rec, "document no longer exists", nil))
			}
			present[key] = false
		case rec.Kind == DeleteChange:
			if found {
				verification.Problems = append(verification.Problems, rollbackError(rec, "a document with this key exists again", nil))
			}
			present[key] = true
		default:
			if !found {
				verification.Problems = append(verification.Problems, rollbackError(rec, "document no longer matches its stored key", nil))
			}
		}
	}
	return verification, nil
}

// ReplayCommands turns records back into the commands that produced them,
// oldest first, for IMPORT_CHANGES and REPLAY_CHANGES.
func ReplayCommands(records []Record) ([]compile.Command, error) {
	commands := make([]compile.Command, 0, len(records))
	for _, rec := range records {
		cmd := compile.Command{Line: rec.Line, Collection: rec.Collection, Filter: compile.IDEquals(rec.Key)}
		switch {
		case rec.Kind == DeleteChange:
			cmd.Kind = compile.DeleteCommand
		case rec.Document == nil:
			return nil, fmt.Errorf("change %s has no document to replay", rec)
		case rec.restoresByDelete():
			cmd.Kind = compile.InsertCommand
			cmd.Filter = compile.Filter{}
			cmd.Documents = []core.Value{rec.Document.Clone()}
		case rec.FullImage:
			cmd.Kind = compile.UpdateCommand
			document := rec.Document.Clone()
			cmd.Replacement = &document
		default:
			cmd.Kind = compile.UpdateCommand
			var paths []string
			if rec.BeforeImage != nil {
				for _, field := range rec.BeforeImage.Fields {
					paths = append(paths, field.Name)
				}
			}
			paths = append(paths, rec.Missing...)
			for _, path := range paths {
				if value, ok := rec.Document.Lookup(path); ok {
					cmd.Mutations = append(cmd.Mutations, compile.Mutation{Op: compile.SetMutation, Field: path, Value: value.Clone()})
				} else {
					cmd.Mutations = append(cmd.Mutations, compile.Mutation{Op: compile.UnsetMutation, Field: path})
				}
			}
			if len(cmd.Mutations) == 0 {
				continue
			}
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}
