package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nickyhof/dotdata/backend"
	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/ledger"
	"github.com/nickyhof/dotdata/resolve"
	"github.com/nickyhof/dotdata/script"
)

// RunState is the mutable state threaded through one session: resolution
// context, ledger, directives and the open transaction.
type RunState struct {
	resolver *resolve.Context
	compiler *compile.Compiler
	ledger   *ledger.Ledger
	backend  backend.Backend
	s3       S3Config
	logger   *slog.Logger

	tx        backend.Transaction
	txMark    int
	txAborted bool

	rollbackOnError bool
	// scope is the ledger mark of the innermost TRY, or of the start of
	// the current execution; ROLLBACK_ON_ERROR undoes records after it.
	scope   int
	section string
}

// target is where commands go: the open transaction or the backend.
func (s *RunState) target() backend.Backend {
	if s.tx != nil {
		return s.tx
	}
	return s.backend
}

func (s *RunState) run(ctx context.Context, ops []script.Operation, out *RunResult) error {
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return backend.Wrap(backend.TimeoutError, "", err)
		}
		if err := s.step(ctx, op, out); err != nil {
			return err
		}
	}
	return nil
}

func (s *RunState) step(ctx context.Context, op script.Operation, out *RunResult) error {
	switch o := op.(type) {
	case script.Section:
		s.section = o.Name
		out.Sections = append(out.Sections, o.Name)
		s.logger.Info("section", "name", o.Name, "line", o.Line())
		return nil
	case script.Directive:
		return s.directive(o)
	case script.Variable:
		s.resolver.Define(o.Name, o.Value)
		return nil
	case script.Try:
		return s.try(ctx, o, out)
	case script.Conditional:
		return s.conditional(ctx, o, out)
	}

	start := time.Now()
	outcome := Outcome{Line: op.Line(), Operation: op.Kind().String(), Collection: script.CollectionOf(op), Section: s.section}
	var err error
	switch o := op.(type) {
	case script.Transaction:
		err = s.transaction(ctx, o, &outcome)
	case script.RollbackChanges:
		err = s.rollbackChanges(ctx, o, &outcome)
	case script.ClearChanges:
		err = s.clearChanges(o, &outcome)
	case script.ExportChanges:
		err = s.exportChanges(ctx, o, &outcome)
	case script.ImportChanges:
		err = s.importChanges(ctx, o, out, &outcome)
	case script.Snapshot:
		err = s.snapshot(ctx, o, &outcome)
	case script.Backup:
		err = s.backup(ctx, o, &outcome)
	default:
		var cmd compile.Command
		cmd, err = s.compiler.Compile(op)
		if err == nil {
			err = s.dispatch(ctx, cmd, &outcome)
		}
	}
	outcome.Duration = time.Since(start)
	outcome.Err = err
	out.add(outcome)
	sampleOperation(outcome.Operation, outcome.Duration, err)
	return err
}

// dispatch tracks and executes one command. A failure inside a
// transaction aborts it; with ROLLBACK_ON_ERROR a backend failure also
// undoes the ledger records of the current scope.
func (s *RunState) dispatch(ctx context.Context, cmd compile.Command, outcome *Outcome) error {
	if s.txAborted {
		return backend.Errorf(backend.ValidationError, cmd.Collection, "transaction was aborted by an earlier error")
	}
	if cmd.Kind == compile.DropCollectionCommand && s.ledger.Tracking {
		s.logger.Warn("DROP_COLLECTION is not tracked and cannot be rolled back", "line", cmd.Line, "collection", cmd.Collection)
	}
	target := s.target()
	s.logger.Debug("dispatch", "line", cmd.Line, "op", cmd.Kind.String(), "collection", cmd.Collection)

	pending, err := s.ledger.Track(ctx, target, cmd)
	if err != nil {
		return s.fail(ctx, err, outcome)
	}
	recorded := s.ledger.Len()
	result, err := target.Execute(ctx, cmd)
	s.ledger.Complete(ctx, target, pending, result, err)
	changesRecorded.Add(float64(s.ledger.Len() - recorded))

	outcome.Documents = result.Documents
	outcome.Count = result.Count
	outcome.Inserted = len(result.InsertedIDs)
	outcome.Matched = result.Matched
	outcome.Modified = result.Modified
	outcome.Deleted = result.Deleted
	outcome.UpsertedID = result.UpsertedID
	if err != nil {
		return s.fail(ctx, err, outcome)
	}
	return nil
}

func (s *RunState) fail(ctx context.Context, err error, outcome *Outcome) error {
	if _, ok := backend.KindOf(err); !ok {
		return err
	}
	if s.tx != nil {
		s.abortTransaction(ctx)
		s.txAborted = true
	}
	if !s.rollbackOnError {
		return err
	}
	report, rollbackErr := s.ledger.RollbackSince(ctx, s.target(), s.scope)
	outcome.RolledBack = len(report.Applied)
	changesRolledBack.Add(float64(len(report.Applied)))
	s.logger.Warn("rolled back after error", "line", outcome.Line, "records", len(report.Applied), "error", err)
	if rollbackErr != nil {
		return errors.Join(err, rollbackErr)
	}
	return err
}

func (s *RunState) abortTransaction(ctx context.Context) {
	if err := s.tx.Abort(ctx); err != nil {
		s.logger.Error("abort transaction", "error", err)
	}
	dropped := s.ledger.Discard(s.txMark)
	s.logger.Info("transaction aborted", "discarded", dropped)
	s.tx = nil
}

func (s *RunState) directive(d script.Directive) error {
	value, err := s.resolver.ResolvePlain(d.Value, d.Line())
	if err != nil {
		return err
	}
	switch d.Name {
	case script.CollectionIDTypeDirective:
		idType, ok := core.ParseRuntimeType(value.Display())
		if !ok {
			return &core.CompileError{Line: d.Line(), Operation: "@" + d.Name, Reason: "unknown id type " + value.Display()}
		}
		s.resolver.SetIDType(d.Collection, idType)
	case script.TrackChangesDirective:
		s.ledger.Tracking = value.Bool
	case script.RollbackOnErrorDirective:
		s.rollbackOnError = value.Bool
	case script.ChangeTagDirective:
		if value.IsNull() {
			s.ledger.Tag = nil
			break
		}
		tag := value.Display()
		s.ledger.Tag = &tag
	default:
		return &core.CompileError{Line: d.Line(), Operation: "@" + d.Name, Reason: "unknown directive"}
	}
	s.logger.Debug("directive", "line", d.Line(), "name", d.Name, "value", value.Display())
	return nil
}

func (s *RunState) try(ctx context.Context, t script.Try, out *RunResult) error {
	for _, arm := range t.Catches {
		for _, name := range arm.Errors {
			if !knownErrorName(name) {
				return &core.CompileError{Line: arm.Line, Operation: "CATCH", Reason: "unknown error name " + name}
			}
		}
	}

	saved := s.scope
	s.scope = s.ledger.Mark()
	err := s.run(ctx, t.Body, out)
	s.scope = saved
	if err == nil || !catchable(err) {
		return err
	}
	for _, arm := range t.Catches {
		if !catches(arm, err) {
			continue
		}
		s.logger.Info("caught", "line", arm.Line, "kind", ErrorKind(err), "error", err)
		s.resolver.Define("error", script.StringLit(err.Error()))
		s.resolver.Define("errorKind", script.StringLit(ErrorKind(err)))
		return s.run(ctx, arm.Body, out)
	}
	return err
}

var catchableNames = []string{"ResolveError", "RollbackError"}

func knownErrorName(name string) bool {
	if _, ok := backend.ParseErrorKind(name); ok {
		return true
	}
	for _, known := range catchableNames {
		if strings.EqualFold(known, name) {
			return true
		}
	}
	return false
}

// catchable reports whether TRY may recover from err. Parse and compile
// errors always halt the run.
func catchable(err error) bool {
	switch ErrorKind(err) {
	case "ParseError", "CompileError", "Error":
		return false
	}
	return true
}

// catches reports whether the arm handles err. An arm without names
// handles everything catchable; BackendError matches every backend kind.
func catches(arm script.Catch, err error) bool {
	if len(arm.Errors) == 0 {
		return true
	}
	kind := ErrorKind(err)
	_, isBackend := backend.KindOf(err)
	for _, name := range arm.Errors {
		if strings.EqualFold(name, kind) {
			return true
		}
		if isBackend && strings.EqualFold(name, backend.UnknownError.String()) {
			return true
		}
	}
	return false
}

func (s *RunState) conditional(ctx context.Context, c script.Conditional, out *RunResult) error {
	exists, err := s.exists(ctx, c)
	if err != nil {
		return err
	}
	if c.Negate {
		exists = !exists
	}
	s.logger.Debug("condition", "line", c.Line(), "collection", c.Collection, "result", exists)
	if exists {
		return s.run(ctx, c.Then, out)
	}
	return s.run(ctx, c.Else, out)
}

// exists answers IF EXISTS: without WHERE it asks whether the collection
// exists, with WHERE whether a document matches.
func (s *RunState) exists(ctx context.Context, c script.Conditional) (bool, error) {
	if c.Where.IsEmpty() {
		if lister, ok := s.backend.(backend.Lister); ok && s.tx == nil {
			names, err := lister.Collections(ctx)
			if err != nil {
				return false, err
			}
			for _, name := range names {
				if name == c.Collection {
					return true, nil
				}
			}
			return false, nil
		}
	}
	filter, err := s.compiler.Filter(c.Line(), c.Collection, c.Where)
	if err != nil {
		return false, err
	}
	result, err := s.target().Execute(ctx, compile.Command{Kind: compile.CountCommand, Line: c.Line(), Collection: c.Collection, Filter: filter, Limit: 1})
	if err != nil {
		return false, err
	}
	return result.Count > 0, nil
}

func (s *RunState) transaction(ctx context.Context, t script.Transaction, outcome *Outcome) error {
	fail := func(reason string) error {
		return &core.CompileError{Line: t.Line(), Operation: t.Kind().String(), Reason: reason}
	}
	switch t.Marker {
	case script.BeginMarker:
		if s.tx != nil || s.txAborted {
			return fail("a transaction is already open")
		}
		transactional, ok := s.backend.(backend.Transactional)
		if !ok {
			return backend.Errorf(backend.UnsupportedError, "", "the backend does not support transactions")
		}
		tx, err := transactional.Begin(ctx)
		if err != nil {
			return err
		}
		s.tx, s.txMark = tx, s.ledger.Mark()
		return nil
	case script.CommitMarker:
		if s.txAborted {
			s.txAborted = false
			outcome.Message = "transaction was aborted"
			return nil
		}
		if s.tx == nil {
			return fail("no open transaction")
		}
		tx := s.tx
		s.tx = nil
		if err := tx.Commit(ctx); err != nil {
			s.ledger.Discard(s.txMark)
			return err
		}
		return nil
	default:
		if s.txAborted {
			s.txAborted = false
			outcome.Message = "transaction was aborted"
			return nil
		}
		if s.tx == nil {
			return fail("no open transaction")
		}
		s.abortTransaction(ctx)
		return nil
	}
}

// changeFilter compiles a ledger WHERE. Records expose operationIndex,
// type, collection, _id (also spelled document), tag, line and timestamp.
func (s *RunState) changeFilter(line int, clause script.Clause) (compile.Filter, error) {
	filter, err := s.compiler.Filter(line, "", clause)
	if err != nil {
		return compile.Filter{}, err
	}
	return recordFilter(filter), nil
}

func recordFilter(filter compile.Filter) compile.Filter {
	for i, child := range filter.Children {
		filter.Children[i] = recordFilter(child)
	}
	if filter.Kind != compile.PredicateFilter {
		return filter
	}
	switch strings.ToLower(filter.Field) {
	case "document", "documentid", "key":
		filter.Field = core.IDField
		filter.Value = mapStrings(filter.Value, func(v core.Value) core.Value { return resolve.DetectID(v.Str) })
	case "type":
		filter.Field = "type"
		filter.Value = mapStrings(filter.Value, func(v core.Value) core.Value { return core.String(strings.ToLower(v.Str)) })
	case "operationindex", "index":
		filter.Field = "operationIndex"
	}
	return filter
}

func mapStrings(value core.Value, fn func(core.Value) core.Value) core.Value {
	switch value.Type {
	case core.StringType:
		return fn(value)
	case core.ArrayType:
		items := make([]core.Value, len(value.Items))
		for i, item := range value.Items {
			items[i] = mapStrings(item, fn)
		}
		return core.Array(items...)
	}
	return value
}

func (s *RunState) rollbackChanges(ctx context.Context, r script.RollbackChanges, outcome *Outcome) error {
	if r.Last > 0 {
		report, err := s.ledger.RollbackLast(ctx, s.target(), r.Last)
		s.rolledBack(outcome, report)
		return err
	}
	filter, err := s.changeFilter(r.Line(), r.Filter)
	if err != nil {
		return err
	}
	if r.Verify {
		verification, err := s.ledger.Verify(ctx, s.target(), filter)
		if err != nil {
			return err
		}
		outcome.Count = verification.Records
		if verification.Feasible() {
			outcome.Message = fmt.Sprintf("%d change(s) can be rolled back", verification.Records)
			return nil
		}
		outcome.Message = fmt.Sprintf("%d of %d change(s) cannot be rolled back", len(verification.Problems), verification.Records)
		problems := make([]error, len(verification.Problems))
		for i, problem := range verification.Problems {
			problems[i] = problem
		}
		return errors.Join(problems...)
	}
	report, err := s.ledger.Rollback(ctx, s.target(), filter)
	s.rolledBack(outcome, report)
	return err
}

func (s *RunState) rolledBack(outcome *Outcome, report ledger.Report) {
	outcome.RolledBack = len(report.Applied)
	changesRolledBack.Add(float64(len(report.Applied)))
	s.logger.Info("rolled back", "line", outcome.Line, "records", len(report.Applied), "remaining", s.ledger.Len())
}

func (s *RunState) clearChanges(c script.ClearChanges, outcome *Outcome) error {
	filter, err := s.changeFilter(c.Line(), c.Filter)
	if err != nil {
		return err
	}
	n, err := s.ledger.Clear(filter)
	outcome.Message = fmt.Sprintf("%d change(s) cleared", n)
	return err
}

func (s *RunState) exportChanges(ctx context.Context, e script.ExportChanges, outcome *Outcome) error {
	w, err := openWriter(ctx, e.Target, s.s3)
	if err != nil {
		return fmt.Errorf("export changes to %s: %w", e.Target, err)
	}
	if err := s.ledger.Export(w); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("export changes to %s: %w", e.Target, err)
	}
	outcome.Count = s.ledger.Len()
	outcome.Message = fmt.Sprintf("%d change(s) exported to %s", s.ledger.Len(), e.Target)
	return nil
}

// importChanges re-dispatches exported records, or with REPLAY_CHANGES and
// no source the records consumed by the latest rollback, as fresh tracked
// commands.
func (s *RunState) importChanges(ctx context.Context, i script.ImportChanges, out *RunResult, outcome *Outcome) error {
	var records []ledger.Record
	if i.Source == "" {
		records = s.ledger.Replayable()
	} else {
		r, err := openReader(ctx, i.Source, s.s3)
		if err != nil {
			return fmt.Errorf("import changes from %s: %w", i.Source, err)
		}
		records, err = ledger.Decode(r)
		r.Close()
		if err != nil {
			return err
		}
	}
	commands, err := ledger.ReplayCommands(records)
	if err != nil {
		return err
	}
	for _, cmd := range commands {
		cmd.Line = i.Line()
		replayed := Outcome{Line: i.Line(), Operation: cmd.Kind.String(), Collection: cmd.Collection, Section: s.section}
		err := s.dispatch(ctx, cmd, &replayed)
		outcome.Inserted += replayed.Inserted
		outcome.Modified += replayed.Modified
		outcome.Deleted += replayed.Deleted
		if err != nil {
			return err
		}
	}
	outcome.Count = len(commands)
	outcome.Message = fmt.Sprintf("%d change(s) replayed", len(commands))
	return nil
}

func (s *RunState) outsideTransaction(line int, operation string) error {
	if s.tx != nil || s.txAborted {
		return &core.CompileError{Line: line, Operation: operation, Reason: "not allowed inside a transaction"}
	}
	return nil
}

func (s *RunState) snapshot(ctx context.Context, snap script.Snapshot, outcome *Outcome) error {
	if err := s.outsideTransaction(snap.Line(), snap.Kind().String()); err != nil {
		return err
	}
	snapshotter, ok := s.backend.(backend.Snapshotter)
	if !ok {
		return backend.Errorf(backend.UnsupportedError, "", "the backend does not support snapshots")
	}
	if snap.Restore {
		if s.ledger.Len() > 0 {
			s.logger.Warn("restoring a snapshot does not update the change ledger", "line", snap.Line(), "records", s.ledger.Len())
		}
		outcome.Message = "restored snapshot " + snap.Name
		return snapshotter.RestoreSnapshot(ctx, snap.Name)
	}
	outcome.Message = "created snapshot " + snap.Name
	return snapshotter.Snapshot(ctx, snap.Name)
}

func (s *RunState) backup(ctx context.Context, b script.Backup, outcome *Outcome) error {
	if err := s.outsideTransaction(b.Line(), b.Kind().String()); err != nil {
		return err
	}
	copier, ok := s.backend.(backend.Copier)
	if !ok {
		return backend.Errorf(backend.UnsupportedError, b.Collection, "the backend does not support backups")
	}
	if b.Restore {
		outcome.Message = "restored from " + b.Name
		return copier.Restore(ctx, b.Collection, b.Name)
	}
	outcome.Message = "backed up to " + b.Name
	return copier.Backup(ctx, b.Collection, b.Name)
}
