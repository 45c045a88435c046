package op

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nickyhof/dotdata/backend"
	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/ps"
	"github.com/nickyhof/dotdata/resolve"
)

// Store is the git-backed document store. Every command is one commit
// authored by the store's identity; a transaction is one commit for all of
// its commands.
type Store struct {
	persistence *ps.Persistence
	identity    core.Identity
	now         func() time.Time
}

var (
	_ backend.Backend       = (*Store)(nil)
	_ backend.Transactional = (*Store)(nil)
	_ backend.Snapshotter   = (*Store)(nil)
	_ backend.Copier        = (*Store)(nil)
	_ backend.Lister        = (*Store)(nil)
	_ backend.Transaction   = (*storeTx)(nil)
)

func NewStore(persistence *ps.Persistence, identity core.Identity) *Store {
	return &Store{persistence: persistence, identity: identity, now: time.Now}
}

// WithClock returns a copy of the store that stamps NOW and
// CURRENT_DATE mutations with the given clock.
func (s *Store) WithClock(now func() time.Time) *Store {
	clone := *s
	clone.now = now
	return &clone
}

// WithIdentity returns a copy of the store that authors commits as identity.
func (s *Store) WithIdentity(identity core.Identity) *Store {
	clone := *s
	clone.identity = identity
	return &clone
}

func (s *Store) Persistence() *ps.Persistence {
	return s.persistence
}

// Execute runs cmd in its own batch. Writes an INSERT made before failing
// are still committed, matching what the result reports.
func (s *Store) Execute(ctx context.Context, cmd compile.Command) (backend.Result, error) {
	if err := ctx.Err(); err != nil {
		return backend.Result{}, backend.Wrap(backend.TimeoutError, cmd.Collection, err)
	}
	tb, err := s.persistence.BeginTransaction()
	if err != nil {
		return backend.Result{}, storeError(cmd.Collection, err)
	}
	result, err := executor{tb: tb, now: s.now().UTC()}.execute(cmd)
	if err != nil && tb.OperationCount() == 0 {
		tb.Rollback()
		return result, err
	}
	if _, commitErr := tb.Commit(s.identity, cmd.String()); commitErr != nil {
		return backend.Result{}, storeError(cmd.Collection, commitErr)
	}
	return result, err
}

// ReadBefore returns the committed documents matching filter.
func (s *Store) ReadBefore(ctx context.Context, collection string, filter compile.Filter) ([]core.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.Wrap(backend.TimeoutError, collection, err)
	}
	return readCollection(collection, s.persistence).Find(filter)
}

func (s *Store) Close() error {
	return nil
}

// Begin starts a transaction. Its commands see their own writes and are
// committed together.
func (s *Store) Begin(ctx context.Context) (backend.Transaction, error) {
	tb, err := s.persistence.BeginTransaction()
	if err != nil {
		return nil, storeError("", err)
	}
	return &storeTx{store: s, tb: tb}, nil
}

func (s *Store) Snapshot(ctx context.Context, name string) error {
	return storeError("", s.persistence.Snapshot(name, nil))
}

// RestoreSnapshot commits the snapshot's tree on top of the current
// history.
func (s *Store) RestoreSnapshot(ctx context.Context, name string) error {
	_, err := s.persistence.RestoreSnapshot(name, s.identity)
	return storeError("", err)
}

func (s *Store) Backup(ctx context.Context, collection, name string) error {
	_, err := s.persistence.Backup(collection, name, s.identity)
	return storeError(collection, err)
}

func (s *Store) Restore(ctx context.Context, collection, name string) error {
	_, err := s.persistence.Restore(collection, name, s.identity)
	return storeError(collection, err)
}

func (s *Store) Collections(ctx context.Context) ([]string, error) {
	if !s.persistence.IsInitialized() {
		return nil, storeError("", ps.ErrNotInitialized)
	}
	return s.persistence.ListCollections(), nil
}

// storeTx queues the writes of every command on one builder.
type storeTx struct {
	store *Store
	tb    *ps.TransactionBuilder
}

func (tx *storeTx) Execute(ctx context.Context, cmd compile.Command) (backend.Result, error) {
	if err := ctx.Err(); err != nil {
		return backend.Result{}, backend.Wrap(backend.TimeoutError, cmd.Collection, err)
	}
	return executor{tb: tx.tb, now: tx.store.now().UTC()}.execute(cmd)
}

func (tx *storeTx) ReadBefore(ctx context.Context, collection string, filter compile.Filter) ([]core.Value, error) {
	return readCollection(collection, tx.tb).Find(filter)
}

func (tx *storeTx) Commit(ctx context.Context) error {
	message := fmt.Sprintf("Transaction: %d operation(s)", tx.tb.OperationCount())
	_, err := tx.tb.Commit(tx.store.identity, message)
	return storeError("", err)
}

func (tx *storeTx) Abort(ctx context.Context) error {
	tx.tb.Rollback()
	return nil
}

func (tx *storeTx) Close() error {
	tx.tb.Rollback()
	return nil
}

// storeError maps persistence errors onto backend error kinds.
func storeError(collection string, err error) error {
	var backendErr *backend.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &backendErr):
		return err
	case errors.Is(err, ps.ErrCollectionNotFound),
		errors.Is(err, ps.ErrSnapshotNotFound),
		errors.Is(err, ps.ErrBackupNotFound):
		return backend.Wrap(backend.NotFoundError, collection, err)
	case errors.Is(err, ps.ErrCollectionExists),
		errors.Is(err, ps.ErrSnapshotExists),
		errors.Is(err, ps.ErrIndexConflict),
		errors.Is(err, ps.ErrTransactionFinished):
		return backend.Wrap(backend.ValidationError, collection, err)
	case errors.Is(err, ps.ErrNotInitialized):
		return backend.Wrap(backend.ConnectionError, collection, err)
	}
	return backend.Wrap(backend.UnknownError, collection, err)
}

type executor struct {
	tb  *ps.TransactionBuilder
	now time.Time
}

func validCollectionName(name string) error {
	switch {
	case name == "":
		return errors.New("collection name is empty")
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("collection name %q must not start with a dot", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("collection name %q contains an invalid character", name)
	case strings.HasSuffix(name, ".collection"):
		return fmt.Errorf("collection name %q is reserved", name)
	}
	return nil
}

func (e executor) execute(cmd compile.Command) (backend.Result, error) {
	if err := validCollectionName(cmd.Collection); err != nil {
		return backend.Result{}, backend.Wrap(backend.ValidationError, cmd.Collection, err)
	}

	switch cmd.Kind {
	case compile.InsertCommand:
		return e.insert(cmd)
	case compile.UpdateCommand:
		return e.update(cmd, false)
	case compile.UpsertCommand:
		return e.update(cmd, true)
	case compile.DeleteCommand:
		return e.delete(cmd)
	case compile.FindCommand:
		return e.find(cmd)
	case compile.CountCommand:
		docs, err := readCollection(cmd.Collection, e.tb).Find(cmd.Filter)
		if err != nil {
			return backend.Result{}, err
		}
		return backend.Result{Count: len(window(docs, cmd.Skip, cmd.Limit))}, nil
	case compile.AggregateCommand:
		return e.aggregate(cmd)
	case compile.CreateIndexCommand:
		return e.createIndex(cmd)
	case compile.CreateCollectionCommand:
		if e.tb.CollectionExists(cmd.Collection) {
			return backend.Result{}, backend.Errorf(backend.ValidationError, cmd.Collection, "collection already exists")
		}
		return backend.Result{}, storeError(cmd.Collection, e.tb.AddCollection(ps.Collection{Name: cmd.Collection, Created: e.now}))
	case compile.DropCollectionCommand:
		if !e.tb.CollectionExists(cmd.Collection) {
			return backend.Result{}, nil
		}
		return backend.Result{}, storeError(cmd.Collection, e.tb.AddDrop(cmd.Collection))
	}
	return backend.Result{}, backend.Errorf(backend.UnsupportedError, cmd.Collection, "unsupported command %s", cmd.Kind)
}

// insert writes documents in order. With ordered = false a failing document
// is skipped and the errors are joined.
func (e executor) insert(cmd compile.Command) (backend.Result, error) {
	coll := writeCollection(cmd.Collection, e.tb)
	unique, err := newUniqueChecker(coll)
	if err != nil {
		return backend.Result{}, err
	}
	ordered := true
	if value, ok := cmd.Options.Get("ordered"); ok && value.Type == core.BooleanType {
		ordered = value.Bool
	}

	var (
		result backend.Result
		errs   []error
	)
	for _, doc := range cmd.Documents {
		id, err := e.insertOne(coll, unique, doc)
		if err != nil {
			errs = append(errs, err)
			if ordered {
				break
			}
			continue
		}
		result.InsertedIDs = append(result.InsertedIDs, id)
	}
	if len(errs) == 1 {
		return result, errs[0]
	}
	return result, errors.Join(errs...)
}

func (e executor) insertOne(coll *CollectionOp, unique *uniqueChecker, doc core.Value) (core.Value, error) {
	if doc.Type != core.ObjectType {
		return core.Value{}, backend.Errorf(backend.ValidationError, coll.Name, "cannot insert a %s", doc.Type)
	}
	id, ok := doc.ID()
	if !ok {
		return core.Value{}, backend.Errorf(backend.ValidationError, coll.Name, "document has no _id")
	}
	_, found, err := coll.Get(id)
	if err != nil {
		return core.Value{}, err
	}
	if found {
		return core.Value{}, duplicateID(coll.Name, id)
	}
	if err := unique.add(doc); err != nil {
		return core.Value{}, err
	}
	return id, coll.Put(doc)
}

// update computes every new document and checks unique indexes before
// queueing any write, so a failing update changes nothing.
func (e executor) update(cmd compile.Command, upsert bool) (backend.Result, error) {
	coll := writeCollection(cmd.Collection, e.tb)
	docs, err := coll.Find(cmd.Filter)
	if err != nil {
		return backend.Result{}, err
	}
	if !cmd.Multi() && len(docs) > 1 {
		docs = docs[:1]
	}
	if len(docs) == 0 {
		if !upsert {
			return backend.Result{}, nil
		}
		return e.insertUpserted(coll, cmd)
	}

	updated := make([]core.Value, len(docs))
	for i, doc := range docs {
		next, err := nextDocument(doc, cmd, e.now)
		if err != nil {
			return backend.Result{}, backend.Wrap(backend.ValidationError, coll.Name, err)
		}
		before, _ := doc.ID()
		if after, ok := next.ID(); !ok || !after.Equal(before) {
			return backend.Result{}, backend.Errorf(backend.ValidationError, coll.Name,
				"performing an update on the path '_id' would modify the immutable field '_id'")
		}
		updated[i] = next
	}

	unique, err := newUniqueChecker(coll)
	if err != nil {
		return backend.Result{}, err
	}
	for _, doc := range docs {
		unique.remove(doc)
	}
	for _, doc := range updated {
		if err := unique.add(doc); err != nil {
			return backend.Result{}, err
		}
	}

	result := backend.Result{Matched: len(docs)}
	for i, doc := range updated {
		if doc.Equal(docs[i]) {
			continue
		}
		if err := coll.Put(doc); err != nil {
			return backend.Result{}, err
		}
		result.Modified++
	}
	return result, nil
}

func nextDocument(doc core.Value, cmd compile.Command, now time.Time) (core.Value, error) {
	if cmd.Replacement != nil {
		if cmd.Replacement.Type != core.ObjectType {
			return core.Value{}, fmt.Errorf("cannot replace a document with a %s", cmd.Replacement.Type)
		}
		return cmd.Replacement.Clone(), nil
	}
	return applyMutations(doc, cmd.Mutations, now)
}

// insertUpserted builds the document of an upsert that matched nothing:
// the filter's equalities, then SET_ON_INSERT, then SET.
func (e executor) insertUpserted(coll *CollectionOp, cmd compile.Command) (backend.Result, error) {
	id, ok := cmd.Filter.ID()
	if !ok {
		generated, err := resolve.Generate(core.ObjectIDType, e.now)
		if err != nil {
			return backend.Result{}, err
		}
		id = generated
	}
	doc := core.Object(core.F(core.IDField, id))
	for _, field := range cmd.Filter.Equalities() {
		if field.Name == core.IDField {
			continue
		}
		if err := doc.SetPath(field.Name, field.Value.Clone()); err != nil {
			return backend.Result{}, backend.Wrap(backend.ValidationError, coll.Name, err)
		}
	}

	doc, err := applyMutations(doc, cmd.SetOnInsert, e.now)
	if err == nil {
		doc, err = applyMutations(doc, cmd.Mutations, e.now)
	}
	if err != nil {
		return backend.Result{}, backend.Wrap(backend.ValidationError, coll.Name, err)
	}
	if after, ok := doc.ID(); !ok || !after.Equal(id) {
		return backend.Result{}, backend.Errorf(backend.ValidationError, coll.Name,
			"performing an update on the path '_id' would modify the immutable field '_id'")
	}

	unique, err := newUniqueChecker(coll)
	if err != nil {
		return backend.Result{}, err
	}
	if _, found, err := coll.Get(id); err != nil {
		return backend.Result{}, err
	} else if found {
		return backend.Result{}, duplicateID(coll.Name, id)
	}
	if err := unique.add(doc); err != nil {
		return backend.Result{}, err
	}
	if err := coll.Put(doc); err != nil {
		return backend.Result{}, err
	}
	return backend.Result{UpsertedID: &id}, nil
}

func (e executor) delete(cmd compile.Command) (backend.Result, error) {
	coll := writeCollection(cmd.Collection, e.tb)
	docs, err := coll.Find(cmd.Filter)
	if err != nil {
		return backend.Result{}, err
	}
	if !cmd.Multi() && len(docs) > 1 {
		docs = docs[:1]
	}
	var result backend.Result
	for _, doc := range docs {
		id, _ := doc.ID()
		if err := coll.Delete(id); err != nil {
			return backend.Result{}, err
		}
		result.Deleted++
	}
	return result, nil
}

func (e executor) find(cmd compile.Command) (backend.Result, error) {
	docs, err := readCollection(cmd.Collection, e.tb).Find(cmd.Filter)
	if err != nil {
		return backend.Result{}, err
	}
	sortDocuments(docs, cmd.Sort)
	docs = window(docs, cmd.Skip, cmd.Limit)
	if len(cmd.Projection) > 0 {
		for i, doc := range docs {
			docs[i] = project(doc, cmd.Projection)
		}
	}
	return backend.Result{Documents: docs, Count: len(docs)}, nil
}

// window applies SKIP then LIMIT; a zero limit means no limit.
func window(docs []core.Value, skip, limit int) []core.Value {
	docs = docs[min(max(skip, 0), len(docs)):]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

func (e executor) aggregate(cmd compile.Command) (backend.Result, error) {
	docs, err := readCollection(cmd.Collection, e.tb).Find(compile.MatchAll())
	if err != nil {
		return backend.Result{}, err
	}
	docs, err = pipeline{reader: e.tb, collection: cmd.Collection}.run(docs, cmd.Pipeline)
	if err != nil {
		var backendErr *backend.Error
		if errors.As(err, &backendErr) {
			return backend.Result{}, err
		}
		return backend.Result{}, backend.Wrap(backend.ValidationError, cmd.Collection, err)
	}
	return backend.Result{Documents: docs, Count: len(docs)}, nil
}

// createIndex records the index in the collection metadata. A unique index
// is refused while existing documents would violate it.
func (e executor) createIndex(cmd compile.Command) (backend.Result, error) {
	if len(cmd.Keys) == 0 {
		return backend.Result{}, backend.Errorf(backend.ValidationError, cmd.Collection, "an index needs at least one field")
	}
	idx := ps.Index{Unique: cmd.Options.Bool("unique"), Sparse: cmd.Options.Bool("sparse")}
	for _, key := range cmd.Keys {
		idx.Keys = append(idx.Keys, ps.IndexKey{Field: key.Field, Descending: key.Descending})
	}
	idx.Name = ps.IndexName(idx.Keys)
	if name, ok := cmd.Options.String("name"); ok && name != "" {
		idx.Name = name
	}

	if idx.Unique {
		coll := readCollection(cmd.Collection, e.tb)
		checker := &uniqueChecker{collection: cmd.Collection, indexes: []*uniqueIndex{{index: idx, owners: map[string]string{}}}}
		for doc, err := range coll.Scan() {
			if err != nil {
				return backend.Result{}, err
			}
			if err := checker.add(doc); err != nil {
				return backend.Result{}, err
			}
		}
	}

	if _, err := e.tb.CreateIndex(cmd.Collection, idx); err != nil {
		return backend.Result{}, storeError(cmd.Collection, err)
	}
	return backend.Result{}, nil
}
