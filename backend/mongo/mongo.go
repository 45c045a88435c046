// Package mongo runs compiled commands against a MongoDB deployment.
//
// Values cross the boundary through ToBSON and FromBSON, so documents read
// back carry the same runtime types the resolver produced. Snapshots and
// backups are server-side copies made with $out into collections whose
// names start with "__dotdata.", which Collections hides.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	driver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nickyhof/dotdata/backend"
	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
)

const (
	internalPrefix    = "__dotdata."
	snapshotManifests = internalPrefix + "snapshots"
)

var (
	_ backend.Backend       = (*Adapter)(nil)
	_ backend.Transactional = (*Adapter)(nil)
	_ backend.Snapshotter   = (*Adapter)(nil)
	_ backend.Copier        = (*Adapter)(nil)
	_ backend.Lister        = (*Adapter)(nil)
	_ backend.Transaction   = (*transaction)(nil)
)

// Adapter executes commands against one database.
type Adapter struct {
	client *driver.Client
	db     *driver.Database
	logger *slog.Logger
	owned  bool
}

// Connect dials uri and pings the server. The returned adapter owns the
// client and disconnects it on Close.
func Connect(ctx context.Context, uri, database string, logger *slog.Logger) (*Adapter, error) {
	if database == "" {
		return nil, backend.Errorf(backend.ValidationError, "", "a database name is required")
	}
	client, err := driver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, backend.Wrap(backend.ConnectionError, "", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, mapError("", err)
	}
	adapter := New(client, database, logger)
	adapter.owned = true
	return adapter, nil
}

// New wraps an existing client. Close leaves the client connected.
func New(client *driver.Client, database string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client: client,
		db:     client.Database(database),
		logger: logger.With("backend", "mongo", "database", database),
	}
}

func (a *Adapter) Close() error {
	if !a.owned {
		return nil
	}
	return a.client.Disconnect(context.Background())
}

func (a *Adapter) Execute(ctx context.Context, cmd compile.Command) (backend.Result, error) {
	if ms, ok := cmd.Options.Int("max_time_ms"); ok && ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}
	start := time.Now()
	result, err := a.execute(ctx, cmd)
	a.logger.Debug("executed", "command", cmd.String(), "line", cmd.Line, "duration", time.Since(start), "error", err)
	return result, mapError(cmd.Collection, err)
}

func (a *Adapter) execute(ctx context.Context, cmd compile.Command) (backend.Result, error) {
	coll := a.db.Collection(cmd.Collection)
	switch cmd.Kind {
	case compile.InsertCommand:
		return insert(ctx, coll, cmd)
	case compile.UpdateCommand, compile.UpsertCommand:
		return update(ctx, coll, cmd, cmd.Kind == compile.UpsertCommand)
	case compile.DeleteCommand:
		return remove(ctx, coll, cmd)
	case compile.FindCommand:
		docs, err := find(ctx, coll, cmd)
		return backend.Result{Documents: docs, Count: len(docs)}, err
	case compile.CountCommand:
		return count(ctx, coll, cmd)
	case compile.AggregateCommand:
		pipeline, err := Pipeline(cmd.Pipeline)
		if err != nil {
			return backend.Result{}, backend.Wrap(backend.ValidationError, cmd.Collection, err)
		}
		cursor, err := coll.Aggregate(ctx, pipeline)
		if err != nil {
			return backend.Result{}, err
		}
		docs, err := decodeAll(ctx, cursor)
		return backend.Result{Documents: docs, Count: len(docs)}, err
	case compile.CreateIndexCommand:
		return backend.Result{}, createIndex(ctx, coll, cmd)
	case compile.CreateCollectionCommand:
		return backend.Result{}, a.db.CreateCollection(ctx, cmd.Collection)
	case compile.DropCollectionCommand:
		return backend.Result{}, coll.Drop(ctx)
	}
	return backend.Result{}, backend.Errorf(backend.UnsupportedError, cmd.Collection, "unsupported command %s", cmd.Kind)
}

func insert(ctx context.Context, coll *driver.Collection, cmd compile.Command) (backend.Result, error) {
	docs := make([]any, len(cmd.Documents))
	for i, doc := range cmd.Documents {
		converted, err := toDocument(doc)
		if err != nil {
			return backend.Result{}, backend.Wrap(backend.ValidationError, cmd.Collection, err)
		}
		docs[i] = converted
	}
	ordered := true
	if value, ok := cmd.Options.Get("ordered"); ok && value.Type == core.BooleanType {
		ordered = value.Bool
	}
	_, err := coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(ordered))
	return backend.Result{InsertedIDs: insertedIDs(cmd.Documents, ordered, err)}, err
}

// insertedIDs lists the documents the server accepted. An ordered insert
// stops at the first failure; an unordered one skips only failed ones.
func insertedIDs(docs []core.Value, ordered bool, err error) []core.Value {
	failed := map[int]bool{}
	if err != nil {
		var bulkErr driver.BulkWriteException
		if !errors.As(err, &bulkErr) {
			return nil
		}
		for _, we := range bulkErr.WriteErrors {
			failed[we.Index] = true
		}
	}
	var ids []core.Value
	for i, doc := range docs {
		if failed[i] {
			if ordered {
				break
			}
			continue
		}
		id, _ := doc.ID()
		ids = append(ids, id)
	}
	return ids
}

func update(ctx context.Context, coll *driver.Collection, cmd compile.Command, upsert bool) (backend.Result, error) {
	filter, err := Filter(cmd.Filter)
	if err != nil {
		return backend.Result{}, backend.Wrap(backend.ValidationError, cmd.Collection, err)
	}
	if cmd.Replacement != nil {
		return replace(ctx, coll, filter, cmd)
	}
	doc, err := Update(cmd.Mutations, cmd.SetOnInsert)
	if err != nil {
		return backend.Result{}, backend.Wrap(backend.UnsupportedError, cmd.Collection, err)
	}
	opts := options.Update().SetUpsert(upsert)

	var res *driver.UpdateResult
	if cmd.Multi() {
		res, err = coll.UpdateMany(ctx, filter, doc, opts)
	} else {
		res, err = coll.UpdateOne(ctx, filter, doc, opts)
	}
	if err != nil {
		return backend.Result{}, err
	}
	result := backend.Result{Matched: int(res.MatchedCount), Modified: int(res.ModifiedCount)}
	if res.UpsertedID != nil {
		id, err := FromBSON(res.UpsertedID)
		if err != nil {
			return result, err
		}
		result.UpsertedID = &id
	}
	return result, nil
}

// replace swaps the first matched document for cmd.Replacement. A
// replacement addresses one document by _id, so multi does not apply.
func replace(ctx context.Context, coll *driver.Collection, filter any, cmd compile.Command) (backend.Result, error) {
	doc, err := toDocument(*cmd.Replacement)
	if err != nil {
		return backend.Result{}, backend.Wrap(backend.ValidationError, cmd.Collection, err)
	}
	res, err := coll.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return backend.Result{}, err
	}
	return backend.Result{Matched: int(res.MatchedCount), Modified: int(res.ModifiedCount)}, nil
}

func remove(ctx context.Context, coll *driver.Collection, cmd compile.Command) (backend.Result, error) {
	filter, err := Filter(cmd.Filter)
	if err != nil {
		return backend.Result{}, backend.Wrap(backend.ValidationError, cmd.Collection, err)
	}
	var res *driver.DeleteResult
	if cmd.Multi() {
		res, err = coll.DeleteMany(ctx, filter)
	} else {
		res, err = coll.DeleteOne(ctx, filter)
	}
	if err != nil {
		return backend.Result{}, err
	}
	return backend.Result{Deleted: int(res.DeletedCount)}, nil
}

func find(ctx context.Context, coll *driver.Collection, cmd compile.Command) ([]core.Value, error) {
	filter, err := Filter(cmd.Filter)
	if err != nil {
		return nil, backend.Wrap(backend.ValidationError, cmd.Collection, err)
	}
	opts := options.Find()
	if len(cmd.Sort) > 0 {
		opts.SetSort(Sort(cmd.Sort))
	}
	if cmd.Skip > 0 {
		opts.SetSkip(int64(cmd.Skip))
	}
	if cmd.Limit > 0 {
		opts.SetLimit(int64(cmd.Limit))
	}
	if len(cmd.Projection) > 0 {
		opts.SetProjection(Projection(cmd.Projection))
	}
	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return decodeAll(ctx, cursor)
}

func count(ctx context.Context, coll *driver.Collection, cmd compile.Command) (backend.Result, error) {
	filter, err := Filter(cmd.Filter)
	if err != nil {
		return backend.Result{}, backend.Wrap(backend.ValidationError, cmd.Collection, err)
	}
	opts := options.Count()
	if cmd.Skip > 0 {
		opts.SetSkip(int64(cmd.Skip))
	}
	if cmd.Limit > 0 {
		opts.SetLimit(int64(cmd.Limit))
	}
	n, err := coll.CountDocuments(ctx, filter, opts)
	return backend.Result{Count: int(n)}, err
}

func createIndex(ctx context.Context, coll *driver.Collection, cmd compile.Command) error {
	if len(cmd.Keys) == 0 {
		return backend.Errorf(backend.ValidationError, cmd.Collection, "an index needs at least one field")
	}
	opts := options.Index()
	if cmd.Options.Bool("unique") {
		opts.SetUnique(true)
	}
	if cmd.Options.Bool("sparse") {
		opts.SetSparse(true)
	}
	if name, ok := cmd.Options.String("name"); ok && name != "" {
		opts.SetName(name)
	}
	_, err := coll.Indexes().CreateOne(ctx, driver.IndexModel{Keys: Sort(cmd.Keys), Options: opts})
	return err
}

func decodeAll(ctx context.Context, cursor *driver.Cursor) ([]core.Value, error) {
	var raw []bson.D
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, err
	}
	docs := make([]core.Value, len(raw))
	for i, doc := range raw {
		converted, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		docs[i] = converted
	}
	return docs, nil
}

func (a *Adapter) ReadBefore(ctx context.Context, collection string, filter compile.Filter) ([]core.Value, error) {
	docs, err := find(ctx, a.db.Collection(collection), compile.Command{Collection: collection, Filter: filter})
	return docs, mapError(collection, err)
}

// Collections lists user collections in name order.
func (a *Adapter) Collections(ctx context.Context) ([]string, error) {
	names, err := a.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, mapError("", err)
	}
	var out []string
	for _, name := range names {
		if strings.HasPrefix(name, internalPrefix) || strings.HasPrefix(name, "system.") {
			continue
		}
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}

func (a *Adapter) exists(ctx context.Context, collection string) (bool, error) {
	names, err := a.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: collection}})
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}

// copyCollection replaces to with the documents of from.
func (a *Adapter) copyCollection(ctx context.Context, from, to string) error {
	cursor, err := a.db.Collection(from).Aggregate(ctx, bson.A{bson.D{{Key: "$out", Value: to}}})
	if err != nil {
		return err
	}
	return cursor.Close(ctx)
}

func backupName(collection, name string) string {
	return internalPrefix + "backup." + name + "." + collection
}

func snapshotName(collection, name string) string {
	return internalPrefix + "snapshot." + name + "." + collection
}

func (a *Adapter) Backup(ctx context.Context, collection, name string) error {
	ok, err := a.exists(ctx, collection)
	if err != nil {
		return mapError(collection, err)
	}
	if !ok {
		return backend.Errorf(backend.NotFoundError, collection, "collection does not exist")
	}
	a.logger.Info("backup", "collection", collection, "name", name)
	return mapError(collection, a.copyCollection(ctx, collection, backupName(collection, name)))
}

func (a *Adapter) Restore(ctx context.Context, collection, name string) error {
	source := backupName(collection, name)
	ok, err := a.exists(ctx, source)
	if err != nil {
		return mapError(collection, err)
	}
	if !ok {
		return backend.Errorf(backend.NotFoundError, collection, "backup %q does not exist", name)
	}
	a.logger.Info("restore", "collection", collection, "name", name)
	return mapError(collection, a.copyCollection(ctx, source, collection))
}

type snapshotManifest struct {
	Name        string    `bson:"_id"`
	Collections []string  `bson:"collections"`
	Created     time.Time `bson:"created"`
}

func (a *Adapter) Snapshot(ctx context.Context, name string) error {
	manifests := a.db.Collection(snapshotManifests)
	n, err := manifests.CountDocuments(ctx, bson.D{{Key: "_id", Value: name}})
	if err != nil {
		return mapError("", err)
	}
	if n > 0 {
		return backend.Errorf(backend.ValidationError, "", "snapshot %q already exists", name)
	}
	collections, err := a.Collections(ctx)
	if err != nil {
		return err
	}
	for _, collection := range collections {
		if err := a.copyCollection(ctx, collection, snapshotName(collection, name)); err != nil {
			return mapError(collection, err)
		}
	}
	manifest := snapshotManifest{Name: name, Collections: collections, Created: time.Now().UTC()}
	if _, err := manifests.InsertOne(ctx, manifest); err != nil {
		return mapError("", err)
	}
	a.logger.Info("snapshot", "name", name, "collections", len(collections))
	return nil
}

// RestoreSnapshot drops collections created after the snapshot and
// replaces the rest with their captured contents.
func (a *Adapter) RestoreSnapshot(ctx context.Context, name string) error {
	var manifest snapshotManifest
	err := a.db.Collection(snapshotManifests).FindOne(ctx, bson.D{{Key: "_id", Value: name}}).Decode(&manifest)
	if errors.Is(err, driver.ErrNoDocuments) {
		return backend.Errorf(backend.NotFoundError, "", "snapshot %q does not exist", name)
	}
	if err != nil {
		return mapError("", err)
	}

	current, err := a.Collections(ctx)
	if err != nil {
		return err
	}
	captured := map[string]bool{}
	for _, collection := range manifest.Collections {
		captured[collection] = true
	}
	for _, collection := range current {
		if captured[collection] {
			continue
		}
		if err := a.db.Collection(collection).Drop(ctx); err != nil {
			return mapError(collection, err)
		}
	}
	for _, collection := range manifest.Collections {
		if err := a.copyCollection(ctx, snapshotName(collection, name), collection); err != nil {
			return mapError(collection, err)
		}
	}
	a.logger.Info("restored snapshot", "name", name, "collections", len(manifest.Collections))
	return nil
}

// Begin starts a multi-document transaction. It needs a replica set or a
// sharded cluster.
func (a *Adapter) Begin(ctx context.Context) (backend.Transaction, error) {
	session, err := a.client.StartSession()
	if err != nil {
		return nil, mapError("", err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, mapError("", err)
	}
	return &transaction{adapter: a, session: session}, nil
}

type transaction struct {
	adapter *Adapter
	session driver.Session
	done    bool
}

func (tx *transaction) context(ctx context.Context) context.Context {
	return driver.NewSessionContext(ctx, tx.session)
}

func (tx *transaction) Execute(ctx context.Context, cmd compile.Command) (backend.Result, error) {
	if tx.done {
		return backend.Result{}, backend.Errorf(backend.ValidationError, cmd.Collection, "transaction already finished")
	}
	switch cmd.Kind {
	case compile.CreateIndexCommand, compile.DropCollectionCommand:
		return backend.Result{}, backend.Errorf(backend.UnsupportedError, cmd.Collection, "%s is not allowed in a transaction", cmd.Kind)
	}
	return tx.adapter.Execute(tx.context(ctx), cmd)
}

func (tx *transaction) ReadBefore(ctx context.Context, collection string, filter compile.Filter) ([]core.Value, error) {
	return tx.adapter.ReadBefore(tx.context(ctx), collection, filter)
}

func (tx *transaction) Commit(ctx context.Context) error {
	if tx.done {
		return backend.Errorf(backend.ValidationError, "", "transaction already finished")
	}
	tx.done = true
	defer tx.session.EndSession(ctx)
	return mapError("", tx.session.CommitTransaction(ctx))
}

func (tx *transaction) Abort(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	defer tx.session.EndSession(ctx)
	return mapError("", tx.session.AbortTransaction(ctx))
}

func (tx *transaction) Close() error {
	return tx.Abort(context.Background())
}

func (a *Adapter) String() string {
	return fmt.Sprintf("mongo(%s)", a.db.Name())
}
