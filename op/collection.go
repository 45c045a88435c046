package op

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/nickyhof/dotdata/backend"
	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/ps"
)

// view is the read side shared by *ps.Persistence and *ps.TransactionBuilder.
type view interface {
	GetRecord(collection, key string) ([]byte, bool)
	ListRecordKeys(collection string) []string
	GetCollection(name string) (*ps.Collection, error)
	CollectionExists(name string) bool
}

var (
	_ view = (*ps.Persistence)(nil)
	_ view = (*ps.TransactionBuilder)(nil)
)

var errReadOnly = errors.New("collection opened read-only")

// CollectionOp reads the documents of one collection and queues writes to
// them on a batch. Without a batch it is read-only.
type CollectionOp struct {
	Name   string
	reader view
	batch  *ps.TransactionBuilder
}

func readCollection(name string, reader view) *CollectionOp {
	return &CollectionOp{Name: name, reader: reader}
}

func writeCollection(name string, batch *ps.TransactionBuilder) *CollectionOp {
	return &CollectionOp{Name: name, reader: batch, batch: batch}
}

// Get returns the document stored under the key of id.
func (op *CollectionOp) Get(id core.Value) (core.Value, bool, error) {
	data, ok := op.reader.GetRecord(op.Name, id.Key())
	if !ok {
		return core.Value{}, false, nil
	}
	doc, err := decode(op.Name, data)
	return doc, err == nil, err
}

func (op *CollectionOp) Exists() bool {
	return op.reader.CollectionExists(op.Name)
}

func (op *CollectionOp) Count() int {
	return len(op.Keys())
}

func (op *CollectionOp) Keys() []string {
	return op.reader.ListRecordKeys(op.Name)
}

// Scan yields every document in key order. Undecodable records end the
// scan with an error.
func (op *CollectionOp) Scan() iter.Seq2[core.Value, error] {
	return func(yield func(core.Value, error) bool) {
		for _, key := range op.Keys() {
			data, ok := op.reader.GetRecord(op.Name, key)
			if !ok {
				continue
			}
			doc, err := decode(op.Name, data)
			if !yield(doc, err) || err != nil {
				return
			}
		}
	}
}

// Find returns the documents matching filter in key order.
func (op *CollectionOp) Find(filter compile.Filter) ([]core.Value, error) {
	var docs []core.Value
	for doc, err := range op.Scan() {
		if err != nil {
			return nil, err
		}
		ok, err := filter.Matches(doc)
		if err != nil {
			return nil, backend.Wrap(backend.ValidationError, op.Name, err)
		}
		if ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// Put writes a document under the key of its _id.
func (op *CollectionOp) Put(doc core.Value) error {
	id, ok := doc.ID()
	if !ok {
		return backend.Errorf(backend.ValidationError, op.Name, "document has no _id")
	}
	if op.batch == nil {
		return errReadOnly
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return backend.Wrap(backend.ValidationError, op.Name, err)
	}
	return op.batch.AddWrite(op.Name, id.Key(), data)
}

func (op *CollectionOp) Delete(id core.Value) error {
	if op.batch == nil {
		return errReadOnly
	}
	return op.batch.AddDelete(op.Name, id.Key())
}

// Metadata returns the collection's metadata, or an empty description when
// the collection does not exist yet.
func (op *CollectionOp) Metadata() (ps.Collection, error) {
	c, err := op.reader.GetCollection(op.Name)
	if errors.Is(err, ps.ErrCollectionNotFound) {
		return ps.Collection{Name: op.Name}, nil
	}
	if err != nil {
		return ps.Collection{}, err
	}
	return *c, nil
}

func decode(collection string, data []byte) (core.Value, error) {
	doc, err := core.ParseDocument(data)
	if err != nil {
		return core.Value{}, backend.Wrap(backend.UnknownError, collection, fmt.Errorf("corrupt document: %w", err))
	}
	return doc, nil
}
