package ps

import (
	"fmt"
	"net/url"
	"slices"
	"sort"
	"time"

	"github.com/nickyhof/dotdata/core"
)

// Operation represents a single write operation in a transaction
type Operation struct {
	Type       OperationType
	Collection string
	Key        string
	Data       []byte
	Meta       *Collection
}

type OperationType int

const (
	WriteOp OperationType = iota
	DeleteOp
	MetaOp
	DropOp
)

// TransactionBuilder batches writes into a single commit. Reads made through
// the builder see its pending writes.
type TransactionBuilder struct {
	persistence *Persistence
	operations  []Operation
	started     bool
}

// BeginTransaction creates a new transaction builder for batching operations
func (p *Persistence) BeginTransaction() (*TransactionBuilder, error) {
	if err := p.ensureInitialized(); err != nil {
		return nil, err
	}

	return &TransactionBuilder{
		persistence: p,
		operations:  make([]Operation, 0),
		started:     true,
	}, nil
}

func (tb *TransactionBuilder) add(op Operation) error {
	if !tb.started {
		return ErrTransactionFinished
	}
	tb.operations = append(tb.operations, op)
	return nil
}

// AddWrite adds a record write to the batch
func (tb *TransactionBuilder) AddWrite(collection, key string, data []byte) error {
	return tb.add(Operation{Type: WriteOp, Collection: collection, Key: key, Data: data})
}

// AddDelete adds a record delete to the batch
func (tb *TransactionBuilder) AddDelete(collection, key string) error {
	return tb.add(Operation{Type: DeleteOp, Collection: collection, Key: key})
}

// AddCollection writes collection metadata, creating or replacing it.
func (tb *TransactionBuilder) AddCollection(c Collection) error {
	if c.Created.IsZero() {
		c.Created = time.Now().UTC()
	}
	return tb.add(Operation{Type: MetaOp, Collection: c.Name, Meta: &c})
}

// AddDrop removes a collection and all of its records.
func (tb *TransactionBuilder) AddDrop(collection string) error {
	return tb.add(Operation{Type: DropOp, Collection: collection})
}

// GetRecord reads a record as it will be after the batch commits.
func (tb *TransactionBuilder) GetRecord(collection, key string) ([]byte, bool) {
	for i := len(tb.operations) - 1; i >= 0; i-- {
		op := tb.operations[i]
		if op.Collection != collection {
			continue
		}
		switch op.Type {
		case DropOp:
			return nil, false
		case WriteOp:
			if op.Key == key {
				return op.Data, true
			}
		case DeleteOp:
			if op.Key == key {
				return nil, false
			}
		}
	}
	return tb.persistence.GetRecord(collection, key)
}

// ListRecordKeys lists a collection's keys as they will be after the batch
// commits, in tree order.
func (tb *TransactionBuilder) ListRecordKeys(collection string) []string {
	present := make(map[string]bool)
	for _, key := range tb.persistence.ListRecordKeys(collection) {
		present[key] = true
	}

	for _, op := range tb.operations {
		if op.Collection != collection {
			continue
		}
		switch op.Type {
		case DropOp:
			clear(present)
		case WriteOp:
			present[op.Key] = true
		case DeleteOp:
			delete(present, op.Key)
		}
	}

	keys := make([]string, 0, len(present))
	for key := range present {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return url.PathEscape(keys[i]) < url.PathEscape(keys[j])
	})
	return keys
}

// GetCollection returns collection metadata as it will be after the batch commits.
func (tb *TransactionBuilder) GetCollection(name string) (*Collection, error) {
	for i := len(tb.operations) - 1; i >= 0; i-- {
		op := tb.operations[i]
		if op.Collection != name {
			continue
		}
		switch op.Type {
		case MetaOp:
			c := *op.Meta
			c.Indexes = slices.Clone(c.Indexes)
			return &c, nil
		case DropOp:
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		}
	}
	return tb.persistence.GetCollection(name)
}

// CollectionExists reports whether the collection will exist after the batch commits.
func (tb *TransactionBuilder) CollectionExists(name string) bool {
	for i := len(tb.operations) - 1; i >= 0; i-- {
		op := tb.operations[i]
		if op.Collection != name {
			continue
		}
		switch op.Type {
		case DropOp:
			return false
		case MetaOp, WriteOp:
			return true
		}
	}
	return tb.persistence.CollectionExists(name)
}

// Commit applies all batched operations in a single git commit. An empty
// batch commits nothing and returns the current HEAD transaction.
func (tb *TransactionBuilder) Commit(identity core.Identity, message string) (Transaction, error) {
	if !tb.started {
		return Transaction{}, ErrTransactionFinished
	}
	defer tb.Rollback()

	if len(tb.operations) == 0 {
		return tb.persistence.LatestTransaction(), nil
	}

	p := tb.persistence
	p.mu.Lock()
	defer p.mu.Unlock()

	hasMeta := make(map[string]bool)
	changes := make([]TreeChange, 0, len(tb.operations))
	for _, op := range tb.operations {
		if _, seen := hasMeta[op.Collection]; !seen {
			_, hasMeta[op.Collection] = p.findEntry(metaPath(op.Collection))
		}

		switch op.Type {
		case WriteOp:
			if !hasMeta[op.Collection] {
				change, err := p.metaChange(Collection{Name: op.Collection, Created: time.Now().UTC()})
				if err != nil {
					return Transaction{}, err
				}
				changes = append(changes, change)
				hasMeta[op.Collection] = true
			}
			blobHash, err := p.createBlob(op.Data)
			if err != nil {
				return Transaction{}, fmt.Errorf("failed to create blob for %s/%s: %w", op.Collection, op.Key, err)
			}
			changes = append(changes, TreeChange{Path: recordPath(op.Collection, op.Key), Hash: blobHash})
		case DeleteOp:
			changes = append(changes, TreeChange{Path: recordPath(op.Collection, op.Key), IsDelete: true})
		case MetaOp:
			change, err := p.metaChange(*op.Meta)
			if err != nil {
				return Transaction{}, err
			}
			changes = append(changes, change)
			hasMeta[op.Collection] = true
		case DropOp:
			changes = append(changes,
				TreeChange{Path: metaPath(op.Collection), IsDelete: true},
				TreeChange{Path: op.Collection, IsDelete: true})
			hasMeta[op.Collection] = false
		}
	}

	if message == "" {
		message = fmt.Sprintf("Batch transaction: %d operation(s)", len(tb.operations))
	}
	return p.commitChanges(changes, identity, message)
}

// Rollback discards all batched operations without committing
func (tb *TransactionBuilder) Rollback() {
	tb.started = false
	tb.operations = nil
}

// OperationCount returns the number of pending operations
func (tb *TransactionBuilder) OperationCount() int {
	return len(tb.operations)
}
