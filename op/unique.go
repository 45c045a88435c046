package op

import (
	"strings"

	"github.com/nickyhof/dotdata/backend"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/ps"
)

// uniqueIndex tracks the keys of one unique index while a command writes.
type uniqueIndex struct {
	index  ps.Index
	owners map[string]string // index key -> _id key
}

type uniqueChecker struct {
	collection string
	indexes    []*uniqueIndex
}

// newUniqueChecker loads the current keys of every unique index of the
// collection. The _id index is implicit.
func newUniqueChecker(op *CollectionOp) (*uniqueChecker, error) {
	meta, err := op.Metadata()
	if err != nil {
		return nil, err
	}
	checker := &uniqueChecker{collection: op.Name}
	unique := meta.UniqueIndexes()
	if len(unique) == 0 {
		return checker, nil
	}
	for _, idx := range unique {
		checker.indexes = append(checker.indexes, &uniqueIndex{index: idx, owners: map[string]string{}})
	}
	for doc, err := range op.Scan() {
		if err != nil {
			return nil, err
		}
		if err := checker.add(doc); err != nil {
			return nil, err
		}
	}
	return checker, nil
}

func indexKey(idx ps.Index, doc core.Value) (string, bool) {
	parts := make([]string, len(idx.Keys))
	present := false
	for i, key := range idx.Keys {
		value, ok := doc.Lookup(key.Field)
		if !ok {
			value = core.Null()
		} else {
			present = true
		}
		parts[i] = value.Key()
	}
	if idx.Sparse && !present {
		return "", false
	}
	return strings.Join(parts, "\x00"), true
}

// add claims doc's index keys, failing on a key owned by another document.
func (c *uniqueChecker) add(doc core.Value) error {
	if err := c.check(doc); err != nil {
		return err
	}
	id, _ := doc.ID()
	for _, idx := range c.indexes {
		if key, ok := indexKey(idx.index, doc); ok {
			idx.owners[key] = id.Key()
		}
	}
	return nil
}

func (c *uniqueChecker) check(doc core.Value) error {
	id, _ := doc.ID()
	for _, idx := range c.indexes {
		key, ok := indexKey(idx.index, doc)
		if !ok {
			continue
		}
		if owner, taken := idx.owners[key]; taken && owner != id.Key() {
			return duplicateKey(c.collection, idx.index, doc)
		}
	}
	return nil
}

// remove releases the keys held by doc.
func (c *uniqueChecker) remove(doc core.Value) {
	id, _ := doc.ID()
	for _, idx := range c.indexes {
		if key, ok := indexKey(idx.index, doc); ok && idx.owners[key] == id.Key() {
			delete(idx.owners, key)
		}
	}
}

func duplicateKey(collection string, idx ps.Index, doc core.Value) *backend.Error {
	var fields []string
	for _, key := range idx.Keys {
		value, ok := doc.Lookup(key.Field)
		if !ok {
			value = core.Null()
		}
		fields = append(fields, key.Field+": "+value.Display())
	}
	return backend.Errorf(backend.DuplicateKeyError, collection,
		"E11000 duplicate key error index: %s dup key: { %s }", idx.Name, strings.Join(fields, ", "))
}

func duplicateID(collection string, id core.Value) *backend.Error {
	return backend.Errorf(backend.DuplicateKeyError, collection,
		"E11000 duplicate key error index: _id_ dup key: { _id: %s }", id.Display())
}
