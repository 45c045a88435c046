package ps

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrIndexConflict = errors.New("index already exists with different options")

// IndexKey is one field of an index, in key order.
type IndexKey struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// Index describes an index stored in collection metadata. Only unique
// indexes change behaviour: the document store rejects writes that would
// duplicate a key.
type Index struct {
	Name   string     `json:"name"`
	Keys   []IndexKey `json:"keys"`
	Unique bool       `json:"unique,omitempty"`
	Sparse bool       `json:"sparse,omitempty"`
}

// IndexName builds the conventional index name, e.g. "email_1_age_-1".
func IndexName(keys []IndexKey) string {
	parts := make([]string, 0, len(keys)*2)
	for _, key := range keys {
		direction := "1"
		if key.Descending {
			direction = "-1"
		}
		parts = append(parts, key.Field, direction)
	}
	return strings.Join(parts, "_")
}

func (idx Index) sameAs(other Index) bool {
	return idx.Unique == other.Unique && idx.Sparse == other.Sparse && slices.Equal(idx.Keys, other.Keys)
}

// AddIndex adds idx to the collection. Re-adding an identical index is a
// no-op that reports false.
func (c *Collection) AddIndex(idx Index) (bool, error) {
	if idx.Name == "" {
		idx.Name = IndexName(idx.Keys)
	}
	for _, existing := range c.Indexes {
		if existing.Name != idx.Name {
			continue
		}
		if existing.sameAs(idx) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrIndexConflict, idx.Name)
	}
	c.Indexes = append(c.Indexes, idx)
	return true, nil
}

// UniqueIndexes returns the collection's unique indexes.
func (c *Collection) UniqueIndexes() []Index {
	var unique []Index
	for _, idx := range c.Indexes {
		if idx.Unique {
			unique = append(unique, idx)
		}
	}
	return unique
}

// CreateIndex records an index in the collection's metadata within the
// batch, creating the collection when needed.
func (tb *TransactionBuilder) CreateIndex(collection string, idx Index) (bool, error) {
	c, err := tb.GetCollection(collection)
	if err != nil {
		if !errors.Is(err, ErrCollectionNotFound) {
			return false, err
		}
		c = &Collection{Name: collection}
	}

	added, err := c.AddIndex(idx)
	if err != nil || !added {
		return false, err
	}
	return true, tb.AddCollection(*c)
}
