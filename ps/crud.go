package ps

import (
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v6/plumbing/filemode"
	"github.com/nickyhof/dotdata/core"
)

const (
	collectionSuffix = ".collection"
	backupDir        = ".backups"
)

// Collection is the metadata file stored next to a collection's directory.
type Collection struct {
	Name    string    `json:"name"`
	Indexes []Index   `json:"indexes,omitempty"`
	Created time.Time `json:"created"`
}

func metaPath(collection string) string {
	return collection + collectionSuffix
}

// recordPath escapes key so that any _id key is a single path segment.
func recordPath(collection, key string) string {
	return path.Join(collection, url.PathEscape(key))
}

func (p *Persistence) metaChange(c Collection) (TreeChange, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return TreeChange{}, fmt.Errorf("failed to marshal collection: %w", err)
	}
	hash, err := p.createBlob(data)
	if err != nil {
		return TreeChange{}, err
	}
	return TreeChange{Path: metaPath(c.Name), Hash: hash}, nil
}

func (p *Persistence) getCollection(name string) (*Collection, error) {
	data, ok := p.readFile(metaPath(name))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}

	var c Collection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal collection %s: %w", name, err)
	}
	return &c, nil
}

func (p *Persistence) collectionExists(name string) bool {
	if _, ok := p.findEntry(metaPath(name)); ok {
		return true
	}
	entry, ok := p.findEntry(name)
	return ok && entry.Mode == filemode.Dir
}

// CreateCollection writes the collection's metadata. It fails with
// ErrCollectionExists when the collection is already present.
func (p *Persistence) CreateCollection(c Collection, identity core.Identity) (Transaction, error) {
	if err := p.ensureInitialized(); err != nil {
		return Transaction{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.collectionExists(c.Name) {
		return Transaction{}, fmt.Errorf("%w: %s", ErrCollectionExists, c.Name)
	}
	if c.Created.IsZero() {
		c.Created = time.Now().UTC()
	}

	change, err := p.metaChange(c)
	if err != nil {
		return Transaction{}, err
	}
	return p.commitChanges([]TreeChange{change}, identity, "Creating collection "+c.Name)
}

func (p *Persistence) GetCollection(name string) (*Collection, error) {
	if err := p.ensureInitialized(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.getCollection(name)
}

// CollectionExists reports whether the collection has metadata or documents.
func (p *Persistence) CollectionExists(name string) bool {
	if !p.IsInitialized() {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collectionExists(name)
}

// DropCollection removes the collection's metadata and all of its documents.
func (p *Persistence) DropCollection(name string, identity core.Identity) (Transaction, error) {
	if err := p.ensureInitialized(); err != nil {
		return Transaction{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.collectionExists(name) {
		return Transaction{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}

	changes := []TreeChange{
		{Path: metaPath(name), IsDelete: true},
		{Path: name, IsDelete: true},
	}
	return p.commitChanges(changes, identity, "Dropping collection "+name)
}

// ListCollections returns the sorted names of all collections.
func (p *Persistence) ListCollections() []string {
	if !p.IsInitialized() {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	set := make(map[string]bool)
	for _, entry := range p.listEntries(".") {
		switch {
		case strings.HasPrefix(entry.Name, "."):
		case entry.IsDir:
			set[entry.Name] = true
		case strings.HasSuffix(entry.Name, collectionSuffix):
			set[strings.TrimSuffix(entry.Name, collectionSuffix)] = true
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SaveRecord writes records (key -> document bytes) in one commit, creating
// the collection's metadata on first use.
func (p *Persistence) SaveRecord(collection string, records map[string][]byte, identity core.Identity) (Transaction, error) {
	tb, err := p.BeginTransaction()
	if err != nil {
		return Transaction{}, err
	}

	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := tb.AddWrite(collection, key, records[key]); err != nil {
			return Transaction{}, err
		}
	}
	return tb.Commit(identity, fmt.Sprintf("Saving %d record(s) in %s", len(records), collection))
}

func (p *Persistence) DeleteRecord(collection, key string, identity core.Identity) (Transaction, error) {
	tb, err := p.BeginTransaction()
	if err != nil {
		return Transaction{}, err
	}
	if err := tb.AddDelete(collection, key); err != nil {
		return Transaction{}, err
	}
	return tb.Commit(identity, "Deleting record from "+collection)
}

func (p *Persistence) GetRecord(collection, key string) ([]byte, bool) {
	if !p.IsInitialized() {
		return nil, false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readFile(recordPath(collection, key))
}

// ListRecordKeys returns the unescaped keys of a collection in tree order.
func (p *Persistence) ListRecordKeys(collection string) []string {
	if !p.IsInitialized() {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.listRecordKeys(collection)
}

func (p *Persistence) listRecordKeys(collection string) []string {
	var keys []string
	for _, entry := range p.listEntries(collection) {
		if entry.IsDir {
			continue
		}
		key, err := url.PathUnescape(entry.Name)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// Scan iterates over a collection's records. A nil filter yields every record.
func (p *Persistence) Scan(collection string, filter func(key string, value []byte) bool) iter.Seq2[string, []byte] {
	keys := p.ListRecordKeys(collection)

	return func(yield func(key string, value []byte) bool) {
		for _, key := range keys {
			value, ok := p.GetRecord(collection, key)
			if !ok {
				continue
			}

			if filter != nil && !filter(key, value) {
				continue
			}

			if !yield(key, value) {
				return
			}
		}
	}
}
