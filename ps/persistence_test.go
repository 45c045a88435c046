package ps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickyhof/dotdata/core"
)

var testIdentity = core.Identity{Name: "test", Email: "test@test.com"}

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()
	p, err := NewMemoryPersistence()
	require.NoError(t, err)
	return p
}

func TestNewMemoryPersistence(t *testing.T) {
	p := newTestPersistence(t)
	assert.True(t, p.IsInitialized())
	assert.Empty(t, p.ListCollections())
	assert.Equal(t, Transaction{}, p.LatestTransaction())
}

func TestPersistenceNotInitialized(t *testing.T) {
	var p *Persistence
	_, err := p.CreateCollection(Collection{Name: "users"}, testIdentity)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, ok := p.GetRecord("users", "s:1")
	assert.False(t, ok)
}

func TestCreateAndGetCollection(t *testing.T) {
	p := newTestPersistence(t)

	txn, err := p.CreateCollection(Collection{Name: "users"}, testIdentity)
	require.NoError(t, err)
	assert.NotEmpty(t, txn.Id)
	assert.Equal(t, "test <test@test.com>", txn.Author)

	c, err := p.GetCollection("users")
	require.NoError(t, err)
	assert.Equal(t, "users", c.Name)
	assert.False(t, c.Created.IsZero())

	_, err = p.CreateCollection(Collection{Name: "users"}, testIdentity)
	assert.ErrorIs(t, err, ErrCollectionExists)

	_, err = p.GetCollection("orders")
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestSaveAndGetRecord(t *testing.T) {
	p := newTestPersistence(t)

	records := map[string][]byte{
		"s:alice":     []byte(`{"_id":"alice"}`),
		"s:a/b":       []byte(`{"_id":"a/b"}`),
		"oid:65f0aa1": []byte(`{"_id":{"$oid":"65f0aa1"}}`),
	}
	txn, err := p.SaveRecord("users", records, testIdentity)
	require.NoError(t, err)
	assert.NotEmpty(t, txn.Id)

	for key, want := range records {
		got, ok := p.GetRecord("users", key)
		require.True(t, ok, key)
		assert.Equal(t, string(want), string(got))
	}

	assert.ElementsMatch(t, []string{"s:alice", "s:a/b", "oid:65f0aa1"}, p.ListRecordKeys("users"))
	assert.True(t, p.CollectionExists("users"), "metadata is written on first insert")
	assert.Equal(t, []string{"users"}, p.ListCollections())
}

func TestUpdateExistingRecord(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.SaveRecord("users", map[string][]byte{"s:1": []byte(`{"v":1}`)}, testIdentity)
	require.NoError(t, err)
	_, err = p.SaveRecord("users", map[string][]byte{"s:1": []byte(`{"v":2}`)}, testIdentity)
	require.NoError(t, err)

	data, ok := p.GetRecord("users", "s:1")
	require.True(t, ok)
	assert.Equal(t, `{"v":2}`, string(data))
	assert.Len(t, p.ListRecordKeys("users"), 1)
}

func TestDeleteRecord(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.SaveRecord("users", map[string][]byte{"s:1": []byte(`{}`), "s:2": []byte(`{}`)}, testIdentity)
	require.NoError(t, err)

	_, err = p.DeleteRecord("users", "s:1", testIdentity)
	require.NoError(t, err)

	_, ok := p.GetRecord("users", "s:1")
	assert.False(t, ok)
	assert.Equal(t, []string{"s:2"}, p.ListRecordKeys("users"))
}

func TestDropCollection(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.SaveRecord("users", map[string][]byte{"s:1": []byte(`{}`)}, testIdentity)
	require.NoError(t, err)
	_, err = p.SaveRecord("orders", map[string][]byte{"n:1": []byte(`{}`)}, testIdentity)
	require.NoError(t, err)

	_, err = p.DropCollection("users", testIdentity)
	require.NoError(t, err)

	assert.Equal(t, []string{"orders"}, p.ListCollections())
	assert.Empty(t, p.ListRecordKeys("users"))

	_, err = p.DropCollection("users", testIdentity)
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestScan(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.SaveRecord("users", map[string][]byte{
		"n:1": []byte(`1`),
		"n:2": []byte(`2`),
		"n:3": []byte(`3`),
	}, testIdentity)
	require.NoError(t, err)

	var seen []string
	for key := range p.Scan("users", func(key string, value []byte) bool { return string(value) != "2" }) {
		seen = append(seen, key)
	}
	assert.Equal(t, []string{"n:1", "n:3"}, seen)
}

func TestHistory(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.CreateCollection(Collection{Name: "users"}, testIdentity)
	require.NoError(t, err)
	_, err = p.SaveRecord("users", map[string][]byte{"s:1": []byte(`{}`)}, testIdentity)
	require.NoError(t, err)

	history, err := p.History(0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Saving 1 record(s) in users", history[0].Message)
	assert.Equal(t, "Creating collection users", history[1].Message)
	assert.Equal(t, p.LatestTransaction().Id, history[0].Id)

	latest, err := p.History(1)
	require.NoError(t, err)
	assert.Len(t, latest, 1)
}

func TestCollectionIndexes(t *testing.T) {
	c := Collection{Name: "users"}

	added, err := c.AddIndex(Index{Keys: []IndexKey{{Field: "email"}}, Unique: true})
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, "email_1", c.Indexes[0].Name)

	added, err = c.AddIndex(Index{Keys: []IndexKey{{Field: "email"}}, Unique: true})
	require.NoError(t, err)
	assert.False(t, added)

	_, err = c.AddIndex(Index{Keys: []IndexKey{{Field: "email"}}})
	assert.ErrorIs(t, err, ErrIndexConflict)

	_, err = c.AddIndex(Index{Keys: []IndexKey{{Field: "age", Descending: true}, {Field: "name"}}})
	require.NoError(t, err)
	assert.Equal(t, "age_-1_name_1", c.Indexes[1].Name)
	assert.Len(t, c.UniqueIndexes(), 1)
}
