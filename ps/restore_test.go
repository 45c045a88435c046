package ps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotAndRestore(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.SaveRecord("users", map[string][]byte{"s:1": []byte(`{"v":1}`)}, testIdentity)
	require.NoError(t, err)
	require.NoError(t, p.Snapshot("v1", nil))

	_, err = p.SaveRecord("users", map[string][]byte{"s:1": []byte(`{"v":2}`), "s:2": []byte(`{}`)}, testIdentity)
	require.NoError(t, err)

	txn, err := p.RestoreSnapshot("v1", testIdentity)
	require.NoError(t, err)
	assert.Equal(t, "Restoring snapshot v1", txn.Message)

	data, ok := p.GetRecord("users", "s:1")
	require.True(t, ok)
	assert.Equal(t, `{"v":1}`, string(data))
	assert.Equal(t, []string{"s:1"}, p.ListRecordKeys("users"))

	history, err := p.History(0)
	require.NoError(t, err)
	assert.Len(t, history, 3, "restoring adds a commit instead of rewriting history")

	names, err := p.Snapshots()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, names)
}

func TestSnapshotErrors(t *testing.T) {
	p := newTestPersistence(t)

	assert.Error(t, p.Snapshot("empty", nil))

	_, err := p.CreateCollection(Collection{Name: "users"}, testIdentity)
	require.NoError(t, err)
	require.NoError(t, p.Snapshot("v1", nil))
	assert.ErrorIs(t, p.Snapshot("v1", nil), ErrSnapshotExists)

	_, err = p.RestoreSnapshot("missing", testIdentity)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestSnapshotAtTransaction(t *testing.T) {
	p := newTestPersistence(t)

	first, err := p.SaveRecord("users", map[string][]byte{"s:1": []byte(`{}`)}, testIdentity)
	require.NoError(t, err)
	_, err = p.SaveRecord("users", map[string][]byte{"s:2": []byte(`{}`)}, testIdentity)
	require.NoError(t, err)

	require.NoError(t, p.Snapshot("first", &first))
	_, err = p.RestoreSnapshot("first", testIdentity)
	require.NoError(t, err)

	assert.Equal(t, []string{"s:1"}, p.ListRecordKeys("users"))
}

func TestBackupAndRestore(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.SaveRecord("users", map[string][]byte{"s:1": []byte(`{"v":1}`)}, testIdentity)
	require.NoError(t, err)

	_, err = p.Backup("users", "before", testIdentity)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, p.ListCollections(), "backups are not collections")

	_, err = p.SaveRecord("users", map[string][]byte{"s:1": []byte(`{"v":2}`), "s:2": []byte(`{}`)}, testIdentity)
	require.NoError(t, err)

	_, err = p.Restore("users", "before", testIdentity)
	require.NoError(t, err)

	data, ok := p.GetRecord("users", "s:1")
	require.True(t, ok)
	assert.Equal(t, `{"v":1}`, string(data))
	assert.Equal(t, []string{"s:1"}, p.ListRecordKeys("users"))

	_, err = p.Restore("users", "missing", testIdentity)
	assert.ErrorIs(t, err, ErrBackupNotFound)

	_, err = p.Backup("orders", "before", testIdentity)
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestBackupOfEmptyCollection(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.CreateCollection(Collection{Name: "users"}, testIdentity)
	require.NoError(t, err)
	_, err = p.Backup("users", "empty", testIdentity)
	require.NoError(t, err)

	_, err = p.SaveRecord("users", map[string][]byte{"s:1": []byte(`{}`)}, testIdentity)
	require.NoError(t, err)

	_, err = p.Restore("users", "empty", testIdentity)
	require.NoError(t, err)
	assert.Empty(t, p.ListRecordKeys("users"))
	assert.True(t, p.CollectionExists("users"))
}
