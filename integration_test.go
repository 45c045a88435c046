package dotdata

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickyhof/dotdata/config"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/db"
	"github.com/nickyhof/dotdata/ps"
)

var testIdentity = core.Identity{Name: "test", Email: "test@test.com"}

// TestFunc is the signature for test functions that work with any persistence
type TestFunc func(t *testing.T, instance *Instance, engine *db.Engine)

// runWithBothPersistence runs a test function with both memory and file persistence
func runWithBothPersistence(t *testing.T, testFunc TestFunc) {
	quiet := db.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	t.Run("Memory", func(t *testing.T) {
		persistence, err := ps.NewMemoryPersistence()
		require.NoError(t, err)
		instance := Open(persistence).WithOptions(quiet)
		testFunc(t, instance, instance.Engine(testIdentity))
	})

	t.Run("File", func(t *testing.T) {
		persistence, err := ps.NewFilePersistence(t.TempDir(), nil)
		require.NoError(t, err)
		instance := Open(persistence).WithOptions(quiet)
		testFunc(t, instance, instance.Engine(testIdentity))
	})
}

const seedScript = `=== Seed ===
@CHANGE_TAG = "seed"
@COLLECTION_ID_TYPE employees = Number
INSERT employees [{"_id": 1, "name": "Alice", "department": "Engineering", "salary": 80000}, {"_id": 2, "name": "Bob", "department": "Engineering", "salary": 75000}, {"_id": 3, "name": "Charlie", "department": "Sales", "salary": 60000}]
INSERT departments {"_id": "eng", "name": "Engineering"}
CREATE_INDEX employees ON name UNIQUE
`

func TestIntegrationWorkflow(t *testing.T) {
	runWithBothPersistence(t, func(t *testing.T, instance *Instance, engine *db.Engine) {
		ctx := context.Background()
		session := engine.NewSession()
		defer session.Close(ctx)

		result, err := session.Execute(ctx, seedScript)
		require.NoError(t, err)
		assert.Equal(t, []string{"Seed"}, result.Sections)

		result, err = session.Execute(ctx, `=== Raises ===
@CHANGE_TAG = "raise"
UPDATE employees WHERE department = "Engineering" SET salary *= 1.1
COUNT employees WHERE salary > 80000
AGGREGATE employees PIPELINE GROUP BY department: total = SUM(salary), n = COUNT() | SORT n DESC`)
		require.NoError(t, err)
		queries := result.Queries()
		require.Len(t, queries, 2)
		assert.Equal(t, 2, queries[0].Count)
		require.Len(t, queries[1].Documents, 2)
		n, _ := queries[1].Documents[0].Get("n")
		assert.Equal(t, float64(2), n.Num)

		_, err = session.Execute(ctx, `INSERT employees {"_id": 4, "name": "Alice"}`)
		require.Error(t, err)
		assert.Equal(t, "DuplicateKeyError", db.ErrorKind(err))

		result, err = session.Execute(ctx, `ROLLBACK_CHANGES WHERE tag = "raise"
FIND employees WHERE _id = 1`)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Outcomes[0].RolledBack)
		salary, _ := result.Last().Documents[0].Get("salary")
		assert.Equal(t, float64(80000), salary.Num)

		result, err = session.Execute(ctx, `ROLLBACK_CHANGES
COUNT employees
COUNT departments`)
		require.NoError(t, err)
		assert.Zero(t, result.Outcomes[1].Count)
		assert.Zero(t, result.Outcomes[2].Count)
		assert.Zero(t, session.Ledger().Len())

		repository, err := instance.Repository()
		require.NoError(t, err)
		assert.Equal(t, "test <test@test.com>", repository.LatestTransaction().Author)
	})
}

func TestIntegrationTransactionsAreOneCommit(t *testing.T) {
	runWithBothPersistence(t, func(t *testing.T, instance *Instance, engine *db.Engine) {
		ctx := context.Background()
		_, err := engine.Run(ctx, `INSERT users {"_id": "u0"}`)
		require.NoError(t, err)

		repository, err := instance.Repository()
		require.NoError(t, err)
		before, err := repository.History(0)
		require.NoError(t, err)

		_, err = engine.Run(ctx, `BEGIN_TRANSACTION
INSERT users {"_id": "u1"}
INSERT users {"_id": "u2"}
UPDATE users WHERE _id = "u1" SET active = true
COMMIT_TRANSACTION`)
		require.NoError(t, err)

		after, err := repository.History(0)
		require.NoError(t, err)
		assert.Len(t, after, len(before)+1)
		assert.True(t, strings.HasPrefix(after[0].Message, "Transaction"), after[0].Message)
	})
}

func TestIntegrationSnapshotKeepsHistory(t *testing.T) {
	runWithBothPersistence(t, func(t *testing.T, instance *Instance, engine *db.Engine) {
		ctx := context.Background()
		_, err := engine.Run(ctx, `INSERT users {"_id": "u1"}
SNAPSHOT "v1"
INSERT users {"_id": "u2"}`)
		require.NoError(t, err)

		repository, err := instance.Repository()
		require.NoError(t, err)
		before, err := repository.History(0)
		require.NoError(t, err)

		result, err := engine.Run(ctx, `RESTORE_SNAPSHOT "v1"
COUNT users`)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Last().Count)

		after, err := repository.History(0)
		require.NoError(t, err)
		assert.Greater(t, len(after), len(before))

		snapshots, err := repository.Snapshots()
		require.NoError(t, err)
		assert.Contains(t, snapshots, "v1")
	})
}

func TestConnectFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Dir = t.TempDir()
	cfg.Identity = config.Identity{Name: "Config User", Email: "config@test.com"}

	instance, err := Connect(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer instance.Close()

	_, err = instance.Engine(cfg.CommitIdentity()).Run(context.Background(), `INSERT users {"_id": "u1"}`)
	require.NoError(t, err)

	repository, err := instance.Repository()
	require.NoError(t, err)
	assert.Equal(t, "Config User <config@test.com>", repository.LatestTransaction().Author)
}

func TestRepositoryNeedsGit(t *testing.T) {
	instance := &Instance{}
	_, err := instance.Repository()
	assert.ErrorIs(t, err, ErrNoRepository)
}
