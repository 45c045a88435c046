package db

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickyhof/dotdata/backend"
	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/op"
	"github.com/nickyhof/dotdata/ps"
	"github.com/nickyhof/dotdata/resolve"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func setupTestEngine(t *testing.T) *Engine {
	t.Helper()
	persistence, err := ps.NewMemoryPersistence()
	require.NoError(t, err)

	clock := func() time.Time { return testNow }
	store := op.NewStore(persistence, core.Identity{Name: "test", Email: "test@test.com"}).WithClock(clock)
	return NewEngine(store, Options{
		Resolve: resolve.Options{Now: clock, Seed: 1},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func mustRun(t *testing.T, engine *Engine, source string) *RunResult {
	t.Helper()
	result, err := engine.Run(context.Background(), source)
	require.NoError(t, err)
	return result
}

func mustExecute(t *testing.T, session *Session, source string) *RunResult {
	t.Helper()
	result, err := session.Execute(context.Background(), source)
	require.NoError(t, err)
	return result
}

// findByID returns the document of collection with a string _id.
func findByID(t *testing.T, engine *Engine, collection, id string) (core.Value, bool) {
	t.Helper()
	result := mustRun(t, engine, fmt.Sprintf(`FIND %s WHERE _id = %q`, collection, id))
	docs := result.Last().Documents
	require.LessOrEqual(t, len(docs), 1)
	if len(docs) == 0 {
		return core.Value{}, false
	}
	return docs[0], true
}

func assertPresent(t *testing.T, engine *Engine, collection string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, ok := findByID(t, engine, collection, id)
		assert.True(t, ok, "%s[%s] should exist", collection, id)
	}
}

func assertAbsent(t *testing.T, engine *Engine, collection string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, ok := findByID(t, engine, collection, id)
		assert.False(t, ok, "%s[%s] should not exist", collection, id)
	}
}

func TestEngineRollbackScenarios(t *testing.T) {
	tests := []struct {
		name   string
		setup  string
		source string
		check  func(t *testing.T, engine *Engine)
	}{
		{
			name:   "insert",
			source: "INSERT users {\"_id\": \"u1\", \"email\": \"a@test.com\"}\nROLLBACK_CHANGES",
			check: func(t *testing.T, engine *Engine) {
				assertAbsent(t, engine, "users", "u1")
			},
		},
		{
			name:   "update",
			setup:  `INSERT users {"_id": "u1", "email": "a@test.com"}`,
			source: "UPDATE users WHERE _id = \"u1\" SET email = \"b@test.com\"\nROLLBACK_CHANGES",
			check: func(t *testing.T, engine *Engine) {
				doc, ok := findByID(t, engine, "users", "u1")
				require.True(t, ok)
				email, _ := doc.Get("email")
				assert.Equal(t, "a@test.com", email.Str)
			},
		},
		{
			name:   "update of a missing field",
			setup:  `INSERT users {"_id": "u1"}`,
			source: "UPDATE users WHERE _id = \"u1\" SET email = \"b@test.com\"\nROLLBACK_CHANGES",
			check: func(t *testing.T, engine *Engine) {
				doc, ok := findByID(t, engine, "users", "u1")
				require.True(t, ok)
				_, hasEmail := doc.Get("email")
				assert.False(t, hasEmail)
			},
		},
		{
			name:   "delete",
			setup:  `INSERT users {"_id": "u1", "email": "a@test.com", "roles": ["admin"], "profile": {"age": 30}}`,
			source: "DELETE users WHERE _id = \"u1\"\nROLLBACK_CHANGES",
			check: func(t *testing.T, engine *Engine) {
				doc, ok := findByID(t, engine, "users", "u1")
				require.True(t, ok)
				want := core.Object(
					core.F("_id", core.String("u1")),
					core.F("email", core.String("a@test.com")),
					core.F("roles", core.Array(core.String("admin"))),
					core.F("profile", core.Object(core.F("age", core.Number(30)))),
				)
				if diff := cmp.Diff(want.Display(), doc.Display()); diff != "" {
					t.Errorf("restored document mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name:   "upsert that inserted",
			source: "UPSERT users WHERE _id = \"u9\" SET email = \"new@test.com\"\nROLLBACK_CHANGES",
			check: func(t *testing.T, engine *Engine) {
				assertAbsent(t, engine, "users", "u9")
			},
		},
		{
			name:   "lifo across documents",
			setup:  `INSERT users {"_id": "u1", "n": 1}`,
			source: "UPDATE users WHERE _id = \"u1\" SET n = 2\nUPDATE users WHERE _id = \"u1\" SET n = 3\nINSERT users {\"_id\": \"u2\"}\nROLLBACK_CHANGES",
			check: func(t *testing.T, engine *Engine) {
				doc, ok := findByID(t, engine, "users", "u1")
				require.True(t, ok)
				n, _ := doc.Get("n")
				assert.Equal(t, float64(1), n.Num)
				assertAbsent(t, engine, "users", "u2")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := setupTestEngine(t)
			if tt.setup != "" {
				mustRun(t, engine, tt.setup)
			}
			result := mustRun(t, engine, tt.source)
			assert.Positive(t, result.Last().RolledBack)
			tt.check(t, engine)
		})
	}
}

func TestEngineCollectionIDType(t *testing.T) {
	engine := setupTestEngine(t)
	mustRun(t, engine, `@COLLECTION_ID_TYPE products = ObjectId
INSERT products {"_id": "507f1f77bcf86cd799439020", "name": "Widget"}
@COLLECTION_ID_TYPE orders = String
INSERT orders {"_id": "507f1f77bcf86cd799439021"}`)

	result := mustRun(t, engine, `FIND products`)
	require.Len(t, result.Last().Documents, 1)
	id, ok := result.Last().Documents[0].ID()
	require.True(t, ok)
	assert.Equal(t, core.ObjectIDType, id.Type)

	result = mustRun(t, engine, `FIND orders`)
	require.Len(t, result.Last().Documents, 1)
	id, _ = result.Last().Documents[0].ID()
	assert.Equal(t, core.StringType, id.Type)
}

func TestEngineQueries(t *testing.T) {
	engine := setupTestEngine(t)
	mustRun(t, engine, `INSERT products [{"_id": "p1", "price": 15, "category": "tools"}, {"_id": "p2", "price": 5, "category": "tools"}, {"_id": "p3", "price": 25, "category": "toys"}]`)

	result := mustRun(t, engine, `FIND products WHERE price > 10 SORT price DESC
COUNT products WHERE category = "tools"
AGGREGATE products PIPELINE GROUP BY category: total = SUM(price) | SORT total DESC`)
	require.Len(t, result.Outcomes, 3)

	find := result.Outcomes[0]
	require.Len(t, find.Documents, 2)
	first, _ := find.Documents[0].ID()
	assert.Equal(t, "p3", first.Str)

	assert.Equal(t, 2, result.Outcomes[1].Count)

	groups := result.Outcomes[2].Documents
	require.Len(t, groups, 2)
	total, _ := groups[0].Get("total")
	assert.Equal(t, float64(25), total.Num)

	assert.Len(t, result.Queries(), 3)
}

func TestSessionKeepsState(t *testing.T) {
	engine := setupTestEngine(t)
	session := engine.NewSession()
	defer session.Close(context.Background())

	mustExecute(t, session, `@owner = "alice"
@CHANGE_TAG = "seed"
INSERT users {"_id": "u1"}`)
	mustExecute(t, session, `INSERT users {"_id": "u2", "owner": "{{owner}}"}`)

	doc, ok := findByID(t, engine, "users", "u2")
	require.True(t, ok)
	owner, _ := doc.Get("owner")
	assert.Equal(t, "alice", owner.Str)

	records := session.Ledger().Records()
	require.Len(t, records, 2)
	for _, rec := range records {
		require.NotNil(t, rec.Tag)
		assert.Equal(t, "seed", *rec.Tag)
	}

	result := mustExecute(t, session, `ROLLBACK_CHANGES`)
	assert.Equal(t, 2, result.Last().RolledBack)
	assertAbsent(t, engine, "users", "u1", "u2")
}

func TestEngineTrackChangesOff(t *testing.T) {
	engine := setupTestEngine(t)
	session := engine.NewSession()
	defer session.Close(context.Background())

	mustExecute(t, session, `@TRACK_CHANGES = false
INSERT users {"_id": "u1"}
@TRACK_CHANGES = true
INSERT users {"_id": "u2"}`)
	require.Equal(t, 1, session.Ledger().Len())

	mustExecute(t, session, `ROLLBACK_CHANGES`)
	assertPresent(t, engine, "users", "u1")
	assertAbsent(t, engine, "users", "u2")
}

func TestEngineTryCatch(t *testing.T) {
	engine := setupTestEngine(t)
	mustRun(t, engine, `INSERT users {"_id": "u1"}`)

	mustRun(t, engine, `TRY
    INSERT users {"_id": "u1"}
CATCH ValidationError
    INSERT log {"_id": "wrong arm"}
CATCH DuplicateKeyError
    INSERT log {"_id": "e1", "kind": "{{errorKind}}"}
END_TRY`)

	assertAbsent(t, engine, "log", "wrong arm")
	doc, ok := findByID(t, engine, "log", "e1")
	require.True(t, ok)
	kind, _ := doc.Get("kind")
	assert.Equal(t, "DuplicateKeyError", kind.Str)
}

func TestEngineTryCatchKinds(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		wantErr string
	}{
		{
			name:   "backend error catches every backend kind",
			source: "TRY\n    INSERT users {\"_id\": \"u1\"}\nCATCH BackendError\n    INSERT log {\"_id\": \"caught\"}\nEND_TRY",
		},
		{
			name:   "bare catch",
			source: "TRY\n    INSERT users {\"_id\": \"u1\"}\nCATCH\n    INSERT log {\"_id\": \"caught\"}\nEND_TRY",
		},
		{
			name:   "resolve error",
			source: "TRY\n    INSERT users {\"_id\": \"{{missing}}\"}\nCATCH ResolveError\n    INSERT log {\"_id\": \"caught\"}\nEND_TRY",
		},
		{
			name:    "unmatched arm rethrows",
			source:  "TRY\n    INSERT users {\"_id\": \"u1\"}\nCATCH ValidationError\n    INSERT log {\"_id\": \"caught\"}\nEND_TRY",
			wantErr: "DuplicateKeyError",
		},
		{
			name:    "unknown error name",
			source:  "TRY\n    INSERT users {\"_id\": \"u2\"}\nCATCH FrobError\n    INSERT log {\"_id\": \"caught\"}\nEND_TRY",
			wantErr: "CompileError",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := setupTestEngine(t)
			mustRun(t, engine, `INSERT users {"_id": "u1"}`)

			_, err := engine.Run(context.Background(), tt.source)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, ErrorKind(err))
				assertAbsent(t, engine, "log", "caught")
				return
			}
			require.NoError(t, err)
			assertPresent(t, engine, "log", "caught")
		})
	}
}

func TestEngineUncaughtErrorHalts(t *testing.T) {
	engine := setupTestEngine(t)
	result, err := engine.Run(context.Background(), `INSERT users {"_id": "u1"}
INSERT users {"_id": "u1"}
INSERT users {"_id": "u2"}`)
	require.Error(t, err)

	var backendErr *backend.Error
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, backend.DuplicateKeyError, backendErr.Kind)

	require.Len(t, result.Outcomes, 2)
	assert.Equal(t, 2, result.Last().Line)
	assert.Same(t, err, result.Last().Err)
	assertPresent(t, engine, "users", "u1")
	assertAbsent(t, engine, "users", "u2")
}

func TestEngineParseErrorRunsNothing(t *testing.T) {
	engine := setupTestEngine(t)
	result, err := engine.Run(context.Background(), `INSERT users {"_id": "u1"}
FIND users WHERE status = active`)
	require.Error(t, err)

	var parseErr *core.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 2, parseErr.Line)
	assert.Empty(t, result.Outcomes)
	assertAbsent(t, engine, "users", "u1")
}

func TestEngineConditional(t *testing.T) {
	engine := setupTestEngine(t)
	source := `IF NOT EXISTS users WHERE _id = "admin"
    INSERT users {"_id": "admin"}
ELSE
    INSERT users {"_id": "guest"}
END_IF`

	mustRun(t, engine, source)
	assertPresent(t, engine, "users", "admin")
	assertAbsent(t, engine, "users", "guest")

	mustRun(t, engine, source)
	assertPresent(t, engine, "users", "guest")
}

func TestEngineConditionalCollection(t *testing.T) {
	engine := setupTestEngine(t)
	source := `IF EXISTS settings
    INSERT log {"_id": "present"}
ELSE
    INSERT settings {"_id": "defaults"}
END_IF`

	mustRun(t, engine, source)
	assertPresent(t, engine, "settings", "defaults")
	assertAbsent(t, engine, "log", "present")

	mustRun(t, engine, source)
	assertPresent(t, engine, "log", "present")
}

func TestEngineTransactions(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		engine := setupTestEngine(t)
		session := engine.NewSession()
		defer session.Close(context.Background())

		mustExecute(t, session, `BEGIN_TRANSACTION
INSERT users {"_id": "t1"}
INSERT users {"_id": "t2"}`)
		assert.True(t, session.InTransaction())
		assertAbsent(t, engine, "users", "t1")

		mustExecute(t, session, `COMMIT_TRANSACTION`)
		assert.False(t, session.InTransaction())
		assertPresent(t, engine, "users", "t1", "t2")
		assert.Equal(t, 2, session.Ledger().Len())
	})

	t.Run("rollback discards records", func(t *testing.T) {
		engine := setupTestEngine(t)
		session := engine.NewSession()
		defer session.Close(context.Background())

		mustExecute(t, session, `INSERT users {"_id": "u1"}
BEGIN_TRANSACTION
INSERT users {"_id": "t1"}
ROLLBACK_TRANSACTION`)
		assertPresent(t, engine, "users", "u1")
		assertAbsent(t, engine, "users", "t1")
		assert.Equal(t, 1, session.Ledger().Len())
	})

	t.Run("failure aborts", func(t *testing.T) {
		engine := setupTestEngine(t)
		mustRun(t, engine, `INSERT users {"_id": "u1"}`)

		result := mustRun(t, engine, `BEGIN_TRANSACTION
INSERT users {"_id": "t1"}
TRY
    INSERT users {"_id": "u1"}
CATCH DuplicateKeyError
    @caught = true
END_TRY
COMMIT_TRANSACTION`)
		assert.Equal(t, "transaction was aborted", result.Last().Message)
		assertAbsent(t, engine, "users", "t1")
	})

	t.Run("commands after an abort fail", func(t *testing.T) {
		engine := setupTestEngine(t)
		mustRun(t, engine, `INSERT users {"_id": "u1"}`)

		_, err := engine.Run(context.Background(), `BEGIN_TRANSACTION
TRY
    INSERT users {"_id": "u1"}
CATCH DuplicateKeyError
    @caught = true
END_TRY
INSERT users {"_id": "t2"}`)
		require.Error(t, err)
		assert.Equal(t, "ValidationError", ErrorKind(err))
		assertAbsent(t, engine, "users", "t2")
	})

	t.Run("nested begin", func(t *testing.T) {
		engine := setupTestEngine(t)
		_, err := engine.Run(context.Background(), "BEGIN_TRANSACTION\nBEGIN_TRANSACTION")
		var compileErr *core.CompileError
		require.ErrorAs(t, err, &compileErr)
		assert.Equal(t, 2, compileErr.Line)
	})

	t.Run("commit without begin", func(t *testing.T) {
		engine := setupTestEngine(t)
		_, err := engine.Run(context.Background(), "COMMIT_TRANSACTION")
		assert.Equal(t, "CompileError", ErrorKind(err))
	})

	t.Run("run aborts an unfinished transaction", func(t *testing.T) {
		engine := setupTestEngine(t)
		mustRun(t, engine, "BEGIN_TRANSACTION\nINSERT users {\"_id\": \"t1\"}")
		assertAbsent(t, engine, "users", "t1")
	})
}

func TestEngineRollbackOnError(t *testing.T) {
	engine := setupTestEngine(t)
	mustRun(t, engine, `INSERT users {"_id": "u1"}`)

	result, err := engine.Run(context.Background(), `@ROLLBACK_ON_ERROR = true
INSERT users {"_id": "r1"}
INSERT users {"_id": "r2"}
INSERT users {"_id": "u1"}`)
	require.Error(t, err)
	assert.Equal(t, "DuplicateKeyError", ErrorKind(err))
	assert.Equal(t, 2, result.Last().RolledBack)
	assertAbsent(t, engine, "users", "r1", "r2")
	assertPresent(t, engine, "users", "u1")
}

// brokenStore fails the next command of one kind without running it.
type brokenStore struct {
	*op.Store
	kind     compile.CommandKind
	failures int
}

func (s *brokenStore) Execute(ctx context.Context, cmd compile.Command) (backend.Result, error) {
	if cmd.Kind == s.kind && s.failures > 0 {
		s.failures--
		return backend.Result{}, backend.Errorf(backend.ConnectionError, cmd.Collection, "connection reset by peer")
	}
	return s.Store.Execute(ctx, cmd)
}

func setupBrokenEngine(t *testing.T, kind compile.CommandKind) *Engine {
	t.Helper()
	persistence, err := ps.NewMemoryPersistence()
	require.NoError(t, err)
	clock := func() time.Time { return testNow }
	store := op.NewStore(persistence, core.Identity{Name: "test", Email: "test@test.com"}).WithClock(clock)
	return NewEngine(&brokenStore{Store: store, kind: kind, failures: 1}, Options{
		Resolve: resolve.Options{Now: clock, Seed: 1},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestEngineFailedMutationLeavesLedgerClean(t *testing.T) {
	tests := []struct {
		name   string
		kind   compile.CommandKind
		source string
	}{
		{"delete", compile.DeleteCommand, `DELETE users WHERE _id = "u0"`},
		{"update", compile.UpdateCommand, `UPDATE users SET n = 1`},
		{"unset", compile.UpdateCommand, `UPDATE users WHERE _id = "u1" SET email UNSET`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := setupBrokenEngine(t, tt.kind)
			session := engine.NewSession()
			defer session.Close(context.Background())

			mustExecute(t, session, `INSERT users {"_id": "u0", "email": "a@test.com"}
INSERT users {"_id": "u1", "email": "b@test.com"}`)
			_, err := session.Execute(context.Background(), tt.source)
			require.Error(t, err)
			assert.Equal(t, "ConnectionError", ErrorKind(err))
			assert.Equal(t, 2, session.Ledger().Len())

			result := mustExecute(t, session, `ROLLBACK_CHANGES`)
			assert.Equal(t, 2, result.Last().RolledBack)
			assertAbsent(t, engine, "users", "u0", "u1")
		})
	}
}

func TestEngineRollbackOnErrorAfterBackendFailure(t *testing.T) {
	tests := []struct {
		kind       compile.CommandKind
		rolledBack int
	}{
		{compile.UpdateCommand, 2},
		{compile.DeleteCommand, 3},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			engine := setupBrokenEngine(t, tt.kind)
			mustRun(t, engine, `INSERT users {"_id": "keep"}`)

			result, err := engine.Run(context.Background(), `@ROLLBACK_ON_ERROR = true
INSERT users {"_id": "u0", "email": "a@test.com"}
INSERT users {"_id": "u1", "email": "b@test.com"}
UPDATE users WHERE _id = "u0" SET email = "c@test.com"
DELETE users WHERE _id = "u0"`)
			require.Error(t, err)
			assert.Equal(t, "ConnectionError", ErrorKind(err))
			var rollbackErr *core.RollbackError
			assert.False(t, errors.As(err, &rollbackErr), "automatic rollback failed: %v", err)
			assert.Equal(t, tt.rolledBack, result.Last().RolledBack)
			assertAbsent(t, engine, "users", "u0", "u1")
			assertPresent(t, engine, "users", "keep")
		})
	}
}

func TestEngineRollbackOnErrorInsideTry(t *testing.T) {
	engine := setupTestEngine(t)
	mustRun(t, engine, `INSERT users {"_id": "u1"}`)

	mustRun(t, engine, `@ROLLBACK_ON_ERROR = true
INSERT users {"_id": "outer"}
TRY
    INSERT users {"_id": "inner"}
    INSERT users {"_id": "u1"}
CATCH DuplicateKeyError
    INSERT log {"_id": "caught"}
END_TRY`)
	assertPresent(t, engine, "users", "outer")
	assertAbsent(t, engine, "users", "inner")
	assertPresent(t, engine, "log", "caught")
}

func TestEngineSelectiveRollback(t *testing.T) {
	engine := setupTestEngine(t)
	session := engine.NewSession()
	defer session.Close(context.Background())

	mustExecute(t, session, `@CHANGE_TAG = "seed"
INSERT users {"_id": "s1"}
INSERT users {"_id": "s2"}
@CHANGE_TAG = null
INSERT users {"_id": "x1"}
INSERT orders {"_id": "o1"}`)
	require.Equal(t, 4, session.Ledger().Len())

	result := mustExecute(t, session, `ROLLBACK_CHANGES WHERE tag = "seed"`)
	assert.Equal(t, 2, result.Last().RolledBack)
	assertAbsent(t, engine, "users", "s1", "s2")
	assertPresent(t, engine, "users", "x1")

	result = mustExecute(t, session, `ROLLBACK_CHANGES WHERE collection = "orders"`)
	assert.Equal(t, 1, result.Last().RolledBack)
	assertAbsent(t, engine, "orders", "o1")

	result = mustExecute(t, session, `ROLLBACK_CHANGES WHERE document = "x1" AND type = "INSERT"`)
	assert.Equal(t, 1, result.Last().RolledBack)
	assertAbsent(t, engine, "users", "x1")
	assert.Zero(t, session.Ledger().Len())
}

func TestEngineRollbackLast(t *testing.T) {
	engine := setupTestEngine(t)
	session := engine.NewSession()
	defer session.Close(context.Background())

	mustExecute(t, session, `INSERT users {"_id": "a"}
INSERT users {"_id": "b"}
INSERT users {"_id": "c"}`)

	result := mustExecute(t, session, `ROLLBACK_LAST 2`)
	assert.Equal(t, 2, result.Last().RolledBack)
	assertPresent(t, engine, "users", "a")
	assertAbsent(t, engine, "users", "b", "c")
	assert.Equal(t, 1, session.Ledger().Len())
}

func TestEngineVerifyRollback(t *testing.T) {
	engine := setupTestEngine(t)
	session := engine.NewSession()
	defer session.Close(context.Background())

	mustExecute(t, session, `INSERT users {"_id": "v1"}
INSERT users {"_id": "v2"}`)

	result := mustExecute(t, session, `VERIFY_ROLLBACK`)
	assert.Equal(t, "2 change(s) can be rolled back", result.Last().Message)

	// Removed behind the session's back.
	mustRun(t, engine, `DELETE users WHERE _id = "v1"`)

	result, err := session.Execute(context.Background(), `VERIFY_ROLLBACK`)
	require.Error(t, err)
	var rollbackErr *core.RollbackError
	require.ErrorAs(t, err, &rollbackErr)
	assert.Equal(t, "users", rollbackErr.Collection)
	assert.Equal(t, "1 of 2 change(s) cannot be rolled back", result.Last().Message)

	// Verification leaves the ledger alone.
	assert.Equal(t, 2, session.Ledger().Len())

	mustExecute(t, session, `TRY
    VERIFY_ROLLBACK
CATCH RollbackError
    CLEAR_CHANGES WHERE document = "v1"
END_TRY`)
	assert.Equal(t, 1, session.Ledger().Len())
}

func TestEngineClearChanges(t *testing.T) {
	engine := setupTestEngine(t)
	session := engine.NewSession()
	defer session.Close(context.Background())

	mustExecute(t, session, `INSERT users {"_id": "u1"}
INSERT users {"_id": "u2"}`)
	result := mustExecute(t, session, `CLEAR_CHANGES`)
	assert.Equal(t, "2 change(s) cleared", result.Last().Message)
	assert.Zero(t, session.Ledger().Len())

	result = mustExecute(t, session, `ROLLBACK_CHANGES`)
	assert.Zero(t, result.Last().RolledBack)
	assertPresent(t, engine, "users", "u1", "u2")
}

func TestEngineExportImportChanges(t *testing.T) {
	engine := setupTestEngine(t)
	path := filepath.Join(t.TempDir(), "changes.json")

	session := engine.NewSession()
	defer session.Close(context.Background())
	mustExecute(t, session, fmt.Sprintf(`INSERT users {"_id": "e1", "name": "Ann"}
INSERT users {"_id": "e2"}
UPDATE users WHERE _id = "e1" SET name = "Bea"
EXPORT_CHANGES TO %q
ROLLBACK_CHANGES`, path))
	assertAbsent(t, engine, "users", "e1", "e2")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"operationIndex"`)

	result := mustRun(t, engine, fmt.Sprintf(`IMPORT_CHANGES FROM %q`, path))
	assert.Equal(t, 3, result.Last().Count)
	doc, ok := findByID(t, engine, "users", "e1")
	require.True(t, ok)
	name, _ := doc.Get("name")
	assert.Equal(t, "Bea", name.Str)
	assertPresent(t, engine, "users", "e2")
}

func TestEngineImportChangesOverHTTP(t *testing.T) {
	engine := setupTestEngine(t)
	path := filepath.Join(t.TempDir(), "changes.json")
	mustRun(t, engine, fmt.Sprintf(`INSERT users {"_id": "h1"}
EXPORT_CHANGES TO %q
ROLLBACK_CHANGES`, path))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, path)
	}))
	defer server.Close()

	mustRun(t, engine, fmt.Sprintf(`IMPORT_CHANGES FROM %q`, server.URL+"/changes.json"))
	assertPresent(t, engine, "users", "h1")
}

func TestEngineReplayChanges(t *testing.T) {
	engine := setupTestEngine(t)
	session := engine.NewSession()
	defer session.Close(context.Background())

	mustExecute(t, session, `INSERT users {"_id": "p1"}
ROLLBACK_CHANGES`)
	assertAbsent(t, engine, "users", "p1")

	result := mustExecute(t, session, `REPLAY_CHANGES`)
	assert.Equal(t, 1, result.Last().Count)
	assertPresent(t, engine, "users", "p1")
	assert.Equal(t, 1, session.Ledger().Len())
}

func TestEngineSnapshots(t *testing.T) {
	engine := setupTestEngine(t)
	mustRun(t, engine, `INSERT users {"_id": "k1"}
SNAPSHOT "before"
DELETE users WHERE _id = "k1"
INSERT users {"_id": "k2"}
RESTORE_SNAPSHOT "before"`)
	assertPresent(t, engine, "users", "k1")
	assertAbsent(t, engine, "users", "k2")

	_, err := engine.Run(context.Background(), `RESTORE_SNAPSHOT "missing"`)
	assert.Equal(t, "NotFoundError", ErrorKind(err))

	_, err = engine.Run(context.Background(), "BEGIN_TRANSACTION\nSNAPSHOT \"inside\"")
	assert.Equal(t, "CompileError", ErrorKind(err))
}

func TestEngineBackupRestore(t *testing.T) {
	engine := setupTestEngine(t)
	mustRun(t, engine, `INSERT users {"_id": "b1"}
BACKUP users TO "users_bak"
DELETE users WHERE _id = "b1"
INSERT users {"_id": "b2"}
RESTORE users FROM "users_bak"`)
	assertPresent(t, engine, "users", "b1")
	assertAbsent(t, engine, "users", "b2")
}

func TestRunResultDisplay(t *testing.T) {
	engine := setupTestEngine(t)
	result := mustRun(t, engine, `=== Users ===
INSERT users {"_id": "u1", "name": "Ann", "tags": ["a"]}
FIND users`)
	assert.Equal(t, []string{"Users"}, result.Sections)

	var out bytes.Buffer
	result.Display(&out)
	text := out.String()
	assert.Contains(t, text, "=== Users ===")
	assert.Contains(t, text, "| _id | name | tags  |")
	assert.Contains(t, text, `| u1  | Ann  | ["a"] |`)
	assert.Contains(t, text, "line 2: INSERT users: 1 inserted")
	assert.Contains(t, text, "line 3: FIND users: 1 document(s)")
	assert.Contains(t, text, "2 operation(s)")
}

func TestOutcomeSummary(t *testing.T) {
	id := core.String("u1")
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{Outcome{Operation: "INSERT"}, "OK"},
		{Outcome{Operation: "COUNT", Count: 4}, "count 4"},
		{Outcome{Operation: "UPDATE", Matched: 2, Modified: 1}, "2 matched, 1 modified"},
		{Outcome{Operation: "UPSERT", UpsertedID: &id}, "upserted u1"},
		{Outcome{Operation: "ROLLBACK_CHANGES", RolledBack: 3}, "3 change(s) rolled back"},
		{Outcome{Operation: "DELETE", Err: errors.New("boom")}, "error: boom"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.outcome.Summary())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Microsecond, "<1ms"},
		{42 * time.Millisecond, "42ms"},
		{2500 * time.Millisecond, "2.5s"},
		{30 * time.Second, "30s"},
		{2 * time.Minute, "2m"},
		{150 * time.Second, "2m30s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&core.ParseError{Line: 1, Message: "bad"}, "ParseError"},
		{&core.CompileError{Line: 1, Reason: "bad"}, "CompileError"},
		{&core.ResolveError{Line: 1, Reason: "bad", Err: core.ErrUnknownVariable}, "ResolveError"},
		{&core.RollbackError{Line: 1, Reason: "bad"}, "RollbackError"},
		{backend.Errorf(backend.DuplicateKeyError, "users", "dup"), "DuplicateKeyError"},
		{fmt.Errorf("read: %w", backend.Errorf(backend.TimeoutError, "users", "slow")), "TimeoutError"},
		{errors.New("plain"), "Error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "%v", tt.err)
	}
}

func TestRecordFilter(t *testing.T) {
	filter := recordFilter(compile.Filter{Kind: compile.AndFilter, Children: []compile.Filter{
		{Kind: compile.PredicateFilter, Field: "document", Operator: compile.Eq, Value: core.String("507f1f77bcf86cd799439011")},
		{Kind: compile.PredicateFilter, Field: "type", Operator: compile.In, Value: core.Array(core.String("INSERT"), core.String("Update"))},
		{Kind: compile.PredicateFilter, Field: "index", Operator: compile.Gt, Value: core.Number(3)},
	}})

	require.Len(t, filter.Children, 3)
	assert.Equal(t, core.IDField, filter.Children[0].Field)
	assert.Equal(t, core.ObjectIDType, filter.Children[0].Value.Type)
	assert.Equal(t, "type", filter.Children[1].Field)
	assert.Equal(t, []string{"insert", "update"}, []string{filter.Children[1].Value.Items[0].Str, filter.Children[1].Value.Items[1].Str})
	assert.Equal(t, "operationIndex", filter.Children[2].Field)
}

func TestMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	MustRegisterMetrics(registry)

	engine := setupTestEngine(t)
	mustRun(t, engine, `INSERT users {"_id": "m1"}
ROLLBACK_CHANGES`)
	_, _ = engine.Run(context.Background(), `FIND users WHERE`)

	families, err := registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, family := range families {
		names[family.GetName()] = true
	}
	for _, name := range []string{
		"dotdata_operations_total",
		"dotdata_operation_duration_seconds",
		"dotdata_changes_recorded_total",
		"dotdata_changes_rolled_back_total",
		"dotdata_errors_total",
	} {
		assert.True(t, names[name], "missing metric %s", name)
	}
}

func TestDetectScheme(t *testing.T) {
	tests := []struct {
		path string
		want urlScheme
	}{
		{"s3://bucket/key.json", schemeS3},
		{"S3://bucket/key.json", schemeS3},
		{"https://example.com/c.json", schemeHTTPS},
		{"http://example.com/c.json", schemeHTTP},
		{"file:///tmp/c.json", schemeFile},
		{"changes.json", schemeLocal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detectScheme(tt.path), tt.path)
	}
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := parseS3URL("s3://changes/2024/run.json")
	require.NoError(t, err)
	assert.Equal(t, "changes", bucket)
	assert.Equal(t, "2024/run.json", key)

	for _, bad := range []string{"s3://", "s3://bucket", "s3://bucket/", "s3:///key"} {
		_, _, err := parseS3URL(bad)
		assert.Error(t, err, bad)
	}
}

func TestExportOverHTTPFails(t *testing.T) {
	engine := setupTestEngine(t)
	_, err := engine.Run(context.Background(), `EXPORT_CHANGES TO "https://example.com/changes.json"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot export changes over https")
}

func TestRunResultReport(t *testing.T) {
	engine := setupTestEngine(t)
	result, err := engine.Run(context.Background(), `INSERT users {"_id": "u1", "age": 30}
FIND users
INSERT users {"_id": "u1"}`)
	require.Error(t, err)

	data, err := json.Marshal(result.Report())
	require.NoError(t, err)

	var report Report
	require.NoError(t, json.Unmarshal(data, &report))
	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, 1, report.Outcomes[0].Inserted)
	assert.Equal(t, 1, report.Outcomes[1].Count)
	assert.Contains(t, string(data), `"_id":"u1"`)
	assert.Equal(t, "DuplicateKeyError", report.Outcomes[2].ErrorKind)
	assert.Equal(t, 3, report.Outcomes[2].Line)
}
