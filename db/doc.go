// Package db runs DotData scripts.
//
// The Engine parses a script, then interprets the operations in source
// order against a backend. Each run owns a RunState: the resolution
// context (user variables, @COLLECTION_ID_TYPE), the change ledger and its
// directives (@TRACK_CHANGES, @CHANGE_TAG, @ROLLBACK_ON_ERROR), and the
// open transaction, if any.
//
// # Engine Usage
//
//	store := op.NewStore(persistence, identity)
//	engine := db.NewEngine(store, db.Options{Logger: logger})
//	result, err := engine.Run(ctx, source)
//	result.Display(os.Stdout)
//
// Sessions keep their RunState between executions, for the REPL and
// server connections:
//
//	session := engine.NewSession()
//	session.Execute(ctx, `INSERT users {"_id": "u1"}`)
//	session.Execute(ctx, `ROLLBACK_CHANGES`)
//
// # Errors
//
// Parse and compile errors halt the run. Resolve, backend and rollback
// errors can be handled with TRY/CATCH; a CATCH arm names the kinds it
// handles (DuplicateKeyError, ValidationError, ResolveError, ...), and
// BackendError matches any backend failure. Inside a CATCH arm the
// variables error and errorKind describe the caught error.
package db
