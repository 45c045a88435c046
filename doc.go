// Package dotdata runs DotData scripts, a declarative text format for
// document database CRUD, aggregation and admin operations with change
// tracking and LIFO rollback.
//
// Every mutating operation is recorded in a change ledger together with the
// before-image it needs to be undone, so a script can roll its own work back
// selectively (ROLLBACK_CHANGES WHERE tag = "seed"), by count
// (ROLLBACK_LAST 3), or automatically on failure (@ROLLBACK_ON_ERROR).
//
// # Quick Start
//
// Run a script against an in-memory git repository:
//
//	persistence, _ := ps.NewMemoryPersistence()
//	instance := dotdata.Open(persistence)
//	engine := instance.Engine(core.Identity{Name: "App", Email: "app@example.com"})
//
//	result, err := engine.Run(ctx, `
//	@CHANGE_TAG = "seed"
//	INSERT users {"_id": "u1", "email": "a@test.com"}
//	UPDATE users WHERE _id = "u1" SET email = "b@test.com"
//	FIND users WHERE email ENDS_WITH "@test.com"
//	ROLLBACK_CHANGES WHERE tag = "seed"
//	`)
//	result.Display(os.Stdout)
//
// Connect opens the backend named by a config.Config instead: the git
// repository (every command is a commit) or a MongoDB database.
//
// # Packages
//
//   - script parses source text into operations
//   - resolve turns literals, variables and built-ins into typed values
//   - compile lowers operations into backend commands
//   - ledger records changes and rolls them back
//   - op and ps implement the git backend, backend/mongo the MongoDB one
//   - db interprets scripts: directives, TRY/CATCH, IF EXISTS, transactions
package dotdata
