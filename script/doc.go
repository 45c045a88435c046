// Package script scans and parses DotData scripts.
//
// The Scanner classifies logical lines (comments, directives, sections,
// operation heads, clause heads and list items), joining lines while a
// JSON bracket is open. The Parser assembles those lines into Operations
// whose WHERE, SET, SORT and PIPELINE clauses have the same shape whether
// they were written inline or as an indented list.
//
// # Usage
//
//	operations, err := script.Parse(`
//	@CHANGE_TAG = "seed"
//	INSERT users {"_id": "u1", "email": "a@test.com"}
//	UPDATE users
//	    WHERE:
//	        - _id = "u1"
//	    SET:
//	        - email = "b@test.com"
//	        - logins += 1
//	`)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Operations
//
//   - Insert (INSERT, INSERT_MANY)
//   - Update (UPDATE, UPSERT)
//   - Delete
//   - Find (FIND, COUNT)
//   - Aggregate
//   - CreateIndex, CreateCollection, DropCollection
//   - Transaction (BEGIN_TRANSACTION, COMMIT_TRANSACTION, ROLLBACK_TRANSACTION)
//   - Conditional (IF [NOT] EXISTS ... ELSE ... END_IF)
//   - Try (TRY ... CATCH ... END_TRY)
//   - RollbackChanges (ROLLBACK_CHANGES, ROLLBACK_LAST, VERIFY_ROLLBACK), ClearChanges
//   - ExportChanges, ImportChanges (IMPORT_CHANGES, REPLAY_CHANGES)
//   - Snapshot (SNAPSHOT, RESTORE_SNAPSHOT), Backup (BACKUP, RESTORE)
//   - Directive, Variable, Section
//
// Values are extended JSON: besides JSON scalars, arrays and objects they
// may be casts such as ObjectId("...") or Date("..."), {{$function:args}}
// and {{variable}} interpolations, @variable references and, in SET,
// backend-evaluated functions such as YEAR(createdAt).
package script
