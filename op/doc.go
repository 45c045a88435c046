// Package op implements the document store on top of the git persistence
// layer.
//
// The op package sits between the script engine (db/) and the persistence
// layer (ps/). It executes compiled commands against JSON documents kept in
// the repository tree:
//
//	store := op.NewStore(persistence, identity)
//	result, err := store.Execute(ctx, cmd)   // one commit per command
//
//	tx, err := store.Begin(ctx)              // one commit for many commands
//	tx.Execute(ctx, cmd1)
//	tx.Execute(ctx, cmd2)
//	tx.Commit(ctx)
//
// # Collections
//
// CollectionOp reads the documents of one collection, either committed
// state or the pending state of a batch, and queues writes on that batch:
//
//	for doc, err := range coll.Scan() {
//	    // documents in _id key order
//	}
//	docs, err := coll.Find(filter)
//
// # Evaluation
//
// Filters, update operators, math and date functions, sorting and
// aggregation pipelines are evaluated in memory following MongoDB
// semantics: BSON type order for comparisons, null for missing function
// arguments, and E11000 errors for duplicate keys of the _id index and of
// unique indexes recorded in collection metadata.
//
// # Architecture
//
// The layering is:
//
//	Script parser (script/)
//	     ↓
//	Resolver and compiler (resolve/, compile/)
//	     ↓
//	Engine (db/)  ←→  Change ledger (ledger/)
//	     ↓
//	Document store (op/)     ← This package
//	     ↓
//	Persistence (ps/)
//	     ↓
//	Git Storage (go-git)
package op
