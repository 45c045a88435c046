// Package ps provides git-backed document persistence.
//
// Each collection is a directory of the repository tree with a sibling
// "<name>.collection" metadata file. Documents are blobs named after the
// escaped key of their _id. Every write operation creates a commit, so the
// repository history doubles as an audit log.
//
// # Memory Persistence
//
//	persistence, err := ps.NewMemoryPersistence()
//
// # File Persistence
//
//	persistence, err := ps.NewFilePersistence("/path/to/data", nil)
//
// # Transaction Batching
//
// A TransactionBuilder collects writes and commits them at once. Reads made
// through the builder see its pending writes:
//
//	tb, _ := persistence.BeginTransaction()
//	tb.AddWrite("users", "s:alice", data)
//	tb.AddDelete("users", "s:bob")
//	txn, _ := tb.Commit(identity, "")
//
// # Snapshots and Backups
//
// Snapshot tags a commit and RestoreSnapshot commits the tagged tree again.
// Backup copies a single collection under .backups/<name>; Restore puts it back.
package ps
