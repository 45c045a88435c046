// Package backend defines what the engine needs from a document store.
//
// Every store implements Backend. Stores that can scope several commands
// into one atomic unit implement Transactional; stores that can capture and
// restore point-in-time state implement Snapshotter and Copier.
package backend

import (
	"context"

	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
)

// Result is the outcome of one command. Query commands fill Documents
// (FIND, AGGREGATE) or Count (COUNT); mutations fill the counters.
type Result struct {
	Documents []core.Value
	Count     int

	Matched  int
	Modified int
	Deleted  int

	// InsertedIDs lists the _id of every document written by an INSERT,
	// in order. On a partial failure it holds the ones that made it.
	InsertedIDs []core.Value

	// UpsertedID is set when an UPSERT created a document.
	UpsertedID *core.Value
}

type Backend interface {
	// Execute runs one compiled command.
	Execute(ctx context.Context, cmd compile.Command) (Result, error)
	// ReadBefore returns the current documents matching filter. The change
	// ledger calls it to capture before-images.
	ReadBefore(ctx context.Context, collection string, filter compile.Filter) ([]core.Value, error)
	Close() error
}

// Transaction is a Backend whose commands take effect together on Commit.
type Transaction interface {
	Backend
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

type Transactional interface {
	Begin(ctx context.Context) (Transaction, error)
}

// Snapshotter captures and restores the state of every collection.
type Snapshotter interface {
	Snapshot(ctx context.Context, name string) error
	RestoreSnapshot(ctx context.Context, name string) error
}

// Copier backs up and restores a single collection under a name.
type Copier interface {
	Backup(ctx context.Context, collection, name string) error
	Restore(ctx context.Context, collection, name string) error
}

// Lister reports the collections a store holds.
type Lister interface {
	Collections(ctx context.Context) ([]string, error)
}
