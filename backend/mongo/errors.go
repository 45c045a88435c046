package mongo

import (
	"context"
	"errors"

	driver "go.mongodb.org/mongo-driver/mongo"

	"github.com/nickyhof/dotdata/backend"
)

// Server error codes with a specific kind.
const (
	codeBadValue          = 2
	codeFailedToParse     = 9
	codeTypeMismatch      = 14
	codeNamespaceNotFound = 26
	codeConflictingUpdate = 40
	codeNamespaceExists   = 48
	codeInvalidIDField    = 53
	codeImmutableField    = 66
	codeValidationFailed  = 121
)

func kindForCode(code int) (backend.ErrorKind, bool) {
	switch code {
	case codeNamespaceNotFound:
		return backend.NotFoundError, true
	case codeBadValue, codeFailedToParse, codeTypeMismatch, codeConflictingUpdate,
		codeNamespaceExists, codeInvalidIDField, codeImmutableField, codeValidationFailed:
		return backend.ValidationError, true
	}
	return backend.UnknownError, false
}

// mapError classifies a driver error into a store error kind.
func mapError(collection string, err error) error {
	if err == nil {
		return nil
	}
	var backendErr *backend.Error
	if errors.As(err, &backendErr) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), driver.IsTimeout(err):
		return backend.Wrap(backend.TimeoutError, collection, err)
	case driver.IsDuplicateKeyError(err):
		return backend.Wrap(backend.DuplicateKeyError, collection, err)
	case driver.IsNetworkError(err), errors.Is(err, driver.ErrClientDisconnected):
		return backend.Wrap(backend.ConnectionError, collection, err)
	case errors.Is(err, driver.ErrNoDocuments):
		return backend.Wrap(backend.NotFoundError, collection, err)
	}

	var cmdErr driver.CommandError
	if errors.As(err, &cmdErr) {
		if kind, ok := kindForCode(int(cmdErr.Code)); ok {
			return backend.Wrap(kind, collection, err)
		}
	}
	var writeErr driver.WriteException
	if errors.As(err, &writeErr) {
		for _, we := range writeErr.WriteErrors {
			if kind, ok := kindForCode(we.Code); ok {
				return backend.Wrap(kind, collection, err)
			}
		}
	}
	var bulkErr driver.BulkWriteException
	if errors.As(err, &bulkErr) {
		for _, we := range bulkErr.WriteErrors {
			if kind, ok := kindForCode(we.Code); ok {
				return backend.Wrap(kind, collection, err)
			}
		}
	}
	return backend.Wrap(backend.UnknownError, collection, err)
}
