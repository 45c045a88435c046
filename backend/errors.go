package backend

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind int

const (
	UnknownError ErrorKind = iota
	DuplicateKeyError
	ValidationError
	NotFoundError
	ConnectionError
	TimeoutError
	UnsupportedError
)

// Kind names double as the error names accepted by CATCH arms.
var errorKindNames = [...]string{
	UnknownError:      "BackendError",
	DuplicateKeyError: "DuplicateKeyError",
	ValidationError:   "ValidationError",
	NotFoundError:     "NotFoundError",
	ConnectionError:   "ConnectionError",
	TimeoutError:      "TimeoutError",
	UnsupportedError:  "UnsupportedError",
}

func (kind ErrorKind) String() string {
	if int(kind) < len(errorKindNames) {
		return errorKindNames[kind]
	}
	return "BackendError"
}

// ParseErrorKind maps a CATCH name to its kind, ignoring case.
func ParseErrorKind(name string) (ErrorKind, bool) {
	for kind, n := range errorKindNames {
		if strings.EqualFold(n, name) {
			return ErrorKind(kind), true
		}
	}
	return UnknownError, false
}

// Error is a failure reported by a store. It is recoverable with TRY/CATCH.
type Error struct {
	Kind       ErrorKind
	Collection string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Collection != "" {
		b.WriteString(" on " + e.Collection)
	}
	b.WriteString(": " + e.Message)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a store error of the given kind.
func Errorf(kind ErrorKind, collection, format string, args ...any) *Error {
	return &Error{Kind: kind, Collection: collection, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with a kind, keeping it available to errors.Is.
func Wrap(kind ErrorKind, collection string, err error) *Error {
	return &Error{Kind: kind, Collection: collection, Message: "operation failed", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var backendErr *Error
	if errors.As(err, &backendErr) {
		return backendErr.Kind, true
	}
	return UnknownError, false
}
