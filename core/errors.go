package core

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownVariable = errors.New("unknown variable")
	ErrInvalidCast     = errors.New("invalid cast")
	ErrAmbiguousDate   = errors.New("ambiguous date")
)

// ParseError reports malformed script text. It is always fatal.
type ParseError struct {
	Line    int
	Column  int
	Message string
}

func (e *ParseError) Error() string {
	if e.Column > 0 {
		return fmt.Sprintf("parse error at line %d:%d: %s", e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Message)
}

// ResolveError reports an expression that could not be given a runtime value:
// a failed cast, an unknown variable or an unparseable date.
type ResolveError struct {
	Line       int
	Expression string
	Reason     string
	Err        error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve error at line %d: %s: %s", e.Line, e.Expression, e.Reason)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// CompileError reports an operation that cannot be lowered into a command.
type CompileError struct {
	Line      int
	Operation string
	Reason    string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error at line %d: %s: %s", e.Line, e.Operation, e.Reason)
}

// RollbackError reports a ledger record whose inverse could not be applied,
// typically because the document no longer matches its stored key.
type RollbackError struct {
	Line           int
	OperationIndex int
	Collection     string
	Key            string
	Reason         string
	Err            error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback error at line %d: change #%d on %s[%s]: %s", e.Line, e.OperationIndex, e.Collection, e.Key, e.Reason)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}
