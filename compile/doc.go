// Package compile lowers parsed operations into backend-neutral Commands.
//
// A Command carries its collection, a Filter tree compiled from WHERE, an
// ordered Mutation list compiled from SET, and resolved options. Values are
// resolved through a resolve.Context at compile time; math and date
// functions in SET stay unevaluated as MathExpr trees for the backend.
//
// Filters can also be evaluated in memory with Filter.Matches, which the
// git document store and the change ledger's record selection rely on.
package compile
