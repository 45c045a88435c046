// Package core provides the types shared by every DotData package.
//
// # Values
//
// Value is the closed set of runtime values a script literal can resolve to.
// Its Type selects the meaningful payload:
//   - StringType, NumberType, BooleanType, NullType
//   - ObjectIDType, GUIDType, UUIDType: identifier types kept distinct from strings
//   - DateType: UTC timestamps
//   - ArrayType, ObjectType: containers; object fields keep insertion order
//   - RawType: verbatim JSON passed through untouched
//
// Documents are Object values:
//
//	doc := core.Object(
//	    core.F("_id", core.ObjectID("507f1f77bcf86cd799439011")),
//	    core.F("email", core.String("a@test.com")),
//	)
//	city, ok := doc.Lookup("address.city")
//
// Values serialize to extended JSON ({"$oid": ...}, {"$date": ...}) so that a
// round trip through a store or a ledger export preserves runtime types.
//
// # Diagnostics
//
// ParseError, ResolveError, CompileError and RollbackError all carry the
// 1-based source line of the statement that failed.
package core
