// Package resolve turns parsed expressions into typed runtime values.
//
// A Context carries everything resolution depends on for one run: user
// variables, COLLECTION_ID_TYPE declarations, built-in counters and the
// clock. Typing follows a fixed priority:
//
//  1. explicit casts such as ObjectId("...") or Date("...")
//  2. built-in functions such as {{$now}} or {{$futureDate:7d}}
//  3. the collection's declared _id type, for top-level _id fields
//  4. _id shape detection (ObjectId, GUID, UUID, Number)
//  5. date detection for other digit-led strings
//  6. the literal's own JSON type
package resolve
