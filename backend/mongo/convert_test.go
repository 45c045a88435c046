package mongo

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	driver "go.mongodb.org/mongo-driver/mongo"

	"github.com/nickyhof/dotdata/backend"
	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/script"
)

// extJSON renders a converted value in relaxed extended JSON so tests can
// compare documents independently of Go types.
func extJSON(t *testing.T, value any) string {
	t.Helper()
	data, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: value}}, false, false)
	require.NoError(t, err)
	return string(data)
}

func TestValueRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	values := []core.Value{
		core.String("héllo"),
		core.Number(42),
		core.Number(1 << 40),
		core.Number(2.5),
		core.Bool(true),
		core.Null(),
		core.ObjectID("65f0c0ffee0000000000abcd"),
		core.UUID("123e4567-e89b-12d3-a456-426614174000"),
		core.GUID("00112233-4455-6677-8899-AABBCCDDEEFF"),
		core.Date(at),
		core.Array(core.Number(1), core.String("x")),
		core.Object(core.F("b", core.Number(1)), core.F("a", core.Object(core.F("c", core.Bool(false))))),
	}
	for _, value := range values {
		t.Run(value.String(), func(t *testing.T) {
			converted, err := ToBSON(value)
			require.NoError(t, err)
			back, err := FromBSON(converted)
			require.NoError(t, err)
			assert.True(t, value.Equal(back), "want %s, got %s", value, back)
		})
	}
}

func TestToBSONTypes(t *testing.T) {
	small, err := ToBSON(core.Number(7))
	require.NoError(t, err)
	assert.IsType(t, int32(0), small)

	large, err := ToBSON(core.Number(1 << 40))
	require.NoError(t, err)
	assert.IsType(t, int64(0), large)

	id, err := ToBSON(core.UUID("123e4567-e89b-12d3-a456-426614174000"))
	require.NoError(t, err)
	assert.Equal(t, bson.TypeBinaryUUID, id.(primitive.Binary).Subtype)

	guid, err := ToBSON(core.GUID("00112233-4455-6677-8899-aabbccddeeff"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x33, 0x22, 0x11, 0x00, 0x55, 0x44, 0x77, 0x66, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, guid.(primitive.Binary).Data)

	raw, err := ToBSON(core.Raw([]byte(`{"$numberDecimal": "1.50"}`)))
	require.NoError(t, err)
	assert.IsType(t, primitive.Decimal128{}, raw)

	_, err = ToBSON(core.ObjectID("nope"))
	assert.Error(t, err)
}

func TestFromBSONFallsBackToRaw(t *testing.T) {
	value, err := FromBSON(primitive.Regex{Pattern: "^a", Options: "i"})
	require.NoError(t, err)
	assert.Equal(t, core.RawType, value.Type)
	assert.JSONEq(t, `{"$regularExpression": {"pattern": "^a", "options": "i"}}`, string(value.Raw))

	decimal, err := FromBSON(primitive.NewDecimal128(0, 150))
	require.NoError(t, err)
	assert.True(t, core.Number(150).Equal(decimal))
}

func TestFilter(t *testing.T) {
	pred := func(field string, op compile.Operator, value core.Value) compile.Filter {
		return compile.Filter{Kind: compile.PredicateFilter, Field: field, Operator: op, Value: value}
	}

	tests := []struct {
		name   string
		filter compile.Filter
		want   string
	}{
		{"match all", compile.MatchAll(), `{"v": {}}`},
		{"single condition", pred("age", compile.Gt, core.Number(30)), `{"v": {"age": {"$gt": 30}}}`},
		{
			"and",
			compile.Filter{Kind: compile.AndFilter, Children: []compile.Filter{pred("a", compile.Eq, core.Number(1)), pred("b", compile.Ne, core.String("x"))}},
			`{"v": {"$and": [{"a": {"$eq": 1}}, {"b": {"$ne": "x"}}]}}`,
		},
		{
			"or of in",
			compile.Filter{Kind: compile.OrFilter, Children: []compile.Filter{pred("a", compile.In, core.Array(core.Number(1), core.Number(2))), pred("b", compile.Exists, core.Bool(false))}},
			`{"v": {"$or": [{"a": {"$in": [1, 2]}}, {"b": {"$exists": false}}]}}`,
		},
		{
			"not",
			compile.Filter{Kind: compile.NotFilter, Children: []compile.Filter{pred("tags", compile.Size, core.Number(2))}},
			`{"v": {"$nor": [{"tags": {"$size": 2}}]}}`,
		},
		{
			"regex",
			compile.Filter{Kind: compile.PredicateFilter, Field: "name", Operator: compile.Regex, Pattern: "^Al", Flags: "i"},
			`{"v": {"name": {"$regex": "^Al", "$options": "i"}}}`,
		},
		{
			"elem match on scalars",
			compile.Filter{Kind: compile.PredicateFilter, Field: "scores", Operator: compile.ElemMatch, Nested: &compile.Filter{Kind: compile.PredicateFilter, Operator: compile.Gte, Value: core.Number(90)}},
			`{"v": {"scores": {"$elemMatch": {"$gte": 90}}}}`,
		},
		{
			"elem match on documents",
			compile.Filter{Kind: compile.PredicateFilter, Field: "items", Operator: compile.ElemMatch, Nested: &compile.Filter{Kind: compile.PredicateFilter, Field: "qty", Operator: compile.Lt, Value: core.Number(5)}},
			`{"v": {"items": {"$elemMatch": {"qty": {"$lt": 5}}}}}`,
		},
		{
			"raw",
			compile.Filter{Kind: compile.RawFilter, Raw: []byte(`{"n": {"$mod": [4, 0]}}`)},
			`{"v": {"n": {"$mod": [4, 0]}}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Filter(tt.filter)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, extJSON(t, got))
		})
	}
}

func TestUpdateOperators(t *testing.T) {
	mutations := []compile.Mutation{
		{Op: compile.SetMutation, Field: "name", Value: core.String("Al")},
		{Op: compile.IncMutation, Field: "visits", Value: core.Number(1)},
		{Op: compile.SetMutation, Field: "profile.city", Value: core.String("Oslo")},
		{Op: compile.UnsetMutation, Field: "tmp"},
		{Op: compile.RenameMutation, Field: "old", To: "new"},
		{Op: compile.CurrentDateMutation, Field: "seen"},
	}
	got, err := Update(mutations, []compile.Mutation{{Op: compile.SetMutation, Field: "created", Value: core.Bool(true)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v": {
		"$set": {"name": "Al", "profile.city": "Oslo"},
		"$inc": {"visits": 1},
		"$unset": {"tmp": ""},
		"$rename": {"old": "new"},
		"$currentDate": {"seen": true},
		"$setOnInsert": {"created": true}
	}}`, extJSON(t, got))
}

func TestUpdatePipeline(t *testing.T) {
	double := &compile.MathExpr{Function: "MULTIPLY", Args: []compile.MathExpr{{Field: "n"}, {Value: core.Number(2)}}}

	t.Run("computed value", func(t *testing.T) {
		got, err := Update([]compile.Mutation{{Op: compile.SetMutation, Field: "d", Expr: double}}, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v": [{"$set": {"d": {"$multiply": ["$n", {"$literal": 2}]}}}]}`, extJSON(t, got))
	})

	t.Run("repeated field keeps order", func(t *testing.T) {
		got, err := Update([]compile.Mutation{
			{Op: compile.IncMutation, Field: "n", Value: core.Number(3)},
			{Op: compile.MulMutation, Field: "n", Value: core.Number(2)},
		}, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v": [
			{"$set": {"n": {"$add": [{"$ifNull": ["$n", 0]}, {"$literal": 3}]}}},
			{"$set": {"n": {"$multiply": [{"$ifNull": ["$n", 0]}, {"$literal": 2}]}}}
		]}`, extJSON(t, got))
	})

	t.Run("nested path overlap", func(t *testing.T) {
		got, err := Update([]compile.Mutation{
			{Op: compile.SetMutation, Field: "p", Value: core.Object()},
			{Op: compile.SetMutation, Field: "p.x", Value: core.Number(1)},
		}, nil)
		require.NoError(t, err)
		assert.IsType(t, bson.A{}, got)
	})

	t.Run("set on insert is rejected", func(t *testing.T) {
		_, err := Update([]compile.Mutation{{Op: compile.SetMutation, Field: "d", Expr: double}},
			[]compile.Mutation{{Op: compile.SetMutation, Field: "c", Value: core.Number(1)}})
		assert.Error(t, err)
	})
}

func TestExpression(t *testing.T) {
	call := func(fn string, args ...compile.MathExpr) compile.MathExpr {
		return compile.MathExpr{Function: fn, Args: args}
	}
	field := func(name string) compile.MathExpr { return compile.MathExpr{Field: name} }
	constant := func(v core.Value) compile.MathExpr { return compile.MathExpr{Value: v} }

	tests := []struct {
		name string
		expr compile.MathExpr
		want string
	}{
		{"year", call("YEAR", field("at")), `{"v": {"$year": "$at"}}`},
		{"round defaults to zero places", call("ROUND", field("x")), `{"v": {"$round": ["$x", 0]}}`},
		{"trim", call("TRIM", field("s")), `{"v": {"$trim": {"input": "$s"}}}`},
		{"date add", call("DATE_ADD", field("at"), constant(core.Number(1)), constant(core.String("Months"))),
			`{"v": {"$dateAdd": {"startDate": "$at", "unit": "month", "amount": {"$literal": 1}}}}`},
		{"date diff", call("DATE_DIFF", field("a"), field("b"), constant(core.String("day"))),
			`{"v": {"$dateDiff": {"startDate": "$a", "endDate": "$b", "unit": "day"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expression(tt.expr)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, extJSON(t, got))
		})
	}

	_, err := Expression(call("NOPE"))
	assert.Error(t, err)
}

func TestPipeline(t *testing.T) {
	stages := []compile.Stage{
		{Kind: script.MatchStage, Filter: compile.Filter{Kind: compile.PredicateFilter, Field: "status", Operator: compile.Eq, Value: core.String("paid")}},
		{Kind: script.GroupStage, Fields: []string{"customer"}, Accumulators: []compile.Accumulator{
			{Name: "total", Function: "SUM", Field: "amount"},
			{Name: "n", Function: "COUNT"},
		}},
		{Kind: script.SortStage, Sort: []compile.SortKey{{Field: "total", Descending: true}}},
		{Kind: script.LimitStage, N: 2},
		{Kind: script.UnwindStage, Field: "$items"},
		{Kind: script.ProjectStage, Fields: []string{"total", "-_id"}},
		{Kind: script.LookupStage, Lookup: compile.Lookup{From: "customers", Local: "customer", Foreign: "_id", As: "profile"}},
		{Kind: script.CountStage, Field: "n"},
		{Kind: script.RawStage, Raw: []byte(`{"$sample": {"size": 1}}`)},
	}
	got, err := Pipeline(stages)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v": [
		{"$match": {"status": {"$eq": "paid"}}},
		{"$group": {"_id": "$customer", "total": {"$sum": "$amount"}, "n": {"$sum": 1}}},
		{"$sort": {"total": -1}},
		{"$limit": 2},
		{"$unwind": "$items"},
		{"$project": {"total": 1, "_id": 0}},
		{"$lookup": {"from": "customers", "localField": "customer", "foreignField": "_id", "as": "profile"}},
		{"$count": "n"},
		{"$sample": {"size": 1}}
	]}`, extJSON(t, got))

	_, err = Pipeline([]compile.Stage{{Kind: script.GroupStage, Accumulators: []compile.Accumulator{{Name: "x", Function: "MEDIAN", Field: "a"}}}})
	assert.Error(t, err)
}

func TestInsertedIDs(t *testing.T) {
	docs := []core.Value{
		core.Object(core.F("_id", core.Number(1))),
		core.Object(core.F("_id", core.Number(2))),
		core.Object(core.F("_id", core.Number(3))),
	}
	ids := func(values []core.Value) []float64 {
		var out []float64
		for _, value := range values {
			out = append(out, value.Num)
		}
		return out
	}
	failure := driver.BulkWriteException{WriteErrors: []driver.BulkWriteError{{WriteError: driver.WriteError{Index: 1, Code: 11000}}}}

	tests := []struct {
		name    string
		ordered bool
		err     error
		want    []float64
	}{
		{"success", true, nil, []float64{1, 2, 3}},
		{"ordered stops", true, failure, []float64{1}},
		{"unordered skips", false, failure, []float64{1, 3}},
		{"unknown failure", true, errors.New("boom"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ids(insertedIDs(docs, tt.ordered, tt.err))); diff != "" {
				t.Errorf("inserted ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want backend.ErrorKind
	}{
		{"duplicate key", driver.WriteException{WriteErrors: []driver.WriteError{{Code: 11000}}}, backend.DuplicateKeyError},
		{"validation", driver.WriteException{WriteErrors: []driver.WriteError{{Code: 121}}}, backend.ValidationError},
		{"namespace missing", driver.CommandError{Code: 26}, backend.NotFoundError},
		{"namespace exists", driver.CommandError{Code: 48}, backend.ValidationError},
		{"no documents", driver.ErrNoDocuments, backend.NotFoundError},
		{"other", errors.New("boom"), backend.UnknownError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := backend.KindOf(mapError("users", tt.err))
			require.True(t, ok)
			assert.Equal(t, tt.want, kind)
		})
	}

	assert.NoError(t, mapError("users", nil))
	original := backend.Errorf(backend.UnsupportedError, "users", "x")
	assert.Same(t, original, mapError("users", original))
}
