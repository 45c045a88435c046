package compile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickyhof/dotdata/core"
)

func testDocument(t *testing.T) core.Value {
	t.Helper()
	doc, err := core.ParseDocument([]byte(`{
		"_id": {"$oid": "507f1f77bcf86cd799439011"},
		"name": "Jonathan",
		"age": 42,
		"tags": ["vip", "beta"],
		"address": {"city": "Oslo"},
		"items": [{"sku": "A1", "qty": 2}, {"sku": "B2", "qty": 5}],
		"deleted": null
	}`))
	require.NoError(t, err)
	return doc
}

func TestFilterMatches(t *testing.T) {
	doc := testDocument(t)
	c := newCompiler()

	tests := []struct {
		where string
		want  bool
	}{
		{`_id = "507f1f77bcf86cd799439011"`, true},
		{`name = "Jonathan" AND age > 40`, true},
		{`age >= 43`, false},
		{`age BETWEEN 40 AND 42`, true},
		{`tags = "vip"`, true},
		{`tags IN ("alpha", "beta")`, true},
		{`tags NOT_IN ("alpha")`, true},
		{`address.city = "Oslo"`, true},
		{`items.sku = "B2"`, true},
		{`items.0.qty = 2`, true},
		{`name STARTS_WITH "Jon"`, true},
		{`name LIKE "j%n"`, true},
		{`name MATCHES "/^jo/"`, false},
		{`nickname EXISTS`, false},
		{`nickname NOT_EXISTS`, true},
		{`deleted IS NULL`, true},
		{`missing IS NULL`, true},
		{`tags SIZE 2`, true},
		{`items ELEM_MATCH (sku = "A1" AND qty > 3)`, false},
		{`items ELEM_MATCH (sku = "B2" AND qty > 3)`, true},
		{`NOT age < 18`, true},
		{`(age < 18 OR name = "Jonathan")`, true},
		{`RAW: {"age": {"$gt": 40, "$lt": 50}, "tags": {"$in": ["vip"]}}`, true},
		{`RAW: {"$or": [{"age": 1}, {"address.city": {"$regex": "^os", "$options": "i"}}]}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.where, func(t *testing.T) {
			cmd := compileOne(t, c, "FIND users WHERE "+tt.where)
			got, err := cmd.Filter.Matches(doc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEmptyFilterMatchesEverything(t *testing.T) {
	ok, err := MatchAll().Matches(core.Object())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFilterID(t *testing.T) {
	cmd := compileOne(t, newCompiler(), `DELETE users WHERE status = "x" AND _id = "u1"`)
	id, ok := cmd.Filter.ID()
	require.True(t, ok)
	assert.Equal(t, core.String("u1"), id)

	_, ok = compileOne(t, newCompiler(), `DELETE users WHERE status = "x"`).Filter.ID()
	assert.False(t, ok)
}

func TestParseRawFilterRejectsUnknownOperators(t *testing.T) {
	_, err := ParseRawFilter([]byte(`{"a": {"$where": "1"}}`))
	assert.Error(t, err)
	_, err = ParseRawFilter([]byte(`{"$text": {"$search": "x"}}`))
	assert.Error(t, err)
}
