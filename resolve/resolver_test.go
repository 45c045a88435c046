package resolve

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/script"
)

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestContext(options Options) *Context {
	options.Now = func() time.Time { return fixedNow }
	options.Seed = 42
	return NewContext(options)
}

func resolveDocument(t *testing.T, c *Context, collection, source string) core.Value {
	t.Helper()
	ops, err := script.Parse(source)
	require.NoError(t, err)
	for _, op := range ops {
		switch op := op.(type) {
		case script.Directive:
			if op.Name == script.CollectionIDTypeDirective {
				idType, ok := core.ParseRuntimeType(op.Value.(script.Literal).Text)
				require.True(t, ok)
				c.SetIDType(op.Collection, idType)
			}
		case script.Insert:
			value, err := c.Resolve(op.Documents[0], Site{Line: op.Line(), Collection: collection})
			require.NoError(t, err)
			return value
		}
	}
	t.Fatal("no INSERT in source")
	return core.Value{}
}

func TestDeclaredIDTypeWins(t *testing.T) {
	c := newTestContext(Options{})
	doc := resolveDocument(t, c, "products", `
@COLLECTION_ID_TYPE products = ObjectId
INSERT products {"_id": "507f1f77bcf86cd799439020"}
`)
	id, ok := doc.ID()
	require.True(t, ok)
	assert.Equal(t, core.ObjectIDType, id.Type)
	assert.Equal(t, "507f1f77bcf86cd799439020", id.Str)
}

func TestDeclaredIDTypeRejectsBadValue(t *testing.T) {
	c := newTestContext(Options{})
	c.SetIDType("products", core.ObjectIDType)
	_, err := c.Resolve(script.StringLit("not-an-object-id"), Site{Line: 4, Collection: "products", Field: "_id"})
	require.Error(t, err)

	var resolveErr *core.ResolveError
	require.ErrorAs(t, err, &resolveErr)
	assert.Equal(t, 4, resolveErr.Line)
	assert.ErrorIs(t, err, core.ErrInvalidCast)
}

func TestSmartIDDetection(t *testing.T) {
	tests := []struct {
		literal string
		want    core.Value
	}{
		{"507f1f77bcf86cd799439011", core.ObjectID("507f1f77bcf86cd799439011")},
		{"550E8400-E29B-41D4-A716-446655440000", core.GUID("550E8400-E29B-41D4-A716-446655440000")},
		{"550e8400-e29b-41d4-a716-446655440000", core.UUID("550e8400-e29b-41d4-a716-446655440000")},
		{"12345", core.Number(12345)},
		{"u1", core.String("u1")},
		{"2024-01-15", core.String("2024-01-15")},
		{"123456789012345", core.Number(123456789012345)},
		{"1234567890123456", core.String("1234567890123456")},
	}
	for _, tt := range tests {
		t.Run(tt.literal, func(t *testing.T) {
			c := newTestContext(Options{})
			got, err := c.Resolve(script.StringLit(tt.literal), Site{Collection: "users", Field: "_id"})
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}

func TestDateDetectionOnPlainFields(t *testing.T) {
	c := newTestContext(Options{})
	site := Site{Collection: "events", Field: "when"}

	got, err := c.Resolve(script.StringLit("2024-01-15T10:30:00Z"), site)
	require.NoError(t, err)
	assert.Equal(t, core.DateType, got.Type)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), got.Time)

	got, err = c.Resolve(script.StringLit("555-123-4567"), Site{Collection: "users", Field: "phone"})
	require.NoError(t, err)
	assert.Equal(t, core.String("555-123-4567"), got)
}

func TestDateDetectionCanBeDisabled(t *testing.T) {
	c := newTestContext(Options{DisableDateDetection: true})
	got, err := c.Resolve(script.StringLit("2024-01-15"), Site{Field: "when"})
	require.NoError(t, err)
	assert.Equal(t, core.String("2024-01-15"), got)
}

func TestCastBeatsDetection(t *testing.T) {
	c := newTestContext(Options{})
	c.SetIDType("users", core.NumberType)

	got, err := c.Resolve(script.CastCall{Type: core.StringType, Arg: script.StringLit("507f1f77bcf86cd799439011")}, Site{Collection: "users", Field: "_id"})
	require.NoError(t, err)
	assert.Equal(t, core.String("507f1f77bcf86cd799439011"), got)

	got, err = c.Resolve(script.CastCall{Type: core.DateType, Arg: script.StringLit("2024-01-15")}, Site{Field: "_id"})
	require.NoError(t, err)
	assert.Equal(t, core.DateType, got.Type)
}

func TestInvalidCast(t *testing.T) {
	c := newTestContext(Options{})
	_, err := c.Resolve(script.CastCall{Type: core.NumberType, Arg: script.StringLit("abc")}, Site{Line: 9, Field: "qty"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidCast))
	assert.Contains(t, err.Error(), "line 9")
	assert.Contains(t, err.Error(), `Number("abc")`)
}

func TestGeneratedValues(t *testing.T) {
	c := newTestContext(Options{})
	id, err := c.Resolve(script.CastCall{Type: core.ObjectIDType}, Site{Field: "_id"})
	require.NoError(t, err)
	assert.Equal(t, core.ObjectIDType, id.Type)
	assert.Len(t, id.Str, 24)

	now, err := c.Resolve(script.CastCall{Type: core.DateType}, Site{Field: "created"})
	require.NoError(t, err)
	assert.Equal(t, fixedNow, now.Time)
}

func TestVariablesResolveAtUseSite(t *testing.T) {
	c := newTestContext(Options{})
	c.Define("productId", script.StringLit("507f1f77bcf86cd799439011"))
	c.Define("alias", script.VariableRef{Name: "productId"})

	id, err := c.Resolve(script.VariableRef{Name: "alias"}, Site{Collection: "products", Field: "_id"})
	require.NoError(t, err)
	assert.Equal(t, core.ObjectIDType, id.Type)

	ref, err := c.Resolve(script.VariableRef{Name: "alias"}, Site{Collection: "orders", Field: "sku"})
	require.NoError(t, err)
	assert.Equal(t, core.String("507f1f77bcf86cd799439011"), ref)
}

func TestUnknownVariable(t *testing.T) {
	c := newTestContext(Options{})
	_, err := c.Resolve(script.VariableRef{Name: "missing"}, Site{Line: 3})
	assert.ErrorIs(t, err, core.ErrUnknownVariable)
}

func TestRuntimeVariableCycle(t *testing.T) {
	c := newTestContext(Options{})
	c.Define("a", script.VariableRef{Name: "b"})
	c.Define("b", script.VariableRef{Name: "a"})
	_, err := c.Resolve(script.VariableRef{Name: "a"}, Site{Line: 1})
	assert.ErrorIs(t, err, ErrVariableCycle)
}

func TestTemplatesAndBuiltins(t *testing.T) {
	c := newTestContext(Options{Getenv: func(name string) (string, bool) {
		return "staging", name == "STAGE"
	}})
	c.Index = 3

	email := script.Template{Parts: []script.Expression{script.StringLit("user"), script.FunctionCall{Name: "index"}, script.StringLit("@test.com")}}
	got, err := c.Resolve(email, Site{Field: "email"})
	require.NoError(t, err)
	assert.Equal(t, core.String("user3@test.com"), got)

	got, err = c.Resolve(script.FunctionCall{Name: "futureDate", Args: []string{"7d"}}, Site{Field: "expires"})
	require.NoError(t, err)
	assert.Equal(t, fixedNow.AddDate(0, 0, 7), got.Time)

	got, err = c.Resolve(script.FunctionCall{Name: "env", Args: []string{"STAGE"}}, Site{Field: "stage"})
	require.NoError(t, err)
	assert.Equal(t, core.String("staging"), got)

	first, err := c.Resolve(script.FunctionCall{Name: "counter", Args: []string{"order"}}, Site{})
	require.NoError(t, err)
	second, err := c.Resolve(script.FunctionCall{Name: "counter", Args: []string{"order"}}, Site{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, first.Num)
	assert.Equal(t, 2.0, second.Num)

	n, err := c.Resolve(script.FunctionCall{Name: "randomInt", Args: []string{"5", "7"}}, Site{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n.Num, 5.0)
	assert.LessOrEqual(t, n.Num, 7.0)

	_, err = c.Resolve(script.FunctionCall{Name: "nope"}, Site{Line: 2})
	assert.ErrorIs(t, err, ErrUnknownFunction)
}

func TestNestedIDIsNotDetected(t *testing.T) {
	c := newTestContext(Options{})
	doc := script.ObjectLiteral{Fields: []script.ObjectField{
		{Name: "_id", Value: script.StringLit("507f1f77bcf86cd799439011")},
		{Name: "ref", Value: script.ObjectLiteral{Fields: []script.ObjectField{
			{Name: "_id", Value: script.StringLit("507f1f77bcf86cd799439012")},
		}}},
	}}
	got, err := c.Resolve(doc, Site{Collection: "orders"})
	require.NoError(t, err)

	id, _ := got.ID()
	assert.Equal(t, core.ObjectIDType, id.Type)
	nested, _ := got.Lookup("ref._id")
	assert.Equal(t, core.StringType, nested.Type)
}

func TestBackendFunctionsAreRejected(t *testing.T) {
	c := newTestContext(Options{})
	_, err := c.Resolve(script.MathCall{Name: "ABS", Args: []script.Expression{script.FieldRef{Path: "x"}}}, Site{Line: 5})
	assert.ErrorIs(t, err, ErrBackendFunction)
}

func lit(s string) script.Literal {
	return script.StringLit(s)
}
