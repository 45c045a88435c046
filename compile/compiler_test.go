package compile

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/resolve"
	"github.com/nickyhof/dotdata/script"
)

func newCompiler() *Compiler {
	return New(resolve.NewContext(resolve.Options{
		Now:  func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC) },
		Seed: 7,
	}))
}

func compileOne(t *testing.T, c *Compiler, source string) Command {
	t.Helper()
	ops, err := script.Parse(source)
	require.NoError(t, err)
	var last script.Operation
	for _, op := range ops {
		switch op := op.(type) {
		case script.Directive:
			if op.Name == script.CollectionIDTypeDirective {
				idType, _ := core.ParseRuntimeType(op.Value.(script.Literal).Text)
				c.resolver.SetIDType(op.Collection, idType)
			}
		case script.Variable:
			c.resolver.Define(op.Name, op.Value)
		default:
			last = op
		}
	}
	require.NotNil(t, last)
	cmd, err := c.Compile(last)
	require.NoError(t, err)
	return cmd
}

func valueComparer() cmp.Option {
	return cmp.Comparer(func(a, b core.Value) bool { return a.Equal(b) })
}

func TestCompileUpdate(t *testing.T) {
	cmd := compileOne(t, newCompiler(), `UPDATE users WHERE _id = "u1" AND age BETWEEN 18 AND 65 SET email = "b@test.com", visits += 1, credits -= 5, tags PUSH "vip", legacy UNSET, seen NOW`)

	want := Command{
		Kind:       UpdateCommand,
		Line:       1,
		Collection: "users",
		Filter: Filter{Kind: AndFilter, Children: []Filter{
			{Kind: PredicateFilter, Field: "_id", Operator: Eq, Value: core.String("u1")},
			{Kind: AndFilter, Children: []Filter{
				{Kind: PredicateFilter, Field: "age", Operator: Gte, Value: core.Number(18)},
				{Kind: PredicateFilter, Field: "age", Operator: Lte, Value: core.Number(65)},
			}},
		}},
		Mutations: []Mutation{
			{Op: SetMutation, Field: "email", Value: core.String("b@test.com")},
			{Op: IncMutation, Field: "visits", Value: core.Number(1)},
			{Op: IncMutation, Field: "credits", Value: core.Number(-5)},
			{Op: PushMutation, Field: "tags", Value: core.String("vip")},
			{Op: UnsetMutation, Field: "legacy"},
			{Op: CurrentDateMutation, Field: "seen"},
		},
	}
	if diff := cmp.Diff(want, cmd, valueComparer()); diff != "" {
		t.Errorf("compiled update mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"email", "visits", "credits", "tags", "legacy", "seen"}, cmd.TouchedFields())
}

func TestCompileInsertAppliesIDType(t *testing.T) {
	cmd := compileOne(t, newCompiler(), `
@COLLECTION_ID_TYPE products = ObjectId
INSERT products {"_id": "507f1f77bcf86cd799439020", "name": "Widget"}
`)
	require.Len(t, cmd.Documents, 1)
	id, ok := cmd.Documents[0].ID()
	require.True(t, ok)
	assert.Equal(t, core.ObjectIDType, id.Type)
}

func TestCompileInsertGeneratesMissingID(t *testing.T) {
	cmd := compileOne(t, newCompiler(), `INSERT_MANY users [{"name": "a"}, {"name": "b", "_id": 7}]`)
	require.Len(t, cmd.Documents, 2)

	first := cmd.Documents[0]
	assert.Equal(t, core.IDField, first.Fields[0].Name)
	assert.Equal(t, core.ObjectIDType, first.Fields[0].Value.Type)

	second, _ := cmd.Documents[1].ID()
	assert.Equal(t, core.Number(7), second)
}

func TestCompileInsertIndexesDocuments(t *testing.T) {
	cmd := compileOne(t, newCompiler(), `INSERT_MANY users [{"_id": "a", "email": "user{{$index}}@test.com"}, {"_id": "b", "email": "user{{$index}}@test.com"}]`)
	first, _ := cmd.Documents[0].Get("email")
	second, _ := cmd.Documents[1].Get("email")
	assert.Equal(t, "user1@test.com", first.Str)
	assert.Equal(t, "user2@test.com", second.Str)
}

func TestCompileRegexOperators(t *testing.T) {
	tests := []struct {
		where   string
		pattern string
		flags   string
	}{
		{`name CONTAINS "a.b"`, `a\.b`, ""},
		{`name STARTS_WITH "Jo"`, `^Jo`, ""},
		{`name ENDS_WITH "son"`, `son$`, ""},
		{`name MATCHES "/^j.*n$/i"`, `^j.*n$`, "i"},
		{`name MATCHES "^x"`, `^x`, ""},
		{`name LIKE "J_n%"`, `^J.n.*$`, "i"},
	}
	for _, tt := range tests {
		t.Run(tt.where, func(t *testing.T) {
			cmd := compileOne(t, newCompiler(), "FIND users WHERE "+tt.where)
			require.Len(t, cmd.Filter.Children, 1)
			regex := cmd.Filter.Children[0]
			assert.Equal(t, Regex, regex.Operator)
			assert.Equal(t, tt.pattern, regex.Pattern)
			assert.Equal(t, tt.flags, regex.Flags)
		})
	}
}

func TestCompileMathExpression(t *testing.T) {
	cmd := compileOne(t, newCompiler(), `UPDATE orders WHERE _id = "o1" SET total = ROUND(MULTIPLY(price, qty), 2)`)
	require.Len(t, cmd.Mutations, 1)
	expr := cmd.Mutations[0].Expr
	require.NotNil(t, expr)
	assert.Equal(t, "ROUND(MULTIPLY($price, $qty), 2)", expr.String())
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		reason string
	}{
		{"increment needs number", `UPDATE users SET visits += "x"`, "expects a number"},
		{"in needs list", `FIND users WHERE role IN "admin"`, "expects a list"},
		{"bad pattern", `FIND users WHERE name MATCHES "/(/"`, "invalid pattern"},
		{"id immutable", `UPDATE users WHERE _id = "u1" SET _id = "u2"`, "_id cannot be modified"},
		{"string id type cannot be generated", "@COLLECTION_ID_TYPE codes = String\nINSERT codes {\"name\": \"x\"}", "_id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCompiler()
			ops, err := script.Parse(tt.source)
			require.NoError(t, err)
			var cmdErr error
			for _, op := range ops {
				if directive, ok := op.(script.Directive); ok {
					idType, _ := core.ParseRuntimeType(directive.Value.(script.Literal).Text)
					c.resolver.SetIDType(directive.Collection, idType)
					continue
				}
				_, cmdErr = c.Compile(op)
			}
			var compileErr *core.CompileError
			require.ErrorAs(t, cmdErr, &compileErr)
			assert.Contains(t, compileErr.Reason, tt.reason)
			assert.Equal(t, len(ops), compileErr.Line)
		})
	}
}

func TestCompileAggregate(t *testing.T) {
	cmd := compileOne(t, newCompiler(), `
AGGREGATE orders PIPELINE:
  - MATCH status = "paid"
  - GROUP BY customer: total = SUM(amount), n = COUNT(amount)
  - SORT total DESC
  - LIMIT 5
`)
	require.Len(t, cmd.Pipeline, 4)
	assert.Equal(t, script.MatchStage, cmd.Pipeline[0].Kind)
	assert.Equal(t, core.String("paid"), cmd.Pipeline[0].Filter.Children[0].Value)
	assert.Equal(t, script.GroupStage, cmd.Pipeline[1].Kind)
	assert.Equal(t, 5, cmd.Pipeline[3].N)
}

func TestCompileOptions(t *testing.T) {
	cmd := compileOne(t, newCompiler(), `CREATE_INDEX users ON email UNIQUE OPTIONS name = "email_idx"`)
	assert.True(t, cmd.Options.Bool("unique"))
	name, ok := cmd.Options.String("NAME")
	assert.True(t, ok)
	assert.Equal(t, "email_idx", name)
	assert.Equal(t, []SortKey{{Field: "email"}}, cmd.Keys)
}
