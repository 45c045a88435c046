package compile

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/resolve"
	"github.com/nickyhof/dotdata/script"
)

// Compiler lowers parsed operations into Commands, resolving every value
// through the run's resolution context.
type Compiler struct {
	resolver *resolve.Context
}

func New(resolver *resolve.Context) *Compiler {
	return &Compiler{resolver: resolver}
}

// Compile lowers one operation. Only data operations (INSERT, UPDATE,
// UPSERT, DELETE, FIND, COUNT, AGGREGATE and the collection admin
// operations) have a Command form.
func (c *Compiler) Compile(op script.Operation) (Command, error) {
	switch o := op.(type) {
	case script.Insert:
		return c.compileInsert(o)
	case script.Update:
		return c.compileUpdate(o)
	case script.Delete:
		filter, err := c.Filter(o.Line(), o.Collection, o.Where)
		if err != nil {
			return Command{}, err
		}
		options, err := c.options(o.Line(), o.Options)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: DeleteCommand, Line: o.Line(), Collection: o.Collection, Filter: filter, Options: options}, nil
	case script.Find:
		return c.compileFind(o)
	case script.Aggregate:
		return c.compileAggregate(o)
	case script.CreateIndex:
		options, err := c.options(o.Line(), o.Options)
		if err != nil {
			return Command{}, err
		}
		if len(o.Keys) == 0 {
			return Command{}, compileError(op, "index needs at least one key")
		}
		return Command{Kind: CreateIndexCommand, Line: o.Line(), Collection: o.Collection, Keys: o.Keys, Options: options}, nil
	case script.CreateCollection:
		options, err := c.options(o.Line(), o.Options)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CreateCollectionCommand, Line: o.Line(), Collection: o.Collection, Options: options}, nil
	case script.DropCollection:
		return Command{Kind: DropCollectionCommand, Line: o.Line(), Collection: o.Collection}, nil
	}
	return Command{}, compileError(op, "operation has no command form")
}

func compileError(op script.Operation, format string, args ...any) error {
	return &core.CompileError{Line: op.Line(), Operation: op.Kind().String(), Reason: fmt.Sprintf(format, args...)}
}

func (c *Compiler) compileInsert(op script.Insert) (Command, error) {
	cmd := Command{Kind: InsertCommand, Line: op.Line(), Collection: op.Collection}
	defer func() { c.resolver.Index = 1 }()
	for i, expression := range op.Documents {
		c.resolver.Index = i + 1
		value, err := c.resolver.Resolve(expression, resolve.Site{Line: op.Line(), Collection: op.Collection})
		if err != nil {
			return Command{}, err
		}
		doc, err := asDocument(value)
		if err != nil {
			return Command{}, compileError(op, "document %d: %v", i+1, err)
		}
		if doc, err = c.ensureID(op.Collection, doc); err != nil {
			return Command{}, compileError(op, "document %d: %v", i+1, err)
		}
		cmd.Documents = append(cmd.Documents, doc)
	}
	if len(cmd.Documents) == 0 {
		return Command{}, compileError(op, "no documents to insert")
	}
	options, err := c.options(op.Line(), op.Options)
	if err != nil {
		return Command{}, err
	}
	cmd.Options = options
	return cmd, nil
}

func asDocument(value core.Value) (core.Value, error) {
	switch value.Type {
	case core.ObjectType:
		return value, nil
	case core.RawType:
		doc, err := core.ParseDocument(value.Raw)
		if err != nil {
			return core.Value{}, err
		}
		if doc.Type != core.ObjectType {
			return core.Value{}, errors.New("RAW document is not a JSON object")
		}
		return doc, nil
	}
	return core.Value{}, fmt.Errorf("expected a document, got %s", value.Type)
}

// ensureID puts a generated _id first when the document has none, the way
// MongoDB drivers do, so the ledger knows every key before dispatch.
func (c *Compiler) ensureID(collection string, doc core.Value) (core.Value, error) {
	if _, ok := doc.ID(); ok {
		return doc, nil
	}
	idType, ok := c.resolver.IDType(collection)
	if !ok {
		idType = core.ObjectIDType
	}
	id, err := resolve.Generate(idType, c.resolver.Options().Now())
	if err != nil {
		return core.Value{}, fmt.Errorf("_id is required for %s collection %s", idType, collection)
	}
	fields := append([]core.Field{core.F(core.IDField, id)}, doc.Fields...)
	return core.Object(fields...), nil
}

func (c *Compiler) compileUpdate(op script.Update) (Command, error) {
	kind := UpdateCommand
	if op.Upsert {
		kind = UpsertCommand
	}
	if len(op.Set) == 0 && len(op.SetOnInsert) == 0 {
		return Command{}, compileError(op, "SET is required")
	}
	filter, err := c.Filter(op.Line(), op.Collection, op.Where)
	if err != nil {
		return Command{}, err
	}
	mutations, err := c.mutations(op, op.Set)
	if err != nil {
		return Command{}, err
	}
	onInsert, err := c.mutations(op, op.SetOnInsert)
	if err != nil {
		return Command{}, err
	}
	for _, mutation := range onInsert {
		if mutation.Op != SetMutation {
			return Command{}, compileError(op, "SET_ON_INSERT only accepts plain assignments, got %s on %s", mutation.Op, mutation.Field)
		}
	}
	options, err := c.options(op.Line(), op.Options)
	if err != nil {
		return Command{}, err
	}
	return Command{
		Kind:        kind,
		Line:        op.Line(),
		Collection:  op.Collection,
		Filter:      filter,
		Mutations:   mutations,
		SetOnInsert: onInsert,
		Options:     options,
	}, nil
}

func (c *Compiler) compileFind(op script.Find) (Command, error) {
	kind := FindCommand
	if op.Count {
		kind = CountCommand
	}
	filter, err := c.Filter(op.Line(), op.Collection, op.Where)
	if err != nil {
		return Command{}, err
	}
	options, err := c.options(op.Line(), op.Options)
	if err != nil {
		return Command{}, err
	}
	if op.Limit < 0 || op.Skip < 0 {
		return Command{}, compileError(op, "LIMIT and SKIP must not be negative")
	}
	return Command{
		Kind:       kind,
		Line:       op.Line(),
		Collection: op.Collection,
		Filter:     filter,
		Projection: op.Select,
		Sort:       op.Sort,
		Limit:      op.Limit,
		Skip:       op.Skip,
		Options:    options,
	}, nil
}

var accumulators = map[string]bool{
	"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true,
	"PUSH": true, "FIRST": true, "LAST": true, "ADD_TO_SET": true,
}

func (c *Compiler) compileAggregate(op script.Aggregate) (Command, error) {
	cmd := Command{Kind: AggregateCommand, Line: op.Line(), Collection: op.Collection}
	for _, stage := range op.Pipeline {
		compiled := Stage{
			Kind:         stage.Kind,
			Fields:       stage.Fields,
			Sort:         stage.Sort,
			N:            stage.N,
			Field:        stage.Field,
			Accumulators: stage.Accumulators,
			Lookup:       stage.Lookup,
		}
		switch stage.Kind {
		case script.MatchStage:
			filter, err := c.Filter(op.Line(), op.Collection, stage.Where)
			if err != nil {
				return Command{}, err
			}
			compiled.Filter = filter
		case script.GroupStage:
			for _, accumulator := range stage.Accumulators {
				if !accumulators[strings.ToUpper(accumulator.Function)] {
					return Command{}, compileError(op, "unknown accumulator %s in GROUP", accumulator.Function)
				}
			}
		case script.LimitStage, script.SkipStage:
			if stage.N < 0 {
				return Command{}, compileError(op, "%s must not be negative", stage.Kind)
			}
		case script.RawStage:
			compiled.Raw = []byte(stage.Raw.JSON)
		}
		cmd.Pipeline = append(cmd.Pipeline, compiled)
	}
	options, err := c.options(op.Line(), op.Options)
	if err != nil {
		return Command{}, err
	}
	cmd.Options = options
	return cmd, nil
}

func (c *Compiler) options(line int, options []script.Option) (Options, error) {
	if len(options) == 0 {
		return nil, nil
	}
	compiled := make(Options, len(options))
	for _, option := range options {
		value, err := c.resolver.ResolvePlain(option.Value, line)
		if err != nil {
			return nil, err
		}
		compiled[strings.ToLower(option.Name)] = value
	}
	return compiled, nil
}

// Filter compiles a WHERE tree. Values are resolved with the condition's
// field as their site, so _id conditions follow the collection's id type.
func (c *Compiler) Filter(line int, collection string, clause script.Clause) (Filter, error) {
	b := filterBuilder{compiler: c, line: line, collection: collection}
	return b.build(script.Root(clause))
}

type filterBuilder struct {
	compiler   *Compiler
	line       int
	collection string
}

func (b filterBuilder) errorf(format string, args ...any) error {
	return &core.CompileError{Line: b.line, Operation: "WHERE", Reason: fmt.Sprintf(format, args...)}
}

func (b filterBuilder) build(clause script.Clause) (Filter, error) {
	switch clause.Kind {
	case script.AndClause, script.OrClause, script.NotClause:
		kind := map[script.ClauseKind]FilterKind{script.AndClause: AndFilter, script.OrClause: OrFilter, script.NotClause: NotFilter}[clause.Kind]
		filter := Filter{Kind: kind}
		for _, child := range clause.Children {
			compiled, err := b.build(child)
			if err != nil {
				return Filter{}, err
			}
			filter.Children = append(filter.Children, compiled)
		}
		if kind == NotFilter && len(filter.Children) != 1 {
			return Filter{}, b.errorf("NOT takes exactly one condition")
		}
		return filter, nil
	case script.RawClause:
		return Filter{Kind: RawFilter, Raw: []byte(clause.Raw.JSON)}, nil
	case script.ConditionClause:
		return b.condition(clause.Condition)
	}
	return Filter{}, b.errorf("unknown clause kind %d", clause.Kind)
}

func (b filterBuilder) value(field string, expression script.Expression) (core.Value, error) {
	return b.compiler.resolver.Resolve(expression, resolve.Site{Line: b.line, Collection: b.collection, Field: field})
}

func (b filterBuilder) condition(condition script.Condition) (Filter, error) {
	predicate := func(operator Operator, value core.Value) Filter {
		return Filter{Kind: PredicateFilter, Field: condition.Field, Operator: operator, Value: value}
	}
	arg := func() (core.Value, error) {
		if len(condition.Args) != 1 {
			return core.Value{}, b.errorf("%s on %s takes one value", condition.Operator, condition.Field)
		}
		return b.value(condition.Field, condition.Args[0])
	}

	switch condition.Operator {
	case script.Equals, script.NotEquals, script.GreaterThan, script.GreaterThanOrEqual, script.LessThan, script.LessThanOrEqual:
		value, err := arg()
		if err != nil {
			return Filter{}, err
		}
		operator := map[script.ConditionOperator]Operator{
			script.Equals: Eq, script.NotEquals: Ne,
			script.GreaterThan: Gt, script.GreaterThanOrEqual: Gte,
			script.LessThan: Lt, script.LessThanOrEqual: Lte,
		}[condition.Operator]
		return predicate(operator, value), nil
	case script.In, script.NotIn:
		value, err := arg()
		if err != nil {
			return Filter{}, err
		}
		if value.Type != core.ArrayType {
			return Filter{}, b.errorf("%s on %s expects a list, got %s", condition.Operator, condition.Field, value.Type)
		}
		if condition.Operator == script.NotIn {
			return predicate(Nin, value), nil
		}
		return predicate(In, value), nil
	case script.Between:
		if len(condition.Args) != 2 {
			return Filter{}, b.errorf("BETWEEN on %s takes two values", condition.Field)
		}
		low, err := b.value(condition.Field, condition.Args[0])
		if err != nil {
			return Filter{}, err
		}
		high, err := b.value(condition.Field, condition.Args[1])
		if err != nil {
			return Filter{}, err
		}
		return Filter{Kind: AndFilter, Children: []Filter{predicate(Gte, low), predicate(Lte, high)}}, nil
	case script.Exists:
		return predicate(Exists, core.Bool(true)), nil
	case script.NotExists:
		return predicate(Exists, core.Bool(false)), nil
	case script.Size:
		value, err := arg()
		if err != nil {
			return Filter{}, err
		}
		if !value.IsInteger() || value.Num < 0 {
			return Filter{}, b.errorf("SIZE on %s expects a non-negative integer", condition.Field)
		}
		return predicate(Size, value), nil
	case script.ElemMatch:
		if condition.Nested == nil {
			return Filter{}, b.errorf("ELEM_MATCH on %s has no conditions", condition.Field)
		}
		nested, err := b.build(script.Root(*condition.Nested))
		if err != nil {
			return Filter{}, err
		}
		filter := predicate(ElemMatch, core.Value{})
		filter.Nested = &nested
		return filter, nil
	case script.Contains, script.StartsWith, script.EndsWith, script.Matches, script.Like:
		if len(condition.Args) != 1 {
			return Filter{}, b.errorf("%s on %s takes one value", condition.Operator, condition.Field)
		}
		text, err := b.compiler.resolver.ResolvePlain(condition.Args[0], b.line)
		if err != nil {
			return Filter{}, err
		}
		if text.Type != core.StringType {
			return Filter{}, b.errorf("%s on %s expects a string, got %s", condition.Operator, condition.Field, text.Type)
		}
		pattern, flags := regexFor(condition.Operator, text.Str)
		if _, err := regexp.Compile(goPattern(pattern, flags)); err != nil {
			return Filter{}, b.errorf("invalid pattern for %s: %v", condition.Field, err)
		}
		filter := predicate(Regex, core.Value{})
		filter.Pattern, filter.Flags = pattern, flags
		return filter, nil
	}
	return Filter{}, b.errorf("unsupported operator %s", condition.Operator)
}

// regexFor lowers the string operators to a regular expression and MongoDB
// option letters. MATCHES accepts /pattern/flags or a bare pattern.
func regexFor(operator script.ConditionOperator, text string) (string, string) {
	switch operator {
	case script.Contains:
		return regexp.QuoteMeta(text), ""
	case script.StartsWith:
		return "^" + regexp.QuoteMeta(text), ""
	case script.EndsWith:
		return regexp.QuoteMeta(text) + "$", ""
	case script.Like:
		var b strings.Builder
		b.WriteByte('^')
		for _, r := range text {
			switch r {
			case '%':
				b.WriteString(".*")
			case '_':
				b.WriteByte('.')
			default:
				b.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
		b.WriteByte('$')
		return b.String(), "i"
	}
	if strings.HasPrefix(text, "/") {
		if end := strings.LastIndex(text, "/"); end > 0 {
			return text[1:end], text[end+1:]
		}
	}
	return text, ""
}

// goPattern folds MongoDB regex options into Go inline flags.
func goPattern(pattern, flags string) string {
	var inline strings.Builder
	for _, flag := range flags {
		switch flag {
		case 'i', 'm', 's':
			inline.WriteRune(flag)
		}
	}
	if inline.Len() == 0 {
		return pattern
	}
	return "(?" + inline.String() + ")" + pattern
}

func (c *Compiler) mutations(op script.Operation, assignments []script.Assignment) ([]Mutation, error) {
	line := op.Line()
	collection := script.CollectionOf(op)
	var mutations []Mutation
	for _, assignment := range assignments {
		mutation := Mutation{Field: assignment.Field}
		resolveValue := func() (core.Value, error) {
			return c.resolver.Resolve(assignment.Value, resolve.Site{Line: line, Collection: collection, Field: assignment.Field})
		}
		number := func() (core.Value, error) {
			value, err := resolveValue()
			if err != nil {
				return core.Value{}, err
			}
			if value.Type != core.NumberType {
				return core.Value{}, compileError(op, "%s on %s expects a number, got %s", assignment.Operator, assignment.Field, value.Type)
			}
			return value, nil
		}
		var err error

		switch assignment.Operator {
		case script.Assign:
			mutation.Op = SetMutation
			if call, ok := assignment.Value.(script.MathCall); ok {
				expr, err := c.mathExpr(line, collection, call)
				if err != nil {
					return nil, err
				}
				mutation.Expr = &expr
				break
			}
			mutation.Value, err = resolveValue()
		case script.Increment:
			mutation.Op = IncMutation
			mutation.Value, err = number()
		case script.Decrement:
			mutation.Op = IncMutation
			mutation.Value, err = number()
			mutation.Value.Num = -mutation.Value.Num
		case script.Multiply:
			mutation.Op = MulMutation
			mutation.Value, err = number()
		case script.Push:
			mutation.Op = PushMutation
			mutation.Value, err = resolveValue()
		case script.Remove:
			mutation.Op = PullMutation
			mutation.Value, err = resolveValue()
		case script.AddUnique:
			mutation.Op = AddToSetMutation
			mutation.Value, err = resolveValue()
		case script.RemoveAll:
			mutation.Op = PullAllMutation
			mutation.Value, err = resolveValue()
			if err == nil && mutation.Value.Type != core.ArrayType {
				err = compileError(op, "REMOVE_ALL on %s expects a list", assignment.Field)
			}
		case script.Unset:
			mutation.Op = UnsetMutation
		case script.SetNow:
			mutation.Op = CurrentDateMutation
		case script.Rename:
			mutation.Op = RenameMutation
			mutation.To = assignment.Target
			if mutation.To == "" || mutation.To == mutation.Field {
				err = compileError(op, "RENAME on %s needs a different target name", assignment.Field)
			}
		default:
			err = compileError(op, "unsupported SET operator %s", assignment.Operator)
		}
		if err != nil {
			return nil, err
		}
		if mutation.Field == core.IDField {
			return nil, compileError(op, "_id cannot be modified")
		}
		mutations = append(mutations, mutation)
	}
	return mutations, nil
}

func (c *Compiler) mathExpr(line int, collection string, call script.MathCall) (MathExpr, error) {
	name := strings.ToUpper(call.Name)
	arity, ok := script.MathFunctions[name]
	if !ok {
		return MathExpr{}, &core.CompileError{Line: line, Operation: "SET", Reason: "unknown function " + call.Name}
	}
	if len(call.Args) < arity.Min || (arity.Max >= 0 && len(call.Args) > arity.Max) {
		return MathExpr{}, &core.CompileError{Line: line, Operation: "SET", Reason: fmt.Sprintf("%s takes %s, got %d", name, arity, len(call.Args))}
	}
	expr := MathExpr{Function: name}
	for _, arg := range call.Args {
		switch a := arg.(type) {
		case script.FieldRef:
			expr.Args = append(expr.Args, MathExpr{Field: a.Path})
		case script.MathCall:
			nested, err := c.mathExpr(line, collection, a)
			if err != nil {
				return MathExpr{}, err
			}
			expr.Args = append(expr.Args, nested)
		default:
			value, err := c.resolver.Resolve(arg, resolve.Site{Line: line, Collection: collection})
			if err != nil {
				return MathExpr{}, err
			}
			expr.Args = append(expr.Args, MathExpr{Value: value})
		}
	}
	return expr, nil
}
