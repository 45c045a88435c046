package mongo

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/script"
)

// ToBSON converts a resolved value to the driver's representation. UUIDs
// are binary subtype 4; GUIDs are subtype 3 in the legacy C# byte order.
func ToBSON(value core.Value) (any, error) {
	switch value.Type {
	case core.StringType:
		return value.Str, nil
	case core.NumberType:
		if value.IsInteger() && math.Abs(value.Num) < 1<<53 {
			n := int64(value.Num)
			if n >= math.MinInt32 && n <= math.MaxInt32 {
				return int32(n), nil
			}
			return n, nil
		}
		return value.Num, nil
	case core.BooleanType:
		return value.Bool, nil
	case core.NullType:
		return nil, nil
	case core.ObjectIDType:
		id, err := primitive.ObjectIDFromHex(value.Str)
		if err != nil {
			return nil, fmt.Errorf("invalid ObjectId %q: %w", value.Str, err)
		}
		return id, nil
	case core.UUIDType, core.GUIDType:
		id, err := uuid.Parse(value.Str)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", value.Type, value.Str, err)
		}
		if value.Type == core.UUIDType {
			return primitive.Binary{Subtype: bson.TypeBinaryUUID, Data: id[:]}, nil
		}
		return primitive.Binary{Subtype: bson.TypeBinaryUUIDOld, Data: legacyGUIDBytes(id)}, nil
	case core.DateType:
		return primitive.NewDateTimeFromTime(value.Time), nil
	case core.ArrayType:
		items := make(bson.A, len(value.Items))
		for i, item := range value.Items {
			converted, err := ToBSON(item)
			if err != nil {
				return nil, err
			}
			items[i] = converted
		}
		return items, nil
	case core.ObjectType:
		return toDocument(value)
	case core.RawType:
		return rawValue(value.Raw)
	}
	return nil, fmt.Errorf("cannot convert %s to BSON", value.Type)
}

func toDocument(value core.Value) (bson.D, error) {
	doc := make(bson.D, 0, len(value.Fields))
	for _, field := range value.Fields {
		converted, err := ToBSON(field.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field.Name, err)
		}
		doc = append(doc, bson.E{Key: field.Name, Value: converted})
	}
	return doc, nil
}

// rawValue decodes a verbatim extended JSON fragment.
func rawValue(raw json.RawMessage) (any, error) {
	var wrapper bson.D
	if err := bson.UnmarshalExtJSON([]byte(`{"v":`+string(raw)+`}`), false, &wrapper); err != nil {
		return nil, fmt.Errorf("invalid extended JSON: %w", err)
	}
	return wrapper[0].Value, nil
}

func rawDocument(raw json.RawMessage) (bson.D, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, fmt.Errorf("invalid extended JSON: %w", err)
	}
	return doc, nil
}

func legacyGUIDBytes(id uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	b[0], b[1], b[2], b[3] = id[3], id[2], id[1], id[0]
	b[4], b[5] = id[5], id[4]
	b[6], b[7] = id[7], id[6]
	return b
}

// FromBSON converts a decoded driver value back to a core value. Types
// without a counterpart are kept as relaxed extended JSON.
func FromBSON(value any) (core.Value, error) {
	switch v := value.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return core.Null(), nil
	case string:
		return core.String(v), nil
	case int32:
		return core.Number(float64(v)), nil
	case int64:
		return core.Number(float64(v)), nil
	case int:
		return core.Number(float64(v)), nil
	case float64:
		return core.Number(v), nil
	case bool:
		return core.Bool(v), nil
	case primitive.ObjectID:
		return core.ObjectID(v.Hex()), nil
	case primitive.DateTime:
		return core.Date(v.Time()), nil
	case primitive.Timestamp:
		return core.Date(time.Unix(int64(v.T), 0)), nil
	case primitive.Decimal128:
		f, err := decimalToFloat(v)
		if err != nil {
			return core.Value{}, err
		}
		return core.Number(f), nil
	case primitive.Binary:
		switch {
		case v.Subtype == bson.TypeBinaryUUID && len(v.Data) == 16:
			id, _ := uuid.FromBytes(v.Data)
			return core.UUID(id.String()), nil
		case v.Subtype == bson.TypeBinaryUUIDOld && len(v.Data) == 16:
			id, _ := uuid.FromBytes(legacyGUIDBytes(uuid.UUID(v.Data)))
			return core.GUID(id.String()), nil
		}
	case bson.A:
		items := make([]core.Value, len(v))
		for i, item := range v {
			converted, err := FromBSON(item)
			if err != nil {
				return core.Value{}, err
			}
			items[i] = converted
		}
		return core.Array(items...), nil
	case bson.D:
		return fromDocument(v)
	case bson.M:
		doc := make(bson.D, 0, len(v))
		for key, item := range v {
			doc = append(doc, bson.E{Key: key, Value: item})
		}
		return fromDocument(doc)
	}

	data, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: value}}, false, false)
	if err != nil {
		return core.Value{}, fmt.Errorf("cannot convert %T from BSON: %w", value, err)
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return core.Value{}, err
	}
	return core.Raw(wrapper["v"]), nil
}

func fromDocument(doc bson.D) (core.Value, error) {
	out := core.Object()
	for _, elem := range doc {
		converted, err := FromBSON(elem.Value)
		if err != nil {
			return core.Value{}, fmt.Errorf("%s: %w", elem.Key, err)
		}
		out.Fields = append(out.Fields, core.F(elem.Key, converted))
	}
	return out, nil
}

func decimalToFloat(d primitive.Decimal128) (float64, error) {
	f, err := strconv.ParseFloat(d.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("decimal %s: %w", d, err)
	}
	return f, nil
}

// Filter converts a compiled filter to a query document.
func Filter(filter compile.Filter) (bson.D, error) {
	switch filter.Kind {
	case compile.AndFilter, compile.OrFilter:
		if filter.Kind == compile.AndFilter {
			switch len(filter.Children) {
			case 0:
				return bson.D{}, nil
			case 1:
				return Filter(filter.Children[0])
			}
		}
		children := make(bson.A, 0, len(filter.Children))
		for _, child := range filter.Children {
			converted, err := Filter(child)
			if err != nil {
				return nil, err
			}
			children = append(children, converted)
		}
		operator := "$and"
		if filter.Kind == compile.OrFilter {
			operator = "$or"
		}
		return bson.D{{Key: operator, Value: children}}, nil
	case compile.NotFilter:
		if len(filter.Children) != 1 {
			return nil, fmt.Errorf("NOT expects one condition, got %d", len(filter.Children))
		}
		child, err := Filter(filter.Children[0])
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$nor", Value: bson.A{child}}}, nil
	case compile.RawFilter:
		return rawDocument(filter.Raw)
	case compile.PredicateFilter:
		condition, err := predicate(filter)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: filter.Field, Value: condition}}, nil
	}
	return nil, fmt.Errorf("unsupported filter kind %d", filter.Kind)
}

// predicate returns the operator document of a single-field condition.
func predicate(filter compile.Filter) (bson.D, error) {
	switch filter.Operator {
	case compile.Regex:
		regex := bson.D{{Key: "$regex", Value: filter.Pattern}}
		if filter.Flags != "" {
			regex = append(regex, bson.E{Key: "$options", Value: filter.Flags})
		}
		return regex, nil
	case compile.ElemMatch:
		if filter.Nested == nil {
			return nil, fmt.Errorf("%s: $elemMatch without a condition", filter.Field)
		}
		nested, err := elemMatch(*filter.Nested)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$elemMatch", Value: nested}}, nil
	}
	value, err := ToBSON(filter.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filter.Field, err)
	}
	return bson.D{{Key: filter.Operator.String(), Value: value}}, nil
}

// elemMatch converts the condition applied to array elements. Conditions
// without a field apply to the element itself.
func elemMatch(filter compile.Filter) (bson.D, error) {
	if filter.Kind == compile.PredicateFilter && filter.Field == "" {
		return predicate(filter)
	}
	return Filter(filter)
}

// Update converts mutations to an update document. Updates that compute
// values or touch a path more than once are sent as an aggregation
// pipeline so the steps apply in order.
func Update(mutations, setOnInsert []compile.Mutation) (any, error) {
	if needsPipeline(mutations) {
		if len(setOnInsert) > 0 {
			return nil, fmt.Errorf("SET_ON_INSERT cannot be combined with computed or repeated fields")
		}
		return updatePipeline(mutations)
	}

	var (
		order  []string
		groups = map[string]bson.D{}
	)
	add := func(operator, field string, value any) {
		if _, ok := groups[operator]; !ok {
			order = append(order, operator)
		}
		groups[operator] = append(groups[operator], bson.E{Key: field, Value: value})
	}
	for _, mutation := range mutations {
		switch mutation.Op {
		case compile.UnsetMutation:
			add("$unset", mutation.Field, "")
		case compile.CurrentDateMutation:
			add("$currentDate", mutation.Field, true)
		case compile.RenameMutation:
			add("$rename", mutation.Field, mutation.To)
		default:
			value, err := ToBSON(mutation.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", mutation.Field, err)
			}
			add(mutation.Op.String(), mutation.Field, value)
		}
	}
	for _, mutation := range setOnInsert {
		value, err := ToBSON(mutation.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", mutation.Field, err)
		}
		add("$setOnInsert", mutation.Field, value)
	}

	update := make(bson.D, 0, len(order))
	for _, operator := range order {
		update = append(update, bson.E{Key: operator, Value: groups[operator]})
	}
	return update, nil
}

func needsPipeline(mutations []compile.Mutation) bool {
	var paths []string
	for _, mutation := range mutations {
		if mutation.Expr != nil {
			return true
		}
		for _, path := range []string{mutation.Field, mutation.To} {
			if path == "" {
				continue
			}
			for _, other := range paths {
				if overlaps(path, other) {
					return true
				}
			}
			paths = append(paths, path)
		}
	}
	return false
}

func overlaps(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

func updatePipeline(mutations []compile.Mutation) (bson.A, error) {
	stages := bson.A{}
	set := func(field string, expr any) {
		stages = append(stages, bson.D{{Key: "$set", Value: bson.D{{Key: field, Value: expr}}}})
	}
	for _, mutation := range mutations {
		ref := "$" + mutation.Field
		if mutation.Op == compile.UnsetMutation {
			stages = append(stages, bson.D{{Key: "$unset", Value: mutation.Field}})
			continue
		}
		if mutation.Op == compile.CurrentDateMutation {
			set(mutation.Field, "$$NOW")
			continue
		}
		if mutation.Op == compile.RenameMutation {
			set(mutation.To, ref)
			stages = append(stages, bson.D{{Key: "$unset", Value: mutation.Field}})
			continue
		}
		if mutation.Expr != nil {
			expr, err := Expression(*mutation.Expr)
			if err != nil {
				return nil, err
			}
			set(mutation.Field, expr)
			continue
		}

		value, err := ToBSON(mutation.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", mutation.Field, err)
		}
		literal := bson.D{{Key: "$literal", Value: value}}
		switch mutation.Op {
		case compile.SetMutation:
			set(mutation.Field, literal)
		case compile.IncMutation:
			set(mutation.Field, bson.D{{Key: "$add", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{ref, 0}}}, literal}}})
		case compile.MulMutation:
			set(mutation.Field, bson.D{{Key: "$multiply", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{ref, 0}}}, literal}}})
		case compile.PushMutation, compile.AddToSetMutation:
			current := bson.D{{Key: "$ifNull", Value: bson.A{ref, bson.A{}}}}
			appended := bson.D{{Key: "$concatArrays", Value: bson.A{current, bson.A{literal}}}}
			if mutation.Op == compile.AddToSetMutation {
				appended = bson.D{{Key: "$cond", Value: bson.A{bson.D{{Key: "$in", Value: bson.A{literal, current}}}, current, appended}}}
			}
			set(mutation.Field, appended)
		case compile.PullMutation, compile.PullAllMutation:
			keep := bson.D{{Key: "$ne", Value: bson.A{"$$this", literal}}}
			if mutation.Op == compile.PullAllMutation {
				keep = bson.D{{Key: "$not", Value: bson.A{bson.D{{Key: "$in", Value: bson.A{"$$this", literal}}}}}}
			}
			set(mutation.Field, bson.D{{Key: "$filter", Value: bson.D{{Key: "input", Value: ref}, {Key: "cond", Value: keep}}}})
		default:
			return nil, fmt.Errorf("unsupported update operator %s", mutation.Op)
		}
	}
	return stages, nil
}

var aggregationOperators = map[string]string{
	"YEAR":        "$year",
	"MONTH":       "$month",
	"DAY":         "$dayOfMonth",
	"HOUR":        "$hour",
	"MINUTE":      "$minute",
	"SECOND":      "$second",
	"DAY_OF_WEEK": "$dayOfWeek",
	"ABS":         "$abs",
	"CEIL":        "$ceil",
	"FLOOR":       "$floor",
	"SQRT":        "$sqrt",
	"ROUND":       "$round",
	"POW":         "$pow",
	"MOD":         "$mod",
	"SUBTRACT":    "$subtract",
	"DIVIDE":      "$divide",
	"ADD":         "$add",
	"MULTIPLY":    "$multiply",
	"UPPER":       "$toUpper",
	"LOWER":       "$toLower",
	"CONCAT":      "$concat",
	"TO_STRING":   "$toString",
	"SUBSTR":      "$substrCP",
}

// Expression converts a math expression to an aggregation expression.
func Expression(expr compile.MathExpr) (any, error) {
	switch {
	case expr.IsField():
		return "$" + expr.Field, nil
	case !expr.IsCall():
		value, err := ToBSON(expr.Value)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$literal", Value: value}}, nil
	}

	args := make(bson.A, len(expr.Args))
	for i, arg := range expr.Args {
		converted, err := Expression(arg)
		if err != nil {
			return nil, err
		}
		args[i] = converted
	}

	switch expr.Function {
	case "YEAR", "MONTH", "DAY", "HOUR", "MINUTE", "SECOND", "DAY_OF_WEEK":
		return bson.D{{Key: aggregationOperators[expr.Function], Value: args[0]}}, nil
	case "TRIM":
		return bson.D{{Key: "$trim", Value: bson.D{{Key: "input", Value: args[0]}}}}, nil
	case "LENGTH":
		return bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$isArray", Value: bson.A{args[0]}}},
			bson.D{{Key: "$size", Value: args[0]}},
			bson.D{{Key: "$strLenCP", Value: args[0]}},
		}}}, nil
	case "DATE_ADD", "DATE_DIFF":
		unit, err := dateUnit(expr.Args[2])
		if err != nil {
			return nil, err
		}
		if expr.Function == "DATE_ADD" {
			return bson.D{{Key: "$dateAdd", Value: bson.D{{Key: "startDate", Value: args[0]}, {Key: "unit", Value: unit}, {Key: "amount", Value: args[1]}}}}, nil
		}
		return bson.D{{Key: "$dateDiff", Value: bson.D{{Key: "startDate", Value: args[0]}, {Key: "endDate", Value: args[1]}, {Key: "unit", Value: unit}}}}, nil
	}

	operator, ok := aggregationOperators[expr.Function]
	if !ok {
		return nil, fmt.Errorf("unsupported function %s", expr.Function)
	}
	if expr.Function == "ROUND" && len(args) == 1 {
		args = append(args, 0)
	}
	return bson.D{{Key: operator, Value: args}}, nil
}

func dateUnit(expr compile.MathExpr) (any, error) {
	if expr.IsCall() || expr.IsField() {
		return Expression(expr)
	}
	if expr.Value.Type != core.StringType {
		return nil, fmt.Errorf("date unit must be a string, got %s", expr.Value.Type)
	}
	return strings.TrimSuffix(strings.ToLower(expr.Value.Str), "s"), nil
}

// Pipeline converts compiled aggregation stages.
func Pipeline(stages []compile.Stage) (bson.A, error) {
	out := make(bson.A, 0, len(stages))
	for i, stage := range stages {
		converted, err := pipelineStage(stage)
		if err != nil {
			return nil, fmt.Errorf("pipeline stage %d (%s): %w", i+1, stage.Kind, err)
		}
		out = append(out, converted)
	}
	return out, nil
}

func pipelineStage(stage compile.Stage) (bson.D, error) {
	switch stage.Kind {
	case script.MatchStage:
		filter, err := Filter(stage.Filter)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$match", Value: filter}}, nil
	case script.ProjectStage:
		return bson.D{{Key: "$project", Value: Projection(stage.Fields)}}, nil
	case script.SortStage:
		return bson.D{{Key: "$sort", Value: Sort(stage.Sort)}}, nil
	case script.LimitStage:
		if stage.N <= 0 {
			return bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: false}}}}, nil
		}
		return bson.D{{Key: "$limit", Value: int64(stage.N)}}, nil
	case script.SkipStage:
		return bson.D{{Key: "$skip", Value: int64(stage.N)}}, nil
	case script.UnwindStage:
		return bson.D{{Key: "$unwind", Value: "$" + strings.TrimPrefix(stage.Field, "$")}}, nil
	case script.GroupStage:
		return group(stage)
	case script.CountStage:
		return bson.D{{Key: "$count", Value: stage.Field}}, nil
	case script.LookupStage:
		return bson.D{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: stage.Lookup.From},
			{Key: "localField", Value: stage.Lookup.Local},
			{Key: "foreignField", Value: stage.Lookup.Foreign},
			{Key: "as", Value: stage.Lookup.As},
		}}}, nil
	case script.RawStage:
		return rawDocument(stage.Raw)
	}
	return nil, fmt.Errorf("unsupported stage %s", stage.Kind)
}

var groupAccumulators = map[string]string{
	"SUM":        "$sum",
	"AVG":        "$avg",
	"MIN":        "$min",
	"MAX":        "$max",
	"PUSH":       "$push",
	"ADD_TO_SET": "$addToSet",
	"FIRST":      "$first",
	"LAST":       "$last",
}

func group(stage compile.Stage) (bson.D, error) {
	var id any
	switch len(stage.Fields) {
	case 0:
	case 1:
		id = "$" + stage.Fields[0]
	default:
		keys := make(bson.D, len(stage.Fields))
		for i, field := range stage.Fields {
			keys[i] = bson.E{Key: field, Value: "$" + field}
		}
		id = keys
	}
	spec := bson.D{{Key: "_id", Value: id}}
	for _, acc := range stage.Accumulators {
		function := strings.ToUpper(acc.Function)
		if function == "COUNT" {
			spec = append(spec, bson.E{Key: acc.Name, Value: bson.D{{Key: "$sum", Value: 1}}})
			continue
		}
		operator, ok := groupAccumulators[function]
		if !ok {
			return nil, fmt.Errorf("unknown accumulator %s", acc.Function)
		}
		spec = append(spec, bson.E{Key: acc.Name, Value: bson.D{{Key: operator, Value: "$" + acc.Field}}})
	}
	return bson.D{{Key: "$group", Value: spec}}, nil
}

// Projection converts SELECT fields; a leading "-" excludes a field.
func Projection(fields []string) bson.D {
	projection := make(bson.D, 0, len(fields))
	for _, field := range fields {
		if name, excluded := strings.CutPrefix(field, "-"); excluded {
			projection = append(projection, bson.E{Key: name, Value: 0})
			continue
		}
		projection = append(projection, bson.E{Key: field, Value: 1})
	}
	return projection
}

func Sort(keys []compile.SortKey) bson.D {
	sort := make(bson.D, 0, len(keys))
	for _, key := range keys {
		direction := 1
		if key.Descending {
			direction = -1
		}
		sort = append(sort, bson.E{Key: key.Field, Value: direction})
	}
	return sort
}
