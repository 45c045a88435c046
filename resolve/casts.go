package resolve

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nickyhof/dotdata/core"
)

// Cast converts a resolved value to the requested runtime type. Failures
// wrap core.ErrInvalidCast.
func Cast(value core.Value, to core.RuntimeType, order DateOrder, now time.Time) (core.Value, error) {
	switch to {
	case core.StringType:
		return castString(value)
	case core.NumberType:
		return castNumber(value)
	case core.DateType:
		return castDate(value, order, now)
	case core.ObjectIDType:
		return castObjectID(value)
	case core.UUIDType, core.GUIDType:
		return castUUID(value, to)
	}
	return core.Value{}, invalidCast(value, to)
}

// Generate produces a fresh value for an argument-less cast: a new
// ObjectId, UUID or GUID, or the current instant for Date().
func Generate(to core.RuntimeType, now time.Time) (core.Value, error) {
	switch to {
	case core.ObjectIDType:
		return core.ObjectID(primitive.NewObjectID().Hex()), nil
	case core.UUIDType:
		return core.UUID(uuid.NewString()), nil
	case core.GUIDType:
		return core.GUID(uuid.NewString()), nil
	case core.DateType:
		return core.Date(now), nil
	}
	return core.Value{}, fmt.Errorf("%w: %s() needs an argument", core.ErrInvalidCast, to)
}

func castString(value core.Value) (core.Value, error) {
	switch value.Type {
	case core.StringType:
		return value, nil
	case core.ObjectIDType, core.GUIDType, core.UUIDType:
		return core.String(value.Str), nil
	case core.NumberType, core.BooleanType:
		return core.String(value.Display()), nil
	case core.DateType:
		return core.String(value.Time.Format(time.RFC3339Nano)), nil
	}
	return core.Value{}, invalidCast(value, core.StringType)
}

func castNumber(value core.Value) (core.Value, error) {
	switch value.Type {
	case core.NumberType:
		return value, nil
	case core.StringType:
		n, err := strconv.ParseFloat(strings.TrimSpace(value.Str), 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return core.Value{}, invalidCast(value, core.NumberType)
		}
		return core.Number(n), nil
	case core.BooleanType:
		if value.Bool {
			return core.Number(1), nil
		}
		return core.Number(0), nil
	case core.DateType:
		return core.Number(float64(value.Time.UnixMilli())), nil
	}
	return core.Value{}, invalidCast(value, core.NumberType)
}

func castDate(value core.Value, order DateOrder, now time.Time) (core.Value, error) {
	switch value.Type {
	case core.DateType:
		return value, nil
	case core.StringType:
		t, err := ParseDate(value.Str, order, now)
		if err != nil {
			return core.Value{}, err
		}
		return core.Date(t), nil
	case core.NumberType:
		if math.Abs(value.Num) >= 1e11 {
			return core.Date(time.UnixMilli(int64(value.Num))), nil
		}
		return core.Date(time.Unix(int64(value.Num), 0)), nil
	}
	return core.Value{}, invalidCast(value, core.DateType)
}

func castObjectID(value core.Value) (core.Value, error) {
	switch value.Type {
	case core.ObjectIDType:
		return value, nil
	case core.StringType:
		id, err := primitive.ObjectIDFromHex(strings.TrimSpace(value.Str))
		if err != nil {
			return core.Value{}, invalidCast(value, core.ObjectIDType)
		}
		return core.ObjectID(id.Hex()), nil
	}
	return core.Value{}, invalidCast(value, core.ObjectIDType)
}

func castUUID(value core.Value, to core.RuntimeType) (core.Value, error) {
	var text string
	switch value.Type {
	case core.StringType, core.UUIDType, core.GUIDType:
		text = strings.TrimSpace(value.Str)
	default:
		return core.Value{}, invalidCast(value, to)
	}
	id, err := uuid.Parse(text)
	if err != nil || strings.Count(text, "-") != 4 {
		return core.Value{}, invalidCast(value, to)
	}
	if to == core.GUIDType {
		return core.GUID(id.String()), nil
	}
	return core.UUID(id.String()), nil
}

func invalidCast(value core.Value, to core.RuntimeType) error {
	return fmt.Errorf("%w: cannot convert %s %q to %s", core.ErrInvalidCast, value.Type, value.Display(), to)
}
