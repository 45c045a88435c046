package resolve

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/script"
)

var ErrUnknownFunction = errors.New("unknown built-in function")

type builtin struct {
	args int // -1 for optional
	call func(c *Context, args []string) (core.Value, error)
}

var builtins = map[string]builtin{
	"now": {0, func(c *Context, _ []string) (core.Value, error) {
		return core.Date(c.now()), nil
	}},
	"today": {0, func(c *Context, _ []string) (core.Value, error) {
		return core.Date(c.now().Truncate(24 * time.Hour)), nil
	}},
	"futuredate": {1, func(c *Context, args []string) (core.Value, error) {
		return shiftNow(c, args[0], 1)
	}},
	"pastdate": {1, func(c *Context, args []string) (core.Value, error) {
		return shiftNow(c, args[0], -1)
	}},
	"timestamp": {0, func(c *Context, _ []string) (core.Value, error) {
		return core.Number(float64(c.now().UnixMilli())), nil
	}},
	"randomuuid": {0, func(c *Context, _ []string) (core.Value, error) {
		return core.String(uuid.NewString()), nil
	}},
	"randomint": {2, func(c *Context, args []string) (core.Value, error) {
		low, err := strconv.Atoi(args[0])
		if err != nil {
			return core.Value{}, fmt.Errorf("randomInt minimum %q is not an integer", args[0])
		}
		high, err := strconv.Atoi(args[1])
		if err != nil {
			return core.Value{}, fmt.Errorf("randomInt maximum %q is not an integer", args[1])
		}
		if high < low {
			return core.Value{}, fmt.Errorf("randomInt range %d..%d is empty", low, high)
		}
		return core.Number(float64(low + c.rand.IntN(high-low+1))), nil
	}},
	"randomstring": {-1, func(c *Context, args []string) (core.Value, error) {
		n := 8
		if len(args) > 0 {
			parsed, err := strconv.Atoi(args[0])
			if err != nil || parsed < 1 {
				return core.Value{}, fmt.Errorf("randomString length %q is not a positive integer", args[0])
			}
			n = parsed
		}
		return core.String(c.randomString(n)), nil
	}},
	"randomemail": {0, func(c *Context, _ []string) (core.Value, error) {
		return core.String(c.randomString(10) + "@example.com"), nil
	}},
	"index": {0, func(c *Context, _ []string) (core.Value, error) {
		return core.Number(float64(c.Index)), nil
	}},
	"counter": {-1, func(c *Context, args []string) (core.Value, error) {
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		c.counters[name]++
		return core.Number(float64(c.counters[name])), nil
	}},
	"env": {1, func(c *Context, args []string) (core.Value, error) {
		value, ok := c.options.Getenv(args[0])
		if !ok {
			return core.Value{}, fmt.Errorf("environment variable %s is not set", args[0])
		}
		return core.String(value), nil
	}},
}

func (c *Context) call(call script.FunctionCall) (core.Value, error) {
	fn, ok := builtins[strings.ToLower(call.Name)]
	if !ok {
		return core.Value{}, fmt.Errorf("%w $%s", ErrUnknownFunction, call.Name)
	}
	switch {
	case fn.args >= 0 && len(call.Args) != fn.args:
		return core.Value{}, fmt.Errorf("$%s takes %d argument(s), got %d", call.Name, fn.args, len(call.Args))
	case fn.args < 0 && len(call.Args) > 1:
		return core.Value{}, fmt.Errorf("$%s takes at most 1 argument, got %d", call.Name, len(call.Args))
	}
	return fn.call(c, call.Args)
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

func (c *Context) randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[c.rand.IntN(len(alphanumeric))]
	}
	return string(b)
}

func shiftNow(c *Context, spec string, sign int) (core.Value, error) {
	offset, err := ParseOffset(spec)
	if err != nil {
		return core.Value{}, err
	}
	return core.Date(offset.Apply(c.now(), sign)), nil
}

// Offset is a calendar-aware duration such as 7d, 2w, 1M or 1y6M. Units
// are s, m, h, d, w, M (months) and y.
type Offset struct {
	Years, Months, Days int
	Clock               time.Duration
}

var offsetPart = regexp.MustCompile(`(\d+)([smhdwMy])`)

func ParseOffset(spec string) (Offset, error) {
	var offset Offset
	parts := offsetPart.FindAllStringSubmatchIndex(spec, -1)
	consumed := 0
	for _, part := range parts {
		if part[0] != consumed {
			break
		}
		consumed = part[1]
		n, _ := strconv.Atoi(spec[part[2]:part[3]])
		switch spec[part[4]] {
		case 's':
			offset.Clock += time.Duration(n) * time.Second
		case 'm':
			offset.Clock += time.Duration(n) * time.Minute
		case 'h':
			offset.Clock += time.Duration(n) * time.Hour
		case 'd':
			offset.Days += n
		case 'w':
			offset.Days += 7 * n
		case 'M':
			offset.Months += n
		case 'y':
			offset.Years += n
		}
	}
	if spec == "" || consumed != len(spec) {
		return Offset{}, fmt.Errorf("invalid duration %q (want e.g. 30m, 7d, 2w, 1M, 1y)", spec)
	}
	return offset, nil
}

// Apply moves t forward (sign 1) or backward (sign -1) by the offset.
func (offset Offset) Apply(t time.Time, sign int) time.Time {
	return t.AddDate(sign*offset.Years, sign*offset.Months, sign*offset.Days).Add(time.Duration(sign) * offset.Clock)
}
