package resolve

import (
	"math/rand/v2"
	"os"
	"time"

	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/script"
)

// Options are the run-independent knobs of value resolution.
type Options struct {
	// DateOrder breaks the tie for slash dates such as 02/01/2024.
	DateOrder DateOrder
	// DisableDateDetection turns string literals that look like dates
	// into plain strings.
	DisableDateDetection bool
	// Now is the clock behind $now, $today, Date() and relative dates.
	Now func() time.Time
	// Getenv backs {{$env:NAME}}.
	Getenv func(string) (string, bool)
	// Seed makes the random built-ins deterministic when non-zero.
	Seed uint64
}

// Context is the mutable resolution state of one run: user variables,
// per-collection _id types and built-in counters. It is not safe for
// concurrent use; parallel runs each own one.
type Context struct {
	options   Options
	variables map[string]script.Expression
	idTypes   map[string]core.RuntimeType
	counters  map[string]int
	rand      *rand.Rand

	// Index is the 1-based position of the document being resolved within
	// its operation, exposed as {{$index}}.
	Index int
}

func NewContext(options Options) *Context {
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.Getenv == nil {
		options.Getenv = os.LookupEnv
	}
	seed := options.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Context{
		options:   options,
		variables: map[string]script.Expression{},
		idTypes:   map[string]core.RuntimeType{},
		counters:  map[string]int{},
		rand:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		Index:     1,
	}
}

func (c *Context) Options() Options {
	return c.options
}

// Define binds a user variable. The expression is resolved at every use.
func (c *Context) Define(name string, value script.Expression) {
	c.variables[name] = value
}

func (c *Context) Variable(name string) (script.Expression, bool) {
	value, ok := c.variables[name]
	return value, ok
}

// SetIDType records a COLLECTION_ID_TYPE directive. Later calls for the
// same collection replace earlier ones.
func (c *Context) SetIDType(collection string, idType core.RuntimeType) {
	c.idTypes[collection] = idType
}

func (c *Context) IDType(collection string) (core.RuntimeType, bool) {
	idType, ok := c.idTypes[collection]
	return idType, ok
}

func (c *Context) now() time.Time {
	return c.options.Now().UTC()
}

// Site describes where an expression sits: the operation line, the target
// collection and the dotted field path ("" for a whole document).
type Site struct {
	Line       int
	Collection string
	Field      string
}

func (site Site) isID() bool {
	return site.Field == core.IDField
}

func (site Site) child(name string) Site {
	if site.Field != "" {
		name = site.Field + "." + name
	}
	site.Field = name
	return site
}
