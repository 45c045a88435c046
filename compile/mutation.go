package compile

import (
	"strings"

	"github.com/nickyhof/dotdata/core"
)

type MutationOp int

const (
	SetMutation MutationOp = iota
	IncMutation
	MulMutation
	PushMutation
	PullMutation
	AddToSetMutation
	PullAllMutation
	UnsetMutation
	CurrentDateMutation
	RenameMutation
)

var mutationOpNames = [...]string{
	SetMutation:         "$set",
	IncMutation:         "$inc",
	MulMutation:         "$mul",
	PushMutation:        "$push",
	PullMutation:        "$pull",
	AddToSetMutation:    "$addToSet",
	PullAllMutation:     "$pullAll",
	UnsetMutation:       "$unset",
	CurrentDateMutation: "$currentDate",
	RenameMutation:      "$rename",
}

// String returns the MongoDB update operator name.
func (op MutationOp) String() string {
	if int(op) < len(mutationOpNames) {
		return mutationOpNames[op]
	}
	return "$unknown"
}

// Mutation is one step of an update, applied in declaration order. A
// SetMutation carries either a Value or an unevaluated Expr; RenameMutation
// moves Field to To.
type Mutation struct {
	Op    MutationOp
	Field string
	Value core.Value
	Expr  *MathExpr
	To    string
}

func (mutation Mutation) String() string {
	switch {
	case mutation.Op == RenameMutation:
		return mutation.Op.String() + " " + mutation.Field + " -> " + mutation.To
	case mutation.Op == UnsetMutation || mutation.Op == CurrentDateMutation:
		return mutation.Op.String() + " " + mutation.Field
	case mutation.Expr != nil:
		return mutation.Op.String() + " " + mutation.Field + " = " + mutation.Expr.String()
	}
	return mutation.Op.String() + " " + mutation.Field + " = " + mutation.Value.String()
}

// MathExpr is a backend-evaluated function tree. A node is a call when
// Function is set, a field reference when Field is set, and a constant
// otherwise.
type MathExpr struct {
	Function string
	Args     []MathExpr
	Field    string
	Value    core.Value
}

func (expr MathExpr) IsCall() bool  { return expr.Function != "" }
func (expr MathExpr) IsField() bool { return expr.Function == "" && expr.Field != "" }

func (expr MathExpr) String() string {
	switch {
	case expr.IsCall():
		args := make([]string, len(expr.Args))
		for i, arg := range expr.Args {
			args[i] = arg.String()
		}
		return expr.Function + "(" + strings.Join(args, ", ") + ")"
	case expr.IsField():
		return "$" + expr.Field
	}
	return expr.Value.Display()
}
