package op

import (
	"fmt"
	"time"

	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/core"
)

// applyMutations applies the steps in order to a copy of doc. Math
// expressions see the document as left by the preceding steps.
func applyMutations(doc core.Value, mutations []compile.Mutation, now time.Time) (core.Value, error) {
	out := doc.Clone()
	for _, mutation := range mutations {
		if err := applyMutation(&out, mutation, now); err != nil {
			return core.Value{}, fmt.Errorf("%s: %w", mutation, err)
		}
	}
	return out, nil
}

func applyMutation(doc *core.Value, mutation compile.Mutation, now time.Time) error {
	current, exists := doc.Lookup(mutation.Field)

	switch mutation.Op {
	case compile.SetMutation:
		value := mutation.Value
		if mutation.Expr != nil {
			evaluated, err := evaluate(*mutation.Expr, *doc)
			if err != nil {
				return err
			}
			value = evaluated
		}
		return doc.SetPath(mutation.Field, value.Clone())

	case compile.IncMutation, compile.MulMutation:
		if exists && current.Type != core.NumberType {
			return fmt.Errorf("cannot apply %s to a value of non-numeric type %s", mutation.Op, current.Type)
		}
		result := mutation.Value.Num
		switch {
		case mutation.Op == compile.IncMutation && exists:
			result = current.Num + mutation.Value.Num
		case mutation.Op == compile.MulMutation && exists:
			result = current.Num * mutation.Value.Num
		case mutation.Op == compile.MulMutation:
			result = 0
		}
		return doc.SetPath(mutation.Field, core.Number(result))

	case compile.PushMutation, compile.AddToSetMutation:
		if !exists {
			return doc.SetPath(mutation.Field, core.Array(mutation.Value.Clone()))
		}
		if current.Type != core.ArrayType {
			return fmt.Errorf("cannot apply %s to non-array field of type %s", mutation.Op, current.Type)
		}
		if mutation.Op == compile.AddToSetMutation && contains(current.Items, mutation.Value) {
			return nil
		}
		items := append(append([]core.Value(nil), current.Items...), mutation.Value.Clone())
		return doc.SetPath(mutation.Field, core.Array(items...))

	case compile.PullMutation, compile.PullAllMutation:
		if !exists {
			return nil
		}
		if current.Type != core.ArrayType {
			return fmt.Errorf("cannot apply %s to non-array field of type %s", mutation.Op, current.Type)
		}
		remove := []core.Value{mutation.Value}
		if mutation.Op == compile.PullAllMutation {
			remove = mutation.Value.Items
		}
		kept := make([]core.Value, 0, len(current.Items))
		for _, item := range current.Items {
			if !contains(remove, item) {
				kept = append(kept, item)
			}
		}
		return doc.SetPath(mutation.Field, core.Array(kept...))

	case compile.UnsetMutation:
		doc.DeletePath(mutation.Field)
		return nil

	case compile.CurrentDateMutation:
		return doc.SetPath(mutation.Field, core.Date(now))

	case compile.RenameMutation:
		if !exists {
			return nil
		}
		doc.DeletePath(mutation.Field)
		return doc.SetPath(mutation.To, current)
	}
	return fmt.Errorf("unsupported update operator %s", mutation.Op)
}

func contains(items []core.Value, value core.Value) bool {
	for _, item := range items {
		if item.Equal(value) {
			return true
		}
	}
	return false
}
