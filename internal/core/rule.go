package core

import "errors"

// ErrContextualValue is returned when the static value of a rule is requested
// but the rule resolves its value from the evaluation context.
var ErrContextualValue = errors.New("rule value is contextual")

// Value is a rule's outcome: either a fixed constant, inspectable without any
// context, or a resolver evaluated lazily against the context that matched.
// The two cases are kept distinct so fixed values stay serializable while
// computed values remain possible.
type Value[T any] struct {
	fixed   T
	resolve func(Context) T
}

// Fixed wraps a constant value.
func Fixed[T any](v T) Value[T] {
	return Value[T]{fixed: v}
}

// Contextual wraps a resolver invoked with the matched context. The resolver
// must be deterministic for a given context.
func Contextual[T any](resolve func(Context) T) Value[T] {
	return Value[T]{resolve: resolve}
}

// Static returns the fixed value, or [ErrContextualValue] when the value is
// context-dependent. Asking a contextual value for a constant is a
// precondition violation, not a condition to degrade from silently.
func (v Value[T]) Static() (T, error) {
	if v.resolve != nil {
		var zero T
		return zero, ErrContextualValue
	}
	return v.fixed, nil
}

// resolveWith produces the concrete value for ctx.
func (v Value[T]) resolveWith(ctx Context) T {
	if v.resolve != nil {
		return v.resolve(ctx)
	}
	return v.fixed
}

// Rule pairs a targeting tree with rollout metadata and a value. Rules are
// immutable once built into a flag definition; the evaluator consults the
// rollout fields only after the targeting tree has matched, keeping "does
// this rule apply structurally" separate from "is this subject admitted".
type Rule[T any] struct {
	// Targeting decides whether the rule applies to a context. nil is
	// treated as the empty conjunction, which matches every context.
	Targeting Node

	// Percent gates admitted subjects by rollout bucket. nil means every
	// matching context is admitted.
	Percent *float64

	// Allowlist holds stable-ID hex strings admitted regardless of their
	// bucket. The bypass applies only after Targeting has matched.
	Allowlist []string

	// Note is a human-readable label surfaced in decision traces.
	Note string

	Value Value[T]
}

// Matches delegates entirely to the rule's targeting tree; no criteria exist
// outside it.
func (r Rule[T]) Matches(ctx Context) bool {
	return Matches(r.targeting(), ctx)
}

// Specificity delegates to the targeting tree.
func (r Rule[T]) Specificity() int {
	return Specificity(r.targeting())
}

func (r Rule[T]) targeting() Node {
	if r.Targeting == nil {
		return All()
	}
	return r.Targeting
}
