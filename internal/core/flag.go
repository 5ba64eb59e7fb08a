package core

// Feature is a typed handle for a flag. Application code declares features as
// package-level values and evaluates them against a namespace:
//
//	var DarkMode = core.Feature[bool]{Key: "darkMode"}
//	enabled, err := core.Evaluate(ns, DarkMode, ctx)
//
// The type parameter pins the value type at the call site; a snapshot entry
// registered with a different type fails evaluation loudly rather than
// returning a plausible-looking wrong value.
type Feature[T any] struct {
	Key string
}

// FlagDef is the complete definition of one flag: a required default, a set
// of rules, the rollout salt, an activity switch, and a flag-level allowlist
// that bypasses rollout bucketing for any rule of this flag.
//
// Definitions are immutable once added to a snapshot. Configuration reloads
// replace the whole snapshot; definitions are never patched in place.
type FlagDef[T any] struct {
	Key string

	// Default is returned whenever no rule wins. Evaluation is total: a
	// well-formed definition always yields a typed value.
	Default T

	// Rules is an unordered collection; the evaluator orders candidates by
	// specificity, breaking ties by declaration order.
	Rules []Rule[T]

	// Salt feeds rollout bucketing. Changing it reshuffles every bucket
	// assignment for this flag.
	Salt string

	// Disabled short-circuits evaluation to Default. The zero value keeps
	// the flag active.
	Disabled bool

	// Allowlist holds stable-ID hex strings admitted past any rule's
	// rollout gate.
	Allowlist []string
}
