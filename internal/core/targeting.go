package core

// Node is one node of a targeting tree. The set of variants is closed:
// locale, platform, version, axis, custom predicate, guarded, and the All
// conjunction. [Matches] and [Specificity] switch exhaustively over these
// variants; adding a constraint kind means adding a case to both.
//
// Trees are immutable after construction and safe for concurrent use.
type Node interface {
	node()
}

type localeNode struct {
	ids map[string]struct{}
}

type platformNode struct {
	ids map[string]struct{}
}

type versionNode struct {
	r VersionRange
}

type axisNode struct {
	axisID string
	ids    map[string]struct{}
}

type customNode struct {
	weight int
	pred   func(Context) bool
}

type guardedNode struct {
	inner  Node
	narrow func(Context) (Context, bool)
}

type allNode struct {
	nodes []Node
}

func (localeNode) node()   {}
func (platformNode) node() {}
func (versionNode) node()  {}
func (axisNode) node()     {}
func (customNode) node()   {}
func (guardedNode) node()  {}
func (allNode) node()      {}

// Locales matches contexts whose locale facet is one of the given IDs.
func Locales(ids ...string) Node {
	return localeNode{ids: idSet(ids)}
}

// Platforms matches contexts whose platform facet is one of the given IDs.
func Platforms(ids ...string) Node {
	return platformNode{ids: idSet(ids)}
}

// Versions matches contexts whose app version falls inside r.
func Versions(r VersionRange) Node {
	return versionNode{r: r}
}

// MinVersion matches contexts running version v or later.
func MinVersion(v Version) Node {
	return Versions(VersionRange{Min: v})
}

// MaxVersion matches contexts running a version strictly before v.
func MaxVersion(v Version) Node {
	return Versions(VersionRange{Max: v})
}

// Axis matches contexts carrying at least one value from the allowed set on
// the named axis. Axes are looked up by string ID, so callers can introduce
// new dimensions without touching the engine.
func Axis(axisID string, ids ...string) Node {
	return axisNode{axisID: axisID, ids: idSet(ids)}
}

// Predicate wraps an arbitrary deterministic predicate with specificity 1.
// The engine never memoizes predicate results, and conjunction short-circuit
// means a predicate is not guaranteed to run on every evaluation, so
// predicates must be side-effect free.
func Predicate(pred func(Context) bool) Node {
	return WeightedPredicate(1, pred)
}

// WeightedPredicate wraps a predicate with an explicit specificity weight.
func WeightedPredicate(weight int, pred func(Context) bool) Node {
	if weight < 0 {
		weight = 0
	}
	return customNode{weight: weight, pred: pred}
}

// Guarded lifts a node written against a narrower context type R into a node
// over any context. Evaluation attempts to narrow the runtime context to R;
// when the context is not an R the node reports no match without panicking.
// Specificity passes through from the inner node unchanged.
func Guarded[R any](inner Node) Node {
	return guardedNode{
		inner: inner,
		narrow: func(ctx Context) (Context, bool) {
			r, ok := ctx.(R)
			return r, ok
		},
	}
}

// PredicateFor is shorthand for a guarded custom predicate over a concrete
// context type: it matches only contexts of type R that satisfy pred.
func PredicateFor[R any](weight int, pred func(R) bool) Node {
	return Guarded[R](WeightedPredicate(weight, func(ctx Context) bool {
		return pred(ctx.(R))
	}))
}

// All is the AND-conjunction of the given nodes. Matching evaluates members
// left to right and stops at the first non-match. All() with no members is
// the catch-all: it matches every context and has specificity 0.
func All(nodes ...Node) Node {
	return allNode{nodes: nodes}
}

// Matches reports whether ctx satisfies the targeting tree rooted at n. It is
// pure and deterministic: the same tree and context always produce the same
// answer, no matter how often or in what order evaluations run.
func Matches(n Node, ctx Context) bool {
	switch n := n.(type) {
	case localeNode:
		carrier, ok := ctx.(LocaleCarrier)
		if !ok {
			return false
		}
		locale, ok := carrier.LocaleID()
		if !ok {
			return false
		}
		_, allowed := n.ids[locale]
		return allowed

	case platformNode:
		carrier, ok := ctx.(PlatformCarrier)
		if !ok {
			return false
		}
		platform, ok := carrier.PlatformID()
		if !ok {
			return false
		}
		_, allowed := n.ids[platform]
		return allowed

	case versionNode:
		carrier, ok := ctx.(VersionCarrier)
		if !ok {
			return false
		}
		version, ok := carrier.AppVersion()
		if !ok {
			return false
		}
		return n.r.Contains(version)

	case axisNode:
		carrier, ok := ctx.(AxisCarrier)
		if !ok {
			return false
		}
		for _, id := range carrier.AxisValueIDs(n.axisID) {
			if _, allowed := n.ids[id]; allowed {
				return true
			}
		}
		return false

	case customNode:
		if n.pred == nil {
			return false
		}
		return n.pred(ctx)

	case guardedNode:
		narrowed, ok := n.narrow(ctx)
		if !ok {
			return false
		}
		return Matches(n.inner, narrowed)

	case allNode:
		for _, member := range n.nodes {
			if !Matches(member, ctx) {
				return false
			}
		}
		return true

	default:
		return false
	}
}

// Specificity returns the structural weight of the tree rooted at n: each
// present leaf counts 1, custom predicates count their declared weight, an
// unbounded version range counts 0, guards pass their inner weight through,
// and conjunctions sum their members.
func Specificity(n Node) int {
	switch n := n.(type) {
	case localeNode, platformNode, axisNode:
		return 1

	case versionNode:
		if !n.r.Bounded() {
			return 0
		}
		return 1

	case customNode:
		return n.weight

	case guardedNode:
		return Specificity(n.inner)

	case allNode:
		total := 0
		for _, member := range n.nodes {
			total += Specificity(member)
		}
		return total

	default:
		return 0
	}
}

func idSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
