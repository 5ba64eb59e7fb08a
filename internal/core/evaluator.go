package core

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrNotRegistered reports an evaluation of a feature absent from the
	// active snapshot. This is a registration bug, not a runtime condition
	// to degrade from, so it is surfaced instead of silently defaulting.
	ErrNotRegistered = errors.New("feature not registered")

	// ErrTypeMismatch reports a feature handle whose type parameter does
	// not match the registered definition's value type.
	ErrTypeMismatch = errors.New("feature type mismatch")
)

// Decision identifies which branch an evaluation took.
type Decision string

const (
	// DecisionRule: a rule matched and its rollout admitted the context.
	DecisionRule Decision = "rule"
	// DecisionDefault: no rule won; the flag default was returned.
	DecisionDefault Decision = "default"
	// DecisionInactive: the flag definition is disabled.
	DecisionInactive Decision = "inactive"
	// DecisionRegistryDisabled: the namespace kill switch is on.
	DecisionRegistryDisabled Decision = "registry_disabled"
)

// SkippedRule records a rule whose targeting matched but whose rollout
// excluded the context. Skips are informative: they are not the terminal
// decision, but explain output shows how close a context came to a rule.
type SkippedRule struct {
	Index       int    `json:"index"`
	Note        string `json:"note,omitempty"`
	Specificity int    `json:"specificity"`
	Bucket      uint32 `json:"bucket"`
	Bucketed    bool   `json:"bucketed"`
}

// Trace is the decision record of a single evaluation, returned as a
// side-channel value so instrumentation never alters outcomes.
type Trace struct {
	Feature     string        `json:"feature"`
	Namespace   string        `json:"namespace"`
	Decision    Decision      `json:"decision"`
	RuleIndex   int           `json:"rule_index"`
	RuleNote    string        `json:"rule_note,omitempty"`
	Specificity int           `json:"specificity"`
	Bucket      uint32        `json:"bucket"`
	Bucketed    bool          `json:"bucketed"`
	Skipped     []SkippedRule `json:"skipped,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

// Evaluate resolves a feature against the namespace's current snapshot and
// discards the decision trace. See [Explain].
func Evaluate[T any](ns *Namespace, f Feature[T], ctx Context) (T, error) {
	value, _, err := Explain(ns, f, ctx)
	return value, err
}

// Explain resolves a feature against the namespace's current snapshot and
// returns the value together with the full decision trace.
//
// The decision proceeds in order: the namespace kill switch, the flag's
// Disabled switch, then the flag's rules sorted by descending specificity
// with declaration order breaking ties. The first rule whose targeting
// matches and whose rollout admits the context wins; rules that match but
// fail rollout are recorded as skipped and evaluation continues. When no
// rule wins the default is returned.
//
// Explain is total for registered features: it always produces a typed value.
// An unregistered feature or a mismatched value type returns an error.
func Explain[T any](ns *Namespace, f Feature[T], ctx Context) (T, Trace, error) {
	start := time.Now()

	var zero T
	snap := ns.Current()

	entry, ok := snap.flags[f.Key]
	if !ok {
		return zero, Trace{}, fmt.Errorf("%w: %q in namespace %q", ErrNotRegistered, f.Key, ns.name)
	}
	def, ok := entry.(FlagDef[T])
	if !ok {
		return zero, Trace{}, fmt.Errorf("%w: %q in namespace %q holds %T", ErrTypeMismatch, f.Key, ns.name, entry)
	}

	trace := Trace{
		Feature:   f.Key,
		Namespace: ns.name,
		RuleIndex: -1,
	}
	finish := func(value T, decision Decision) (T, Trace, error) {
		trace.Decision = decision
		trace.Duration = time.Since(start)
		return value, trace, nil
	}

	if snap.Disabled {
		return finish(def.Default, DecisionRegistryDisabled)
	}
	if def.Disabled {
		return finish(def.Default, DecisionInactive)
	}

	for _, idx := range rankRules(def.Rules) {
		rule := def.Rules[idx]
		if !rule.Matches(ctx) {
			continue
		}

		admission := admit(def, rule, ctx)
		if admission.admitted {
			trace.RuleIndex = idx
			trace.RuleNote = rule.Note
			trace.Specificity = rule.Specificity()
			trace.Bucket = admission.bucket
			trace.Bucketed = admission.bucketed
			return finish(rule.Value.resolveWith(ctx), DecisionRule)
		}

		trace.Skipped = append(trace.Skipped, SkippedRule{
			Index:       idx,
			Note:        rule.Note,
			Specificity: rule.Specificity(),
			Bucket:      admission.bucket,
			Bucketed:    admission.bucketed,
		})
	}

	return finish(def.Default, DecisionDefault)
}

// rankRules orders rule indices by descending specificity. The sort is
// stable, so rules of equal specificity keep their declaration order; the
// earlier-declared rule wins ties.
func rankRules[T any](rules []Rule[T]) []int {
	order := make([]int, len(rules))
	specs := make([]int, len(rules))
	for i, rule := range rules {
		order[i] = i
		specs[i] = rule.Specificity()
	}

	sort.SliceStable(order, func(a, b int) bool {
		return specs[order[a]] > specs[order[b]]
	})

	return order
}

type admission struct {
	admitted bool
	bucket   uint32
	bucketed bool
}

// admit applies the rollout gate to a rule whose targeting already matched.
// The allowlist bypass (rule-level or flag-level) admits a stable ID
// regardless of its computed bucket. A context without a stable ID cannot be
// bucketed or allowlisted; it passes only an ungated rollout.
func admit[T any](def FlagDef[T], rule Rule[T], ctx Context) admission {
	if rule.Percent == nil {
		return admission{admitted: true}
	}

	carrier, ok := ctx.(StableIDCarrier)
	if !ok {
		return admission{admitted: *rule.Percent >= 100}
	}
	id, ok := carrier.StableID()
	if !ok {
		return admission{admitted: *rule.Percent >= 100}
	}

	hexID := id.Hex()
	bucket := Bucket(def.Salt, def.Key, hexID)
	result := admission{bucket: bucket, bucketed: true}

	if allowlisted(hexID, rule.Allowlist) || allowlisted(hexID, def.Allowlist) {
		result.admitted = true
		return result
	}

	result.admitted = InRollout(bucket, *rule.Percent)
	return result
}

func allowlisted(hexID string, allowlist []string) bool {
	for _, allowed := range allowlist {
		if allowed == hexID {
			return true
		}
	}
	return false
}
