package core

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func floatPtr(value float64) *float64 {
	return &value
}

func mustAddFlag[T any](t *testing.T, snap *Snapshot, def FlagDef[T]) {
	t.Helper()
	if err := AddFlag(snap, def); err != nil {
		t.Fatalf("AddFlag(%q) error = %v", def.Key, err)
	}
}

func loadFlag[T any](t *testing.T, def FlagDef[T]) *Namespace {
	t.Helper()
	ns := NewNamespace("test")
	snap := NewSnapshot(SnapshotMeta{Version: "test", LoadedAt: time.Now()})
	mustAddFlag(t, snap, def)
	ns.Load(snap)
	return ns
}

func TestExplainDefaultFallback(t *testing.T) {
	ns := loadFlag(t, FlagDef[bool]{Key: "darkMode", Default: false})

	got, trace, err := Explain(ns, Feature[bool]{Key: "darkMode"}, StaticContext{})
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if got != false {
		t.Fatalf("Explain() = %t, want false", got)
	}
	if trace.Decision != DecisionDefault {
		t.Fatalf("trace.Decision = %q, want %q", trace.Decision, DecisionDefault)
	}
	if trace.RuleIndex != -1 {
		t.Fatalf("trace.RuleIndex = %d, want -1", trace.RuleIndex)
	}
}

func TestExplainSpecificityOrdering(t *testing.T) {
	// Three matching rules with specificities 0, 1, and 2; the most
	// specific wins regardless of declaration order.
	ns := loadFlag(t, FlagDef[string]{
		Key:     "greeting",
		Default: "default",
		Rules: []Rule[string]{
			{Targeting: All(), Note: "catch-all", Value: Fixed("loose")},
			{Targeting: All(Locales("en-GB")), Note: "locale", Value: Fixed("closer")},
			{Targeting: All(Locales("en-GB"), Platforms("ios")), Note: "locale+platform", Value: Fixed("closest")},
		},
	})

	ctx := StaticContext{Locale: "en-GB", Platform: "ios"}
	got, trace, err := Explain(ns, Feature[string]{Key: "greeting"}, ctx)
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if got != "closest" {
		t.Fatalf("Explain() = %q, want %q", got, "closest")
	}
	if trace.RuleIndex != 2 {
		t.Fatalf("trace.RuleIndex = %d, want 2", trace.RuleIndex)
	}
	if trace.Specificity != 2 {
		t.Fatalf("trace.Specificity = %d, want 2", trace.Specificity)
	}
}

func TestExplainTieBreakByDeclarationOrder(t *testing.T) {
	ns := loadFlag(t, FlagDef[string]{
		Key:     "banner",
		Default: "none",
		Rules: []Rule[string]{
			{Targeting: All(Locales("en-GB")), Note: "first", Value: Fixed("first")},
			{Targeting: All(Platforms("ios")), Note: "second", Value: Fixed("second")},
		},
	})

	ctx := StaticContext{Locale: "en-GB", Platform: "ios"}
	got, trace, err := Explain(ns, Feature[string]{Key: "banner"}, ctx)
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if got != "first" {
		t.Fatalf("Explain() = %q, want the earlier-declared rule to win ties", got)
	}
	if trace.RuleNote != "first" {
		t.Fatalf("trace.RuleNote = %q, want %q", trace.RuleNote, "first")
	}
}

func TestExplainRolloutGate(t *testing.T) {
	// With salt "v1" and key "darkMode", the stable ID derived from
	// "user-0" lands in bucket 3053 and the one from "user-1" in bucket
	// 5786 (pinned in the bucketer's known-vector test). At 50% only the
	// first is admitted.
	def := FlagDef[bool]{
		Key:     "darkMode",
		Default: false,
		Salt:    "v1",
		Rules: []Rule[bool]{
			{Percent: floatPtr(50), Value: Fixed(true)},
		},
	}
	ns := loadFlag(t, def)
	feature := Feature[bool]{Key: "darkMode"}

	got, trace, err := Explain(ns, feature, StaticContext{ID: stableIDPtr("user-0")})
	if err != nil {
		t.Fatalf("Explain(user-0) error = %v", err)
	}
	if !got {
		t.Fatal("Explain(user-0) = false, want true (bucket 3053 < 5000)")
	}
	if trace.Decision != DecisionRule || !trace.Bucketed || trace.Bucket != 3053 {
		t.Fatalf("trace = %+v, want rule decision with bucket 3053", trace)
	}

	got, trace, err = Explain(ns, feature, StaticContext{ID: stableIDPtr("user-1")})
	if err != nil {
		t.Fatalf("Explain(user-1) error = %v", err)
	}
	if got {
		t.Fatal("Explain(user-1) = true, want false (bucket 5786 >= 5000)")
	}
	if trace.Decision != DecisionDefault {
		t.Fatalf("trace.Decision = %q, want %q", trace.Decision, DecisionDefault)
	}
	if len(trace.Skipped) != 1 || trace.Skipped[0].Bucket != 5786 {
		t.Fatalf("trace.Skipped = %+v, want one rollout skip with bucket 5786", trace.Skipped)
	}
}

func TestExplainAllowlistBypass(t *testing.T) {
	id := DeriveStableID("vip-user")

	tests := []struct {
		name string
		def  FlagDef[bool]
	}{
		{
			name: "rule level allowlist",
			def: FlagDef[bool]{
				Key:     "darkMode",
				Default: false,
				Salt:    "v1",
				Rules: []Rule[bool]{
					{Percent: floatPtr(0), Allowlist: []string{id.Hex()}, Value: Fixed(true)},
				},
			},
		},
		{
			name: "flag level allowlist",
			def: FlagDef[bool]{
				Key:       "darkMode",
				Default:   false,
				Salt:      "v1",
				Allowlist: []string{id.Hex()},
				Rules: []Rule[bool]{
					{Percent: floatPtr(0), Value: Fixed(true)},
				},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ns := loadFlag(t, test.def)

			got, trace, err := Explain(ns, Feature[bool]{Key: "darkMode"}, StaticContext{ID: &id})
			if err != nil {
				t.Fatalf("Explain() error = %v", err)
			}
			if !got {
				t.Fatal("Explain() = false, want allowlisted id admitted at 0% rollout")
			}
			if trace.Decision != DecisionRule {
				t.Fatalf("trace.Decision = %q, want %q", trace.Decision, DecisionRule)
			}
		})
	}
}

func TestExplainAllowlistRequiresStructuralMatch(t *testing.T) {
	// The bypass never substitutes for targeting: an allowlisted ID whose
	// context fails the tree still gets the default.
	id := DeriveStableID("vip-user")
	ns := loadFlag(t, FlagDef[bool]{
		Key:     "darkMode",
		Default: false,
		Salt:    "v1",
		Rules: []Rule[bool]{
			{
				Targeting: All(Platforms("ios")),
				Percent:   floatPtr(0),
				Allowlist: []string{id.Hex()},
				Value:     Fixed(true),
			},
		},
	})

	got, trace, err := Explain(ns, Feature[bool]{Key: "darkMode"}, StaticContext{Platform: "android", ID: &id})
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if got {
		t.Fatal("Explain() = true, want false: allowlist must not bypass targeting")
	}
	if trace.Decision != DecisionDefault {
		t.Fatalf("trace.Decision = %q, want %q", trace.Decision, DecisionDefault)
	}
}

func TestExplainKillSwitch(t *testing.T) {
	ns := NewNamespace("test")
	snap := NewSnapshot(SnapshotMeta{Version: "killed"})
	snap.Disabled = true
	mustAddFlag(t, snap, FlagDef[bool]{
		Key:     "darkMode",
		Default: false,
		Rules: []Rule[bool]{
			{Value: Fixed(true)},
		},
	})
	ns.Load(snap)

	got, trace, err := Explain(ns, Feature[bool]{Key: "darkMode"}, StaticContext{})
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if got {
		t.Fatal("Explain() = true, want default under kill switch")
	}
	if trace.Decision != DecisionRegistryDisabled {
		t.Fatalf("trace.Decision = %q, want %q", trace.Decision, DecisionRegistryDisabled)
	}
}

func TestExplainInactiveFlag(t *testing.T) {
	ns := loadFlag(t, FlagDef[bool]{
		Key:      "darkMode",
		Default:  false,
		Disabled: true,
		Rules: []Rule[bool]{
			{Value: Fixed(true)},
		},
	})

	got, trace, err := Explain(ns, Feature[bool]{Key: "darkMode"}, StaticContext{})
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if got {
		t.Fatal("Explain() = true, want default for inactive flag")
	}
	if trace.Decision != DecisionInactive {
		t.Fatalf("trace.Decision = %q, want %q", trace.Decision, DecisionInactive)
	}
}

func TestExplainUnregisteredFeature(t *testing.T) {
	ns := NewNamespace("test")

	_, _, err := Explain(ns, Feature[bool]{Key: "missing"}, StaticContext{})
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Explain() error = %v, want %v", err, ErrNotRegistered)
	}
}

func TestExplainTypeMismatch(t *testing.T) {
	ns := loadFlag(t, FlagDef[string]{Key: "greeting", Default: "hello"})

	_, _, err := Explain(ns, Feature[bool]{Key: "greeting"}, StaticContext{})
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("Explain() error = %v, want %v", err, ErrTypeMismatch)
	}
}

func TestExplainContextualValue(t *testing.T) {
	ns := loadFlag(t, FlagDef[string]{
		Key:     "greeting",
		Default: "hello",
		Rules: []Rule[string]{
			{
				Targeting: All(Locales("fr-FR")),
				Value: Contextual(func(ctx Context) string {
					locale, _ := ctx.(LocaleCarrier).LocaleID()
					return "bonjour " + locale
				}),
			},
		},
	})

	got, err := Evaluate(ns, Feature[string]{Key: "greeting"}, StaticContext{Locale: "fr-FR"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got != "bonjour fr-FR" {
		t.Fatalf("Evaluate() = %q, want %q", got, "bonjour fr-FR")
	}
}

func TestExplainRolloutSkipContinuesToNextRule(t *testing.T) {
	// The specific rule matches but its 0% rollout excludes everyone; the
	// catch-all below it still wins, and the skip shows up in the trace.
	ns := loadFlag(t, FlagDef[string]{
		Key:     "theme",
		Default: "plain",
		Salt:    "v1",
		Rules: []Rule[string]{
			{Targeting: All(Locales("en-GB")), Percent: floatPtr(0), Note: "experiment", Value: Fixed("experimental")},
			{Targeting: All(), Note: "fallback", Value: Fixed("classic")},
		},
	})

	got, trace, err := Explain(ns, Feature[string]{Key: "theme"}, StaticContext{
		Locale: "en-GB",
		ID:     stableIDPtr("user-0"),
	})
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if got != "classic" {
		t.Fatalf("Explain() = %q, want %q", got, "classic")
	}
	if trace.Decision != DecisionRule || trace.RuleNote != "fallback" {
		t.Fatalf("trace = %+v, want fallback rule decision", trace)
	}
	if len(trace.Skipped) != 1 || trace.Skipped[0].Note != "experiment" {
		t.Fatalf("trace.Skipped = %+v, want the experiment rule recorded as skipped", trace.Skipped)
	}
}

func TestExplainGatedRuleWithoutStableID(t *testing.T) {
	ns := loadFlag(t, FlagDef[bool]{
		Key:     "darkMode",
		Default: false,
		Salt:    "v1",
		Rules: []Rule[bool]{
			{Percent: floatPtr(99.99), Value: Fixed(true)},
		},
	})

	got, trace, err := Explain(ns, Feature[bool]{Key: "darkMode"}, StaticContext{})
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if got {
		t.Fatal("Explain() = true, want false: no stable id means no bucket under 100%")
	}
	if len(trace.Skipped) != 1 || trace.Skipped[0].Bucketed {
		t.Fatalf("trace.Skipped = %+v, want one unbucketed skip", trace.Skipped)
	}

	// A gated rule at exactly 100% admits everyone, id or not.
	ns = loadFlag(t, FlagDef[bool]{
		Key:     "darkMode",
		Default: false,
		Rules: []Rule[bool]{
			{Percent: floatPtr(100), Value: Fixed(true)},
		},
	})
	got, err = Evaluate(ns, Feature[bool]{Key: "darkMode"}, StaticContext{})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !got {
		t.Fatal("Evaluate() = false, want true at 100% without a stable id")
	}
}

func TestExplainDeterminism(t *testing.T) {
	ns := loadFlag(t, FlagDef[string]{
		Key:     "theme",
		Default: "plain",
		Salt:    "v1",
		Rules: []Rule[string]{
			{Targeting: All(Locales("en-GB"), MinVersion("2.0.0")), Percent: floatPtr(35), Value: Fixed("modern")},
			{Targeting: All(Locales("en-GB")), Value: Fixed("classic")},
		},
	})
	ctx := StaticContext{Locale: "en-GB", Version: "2.1.0", ID: stableIDPtr("alice")}

	first, firstTrace, err := Explain(ns, Feature[string]{Key: "theme"}, ctx)
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}

	for i := 0; i < 1000; i++ {
		got, trace, err := Explain(ns, Feature[string]{Key: "theme"}, ctx)
		if err != nil {
			t.Fatalf("Explain() error = %v on repetition %d", err, i)
		}
		if got != first {
			t.Fatalf("Explain() = %q on repetition %d, want %q", got, i, first)
		}
		if trace.Decision != firstTrace.Decision || trace.RuleIndex != firstTrace.RuleIndex {
			t.Fatalf("trace diverged on repetition %d: %+v vs %+v", i, trace, firstTrace)
		}
	}
}

func TestNamespaceAtomicSnapshotSwap(t *testing.T) {
	buildSnapshot := func(version, ruleValue, defaultValue string) *Snapshot {
		snap := NewSnapshot(SnapshotMeta{Version: version})
		if err := AddFlag(snap, FlagDef[string]{
			Key:     "theme",
			Default: defaultValue,
			Rules: []Rule[string]{
				{Targeting: All(Locales("en-GB")), Value: Fixed(ruleValue)},
			},
		}); err != nil {
			t.Fatalf("AddFlag() error = %v", err)
		}
		return snap
	}

	snapA := buildSnapshot("a", "alpha-rule", "alpha-default")
	snapB := buildSnapshot("b", "beta-rule", "beta-default")

	ns := NewNamespace("swap")
	ns.Load(snapA)

	ctx := StaticContext{Locale: "en-GB"}
	feature := Feature[string]{Key: "theme"}

	done := make(chan struct{})
	writerStopped := make(chan struct{})
	go func() {
		defer close(writerStopped)
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			if i%2 == 0 {
				ns.Load(snapB)
			} else {
				ns.Load(snapA)
			}
		}
	}()

	var readers sync.WaitGroup
	var readerErr sync.Map
	for reader := 0; reader < 10; reader++ {
		readers.Add(1)
		go func(reader int) {
			defer readers.Done()
			for i := 0; i < 2000; i++ {
				got, err := Evaluate(ns, feature, ctx)
				if err != nil {
					readerErr.Store(reader, err)
					return
				}
				// Either snapshot's rule matches this context, so a
				// default leaking through would mean readers observed
				// a partially installed snapshot.
				if got != "alpha-rule" && got != "beta-rule" {
					readerErr.Store(reader, errors.New("observed mixed snapshot value "+got))
					return
				}
			}
		}(reader)
	}

	readers.Wait()
	close(done)
	<-writerStopped

	readerErr.Range(func(key, value any) bool {
		t.Fatalf("reader %v failed: %v", key, value)
		return false
	})
}
