package core

import (
	"fmt"
	"testing"
)

func benchNamespace(b *testing.B, def FlagDef[string]) *Namespace {
	b.Helper()
	ns := NewNamespace("bench")
	snap := NewSnapshot(SnapshotMeta{Version: "bench"})
	if err := AddFlag(snap, def); err != nil {
		b.Fatalf("AddFlag() error = %v", err)
	}
	ns.Load(snap)
	return ns
}

func BenchmarkExplain_NoRules(b *testing.B) {
	ns := benchNamespace(b, FlagDef[string]{Key: "plain", Default: "default"})
	ctx := StaticContext{Locale: "en-GB", Platform: "ios"}
	feature := Feature[string]{Key: "plain"}

	b.ResetTimer()
	for b.Loop() {
		_, _, _ = Explain(ns, feature, ctx)
	}
}

func BenchmarkExplain_SingleRule(b *testing.B) {
	ns := benchNamespace(b, FlagDef[string]{
		Key:     "single",
		Default: "default",
		Rules: []Rule[string]{
			{Targeting: All(Locales("en-GB")), Value: Fixed("matched")},
		},
	})
	ctx := StaticContext{Locale: "en-GB"}
	feature := Feature[string]{Key: "single"}

	b.ResetTimer()
	for b.Loop() {
		_, _, _ = Explain(ns, feature, ctx)
	}
}

func BenchmarkExplain_RolloutGated(b *testing.B) {
	percent := 50.0
	ns := benchNamespace(b, FlagDef[string]{
		Key:     "gated",
		Default: "default",
		Salt:    "v1",
		Rules: []Rule[string]{
			{Percent: &percent, Value: Fixed("matched")},
		},
	})
	id := DeriveStableID("bench-subject")
	ctx := StaticContext{ID: &id}
	feature := Feature[string]{Key: "gated"}

	b.ResetTimer()
	for b.Loop() {
		_, _, _ = Explain(ns, feature, ctx)
	}
}

func BenchmarkExplain_ManyRules(b *testing.B) {
	rules := make([]Rule[string], 20)
	for i := range rules {
		rules[i] = Rule[string]{
			Targeting: All(Locales(fmt.Sprintf("xx-%02d", i))),
			Value:     Fixed(fmt.Sprintf("value-%02d", i)),
		}
	}
	ns := benchNamespace(b, FlagDef[string]{Key: "many", Default: "default", Rules: rules})
	feature := Feature[string]{Key: "many"}

	b.Run("MatchFirstRanked", func(b *testing.B) {
		ctx := StaticContext{Locale: "xx-00"}
		b.ResetTimer()
		for b.Loop() {
			_, _, _ = Explain(ns, feature, ctx)
		}
	})

	b.Run("NoMatch", func(b *testing.B) {
		ctx := StaticContext{Locale: "zz-99"}
		b.ResetTimer()
		for b.Loop() {
			_, _, _ = Explain(ns, feature, ctx)
		}
	})
}
