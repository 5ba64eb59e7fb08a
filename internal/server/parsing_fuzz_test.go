package server

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/calder-ops/gatehouse/internal/core"
)

func FuzzParseLastEventID(f *testing.F) {
	f.Add("")
	f.Add("0")
	f.Add("42")
	f.Add("-1")
	f.Add("not-a-number")
	f.Add("  7  ")

	f.Fuzz(func(t *testing.T, value string) {
		got, err := parseLastEventID(value)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if err != nil || got != 0 {
				t.Fatalf("parseLastEventID(%q) = (%d, %v), want (0, nil)", value, got, err)
			}
			return
		}

		want, parseErr := strconv.ParseInt(trimmed, 10, 64)
		expectErr := parseErr != nil || want < 0
		if expectErr {
			if err == nil {
				t.Fatalf("parseLastEventID(%q) error = nil, want non-nil", value)
			}
			return
		}

		if err != nil || got != want {
			t.Fatalf("parseLastEventID(%q) = (%d, %v), want (%d, nil)", value, got, err, want)
		}
	})
}

func FuzzContextSpecStableID(f *testing.F) {
	f.Add("", "")
	f.Add("7fad6a4d0041a9375e2ef646ad05bae1", "")
	f.Add("not-hex", "")
	f.Add("abcd", "")
	f.Add("", "user-42")
	f.Add("7fad6a4d0041a9375e2ef646ad05bae1", "user-42")

	f.Fuzz(func(t *testing.T, stableID, subject string) {
		spec := contextSpec{StableID: stableID, Subject: subject}
		evalCtx, err := spec.evalContext()

		if stableID != "" {
			want, parseErr := core.ParseStableID(stableID)
			if parseErr != nil {
				if err == nil {
					t.Fatalf("evalContext() error = nil for stable_id %q, want non-nil", stableID)
				}
				return
			}
			if err != nil {
				t.Fatalf("evalContext() error = %v for valid stable_id %q", err, stableID)
			}
			got, ok := evalCtx.StableID()
			if !ok || got != want {
				t.Fatalf("StableID() = (%v, %v), want (%v, true)", got, ok, want)
			}
			return
		}

		if err != nil {
			t.Fatalf("evalContext() error = %v, want nil", err)
		}
		got, ok := evalCtx.StableID()
		if subject == "" {
			if ok {
				t.Fatalf("StableID() = (%v, true), want absent", got)
			}
			return
		}
		if want := core.DeriveStableID(subject); !ok || got != want {
			t.Fatalf("StableID() = (%v, %v), want (%v, true)", got, ok, want)
		}
	})
}

func FuzzCompactSSEPayload(f *testing.F) {
	f.Add([]byte(`{"key":"new-ui","disabled":false}`))
	f.Add([]byte("{\n  \"key\": \"new-ui\",\n  \"disabled\": false\n}"))
	f.Add([]byte("line1\nline2"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, payload []byte) {
		lines := compactSSEPayload(payload)
		if len(lines) == 0 {
			t.Fatal("compactSSEPayload returned no lines")
		}

		var builder strings.Builder
		if err := writeSSEEvent(&builder, 1, "update", payload); err != nil {
			t.Fatalf("writeSSEEvent() error = %v", err)
		}
		body := builder.String()
		if !strings.HasPrefix(body, "id: 1\nevent: update\n") {
			t.Fatalf("unexpected SSE prefix: %q", body)
		}

		var compact bytes.Buffer
		if err := json.Compact(&compact, payload); err == nil {
			if len(lines) != 1 || lines[0] != compact.String() {
				t.Fatalf("compactSSEPayload valid json mismatch: got %#v want %q", lines, compact.String())
			}
		}
	})
}
