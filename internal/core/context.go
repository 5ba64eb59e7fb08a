// Package core implements the gatehouse evaluation engine: targeting trees,
// deterministic rollout bucketing, rule selection, and the namespace registry
// that holds flag definitions behind an atomically swappable snapshot.
//
// The engine is a pure in-process computation. Evaluation performs no I/O and
// takes no locks; any number of goroutines may evaluate concurrently against
// the same namespace while another goroutine installs a new snapshot.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Context carries the facts a targeting tree can match against. Any value may
// serve as a context; facets (locale, platform, version, stable ID, axes) are
// discovered via the carrier interfaces below. A leaf that requires a facet
// the context does not expose simply does not match.
//
// Contexts are treated as immutable for the duration of an evaluation.
type Context any

// LocaleCarrier exposes the locale facet of a context.
type LocaleCarrier interface {
	LocaleID() (string, bool)
}

// PlatformCarrier exposes the platform facet of a context.
type PlatformCarrier interface {
	PlatformID() (string, bool)
}

// VersionCarrier exposes the application version facet of a context.
type VersionCarrier interface {
	AppVersion() (Version, bool)
}

// StableIDCarrier exposes the stable identifier used for rollout bucketing.
type StableIDCarrier interface {
	StableID() (StableID, bool)
}

// AxisCarrier exposes custom enum-like dimensions keyed by axis ID. The
// returned slice holds the IDs of every value the context carries on that
// axis; an unknown axis yields an empty slice.
type AxisCarrier interface {
	AxisValueIDs(axisID string) []string
}

// StableID is a 128-bit identifier that is stable across sessions for the
// same subject. Its hex rendering is the bucketing input, so two processes
// that derive the same StableID always land the same subject in the same
// rollout bucket.
type StableID [16]byte

// DeriveStableID maps an arbitrary non-empty string (user ID, device ID,
// anonymous session token) onto a StableID by truncating its SHA-256 digest.
func DeriveStableID(s string) StableID {
	sum := sha256.Sum256([]byte(s))

	var id StableID
	copy(id[:], sum[:16])
	return id
}

// ParseStableID decodes a 32-character hex string produced by [StableID.Hex].
func ParseStableID(s string) (StableID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return StableID{}, fmt.Errorf("parse stable id: %w", err)
	}
	if len(raw) != len(StableID{}) {
		return StableID{}, fmt.Errorf("parse stable id: want %d bytes, got %d", len(StableID{}), len(raw))
	}

	var id StableID
	copy(id[:], raw)
	return id, nil
}

// Hex renders the identifier as a fixed-length lowercase hex string.
func (id StableID) Hex() string {
	return hex.EncodeToString(id[:])
}

// StaticContext is a ready-made context exposing every facet through optional
// fields. The zero value exposes no facets at all, which makes it the minimal
// context: it still matches an empty targeting tree, and nothing else.
type StaticContext struct {
	Locale   string
	Platform string
	Version  Version
	ID       *StableID
	Axes     map[string][]string
}

// LocaleID implements [LocaleCarrier].
func (c StaticContext) LocaleID() (string, bool) {
	return c.Locale, c.Locale != ""
}

// PlatformID implements [PlatformCarrier].
func (c StaticContext) PlatformID() (string, bool) {
	return c.Platform, c.Platform != ""
}

// AppVersion implements [VersionCarrier].
func (c StaticContext) AppVersion() (Version, bool) {
	return c.Version, c.Version != ""
}

// StableID implements [StableIDCarrier].
func (c StaticContext) StableID() (StableID, bool) {
	if c.ID == nil {
		return StableID{}, false
	}
	return *c.ID, true
}

// AxisValueIDs implements [AxisCarrier].
func (c StaticContext) AxisValueIDs(axisID string) []string {
	return c.Axes[axisID]
}
