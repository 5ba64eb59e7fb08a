package core

import (
	"strings"

	"golang.org/x/mod/semver"
)

// Version is a semantic version string such as "1.4.0". A leading "v" is
// accepted and ignored. Comparison follows semver precedence; an unparseable
// version compares as the lowest possible value, so it never satisfies a
// bounded range.
type Version string

// canonical normalizes a version for comparison with [semver.Compare], which
// requires the "v" prefix.
func (v Version) canonical() string {
	return "v" + strings.TrimPrefix(string(v), "v")
}

// valid reports whether the version parses as a semantic version.
func (v Version) valid() bool {
	return semver.IsValid(v.canonical())
}

// Compare returns -1, 0, or +1 comparing v against other by semver
// precedence.
func (v Version) Compare(other Version) int {
	return semver.Compare(v.canonical(), other.canonical())
}

// VersionRange is a half-open version interval: Min is inclusive, Max is
// exclusive. Either bound may be empty, leaving that side unbounded. The zero
// value is the fully unbounded range, which contains every valid version and
// contributes nothing to specificity.
type VersionRange struct {
	Min Version
	Max Version
}

// Contains reports whether v falls inside the range. Invalid versions are
// contained only by the fully unbounded range.
func (r VersionRange) Contains(v Version) bool {
	if !r.Bounded() {
		return true
	}
	if !v.valid() {
		return false
	}

	if r.Min != "" && v.Compare(r.Min) < 0 {
		return false
	}
	if r.Max != "" && v.Compare(r.Max) >= 0 {
		return false
	}

	return true
}

// Bounded reports whether at least one side of the range is constrained.
func (r VersionRange) Bounded() bool {
	return r.Min != "" || r.Max != ""
}
