// Package gatehouse provides client interfaces and domain types for the
// gatehouse feature flag service.
//
// Use the sub-package to create a transport-specific client:
//
//	import gatehousehttp "github.com/calder-ops/gatehouse/clients/go/http"
package gatehouse

import (
	"context"
	"time"
)

// NamespaceManager covers CRUD operations on namespaces, including the
// kill switch that forces every flag in a namespace to its default.
type NamespaceManager interface {
	CreateNamespace(ctx context.Context, name, description string) (Namespace, error)
	GetNamespace(ctx context.Context, name string) (Namespace, error)
	ListNamespaces(ctx context.Context) ([]Namespace, error)
	SetNamespaceDisabled(ctx context.Context, name string, disabled bool) (Namespace, error)
	DeleteNamespace(ctx context.Context, name string) error
}

// FlagManager covers CRUD operations on feature flags within a namespace.
type FlagManager interface {
	CreateFlag(ctx context.Context, flag Flag) (Flag, error)
	GetFlag(ctx context.Context, namespace, key string) (Flag, error)
	ListFlags(ctx context.Context, namespace string) ([]Flag, error)
	UpdateFlag(ctx context.Context, flag Flag) (Flag, error)
	DeleteFlag(ctx context.Context, namespace, key string) error
}

// Evaluator covers flag resolution for a given evaluation context.
// Values are typed by the server; clients receive them as decoded JSON.
type Evaluator interface {
	Evaluate(ctx context.Context, namespace, key string, evalCtx EvaluationContext) (any, error)
	EvaluateBatch(ctx context.Context, reqs []EvaluateRequest) ([]EvaluateResult, error)
	Explain(ctx context.Context, namespace, key string, evalCtx EvaluationContext) (any, Trace, error)
}

// Streamer delivers real-time flag change events for a namespace.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, namespace string, opts StreamOptions) (<-chan FlagEvent, error)
}

// StreamOptions narrows a change stream.
type StreamOptions struct {
	// FlagKey restricts the stream to a single flag when non-empty.
	FlagKey string
	// LastEventID resumes the stream after a previously seen event.
	LastEventID int64
}

// Namespace is an isolated flag registry. Disabled acts as a kill switch.
type Namespace struct {
	Name        string
	Description string
	Disabled    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Flag is the domain representation of a feature flag.
type Flag struct {
	Namespace    string
	Key          string
	Description  string
	Disabled     bool
	Salt         string // bucketing salt; bump to reshuffle rollout cohorts
	DefaultValue any
	Allowlist    []string // stable IDs that bypass percentage gating, may be nil
	Rules        []Rule   // ordered targeting rules, may be nil
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Rule is a targeting rule. Empty condition fields match everything;
// Percent of nil means no percentage gate.
type Rule struct {
	Locales    []string
	Platforms  []string
	MinVersion string
	MaxVersion string
	Axes       map[string][]string
	Percent    *float64
	Allowlist  []string
	Note       string
	Value      any
}

// EvaluationContext carries the request attributes flags are matched
// against. StableID must be 32 hex characters; Subject derives a stable
// identifier server-side when no explicit StableID is available.
type EvaluationContext struct {
	Locale   string
	Platform string
	Version  string
	StableID string
	Subject  string
	Axes     map[string][]string
}

// EvaluateRequest is a single flag evaluation request within a batch.
type EvaluateRequest struct {
	Namespace string
	Key       string
	Context   EvaluationContext
}

// EvaluateResult is the outcome of a single flag evaluation.
// Error is empty when the evaluation succeeded.
type EvaluateResult struct {
	Namespace string
	Key       string
	Value     any
	Error     string
}

// Trace is the decision record returned by Explain.
type Trace struct {
	Feature     string
	Namespace   string
	Decision    string // "rule" | "default" | "inactive" | "registry_disabled"
	RuleIndex   int
	RuleNote    string
	Specificity int
	Bucket      uint32
	Bucketed    bool
	Skipped     []SkippedRule
	Duration    time.Duration
}

// SkippedRule records a rule that matched but lost its percentage roll.
type SkippedRule struct {
	Index       int
	Note        string
	Specificity int
	Bucket      uint32
	Bucketed    bool
}

// FlagEvent is a real-time notification of a flag change.
type FlagEvent struct {
	Type      string // "update" | "delete" | "error"
	Namespace string
	Key       string
	Flag      *Flag // nil on delete/error
	EventID   int64
}
