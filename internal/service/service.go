// Package service sits between the transport and storage layers. It compiles
// flag rows from the repository into immutable evaluation snapshots, keeps
// those snapshots fresh via LISTEN/NOTIFY invalidation with a periodic resync
// fallback, and fronts the evaluator for the HTTP handlers.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/calder-ops/gatehouse/internal/core"
	"github.com/calder-ops/gatehouse/internal/metrics"
	"github.com/calder-ops/gatehouse/internal/repository"
)

const (
	EventTypeUpdated = "updated"
	EventTypeDeleted = "deleted"

	bestEffortTimeout           = 2 * time.Second
	defaultSnapshotResyncPeriod = time.Minute
	snapshotReloadTimeout       = 5 * time.Second
	snapshotSource              = "postgres"
)

var (
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrFlagNotFound      = errors.New("flag not found")
	ErrInvalidRules      = errors.New("invalid rules")
	ErrInvalidDefault    = errors.New("invalid default value")
	ErrInvalidAllowlist  = errors.New("invalid allowlist")
)

type Repository interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, namespace, key string) (repository.Flag, error)
	ListFlags(ctx context.Context) ([]repository.Flag, error)
	ListFlagsInNamespace(ctx context.Context, namespace string) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, namespace, key string) error
	CreateNamespace(ctx context.Context, name, description string) (repository.Namespace, error)
	ListNamespaces(ctx context.Context) ([]repository.Namespace, error)
	GetNamespace(ctx context.Context, name string) (repository.Namespace, error)
	SetNamespaceDisabled(ctx context.Context, name string, disabled bool) (repository.Namespace, error)
	DeleteNamespace(ctx context.Context, name string) error
	ListEventsSince(ctx context.Context, namespace string, eventID int64) ([]repository.FlagEvent, error)
	ListEventsSinceForKey(ctx context.Context, namespace string, eventID int64, key string) ([]repository.FlagEvent, error)
	PublishFlagEvent(ctx context.Context, event repository.FlagEvent) (repository.FlagEvent, error)
}

type snapshotInvalidationSubscriber interface {
	SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// Service owns the live evaluation state: one [core.Namespace] handle per
// database namespace, each holding an atomically swapped snapshot.
type Service struct {
	repo    Repository
	metrics *metrics.Metrics
	tracer  trace.Tracer
	resync  time.Duration

	mu         sync.RWMutex
	namespaces map[string]*core.Namespace
}

// Option configures optional Service parameters.
type Option func(*Service)

// WithMetrics attaches Prometheus collectors for evaluation and snapshot
// bookkeeping.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithResyncInterval overrides the periodic full-resync interval that backs
// up LISTEN/NOTIFY invalidation.
func WithResyncInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.resync = d
		}
	}
}

// New builds a Service, performs the initial snapshot load, and starts the
// invalidation listener when the repository supports it.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:       repo,
		tracer:     otel.Tracer("github.com/calder-ops/gatehouse/internal/service"),
		resync:     defaultSnapshotResyncPeriod,
		namespaces: make(map[string]*core.Namespace),
	}
	for _, o := range opts {
		o(svc)
	}

	if err := svc.LoadSnapshots(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(snapshotInvalidationSubscriber); ok {
		if err := svc.startInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadSnapshots rebuilds every namespace snapshot from the database and swaps
// the results in atomically. Namespace handles survive rebuilds so readers
// holding a handle keep observing fresh snapshots.
func (s *Service) LoadSnapshots(ctx context.Context) error {
	namespaceRows, err := s.repo.ListNamespaces(ctx)
	if err != nil {
		return fmt.Errorf("load namespaces: %w", err)
	}
	flagRows, err := s.repo.ListFlags(ctx)
	if err != nil {
		return fmt.Errorf("load flags: %w", err)
	}

	flagsByNamespace := make(map[string][]repository.Flag, len(namespaceRows))
	for _, row := range flagRows {
		flagsByNamespace[row.Namespace] = append(flagsByNamespace[row.Namespace], row)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(namespaceRows))
	for _, nsRow := range namespaceRows {
		seen[nsRow.Name] = struct{}{}
		handle, ok := s.namespaces[nsRow.Name]
		if !ok {
			handle = core.NewNamespace(nsRow.Name)
			s.namespaces[nsRow.Name] = handle
		}
		handle.Load(buildSnapshot(nsRow, flagsByNamespace[nsRow.Name]))
	}
	for name := range s.namespaces {
		if _, ok := seen[name]; !ok {
			delete(s.namespaces, name)
		}
	}

	if s.metrics != nil {
		s.metrics.IncSnapshotLoads()
		s.metrics.ResetSnapshotFlags()
		for name, handle := range s.namespaces {
			s.metrics.SetSnapshotFlags(name, float64(handle.Current().Len()))
		}
	}

	return nil
}

// buildSnapshot compiles flag rows into an immutable snapshot. Rows whose
// stored JSON no longer compiles are skipped so one bad row cannot take the
// rest of the namespace down with it.
func buildSnapshot(ns repository.Namespace, rows []repository.Flag) *core.Snapshot {
	snap := core.NewSnapshot(core.SnapshotMeta{
		Version:  uuid.NewString(),
		Source:   snapshotSource,
		LoadedAt: time.Now(),
	})
	snap.Disabled = ns.Disabled

	for _, row := range rows {
		def, err := compileFlag(row)
		if err != nil {
			slog.Warn("skipping flag with invalid stored definition",
				slog.String("namespace", row.Namespace),
				slog.String("key", row.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := core.AddFlag(snap, def); err != nil {
			slog.Warn("skipping flag rejected by snapshot",
				slog.String("namespace", row.Namespace),
				slog.String("key", row.Key),
				slog.String("error", err.Error()),
			)
		}
	}

	return snap
}

// Resolve evaluates a flag for the given context and returns only the value.
func (s *Service) Resolve(ctx context.Context, namespace, key string, evalCtx core.Context) (any, error) {
	value, _, err := s.Explain(ctx, namespace, key, evalCtx)
	return value, err
}

// Explain evaluates a flag and returns the value together with the full
// decision trace.
func (s *Service) Explain(ctx context.Context, namespace, key string, evalCtx core.Context) (any, core.Trace, error) {
	_, span := s.tracer.Start(ctx, "gatehouse.explain",
		trace.WithAttributes(
			attribute.String("flag.namespace", namespace),
			attribute.String("flag.key", key),
		))
	defer span.End()

	handle, ok := s.namespaceHandle(namespace)
	if !ok {
		return nil, core.Trace{}, fmt.Errorf("%w: %s", ErrNamespaceNotFound, namespace)
	}

	value, tr, err := core.Explain(handle, core.Feature[any]{Key: key}, evalCtx)
	if err != nil {
		if errors.Is(err, core.ErrNotRegistered) {
			return nil, tr, fmt.Errorf("%w: %s/%s", ErrFlagNotFound, namespace, key)
		}
		return nil, tr, fmt.Errorf("evaluate %s/%s: %w", namespace, key, err)
	}

	span.SetAttributes(attribute.String("flag.decision", string(tr.Decision)))
	if s.metrics != nil {
		s.metrics.RecordEvaluation(string(tr.Decision), tr.Duration.Seconds())
	}

	return value, tr, nil
}

func (s *Service) namespaceHandle(name string) (*core.Namespace, bool) {
	s.mu.RLock()
	handle, ok := s.namespaces[name]
	s.mu.RUnlock()
	return handle, ok
}

// CreateNamespace registers a new namespace and gives it an empty snapshot so
// evaluations against it succeed immediately.
func (s *Service) CreateNamespace(ctx context.Context, name, description string) (repository.Namespace, error) {
	if strings.TrimSpace(name) == "" {
		return repository.Namespace{}, errors.New("namespace name is required")
	}

	created, err := s.repo.CreateNamespace(ctx, name, description)
	if err != nil {
		return repository.Namespace{}, fmt.Errorf("create namespace: %w", err)
	}

	s.mu.Lock()
	if _, ok := s.namespaces[created.Name]; !ok {
		handle := core.NewNamespace(created.Name)
		handle.Load(buildSnapshot(created, nil))
		s.namespaces[created.Name] = handle
	}
	s.mu.Unlock()

	return created, nil
}

// ListNamespaces returns all namespaces.
func (s *Service) ListNamespaces(ctx context.Context) ([]repository.Namespace, error) {
	namespaces, err := s.repo.ListNamespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	return namespaces, nil
}

// GetNamespace returns a single namespace by name.
func (s *Service) GetNamespace(ctx context.Context, name string) (repository.Namespace, error) {
	ns, err := s.repo.GetNamespace(ctx, name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Namespace{}, ErrNamespaceNotFound
		}
		return repository.Namespace{}, fmt.Errorf("get namespace: %w", err)
	}
	return ns, nil
}

// SetNamespaceDisabled flips the namespace kill switch and rebuilds the
// namespace's snapshot so the change takes effect on the next evaluation.
func (s *Service) SetNamespaceDisabled(ctx context.Context, name string, disabled bool) (repository.Namespace, error) {
	updated, err := s.repo.SetNamespaceDisabled(ctx, name, disabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Namespace{}, ErrNamespaceNotFound
		}
		return repository.Namespace{}, fmt.Errorf("set namespace disabled: %w", err)
	}

	s.rebuildNamespace(ctx, updated)

	return updated, nil
}

// DeleteNamespace removes a namespace together with its flags and handle.
func (s *Service) DeleteNamespace(ctx context.Context, name string) error {
	if err := s.repo.DeleteNamespace(ctx, name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNamespaceNotFound
		}
		return fmt.Errorf("delete namespace: %w", err)
	}

	s.mu.Lock()
	delete(s.namespaces, name)
	s.mu.Unlock()

	return nil
}

// CreateFlag validates and stores a new flag, then rebuilds the owning
// namespace's snapshot.
func (s *Service) CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if strings.TrimSpace(flag.Key) == "" {
		return repository.Flag{}, errors.New("flag key is required")
	}
	if _, err := compileFlag(flag); err != nil {
		return repository.Flag{}, err
	}

	ns, err := s.GetNamespace(ctx, flag.Namespace)
	if err != nil {
		return repository.Flag{}, err
	}

	created, err := s.repo.CreateFlag(ctx, flag)
	if err != nil {
		return repository.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	s.rebuildNamespace(ctx, ns)
	s.publishFlagEventBestEffort(ctx, EventTypeUpdated, created)

	return created, nil
}

// UpdateFlag validates and stores an updated flag definition.
func (s *Service) UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if strings.TrimSpace(flag.Key) == "" {
		return repository.Flag{}, errors.New("flag key is required")
	}
	if _, err := compileFlag(flag); err != nil {
		return repository.Flag{}, err
	}

	updated, err := s.repo.UpdateFlag(ctx, flag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("update flag: %w", err)
	}

	if ns, nsErr := s.GetNamespace(ctx, updated.Namespace); nsErr == nil {
		s.rebuildNamespace(ctx, ns)
	}
	s.publishFlagEventBestEffort(ctx, EventTypeUpdated, updated)

	return updated, nil
}

// GetFlag returns a stored flag row.
func (s *Service) GetFlag(ctx context.Context, namespace, key string) (repository.Flag, error) {
	if strings.TrimSpace(key) == "" {
		return repository.Flag{}, errors.New("flag key is required")
	}

	flag, err := s.repo.GetFlag(ctx, namespace, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all flags in a namespace ordered by key.
func (s *Service) ListFlags(ctx context.Context, namespace string) ([]repository.Flag, error) {
	if _, err := s.GetNamespace(ctx, namespace); err != nil {
		return nil, err
	}

	flags, err := s.repo.ListFlagsInNamespace(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}

	return flags, nil
}

// DeleteFlag removes a flag and rebuilds the owning namespace's snapshot.
func (s *Service) DeleteFlag(ctx context.Context, namespace, key string) error {
	existing, err := s.GetFlag(ctx, namespace, key)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteFlag(ctx, namespace, key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrFlagNotFound
		}
		return fmt.Errorf("delete flag: %w", err)
	}

	if ns, nsErr := s.GetNamespace(ctx, namespace); nsErr == nil {
		s.rebuildNamespace(ctx, ns)
	}
	s.publishFlagEventBestEffort(ctx, EventTypeDeleted, existing)

	return nil
}

// ListEventsSince returns flag events for a namespace after the given event ID.
func (s *Service) ListEventsSince(ctx context.Context, namespace string, eventID int64) ([]repository.FlagEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, namespace, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

// ListEventsSinceForKey returns flag events for one flag after the given event ID.
func (s *Service) ListEventsSinceForKey(ctx context.Context, namespace string, eventID int64, key string) ([]repository.FlagEvent, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("flag key is required")
	}

	events, err := s.repo.ListEventsSinceForKey(ctx, namespace, eventID, key)
	if err != nil {
		return nil, fmt.Errorf("list events since %d for key %q: %w", eventID, key, err)
	}

	return events, nil
}

// rebuildNamespace recompiles one namespace's snapshot from the database.
func (s *Service) rebuildNamespace(ctx context.Context, ns repository.Namespace) {
	rows, err := s.repo.ListFlagsInNamespace(ctx, ns.Name)
	if err != nil {
		slog.Warn("namespace snapshot rebuild failed",
			slog.String("namespace", ns.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	handle, ok := s.namespaces[ns.Name]
	if !ok {
		handle = core.NewNamespace(ns.Name)
		s.namespaces[ns.Name] = handle
	}
	handle.Load(buildSnapshot(ns, rows))
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetSnapshotFlags(ns.Name, float64(handle.Current().Len()))
	}
}

func (s *Service) startInvalidationListener(ctx context.Context, subscriber snapshotInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeFlagInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe snapshot invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resync)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadSnapshots(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.metrics != nil {
					s.metrics.IncSnapshotInvalidations()
				}
				s.reloadSnapshots(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadSnapshots(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, snapshotReloadTimeout)
	defer cancel()
	_ = s.LoadSnapshots(reloadCtx)
}

func (s *Service) publishFlagEventBestEffort(ctx context.Context, eventType string, flag repository.Flag) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	_ = s.publishFlagEvent(publishCtx, eventType, flag)
}

func (s *Service) publishFlagEvent(ctx context.Context, eventType string, flag repository.Flag) error {
	payload, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishFlagEvent(ctx, repository.FlagEvent{
		Namespace: flag.Namespace,
		FlagKey:   flag.Key,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}

// ruleSpec is the JSON shape of one stored targeting rule.
type ruleSpec struct {
	Locales    []string            `json:"locales,omitempty"`
	Platforms  []string            `json:"platforms,omitempty"`
	MinVersion string              `json:"min_version,omitempty"`
	MaxVersion string              `json:"max_version,omitempty"`
	Axes       map[string][]string `json:"axes,omitempty"`
	Percent    *float64            `json:"percent,omitempty"`
	Allowlist  []string            `json:"allowlist,omitempty"`
	Note       string              `json:"note,omitempty"`
	Value      json.RawMessage     `json:"value"`
}

// compileFlag turns a stored flag row into an evaluable definition. It is
// also the write-path validator: CreateFlag and UpdateFlag refuse rows this
// function cannot compile.
func compileFlag(flag repository.Flag) (core.FlagDef[any], error) {
	def := core.FlagDef[any]{
		Key:      flag.Key,
		Salt:     flag.Salt,
		Disabled: flag.Disabled,
	}

	if len(flag.DefaultValue) > 0 {
		if err := json.Unmarshal(flag.DefaultValue, &def.Default); err != nil {
			return core.FlagDef[any]{}, fmt.Errorf("%w: %v", ErrInvalidDefault, err)
		}
	}

	if len(flag.Allowlist) > 0 {
		if err := json.Unmarshal(flag.Allowlist, &def.Allowlist); err != nil {
			return core.FlagDef[any]{}, fmt.Errorf("%w: %v", ErrInvalidAllowlist, err)
		}
	}

	rules, err := compileRules(flag.Rules)
	if err != nil {
		return core.FlagDef[any]{}, err
	}
	def.Rules = rules

	return def, nil
}

func compileRules(payload json.RawMessage) ([]core.Rule[any], error) {
	specs := make([]ruleSpec, 0)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &specs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
		}
	}

	rules := make([]core.Rule[any], 0, len(specs))
	for i, spec := range specs {
		rule, err := compileRule(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", ErrInvalidRules, i, err)
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

func compileRule(spec ruleSpec) (core.Rule[any], error) {
	if len(spec.Value) == 0 {
		return core.Rule[any]{}, errors.New("value is required")
	}
	var value any
	if err := json.Unmarshal(spec.Value, &value); err != nil {
		return core.Rule[any]{}, fmt.Errorf("decode value: %v", err)
	}
	if spec.Percent != nil && (*spec.Percent < 0 || *spec.Percent > 100) {
		return core.Rule[any]{}, fmt.Errorf("percent %v out of range [0, 100]", *spec.Percent)
	}

	nodes := make([]core.Node, 0, 4)
	if len(spec.Locales) > 0 {
		nodes = append(nodes, core.Locales(spec.Locales...))
	}
	if len(spec.Platforms) > 0 {
		nodes = append(nodes, core.Platforms(spec.Platforms...))
	}
	if spec.MinVersion != "" || spec.MaxVersion != "" {
		nodes = append(nodes, core.Versions(core.VersionRange{
			Min: core.Version(spec.MinVersion),
			Max: core.Version(spec.MaxVersion),
		}))
	}
	for _, axisID := range sortedAxisIDs(spec.Axes) {
		values := spec.Axes[axisID]
		if len(values) == 0 {
			return core.Rule[any]{}, fmt.Errorf("axis %q has no values", axisID)
		}
		nodes = append(nodes, core.Axis(axisID, values...))
	}

	return core.Rule[any]{
		Targeting: core.All(nodes...),
		Percent:   spec.Percent,
		Allowlist: spec.Allowlist,
		Note:      spec.Note,
		Value:     core.Fixed[any](value),
	}, nil
}

func sortedAxisIDs(axes map[string][]string) []string {
	ids := make([]string, 0, len(axes))
	for id := range axes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
