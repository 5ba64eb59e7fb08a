// Package repository provides PostgreSQL-backed persistence for namespaces,
// feature flags, API keys, and flag events. It also handles LISTEN/NOTIFY-based
// snapshot invalidation so the service layer stays fresh without polling the
// database into submission.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultNotifyChannel  = "flag_events"
	defaultEventBatchSize = 1000
)

// Flag is the repository-level representation of a feature flag row.
// DefaultValue, Allowlist, and Rules are stored as raw JSON; the service layer
// compiles them into an evaluable definition.
type Flag struct {
	Namespace    string          `json:"namespace"`
	Key          string          `json:"key"`
	Description  string          `json:"description"`
	Disabled     bool            `json:"disabled"`
	Salt         string          `json:"salt"`
	DefaultValue json.RawMessage `json:"default_value"`
	Allowlist    json.RawMessage `json:"allowlist"`
	Rules        json.RawMessage `json:"rules"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Namespace represents an isolated flag registry. Disabled acts as a kill
// switch: every flag in a disabled namespace evaluates to its default.
type Namespace struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Disabled    bool      `json:"disabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// APIKey represents a stored API key record used for bearer-token authentication.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"key_hash"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// FlagEvent represents a change event for a flag, stored in the flag_events
// table and used to drive SSE streaming and snapshot invalidation.
type FlagEvent struct {
	EventID   int64           `json:"event_id"`
	Namespace string          `json:"namespace"`
	FlagKey   string          `json:"flag_key"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PostgresRepository implements namespace, flag, API key, and event persistence
// backed by a pgxpool connection pool. It also supports LISTEN/NOTIFY for
// real-time snapshot invalidation.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN/NOTIFY channel name used for flag
// event notifications.
func WithNotifyChannel(name string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(name)
	}
}

// WithEventBatchSize overrides how many flag events a single ListEventsSince
// query may return. Values < 1 keep the default.
func WithEventBatchSize(size int) Option {
	return func(r *PostgresRepository) {
		if size > 0 {
			r.eventBatchSize = size
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "flag_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	repo := &PostgresRepository{
		pool:           pool,
		notifyChannel:  defaultNotifyChannel,
		eventBatchSize: defaultEventBatchSize,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// CreateFlag inserts a new flag row and returns the created record with
// server-generated timestamps.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	var created Flag
	err := r.pool.QueryRow(ctx, `
		INSERT INTO flags (namespace, key, description, disabled, salt, default_value, allowlist, rules)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING namespace, key, description, disabled, salt, default_value, allowlist, rules, created_at, updated_at
	`,
		flag.Namespace,
		flag.Key,
		flag.Description,
		flag.Disabled,
		flag.Salt,
		ensureJSON(flag.DefaultValue, "null"),
		ensureJSON(flag.Allowlist, "[]"),
		ensureJSON(flag.Rules, "[]"),
	).Scan(
		&created.Namespace,
		&created.Key,
		&created.Description,
		&created.Disabled,
		&created.Salt,
		&created.DefaultValue,
		&created.Allowlist,
		&created.Rules,
		&created.CreatedAt,
		&created.UpdatedAt,
	)
	if err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// UpdateFlag updates an existing flag row identified by namespace and key and
// returns the updated record. Returns pgx.ErrNoRows (wrapped) if the flag does
// not exist.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag Flag) (Flag, error) {
	var updated Flag
	err := r.pool.QueryRow(ctx, `
		UPDATE flags
		SET description = $3,
		    disabled = $4,
		    salt = $5,
		    default_value = $6,
		    allowlist = $7,
		    rules = $8,
		    updated_at = NOW()
		WHERE namespace = $1 AND key = $2
		RETURNING namespace, key, description, disabled, salt, default_value, allowlist, rules, created_at, updated_at
	`,
		flag.Namespace,
		flag.Key,
		flag.Description,
		flag.Disabled,
		flag.Salt,
		ensureJSON(flag.DefaultValue, "null"),
		ensureJSON(flag.Allowlist, "[]"),
		ensureJSON(flag.Rules, "[]"),
	).Scan(
		&updated.Namespace,
		&updated.Key,
		&updated.Description,
		&updated.Disabled,
		&updated.Salt,
		&updated.DefaultValue,
		&updated.Allowlist,
		&updated.Rules,
		&updated.CreatedAt,
		&updated.UpdatedAt,
	)
	if err != nil {
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}

	return updated, nil
}

// GetFlag retrieves a single flag by its namespace and key. Returns
// pgx.ErrNoRows (wrapped) if not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, namespace, key string) (Flag, error) {
	var flag Flag
	err := r.pool.QueryRow(ctx, `
		SELECT namespace, key, description, disabled, salt, default_value, allowlist, rules, created_at, updated_at
		FROM flags
		WHERE namespace = $1 AND key = $2
	`, namespace, key).Scan(
		&flag.Namespace,
		&flag.Key,
		&flag.Description,
		&flag.Disabled,
		&flag.Salt,
		&flag.DefaultValue,
		&flag.Allowlist,
		&flag.Rules,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	if err != nil {
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all flags across all namespaces ordered by namespace and key.
func (r *PostgresRepository) ListFlags(ctx context.Context) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT namespace, key, description, disabled, salt, default_value, allowlist, rules, created_at, updated_at
		FROM flags
		ORDER BY namespace, key
	`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	return scanFlags(rows)
}

// ListFlagsInNamespace returns all flags for a specific namespace ordered by key.
func (r *PostgresRepository) ListFlagsInNamespace(ctx context.Context, namespace string) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT namespace, key, description, disabled, salt, default_value, allowlist, rules, created_at, updated_at
		FROM flags
		WHERE namespace = $1
		ORDER BY key
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list flags in namespace: %w", err)
	}
	defer rows.Close()

	return scanFlags(rows)
}

func scanFlags(rows pgx.Rows) ([]Flag, error) {
	flags := make([]Flag, 0)
	for rows.Next() {
		var flag Flag
		if err := rows.Scan(
			&flag.Namespace,
			&flag.Key,
			&flag.Description,
			&flag.Disabled,
			&flag.Salt,
			&flag.DefaultValue,
			&flag.Allowlist,
			&flag.Rules,
			&flag.CreatedAt,
			&flag.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}

		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// DeleteFlag removes a flag by namespace and key. Returns pgx.ErrNoRows
// (wrapped) if the flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, namespace, key string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM flags WHERE namespace = $1 AND key = $2`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	if err := deleteFlagNoRows(commandTag); err != nil {
		return err
	}

	return nil
}

// CreateNamespace inserts a new namespace.
func (r *PostgresRepository) CreateNamespace(ctx context.Context, name, description string) (Namespace, error) {
	var ns Namespace
	err := r.pool.QueryRow(ctx, `
		INSERT INTO namespaces (name, description)
		VALUES ($1, $2)
		RETURNING name, description, disabled, created_at, updated_at
	`, name, description).Scan(
		&ns.Name,
		&ns.Description,
		&ns.Disabled,
		&ns.CreatedAt,
		&ns.UpdatedAt,
	)
	if err != nil {
		return Namespace{}, fmt.Errorf("create namespace: %w", err)
	}
	return ns, nil
}

// ListNamespaces returns all namespaces ordered by name.
func (r *PostgresRepository) ListNamespaces(ctx context.Context) ([]Namespace, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, description, disabled, created_at, updated_at FROM namespaces ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	namespaces := make([]Namespace, 0)
	for rows.Next() {
		var ns Namespace
		if err := rows.Scan(&ns.Name, &ns.Description, &ns.Disabled, &ns.CreatedAt, &ns.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		namespaces = append(namespaces, ns)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list namespaces rows: %w", err)
	}

	return namespaces, nil
}

// GetNamespace retrieves a namespace by name.
func (r *PostgresRepository) GetNamespace(ctx context.Context, name string) (Namespace, error) {
	var ns Namespace
	err := r.pool.QueryRow(ctx, `
		SELECT name, description, disabled, created_at, updated_at
		FROM namespaces
		WHERE name = $1
	`, name).Scan(&ns.Name, &ns.Description, &ns.Disabled, &ns.CreatedAt, &ns.UpdatedAt)
	if err != nil {
		return Namespace{}, fmt.Errorf("get namespace: %w", err)
	}
	return ns, nil
}

// SetNamespaceDisabled flips the namespace kill switch. Returns pgx.ErrNoRows
// (wrapped) if the namespace does not exist.
func (r *PostgresRepository) SetNamespaceDisabled(ctx context.Context, name string, disabled bool) (Namespace, error) {
	var ns Namespace
	err := r.pool.QueryRow(ctx, `
		UPDATE namespaces
		SET disabled = $2, updated_at = NOW()
		WHERE name = $1
		RETURNING name, description, disabled, created_at, updated_at
	`, name, disabled).Scan(&ns.Name, &ns.Description, &ns.Disabled, &ns.CreatedAt, &ns.UpdatedAt)
	if err != nil {
		return Namespace{}, fmt.Errorf("set namespace disabled: %w", err)
	}
	return ns, nil
}

// DeleteNamespace removes a namespace and, via ON DELETE CASCADE, every flag
// in it. Returns pgx.ErrNoRows (wrapped) if the namespace does not exist.
func (r *PostgresRepository) DeleteNamespace(ctx context.Context, name string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM namespaces WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete namespace: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete namespace: %w", pgx.ErrNoRows)
	}
	return nil
}

// ValidateAPIKey returns the stored hash and name for a non-revoked key ID.
// Callers should do constant-time comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash string
	var name string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, name
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &name); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, name, nil
}

// CreateAPIKey generates a new API key with the given display name, storing a
// bcrypt hash of the secret. The raw secret is returned exactly once; it
// cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys. Secrets are never
// included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// DeleteAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) DeleteAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete api key: %w", pgx.ErrNoRows)
	}
	return nil
}

// ListEventsSince returns up to the configured batch size of flag events with IDs greater
// than eventID for the specified namespace, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, namespace string, eventID int64) ([]FlagEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, namespace, flag_key, event_type, payload, created_at
		FROM flag_events
		WHERE event_id > $1 AND namespace = $2
		ORDER BY event_id
		LIMIT $3
	`, eventID, namespace, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListEventsSinceForKey returns up to the configured batch size of flag events with IDs
// greater than eventID for the specified namespace and flag key. Including the
// namespace in the filter ensures events are correctly scoped when different
// namespaces reuse the same flag keys.
func (r *PostgresRepository) ListEventsSinceForKey(ctx context.Context, namespace string, eventID int64, key string) ([]FlagEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, namespace, flag_key, event_type, payload, created_at
		FROM flag_events
		WHERE event_id > $1
		  AND namespace = $2 AND flag_key = $3
		ORDER BY event_id
		LIMIT $4
	`, eventID, namespace, key, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since for key: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]FlagEvent, error) {
	events := make([]FlagEvent, 0)
	for rows.Next() {
		var event FlagEvent
		if err := rows.Scan(
			&event.EventID,
			&event.Namespace,
			&event.FlagKey,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// PublishFlagEvent inserts a flag event and sends a PostgreSQL NOTIFY on the
// configured channel within a single transaction.
func (r *PostgresRepository) PublishFlagEvent(ctx context.Context, event FlagEvent) (FlagEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created FlagEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO flag_events (namespace, flag_key, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, namespace, flag_key, event_type, payload, created_at
	`,
		event.Namespace,
		event.FlagKey,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.Namespace,
		&created.FlagKey,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return FlagEvent{}, fmt.Errorf("insert flag event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return FlagEvent{}, fmt.Errorf("notify flag event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return FlagEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// SubscribeFlagInvalidation returns a channel that receives a signal whenever a
// flag event notification arrives on the PostgreSQL LISTEN channel. The channel
// is closed if the underlying connection is lost.
func (r *PostgresRepository) SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runFlagInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runFlagInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForFlagInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForFlagInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for flag event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func deleteFlagNoRows(commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete flag: %w", pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(event FlagEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		Namespace string `json:"namespace"`
		FlagKey   string `json:"flag_key"`
		EventType string `json:"event_type"`
	}{
		Namespace: event.Namespace,
		FlagKey:   event.FlagKey,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
