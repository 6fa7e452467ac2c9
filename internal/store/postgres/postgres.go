// Package postgres implements store.Store on PostgreSQL using pgx.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/store"
)

//go:embed schema.sql
var schema string

// chainLockID serializes appends to the security log across processes.
const chainLockID int64 = 0x65746267

const eventColumns = `id, sequence, ts, type, severity, user_id, username, ip_address,
	user_agent, resource, message, details, previous_hash, hash`

// Store is a PostgreSQL-backed store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// =============================================================================
// Security events
// =============================================================================

// AppendEvent implements store.EventStore. The transaction holds an advisory lock so
// the head read and the insert are atomic with respect to other appenders.
func (s *Store) AppendEvent(ctx context.Context, build store.BuildFunc) (*models.SecurityEvent, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockID); err != nil {
		return nil, fmt.Errorf("lock chain: %w", err)
	}

	last, err := scanEvent(tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM security_events ORDER BY sequence DESC LIMIT 1`))
	if errors.Is(err, store.ErrNotFound) {
		last = nil
	} else if err != nil {
		return nil, err
	}

	ev, err := build(last)
	if err != nil {
		return nil, err
	}

	expected := int64(1)
	if last != nil {
		expected = last.Sequence + 1
	}
	if ev.Sequence != expected {
		return nil, fmt.Errorf("%w: got %d, want %d", store.ErrSequenceConflict, ev.Sequence, expected)
	}

	details, err := marshalNullable(ev.Details)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `INSERT INTO security_events
		(id, sequence, ts, type, severity, severity_rank, user_id, username, ip_address,
		 user_agent, resource, message, details, previous_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		ev.ID, ev.Sequence, ev.Timestamp, string(ev.Type), string(ev.Severity), ev.Severity.Rank(),
		ev.UserID, ev.Username, ev.IPAddress, ev.UserAgent, ev.Resource, ev.Message,
		details, ev.PreviousHash, ev.Hash)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ev, nil
}

// LastEvent implements store.EventStore.
func (s *Store) LastEvent(ctx context.Context) (*models.SecurityEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM security_events ORDER BY sequence DESC LIMIT 1`))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return ev, err
}

// GetEvent implements store.EventStore.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.SecurityEvent, error) {
	return scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM security_events WHERE id = $1`, id))
}

// GetEventBySequence implements store.EventStore.
func (s *Store) GetEventBySequence(ctx context.Context, seq int64) (*models.SecurityEvent, error) {
	return scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM security_events WHERE sequence = $1`, seq))
}

// ListEvents implements store.EventStore.
func (s *Store) ListEvents(ctx context.Context, f store.EventFilter) ([]*models.SecurityEvent, error) {
	var w where
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		w.add("type = ANY(%s)", types)
	}
	if f.Username != "" {
		w.add("username = %s", f.Username)
	}
	if f.IPAddress != "" {
		w.add("ip_address = %s", f.IPAddress)
	}
	if f.MinSeverity != "" {
		w.add("severity_rank >= %s", f.MinSeverity.Rank())
	}
	if !f.Since.IsZero() {
		w.add("ts >= %s", f.Since)
	}
	if !f.Until.IsZero() {
		w.add("ts <= %s", f.Until)
	}

	q := `SELECT ` + eventColumns + ` FROM security_events` + w.sql() + ` ORDER BY sequence DESC`
	q += w.paginate(f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*models.SecurityEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// WalkEvents implements store.EventStore. Events are read in pages to bound memory.
func (s *Store) WalkEvents(ctx context.Context, from, to int64, fn func(*models.SecurityEvent) error) error {
	const page = 500
	next := from
	for {
		q := `SELECT ` + eventColumns + ` FROM security_events WHERE sequence >= $1`
		args := []any{next}
		if to > 0 {
			q += ` AND sequence <= $2`
			args = append(args, to)
		}
		q += fmt.Sprintf(` ORDER BY sequence ASC LIMIT %d`, page)

		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("walk events: %w", err)
		}
		batch := make([]*models.SecurityEvent, 0, page)
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("walk events: %w", err)
		}

		for _, ev := range batch {
			if err := fn(ev); err != nil {
				return err
			}
		}
		if len(batch) < page {
			return nil
		}
		next = batch[len(batch)-1].Sequence + 1
	}
}

func scanEvent(row pgx.Row) (*models.SecurityEvent, error) {
	var (
		ev      models.SecurityEvent
		typ     string
		sev     string
		details []byte
	)
	err := row.Scan(&ev.ID, &ev.Sequence, &ev.Timestamp, &typ, &sev, &ev.UserID, &ev.Username,
		&ev.IPAddress, &ev.UserAgent, &ev.Resource, &ev.Message, &details, &ev.PreviousHash, &ev.Hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	ev.Type = models.EventType(typ)
	ev.Severity = models.Severity(sev)
	ev.Timestamp = ev.Timestamp.UTC()
	if len(details) > 0 {
		if err := json.Unmarshal(details, &ev.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	return &ev, nil
}

// =============================================================================
// Login attempts
// =============================================================================

// RecordLoginAttempt implements store.LoginAttemptStore.
func (s *Store) RecordLoginAttempt(ctx context.Context, a *models.LoginAttempt) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO login_attempts
		(id, username, user_id, ip_address, user_agent, success, failure_reason, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.Username, a.UserID, a.IPAddress, a.UserAgent, a.Success, a.FailureReason, a.Timestamp)
	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

// ListLoginAttempts implements store.LoginAttemptStore.
func (s *Store) ListLoginAttempts(ctx context.Context, f store.AttemptFilter) ([]*models.LoginAttempt, error) {
	var w where
	if f.Username != "" {
		w.add("username = %s", f.Username)
	}
	if f.IPAddress != "" {
		w.add("ip_address = %s", f.IPAddress)
	}
	if f.Success != nil {
		w.add("success = %s", *f.Success)
	}
	if !f.Since.IsZero() {
		w.add("ts >= %s", f.Since)
	}
	if !f.Until.IsZero() {
		w.add("ts <= %s", f.Until)
	}

	q := `SELECT id, username, user_id, ip_address, user_agent, success, failure_reason, ts
		FROM login_attempts` + w.sql() + ` ORDER BY ts DESC` + w.paginate(f.Limit, 0)

	rows, err := s.pool.Query(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list login attempts: %w", err)
	}
	defer rows.Close()

	var out []*models.LoginAttempt
	for rows.Next() {
		var a models.LoginAttempt
		if err := rows.Scan(&a.ID, &a.Username, &a.UserID, &a.IPAddress, &a.UserAgent,
			&a.Success, &a.FailureReason, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan login attempt: %w", err)
		}
		a.Timestamp = a.Timestamp.UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}

// DeleteLoginAttemptsBefore implements store.LoginAttemptStore.
func (s *Store) DeleteLoginAttemptsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM login_attempts WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge login attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// Alerts and correlations
// =============================================================================

// CreateAlert implements store.AlertStore.
func (s *Store) CreateAlert(ctx context.Context, a *models.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO alerts
		(id, type, severity_rank, status, fingerprint, ip_address, username, last_seen, data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, string(a.Type), a.Severity.Rank(), string(a.Status), a.Fingerprint,
		a.IPAddress, a.Username, a.LastSeen, data)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// UpdateAlert implements store.AlertStore.
func (s *Store) UpdateAlert(ctx context.Context, a *models.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE alerts SET
		severity_rank = $2, status = $3, last_seen = $4, data = $5
		WHERE id = $1`,
		a.ID, a.Severity.Rank(), string(a.Status), a.LastSeen, data)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetAlert implements store.AlertStore.
func (s *Store) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	return scanAlert(s.pool.QueryRow(ctx, `SELECT data FROM alerts WHERE id = $1`, id))
}

// FindActiveAlert implements store.AlertStore.
func (s *Store) FindActiveAlert(ctx context.Context, fingerprint string) (*models.Alert, error) {
	return scanAlert(s.pool.QueryRow(ctx, `SELECT data FROM alerts
		WHERE fingerprint = $1 AND status = ANY($2)
		ORDER BY last_seen DESC LIMIT 1`, fingerprint, statusStrings(store.ActiveStatuses())))
}

// ListAlerts implements store.AlertStore.
func (s *Store) ListAlerts(ctx context.Context, f store.AlertFilter) ([]*models.Alert, error) {
	var w where
	if len(f.Statuses) > 0 {
		w.add("status = ANY(%s)", statusStrings(f.Statuses))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		w.add("type = ANY(%s)", types)
	}
	if f.MinSeverity != "" {
		w.add("severity_rank >= %s", f.MinSeverity.Rank())
	}
	if f.IPAddress != "" {
		w.add("ip_address = %s", f.IPAddress)
	}
	if f.Username != "" {
		w.add("username = %s", f.Username)
	}
	if !f.Since.IsZero() {
		w.add("last_seen >= %s", f.Since)
	}

	q := `SELECT data FROM alerts` + w.sql() + ` ORDER BY last_seen DESC, id` + w.paginate(f.Limit, 0)
	rows, err := s.pool.Query(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveCorrelation implements store.AlertStore.
func (s *Store) SaveCorrelation(ctx context.Context, c *models.Correlation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO correlations (id, updated_at, data)
		VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at, data = EXCLUDED.data`,
		c.ID, c.UpdatedAt, data)
	if err != nil {
		return fmt.Errorf("save correlation: %w", err)
	}
	return nil
}

// GetCorrelation implements store.AlertStore.
func (s *Store) GetCorrelation(ctx context.Context, id string) (*models.Correlation, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM correlations WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get correlation: %w", err)
	}
	var c models.Correlation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode correlation: %w", err)
	}
	return &c, nil
}

// ListCorrelations implements store.AlertStore.
func (s *Store) ListCorrelations(ctx context.Context, limit int) ([]*models.Correlation, error) {
	var w where
	q := `SELECT data FROM correlations ORDER BY updated_at DESC` + w.paginate(limit, 0)
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list correlations: %w", err)
	}
	defer rows.Close()

	var out []*models.Correlation
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan correlation: %w", err)
		}
		var c models.Correlation
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode correlation: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func scanAlert(row pgx.Row) (*models.Alert, error) {
	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	var a models.Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	return &a, nil
}

// =============================================================================
// Query helpers
// =============================================================================

// where accumulates AND-ed conditions with positional arguments.
type where struct {
	conds []string
	args  []any
}

// add appends a condition; %s in cond is replaced by the next placeholder.
func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) paginate(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}

func statusStrings(statuses []models.AlertStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func marshalNullable(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	return b, nil
}
