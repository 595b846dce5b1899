package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres is the production Store backend: one table holds every
// partition, keyed by (table_name, pk, sk), attributes in a jsonb
// column. Conditional INSERT/UPDATE statements provide the
// single-key linearisable writes every component relies on, with one
// shared schema instead of one table per concern.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an already-open *sql.DB. Schema migration
// (CREATE TABLE IF NOT EXISTS kv_items ...) is run once at startup by
// cmd/main.go.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS kv_items (
	table_name TEXT NOT NULL,
	pk         TEXT NOT NULL,
	sk         TEXT NOT NULL,
	attrs      JSONB NOT NULL DEFAULT '{}'::jsonb,
	version    BIGINT NOT NULL DEFAULT 1,
	expires_at TIMESTAMPTZ,
	PRIMARY KEY (table_name, pk, sk)
)`

// Migrate creates the backing table if it does not already exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, createTableSQL)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func scanRow(row *sql.Row, key Key) (Item, error) {
	var rawAttrs []byte
	var version int64
	var expiresAt sql.NullTime

	err := row.Scan(&rawAttrs, &version, &expiresAt)
	if err == sql.ErrNoRows {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("store: scan: %w", err)
	}

	var attrs map[string]any
	if err := json.Unmarshal(rawAttrs, &attrs); err != nil {
		return Item{}, fmt.Errorf("store: decode attrs: %w", err)
	}

	item := Item{Key: key, Attrs: attrs, Version: version}
	if expiresAt.Valid {
		t := expiresAt.Time
		item.ExpiresAt = &t
	}
	return item, nil
}

func (p *Postgres) Get(table string, key Key) (Item, error) {
	ctx := context.Background()
	row := p.db.QueryRowContext(ctx, `
		SELECT attrs, version, expires_at FROM kv_items
		WHERE table_name = $1 AND pk = $2 AND sk = $3
		  AND (expires_at IS NULL OR expires_at > now())`,
		table, key.PK, key.SK)
	return scanRow(row, key)
}

func (p *Postgres) PutIfAbsent(table string, key Key, attrs map[string]any) error {
	ctx := context.Background()
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("store: encode attrs: %w", err)
	}

	// An expired row counts as absent, so the insert reclaims it — the
	// same semantics the Get/QueryPrefix expiry filters imply.
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO kv_items (table_name, pk, sk, attrs, version)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (table_name, pk, sk) DO UPDATE
		SET attrs = EXCLUDED.attrs, version = 1, expires_at = NULL
		WHERE kv_items.expires_at IS NOT NULL AND kv_items.expires_at <= now()`,
		table, key.PK, key.SK, raw)
	if err != nil {
		return fmt.Errorf("store: put if absent: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: put if absent: %w", err)
	}
	if n == 0 {
		return ErrPreconditionFailed
	}
	return nil
}

func (p *Postgres) PutIfVersion(table string, key Key, attrs map[string]any, expectedVersion int64) (Item, error) {
	ctx := context.Background()
	raw, err := json.Marshal(attrs)
	if err != nil {
		return Item{}, fmt.Errorf("store: encode attrs: %w", err)
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE kv_items SET attrs = $1, version = version + 1
		WHERE table_name = $2 AND pk = $3 AND sk = $4 AND version = $5`,
		raw, table, key.PK, key.SK, expectedVersion)
	if err != nil {
		return Item{}, fmt.Errorf("store: put if version: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Item{}, fmt.Errorf("store: put if version: %w", err)
	}
	if n == 0 {
		return Item{}, ErrPreconditionFailed
	}
	return p.Get(table, key)
}

// UpdateUnderPredicate performs the check-and-decrement (or increment) as
// one statement: the WHERE clause encodes pred, so a concurrent caller can
// never slip a write between the read and the write. deltas are applied
// with jsonb_set over (attrs->>attr)::bigint + delta.
func (p *Postgres) UpdateUnderPredicate(table string, key Key, deltas map[string]int64, pred Predicate) (Item, error) {
	ctx := context.Background()

	// Build the SET clause: one jsonb_set per delta, each reading the
	// prior expression so multiple attribute deltas compose correctly.
	setExpr := "attrs"
	args := []any{}
	argN := 1
	for attr, delta := range deltas {
		setExpr = fmt.Sprintf(
			"jsonb_set(%s, '{%s}', to_jsonb(COALESCE((%s->>'%s')::bigint, 0) + $%d::bigint))",
			setExpr, attr, setExpr, attr, argN,
		)
		args = append(args, delta)
		argN++
	}

	where := fmt.Sprintf("table_name = $%d AND pk = $%d AND sk = $%d", argN, argN+1, argN+2)
	args = append(args, table, key.PK, key.SK)
	argN += 3

	if pred.Attr != "" {
		where += fmt.Sprintf(" AND COALESCE((attrs->>'%s')::bigint, 0) >= $%d", pred.Attr, argN)
		args = append(args, pred.MinValue)
		argN++
	}

	query := fmt.Sprintf("UPDATE kv_items SET attrs = %s, version = version + 1 WHERE %s", setExpr, where)

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Item{}, fmt.Errorf("store: update under predicate: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Item{}, fmt.Errorf("store: update under predicate: %w", err)
	}
	if n == 0 {
		return Item{}, ErrPreconditionFailed
	}
	return p.Get(table, key)
}

func (p *Postgres) Delete(table string, key Key) error {
	ctx := context.Background()
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM kv_items WHERE table_name = $1 AND pk = $2 AND sk = $3`,
		table, key.PK, key.SK)
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

func (p *Postgres) QueryPrefix(table string, pk string, skPrefix string) ([]Item, error) {
	ctx := context.Background()
	rows, err := p.db.QueryContext(ctx, `
		SELECT sk, attrs, version, expires_at FROM kv_items
		WHERE table_name = $1 AND pk = $2 AND sk LIKE $3
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY sk ASC`,
		table, pk, skPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("store: query prefix: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var sk string
		var rawAttrs []byte
		var version int64
		var expiresAt sql.NullTime

		if err := rows.Scan(&sk, &rawAttrs, &version, &expiresAt); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}

		var attrs map[string]any
		if err := json.Unmarshal(rawAttrs, &attrs); err != nil {
			return nil, fmt.Errorf("store: decode attrs: %w", err)
		}

		item := Item{Key: Key{PK: pk, SK: sk}, Attrs: attrs, Version: version}
		if expiresAt.Valid {
			t := expiresAt.Time
			item.ExpiresAt = &t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (p *Postgres) SetExpiry(table string, key Key, at time.Time) error {
	ctx := context.Background()
	res, err := p.db.ExecContext(ctx, `
		UPDATE kv_items SET expires_at = $1
		WHERE table_name = $2 AND pk = $3 AND sk = $4`,
		at, table, key.PK, key.SK)
	if err != nil {
		return fmt.Errorf("store: set expiry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set expiry: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
