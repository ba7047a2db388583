// Package authdb stores cross-company zone authorizations in sqlite.
package authdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"officegrid.io/internal/spatial/zones"
)

var ErrNotFound = errors.New("authdb: authorization not found")

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at path. ":memory:" is accepted
// for tests.
func OpenSQLite(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS authorizations (
			origin_company_id TEXT NOT NULL,
			dest_company_id TEXT NOT NULL,
			state TEXT NOT NULL,
			expires_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (origin_company_id, dest_company_id)
		);`,
		`CREATE INDEX IF NOT EXISTS authorizations_dest ON authorizations(dest_company_id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func validate(a zones.Authorization) error {
	if strings.TrimSpace(a.OriginCompanyID) == "" || strings.TrimSpace(a.DestCompanyID) == "" {
		return fmt.Errorf("origin and dest company ids are required")
	}
	if a.OriginCompanyID == a.DestCompanyID {
		return fmt.Errorf("origin and dest must differ")
	}
	if !a.State.Valid() {
		return fmt.Errorf("unknown state %q", a.State)
	}
	return nil
}

// Upsert stores a, replacing any record for the same (origin, dest) pair.
func (s *Store) Upsert(ctx context.Context, a zones.Authorization) error {
	if err := validate(a); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorizations (origin_company_id, dest_company_id, state, expires_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(origin_company_id, dest_company_id) DO UPDATE SET
			state = excluded.state,
			expires_at_ms = excluded.expires_at_ms,
			updated_at_ms = excluded.updated_at_ms`,
		a.OriginCompanyID, a.DestCompanyID, string(a.State), a.ExpiresAt.UnixMilli(), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert authorization: %w", err)
	}
	return nil
}

// Revoke marks the pair revoked. Revocation overrides approval in
// zones.Grants.Decide, so it takes effect on the next refresh.
func (s *Store) Revoke(ctx context.Context, origin, dest string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE authorizations SET state = ?, updated_at_ms = ?
		WHERE origin_company_id = ? AND dest_company_id = ?`,
		string(zones.StateRevoked), s.now().UnixMilli(), origin, dest)
	if err != nil {
		return fmt.Errorf("revoke authorization: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, origin, dest string) (zones.Authorization, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT origin_company_id, dest_company_id, state, expires_at_ms
		FROM authorizations WHERE origin_company_id = ? AND dest_company_id = ?`, origin, dest)
	a, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return zones.Authorization{}, ErrNotFound
	}
	return a, err
}

// List returns the records whose origin is origin, or every record when
// origin is empty, ordered by (origin, dest).
func (s *Store) List(ctx context.Context, origin string) ([]zones.Authorization, error) {
	q := `SELECT origin_company_id, dest_company_id, state, expires_at_ms FROM authorizations`
	var args []any
	if origin != "" {
		q += ` WHERE origin_company_id = ?`
		args = append(args, origin)
	}
	q += ` ORDER BY origin_company_id, dest_company_id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list authorizations: %w", err)
	}
	defer rows.Close()
	var out []zones.Authorization
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PurgeExpired deletes records that expired before cutoff and reports how
// many were removed.
func (s *Store) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM authorizations WHERE expires_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge authorizations: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (zones.Authorization, error) {
	var (
		a     zones.Authorization
		state string
		expMS int64
	)
	if err := r.Scan(&a.OriginCompanyID, &a.DestCompanyID, &state, &expMS); err != nil {
		return zones.Authorization{}, err
	}
	a.State = zones.State(state)
	a.ExpiresAt = time.UnixMilli(expMS).UTC()
	return a, nil
}
