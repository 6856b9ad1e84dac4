// Package postgres implements the remote store boundary on PostgreSQL via
// the pgx stdlib driver. Rows round-trip as JSON so the adapter stays
// schema-agnostic across the subsystem's tables.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/aveer-dev/collabsync/internal/remote"
)

// Open opens a PostgreSQL connection using the pgx stdlib driver and
// verifies connectivity.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewWithDB constructs the adapter over an open database handle.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

// Store implements remote.Store and remote.TextSearcher.
type Store struct{ db *sql.DB }

var ident = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func checkIdent(names ...string) error {
	for _, n := range names {
		if !ident.MatchString(n) {
			return fmt.Errorf("invalid identifier %q", n)
		}
	}
	return nil
}

// HealthPing implements the health checker's pinger seam.
func (s *Store) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Get(ctx context.Context, table, key string) (remote.Record, error) {
	if err := checkIdent(table); err != nil {
		return nil, remote.Errf("get", table, err)
	}
	var raw []byte
	q := fmt.Sprintf(`SELECT row_to_json(t) FROM %s t WHERE id = $1`, table)
	err := s.db.QueryRowContext(ctx, q, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, remote.Errf("get", table, err)
	}
	return decodeRow(raw, "get", table)
}

func (s *Store) Upsert(ctx context.Context, table string, rec remote.Record, conflictKey string) (remote.Record, error) {
	if conflictKey == "" {
		conflictKey = "id"
	}
	rec = ensureID(rec)
	if err := checkIdent(append(columnsOf(rec), table, conflictKey)...); err != nil {
		return nil, remote.Errf("upsert", table, err)
	}
	cols := columnsOf(rec)
	placeholders := make([]string, len(cols))
	sets := make([]string, 0, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = rec[c]
		if c != conflictKey {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}
	q := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING row_to_json(%s.*)`,
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		conflictKey, strings.Join(sets, ", "), table,
	)
	var raw []byte
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&raw); err != nil {
		return nil, remote.Errf("upsert", table, err)
	}
	return decodeRow(raw, "upsert", table)
}

func (s *Store) SelectMatching(ctx context.Context, table string, filter map[string]any, orderBy string) ([]remote.Record, error) {
	if err := checkIdent(append(columnsOf(filter), table)...); err != nil {
		return nil, remote.Errf("select", table, err)
	}
	var where []string
	var args []any
	for i, c := range columnsOf(filter) {
		where = append(where, fmt.Sprintf("%s = $%d", c, i+1))
		args = append(args, filter[c])
	}
	q := fmt.Sprintf(`SELECT row_to_json(t) FROM %s t`, table)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if orderBy != "" {
		col, dir, err := splitOrderBy(orderBy)
		if err != nil {
			return nil, remote.Errf("select", table, err)
		}
		q += fmt.Sprintf(" ORDER BY %s %s", col, dir)
	}
	return s.queryRecords(ctx, "select", table, q, args...)
}

func (s *Store) Update(ctx context.Context, table, key string, partial remote.Record) error {
	if err := checkIdent(append(columnsOf(partial), table)...); err != nil {
		return remote.Errf("update", table, err)
	}
	sets := make([]string, 0, len(partial))
	args := []any{key}
	for i, c := range columnsOf(partial) {
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+2))
		args = append(args, partial[c])
	}
	q := fmt.Sprintf(`UPDATE %s SET %s, updated_at = now() WHERE id = $1`, table, strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return remote.Errf("update", table, err)
	}
	return nil
}

func (s *Store) TextSearch(ctx context.Context, table, column, query string) ([]remote.Record, error) {
	if err := checkIdent(table, column); err != nil {
		return nil, remote.Errf("search", table, err)
	}
	q := fmt.Sprintf(
		`SELECT row_to_json(t) FROM %s t WHERE %s ILIKE '%%' || $1 || '%%' ORDER BY created_at ASC`,
		table, column,
	)
	return s.queryRecords(ctx, "search", table, q, query)
}

func (s *Store) queryRecords(ctx context.Context, op, table, q string, args ...any) ([]remote.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, remote.Errf(op, table, err)
	}
	defer func() { _ = rows.Close() }()

	var out []remote.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, remote.Errf(op, table, err)
		}
		rec, err := decodeRow(raw, op, table)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, remote.Errf(op, table, err)
	}
	return out, nil
}

func decodeRow(raw []byte, op, table string) (remote.Record, error) {
	var rec remote.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, remote.Errf(op, table, err)
	}
	return rec, nil
}

// ensureID assigns an id when the caller leaves it to the store, the same
// contract memstore.Upsert honors. Without it an insert of an id-less
// payload trips the primary key constraint. The input record is not
// mutated.
func ensureID(rec remote.Record) remote.Record {
	if _, ok := rec["id"]; ok {
		return rec
	}
	out := make(remote.Record, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	out["id"] = uuid.NewString()
	return out
}

func columnsOf(rec map[string]any) []string {
	cols := make([]string, 0, len(rec))
	for c := range rec {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func splitOrderBy(orderBy string) (col, dir string, err error) {
	parts := strings.Fields(orderBy)
	dir = "ASC"
	switch len(parts) {
	case 1:
	case 2:
		switch strings.ToUpper(parts[1]) {
		case "ASC", "DESC":
			dir = strings.ToUpper(parts[1])
		default:
			return "", "", fmt.Errorf("invalid order direction %q", parts[1])
		}
	default:
		return "", "", fmt.Errorf("invalid order by %q", orderBy)
	}
	if err := checkIdent(parts[0]); err != nil {
		return "", "", err
	}
	return parts[0], dir, nil
}
