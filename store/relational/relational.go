/*
Package relational provides the SQL-backed implementation of history.Backend.

PURPOSE:
  Stores the ledger in a relational database. SQLite backs development
  and tests; PostgreSQL runs in production. Both share every query, only
  the placeholder syntax and the migration files differ.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on history_entries
  - Resource rows are upserted only inside the change set that appends
    the entry explaining the change

KEY TABLES:
  history_entries: Immutable ledger, one row per entry
  ledger_tails:    Highest committed entry id per resource (CAS target)
  resources:       Sponsor and term of each resource
  sequences:       The global entry id sequence

INDEXES:
  - idx_history_entries_parent:   Paged listing (hot path)
  - idx_history_entries_trid:     Replay detection, unique per trid
  - idx_history_entries_transfer: Latest transfer-class entry

CONCURRENCY:
  Prepare runs the whole write inside a database transaction and leaves
  it open until Commit or Rollback. The tail of every touched resource is
  compare-and-swapped in ledger_tails, so a competing writer either
  blocks on the row lock or fails the swap.

SQLITE:
  Opened with WAL and BEGIN IMMEDIATE so writers serialize up front.
  The pool is limited to one connection, which keeps ":memory:" a single
  database.

MIGRATION:
  Schema migrations are embedded and applied with golang-migrate on Open.

USAGE:
  st, err := relational.Open(ctx, "sqlite3", "./data/registry.db")
  if err != nil {
      return err
  }
  defer st.Close()

SEE ALSO:
  - history/store.go: Interface definitions
  - history/store/memory.go: In-memory implementation for testing
  - store/kv: Redis implementation
*/
package relational

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/backwardn/nomulus/history"
)

//go:embed migrations
var migrations embed.FS

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

const timeLayout = time.RFC3339Nano

// Store implements history.Backend on database/sql.
type Store struct {
	db     *sql.DB
	driver string
	name   string
}

// Open connects to dsn with the given driver and migrates the schema.
// Use ":memory:" as a SQLite dsn for a throwaway database.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, driver: driver, name: "sql"}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Name() string    { return s.name }
func (s *Store) Exclusive() bool { return true }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for the id sequence and for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	dir := "migrations/sqlite3"
	var (
		drv database.Driver
		err error
	)
	if s.driver == DriverPostgres {
		dir = "migrations/postgres"
		drv, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
	} else {
		drv, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	}
	if err != nil {
		return err
	}
	src, err := iofs.New(migrations, dir)
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, s.driver, drv)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	// m.Close would close the shared pool through the driver.
	return src.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// READER (history.Reader interface)
// =============================================================================

const entryColumns = `id, kind, resource_id, type, period_value, period_unit, payload,
	recorded_at, actor_registrar_id, counterpart_registrar_id, client_trid, server_trid,
	by_superuser, reason, requested_by_registrar, transaction_records`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) Entries(ctx context.Context, ref history.ResourceRef, afterID int64, limit int) ([]history.HistoryEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM history_entries
		WHERE kind = ? AND resource_id = ? AND id > ? ORDER BY id`
	args := []any{string(ref.Kind), ref.ID, afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEntries(ctx, s.db, query, args...)
}

func (s *Store) EntriesAfter(ctx context.Context, afterID int64, limit int) ([]history.HistoryEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM history_entries WHERE id > ? ORDER BY id`
	args := []any{afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEntries(ctx, s.db, query, args...)
}

func (s *Store) LatestTransfer(ctx context.Context, ref history.ResourceRef) (*history.HistoryEntry, error) {
	entries, err := s.queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM history_entries
		WHERE kind = ? AND resource_id = ? AND transfer_class = ? ORDER BY id DESC LIMIT 1`,
		string(ref.Kind), ref.ID, true)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (s *Store) FindByTrid(ctx context.Context, trid history.Trid) (*history.HistoryEntry, error) {
	entries, err := s.queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM history_entries
		WHERE client_trid = ? AND server_trid = ?`, trid.ClientID, trid.ServerID)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (s *Store) Resource(ctx context.Context, ref history.ResourceRef) (*history.Resource, error) {
	var (
		res                           = history.Resource{Ref: ref}
		created                       string
		expires, transferred, deleted sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT sponsor_registrar_id, created_at, expires_at, last_transfer_at, deleted_at
		FROM resources WHERE kind = ? AND resource_id = ?`), string(ref.Kind), ref.ID).
		Scan(&res.SponsorRegistrarID, &created, &expires, &transferred, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify(fmt.Errorf("failed to get resource %s: %w", ref, err))
	}
	if res.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("resource %s: %w", ref, err)
	}
	for _, col := range []struct {
		src sql.NullString
		dst **time.Time
	}{{expires, &res.ExpiresAt}, {transferred, &res.LastTransferAt}, {deleted, &res.DeletedAt}} {
		if *col.dst, err = parseNullTime(col.src); err != nil {
			return nil, fmt.Errorf("resource %s: %w", ref, err)
		}
	}
	return &res, nil
}

func (s *Store) Tail(ctx context.Context, ref history.ResourceRef) (int64, error) {
	return s.tail(ctx, s.db, ref)
}

func (s *Store) tail(ctx context.Context, q queryer, ref history.ResourceRef) (int64, error) {
	var tail int64
	err := q.QueryRowContext(ctx, s.rebind(`SELECT tail FROM ledger_tails WHERE kind = ? AND resource_id = ?`),
		string(ref.Kind), ref.ID).Scan(&tail)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, s.classify(fmt.Errorf("failed to read tail of %s: %w", ref, err))
	}
	return tail, nil
}

func (s *Store) EntryExists(ctx context.Context, id int64) (bool, error) {
	return s.exists(ctx, s.db, `SELECT EXISTS(SELECT 1 FROM history_entries WHERE id = ?)`, id)
}

func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM history_entries`).Scan(&id); err != nil {
		return 0, s.classify(fmt.Errorf("failed to read max entry id: %w", err))
	}
	return id.Int64, nil
}

func (s *Store) PendingTransfers(ctx context.Context) ([]history.HistoryEntry, error) {
	return s.queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM history_entries e
		WHERE e.type IN (?, ?) AND e.id = (
			SELECT MAX(x.id) FROM history_entries x
			WHERE x.kind = e.kind AND x.resource_id = e.resource_id AND x.transfer_class = ?)
		ORDER BY e.id`,
		history.DomainTransferRequest.String(), history.ContactTransferRequest.String(), true)
}

func (s *Store) exists(ctx context.Context, q queryer, query string, args ...any) (bool, error) {
	var found bool
	if err := q.QueryRowContext(ctx, s.rebind(query), args...).Scan(&found); err != nil {
		return false, s.classify(err)
	}
	return found, nil
}

func (s *Store) queryEntries(ctx context.Context, q queryer, query string, args ...any) ([]history.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.classify(fmt.Errorf("failed to query entries: %w", err))
	}
	defer rows.Close()

	var out []history.HistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, s.classify(rows.Err())
}

func scanEntry(rows *sql.Rows) (history.HistoryEntry, error) {
	var (
		e                  history.HistoryEntry
		kind, typ, rec     string
		periodValue        sql.NullInt64
		periodUnit         sql.NullString
		clientID, serverID sql.NullString
		records            sql.NullString
	)
	err := rows.Scan(&e.ID, &kind, &e.Parent.ID, &typ, &periodValue, &periodUnit, &e.Payload,
		&rec, &e.ActorRegistrarID, &e.CounterpartRegistrarID, &clientID, &serverID,
		&e.BySuperuser, &e.Reason, &e.RequestedByRegistrar, &records)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	e.Parent.Kind = history.Kind(kind)
	if e.Type, err = history.ParseType(typ); err != nil {
		return e, err
	}
	if e.Timestamp, err = time.Parse(timeLayout, rec); err != nil {
		return e, fmt.Errorf("entry %d: %w", e.ID, err)
	}
	if periodValue.Valid {
		e.Period = &history.Period{Value: int(periodValue.Int64), Unit: history.PeriodUnit(periodUnit.String)}
	}
	if clientID.Valid {
		e.Trid = &history.Trid{ClientID: clientID.String, ServerID: serverID.String}
	}
	if records.Valid && records.String != "" {
		if err := json.Unmarshal([]byte(records.String), &e.TransactionRecords); err != nil {
			return e, fmt.Errorf("entry %d: transaction records: %w", e.ID, err)
		}
	}
	return e, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
