package relational

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/backwardn/nomulus/history"
)

// =============================================================================
// TWO-PHASE WRITE (history.Backend interface)
// =============================================================================

// Prepare writes cs inside a database transaction and leaves it open.
func (s *Store) Prepare(ctx context.Context, cs history.ChangeSet) (history.Prepared, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	if err := s.write(ctx, tx, cs); err != nil {
		tx.Rollback()
		return nil, err
	}
	return &prepared{s: s, tx: tx}, nil
}

func (s *Store) write(ctx context.Context, tx *sql.Tx, cs history.ChangeSet) error {
	tails := make(map[history.ResourceRef]int64, len(cs.Tails))
	for ref, tail := range cs.Tails {
		tails[ref] = tail
	}
	for _, e := range cs.Entries {
		tails[e.Parent] = max(tails[e.Parent], e.ID)
	}
	for _, ref := range cs.Refs() {
		if err := s.swapTail(ctx, tx, ref, cs.Tails[ref], tails[ref]); err != nil {
			return err
		}
	}

	for _, e := range cs.Entries {
		if err := s.insertEntry(ctx, tx, e); err != nil {
			return err
		}
	}

	for _, r := range cs.Resources {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO resources (kind, resource_id, sponsor_registrar_id, created_at, expires_at, last_transfer_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (kind, resource_id) DO UPDATE SET
				sponsor_registrar_id = excluded.sponsor_registrar_id,
				created_at = excluded.created_at,
				expires_at = excluded.expires_at,
				last_transfer_at = excluded.last_transfer_at,
				deleted_at = excluded.deleted_at`),
			string(r.Ref.Kind), r.Ref.ID, r.SponsorRegistrarID, formatTime(r.CreatedAt),
			nullTime(r.ExpiresAt), nullTime(r.LastTransferAt), nullTime(r.DeletedAt))
		if err != nil {
			return s.classify(fmt.Errorf("failed to save resource %s: %w", r.Ref, err))
		}
	}
	return nil
}

// swapTail moves the tail of ref from expected to next, failing if
// another writer moved it first.
func (s *Store) swapTail(ctx context.Context, tx *sql.Tx, ref history.ResourceRef, expected, next int64) error {
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE ledger_tails SET tail = ? WHERE kind = ? AND resource_id = ? AND tail = ?`),
		next, string(ref.Kind), ref.ID, expected)
	if err != nil {
		return s.classify(fmt.Errorf("failed to swap tail of %s: %w", ref, err))
	}
	if n, err := res.RowsAffected(); err != nil {
		return s.classify(err)
	} else if n == 1 {
		return nil
	}

	if expected == 0 {
		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO ledger_tails (kind, resource_id, tail) VALUES (?, ?, ?)`),
			string(ref.Kind), ref.ID, next)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return s.classify(fmt.Errorf("failed to create tail of %s: %w", ref, err))
		}
	}
	actual, err := s.tail(ctx, tx, ref)
	if err != nil {
		// PostgreSQL aborts the transaction after a failed insert.
		actual = -1
	}
	return &history.ConcurrentModificationError{Resource: ref, Expected: expected, Actual: actual}
}

func (s *Store) insertEntry(ctx context.Context, tx *sql.Tx, e history.HistoryEntry) error {
	dup, err := s.exists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM history_entries WHERE id = ?)`, e.ID)
	if err != nil {
		return err
	}
	if dup {
		return &history.ConflictError{ID: e.ID}
	}

	var clientID, serverID sql.NullString
	if e.Trid != nil {
		clientID = sql.NullString{String: e.Trid.ClientID, Valid: true}
		serverID = sql.NullString{String: e.Trid.ServerID, Valid: true}
		replayed, err := s.exists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM history_entries WHERE client_trid = ? AND server_trid = ?)`,
			clientID.String, serverID.String)
		if err != nil {
			return err
		}
		if replayed {
			// A replay of the same command committed first.
			return &history.ConcurrentModificationError{Resource: e.Parent}
		}
	}

	var periodValue sql.NullInt64
	var periodUnit sql.NullString
	if e.Period != nil {
		periodValue = sql.NullInt64{Int64: int64(e.Period.Value), Valid: true}
		periodUnit = sql.NullString{String: string(e.Period.Unit), Valid: true}
	}
	var records sql.NullString
	if len(e.TransactionRecords) > 0 {
		data, err := json.Marshal(e.TransactionRecords)
		if err != nil {
			return fmt.Errorf("entry %d: transaction records: %w", e.ID, err)
		}
		records = sql.NullString{String: string(data), Valid: true}
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO history_entries (`+entryColumns+`, transfer_class)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, string(e.Parent.Kind), e.Parent.ID, e.Type.String(), periodValue, periodUnit, e.Payload,
		formatTime(e.Timestamp), e.ActorRegistrarID, e.CounterpartRegistrarID, clientID, serverID,
		e.BySuperuser, e.Reason, e.RequestedByRegistrar, records, e.Type.IsTransferClass())
	if err != nil {
		if isUniqueViolation(err) {
			return &history.ConcurrentModificationError{Resource: e.Parent}
		}
		return s.classify(fmt.Errorf("failed to append entry %s: %w", e.Key(), err))
	}
	return nil
}

type prepared struct {
	s    *Store
	tx   *sql.Tx
	once sync.Once
}

func (p *prepared) Commit(context.Context) error {
	err := fmt.Errorf("%s: change set already finished", p.s.name)
	p.once.Do(func() {
		err = p.s.classify(p.tx.Commit())
	})
	return err
}

func (p *prepared) Rollback(context.Context) error {
	var err error
	p.once.Do(func() {
		if rbErr := p.tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = rbErr
		}
	})
	return err
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// classify wraps errors a retry may cure in history.TransientError.
func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return &history.TransientError{Backend: s.name, Cause: err}
		}
		return err
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &history.TransientError{Backend: s.name, Cause: err}
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) {
		return &history.TransientError{Backend: s.name, Cause: err}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint &&
			(liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}
