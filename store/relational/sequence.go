package relational

import (
	"context"
	"fmt"
)

// EntrySequence is the sequence row created by the initial migration.
const EntrySequence = "history_entry_id"

// Sequence implements history.Allocator on the sequences table. Every id
// is a committed increment, so ids survive restarts and are shared by all
// processes using the same database.
type Sequence struct {
	s    *Store
	name string
}

func NewSequence(s *Store) *Sequence {
	return &Sequence{s: s, name: EntrySequence}
}

func (q *Sequence) Next(ctx context.Context) (int64, error) {
	var id int64
	err := q.s.db.QueryRowContext(ctx, q.s.rebind(`UPDATE sequences SET value = value + 1 WHERE name = ? RETURNING value`), q.name).
		Scan(&id)
	if err != nil {
		return 0, q.s.classify(fmt.Errorf("failed to advance sequence %s: %w", q.name, err))
	}
	return id, nil
}

func (q *Sequence) Seed(ctx context.Context, floor int64) error {
	_, err := q.s.db.ExecContext(ctx, q.s.rebind(`UPDATE sequences SET value = ? WHERE name = ? AND value < ?`), floor, q.name, floor)
	if err != nil {
		return q.s.classify(fmt.Errorf("failed to seed sequence %s: %w", q.name, err))
	}
	return nil
}
