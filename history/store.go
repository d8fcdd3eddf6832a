/*
store.go - Persistence contracts for the ledger

PURPOSE:
  Defines the interface between the ledger logic and a storage engine.
  Two engines are in production (a hierarchical key-value store and a
  relational store); an in-memory one backs tests and development.

KEY INTERFACES:
  Reader:    Committed, read-only queries
  Backend:   Reader + two-phase write (Prepare, then Commit/Rollback)
  Prepared:  A validated, not yet visible change set
  Allocator: The global entry id sequence

APPEND-ONLY CONTRACT:
  A backend never updates or deletes a committed entry. The only write
  path is Prepare(ChangeSet) followed by Commit. Resource state rows are
  upserted, but only together with the entry that explains the change.

OPTIMISTIC CONCURRENCY:
  A ChangeSet carries the ledger tail (highest entry id) the unit of work
  observed for every resource it touched. Prepare fails with
  ConcurrentModificationError if any of those tails moved. This is what
  makes per-resource id order equal commit order.

TWO-PHASE WRITE:
  Prepare validates everything that could make Commit fail. Backends that
  hold locks between the two phases report Exclusive() == true; the
  transaction manager commits those last so a late optimistic failure on
  another backend can still roll them back.

IMPLEMENTATIONS:
  - history/store/memory.go: In-memory for testing
  - store/kv: Redis (WATCH / MULTI / EXEC)
  - store/relational: SQLite and PostgreSQL

SEE ALSO:
  - tx.go: Unit of work that builds a ChangeSet
  - txn/manager.go: Runs units of work against one or two backends
*/
package history

import (
	"context"
	"fmt"
	"iter"
	"slices"
)

// =============================================================================
// READER - Committed reads
// =============================================================================

// Reader exposes committed ledger state. All methods are safe for
// concurrent use.
type Reader interface {
	// Entries returns up to limit entries of ref with id > afterID, ascending.
	Entries(ctx context.Context, ref ResourceRef, afterID int64, limit int) ([]HistoryEntry, error)

	// EntriesAfter returns up to limit entries of any resource with id >
	// afterID, ascending.
	EntriesAfter(ctx context.Context, afterID int64, limit int) ([]HistoryEntry, error)

	// LatestTransfer returns the highest-id transfer-class entry of ref, or nil.
	LatestTransfer(ctx context.Context, ref ResourceRef) (*HistoryEntry, error)

	// FindByTrid returns the entry recorded with the given transaction ids, or nil.
	FindByTrid(ctx context.Context, trid Trid) (*HistoryEntry, error)

	// Resource returns the current state of ref, or nil if it never existed.
	Resource(ctx context.Context, ref ResourceRef) (*Resource, error)

	// Tail returns the highest committed entry id of ref, 0 if none.
	Tail(ctx context.Context, ref ResourceRef) (int64, error)

	// EntryExists reports whether any resource holds an entry with this id.
	EntryExists(ctx context.Context, id int64) (bool, error)

	// MaxID returns the highest committed entry id across all resources.
	MaxID(ctx context.Context) (int64, error)

	// PendingTransfers returns the open transfer request entries, ascending by id.
	PendingTransfers(ctx context.Context) ([]HistoryEntry, error)
}

// =============================================================================
// BACKEND - Two-phase writes
// =============================================================================

// Backend is one storage engine.
type Backend interface {
	Reader

	// Name identifies the backend in logs, metrics and mismatch reports.
	Name() string

	// Exclusive reports whether a Prepared change set holds locks that
	// block other writers until it is committed or rolled back.
	Exclusive() bool

	// Prepare validates cs against committed state and stages it.
	Prepare(ctx context.Context, cs ChangeSet) (Prepared, error)

	Close() error
}

// Prepared is a staged change set. Exactly one of Commit or Rollback must
// be called.
type Prepared interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Allocator issues entry ids. Ids are strictly increasing across the life
// of the registry and never reused, whichever backend is authoritative.
type Allocator interface {
	Next(ctx context.Context) (int64, error)

	// Seed raises the sequence so the next id is above floor. It never
	// lowers it.
	Seed(ctx context.Context, floor int64) error
}

// SeedFrom raises alloc above the highest id committed in any of the
// readers. Run once at startup so switching backends never reuses an id.
func SeedFrom(ctx context.Context, alloc Allocator, readers ...Reader) error {
	var floor int64
	for _, r := range readers {
		n, err := r.MaxID(ctx)
		if err != nil {
			return fmt.Errorf("read max entry id: %w", err)
		}
		floor = max(floor, n)
	}
	if err := alloc.Seed(ctx, floor); err != nil {
		return &AllocationError{Cause: err}
	}
	return nil
}

// =============================================================================
// CHANGE SET
// =============================================================================

// ChangeSet is everything one unit of work wants to commit.
type ChangeSet struct {
	// Entries in append order. Ids are ascending per resource.
	Entries []HistoryEntry

	// Resources to upsert, in first-touch order.
	Resources []Resource

	// Tails holds the committed tail observed for every resource the unit
	// of work read or wrote.
	Tails map[ResourceRef]int64
}

// Empty reports whether the change set writes nothing.
func (cs ChangeSet) Empty() bool {
	return len(cs.Entries) == 0 && len(cs.Resources) == 0
}

// Refs returns the touched resources in a stable order.
func (cs ChangeSet) Refs() []ResourceRef {
	refs := make([]ResourceRef, 0, len(cs.Tails))
	for ref := range cs.Tails {
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, func(a, b ResourceRef) int {
		if a.Kind != b.Kind {
			if a.Kind < b.Kind {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return refs
}

// Diff describes every difference between two change sets. An empty
// result means both would commit the same state.
func Diff(a, b ChangeSet) []string {
	var diffs []string
	if len(a.Entries) != len(b.Entries) {
		diffs = append(diffs, fmt.Sprintf("entry count %d != %d", len(a.Entries), len(b.Entries)))
	}
	for i := range min(len(a.Entries), len(b.Entries)) {
		ea, eb := a.Entries[i], b.Entries[i]
		if !ea.Equal(eb) {
			diffs = append(diffs, fmt.Sprintf("entry #%d: %s %s != %s %s", i, ea.Key(), ea.Type, eb.Key(), eb.Type))
		}
	}
	if len(a.Resources) != len(b.Resources) {
		diffs = append(diffs, fmt.Sprintf("resource count %d != %d", len(a.Resources), len(b.Resources)))
	}
	for i := range min(len(a.Resources), len(b.Resources)) {
		ra, rb := a.Resources[i], b.Resources[i]
		if !ra.Equal(rb) {
			diffs = append(diffs, fmt.Sprintf("resource %s: sponsor %q != %q", ra.Ref, ra.SponsorRegistrarID, rb.SponsorRegistrarID))
		}
	}
	for ref, ta := range a.Tails {
		tb, ok := b.Tails[ref]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("tail %s: only read on one side", ref))
		} else if ta != tb {
			diffs = append(diffs, fmt.Sprintf("tail %s: %d != %d", ref, ta, tb))
		}
	}
	for ref := range b.Tails {
		if _, ok := a.Tails[ref]; !ok {
			diffs = append(diffs, fmt.Sprintf("tail %s: only read on one side", ref))
		}
	}
	slices.Sort(diffs)
	return diffs
}

// =============================================================================
// COMMITTED LISTING
// =============================================================================

const pageSize = 128

// List iterates the committed history of ref in id order. Pages are
// fetched lazily; ranging again restarts from the first entry.
func List(ctx context.Context, r Reader, ref ResourceRef) iter.Seq2[HistoryEntry, error] {
	return listUpTo(ctx, r, ref, 0)
}

// ListAll iterates every committed entry of every resource in id order.
// Derived state such as report counters is rebuilt from it.
func ListAll(ctx context.Context, r Reader) iter.Seq2[HistoryEntry, error] {
	return paged(func(after int64) ([]HistoryEntry, error) {
		return r.EntriesAfter(ctx, after, pageSize)
	}, 0)
}

// listUpTo stops at entries above limit when limit > 0.
func listUpTo(ctx context.Context, r Reader, ref ResourceRef, limit int64) iter.Seq2[HistoryEntry, error] {
	return paged(func(after int64) ([]HistoryEntry, error) {
		return r.Entries(ctx, ref, after, pageSize)
	}, limit)
}

func paged(fetch func(after int64) ([]HistoryEntry, error), limit int64) iter.Seq2[HistoryEntry, error] {
	return func(yield func(HistoryEntry, error) bool) {
		var cursor int64
		for {
			page, err := fetch(cursor)
			if err != nil {
				yield(HistoryEntry{}, err)
				return
			}
			for _, e := range page {
				if limit > 0 && e.ID > limit {
					return
				}
				if !yield(e, nil) {
					return
				}
				cursor = e.ID
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// Collect drains a listing into a slice.
func Collect(seq iter.Seq2[HistoryEntry, error]) ([]HistoryEntry, error) {
	var out []HistoryEntry
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
