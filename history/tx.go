/*
tx.go - Unit of work over one backend

PURPOSE:
  A Tx buffers everything a command wants to write and overlays those
  writes on committed reads, so code inside a unit of work sees its own
  appends. Nothing is visible to other callers until the transaction
  manager prepares and commits the resulting ChangeSet.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are only ever added, never changed.
  2. TAIL ORDER: an appended id must be above the resource's current
     tail, otherwise the append fails with ConcurrentModificationError.
  3. SNAPSHOT: the first read of a resource pins its committed tail; the
     backend rejects the commit if that tail moved.

A Tx is not safe for concurrent use. The transaction manager creates one
per backend per attempt.

SEE ALSO:
  - store.go: Backend and ChangeSet
  - txn/manager.go: Creates, commits and retries units of work
*/
package history

import (
	"context"
	"errors"
	"iter"
	"slices"
	"time"
)

// Tx is a buffered unit of work against one backend.
type Tx struct {
	backend Backend
	alloc   Allocator
	now     time.Time

	entries   []HistoryEntry
	byRef     map[ResourceRef][]int
	ids       map[int64]struct{}
	resources map[ResourceRef]Resource
	resOrder  []ResourceRef
	tails     map[ResourceRef]int64
}

// NewTx starts a unit of work. now is the transaction time stamped on
// every entry recorded through it.
func NewTx(backend Backend, alloc Allocator, now time.Time) *Tx {
	return &Tx{
		backend:   backend,
		alloc:     alloc,
		now:       now.UTC(),
		byRef:     make(map[ResourceRef][]int),
		ids:       make(map[int64]struct{}),
		resources: make(map[ResourceRef]Resource),
		tails:     make(map[ResourceRef]int64),
	}
}

// Now returns the transaction time.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// Backend returns the name of the backend this unit of work runs against.
func (tx *Tx) Backend() string {
	return tx.backend.Name()
}

// Reader exposes committed state, bypassing the buffer.
func (tx *Tx) Reader() Reader {
	return tx.backend
}

// =============================================================================
// WRITES
// =============================================================================

// NextID allocates a fresh entry id.
func (tx *Tx) NextID(ctx context.Context) (int64, error) {
	id, err := tx.alloc.Next(ctx)
	if err != nil {
		var ae *AllocationError
		if errors.As(err, &ae) {
			return 0, err
		}
		return 0, &AllocationError{Cause: err}
	}
	return id, nil
}

// Append buffers a fully populated entry. The id must already be allocated.
func (tx *Tx) Append(ctx context.Context, e HistoryEntry) error {
	if e.ID <= 0 {
		return &ValidationError{Field: "id", Message: "entry id not allocated"}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = tx.now
	}
	if err := Validate(e); err != nil {
		return err
	}
	if _, dup := tx.ids[e.ID]; dup {
		return &ConflictError{ID: e.ID}
	}
	exists, err := tx.backend.EntryExists(ctx, e.ID)
	if err != nil {
		return err
	}
	if exists {
		return &ConflictError{ID: e.ID}
	}

	tail, err := tx.Tail(ctx, e.Parent)
	if err != nil {
		return err
	}
	if e.ID <= tail {
		return &ConcurrentModificationError{Resource: e.Parent, Expected: e.ID, Actual: tail}
	}

	tx.ids[e.ID] = struct{}{}
	tx.byRef[e.Parent] = append(tx.byRef[e.Parent], len(tx.entries))
	tx.entries = append(tx.entries, e.Clone())
	return nil
}

// Record allocates an id, stamps the transaction time and appends e.
func (tx *Tx) Record(ctx context.Context, e HistoryEntry) (HistoryEntry, error) {
	if err := Validate(e); err != nil {
		return HistoryEntry{}, err
	}
	id, err := tx.NextID(ctx)
	if err != nil {
		return HistoryEntry{}, err
	}
	e.ID = id
	e.Timestamp = tx.now
	if err := tx.Append(ctx, e); err != nil {
		return HistoryEntry{}, err
	}
	return e, nil
}

// PutResource buffers the new state of a resource.
func (tx *Tx) PutResource(ctx context.Context, res Resource) error {
	if _, err := tx.observe(ctx, res.Ref); err != nil {
		return err
	}
	if _, ok := tx.resources[res.Ref]; !ok {
		tx.resOrder = append(tx.resOrder, res.Ref)
	}
	tx.resources[res.Ref] = res
	return nil
}

// =============================================================================
// READS - buffered writes overlay committed state
// =============================================================================

// Tail returns the highest entry id of ref, buffered appends included.
func (tx *Tx) Tail(ctx context.Context, ref ResourceRef) (int64, error) {
	if idx := tx.byRef[ref]; len(idx) > 0 {
		return tx.entries[idx[len(idx)-1]].ID, nil
	}
	return tx.observe(ctx, ref)
}

// ListByParent iterates the history of ref in ascending id order: the
// committed entries as of the pinned tail, then this unit of work's own
// appends. The sequence is lazy and can be ranged over more than once.
func (tx *Tx) ListByParent(ctx context.Context, ref ResourceRef) iter.Seq2[HistoryEntry, error] {
	return func(yield func(HistoryEntry, error) bool) {
		tail, err := tx.observe(ctx, ref)
		if err != nil {
			yield(HistoryEntry{}, err)
			return
		}
		if tail > 0 {
			for e, err := range listUpTo(ctx, tx.backend, ref, tail) {
				if !yield(e, err) || err != nil {
					return
				}
			}
		}
		for _, i := range tx.byRef[ref] {
			if !yield(tx.entries[i].Clone(), nil) {
				return
			}
		}
	}
}

// FindByTransactionIDs returns the entry already recorded for this
// transaction-id pair, or nil. A non-nil result means the command is a
// replay and must not be applied again.
func (tx *Tx) FindByTransactionIDs(ctx context.Context, clientID, serverID string) (*HistoryEntry, error) {
	trid := Trid{ClientID: clientID, ServerID: serverID}
	for _, e := range tx.entries {
		if e.Trid != nil && *e.Trid == trid {
			found := e.Clone()
			return &found, nil
		}
	}
	found, err := tx.backend.FindByTrid(ctx, trid)
	if err != nil || found == nil {
		return nil, err
	}
	if _, err := tx.observe(ctx, found.Parent); err != nil {
		return nil, err
	}
	return found, nil
}

// LatestTransfer returns the newest transfer-class entry of ref, or nil.
func (tx *Tx) LatestTransfer(ctx context.Context, ref ResourceRef) (*HistoryEntry, error) {
	idx := tx.byRef[ref]
	for i := len(idx) - 1; i >= 0; i-- {
		if e := tx.entries[idx[i]]; e.Type.IsTransferClass() {
			found := e.Clone()
			return &found, nil
		}
	}
	tail, err := tx.observe(ctx, ref)
	if err != nil {
		return nil, err
	}
	found, err := tx.backend.LatestTransfer(ctx, ref)
	if err != nil || found == nil {
		return nil, err
	}
	if found.ID > tail {
		return nil, &ConcurrentModificationError{Resource: ref, Expected: tail, Actual: found.ID}
	}
	return found, nil
}

// Resource returns the state of ref, buffered writes included, or nil.
func (tx *Tx) Resource(ctx context.Context, ref ResourceRef) (*Resource, error) {
	if res, ok := tx.resources[ref]; ok {
		return &res, nil
	}
	if _, err := tx.observe(ctx, ref); err != nil {
		return nil, err
	}
	return tx.backend.Resource(ctx, ref)
}

// PendingTransfers lists committed open transfer requests. It does not pin
// any tail; callers resolve each resource in its own unit of work.
func (tx *Tx) PendingTransfers(ctx context.Context) ([]HistoryEntry, error) {
	return tx.backend.PendingTransfers(ctx)
}

// observe pins the committed tail of ref on first touch.
func (tx *Tx) observe(ctx context.Context, ref ResourceRef) (int64, error) {
	if tail, ok := tx.tails[ref]; ok {
		return tail, nil
	}
	tail, err := tx.backend.Tail(ctx, ref)
	if err != nil {
		return 0, err
	}
	tx.tails[ref] = tail
	return tail, nil
}

// =============================================================================
// RESULT
// =============================================================================

// Entries returns the buffered entries in append order.
func (tx *Tx) Entries() []HistoryEntry {
	out := make([]HistoryEntry, len(tx.entries))
	for i, e := range tx.entries {
		out[i] = e.Clone()
	}
	return out
}

// ChangeSet snapshots everything this unit of work would commit.
func (tx *Tx) ChangeSet() ChangeSet {
	cs := ChangeSet{
		Entries: tx.Entries(),
		Tails:   make(map[ResourceRef]int64, len(tx.tails)),
	}
	for ref, t := range tx.tails {
		cs.Tails[ref] = t
	}
	for _, ref := range slices.Clone(tx.resOrder) {
		cs.Resources = append(cs.Resources, tx.resources[ref])
	}
	return cs
}
