package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backwardn/nomulus/history"
	"github.com/backwardn/nomulus/history/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

var exampleTLD = history.ResourceRef{Kind: history.KindDomain, ID: "example.tld"}

func newLedger() (*store.Memory, *store.Sequence) {
	return store.NewMemory("primary"), store.NewSequence()
}

func update(ref history.ResourceRef, actor string) history.HistoryEntry {
	return history.HistoryEntry{
		Parent:           ref,
		Type:             history.DomainUpdate,
		ActorRegistrarID: actor,
		Reason:           "",
	}
}

func commit(t *testing.T, backend history.Backend, tx *history.Tx) {
	t.Helper()
	ctx := context.Background()
	p, err := backend.Prepare(ctx, tx.ChangeSet())
	require.NoError(t, err)
	require.NoError(t, p.Commit(ctx))
}

// =============================================================================
// APPEND / LIST
// =============================================================================

func TestTx_RecordedEntriesListInIDOrder(t *testing.T) {
	// GIVEN: Three commits against the same domain
	// WHEN: Listing its history
	// THEN: Entries come back strictly increasing by id

	backend, seq := newLedger()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tx := history.NewTx(backend, seq, t0.Add(time.Duration(i)*time.Hour))
		_, err := tx.Record(ctx, update(exampleTLD, "registrar-a"))
		require.NoError(t, err)
		commit(t, backend, tx)
	}

	entries, err := history.Collect(history.List(ctx, backend, exampleTLD))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].ID, entries[i-1].ID)
		assert.True(t, entries[i].Timestamp.After(entries[i-1].Timestamp))
	}
}

func TestTx_ListByParentOverlaysBufferedEntries(t *testing.T) {
	backend, seq := newLedger()
	ctx := context.Background()

	tx := history.NewTx(backend, seq, t0)
	_, err := tx.Record(ctx, update(exampleTLD, "registrar-a"))
	require.NoError(t, err)
	commit(t, backend, tx)

	tx = history.NewTx(backend, seq, t0.Add(time.Hour))
	second, err := tx.Record(ctx, update(exampleTLD, "registrar-a"))
	require.NoError(t, err)

	entries, err := history.Collect(tx.ListByParent(ctx, exampleTLD))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.ID, entries[1].ID)

	// Nothing visible outside the unit of work until commit.
	committed, err := history.Collect(history.List(ctx, backend, exampleTLD))
	require.NoError(t, err)
	assert.Len(t, committed, 1)
}

func TestList_LazyAndRestartable(t *testing.T) {
	// GIVEN: More entries than fit in one page
	// WHEN: Ranging twice, and stopping early once
	// THEN: Both full passes see every entry, the early stop sees only a prefix

	backend, seq := newLedger()
	ctx := context.Background()

	tx := history.NewTx(backend, seq, t0)
	for i := 0; i < 300; i++ {
		_, err := tx.Record(ctx, update(exampleTLD, "registrar-a"))
		require.NoError(t, err)
	}
	commit(t, backend, tx)

	seq2 := history.List(ctx, backend, exampleTLD)
	first, err := history.Collect(seq2)
	require.NoError(t, err)
	again, err := history.Collect(seq2)
	require.NoError(t, err)
	assert.Len(t, first, 300)
	assert.Equal(t, first, again)

	n := 0
	for _, err := range seq2 {
		require.NoError(t, err)
		n++
		if n == 5 {
			break
		}
	}
	assert.Equal(t, 5, n)
}

func TestListAll_InterleavesResourcesByID(t *testing.T) {
	// GIVEN: Two domains written alternately, across more than one page
	// WHEN: Listing the whole ledger
	// THEN: Every entry comes back once, ascending by id

	backend, seq := newLedger()
	ctx := context.Background()
	other := history.ResourceRef{Kind: history.KindDomain, ID: "other.tld"}

	tx := history.NewTx(backend, seq, t0)
	for i := 0; i < 150; i++ {
		for _, ref := range []history.ResourceRef{exampleTLD, other} {
			_, err := tx.Record(ctx, update(ref, "registrar-a"))
			require.NoError(t, err)
		}
	}
	commit(t, backend, tx)

	all, err := history.Collect(history.ListAll(ctx, backend))
	require.NoError(t, err)
	require.Len(t, all, 300)
	for i, e := range all {
		assert.Equal(t, int64(i+1), e.ID)
	}
	assert.Equal(t, other, all[1].Parent)
}

func TestTx_AppendDuplicateID_Conflict(t *testing.T) {
	backend, seq := newLedger()
	ctx := context.Background()

	tx := history.NewTx(backend, seq, t0)
	e, err := tx.Record(ctx, update(exampleTLD, "registrar-a"))
	require.NoError(t, err)
	commit(t, backend, tx)

	tx = history.NewTx(backend, seq, t0)
	dup := update(exampleTLD, "registrar-a")
	dup.ID = e.ID
	err = tx.Append(ctx, dup)

	var conflict *history.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, e.ID, conflict.ID)
	assert.False(t, history.IsRetryable(err))
}

func TestTx_AppendBehindTail_ConcurrentModification(t *testing.T) {
	// GIVEN: A unit of work allocated id N, then another commit landed N+1
	// WHEN: The first appends N to the same resource
	// THEN: It is rejected so N never appears behind N+1

	backend, seq := newLedger()
	ctx := context.Background()

	slow := history.NewTx(backend, seq, t0)
	staleID, err := slow.NextID(ctx)
	require.NoError(t, err)

	fast := history.NewTx(backend, seq, t0)
	_, err = fast.Record(ctx, update(exampleTLD, "registrar-b"))
	require.NoError(t, err)
	commit(t, backend, fast)

	late := update(exampleTLD, "registrar-a")
	late.ID = staleID
	err = slow.Append(ctx, late)
	assert.ErrorIs(t, err, history.ErrConcurrentModification)
	assert.True(t, history.IsRetryable(err))
}

func TestMemory_PrepareRejectsMovedTail(t *testing.T) {
	backend, seq := newLedger()
	ctx := context.Background()

	a := history.NewTx(backend, seq, t0)
	b := history.NewTx(backend, seq, t0)
	_, err := a.Record(ctx, update(exampleTLD, "registrar-a"))
	require.NoError(t, err)
	_, err = b.Record(ctx, update(exampleTLD, "registrar-b"))
	require.NoError(t, err)

	commit(t, backend, b)

	_, err = backend.Prepare(ctx, a.ChangeSet())
	assert.ErrorIs(t, err, history.ErrConcurrentModification)

	entries, err := history.Collect(history.List(ctx, backend, exampleTLD))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejected change set must leave nothing behind")
}

// =============================================================================
// REPLAY DETECTION
// =============================================================================

func TestTx_FindByTransactionIDs(t *testing.T) {
	backend, seq := newLedger()
	ctx := context.Background()

	tx := history.NewTx(backend, seq, t0)
	e := update(exampleTLD, "registrar-a")
	e.Trid = &history.Trid{ClientID: "client-1", ServerID: "server-1"}
	recorded, err := tx.Record(ctx, e)
	require.NoError(t, err)

	found, err := tx.FindByTransactionIDs(ctx, "client-1", "server-1")
	require.NoError(t, err)
	require.NotNil(t, found, "buffered entries are visible to replay detection")
	assert.Equal(t, recorded.ID, found.ID)

	commit(t, backend, tx)

	tx = history.NewTx(backend, seq, t0)
	found, err = tx.FindByTransactionIDs(ctx, "client-1", "server-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, recorded.ID, found.ID)

	missing, err := tx.FindByTransactionIDs(ctx, "client-1", "server-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// =============================================================================
// ALLOCATOR
// =============================================================================

func TestSeedFrom_RaisesAboveEveryBackend(t *testing.T) {
	ctx := context.Background()
	a, b := store.NewMemory("a"), store.NewMemory("b")

	old := store.NewSequence()
	tx := history.NewTx(b, old, t0)
	for i := 0; i < 7; i++ {
		_, err := tx.Record(ctx, update(exampleTLD, "registrar-a"))
		require.NoError(t, err)
	}
	commit(t, b, tx)

	fresh := store.NewSequence()
	require.NoError(t, history.SeedFrom(ctx, fresh, a, b))

	id, err := fresh.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), id)

	// Seeding never lowers the sequence.
	require.NoError(t, fresh.Seed(ctx, 2))
	id, err = fresh.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)
}
