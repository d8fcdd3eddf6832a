package relational_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backwardn/nomulus/history"
	"github.com/backwardn/nomulus/history/store"
	"github.com/backwardn/nomulus/store/relational"
	"github.com/backwardn/nomulus/txn"
)

var (
	t0      = time.Date(2024, time.June, 3, 10, 0, 0, 0, time.UTC)
	example = history.ResourceRef{Kind: history.KindDomain, ID: "example.tld"}
)

func newStore(t *testing.T) *relational.Store {
	t.Helper()
	st, err := relational.Open(context.Background(), relational.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func entry(id int64, typ history.Type) history.HistoryEntry {
	e := history.HistoryEntry{
		ID:                   id,
		Parent:               example,
		Type:                 typ,
		Timestamp:            t0.Add(time.Duration(id) * time.Minute),
		ActorRegistrarID:     "registrar-a",
		Trid:                 &history.Trid{ClientID: "c", ServerID: fmt.Sprintf("s-%d", id)},
		RequestedByRegistrar: true,
		Payload:              []byte("<epp/>"),
	}
	if typ.IsTermBearing() {
		e.Period = history.Years(1)
	}
	if typ.IsTransferClass() {
		e.CounterpartRegistrarID = "registrar-b"
	}
	return e
}

func commit(t *testing.T, st *relational.Store, cs history.ChangeSet) error {
	t.Helper()
	p, err := st.Prepare(context.Background(), cs)
	if err != nil {
		return err
	}
	return p.Commit(context.Background())
}

// =============================================================================
// WRITE PATH
// =============================================================================

func TestStore_CommitAndRead(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	create := entry(1, history.DomainCreate)
	create.TransactionRecords = []history.TransactionRecord{{TLD: "tld", ReportingTime: t0, Field: history.NetAddsField(1), Amount: 1}}
	res := history.Resource{Ref: example, SponsorRegistrarID: "registrar-a", CreatedAt: t0, ExpiresAt: history.TimePtr(t0.AddDate(1, 0, 0))}

	require.NoError(t, commit(t, st, history.ChangeSet{
		Entries:   []history.HistoryEntry{create, entry(2, history.DomainUpdate)},
		Resources: []history.Resource{res},
		Tails:     map[history.ResourceRef]int64{example: 0},
	}))

	entries, err := history.Collect(history.List(ctx, st, example))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, create.Equal(entries[0]), "round trip keeps every field")
	assert.Equal(t, history.DomainUpdate, entries[1].Type)

	tail, err := st.Tail(ctx, example)
	require.NoError(t, err)
	assert.Equal(t, int64(2), tail)

	got, err := st.Resource(ctx, example)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, res.Equal(*got))

	found, err := st.FindByTrid(ctx, *create.Trid)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(1), found.ID)

	maxID, err := st.MaxID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), maxID)
}

func TestStore_EntriesAfterSpansResources(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	other := history.ResourceRef{Kind: history.KindDomain, ID: "other.tld"}

	second := entry(2, history.DomainCreate)
	second.Parent = other
	require.NoError(t, commit(t, st, history.ChangeSet{
		Entries: []history.HistoryEntry{entry(1, history.DomainCreate), second, entry(3, history.DomainUpdate)},
		Tails:   map[history.ResourceRef]int64{example: 0, other: 0},
	}))

	all, err := history.Collect(history.ListAll(ctx, st))
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, second.Equal(all[1]))

	page, err := st.EntriesAfter(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(3), page[0].ID)
}

func TestStore_PrepareRejectsMovedTail(t *testing.T) {
	// GIVEN: Two units of work that both observed an empty ledger
	// WHEN: The first commits
	// THEN: The second fails with a concurrent modification

	st := newStore(t)
	tails := map[history.ResourceRef]int64{example: 0}
	require.NoError(t, commit(t, st, history.ChangeSet{Entries: []history.HistoryEntry{entry(1, history.DomainCreate)}, Tails: tails}))

	err := commit(t, st, history.ChangeSet{Entries: []history.HistoryEntry{entry(2, history.DomainUpdate)}, Tails: tails})
	var cme *history.ConcurrentModificationError
	require.ErrorAs(t, err, &cme)
	assert.Equal(t, int64(1), cme.Actual)
	assert.True(t, history.IsRetryable(err))
}

func TestStore_DuplicateIDIsConflict(t *testing.T) {
	st := newStore(t)
	other := history.ResourceRef{Kind: history.KindContact, ID: "sh8013"}
	require.NoError(t, commit(t, st, history.ChangeSet{Entries: []history.HistoryEntry{entry(7, history.DomainCreate)}, Tails: map[history.ResourceRef]int64{example: 0}}))

	dup := entry(7, history.ContactCreate)
	dup.Parent = other
	dup.Trid = nil
	err := commit(t, st, history.ChangeSet{Entries: []history.HistoryEntry{dup}, Tails: map[history.ResourceRef]int64{other: 0}})
	assert.ErrorIs(t, err, history.ErrConflict)
}

func TestStore_RollbackLeavesNothing(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	p, err := st.Prepare(ctx, history.ChangeSet{Entries: []history.HistoryEntry{entry(1, history.DomainCreate)}, Tails: map[history.ResourceRef]int64{example: 0}})
	require.NoError(t, err)
	require.NoError(t, p.Rollback(ctx))

	exists, err := st.EntryExists(ctx, 1)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Error(t, p.Commit(ctx), "finished change set cannot commit")
}

func TestStore_PendingTransfers(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	other := history.ResourceRef{Kind: history.KindDomain, ID: "other.tld"}

	request := entry(2, history.DomainTransferRequest)
	otherReq := entry(3, history.DomainTransferRequest)
	otherReq.Parent = other
	otherRej := entry(4, history.DomainTransferReject)
	otherRej.Parent = other
	otherRej.Period = nil

	require.NoError(t, commit(t, st, history.ChangeSet{
		Entries: []history.HistoryEntry{entry(1, history.DomainCreate), request, otherReq, otherRej},
		Tails:   map[history.ResourceRef]int64{example: 0, other: 0},
	}))

	pending, err := st.PendingTransfers(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, example, pending[0].Parent)

	latest, err := st.LatestTransfer(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, history.DomainTransferReject, latest.Type)
}

// =============================================================================
// SEQUENCE
// =============================================================================

func TestSequence_NextAndSeed(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seq := relational.NewSequence(st)

	first, err := seq.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	require.NoError(t, seq.Seed(ctx, 100))
	require.NoError(t, seq.Seed(ctx, 50), "seeding never lowers the sequence")

	next, err := seq.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(101), next)
}

// =============================================================================
// DUAL WRITE AGAINST MEMORY
// =============================================================================

func TestStore_DualWriteMatchesMemory(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	mem := store.NewMemory("kv")

	m, err := txn.New(mem, st, relational.NewSequence(st), txn.DualWriteVerify,
		txn.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)

	_, err = txn.Transact(ctx, m, func(ctx context.Context, tx *history.Tx) (history.HistoryEntry, error) {
		if err := tx.PutResource(ctx, history.Resource{Ref: example, SponsorRegistrarID: "registrar-a", CreatedAt: tx.Now()}); err != nil {
			return history.HistoryEntry{}, err
		}
		return tx.Record(ctx, history.HistoryEntry{
			Parent: example, Type: history.DomainCreate, Period: history.Years(2),
			ActorRegistrarID: "registrar-a", Trid: &history.Trid{ClientID: "c-1", ServerID: "s-1"},
		})
	})
	require.NoError(t, err)

	a, err := history.Collect(history.List(ctx, mem, example))
	require.NoError(t, err)
	b, err := history.Collect(history.List(ctx, st, example))
	require.NoError(t, err)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.True(t, a[0].Equal(b[0]))
}
