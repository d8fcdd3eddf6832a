package transfer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backwardn/nomulus/history"
	"github.com/backwardn/nomulus/history/store"
	"github.com/backwardn/nomulus/transfer"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	t0      = time.Date(2024, time.June, 3, 10, 0, 0, 0, time.UTC)
	example = history.ResourceRef{Kind: history.KindDomain, ID: "example.tld"}
	day     = 24 * time.Hour
)

type fixture struct {
	backend *store.Memory
	seq     *store.Sequence
	machine *transfer.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: store.NewMemory("primary"),
		seq:     store.NewSequence(),
		machine: transfer.NewMachine(5 * day),
	}
	expires := t0.AddDate(1, 0, 0)
	f.run(t, t0.Add(-day), func(ctx context.Context, tx *history.Tx) error {
		if err := tx.PutResource(ctx, history.Resource{
			Ref:                example,
			SponsorRegistrarID: "losing",
			CreatedAt:          tx.Now(),
			ExpiresAt:          &expires,
		}); err != nil {
			return err
		}
		_, err := tx.Record(ctx, history.HistoryEntry{
			Parent:           example,
			Type:             history.DomainCreate,
			Period:           history.Years(1),
			ActorRegistrarID: "losing",
		})
		return err
	})
	return f
}

// run executes fn in one unit of work at time now and commits it.
func (f *fixture) run(t *testing.T, now time.Time, fn func(context.Context, *history.Tx) error) {
	t.Helper()
	require.NoError(t, f.try(now, fn))
}

func (f *fixture) try(now time.Time, fn func(context.Context, *history.Tx) error) error {
	ctx := context.Background()
	tx := history.NewTx(f.backend, f.seq, now)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	p, err := f.backend.Prepare(ctx, tx.ChangeSet())
	if err != nil {
		return err
	}
	return p.Commit(ctx)
}

func (f *fixture) request(t *testing.T, at time.Time) {
	t.Helper()
	f.run(t, at, func(ctx context.Context, tx *history.Tx) error {
		_, _, err := f.machine.RequestTransfer(ctx, tx, example, "gaining", "losing", history.Years(1),
			history.Metadata{ActorRegistrarID: "gaining", Trid: &history.Trid{ClientID: "c-req", ServerID: "s-req"}, RequestedByRegistrar: true})
		return err
	})
}

func (f *fixture) status(t *testing.T, at time.Time) *transfer.Request {
	t.Helper()
	tx := history.NewTx(f.backend, f.seq, at)
	req, err := f.machine.Status(context.Background(), tx, example)
	require.NoError(t, err)
	return req
}

func (f *fixture) entriesOfType(t *testing.T, typ history.Type) []history.HistoryEntry {
	t.Helper()
	all, err := history.Collect(history.List(context.Background(), f.backend, example))
	require.NoError(t, err)
	var out []history.HistoryEntry
	for _, e := range all {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) sponsor(t *testing.T) history.Resource {
	t.Helper()
	res, err := f.backend.Resource(context.Background(), example)
	require.NoError(t, err)
	require.NotNil(t, res)
	return *res
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestTransfer_ClientApprovedBeforeDeadline(t *testing.T) {
	// GIVEN: Transfer requested at T0 with a 5-day grace period
	// WHEN: Deadline checked at T0+4d, then approved at T0+4d12h
	// THEN: Still pending after the check; one approve entry; gaining sponsors

	f := newFixture(t)
	f.request(t, t0)

	f.run(t, t0.Add(4*day), func(ctx context.Context, tx *history.Tx) error {
		e, err := f.machine.CheckDeadline(ctx, tx, example, tx.Now())
		assert.Nil(t, e, "nothing fires before the deadline")
		return err
	})
	assert.Equal(t, transfer.StatePending, f.status(t, t0.Add(4*day)).State)

	f.run(t, t0.Add(4*day+12*time.Hour), func(ctx context.Context, tx *history.Tx) error {
		_, _, err := f.machine.Resolve(ctx, tx, example, transfer.Approve,
			history.Metadata{ActorRegistrarID: "losing", RequestedByRegistrar: true})
		return err
	})

	req := f.status(t, t0.Add(5*day))
	assert.Equal(t, transfer.StateClientApproved, req.State)
	assert.Len(t, f.entriesOfType(t, history.DomainTransferApprove), 1)
	assert.Empty(t, f.entriesOfType(t, history.DomainTransferServerApprove))

	res := f.sponsor(t)
	assert.Equal(t, "gaining", res.SponsorRegistrarID)
	assert.Equal(t, t0.AddDate(2, 0, 0), *res.ExpiresAt, "approval adds the transfer period to the term")
}

func TestTransfer_ServerApprovedAfterDeadline(t *testing.T) {
	// GIVEN: Transfer requested at T0, never resolved
	// WHEN: Deadline checked at T0+5d1h, twice
	// THEN: SERVER_APPROVED with exactly one resolution entry

	f := newFixture(t)
	f.request(t, t0)

	for i := 0; i < 2; i++ {
		f.run(t, t0.Add(5*day+time.Hour), func(ctx context.Context, tx *history.Tx) error {
			_, err := f.machine.CheckDeadline(ctx, tx, example, tx.Now())
			return err
		})
	}

	req := f.status(t, t0.Add(6*day))
	assert.Equal(t, transfer.StateServerApproved, req.State)
	approvals := f.entriesOfType(t, history.DomainTransferServerApprove)
	require.Len(t, approvals, 1)
	assert.Nil(t, approvals[0].Trid)
	assert.Equal(t, "gaining", approvals[0].CounterpartRegistrarID)

	res := f.sponsor(t)
	assert.Equal(t, "gaining", res.SponsorRegistrarID)
	assert.Equal(t, t0.Add(5*day), *res.LastTransferAt, "ownership moves at the deadline, not at the check")
}

func TestTransfer_DeadlineBoundaryIsInclusive(t *testing.T) {
	f := newFixture(t)
	f.request(t, t0)

	f.run(t, t0.Add(5*day-time.Nanosecond), func(ctx context.Context, tx *history.Tx) error {
		e, err := f.machine.CheckDeadline(ctx, tx, example, tx.Now())
		assert.Nil(t, e)
		return err
	})
	f.run(t, t0.Add(5*day), func(ctx context.Context, tx *history.Tx) error {
		e, err := f.machine.CheckDeadline(ctx, tx, example, tx.Now())
		assert.NotNil(t, e)
		return err
	})
}

func TestTransfer_NoServerApprovalAfterExplicitResolution(t *testing.T) {
	f := newFixture(t)
	f.request(t, t0)

	f.run(t, t0.Add(day), func(ctx context.Context, tx *history.Tx) error {
		_, _, err := f.machine.Resolve(ctx, tx, example, transfer.Reject, history.Metadata{ActorRegistrarID: "losing"})
		return err
	})
	f.run(t, t0.Add(10*day), func(ctx context.Context, tx *history.Tx) error {
		e, err := f.machine.CheckDeadline(ctx, tx, example, tx.Now())
		assert.Nil(t, e)
		return err
	})

	assert.Equal(t, transfer.StateClientRejected, f.status(t, t0.Add(10*day)).State)
	assert.Equal(t, "losing", f.sponsor(t).SponsorRegistrarID)
	rejected := f.entriesOfType(t, history.DomainTransferReject)
	require.Len(t, rejected, 1)
	assert.Equal(t, history.FieldTransferNacked, rejected[0].TransactionRecords[0].Field)
}

// =============================================================================
// PRECONDITIONS
// =============================================================================

func TestTransfer_RequestWhilePending_AlreadyPending(t *testing.T) {
	f := newFixture(t)
	f.request(t, t0)

	err := f.try(t0.Add(day), func(ctx context.Context, tx *history.Tx) error {
		_, _, err := f.machine.RequestTransfer(ctx, tx, example, "gaining", "losing", nil, history.Metadata{ActorRegistrarID: "gaining"})
		return err
	})
	var pending *history.AlreadyPendingError
	require.ErrorAs(t, err, &pending)
	assert.True(t, history.IsClientError(err))
	assert.Len(t, f.entriesOfType(t, history.DomainTransferRequest), 1)
}

func TestTransfer_ResolveWithoutPending_NotPending(t *testing.T) {
	f := newFixture(t)

	err := f.try(t0, func(ctx context.Context, tx *history.Tx) error {
		_, _, err := f.machine.Resolve(ctx, tx, example, transfer.Approve, history.Metadata{ActorRegistrarID: "losing"})
		return err
	})
	assert.ErrorIs(t, err, history.ErrNotPending)
}

func TestTransfer_OnlyTheRightPartyResolves(t *testing.T) {
	f := newFixture(t)
	f.request(t, t0)

	resolve := func(outcome transfer.Outcome, meta history.Metadata) error {
		return f.try(t0.Add(day), func(ctx context.Context, tx *history.Tx) error {
			_, _, err := f.machine.Resolve(ctx, tx, example, outcome, meta)
			return err
		})
	}

	assert.ErrorIs(t, resolve(transfer.Approve, history.Metadata{ActorRegistrarID: "gaining"}), history.ErrNotAuthorized)
	assert.ErrorIs(t, resolve(transfer.Cancel, history.Metadata{ActorRegistrarID: "losing"}), history.ErrNotAuthorized)
	require.NoError(t, resolve(transfer.Cancel, history.Metadata{ActorRegistrarID: "gaining"}))

	assert.Equal(t, transfer.StateClientCancelled, f.status(t, t0.Add(day)).State)
	assert.Equal(t, "losing", f.sponsor(t).SponsorRegistrarID)
}

func TestTransfer_NewRequestAfterTerminalState(t *testing.T) {
	f := newFixture(t)
	f.request(t, t0)
	f.run(t, t0.Add(time.Hour), func(ctx context.Context, tx *history.Tx) error {
		_, _, err := f.machine.Resolve(ctx, tx, example, transfer.Cancel, history.Metadata{ActorRegistrarID: "gaining"})
		return err
	})

	f.request(t, t0.Add(2*time.Hour))
	req := f.status(t, t0.Add(3*time.Hour))
	assert.Equal(t, transfer.StatePending, req.State)
	assert.Equal(t, t0.Add(2*time.Hour).Add(5*day), req.AutomaticResolutionDeadline)
}

func TestTransfer_NearingDeadline(t *testing.T) {
	f := newFixture(t)
	f.request(t, t0)

	ctx := context.Background()
	soon, err := f.machine.NearingDeadline(ctx, f.backend, t0.Add(4*day), 48*time.Hour)
	require.NoError(t, err)
	require.Len(t, soon, 1)
	assert.Equal(t, example, soon[0].Resource)
	assert.Equal(t, "gaining", soon[0].GainingRegistrarID)

	later, err := f.machine.NearingDeadline(ctx, f.backend, t0, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, later)
}
