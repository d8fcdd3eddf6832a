package command_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backwardn/nomulus/command"
	"github.com/backwardn/nomulus/history"
	"github.com/backwardn/nomulus/history/store"
	"github.com/backwardn/nomulus/transfer"
	"github.com/backwardn/nomulus/txn"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	t0      = time.Date(2024, time.June, 3, 10, 0, 0, 0, time.UTC)
	example = history.ResourceRef{Kind: history.KindDomain, ID: "example.tld"}
	day     = 24 * time.Hour
)

type harness struct {
	primary   *store.Memory
	secondary *store.Memory
	manager   *txn.Manager
	exec      *command.Executor
	now       time.Time
}

func newHarness(t *testing.T, mode txn.Mode, opts ...txn.Option) *harness {
	t.Helper()
	h := &harness{primary: store.NewMemory("kv"), secondary: store.NewMemory("sql"), now: t0}
	opts = append([]txn.Option{
		txn.WithClock(func() time.Time { return h.now }),
		txn.WithBackoff(time.Millisecond, time.Millisecond),
	}, opts...)
	m, err := txn.New(h.primary, h.secondary, store.NewSequence(), mode, opts...)
	require.NoError(t, err)
	h.manager = m
	h.exec = command.NewExecutor(m, transfer.NewMachine(5*day), nil)
	return h
}

func (h *harness) do(t *testing.T, d command.Descriptor) command.Result {
	t.Helper()
	res, err := h.exec.Execute(context.Background(), d)
	require.NoError(t, err)
	return res
}

func (h *harness) history(t *testing.T, r history.Reader) []history.HistoryEntry {
	t.Helper()
	entries, err := history.Collect(history.List(context.Background(), r, example))
	require.NoError(t, err)
	return entries
}

func trid(client string) *history.Trid {
	return &history.Trid{ClientID: client, ServerID: "srv-" + client}
}

func create(actor string) command.Descriptor {
	return command.Descriptor{
		Resource:             example,
		Command:              command.Create,
		ActorRegistrarID:     actor,
		Period:               history.Years(1),
		Trid:                 trid("create"),
		RequestedByRegistrar: true,
		Payload:              []byte("<epp><create/></epp>"),
	}
}

func transferDescriptor(outcome command.TransferOutcome, actor, client string) command.Descriptor {
	return command.Descriptor{
		Resource:             example,
		Command:              command.Transfer,
		TransferOutcome:      outcome,
		ActorRegistrarID:     actor,
		Trid:                 trid(client),
		RequestedByRegistrar: true,
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func TestExecute_CreateRecordsEntryAndResource(t *testing.T) {
	h := newHarness(t, txn.PrimaryOnly)

	res := h.do(t, create("registrar-a"))

	assert.Equal(t, history.DomainCreate, res.Entry.Type)
	assert.Equal(t, []byte("<epp><create/></epp>"), res.Entry.Payload)
	require.NotNil(t, res.Resource)
	assert.Equal(t, "registrar-a", res.Resource.SponsorRegistrarID)
	assert.Equal(t, t0.AddDate(1, 0, 0), *res.Resource.ExpiresAt)
	require.Len(t, res.Entry.TransactionRecords, 1)
	assert.Equal(t, history.NetAddsField(1), res.Entry.TransactionRecords[0].Field)

	_, err := h.exec.Execute(context.Background(), command.Descriptor{
		Resource: example, Command: command.Create, ActorRegistrarID: "registrar-b", Trid: trid("again"),
	})
	assert.ErrorIs(t, err, history.ErrResourceExists)
}

func TestExecute_ReplaySameTridRecordsOnce(t *testing.T) {
	// GIVEN: A renew that was committed
	// WHEN: The registrar retries it with the same transaction ids
	// THEN: The original entry comes back and nothing new is recorded

	h := newHarness(t, txn.PrimaryOnly)
	h.do(t, create("registrar-a"))

	renew := command.Descriptor{
		Resource: example, Command: command.Renew, ActorRegistrarID: "registrar-a",
		Period: history.Years(2), Trid: trid("renew-1"),
	}
	first := h.do(t, renew)
	h.now = t0.Add(time.Minute)
	second := h.do(t, renew)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Len(t, h.history(t, h.primary), 2)

	res, err := h.primary.Resource(context.Background(), example)
	require.NoError(t, err)
	assert.Equal(t, t0.AddDate(3, 0, 0), *res.ExpiresAt, "term extended once")
}

func TestExecute_RenewBySomeoneElse_NotAuthorized(t *testing.T) {
	h := newHarness(t, txn.PrimaryOnly)
	h.do(t, create("registrar-a"))

	_, err := h.exec.Execute(context.Background(), command.Descriptor{
		Resource: example, Command: command.Renew, ActorRegistrarID: "registrar-b", Trid: trid("renew"),
	})
	assert.ErrorIs(t, err, history.ErrNotAuthorized)
	assert.Len(t, h.history(t, h.primary), 1)
}

func TestExecute_DeleteWithinAddGrace(t *testing.T) {
	h := newHarness(t, txn.PrimaryOnly)
	h.do(t, create("registrar-a"))

	h.now = t0.Add(2 * day)
	res := h.do(t, command.Descriptor{Resource: example, Command: command.Delete, ActorRegistrarID: "registrar-a", Trid: trid("delete")})

	require.Len(t, res.Entry.TransactionRecords, 1)
	assert.Equal(t, history.FieldDeletedDomainsGrace, res.Entry.TransactionRecords[0].Field)
	assert.True(t, res.Resource.Deleted())

	h.now = t0.Add(3 * day)
	restored := h.do(t, command.Descriptor{Resource: example, Command: command.Restore, ActorRegistrarID: "registrar-a", Trid: trid("restore")})
	assert.False(t, restored.Resource.Deleted())
	assert.Equal(t, history.FieldRestoredDomains, restored.Entry.TransactionRecords[0].Field)
}

func TestExecute_CommandKindMismatch(t *testing.T) {
	h := newHarness(t, txn.PrimaryOnly)
	host := history.ResourceRef{Kind: history.KindHost, ID: "ns1.example.tld"}

	_, err := h.exec.Execute(context.Background(), command.Descriptor{Resource: host, Command: command.Renew, ActorRegistrarID: "registrar-a"})
	assert.ErrorIs(t, err, history.ErrInvalidEntry)

	_, err = h.exec.Execute(context.Background(), command.Descriptor{Resource: host, Command: command.Transfer, TransferOutcome: command.TransferRequest, ActorRegistrarID: "registrar-a"})
	assert.ErrorIs(t, err, history.ErrInvalidEntry)
}

// =============================================================================
// TRANSFERS THROUGH THE EXECUTOR
// =============================================================================

func TestExecute_LazyDeadlineBeforeNextCommand(t *testing.T) {
	// GIVEN: A transfer requested at T0, unanswered
	// WHEN: The losing registrar tries to approve at T0+6d
	// THEN: The transfer was already server-approved; the approve is
	//       rejected but the automatic approval stays committed

	h := newHarness(t, txn.PrimaryOnly)
	h.now = t0.Add(-day)
	h.do(t, create("losing"))

	h.now = t0
	req := h.do(t, transferDescriptor(command.TransferRequest, "gaining", "req"))
	require.NotNil(t, req.Transfer)
	assert.Equal(t, "losing", req.Transfer.LosingRegistrarID)
	assert.Equal(t, t0.Add(5*day), req.Transfer.AutomaticResolutionDeadline)

	h.now = t0.Add(6 * day)
	_, err := h.exec.Execute(context.Background(), transferDescriptor(command.TransferApprove, "losing", "approve"))
	assert.ErrorIs(t, err, history.ErrNotPending)

	var types []history.Type
	for _, e := range h.history(t, h.primary) {
		types = append(types, e.Type)
	}
	assert.Equal(t, []history.Type{history.DomainCreate, history.DomainTransferRequest, history.DomainTransferServerApprove}, types)

	res, err := h.primary.Resource(context.Background(), example)
	require.NoError(t, err)
	assert.Equal(t, "gaining", res.SponsorRegistrarID)
}

func TestExecute_DualWriteVerifyKeepsBackendsIdentical(t *testing.T) {
	h := newHarness(t, txn.DualWriteVerify)

	h.now = t0.Add(-day)
	h.do(t, create("losing"))
	h.now = t0
	h.do(t, transferDescriptor(command.TransferRequest, "gaining", "req"))
	h.now = t0.Add(4*day + 12*time.Hour)
	res := h.do(t, transferDescriptor(command.TransferApprove, "losing", "approve"))

	assert.Equal(t, transfer.StateClientApproved, res.Transfer.State)
	assert.Equal(t, "gaining", res.Resource.SponsorRegistrarID)

	a, b := h.history(t, h.primary), h.history(t, h.secondary)
	require.Len(t, a, 3)
	require.Len(t, b, 3)
	for i := range a {
		assert.True(t, a[i].Equal(b[i]))
	}
}

// concurrently runs every descriptor at once and returns the errors in
// input order.
func (h *harness) concurrently(ds []command.Descriptor) []error {
	errs := make([]error, len(ds))
	var wg sync.WaitGroup
	for i, d := range ds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.exec.Execute(context.Background(), d)
		}()
	}
	wg.Wait()
	return errs
}

func (h *harness) assertBackendsIdentical(t *testing.T) []history.HistoryEntry {
	t.Helper()
	a, b := h.history(t, h.primary), h.history(t, h.secondary)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.True(t, a[i].Equal(b[i]), "entry %d differs", i)
	}
	return a
}

func TestExecute_DualWriteConcurrentTransferRequests(t *testing.T) {
	// GIVEN: A domain in dual-write-verify mode
	// WHEN: Eight registrars request its transfer at the same moment
	// THEN: One request wins, the rest see AlreadyPending, and no race
	//       is mistaken for backend divergence

	h := newHarness(t, txn.DualWriteVerify, txn.WithRetryBudget(50))
	h.now = t0.Add(-day)
	h.do(t, create("losing"))
	h.now = t0

	var ds []command.Descriptor
	for i := range 8 {
		ds = append(ds, transferDescriptor(command.TransferRequest, fmt.Sprintf("gaining-%d", i), fmt.Sprintf("req-%d", i)))
	}
	errs := h.concurrently(ds)

	var ok, pending int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, history.ErrAlreadyPending):
			pending++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, pending)
	assert.Len(t, h.assertBackendsIdentical(t), 2)
}

func TestExecute_DualWriteConcurrentRetriesOfOneCommand(t *testing.T) {
	// GIVEN: A domain in dual-write-verify mode
	// WHEN: The same renew arrives eight times at once
	// THEN: It is recorded once and every other copy replays it

	h := newHarness(t, txn.DualWriteVerify, txn.WithRetryBudget(50))
	h.do(t, create("registrar-a"))

	renew := command.Descriptor{
		Resource: example, Command: command.Renew, ActorRegistrarID: "registrar-a",
		Period: history.Years(1), Trid: trid("renew-1"),
	}
	ds := make([]command.Descriptor, 8)
	for i := range ds {
		ds[i] = renew
	}
	for _, err := range h.concurrently(ds) {
		assert.NoError(t, err)
	}

	entries := h.assertBackendsIdentical(t)
	require.Len(t, entries, 2)
	assert.Equal(t, history.DomainRenew, entries[1].Type)
}

// =============================================================================
// DESCRIPTOR JSON
// =============================================================================

func TestParse_TransferDescriptor(t *testing.T) {
	d, err := command.Parse([]byte(`{
		"resource": "domain/example.tld",
		"command": "transfer",
		"transferOutcome": "request",
		"actor": "gaining",
		"period": {"value": 2},
		"trid": {"clientId": "ABC-1", "serverId": "srv-1"},
		"requestedByRegistrar": true
	}`))
	require.NoError(t, err)

	assert.Equal(t, example, d.Resource)
	assert.Equal(t, command.TransferRequest, d.TransferOutcome)
	assert.Equal(t, history.Period{Value: 2, Unit: history.UnitYears}, *d.Period)

	typ, err := d.EntryType()
	require.NoError(t, err)
	assert.Equal(t, history.DomainTransferRequest, typ)
}

func TestParse_RejectsAutomaticCommandsWithTrid(t *testing.T) {
	_, err := command.Parse([]byte(`{"resource":"domain/example.tld","command":"autorenew","actor":"r","trid":{"clientId":"a","serverId":"b"}}`))
	assert.ErrorIs(t, err, history.ErrInvalidEntry)
}
