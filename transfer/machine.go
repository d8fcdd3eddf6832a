/*
machine.go - Transfer state machine derived from the ledger

PURPOSE:
  Manages the lifecycle of sponsorship transfers of domains and contacts.
  There is no separate "current transfer" record: the state is whatever
  the latest transfer-class entry of the resource says.

LIFECYCLE:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │   request ──▶ PENDING ──┬── approve (losing)  ──▶ CLIENT_APPROVED │
  │                         ├── reject  (losing)  ──▶ CLIENT_REJECTED │
  │                         ├── cancel  (gaining) ──▶ CLIENT_CANCELLED│
  │                         └── deadline passed   ──▶ SERVER_APPROVED │
  │                                                                  │
  └──────────────────────────────────────────────────────────────────┘

  Every transition writes exactly one entry. Approvals move sponsorship
  to the gaining registrar and, for domains, extend the term, in the same
  unit of work as the entry.

DEADLINE:
  deadline = requestedAt + GracePeriod. CheckDeadline is idempotent: it
  only acts while the latest transfer entry is an open request and the
  deadline has passed, and the entry it writes closes the request.

SEE ALSO:
  - history/tx.go: Unit of work the machine writes through
  - api/sweeper.go: Periodic deadline sweep
  - command/executor.go: Lazy deadline check before each command
*/
package transfer

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/backwardn/nomulus/history"
	"github.com/backwardn/nomulus/reporting"
)

// DefaultGracePeriod is how long a losing registrar has to respond.
const DefaultGracePeriod = 5 * 24 * time.Hour

// =============================================================================
// STATE
// =============================================================================

type State string

const (
	StatePending         State = "PENDING"
	StateClientApproved  State = "CLIENT_APPROVED"
	StateClientRejected  State = "CLIENT_REJECTED"
	StateClientCancelled State = "CLIENT_CANCELLED"
	StateServerApproved  State = "SERVER_APPROVED"
)

// Terminal reports whether no further transition is possible without a new request.
func (s State) Terminal() bool {
	return s != StatePending
}

type Outcome string

const (
	Approve Outcome = "approve"
	Reject  Outcome = "reject"
	Cancel  Outcome = "cancel"
)

// ParseOutcome accepts the lower-case outcome names.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case Approve, Reject, Cancel:
		return o, nil
	}
	return "", &history.ValidationError{Field: "outcome", Message: fmt.Sprintf("unknown outcome %q", s)}
}

// Request is the transfer state reconstructed from the ledger.
type Request struct {
	Resource                    history.ResourceRef `json:"resource"`
	State                       State               `json:"state"`
	RequestedAt                 time.Time           `json:"requestedAt"`
	AutomaticResolutionDeadline time.Time           `json:"automaticResolutionDeadline"`
	GainingRegistrarID          string              `json:"gainingRegistrarId"`
	LosingRegistrarID           string              `json:"losingRegistrarId"`
	Period                      *history.Period     `json:"period,omitempty"`
	RequestEntryID              int64               `json:"requestEntryId"`
	ResolutionEntryID           int64               `json:"resolutionEntryId,omitempty"`
	ResolvedAt                  *time.Time          `json:"resolvedAt,omitempty"`
}

// =============================================================================
// MACHINE
// =============================================================================

// Machine applies transfer transitions inside a unit of work.
type Machine struct {
	GracePeriod time.Duration
}

// NewMachine returns a machine with the given grace period, or the
// default when grace is not positive.
func NewMachine(grace time.Duration) *Machine {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Machine{GracePeriod: grace}
}

// Status reconstructs the transfer of ref, or returns nil if none was
// ever requested.
func (m *Machine) Status(ctx context.Context, tx *history.Tx, ref history.ResourceRef) (*Request, error) {
	latest, err := tx.LatestTransfer(ctx, ref)
	if err != nil || latest == nil {
		return nil, err
	}
	if latest.Type.IsTransferRequest() {
		return m.fromRequest(*latest), nil
	}

	// Terminal: the request that was resolved is the last one before it.
	var req *history.HistoryEntry
	for e, err := range tx.ListByParent(ctx, ref) {
		if err != nil {
			return nil, err
		}
		if e.ID >= latest.ID {
			break
		}
		if e.Type.IsTransferRequest() {
			found := e
			req = &found
		}
	}
	if req == nil {
		return nil, fmt.Errorf("transfer of %s: resolution %d without a request: %w", ref, latest.ID, history.ErrInvalidEntry)
	}
	out := m.fromRequest(*req)
	out.State = stateOf(latest.Type)
	out.ResolutionEntryID = latest.ID
	out.ResolvedAt = history.TimePtr(latest.Timestamp)
	return out, nil
}

func (m *Machine) fromRequest(e history.HistoryEntry) *Request {
	r := &Request{
		Resource:                    e.Parent,
		State:                       StatePending,
		RequestedAt:                 e.Timestamp,
		AutomaticResolutionDeadline: e.Timestamp.Add(m.GracePeriod),
		GainingRegistrarID:          e.ActorRegistrarID,
		LosingRegistrarID:           e.CounterpartRegistrarID,
		RequestEntryID:              e.ID,
	}
	if e.Period != nil {
		p := *e.Period
		r.Period = &p
	}
	return r
}

// RequestTransfer opens a transfer of ref from losing to gaining.
func (m *Machine) RequestTransfer(
	ctx context.Context,
	tx *history.Tx,
	ref history.ResourceRef,
	gaining, losing string,
	period *history.Period,
	meta history.Metadata,
) (*Request, history.HistoryEntry, error) {
	typ, err := requestType(ref.Kind)
	if err != nil {
		return nil, history.HistoryEntry{}, err
	}
	if gaining == "" || losing == "" || gaining == losing {
		return nil, history.HistoryEntry{}, &history.ValidationError{Field: "registrars", Message: "gaining and losing registrars must differ"}
	}

	if _, err := m.CheckDeadline(ctx, tx, ref, tx.Now()); err != nil {
		return nil, history.HistoryEntry{}, err
	}
	current, err := m.Status(ctx, tx, ref)
	if err != nil {
		return nil, history.HistoryEntry{}, err
	}
	if current != nil && current.State == StatePending {
		return nil, history.HistoryEntry{}, &history.AlreadyPendingError{Resource: ref, RequestEntryID: current.RequestEntryID}
	}

	res, err := tx.Resource(ctx, ref)
	if err != nil {
		return nil, history.HistoryEntry{}, err
	}
	if res == nil || res.Deleted() {
		return nil, history.HistoryEntry{}, fmt.Errorf("%s: %w", ref, history.ErrResourceNotFound)
	}
	if res.SponsorRegistrarID != losing && !meta.BySuperuser {
		return nil, history.HistoryEntry{}, fmt.Errorf("%s is not sponsored by %s: %w", ref, losing, history.ErrNotAuthorized)
	}

	if ref.Kind == history.KindDomain {
		if period == nil {
			period = history.Years(1)
		}
	} else {
		period = nil
	}

	e := history.HistoryEntry{Parent: ref, Type: typ, Period: period}
	meta.Apply(&e)
	// The request entry always names the gaining registrar as actor; the
	// derived state depends on it.
	e.ActorRegistrarID = gaining
	e.CounterpartRegistrarID = losing

	recorded, err := tx.Record(ctx, e)
	if err != nil {
		return nil, history.HistoryEntry{}, err
	}
	return m.fromRequest(recorded), recorded, nil
}

// Resolve applies an explicit approve, reject or cancel to the pending
// transfer of ref. Approve and reject belong to the losing registrar,
// cancel to the gaining one, unless the caller acts as superuser.
func (m *Machine) Resolve(
	ctx context.Context,
	tx *history.Tx,
	ref history.ResourceRef,
	outcome Outcome,
	meta history.Metadata,
) (*Request, history.HistoryEntry, error) {
	if _, err := ParseOutcome(string(outcome)); err != nil {
		return nil, history.HistoryEntry{}, err
	}
	if _, err := m.CheckDeadline(ctx, tx, ref, tx.Now()); err != nil {
		return nil, history.HistoryEntry{}, err
	}
	req, err := m.Status(ctx, tx, ref)
	if err != nil {
		return nil, history.HistoryEntry{}, err
	}
	if req == nil || req.State != StatePending {
		return nil, history.HistoryEntry{}, &history.NotPendingError{Resource: ref}
	}

	owner, counterpart := req.LosingRegistrarID, req.GainingRegistrarID
	if outcome == Cancel {
		owner, counterpart = req.GainingRegistrarID, req.LosingRegistrarID
	}
	if meta.ActorRegistrarID != owner && !meta.BySuperuser {
		return nil, history.HistoryEntry{}, fmt.Errorf("%s may not %s transfer of %s: %w",
			meta.ActorRegistrarID, outcome, ref, history.ErrNotAuthorized)
	}

	typ, err := resolutionType(ref.Kind, outcome)
	if err != nil {
		return nil, history.HistoryEntry{}, err
	}
	e := history.HistoryEntry{Parent: ref, Type: typ}
	meta.Apply(&e)
	e.CounterpartRegistrarID = counterpart
	if typ.IsTermBearing() {
		e.Period = req.Period
	}

	now := tx.Now()
	switch outcome {
	case Approve:
		e.TransactionRecords = transferRecords(ref, req.Period, now)
		if err := m.applyTransfer(ctx, tx, req, now); err != nil {
			return nil, history.HistoryEntry{}, err
		}
	case Reject:
		if ref.Kind == history.KindDomain {
			e.TransactionRecords = []history.TransactionRecord{reporting.TransferNacked(ref.TLD(), now)}
		}
	case Cancel:
	}

	recorded, err := tx.Record(ctx, e)
	if err != nil {
		return nil, history.HistoryEntry{}, err
	}
	req.State = stateOf(typ)
	req.ResolutionEntryID = recorded.ID
	req.ResolvedAt = history.TimePtr(recorded.Timestamp)
	return req, recorded, nil
}

// CheckDeadline server-approves the pending transfer of ref if its
// deadline is at or before now. It returns the entry it wrote, or nil if
// there was nothing to do. Calling it again has no further effect.
func (m *Machine) CheckDeadline(ctx context.Context, tx *history.Tx, ref history.ResourceRef, now time.Time) (*history.HistoryEntry, error) {
	latest, err := tx.LatestTransfer(ctx, ref)
	if err != nil || latest == nil || !latest.Type.IsTransferRequest() {
		return nil, err
	}
	req := m.fromRequest(*latest)
	if now.Before(req.AutomaticResolutionDeadline) {
		return nil, nil
	}

	typ, err := serverApproveType(ref.Kind)
	if err != nil {
		return nil, err
	}
	e := history.HistoryEntry{
		Parent:                 ref,
		Type:                   typ,
		ActorRegistrarID:       req.LosingRegistrarID,
		CounterpartRegistrarID: req.GainingRegistrarID,
		Reason:                 "automatic transfer approval",
		RequestedByRegistrar:   false,
		TransactionRecords:     transferRecords(ref, req.Period, req.AutomaticResolutionDeadline),
	}
	if typ.IsTermBearing() {
		e.Period = req.Period
	}
	if err := m.applyTransfer(ctx, tx, req, req.AutomaticResolutionDeadline); err != nil {
		return nil, err
	}
	recorded, err := tx.Record(ctx, e)
	if err != nil {
		return nil, err
	}
	return &recorded, nil
}

// NearingDeadline lists pending transfers whose deadline falls before
// now+within, earliest first. Already expired ones are included.
func (m *Machine) NearingDeadline(ctx context.Context, r history.Reader, now time.Time, within time.Duration) ([]Request, error) {
	pending, err := r.PendingTransfers(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(within)
	var out []Request
	for _, e := range pending {
		req := m.fromRequest(e)
		if !req.AutomaticResolutionDeadline.After(cutoff) {
			out = append(out, *req)
		}
	}
	slices.SortFunc(out, func(a, b Request) int {
		return cmp.Or(a.AutomaticResolutionDeadline.Compare(b.AutomaticResolutionDeadline), cmp.Compare(a.RequestEntryID, b.RequestEntryID))
	})
	return out, nil
}

// applyTransfer moves sponsorship to the gaining registrar and extends a
// domain's term by the transfer period.
func (m *Machine) applyTransfer(ctx context.Context, tx *history.Tx, req *Request, at time.Time) error {
	res, err := tx.Resource(ctx, req.Resource)
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("%s: %w", req.Resource, history.ErrResourceNotFound)
	}
	next := *res
	next.SponsorRegistrarID = req.GainingRegistrarID
	next.LastTransferAt = history.TimePtr(at)
	if req.Resource.Kind == history.KindDomain && req.Period != nil && res.ExpiresAt != nil {
		next.ExpiresAt = history.TimePtr(req.Period.AddTo(*res.ExpiresAt))
	}
	return tx.PutResource(ctx, next)
}

func transferRecords(ref history.ResourceRef, period *history.Period, at time.Time) []history.TransactionRecord {
	if ref.Kind != history.KindDomain {
		return nil
	}
	recs := []history.TransactionRecord{reporting.TransferSuccessful(ref.TLD(), at)}
	if period != nil {
		recs = append(recs, reporting.NetRenews(ref.TLD(), period.InYears(), at))
	}
	return recs
}

// =============================================================================
// TYPE MAPPING
// =============================================================================

func stateOf(t history.Type) State {
	switch t {
	case history.DomainTransferRequest, history.ContactTransferRequest:
		return StatePending
	case history.DomainTransferApprove, history.ContactTransferApprove:
		return StateClientApproved
	case history.DomainTransferReject, history.ContactTransferReject:
		return StateClientRejected
	case history.DomainTransferCancel, history.ContactTransferCancel:
		return StateClientCancelled
	case history.DomainTransferServerApprove, history.ContactTransferServerApprove:
		return StateServerApproved
	}
	panic(fmt.Sprintf("transfer: %s is not a transfer transition", t))
}

func requestType(k history.Kind) (history.Type, error) {
	switch k {
	case history.KindDomain:
		return history.DomainTransferRequest, nil
	case history.KindContact:
		return history.ContactTransferRequest, nil
	}
	return history.TypeUnknown, notTransferable(k)
}

func serverApproveType(k history.Kind) (history.Type, error) {
	switch k {
	case history.KindDomain:
		return history.DomainTransferServerApprove, nil
	case history.KindContact:
		return history.ContactTransferServerApprove, nil
	}
	return history.TypeUnknown, notTransferable(k)
}

func resolutionType(k history.Kind, o Outcome) (history.Type, error) {
	domain := map[Outcome]history.Type{
		Approve: history.DomainTransferApprove,
		Reject:  history.DomainTransferReject,
		Cancel:  history.DomainTransferCancel,
	}
	contact := map[Outcome]history.Type{
		Approve: history.ContactTransferApprove,
		Reject:  history.ContactTransferReject,
		Cancel:  history.ContactTransferCancel,
	}
	switch k {
	case history.KindDomain:
		return domain[o], nil
	case history.KindContact:
		return contact[o], nil
	}
	return history.TypeUnknown, notTransferable(k)
}

func notTransferable(k history.Kind) error {
	return &history.ValidationError{Field: "resource", Message: fmt.Sprintf("%s objects cannot be transferred", k)}
}
