package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/backwardn/nomulus/history"
	"github.com/backwardn/nomulus/reporting"
	"github.com/backwardn/nomulus/transfer"
	"github.com/backwardn/nomulus/txn"
)

// AddGracePeriod is the window after creation in which a domain delete
// is reported as a grace deletion.
const AddGracePeriod = 5 * 24 * time.Hour

// Result is what a command left behind.
type Result struct {
	Entry    history.HistoryEntry `json:"entry"`
	Replayed bool                 `json:"replayed"`
	Transfer *transfer.Request    `json:"transfer,omitempty"`
	Resource *history.Resource    `json:"resource,omitempty"`
}

// Executor runs descriptors through the transaction manager.
type Executor struct {
	manager *txn.Manager
	machine *transfer.Machine
	logger  *slog.Logger
}

func NewExecutor(manager *txn.Manager, machine *transfer.Machine, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{manager: manager, machine: machine, logger: logger}
}

// Execute applies d. A descriptor whose transaction ids were already
// recorded returns the original entry with Replayed set and changes
// nothing.
func (x *Executor) Execute(ctx context.Context, d Descriptor) (Result, error) {
	if err := d.Validate(); err != nil {
		return Result{}, err
	}
	if _, err := x.ResolveExpired(ctx, d.Resource); err != nil {
		return Result{}, err
	}

	res, err := txn.Transact(ctx, x.manager, func(ctx context.Context, tx *history.Tx) (Result, error) {
		if d.Trid != nil {
			// Pin the tail first so a replay committed after this point
			// shows up as a moved tail rather than a missed lookup.
			if _, err := tx.Tail(ctx, d.Resource); err != nil {
				return Result{}, err
			}
			prior, err := tx.FindByTransactionIDs(ctx, d.Trid.ClientID, d.Trid.ServerID)
			if err != nil {
				return Result{}, err
			}
			if prior != nil {
				return Result{Entry: *prior, Replayed: true}, nil
			}
		}
		return x.apply(ctx, tx, d)
	})
	if err != nil {
		return Result{}, err
	}
	if res.Replayed {
		x.logger.Info("command replayed", "resource", d.Resource, "trid", d.Trid, "entry_id", res.Entry.ID)
	}
	return res, nil
}

// ResolveExpired commits the automatic approval of an expired pending
// transfer on ref and returns its entry, or nil if nothing was due. It
// runs in its own unit of work so a rejected command cannot roll the
// approval back.
func (x *Executor) ResolveExpired(ctx context.Context, ref history.ResourceRef) (*history.HistoryEntry, error) {
	if ref.Kind == history.KindHost {
		return nil, nil
	}
	resolved, err := txn.Transact(ctx, x.manager, func(ctx context.Context, tx *history.Tx) (*history.HistoryEntry, error) {
		return x.machine.CheckDeadline(ctx, tx, ref, tx.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("check transfer deadline of %s: %w", ref, err)
	}
	if resolved != nil {
		x.logger.Info("transfer server-approved", "resource", ref, "entry_id", resolved.ID)
	}
	return resolved, nil
}

// Machine returns the transfer state machine commands run through.
func (x *Executor) Machine() *transfer.Machine {
	return x.machine
}

// Manager returns the transaction manager commands run in.
func (x *Executor) Manager() *txn.Manager {
	return x.manager
}

func (x *Executor) apply(ctx context.Context, tx *history.Tx, d Descriptor) (Result, error) {
	typ, err := d.EntryType()
	if err != nil {
		return Result{}, err
	}
	if d.Command == Transfer {
		return x.transfer(ctx, tx, d)
	}

	now := tx.Now()
	ref := d.Resource
	tld := ref.TLD()
	current, err := tx.Resource(ctx, ref)
	if err != nil {
		return Result{}, err
	}

	e := history.HistoryEntry{Parent: ref, Type: typ}
	d.Metadata().Apply(&e)
	if typ.IsTermBearing() {
		e.Period = d.Period
		if e.Period == nil {
			e.Period = history.Years(1)
		}
	}

	var next *history.Resource
	switch d.Command {
	case Create, Allocate, Import:
		if current != nil && !current.Deleted() {
			return Result{}, fmt.Errorf("%s: %w", ref, history.ErrResourceExists)
		}
		created := history.Resource{Ref: ref, SponsorRegistrarID: d.ActorRegistrarID, CreatedAt: now}
		if e.Period != nil {
			created.ExpiresAt = history.TimePtr(e.Period.AddTo(now))
			e.TransactionRecords = []history.TransactionRecord{reporting.NetAdds(tld, e.Period.InYears(), now)}
		}
		next = &created

	case Renew, Autorenew:
		live, err := x.owned(current, d)
		if err != nil {
			return Result{}, err
		}
		if d.Command == Autorenew {
			e.ActorRegistrarID = live.SponsorRegistrarID
			e.RequestedByRegistrar = false
		}
		base := now
		if live.ExpiresAt != nil {
			base = *live.ExpiresAt
		}
		live.ExpiresAt = history.TimePtr(e.Period.AddTo(base))
		e.TransactionRecords = []history.TransactionRecord{reporting.NetRenews(tld, e.Period.InYears(), now)}
		next = &live

	case Update, PendingDelete, DeleteFailure:
		if _, err := x.owned(current, d); err != nil {
			return Result{}, err
		}

	case Delete:
		live, err := x.owned(current, d)
		if err != nil {
			return Result{}, err
		}
		if pending, err := x.machine.Status(ctx, tx, ref); err != nil {
			return Result{}, err
		} else if pending != nil && pending.State == transfer.StatePending {
			return Result{}, &history.AlreadyPendingError{Resource: ref, RequestEntryID: pending.RequestEntryID}
		}
		live.DeletedAt = history.TimePtr(now)
		if ref.Kind == history.KindDomain {
			grace := now.Sub(live.CreatedAt) < AddGracePeriod
			e.TransactionRecords = []history.TransactionRecord{reporting.Deleted(tld, grace, now)}
		}
		next = &live

	case Restore:
		if current == nil {
			return Result{}, fmt.Errorf("%s: %w", ref, history.ErrResourceNotFound)
		}
		if !current.Deleted() {
			return Result{}, &history.ValidationError{Field: "command", Message: fmt.Sprintf("%s is not deleted", ref)}
		}
		if current.SponsorRegistrarID != d.ActorRegistrarID && !d.BySuperuser {
			return Result{}, fmt.Errorf("%s: %w", ref, history.ErrNotAuthorized)
		}
		restored := *current
		restored.DeletedAt = nil
		base := now
		if restored.ExpiresAt != nil && restored.ExpiresAt.After(now) {
			base = *restored.ExpiresAt
		}
		restored.ExpiresAt = history.TimePtr(e.Period.AddTo(base))
		e.TransactionRecords = []history.TransactionRecord{reporting.Restored(tld, now)}
		next = &restored

	case Synthetic:
		if current == nil {
			return Result{}, fmt.Errorf("%s: %w", ref, history.ErrResourceNotFound)
		}
	}

	if next != nil {
		if err := tx.PutResource(ctx, *next); err != nil {
			return Result{}, err
		}
	}
	recorded, err := tx.Record(ctx, e)
	if err != nil {
		return Result{}, err
	}
	return Result{Entry: recorded, Resource: next}, nil
}

// owned returns a copy of a live resource the actor may change.
func (x *Executor) owned(current *history.Resource, d Descriptor) (history.Resource, error) {
	if current == nil || current.Deleted() {
		return history.Resource{}, fmt.Errorf("%s: %w", d.Resource, history.ErrResourceNotFound)
	}
	if d.Command != Autorenew && current.SponsorRegistrarID != d.ActorRegistrarID && !d.BySuperuser {
		return history.Resource{}, fmt.Errorf("%s is sponsored by another registrar: %w", d.Resource, history.ErrNotAuthorized)
	}
	return *current, nil
}

func (x *Executor) transfer(ctx context.Context, tx *history.Tx, d Descriptor) (Result, error) {
	if d.TransferOutcome == TransferRequest {
		losing := d.CounterpartRegistrarID
		if losing == "" {
			current, err := tx.Resource(ctx, d.Resource)
			if err != nil {
				return Result{}, err
			}
			if current == nil {
				return Result{}, fmt.Errorf("%s: %w", d.Resource, history.ErrResourceNotFound)
			}
			losing = current.SponsorRegistrarID
		}
		req, e, err := x.machine.RequestTransfer(ctx, tx, d.Resource, d.ActorRegistrarID, losing, d.Period, d.Metadata())
		if err != nil {
			return Result{}, err
		}
		return Result{Entry: e, Transfer: req}, nil
	}

	req, e, err := x.machine.Resolve(ctx, tx, d.Resource, d.TransferOutcome.resolution(), d.Metadata())
	if err != nil {
		return Result{}, err
	}
	res, err := tx.Resource(ctx, d.Resource)
	if err != nil {
		return Result{}, err
	}
	return Result{Entry: e, Transfer: req, Resource: res}, nil
}
