/*
publisher.go - Delivery of committed ledger entries

PURPOSE:
  Downstream collaborators (billing, poll messages, reporting) react to
  newly committed entries. The transaction manager hands every committed
  batch to a Publisher after the commit succeeds.

DELIVERY:
  At-least-once. A publish failure never undoes a commit, and a batch may
  be delivered again after a restart or a retried publish. Subscribers
  must treat the entry id as a dedup key (see Dedup).

IMPLEMENTATIONS:
  Dispatcher: in-process fan-out filtered by entry type
  Kafka:      one record per entry on a topic (kafka.go)
  Multi:      several publishers in order

SEE ALSO:
  - txn/manager.go: Publishes after commit
  - reporting/aggregator.go: A Handler
*/
package publish

import (
	"context"
	"errors"
	"sync"

	"github.com/backwardn/nomulus/history"
)

// Publisher delivers a batch of committed entries.
type Publisher interface {
	Publish(ctx context.Context, entries []history.HistoryEntry) error
}

// Handler consumes one committed entry.
type Handler interface {
	Handle(ctx context.Context, e history.HistoryEntry) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e history.HistoryEntry) error

func (f HandlerFunc) Handle(ctx context.Context, e history.HistoryEntry) error {
	return f(ctx, e)
}

// =============================================================================
// DISPATCHER - In-process fan-out
// =============================================================================

type subscription struct {
	types   map[history.Type]struct{}
	handler Handler
}

// Dispatcher calls every matching handler synchronously, in subscription order.
type Dispatcher struct {
	mu   sync.RWMutex
	subs []subscription
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers h for the given entry types, or for all types if
// none are given.
func (d *Dispatcher) Subscribe(h Handler, types ...history.Type) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var set map[history.Type]struct{}
	if len(types) > 0 {
		set = make(map[history.Type]struct{}, len(types))
		for _, t := range types {
			set[t] = struct{}{}
		}
	}
	d.subs = append(d.subs, subscription{types: set, handler: h})
}

// Publish delivers every entry to every matching handler. Handler errors
// are joined; delivery continues past a failing handler.
func (d *Dispatcher) Publish(ctx context.Context, entries []history.HistoryEntry) error {
	d.mu.RLock()
	subs := d.subs
	d.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		for _, s := range subs {
			if s.types != nil {
				if _, ok := s.types[e.Type]; !ok {
					continue
				}
			}
			if err := s.handler.Handle(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// DEDUP - Id-keyed redelivery filter
// =============================================================================

// Dedup wraps a handler so each entry id reaches it at most once per
// process. A failed delivery is not remembered and may be retried.
type Dedup struct {
	next Handler

	mu   sync.Mutex
	seen map[int64]struct{}
}

func NewDedup(next Handler) *Dedup {
	return &Dedup{next: next, seen: make(map[int64]struct{})}
}

func (d *Dedup) Handle(ctx context.Context, e history.HistoryEntry) error {
	d.mu.Lock()
	if _, dup := d.seen[e.ID]; dup {
		d.mu.Unlock()
		return nil
	}
	d.seen[e.ID] = struct{}{}
	d.mu.Unlock()

	if err := d.next.Handle(ctx, e); err != nil {
		d.mu.Lock()
		delete(d.seen, e.ID)
		d.mu.Unlock()
		return err
	}
	return nil
}

// =============================================================================
// MULTI
// =============================================================================

// Multi publishes to each publisher in order and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, entries []history.HistoryEntry) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
