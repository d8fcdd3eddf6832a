/*
manager.go - Cross-backend transaction manager

PURPOSE:
  Runs units of work atomically against the authoritative backend, or
  against both backends while the registry migrates from the key-value
  store to the relational store.

MODES:
  primary-only:      key-value store
  secondary-only:    relational store
  dual-write-verify: both; the work runs once per backend with identical
                     entry ids and transaction time, and the resulting
                     change sets must be identical before either commits

COMMIT PROTOCOL:
  1. Prepare every backend (validates tails, ids, transaction ids)
  2. Commit non-exclusive (optimistic) backends first
  3. Commit exclusive (lock-holding) backends last
  A failure before the last commit rolls back everything still staged.
  Once step 1 starts, cancellation of the caller's context is ignored.

RETRIES:
  ConcurrentModification and Transient errors re-run the whole unit of
  work with exponential backoff, up to the retry budget. Everything else,
  including ConsistencyMismatch and AllocationFailure, surfaces at once.

DIVERGENCE VS RACE:
  In dual-write-verify mode the two executions read their backends at
  slightly different moments. When their outcomes differ, the manager
  re-reads every tail they pinned. A moved tail, or two sides that pinned
  different tails, is a concurrent writer and is retried. Differences
  over stable, identical tails are a mismatch. Skewed tails that survive
  the whole retry budget are a mismatch too.

SEE ALSO:
  - history/tx.go: The unit of work handed to the work function
  - history/store.go: Backend two-phase contract
*/
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/backwardn/nomulus/history"
	"github.com/backwardn/nomulus/metrics"
	"github.com/backwardn/nomulus/publish"
)

// DefaultRetryBudget is the number of retries after the first attempt.
const DefaultRetryBudget = 3

// Work is one unit of work. It may run more than once, and in
// dual-write-verify mode it runs concurrently against two backends, so it
// must only touch state through tx.
type Work[T any] func(ctx context.Context, tx *history.Tx) (T, error)

// Manager owns the concurrency discipline for every ledger write.
type Manager struct {
	primary   history.Backend
	secondary history.Backend
	alloc     history.Allocator

	mu   sync.RWMutex
	mode Mode

	clock       func() time.Time
	retryBudget int
	initialWait time.Duration
	maxWait     time.Duration

	logger    *slog.Logger
	metrics   *metrics.Metrics
	publisher publish.Publisher
	tracer    trace.Tracer
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = now }
}

func WithRetryBudget(n int) Option {
	return func(m *Manager) { m.retryBudget = max(n, 0) }
}

// WithBackoff sets the first and the largest wait between attempts.
func WithBackoff(initial, maxWait time.Duration) Option {
	return func(m *Manager) {
		m.initialWait = initial
		m.maxWait = maxWait
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithPublisher delivers every committed batch to p.
func WithPublisher(p publish.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// New builds a manager. secondary may be nil as long as the mode never
// needs it.
func New(primary, secondary history.Backend, alloc history.Allocator, mode Mode, opts ...Option) (*Manager, error) {
	m := &Manager{
		primary:     primary,
		secondary:   secondary,
		alloc:       alloc,
		clock:       time.Now,
		retryBudget: DefaultRetryBudget,
		initialWait: 10 * time.Millisecond,
		maxWait:     500 * time.Millisecond,
		logger:      slog.Default(),
		tracer:      otel.Tracer("github.com/backwardn/nomulus/txn"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if alloc == nil {
		return nil, fmt.Errorf("transaction manager: allocator is required")
	}
	if err := m.SetMode(mode); err != nil {
		return nil, err
	}
	return m, nil
}

// Mode returns the current migration mode.
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetMode switches the migration mode. Units of work already running
// finish in the mode they started with.
func (m *Manager) SetMode(mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	if (mode == PrimaryOnly || mode == DualWriteVerify) && m.primary == nil {
		return fmt.Errorf("mode %s: primary backend not configured", mode)
	}
	if (mode == SecondaryOnly || mode == DualWriteVerify) && m.secondary == nil {
		return fmt.Errorf("mode %s: secondary backend not configured", mode)
	}
	m.mu.Lock()
	prev := m.mode
	m.mode = mode
	m.mu.Unlock()
	if prev != "" && prev != mode {
		m.logger.Info("migration mode changed", "from", prev, "to", mode)
	}
	return nil
}

// Reader returns the backend that is authoritative for reads in the
// current mode.
func (m *Manager) Reader() history.Reader {
	if m.Mode() == SecondaryOnly {
		return m.secondary
	}
	return m.primary
}

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time {
	return m.clock()
}

// =============================================================================
// TRANSACT
// =============================================================================

// CallOption adjusts a single Transact call.
type CallOption func(*callConfig)

type callConfig struct {
	budget int
}

// WithBudget overrides the retry budget for one call.
func WithBudget(n int) CallOption {
	return func(c *callConfig) { c.budget = max(n, 0) }
}

// Transact runs work atomically and returns its result. See the file
// header for the mode, commit and retry rules.
func Transact[T any](ctx context.Context, m *Manager, work Work[T], opts ...CallOption) (T, error) {
	cfg := callConfig{budget: m.retryBudget}
	for _, opt := range opts {
		opt(&cfg)
	}

	mode := m.Mode()
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "txn.Transact", trace.WithAttributes(attribute.String("txn.mode", string(mode))))
	defer span.End()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = m.initialWait
	exp.MaxInterval = m.maxWait
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.budget)), ctx)

	var (
		result    T
		committed []history.HistoryEntry
		attempts  int
	)
	err := backoff.RetryNotify(func() error {
		attempts++
		res, entries, err := attempt(ctx, m, mode, work)
		if err == nil {
			result, committed = res, entries
			return nil
		}
		if history.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		m.metrics.IncRetry(string(mode), history.Class(err))
		m.logger.Debug("retrying unit of work", "mode", mode, "attempt", attempts, "wait", wait, "error", err)
	})

	var skew *tailSkew
	if errors.As(err, &skew) {
		err = m.mismatch(skew.diffs)
	}

	span.SetAttributes(attribute.Int("txn.attempts", attempts))
	m.metrics.ObserveTransaction(string(mode), history.Class(err), start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, history.Class(err))
		if errors.Is(err, history.ErrConsistencyMismatch) || errors.Is(err, history.ErrAllocationFailure) {
			m.logger.Error("unit of work failed", "mode", mode, "attempts", attempts, "error", err)
		}
		var zero T
		return zero, err
	}

	for _, e := range committed {
		m.metrics.IncEntry(e.Type.String())
	}
	m.publish(ctx, committed)
	return result, nil
}

// attempt runs the work once in the given mode and commits it.
func attempt[T any](ctx context.Context, m *Manager, mode Mode, work Work[T]) (T, []history.HistoryEntry, error) {
	now := m.clock()
	var zero T

	switch mode {
	case PrimaryOnly, SecondaryOnly:
		backend := m.primary
		if mode == SecondaryOnly {
			backend = m.secondary
		}
		tx := history.NewTx(backend, m.alloc, now)
		res, err := work(ctx, tx)
		if err != nil {
			return zero, nil, err
		}
		cs := tx.ChangeSet()
		if err := m.commit(ctx, staged{backend, cs}); err != nil {
			return zero, nil, err
		}
		return res, cs.Entries, nil

	case DualWriteVerify:
		return dual(ctx, m, now, work)
	}
	return zero, nil, fmt.Errorf("unsupported mode %q", mode)
}

type outcome[T any] struct {
	result T
	cs     history.ChangeSet
	err    error
}

func dual[T any](ctx context.Context, m *Manager, now time.Time, work Work[T]) (T, []history.HistoryEntry, error) {
	var zero T
	ids := &sharedIDs{alloc: m.alloc}
	var a, b outcome[T]

	run := func(backend history.Backend, out *outcome[T]) func() error {
		return func() error {
			tx := history.NewTx(backend, &replayAllocator{shared: ids}, now)
			out.result, out.err = work(ctx, tx)
			out.cs = tx.ChangeSet()
			return nil
		}
	}
	var g errgroup.Group
	g.Go(run(m.primary, &a))
	g.Go(run(m.secondary, &b))
	_ = g.Wait()

	switch {
	case history.IsRetryable(a.err):
		return zero, nil, a.err
	case history.IsRetryable(b.err):
		return zero, nil, b.err
	}

	var diffs []string
	if a.err != nil || b.err != nil {
		if history.Class(a.err) == history.Class(b.err) {
			// Both backends rejected the command the same way.
			return zero, nil, a.err
		}
		diffs = []string{fmt.Sprintf("outcome %s != %s (%v / %v)",
			history.Class(a.err), history.Class(b.err), a.err, b.err)}
	} else {
		diffs = history.Diff(a.cs, b.cs)
	}
	if len(diffs) > 0 {
		if err := m.raced(ctx, a.cs, b.cs, diffs); err != nil {
			return zero, nil, err
		}
		return zero, nil, m.mismatch(diffs)
	}
	if err := m.commit(ctx, staged{m.primary, a.cs}, staged{m.secondary, b.cs}); err != nil {
		return zero, nil, err
	}
	return a.result, a.cs.Entries, nil
}

// raced tells a concurrent writer apart from divergent backends. The two
// executions read their backends at different moments, and another unit
// of work may have committed to one backend but not yet the other. Both
// cases surface as a retryable ConcurrentModificationError.
func (m *Manager) raced(ctx context.Context, a, b history.ChangeSet, diffs []string) error {
	sides := []staged{{m.primary, a}, {m.secondary, b}}
	for _, side := range sides {
		for _, ref := range side.cs.Refs() {
			seen := side.cs.Tails[ref]
			actual, err := side.backend.Tail(ctx, ref)
			if err != nil {
				return err
			}
			if actual != seen {
				return &history.ConcurrentModificationError{Resource: ref, Expected: seen, Actual: actual}
			}
		}
	}
	for _, ref := range a.Refs() {
		if tb, ok := b.Tails[ref]; ok && tb != a.Tails[ref] {
			return &tailSkew{
				ConcurrentModificationError: history.ConcurrentModificationError{Resource: ref, Expected: a.Tails[ref], Actual: tb},
				diffs:                       diffs,
			}
		}
	}
	return nil
}

// tailSkew reports that the two executions pinned different tails of the
// same resource while neither backend moved since. A commit still in
// flight between the backends looks like this, so it is retried. If it
// outlasts the retry budget the backends really differ.
type tailSkew struct {
	history.ConcurrentModificationError
	diffs []string
}

func (e *tailSkew) Unwrap() error {
	return &e.ConcurrentModificationError
}

func (m *Manager) mismatch(diffs []string) error {
	m.metrics.IncMismatch()
	err := &history.ConsistencyMismatchError{Primary: m.primary.Name(), Secondary: m.secondary.Name(), Diffs: diffs}
	m.logger.Error("backends diverged, nothing committed", "primary", err.Primary, "secondary", err.Secondary, "diffs", diffs)
	return err
}

// =============================================================================
// COMMIT
// =============================================================================

type staged struct {
	backend history.Backend
	cs      history.ChangeSet
}

// commit prepares and commits every change set. Read-only units of work
// skip the backends entirely.
func (m *Manager) commit(ctx context.Context, sets ...staged) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sets = slices.DeleteFunc(slices.Clone(sets), func(s staged) bool { return s.cs.Empty() })
	if len(sets) == 0 {
		return nil
	}
	slices.SortStableFunc(sets, func(x, y staged) int {
		switch {
		case !x.backend.Exclusive() && y.backend.Exclusive():
			return -1
		case x.backend.Exclusive() && !y.backend.Exclusive():
			return 1
		}
		return 0
	})

	// Committing is not cancellable once it begins.
	ctx = context.WithoutCancel(ctx)

	prepared := make([]history.Prepared, 0, len(sets))
	rollback := func(from int) {
		for _, p := range prepared[from:] {
			if err := p.Rollback(ctx); err != nil {
				m.logger.Warn("rollback failed", "error", err)
			}
		}
	}
	for _, s := range sets {
		p, err := s.backend.Prepare(ctx, s.cs)
		if err != nil {
			rollback(0)
			return fmt.Errorf("%s: prepare: %w", s.backend.Name(), err)
		}
		prepared = append(prepared, p)
	}

	for i, p := range prepared {
		if err := p.Commit(ctx); err != nil {
			rollback(i + 1)
			if i == 0 {
				return fmt.Errorf("%s: commit: %w", sets[i].backend.Name(), err)
			}
			var done []string
			for _, s := range sets[:i] {
				done = append(done, s.backend.Name())
			}
			m.metrics.IncMismatch()
			m.logger.Error("partial commit", "committed", done, "failed", sets[i].backend.Name(), "error", err)
			return &history.ConsistencyMismatchError{
				Primary:   sets[0].backend.Name(),
				Secondary: sets[i].backend.Name(),
				Diffs:     []string{fmt.Sprintf("committed to %v but %s failed: %v", done, sets[i].backend.Name(), err)},
			}
		}
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, entries []history.HistoryEntry) {
	if m.publisher == nil || len(entries) == 0 {
		return
	}
	if err := m.publisher.Publish(context.WithoutCancel(ctx), entries); err != nil {
		m.metrics.IncPublishFailure()
		m.logger.Warn("publish committed entries", "count", len(entries), "first_id", entries[0].ID, "error", err)
	}
}

// =============================================================================
// SHARED ALLOCATION - identical ids for both executions
// =============================================================================

// sharedIDs hands the i-th allocation of every execution the same id.
type sharedIDs struct {
	mu    sync.Mutex
	alloc history.Allocator
	ids   []int64
}

func (s *sharedIDs) at(ctx context.Context, i int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.ids) <= i {
		id, err := s.alloc.Next(ctx)
		if err != nil {
			return 0, err
		}
		s.ids = append(s.ids, id)
	}
	return s.ids[i], nil
}

type replayAllocator struct {
	shared *sharedIDs
	next   int
}

func (r *replayAllocator) Next(ctx context.Context) (int64, error) {
	id, err := r.shared.at(ctx, r.next)
	if err != nil {
		return 0, err
	}
	r.next++
	return id, nil
}

func (r *replayAllocator) Seed(ctx context.Context, floor int64) error {
	return r.shared.alloc.Seed(ctx, floor)
}
