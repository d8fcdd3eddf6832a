/*
sweeper.go - Transfer deadline sweep

PURPOSE:
  Pending transfers are server-approved lazily, the next time any command
  touches the resource. A domain nobody touches would stay pending past
  its deadline, so the sweeper periodically resolves every pending
  transfer whose automatic resolution deadline has passed.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Each resolution is its own unit of work (Executor.ResolveExpired)
  - A failure on one resource is logged and does not stop the sweep
  - Idempotent: a resource resolved by a concurrent command is skipped

USAGE:
  sweeper := NewDeadlineSweeper(executor, logger, metrics)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: SweepTransfers endpoint (manual trigger)
  - transfer/machine.go: CheckDeadline
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/backwardn/nomulus/command"
	"github.com/backwardn/nomulus/metrics"
)

// DefaultSweepInterval is how often pending transfers are checked.
const DefaultSweepInterval = time.Minute

// DeadlineSweeper server-approves expired pending transfers.
type DeadlineSweeper struct {
	Executor *command.Executor
	Interval time.Duration
	Enabled  bool

	logger  *slog.Logger
	metrics *metrics.Metrics

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewDeadlineSweeper(x *command.Executor, logger *slog.Logger, mt *metrics.Metrics) *DeadlineSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadlineSweeper{
		Executor: x,
		Interval: DefaultSweepInterval,
		Enabled:  true,
		logger:   logger.With("component", "sweeper"),
		metrics:  mt,
	}
}

// Start begins sweeping in the background. The first sweep runs
// immediately.
func (s *DeadlineSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.logger.Info("started", "interval", s.Interval)
}

// Stop waits for an in-flight sweep to finish.
func (s *DeadlineSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *DeadlineSweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweepAndLog(ctx)
		case <-stop:
			return
		}
	}
}

func (s *DeadlineSweeper) sweepAndLog(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "resolved", n, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("sweep completed", "resolved", n)
	}
}

// Sweep resolves every pending transfer whose deadline has passed and
// returns how many it approved. Errors on individual resources are
// logged; the first one is returned after the rest were attempted.
func (s *DeadlineSweeper) Sweep(ctx context.Context) (int, error) {
	m := s.Executor.Manager()
	due, err := s.Executor.Machine().NearingDeadline(ctx, m.Reader(), m.Now(), 0)
	if err != nil {
		return 0, err
	}

	var (
		resolved int
		first    error
	)
	for _, req := range due {
		if ctx.Err() != nil {
			break
		}
		e, err := s.Executor.ResolveExpired(ctx, req.Resource)
		if err != nil {
			s.logger.Warn("resolve expired transfer", "resource", req.Resource, "error", err)
			if first == nil {
				first = err
			}
			continue
		}
		if e != nil {
			resolved++
		}
	}
	s.metrics.AddSweepResolutions(resolved)
	return resolved, first
}
