/*
aggregator.go - Monthly transaction report counters

PURPOSE:
  Derives per-TLD, per-month report counters purely from committed ledger
  entries. Payload bytes are never parsed, so the report can always be
  rebuilt by replaying the ledger.

IDEMPOTENCY:
  Committed entries may be delivered more than once. Apply counts each
  entry id exactly once.

USAGE:
  agg := reporting.NewAggregator()
  dispatcher.Subscribe(agg)                 // live
  reporting.Replay(history.List(...), agg)  // rebuild

SEE ALSO:
  - records.go: Builders for the records commands attach to entries
  - publish/publisher.go: Live delivery of committed entries
  - export.go: Spreadsheet export of a month
*/
package reporting

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/backwardn/nomulus/history"
)

// Month identifies a reporting window, e.g. "2024-03".
type Month string

// MonthOf returns the reporting month of t in UTC.
func MonthOf(t time.Time) Month {
	return Month(t.UTC().Format("2006-01"))
}

// Report is the set of counters for one TLD and month.
type Report struct {
	TLD    string                      `json:"tld"`
	Month  Month                       `json:"month"`
	Fields map[history.ReportField]int `json:"fields"`
}

type bucket struct {
	tld   string
	month Month
}

// Aggregator accumulates transaction records. Safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	seen    map[int64]struct{}
	buckets map[bucket]map[history.ReportField]int
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		seen:    make(map[int64]struct{}),
		buckets: make(map[bucket]map[history.ReportField]int),
	}
}

// Apply adds the entry's records. It returns false if the entry id was
// already applied.
func (a *Aggregator) Apply(e history.HistoryEntry) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.seen[e.ID]; dup {
		return false
	}
	a.seen[e.ID] = struct{}{}

	for _, rec := range e.TransactionRecords {
		k := bucket{tld: rec.TLD, month: MonthOf(rec.ReportingTime)}
		fields := a.buckets[k]
		if fields == nil {
			fields = make(map[history.ReportField]int)
			a.buckets[k] = fields
		}
		fields[rec.Field] += rec.Amount
	}
	return true
}

// Handle implements publish.Handler.
func (a *Aggregator) Handle(_ context.Context, e history.HistoryEntry) error {
	a.Apply(e)
	return nil
}

// Report returns a copy of the counters for tld and month. Fields with no
// activity are absent.
func (a *Aggregator) Report(tld string, month Month) Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	return Report{
		TLD:    tld,
		Month:  month,
		Fields: maps.Clone(a.buckets[bucket{tld: tld, month: month}]),
	}
}

// TLDs returns every TLD with at least one counter, sorted.
func (a *Aggregator) TLDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	set := make(map[string]struct{})
	for k := range a.buckets {
		set[k.tld] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

// Replay applies every entry of seq and returns how many were new.
func Replay(seq iter.Seq2[history.HistoryEntry, error], a *Aggregator) (int, error) {
	n := 0
	for e, err := range seq {
		if err != nil {
			return n, err
		}
		if a.Apply(e) {
			n++
		}
	}
	return n, nil
}
