// Package store provides in-process Backend and Allocator implementations.
package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/backwardn/nomulus/history"
)

// =============================================================================
// MEMORY STORE - In-memory backend (for testing/dev)
// =============================================================================

// Memory keeps the ledger in maps. A prepared change set holds the write
// lock until it is committed or rolled back, so Memory is exclusive.
type Memory struct {
	name string

	mu        sync.RWMutex
	entries   map[history.ResourceRef][]history.HistoryEntry
	byID      map[int64]history.ResourceRef
	trids     map[history.Trid]int64
	resources map[history.ResourceRef]history.Resource
	maxID     int64
}

func NewMemory(name string) *Memory {
	if name == "" {
		name = "memory"
	}
	return &Memory{
		name:      name,
		entries:   make(map[history.ResourceRef][]history.HistoryEntry),
		byID:      make(map[int64]history.ResourceRef),
		trids:     make(map[history.Trid]int64),
		resources: make(map[history.ResourceRef]history.Resource),
	}
}

func (m *Memory) Name() string    { return m.name }
func (m *Memory) Exclusive() bool { return true }
func (m *Memory) Close() error    { return nil }

func (m *Memory) Entries(_ context.Context, ref history.ResourceRef, afterID int64, limit int) ([]history.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.entries[ref]
	i, _ := slices.BinarySearchFunc(list, afterID+1, func(e history.HistoryEntry, id int64) int {
		return cmp.Compare(e.ID, id)
	})
	var out []history.HistoryEntry
	for ; i < len(list) && (limit <= 0 || len(out) < limit); i++ {
		out = append(out, list[i].Clone())
	}
	return out, nil
}

func (m *Memory) EntriesAfter(_ context.Context, afterID int64, limit int) ([]history.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []int64
	for id := range m.byID {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]history.HistoryEntry, 0, len(ids))
	for _, id := range ids {
		list := m.entries[m.byID[id]]
		i, _ := slices.BinarySearchFunc(list, id, func(e history.HistoryEntry, id int64) int {
			return cmp.Compare(e.ID, id)
		})
		out = append(out, list[i].Clone())
	}
	return out, nil
}

func (m *Memory) LatestTransfer(_ context.Context, ref history.ResourceRef) (*history.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return latestTransfer(m.entries[ref]), nil
}

func (m *Memory) FindByTrid(_ context.Context, trid history.Trid) (*history.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.trids[trid]
	if !ok {
		return nil, nil
	}
	for _, e := range m.entries[m.byID[id]] {
		if e.ID == id {
			found := e.Clone()
			return &found, nil
		}
	}
	return nil, nil
}

func (m *Memory) Resource(_ context.Context, ref history.ResourceRef) (*history.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.resources[ref]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func (m *Memory) Tail(_ context.Context, ref history.ResourceRef) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tailLocked(ref), nil
}

func (m *Memory) EntryExists(_ context.Context, id int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[id]
	return ok, nil
}

func (m *Memory) MaxID(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxID, nil
}

func (m *Memory) PendingTransfers(_ context.Context) ([]history.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []history.HistoryEntry
	for _, list := range m.entries {
		if e := latestTransfer(list); e != nil && e.Type.IsTransferRequest() {
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b history.HistoryEntry) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) tailLocked(ref history.ResourceRef) int64 {
	list := m.entries[ref]
	if len(list) == 0 {
		return 0
	}
	return list[len(list)-1].ID
}

// =============================================================================
// TWO-PHASE WRITE
// =============================================================================

// Prepare takes the write lock and validates cs. On success the lock is
// held until Commit or Rollback.
func (m *Memory) Prepare(_ context.Context, cs history.ChangeSet) (history.Prepared, error) {
	m.mu.Lock()
	if err := m.checkLocked(cs); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	return &memoryPrepared{m: m, cs: cs}, nil
}

func (m *Memory) checkLocked(cs history.ChangeSet) error {
	for _, ref := range cs.Refs() {
		if actual := m.tailLocked(ref); actual != cs.Tails[ref] {
			return &history.ConcurrentModificationError{Resource: ref, Expected: cs.Tails[ref], Actual: actual}
		}
	}
	for _, e := range cs.Entries {
		if _, dup := m.byID[e.ID]; dup {
			return &history.ConflictError{ID: e.ID}
		}
		if e.Trid != nil {
			if _, dup := m.trids[*e.Trid]; dup {
				// A replay of the same command committed first.
				return &history.ConcurrentModificationError{Resource: e.Parent}
			}
		}
	}
	return nil
}

func (m *Memory) applyLocked(cs history.ChangeSet) {
	for _, e := range cs.Entries {
		m.entries[e.Parent] = append(m.entries[e.Parent], e.Clone())
		m.byID[e.ID] = e.Parent
		if e.Trid != nil {
			m.trids[*e.Trid] = e.ID
		}
		m.maxID = max(m.maxID, e.ID)
	}
	for _, r := range cs.Resources {
		m.resources[r.Ref] = r
	}
}

type memoryPrepared struct {
	m    *Memory
	cs   history.ChangeSet
	once sync.Once
}

func (p *memoryPrepared) Commit(context.Context) error {
	done := false
	p.once.Do(func() {
		p.m.applyLocked(p.cs)
		p.m.mu.Unlock()
		done = true
	})
	if !done {
		return fmt.Errorf("%s: change set already finished", p.m.name)
	}
	return nil
}

func (p *memoryPrepared) Rollback(context.Context) error {
	p.once.Do(p.m.mu.Unlock)
	return nil
}

// =============================================================================
// SEQUENCE - In-process allocator
// =============================================================================

// Sequence is an atomic counter implementing history.Allocator.
type Sequence struct {
	last atomic.Int64
}

func NewSequence() *Sequence {
	return &Sequence{}
}

func (s *Sequence) Next(context.Context) (int64, error) {
	return s.last.Add(1), nil
}

func (s *Sequence) Seed(_ context.Context, floor int64) error {
	for {
		cur := s.last.Load()
		if cur >= floor || s.last.CompareAndSwap(cur, floor) {
			return nil
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func latestTransfer(list []history.HistoryEntry) *history.HistoryEntry {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Type.IsTransferClass() {
			found := list[i].Clone()
			return &found
		}
	}
	return nil
}

