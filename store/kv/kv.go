/*
Package kv provides the Redis-backed implementation of history.Backend.

PURPOSE:
  The hierarchical key-value backend. Every resource owns a small set of
  keys under a shared prefix; entries are JSON members of a sorted set
  scored by entry id, so id order is listing order.

KEY LAYOUT:
  <prefix>:<kind>:<id>:history    ZSET  score = entry id, member = entry JSON
  <prefix>:<kind>:<id>:transfers  ZSET  transfer-class subset of history
  <prefix>:<kind>:<id>            STRING resource JSON
  <prefix>:trid:"<client>""<server>" STRING entry JSON, for replay detection
  <prefix>:entries                ZSET  score = entry id, member = entry JSON (global log)
  <prefix>:transfers:pending      ZSET  score = request id, member = "kind/id"
  <prefix>:sequence               STRING entry id counter

CONCURRENCY:
  Prepare WATCHes the history key of every touched resource and the trid
  keys of new entries, checks tails and ids on that connection, then
  waits. Commit queues the writes in MULTI/EXEC. If any watched key
  changed in between, EXEC aborts and Commit returns
  ConcurrentModificationError. Nothing is locked while prepared, so the
  store is not exclusive.

SEE ALSO:
  - history/store.go: Interface definitions
  - store/relational: SQL implementation
*/
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/backwardn/nomulus/history"
)

// DefaultPrefix is used when no prefix is configured.
const DefaultPrefix = "registry"

var errRolledBack = errors.New("change set rolled back")

// Store implements history.Backend on Redis.
type Store struct {
	client *redis.Client
	prefix string
	name   string
}

// Dial parses a redis:// URL and checks the connection.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// New wraps client. The store owns the client and closes it on Close.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, name: "kv"}
}

func (s *Store) Name() string    { return s.name }
func (s *Store) Exclusive() bool { return false }
func (s *Store) Close() error    { return s.client.Close() }

// Health checks if the Redis connection is healthy.
func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// =============================================================================
// KEYS
// =============================================================================

func (s *Store) resourceKey(ref history.ResourceRef) string {
	return s.prefix + ":" + string(ref.Kind) + ":" + ref.ID
}

func (s *Store) historyKey(ref history.ResourceRef) string {
	return s.resourceKey(ref) + ":history"
}

func (s *Store) transfersKey(ref history.ResourceRef) string {
	return s.resourceKey(ref) + ":transfers"
}

func (s *Store) tridKey(t history.Trid) string {
	return s.prefix + ":trid:" + strconv.Quote(t.ClientID) + strconv.Quote(t.ServerID)
}

func (s *Store) entriesKey() string  { return s.prefix + ":entries" }
func (s *Store) pendingKey() string  { return s.prefix + ":transfers:pending" }
func (s *Store) sequenceKey() string { return s.prefix + ":sequence" }

// =============================================================================
// READER (history.Reader interface)
// =============================================================================

func (s *Store) Entries(ctx context.Context, ref history.ResourceRef, afterID int64, limit int) ([]history.HistoryEntry, error) {
	by := &redis.ZRangeBy{Min: "(" + strconv.FormatInt(afterID, 10), Max: "+inf"}
	if limit > 0 {
		by.Count = int64(limit)
	}
	members, err := s.client.ZRangeByScore(ctx, s.historyKey(ref), by).Result()
	if err != nil {
		return nil, s.classify(fmt.Errorf("list %s: %w", ref, err))
	}
	out := make([]history.HistoryEntry, 0, len(members))
	for _, m := range members {
		e, err := decodeEntry(m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) EntriesAfter(ctx context.Context, afterID int64, limit int) ([]history.HistoryEntry, error) {
	by := &redis.ZRangeBy{Min: "(" + strconv.FormatInt(afterID, 10), Max: "+inf"}
	if limit > 0 {
		by.Count = int64(limit)
	}
	members, err := s.client.ZRangeByScore(ctx, s.entriesKey(), by).Result()
	if err != nil {
		return nil, s.classify(fmt.Errorf("list entries after %d: %w", afterID, err))
	}
	out := make([]history.HistoryEntry, 0, len(members))
	for _, m := range members {
		e, err := decodeEntry(m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) LatestTransfer(ctx context.Context, ref history.ResourceRef) (*history.HistoryEntry, error) {
	return s.last(ctx, s.client, s.transfersKey(ref))
}

func (s *Store) FindByTrid(ctx context.Context, trid history.Trid) (*history.HistoryEntry, error) {
	data, err := s.client.Get(ctx, s.tridKey(trid)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify(fmt.Errorf("find trid %s: %w", trid, err))
	}
	e, err := decodeEntry(data)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) Resource(ctx context.Context, ref history.ResourceRef) (*history.Resource, error) {
	data, err := s.client.Get(ctx, s.resourceKey(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify(fmt.Errorf("get resource %s: %w", ref, err))
	}
	var res history.Resource
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode resource %s: %w", ref, err)
	}
	return &res, nil
}

func (s *Store) Tail(ctx context.Context, ref history.ResourceRef) (int64, error) {
	return s.maxScore(ctx, s.client, s.historyKey(ref))
}

func (s *Store) EntryExists(ctx context.Context, id int64) (bool, error) {
	return s.entryExists(ctx, s.client, id)
}

func (s *Store) MaxID(ctx context.Context) (int64, error) {
	return s.maxScore(ctx, s.client, s.entriesKey())
}

func (s *Store) PendingTransfers(ctx context.Context) ([]history.HistoryEntry, error) {
	refs, err := s.client.ZRange(ctx, s.pendingKey(), 0, -1).Result()
	if err != nil {
		return nil, s.classify(fmt.Errorf("list pending transfers: %w", err))
	}
	var out []history.HistoryEntry
	for _, raw := range refs {
		ref, err := history.ParseResourceRef(raw)
		if err != nil {
			return nil, err
		}
		latest, err := s.LatestTransfer(ctx, ref)
		if err != nil {
			return nil, err
		}
		if latest != nil && latest.Type.IsTransferRequest() {
			out = append(out, *latest)
		}
	}
	return out, nil
}

// sortedSets is the part of the client the readers share with a watching
// transaction.
type sortedSets interface {
	ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	ZCount(ctx context.Context, key, lo, hi string) *redis.IntCmd
}

func (s *Store) last(ctx context.Context, c sortedSets, key string) (*history.HistoryEntry, error) {
	members, err := c.ZRevRange(ctx, key, 0, 0).Result()
	if err != nil {
		return nil, s.classify(fmt.Errorf("read %s: %w", key, err))
	}
	if len(members) == 0 {
		return nil, nil
	}
	e, err := decodeEntry(members[0])
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) maxScore(ctx context.Context, c sortedSets, key string) (int64, error) {
	top, err := c.ZRevRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, s.classify(fmt.Errorf("read %s: %w", key, err))
	}
	if len(top) == 0 {
		return 0, nil
	}
	return int64(top[0].Score), nil
}

func (s *Store) entryExists(ctx context.Context, c sortedSets, id int64) (bool, error) {
	score := strconv.FormatInt(id, 10)
	n, err := c.ZCount(ctx, s.entriesKey(), score, score).Result()
	if err != nil {
		return false, s.classify(fmt.Errorf("check entry %d: %w", id, err))
	}
	return n > 0, nil
}

// =============================================================================
// TWO-PHASE WRITE (history.Backend interface)
// =============================================================================

// Prepare watches the touched keys and validates cs on the watching
// connection. The connection stays reserved until Commit or Rollback.
func (s *Store) Prepare(ctx context.Context, cs history.ChangeSet) (history.Prepared, error) {
	refs := cs.Refs()
	keys := make([]string, 0, len(refs)+len(cs.Entries))
	for _, ref := range refs {
		keys = append(keys, s.historyKey(ref))
	}
	for _, e := range cs.Entries {
		if e.Trid != nil {
			keys = append(keys, s.tridKey(*e.Trid))
		}
	}

	p := &prepared{s: s, decide: make(chan bool, 1), done: make(chan error, 1)}
	ready := make(chan error, 1)
	go func() {
		sent := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			if err := s.check(ctx, tx, cs); err != nil {
				return err
			}
			sent = true
			ready <- nil
			if !<-p.decide {
				return errRolledBack
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return s.queue(ctx, pipe, cs)
			})
			return err
		}, keys...)
		if !sent {
			ready <- err
			return
		}
		if errors.Is(err, redis.TxFailedErr) && len(refs) > 0 {
			err = &history.ConcurrentModificationError{Resource: refs[0], Expected: cs.Tails[refs[0]], Actual: -1}
		}
		p.done <- err
	}()

	if err := <-ready; err != nil {
		return nil, s.classify(err)
	}
	return p, nil
}

func (s *Store) check(ctx context.Context, tx *redis.Tx, cs history.ChangeSet) error {
	for _, ref := range cs.Refs() {
		actual, err := s.maxScore(ctx, tx, s.historyKey(ref))
		if err != nil {
			return err
		}
		if actual != cs.Tails[ref] {
			return &history.ConcurrentModificationError{Resource: ref, Expected: cs.Tails[ref], Actual: actual}
		}
	}
	for _, e := range cs.Entries {
		dup, err := s.entryExists(ctx, tx, e.ID)
		if err != nil {
			return err
		}
		if dup {
			return &history.ConflictError{ID: e.ID}
		}
		if e.Trid != nil {
			n, err := tx.Exists(ctx, s.tridKey(*e.Trid)).Result()
			if err != nil {
				return s.classify(err)
			}
			if n > 0 {
				// A replay of the same command committed first.
				return &history.ConcurrentModificationError{Resource: e.Parent}
			}
		}
	}
	return nil
}

func (s *Store) queue(ctx context.Context, pipe redis.Pipeliner, cs history.ChangeSet) error {
	for _, e := range cs.Entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.Key(), err)
		}
		member := redis.Z{Score: float64(e.ID), Member: data}
		pipe.ZAdd(ctx, s.historyKey(e.Parent), member)
		pipe.ZAdd(ctx, s.entriesKey(), member)
		if e.Trid != nil {
			pipe.Set(ctx, s.tridKey(*e.Trid), data, 0)
		}
		if e.Type.IsTransferClass() {
			pipe.ZAdd(ctx, s.transfersKey(e.Parent), member)
			if e.Type.IsTransferRequest() {
				pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(e.ID), Member: e.Parent.String()})
			} else {
				pipe.ZRem(ctx, s.pendingKey(), e.Parent.String())
			}
		}
	}
	for _, r := range cs.Resources {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode resource %s: %w", r.Ref, err)
		}
		pipe.Set(ctx, s.resourceKey(r.Ref), data, 0)
	}
	return nil
}

type prepared struct {
	s      *Store
	decide chan bool
	done   chan error
	closed bool
}

func (p *prepared) Commit(context.Context) error {
	if p.closed {
		return fmt.Errorf("%s: change set already finished", p.s.name)
	}
	p.closed = true
	p.decide <- true
	return p.s.classify(<-p.done)
}

func (p *prepared) Rollback(context.Context) error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.decide <- false
	if err := <-p.done; err != nil && !errors.Is(err, errRolledBack) {
		return err
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// classify wraps connection failures in history.TransientError.
func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, redis.ErrPoolTimeout) {
		return &history.TransientError{Backend: s.name, Cause: err}
	}
	return err
}

func decodeEntry(member string) (history.HistoryEntry, error) {
	var e history.HistoryEntry
	if err := json.Unmarshal([]byte(member), &e); err != nil {
		return e, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}
