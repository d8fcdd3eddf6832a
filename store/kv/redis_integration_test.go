//go:build integration

package kv_test

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/backwardn/nomulus/history"
	"github.com/backwardn/nomulus/store/kv"
)

// TestRedis_WatchAgainstRealServer runs the optimistic commit path on a
// real server, where WATCH semantics are not emulated.
func TestRedis_WatchAgainstRealServer(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis connection string: %v", err)
	}
	client, err := kv.Dial(ctx, url)
	require.NoError(t, err)
	st := kv.New(client, "it")
	t.Cleanup(func() { st.Close() })

	p, err := st.Prepare(ctx, history.ChangeSet{
		Entries: []history.HistoryEntry{entry(1, history.DomainCreate, "a")},
		Tails:   map[history.ResourceRef]int64{example: 0},
	})
	require.NoError(t, err)

	other := redis.NewClient(client.Options())
	t.Cleanup(func() { other.Close() })
	require.NoError(t, other.ZAdd(ctx, "it:domain:example.tld:history", redis.Z{Score: 9, Member: "{}"}).Err())

	err = p.Commit(ctx)
	assert.ErrorIs(t, err, history.ErrConcurrentModification)

	exists, err := st.EntryExists(ctx, 1)
	require.NoError(t, err)
	assert.False(t, exists)
}
