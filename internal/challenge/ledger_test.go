package challenge

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aspect-build/tunnelkeeper/internal/partition"
	"github.com/aspect-build/tunnelkeeper/internal/server/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T) (*Ledger, *fakeClock, *partition.Store) {
	t.Helper()
	backend, err := db.NewStore(":memory:")
	require.NoError(t, err)
	store := partition.New(backend, partition.Options{})
	t.Cleanup(func() {
		store.Close()
		backend.Close()
	})
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewLedger(store, Options{Now: clock.Now}), clock, store
}

func TestIssue(t *testing.T) {
	l, clock, _ := newLedger(t)

	c, err := l.Issue(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ClientID)
	assert.True(t, clock.Now().Add(DefaultTTL).Equal(c.ExpiresAt))

	raw, err := base64.StdEncoding.DecodeString(c.Value)
	require.NoError(t, err)
	assert.Len(t, raw, nonceLen)
}

func TestConsume_Success(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	c, err := l.Issue(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, l.Consume(ctx, "c1", c.Value))
	assert.ErrorIs(t, l.Consume(ctx, "c1", c.Value), ErrNotFound)
}

func TestConsume_NeverIssued(t *testing.T) {
	l, _, _ := newLedger(t)
	assert.ErrorIs(t, l.Consume(context.Background(), "nobody", "x"), ErrNotFound)
}

func TestConsume_ExpiredIsDeleted(t *testing.T) {
	l, clock, _ := newLedger(t)
	ctx := context.Background()

	c, err := l.Issue(ctx, "c1")
	require.NoError(t, err)
	clock.Advance(DefaultTTL + time.Second)

	assert.ErrorIs(t, l.Consume(ctx, "c1", "wrong"), ErrExpired)
	assert.ErrorIs(t, l.Consume(ctx, "c1", c.Value), ErrNotFound)
}

func TestConsume_AtExpiryStillValid(t *testing.T) {
	l, clock, _ := newLedger(t)
	ctx := context.Background()

	c, err := l.Issue(ctx, "c1")
	require.NoError(t, err)
	clock.Advance(DefaultTTL)

	assert.NoError(t, l.Consume(ctx, "c1", c.Value))
}

func TestConsume_MismatchKeepsChallenge(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	c, err := l.Issue(ctx, "c1")
	require.NoError(t, err)

	assert.ErrorIs(t, l.Consume(ctx, "c1", "not-it"), ErrMismatch)
	assert.NoError(t, l.Consume(ctx, "c1", c.Value))
}

func TestIssue_OverwritesPrevious(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	first, err := l.Issue(ctx, "c1")
	require.NoError(t, err)
	second, err := l.Issue(ctx, "c1")
	require.NoError(t, err)
	require.NotEqual(t, first.Value, second.Value)

	assert.ErrorIs(t, l.Consume(ctx, "c1", first.Value), ErrMismatch)
	assert.NoError(t, l.Consume(ctx, "c1", second.Value))
}

func TestIdentitiesIsolated(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	c1, err := l.Issue(ctx, "c1")
	require.NoError(t, err)
	_, err = l.Issue(ctx, "c2")
	require.NoError(t, err)

	assert.ErrorIs(t, l.Consume(ctx, "c2", c1.Value), ErrMismatch)
	assert.NoError(t, l.Consume(ctx, "c1", c1.Value))
}

func TestConsume_ConcurrentSingleWinner(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	c, err := l.Issue(ctx, "c1")
	require.NoError(t, err)

	const n = 20
	var wins, notFound atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := l.Consume(ctx, "c1", c.Value); {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, ErrNotFound):
				notFound.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), notFound.Load())
}
