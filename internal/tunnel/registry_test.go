package tunnel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aspect-build/tunnelkeeper/internal/partition"
	"github.com/aspect-build/tunnelkeeper/internal/server/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

// Now returns the current time and then moves the clock forward a second.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(time.Second)
	return now
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	backend, err := db.NewStore(":memory:")
	require.NoError(t, err)
	store := partition.New(backend, partition.Options{})
	t.Cleanup(func() {
		store.Close()
		backend.Close()
	})
	r := NewRegistry(store)
	clock := &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r.now = clock.Now
	return r
}

func TestStoreThenFetch(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	first, err := r.Store(ctx, "c1", "https://a.example.com", "tok")
	require.NoError(t, err)
	assert.True(t, first.CreatedAt.Equal(first.UpdatedAt))

	got, err := r.Fetch(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example.com", got.EndpointURL)
	assert.Equal(t, "tok", got.Token)

	second, err := r.Store(ctx, "c1", "https://b.example.com", "tok")
	require.NoError(t, err)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	got, err = r.Fetch(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "https://b.example.com", got.EndpointURL)
}

func TestStore_TokenMismatchLeavesRecord(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Store(ctx, "c1", "https://a.example.com", "tok")
	require.NoError(t, err)

	_, err = r.Store(ctx, "c1", "https://evil.example.com", "other")
	assert.ErrorIs(t, err, ErrTokenMismatch)

	got, err := r.Fetch(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example.com", got.EndpointURL)
	assert.Equal(t, "tok", got.Token)
}

func TestRotate_ReplacesToken(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	created, err := r.Rotate(ctx, "c1", "https://a.example.com", "old")
	require.NoError(t, err)
	rotated, err := r.Rotate(ctx, "c1", "https://b.example.com", "new")
	require.NoError(t, err)
	assert.True(t, created.CreatedAt.Equal(rotated.CreatedAt))

	_, err = r.Update(ctx, "c1", "https://c.example.com", "old")
	assert.ErrorIs(t, err, ErrTokenMismatch)
	updated, err := r.Update(ctx, "c1", "https://c.example.com", "new")
	require.NoError(t, err)
	assert.Equal(t, "https://c.example.com", updated.EndpointURL)
}

func TestUpdate_RequiresRecord(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Update(context.Background(), "c1", "https://a.example.com", "tok")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchMissing(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Fetch(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndDelete(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Rotate(ctx, "c2", "https://two.example.com", "t2")
	require.NoError(t, err)
	_, err = r.Rotate(ctx, "c1", "https://one.example.com", "t1")
	require.NoError(t, err)

	records, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c1", records[0].ClientID)
	assert.Equal(t, "c2", records[1].ClientID)

	require.NoError(t, r.Delete(ctx, "c1"))
	assert.ErrorIs(t, r.Delete(ctx, "c1"), ErrNotFound)

	records, err = r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestInvalidURL(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	for _, u := range []string{"", "not a url", "ftp://x.example.com", "https://", "/relative"} {
		_, err := r.Rotate(ctx, "c1", u, "tok")
		assert.ErrorIs(t, err, ErrInvalidURL, u)
	}
	_, err := r.Fetch(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordJSONHidesToken(t *testing.T) {
	rec := Record{ClientID: "c1", EndpointURL: "https://a.example.com", Token: "secret-token"}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-token")
	assert.Contains(t, string(raw), `"tunnelUrl":"https://a.example.com"`)
}

// Concurrent writers holding different tokens: the record only ever
// carries the token that created it.
func TestStore_ConcurrentWritersSingleOwner(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = r.Store(ctx, "c1", "https://a.example.com", string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrTokenMismatch)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestTokenMatches(t *testing.T) {
	rec := Record{Token: "tok"}
	assert.True(t, rec.TokenMatches("tok"))
	assert.False(t, rec.TokenMatches("tox"))
	assert.False(t, rec.TokenMatches(""))
	assert.False(t, Record{}.TokenMatches(""))
}
