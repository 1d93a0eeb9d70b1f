package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheGetSetDel(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.SetWithTTL(ctx, "k", []byte("v"), time.Minute))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	exists, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.Del(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	require.NoError(t, c.SetWithTTL(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCacheSets(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.SAdd(ctx, "set", "a", "b", "c"))
	card, err := c.SCard(ctx, "set")
	require.NoError(t, err)
	assert.EqualValues(t, 3, card)

	require.NoError(t, c.SRem(ctx, "set", "b"))
	members, err := c.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, members)
}

func TestMemoryCacheIncr(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	n, err := c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestGetSetJSON(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	type payload struct {
		Name string `json:"name"`
	}

	require.NoError(t, SetJSON(ctx, c, "p", payload{Name: "kefu001"}, time.Minute))

	var out payload
	require.NoError(t, GetJSON(ctx, c, "p", &out))
	assert.Equal(t, "kefu001", out.Name)
}
