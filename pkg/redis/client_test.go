package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/bondingx/pkg/config"
)

const address = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	c, err := NewClient(context.Background(), zaptest.NewLogger(t), config.Redis{
		Host: mr.Host(),
		Port: mr.Port(),
		TTL:  time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestPutGet(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, address)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, address, []byte(`{"index":1}`)))

	doc, ok, err := c.Get(ctx, address)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"index":1}`, string(doc))

	assert.Equal(t, time.Hour, mr.TTL(accountKeyPrefix+address))
	mr.FastForward(2 * time.Hour)

	_, ok, err = c.Get(ctx, address)
	require.NoError(t, err)
	assert.False(t, ok, "entry expires after the configured ttl")
}

func TestWatchAccounts(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type update struct {
		address string
		doc     string
	}
	got := make(chan update, 1)
	require.NoError(t, c.WatchAccounts(ctx, func(address string, doc []byte) {
		got <- update{address, string(doc)}
	}))

	require.NoError(t, c.Put(ctx, address, []byte(`{"index":2}`)))

	select {
	case u := <-got:
		assert.Equal(t, address, u.address)
		assert.Equal(t, `{"index":2}`, u.doc)
	case <-ctx.Done():
		t.Fatal("no update delivered")
	}
}

func TestHealthAndUnavailable(t *testing.T) {
	c, mr := newTestClient(t)
	require.NoError(t, c.Health(context.Background()))

	mr.Close()
	assert.Error(t, c.Health(context.Background()))
	_, _, err := c.Get(context.Background(), address)
	assert.Error(t, err)
}

func TestNewClient_ConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port := mr.Host(), mr.Port()
	mr.Close()

	_, err := NewClient(context.Background(), zaptest.NewLogger(t), config.Redis{Host: host, Port: port})
	assert.Error(t, err)
}
