package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/bondingx/pkg/bonding"
	"github.com/canopy-network/bondingx/pkg/config"
	"github.com/canopy-network/bondingx/pkg/models"
	"github.com/canopy-network/bondingx/pkg/rpc"
)

const address = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

var errTerminated = errors.New("upstream closed the stream")

// fakeStream replays events then fails, as if the upstream dropped the connection.
type fakeStream struct {
	events chan models.RawEvent
	closed atomic.Bool
}

func (f *fakeStream) Recv(ctx context.Context) (models.RawEvent, error) {
	select {
	case ev, ok := <-f.events:
		if !ok {
			return models.RawEvent{}, errTerminated
		}
		return ev, nil
	case <-ctx.Done():
		return models.RawEvent{}, ctx.Err()
	}
}

func (f *fakeStream) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeSource hands out pre-built streams; a nil entry fails that Subscribe call.
type fakeSource struct {
	mu         sync.Mutex
	streams    []*fakeStream
	subscribes atomic.Int32
	filters    []models.SubscriptionFilter
}

func (f *fakeSource) Subscribe(_ context.Context, filter models.SubscriptionFilter) (rpc.EventStream, error) {
	f.subscribes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	if len(f.streams) == 0 {
		return nil, errors.New("no more streams")
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	if s == nil {
		return nil, errors.New("upstream refused")
	}
	return s, nil
}

func newStream(events ...models.RawEvent) *fakeStream {
	ch := make(chan models.RawEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &fakeStream{events: ch}
}

func openStream() *fakeStream {
	return &fakeStream{events: make(chan models.RawEvent, 16)}
}

func accountEvent(slot, reserve uint64) models.RawEvent {
	return models.RawEvent{Kind: models.EventAccount, Account: &models.AccountUpdate{
		Address: address,
		Slot:    slot,
		Data:    bonding.Encode(&bonding.Account{ReserveBalanceFromBonding: reserve}),
	}}
}

func testConfig() config.Upstream {
	return config.Upstream{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond, QueueSize: 4}
}

func receive(t *testing.T, ch <-chan *models.AccountSnapshot) *models.AccountSnapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "channel closed early")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func reserveOf(t *testing.T, snap *models.AccountSnapshot) int64 {
	d, ok := snap.Fields.Decimal(bonding.FieldReserveBalance)
	require.True(t, ok)
	return d.IntPart()
}

func TestStart_EmitsInArrivalOrder(t *testing.T) {
	live := openStream()
	live.events <- accountEvent(1, 100)
	live.events <- accountEvent(2, 110)
	live.events <- accountEvent(3, 90)
	src := &fakeSource{streams: []*fakeStream{live}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := NewSubscriber(src, testConfig(), zaptest.NewLogger(t)).Start(ctx, models.SubscriptionFilter{Address: address})
	require.NoError(t, err)

	for i, want := range []int64{100, 110, 90} {
		snap := receive(t, out)
		assert.Equal(t, uint64(i+1), snap.ObservedAtSlot)
		assert.Equal(t, want, reserveOf(t, snap))
		assert.False(t, snap.Walltime.IsZero())
	}
}

func TestStart_DropsUndecodableEvents(t *testing.T) {
	live := openStream()
	live.events <- models.RawEvent{Kind: models.EventAccount, Account: &models.AccountUpdate{Address: address, Data: []byte{1, 2, 3}}}
	live.events <- models.RawEvent{Kind: models.EventAccount, Account: &models.AccountUpdate{Address: address}}
	live.events <- models.RawEvent{Kind: models.EventTransaction, Transaction: &models.TransactionUpdate{Signature: "sig"}}
	live.events <- models.RawEvent{Kind: models.EventOther, Method: "ping"}
	live.events <- models.RawEvent{Kind: models.EventAccount, Account: &models.AccountUpdate{Address: "someone-else", Data: bonding.Encode(&bonding.Account{})}}
	live.events <- accountEvent(7, 5)
	src := &fakeSource{streams: []*fakeStream{live}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := NewSubscriber(src, testConfig(), zaptest.NewLogger(t)).Start(ctx, models.SubscriptionFilter{Address: address})
	require.NoError(t, err)

	snap := receive(t, out)
	assert.Equal(t, uint64(7), snap.ObservedAtSlot)
	assert.Equal(t, int32(1), src.subscribes.Load(), "decode errors must not terminate the stream")
}

func TestStart_ReconnectsAndResumes(t *testing.T) {
	first := newStream(accountEvent(1, 100))
	second := openStream()
	second.events <- accountEvent(2, 120)
	src := &fakeSource{streams: []*fakeStream{first, nil, second}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	filter := models.SubscriptionFilter{Address: address}
	out, err := NewSubscriber(src, testConfig(), zaptest.NewLogger(t)).Start(ctx, filter)
	require.NoError(t, err)

	assert.Equal(t, int64(100), reserveOf(t, receive(t, out)))
	assert.Equal(t, int64(120), reserveOf(t, receive(t, out)))

	assert.Equal(t, int32(3), src.subscribes.Load())
	assert.True(t, first.closed.Load())
	src.mu.Lock()
	for _, f := range src.filters {
		assert.Equal(t, filter, f)
	}
	src.mu.Unlock()
}

func TestStart_InitialHandshakeFailure(t *testing.T) {
	src := &fakeSource{streams: []*fakeStream{nil}}
	_, err := NewSubscriber(src, testConfig(), zaptest.NewLogger(t)).Start(context.Background(), models.SubscriptionFilter{Address: address})
	assert.ErrorIs(t, err, ErrStream)
}

func TestStart_InvalidFilter(t *testing.T) {
	src := &fakeSource{}
	_, err := NewSubscriber(src, testConfig(), zaptest.NewLogger(t)).Start(context.Background(), models.SubscriptionFilter{Address: "not base58!"})
	assert.Error(t, err)
	assert.Equal(t, int32(0), src.subscribes.Load())
}

func TestStart_BlocksWhenDownstreamIsFull(t *testing.T) {
	live := openStream()
	for i := uint64(1); i <= 6; i++ {
		live.events <- accountEvent(i, i)
	}
	src := &fakeSource{streams: []*fakeStream{live}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	cfg.QueueSize = 2
	out, err := NewSubscriber(src, cfg, zaptest.NewLogger(t)).Start(ctx, models.SubscriptionFilter{Address: address})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, out, 2)

	for i := uint64(1); i <= 6; i++ {
		assert.Equal(t, i, receive(t, out).ObservedAtSlot, "nothing is dropped under backpressure")
	}
}

func TestStart_ClosesChannelOnCancel(t *testing.T) {
	live := openStream()
	src := &fakeSource{streams: []*fakeStream{live}}

	ctx, cancel := context.WithCancel(context.Background())
	out, err := NewSubscriber(src, testConfig(), zaptest.NewLogger(t)).Start(ctx, models.SubscriptionFilter{Address: address})
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.True(t, live.closed.Load())
}
