package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/bondingx/pkg/config"
	"github.com/canopy-network/bondingx/pkg/db/memstore"
	"github.com/canopy-network/bondingx/pkg/history"
	"github.com/canopy-network/bondingx/pkg/models"
)

const address = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

// fakeTransport records outbound messages and lets the test push inbound ones.
type fakeTransport struct {
	in   chan []byte
	out  chan []byte
	once sync.Once
}

func newTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 8), out: make(chan []byte, 1024)}
}

func (f *fakeTransport) Send(msg []byte) error {
	f.out <- append([]byte(nil), msg...)
	return nil
}

func (f *fakeTransport) Inbound() <-chan []byte { return f.in }

func (f *fakeTransport) disconnect() { f.once.Do(func() { close(f.in) }) }

func (f *fakeTransport) next(t *testing.T) []byte {
	t.Helper()
	select {
	case msg := <-f.out:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

type staticResolver struct {
	doc []byte
	err error
}

func (r staticResolver) Resolve(context.Context, string) ([]byte, error) { return r.doc, r.err }

func sessionConfig() config.Session {
	return config.Session{
		BackfillWindow:         24 * time.Hour,
		TickInterval:           20 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		MaxConcurrentBackfills: 2,
	}
}

func newManager(t *testing.T, h History, r AccountResolver) *Manager {
	m := NewManager(h, r, sessionConfig(), zaptest.NewLogger(t))
	t.Cleanup(m.Close)
	return m
}

func historyOver(t *testing.T, store *memstore.Store) *history.Service {
	return history.NewService(store, config.History{RecencyWindow: 5 * time.Second}, zaptest.NewLogger(t))
}

func runAsync(ctx context.Context, m *Manager, tr Transport) <-chan error {
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, address, tr) }()
	return done
}

func decodePoints(t *testing.T, msg []byte) []Point {
	var points []Point
	require.NoError(t, json.Unmarshal(msg, &points))
	return points
}

func TestRun_BackfillPrecedesLiveTicks(t *testing.T) {
	store := memstore.New()
	now := time.Now().UTC().Truncate(time.Second)
	for i, d := range []time.Duration{3 * time.Hour, 2 * time.Hour, time.Hour} {
		require.NoError(t, store.WriteDeltas(context.Background(), []models.DeltaRecord{{
			Address: address, InsertTimestamp: now.Add(-d), ReserveChange: float64(i + 1), SupplyChange: -float64(i + 1),
		}}))
	}
	require.NoError(t, store.WriteDeltas(context.Background(), []models.DeltaRecord{{
		Address: address, InsertTimestamp: now.Add(-48 * time.Hour), ReserveChange: 99,
	}}))

	m := newManager(t, historyOver(t, store), nil)
	tr := newTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, m, tr)

	backfill := decodePoints(t, tr.next(t))
	require.Len(t, backfill, 3)
	for i, p := range backfill {
		assert.Equal(t, float64(i+1), p.ReserveChange)
		assert.Equal(t, -float64(i+1), p.SupplyChange)
	}
	assert.Equal(t, now.Add(-3*time.Hour).Unix(), backfill[0].InsertTs)

	require.NoError(t, store.WriteDeltas(context.Background(), []models.DeltaRecord{{
		Address: address, InsertTimestamp: time.Now().UTC(), ReserveChange: 10,
	}}))

	var live Point
	require.NoError(t, json.Unmarshal(tr.next(t), &live))
	assert.Equal(t, 10.0, live.ReserveChange)

	tr.disconnect()
	require.NoError(t, <-done)
	assert.Zero(t, m.Active())
}

func TestRun_EmptyBackfill(t *testing.T) {
	m := newManager(t, historyOver(t, memstore.New()), nil)
	tr := newTransport()
	done := runAsync(context.Background(), m, tr)

	assert.Equal(t, "[]", string(tr.next(t)))
	tr.disconnect()
	require.NoError(t, <-done)
}

func TestRun_TickFailuresAreSoft(t *testing.T) {
	store := memstore.New()
	cfg := sessionConfig()
	cfg.MaxConsecutiveFailures = 50
	m := NewManager(historyOver(t, store), nil, cfg, zaptest.NewLogger(t))
	t.Cleanup(m.Close)
	tr := newTransport()
	done := runAsync(context.Background(), m, tr)

	tr.next(t)
	store.SetDown(true)
	time.Sleep(30 * time.Millisecond)
	store.SetDown(false)

	require.NoError(t, store.WriteDeltas(context.Background(), []models.DeltaRecord{{
		Address: address, InsertTimestamp: time.Now().UTC(), SupplyChange: 4,
	}}))
	var live Point
	require.NoError(t, json.Unmarshal(tr.next(t), &live))
	assert.Equal(t, 4.0, live.SupplyChange)

	select {
	case err := <-done:
		t.Fatalf("session ended early: %v", err)
	default:
	}
	tr.disconnect()
	require.NoError(t, <-done)
}

func TestRun_TerminatesAfterConsecutiveFailures(t *testing.T) {
	store := memstore.New()
	m := newManager(t, historyOver(t, store), nil)
	tr := newTransport()
	done := runAsync(context.Background(), m, tr)

	tr.next(t)
	store.SetDown(true)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrBackendLost)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not terminate")
	}
	assert.Zero(t, m.Active())
}

func TestRun_BackfillFailureStillGoesLive(t *testing.T) {
	store := memstore.New()
	store.SetDown(true)
	m := newManager(t, historyOver(t, store), nil)
	tr := newTransport()
	done := runAsync(context.Background(), m, tr)

	assert.Equal(t, "[]", string(tr.next(t)))
	store.SetDown(false)
	require.NoError(t, store.WriteDeltas(context.Background(), []models.DeltaRecord{{
		Address: address, InsertTimestamp: time.Now().UTC(), ReserveChange: 1,
	}}))
	tr.next(t)

	tr.disconnect()
	require.NoError(t, <-done)
}

func TestRun_ControlMessages(t *testing.T) {
	m := newManager(t, historyOver(t, memstore.New()), staticResolver{doc: []byte(`{"index":1}`)})
	tr := newTransport()
	done := runAsync(context.Background(), m, tr)
	tr.next(t)

	tr.in <- []byte(`{"type":"somethingElse"}`)
	tr.in <- []byte(`not json`)
	tr.in <- []byte(`{"type":"getAccountInfo"}`)

	assert.JSONEq(t, `{"index":1}`, string(tr.next(t)))
	tr.disconnect()
	require.NoError(t, <-done)
}

func TestRun_ControlFailureAnswersWithError(t *testing.T) {
	m := newManager(t, historyOver(t, memstore.New()), staticResolver{err: errors.New("rpc down")})
	tr := newTransport()
	done := runAsync(context.Background(), m, tr)
	tr.next(t)

	tr.in <- []byte(`{"type":"getAccountInfo"}`)
	var msg ErrorMessage
	require.NoError(t, json.Unmarshal(tr.next(t), &msg))
	assert.Equal(t, "error", msg.Type)

	tr.disconnect()
	require.NoError(t, <-done)
}

// slowResolver blocks every Resolve until release is closed.
type slowResolver struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newSlowResolver() *slowResolver {
	return &slowResolver{started: make(chan struct{}), release: make(chan struct{})}
}

func (r *slowResolver) Resolve(ctx context.Context, _ string) ([]byte, error) {
	r.once.Do(func() { close(r.started) })
	select {
	case <-r.release:
		return []byte(`{"index":3}`), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRun_SlowControlDoesNotStallLiveTicks(t *testing.T) {
	store := memstore.New()
	require.NoError(t, store.WriteDeltas(context.Background(), []models.DeltaRecord{{
		Address: address, InsertTimestamp: time.Now().UTC(), ReserveChange: 4,
	}}))
	r := newSlowResolver()
	m := newManager(t, historyOver(t, store), r)
	tr := newTransport()
	done := runAsync(context.Background(), m, tr)
	tr.next(t)

	tr.in <- []byte(`{"type":"getAccountInfo"}`)
	select {
	case <-r.started:
	case <-time.After(time.Second):
		t.Fatal("resolver not called")
	}

	for range 3 {
		var live Point
		require.NoError(t, json.Unmarshal(tr.next(t), &live))
		assert.Equal(t, 4.0, live.ReserveChange)
	}

	close(r.release)
	require.Eventually(t, func() bool {
		select {
		case msg := <-tr.out:
			return string(msg) == `{"index":3}`
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	tr.disconnect()
	require.NoError(t, <-done)
}

func TestRun_SlowControlDoesNotHoldBackfill(t *testing.T) {
	h := &blockingHistory{release: make(chan struct{})}
	r := newSlowResolver()
	m := newManager(t, h, r)
	tr := newTransport()
	done := runAsync(context.Background(), m, tr)

	require.Eventually(t, func() bool { return m.Active() == 1 }, time.Second, 5*time.Millisecond)
	tr.in <- []byte(`{"type":"getAccountInfo"}`)
	select {
	case <-r.started:
	case <-time.After(time.Second):
		t.Fatal("resolver not called")
	}

	close(h.release)
	backfill := decodePoints(t, tr.next(t))
	require.Len(t, backfill, 1)

	close(r.release)
	assert.JSONEq(t, `{"index":3}`, string(tr.next(t)))

	tr.disconnect()
	require.NoError(t, <-done)
}

// blockingHistory holds QueryRange until release is closed.
type blockingHistory struct {
	release chan struct{}
}

func (b *blockingHistory) QueryRange(ctx context.Context, _ string, _, _ time.Time) ([]models.DeltaRecord, error) {
	select {
	case <-b.release:
		return []models.DeltaRecord{{Address: address, InsertTimestamp: time.Unix(100, 0), ReserveChange: 1}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingHistory) QueryLatest(context.Context, string) (*models.DeltaRecord, error) {
	return nil, nil
}

func TestRun_ControlAnsweredDuringBackfill(t *testing.T) {
	h := &blockingHistory{release: make(chan struct{})}
	m := newManager(t, h, staticResolver{doc: []byte(`{"index":9}`)})
	tr := newTransport()
	done := runAsync(context.Background(), m, tr)

	require.Eventually(t, func() bool {
		sessions := m.Sessions()
		return len(sessions) == 1 && sessions[0].State() == StateBackfilling
	}, time.Second, 5*time.Millisecond)

	tr.in <- []byte(`{"type":"getAccountInfo"}`)
	assert.JSONEq(t, `{"index":9}`, string(tr.next(t)))

	close(h.release)
	backfill := decodePoints(t, tr.next(t))
	require.Len(t, backfill, 1)
	assert.Equal(t, int64(100), backfill[0].InsertTs)

	tr.disconnect()
	require.NoError(t, <-done)
}

func TestRun_DisconnectCancelsBackfill(t *testing.T) {
	h := &blockingHistory{release: make(chan struct{})}
	m := newManager(t, h, nil)
	tr := newTransport()
	done := runAsync(context.Background(), m, tr)

	require.Eventually(t, func() bool { return m.Active() == 1 }, time.Second, 5*time.Millisecond)
	tr.disconnect()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on disconnect")
	}
	assert.Empty(t, tr.out)
}

func TestRun_InvalidAddress(t *testing.T) {
	m := newManager(t, historyOver(t, memstore.New()), nil)
	err := m.Run(context.Background(), "0OIl-not-base58", newTransport())
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Zero(t, m.Active())
}

func TestPointFrom(t *testing.T) {
	p := PointFrom(models.DeltaRecord{
		InsertTimestamp: time.Unix(1_700_000_000, 900_000_000),
		ReserveChange:   1.5,
		SupplyChange:    -2,
	})
	assert.Equal(t, Point{ReserveChange: 1.5, SupplyChange: -2, InsertTs: 1_700_000_000}, p)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"reserveChange":1.5,"supplyChange":-2,"insertTs":1700000000}`, string(raw))
}
