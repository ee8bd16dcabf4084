package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/bondingx/app/api/types"
	"github.com/canopy-network/bondingx/pkg/accountinfo"
	"github.com/canopy-network/bondingx/pkg/config"
	"github.com/canopy-network/bondingx/pkg/db/memstore"
	"github.com/canopy-network/bondingx/pkg/history"
	"github.com/canopy-network/bondingx/pkg/models"
	"github.com/canopy-network/bondingx/pkg/session"
)

const address = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

func newTestServer(t *testing.T, store *memstore.Store, accounts accountinfo.Store) *httptest.Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	hist := history.NewService(store, config.History{RecencyWindow: 5 * time.Second}, logger)
	sessions := session.NewManager(hist, accountinfo.NewResolver(accounts, nil, logger), config.Session{
		BackfillWindow:         24 * time.Hour,
		TickInterval:           20 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		MaxConcurrentBackfills: 4,
	}, logger)
	t.Cleanup(sessions.Close)

	app := &types.App{DeltaDB: store, History: hist, Sessions: sessions, Logger: logger}
	router, err := NewController(app).NewRouter()
	require.NoError(t, err)

	srv := httptest.NewServer(WithCORS(router))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, addr string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + addr
	return websocket.DefaultDialer.Dial(url, nil)
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, v))
}

func TestWebSocket_BackfillThenLive(t *testing.T) {
	store := memstore.New()
	now := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		require.NoError(t, store.WriteDeltas(context.Background(), []models.DeltaRecord{{
			Address: address, InsertTimestamp: now.Add(-time.Duration(4-i) * time.Hour), ReserveChange: float64(i),
		}}))
	}
	srv := newTestServer(t, store, accountinfo.NewMemoryStore())

	conn, _, err := dial(t, srv, address)
	require.NoError(t, err)
	defer conn.Close()

	var backfill []session.Point
	readJSON(t, conn, &backfill)
	require.Len(t, backfill, 3)
	assert.Equal(t, 1.0, backfill[0].ReserveChange)
	assert.Equal(t, 3.0, backfill[2].ReserveChange)

	require.NoError(t, store.WriteDeltas(context.Background(), []models.DeltaRecord{{
		Address: address, InsertTimestamp: time.Now().UTC(), SupplyChange: 8,
	}}))

	var live session.Point
	readJSON(t, conn, &live)
	assert.Equal(t, 8.0, live.SupplyChange)
}

func TestWebSocket_GetAccountInfo(t *testing.T) {
	accounts := accountinfo.NewMemoryStore()
	require.NoError(t, accounts.Put(context.Background(), address, []byte(`{"index":5,"buy_frozen":false}`)))
	srv := newTestServer(t, memstore.New(), accounts)

	conn, _, err := dial(t, srv, address)
	require.NoError(t, err)
	defer conn.Close()

	var backfill []session.Point
	readJSON(t, conn, &backfill)
	assert.Empty(t, backfill)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"unknown"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"getAccountInfo"}`)))

	var doc map[string]any
	readJSON(t, conn, &doc)
	assert.Equal(t, float64(5), doc["index"])
	assert.Equal(t, false, doc["buy_frozen"])
}

func TestWebSocket_InvalidAddress(t *testing.T) {
	srv := newTestServer(t, memstore.New(), accountinfo.NewMemoryStore())

	_, resp, err := dial(t, srv, "not-an-address")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocket_ClosesWhenBackendIsLost(t *testing.T) {
	store := memstore.New()
	srv := newTestServer(t, store, accountinfo.NewMemoryStore())

	conn, _, err := dial(t, srv, address)
	require.NoError(t, err)
	defer conn.Close()

	var backfill []session.Point
	readJSON(t, conn, &backfill)
	store.SetDown(true)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)
}

func TestHealth(t *testing.T) {
	store := memstore.New()
	srv := newTestServer(t, store, accountinfo.NewMemoryStore())

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	store.SetDown(true)
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "errored", body["status"])
}

func TestHealth_ReportsSessionsPerAddress(t *testing.T) {
	srv := newTestServer(t, memstore.New(), accountinfo.NewMemoryStore())

	conn, _, err := dial(t, srv, address)
	require.NoError(t, err)
	defer conn.Close()
	var backfill []session.Point
	readJSON(t, conn, &backfill)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Status    string         `json:"status"`
		Sessions  int            `json:"sessions"`
		Addresses map[string]int `json:"addresses"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Sessions)
	assert.Equal(t, map[string]int{address: 1}, body.Addresses)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, memstore.New(), accountinfo.NewMemoryStore())

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWithCORS_Preflight(t *testing.T) {
	h := WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://example.org")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://example.org", rec.Header().Get("Access-Control-Allow-Origin"))
}
