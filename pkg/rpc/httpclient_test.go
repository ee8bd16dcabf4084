package rpc

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

func rpcServer(t *testing.T, handler func(req request) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req request
		require.NoError(t, json.Unmarshal(body, &req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, handler(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetAccountInfo(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	var gotToken atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.Header.Get("x-token"))
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, methodGetAccountInfo, req.Method)
		require.Len(t, req.Params, 2)
		assert.Equal(t, testAddress, req.Params[0])
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":77},"value":{"data":["`+payload+`","base64"],"executable":false,"lamports":1500,"owner":"Prog111","rentEpoch":18446744073709551615}}}`)
	}))
	defer srv.Close()

	c := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}, Token: "secret"})
	info, err := c.GetAccountInfo(context.Background(), testAddress)
	require.NoError(t, err)

	assert.Equal(t, "secret", gotToken.Load())
	assert.Equal(t, uint64(77), info.Slot)
	assert.Equal(t, uint64(1500), info.Lamports)
	assert.Equal(t, "Prog111", info.Owner)
	assert.Equal(t, uint64(18446744073709551615), info.RentEpoch)
	assert.Equal(t, []byte{1, 2, 3}, info.Data)
}

func TestGetAccountInfo_NotFound(t *testing.T) {
	srv := rpcServer(t, func(request) string {
		return `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":null}}`
	})
	c := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	_, err := c.GetAccountInfo(context.Background(), testAddress)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestGetAccountInfo_RPCError(t *testing.T) {
	srv := rpcServer(t, func(request) string {
		return `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"Invalid param"}}`
	})
	c := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	_, err := c.GetAccountInfo(context.Background(), testAddress)

	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
}

func TestCall_FailsOverOnServerError(t *testing.T) {
	var broken atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		broken.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := rpcServer(t, func(request) string {
		return `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":5},"value":{"data":["","base64"],"lamports":1,"owner":"o"}}}`
	})

	c := NewHTTPWithOpts(Opts{Endpoints: []string{bad.URL, good.URL + "/", good.URL}, BreakerFailures: 1})
	require.Len(t, c.endpoints, 2)

	info, err := c.GetAccountInfo(context.Background(), testAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), info.Slot)
	assert.True(t, c.isOpen(bad.URL))

	_, err = c.GetAccountInfo(context.Background(), testAddress)
	require.NoError(t, err)
	assert.Equal(t, int32(1), broken.Load(), "open breaker skips the failing endpoint")
}

func TestCall_NoEndpoints(t *testing.T) {
	c := NewHTTPWithOpts(Opts{})
	_, err := c.GetAccountInfo(context.Background(), testAddress)
	assert.Error(t, err)
}

func TestAccountData_UnsupportedEncoding(t *testing.T) {
	_, err := accountData{"abc", "base58"}.bytes()
	assert.Error(t, err)

	b, err := accountData{}.bytes()
	require.NoError(t, err)
	assert.Nil(t, b)
}
