package controller

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/canopy-network/bondingx/pkg/session"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsTransport adapts a websocket connection to a session transport.
// Outbound messages are queued for the writer goroutine; inbound messages are fed by the reader.
type wsTransport struct {
	ctx     context.Context
	send    chan []byte
	inbound chan []byte
}

func (t *wsTransport) Send(msg []byte) error {
	select {
	case t.send <- msg:
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

func (t *wsTransport) Inbound() <-chan []byte {
	return t.inbound
}

// HandleWebSocket upgrades the connection and runs a live session for the address in the path.
//
// Server sends:
// - [{"reserveChange": 1.5, "supplyChange": -2, "insertTs": 1700000000}, ...]  // once, the backfill
// - {"reserveChange": 1.5, "supplyChange": -2, "insertTs": 1700000005}         // every live tick with data
// - {...}                                                                      // account config, on request
//
// Client sends:
// - {"type": "getAccountInfo"}
//
// All goroutines have panic recovery.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if _, err := solana.PublicKeyFromBase58(address); err != nil {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func(conn *websocket.Conn) {
		err := conn.Close()
		if err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}(conn)

	c.App.Logger.Info("WebSocket client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("address", address))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	tr := &wsTransport{
		ctx:     ctx,
		send:    make(chan []byte, 256),
		inbound: make(chan []byte, 16),
	}

	recoverTo := func(name string) {
		if rec := recover(); rec != nil {
			c.App.Logger.Error("Panic in "+name+" goroutine",
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())),
				zap.String("remote_addr", r.RemoteAddr))
			cancel()
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recoverTo("ping ticker")
		c.sendPings(ctx, conn)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recoverTo("message writer")
		c.writeMessages(conn, cancel, tr.send)
	}()

	sessionDone := make(chan struct{})
	go func() {
		defer close(sessionDone)
		defer cancel()
		defer recoverTo("session")
		if err := c.App.Sessions.Run(ctx, address, tr); err != nil {
			c.App.Logger.Warn("Session terminated", zap.String("address", address), zap.Error(err))
			code := websocket.CloseInternalServerErr
			if errors.Is(err, session.ErrInvalidAddress) {
				code = websocket.ClosePolicyViolation
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, "session terminated"), time.Now().Add(writeWait))
		}
	}()

	// Blocks until the connection closes or the session ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	c.readClientMessages(ctx, conn, cancel, tr.inbound)
	stop()

	<-sessionDone
	close(tr.send)
	wg.Wait()

	c.App.Logger.Info("WebSocket client disconnected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("address", address))
}

// sendPings sends periodic WebSocket ping frames to keep the connection alive.
// The client will automatically respond with pong frames, which resets the read deadline.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				c.App.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// writeMessages writes queued messages in order. It cancels the connection on the first write error
// and keeps draining so the session never blocks on a dead writer.
func (c *Controller) writeMessages(conn *websocket.Conn, cancel context.CancelFunc, send <-chan []byte) {
	failed := false
	for msg := range send {
		if failed {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.App.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
			failed = true
			cancel()
		}
	}
}

// readClientMessages forwards inbound text frames to the session and closes inbound on disconnect.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, inbound chan<- []byte) {
	defer close(inbound)
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.App.Logger.Error("Failed to set read deadline", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.App.Logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}
