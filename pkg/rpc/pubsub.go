package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/canopy-network/bondingx/pkg/models"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
)

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("stream closed")

// PubSubOpts configures the websocket event source.
type PubSubOpts struct {
	Endpoint   string
	Token      string
	Commitment string
	// HandshakeTimeout bounds dialing plus subscription acknowledgement.
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	Dialer           *websocket.Dialer
}

// PubSub subscribes to account, program and log notifications over a JSON-RPC websocket.
type PubSub struct {
	opts   PubSubOpts
	logger *zap.Logger
}

// NewPubSub returns a Source backed by the websocket endpoint in o.
func NewPubSub(o PubSubOpts, logger *zap.Logger) *PubSub {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.Commitment == "" {
		o.Commitment = "confirmed"
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.HandshakeTimeout,
		}
	}
	return &PubSub{opts: o, logger: logger.Named("pubsub")}
}

// Subscribe dials the endpoint, issues the subscriptions implied by filter and waits for every
// acknowledgement. Notifications that arrive before the last acknowledgement are kept for Recv.
func (p *PubSub) Subscribe(ctx context.Context, filter models.SubscriptionFilter) (EventStream, error) {
	header := http.Header{}
	if p.opts.Token != "" {
		header.Set("x-token", p.opts.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := p.opts.Dialer.DialContext(dialCtx, p.opts.Endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = drainAndClose(resp.Body)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.opts.Endpoint, err)
	}

	s := &stream{
		conn:   conn,
		filter: filter,
		logger: p.logger,
		done:   make(chan struct{}),
	}
	if err := s.handshake(dialCtx, p.subscriptions(filter), p.opts.HandshakeTimeout); err != nil {
		_ = s.Close()
		return nil, err
	}

	pongWait := 2 * p.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go s.keepalive(p.opts.PingInterval)

	p.logger.Info("Upstream subscription established",
		zap.String("endpoint", p.opts.Endpoint),
		zap.String("address", filter.Address),
		zap.String("programId", filter.ProgramID),
		zap.Bool("transactions", filter.IncludeTransactions))
	return s, nil
}

func (p *PubSub) subscriptions(filter models.SubscriptionFilter) []request {
	opts := map[string]string{"encoding": encodingBase64, "commitment": p.opts.Commitment}
	reqs := make([]request, 0, 2)
	if filter.ProgramID != "" {
		reqs = append(reqs, newRequest(1, methodProgramSubscribe, filter.ProgramID, opts))
	} else {
		reqs = append(reqs, newRequest(1, methodAccountSubscribe, filter.Address, opts))
	}
	if filter.IncludeTransactions && filter.Address != "" {
		mentions := map[string][]string{"mentions": {filter.Address}}
		reqs = append(reqs, newRequest(2, methodLogsSubscribe, mentions, map[string]string{"commitment": p.opts.Commitment}))
	}
	return reqs
}

type stream struct {
	conn    *websocket.Conn
	filter  models.SubscriptionFilter
	logger  *zap.Logger
	pending []models.RawEvent

	closeOnce sync.Once
	done      chan struct{}
}

func (s *stream) handshake(ctx context.Context, reqs []request, timeout time.Duration) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))

	waiting := make(map[uint64]string, len(reqs))
	for _, req := range reqs {
		payload, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return fmt.Errorf("send %s: %w", req.Method, err)
		}
		waiting[req.ID] = req.Method
	}

	for len(waiting) > 0 {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await subscription acknowledgement: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			return fmt.Errorf("decode acknowledgement: %w", err)
		}
		if env.ID == nil {
			if ev, ok := s.convert(&env); ok {
				s.pending = append(s.pending, ev)
			}
			continue
		}
		method, ok := waiting[*env.ID]
		if !ok {
			continue
		}
		if env.Error != nil {
			return fmt.Errorf("%s rejected: %w", method, env.Error)
		}
		var subID uint64
		if err := json.Unmarshal(env.Result, &subID); err != nil {
			return fmt.Errorf("%s returned no subscription id: %w", method, err)
		}
		s.logger.Debug("Subscription acknowledged", zap.String("method", method), zap.Uint64("subscription", subID))
		delete(waiting, *env.ID)
	}
	return nil
}

func (s *stream) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				s.logger.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Recv blocks until the next notification. Upstream error objects and read failures are returned as errors.
func (s *stream) Recv(ctx context.Context) (models.RawEvent, error) {
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, nil
	}

	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return models.RawEvent{}, ErrStreamClosed
			default:
			}
			if ctx.Err() != nil {
				return models.RawEvent{}, ctx.Err()
			}
			return models.RawEvent{}, fmt.Errorf("read: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			return models.RawEvent{}, fmt.Errorf("decode message: %w", err)
		}
		if env.Error != nil {
			return models.RawEvent{}, env.Error
		}
		if ev, ok := s.convert(&env); ok {
			return ev, nil
		}
	}
}

// convert maps a notification to a RawEvent. Responses carry no event.
func (s *stream) convert(env *envelope) (models.RawEvent, bool) {
	if env.Method == "" || env.Params == nil {
		return models.RawEvent{}, false
	}

	switch env.Method {
	case notifyAccount:
		var res accountResult
		if err := json.Unmarshal(env.Params.Result, &res); err != nil || res.Value == nil {
			return models.RawEvent{Kind: models.EventAccount, Account: &models.AccountUpdate{Address: s.filter.Address, Slot: res.Context.Slot}}, true
		}
		return models.RawEvent{Kind: models.EventAccount, Account: s.account(s.filter.Address, res.Context.Slot, res.Value)}, true

	case notifyProgram:
		var res programResult
		if err := json.Unmarshal(env.Params.Result, &res); err != nil {
			return models.RawEvent{Kind: models.EventAccount, Account: &models.AccountUpdate{Slot: res.Context.Slot}}, true
		}
		return models.RawEvent{Kind: models.EventAccount, Account: s.account(res.Value.Pubkey, res.Context.Slot, &res.Value.Account)}, true

	case notifyLogs:
		var res logsResult
		if err := json.Unmarshal(env.Params.Result, &res); err != nil {
			return models.RawEvent{Kind: models.EventOther, Method: env.Method}, true
		}
		failed := len(res.Value.Err) > 0 && string(res.Value.Err) != "null"
		return models.RawEvent{Kind: models.EventTransaction, Transaction: &models.TransactionUpdate{
			Signature: res.Value.Signature,
			Slot:      res.Context.Slot,
			Failed:    failed,
			Logs:      res.Value.Logs,
		}}, true

	default:
		return models.RawEvent{Kind: models.EventOther, Method: env.Method}, true
	}
}

// account leaves Data nil when the payload cannot be decoded, so the decoder rejects the event.
func (s *stream) account(address string, slot uint64, v *accountValue) *models.AccountUpdate {
	data, err := v.Data.bytes()
	if err != nil {
		s.logger.Debug("Undecodable account payload", zap.String("address", address), zap.Error(err))
		data = nil
	}
	return &models.AccountUpdate{
		Address:    address,
		Owner:      v.Owner,
		Slot:       slot,
		Lamports:   v.Lamports,
		Executable: v.Executable,
		RentEpoch:  v.RentEpoch,
		Data:       data,
	}
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
