package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/canopy-network/bondingx/pkg/config"
	"github.com/canopy-network/bondingx/pkg/metrics"
	"github.com/canopy-network/bondingx/pkg/models"
)

var (
	// ErrInvalidAddress is returned when the requested address is not a valid public key.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrBackendLost terminates a session after too many consecutive failed queries.
	ErrBackendLost = errors.New("backend unreachable")
)

// History is the read side a session polls.
type History interface {
	QueryRange(ctx context.Context, address string, start, stop time.Time) ([]models.DeltaRecord, error)
	QueryLatest(ctx context.Context, address string) (*models.DeltaRecord, error)
}

// AccountResolver answers getAccountInfo requests.
type AccountResolver interface {
	Resolve(ctx context.Context, address string) ([]byte, error)
}

// Manager runs live sessions: a one-shot backfill followed by periodic live ticks, with control
// requests answered in between.
type Manager struct {
	history  History
	resolver AccountResolver
	cfg      config.Session
	logger   *zap.Logger
	pool     pond.Pool
	sessions *xsync.Map[uuid.UUID, *Session]
	now      func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager. Backfill queries share a pool sized by cfg.MaxConcurrentBackfills.
func NewManager(history History, resolver AccountResolver, cfg config.Session, logger *zap.Logger, opts ...Option) *Manager {
	if cfg.BackfillWindow <= 0 {
		cfg.BackfillWindow = 24 * time.Hour
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.MaxConcurrentBackfills <= 0 {
		cfg.MaxConcurrentBackfills = 16
	}
	m := &Manager{
		history:  history,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.Named("session"),
		pool:     pond.NewPool(cfg.MaxConcurrentBackfills),
		sessions: xsync.NewMap[uuid.UUID, *Session](),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Active returns the number of running sessions.
func (m *Manager) Active() int {
	return m.sessions.Size()
}

// Sessions returns a snapshot of the running sessions.
func (m *Manager) Sessions() []*Session {
	out := make([]*Session, 0, m.sessions.Size())
	m.sessions.Range(func(_ uuid.UUID, s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Close waits for in-flight backfills and stops the pool.
func (m *Manager) Close() {
	m.pool.StopAndWait()
}

// controlQueueSize bounds the control requests waiting for an answer per session.
const controlQueueSize = 8

type backfillResult struct {
	records []models.DeltaRecord
	err     error
}

// Run serves one subscriber until the transport closes, ctx is done, or the backend is lost.
// It returns nil on a normal disconnect.
func (m *Manager) Run(ctx context.Context, address string, tr Transport) error {
	if _, err := solana.PublicKeyFromBase58(address); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidAddress, address, err)
	}

	s := newSession(address, m.now())
	m.sessions.Store(s.ID, s)
	metrics.ActiveSessions.Inc()
	logger := m.logger.With(zap.String("session", s.ID.String()), zap.String("address", address))
	defer func() {
		s.setState(StateClosing)
		m.sessions.Delete(s.ID)
		metrics.ActiveSessions.Dec()
		logger.Info("Session closed")
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("Session started")
	inbound := tr.Inbound()
	failures := 0

	requests := make(chan Request, controlQueueSize)
	replies := make(chan []byte, controlQueueSize)
	go m.serveControl(ctx, logger, s.Address, requests, replies)

	s.setState(StateBackfilling)
	stop := m.now()
	pending := m.backfill(ctx, address, stop.Add(-m.cfg.BackfillWindow), stop)

	var records []models.DeltaRecord
	for waiting := true; waiting; {
		select {
		case <-ctx.Done():
			return nil
		case res := <-pending:
			waiting = false
			if res.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				failures++
				logger.Warn("Backfill failed, continuing with live updates", zap.Error(res.err))
			}
			records = res.records
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			m.enqueue(logger, s, requests, msg)
		case payload := <-replies:
			if err := tr.Send(payload); err != nil {
				return fmt.Errorf("send control response: %w", err)
			}
		}
	}

	payload, err := encodeBackfill(records)
	if err != nil {
		return err
	}
	if err := tr.Send(payload); err != nil {
		return fmt.Errorf("send backfill: %w", err)
	}
	logger.Debug("Backfill sent", zap.Int("records", len(records)))

	s.setState(StateLive)
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			m.enqueue(logger, s, requests, msg)
		case payload := <-replies:
			if err := tr.Send(payload); err != nil {
				return fmt.Errorf("send control response: %w", err)
			}
		case <-ticker.C:
			rec, err := m.history.QueryLatest(ctx, address)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				failures++
				metrics.TickFailures.Inc()
				logger.Warn("Live tick failed",
					zap.Int("consecutiveFailures", failures),
					zap.Int("maxConsecutiveFailures", m.cfg.MaxConsecutiveFailures),
					zap.Error(err))
				if failures >= m.cfg.MaxConsecutiveFailures {
					return fmt.Errorf("%w after %d consecutive failures: %v", ErrBackendLost, failures, err)
				}
				continue
			}
			failures = 0
			if rec == nil {
				continue
			}
			payload, err := encodePoint(*rec)
			if err != nil {
				return err
			}
			if err := tr.Send(payload); err != nil {
				return fmt.Errorf("send live tick: %w", err)
			}
		}
	}
}

// backfill runs the range query on the shared pool and delivers the result on the returned channel.
func (m *Manager) backfill(ctx context.Context, address string, start, stop time.Time) <-chan backfillResult {
	out := make(chan backfillResult, 1)
	go func() {
		var res backfillResult
		group := m.pool.NewGroupContext(ctx)
		groupCtx := group.Context()
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				res.err = err
				return
			}
			res.records, res.err = m.history.QueryRange(groupCtx, address, start, stop)
		})
		if err := group.Wait(); err != nil && res.err == nil {
			res.err = err
		}
		if res.err == nil && ctx.Err() != nil {
			res.err = ctx.Err()
		}
		out <- res
	}()
	return out
}

// enqueue hands an inbound request to the control worker. Unknown or unparseable requests are logged and
// ignored, and requests beyond the queue bound are dropped.
func (m *Manager) enqueue(logger *zap.Logger, s *Session, requests chan<- Request, msg []byte) {
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		logger.Debug("Ignoring unparseable inbound message", zap.Error(err))
		return
	}
	if req.Type != TypeGetAccountInfo {
		logger.Debug("Ignoring unknown request type",
			zap.String("type", req.Type),
			zap.String("state", s.State().String()))
		return
	}
	select {
	case requests <- req:
	default:
		logger.Warn("Dropping control request, too many pending", zap.String("type", req.Type))
	}
}

// serveControl answers control requests in arrival order off the session loop, so slow lookups never
// delay the backfill or live ticks. Answers go back on replies; the session loop owns the transport.
func (m *Manager) serveControl(ctx context.Context, logger *zap.Logger, address string, requests <-chan Request, replies chan<- []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-requests:
			payload, err := m.resolve(ctx, address)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("Account info unavailable", zap.Error(err))
				payload, err = json.Marshal(ErrorMessage{Type: "error", Message: "account info unavailable"})
				if err != nil {
					logger.Error("Encode control error", zap.Error(err))
					continue
				}
			}
			select {
			case replies <- payload:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Manager) resolve(ctx context.Context, address string) ([]byte, error) {
	if m.resolver == nil {
		return nil, errors.New("no account resolver configured")
	}
	return m.resolver.Resolve(ctx, address)
}
