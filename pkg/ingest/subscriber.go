package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/bondingx/pkg/bonding"
	"github.com/canopy-network/bondingx/pkg/config"
	"github.com/canopy-network/bondingx/pkg/metrics"
	"github.com/canopy-network/bondingx/pkg/models"
	"github.com/canopy-network/bondingx/pkg/retry"
	"github.com/canopy-network/bondingx/pkg/rpc"
)

// ErrStream marks connection-level failures: the upstream refused or broke the subscription.
var ErrStream = errors.New("upstream stream error")

const (
	backoffFactor = 2.0
	backoffJitter = 0.2
)

// Subscriber maintains one long-lived upstream subscription and emits decoded snapshots in arrival order.
type Subscriber struct {
	source rpc.Source
	cfg    config.Upstream
	logger *zap.Logger
	now    func() time.Time
}

// NewSubscriber returns a Subscriber reading from source.
func NewSubscriber(source rpc.Source, cfg config.Upstream, logger *zap.Logger) *Subscriber {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	return &Subscriber{
		source: source,
		cfg:    cfg,
		logger: logger.Named("ingest"),
		now:    time.Now,
	}
}

// Start performs the initial handshake synchronously, then emits snapshots from a background goroutine
// until ctx is done. The returned channel is closed when the goroutine exits.
// When the output channel is full the goroutine blocks; nothing is dropped.
func (s *Subscriber) Start(ctx context.Context, filter models.SubscriptionFilter) (<-chan *models.AccountSnapshot, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	stream, err := s.source.Subscribe(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: initial subscribe: %v", ErrStream, err)
	}

	out := make(chan *models.AccountSnapshot, s.cfg.QueueSize)
	go s.run(ctx, filter, stream, out)
	return out, nil
}

func (s *Subscriber) run(ctx context.Context, filter models.SubscriptionFilter, stream rpc.EventStream, out chan<- *models.AccountSnapshot) {
	defer close(out)

	backoff := s.cfg.InitialBackoff
	for {
		err := s.pump(ctx, filter, stream, out)
		_ = stream.Close()
		if ctx.Err() != nil {
			s.logger.Info("Ingestion stopped", zap.String("address", filter.Address))
			return
		}
		s.logger.Warn("Upstream stream terminated", zap.String("address", filter.Address), zap.Error(err))

		stream = nil
		for stream == nil {
			metrics.Reconnects.Inc()
			s.logger.Info("Reconnecting to upstream", zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			stream, err = s.source.Subscribe(ctx, filter)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("Re-subscribe failed", zap.Error(err))
				backoff = retry.NextBackoff(backoff, s.cfg.MaxBackoff, backoffFactor, backoffJitter)
				continue
			}
		}
		backoff = s.cfg.InitialBackoff
		s.logger.Info("Upstream stream re-established", zap.String("address", filter.Address))
	}
}

// pump forwards events from one stream until it fails.
func (s *Subscriber) pump(ctx context.Context, filter models.SubscriptionFilter, stream rpc.EventStream, out chan<- *models.AccountSnapshot) error {
	for {
		ev, err := stream.Recv(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStream, err)
		}
		metrics.UpstreamEvents.WithLabelValues(ev.Kind.String()).Inc()

		snap, ok := s.handle(filter, ev)
		if !ok {
			continue
		}

		select {
		case out <- snap:
			metrics.SnapshotsDecoded.Inc()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handle decodes account events. Decode failures are logged and dropped.
func (s *Subscriber) handle(filter models.SubscriptionFilter, ev models.RawEvent) (*models.AccountSnapshot, bool) {
	switch ev.Kind {
	case models.EventAccount:
		if !filter.Matches(ev.Account) {
			return nil, false
		}
		snap, err := bonding.Decode(ev.Account.Data, bonding.MetadataFrom(ev.Account, s.now().UTC()))
		if err != nil {
			metrics.DecodeErrors.WithLabelValues(decodeReason(err)).Inc()
			s.logger.Warn("Dropping undecodable account event",
				zap.String("address", ev.Account.Address),
				zap.Uint64("slot", ev.Account.Slot),
				zap.Error(err))
			return nil, false
		}
		return snap, true
	case models.EventTransaction:
		if ev.Transaction != nil {
			s.logger.Debug("Transaction observed",
				zap.String("signature", ev.Transaction.Signature),
				zap.Uint64("slot", ev.Transaction.Slot),
				zap.Bool("failed", ev.Transaction.Failed))
		}
	default:
		s.logger.Debug("Ignoring upstream event", zap.String("method", ev.Method))
	}
	return nil, false
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, bonding.ErrMissingField):
		return "missing_field"
	case errors.Is(err, bonding.ErrMalformed):
		return "malformed"
	default:
		return "other"
	}
}
