package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/bondingx/pkg/config"
	"github.com/canopy-network/bondingx/pkg/db"
	"github.com/canopy-network/bondingx/pkg/metrics"
	"github.com/canopy-network/bondingx/pkg/models"
)

// ErrBackendUnavailable is returned when the persistence backend cannot be reached.
var ErrBackendUnavailable = errors.New("backend unavailable")

// requiredColumns is the minimum width of a usable row: timestamp, reserve change, supply change.
const requiredColumns = 3

// Service answers read-only delta queries. It holds no lock around the backend: concurrent callers run
// independent queries over the backend's own connection pool.
type Service struct {
	store  db.DeltaQuerier
	cfg    config.History
	logger *zap.Logger
	now    func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a Service over store.
func NewService(store db.DeltaQuerier, cfg config.History, logger *zap.Logger, opts ...Option) *Service {
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = 5 * time.Second
	}
	s := &Service{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("history"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QueryRange returns the records of address inserted in [start, stop), oldest first.
// An empty window yields an empty result.
func (s *Service) QueryRange(ctx context.Context, address string, start, stop time.Time) ([]models.DeltaRecord, error) {
	if !stop.After(start) {
		return []models.DeltaRecord{}, nil
	}

	rows, err := s.query(ctx, s.store.RangeQuery(address, start, stop))
	if err != nil {
		return nil, err
	}

	out := make([]models.DeltaRecord, 0, len(rows))
	for _, row := range rows {
		if rec, ok := s.parseRow(address, row); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// QueryLatest returns the newest record of address inside the recency window, or nil when none is recent.
func (s *Service) QueryLatest(ctx context.Context, address string) (*models.DeltaRecord, error) {
	since := s.now().Add(-s.cfg.RecencyWindow)
	rows, err := s.query(ctx, s.store.LatestQuery(address, since))
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		if rec, ok := s.parseRow(address, row); ok {
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *Service) query(ctx context.Context, q string) ([][]string, error) {
	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}
	rows, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return rows, nil
}

// parseRow accepts rows with at least three columns. Unparseable deltas default to 0.0 and an
// unparseable timestamp defaults to the Unix epoch.
func (s *Service) parseRow(address string, row []string) (models.DeltaRecord, bool) {
	if len(row) < requiredColumns {
		metrics.SkippedRows.Inc()
		s.logger.Debug("Skipping short row", zap.String("address", address), zap.Int("columns", len(row)))
		return models.DeltaRecord{}, false
	}

	ts, err := time.Parse(time.RFC3339Nano, row[0])
	if err != nil {
		ts = time.Unix(0, 0).UTC()
	}
	return models.DeltaRecord{
		Address:         address,
		InsertTimestamp: ts,
		ReserveChange:   parseFloat(row[1]),
		SupplyChange:    parseFloat(row[2]),
	}, true
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0.0
	}
	return f
}
