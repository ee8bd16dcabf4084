package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/bondingx/pkg/bonding"
	"github.com/canopy-network/bondingx/pkg/config"
	"github.com/canopy-network/bondingx/pkg/db"
	"github.com/canopy-network/bondingx/pkg/metrics"
	"github.com/canopy-network/bondingx/pkg/models"
	"github.com/canopy-network/bondingx/pkg/retry"
)

// ErrWrite marks a batch that could not be persisted after every attempt.
var ErrWrite = errors.New("write failed")

// Snapshot field names that, when present, carry precomputed deltas.
const (
	FieldReserveChange = "reserveChange"
	FieldSupplyChange  = "supplyChange"
)

// SnapshotHook observes every snapshot the writer accepts. Errors are logged and otherwise ignored.
type SnapshotHook func(ctx context.Context, snap *models.AccountSnapshot) error

// Writer turns snapshots into delta records and persists them in batches.
type Writer struct {
	store  db.DeltaWriter
	cfg    config.Writer
	logger *zap.Logger
	hook   SnapshotHook
	now    func() time.Time

	// last holds the previous snapshot per address. Only the consume goroutine touches it.
	last  map[string]*models.AccountSnapshot
	batch []models.DeltaRecord
}

// Option customizes a Writer.
type Option func(*Writer)

// WithSnapshotHook registers h to observe accepted snapshots.
func WithSnapshotHook(h SnapshotHook) Option {
	return func(w *Writer) { w.hook = h }
}

// WithClock replaces time.Now as the source of write timestamps, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// New returns a Writer persisting to store.
func New(store db.DeltaWriter, cfg config.Writer, logger *zap.Logger, opts ...Option) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryDelay {
		cfg.RetryMaxDelay = cfg.RetryDelay
	}
	w := &Writer{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("writer"),
		last:   make(map[string]*models.AccountSnapshot),
		batch:  make([]models.DeltaRecord, 0, cfg.BatchSize),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Consume runs until in is closed or ctx is done, flushing whatever is pending on the way out.
// A full batch is written before the next snapshot is read.
func (w *Writer) Consume(ctx context.Context, in <-chan *models.AccountSnapshot) error {
	var tick <-chan time.Time
	if w.cfg.FlushInterval > 0 && w.cfg.BatchSize > 1 {
		ticker := time.NewTicker(w.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			w.flushOnExit()
			return ctx.Err()
		case <-tick:
			_ = w.flush(ctx)
		case snap, ok := <-in:
			if !ok {
				w.flushOnExit()
				return nil
			}
			w.Accept(ctx, snap)
			if len(w.batch) >= w.cfg.BatchSize {
				_ = w.flush(ctx)
			}
		}
	}
}

// Accept converts snap into a delta record and queues it. It does not write.
func (w *Writer) Accept(ctx context.Context, snap *models.AccountSnapshot) {
	if snap == nil {
		return
	}
	if w.hook != nil {
		if err := w.hook(ctx, snap); err != nil {
			w.logger.Warn("Snapshot hook failed", zap.String("address", snap.Address), zap.Error(err))
		}
	}

	rec := w.delta(snap)
	w.last[snap.Address] = snap
	w.batch = append(w.batch, rec)
}

// Pending returns the number of queued records.
func (w *Writer) Pending() int {
	return len(w.batch)
}

// delta computes the change against the previous snapshot of the same address.
// The first snapshot of an address yields a zero delta. InsertTimestamp is set when the batch is written.
func (w *Writer) delta(snap *models.AccountSnapshot) models.DeltaRecord {
	rec := models.DeltaRecord{
		Address: snap.Address,
		Slot:    snap.ObservedAtSlot,
	}

	prev := w.last[snap.Address]
	rec.ReserveChange = w.change(snap, prev, FieldReserveChange, bonding.FieldReserveBalance)
	rec.SupplyChange = w.change(snap, prev, FieldSupplyChange, bonding.FieldSupply)
	return rec
}

func (w *Writer) change(snap, prev *models.AccountSnapshot, deltaField, balanceField string) float64 {
	if d, ok := snap.Fields.Decimal(deltaField); ok {
		f, _ := d.Float64()
		return f
	}

	cur, ok := snap.Fields.Decimal(balanceField)
	if !ok {
		w.defaulted(snap.Address, balanceField)
		return 0.0
	}
	if prev == nil {
		return 0.0
	}
	before, ok := prev.Fields.Decimal(balanceField)
	if !ok {
		w.defaulted(snap.Address, balanceField)
		return 0.0
	}
	f, _ := cur.Sub(before).Float64()
	return f
}

func (w *Writer) defaulted(address, field string) {
	metrics.DefaultedFields.WithLabelValues(field).Inc()
	w.logger.Debug("Delta field defaulted to zero", zap.String("address", address), zap.String("field", field))
}

// flush stamps the pending batch with the write time and writes it, retrying with backoff.
// An exhausted batch is dropped and counted.
func (w *Writer) flush(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}
	batch := w.batch
	w.batch = make([]models.DeltaRecord, 0, w.cfg.BatchSize)

	at := w.now().UTC()
	for i := range batch {
		batch[i].InsertTimestamp = at
	}

	attempts := 0
	err := retry.WithBackoff(ctx, retry.Config{
		MaxAttempts:   w.cfg.MaxAttempts,
		InitialDelay:  w.cfg.RetryDelay,
		MaxDelay:      w.cfg.RetryMaxDelay,
		Multiplier:    2.0,
		JitterEnabled: true,
	}, w.logger, "write deltas", func() error {
		attempts++
		if attempts > 1 {
			metrics.WriteRetries.Inc()
		}
		start := time.Now()
		err := w.store.WriteDeltas(ctx, batch)
		metrics.WriteDuration.Observe(time.Since(start).Seconds())
		return err
	})
	if err != nil {
		metrics.DroppedBatches.Inc()
		metrics.DroppedRecords.Add(float64(len(batch)))
		w.logger.Error("Dropping delta batch",
			zap.Int("records", len(batch)),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	metrics.RecordsWritten.Add(float64(len(batch)))
	w.logger.Debug("Delta batch written", zap.Int("records", len(batch)))
	return nil
}

// flushOnExit writes the remainder with a fresh context so shutdown does not lose queued records.
func (w *Writer) flushOnExit() {
	if len(w.batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = w.flush(ctx)
}
