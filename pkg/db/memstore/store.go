// Package memstore is an in-process DeltaStore. It keeps rows as text, the way a query-language backend
// returns them, so history parsing is exercised exactly as against ClickHouse.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/canopy-network/bondingx/pkg/db"
	"github.com/canopy-network/bondingx/pkg/models"
)

// ErrUnavailable is returned by every operation while the store is marked down.
var ErrUnavailable = errors.New("memstore: backend unavailable")

type row struct {
	address string
	at      time.Time
	cols    []string
}

// Store keeps rows ordered by insertion. Methods are safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	rows []row
	down bool
	// writeErrs makes the next n writes fail.
	writeErrs int
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// SetDown toggles whether the backend answers.
func (s *Store) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailWrites makes the next n writes fail.
func (s *Store) FailWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErrs = n
}

// InsertRaw appends a row with arbitrary columns, for exercising malformed backend output.
func (s *Store) InsertRaw(address string, at time.Time, cols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row{address: address, at: at, cols: cols})
}

// Len returns the number of stored rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Records returns the stored rows of address that parse as records, in insertion order.
func (s *Store) Records(address string) []models.DeltaRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DeltaRecord, 0)
	for _, r := range s.rows {
		if r.address != address || len(r.cols) < 3 {
			continue
		}
		reserve, _ := strconv.ParseFloat(r.cols[1], 64)
		supply, _ := strconv.ParseFloat(r.cols[2], 64)
		out = append(out, models.DeltaRecord{Address: address, InsertTimestamp: r.at, ReserveChange: reserve, SupplyChange: supply})
	}
	return out
}

func (s *Store) WriteDeltas(ctx context.Context, records []models.DeltaRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrUnavailable
	}
	if s.writeErrs > 0 {
		s.writeErrs--
		return errors.New("memstore: write rejected")
	}
	for _, r := range records {
		s.rows = append(s.rows, row{
			address: r.Address,
			at:      r.InsertTimestamp.UTC(),
			cols: []string{
				r.InsertTimestamp.UTC().Format(time.RFC3339Nano),
				strconv.FormatFloat(r.ReserveChange, 'g', -1, 64),
				strconv.FormatFloat(r.SupplyChange, 'g', -1, 64),
			},
		})
	}
	return nil
}

// RangeQuery encodes a range selection as "range <address> <startMicros> <stopMicros>".
func (s *Store) RangeQuery(address string, start, stop time.Time) string {
	return fmt.Sprintf("range %s %d %d", address, start.UnixMicro(), stop.UnixMicro())
}

// LatestQuery encodes a latest selection as "latest <address> <sinceMicros>". Rows come back newest first.
func (s *Store) LatestQuery(address string, since time.Time) string {
	return fmt.Sprintf("latest %s %d", address, since.UnixMicro())
}

func (s *Store) Query(ctx context.Context, query string) ([][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parts := strings.Fields(query)
	if len(parts) < 3 {
		return nil, fmt.Errorf("memstore: unsupported query %q", query)
	}
	nums := make([]int64, 0, 2)
	for _, p := range parts[2:] {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("memstore: bad query argument %q: %w", p, err)
		}
		nums = append(nums, n)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return nil, ErrUnavailable
	}

	address := parts[1]
	switch {
	case parts[0] == "range" && len(nums) == 2:
		start, stop := time.UnixMicro(nums[0]), time.UnixMicro(nums[1])
		matched := s.filter(address, func(at time.Time) bool { return !at.Before(start) && at.Before(stop) })
		return columns(matched), nil
	case parts[0] == "latest" && len(nums) == 1:
		since := time.UnixMicro(nums[0])
		matched := s.filter(address, func(at time.Time) bool { return !at.Before(since) })
		slices.Reverse(matched)
		if len(matched) > db.LatestRowsLimit {
			matched = matched[:db.LatestRowsLimit]
		}
		return columns(matched), nil
	default:
		return nil, fmt.Errorf("memstore: unsupported query %q", query)
	}
}

// filter returns the matching rows sorted by time; rows with equal times keep insertion order.
func (s *Store) filter(address string, keep func(time.Time) bool) []row {
	out := make([]row, 0)
	for _, r := range s.rows {
		if r.address == address && keep(r.at) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	return out
}

func columns(rows []row) [][]string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, append([]string(nil), r.cols...))
	}
	return out
}

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return ErrUnavailable
	}
	return nil
}

func (s *Store) Close() error { return nil }
