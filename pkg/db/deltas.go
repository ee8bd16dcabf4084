package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/bondingx/pkg/db/clickhouse"
	"github.com/canopy-network/bondingx/pkg/models"
)

// DeltasTable is the ClickHouse table holding delta records.
const DeltasTable = "bonding_deltas"

// LatestRowsLimit bounds the rows a latest query returns.
const LatestRowsLimit = 16

// DeltaDB is the ClickHouse implementation of DeltaStore.
type DeltaDB struct {
	*clickhouse.Client
}

// NewDeltaDB wraps client and makes sure the deltas table exists.
func NewDeltaDB(ctx context.Context, client *clickhouse.Client) (*DeltaDB, error) {
	d := &DeltaDB{Client: client}
	if err := d.InitializeDB(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// InitializeDB creates the deltas table. Rows are partitioned per day so retention can drop whole partitions.
func (d *DeltaDB) InitializeDB(ctx context.Context) error {
	exists, err := d.TableExists(ctx, DeltasTable)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	d.Logger.Debug("Initialize deltas model", zap.String("database", d.Database))
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			address String CODEC(ZSTD(1)),
			insert_ts DateTime64(6, 'UTC') CODEC(DoubleDelta, LZ4),
			reserve_change Float64 CODEC(Gorilla, ZSTD(1)),
			supply_change Float64 CODEC(Gorilla, ZSTD(1)),
			slot UInt64 CODEC(DoubleDelta, LZ4)
		) ENGINE = MergeTree
		PARTITION BY toYYYYMMDD(insert_ts)
		ORDER BY (address, insert_ts)
	`, DeltasTable)
	return d.Exec(ctx, query)
}

// WriteDeltas inserts records in a single batch.
func (d *DeltaDB) WriteDeltas(ctx context.Context, records []models.DeltaRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (address, insert_ts, reserve_change, supply_change, slot)`, DeltasTable)
	batch, err := d.PrepareBatch(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = batch.Abort() }()

	for _, r := range records {
		if err := batch.Append(r.Address, r.InsertTimestamp.UTC(), r.ReserveChange, r.SupplyChange, r.Slot); err != nil {
			return err
		}
	}
	return batch.Send()
}

// Query runs a query produced by RangeQuery or LatestQuery.
func (d *DeltaDB) Query(ctx context.Context, query string) ([][]string, error) {
	return d.QueryStrings(ctx, query)
}

const deltaColumns = `replaceOne(toString(insert_ts), ' ', 'T') || 'Z' AS ts,
			toString(reserve_change) AS reserve_change,
			toString(supply_change) AS supply_change`

func (d *DeltaDB) RangeQuery(address string, start, stop time.Time) string {
	return fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE address = '%s'
			AND insert_ts >= fromUnixTimestamp64Micro(toInt64(%d), 'UTC')
			AND insert_ts < fromUnixTimestamp64Micro(toInt64(%d), 'UTC')
		ORDER BY insert_ts ASC, slot ASC
	`, deltaColumns, DeltasTable, quote(address), start.UnixMicro(), stop.UnixMicro())
}

// LatestQuery selects the newest rows of the recency window, newest first. More than one row is returned so a
// malformed newest row does not hide an older valid one.
func (d *DeltaDB) LatestQuery(address string, since time.Time) string {
	return fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE address = '%s'
			AND insert_ts >= fromUnixTimestamp64Micro(toInt64(%d), 'UTC')
		ORDER BY insert_ts DESC, slot DESC
		LIMIT %d
	`, deltaColumns, DeltasTable, quote(address), since.UnixMicro(), LatestRowsLimit)
}

// DropExpired drops daily partitions older than retention.
func (d *DeltaDB) DropExpired(ctx context.Context, retention time.Duration) ([]string, error) {
	return d.DropOldPartitions(ctx, DeltasTable, retention)
}

// quote escapes a value for use inside a single-quoted ClickHouse string literal.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
