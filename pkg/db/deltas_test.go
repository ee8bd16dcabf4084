package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeltaDB_RangeQuery(t *testing.T) {
	d := &DeltaDB{}
	start := time.Unix(1_700_000_000, 0)
	stop := start.Add(24 * time.Hour)

	q := d.RangeQuery("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", start, stop)
	assert.Contains(t, q, "FROM bonding_deltas")
	assert.Contains(t, q, "address = '9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin'")
	assert.Contains(t, q, "toInt64(1700000000000000)")
	assert.Contains(t, q, "toInt64(1700086400000000)")
	assert.Contains(t, q, "ORDER BY insert_ts ASC")
}

func TestDeltaDB_LatestQuery(t *testing.T) {
	d := &DeltaDB{}
	since := time.Unix(1_700_000_000, 500_000_000)

	q := d.LatestQuery("addr", since)
	assert.Contains(t, q, "toInt64(1700000000500000)")
	assert.Contains(t, q, "ORDER BY insert_ts DESC")
	assert.Contains(t, q, fmt.Sprintf("LIMIT %d", LatestRowsLimit))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `a\'b`, quote("a'b"))
	assert.Equal(t, `a\\\'`, quote(`a\'`))
}
