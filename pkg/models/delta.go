package models

import "time"

// DeltaRecord is a persisted time-series point: the change of the tracked reserve and supply balances
// between two consecutive snapshots of the same address.
// ReserveChange and SupplyChange are 0.0 when the underlying field is absent or unparseable; they are never omitted.
type DeltaRecord struct {
	Address         string
	InsertTimestamp time.Time
	ReserveChange   float64
	SupplyChange    float64
	// Slot is the ledger slot of the newer snapshot. Zero for records read back from the backend.
	Slot uint64
}
