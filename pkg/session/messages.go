package session

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/canopy-network/bondingx/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Inbound request types.
const (
	TypeGetAccountInfo = "getAccountInfo"
)

// Point is the outbound shape of one delta record, used for both backfill entries and live ticks.
type Point struct {
	ReserveChange float64 `json:"reserveChange"`
	SupplyChange  float64 `json:"supplyChange"`
	InsertTs      int64   `json:"insertTs"`
}

// PointFrom converts a record; InsertTs is whole epoch seconds.
func PointFrom(rec models.DeltaRecord) Point {
	return Point{
		ReserveChange: rec.ReserveChange,
		SupplyChange:  rec.SupplyChange,
		InsertTs:      rec.InsertTimestamp.Unix(),
	}
}

// Request is an inbound control message.
type Request struct {
	Type string `json:"type"`
}

// ErrorMessage answers a control request that could not be served.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func encodeBackfill(records []models.DeltaRecord) ([]byte, error) {
	points := make([]Point, 0, len(records))
	for _, r := range records {
		points = append(points, PointFrom(r))
	}
	return json.Marshal(points)
}

func encodePoint(rec models.DeltaRecord) ([]byte, error) {
	return json.Marshal(PointFrom(rec))
}
