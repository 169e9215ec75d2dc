package yield

import (
	"math/big"
	"time"
)

// Snapshot is a point-in-time sample of an asset's supply rate. Any
// timestamp is a valid sample time, including the Unix epoch; whether a
// buffer slot has ever been latched is tracked by the buffer itself, not by
// a timestamp sentinel.
type Snapshot struct {
	Timestamp int64
	Rate      *big.Int
}

// Clone returns a copy that does not alias the receiver's rate.
func (s Snapshot) Clone() Snapshot {
	c := Snapshot{Timestamp: s.Timestamp}
	if s.Rate != nil {
		c.Rate = new(big.Int).Set(s.Rate)
	}
	return c
}

// Asset is a registry record binding a base asset to a rate source. Position
// is the zero-based registration order; it is explicit on the record so the
// registry never needs a sentinel index to signal absence.
type Asset struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Source    string    `json:"source"`
	Capacity  int       `json:"capacity"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is a persisted latch event kept for audit alongside the in-memory
// ring buffer, which remains authoritative for aggregation.
type Record struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Source      string    `json:"source"`
	Rate        *big.Int  `json:"rate"`
	CollectedAt time.Time `json:"collected_at"`
	CreatedAt   time.Time `json:"created_at"`
}
