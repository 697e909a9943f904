package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DecisionRecord is one archived spend decision.
type DecisionRecord struct {
	ID        int64
	DecidedAt time.Time
	RequestID string
	ProductID string
	Pool      string
	Amount    decimal.Decimal
	Allowed   bool
	Reason    string
	Day       int
	Meta      json.RawMessage
	CreatedAt time.Time
}

// TripRecord captures one safety mechanism firing, for post-incident review.
type TripRecord struct {
	ID        int64
	TrippedAt time.Time
	Source    string // killswitch | circuit | gate | guardian
	Scope     string
	Reason    string
	Detail    json.RawMessage
	CreatedAt time.Time
}
