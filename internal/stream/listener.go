// Package stream multiplexes broker websocket connections. Many logical
// consumers attach listeners through a process-wide Registry, which
// guarantees at most one live socket per (credential, environment, purpose)
// identity and fans decoded events out to every interested listener.
package stream

import (
	"context"
	"time"
)

// Category classifies decoded stream events for listener interest matching.
type Category int

const (
	CategoryPrice Category = iota
	CategoryFill
	CategoryOrder
	CategoryBalance
)

// String returns the category name for logging.
func (c Category) String() string {
	switch c {
	case CategoryPrice:
		return "price"
	case CategoryFill:
		return "fill"
	case CategoryOrder:
		return "order"
	case CategoryBalance:
		return "balance"
	default:
		return "unknown"
	}
}

// QuoteEvent is one trade-price tick. Symbol may be empty for the first
// ticks of a contract the connection has not resolved yet.
type QuoteEvent struct {
	Symbol     string
	ContractID int64
	Price      float64
	Size       float64
	Timestamp  time.Time
}

// FillEvent is one broker-reported execution on the user-data stream.
type FillEvent struct {
	FillID     int64
	AccountID  int64
	ContractID int64
	Symbol     string
	Action     string // "Buy" or "Sell"
	Qty        int
	Price      float64
	Timestamp  time.Time
}

// OrderEvent is an order status change on the user-data stream.
type OrderEvent struct {
	OrderID    int64
	AccountID  int64
	ContractID int64
	Action     string
	Status     string
	Timestamp  time.Time
}

// BalanceEvent is a cash-balance update on the user-data stream.
type BalanceEvent struct {
	AccountID int64
	Amount    float64
	Timestamp time.Time
}

// Event is one decoded stream event. Exactly one of the pointer fields is
// non-nil, matching Category.
type Event struct {
	Category Category
	Quote    *QuoteEvent
	Fill     *FillEvent
	Order    *OrderEvent
	Balance  *BalanceEvent
	Received time.Time
}

// Listener receives batches of decoded events from a shared connection.
//
// OnEvents is invoked synchronously on the connection's read loop with only
// the categories the listener declared interest in; implementations must
// not block on network or storage I/O — hand slow work to a worker.
// A panic in one listener is isolated and does not affect delivery to the
// others.
type Listener interface {
	Name() string
	Wants(c Category) bool
	OnEvents(ctx context.Context, events []Event)
}
