package domain

import "time"

// PositionStatus tracks whether a virtual position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// PositionSide is the direction of a virtual position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
	SideFlat  PositionSide = "FLAT"
)

// Sign returns +1 for LONG, -1 for SHORT and 0 for FLAT. It is the
// multiplier applied to price excursions when computing P&L.
func (s PositionSide) Sign() float64 {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	default:
		return 0
	}
}

// VirtualPosition is the engine's authoritative view of one position,
// keyed by (recorder, ticker) and tracked independently of the broker's
// own bookkeeping. Closed positions are never reused; a later opening
// signal for the same key creates a fresh record.
type VirtualPosition struct {
	ID            string
	RecorderID    string
	Ticker        string
	Side          PositionSide
	Quantity      int // contracts, always >= 0
	AvgEntryPrice float64
	CurrentPrice  float64
	RealizedPnL   float64
	UnrealizedPnL float64
	// WorstPnL is the maximum adverse excursion: the running minimum of
	// UnrealizedPnL since the position opened. Never increases while open.
	WorstPnL float64
	Status   PositionStatus
	OpenedAt time.Time
	ClosedAt *time.Time
}

// IsOpen reports whether the position is still open.
func (p VirtualPosition) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// VirtualFill is one append-only audit record per signal applied to a
// virtual position. Fills are immutable once written.
type VirtualFill struct {
	ID         int64
	PositionID string
	Action     SignalAction
	Price      float64
	// QtyDelta is signed: positive for opens and adds, negative for
	// reduces and closes.
	QtyDelta int
	// AvgEntry is the position's running average entry after this fill.
	AvgEntry float64
	FilledAt time.Time
}

// BrokerPositionSnapshot is the broker-reported net position for one
// (account, ticker), refreshed by REST polling or the user-data stream.
// It is reference data for drift detection and is never merged into a
// VirtualPosition.
type BrokerPositionSnapshot struct {
	AccountID int64
	Ticker    string
	NetQty    int // signed: positive long, negative short
	AvgPrice  float64
	AsOf      time.Time
}

// Side derives the position side from the signed net quantity.
func (s BrokerPositionSnapshot) Side() PositionSide {
	switch {
	case s.NetQty > 0:
		return SideLong
	case s.NetQty < 0:
		return SideShort
	default:
		return SideFlat
	}
}
