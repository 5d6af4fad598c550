package domain

import "time"

// SignalAction is the requested action carried by an inbound trade signal.
// BUY and SELL map to open, add, reduce or flip depending on the current
// position side; CLOSE always flattens.
type SignalAction string

const (
	ActionBuy   SignalAction = "buy"
	ActionSell  SignalAction = "sell"
	ActionClose SignalAction = "close"
)

// Valid reports whether the action is one of the recognized values.
func (a SignalAction) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionClose:
		return true
	}
	return false
}

// Side returns the position side a standalone BUY or SELL would open.
func (a SignalAction) Side() PositionSide {
	switch a {
	case ActionBuy:
		return SideLong
	case ActionSell:
		return SideShort
	default:
		return SideFlat
	}
}

// Signal is one inbound trade instruction for a recorder. Signals are
// ephemeral: they are consumed exactly once by the position engine and
// survive only as the VirtualFill they produce.
type Signal struct {
	RecorderID string
	Ticker     string
	Action     SignalAction
	Price      float64
	Timestamp  time.Time
	// Synthetic marks signals generated internally (TP/SL triggers,
	// max-loss flattening) rather than received from the webhook layer.
	Synthetic bool
	Reason    string
}
