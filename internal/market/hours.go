package market

import (
	"fmt"
	"time"
)

// Hours answers whether the CME Globex equity-futures session is plausibly
// open at a point in time. The week runs Sunday 17:00 to Friday 16:00
// Central Time with a daily 16:00-17:00 maintenance break. Exchange
// holidays are not modelled; the consumer treats "open" as "ticks are
// expected", so a false positive only triggers a harmless reconnect.
type Hours struct {
	loc *time.Location
}

// NewHours loads the exchange time zone (America/Chicago).
func NewHours() (*Hours, error) {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		return nil, fmt.Errorf("market: load exchange timezone: %w", err)
	}
	return &Hours{loc: loc}, nil
}

// SessionDay returns the trading-day label for t. Globex sessions open at
// 17:00 CT the prior evening, so times at or after 17:00 belong to the next
// calendar day's session.
func (h *Hours) SessionDay(t time.Time) string {
	ct := t.In(h.loc)
	if ct.Hour() >= 17 {
		ct = ct.AddDate(0, 0, 1)
	}
	return ct.Format("2006-01-02")
}

// IsOpen reports whether the Globex session is open at t.
func (h *Hours) IsOpen(t time.Time) bool {
	ct := t.In(h.loc)
	wd := ct.Weekday()
	mins := ct.Hour()*60 + ct.Minute()

	const sessionEdge = 17 * 60 // 17:00 CT
	const sessionEnd = 16 * 60  // 16:00 CT

	switch wd {
	case time.Saturday:
		return false
	case time.Sunday:
		return mins >= sessionEdge
	case time.Friday:
		return mins < sessionEnd
	default:
		// Monday through Thursday: open except the maintenance break.
		return mins < sessionEnd || mins >= sessionEdge
	}
}
