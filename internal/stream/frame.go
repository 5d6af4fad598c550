package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// The broker socket speaks a SockJS-style framing: a single-byte frame type
// optionally followed by a JSON payload.
//
//	o           connection open
//	h           server heartbeat
//	a[...]      array of JSON messages
//	c[code,..]  connection close
type FrameType byte

const (
	FrameOpen      FrameType = 'o'
	FrameHeartbeat FrameType = 'h'
	FrameArray     FrameType = 'a'
	FrameClose     FrameType = 'c'
)

// SplitFrame parses one raw socket frame into its type and, for array
// frames, the individual JSON messages it carries.
func SplitFrame(raw []byte) (FrameType, []json.RawMessage, error) {
	if len(raw) == 0 {
		return 0, nil, fmt.Errorf("stream: empty frame")
	}
	ft := FrameType(raw[0])
	switch ft {
	case FrameOpen, FrameHeartbeat, FrameClose:
		return ft, nil, nil
	case FrameArray:
		var msgs []json.RawMessage
		if err := json.Unmarshal(raw[1:], &msgs); err != nil {
			return ft, nil, fmt.Errorf("stream: parse array frame: %w", err)
		}
		return ft, msgs, nil
	default:
		return ft, nil, fmt.Errorf("stream: unknown frame type %q", ft)
	}
}

// ServerMessage is one JSON message inside an array frame: either a
// response to a client request (S and I set) or a pushed event (E set).
type ServerMessage struct {
	Status  int             `json:"s,omitempty"`
	ID      int64           `json:"i,omitempty"`
	Event   string          `json:"e,omitempty"`
	Data    json.RawMessage `json:"d,omitempty"`
	ErrText string          `json:"errorText,omitempty"`
}

// IsResponse reports whether the message answers a client request.
func (m ServerMessage) IsResponse() bool { return m.Event == "" && m.ID != 0 }

// ParseMessage decodes one message from an array frame.
func ParseMessage(raw json.RawMessage) (ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ServerMessage{}, fmt.Errorf("stream: parse message: %w", err)
	}
	return m, nil
}

// Wire shapes of pushed events.

type mdPayload struct {
	Quotes []quoteMessage `json:"quotes"`
}

type quoteMessage struct {
	Timestamp  time.Time `json:"timestamp"`
	ContractID int64     `json:"contractId"`
	Entries    struct {
		Trade *struct {
			Price float64 `json:"price"`
			Size  float64 `json:"size"`
		} `json:"Trade"`
	} `json:"entries"`
}

type propsPayload struct {
	EntityType string          `json:"entityType"`
	EventType  string          `json:"eventType"`
	Entity     json.RawMessage `json:"entity"`
}

type fillEntity struct {
	ID         int64     `json:"id"`
	AccountID  int64     `json:"accountId"`
	ContractID int64     `json:"contractId"`
	Action     string    `json:"action"`
	Qty        int       `json:"qty"`
	Price      float64   `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

type orderEntity struct {
	ID         int64     `json:"id"`
	AccountID  int64     `json:"accountId"`
	ContractID int64     `json:"contractId"`
	Action     string    `json:"action"`
	OrdStatus  string    `json:"ordStatus"`
	Timestamp  time.Time `json:"timestamp"`
}

type cashBalanceEntity struct {
	AccountID int64     `json:"accountId"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// SymbolResolver maps broker contract IDs to ticker symbols. It must be
// non-blocking: return "" for contracts not resolved yet.
type SymbolResolver func(contractID int64) string

// DecodeEvents converts one pushed server message into zero or more
// listener events. Unknown event types and malformed entities decode to
// nothing rather than failing the whole frame.
func DecodeEvents(msg ServerMessage, resolve SymbolResolver, now time.Time) []Event {
	switch msg.Event {
	case "md":
		var md mdPayload
		if err := json.Unmarshal(msg.Data, &md); err != nil {
			return nil
		}
		events := make([]Event, 0, len(md.Quotes))
		for _, q := range md.Quotes {
			if q.Entries.Trade == nil {
				continue
			}
			events = append(events, Event{
				Category: CategoryPrice,
				Quote: &QuoteEvent{
					Symbol:     resolve(q.ContractID),
					ContractID: q.ContractID,
					Price:      q.Entries.Trade.Price,
					Size:       q.Entries.Trade.Size,
					Timestamp:  q.Timestamp,
				},
				Received: now,
			})
		}
		return events

	case "props":
		var p propsPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil
		}
		switch p.EntityType {
		case "fill":
			var f fillEntity
			if err := json.Unmarshal(p.Entity, &f); err != nil {
				return nil
			}
			return []Event{{
				Category: CategoryFill,
				Fill: &FillEvent{
					FillID:     f.ID,
					AccountID:  f.AccountID,
					ContractID: f.ContractID,
					Symbol:     resolve(f.ContractID),
					Action:     f.Action,
					Qty:        f.Qty,
					Price:      f.Price,
					Timestamp:  f.Timestamp,
				},
				Received: now,
			}}
		case "order":
			var o orderEntity
			if err := json.Unmarshal(p.Entity, &o); err != nil {
				return nil
			}
			return []Event{{
				Category: CategoryOrder,
				Order: &OrderEvent{
					OrderID:    o.ID,
					AccountID:  o.AccountID,
					ContractID: o.ContractID,
					Action:     o.Action,
					Status:     o.OrdStatus,
					Timestamp:  o.Timestamp,
				},
				Received: now,
			}}
		case "cashBalance":
			var b cashBalanceEntity
			if err := json.Unmarshal(p.Entity, &b); err != nil {
				return nil
			}
			return []Event{{
				Category: CategoryBalance,
				Balance: &BalanceEvent{
					AccountID: b.AccountID,
					Amount:    b.Amount,
					Timestamp: b.Timestamp,
				},
				Received: now,
			}}
		}
		return nil

	default:
		return nil
	}
}
