package domain

import (
	"context"
	"io"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists virtual positions.
type PositionStore interface {
	Create(ctx context.Context, pos VirtualPosition) error
	Update(ctx context.Context, pos VirtualPosition) error
	GetByID(ctx context.Context, id string) (VirtualPosition, error)
	ListOpen(ctx context.Context) ([]VirtualPosition, error)
	ListHistory(ctx context.Context, recorderID string, opts ListOpts) ([]VirtualPosition, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]VirtualPosition, error)
}

// FillStore persists the append-only virtual fill audit trail.
type FillStore interface {
	Append(ctx context.Context, fill VirtualFill) (int64, error)
	ListByPosition(ctx context.Context, positionID string) ([]VirtualFill, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// PriceCache caches the latest observed price per ticker.
type PriceCache interface {
	SetPrice(ctx context.Context, ticker string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, ticker string) (float64, time.Time, error)
}

// SignalBus is a lightweight pub/sub boundary. The webhook layer publishes
// inbound signals on it and the notification layer consumes outbound events
// from it.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter uploads objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
