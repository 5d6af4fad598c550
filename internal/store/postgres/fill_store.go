package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openfutures/recorderbot/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL. Fills are
// append-only; there is no update path.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a new FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

var _ domain.FillStore = (*FillStore)(nil)

// Append inserts one fill and returns its assigned ID.
func (s *FillStore) Append(ctx context.Context, f domain.VirtualFill) (int64, error) {
	const query = `
		INSERT INTO virtual_fills (position_id, action, price, qty_delta, avg_entry, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		f.PositionID, string(f.Action), f.Price, f.QtyDelta, f.AvgEntry, f.FilledAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: append fill for %s: %w", f.PositionID, err)
	}
	return id, nil
}

// ListByPosition returns a position's fills in application order.
func (s *FillStore) ListByPosition(ctx context.Context, positionID string) ([]domain.VirtualFill, error) {
	const query = `
		SELECT id, position_id, action, price, qty_delta, avg_entry, filled_at
		FROM virtual_fills
		WHERE position_id = $1
		ORDER BY id`

	rows, err := s.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills %s: %w", positionID, err)
	}
	defer rows.Close()

	var fills []domain.VirtualFill
	for rows.Next() {
		var f domain.VirtualFill
		var action string
		if err := rows.Scan(&f.ID, &f.PositionID, &action, &f.Price, &f.QtyDelta, &f.AvgEntry, &f.FilledAt); err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		f.Action = domain.SignalAction(action)
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate fills %s: %w", positionID, err)
	}
	return fills, nil
}
