package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openfutures/recorderbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ domain.PositionStore = (*PositionStore)(nil)

const positionSelectCols = `id, recorder_id, ticker, side, quantity,
	avg_entry_price, current_price, realized_pnl, unrealized_pnl, worst_pnl,
	status, opened_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.VirtualPosition, error) {
	var p domain.VirtualPosition
	var side, status string

	err := row.Scan(
		&p.ID, &p.RecorderID, &p.Ticker, &side, &p.Quantity,
		&p.AvgEntryPrice, &p.CurrentPrice, &p.RealizedPnL, &p.UnrealizedPnL, &p.WorstPnL,
		&status, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.VirtualPosition{}, err
	}
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.VirtualPosition, error) {
	defer rows.Close()
	var positions []domain.VirtualPosition
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new virtual position.
func (s *PositionStore) Create(ctx context.Context, p domain.VirtualPosition) error {
	const query = `
		INSERT INTO virtual_positions (
			id, recorder_id, ticker, side, quantity,
			avg_entry_price, current_price, realized_pnl, unrealized_pnl, worst_pnl,
			status, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.RecorderID, p.Ticker, string(p.Side), p.Quantity,
		p.AvgEntryPrice, p.CurrentPrice, p.RealizedPnL, p.UnrealizedPnL, p.WorstPnL,
		string(p.Status), p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a virtual position.
func (s *PositionStore) Update(ctx context.Context, p domain.VirtualPosition) error {
	const query = `
		UPDATE virtual_positions SET
			side            = $2,
			quantity        = $3,
			avg_entry_price = $4,
			current_price   = $5,
			realized_pnl    = $6,
			unrealized_pnl  = $7,
			worst_pnl       = $8,
			status          = $9,
			closed_at       = $10,
			updated_at      = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, string(p.Side), p.Quantity,
		p.AvgEntryPrice, p.CurrentPrice,
		p.RealizedPnL, p.UnrealizedPnL, p.WorstPnL,
		string(p.Status), p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID fetches one position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.VirtualPosition, error) {
	query := `SELECT ` + positionSelectCols + ` FROM virtual_positions WHERE id = $1`

	p, err := scanPositionRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.VirtualPosition{}, domain.ErrNotFound
		}
		return domain.VirtualPosition{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns every open position.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.VirtualPosition, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM virtual_positions WHERE status = 'open' ORDER BY opened_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListHistory returns a recorder's positions newest first.
func (s *PositionStore) ListHistory(ctx context.Context, recorderID string, opts domain.ListOpts) ([]domain.VirtualPosition, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM virtual_positions
		WHERE recorder_id = $1
		  AND ($2::timestamptz IS NULL OR opened_at >= $2)
		  AND ($3::timestamptz IS NULL OR opened_at < $3)
		ORDER BY opened_at DESC
		LIMIT $4 OFFSET $5`

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, query, recorderID, opts.Since, opts.Until, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history %s: %w", recorderID, err)
	}
	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan history %s: %w", recorderID, err)
	}
	return positions, nil
}

// ListClosedBefore returns positions closed strictly before the cutoff,
// oldest first. Used by the archiver.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.VirtualPosition, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM virtual_positions
		WHERE status = 'closed' AND closed_at < $1
		ORDER BY closed_at`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed before %s: %w", before.Format(time.RFC3339), err)
	}
	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}
