package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PositionRepository handles database operations for positions.
type PositionRepository struct {
	db *sqlx.DB
}

// NewPositionRepository creates a new PositionRepository.
func NewPositionRepository(db *sqlx.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Upsert writes p within tx. Only the mutable columns change on conflict, and
// only forward in seq; amount and quoted_payout are frozen at insert.
func (r *PositionRepository) Upsert(ctx context.Context, tx *sqlx.Tx, p *domain.Position) error {
	query := `
		INSERT INTO positions
			(id, market_id, participant_id, side, amount, quoted_payout, status,
			 refund, exit_fee, seq, created_at, settled_at)
		VALUES
			(:id, :market_id, :participant_id, :side, :amount, :quoted_payout, :status,
			 :refund, :exit_fee, :seq, :created_at, :settled_at)
		ON CONFLICT (id) DO UPDATE SET
			status     = EXCLUDED.status,
			refund     = EXCLUDED.refund,
			exit_fee   = EXCLUDED.exit_fee,
			seq        = EXCLUDED.seq,
			settled_at = EXCLUDED.settled_at
		WHERE positions.seq < EXCLUDED.seq`
	if _, err := tx.NamedExecContext(ctx, query, p); err != nil {
		return fmt.Errorf("position_repo.Upsert: %w", err)
	}
	return nil
}

// GetByID fetches a single position.
func (r *PositionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	var p domain.Position
	err := r.db.GetContext(ctx, &p, `SELECT * FROM positions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPositionNotFound
		}
		return nil, fmt.Errorf("position_repo.GetByID: %w", err)
	}
	return &p, nil
}

// ByMarket returns every position of marketID in creation order.
func (r *PositionRepository) ByMarket(ctx context.Context, marketID uuid.UUID) ([]*domain.Position, error) {
	var positions []*domain.Position
	err := r.db.SelectContext(ctx, &positions,
		`SELECT * FROM positions WHERE market_id = $1 ORDER BY created_at ASC, id ASC`, marketID)
	if err != nil {
		return nil, fmt.Errorf("position_repo.ByMarket: %w", err)
	}
	return positions, nil
}

// All returns every persisted position grouped by market, in creation order.
func (r *PositionRepository) All(ctx context.Context) (map[uuid.UUID][]*domain.Position, error) {
	var positions []*domain.Position
	if err := r.db.SelectContext(ctx, &positions,
		`SELECT * FROM positions ORDER BY market_id, created_at ASC, id ASC`); err != nil {
		return nil, fmt.Errorf("position_repo.All: %w", err)
	}
	out := make(map[uuid.UUID][]*domain.Position)
	for _, p := range positions {
		out[p.MarketID] = append(out[p.MarketID], p)
	}
	return out, nil
}
