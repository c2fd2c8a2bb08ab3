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

// MarketRepository handles database operations for markets.
type MarketRepository struct {
	db *sqlx.DB
}

// NewMarketRepository creates a new MarketRepository.
func NewMarketRepository(db *sqlx.DB) *MarketRepository {
	return &MarketRepository{db: db}
}

// Upsert writes m within tx. A row already at or past m.Seq is left alone so
// a late or replayed delta never rolls a market back.
func (r *MarketRepository) Upsert(ctx context.Context, tx *sqlx.Tx, m *domain.Market) error {
	query := `
		INSERT INTO markets
			(id, slug, asset, question, target_price, settlement_time, seed_yes, seed_no,
			 yes_pool, no_pool, state, outcome, resolved_at, resolved_by, early_override,
			 seq, created_at, updated_at)
		VALUES
			(:id, :slug, :asset, :question, :target_price, :settlement_time, :seed_yes, :seed_no,
			 :yes_pool, :no_pool, :state, :outcome, :resolved_at, :resolved_by, :early_override,
			 :seq, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			yes_pool       = EXCLUDED.yes_pool,
			no_pool        = EXCLUDED.no_pool,
			state          = EXCLUDED.state,
			outcome        = EXCLUDED.outcome,
			resolved_at    = EXCLUDED.resolved_at,
			resolved_by    = EXCLUDED.resolved_by,
			early_override = EXCLUDED.early_override,
			seq            = EXCLUDED.seq,
			updated_at     = EXCLUDED.updated_at
		WHERE markets.seq < EXCLUDED.seq`
	if _, err := tx.NamedExecContext(ctx, query, m); err != nil {
		return fmt.Errorf("market_repo.Upsert: %w", err)
	}
	return nil
}

// GetByID fetches a market by its primary key.
func (r *MarketRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Market, error) {
	var m domain.Market
	err := r.db.GetContext(ctx, &m, `SELECT * FROM markets WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMarketNotFound
		}
		return nil, fmt.Errorf("market_repo.GetByID: %w", err)
	}
	return &m, nil
}

// All returns every persisted market ordered by settlement time.
func (r *MarketRepository) All(ctx context.Context) ([]*domain.Market, error) {
	var markets []*domain.Market
	if err := r.db.SelectContext(ctx, &markets,
		`SELECT * FROM markets ORDER BY settlement_time ASC, id ASC`); err != nil {
		return nil, fmt.Errorf("market_repo.All: %w", err)
	}
	return markets, nil
}

// List returns a page of markets and the total count; state="" matches all.
func (r *MarketRepository) List(ctx context.Context, state string, limit, offset int) ([]*domain.Market, int, error) {
	var total int
	var markets []*domain.Market

	where := ""
	args := []any{}
	if state != "" {
		where = "WHERE state = $1"
		args = append(args, state)
	}

	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM markets %s`, where)
	if err := r.db.GetContext(ctx, &total, countQ, args...); err != nil {
		return nil, 0, fmt.Errorf("market_repo.List count: %w", err)
	}

	n := len(args)
	listQ := fmt.Sprintf(`SELECT * FROM markets %s ORDER BY settlement_time DESC LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	args = append(args, limit, offset)
	if err := r.db.SelectContext(ctx, &markets, listQ, args...); err != nil {
		return nil, 0, fmt.Errorf("market_repo.List select: %w", err)
	}
	return markets, total, nil
}
