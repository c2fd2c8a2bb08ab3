package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/jmoiron/sqlx"
)

// DefinitionRepository is the market catalog kept in Postgres. It satisfies
// catalog.Source.
type DefinitionRepository struct {
	db *sqlx.DB
}

// NewDefinitionRepository creates a new DefinitionRepository.
func NewDefinitionRepository(db *sqlx.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

// Markets returns every enabled definition, validated.
func (r *DefinitionRepository) Markets(ctx context.Context) ([]domain.MarketDefinition, error) {
	var defs []domain.MarketDefinition
	err := r.db.SelectContext(ctx, &defs, `
		SELECT COALESCE(id, '00000000-0000-0000-0000-000000000000') AS id,
		       slug, asset, question, target_price, settlement_time, seed_yes, seed_no
		FROM market_definitions
		WHERE enabled
		ORDER BY settlement_time ASC, slug ASC`)
	if err != nil {
		return nil, fmt.Errorf("definition_repo.Markets: %w", err)
	}
	var errs []error
	for i := range defs {
		if err := defs[i].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("definition_repo.Markets: %w", err)
	}
	return defs, nil
}

// Create stores a new definition. A slug already present yields
// ErrDuplicateMarket.
func (r *DefinitionRepository) Create(ctx context.Context, def domain.MarketDefinition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("definition_repo.Create: %w", err)
	}
	query := `
		INSERT INTO market_definitions
			(id, slug, asset, question, target_price, settlement_time, seed_yes, seed_no)
		VALUES
			(:id, :slug, :asset, :question, :target_price, :settlement_time, :seed_yes, :seed_no)`
	if _, err := r.db.NamedExecContext(ctx, query, def); err != nil {
		if isUniqueViolation(err, "market_definitions_pkey") {
			return fmt.Errorf("definition_repo.Create: %w: %s", domain.ErrDuplicateMarket, def.Slug)
		}
		return fmt.Errorf("definition_repo.Create: %w", err)
	}
	return nil
}

// Disable hides slug from future catalog syncs. Markets already opened stay.
func (r *DefinitionRepository) Disable(ctx context.Context, slug string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE market_definitions SET enabled = FALSE WHERE slug = $1`, slug)
	if err != nil {
		return fmt.Errorf("definition_repo.Disable: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMarketNotFound
	}
	return nil
}
