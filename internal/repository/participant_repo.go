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

// ParticipantRepository handles database operations for participants.
type ParticipantRepository struct {
	db *sqlx.DB
}

// NewParticipantRepository creates a new ParticipantRepository.
func NewParticipantRepository(db *sqlx.DB) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

// UpsertParticipant records p on first connect; later connects keep the
// original row.
func (r *ParticipantRepository) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	query := `
		INSERT INTO participants (id, address, role, created_at)
		VALUES (:id, :address, :role, :created_at)
		ON CONFLICT (id) DO NOTHING`
	if _, err := r.db.NamedExecContext(ctx, query, p); err != nil {
		if isUniqueViolation(err, "participants_address_key") {
			return fmt.Errorf("participant_repo.UpsertParticipant: %w: %s already bound to another participant", domain.ErrInvalidAddress, p.Address)
		}
		return fmt.Errorf("participant_repo.UpsertParticipant: %w", err)
	}
	return nil
}

// GetByID fetches a participant by id.
func (r *ParticipantRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Participant, error) {
	var p domain.Participant
	err := r.db.GetContext(ctx, &p, `SELECT * FROM participants WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("participant_repo.GetByID: %w", err)
	}
	return &p, nil
}

// List returns a page of participants, newest first, and the total count.
func (r *ParticipantRepository) List(ctx context.Context, limit, offset int) ([]*domain.Participant, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM participants`); err != nil {
		return nil, 0, fmt.Errorf("participant_repo.List count: %w", err)
	}
	var participants []*domain.Participant
	if err := r.db.SelectContext(ctx, &participants,
		`SELECT * FROM participants ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("participant_repo.List select: %w", err)
	}
	return participants, total, nil
}
