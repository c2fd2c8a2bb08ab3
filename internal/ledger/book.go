package ledger

import (
	"sync"
	"time"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// positionBook holds the positions of one market, guarded by the market lock
// ──────────────────────────────────────────────────────────────────────────────

type positionBook struct {
	positions map[uuid.UUID]*domain.Position
	order     []uuid.UUID
	// liability is Σ QuotedPayout of active positions per side.
	liability map[domain.Side]decimal.Decimal
}

func newPositionBook() *positionBook {
	return &positionBook{
		positions: make(map[uuid.UUID]*domain.Position),
		liability: map[domain.Side]decimal.Decimal{
			domain.SideYes: decimal.Zero,
			domain.SideNo:  decimal.Zero,
		},
	}
}

func (b *positionBook) get(id uuid.UUID) (*domain.Position, bool) {
	p, ok := b.positions[id]
	return p, ok
}

// insert adds a new active position. Restored terminal positions are
// inserted too but carry no liability.
func (b *positionBook) insert(p *domain.Position) {
	if _, dup := b.positions[p.ID]; dup {
		panic(domain.NewInvariantError("positionBook.insert", "duplicate position %s", p.ID))
	}
	b.positions[p.ID] = p
	b.order = append(b.order, p.ID)
	if p.IsActive() {
		b.liability[p.Side] = b.liability[p.Side].Add(p.QuotedPayout)
	}
}

// close moves an active position to closed. The caller has already checked
// the transition is legal.
func (b *positionBook) close(p *domain.Position, refund, fee decimal.Decimal, at time.Time) {
	if err := p.Transition(domain.PositionClosed, at); err != nil {
		panic(domain.NewInvariantError("positionBook.close", "%v", err))
	}
	p.Refund = &refund
	p.ExitFee = &fee
	b.liability[p.Side] = b.liability[p.Side].Sub(p.QuotedPayout)
}

// active returns the active positions in insertion order.
func (b *positionBook) active() []*domain.Position {
	var out []*domain.Position
	for _, id := range b.order {
		if p := b.positions[id]; p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}

// all returns clones of every position in insertion order.
func (b *positionBook) all() []*domain.Position {
	out := make([]*domain.Position, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.positions[id].Clone())
	}
	return out
}

// staked returns Σ amount of non-closed positions per side.
func (b *positionBook) staked() (yes, no decimal.Decimal) {
	for _, p := range b.positions {
		if p.Status == domain.PositionClosed {
			continue
		}
		if p.Side == domain.SideYes {
			yes = yes.Add(p.Amount)
		} else {
			no = no.Add(p.Amount)
		}
	}
	return yes, no
}

// ──────────────────────────────────────────────────────────────────────────────
// positionIndex maps position → market and participant → positions
// ──────────────────────────────────────────────────────────────────────────────

type positionIndex struct {
	mu            sync.RWMutex
	market        map[uuid.UUID]uuid.UUID
	byParticipant map[uuid.UUID][]positionRef
}

type positionRef struct {
	id     uuid.UUID
	market uuid.UUID
}

func newPositionIndex() *positionIndex {
	return &positionIndex{
		market:        make(map[uuid.UUID]uuid.UUID),
		byParticipant: make(map[uuid.UUID][]positionRef),
	}
}

func (x *positionIndex) add(p *domain.Position) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.market[p.ID] = p.MarketID
	x.byParticipant[p.ParticipantID] = append(x.byParticipant[p.ParticipantID], positionRef{id: p.ID, market: p.MarketID})
}

func (x *positionIndex) marketOf(positionID uuid.UUID) (uuid.UUID, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	m, ok := x.market[positionID]
	return m, ok
}

func (x *positionIndex) refs(participantID uuid.UUID) []positionRef {
	x.mu.RLock()
	defer x.mu.RUnlock()
	refs := x.byParticipant[participantID]
	out := make([]positionRef, len(refs))
	copy(out, refs)
	return out
}
