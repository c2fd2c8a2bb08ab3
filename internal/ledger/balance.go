package ledger

import (
	"bytes"
	"slices"
	"sync"
	"time"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// maxRecentEntries bounds the in-memory audit tail kept per account. The
// full history lives in the persistence sink.
const maxRecentEntries = 200

// account is one participant's balance. Its mutex serializes every debit and
// credit for that participant across markets.
type account struct {
	mu        sync.Mutex
	id        uuid.UUID
	balance   decimal.Decimal
	seq       uint64
	updatedAt time.Time
	recent    []domain.BalanceEntry
	retired   bool // opening was rolled back
}

func (a *account) snapshot() domain.Account {
	return domain.Account{
		ParticipantID: a.id,
		Balance:       a.balance,
		Seq:           a.seq,
		UpdatedAt:     a.updatedAt,
	}
}

// entry builds the audit record for a change of amount (signed) without
// applying it.
func (a *account) entry(typ domain.EntryType, amount decimal.Decimal, ref *uuid.UUID, desc string, seq uint64, at time.Time) domain.BalanceEntry {
	after := a.balance.Add(amount)
	if after.IsNegative() {
		panic(domain.NewInvariantError("account.entry", "balance of %s would go negative: %s", a.id, after))
	}
	return domain.BalanceEntry{
		ID:            uuid.New(),
		ParticipantID: a.id,
		Type:          typ,
		Amount:        amount,
		BalanceBefore: a.balance,
		BalanceAfter:  after,
		RefID:         ref,
		Description:   desc,
		Seq:           seq,
		CreatedAt:     at,
	}
}

// apply moves the balance to e.BalanceAfter. The entry must have been built
// from the current balance under the same lock.
func (a *account) apply(e domain.BalanceEntry) {
	if !a.balance.Equal(e.BalanceBefore) {
		panic(domain.NewInvariantError("account.apply", "stale entry for %s: before=%s balance=%s", a.id, e.BalanceBefore, a.balance))
	}
	a.balance = e.BalanceAfter
	a.seq = e.Seq
	a.updatedAt = e.CreatedAt
	a.recent = append(a.recent, e)
	if n := len(a.recent); n > maxRecentEntries {
		a.recent = slices.Clone(a.recent[n-maxRecentEntries:])
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// balanceLedger
// ──────────────────────────────────────────────────────────────────────────────

type balanceLedger struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*account
}

func newBalanceLedger() *balanceLedger {
	return &balanceLedger{accounts: make(map[uuid.UUID]*account)}
}

func (b *balanceLedger) get(id uuid.UUID) (*account, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.accounts[id]
	return a, ok
}

// createLocked registers a new account and returns it with its mutex held,
// or returns the existing account unlocked. The flag reports which.
func (b *balanceLedger) createLocked(id uuid.UUID) (*account, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.accounts[id]; ok {
		return a, false
	}
	a := &account{id: id}
	a.mu.Lock()
	b.accounts[id] = a
	return a, true
}

// remove unregisters a; the caller holds a.mu.
func (b *balanceLedger) remove(a *account) {
	b.mu.Lock()
	if b.accounts[a.id] == a {
		delete(b.accounts, a.id)
	}
	b.mu.Unlock()
	a.retired = true
}

// restore registers an account recovered from a snapshot.
func (b *balanceLedger) restore(acct domain.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[acct.ParticipantID] = &account{
		id:        acct.ParticipantID,
		balance:   acct.Balance,
		seq:       acct.Seq,
		updatedAt: acct.UpdatedAt,
	}
}

func (b *balanceLedger) list() []*account {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*account, 0, len(b.accounts))
	for _, a := range b.accounts {
		out = append(out, a)
	}
	return out
}

// lockAll locks accounts in id order so that concurrent multi-account
// settlements cannot deadlock. It returns the matching unlock.
func lockAll(accts []*account) func() {
	sorted := slices.Clone(accts)
	slices.SortFunc(sorted, func(x, y *account) int { return bytes.Compare(x.id[:], y.id[:]) })
	sorted = slices.CompactFunc(sorted, func(x, y *account) bool { return x == y })
	for _, a := range sorted {
		a.mu.Lock()
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			sorted[i].mu.Unlock()
		}
	}
}
