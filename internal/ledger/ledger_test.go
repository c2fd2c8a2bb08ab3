package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	deltas []*ledger.Delta
	err    error
}

func (s *recordingSink) Commit(_ context.Context, d *ledger.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.deltas = append(s.deltas, d)
	return nil
}

func (s *recordingSink) ops() []ledger.Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Op, len(s.deltas))
	for i, d := range s.deltas {
		out[i] = d.Op
	}
	return out
}

var epoch = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func demoDefinition() domain.MarketDefinition {
	return domain.MarketDefinition{
		Slug:           "btc-75k-friday",
		Asset:          domain.AssetBTC,
		Question:       "Will BTC be above $75,000 on Friday at 12:00 UTC?",
		TargetPrice:    dec("75000"),
		SettlementTime: epoch.Add(96 * time.Hour),
		SeedYes:        dec("1240"),
		SeedNo:         dec("760"),
	}
}

type fixture struct {
	l      *ledger.Ledger
	clock  *fakeClock
	sink   *recordingSink
	market uuid.UUID
}

func newFixture(t *testing.T, mutate func(*ledger.Options)) *fixture {
	t.Helper()
	clock := &fakeClock{now: epoch}
	sink := &recordingSink{}
	opts := ledger.Options{Clock: clock, Sink: sink}
	if mutate != nil {
		mutate(&opts)
	}
	def := demoDefinition()
	l, err := ledger.New([]domain.MarketDefinition{def}, opts)
	require.NoError(t, err)
	return &fixture{l: l, clock: clock, sink: sink, market: def.StableID()}
}

func (f *fixture) participant(t *testing.T, balance string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := f.l.EnsureAccount(context.Background(), id, dec(balance))
	require.NoError(t, err)
	return id
}

func (f *fixture) stake(t *testing.T, who uuid.UUID, side domain.Side, amount string) *domain.Position {
	t.Helper()
	p, err := f.l.TakeSide(context.Background(), domain.TakeSideRequest{
		ParticipantID: who, MarketID: f.market, Side: side, Amount: dec(amount),
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) resolve(outcome domain.Side) (*domain.Market, error) {
	return f.l.Resolve(context.Background(), domain.ResolveRequest{
		MarketID: f.market, Outcome: outcome, ResolvedBy: "test",
	})
}

func (f *fixture) balance(t *testing.T, who uuid.UUID) decimal.Decimal {
	t.Helper()
	b, err := f.l.Balance(who)
	require.NoError(t, err)
	return b
}

// ── TakeSide ──────────────────────────────────────────────────────────────────

func TestTakeSide_UpdatesPoolAndFreezesQuote(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10.5")

	p := f.stake(t, alice, domain.SideYes, "10")

	m, err := f.l.Market(f.market)
	require.NoError(t, err)
	assert.True(t, m.YesPool.Equal(dec("1250")), "yes pool = %s", m.YesPool)
	assert.True(t, m.NoPool.Equal(dec("760")), "no pool = %s", m.NoPool)
	assert.True(t, p.QuotedPayout.Equal(dec("6.0984")), "quote = %s", p.QuotedPayout)
	assert.Equal(t, domain.PositionActive, p.Status)
	assert.True(t, f.balance(t, alice).Equal(dec("0.5")))
	assert.Equal(t, []ledger.Op{ledger.OpAccountOpened, ledger.OpPositionOpened}, f.sink.ops())
}

func TestTakeSide_RejectsOverBalanceWithoutPartialState(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10.5")

	_, err := f.l.TakeSide(context.Background(), domain.TakeSideRequest{
		ParticipantID: alice, MarketID: f.market, Side: domain.SideNo, Amount: dec("11"),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	m, err := f.l.Market(f.market)
	require.NoError(t, err)
	assert.True(t, m.NoPool.Equal(dec("760")))
	assert.True(t, f.balance(t, alice).Equal(dec("10.5")))
	assert.Empty(t, f.l.ParticipantPositions(alice))
	assert.Equal(t, []ledger.Op{ledger.OpAccountOpened}, f.sink.ops())
}

func TestTakeSide_Validation(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10")
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.TakeSideRequest
		want error
	}{
		{"zero amount", domain.TakeSideRequest{ParticipantID: alice, MarketID: f.market, Side: domain.SideYes, Amount: decimal.Zero}, domain.ErrInvalidAmount},
		{"negative amount", domain.TakeSideRequest{ParticipantID: alice, MarketID: f.market, Side: domain.SideYes, Amount: dec("-1")}, domain.ErrInvalidAmount},
		{"sub-lamport amount", domain.TakeSideRequest{ParticipantID: alice, MarketID: f.market, Side: domain.SideYes, Amount: dec("0.0000000001")}, domain.ErrInvalidAmount},
		{"bad side", domain.TakeSideRequest{ParticipantID: alice, MarketID: f.market, Side: "UP", Amount: dec("1")}, domain.ErrInvalidSide},
		{"unknown market", domain.TakeSideRequest{ParticipantID: alice, MarketID: uuid.New(), Side: domain.SideYes, Amount: dec("1")}, domain.ErrMarketNotFound},
		{"unknown account", domain.TakeSideRequest{ParticipantID: uuid.New(), MarketID: f.market, Side: domain.SideYes, Amount: dec("1")}, domain.ErrAccountNotFound},
		{"quote moved", domain.TakeSideRequest{ParticipantID: alice, MarketID: f.market, Side: domain.SideYes, Amount: dec("1"), MinPayout: dec("2")}, domain.ErrQuoteMoved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.l.TakeSide(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.True(t, f.balance(t, alice).Equal(dec("10")))
}

func TestTakeSide_RejectedAfterResolve(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10")
	f.clock.Advance(96 * time.Hour)
	_, err := f.resolve(domain.SideNo)
	require.NoError(t, err)

	_, err = f.l.TakeSide(context.Background(), domain.TakeSideRequest{
		ParticipantID: alice, MarketID: f.market, Side: domain.SideYes, Amount: dec("1"),
	})
	assert.ErrorIs(t, err, domain.ErrMarketNotOpen)
	_, err = f.l.Quote(f.market, domain.SideYes, dec("1"))
	assert.ErrorIs(t, err, domain.ErrMarketNotOpen)
}

// ── ClosePosition ─────────────────────────────────────────────────────────────

func TestClosePosition_RefundsLessExitFee(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10.5")
	p := f.stake(t, alice, domain.SideYes, "10")

	closed, err := f.l.ClosePosition(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.Refund)
	assert.True(t, closed.Refund.Equal(dec("9.5")), "refund = %s", closed.Refund)
	assert.Equal(t, domain.PositionClosed, closed.Status)

	m, err := f.l.Market(f.market)
	require.NoError(t, err)
	assert.True(t, m.YesPool.Equal(dec("1240")), "yes pool = %s", m.YesPool)
	assert.True(t, f.balance(t, alice).Equal(dec("10")))

	exp, err := f.l.Exposure(f.market)
	require.NoError(t, err)
	assert.True(t, exp.Retained.Equal(dec("0.5")))
	assert.True(t, exp.YesLiability.IsZero())
}

func TestZeroFeePolicyIsHonored(t *testing.T) {
	free, err := domain.NewFeePolicy(0, 0)
	require.NoError(t, err)
	f := newFixture(t, func(o *ledger.Options) { o.Fees = &free })
	assert.True(t, f.l.Fees().SettlementRate.IsZero())
	assert.True(t, f.l.Fees().EarlyExitRate.IsZero())

	alice := f.participant(t, "10.5")
	p := f.stake(t, alice, domain.SideYes, "10")
	// 10 × 770 / 1250 with nothing withheld
	assert.True(t, p.QuotedPayout.Equal(dec("6.16")), "quote = %s", p.QuotedPayout)

	closed, err := f.l.ClosePosition(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.Refund)
	assert.True(t, closed.Refund.Equal(dec("10")), "refund = %s", closed.Refund)
	assert.True(t, f.balance(t, alice).Equal(dec("10.5")))
}

func TestDefaultFeePolicyWhenUnset(t *testing.T) {
	f := newFixture(t, nil)
	assert.True(t, f.l.Fees().SettlementRate.Equal(domain.DefaultSettlementFeeRate))
	assert.True(t, f.l.Fees().EarlyExitRate.Equal(domain.DefaultEarlyExitFeeRate))
}

func TestNew_RejectsInvalidFeePolicy(t *testing.T) {
	bad := domain.FeePolicy{SettlementRate: dec("1"), EarlyExitRate: dec("0.05")}
	_, err := ledger.New(nil, ledger.Options{Fees: &bad})
	assert.Error(t, err)
}

func TestClosePosition_TwiceFailsNotActive(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10.5")
	p := f.stake(t, alice, domain.SideNo, "10")

	_, err := f.l.ClosePosition(context.Background(), p.ID)
	require.NoError(t, err)
	_, err = f.l.ClosePosition(context.Background(), p.ID)
	require.ErrorIs(t, err, domain.ErrPositionNotActive)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.True(t, f.balance(t, alice).Equal(dec("10")))
}

func TestClosePosition_Unknown(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.l.ClosePosition(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestClosePosition_AfterResolveNotActive(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10")
	p := f.stake(t, alice, domain.SideYes, "5")
	f.clock.Advance(96 * time.Hour)
	_, err := f.resolve(domain.SideYes)
	require.NoError(t, err)

	_, err = f.l.ClosePosition(context.Background(), p.ID)
	assert.ErrorIs(t, err, domain.ErrPositionNotActive)
}

// TestClosePosition_SolvencyGuard closes the only YES stake of an unseeded
// market whose NO quote relied on it.
func TestClosePosition_SolvencyGuard(t *testing.T) {
	clock := &fakeClock{now: epoch}
	def := domain.MarketDefinition{Slug: "eth-empty", Asset: domain.AssetETH, SettlementTime: epoch.Add(time.Hour)}
	l, err := ledger.New([]domain.MarketDefinition{def}, ledger.Options{Clock: clock})
	require.NoError(t, err)
	ctx := context.Background()

	alice, bob := uuid.New(), uuid.New()
	_, err = l.EnsureAccount(ctx, alice, dec("10"))
	require.NoError(t, err)
	_, err = l.EnsureAccount(ctx, bob, dec("1"))
	require.NoError(t, err)

	yes, err := l.TakeSide(ctx, domain.TakeSideRequest{ParticipantID: alice, MarketID: def.StableID(), Side: domain.SideYes, Amount: dec("10")})
	require.NoError(t, err)
	no, err := l.TakeSide(ctx, domain.TakeSideRequest{ParticipantID: bob, MarketID: def.StableID(), Side: domain.SideNo, Amount: dec("1")})
	require.NoError(t, err)
	// 1 × (10 + 1) / 1, less 1 %.
	require.True(t, no.QuotedPayout.Equal(dec("10.89")), "no quote = %s", no.QuotedPayout)

	_, err = l.ClosePosition(ctx, yes.ID)
	require.ErrorIs(t, err, domain.ErrSolvencyLimit)

	got, err := l.Position(yes.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionActive, got.Status)
	require.NoError(t, l.Verify())
}

// ── Resolve ───────────────────────────────────────────────────────────────────

func TestResolve_YesCreditsExactQuote(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10.5")
	p := f.stake(t, alice, domain.SideYes, "10")
	f.clock.Advance(96 * time.Hour)

	m, err := f.resolve(domain.SideYes)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketResolved, m.State)
	require.NotNil(t, m.Outcome)
	assert.Equal(t, domain.SideYes, *m.Outcome)
	assert.False(t, m.EarlyOverride)
	// Pools stay as a record of volume.
	assert.True(t, m.YesPool.Equal(dec("1250")))

	assert.True(t, f.balance(t, alice).Equal(dec("0.5").Add(p.QuotedPayout)))
	got, err := f.l.Position(p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionWon, got.Status)

	entries, err := f.l.RecentEntries(alice, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryPayout, entries[0].Type)
	assert.True(t, entries[0].Amount.Equal(dec("6.0984")))
}

func TestResolve_NoLeavesLoserBalance(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10.5")
	p := f.stake(t, alice, domain.SideYes, "10")
	f.clock.Advance(96 * time.Hour)

	_, err := f.resolve(domain.SideNo)
	require.NoError(t, err)
	assert.True(t, f.balance(t, alice).Equal(dec("0.5")))
	got, err := f.l.Position(p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionLost, got.Status)
}

func TestResolve_TwiceFailsNotOpen(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10.5")
	f.stake(t, alice, domain.SideYes, "10")
	f.clock.Advance(96 * time.Hour)

	_, err := f.resolve(domain.SideYes)
	require.NoError(t, err)
	before := f.balance(t, alice)

	_, err = f.resolve(domain.SideNo)
	require.ErrorIs(t, err, domain.ErrMarketNotOpen)
	assert.True(t, f.balance(t, alice).Equal(before))
	m, err := f.l.Market(f.market)
	require.NoError(t, err)
	assert.Equal(t, domain.SideYes, *m.Outcome)
}

func TestResolve_BeforeSettlementTime(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.resolve(domain.SideYes)
	require.ErrorIs(t, err, domain.ErrMarketNotSettleable)

	m, err := f.l.Resolve(context.Background(), domain.ResolveRequest{
		MarketID: f.market, Outcome: domain.SideNo, ResolvedBy: "admin", Override: true,
	})
	require.NoError(t, err)
	assert.True(t, m.EarlyOverride)
	assert.Equal(t, "admin", m.ResolvedBy)
}

func TestResolve_StrictRefusesOverride(t *testing.T) {
	f := newFixture(t, func(o *ledger.Options) { o.StrictSettlement = true })
	_, err := f.l.Resolve(context.Background(), domain.ResolveRequest{
		MarketID: f.market, Outcome: domain.SideNo, Override: true,
	})
	require.ErrorIs(t, err, domain.ErrOverrideDisabled)

	f.clock.Advance(96 * time.Hour)
	_, err = f.resolve(domain.SideNo)
	require.NoError(t, err)
}

func TestResolve_ManyParticipants(t *testing.T) {
	f := newFixture(t, nil)
	var yesIDs, noIDs []uuid.UUID
	quotes := map[uuid.UUID]decimal.Decimal{}
	for i := 0; i < 5; i++ {
		y := f.participant(t, "20")
		n := f.participant(t, "20")
		p := f.stake(t, y, domain.SideYes, "3")
		quotes[y] = quotes[y].Add(p.QuotedPayout)
		p = f.stake(t, y, domain.SideYes, "2") // second position, same owner
		quotes[y] = quotes[y].Add(p.QuotedPayout)
		f.stake(t, n, domain.SideNo, "4")
		yesIDs, noIDs = append(yesIDs, y), append(noIDs, n)
	}
	f.clock.Advance(96 * time.Hour)
	_, err := f.resolve(domain.SideYes)
	require.NoError(t, err)

	for _, id := range yesIDs {
		assert.True(t, f.balance(t, id).Equal(dec("15").Add(quotes[id])), "winner %s", id)
	}
	for _, id := range noIDs {
		assert.True(t, f.balance(t, id).Equal(dec("16")), "loser %s", id)
	}
	require.NoError(t, f.l.Verify())
}

func TestDueMarkets(t *testing.T) {
	f := newFixture(t, nil)
	assert.Empty(t, f.l.DueMarkets(f.clock.Now()))
	f.clock.Advance(96 * time.Hour)
	due := f.l.DueMarkets(f.clock.Now())
	require.Len(t, due, 1)
	assert.Equal(t, f.market, due[0].ID)
}

// ── Pool accounting ───────────────────────────────────────────────────────────

func TestPoolAccountingRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	a := f.participant(t, "100")
	b := f.participant(t, "100")

	p1 := f.stake(t, a, domain.SideYes, "10")
	f.stake(t, b, domain.SideNo, "7.25")
	p3 := f.stake(t, a, domain.SideNo, "3")
	f.stake(t, b, domain.SideYes, "0.000000001")
	_, err := f.l.ClosePosition(context.Background(), p1.ID)
	require.NoError(t, err)
	_, err = f.l.ClosePosition(context.Background(), p3.ID)
	require.NoError(t, err)

	m, err := f.l.Market(f.market)
	require.NoError(t, err)
	assert.True(t, m.YesPool.Equal(dec("1240.000000001")), "yes = %s", m.YesPool)
	assert.True(t, m.NoPool.Equal(dec("767.25")), "no = %s", m.NoPool)
	require.NoError(t, f.l.Verify())

	f.clock.Advance(96 * time.Hour)
	_, err = f.resolve(domain.SideNo)
	require.NoError(t, err)
	require.NoError(t, f.l.Verify())
}

// ── Sink ──────────────────────────────────────────────────────────────────────

func TestTwoPhaseCommit_SinkFailureAppliesNothing(t *testing.T) {
	f := newFixture(t, func(o *ledger.Options) { o.TwoPhaseCommit = true })
	alice := f.participant(t, "10.5")

	f.sink.err = errors.New("db down")
	_, err := f.l.TakeSide(context.Background(), domain.TakeSideRequest{
		ParticipantID: alice, MarketID: f.market, Side: domain.SideYes, Amount: dec("10"),
	})
	require.ErrorIs(t, err, domain.ErrSinkCommit)

	m, err := f.l.Market(f.market)
	require.NoError(t, err)
	assert.True(t, m.YesPool.Equal(dec("1240")))
	assert.True(t, f.balance(t, alice).Equal(dec("10.5")))
	assert.Empty(t, f.l.ParticipantPositions(alice))

	_, err = f.l.EnsureAccount(context.Background(), uuid.New(), dec("1"))
	require.ErrorIs(t, err, domain.ErrSinkCommit)

	// Sink back: the same stake now goes through.
	f.sink.err = nil
	f.stake(t, alice, domain.SideYes, "10")
	assert.True(t, f.balance(t, alice).Equal(dec("0.5")))
}

func TestFireAndForget_SinkFailureKeepsState(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10.5")
	f.sink.err = errors.New("broker down")

	p := f.stake(t, alice, domain.SideYes, "10")
	got, err := f.l.Position(p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionActive, got.Status)
}

func TestDeltaSubject(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10.5")
	f.stake(t, alice, domain.SideYes, "1")

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.Len(t, f.sink.deltas, 2)
	assert.Equal(t, "account_opened", f.sink.deltas[0].Subject())
	assert.Equal(t, "position_opened."+f.market.String(), f.sink.deltas[1].Subject())
	assert.Greater(t, f.sink.deltas[1].Seq, f.sink.deltas[0].Seq)
}

// ── Accounts & markets ────────────────────────────────────────────────────────

func TestEnsureAccount_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10.5")
	acct, err := f.l.EnsureAccount(context.Background(), alice, dec("999"))
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("10.5")))

	_, err = f.l.EnsureAccount(context.Background(), uuid.New(), dec("-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestAddMarket(t *testing.T) {
	f := newFixture(t, nil)
	def := domain.MarketDefinition{Slug: "doge-1usd", Asset: domain.AssetDOGE, SettlementTime: epoch.Add(time.Hour)}
	m, err := f.l.AddMarket(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, m.TotalPool().IsZero())

	_, err = f.l.AddMarket(context.Background(), def)
	assert.ErrorIs(t, err, domain.ErrDuplicateMarket)

	def.Asset = "XRP"
	def.Slug = "xrp"
	_, err = f.l.AddMarket(context.Background(), def)
	assert.ErrorIs(t, err, domain.ErrUnknownAsset)
	assert.Len(t, f.l.Markets(), 2)
}

// ── Snapshot ──────────────────────────────────────────────────────────────────

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10.5")
	bob := f.participant(t, "5")
	p := f.stake(t, alice, domain.SideYes, "10")
	q := f.stake(t, bob, domain.SideNo, "2")
	_, err := f.l.ClosePosition(context.Background(), q.ID)
	require.NoError(t, err)

	snap := f.l.Snapshot()

	restored, err := ledger.New([]domain.MarketDefinition{demoDefinition()}, ledger.Options{Clock: f.clock})
	require.NoError(t, err)
	require.NoError(t, restored.Restore(snap))

	m, err := restored.Market(f.market)
	require.NoError(t, err)
	assert.True(t, m.YesPool.Equal(dec("1250")))
	assert.True(t, m.NoPool.Equal(dec("760")))

	b, err := restored.Balance(bob)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("4.9")))

	exp, err := restored.Exposure(f.market)
	require.NoError(t, err)
	assert.True(t, exp.Retained.Equal(dec("0.1")))
	assert.True(t, exp.YesLiability.Equal(p.QuotedPayout))

	// The restored ledger keeps operating.
	f.clock.Advance(96 * time.Hour)
	_, err = restored.Resolve(context.Background(), domain.ResolveRequest{MarketID: f.market, Outcome: domain.SideYes})
	require.NoError(t, err)
	b, err = restored.Balance(alice)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("0.5").Add(p.QuotedPayout)))
}

func TestRestore_RejectsBrokenPools(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10.5")
	f.stake(t, alice, domain.SideYes, "10")
	snap := f.l.Snapshot()
	snap.Markets[0].Market.YesPool = dec("1")

	restored, err := ledger.New(nil, ledger.Options{Clock: f.clock})
	require.NoError(t, err)
	assert.Error(t, restored.Restore(snap))
}

func snapshotFrom(name string, snap *ledger.Snapshot, err error) ledger.SnapshotSource {
	return ledger.SnapshotSource{Name: name, Load: func(context.Context) (*ledger.Snapshot, error) {
		return snap, err
	}}
}

func TestRestoreFirst_FallsBackPastInconsistentSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10.5")
	f.stake(t, alice, domain.SideYes, "10")

	good := f.l.Snapshot()
	broken := f.l.Snapshot()
	// A dropped delta left the stored pool behind its positions.
	broken.Markets[0].Market.YesPool = dec("1240")

	builds := 0
	build := func() (*ledger.Ledger, error) {
		builds++
		return ledger.New(nil, ledger.Options{Clock: f.clock})
	}
	l, from, err := ledger.RestoreFirst(context.Background(), build, []ledger.SnapshotSource{
		snapshotFrom("postgres", broken, nil),
		snapshotFrom("s3", good, nil),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "s3", from)
	assert.Equal(t, 2, builds, "each attempt needs a fresh ledger")
	b, err := l.Balance(alice)
	require.NoError(t, err)
	assert.True(t, b.Equal(dec("0.5")))
	require.NoError(t, l.Verify())
}

func TestRestoreFirst_Outcomes(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.participant(t, "10.5")
	f.stake(t, alice, domain.SideYes, "10")
	broken := f.l.Snapshot()
	broken.Markets[0].Market.YesPool = dec("1")
	build := func() (*ledger.Ledger, error) { return ledger.New(nil, ledger.Options{Clock: f.clock}) }

	t.Run("no state", func(t *testing.T) {
		l, from, err := ledger.RestoreFirst(context.Background(), build, []ledger.SnapshotSource{
			snapshotFrom("postgres", nil, nil),
		}, nil)
		require.NoError(t, err)
		assert.Empty(t, from)
		assert.Empty(t, l.Markets())
	})
	t.Run("every snapshot rejected", func(t *testing.T) {
		_, _, err := ledger.RestoreFirst(context.Background(), build, []ledger.SnapshotSource{
			snapshotFrom("postgres", broken, nil),
		}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "postgres")
	})
	t.Run("load error stops the search", func(t *testing.T) {
		down := errors.New("connection refused")
		_, _, err := ledger.RestoreFirst(context.Background(), build, []ledger.SnapshotSource{
			snapshotFrom("postgres", nil, down),
			snapshotFrom("s3", f.l.Snapshot(), nil),
		}, nil)
		assert.ErrorIs(t, err, down)
	})
}
