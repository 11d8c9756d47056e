package swap_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	cerrors "commitchain/core/errors"
	"commitchain/core/events"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/crypto"
	"commitchain/native/ledger"
	"commitchain/native/ledger/ledgertest"
	"commitchain/native/swap"
)

type market struct {
	f      *ledgertest.Fixture
	engine *swap.Engine
	a, b   common.Address
}

func newMarket(t *testing.T) *market {
	f := ledgertest.New(t)
	engine, err := swap.NewEngine(f.Ledger)
	require.NoError(t, err)
	return &market{f: f, engine: engine, a: f.Token(1), b: f.Token(2)}
}

// trader admits a key for both tokens and funds the token it sells.
func (m *market) trader(sellA bool, funds int64) *crypto.PrivateKey {
	key := m.f.Account()
	wa := m.f.Admit(key.Address(), m.a)
	wb := m.f.Admit(key.Address(), m.b)
	if sellA {
		m.f.Deposit(wa, 1, funds)
	} else {
		m.f.Deposit(wb, 1, funds)
	}
	return key
}

func fillOf(t *testing.T, f *ledgertest.Fixture, leg *models.Transfer) *ledger.Fill {
	fills, err := ledger.LoadFills(f.DB, leg.TxID)
	require.NoError(t, err)
	return fills.Of(leg.TxID)
}

func TestScenarioBRestingPriceFill(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	s1Owner := m.trader(true, 20)
	s2Owner := m.trader(false, 4)

	s1 := m.f.Swap(s1Owner, m.a, m.b, 20, 5, 0)
	s2 := m.f.Swap(s2Owner, m.b, m.a, 4, 2, 0)

	res, err := m.engine.Match(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, res.Matchings)
	require.Equal(t, 1, res.Completed)

	f1 := fillOf(t, m.f, s1)
	require.True(t, f1.TotalOut().Equal(types.NewAmount(16)))
	require.True(t, f1.TotalIn().Equal(types.NewAmount(4)))

	s2 = m.f.Reload(s2)
	require.True(t, s2.Complete)
	require.True(t, s2.Processed)
	require.NotNil(t, s2.RecipientFulfillmentActiveStateID)
	require.False(t, m.f.Reload(s1).Complete)

	// the taker is credited at the resting price
	tokA, err := ledger.LookupToken(m.f.DB, m.a)
	require.NoError(t, err)
	credit, err := ledger.LookupWallet(m.f.DB, s2Owner.Address(), tokA.ID)
	require.NoError(t, err)
	require.True(t, m.f.Available(credit, 1, true).Equal(types.NewAmount(16)))

	again, err := m.engine.Match(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, again.Matchings)

	var rows int64
	require.NoError(t, m.f.DB.Model(&models.Matching{}).Count(&rows).Error)
	require.Equal(t, int64(1), rows)
	require.Len(t, m.f.Events.OfType(events.TypeSwapCompleted), 1)
}

func TestNoMatchOutsideLimits(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	m.f.Swap(m.trader(true, 10), m.a, m.b, 10, 10, 0)
	m.f.Swap(m.trader(false, 5), m.b, m.a, 5, 10, 0)

	res, err := m.engine.Match(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, res.Matchings)
}

func TestFrozenLegsAreNotMatched(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	owner := m.trader(true, 10)
	resting := m.f.Swap(owner, m.a, m.b, 10, 5, 0)
	freeze, err := crypto.Sign(owner, crypto.SwapFreezeChecksum(ledgertest.Contract, m.a, m.b, 1, resting.Nonce))
	require.NoError(t, err)
	_, err = m.f.Ledger.FreezeSwap(ctx, resting.ID, freeze)
	require.NoError(t, err)
	m.f.Swap(m.trader(false, 5), m.b, m.a, 5, 5, 0)

	res, err := m.engine.Match(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, res.Matchings)
}

func TestMatchingRespectsPriceBounds(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	type spec struct {
		sellA           bool
		amount, swapped int64
	}
	book := []spec{
		{true, 100, 30}, {true, 50, 20}, {false, 7, 20}, {true, 33, 10},
		{false, 40, 90}, {false, 13, 29}, {true, 9, 3}, {false, 25, 81},
	}
	var legs []*models.Transfer
	for _, s := range book {
		owner := m.trader(s.sellA, s.amount)
		sell, buy := m.a, m.b
		if !s.sellA {
			sell, buy = m.b, m.a
		}
		legs = append(legs, m.f.Swap(owner, sell, buy, s.amount, s.swapped, 0))
	}
	res, err := m.engine.Match(ctx, 1)
	require.NoError(t, err)
	require.NotZero(t, res.Matchings)

	for _, leg := range legs {
		fill := fillOf(t, m.f, leg)
		amount, swapped := leg.Amount, leg.AmountSwapped.Amount
		require.LessOrEqual(t, fill.TotalOut().Cmp(amount), 0)
		require.True(t, swap.RespectsLimit(amount, swapped, fill.TotalOut(), fill.TotalIn()),
			"leg %d sold %s bought %s", leg.ID, fill.TotalOut(), fill.TotalIn())
		fresh := m.f.Reload(leg)
		require.Equal(t, fill.TotalOut().Equal(amount), fresh.Complete)
	}
}

func TestConfirmAppendsScheduledLegs(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	owner := m.trader(true, 10)
	leg, err := m.f.Ledger.ScheduleSwap(ctx, m.f.SwapRequest(owner, m.a, m.b, 10, 5, 0))
	require.NoError(t, err)
	require.False(t, leg.Appended)

	n, err := m.engine.Confirm(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, m.f.Reload(leg).Appended)
}

func TestPriceHelpers(t *testing.T) {
	a := types.NewAmount
	require.True(t, swap.Crosses(a(4), a(2), a(20), a(5)))
	require.False(t, swap.Crosses(a(5), a(10), a(10), a(10)))
	require.True(t, swap.BetterOffer(a(20), a(5), a(10), a(5)))
	require.False(t, swap.BetterOffer(a(10), a(5), a(20), a(10)))
	require.True(t, swap.RespectsLimit(a(20), a(5), a(16), a(4)))
	require.False(t, swap.RespectsLimit(a(20), a(5), a(17), a(4)))
	require.True(t, swap.DisplayPrice(a(20), a(5)).Equal(a(2500)))
}

func TestBookShowsOpenLegs(t *testing.T) {
	a := types.NewAmount
	m := newMarket(t)
	ctx := context.Background()
	s1Owner := m.trader(true, 20)
	s2Owner := m.trader(false, 4)
	s1 := m.f.Swap(s1Owner, m.a, m.b, 20, 5, 0)
	m.f.Swap(s2Owner, m.b, m.a, 4, 2, 0)

	book, err := m.engine.Book(ctx, 1)
	require.NoError(t, err)
	require.Len(t, book, 2)
	require.Equal(t, s1.TxID, book[0].TxID)
	require.Equal(t, m.a.Hex(), book[0].Sell)
	require.True(t, book[0].PriceBps.Equal(a(2500)))
	require.True(t, book[1].PriceBps.Equal(a(5000)))

	_, err = m.engine.Match(ctx, 1)
	require.NoError(t, err)
	book, err = m.engine.Book(ctx, 1)
	require.NoError(t, err)
	require.Len(t, book, 1)
	require.True(t, book[0].RemainOut.Equal(a(4)))
	require.True(t, book[0].RemainIn.Equal(a(1)))
}

func TestEqualTimeLegsMatch(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	m.f.FreezeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s1 := m.f.Swap(m.trader(true, 20), m.a, m.b, 20, 5, 0)
	s2 := m.f.Swap(m.trader(false, 4), m.b, m.a, 4, 2, 0)
	require.True(t, s1.Time.Equal(s2.Time))

	res, err := m.engine.Match(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, res.Matchings)
	require.True(t, m.f.Reload(s2).Complete)
}

func TestLateAppendedLegStillMatches(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	m.f.FreezeClock(time.Date(2024, 3, 1, 12, 0, 10, 0, time.UTC))
	s1 := m.f.Swap(m.trader(true, 20), m.a, m.b, 20, 5, 0)

	res, err := m.engine.Match(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, res.Matchings)

	// stamped before the watermark but appended after the first run
	m.f.FreezeClock(time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC))
	s2 := m.f.Swap(m.trader(false, 4), m.b, m.a, 4, 2, 0)
	require.True(t, s2.Time.Before(s1.Time))

	res, err = m.engine.Match(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, res.Matchings)

	// the earlier-sequenced leg rests, so the trade runs at its price
	f1 := fillOf(t, m.f, s1)
	require.True(t, f1.TotalOut().Equal(types.NewAmount(16)))
	require.True(t, f1.TotalIn().Equal(types.NewAmount(4)))
	require.True(t, m.f.Reload(s2).Complete)

	var cursor models.MatchingCursor
	require.NoError(t, m.f.DB.First(&cursor).Error)
	require.Equal(t, *m.f.Reload(s2).BookSequence, cursor.LastSequence)
}

func TestSettleAppliesQueuedRequests(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	s1Owner := m.trader(true, 20)
	s2Owner := m.trader(false, 4)
	m.f.Swap(s1Owner, m.a, m.b, 20, 5, 0)
	s2 := m.f.Swap(s2Owner, m.b, m.a, 4, 2, 0)
	_, err := m.engine.Match(ctx, 1)
	require.NoError(t, err)

	done := m.f.Reload(s2)
	require.True(t, done.Complete)
	_, err = m.f.Ledger.RequestFinalization(ctx, done.ID, m.f.Sign(s2Owner, done.RecipientID, done, true))
	require.NoError(t, err)

	owner := m.trader(true, 10)
	leg := m.f.Swap(owner, m.a, m.b, 10, 5, 0)
	settled := *leg
	settled.Processed, settled.Cancelled = true, true
	senderState := m.f.Sign(owner, leg.WalletID, &settled, true)
	recipientState := m.f.Sign(owner, leg.RecipientID, &settled, true)
	_, err = m.f.Ledger.RequestCancellation(ctx, leg.ID, senderState, recipientState)
	require.ErrorIs(t, err, cerrors.Validation(cerrors.CodeInvalidSwapStage, ""))

	freeze, err := crypto.Sign(owner, crypto.SwapFreezeChecksum(ledgertest.Contract, m.a, m.b, 1, leg.Nonce))
	require.NoError(t, err)
	_, err = m.f.Ledger.FreezeSwap(ctx, leg.ID, freeze)
	require.NoError(t, err)

	forged := m.f.Sign(m.f.Account(), leg.WalletID, &settled, true)
	bad, err := m.f.Ledger.RequestCancellation(ctx, leg.ID, forged, recipientState)
	require.NoError(t, err)
	_, err = m.f.Ledger.RequestCancellation(ctx, leg.ID, senderState, recipientState)
	require.NoError(t, err)

	res, err := m.engine.Settle(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, swap.SettleResult{Cancelled: 1, Finalized: 1, Rejected: 1}, res)

	require.True(t, m.f.Reload(leg).Cancelled)
	require.NotNil(t, m.f.Reload(s2).RecipientFinalizationActiveStateID)
	var rejected models.SwapSettlement
	require.NoError(t, m.f.DB.First(&rejected, "id = ?", bad.ID).Error)
	require.Equal(t, models.SettlementRejected, rejected.Status)
	require.Contains(t, rejected.Reason, "INVALID_SIGNATURE")
	require.Len(t, m.f.Events.OfType(events.TypeSwapFinalized), 1)

	again, err := m.engine.Settle(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, again)
}
