package ledger_test

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	cerrors "commitchain/core/errors"
	"commitchain/core/events"
	"commitchain/core/merkle"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/crypto"
	"commitchain/native/ledger"
	"commitchain/native/ledger/ledgertest"
)

func amt(v int64) types.Amount { return types.NewAmount(v) }

func requireCode(t *testing.T, err error, code cerrors.Code) {
	t.Helper()
	require.Error(t, err)
	got, ok := cerrors.CodeOf(err)
	require.True(t, ok, "expected validation error, got %v", err)
	require.Equal(t, code, got, err.Error())
}

func TestPassiveTransferAppendsImmediately(t *testing.T) {
	f := ledgertest.New(t)
	token := f.Token(1)
	alice, bob := f.Account(), f.Account()
	wa := f.Admit(alice.Address(), token)
	wb := f.Admit(bob.Address(), token)
	f.Deposit(wa, 1, 100)

	tr, err := f.Transfer(alice, bob.Address(), token, 30, true)
	require.NoError(t, err)
	require.True(t, tr.Appended)
	require.True(t, tr.Complete)
	require.Nil(t, tr.RecipientMerkleIndex)

	require.True(t, f.Available(wa, 1, true).Equal(amt(70)))
	require.True(t, f.Available(wb, 1, true).Equal(amt(30)))

	tree, rows, err := ledger.IncomingPassiveTransfersTree(f.DB, wb.ID, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, tree.UpperBound().Equal(amt(30)))

	second, err := f.Transfer(alice, bob.Address(), token, 5, true)
	require.NoError(t, err)
	require.True(t, second.PassivePosition.Equal(amt(30)))

	state, found, err := ledger.LatestCountersignedState(f.DB, wa.ID, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, state.UpdatedSpendings.Equal(amt(35)))
	require.Len(t, f.Events.OfType(events.TypeTransferAppended), 4)
}

func TestActiveTransferNeedsReceipt(t *testing.T) {
	f := ledgertest.New(t)
	token := f.Token(1)
	alice, bob := f.Account(), f.Account()
	wa := f.Admit(alice.Address(), token)
	wb := f.Admit(bob.Address(), token)
	f.Deposit(wa, 1, 100)

	tr, err := f.Transfer(alice, bob.Address(), token, 40, false)
	require.NoError(t, err)
	require.False(t, tr.Appended)

	require.True(t, f.Available(wb, 1, true).IsZero())
	require.True(t, f.Available(wb, 1, false).Equal(amt(40)))

	_, err = f.Transfer(alice, bob.Address(), token, 1, false)
	requireCode(t, err, cerrors.CodeOutstandingActiveTransfer)
	_, err = f.Transfer(bob, alice.Address(), token, 1, true)
	requireCode(t, err, cerrors.CodeOutstandingActiveTransfer)

	tr, err = f.Receipt(bob, tr)
	require.NoError(t, err)
	require.True(t, tr.Appended)
	require.NotNil(t, tr.RecipientMerkleIndex)

	require.True(t, f.Available(wa, 1, true).Equal(amt(60)))
	require.True(t, f.Available(wb, 1, true).Equal(amt(40)))

	_, err = f.Receipt(bob, tr)
	requireCode(t, err, cerrors.CodeInvalidTransferStage)
}

func TestScheduleTransferValidation(t *testing.T) {
	f := ledgertest.New(t)
	token := f.Token(1)
	alice, bob := f.Account(), f.Account()
	wa := f.Admit(alice.Address(), token)
	f.Admit(bob.Address(), token)
	f.Deposit(wa, 1, 10)
	ctx := context.Background()

	_, err := f.Transfer(alice, alice.Address(), token, 1, true)
	requireCode(t, err, cerrors.CodeSelfTransfer)

	_, err = f.Transfer(alice, bob.Address(), token, 11, true)
	requireCode(t, err, cerrors.CodeOverspending)

	_, err = f.Transfer(alice, bob.Address(), token, 0, true)
	requireCode(t, err, cerrors.CodeInvalidAmount)

	stranger := f.Account()
	_, err = f.Ledger.ScheduleTransfer(ctx, ledger.TransferRequest{
		Sender: alice.Address(), Recipient: stranger.Address(), Token: token, Amount: amt(1), Eon: 1,
	})
	requireCode(t, err, cerrors.CodeWalletNotAdmitted)

	req := f.TransferRequest(alice, bob.Address(), token, 1, true)
	req.Eon = 2
	_, err = f.Ledger.ScheduleTransfer(ctx, req)
	requireCode(t, err, cerrors.CodeEonOutOfSync)

	req = f.TransferRequest(alice, bob.Address(), token, 1, true)
	req.State.Gains = amt(1)
	_, err = f.Ledger.ScheduleTransfer(ctx, req)
	requireCode(t, err, cerrors.CodeInvalidStateValues)

	req = f.TransferRequest(alice, bob.Address(), token, 1, true)
	req.State.TxSetRoot = common.HexToHash("0x01")
	_, err = f.Ledger.ScheduleTransfer(ctx, req)
	requireCode(t, err, cerrors.CodeTxSetMismatch)

	req = f.TransferRequest(alice, bob.Address(), token, 1, true)
	forged, err := crypto.Sign(bob, common.HexToHash("0x02"))
	require.NoError(t, err)
	req.State.Signature = forged
	_, err = f.Ledger.ScheduleTransfer(ctx, req)
	requireCode(t, err, cerrors.CodeInvalidSignature)

	req = f.TransferRequest(alice, bob.Address(), token, 1, true)
	_, err = f.Ledger.ScheduleTransfer(ctx, req)
	require.NoError(t, err)
	replay := f.TransferRequest(alice, bob.Address(), token, 1, true)
	replay.Nonce = req.Nonce
	_, err = f.Ledger.ScheduleTransfer(ctx, replay)
	requireCode(t, err, cerrors.CodeNonceReuse)

	require.NoError(t, f.DB.Model(&models.Wallet{}).Where("id = ?", wa.ID).Update("blacklisted", true).Error)
	_, err = f.Transfer(alice, bob.Address(), token, 1, true)
	requireCode(t, err, cerrors.CodeWalletBlacklisted)
}

func TestVoidTransferReleasesWallet(t *testing.T) {
	f := ledgertest.New(t)
	token := f.Token(1)
	alice, bob := f.Account(), f.Account()
	wa := f.Admit(alice.Address(), token)
	f.Admit(bob.Address(), token)
	f.Deposit(wa, 1, 50)
	ctx := context.Background()

	tr, err := f.Transfer(alice, bob.Address(), token, 20, false)
	require.NoError(t, err)
	require.NoError(t, f.Ledger.VoidTransfer(ctx, tr.ID))
	require.True(t, f.Reload(tr).Voided)

	next, err := f.Transfer(alice, bob.Address(), token, 20, false)
	require.NoError(t, err)
	require.Equal(t, uint64(0), *next.SenderMerkleIndex)

	n, err := ledger.VoidExpiredTransfers(f.DB, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	requireCode(t, f.Ledger.VoidTransfer(ctx, 9999), cerrors.CodeTransferNotFound)
}

func TestOptimizedTreeMatchesFullRebuild(t *testing.T) {
	f := ledgertest.New(t)
	tokenA, tokenB := f.Token(1), f.Token(2)
	alice, bob := f.Account(), f.Account()
	wa := f.Admit(alice.Address(), tokenA)
	f.Admit(alice.Address(), tokenB)
	wb := f.Admit(bob.Address(), tokenA)
	f.Deposit(wa, 1, 1000)
	f.Deposit(wb, 1, 1000)
	ctx := context.Background()

	check := func(walletID uint64) {
		t.Helper()
		tree, set, err := ledger.AuthorizedTransfersTree(f.DB, walletID, 1, ledger.ListOptions{})
		require.NoError(t, err)
		last := set.Entries[set.Len()-1]
		root := last.SenderMerkleRoot
		if last.WalletID != walletID {
			root = last.RecipientMerkleRoot
		}
		require.Equal(t, tree.Root().Hex(), root)
	}

	for i := 0; i < 5; i++ {
		_, err := f.Transfer(alice, bob.Address(), tokenA, int64(i+1), true)
		require.NoError(t, err)
		check(wa.ID)
		tr, err := f.Transfer(bob, alice.Address(), tokenA, 2, false)
		require.NoError(t, err)
		_, err = f.Receipt(alice, tr)
		require.NoError(t, err)
		check(wa.ID)
		check(wb.ID)
	}

	// a settled swap in the middle of the log forces the cached leaf to be
	// replayed in its finalized form
	leg := f.Swap(alice, tokenA, tokenB, 10, 5, 0)
	freeze, err := crypto.Sign(alice, crypto.SwapFreezeChecksum(ledgertest.Contract, tokenA, tokenB, 1, leg.Nonce))
	require.NoError(t, err)
	leg, err = f.Ledger.FreezeSwap(ctx, leg.ID, freeze)
	require.NoError(t, err)
	settled := *leg
	settled.Processed, settled.Cancelled = true, true
	leg, err = f.Ledger.CancelSwap(ctx, leg.ID,
		f.Sign(alice, leg.WalletID, &settled, true),
		f.Sign(alice, leg.RecipientID, &settled, true))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.Transfer(alice, bob.Address(), tokenA, 1, true)
		require.NoError(t, err)
		check(wa.ID)
	}

	tree, set, err := ledger.AuthorizedTransfersTree(f.DB, wa.ID, 1, ledger.ListOptions{})
	require.NoError(t, err)
	for i := 0; i < set.Len(); i++ {
		leaf, err := set.Leaf(i)
		require.NoError(t, err)
		proof, err := tree.Proof(uint64(i))
		require.NoError(t, err)
		require.True(t, merkle.VerifyProof(leaf, uint64(i), proof, tree.Root()))
	}
}

func TestAvailabilityIsMonotonic(t *testing.T) {
	f := ledgertest.New(t)
	token := f.Token(1)
	keys := []*crypto.PrivateKey{f.Account(), f.Account(), f.Account()}
	wallets := make([]models.Wallet, len(keys))
	for i, k := range keys {
		wallets[i] = f.Admit(k.Address(), token)
		f.Deposit(wallets[i], 1, 100)
	}
	_, err := f.Transfer(keys[0], keys[1].Address(), token, 10, false)
	require.NoError(t, err)
	_, err = f.Transfer(keys[2], keys[1].Address(), token, 15, true)
	require.NoError(t, err)
	tr, err := f.Transfer(keys[1], keys[2].Address(), token, 5, false)
	requireCode(t, err, cerrors.CodeOutstandingActiveTransfer)
	require.Nil(t, tr)

	for _, w := range wallets {
		appended := f.Available(w, 1, true)
		full := f.Available(w, 1, false)
		require.LessOrEqual(t, appended.Cmp(full), 0)
	}
}

func TestSwapCancellationRefundsSender(t *testing.T) {
	f := ledgertest.New(t)
	tokenA, tokenB := f.Token(1), f.Token(2)
	owner := f.Account()
	debit := f.Admit(owner.Address(), tokenA)
	credit := f.Admit(owner.Address(), tokenB)
	f.Deposit(debit, 1, 80)
	ctx := context.Background()

	leg := f.Swap(owner, tokenA, tokenB, 50, 10, 2)
	require.True(t, leg.Appended)
	require.True(t, f.Available(debit, 1, true).Equal(amt(30)))

	var later []models.Transfer
	require.NoError(t, f.DB.Where("tx_id = ? AND eon_number > ?", leg.TxID, 1).Find(&later).Error)
	require.Len(t, later, 2)

	settled := *leg
	settled.Processed, settled.Cancelled = true, true
	_, err := f.Ledger.CancelSwap(ctx, leg.ID,
		f.Sign(owner, leg.WalletID, &settled, true),
		f.Sign(owner, leg.RecipientID, &settled, true))
	requireCode(t, err, cerrors.CodeInvalidSwapStage)

	_, err = f.Ledger.FreezeSwap(ctx, leg.ID, crypto.Signature{})
	requireCode(t, err, cerrors.CodeInvalidSignature)
	freeze, err := crypto.Sign(owner, crypto.SwapFreezeChecksum(ledgertest.Contract, tokenA, tokenB, 1, leg.Nonce))
	require.NoError(t, err)
	_, err = f.Ledger.FreezeSwap(ctx, leg.ID, freeze)
	require.NoError(t, err)

	leg, err = f.Ledger.CancelSwap(ctx, leg.ID,
		f.Sign(owner, leg.WalletID, &settled, true),
		f.Sign(owner, leg.RecipientID, &settled, true))
	require.NoError(t, err)
	require.True(t, leg.Cancelled)
	require.True(t, leg.Processed)
	require.False(t, leg.Complete)

	require.True(t, f.Available(debit, 1, true).Equal(amt(80)))
	require.True(t, f.Available(credit, 1, true).IsZero())

	var voided int64
	require.NoError(t, f.DB.Model(&models.Transfer{}).Where("tx_id = ? AND voided = ?", leg.TxID, true).Count(&voided).Error)
	require.Equal(t, int64(2), voided)
	require.Len(t, f.Events.OfType(events.TypeSwapCancelled), 1)
}

func TestRetireSwapRollsRemainderForward(t *testing.T) {
	f := ledgertest.New(t)
	tokenA, tokenB := f.Token(1), f.Token(2)
	owner := f.Account()
	debit := f.Admit(owner.Address(), tokenA)
	f.Admit(owner.Address(), tokenB)
	f.Deposit(debit, 1, 100)

	leg := f.Swap(owner, tokenA, tokenB, 40, 20, 1)
	require.NoError(t, f.DB.Create(&models.Matching{
		EonNumber: 1, MakerTxID: leg.TxID, TakerTxID: "external",
		MakerAmountOut: amt(10), TakerAmountOut: amt(5),
	}).Error)

	require.NoError(t, f.Ledger.RetireSwap(f.DB, leg))
	require.True(t, f.Reload(leg).Processed)

	var next models.Transfer
	require.NoError(t, f.DB.Where("tx_id = ? AND eon_number = ?", leg.TxID, 2).First(&next).Error)
	require.True(t, next.Appended)
	require.NotNil(t, next.SenderActiveStateID)

	state, found, err := ledger.LatestCountersignedState(f.DB, debit.ID, 2)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, state.UpdatedSpendings.Equal(amt(30)))

	// the sender is refunded everything not sold in eon 1
	require.True(t, f.Available(debit, 1, true).Equal(amt(90)))

	require.NoError(t, f.Ledger.RetireSwap(f.DB, &next))
	require.True(t, f.Reload(&next).Processed)
}

func TestRetireUnconfirmedSwapVoidsLegs(t *testing.T) {
	f := ledgertest.New(t)
	tokenA, tokenB := f.Token(1), f.Token(2)
	owner := f.Account()
	debit := f.Admit(owner.Address(), tokenA)
	f.Admit(owner.Address(), tokenB)
	f.Deposit(debit, 1, 100)

	leg, err := f.Ledger.ScheduleSwap(context.Background(), f.SwapRequest(owner, tokenA, tokenB, 40, 20, 2))
	require.NoError(t, err)
	require.NoError(t, f.Ledger.RetireSwap(f.DB, leg))

	var live int64
	require.NoError(t, f.DB.Model(&models.Transfer{}).Where("tx_id = ? AND voided = ?", leg.TxID, false).Count(&live).Error)
	require.Zero(t, live)
}

func TestRegisterWalletAssignsDenseTrail(t *testing.T) {
	f := ledgertest.New(t)
	token := f.Token(1)
	first := f.Admit(f.Account().Address(), token)
	second := f.Admit(f.Account().Address(), token)
	require.Equal(t, uint64(0), first.TrailIdentifier)
	require.Equal(t, uint64(1), second.TrailIdentifier)

	again, err := f.Ledger.RegisterWallet(context.Background(), first.Addr(), token, 3)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	other := f.Token(2)
	tok, err := ledger.LookupToken(f.DB, other)
	require.NoError(t, err)
	require.Equal(t, uint64(1), tok.Trail)
}

func TestRecordMarker(t *testing.T) {
	f := ledgertest.New(t)
	token := f.Token(1)
	owner := f.Account()
	w := f.Admit(owner.Address(), token)
	f.Deposit(w, 1, 25)
	ctx := context.Background()

	sign := func(amount int64) crypto.Signature {
		checksum, err := crypto.MarkerChecksum(ledgertest.Contract, token, owner.Address(), 1, amt(amount))
		require.NoError(t, err)
		sig, err := crypto.Sign(owner, checksum)
		require.NoError(t, err)
		return sig
	}
	marker, err := f.Ledger.RecordMarker(ctx, ledger.MarkerRequest{Owner: owner.Address(), Token: token, Eon: 1, Amount: amt(20), Signature: sign(20)})
	require.NoError(t, err)
	require.NotZero(t, marker.SignatureID)

	_, err = f.Ledger.RecordMarker(ctx, ledger.MarkerRequest{Owner: owner.Address(), Token: token, Eon: 1, Amount: amt(30), Signature: sign(30)})
	requireCode(t, err, cerrors.CodeOverspending)
}
