package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	cerrors "commitchain/core/errors"
	"commitchain/core/events"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/crypto"
)

// SwapRequest is an owner-signed order to sell Amount of SellToken for at
// least AmountSwapped of BuyToken.
type SwapRequest struct {
	Owner         common.Address
	SellToken     common.Address
	BuyToken      common.Address
	Amount        types.Amount
	AmountSwapped types.Amount
	Nonce         uint64
	Eon           uint64
	DebitState    StateSubmission
	CreditState   StateSubmission
	// Authorizations pre-sign the legs for eons Eon+1, Eon+2, and so on.
	Authorizations []crypto.Signature
}

func (r SwapRequest) eons() []uint64 {
	eons := make([]uint64, 0, len(r.Authorizations)+1)
	for i := 0; i <= len(r.Authorizations); i++ {
		eons = append(eons, r.Eon+uint64(i))
	}
	return eons
}

// ScheduleSwap records the first leg of a swap together with its pre-signed
// later legs. The leg becomes matchable once AppendTransfer confirms it.
func (l *Ledger) ScheduleSwap(ctx context.Context, req SwapRequest) (*models.Transfer, error) {
	if req.Amount.Sign() <= 0 || req.AmountSwapped.Sign() <= 0 {
		return nil, cerrors.Validation(cerrors.CodeInvalidAmount, "swap amounts must be positive")
	}
	if req.SellToken == req.BuyToken {
		return nil, cerrors.Validation(cerrors.CodeTokenMismatch, "swap sells and buys %s", req.SellToken.Hex())
	}
	if err := l.requireEon(ctx, req.Eon); err != nil {
		return nil, err
	}
	db := l.db.WithContext(ctx)
	sell, err := LookupToken(db, req.SellToken)
	if err != nil {
		return nil, err
	}
	buy, err := LookupToken(db, req.BuyToken)
	if err != nil {
		return nil, err
	}
	debit, err := LookupWallet(db, req.Owner, sell.ID)
	if err != nil {
		return nil, err
	}
	credit, err := LookupWallet(db, req.Owner, buy.ID)
	if err != nil {
		return nil, err
	}

	var leg *models.Transfer
	err = l.underEon(ctx, req.Eon, []uint64{debit.ID, credit.ID}, func(ctx context.Context) error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			t, err := l.scheduleSwapLocked(tx, req, debit, credit)
			leg = t
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	l.emitStored(events.TypeTransferScheduled, leg)
	return leg, nil
}

func (l *Ledger) scheduleSwapLocked(tx *gorm.DB, req SwapRequest, debit, credit models.Wallet) (*models.Transfer, error) {
	for _, w := range []models.Wallet{debit, credit} {
		if err := requireUsable(w, req.Eon); err != nil {
			return nil, err
		}
		if err := CanScheduleTransfer(tx, w.ID, req.Eon); err != nil {
			return nil, err
		}
	}
	if err := checkNonce(tx, debit.ID, req.Nonce, req.eons()...); err != nil {
		return nil, err
	}
	if err := requireFunds(tx, debit.ID, req.Eon, req.Amount); err != nil {
		return nil, err
	}

	now := l.now()
	t := &models.Transfer{
		TxID:          uuid.NewString(),
		WalletID:      debit.ID,
		RecipientID:   credit.ID,
		Amount:        req.Amount,
		AmountSwapped: types.SomeAmount(req.AmountSwapped),
		Nonce:         req.Nonce,
		EonNumber:     req.Eon,
		Swap:          true,
		Time:          now,
	}
	debitDraft, err := l.draft(tx, debit.ID, req.Eon, t, false)
	if err != nil {
		return nil, err
	}
	creditDraft, err := l.draft(tx, credit.ID, req.Eon, t, false)
	if err != nil {
		return nil, err
	}
	if err := verifySubmission(debitDraft, req.DebitState); err != nil {
		return nil, err
	}
	if err := verifySubmission(creditDraft, req.CreditState); err != nil {
		return nil, err
	}
	debitSig, err := storeSignature(tx, debit.ID, debit.Addr(), debitDraft.Checksum, req.DebitState.Signature)
	if err != nil {
		return nil, err
	}
	creditSig, err := storeSignature(tx, credit.ID, credit.Addr(), creditDraft.Checksum, req.CreditState.Signature)
	if err != nil {
		return nil, err
	}
	debitState, err := l.persistState(tx, debitDraft, debitSig, false)
	if err != nil {
		return nil, err
	}
	creditState, err := l.persistState(tx, creditDraft, creditSig, false)
	if err != nil {
		return nil, err
	}
	t.SenderActiveStateID = &debitState.ID
	t.RecipientActiveStateID = &creditState.ID
	applyDrafts(t, debitDraft, creditDraft)
	if err := tx.Create(t).Error; err != nil {
		return nil, fmt.Errorf("store swap: %w", err)
	}

	for i, auth := range req.Authorizations {
		eon := req.Eon + uint64(i) + 1
		checksum, err := crypto.SwapAuthorizationChecksum(l.contract, req.SellToken, req.BuyToken, req.Owner, req.Amount, req.AmountSwapped, req.Nonce, eon)
		if err != nil {
			return nil, err
		}
		sig, err := storeSignature(tx, debit.ID, debit.Addr(), checksum, auth)
		if err != nil {
			return nil, err
		}
		later := &models.Transfer{
			TxID:                     t.TxID,
			WalletID:                 debit.ID,
			RecipientID:              credit.ID,
			Amount:                   req.Amount,
			AmountSwapped:            types.SomeAmount(req.AmountSwapped),
			Nonce:                    req.Nonce,
			EonNumber:                eon,
			Swap:                     true,
			Time:                     now,
			AuthorizationSignatureID: &sig.ID,
		}
		if err := tx.Create(later).Error; err != nil {
			return nil, fmt.Errorf("store swap leg for eon %d: %w", eon, err)
		}
	}
	return t, nil
}

func applyDrafts(t *models.Transfer, sender, recipient *Draft) {
	t.SenderMerkleIndex = uint64Ptr(sender.Index)
	t.SenderMerkleRoot = sender.Root.Hex()
	t.SenderMerkleHashCache, t.SenderMerkleHeightCache = sender.HashCache, sender.HeightCache
	t.RecipientMerkleIndex = uint64Ptr(recipient.Index)
	t.RecipientMerkleRoot = recipient.Root.Hex()
	t.RecipientMerkleHashCache, t.RecipientMerkleHeightCache = recipient.HashCache, recipient.HeightCache
}

// swapLeg locks a live swap leg under the eon and wallet locks and runs fn in
// one transaction.
func (l *Ledger) swapLeg(ctx context.Context, id uint64, fn func(tx *gorm.DB, leg *models.Transfer) error) (*models.Transfer, error) {
	var pending models.Transfer
	if err := l.db.WithContext(ctx).First(&pending, "id = ?", id).Error; err != nil {
		return nil, cerrors.Validation(cerrors.CodeTransferNotFound, "transfer %d", id)
	}
	if !pending.Swap {
		return nil, cerrors.Validation(cerrors.CodeInvalidSwapStage, "transfer %d is not a swap", id)
	}
	if err := l.requireEon(ctx, pending.EonNumber); err != nil {
		return nil, err
	}
	var out models.Transfer
	err := l.underEon(ctx, pending.EonNumber, []uint64{pending.WalletID, pending.RecipientID}, func(ctx context.Context) error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			leg, err := lockTransfer(tx, id)
			if err != nil {
				return err
			}
			if err := fn(tx, &leg); err != nil {
				return err
			}
			out = leg
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FreezeSwap records the owner's freeze signature, stopping further matching
// of the leg ahead of cancellation.
func (l *Ledger) FreezeSwap(ctx context.Context, id uint64, sig crypto.Signature) (*models.Transfer, error) {
	return l.swapLeg(ctx, id, func(tx *gorm.DB, leg *models.Transfer) error {
		if leg.SwapFreezingSignatureID != nil {
			return nil
		}
		if leg.Voided || !leg.Appended || leg.Settled() {
			return cerrors.Validation(cerrors.CodeInvalidSwapStage, "swap %d is not open", leg.ID)
		}
		refs, err := LoadWallets(tx, leg.WalletID, leg.RecipientID)
		if err != nil {
			return err
		}
		sender, recipient := refs[leg.WalletID], refs[leg.RecipientID]
		checksum := crypto.SwapFreezeChecksum(l.contract, sender.Token, recipient.Token, leg.EonNumber, leg.Nonce)
		stored, err := storeSignature(tx, sender.ID, sender.Address, checksum, sig)
		if err != nil {
			return err
		}
		leg.SwapFreezingSignatureID = &stored.ID
		return tx.Model(&models.Transfer{}).Where("id = ?", leg.ID).Update("swap_freezing_signature_id", stored.ID).Error
	})
}

// CancelSwap settles a frozen leg: the sender is refunded what was not sold,
// the recipient keeps what was bought, and later legs are voided.
func (l *Ledger) CancelSwap(ctx context.Context, id uint64, senderState, recipientState StateSubmission) (*models.Transfer, error) {
	leg, err := l.swapLeg(ctx, id, func(tx *gorm.DB, leg *models.Transfer) error {
		if leg.Voided || !leg.Appended || leg.Settled() {
			return cerrors.Validation(cerrors.CodeInvalidSwapStage, "swap %d is not open", leg.ID)
		}
		if leg.SwapFreezingSignatureID == nil {
			return cerrors.Validation(cerrors.CodeInvalidSwapStage, "swap %d must be frozen before cancellation", leg.ID)
		}
		leg.Processed, leg.Cancelled = true, true
		senderID, err := l.settleState(tx, leg, leg.WalletID, senderState)
		if err != nil {
			return err
		}
		recipientID, err := l.settleState(tx, leg, leg.RecipientID, recipientState)
		if err != nil {
			return err
		}
		leg.SenderCancellationActiveStateID = &senderID
		leg.RecipientCancellationActiveStateID = &recipientID
		if err := tx.Save(leg).Error; err != nil {
			return fmt.Errorf("cancel swap %d: %w", leg.ID, err)
		}
		return voidLaterLegs(tx, leg)
	})
	if err != nil {
		return nil, err
	}
	l.EmitSwap(events.TypeSwapCancelled, leg)
	return leg, nil
}

// settleState verifies and countersigns a wallet's state for a settled leg.
func (l *Ledger) settleState(tx *gorm.DB, leg *models.Transfer, walletID uint64, sub StateSubmission) (uint64, error) {
	d, err := l.draft(tx, walletID, leg.EonNumber, leg, true)
	if err != nil {
		return 0, err
	}
	if err := verifySubmission(d, sub); err != nil {
		return 0, err
	}
	sig, err := storeSignature(tx, d.Wallet.ID, d.Wallet.Address, d.Checksum, sub.Signature)
	if err != nil {
		return 0, err
	}
	state, err := l.persistState(tx, d, sig, true)
	if err != nil {
		return 0, err
	}
	return state.ID, nil
}

// SignFulfillment marks a fully matched leg complete and issues the
// operator-signed recipient state crediting what was bought. It runs inside
// the caller's transaction with the leg row locked.
func (l *Ledger) SignFulfillment(tx *gorm.DB, leg *models.Transfer) error {
	if leg.Complete {
		return nil
	}
	if !leg.Swap || !leg.Appended || leg.Voided || leg.Cancelled {
		return cerrors.Validation(cerrors.CodeInvalidSwapStage, "swap %d cannot be fulfilled", leg.ID)
	}
	leg.Processed, leg.Complete = true, true
	d, err := l.draft(tx, leg.RecipientID, leg.EonNumber, leg, true)
	if err != nil {
		return err
	}
	state, err := l.persistState(tx, d, nil, true)
	if err != nil {
		return err
	}
	leg.RecipientFulfillmentActiveStateID = &state.ID
	if err := tx.Save(leg).Error; err != nil {
		return fmt.Errorf("fulfill swap %d: %w", leg.ID, err)
	}
	return voidLaterLegs(tx, leg)
}

// FinalizeSwap records the recipient's acknowledgement of a complete leg.
func (l *Ledger) FinalizeSwap(ctx context.Context, id uint64, state StateSubmission) (*models.Transfer, error) {
	var applied bool
	leg, err := l.swapLeg(ctx, id, func(tx *gorm.DB, leg *models.Transfer) error {
		if leg.RecipientFinalizationActiveStateID != nil {
			return nil
		}
		if !leg.Complete || leg.Cancelled {
			return cerrors.Validation(cerrors.CodeInvalidSwapStage, "swap %d is not complete", leg.ID)
		}
		stateID, err := l.settleState(tx, leg, leg.RecipientID, state)
		if err != nil {
			return err
		}
		leg.RecipientFinalizationActiveStateID = &stateID
		applied = true
		return tx.Model(&models.Transfer{}).Where("id = ?", leg.ID).
			Update("recipient_finalization_active_state_id", stateID).Error
	})
	if err != nil {
		return nil, err
	}
	if applied {
		l.EmitSwap(events.TypeSwapFinalized, leg)
	}
	return leg, nil
}

// RetireSwap closes a leg at the end of its eon. An open leg is settled in
// place and the next pre-authorized leg, if any remains to sell, is appended
// with operator-issued states. A leg that was never confirmed is voided
// together with its later legs.
func (l *Ledger) RetireSwap(tx *gorm.DB, leg *models.Transfer) error {
	if !leg.Swap || leg.Voided {
		return nil
	}
	if !leg.Appended {
		return voidLocked(tx, leg)
	}
	if leg.Settled() {
		return nil
	}
	leg.Processed = true
	if err := tx.Model(&models.Transfer{}).Where("id = ?", leg.ID).Update("processed", true).Error; err != nil {
		return fmt.Errorf("retire swap %d: %w", leg.ID, err)
	}

	var next models.Transfer
	res := tx.Where("tx_id = ? AND eon_number = ? AND voided = ?", leg.TxID, leg.EonNumber+1, false).Limit(1).Find(&next)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 || next.Appended {
		return nil
	}
	fills, err := LoadFills(tx, leg.TxID)
	if err != nil {
		return err
	}
	remaining, _ := Remaining(leg, fills.Of(leg.TxID))
	if next.AuthorizationSignatureID == nil || remaining.IsZero() {
		return voidLocked(tx, &next)
	}

	next.Time = leg.Time
	senderDraft, err := l.draft(tx, next.WalletID, next.EonNumber, &next, false)
	if err != nil {
		return err
	}
	recipientDraft, err := l.draft(tx, next.RecipientID, next.EonNumber, &next, false)
	if err != nil {
		return err
	}
	senderState, err := l.persistState(tx, senderDraft, nil, true)
	if err != nil {
		return err
	}
	recipientState, err := l.persistState(tx, recipientDraft, nil, true)
	if err != nil {
		return err
	}
	next.SenderActiveStateID = &senderState.ID
	next.RecipientActiveStateID = &recipientState.ID
	applyDrafts(&next, senderDraft, recipientDraft)
	next.Appended = true
	if err := tx.Save(&next).Error; err != nil {
		return fmt.Errorf("roll swap %s into eon %d: %w", next.TxID, next.EonNumber, err)
	}
	l.logger.Info("swap rolled into next eon", "txId", next.TxID, "eon", next.EonNumber, "remaining", remaining.String())
	return nil
}

// EmitSwap notifies the owner of a swap about its progress. Lookup failures
// only skip the notification.
func (l *Ledger) EmitSwap(kind string, leg *models.Transfer) {
	fills, err := LoadFills(l.db, leg.TxID)
	if err != nil {
		l.logger.Warn("skip swap notification", "txId", leg.TxID, "error", err)
		return
	}
	owner, err := LoadWallet(l.db, leg.WalletID)
	if err != nil {
		l.logger.Warn("skip swap notification", "txId", leg.TxID, "error", err)
		return
	}
	fill := fills.Of(leg.TxID)
	l.Emit(events.SwapUpdate{
		Type:       kind,
		Wallet:     owner.Address,
		TxID:       leg.TxID,
		Eon:        leg.EonNumber,
		MatchedOut: fill.TotalOut(),
		MatchedIn:  fill.TotalIn(),
	})
}
