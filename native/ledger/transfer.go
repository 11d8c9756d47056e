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
	"commitchain/observability"
)

// TransferRequest is a sender-signed simple transfer.
type TransferRequest struct {
	Sender    common.Address
	Recipient common.Address
	Token     common.Address
	Amount    types.Amount
	Nonce     uint64
	Eon       uint64
	Passive   bool
	State     StateSubmission
}

func checkNonce(tx *gorm.DB, walletID, nonce uint64, eons ...uint64) error {
	n, err := countTransfers(tx, "wallet_id = ? AND nonce = ? AND eon_number IN ?", walletID, nonce, eons)
	if err != nil {
		return err
	}
	if n > 0 {
		return cerrors.Validation(cerrors.CodeNonceReuse, "nonce %d already used by wallet %d", nonce, walletID)
	}
	return nil
}

func requireFunds(tx *gorm.DB, walletID, eon uint64, amount types.Amount) error {
	available, err := AvailableFundsAtEon(tx, walletID, eon, true)
	if err != nil {
		return err
	}
	if amount.Cmp(available) > 0 {
		return cerrors.Validation(cerrors.CodeOverspending, "amount %s exceeds available %s", amount, available)
	}
	return nil
}

// ScheduleTransfer validates and records a transfer. Passive transfers are
// countersigned and appended immediately; active ones wait for the
// recipient's receipt.
func (l *Ledger) ScheduleTransfer(ctx context.Context, req TransferRequest) (*models.Transfer, error) {
	if req.Amount.Sign() <= 0 {
		return nil, cerrors.Validation(cerrors.CodeInvalidAmount, "amount must be positive")
	}
	if req.Sender == req.Recipient {
		return nil, cerrors.Validation(cerrors.CodeSelfTransfer, "sender and recipient are both %s", req.Sender.Hex())
	}
	if err := l.requireEon(ctx, req.Eon); err != nil {
		return nil, err
	}
	db := l.db.WithContext(ctx)
	token, err := LookupToken(db, req.Token)
	if err != nil {
		return nil, err
	}
	sender, err := LookupWallet(db, req.Sender, token.ID)
	if err != nil {
		return nil, err
	}
	recipient, err := LookupWallet(db, req.Recipient, token.ID)
	if err != nil {
		return nil, err
	}

	var scheduled *models.Transfer
	err = l.underEon(ctx, req.Eon, []uint64{sender.ID, recipient.ID}, func(ctx context.Context) error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			t, err := l.scheduleLocked(tx, req, sender, recipient)
			scheduled = t
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	l.emitStored(events.TypeTransferScheduled, scheduled)
	if scheduled.Appended {
		l.emitStored(events.TypeTransferAppended, scheduled)
	}
	return scheduled, nil
}

func (l *Ledger) scheduleLocked(tx *gorm.DB, req TransferRequest, sender, recipient models.Wallet) (*models.Transfer, error) {
	if err := requireUsable(sender, req.Eon); err != nil {
		return nil, err
	}
	if err := requireUsable(recipient, req.Eon); err != nil {
		return nil, err
	}
	if err := checkNonce(tx, sender.ID, req.Nonce, req.Eon); err != nil {
		return nil, err
	}
	if err := CanScheduleTransfer(tx, sender.ID, req.Eon); err != nil {
		return nil, err
	}
	if err := requireFunds(tx, sender.ID, req.Eon, req.Amount); err != nil {
		return nil, err
	}

	t := &models.Transfer{
		TxID:        uuid.NewString(),
		WalletID:    sender.ID,
		RecipientID: recipient.ID,
		Amount:      req.Amount,
		Nonce:       req.Nonce,
		EonNumber:   req.Eon,
		Passive:     req.Passive,
		Time:        l.now(),
	}
	d, err := l.draft(tx, sender.ID, req.Eon, t, false)
	if err != nil {
		return nil, err
	}
	if err := verifySubmission(d, req.State); err != nil {
		return nil, err
	}
	sig, err := storeSignature(tx, sender.ID, sender.Addr(), d.Checksum, req.State.Signature)
	if err != nil {
		return nil, err
	}
	state, err := l.persistState(tx, d, sig, req.Passive)
	if err != nil {
		return nil, err
	}
	t.SenderActiveStateID = &state.ID
	t.SenderMerkleIndex = uint64Ptr(d.Index)
	t.SenderMerkleRoot = d.Root.Hex()
	t.SenderMerkleHashCache, t.SenderMerkleHeightCache = d.HashCache, d.HeightCache

	if req.Passive {
		position, err := sumAmounts(tx, &models.Transfer{},
			"recipient_id = ? AND eon_number = ? AND passive = ? AND appended = ? AND voided = ?",
			recipient.ID, req.Eon, true, true, false)
		if err != nil {
			return nil, fmt.Errorf("passive position: %w", err)
		}
		t.PassivePosition = position
		t.Appended, t.Processed, t.Complete = true, true, true
	}
	if err := tx.Create(t).Error; err != nil {
		return nil, fmt.Errorf("store transfer: %w", err)
	}
	return t, nil
}

// ReceiptTransfer records the recipient's signed state for an active transfer
// and appends it to both tx-sets.
func (l *Ledger) ReceiptTransfer(ctx context.Context, id uint64, state StateSubmission) (*models.Transfer, error) {
	var pending models.Transfer
	if err := l.db.WithContext(ctx).First(&pending, "id = ?", id).Error; err != nil {
		return nil, cerrors.Validation(cerrors.CodeTransferNotFound, "transfer %d", id)
	}
	if err := l.requireEon(ctx, pending.EonNumber); err != nil {
		return nil, err
	}
	var appended models.Transfer
	err := l.underEon(ctx, pending.EonNumber, []uint64{pending.WalletID, pending.RecipientID}, func(ctx context.Context) error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			t, err := lockTransfer(tx, id)
			if err != nil {
				return err
			}
			if t.Swap || t.Passive || t.Voided || t.Appended || t.RecipientMerkleIndex != nil {
				return cerrors.Validation(cerrors.CodeInvalidTransferStage, "transfer %d cannot be receipted", id)
			}
			var recipient models.Wallet
			if err := tx.First(&recipient, "id = ?", t.RecipientID).Error; err != nil {
				return err
			}
			if err := requireUsable(recipient, t.EonNumber); err != nil {
				return err
			}
			if err := CanAppendTransfer(tx, &t); err != nil {
				return err
			}
			d, err := l.draft(tx, t.RecipientID, t.EonNumber, &t, false)
			if err != nil {
				return err
			}
			if err := verifySubmission(d, state); err != nil {
				return err
			}
			sig, err := storeSignature(tx, recipient.ID, recipient.Addr(), d.Checksum, state.Signature)
			if err != nil {
				return err
			}
			st, err := l.persistState(tx, d, sig, false)
			if err != nil {
				return err
			}
			t.RecipientActiveStateID = &st.ID
			t.RecipientMerkleIndex = uint64Ptr(d.Index)
			t.RecipientMerkleRoot = d.Root.Hex()
			t.RecipientMerkleHashCache, t.RecipientMerkleHeightCache = d.HashCache, d.HeightCache
			if err := l.appendLocked(tx, &t); err != nil {
				return err
			}
			appended = t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	l.emitStored(events.TypeTransferAppended, &appended)
	return &appended, nil
}

// AppendTransfer countersigns the client states of a scheduled transfer or
// swap leg and adds it to both tx-sets.
func (l *Ledger) AppendTransfer(ctx context.Context, id uint64) (*models.Transfer, error) {
	var pending models.Transfer
	if err := l.db.WithContext(ctx).First(&pending, "id = ?", id).Error; err != nil {
		return nil, cerrors.Validation(cerrors.CodeTransferNotFound, "transfer %d", id)
	}
	var appended models.Transfer
	err := l.underEon(ctx, pending.EonNumber, []uint64{pending.WalletID, pending.RecipientID}, func(ctx context.Context) error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			t, err := lockTransfer(tx, id)
			if err != nil {
				return err
			}
			if t.Appended {
				appended = t
				return nil
			}
			if t.Voided {
				return cerrors.Validation(cerrors.CodeInvalidTransferStage, "transfer %d is voided", id)
			}
			if err := l.appendLocked(tx, &t); err != nil {
				return err
			}
			appended = t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	l.emitStored(events.TypeTransferAppended, &appended)
	return &appended, nil
}

func (l *Ledger) appendLocked(tx *gorm.DB, t *models.Transfer) error {
	if t.SenderActiveStateID == nil || t.RecipientActiveStateID == nil {
		return cerrors.Validation(cerrors.CodeInvalidTransferStage, "transfer %d is missing a signed state", t.ID)
	}
	if err := l.countersign(tx, t.SenderActiveStateID); err != nil {
		return err
	}
	if err := l.countersign(tx, t.RecipientActiveStateID); err != nil {
		return err
	}
	t.Appended = true
	if t.Swap {
		t.Time = l.now()
	} else {
		t.Processed, t.Complete = true, true
	}
	if err := tx.Save(t).Error; err != nil {
		return fmt.Errorf("append transfer %d: %w", t.ID, err)
	}
	return nil
}

// VoidTransfer discards a transfer that was never appended. Voiding a swap leg
// also voids its later legs.
func (l *Ledger) VoidTransfer(ctx context.Context, id uint64) error {
	var pending models.Transfer
	if err := l.db.WithContext(ctx).First(&pending, "id = ?", id).Error; err != nil {
		return cerrors.Validation(cerrors.CodeTransferNotFound, "transfer %d", id)
	}
	var voided models.Transfer
	err := l.underEon(ctx, pending.EonNumber, []uint64{pending.WalletID, pending.RecipientID}, func(ctx context.Context) error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			t, err := lockTransfer(tx, id)
			if err != nil {
				return err
			}
			if t.Appended {
				return cerrors.Validation(cerrors.CodeInvalidTransferStage, "transfer %d is already appended", id)
			}
			if t.Voided {
				return nil
			}
			if err := voidLocked(tx, &t); err != nil {
				return err
			}
			voided = t
			return nil
		})
	})
	if err != nil {
		return err
	}
	if voided.ID != 0 {
		l.emitStored(events.TypeTransferVoided, &voided)
	}
	return nil
}

func voidLocked(tx *gorm.DB, t *models.Transfer) error {
	t.Voided = true
	if err := tx.Model(&models.Transfer{}).Where("id = ?", t.ID).Update("voided", true).Error; err != nil {
		return fmt.Errorf("void transfer %d: %w", t.ID, err)
	}
	if t.Swap {
		return voidLaterLegs(tx, t)
	}
	return nil
}

func voidLaterLegs(tx *gorm.DB, t *models.Transfer) error {
	err := tx.Model(&models.Transfer{}).
		Where("tx_id = ? AND eon_number > ? AND appended = ? AND voided = ?", t.TxID, t.EonNumber, false, false).
		Update("voided", true).Error
	if err != nil {
		return fmt.Errorf("void later legs of %s: %w", t.TxID, err)
	}
	return nil
}

// VoidExpiredTransfers voids the simple transfers of eon that were never
// receipted. It runs inside the checkpoint transaction.
func VoidExpiredTransfers(tx *gorm.DB, eon uint64) (int64, error) {
	res := tx.Model(&models.Transfer{}).
		Where("eon_number = ? AND swap = ? AND appended = ? AND voided = ?", eon, false, false, false).
		Update("voided", true)
	if res.Error != nil {
		return 0, fmt.Errorf("void expired transfers: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// emitStored reloads the parties of t for notification. Lookup failures only
// skip the notification.
func (l *Ledger) emitStored(kind string, t *models.Transfer) {
	observability.Ledger().RecordTransition(kind)
	refs, err := LoadWallets(l.db, t.WalletID, t.RecipientID)
	if err != nil {
		l.logger.Warn("skip transfer notification", "txId", t.TxID, "error", err)
		return
	}
	sender, recipient := refs[t.WalletID], refs[t.RecipientID]
	for _, w := range []common.Address{sender.Address, recipient.Address} {
		l.Emit(events.TransferUpdate{
			Type:      kind,
			Wallet:    w,
			TxID:      t.TxID,
			Sender:    sender.Address,
			Recipient: recipient.Address,
			Token:     sender.Token,
			Amount:    t.Amount,
			Eon:       t.EonNumber,
			Passive:   t.Passive,
		})
	}
}
