package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	cerrors "commitchain/core/errors"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/crypto"
)

// RequestCancellation queues the owner's signed cancellation states for a
// frozen leg. The settle task applies them.
func (l *Ledger) RequestCancellation(ctx context.Context, id uint64, senderState, recipientState StateSubmission) (*models.SwapSettlement, error) {
	return l.requestSettlement(ctx, id, models.SettlementCancel, &senderState, recipientState)
}

// RequestFinalization queues the recipient's signed acknowledgement of a
// complete leg.
func (l *Ledger) RequestFinalization(ctx context.Context, id uint64, state StateSubmission) (*models.SwapSettlement, error) {
	return l.requestSettlement(ctx, id, models.SettlementFinalize, nil, state)
}

func (l *Ledger) requestSettlement(ctx context.Context, id uint64, kind string, sender *StateSubmission, recipient StateSubmission) (*models.SwapSettlement, error) {
	var leg models.Transfer
	if err := l.db.WithContext(ctx).First(&leg, "id = ?", id).Error; err != nil {
		return nil, cerrors.Validation(cerrors.CodeTransferNotFound, "transfer %d", id)
	}
	if !leg.Swap || leg.Voided || !leg.Appended {
		return nil, cerrors.Validation(cerrors.CodeInvalidSwapStage, "swap %d is not live", id)
	}
	switch kind {
	case models.SettlementCancel:
		if leg.SwapFreezingSignatureID == nil || leg.Settled() {
			return nil, cerrors.Validation(cerrors.CodeInvalidSwapStage, "swap %d must be frozen and open to cancel", id)
		}
	case models.SettlementFinalize:
		if !leg.Complete || leg.Cancelled {
			return nil, cerrors.Validation(cerrors.CodeInvalidSwapStage, "swap %d is not complete", id)
		}
	}
	row := &models.SwapSettlement{
		TransferID:         id,
		Kind:               kind,
		Status:             models.SettlementPending,
		RecipientSpendings: recipient.Spendings,
		RecipientGains:     recipient.Gains,
		RecipientTxSetRoot: recipient.TxSetRoot.Hex(),
		RecipientSignature: recipient.Signature.Hex(),
	}
	if sender != nil {
		row.SenderSpendings = sender.Spendings
		row.SenderGains = sender.Gains
		row.SenderTxSetRoot = sender.TxSetRoot.Hex()
		row.SenderSignature = sender.Signature.Hex()
	}
	if err := l.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("queue %s of swap %d: %w", kind, id, err)
	}
	return row, nil
}

// PendingSettlements lists the queued settlements of legs in eon, oldest
// first.
func PendingSettlements(tx *gorm.DB, eon uint64) ([]models.SwapSettlement, error) {
	var rows []models.SwapSettlement
	legs := tx.Session(&gorm.Session{NewDB: true}).Model(&models.Transfer{}).Select("id").Where("eon_number = ?", eon)
	err := tx.Where("status = ? AND transfer_id IN (?)", models.SettlementPending, legs).
		Order("id").Find(&rows).Error
	return rows, err
}

// ApplySettlement runs a queued settlement and records the outcome.
// Validation failures reject the row and are returned; other errors leave it
// pending.
func (l *Ledger) ApplySettlement(ctx context.Context, row *models.SwapSettlement) (*models.Transfer, error) {
	leg, err := l.applySettlement(ctx, row)
	switch {
	case cerrors.IsValidation(err):
		row.Status, row.Reason = models.SettlementRejected, err.Error()
	case err != nil:
		return nil, err
	default:
		row.Status, row.Reason = models.SettlementApplied, ""
	}
	if serr := l.db.WithContext(ctx).Save(row).Error; serr != nil {
		return nil, fmt.Errorf("settlement %d: %w", row.ID, serr)
	}
	return leg, err
}

func (l *Ledger) applySettlement(ctx context.Context, row *models.SwapSettlement) (*models.Transfer, error) {
	recipient, err := queuedState(row.RecipientSpendings, row.RecipientGains, row.RecipientTxSetRoot, row.RecipientSignature)
	if err != nil {
		return nil, err
	}
	if row.Kind == models.SettlementFinalize {
		return l.FinalizeSwap(ctx, row.TransferID, recipient)
	}
	sender, err := queuedState(row.SenderSpendings, row.SenderGains, row.SenderTxSetRoot, row.SenderSignature)
	if err != nil {
		return nil, err
	}
	return l.CancelSwap(ctx, row.TransferID, sender, recipient)
}

func queuedState(spendings, gains types.Amount, root, sig string) (StateSubmission, error) {
	parsed, err := crypto.ParseSignature(sig)
	if err != nil {
		return StateSubmission{}, cerrors.Validation(cerrors.CodeInvalidSignature, "%v", err)
	}
	return StateSubmission{
		Spendings: spendings,
		Gains:     gains,
		TxSetRoot: common.HexToHash(root),
		Signature: parsed,
	}, nil
}
