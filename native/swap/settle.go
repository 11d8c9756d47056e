package swap

import (
	"context"
	"fmt"
	"log/slog"

	cerrors "commitchain/core/errors"
	"commitchain/core/models"
	"commitchain/native/ledger"
)

// SettlementClass serialises settle runs.
const SettlementClass = "swap-settlement"

// SettleResult summarises a settle run.
type SettleResult struct {
	Cancelled int
	Finalized int
	Rejected  int
}

// Settle applies the queued cancellations and finalizations of eon in
// arrival order. Rejected requests keep their reason and are not retried.
func (e *Engine) Settle(ctx context.Context, eon uint64) (SettleResult, error) {
	var res SettleResult
	ok, err := e.locks.TryClass(ctx, SettlementClass, func(ctx context.Context) error {
		rows, err := ledger.PendingSettlements(e.db.WithContext(ctx), eon)
		if err != nil {
			return fmt.Errorf("list settlements: %w", err)
		}
		for i := range rows {
			row := &rows[i]
			_, err := e.ledger.ApplySettlement(ctx, row)
			switch {
			case cerrors.IsValidation(err):
				res.Rejected++
				e.logger.Warn("swap settlement rejected",
					slog.Uint64("settlement", row.ID), slog.Uint64("transfer", row.TransferID),
					slog.String("kind", row.Kind), slog.Any("error", err))
			case err != nil:
				return fmt.Errorf("settlement %d: %w", row.ID, err)
			case row.Kind == models.SettlementCancel:
				res.Cancelled++
			default:
				res.Finalized++
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if !ok {
		e.logger.Debug("settlement already running", slog.Uint64("eon", eon))
	}
	return res, nil
}
