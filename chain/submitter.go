package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"gorm.io/gorm"

	"commitchain/core/events"
	"commitchain/core/models"
	"commitchain/storage/locks"
)

// SubmitClass serialises broadcasting of queued operator transactions.
const SubmitClass = "operator-transactions"

const defaultMaxAttempts = 5

// Submitter broadcasts queued operator transactions in queue order.
type Submitter struct {
	client      Client
	db          *gorm.DB
	locks       *locks.Manager
	emitter     events.Emitter
	maxAttempts int
	logger      *slog.Logger
}

// NewSubmitter builds a submitter. A zero maxAttempts uses the default.
func NewSubmitter(client Client, db *gorm.DB, lockManager *locks.Manager, emitter events.Emitter, maxAttempts int, logger *slog.Logger) *Submitter {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		client:      client,
		db:          db,
		locks:       lockManager,
		emitter:     emitter,
		maxAttempts: maxAttempts,
		logger:      logger.With(slog.String("component", "submitter")),
	}
}

// Flush broadcasts every pending transaction and returns how many were sent.
// Failures are recorded on the row; a row that exhausts its attempts is
// marked failed and raises an alert.
func (s *Submitter) Flush(ctx context.Context) (int, error) {
	sent := 0
	_, err := s.locks.TryClass(ctx, SubmitClass, func(ctx context.Context) error {
		var pending []models.OperatorTransaction
		if err := s.db.WithContext(ctx).Where("status = ?", StatusPending).Order("id").Find(&pending).Error; err != nil {
			return err
		}
		for i := range pending {
			row := &pending[i]
			if err := s.submit(ctx, row); err != nil {
				return err
			}
			if row.Status == StatusSent {
				sent++
			}
		}
		return nil
	})
	return sent, err
}

func (s *Submitter) submit(ctx context.Context, row *models.OperatorTransaction) error {
	data, err := Calldata(row)
	if err != nil {
		return err
	}
	hash, sendErr := s.client.Send(ctx, data)
	updates := map[string]interface{}{}
	if sendErr == nil {
		row.Status, row.TxHash = StatusSent, hash.Hex()
		updates["status"], updates["tx_hash"] = row.Status, row.TxHash
		s.logger.Info("operator transaction sent", "kind", row.Kind, "tag", row.Tag, "tx", row.TxHash)
	} else {
		row.Attempts++
		row.LastError = truncate(sendErr.Error(), 512)
		updates["attempts"], updates["last_error"] = row.Attempts, row.LastError
		if row.Attempts >= s.maxAttempts {
			row.Status = StatusFailed
			updates["status"] = row.Status
			s.emitter.Emit(events.OperatorAlert{
				Component: "submitter",
				Severity:  events.SeverityCritical,
				Reason:    "operator transaction failed",
				Details: map[string]string{
					"kind":     row.Kind,
					"tag":      row.Tag,
					"attempts": strconv.Itoa(row.Attempts),
					"error":    row.LastError,
				},
			})
		}
		s.logger.Warn("operator transaction not sent", "kind", row.Kind, "tag", row.Tag, "attempts", row.Attempts, "error", sendErr)
	}
	if err := s.db.WithContext(ctx).Model(&models.OperatorTransaction{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update operator transaction %d: %w", row.ID, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
