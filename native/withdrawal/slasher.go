// Package withdrawal slashes on-chain withdrawal requests that overdraw a
// wallet's committed balance.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"commitchain/chain"
	"commitchain/core/events"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/crypto"
	"commitchain/native/ledger"
	"commitchain/observability"
	"commitchain/storage/locks"
)

// SlashClass serialises slashing runs.
const SlashClass = "withdrawal-slash"

var errNilLedger = errors.New("withdrawal: ledger not configured")

// Result counts the outcome of one slashing run.
type Result struct {
	Checked  int
	Slashed  int
	Unbacked int
}

// Slasher queues slashWithdrawal calls for over-withdrawals.
type Slasher struct {
	ledger *ledger.Ledger
	db     *gorm.DB
	locks  *locks.Manager
	tracer trace.Tracer
	logger *slog.Logger
}

func NewSlasher(l *ledger.Ledger) (*Slasher, error) {
	if l == nil {
		return nil, errNilLedger
	}
	return &Slasher{
		ledger: l,
		db:     l.DB(),
		locks:  l.Locks(),
		tracer: otel.Tracer("commitchain/withdrawal"),
		logger: l.Logger().With(slog.String("component", "withdrawal")),
	}, nil
}

// SlashBadWithdrawals checks the pending withdrawal requests of the current
// and previous eon. A request is slashed when it leaves the wallet below
// the latest marker it signed for that eon.
func (s *Slasher) SlashBadWithdrawals(ctx context.Context) (res Result, err error) {
	ctx, span := s.tracer.Start(ctx, "withdrawal.slash")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("checked", res.Checked),
			attribute.Int("slashed", res.Slashed),
			attribute.Int("unbacked", res.Unbacked),
		)
		span.End()
	}()
	_, err = s.locks.TryClass(ctx, SlashClass, func(ctx context.Context) error {
		var err error
		res, err = s.run(ctx)
		return err
	})
	return res, err
}

func (s *Slasher) run(ctx context.Context) (Result, error) {
	var res Result
	current, err := s.ledger.CurrentEon(ctx)
	if err != nil {
		return res, err
	}
	from := current
	if from > 1 {
		from--
	}
	var pending []models.WithdrawalRequest
	err = s.db.WithContext(ctx).
		Where("slashed = ? AND slash_queued = ? AND eon_number >= ?", false, false, from).
		Order("eon_number, id").Find(&pending).Error
	if err != nil {
		return res, fmt.Errorf("list withdrawal requests: %w", err)
	}
	for i := range pending {
		req := &pending[i]
		res.Checked++
		var outcome verdict
		err := s.locks.WithRead(ctx, locks.EonLockName(req.EonNumber), func(ctx context.Context) error {
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				var err error
				outcome, err = s.check(tx, req)
				return err
			})
		})
		if err != nil {
			return res, fmt.Errorf("withdrawal request %d: %w", req.ID, err)
		}
		switch outcome.state {
		case verdictSlashed:
			res.Slashed++
			observability.Withdrawal().RecordSlashed()
			s.ledger.Emit(outcome.event)
			s.logger.Warn("withdrawal slashed", "request", req.ID, "wallet", req.WalletID, "amount", req.Amount.String(), "marker", outcome.event.Marker.String())
		case verdictUnbacked:
			res.Unbacked++
			observability.Withdrawal().RecordUnbacked()
			s.logger.Warn("over-withdrawal without marker", "request", req.ID, "wallet", req.WalletID, "amount", req.Amount.String())
		}
	}
	return res, nil
}

const (
	verdictValid = iota
	verdictSlashed
	verdictUnbacked
)

type verdict struct {
	state int
	event events.WithdrawalSlashed
}

// Before reports the appended-only availability of a wallet in eon ahead of
// request id: every request from id on is added back.
func Before(tx *gorm.DB, walletID, eon, id uint64) (types.Amount, error) {
	available, err := ledger.AvailableFundsAtEon(tx, walletID, eon, true)
	if err != nil {
		return types.Amount{}, err
	}
	var later []models.WithdrawalRequest
	err = tx.Where("wallet_id = ? AND eon_number = ? AND slashed = ? AND id >= ?", walletID, eon, false, id).
		Find(&later).Error
	if err != nil {
		return types.Amount{}, fmt.Errorf("requests: %w", err)
	}
	for _, r := range later {
		available = available.Add(r.Amount)
	}
	return available, nil
}

func (s *Slasher) check(tx *gorm.DB, req *models.WithdrawalRequest) (verdict, error) {
	var row models.WithdrawalRequest
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", req.ID).Error; err != nil {
		return verdict{}, err
	}
	if row.Slashed || row.SlashQueued {
		return verdict{}, nil
	}
	before, err := Before(tx, row.WalletID, row.EonNumber, row.ID)
	if err != nil {
		return verdict{}, err
	}

	var marker models.MinimumAvailableBalanceMarker
	found := tx.Where("wallet_id = ? AND eon_number = ?", row.WalletID, row.EonNumber).
		Order("id DESC").Limit(1).Find(&marker)
	if found.Error != nil {
		return verdict{}, fmt.Errorf("marker: %w", found.Error)
	}
	floor := types.Amount{}
	if found.RowsAffected > 0 {
		floor = marker.Amount
	}
	if before.Sub(row.Amount).Cmp(floor) >= 0 {
		return verdict{}, nil
	}
	if found.RowsAffected == 0 {
		return verdict{state: verdictUnbacked}, nil
	}

	var wallet models.Wallet
	if err := tx.First(&wallet, "id = ?", row.WalletID).Error; err != nil {
		return verdict{}, fmt.Errorf("wallet %d: %w", row.WalletID, err)
	}
	var token models.Token
	if err := tx.First(&token, "id = ?", wallet.TokenID).Error; err != nil {
		return verdict{}, fmt.Errorf("token %d: %w", wallet.TokenID, err)
	}
	var stored models.Signature
	if err := tx.First(&stored, "id = ?", marker.SignatureID).Error; err != nil {
		return verdict{}, fmt.Errorf("marker %d signature: %w", marker.ID, err)
	}
	sig, err := crypto.ParseSignature(stored.Value)
	if err != nil {
		return verdict{}, fmt.Errorf("marker %d signature: %w", marker.ID, err)
	}
	if _, _, err := chain.QueueSlash(tx, row.ID, token.Addr(), wallet.Addr(), row.EonNumber, marker.Amount, sig.Bytes()); err != nil {
		return verdict{}, err
	}
	if err := tx.Model(&row).Update("slash_queued", true).Error; err != nil {
		return verdict{}, err
	}
	return verdict{state: verdictSlashed, event: events.WithdrawalSlashed{
		RequestID: row.ID,
		Wallet:    wallet.Addr(),
		Token:     token.Addr(),
		Eon:       row.EonNumber,
		Amount:    row.Amount,
		Marker:    marker.Amount,
	}}, nil
}
