package chain

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	cerrors "commitchain/core/errors"
	"commitchain/core/eon"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/native/ledger"
)

// Interpreter turns hub events into ledger rows.
type Interpreter struct {
	eon    eon.Config
	logger *slog.Logger
}

// NewInterpreter builds an interpreter for the given eon layout.
func NewInterpreter(layout eon.Config, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{eon: layout, logger: logger.With(slog.String("component", "chain"))}
}

// Table returns the handler of every hub event the operator follows.
func (i *Interpreter) Table() map[EventName]Handler {
	return map[EventName]Handler{
		EventDeposit:              HandlerFunc(i.deposit),
		EventWithdrawalRequest:    HandlerFunc(i.withdrawalRequest),
		EventWithdrawal:           HandlerFunc(i.withdrawal),
		EventCheckpointSubmission: HandlerFunc(i.checkpointSubmission),
		EventChallengeIssued:      HandlerFunc(i.challengeIssued),
	}
}

// flow is the common (token, wallet, amount) payload of fund movements.
type flow struct {
	walletID uint64
	eon      uint64
	amount   types.Amount
}

// resolveFlow maps a fund movement to an admitted wallet. Movements of
// unknown wallets are reported as skipped.
func (i *Interpreter) resolveFlow(tx *gorm.DB, log Log) (flow, bool, error) {
	tokenAddr, err := argAddress(log, "token")
	if err != nil {
		return flow{}, false, err
	}
	owner, err := argAddress(log, "wallet")
	if err != nil {
		return flow{}, false, err
	}
	amount, err := argAmount(log, "amount")
	if err != nil {
		return flow{}, false, err
	}
	number, err := i.eon.Number(log.Block)
	if err != nil {
		return flow{}, false, err
	}
	token, err := ledger.LookupToken(tx, tokenAddr)
	if err != nil {
		if cerrors.IsValidation(err) {
			i.logger.Warn("event for unmanaged token", "event", log.Name, "token", tokenAddr.Hex(), "tx", log.TxHash.Hex())
			return flow{}, false, nil
		}
		return flow{}, false, err
	}
	wallet, err := ledger.LookupWallet(tx, owner, token.ID)
	if err != nil {
		if cerrors.IsValidation(err) {
			i.logger.Warn("event for unadmitted wallet", "event", log.Name, "wallet", owner.Hex(), "token", tokenAddr.Hex(), "tx", log.TxHash.Hex())
			return flow{}, false, nil
		}
		return flow{}, false, err
	}
	return flow{walletID: wallet.ID, eon: number, amount: amount}, true, nil
}

func insertOnce(tx *gorm.DB, row interface{}) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

func (i *Interpreter) deposit(_ context.Context, tx *gorm.DB, log Log) error {
	f, ok, err := i.resolveFlow(tx, log)
	if err != nil || !ok {
		return err
	}
	return insertOnce(tx, &models.Deposit{
		WalletID:  f.walletID,
		EonNumber: f.eon,
		Amount:    f.amount,
		TxHash:    log.TxHash.Hex(),
		LogIndex:  log.Index,
		Block:     log.Block,
	})
}

func (i *Interpreter) withdrawalRequest(_ context.Context, tx *gorm.DB, log Log) error {
	f, ok, err := i.resolveFlow(tx, log)
	if err != nil || !ok {
		return err
	}
	return insertOnce(tx, &models.WithdrawalRequest{
		WalletID:  f.walletID,
		EonNumber: f.eon,
		Amount:    f.amount,
		TxHash:    log.TxHash.Hex(),
		LogIndex:  log.Index,
		Block:     log.Block,
	})
}

func (i *Interpreter) withdrawal(_ context.Context, tx *gorm.DB, log Log) error {
	f, ok, err := i.resolveFlow(tx, log)
	if err != nil || !ok {
		return err
	}
	return insertOnce(tx, &models.Withdrawal{
		WalletID:  f.walletID,
		EonNumber: f.eon,
		Amount:    f.amount,
		TxHash:    log.TxHash.Hex(),
		LogIndex:  log.Index,
		Block:     log.Block,
	})
}

// checkpointSubmission records the block a root commitment landed in. A
// root that differs from the local one is an integrity failure.
func (i *Interpreter) checkpointSubmission(_ context.Context, tx *gorm.DB, log Log) error {
	number, err := argUint64(log, "eon")
	if err != nil {
		return err
	}
	root, err := argHash(log, "merkleRoot")
	if err != nil {
		return err
	}
	var commitment models.RootCommitment
	if err := tx.Where("eon_number = ?", number).First(&commitment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			i.logger.Warn("checkpoint submitted without local commitment", "eon", number, "root", root.Hex())
			return nil
		}
		return err
	}
	if !strings.EqualFold(commitment.MerkleRoot, root.Hex()) {
		return cerrors.Integrity("eon %d committed root %s on chain, %s locally", number, root.Hex(), commitment.MerkleRoot)
	}
	return tx.Model(&models.RootCommitment{}).Where("id = ?", commitment.ID).Update("block", log.Block).Error
}

func (i *Interpreter) challengeIssued(_ context.Context, tx *gorm.DB, log Log) error {
	tokenAddr, err := argAddress(log, "token")
	if err != nil {
		return err
	}
	sender, err := argAddress(log, "sender")
	if err != nil {
		return err
	}
	recipient, err := argAddress(log, "recipient")
	if err != nil {
		return err
	}
	number, err := argUint64(log, "eon")
	if err != nil {
		return err
	}
	token, err := ledger.LookupToken(tx, tokenAddr)
	if err != nil {
		return err
	}
	return insertOnce(tx, &models.Challenge{
		TokenID:   token.ID,
		Sender:    addressKey(sender),
		Recipient: addressKey(recipient),
		EonNumber: number,
		Block:     log.Block,
	})
}

// addressKey is the stored form of an address.
func addressKey(a common.Address) string { return a.Hex() }
