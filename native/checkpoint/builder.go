// Package checkpoint commits the exclusive balance allotments of every
// admitted wallet at the close of an eon.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"commitchain/chain"
	cerrors "commitchain/core/errors"
	"commitchain/core/eon"
	"commitchain/core/events"
	"commitchain/core/merkle"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/crypto"
	"commitchain/native/ledger"
	"commitchain/observability"
	"commitchain/storage/locks"
)

var (
	errNilLedger = errors.New("checkpoint: ledger not configured")
	errZeroEon   = errors.New("checkpoint: eon numbers start at 1")

	// ErrMissingContractState reports that the hub state closing the prior
	// eon has not been synchronised yet.
	ErrMissingContractState = errors.New("checkpoint: prior eon contract state not synchronised")
)

// Builder creates root commitments.
type Builder struct {
	ledger *ledger.Ledger
	db     *gorm.DB
	locks  *locks.Manager
	eon    eon.Config
	tracer trace.Tracer
	logger *slog.Logger
}

// NewBuilder wires a builder to the ledger whose balances it commits.
func NewBuilder(l *ledger.Ledger, layout eon.Config) (*Builder, error) {
	if l == nil {
		return nil, errNilLedger
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &Builder{
		ledger: l,
		db:     l.DB(),
		locks:  l.Locks(),
		eon:    layout,
		tracer: otel.Tracer("commitchain/checkpoint"),
		logger: l.Logger().With(slog.String("component", "checkpoint")),
	}, nil
}

// run carries the state of one checkpoint attempt.
type run struct {
	eon    uint64
	prior  uint64
	basis  string
	root   common.Hash
	tokens []tokenCommit
	alerts []events.OperatorAlert
}

func (r *run) alert(severity, reason string, details map[string]string) {
	r.alerts = append(r.alerts, events.OperatorAlert{
		Component: "checkpoint",
		Severity:  severity,
		Reason:    reason,
		Details:   details,
	})
}

// tokenCommit is one token's tree and the allotments placed in it.
type tokenCommit struct {
	token      models.Token
	tree       *merkle.IntervalTree
	allotments []*models.ExclusiveBalanceAllotment
	unclaimed  types.Amount
}

// CreateCheckpointForEon commits the balances every wallet closed eon-1 with
// as its starting allotment for eon. It reports false when the commitment
// already exists. All writes happen in one transaction under the exclusive
// side of the prior eon's lock.
func (b *Builder) CreateCheckpointForEon(ctx context.Context, number uint64) (created bool, err error) {
	ctx, span := b.tracer.Start(ctx, "checkpoint.create", trace.WithAttributes(attribute.Int64("eon", int64(number))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("created", created))
		span.End()
	}()
	if number == 0 {
		return false, errZeroEon
	}
	if exists, err := rootExists(b.db.WithContext(ctx), number); err != nil || exists {
		return false, err
	}

	r := &run{eon: number, prior: number - 1}
	err = b.locks.WithWrite(ctx, locks.EonLockName(r.prior), func(ctx context.Context) error {
		return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			exists, err := rootExists(tx, number)
			if err != nil || exists {
				return err
			}
			created = true
			return b.build(tx, r)
		})
	})
	for _, alert := range r.alerts {
		b.ledger.Emit(alert)
	}
	if err != nil {
		created = false
		observability.Checkpoint().RecordFailure(failureReason(err))
		b.logger.Error("checkpoint failed", "eon", number, "error", err)
		return false, err
	}
	if !created {
		return false, nil
	}

	metrics := observability.Checkpoint()
	metrics.RecordCreated(number)
	for _, tc := range r.tokens {
		metrics.RecordToken(tc.token.Address, tc.tree.UpperBound().Big(), tc.unclaimed.Big())
	}
	b.ledger.Emit(events.CheckpointCreated{Eon: number, MerkleRoot: r.root, Basis: common.HexToHash(r.basis)})
	b.logger.Info("checkpoint created", "eon", number, "root", r.root.Hex(), "tokens", len(r.tokens))
	return true, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingContractState):
		return "missing_contract_state"
	case errors.Is(err, cerrors.ErrIntegrity):
		return "integrity"
	case errors.Is(err, cerrors.ErrRetryLater):
		return "retry_later"
	default:
		return "error"
	}
}

func rootExists(tx *gorm.DB, number uint64) (bool, error) {
	var n int64
	if err := tx.Model(&models.RootCommitment{}).Where("eon_number = ?", number).Count(&n).Error; err != nil {
		return false, fmt.Errorf("look up root commitment: %w", err)
	}
	return n > 0, nil
}

// priorState returns the synchronised hub state at the last sub-block of
// prior; eon 0 precedes the hub and has none.
func (b *Builder) priorState(tx *gorm.DB, r *run) (*models.ContractState, error) {
	if r.prior == 0 {
		return nil, nil
	}
	var state models.ContractState
	res := tx.Where("eon_number = ? AND sub_block = ?", r.prior, b.eon.LastSubBlock()).Limit(1).Find(&state)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		r.alert(events.SeverityWarning, "contract state missing", map[string]string{
			"eon": strconv.FormatUint(r.prior, 10),
		})
		return nil, fmt.Errorf("%w: eon %d", ErrMissingContractState, r.prior)
	}
	return &state, nil
}

func (b *Builder) build(tx *gorm.DB, r *run) error {
	state, err := b.priorState(tx, r)
	if err != nil {
		return err
	}
	if state != nil {
		r.basis = state.Basis
	}
	if err := b.retireSwaps(tx, r.prior); err != nil {
		return err
	}
	voided, err := ledger.VoidExpiredTransfers(tx, r.prior)
	if err != nil {
		return err
	}
	if voided > 0 {
		b.logger.Info("expired transfers voided", "eon", r.prior, "count", voided)
	}

	var tokens []models.Token
	if err := tx.Order("trail").Find(&tokens).Error; err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}
	entries := make([]merkle.TokenEntry, 0, len(tokens))
	for _, token := range tokens {
		tc, err := b.commitToken(tx, r, token, state)
		if err != nil {
			return err
		}
		r.tokens = append(r.tokens, tc)
		entries = append(entries, merkle.TokenEntry{
			Trail:      token.Trail,
			Token:      token.Addr(),
			Root:       tc.tree.Root(),
			UpperBound: tc.tree.UpperBound(),
		})
	}
	tokenTree, err := merkle.BuildTokenTree(entries)
	if err != nil {
		return cerrors.Integrity("token tree of eon %d: %v", r.eon, err)
	}
	r.root = tokenTree.Root()
	root := &models.RootCommitment{EonNumber: r.eon, Basis: r.basis, MerkleRoot: r.root.Hex()}
	if err := tx.Create(root).Error; err != nil {
		return fmt.Errorf("store root commitment: %w", err)
	}
	for i, tc := range r.tokens {
		if err := b.persistToken(tx, root, tokenTree, i, tc); err != nil {
			return err
		}
	}
	if _, err := chain.QueueCheckpoint(tx, r.eon, r.root); err != nil {
		return fmt.Errorf("queue checkpoint submission: %w", err)
	}
	return nil
}

// retireSwaps closes every swap leg of prior that is still unconfirmed or
// open, oldest first.
func (b *Builder) retireSwaps(tx *gorm.DB, prior uint64) error {
	var legs []*models.Transfer
	err := tx.Where("eon_number = ? AND swap = ? AND voided = ? AND (appended = ? OR (processed = ? AND complete = ?))",
		prior, true, false, false, false, false).
		Order("time, id").Find(&legs).Error
	if err != nil {
		return fmt.Errorf("list dangling swaps: %w", err)
	}
	for _, leg := range legs {
		if err := b.ledger.RetireSwap(tx, leg); err != nil {
			return fmt.Errorf("retire swap %s: %w", leg.TxID, err)
		}
	}
	return nil
}

func managedFunds(tx *gorm.DB, state *models.ContractState, tokenID uint64) (types.Amount, error) {
	if state == nil {
		return types.NewAmount(0), nil
	}
	var row models.TokenContractState
	res := tx.Where("contract_state_id = ? AND token_id = ?", state.ID, tokenID).Limit(1).Find(&row)
	if res.Error != nil {
		return types.Amount{}, res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewAmount(0), nil
	}
	return row.ManagedFunds, nil
}

// commitToken lays the token's wallets out on [0, managed funds) in trail
// order and builds the token's interval tree.
func (b *Builder) commitToken(tx *gorm.DB, r *run, token models.Token, state *models.ContractState) (tokenCommit, error) {
	tc := tokenCommit{token: token, unclaimed: types.NewAmount(0)}
	var wallets []models.Wallet
	err := tx.Where("token_id = ? AND registration_eon <= ?", token.ID, r.prior).
		Order("trail_identifier").Find(&wallets).Error
	if err != nil {
		return tc, fmt.Errorf("list wallets of token %s: %w", token.Address, err)
	}

	left := types.NewAmount(0)
	var leaves []merkle.IntervalLeaf
	for _, wallet := range wallets {
		allotment, content, err := b.allot(tx, r.prior, token, wallet, left)
		if err != nil {
			return tc, err
		}
		tc.allotments = append(tc.allotments, allotment)
		leaves = append(leaves, merkle.IntervalLeaf{Left: allotment.Left, Right: allotment.Right, Content: content})
		left = allotment.Right
	}

	funds, err := managedFunds(tx, state, token.ID)
	if err != nil {
		return tc, err
	}
	details := map[string]string{
		"eon":     strconv.FormatUint(r.eon, 10),
		"token":   token.Address,
		"claimed": left.String(),
		"managed": funds.String(),
	}
	switch left.Cmp(funds) {
	case 1:
		r.alert(events.SeverityCritical, "allotments exceed managed funds", details)
		return tc, cerrors.Integrity("token %s allots %s of %s managed funds in eon %d", token.Address, left, funds, r.eon)
	case -1:
		operator, err := ledger.LookupWallet(tx, b.ledger.OperatorAddress(), token.ID)
		if err != nil {
			if cerrors.IsValidation(err) {
				return tc, cerrors.RetryLater("operator wallet for token %s not admitted", token.Address)
			}
			return tc, err
		}
		tc.unclaimed = funds.Sub(left)
		unclaimed := &models.ExclusiveBalanceAllotment{
			WalletID:      operator.ID,
			EonNumber:     r.eon,
			Unclaimed:     true,
			Left:          left,
			Right:         funds,
			PassiveAmount: types.NewAmount(0),
			PassiveMarker: types.NewAmount(0),
		}
		content, err := leafContent(b.ledger.Contract(), token, operator, unclaimed, nil)
		if err != nil {
			return tc, err
		}
		tc.allotments = append(tc.allotments, unclaimed)
		leaves = append(leaves, merkle.IntervalLeaf{Left: left, Right: funds, Content: content})
		details["unclaimed"] = tc.unclaimed.String()
		r.alert(events.SeverityWarning, "unclaimed funds padded", details)
	}

	tc.tree, err = merkle.BuildInterval(leaves)
	if err != nil {
		return tc, cerrors.Integrity("allotment tree of token %s eon %d: %v", token.Address, r.eon, err)
	}
	return tc, nil
}

// allot computes wallet's allotment starting at left and fixes the delivery
// indices of every transfer it received in prior.
func (b *Builder) allot(tx *gorm.DB, prior uint64, token models.Token, wallet models.Wallet, left types.Amount) (*models.ExclusiveBalanceAllotment, common.Hash, error) {
	available, err := ledger.AvailableFundsAtEon(tx, wallet.ID, prior, true)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("availability of wallet %d: %w", wallet.ID, err)
	}
	if available.Sign() < 0 {
		return nil, common.Hash{}, cerrors.Integrity("wallet %d closes eon %d with negative balance %s", wallet.ID, prior, available)
	}

	passiveTree, passive, err := ledger.IncomingPassiveTransfersTree(tx, wallet.ID, prior)
	if err != nil {
		return nil, common.Hash{}, err
	}
	marker := types.NewAmount(0)
	for i, t := range passive {
		if err := tx.Model(&models.Transfer{}).Where("id = ?", t.ID).Update("delivery_index", uint64(i)).Error; err != nil {
			return nil, common.Hash{}, fmt.Errorf("delivery index of transfer %d: %w", t.ID, err)
		}
		marker = t.PassivePosition
	}
	err = tx.Model(&models.Transfer{}).
		Where("recipient_id = ? AND eon_number = ? AND passive = ? AND appended = ? AND voided = ? AND recipient_merkle_index IS NOT NULL",
			wallet.ID, prior, false, true, false).
		Update("delivery_index", gorm.Expr("recipient_merkle_index")).Error
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("delivery indices of wallet %d: %w", wallet.ID, err)
	}

	allotment := &models.ExclusiveBalanceAllotment{
		WalletID:        wallet.ID,
		EonNumber:       prior + 1,
		Left:            left,
		Right:           left.Add(available),
		PassiveChecksum: crypto.PassiveDeliveryChecksum(wallet.Addr(), prior, passiveTree.Root()).Hex(),
		PassiveAmount:   passiveTree.UpperBound(),
		PassiveMarker:   marker,
	}
	state, found, err := ledger.LatestCountersignedState(tx, wallet.ID, prior)
	if err != nil {
		return nil, common.Hash{}, err
	}
	var active *models.ActiveState
	if found {
		active = &state
		allotment.ActiveStateID = &state.ID
	}
	content, err := leafContent(b.ledger.Contract(), token, wallet, allotment, active)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return allotment, content, nil
}

func (b *Builder) persistToken(tx *gorm.DB, root *models.RootCommitment, tokenTree *merkle.IntervalTree, index int, tc tokenCommit) error {
	membership, err := tokenTree.Proof(index)
	if err != nil {
		return err
	}
	commitment := &models.TokenCommitment{
		RootCommitmentID: root.ID,
		TokenID:          tc.token.ID,
		MerkleRoot:       tc.tree.Root().Hex(),
		UpperBound:       tc.tree.UpperBound(),
		MembershipHashes: merkle.EncodeHashes(membership.Hashes),
		MembershipValues: merkle.EncodeValues(membership.Values),
		MembershipTrail:  membership.Trail,
	}
	if err := tx.Create(commitment).Error; err != nil {
		return fmt.Errorf("store commitment of token %s: %w", tc.token.Address, err)
	}
	for i, allotment := range tc.allotments {
		proof, err := tc.tree.Proof(i)
		if err != nil {
			return err
		}
		allotment.TokenCommitmentID = commitment.ID
		allotment.MerkleProofHashes = merkle.EncodeHashes(proof.Hashes)
		allotment.MerkleProofValues = merkle.EncodeValues(proof.Values)
		allotment.MerkleProofTrail = proof.Trail
		if err := tx.Create(allotment).Error; err != nil {
			return fmt.Errorf("store allotment of wallet %d: %w", allotment.WalletID, err)
		}
	}
	return nil
}
