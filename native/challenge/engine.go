// Package challenge answers on-chain disputes against committed balances
// with proofs rebuilt from the ledger.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"commitchain/chain"
	cerrors "commitchain/core/errors"
	"commitchain/core/events"
	"commitchain/core/merkle"
	"commitchain/core/models"
	"commitchain/crypto"
	"commitchain/native/checkpoint"
	"commitchain/native/ledger"
	"commitchain/observability"
	"commitchain/storage/locks"
)

// ResponseClass serialises challenge responses.
const ResponseClass = "challenge-response"

// Dispute kinds.
const (
	KindStateUpdate = "state_update"
	KindDelivery    = "delivery"
	KindSwap        = "swap"
)

var (
	errNilLedger = errors.New("challenge: ledger not configured")
	errNilClient = errors.New("challenge: chain client not configured")

	// ErrReconstruction marks a rebuttal that cannot be rebuilt from the
	// ledger. It is never retried automatically.
	ErrReconstruction = errors.New("challenge: proof reconstruction failed")
)

func reconstruction(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrReconstruction, fmt.Sprintf(format, args...))
}

// Result counts the outcome of one response run.
type Result struct {
	Answered        int
	AlreadyAnswered int
	Failed          int
}

// Engine answers open challenges oldest first.
type Engine struct {
	ledger *ledger.Ledger
	db     *gorm.DB
	client chain.Client
	locks  *locks.Manager
	tracer trace.Tracer
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine wires the engine to the ledger and the hub.
func NewEngine(l *ledger.Ledger, client chain.Client) (*Engine, error) {
	if l == nil {
		return nil, errNilLedger
	}
	if client == nil {
		return nil, errNilClient
	}
	return &Engine{
		ledger: l,
		db:     l.DB(),
		client: client,
		locks:  l.Locks(),
		tracer: otel.Tracer("commitchain/challenge"),
		logger: l.Logger().With(slog.String("component", "challenge")),
		now:    time.Now,
	}, nil
}

// Respond answers every unresolved challenge against a commitment that has
// landed on chain. A run already in progress elsewhere makes it a no-op.
func (e *Engine) Respond(ctx context.Context) (res Result, err error) {
	ctx, span := e.tracer.Start(ctx, "challenge.respond")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("answered", res.Answered),
			attribute.Int("already_answered", res.AlreadyAnswered),
			attribute.Int("failed", res.Failed),
		)
		span.End()
	}()
	_, err = e.locks.TryClass(ctx, ResponseClass, func(ctx context.Context) error {
		var err error
		res, err = e.respondAll(ctx)
		return err
	})
	return res, err
}

func (e *Engine) respondAll(ctx context.Context) (Result, error) {
	var res Result
	db := e.db.WithContext(ctx)
	var latest models.RootCommitment
	found := db.Where("block > ?", 0).Order("eon_number DESC").Limit(1).Find(&latest)
	if found.Error != nil {
		return res, found.Error
	}
	if found.RowsAffected == 0 {
		return res, nil
	}
	var pending []models.Challenge
	err := db.Where("rebuted = ? AND failed_at IS NULL AND eon_number <= ?", false, latest.EonNumber).
		Order("block, id").Find(&pending).Error
	if err != nil {
		return res, fmt.Errorf("list challenges: %w", err)
	}
	for i := range pending {
		c := &pending[i]
		kind, already, err := e.respond(ctx, c)
		switch {
		case errors.Is(err, ErrReconstruction):
			res.Failed++
			if err := e.fail(ctx, c, kind, err); err != nil {
				return res, err
			}
		case err != nil:
			return res, fmt.Errorf("challenge %d: %w", c.ID, err)
		case already:
			res.AlreadyAnswered++
		default:
			res.Answered++
		}
	}
	return res, nil
}

// dispute is a classified challenge.
type dispute struct {
	challenge *models.Challenge
	kind      string
	token     models.Token
	buy       models.Token
	sender    common.Address
	recipient common.Address
}

// classify derives the dispute kind from the parties: a wallet challenging
// itself disputes its state, a conduit recipient disputes a swap and any
// other recipient disputes a delivery.
func classify(tx *gorm.DB, c *models.Challenge) (*dispute, error) {
	d := &dispute{
		challenge: c,
		sender:    common.HexToAddress(c.Sender),
		recipient: common.HexToAddress(c.Recipient),
	}
	if err := tx.First(&d.token, "id = ?", c.TokenID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return d, reconstruction("token %d unknown", c.TokenID)
		}
		return d, err
	}
	if d.sender == d.recipient {
		d.kind = KindStateUpdate
		return d, nil
	}
	var tokens []models.Token
	if err := tx.Where("id <> ?", d.token.ID).Order("trail").Find(&tokens).Error; err != nil {
		return d, err
	}
	for _, other := range tokens {
		if crypto.ConduitAddress(d.token.Addr(), other.Addr()) == d.recipient {
			d.kind, d.buy = KindSwap, other
			return d, nil
		}
	}
	d.kind = KindDelivery
	return d, nil
}

func methodFor(kind string) string {
	switch kind {
	case KindStateUpdate:
		return chain.MethodAnswerStateUpdate
	case KindSwap:
		return chain.MethodAnswerSwap
	default:
		return chain.MethodAnswerDelivery
	}
}

// respond answers one challenge. already reports a challenge the hub shows
// as answered, which is marked rebuted without a new submission.
func (e *Engine) respond(ctx context.Context, c *models.Challenge) (kind string, already bool, err error) {
	d, err := classify(e.db.WithContext(ctx), c)
	if err != nil {
		return d.kind, false, err
	}
	record, err := e.client.Challenge(ctx, d.token.Addr(), d.sender, d.recipient)
	if err != nil {
		return d.kind, false, cerrors.RetryLater("challenge record of %s: %v", c.Sender, err)
	}
	if record.Answered {
		err := e.db.WithContext(ctx).Model(&models.Challenge{}).Where("id = ?", c.ID).Update("rebuted", true).Error
		if err != nil {
			return d.kind, false, err
		}
		e.logger.Info("challenge already answered on chain", "challenge", c.ID, "kind", d.kind)
		return d.kind, true, nil
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		answer, err := e.reconstruct(tx, d)
		if err != nil {
			return err
		}
		if _, _, err := chain.QueueAnswer(tx, methodFor(d.kind), c.ID, answer); err != nil {
			return err
		}
		return tx.Model(&models.Challenge{}).Where("id = ?", c.ID).Update("rebuted", true).Error
	})
	if err != nil {
		return d.kind, false, err
	}
	observability.Challenge().RecordAnswered(d.kind)
	e.ledger.Emit(events.ChallengeAnswered{
		ChallengeID: c.ID,
		Eon:         c.EonNumber,
		Sender:      d.sender,
		Recipient:   d.recipient,
		Kind:        d.kind,
	})
	e.logger.Info("challenge answered", "challenge", c.ID, "kind", d.kind, "eon", c.EonNumber)
	return d.kind, false, nil
}

// fail parks a challenge that cannot be answered and alerts the operator.
func (e *Engine) fail(ctx context.Context, c *models.Challenge, kind string, cause error) error {
	now := e.now()
	reason := cause.Error()
	if len(reason) > 512 {
		reason = reason[:512]
	}
	err := e.db.WithContext(ctx).Model(&models.Challenge{}).Where("id = ?", c.ID).
		Updates(map[string]interface{}{"failed_at": now, "failure_reason": reason}).Error
	if err != nil {
		return fmt.Errorf("park challenge %d: %w", c.ID, err)
	}
	observability.Challenge().RecordFailed(kind)
	e.ledger.Emit(events.OperatorAlert{
		Component: "challenge",
		Severity:  events.SeverityCritical,
		Reason:    "challenge answer cannot be reconstructed",
		Details: map[string]string{
			"challenge": strconv.FormatUint(c.ID, 10),
			"eon":       strconv.FormatUint(c.EonNumber, 10),
			"sender":    c.Sender,
			"recipient": c.Recipient,
			"kind":      kind,
			"error":     reason,
		},
	})
	e.logger.Error("challenge answer failed", "challenge", c.ID, "kind", kind, "error", cause)
	return nil
}

// reconstruct rebuilds the rebuttal of d: the sender's committed allotment
// and, when the dispute names a transfer, its membership in the tx-set the
// sender last had countersigned.
func (e *Engine) reconstruct(tx *gorm.DB, d *dispute) (chain.Answer, error) {
	c := d.challenge
	answer := chain.Answer{Token: d.token.Addr(), Sender: d.sender, Recipient: d.recipient}
	wallet, err := ledger.LookupWallet(tx, d.sender, d.token.ID)
	if err != nil {
		if cerrors.IsValidation(err) {
			return answer, reconstruction("wallet %s of token %s not admitted", c.Sender, d.token.Address)
		}
		return answer, err
	}
	allotment, err := e.allotment(tx, d, wallet)
	if err != nil {
		return answer, err
	}
	answer.Left, answer.Right = allotment.Left, allotment.Right
	answer.AllotmentTrail = allotment.MerkleProofTrail
	proof, err := checkpoint.AllotmentProof(allotment)
	if err != nil {
		return answer, reconstruction("allotment %d proof: %v", allotment.ID, err)
	}
	answer.AllotmentHashes, answer.AllotmentValues = proof.Hashes, proof.Values
	answer.PassiveAmount, answer.PassiveMarker = allotment.PassiveAmount, allotment.PassiveMarker
	answer.PassiveChecksum = common.HexToHash(allotment.PassiveChecksum)

	if allotment.ActiveStateID == nil {
		if d.kind == KindStateUpdate {
			return answer, nil
		}
		return answer, reconstruction("wallet %d has no countersigned state in eon %d", wallet.ID, c.EonNumber-1)
	}
	var state models.ActiveState
	if err := tx.First(&state, "id = ?", *allotment.ActiveStateID).Error; err != nil {
		return answer, reconstruction("active state %d: %v", *allotment.ActiveStateID, err)
	}
	answer.Spendings, answer.Gains = state.UpdatedSpendings, state.UpdatedGains
	if answer.WalletSignature, err = signatureBytes(tx, state.WalletSignatureID); err != nil {
		return answer, err
	}
	if answer.OperatorSignature, err = signatureBytes(tx, state.OperatorSignatureID); err != nil {
		return answer, err
	}

	index := state.TxSetIndex
	if d.kind != KindStateUpdate {
		t, err := e.disputedTransfer(tx, d, wallet, state)
		if err != nil {
			return answer, err
		}
		index = *t.SenderMerkleIndex
	}
	return answer, e.membership(tx, wallet, state, index, &answer)
}

// allotment loads the sender's allotment for the challenged eon and checks
// it against the stored token commitment.
func (e *Engine) allotment(tx *gorm.DB, d *dispute, wallet models.Wallet) (*models.ExclusiveBalanceAllotment, error) {
	c := d.challenge
	var allotment models.ExclusiveBalanceAllotment
	res := tx.Where("wallet_id = ? AND eon_number = ? AND unclaimed = ?", wallet.ID, c.EonNumber, false).Limit(1).Find(&allotment)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, reconstruction("no allotment for wallet %d in eon %d", wallet.ID, c.EonNumber)
	}
	var commitment models.TokenCommitment
	if err := tx.First(&commitment, "id = ?", allotment.TokenCommitmentID).Error; err != nil {
		return nil, reconstruction("token commitment %d: %v", allotment.TokenCommitmentID, err)
	}
	leaf, err := checkpoint.AllotmentLeaf(tx, e.ledger.Contract(), d.token, wallet, &allotment)
	if err != nil {
		return nil, reconstruction("allotment %d leaf: %v", allotment.ID, err)
	}
	proof, err := checkpoint.AllotmentProof(&allotment)
	if err != nil {
		return nil, reconstruction("allotment %d proof: %v", allotment.ID, err)
	}
	if !merkle.CheckAllotment(leaf, proof, common.HexToHash(commitment.MerkleRoot), commitment.UpperBound) {
		return nil, reconstruction("allotment %d does not verify against commitment %d", allotment.ID, commitment.ID)
	}
	return &allotment, nil
}

// disputedTransfer finds the newest appended transfer from the sender to the
// disputed recipient that the countersigned state covers.
func (e *Engine) disputedTransfer(tx *gorm.DB, d *dispute, wallet models.Wallet, state models.ActiveState) (*models.Transfer, error) {
	c := d.challenge
	recipientOwner, recipientToken := d.recipient, d.token.ID
	if d.kind == KindSwap {
		recipientOwner, recipientToken = d.sender, d.buy.ID
	}
	recipient, err := ledger.LookupWallet(tx, recipientOwner, recipientToken)
	if err != nil {
		if cerrors.IsValidation(err) {
			return nil, reconstruction("recipient %s not admitted", recipientOwner.Hex())
		}
		return nil, err
	}
	var t models.Transfer
	res := tx.Where("wallet_id = ? AND recipient_id = ? AND eon_number = ? AND swap = ? AND appended = ? AND voided = ? AND sender_merkle_index IS NOT NULL AND sender_merkle_index <= ?",
		wallet.ID, recipient.ID, c.EonNumber-1, d.kind == KindSwap, true, false, state.TxSetIndex).
		Order("sender_merkle_index DESC").Limit(1).Find(&t)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, reconstruction("no %s transfer from wallet %d to wallet %d in eon %d", d.kind, wallet.ID, recipient.ID, c.EonNumber-1)
	}
	return &t, nil
}

// membership rebuilds the tx-set the state was signed over and proves entry
// index in it. The tree is accepted only when it reproduces the signed root.
func (e *Engine) membership(tx *gorm.DB, wallet models.Wallet, state models.ActiveState, index uint64, answer *chain.Answer) error {
	signed := common.HexToHash(state.TxSetHash)
	upTo := state.TxSetIndex
	for _, finalized := range []bool{false, true} {
		tree, _, err := ledger.AuthorizedTransfersTree(tx, wallet.ID, state.EonNumber, ledger.ListOptions{
			UpTo:                  &upTo,
			LastTransferFinalized: finalized,
		})
		if err != nil {
			return err
		}
		if tree.Root() != signed || index >= tree.Size() {
			continue
		}
		leaf, err := tree.Leaf(index)
		if err != nil {
			return reconstruction("leaf %d: %v", index, err)
		}
		proof, err := tree.Proof(index)
		if err != nil {
			return reconstruction("proof %d: %v", index, err)
		}
		answer.TxSetRoot, answer.Membership, answer.TxIndex, answer.Leaf = signed, proof, index, leaf
		return nil
	}
	return reconstruction("tx-set of wallet %d eon %d does not reproduce signed root %s", wallet.ID, state.EonNumber, signed.Hex())
}

func signatureBytes(tx *gorm.DB, id *uint64) ([]byte, error) {
	if id == nil {
		return []byte{}, nil
	}
	var row models.Signature
	if err := tx.First(&row, "id = ?", *id).Error; err != nil {
		return nil, reconstruction("signature %d: %v", *id, err)
	}
	sig, err := crypto.ParseSignature(row.Value)
	if err != nil {
		return nil, reconstruction("signature %d: %v", *id, err)
	}
	return sig.Bytes(), nil
}
