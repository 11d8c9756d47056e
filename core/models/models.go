// Package models defines the persisted ledger entities.
package models

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	cerrors "commitchain/core/errors"
	"commitchain/core/types"
)

// Token is an ERC-20 managed by the hub.
type Token struct {
	ID        uint64 `gorm:"primaryKey"`
	Address   string `gorm:"size:42;uniqueIndex"`
	Name      string `gorm:"size:64"`
	ShortName string `gorm:"size:16"`
	Trail     uint64 `gorm:"uniqueIndex"`
	CreatedAt time.Time
}

// Addr returns the token contract address.
func (t Token) Addr() common.Address { return common.HexToAddress(t.Address) }

func (t *Token) LockKey() string { return lockKey("token", t.ID) }

func (t *Token) Validate() error {
	if !common.IsHexAddress(t.Address) {
		return cerrors.Integrity("token address %q", t.Address)
	}
	return nil
}

// Wallet is one (address, token) account admitted to the hub.
type Wallet struct {
	ID                      uint64 `gorm:"primaryKey"`
	Address                 string `gorm:"size:42;uniqueIndex:idx_wallet_owner"`
	TokenID                 uint64 `gorm:"uniqueIndex:idx_wallet_owner;uniqueIndex:idx_wallet_trail"`
	TrailIdentifier         uint64 `gorm:"uniqueIndex:idx_wallet_trail"`
	RegistrationEon         uint64 `gorm:"index"`
	RegistrationSignatureID *uint64
	Blacklisted             bool
	CreatedAt               time.Time
}

// Addr returns the wallet owner address.
func (w Wallet) Addr() common.Address { return common.HexToAddress(w.Address) }

func (w *Wallet) LockKey() string { return lockKey("wallet", w.ID) }

func (w *Wallet) Validate() error {
	if !common.IsHexAddress(w.Address) {
		return cerrors.Integrity("wallet address %q", w.Address)
	}
	if w.TokenID == 0 {
		return cerrors.Integrity("wallet %s without token", w.Address)
	}
	return nil
}

// Signature is an ECDSA (v,r,s) signature over Checksum by the wallet owner.
type Signature struct {
	ID        uint64 `gorm:"primaryKey"`
	WalletID  uint64 `gorm:"index"`
	Checksum  string `gorm:"size:66"`
	Value     string `gorm:"size:130"`
	CreatedAt time.Time
}

func (s *Signature) LockKey() string { return lockKey("signature", s.ID) }

func (s *Signature) Validate() error { return nil }

// ActiveState is a wallet's signed (spendings, gains, tx-set) snapshot.
type ActiveState struct {
	ID                  uint64       `gorm:"primaryKey"`
	WalletID            uint64       `gorm:"index:idx_active_state_wallet_eon"`
	EonNumber           uint64       `gorm:"index:idx_active_state_wallet_eon"`
	UpdatedSpendings    types.Amount `gorm:"not null"`
	UpdatedGains        types.Amount `gorm:"not null"`
	TxSetHash           string       `gorm:"size:66"`
	TxSetProof          string       `gorm:"type:text"`
	TxSetIndex          uint64
	WalletSignatureID   *uint64
	OperatorSignatureID *uint64
	CreatedAt           time.Time
}

func (a *ActiveState) LockKey() string { return lockKey("active_state", a.ID) }

func (a *ActiveState) Validate() error {
	if a.UpdatedSpendings.Sign() < 0 || a.UpdatedGains.Sign() < 0 {
		return cerrors.Integrity("active state %d has negative totals", a.ID)
	}
	return nil
}

// Transfer is a simple transfer or one per-eon leg of a swap.
type Transfer struct {
	ID            uint64           `gorm:"primaryKey"`
	TxID          string           `gorm:"size:36;index"`
	WalletID      uint64           `gorm:"uniqueIndex:idx_transfer_nonce;index"`
	RecipientID   uint64           `gorm:"index"`
	Amount        types.Amount     `gorm:"not null"`
	AmountSwapped types.NullAmount
	Nonce         uint64    `gorm:"uniqueIndex:idx_transfer_nonce"`
	EonNumber     uint64    `gorm:"uniqueIndex:idx_transfer_nonce;index"`
	Passive       bool
	Swap          bool      `gorm:"index"`
	Time          time.Time `gorm:"index"`

	// BookSequence orders appended swap legs by the matching run that first
	// saw them.
	BookSequence *uint64 `gorm:"index"`

	SenderActiveStateID                *uint64
	RecipientActiveStateID             *uint64
	RecipientFulfillmentActiveStateID  *uint64
	RecipientCancellationActiveStateID *uint64
	SenderCancellationActiveStateID    *uint64
	RecipientFinalizationActiveStateID *uint64
	AuthorizationSignatureID           *uint64
	SwapFreezingSignatureID            *uint64

	SenderMerkleIndex          *uint64
	SenderMerkleRoot           string `gorm:"size:66"`
	SenderMerkleHashCache      string `gorm:"type:text"`
	SenderMerkleHeightCache    string `gorm:"type:text"`
	RecipientMerkleIndex       *uint64
	RecipientMerkleRoot        string `gorm:"size:66"`
	RecipientMerkleHashCache   string `gorm:"type:text"`
	RecipientMerkleHeightCache string `gorm:"type:text"`

	PassivePosition types.Amount
	DeliveryIndex   *uint64

	Processed bool `gorm:"index"`
	Complete  bool
	Cancelled bool
	Voided    bool `gorm:"index"`
	Appended  bool `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Transfer) LockKey() string { return lockKey("transfer", t.ID) }

func (t *Transfer) Validate() error {
	if t.Amount.Sign() < 0 {
		return cerrors.Integrity("transfer %d negative amount", t.ID)
	}
	if t.Swap != t.AmountSwapped.Valid {
		return cerrors.Integrity("transfer %d swap flag disagrees with amount_swapped", t.ID)
	}
	if t.AmountSwapped.Valid && t.AmountSwapped.Amount.Sign() < 0 {
		return cerrors.Integrity("transfer %d negative amount_swapped", t.ID)
	}
	if t.Complete && !t.Processed {
		return cerrors.Integrity("transfer %d complete before processed", t.ID)
	}
	if t.Voided && t.Appended {
		return cerrors.Integrity("transfer %d both voided and appended", t.ID)
	}
	return nil
}

// Settled reports whether a swap leg's matched amounts are frozen for its eon.
func (t *Transfer) Settled() bool {
	return t.Processed || t.Complete
}

// Open reports whether a swap leg is eligible for matching.
func (t *Transfer) Open() bool {
	return t.Swap && t.Appended && !t.Voided && !t.Processed && !t.Complete && t.SwapFreezingSignatureID == nil
}

// ExclusiveBalanceAllotment is a wallet's [Left, Right) share of a token's
// managed funds at the end of an eon.
type ExclusiveBalanceAllotment struct {
	ID                uint64       `gorm:"primaryKey"`
	WalletID          uint64       `gorm:"uniqueIndex:idx_allotment_wallet_eon"`
	EonNumber         uint64       `gorm:"uniqueIndex:idx_allotment_wallet_eon;index"`
	Unclaimed         bool         `gorm:"uniqueIndex:idx_allotment_wallet_eon"`
	TokenCommitmentID uint64       `gorm:"index"`
	Left              types.Amount `gorm:"not null"`
	Right             types.Amount `gorm:"not null"`
	MerkleProofHashes string       `gorm:"type:text"`
	MerkleProofValues string       `gorm:"type:text"`
	MerkleProofTrail  uint64
	ActiveStateID     *uint64
	PassiveChecksum   string `gorm:"size:66"`
	PassiveAmount     types.Amount
	PassiveMarker     types.Amount
	CreatedAt         time.Time
}

// Amount is the width of the allotted interval.
func (a *ExclusiveBalanceAllotment) Amount() types.Amount {
	return a.Right.Sub(a.Left)
}

func (a *ExclusiveBalanceAllotment) LockKey() string { return lockKey("allotment", a.ID) }

func (a *ExclusiveBalanceAllotment) Validate() error {
	if a.Left.Sign() < 0 || a.Right.Cmp(a.Left) < 0 {
		return cerrors.Integrity("allotment [%s,%s) for wallet %d is malformed", a.Left, a.Right, a.WalletID)
	}
	return nil
}

// MinimumAvailableBalanceMarker is a client-signed lower bound on its own
// availability, used to slash over-withdrawals.
type MinimumAvailableBalanceMarker struct {
	ID          uint64       `gorm:"primaryKey"`
	WalletID    uint64       `gorm:"index:idx_marker_wallet_eon"`
	EonNumber   uint64       `gorm:"index:idx_marker_wallet_eon"`
	Amount      types.Amount `gorm:"not null"`
	SignatureID uint64
	CreatedAt   time.Time
}

func (m *MinimumAvailableBalanceMarker) LockKey() string { return lockKey("marker", m.ID) }

func (m *MinimumAvailableBalanceMarker) Validate() error {
	if m.Amount.Sign() < 0 {
		return cerrors.Integrity("marker %d negative amount", m.ID)
	}
	return nil
}

// TokenCommitment is one token's interval-tree root for an eon.
type TokenCommitment struct {
	ID               uint64 `gorm:"primaryKey"`
	RootCommitmentID uint64 `gorm:"uniqueIndex:idx_token_commitment"`
	TokenID          uint64 `gorm:"uniqueIndex:idx_token_commitment"`
	MerkleRoot       string `gorm:"size:66"`
	UpperBound       types.Amount
	MembershipHashes string `gorm:"type:text"`
	MembershipValues string `gorm:"type:text"`
	MembershipTrail  uint64
	CreatedAt        time.Time
}

func (c *TokenCommitment) LockKey() string { return lockKey("token_commitment", c.ID) }

func (c *TokenCommitment) Validate() error {
	if c.UpperBound.Sign() < 0 {
		return cerrors.Integrity("token commitment %d negative upper bound", c.ID)
	}
	return nil
}

// RootCommitment anchors all token commitments of an eon.
type RootCommitment struct {
	ID         uint64 `gorm:"primaryKey"`
	EonNumber  uint64 `gorm:"uniqueIndex"`
	Basis      string `gorm:"size:66"`
	MerkleRoot string `gorm:"size:66"`
	Block      uint64
	CreatedAt  time.Time
}

func (r *RootCommitment) LockKey() string { return lockKey("root_commitment", r.ID) }

func (r *RootCommitment) Validate() error { return nil }

// Matching records one fill between a resting (maker) and an incoming
// (taker) swap, identified by their tx ids.
type Matching struct {
	ID             uint64       `gorm:"primaryKey"`
	EonNumber      uint64       `gorm:"index"`
	MakerTxID      string       `gorm:"size:36;index"`
	TakerTxID      string       `gorm:"size:36;index"`
	MakerTokenID   uint64       // token sold by the maker
	TakerTokenID   uint64       // token sold by the taker
	MakerAmountOut types.Amount `gorm:"not null"`
	TakerAmountOut types.Amount `gorm:"not null"`
	CreatedAt      time.Time
}

func (m *Matching) LockKey() string { return lockKey("matching", m.ID) }

func (m *Matching) Validate() error {
	if m.MakerAmountOut.Sign() < 0 || m.TakerAmountOut.Sign() < 0 {
		return cerrors.Integrity("matching %d negative amount", m.ID)
	}
	return nil
}

// MatchingCursor is the per-pair watermark of swaps already matched as
// incoming orders. LastSequence is authoritative; LastUnprocessedSwapTime
// records the time of the leg it points at.
type MatchingCursor struct {
	ID                      uint64 `gorm:"primaryKey"`
	LowTokenID              uint64 `gorm:"uniqueIndex:idx_matching_cursor"`
	HighTokenID             uint64 `gorm:"uniqueIndex:idx_matching_cursor"`
	LastSequence            uint64
	LastUnprocessedSwapTime time.Time
	UpdatedAt               time.Time
}

func (c *MatchingCursor) Validate() error { return nil }

// Settlement kinds and statuses.
const (
	SettlementCancel   = "cancel"
	SettlementFinalize = "finalize"

	SettlementPending  = "pending"
	SettlementApplied  = "applied"
	SettlementRejected = "rejected"
)

// SwapSettlement is a client-signed cancellation or finalization of a swap
// leg queued for the settle task. Recipient fields carry the finalization
// state; cancellations carry both sides.
type SwapSettlement struct {
	ID         uint64 `gorm:"primaryKey"`
	TransferID uint64 `gorm:"index"`
	Kind       string `gorm:"size:16"`
	Status     string `gorm:"size:16;index"`
	Reason     string `gorm:"type:text"`

	SenderSpendings    types.Amount
	SenderGains        types.Amount
	SenderTxSetRoot    string `gorm:"size:66"`
	SenderSignature    string `gorm:"size:130"`
	RecipientSpendings types.Amount
	RecipientGains     types.Amount
	RecipientTxSetRoot string `gorm:"size:66"`
	RecipientSignature string `gorm:"size:130"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *SwapSettlement) LockKey() string { return lockKey("swap_settlement", s.ID) }

func (s *SwapSettlement) Validate() error {
	switch s.Kind {
	case SettlementCancel:
		if s.SenderSignature == "" {
			return cerrors.Integrity("cancellation of transfer %d without sender state", s.TransferID)
		}
	case SettlementFinalize:
	default:
		return cerrors.Integrity("settlement kind %q", s.Kind)
	}
	if s.RecipientSignature == "" {
		return cerrors.Integrity("settlement of transfer %d without recipient state", s.TransferID)
	}
	switch s.Status {
	case SettlementPending, SettlementApplied, SettlementRejected:
		return nil
	}
	return cerrors.Integrity("settlement status %q", s.Status)
}

// Challenge mirrors an on-chain dispute.
type Challenge struct {
	ID            uint64 `gorm:"primaryKey"`
	TokenID       uint64 `gorm:"uniqueIndex:idx_challenge"`
	Sender        string `gorm:"size:42;uniqueIndex:idx_challenge"`
	Recipient     string `gorm:"size:42;uniqueIndex:idx_challenge"`
	EonNumber     uint64 `gorm:"uniqueIndex:idx_challenge;index"`
	Block         uint64
	Rebuted       bool `gorm:"index"`
	FailedAt      *time.Time
	FailureReason string `gorm:"size:512"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (c *Challenge) LockKey() string { return lockKey("challenge", c.ID) }

func (c *Challenge) Validate() error {
	if !common.IsHexAddress(c.Sender) || !common.IsHexAddress(c.Recipient) {
		return cerrors.Integrity("challenge %d malformed parties", c.ID)
	}
	return nil
}

// Deposit is an on-chain deposit credited in EonNumber.
type Deposit struct {
	ID        uint64       `gorm:"primaryKey"`
	WalletID  uint64       `gorm:"index"`
	EonNumber uint64       `gorm:"index"`
	Amount    types.Amount `gorm:"not null"`
	TxHash    string       `gorm:"size:66;uniqueIndex:idx_deposit_log"`
	LogIndex  uint         `gorm:"uniqueIndex:idx_deposit_log"`
	Block     uint64
	CreatedAt time.Time
}

func (d *Deposit) Validate() error { return nonNegative("deposit", d.ID, d.Amount) }

// WithdrawalRequest is an on-chain request debited in EonNumber.
type WithdrawalRequest struct {
	ID          uint64       `gorm:"primaryKey"`
	WalletID    uint64       `gorm:"index"`
	EonNumber   uint64       `gorm:"index"`
	Amount      types.Amount `gorm:"not null"`
	TxHash      string       `gorm:"size:66;uniqueIndex:idx_withdrawal_request_log"`
	LogIndex    uint         `gorm:"uniqueIndex:idx_withdrawal_request_log"`
	Block       uint64
	Slashed     bool
	SlashQueued bool
	CreatedAt   time.Time
}

func (w *WithdrawalRequest) LockKey() string { return lockKey("withdrawal_request", w.ID) }

func (w *WithdrawalRequest) Validate() error { return nonNegative("withdrawal request", w.ID, w.Amount) }

// Withdrawal is a confirmed on-chain payout.
type Withdrawal struct {
	ID        uint64       `gorm:"primaryKey"`
	WalletID  uint64       `gorm:"index"`
	EonNumber uint64       `gorm:"index"`
	Amount    types.Amount `gorm:"not null"`
	TxHash    string       `gorm:"size:66;uniqueIndex:idx_withdrawal_log"`
	LogIndex  uint         `gorm:"uniqueIndex:idx_withdrawal_log"`
	Block     uint64
	CreatedAt time.Time
}

func (w *Withdrawal) Validate() error { return nonNegative("withdrawal", w.ID, w.Amount) }

// ContractState is a snapshot of the hub contract at Block.
type ContractState struct {
	ID        uint64 `gorm:"primaryKey"`
	EonNumber uint64 `gorm:"index:idx_contract_state_eon"`
	SubBlock  uint64 `gorm:"index:idx_contract_state_eon"`
	Block     uint64 `gorm:"uniqueIndex"`
	Basis     string `gorm:"size:66"`
	Confirmed bool
	CreatedAt time.Time
}

func (c *ContractState) Validate() error { return nil }

// TokenContractState records a token's managed funds at a ContractState.
type TokenContractState struct {
	ID              uint64       `gorm:"primaryKey"`
	ContractStateID uint64       `gorm:"uniqueIndex:idx_token_contract_state"`
	TokenID         uint64       `gorm:"uniqueIndex:idx_token_contract_state"`
	ManagedFunds    types.Amount `gorm:"not null"`
}

func (c *TokenContractState) Validate() error { return nonNegative("token contract state", c.ID, c.ManagedFunds) }

// OperatorTransaction is a queued chain call awaiting broadcast.
type OperatorTransaction struct {
	ID        uint64 `gorm:"primaryKey"`
	Kind      string `gorm:"size:64;index"`
	Tag       string `gorm:"size:128;uniqueIndex"`
	Payload   string `gorm:"type:text"`
	Status    string `gorm:"size:16;index"`
	Attempts  int
	LastError string `gorm:"size:512"`
	TxHash    string `gorm:"size:66"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (o *OperatorTransaction) LockKey() string { return lockKey("operator_transaction", o.ID) }

func (o *OperatorTransaction) Validate() error {
	if o.Kind == "" || o.Tag == "" {
		return cerrors.Integrity("operator transaction without kind or tag")
	}
	return nil
}

// SyncCursor stores the last block processed by a named follower.
type SyncCursor struct {
	Name      string `gorm:"primaryKey;size:64"`
	Block     uint64
	UpdatedAt time.Time
}

func nonNegative(kind string, id uint64, amount types.Amount) error {
	if amount.Sign() < 0 {
		return cerrors.Integrity("%s %d negative amount %s", kind, id, amount)
	}
	return nil
}

func lockKey(kind string, id uint64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// AutoMigrate performs all schema migrations and installs the validation
// callbacks.
func AutoMigrate(db *gorm.DB) error {
	if err := RegisterValidation(db); err != nil {
		return err
	}
	return db.AutoMigrate(
		&Token{},
		&Wallet{},
		&Signature{},
		&ActiveState{},
		&Transfer{},
		&ExclusiveBalanceAllotment{},
		&MinimumAvailableBalanceMarker{},
		&TokenCommitment{},
		&RootCommitment{},
		&Matching{},
		&MatchingCursor{},
		&SwapSettlement{},
		&Challenge{},
		&Deposit{},
		&WithdrawalRequest{},
		&Withdrawal{},
		&ContractState{},
		&TokenContractState{},
		&OperatorTransaction{},
		&SyncCursor{},
	)
}
