package events

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"commitchain/core/types"
)

const (
	TypeTransferScheduled = "transfer.scheduled"
	TypeTransferAppended  = "transfer.appended"
	TypeTransferVoided    = "transfer.voided"
	TypeSwapMatched       = "swap.matched"
	TypeSwapCompleted     = "swap.completed"
	TypeSwapCancelled     = "swap.cancelled"
	TypeSwapFinalized     = "swap.finalized"
	TypeCheckpointCreated = "checkpoint.created"
	TypeChallengeAnswered = "challenge.answered"
	TypeWithdrawalSlashed = "withdrawal.slashed"
)

// TransferUpdate covers the transfer lifecycle notifications. It is sent on
// the stream of each wallet involved.
type TransferUpdate struct {
	Type      string
	Wallet    common.Address
	TxID      string
	Sender    common.Address
	Recipient common.Address
	Token     common.Address
	Amount    types.Amount
	Eon       uint64
	Passive   bool
}

func (e TransferUpdate) EventType() string { return e.Type }

func (e TransferUpdate) Event() *types.Event {
	return &types.Event{
		Type:   e.Type,
		Stream: strings.ToLower(e.Wallet.Hex()),
		Attributes: map[string]string{
			"txId":      e.TxID,
			"sender":    e.Sender.Hex(),
			"recipient": e.Recipient.Hex(),
			"token":     e.Token.Hex(),
			"amount":    e.Amount.String(),
			"eon":       strconv.FormatUint(e.Eon, 10),
			"passive":   strconv.FormatBool(e.Passive),
		},
	}
}

// SwapUpdate reports matching progress for one swap.
type SwapUpdate struct {
	Type       string
	Wallet     common.Address
	TxID       string
	Eon        uint64
	MatchedOut types.Amount
	MatchedIn  types.Amount
}

func (e SwapUpdate) EventType() string { return e.Type }

func (e SwapUpdate) Event() *types.Event {
	return &types.Event{
		Type:   e.Type,
		Stream: strings.ToLower(e.Wallet.Hex()),
		Attributes: map[string]string{
			"txId":       e.TxID,
			"eon":        strconv.FormatUint(e.Eon, 10),
			"matchedOut": e.MatchedOut.String(),
			"matchedIn":  e.MatchedIn.String(),
		},
	}
}

// CheckpointCreated is broadcast once a root commitment is persisted.
type CheckpointCreated struct {
	Eon        uint64
	MerkleRoot common.Hash
	Basis      common.Hash
}

func (CheckpointCreated) EventType() string { return TypeCheckpointCreated }

func (e CheckpointCreated) Event() *types.Event {
	return &types.Event{
		Type:   TypeCheckpointCreated,
		Stream: "checkpoints",
		Attributes: map[string]string{
			"eon":        strconv.FormatUint(e.Eon, 10),
			"merkleRoot": e.MerkleRoot.Hex(),
			"basis":      e.Basis.Hex(),
		},
	}
}

// ChallengeAnswered is broadcast when a rebuttal is queued on chain.
type ChallengeAnswered struct {
	ChallengeID uint64
	Eon         uint64
	Sender      common.Address
	Recipient   common.Address
	Kind        string
}

func (ChallengeAnswered) EventType() string { return TypeChallengeAnswered }

func (e ChallengeAnswered) Event() *types.Event {
	return &types.Event{
		Type:   TypeChallengeAnswered,
		Stream: strings.ToLower(e.Sender.Hex()),
		Attributes: map[string]string{
			"challengeId": strconv.FormatUint(e.ChallengeID, 10),
			"eon":         strconv.FormatUint(e.Eon, 10),
			"recipient":   e.Recipient.Hex(),
			"kind":        e.Kind,
		},
	}
}

// WithdrawalSlashed reports a withdrawal request queued for slashing.
type WithdrawalSlashed struct {
	RequestID uint64
	Wallet    common.Address
	Token     common.Address
	Eon       uint64
	Amount    types.Amount
	Marker    types.Amount
}

func (WithdrawalSlashed) EventType() string { return TypeWithdrawalSlashed }

func (e WithdrawalSlashed) Event() *types.Event {
	return &types.Event{
		Type:   TypeWithdrawalSlashed,
		Stream: strings.ToLower(e.Wallet.Hex()),
		Attributes: map[string]string{
			"requestId": strconv.FormatUint(e.RequestID, 10),
			"token":     e.Token.Hex(),
			"eon":       strconv.FormatUint(e.Eon, 10),
			"amount":    e.Amount.String(),
			"marker":    e.Marker.String(),
		},
	}
}
