package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gorm.io/gorm"

	"commitchain/core/models"
	"commitchain/core/types"
)

// Operator transaction states.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Operator transaction kinds.
const (
	KindCheckpoint = "checkpoint"
	KindAnswer     = "challenge_answer"
	KindSlash      = "slash_withdrawal"
)

// Answer is the rebuttal of one challenge: the disputed wallet's balance
// interval, the membership of the disputed transfer in its tx set, the
// signed totals and the passive delivery commitment.
type Answer struct {
	Token     common.Address
	Sender    common.Address
	Recipient common.Address

	Left            types.Amount
	Right           types.Amount
	AllotmentTrail  uint64
	AllotmentHashes []common.Hash
	AllotmentValues []types.Amount

	TxSetRoot  common.Hash
	Membership []common.Hash
	TxIndex    uint64
	Leaf       common.Hash

	Spendings         types.Amount
	Gains             types.Amount
	WalletSignature   []byte
	OperatorSignature []byte

	PassiveAmount   types.Amount
	PassiveMarker   types.Amount
	PassiveChecksum common.Hash
}

func (a Answer) args() []interface{} {
	return []interface{}{
		a.Token,
		a.Sender,
		a.Recipient,
		[3]*big.Int{bigWord(a.Left), bigWord(a.Right), new(big.Int).SetUint64(a.AllotmentTrail)},
		hashes(a.AllotmentHashes),
		bigs(a.AllotmentValues),
		[32]byte(a.TxSetRoot),
		hashes(a.Membership),
		new(big.Int).SetUint64(a.TxIndex),
		[32]byte(a.Leaf),
		[2]*big.Int{bigWord(a.Spendings), bigWord(a.Gains)},
		a.WalletSignature,
		a.OperatorSignature,
		[2]*big.Int{bigWord(a.PassiveAmount), bigWord(a.PassiveMarker)},
		[32]byte(a.PassiveChecksum),
	}
}

// Enqueue packs a hub call and stores it for the submitter. Tags are unique:
// queueing an existing tag returns the stored row and false.
func Enqueue(tx *gorm.DB, kind, tag, method string, args ...interface{}) (*models.OperatorTransaction, bool, error) {
	data, err := HubABI.Pack(method, args...)
	if err != nil {
		return nil, false, fmt.Errorf("pack %s: %w", method, err)
	}
	row := models.OperatorTransaction{}
	res := tx.Where("tag = ?", tag).
		Attrs(models.OperatorTransaction{Kind: kind, Tag: tag, Payload: hexutil.Encode(data), Status: StatusPending}).
		FirstOrCreate(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("queue %s: %w", tag, res.Error)
	}
	return &row, res.RowsAffected > 0, nil
}

// QueueCheckpoint stores the submission of an eon's root commitment.
func QueueCheckpoint(tx *gorm.DB, eon uint64, root common.Hash) (*models.OperatorTransaction, error) {
	row, _, err := Enqueue(tx, KindCheckpoint, fmt.Sprintf("checkpoint:%d", eon), MethodSubmitCheckpoint,
		new(big.Int).SetUint64(eon), [32]byte(root))
	return row, err
}

// QueueAnswer stores a challenge rebuttal under method.
func QueueAnswer(tx *gorm.DB, method string, challengeID uint64, answer Answer) (*models.OperatorTransaction, bool, error) {
	return Enqueue(tx, KindAnswer, fmt.Sprintf("challenge:%d", challengeID), method, answer.args()...)
}

// QueueSlash stores the slashing of a withdrawal request backed by the
// wallet's marker.
func QueueSlash(tx *gorm.DB, requestID uint64, token, wallet common.Address, eon uint64, marker types.Amount, signature []byte) (*models.OperatorTransaction, bool, error) {
	return Enqueue(tx, KindSlash, fmt.Sprintf("slash:%d", requestID), MethodSlashWithdrawal,
		token, wallet, new(big.Int).SetUint64(eon), marker.Big(), signature)
}

// Calldata decodes the stored payload.
func Calldata(row *models.OperatorTransaction) ([]byte, error) {
	data, err := hexutil.Decode(row.Payload)
	if err != nil {
		return nil, fmt.Errorf("operator transaction %d payload: %w", row.ID, err)
	}
	return data, nil
}
