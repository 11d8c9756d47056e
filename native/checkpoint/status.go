package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"commitchain/core/models"
	"commitchain/core/types"
)

// ErrNotFound reports that no root commitment exists for the eon.
var ErrNotFound = errors.New("checkpoint: not found")

// TokenStatus summarises one token's commitment.
type TokenStatus struct {
	Token      string       `json:"token"`
	MerkleRoot string       `json:"merkleRoot"`
	UpperBound types.Amount `json:"upperBound"`
	Allotments int64        `json:"allotments"`
	Unclaimed  types.Amount `json:"unclaimed"`
}

// Status is the read-only view of an eon's root commitment and its
// on-chain submission.
type Status struct {
	Eon        uint64        `json:"eon"`
	MerkleRoot string        `json:"merkleRoot"`
	Basis      string        `json:"basis"`
	Block      uint64        `json:"block,omitempty"`
	Submission string        `json:"submission"`
	TxHash     string        `json:"txHash,omitempty"`
	Tokens     []TokenStatus `json:"tokens"`
}

// Status loads the commitment of eon number.
func (b *Builder) Status(ctx context.Context, number uint64) (*Status, error) {
	db := b.db.WithContext(ctx)
	var root models.RootCommitment
	if err := db.Where("eon_number = ?", number).First(&root).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: eon %d", ErrNotFound, number)
		}
		return nil, err
	}
	out := &Status{Eon: number, MerkleRoot: root.MerkleRoot, Basis: root.Basis, Block: root.Block}

	var submission models.OperatorTransaction
	res := db.Where("tag = ?", fmt.Sprintf("checkpoint:%d", number)).Limit(1).Find(&submission)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		out.Submission, out.TxHash = submission.Status, submission.TxHash
	}

	var commitments []models.TokenCommitment
	if err := db.Where("root_commitment_id = ?", root.ID).Order("id").Find(&commitments).Error; err != nil {
		return nil, err
	}
	for _, c := range commitments {
		var token models.Token
		if err := db.First(&token, "id = ?", c.TokenID).Error; err != nil {
			return nil, err
		}
		ts := TokenStatus{Token: token.Address, MerkleRoot: c.MerkleRoot, UpperBound: c.UpperBound}
		if err := db.Model(&models.ExclusiveBalanceAllotment{}).Where("token_commitment_id = ?", c.ID).Count(&ts.Allotments).Error; err != nil {
			return nil, err
		}
		var unclaimed models.ExclusiveBalanceAllotment
		res := db.Where("token_commitment_id = ? AND unclaimed = ?", c.ID, true).Limit(1).Find(&unclaimed)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected > 0 {
			ts.Unclaimed = unclaimed.Amount()
		}
		out.Tokens = append(out.Tokens, ts)
	}
	return out, nil
}
