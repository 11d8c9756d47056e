package checkpoint

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"commitchain/core/merkle"
	"commitchain/core/models"
	"commitchain/crypto"
)

// leafContent hashes an allotment together with the countersigned state the
// wallet closed the prior eon with. A nil state commits the zero checksum.
func leafContent(contract common.Address, token models.Token, wallet models.Wallet, allotment *models.ExclusiveBalanceAllotment, state *models.ActiveState) (common.Hash, error) {
	var active common.Hash
	if state != nil {
		var err error
		active, err = crypto.ActiveStateChecksum(contract, token.Addr(), wallet.Addr(), wallet.TrailIdentifier,
			state.EonNumber, common.HexToHash(state.TxSetHash), state.UpdatedSpendings, state.UpdatedGains)
		if err != nil {
			return common.Hash{}, err
		}
	}
	return crypto.AllotmentContent(wallet.Addr(), active, common.HexToHash(allotment.PassiveChecksum),
		allotment.PassiveAmount, allotment.PassiveMarker)
}

// AllotmentLeaf rebuilds the interval leaf committed for allotment.
func AllotmentLeaf(tx *gorm.DB, contract common.Address, token models.Token, wallet models.Wallet, allotment *models.ExclusiveBalanceAllotment) (merkle.IntervalLeaf, error) {
	var state *models.ActiveState
	if allotment.ActiveStateID != nil {
		state = &models.ActiveState{}
		if err := tx.First(state, "id = ?", *allotment.ActiveStateID).Error; err != nil {
			return merkle.IntervalLeaf{}, fmt.Errorf("load active state %d: %w", *allotment.ActiveStateID, err)
		}
	}
	content, err := leafContent(contract, token, wallet, allotment, state)
	if err != nil {
		return merkle.IntervalLeaf{}, err
	}
	return merkle.IntervalLeaf{Left: allotment.Left, Right: allotment.Right, Content: content}, nil
}

// AllotmentProof decodes the stored exclusive-allotment proof.
func AllotmentProof(allotment *models.ExclusiveBalanceAllotment) (merkle.IntervalProof, error) {
	hashes, err := merkle.DecodeHashes(allotment.MerkleProofHashes)
	if err != nil {
		return merkle.IntervalProof{}, err
	}
	values, err := merkle.DecodeValues(allotment.MerkleProofValues)
	if err != nil {
		return merkle.IntervalProof{}, err
	}
	return merkle.IntervalProof{Hashes: hashes, Values: values, Trail: allotment.MerkleProofTrail}, nil
}
