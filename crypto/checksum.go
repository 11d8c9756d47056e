package crypto

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"commitchain/core/types"
)

func uintWord(v uint64) []byte {
	w := uint256.NewInt(v).Bytes32()
	return w[:]
}

func amountWord(a types.Amount) ([]byte, error) {
	w, err := a.Bytes32()
	if err != nil {
		return nil, err
	}
	return w[:], nil
}

// ActiveStateChecksum is the digest both wallet and operator sign for an
// active state: keccak(contract ‖ token ‖ wallet ‖ trail ‖ eon ‖ txSetRoot ‖
// spendings ‖ gains), integers as 32-byte words.
func ActiveStateChecksum(contract, token, wallet common.Address, trail, eon uint64, txSetRoot common.Hash, spendings, gains types.Amount) (common.Hash, error) {
	sp, err := amountWord(spendings)
	if err != nil {
		return common.Hash{}, err
	}
	ga, err := amountWord(gains)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(contract[:], token[:], wallet[:], uintWord(trail), uintWord(eon), txSetRoot[:], sp, ga), nil
}

// MarkerChecksum is the digest of a minimum-available-balance marker.
func MarkerChecksum(contract, token, wallet common.Address, eon uint64, amount types.Amount) (common.Hash, error) {
	amt, err := amountWord(amount)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(contract[:], token[:], wallet[:], uintWord(eon), amt), nil
}

// SwapFreezeChecksum is the digest a swap owner signs to freeze an open swap
// ahead of cancellation.
func SwapFreezeChecksum(contract, sellToken, buyToken common.Address, eon, nonce uint64) common.Hash {
	return crypto.Keccak256Hash([]byte("freeze"), contract[:], sellToken[:], buyToken[:], uintWord(eon), uintWord(nonce))
}

// PassiveDeliveryChecksum commits a wallet's passive inbox for an eon.
func PassiveDeliveryChecksum(wallet common.Address, eon uint64, deliveryRoot common.Hash) common.Hash {
	return crypto.Keccak256Hash(wallet[:], uintWord(eon), deliveryRoot[:])
}

// ConduitAddress is the deterministic recipient used on chain for swaps
// between two tokens: the last 20 bytes of keccak(tokenA ‖ tokenB).
func ConduitAddress(sellToken, buyToken common.Address) common.Address {
	digest := crypto.Keccak256(sellToken[:], buyToken[:])
	return common.BytesToAddress(digest[12:])
}

// SwapAuthorizationChecksum is the digest an owner pre-signs for each later
// eon a swap may roll into.
func SwapAuthorizationChecksum(contract, sellToken, buyToken, owner common.Address, amount, amountSwapped types.Amount, nonce, eon uint64) (common.Hash, error) {
	a, err := amountWord(amount)
	if err != nil {
		return common.Hash{}, err
	}
	b, err := amountWord(amountSwapped)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash([]byte("swap"), contract[:], sellToken[:], buyToken[:], owner[:], a, b, uintWord(nonce), uintWord(eon)), nil
}

// AllotmentContent is the content hash of a wallet's exclusive balance
// allotment leaf: keccak(wallet ‖ activeStateChecksum ‖ passiveChecksum ‖
// passiveAmount ‖ passiveMarker).
func AllotmentContent(wallet common.Address, activeState, passive common.Hash, passiveAmount, passiveMarker types.Amount) (common.Hash, error) {
	amt, err := amountWord(passiveAmount)
	if err != nil {
		return common.Hash{}, err
	}
	marker, err := amountWord(passiveMarker)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(wallet[:], activeState[:], passive[:], amt, marker), nil
}
