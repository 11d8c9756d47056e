package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"gorm.io/gorm"

	cerrors "commitchain/core/errors"
	"commitchain/core/models"
	"commitchain/core/types"
)

// WalletRef carries the identity fields bound into leaves and checksums.
type WalletRef struct {
	ID      uint64
	TokenID uint64
	Trail   uint64
	Address common.Address
	Token   common.Address
}

type walletRow struct {
	ID              uint64
	TokenID         uint64
	TrailIdentifier uint64
	Address         string
	TokenAddress    string
}

// LoadWallets resolves the given wallet ids.
func LoadWallets(tx *gorm.DB, ids ...uint64) (map[uint64]WalletRef, error) {
	out := make(map[uint64]WalletRef, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []walletRow
	err := tx.Table("wallets").
		Select("wallets.id, wallets.token_id, wallets.trail_identifier, wallets.address, tokens.address AS token_address").
		Joins("JOIN tokens ON tokens.id = wallets.token_id").
		Where("wallets.id IN ?", ids).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load wallets: %w", err)
	}
	for _, r := range rows {
		out[r.ID] = WalletRef{
			ID:      r.ID,
			TokenID: r.TokenID,
			Trail:   r.TrailIdentifier,
			Address: common.HexToAddress(r.Address),
			Token:   common.HexToAddress(r.TokenAddress),
		}
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, cerrors.Integrity("wallet %d not found", id)
		}
	}
	return out, nil
}

// LoadWallet resolves one wallet id.
func LoadWallet(tx *gorm.DB, id uint64) (WalletRef, error) {
	refs, err := LoadWallets(tx, id)
	if err != nil {
		return WalletRef{}, err
	}
	return refs[id], nil
}

// Fill accumulates the matched amounts of one swap, per eon.
type Fill struct {
	out map[uint64]types.Amount
	in  map[uint64]types.Amount
}

func newFill() *Fill {
	return &Fill{out: map[uint64]types.Amount{}, in: map[uint64]types.Amount{}}
}

func (f *Fill) add(eon uint64, out, in types.Amount) {
	f.out[eon] = f.out[eon].Add(out)
	f.in[eon] = f.in[eon].Add(in)
}

// Out is the amount sold during eon.
func (f *Fill) Out(eon uint64) types.Amount {
	if f == nil {
		return types.Amount{}
	}
	return f.out[eon]
}

// In is the amount bought during eon.
func (f *Fill) In(eon uint64) types.Amount {
	if f == nil {
		return types.Amount{}
	}
	return f.in[eon]
}

// OutBefore is the amount sold in eons earlier than eon.
func (f *Fill) OutBefore(eon uint64) types.Amount {
	var total types.Amount
	if f == nil {
		return total
	}
	for e, v := range f.out {
		if e < eon {
			total = total.Add(v)
		}
	}
	return total
}

// TotalOut is the amount sold across all eons.
func (f *Fill) TotalOut() types.Amount {
	var total types.Amount
	if f == nil {
		return total
	}
	for _, v := range f.out {
		total = total.Add(v)
	}
	return total
}

// TotalIn is the amount bought across all eons.
func (f *Fill) TotalIn() types.Amount {
	var total types.Amount
	if f == nil {
		return total
	}
	for _, v := range f.in {
		total = total.Add(v)
	}
	return total
}

// Fills maps swap tx ids to their matched amounts.
type Fills map[string]*Fill

// Of returns the fill for txID, which may be empty.
func (f Fills) Of(txID string) *Fill {
	if fill, ok := f[txID]; ok {
		return fill
	}
	return newFill()
}

// LoadFills sums the matching rows touching the given swaps.
func LoadFills(tx *gorm.DB, txIDs ...string) (Fills, error) {
	fills := Fills{}
	if len(txIDs) == 0 {
		return fills, nil
	}
	var rows []models.Matching
	if err := tx.Where("maker_tx_id IN ? OR taker_tx_id IN ?", txIDs, txIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load matchings: %w", err)
	}
	wanted := make(map[string]bool, len(txIDs))
	for _, id := range txIDs {
		wanted[id] = true
	}
	for _, m := range rows {
		if wanted[m.MakerTxID] {
			fills.ensure(m.MakerTxID).add(m.EonNumber, m.MakerAmountOut, m.TakerAmountOut)
		}
		if wanted[m.TakerTxID] {
			fills.ensure(m.TakerTxID).add(m.EonNumber, m.TakerAmountOut, m.MakerAmountOut)
		}
	}
	return fills, nil
}

func (f Fills) ensure(txID string) *Fill {
	fill, ok := f[txID]
	if !ok {
		fill = newFill()
		f[txID] = fill
	}
	return fill
}

// Lock is the sell amount a swap leg reserves from its sender: whatever was
// not already sold in earlier eons.
func Lock(leg *models.Transfer, fill *Fill) types.Amount {
	lock := leg.Amount.Sub(fill.OutBefore(leg.EonNumber))
	if lock.Sign() < 0 {
		return types.Amount{}
	}
	return lock
}

// Remaining returns how much a swap may still sell and buy.
func Remaining(leg *models.Transfer, fill *Fill) (out, in types.Amount) {
	out = leg.Amount.Sub(fill.TotalOut())
	in = leg.AmountSwapped.Amount.Sub(fill.TotalIn())
	if out.Sign() < 0 {
		out = types.Amount{}
	}
	if in.Sign() < 0 {
		in = types.Amount{}
	}
	return out, in
}

func word(a types.Amount) ([]byte, error) {
	w, err := a.Bytes32()
	if err != nil {
		return nil, err
	}
	return w[:], nil
}

func flag(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

// TransferLeaf hashes a transfer into its tx-set leaf. Finalized swap legs
// additionally commit to the amounts matched during the leg's eon.
func TransferLeaf(t *models.Transfer, sender, recipient WalletRef, fill *Fill, finalized bool) (common.Hash, error) {
	amount, err := word(t.Amount)
	if err != nil {
		return common.Hash{}, err
	}
	swapped, err := word(t.AmountSwapped.Amount)
	if err != nil {
		return common.Hash{}, err
	}
	nonce := uint256.NewInt(t.Nonce).Bytes32()
	parts := [][]byte{
		sender.Address[:], sender.Token[:],
		recipient.Address[:], recipient.Token[:],
		amount, swapped, nonce[:],
		flag(t.Passive), flag(t.Swap),
	}
	if t.Swap && finalized {
		out, err := word(fill.Out(t.EonNumber))
		if err != nil {
			return common.Hash{}, err
		}
		in, err := word(fill.In(t.EonNumber))
		if err != nil {
			return common.Hash{}, err
		}
		parts = append(parts, out, in)
	}
	return ethcrypto.Keccak256Hash(parts...), nil
}
