package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	cerrors "commitchain/core/errors"
	"commitchain/core/merkle"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/crypto"
	"commitchain/observability"
)

// ListOptions selects the transfers that make up a wallet's tx-set.
type ListOptions struct {
	// OnlyAppended drops entries the operator has not countersigned.
	OnlyAppended bool
	// ForceAppend adds a transfer that is not persisted (or not indexed) yet
	// as the last element. A persisted entry with the same id is replaced.
	ForceAppend *models.Transfer
	// LastTransferFinalized commits the matched amounts of a swap leg that
	// sits at the end of the list.
	LastTransferFinalized bool
	// UpTo keeps entries whose index for the wallet is at most *UpTo.
	UpTo *uint64
}

// TxSet is a wallet's ordered authorized-transfer log for one eon.
type TxSet struct {
	Wallet       WalletRef
	Eon          uint64
	Entries      []*models.Transfer
	Fills        Fills
	wallets      map[uint64]WalletRef
	finalizeLast bool
}

// RoleIndex returns the position t was assigned in walletID's tx-set.
func RoleIndex(t *models.Transfer, walletID uint64) (uint64, bool) {
	idx := t.RecipientMerkleIndex
	if t.WalletID == walletID {
		idx = t.SenderMerkleIndex
	}
	if idx == nil {
		return 0, false
	}
	return *idx, true
}

// AuthorizedTransfers builds the ordered tx-set of walletID in eon.
func AuthorizedTransfers(tx *gorm.DB, walletID, eon uint64, opts ListOptions) (*TxSet, error) {
	var rows []*models.Transfer
	err := tx.Where("eon_number = ? AND voided = ? AND ((wallet_id = ? AND sender_merkle_index IS NOT NULL) OR (recipient_id = ? AND recipient_merkle_index IS NOT NULL))",
		eon, false, walletID, walletID).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list authorized transfers: %w", err)
	}
	entries := rows[:0]
	for _, t := range rows {
		if opts.OnlyAppended && !t.Appended {
			continue
		}
		idx, _ := RoleIndex(t, walletID)
		if opts.UpTo != nil && idx > *opts.UpTo {
			continue
		}
		entries = append(entries, t)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, _ := RoleIndex(entries[i], walletID)
		b, _ := RoleIndex(entries[j], walletID)
		return a < b
	})
	if forced := opts.ForceAppend; forced != nil {
		replaced := false
		if forced.ID != 0 {
			for i, t := range entries {
				if t.ID == forced.ID {
					entries[i] = forced
					replaced = true
					break
				}
			}
		}
		if !replaced {
			entries = append(entries, forced)
		}
	}

	ids := []uint64{walletID}
	var txIDs []string
	for _, t := range entries {
		ids = append(ids, t.WalletID, t.RecipientID)
		if t.Swap {
			txIDs = append(txIDs, t.TxID)
		}
	}
	wallets, err := LoadWallets(tx, dedupe(ids)...)
	if err != nil {
		return nil, err
	}
	fills, err := LoadFills(tx, txIDs...)
	if err != nil {
		return nil, err
	}
	return &TxSet{
		Wallet:       wallets[walletID],
		Eon:          eon,
		Entries:      entries,
		Fills:        fills,
		wallets:      wallets,
		finalizeLast: opts.LastTransferFinalized,
	}, nil
}

func dedupe(ids []uint64) []uint64 {
	seen := make(map[uint64]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Len is the number of entries.
func (s *TxSet) Len() int { return len(s.Entries) }

func (s *TxSet) position(t *models.Transfer) int {
	for i, e := range s.Entries {
		if e == t || (t.ID != 0 && e.ID == t.ID) {
			return i
		}
	}
	return -1
}

// Leaf hashes entry i. Every entry but the last is finalized.
func (s *TxSet) Leaf(i int) (common.Hash, error) {
	return s.leaf(i, i < len(s.Entries)-1 || s.finalizeLast)
}

func (s *TxSet) leaf(i int, finalized bool) (common.Hash, error) {
	t := s.Entries[i]
	return TransferLeaf(t, s.wallets[t.WalletID], s.wallets[t.RecipientID], s.Fills.Of(t.TxID), finalized)
}

// Leaves hashes every entry in order.
func (s *TxSet) Leaves() ([]common.Hash, error) {
	leaves := make([]common.Hash, len(s.Entries))
	for i := range s.Entries {
		leaf, err := s.Leaf(i)
		if err != nil {
			return nil, err
		}
		leaves[i] = leaf
	}
	return leaves, nil
}

// Tally sums the spendings and gains the tx-set commits to. Swap legs reserve
// their lock from the sender; once settled the sender is refunded the unsold
// part and the recipient credited what was bought.
func (s *TxSet) Tally() (spendings, gains types.Amount) {
	for _, t := range s.Entries {
		outgoing := t.WalletID == s.Wallet.ID
		if !t.Swap {
			if outgoing {
				spendings = spendings.Add(t.Amount)
			} else if !t.Passive {
				gains = gains.Add(t.Amount)
			}
			continue
		}
		fill := s.Fills.Of(t.TxID)
		if outgoing {
			lock := Lock(t, fill)
			spendings = spendings.Add(lock)
			if t.Settled() {
				gains = gains.Add(lock.Sub(fill.Out(t.EonNumber)))
			}
		} else if t.Settled() {
			gains = gains.Add(fill.In(t.EonNumber))
		}
	}
	return spendings, gains
}

// AuthorizedTransfersTree builds the full append-only tree over the tx-set.
func AuthorizedTransfersTree(tx *gorm.DB, walletID, eon uint64, opts ListOptions) (*merkle.Tree, *TxSet, error) {
	set, err := AuthorizedTransfers(tx, walletID, eon, opts)
	if err != nil {
		return nil, nil, err
	}
	leaves, err := set.Leaves()
	if err != nil {
		return nil, nil, err
	}
	return merkle.Build(leaves), set, nil
}

func (s *TxSet) cachedFrontier(t *models.Transfer, size int) (*merkle.Frontier, bool) {
	hashes, heights := t.RecipientMerkleHashCache, t.RecipientMerkleHeightCache
	if t.WalletID == s.Wallet.ID {
		hashes, heights = t.SenderMerkleHashCache, t.SenderMerkleHeightCache
	}
	f, err := merkle.DecodeFrontier(hashes, heights)
	if err != nil || f.Size() != uint64(size) {
		return nil, false
	}
	return f, true
}

// frontierBefore recovers the frontier of the first p entries from the
// caches. A cached swap leaf is stale once the leg is no longer last, so a
// swap predecessor is replayed from the entry before it.
func (s *TxSet) frontierBefore(p int) (*merkle.Frontier, bool) {
	if p == 0 {
		return merkle.NewFrontier(), true
	}
	prev := s.Entries[p-1]
	if !prev.Swap {
		return s.cachedFrontier(prev, p)
	}
	f := merkle.NewFrontier()
	if p > 1 {
		prevprev := s.Entries[p-2]
		if prevprev.Swap {
			return nil, false
		}
		cached, ok := s.cachedFrontier(prevprev, p-1)
		if !ok {
			return nil, false
		}
		f = cached
	}
	leaf, err := s.leaf(p-1, true)
	if err != nil {
		return nil, false
	}
	f.Append(leaf)
	return f, true
}

// Draft is the active state a wallet must sign for a change of its tx-set.
type Draft struct {
	Wallet      WalletRef
	Eon         uint64
	Index       uint64
	Root        common.Hash
	Proof       []common.Hash
	HashCache   string
	HeightCache string
	Spendings   types.Amount
	Gains       types.Amount
	Checksum    common.Hash
}

// OptimizedAuthorizedTransfersTree places candidate in walletID's tx-set and
// returns the resulting root and membership proof. The frontier is resumed
// from the cached predecessors when possible and rebuilt otherwise.
func OptimizedAuthorizedTransfersTree(tx *gorm.DB, logger *slog.Logger, walletID, eon uint64, candidate *models.Transfer, finalized bool) (*Draft, *TxSet, error) {
	set, err := AuthorizedTransfers(tx, walletID, eon, ListOptions{ForceAppend: candidate, LastTransferFinalized: finalized})
	if err != nil {
		return nil, nil, err
	}
	pos := set.position(candidate)
	draft := &Draft{Wallet: set.Wallet, Eon: eon, Index: uint64(pos)}

	if pos != set.Len()-1 {
		observability.Ledger().RecordRebuild()
		logger.Warn("rebuilding authorized transfer tree",
			slog.Uint64("wallet", walletID), slog.Uint64("eon", eon), slog.Int("position", pos), slog.Int("size", set.Len()))
		leaves, err := set.Leaves()
		if err != nil {
			return nil, nil, err
		}
		tree := merkle.Build(leaves)
		draft.Root = tree.Root()
		if draft.Proof, err = tree.Proof(uint64(pos)); err != nil {
			return nil, nil, err
		}
		draft.Spendings, draft.Gains = set.Tally()
		return draft, set, nil
	}

	frontier, ok := set.frontierBefore(pos)
	if !ok {
		observability.Ledger().RecordRebuild()
		logger.Warn("rebuilding authorized transfer frontier",
			slog.Uint64("wallet", walletID), slog.Uint64("eon", eon), slog.Int("position", pos))
		frontier = merkle.NewFrontier()
		for i := 0; i < pos; i++ {
			leaf, err := set.leaf(i, true)
			if err != nil {
				return nil, nil, err
			}
			frontier.Append(leaf)
		}
	}
	leaf, err := set.Leaf(pos)
	if err != nil {
		return nil, nil, err
	}
	draft.Root, draft.Proof = frontier.Append(leaf)
	draft.HashCache, draft.HeightCache = frontier.Encode()
	draft.Spendings, draft.Gains = set.Tally()
	return draft, set, nil
}

// IncomingPassiveTransfersTree builds the delivery tree of a wallet's
// received passive transfers, each occupying [position, position+amount).
func IncomingPassiveTransfersTree(tx *gorm.DB, walletID, eon uint64) (*merkle.IntervalTree, []*models.Transfer, error) {
	var rows []*models.Transfer
	err := tx.Where("recipient_id = ? AND eon_number = ? AND passive = ? AND appended = ? AND voided = ?", walletID, eon, true, true, false).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, nil, fmt.Errorf("list passive transfers: %w", err)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].PassivePosition.Cmp(rows[j].PassivePosition) < 0 })
	ids := []uint64{walletID}
	for _, t := range rows {
		ids = append(ids, t.WalletID)
	}
	wallets, err := LoadWallets(tx, dedupe(ids)...)
	if err != nil {
		return nil, nil, err
	}
	leaves := make([]merkle.IntervalLeaf, len(rows))
	for i, t := range rows {
		content, err := TransferLeaf(t, wallets[t.WalletID], wallets[walletID], nil, false)
		if err != nil {
			return nil, nil, err
		}
		leaves[i] = merkle.IntervalLeaf{Left: t.PassivePosition, Right: t.PassivePosition.Add(t.Amount), Content: content}
	}
	tree, err := merkle.BuildInterval(leaves)
	if err != nil {
		return nil, nil, cerrors.Integrity("passive delivery tree of wallet %d eon %d: %v", walletID, eon, err)
	}
	return tree, rows, nil
}

func sumAmounts(tx *gorm.DB, model interface{}, query string, args ...interface{}) (types.Amount, error) {
	var raw []string
	if err := tx.Model(model).Where(query, args...).Pluck("amount", &raw).Error; err != nil {
		return types.Amount{}, err
	}
	var total types.Amount
	for _, r := range raw {
		a, err := types.ParseAmount(r)
		if err != nil {
			return types.Amount{}, err
		}
		total = total.Add(a)
	}
	return total, nil
}

// AllotmentAmount returns the committed starting balance of walletID for eon,
// zero when none was committed.
func AllotmentAmount(tx *gorm.DB, walletID, eon uint64) (types.Amount, error) {
	var allotment models.ExclusiveBalanceAllotment
	res := tx.Where("wallet_id = ? AND eon_number = ? AND unclaimed = ?", walletID, eon, false).Limit(1).Find(&allotment)
	if res.Error != nil {
		return types.Amount{}, res.Error
	}
	if res.RowsAffected == 0 {
		return types.Amount{}, nil
	}
	return allotment.Amount(), nil
}

// AvailableFundsAtEon is the balance walletID can spend in eon. With
// onlyAppended the result counts countersigned activity only; otherwise
// pending incoming credits are added on top, so the appended figure never
// exceeds the full one.
func AvailableFundsAtEon(tx *gorm.DB, walletID, eon uint64, onlyAppended bool) (types.Amount, error) {
	allotted, err := AllotmentAmount(tx, walletID, eon)
	if err != nil {
		return types.Amount{}, fmt.Errorf("allotment: %w", err)
	}
	deposits, err := sumAmounts(tx, &models.Deposit{}, "wallet_id = ? AND eon_number = ?", walletID, eon)
	if err != nil {
		return types.Amount{}, fmt.Errorf("deposits: %w", err)
	}
	requests, err := sumAmounts(tx, &models.WithdrawalRequest{}, "wallet_id = ? AND eon_number = ? AND slashed = ?", walletID, eon, false)
	if err != nil {
		return types.Amount{}, fmt.Errorf("withdrawal requests: %w", err)
	}
	set, err := AuthorizedTransfers(tx, walletID, eon, ListOptions{OnlyAppended: true})
	if err != nil {
		return types.Amount{}, err
	}
	spendings, gains := set.Tally()
	passive, err := sumAmounts(tx, &models.Transfer{}, "recipient_id = ? AND eon_number = ? AND passive = ? AND appended = ? AND voided = ?", walletID, eon, true, true, false)
	if err != nil {
		return types.Amount{}, fmt.Errorf("passive credits: %w", err)
	}
	total := allotted.Add(deposits).Sub(requests).Add(gains).Sub(spendings).Add(passive)
	if onlyAppended {
		return total, nil
	}
	pending, err := sumAmounts(tx, &models.Transfer{}, "recipient_id = ? AND eon_number = ? AND passive = ? AND swap = ? AND appended = ? AND voided = ?", walletID, eon, false, false, false, false)
	if err != nil {
		return types.Amount{}, fmt.Errorf("pending credits: %w", err)
	}
	return total.Add(pending), nil
}

func countTransfers(tx *gorm.DB, query string, args ...interface{}) (int64, error) {
	var n int64
	err := tx.Model(&models.Transfer{}).Where(query, args...).Count(&n).Error
	return n, err
}

func swapInProgress(tx *gorm.DB, walletID, eon uint64) (bool, error) {
	n, err := countTransfers(tx,
		"(wallet_id = ? OR recipient_id = ?) AND eon_number = ? AND swap = ? AND voided = ? AND (appended = ? OR (processed = ? AND complete = ?))",
		walletID, walletID, eon, true, false, false, false, false)
	return n > 0, err
}

func outgoingPending(tx *gorm.DB, walletID, eon uint64) (bool, error) {
	n, err := countTransfers(tx, "wallet_id = ? AND eon_number = ? AND swap = ? AND appended = ? AND voided = ?",
		walletID, eon, false, false, false)
	return n > 0, err
}

// CanScheduleTransfer enforces one outstanding active operation per wallet:
// no unappended outgoing transfer, no unreceipted incoming active transfer
// and no swap in progress for the eon.
func CanScheduleTransfer(tx *gorm.DB, walletID, eon uint64) error {
	if pending, err := outgoingPending(tx, walletID, eon); err != nil {
		return err
	} else if pending {
		return cerrors.Validation(cerrors.CodeOutstandingActiveTransfer, "wallet %d has an unappended outgoing transfer", walletID)
	}
	incoming, err := countTransfers(tx, "recipient_id = ? AND eon_number = ? AND passive = ? AND swap = ? AND appended = ? AND voided = ?",
		walletID, eon, false, false, false, false)
	if err != nil {
		return err
	}
	if incoming > 0 {
		return cerrors.Validation(cerrors.CodeOutstandingActiveTransfer, "wallet %d has an unreceipted incoming transfer", walletID)
	}
	if busy, err := swapInProgress(tx, walletID, eon); err != nil {
		return err
	} else if busy {
		return cerrors.Validation(cerrors.CodeOutstandingActiveTransfer, "wallet %d has a swap in progress", walletID)
	}
	return nil
}

// CanAppendTransfer reports whether the recipient of t may receipt it.
func CanAppendTransfer(tx *gorm.DB, t *models.Transfer) error {
	if pending, err := outgoingPending(tx, t.RecipientID, t.EonNumber); err != nil {
		return err
	} else if pending {
		return cerrors.Validation(cerrors.CodeOutstandingActiveTransfer, "recipient %d has an unappended outgoing transfer", t.RecipientID)
	}
	if busy, err := swapInProgress(tx, t.RecipientID, t.EonNumber); err != nil {
		return err
	} else if busy {
		return cerrors.Validation(cerrors.CodeOutstandingActiveTransfer, "recipient %d has a swap in progress", t.RecipientID)
	}
	return nil
}

// draft computes the state walletID must sign once candidate is part of its
// tx-set.
func (l *Ledger) draft(tx *gorm.DB, walletID, eon uint64, candidate *models.Transfer, finalized bool) (*Draft, error) {
	d, _, err := OptimizedAuthorizedTransfersTree(tx, l.logger, walletID, eon, candidate, finalized)
	if err != nil {
		return nil, err
	}
	d.Checksum, err = crypto.ActiveStateChecksum(l.contract, d.Wallet.Token, d.Wallet.Address, d.Wallet.Trail, eon, d.Root, d.Spendings, d.Gains)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// DraftState previews the active state walletID would sign for candidate.
// Clients use it to build the state they submit with a transfer or swap.
func (l *Ledger) DraftState(ctx context.Context, walletID, eon uint64, candidate *models.Transfer, finalized bool) (*Draft, error) {
	return l.draft(l.db.WithContext(ctx), walletID, eon, candidate, finalized)
}

func verifySubmission(d *Draft, sub StateSubmission) error {
	if !sub.Spendings.Equal(d.Spendings) || !sub.Gains.Equal(d.Gains) {
		return cerrors.Validation(cerrors.CodeInvalidStateValues, "expected spendings %s gains %s, got %s %s",
			d.Spendings, d.Gains, sub.Spendings, sub.Gains)
	}
	if sub.TxSetRoot != d.Root {
		return cerrors.Validation(cerrors.CodeTxSetMismatch, "expected tx-set root %s", d.Root.Hex())
	}
	if err := crypto.Verify(d.Wallet.Address, d.Checksum, sub.Signature); err != nil {
		return cerrors.Validation(cerrors.CodeInvalidSignature, "%v", err)
	}
	return nil
}

// persistState stores d with the given wallet signature and, when
// countersign is set, the operator's. Countersigned totals never decrease
// within a wallet's eon.
func (l *Ledger) persistState(tx *gorm.DB, d *Draft, walletSig *models.Signature, countersign bool) (*models.ActiveState, error) {
	state := &models.ActiveState{
		WalletID:         d.Wallet.ID,
		EonNumber:        d.Eon,
		UpdatedSpendings: d.Spendings,
		UpdatedGains:     d.Gains,
		TxSetHash:        d.Root.Hex(),
		TxSetProof:       merkle.EncodeHashes(d.Proof),
		TxSetIndex:       d.Index,
	}
	if walletSig != nil {
		state.WalletSignatureID = &walletSig.ID
	}
	if countersign {
		if err := l.checkMonotonic(tx, state); err != nil {
			return nil, err
		}
		sig, err := l.operatorSign(tx, d.Wallet.TokenID, d.Checksum)
		if err != nil {
			return nil, err
		}
		state.OperatorSignatureID = &sig.ID
	}
	if err := tx.Create(state).Error; err != nil {
		return nil, fmt.Errorf("store active state: %w", err)
	}
	return state, nil
}

func (l *Ledger) checkMonotonic(tx *gorm.DB, state *models.ActiveState) error {
	prev, found, err := LatestCountersignedState(tx, state.WalletID, state.EonNumber)
	if err != nil || !found {
		return err
	}
	if state.UpdatedSpendings.Cmp(prev.UpdatedSpendings) < 0 || state.UpdatedGains.Cmp(prev.UpdatedGains) < 0 {
		return cerrors.Integrity("wallet %d eon %d totals would decrease from state %d", state.WalletID, state.EonNumber, prev.ID)
	}
	return nil
}

// LatestCountersignedState returns the newest operator-signed state of a
// wallet in eon.
func LatestCountersignedState(tx *gorm.DB, walletID, eon uint64) (models.ActiveState, bool, error) {
	var state models.ActiveState
	res := tx.Where("wallet_id = ? AND eon_number = ? AND operator_signature_id IS NOT NULL", walletID, eon).
		Order("id DESC").Limit(1).Find(&state)
	if res.Error != nil {
		return state, false, res.Error
	}
	return state, res.RowsAffected > 0, nil
}

// countersign adds the operator signature to a wallet-signed state.
func (l *Ledger) countersign(tx *gorm.DB, stateID *uint64) error {
	if stateID == nil {
		return cerrors.Integrity("missing active state")
	}
	var state models.ActiveState
	if err := tx.First(&state, "id = ?", *stateID).Error; err != nil {
		return fmt.Errorf("load active state %d: %w", *stateID, err)
	}
	if state.OperatorSignatureID != nil {
		return nil
	}
	if state.WalletSignatureID == nil {
		return cerrors.Integrity("active state %d lacks a wallet signature", state.ID)
	}
	var walletSig models.Signature
	if err := tx.First(&walletSig, "id = ?", *state.WalletSignatureID).Error; err != nil {
		return fmt.Errorf("load signature: %w", err)
	}
	if err := l.checkMonotonic(tx, &state); err != nil {
		return err
	}
	ref, err := LoadWallet(tx, state.WalletID)
	if err != nil {
		return err
	}
	sig, err := l.operatorSign(tx, ref.TokenID, common.HexToHash(walletSig.Checksum))
	if err != nil {
		return err
	}
	return tx.Model(&models.ActiveState{}).Where("id = ?", state.ID).
		Update("operator_signature_id", sig.ID).Error
}
