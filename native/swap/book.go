package swap

import (
	"context"
	"time"

	"gorm.io/gorm"

	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/native/ledger"
)

// BookEntry is one open swap leg as shown to operators.
type BookEntry struct {
	TxID      string       `json:"txId"`
	Wallet    string       `json:"wallet"`
	Sell      string       `json:"sell"`
	Buy       string       `json:"buy"`
	Amount    types.Amount `json:"amount"`
	Swapped   types.Amount `json:"amountSwapped"`
	RemainOut types.Amount `json:"remainingOut"`
	RemainIn  types.Amount `json:"remainingIn"`
	PriceBps  types.Amount `json:"priceBps"`
	Time      time.Time    `json:"time"`
}

// Book lists the legs of eon still open for matching, oldest first.
func (e *Engine) Book(ctx context.Context, eon uint64) ([]BookEntry, error) {
	db := e.db.WithContext(ctx)
	var legs []*models.Transfer
	if err := openLegs(db, eon).Order("time, id").Find(&legs).Error; err != nil {
		return nil, err
	}
	return describe(db, legs)
}

func describe(tx *gorm.DB, legs []*models.Transfer) ([]BookEntry, error) {
	ids := make([]uint64, 0, len(legs)*2)
	txIDs := make([]string, 0, len(legs))
	for _, leg := range legs {
		ids = append(ids, leg.WalletID, leg.RecipientID)
		txIDs = append(txIDs, leg.TxID)
	}
	wallets, err := ledger.LoadWallets(tx, uniq(ids)...)
	if err != nil {
		return nil, err
	}
	fills, err := ledger.LoadFills(tx, txIDs...)
	if err != nil {
		return nil, err
	}
	out := make([]BookEntry, 0, len(legs))
	for _, leg := range legs {
		restOut, restIn := ledger.Remaining(leg, fills.Of(leg.TxID))
		sender := wallets[leg.WalletID]
		out = append(out, BookEntry{
			TxID:      leg.TxID,
			Wallet:    sender.Address.Hex(),
			Sell:      sender.Token.Hex(),
			Buy:       wallets[leg.RecipientID].Token.Hex(),
			Amount:    leg.Amount,
			Swapped:   leg.AmountSwapped.Amount,
			RemainOut: restOut,
			RemainIn:  restIn,
			PriceBps:  DisplayPrice(leg.Amount, leg.AmountSwapped.Amount),
			Time:      leg.Time,
		})
	}
	return out, nil
}
