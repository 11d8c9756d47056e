package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	cerrors "commitchain/core/errors"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/crypto"
)

// AdmissionClass serialises token and wallet admission.
const AdmissionClass = "admission"

// RegisterToken admits a token, assigning the next dense trail. Registering
// an admitted token returns the existing row.
func (l *Ledger) RegisterToken(ctx context.Context, addr common.Address, name, shortName string) (*models.Token, error) {
	var token models.Token
	err := l.locks.WithClass(ctx, AdmissionClass, func(ctx context.Context) error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Where("address = ?", addr.Hex()).Limit(1).Find(&token)
			if res.Error != nil || res.RowsAffected > 0 {
				return res.Error
			}
			var count int64
			if err := tx.Model(&models.Token{}).Count(&count).Error; err != nil {
				return err
			}
			token = models.Token{Address: addr.Hex(), Name: name, ShortName: shortName, Trail: uint64(count)}
			return tx.Create(&token).Error
		})
	})
	if err != nil {
		return nil, fmt.Errorf("register token %s: %w", addr.Hex(), err)
	}
	return &token, nil
}

// RegisterWallet admits owner for token from eon on, assigning the next
// dense trail identifier within the token.
func (l *Ledger) RegisterWallet(ctx context.Context, owner, tokenAddr common.Address, eon uint64) (*models.Wallet, error) {
	var wallet models.Wallet
	err := l.locks.WithClass(ctx, AdmissionClass, func(ctx context.Context) error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			token, err := LookupToken(tx, tokenAddr)
			if err != nil {
				return err
			}
			existing, err := LookupWallet(tx, owner, token.ID)
			if err == nil {
				wallet = existing
				return nil
			}
			if !cerrors.IsValidation(err) {
				return err
			}
			var count int64
			if err := tx.Model(&models.Wallet{}).Where("token_id = ?", token.ID).Count(&count).Error; err != nil {
				return err
			}
			wallet = models.Wallet{
				Address:         owner.Hex(),
				TokenID:         token.ID,
				TrailIdentifier: uint64(count),
				RegistrationEon: eon,
			}
			return tx.Create(&wallet).Error
		})
	})
	if err != nil {
		return nil, fmt.Errorf("register wallet %s: %w", owner.Hex(), err)
	}
	return &wallet, nil
}

// MarkerRequest is a client-signed minimum available balance.
type MarkerRequest struct {
	Owner     common.Address
	Token     common.Address
	Eon       uint64
	Amount    types.Amount
	Signature crypto.Signature
}

// RecordMarker stores a minimum-available-balance marker after checking the
// wallet can currently back it.
func (l *Ledger) RecordMarker(ctx context.Context, req MarkerRequest) (*models.MinimumAvailableBalanceMarker, error) {
	if req.Amount.Sign() < 0 {
		return nil, cerrors.Validation(cerrors.CodeInvalidAmount, "marker amount must not be negative")
	}
	if err := l.requireEon(ctx, req.Eon); err != nil {
		return nil, err
	}
	db := l.db.WithContext(ctx)
	token, err := LookupToken(db, req.Token)
	if err != nil {
		return nil, err
	}
	wallet, err := LookupWallet(db, req.Owner, token.ID)
	if err != nil {
		return nil, err
	}
	marker := &models.MinimumAvailableBalanceMarker{WalletID: wallet.ID, EonNumber: req.Eon, Amount: req.Amount}
	err = l.underEon(ctx, req.Eon, []uint64{wallet.ID}, func(ctx context.Context) error {
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := requireUsable(wallet, req.Eon); err != nil {
				return err
			}
			if err := requireFunds(tx, wallet.ID, req.Eon, req.Amount); err != nil {
				return err
			}
			checksum, err := crypto.MarkerChecksum(l.contract, token.Addr(), wallet.Addr(), req.Eon, req.Amount)
			if err != nil {
				return err
			}
			sig, err := storeSignature(tx, wallet.ID, wallet.Addr(), checksum, req.Signature)
			if err != nil {
				return err
			}
			marker.SignatureID = sig.ID
			return tx.Create(marker).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return marker, nil
}
