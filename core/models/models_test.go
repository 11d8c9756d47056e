package models_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	cerrors "commitchain/core/errors"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/storage/storagetest"
)

func TestTransferValidationRunsOnSave(t *testing.T) {
	db := storagetest.NewDB(t)

	bad := models.Transfer{WalletID: 1, RecipientID: 2, Amount: types.NewAmount(5), Swap: true, Nonce: 1, EonNumber: 1}
	err := db.Create(&bad).Error
	require.ErrorIs(t, err, cerrors.ErrIntegrity)

	good := models.Transfer{
		WalletID:      1,
		RecipientID:   2,
		Amount:        types.NewAmount(5),
		AmountSwapped: types.SomeAmount(types.NewAmount(2)),
		Swap:          true,
		Nonce:         1,
		EonNumber:     1,
	}
	require.NoError(t, db.Create(&good).Error)

	good.Complete = true
	require.ErrorIs(t, db.Save(&good).Error, cerrors.ErrIntegrity)

	var loaded models.Transfer
	require.NoError(t, db.First(&loaded, good.ID).Error)
	require.True(t, loaded.AmountSwapped.Valid)
	require.Equal(t, "2", loaded.AmountSwapped.Amount.String())
	require.False(t, loaded.Complete)
}

func TestAllotmentUniquenessAndBounds(t *testing.T) {
	db := storagetest.NewDB(t)

	inverted := models.ExclusiveBalanceAllotment{WalletID: 1, EonNumber: 1, Left: types.NewAmount(10), Right: types.NewAmount(5)}
	require.ErrorIs(t, db.Create(&inverted).Error, cerrors.ErrIntegrity)

	first := models.ExclusiveBalanceAllotment{WalletID: 1, EonNumber: 1, Left: types.NewAmount(0), Right: types.NewAmount(5)}
	require.NoError(t, db.Create(&first).Error)
	require.Equal(t, "5", first.Amount().String())

	unclaimed := models.ExclusiveBalanceAllotment{WalletID: 1, EonNumber: 1, Unclaimed: true, Left: types.NewAmount(5), Right: types.NewAmount(6)}
	require.NoError(t, db.Create(&unclaimed).Error)

	dup := models.ExclusiveBalanceAllotment{WalletID: 1, EonNumber: 1, Left: types.NewAmount(6), Right: types.NewAmount(7)}
	require.Error(t, db.Create(&dup).Error)
}

func TestLargeAmountsKeepPrecision(t *testing.T) {
	db := storagetest.NewDB(t)
	huge := types.MustAmount("340282366920938463463374607431768211457")
	dep := models.Deposit{WalletID: 1, EonNumber: 1, Amount: huge, TxHash: "0x01"}
	require.NoError(t, db.Create(&dep).Error)

	var loaded models.Deposit
	require.NoError(t, db.First(&loaded, dep.ID).Error)
	require.True(t, loaded.Amount.Equal(huge))
}

func TestLockKeysAreStable(t *testing.T) {
	w := &models.Wallet{ID: 7}
	var lockable models.Lockable = w
	require.Equal(t, "wallet:7", lockable.LockKey())
	require.Equal(t, "transfer:7", (&models.Transfer{ID: 7}).LockKey())
}
