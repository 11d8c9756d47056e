package withdrawal_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"commitchain/chain"
	"commitchain/core/events"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/crypto"
	"commitchain/native/ledger"
	"commitchain/native/ledger/ledgertest"
	"commitchain/native/withdrawal"
)

func mark(t *testing.T, f *ledgertest.Fixture, key *crypto.PrivateKey, token common.Address, amount int64) {
	t.Helper()
	checksum, err := crypto.MarkerChecksum(f.Ledger.Contract(), token, key.Address(), f.Eon(), types.NewAmount(amount))
	require.NoError(t, err)
	sig, err := crypto.Sign(key, checksum)
	require.NoError(t, err)
	_, err = f.Ledger.RecordMarker(context.Background(), ledger.MarkerRequest{
		Owner: key.Address(), Token: token, Eon: f.Eon(), Amount: types.NewAmount(amount), Signature: sig,
	})
	require.NoError(t, err)
}

func request(t *testing.T, f *ledgertest.Fixture, wallet models.Wallet, amount int64) *models.WithdrawalRequest {
	t.Helper()
	row := &models.WithdrawalRequest{
		WalletID:  wallet.ID,
		EonNumber: f.Eon(),
		Amount:    types.NewAmount(amount),
		TxHash:    common.BytesToHash([]byte(fmt.Sprintf("request-%d-%d", wallet.ID, amount))).Hex(),
	}
	require.NoError(t, f.DB.Create(row).Error)
	return row
}

func newSlasher(t *testing.T, f *ledgertest.Fixture) *withdrawal.Slasher {
	s, err := withdrawal.NewSlasher(f.Ledger)
	require.NoError(t, err)
	return s
}

func TestWithdrawalBelowMarkerIsSlashed(t *testing.T) {
	f := ledgertest.New(t)
	ctx := context.Background()
	token := f.Token(1)
	key := f.Account()
	w := f.Admit(key.Address(), token)
	f.Deposit(w, 1, 100)
	mark(t, f, key, token, 60)
	req := request(t, f, w, 50)

	res, err := newSlasher(t, f).SlashBadWithdrawals(ctx)
	require.NoError(t, err)
	require.Equal(t, withdrawal.Result{Checked: 1, Slashed: 1}, res)

	var stored models.WithdrawalRequest
	require.NoError(t, f.DB.First(&stored, "id = ?", req.ID).Error)
	require.True(t, stored.SlashQueued)

	var queued models.OperatorTransaction
	require.NoError(t, f.DB.First(&queued, "tag = ?", fmt.Sprintf("slash:%d", req.ID)).Error)
	require.Equal(t, chain.KindSlash, queued.Kind)
	data, err := chain.Calldata(&queued)
	require.NoError(t, err)
	method, err := chain.HubABI.MethodById(data[:4])
	require.NoError(t, err)
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Equal(t, key.Address(), args[1].(common.Address))
	require.Len(t, args[4].([]byte), 65)

	slashed := f.Events.OfType(events.TypeWithdrawalSlashed)
	require.Len(t, slashed, 1)
	require.True(t, slashed[0].(events.WithdrawalSlashed).Marker.Equal(types.NewAmount(60)))

	res, err = newSlasher(t, f).SlashBadWithdrawals(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Checked)
}

func TestWithdrawalAboveMarkerStands(t *testing.T) {
	f := ledgertest.New(t)
	token := f.Token(1)
	key := f.Account()
	w := f.Admit(key.Address(), token)
	f.Deposit(w, 1, 100)
	mark(t, f, key, token, 60)
	request(t, f, w, 40)

	res, err := newSlasher(t, f).SlashBadWithdrawals(context.Background())
	require.NoError(t, err)
	require.Equal(t, withdrawal.Result{Checked: 1}, res)
	var n int64
	require.NoError(t, f.DB.Model(&models.OperatorTransaction{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestOverdraftWithoutMarkerIsUnbacked(t *testing.T) {
	f := ledgertest.New(t)
	token := f.Token(1)
	w := f.Admit(f.Account().Address(), token)
	f.Deposit(w, 1, 100)
	req := request(t, f, w, 150)

	res, err := newSlasher(t, f).SlashBadWithdrawals(context.Background())
	require.NoError(t, err)
	require.Equal(t, withdrawal.Result{Checked: 1, Unbacked: 1}, res)
	var stored models.WithdrawalRequest
	require.NoError(t, f.DB.First(&stored, "id = ?", req.ID).Error)
	require.False(t, stored.SlashQueued)
}

func TestBeforeAddsBackLaterRequests(t *testing.T) {
	f := ledgertest.New(t)
	token := f.Token(1)
	w := f.Admit(f.Account().Address(), token)
	f.Deposit(w, 1, 100)
	first := request(t, f, w, 30)
	second := request(t, f, w, 20)

	before, err := withdrawal.Before(f.DB, w.ID, 1, first.ID)
	require.NoError(t, err)
	require.True(t, before.Equal(types.NewAmount(100)))
	before, err = withdrawal.Before(f.DB, w.ID, 1, second.ID)
	require.NoError(t, err)
	require.True(t, before.Equal(types.NewAmount(70)))
}
