package chain_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"commitchain/chain"
	"commitchain/chain/chaintest"
	"commitchain/core/eon"
	"commitchain/core/events"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/native/ledger/ledgertest"
)

var layout = eon.Config{GenesisBlock: 0, BlocksPerEon: 10, ConfirmationBlocks: 2}

func depositLog(block uint64, index uint, token, owner common.Address, amount int64) chain.Log {
	return chain.Log{
		Name:   chain.EventDeposit,
		Block:  block,
		TxHash: common.BigToHash(new(big.Int).SetUint64(block*100 + uint64(index))),
		Index:  index,
		Args: map[string]interface{}{
			"token":  token,
			"wallet": owner,
			"amount": big.NewInt(amount),
		},
	}
}

func TestDispatchRecordsDepositsOnce(t *testing.T) {
	f := ledgertest.New(t)
	ctx := context.Background()
	token := f.Token(1)
	owner := f.Account()
	wallet := f.Admit(owner.Address(), token)
	d := chain.NewDispatcher(chain.NewInterpreter(layout, nil).Table())

	log := depositLog(13, 0, token, owner.Address(), 50)
	for i := 0; i < 2; i++ {
		ok, err := d.Dispatch(ctx, f.DB, log)
		require.NoError(t, err)
		require.True(t, ok)
	}
	var rows []models.Deposit
	require.NoError(t, f.DB.Where("wallet_id = ?", wallet.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, uint64(2), rows[0].EonNumber)
	require.True(t, rows[0].Amount.Equal(types.NewAmount(50)))

	stranger := depositLog(14, 0, token, common.HexToAddress("0xbeef"), 5)
	ok, err := d.Dispatch(ctx, f.DB, stranger)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = d.Dispatch(ctx, f.DB, chain.Log{Name: "Unrelated", Block: 14})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDispatcherTableIsFixedAtConstruction(t *testing.T) {
	calls := 0
	table := map[chain.EventName]chain.Handler{}
	d := chain.NewDispatcher(table)
	table[chain.EventDeposit] = chain.HandlerFunc(func(context.Context, *gorm.DB, chain.Log) error {
		calls++
		return nil
	})
	ok, err := d.Dispatch(context.Background(), nil, chain.Log{Name: chain.EventDeposit})
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, calls)
	require.Empty(t, d.Events())
}

func TestChallengeIssuedCreatesChallenge(t *testing.T) {
	f := ledgertest.New(t)
	token := f.Token(1)
	d := chain.NewDispatcher(chain.NewInterpreter(layout, nil).Table())
	sender, recipient := common.HexToAddress("0x01"), common.HexToAddress("0x02")
	log := chain.Log{
		Name:  chain.EventChallengeIssued,
		Block: 31,
		Args: map[string]interface{}{
			"token": token, "sender": sender, "recipient": recipient, "eon": big.NewInt(3),
		},
	}
	_, err := d.Dispatch(context.Background(), f.DB, log)
	require.NoError(t, err)
	var c models.Challenge
	require.NoError(t, f.DB.First(&c).Error)
	require.Equal(t, uint64(3), c.EonNumber)
	require.Equal(t, sender.Hex(), c.Sender)
	require.False(t, c.Rebuted)
}

func TestSyncSnapshotsEveryClosedEon(t *testing.T) {
	f := ledgertest.New(t)
	ctx := context.Background()
	token := f.Token(1)
	owner := f.Account()
	f.Admit(owner.Address(), token)

	client := chaintest.New()
	client.SetHead(25)
	client.SetFunds(token, types.NewAmount(50))
	client.SetBasis(common.HexToHash("0xb0"))
	client.AddLog(depositLog(4, 0, token, owner.Address(), 50))

	sync, err := chain.NewSynchronizer(chain.SyncConfig{
		Client:     client,
		DB:         f.DB,
		Locks:      f.Locks,
		Dispatcher: chain.NewDispatcher(chain.NewInterpreter(layout, nil).Table()),
		Eon:        layout,
		MaxRange:   4,
	})
	require.NoError(t, err)

	last, err := sync.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(23), last)
	require.Equal(t, []uint64{9, 19}, client.Snapshots())

	var states []models.ContractState
	require.NoError(t, f.DB.Order("block").Find(&states).Error)
	require.Len(t, states, 2)
	require.Equal(t, uint64(1), states[0].EonNumber)
	require.Equal(t, layout.LastSubBlock(), states[0].SubBlock)
	require.Equal(t, common.HexToHash("0xb0").Hex(), states[0].Basis)

	var funds models.TokenContractState
	require.NoError(t, f.DB.Where("contract_state_id = ?", states[0].ID).First(&funds).Error)
	require.True(t, funds.ManagedFunds.Equal(types.NewAmount(50)))

	var deposits int64
	require.NoError(t, f.DB.Model(&models.Deposit{}).Where("block = ?", 4).Count(&deposits).Error)
	require.Equal(t, int64(1), deposits)

	last, err = sync.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(23), last)
	require.Len(t, client.Snapshots(), 2)

	current, err := sync.CurrentEon(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), current)
}

func TestQueueCheckpointIsIdempotent(t *testing.T) {
	f := ledgertest.New(t)
	root := common.HexToHash("0xabc")
	first, err := chain.QueueCheckpoint(f.DB, 5, root)
	require.NoError(t, err)
	second, err := chain.QueueCheckpoint(f.DB, 5, root)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	data, err := chain.Calldata(first)
	require.NoError(t, err)
	method, err := chain.HubABI.MethodById(data[:4])
	require.NoError(t, err)
	require.Equal(t, chain.MethodSubmitCheckpoint, method.Name)
	vals, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Equal(t, uint64(5), vals[0].(*big.Int).Uint64())
	require.Equal(t, [32]byte(root), vals[1].([32]byte))
}

func TestSubmitterRetriesThenFails(t *testing.T) {
	f := ledgertest.New(t)
	ctx := context.Background()
	client := chaintest.New()
	recorder := &events.Recorder{}
	submitter := chain.NewSubmitter(client, f.DB, f.Locks, recorder, 2, nil)

	row, err := chain.QueueCheckpoint(f.DB, 2, common.HexToHash("0x02"))
	require.NoError(t, err)
	client.FailSends(errors.New("node unavailable"))
	for i := 0; i < 2; i++ {
		n, err := submitter.Flush(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	}
	var stored models.OperatorTransaction
	require.NoError(t, f.DB.First(&stored, row.ID).Error)
	require.Equal(t, chain.StatusFailed, stored.Status)
	require.Equal(t, 2, stored.Attempts)
	require.Len(t, recorder.OfType(events.TypeOperatorAlert), 1)

	client.FailSends(nil)
	_, err = chain.QueueCheckpoint(f.DB, 3, common.HexToHash("0x03"))
	require.NoError(t, err)
	n, err := submitter.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, client.Sent(), 1)
}
