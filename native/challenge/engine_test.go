package challenge_test

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"commitchain/chain"
	"commitchain/chain/chaintest"
	"commitchain/core/eon"
	"commitchain/core/events"
	"commitchain/core/merkle"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/crypto"
	"commitchain/native/challenge"
	"commitchain/native/checkpoint"
	"commitchain/native/ledger"
	"commitchain/native/ledger/ledgertest"
)

var layout = eon.Config{GenesisBlock: 0, BlocksPerEon: 10, ConfirmationBlocks: 2}

type hub struct {
	f      *ledgertest.Fixture
	client *chaintest.Client
	engine *challenge.Engine
}

func newHub(t *testing.T) *hub {
	f := ledgertest.New(t)
	client := chaintest.New()
	engine, err := challenge.NewEngine(f.Ledger, client)
	require.NoError(t, err)
	return &hub{f: f, client: client, engine: engine}
}

// commit closes eon 1 with the given managed funds, builds the eon 2
// checkpoint and records it as landed on chain.
func (h *hub) commit(t *testing.T, funds map[common.Address]int64) {
	t.Helper()
	state := &models.ContractState{EonNumber: 1, SubBlock: layout.LastSubBlock(), Block: layout.LastSubBlock(), Confirmed: true}
	require.NoError(t, h.f.DB.Create(state).Error)
	for addr, amount := range funds {
		token, err := ledger.LookupToken(h.f.DB, addr)
		require.NoError(t, err)
		require.NoError(t, h.f.DB.Create(&models.TokenContractState{
			ContractStateID: state.ID, TokenID: token.ID, ManagedFunds: types.NewAmount(amount),
		}).Error)
	}
	b, err := checkpoint.NewBuilder(h.f.Ledger, layout)
	require.NoError(t, err)
	created, err := b.CreateCheckpointForEon(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, h.f.DB.Model(&models.RootCommitment{}).Where("eon_number = ?", 2).Update("block", 25).Error)
}

func (h *hub) challenge(t *testing.T, token, sender, recipient common.Address, number uint64) *models.Challenge {
	t.Helper()
	tok, err := ledger.LookupToken(h.f.DB, token)
	require.NoError(t, err)
	c := &models.Challenge{TokenID: tok.ID, Sender: sender.Hex(), Recipient: recipient.Hex(), EonNumber: number, Block: 26}
	require.NoError(t, h.f.DB.Create(c).Error)
	h.client.SetChallenge(token, sender, recipient, chain.ChallengeRecord{Eon: number, Block: 26})
	return c
}

// decoded returns the stored rebuttal of c, unpacked.
func (h *hub) decoded(t *testing.T, c *models.Challenge) (string, []interface{}) {
	t.Helper()
	var row models.OperatorTransaction
	require.NoError(t, h.f.DB.First(&row, "tag = ?", fmt.Sprintf("challenge:%d", c.ID)).Error)
	data, err := chain.Calldata(&row)
	require.NoError(t, err)
	method, err := chain.HubABI.MethodById(data[:4])
	require.NoError(t, err)
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	return method.Name, args
}

func requireMembership(t *testing.T, args []interface{}) {
	t.Helper()
	root := common.Hash(args[6].([32]byte))
	var proof []common.Hash
	for _, h := range args[7].([][32]byte) {
		proof = append(proof, common.Hash(h))
	}
	index := args[8].(*big.Int).Uint64()
	leaf := common.Hash(args[9].([32]byte))
	require.True(t, merkle.VerifyProof(leaf, index, proof, root))
}

func scenarioA(t *testing.T, h *hub) (token common.Address, w, r *crypto.PrivateKey) {
	token = h.f.Token(1)
	w, r = h.f.Account(), h.f.Account()
	ww := h.f.Admit(w.Address(), token)
	h.f.Admit(r.Address(), token)
	h.f.Deposit(ww, 1, 100)
	_, err := h.f.Transfer(w, r.Address(), token, 30, true)
	require.NoError(t, err)
	h.commit(t, map[common.Address]int64{token: 100})
	return token, w, r
}

func TestStateUpdateChallengeAnsweredOnce(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	token, w, _ := scenarioA(t, h)
	c := h.challenge(t, token, w.Address(), w.Address(), 2)

	res, err := h.engine.Respond(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Answered)

	name, args := h.decoded(t, c)
	require.Equal(t, chain.MethodAnswerStateUpdate, name)
	allotment := args[3].([3]*big.Int)
	require.Equal(t, int64(0), allotment[0].Int64())
	require.Equal(t, int64(70), allotment[1].Int64())
	totals := args[10].([2]*big.Int)
	require.Equal(t, int64(30), totals[0].Int64())
	require.NotEmpty(t, args[11].([]byte))
	require.NotEmpty(t, args[12].([]byte))
	requireMembership(t, args)

	var stored models.Challenge
	require.NoError(t, h.f.DB.First(&stored, "id = ?", c.ID).Error)
	require.True(t, stored.Rebuted)
	require.Len(t, h.f.Events.OfType(events.TypeChallengeAnswered), 1)

	res, err = h.engine.Respond(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Answered)
	var n int64
	require.NoError(t, h.f.DB.Model(&models.OperatorTransaction{}).Where("kind = ?", chain.KindAnswer).Count(&n).Error)
	require.Equal(t, int64(1), n)
}

func TestDeliveryChallengeProvesTransfer(t *testing.T) {
	h := newHub(t)
	token, w, r := scenarioA(t, h)
	c := h.challenge(t, token, w.Address(), r.Address(), 2)

	res, err := h.engine.Respond(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Answered)

	name, args := h.decoded(t, c)
	require.Equal(t, chain.MethodAnswerDelivery, name)
	require.Equal(t, uint64(0), args[8].(*big.Int).Uint64())
	requireMembership(t, args)
}

func TestAnsweredOnChainIsNotResubmitted(t *testing.T) {
	h := newHub(t)
	token, w, _ := scenarioA(t, h)
	c := h.challenge(t, token, w.Address(), w.Address(), 2)
	h.client.SetChallenge(token, w.Address(), w.Address(), chain.ChallengeRecord{Eon: 2, Block: 26, Answered: true})

	res, err := h.engine.Respond(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.AlreadyAnswered)
	require.Zero(t, res.Answered)

	var n int64
	require.NoError(t, h.f.DB.Model(&models.OperatorTransaction{}).Where("kind = ?", chain.KindAnswer).Count(&n).Error)
	require.Zero(t, n)
	var stored models.Challenge
	require.NoError(t, h.f.DB.First(&stored, "id = ?", c.ID).Error)
	require.True(t, stored.Rebuted)
}

func TestUnreconstructableChallengeIsParked(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	token, w, _ := scenarioA(t, h)
	stranger := common.HexToAddress("0x5757")
	c := h.challenge(t, token, stranger, w.Address(), 2)

	res, err := h.engine.Respond(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	var stored models.Challenge
	require.NoError(t, h.f.DB.First(&stored, "id = ?", c.ID).Error)
	require.NotNil(t, stored.FailedAt)
	require.NotEmpty(t, stored.FailureReason)
	require.False(t, stored.Rebuted)
	alerts := h.f.Events.OfType(events.TypeOperatorAlert)
	require.Len(t, alerts, 1)
	require.Equal(t, events.SeverityCritical, alerts[0].(events.OperatorAlert).Severity)

	res, err = h.engine.Respond(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Failed)
}

func TestChallengesBeyondLandedCommitmentWait(t *testing.T) {
	h := newHub(t)
	token, w, _ := scenarioA(t, h)
	h.challenge(t, token, w.Address(), w.Address(), 3)

	res, err := h.engine.Respond(context.Background())
	require.NoError(t, err)
	require.Equal(t, challenge.Result{}, res)
}

func TestSwapChallengeUsesConduit(t *testing.T) {
	h := newHub(t)
	a, b := h.f.Token(1), h.f.Token(2)
	owner := h.f.Account()
	wa := h.f.Admit(owner.Address(), a)
	h.f.Admit(owner.Address(), b)
	h.f.AdmitOperator(a)
	h.f.AdmitOperator(b)
	h.f.Deposit(wa, 1, 10)
	h.f.Swap(owner, a, b, 10, 5, 0)
	h.commit(t, map[common.Address]int64{a: 10, b: 0})

	c := h.challenge(t, a, owner.Address(), crypto.ConduitAddress(a, b), 2)
	res, err := h.engine.Respond(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Answered)

	name, args := h.decoded(t, c)
	require.Equal(t, chain.MethodAnswerSwap, name)
	requireMembership(t, args)
}
