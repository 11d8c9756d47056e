package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"commitchain/core/types"
)

const hubABIJSON = `[
  {"type":"event","name":"Deposit","inputs":[
    {"name":"token","type":"address","indexed":true},
    {"name":"wallet","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"WithdrawalRequest","inputs":[
    {"name":"token","type":"address","indexed":true},
    {"name":"wallet","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Withdrawal","inputs":[
    {"name":"token","type":"address","indexed":true},
    {"name":"wallet","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"CheckpointSubmission","inputs":[
    {"name":"eon","type":"uint256","indexed":true},
    {"name":"merkleRoot","type":"bytes32","indexed":false}]},
  {"type":"event","name":"ChallengeIssued","inputs":[
    {"name":"token","type":"address","indexed":true},
    {"name":"sender","type":"address","indexed":true},
    {"name":"recipient","type":"address","indexed":true},
    {"name":"eon","type":"uint256","indexed":false}]},
  {"type":"function","name":"currentBasis","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"managedFunds","stateMutability":"view",
   "inputs":[{"name":"token","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getChallenge","stateMutability":"view",
   "inputs":[{"name":"token","type":"address"},{"name":"sender","type":"address"},{"name":"recipient","type":"address"}],
   "outputs":[{"name":"eon","type":"uint256"},{"name":"block","type":"uint256"},{"name":"answered","type":"bool"}]},
  {"type":"function","name":"submitCheckpoint","stateMutability":"nonpayable",
   "inputs":[{"name":"eon","type":"uint256"},{"name":"merkleRoot","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"answerStateUpdateChallenge","stateMutability":"nonpayable","inputs":ANSWER,"outputs":[]},
  {"type":"function","name":"answerDeliveryChallenge","stateMutability":"nonpayable","inputs":ANSWER,"outputs":[]},
  {"type":"function","name":"answerSwapChallenge","stateMutability":"nonpayable","inputs":ANSWER,"outputs":[]},
  {"type":"function","name":"slashWithdrawal","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"},{"name":"wallet","type":"address"},{"name":"eon","type":"uint256"},
             {"name":"markerAmount","type":"uint256"},{"name":"markerSignature","type":"bytes"}],"outputs":[]}
]`

const answerInputs = `[
  {"name":"token","type":"address"},
  {"name":"sender","type":"address"},
  {"name":"recipient","type":"address"},
  {"name":"allotment","type":"uint256[3]"},
  {"name":"allotmentHashes","type":"bytes32[]"},
  {"name":"allotmentValues","type":"uint256[]"},
  {"name":"txSetRoot","type":"bytes32"},
  {"name":"membership","type":"bytes32[]"},
  {"name":"txIndex","type":"uint256"},
  {"name":"leaf","type":"bytes32"},
  {"name":"totals","type":"uint256[2]"},
  {"name":"walletSignature","type":"bytes"},
  {"name":"operatorSignature","type":"bytes"},
  {"name":"passive","type":"uint256[2]"},
  {"name":"passiveChecksum","type":"bytes32"}]`

// HubABI describes the hub contract surface the operator uses.
var HubABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(strings.ReplaceAll(hubABIJSON, "ANSWER", answerInputs)))
	if err != nil {
		panic(fmt.Sprintf("chain: hub abi: %v", err))
	}
	return parsed
}

// Hub method names.
const (
	MethodSubmitCheckpoint  = "submitCheckpoint"
	MethodAnswerStateUpdate = "answerStateUpdateChallenge"
	MethodAnswerDelivery    = "answerDeliveryChallenge"
	MethodAnswerSwap        = "answerSwapChallenge"
	MethodSlashWithdrawal   = "slashWithdrawal"
)

func bigWord(a types.Amount) *big.Int { return a.Big() }

func hashes(in []common.Hash) [][32]byte {
	out := make([][32]byte, len(in))
	for i, h := range in {
		out[i] = h
	}
	return out
}

func bigs(in []types.Amount) []*big.Int {
	out := make([]*big.Int, len(in))
	for i, a := range in {
		out[i] = a.Big()
	}
	return out
}
