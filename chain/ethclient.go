package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"commitchain/core/types"
	"commitchain/crypto"
)

// Config locates the hub contract.
type Config struct {
	Endpoint          string  `toml:"Endpoint" yaml:"endpoint"`
	Hub               string  `toml:"Hub" yaml:"hub"`
	ChainID           uint64  `toml:"ChainID" yaml:"chain_id"`
	RequestsPerSecond float64 `toml:"RequestsPerSecond" yaml:"requests_per_second"`
	Burst             int     `toml:"Burst" yaml:"burst"`
	GasLimit          uint64  `toml:"GasLimit" yaml:"gas_limit"`
	MaxBlockRange     uint64  `toml:"MaxBlockRange" yaml:"max_block_range"`
}

// Validate checks the static fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("chain: endpoint required")
	}
	if !common.IsHexAddress(c.Hub) {
		return fmt.Errorf("chain: hub address %q invalid", c.Hub)
	}
	if c.ChainID == 0 {
		return fmt.Errorf("chain: chain id required")
	}
	return nil
}

// EthClient implements Client over an Ethereum JSON-RPC endpoint.
type EthClient struct {
	rpc      *ethclient.Client
	hub      common.Address
	key      *crypto.PrivateKey
	chainID  *big.Int
	limiter  *rate.Limiter
	gasLimit uint64
}

// Dial connects to the configured endpoint. key signs every broadcast.
func Dial(ctx context.Context, cfg Config, key *crypto.PrivateKey) (*EthClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrNotConfigured
	}
	rpc, err := ethclient.DialContext(ctx, strings.TrimSpace(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("dial chain: %w", err)
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &EthClient{
		rpc:      rpc,
		hub:      common.HexToAddress(cfg.Hub),
		key:      key,
		chainID:  new(big.Int).SetUint64(cfg.ChainID),
		limiter:  rate.NewLimiter(limit, burst),
		gasLimit: cfg.GasLimit,
	}, nil
}

// Close releases the RPC connection.
func (c *EthClient) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

func (c *EthClient) wait(ctx context.Context) error {
	if c == nil || c.rpc == nil {
		return ErrNotConfigured
	}
	return c.limiter.Wait(ctx)
}

// CurrentBlock returns the head block number.
func (c *EthClient) CurrentBlock(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return c.rpc.BlockNumber(ctx)
}

// Logs returns the decoded hub events in [from, to]. Unknown topics are
// dropped.
func (c *EthClient) Logs(ctx context.Context, from, to uint64) ([]Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	raw, err := c.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.hub},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}
	out := make([]Log, 0, len(raw))
	for _, l := range raw {
		if l.Removed || len(l.Topics) == 0 {
			continue
		}
		decoded, ok, err := decodeLog(l)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, decoded)
		}
	}
	return out, nil
}

func decodeLog(l gethtypes.Log) (Log, bool, error) {
	event, err := HubABI.EventByID(l.Topics[0])
	if err != nil {
		return Log{}, false, nil
	}
	args := map[string]interface{}{}
	if len(l.Data) > 0 {
		if err := HubABI.UnpackIntoMap(args, event.Name, l.Data); err != nil {
			return Log{}, false, fmt.Errorf("decode %s at %s: %w", event.Name, l.TxHash.Hex(), err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, l.Topics[1:]); err != nil {
		return Log{}, false, fmt.Errorf("decode %s topics at %s: %w", event.Name, l.TxHash.Hex(), err)
	}
	return Log{Name: EventName(event.Name), Block: l.BlockNumber, TxHash: l.TxHash, Index: l.Index, Args: args}, true, nil
}

func (c *EthClient) call(ctx context.Context, block *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	data, err := HubABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &c.hub, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return HubABI.Unpack(method, out)
}

// Challenge reads the dispute record of (token, sender, recipient).
func (c *EthClient) Challenge(ctx context.Context, token, sender, recipient common.Address) (ChallengeRecord, error) {
	vals, err := c.call(ctx, nil, "getChallenge", token, sender, recipient)
	if err != nil {
		return ChallengeRecord{}, err
	}
	if len(vals) != 3 {
		return ChallengeRecord{}, fmt.Errorf("getChallenge: %d outputs", len(vals))
	}
	eon, _ := vals[0].(*big.Int)
	block, _ := vals[1].(*big.Int)
	answered, _ := vals[2].(bool)
	if eon == nil || block == nil {
		return ChallengeRecord{}, errors.New("getChallenge: malformed outputs")
	}
	return ChallengeRecord{Eon: eon.Uint64(), Block: block.Uint64(), Answered: answered}, nil
}

// Snapshot reads the basis and the managed funds of tokens at block.
func (c *EthClient) Snapshot(ctx context.Context, block uint64, tokens []common.Address) (Snapshot, error) {
	at := new(big.Int).SetUint64(block)
	vals, err := c.call(ctx, at, "currentBasis")
	if err != nil {
		return Snapshot{}, err
	}
	basis, ok := vals[0].([32]byte)
	if !ok {
		return Snapshot{}, errors.New("currentBasis: malformed output")
	}
	snap := Snapshot{Block: block, Basis: common.Hash(basis), ManagedFunds: make(map[common.Address]types.Amount, len(tokens))}
	for _, token := range tokens {
		vals, err := c.call(ctx, at, "managedFunds", token)
		if err != nil {
			return Snapshot{}, err
		}
		funds, ok := vals[0].(*big.Int)
		if !ok {
			return Snapshot{}, errors.New("managedFunds: malformed output")
		}
		snap.ManagedFunds[token] = types.AmountFromBig(funds)
	}
	return snap, nil
}

// Send signs and broadcasts calldata to the hub.
func (c *EthClient) Send(ctx context.Context, calldata []byte) (common.Hash, error) {
	if err := c.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	from := c.key.Address()
	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.hub, Data: calldata})
	if err != nil {
		if c.gasLimit == 0 {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
		gas = c.gasLimit
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &c.hub,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.chainID), c.key.PrivateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	return signed.Hash(), nil
}
