// Package chaintest provides an in-memory chain.Client.
package chaintest

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"commitchain/chain"
	"commitchain/core/types"
)

type challengeKey struct {
	token, sender, recipient common.Address
}

// Client is a scripted chain.Client.
type Client struct {
	mu         sync.Mutex
	head       uint64
	logs       []chain.Log
	challenges map[challengeKey]chain.ChallengeRecord
	basis      common.Hash
	funds      map[common.Address]types.Amount
	sent       [][]byte
	sendErr    error
	snapshots  []uint64
}

// New returns an empty chain at block 0.
func New() *Client {
	return &Client{
		challenges: map[challengeKey]chain.ChallengeRecord{},
		funds:      map[common.Address]types.Amount{},
	}
}

// SetHead moves the chain head.
func (c *Client) SetHead(block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = block
}

// AddLog appends an event.
func (c *Client) AddLog(log chain.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, log)
}

// SetChallenge records the dispute state of a triple.
func (c *Client) SetChallenge(token, sender, recipient common.Address, rec chain.ChallengeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.challenges[challengeKey{token, sender, recipient}] = rec
}

// SetFunds sets the managed funds of token reported by snapshots.
func (c *Client) SetFunds(token common.Address, amount types.Amount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funds[token] = amount
}

// SetBasis sets the basis reported by snapshots.
func (c *Client) SetBasis(basis common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.basis = basis
}

// FailSends makes every Send return err; nil restores success.
func (c *Client) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns the broadcast calldata in order.
func (c *Client) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// Snapshots returns the blocks snapshots were taken at.
func (c *Client) Snapshots() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.snapshots...)
}

// CurrentBlock implements chain.Client.
func (c *Client) CurrentBlock(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

// Logs implements chain.Client.
func (c *Client) Logs(_ context.Context, from, to uint64) ([]chain.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []chain.Log
	for _, l := range c.logs {
		if l.Block >= from && l.Block <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

// Challenge implements chain.Client.
func (c *Client) Challenge(_ context.Context, token, sender, recipient common.Address) (chain.ChallengeRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.challenges[challengeKey{token, sender, recipient}], nil
}

// Snapshot implements chain.Client.
func (c *Client) Snapshot(_ context.Context, block uint64, tokens []common.Address) (chain.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, block)
	snap := chain.Snapshot{Block: block, Basis: c.basis, ManagedFunds: map[common.Address]types.Amount{}}
	for _, t := range tokens {
		snap.ManagedFunds[t] = c.funds[t]
	}
	return snap, nil
}

// Send implements chain.Client.
func (c *Client) Send(_ context.Context, calldata []byte) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return common.Hash{}, c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), calldata...))
	return crypto.Keccak256Hash(calldata), nil
}
