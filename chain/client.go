// Package chain is the operator's view of the hub contract: reading blocks
// and events, querying dispute records, and broadcasting queued calls.
package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"commitchain/core/types"
)

// ErrNotConfigured is returned when a client is used without an endpoint.
var ErrNotConfigured = errors.New("chain: client not configured")

// Log is one decoded hub event.
type Log struct {
	Name   EventName
	Block  uint64
	TxHash common.Hash
	Index  uint
	Args   map[string]interface{}
}

// ChallengeRecord is the on-chain state of a dispute.
type ChallengeRecord struct {
	Eon      uint64
	Block    uint64
	Answered bool
}

// Open reports whether a challenge exists and is unanswered.
func (r ChallengeRecord) Open() bool { return r.Eon > 0 && !r.Answered }

// Snapshot is the hub contract state at a block.
type Snapshot struct {
	Block        uint64
	Basis        common.Hash
	ManagedFunds map[common.Address]types.Amount
}

// Client is the blocking RPC surface the operator needs. Fetch failures are
// retried by the task layer.
type Client interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	Logs(ctx context.Context, from, to uint64) ([]Log, error)
	Challenge(ctx context.Context, token, sender, recipient common.Address) (ChallengeRecord, error)
	Snapshot(ctx context.Context, block uint64, tokens []common.Address) (Snapshot, error)
	Send(ctx context.Context, calldata []byte) (common.Hash, error)
}
