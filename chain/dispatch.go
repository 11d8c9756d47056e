package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"commitchain/core/types"
)

// EventName identifies a hub event.
type EventName string

const (
	EventDeposit              EventName = "Deposit"
	EventWithdrawalRequest    EventName = "WithdrawalRequest"
	EventWithdrawal           EventName = "Withdrawal"
	EventCheckpointSubmission EventName = "CheckpointSubmission"
	EventChallengeIssued      EventName = "ChallengeIssued"
)

// Handler applies one event inside the synchronisation transaction.
type Handler interface {
	Handle(ctx context.Context, tx *gorm.DB, log Log) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tx *gorm.DB, log Log) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, tx *gorm.DB, log Log) error { return f(ctx, tx, log) }

// Dispatcher routes events through a table fixed at construction.
type Dispatcher struct {
	table map[EventName]Handler
}

// NewDispatcher copies table; later changes to the map are not observed.
func NewDispatcher(table map[EventName]Handler) Dispatcher {
	copied := make(map[EventName]Handler, len(table))
	for name, h := range table {
		if h != nil {
			copied[name] = h
		}
	}
	return Dispatcher{table: copied}
}

// Dispatch runs the handler registered for log. It reports false for events
// without a handler.
func (d Dispatcher) Dispatch(ctx context.Context, tx *gorm.DB, log Log) (bool, error) {
	h, ok := d.table[log.Name]
	if !ok {
		return false, nil
	}
	if err := h.Handle(ctx, tx, log); err != nil {
		return true, fmt.Errorf("%s at block %d: %w", log.Name, log.Block, err)
	}
	return true, nil
}

// Events lists the handled event names.
func (d Dispatcher) Events() []EventName {
	names := make([]EventName, 0, len(d.table))
	for name := range d.table {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func argAddress(log Log, name string) (common.Address, error) {
	v, ok := log.Args[name].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: argument %q is not an address", log.Name, name)
	}
	return v, nil
}

func argBig(log Log, name string) (*big.Int, error) {
	v, ok := log.Args[name].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("%s: argument %q is not an integer", log.Name, name)
	}
	return v, nil
}

func argAmount(log Log, name string) (types.Amount, error) {
	v, err := argBig(log, name)
	if err != nil {
		return types.Amount{}, err
	}
	return types.AmountFromBig(v), nil
}

func argUint64(log Log, name string) (uint64, error) {
	v, err := argBig(log, name)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%s: argument %q overflows", log.Name, name)
	}
	return v.Uint64(), nil
}

func argHash(log Log, name string) (common.Hash, error) {
	switch v := log.Args[name].(type) {
	case [32]byte:
		return common.Hash(v), nil
	case common.Hash:
		return v, nil
	default:
		return common.Hash{}, fmt.Errorf("%s: argument %q is not bytes32", log.Name, name)
	}
}
