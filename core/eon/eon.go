// Package eon maps chain blocks onto the hub's accounting periods.
package eon

import "errors"

var (
	ErrInvalidConfig = errors.New("eon: blocks per eon must be positive")
	ErrBeforeGenesis = errors.New("eon: block precedes hub genesis")
)

// Config describes the eon layout configured in the hub contract.
type Config struct {
	GenesisBlock       uint64 `toml:"GenesisBlock" yaml:"genesis_block"`
	BlocksPerEon       uint64 `toml:"BlocksPerEon" yaml:"blocks_per_eon"`
	ConfirmationBlocks uint64 `toml:"ConfirmationBlocks" yaml:"confirmation_blocks"`
}

// Validate checks that the layout is usable.
func (c Config) Validate() error {
	if c.BlocksPerEon == 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Number returns the 1-based eon containing block.
func (c Config) Number(block uint64) (uint64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	if block < c.GenesisBlock {
		return 0, ErrBeforeGenesis
	}
	return (block-c.GenesisBlock)/c.BlocksPerEon + 1, nil
}

// SubBlock returns the offset of block inside its eon.
func (c Config) SubBlock(block uint64) (uint64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	if block < c.GenesisBlock {
		return 0, ErrBeforeGenesis
	}
	return (block - c.GenesisBlock) % c.BlocksPerEon, nil
}

// LastSubBlock is the offset at which a contract-state snapshot closes an eon.
func (c Config) LastSubBlock() uint64 {
	if c.BlocksPerEon == 0 {
		return 0
	}
	return c.BlocksPerEon - 1
}

// StartBlock returns the first block of eon n.
func (c Config) StartBlock(n uint64) uint64 {
	if n == 0 {
		return c.GenesisBlock
	}
	return c.GenesisBlock + (n-1)*c.BlocksPerEon
}

// Confirmed reports whether block is buried under enough confirmations at head.
func (c Config) Confirmed(block, head uint64) bool {
	return head >= block+c.ConfirmationBlocks
}

// CheckpointDue reports whether the checkpoint for eon n (which snapshots
// eon n-1) may be built at head: eon n must have started and its first block
// must be confirmed.
func (c Config) CheckpointDue(n, head uint64) bool {
	if n < 1 || c.BlocksPerEon == 0 {
		return false
	}
	return c.Confirmed(c.StartBlock(n), head)
}
