package eon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEonArithmetic(t *testing.T) {
	cfg := Config{GenesisBlock: 100, BlocksPerEon: 10, ConfirmationBlocks: 3}

	n, err := cfg.Number(100)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = cfg.Number(129)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	sub, err := cfg.SubBlock(129)
	require.NoError(t, err)
	require.Equal(t, cfg.LastSubBlock(), sub)

	require.EqualValues(t, 120, cfg.StartBlock(3))
	require.False(t, cfg.CheckpointDue(3, 122))
	require.True(t, cfg.CheckpointDue(3, 123))

	_, err = cfg.Number(99)
	require.ErrorIs(t, err, ErrBeforeGenesis)
	_, err = Config{}.Number(1)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
