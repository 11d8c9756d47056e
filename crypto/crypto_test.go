package crypto

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"commitchain/core/types"
)

func TestSignRecoverRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	digest := crypto.Keccak256Hash([]byte("checksum"))

	sig, err := Sign(key, digest)
	require.NoError(t, err)
	require.Contains(t, []uint8{27, 28}, sig.V)
	require.NoError(t, Verify(key.Address(), digest, sig))

	parsed, err := ParseSignature(sig.Hex())
	require.NoError(t, err)
	require.Equal(t, sig, parsed)

	other, err := GeneratePrivateKey()
	require.NoError(t, err)
	require.ErrorIs(t, Verify(other.Address(), digest, sig), ErrSignerMismatch)

	_, err = ParseSignature("abcd")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestActiveStateChecksumBindsEveryField(t *testing.T) {
	contract := common.HexToAddress("0xc0")
	token := common.HexToAddress("0x70")
	wallet := common.HexToAddress("0xaa")
	root := crypto.Keccak256Hash([]byte("root"))

	base, err := ActiveStateChecksum(contract, token, wallet, 1, 2, root, types.NewAmount(10), types.NewAmount(3))
	require.NoError(t, err)
	swapped, err := ActiveStateChecksum(contract, token, wallet, 1, 2, root, types.NewAmount(3), types.NewAmount(10))
	require.NoError(t, err)
	require.NotEqual(t, base, swapped)
	nextEon, err := ActiveStateChecksum(contract, token, wallet, 1, 3, root, types.NewAmount(10), types.NewAmount(3))
	require.NoError(t, err)
	require.NotEqual(t, base, nextEon)

	_, err = ActiveStateChecksum(contract, token, wallet, 1, 2, root, types.NewAmount(-1), types.NewAmount(0))
	require.Error(t, err)
}

func TestConduitAddressIsDirectional(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")
	require.NotEqual(t, ConduitAddress(a, b), ConduitAddress(b, a))
	require.Equal(t, ConduitAddress(a, b), ConduitAddress(a, b))
}

func TestLoadOrCreateKeystore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operator.key")
	key, created, err := LoadOrCreateKeystore(path, "pass")
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := LoadOrCreateKeystore(path, "pass")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, key.Address(), again.Address())

	_, _, err = LoadOrCreateKeystore(path, "wrong")
	require.Error(t, err)
}
