package passphrase

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

const testVar = "COMMITCHAIN_TEST_PASSPHRASE"

func TestEnvironmentWins(t *testing.T) {
	t.Setenv(testVar, "from-env")
	s := NewSource(testVar)
	s.isTerminal = func(int) bool { t.Fatal("terminal consulted"); return false }
	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "from-env", got)
}

func TestBlankEnvironmentRejected(t *testing.T) {
	t.Setenv(testVar, "  ")
	_, err := NewSource(testVar).Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestPromptIsCached(t *testing.T) {
	var out bytes.Buffer
	reads := 0
	s := NewSource("")
	s.prompt = &out
	s.isTerminal = func(int) bool { return true }
	s.readSecret = func(int) ([]byte, error) {
		reads++
		return []byte("typed secret"), nil
	}
	for i := 0; i < 2; i++ {
		got, err := s.Get()
		require.NoError(t, err)
		require.Equal(t, "typed secret", got)
	}
	require.Equal(t, 1, reads)
	require.Contains(t, out.String(), "operator keystore passphrase")
}

func TestNoTerminal(t *testing.T) {
	s := NewSource("")
	s.isTerminal = func(int) bool { return false }
	_, err := s.Get()
	require.ErrorIs(t, err, ErrNoTerminal)
}
