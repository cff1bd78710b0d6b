package cardgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratePAN(t *testing.T) {
	pan, err := GeneratePAN("4212345", 16)
	require.NoError(t, err)
	require.Len(t, pan, 16)
	require.True(t, strings.HasPrefix(pan, "4212345"))
	require.True(t, ValidPAN(pan))

	_, err = GeneratePAN("42a", 16)
	require.Error(t, err)
	_, err = GeneratePAN("4212345", 8)
	require.Error(t, err)
}

func TestValidPAN(t *testing.T) {
	require.True(t, ValidPAN("4111111111111111"))
	require.False(t, ValidPAN("4111111111111112"))
	require.False(t, ValidPAN("41111111"))
	require.False(t, ValidPAN("4111-1111-1111-1111"))
}

func TestRandomNumber(t *testing.T) {
	for i := 0; i < 50; i++ {
		n, err := RandomNumber(10)
		require.NoError(t, err)
		require.Len(t, n, 10)
		require.NotEqual(t, byte('0'), n[0])
		require.True(t, IsDigits(n))
	}
}

func TestMaskPAN(t *testing.T) {
	require.Equal(t, "421234******1111", MaskPAN("4212 3456 7890 1111"))
	require.Equal(t, "****", MaskPAN("1234"))
	require.Equal(t, "***4567", MaskPAN("1234567"))
	require.Equal(t, "", MaskPAN(""))
}

func TestHashPANHMAC_NormalizesInput(t *testing.T) {
	key := []byte("pepper")
	require.Equal(t, HashPANHMAC("4111111111111111", key), HashPANHMAC("4111 1111-1111 1111", key))
	require.NotEqual(t, HashPANHMAC("4111111111111111", key), HashPANHMAC("4111111111111111", []byte("other")))
}
