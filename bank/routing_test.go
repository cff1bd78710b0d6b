package bank_test

import (
	"testing"

	"github.com/jonanatree/cyberbank/bank"
	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/stretchr/testify/require"
)

func TestResolveRoute(t *testing.T) {
	tests := []struct {
		name string
		pan  string
		want bank.Route
	}{
		{"own prefix", "4212345678901234", bank.SameBank},
		{"own prefix with spaces", "4212 3456 7890 1234", bank.SameBank},
		{"pan equal to prefix", bankPrefix, bank.SameBank},
		{"foreign prefix", foreignPAN, bank.DifferentBank},
		{"differs in last prefix digit", "4212355678901234", bank.DifferentBank},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bank.ResolveRoute(tt.pan, bankPrefix)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestResolveRouteRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name   string
		pan    string
		prefix string
	}{
		{"shorter than prefix", "4212", bankPrefix},
		{"letters in pan", "42123X5678901234", bankPrefix},
		{"empty pan", "", bankPrefix},
		{"empty prefix", "4212345678901234", ""},
		{"letters in prefix", "4212345678901234", "42A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bank.ResolveRoute(tt.pan, tt.prefix)
			require.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestRouteString(t *testing.T) {
	require.Equal(t, "same_bank", bank.SameBank.String())
	require.Equal(t, "different_bank", bank.DifferentBank.String())
}
