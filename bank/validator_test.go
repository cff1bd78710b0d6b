package bank_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonanatree/cyberbank/bank"
	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/stretchr/testify/require"
)

func TestCardValidator(t *testing.T) {
	f := newFixture(t, 100_00)
	validator := bank.NewCardValidator(f.repo, time.UTC)
	ctx := context.Background()

	valid := models.CardData{
		PAN:          f.card.PAN,
		SecurityCode: f.card.SecurityCode,
		Expiration:   f.card.Expiration,
	}

	t.Run("matching card", func(t *testing.T) {
		card, err := validator.Validate(ctx, valid)
		require.NoError(t, err)
		require.Equal(t, "payer-1", card.ClientID)
	})

	t.Run("surrounding whitespace is ignored", func(t *testing.T) {
		data := valid
		data.SecurityCode = " " + data.SecurityCode + " "
		data.Expiration = data.Expiration + "\n"
		_, err := validator.Validate(ctx, data)
		require.NoError(t, err)
	})

	t.Run("unknown card", func(t *testing.T) {
		data := valid
		data.PAN = bankPrefix + "0000000000"
		_, err := validator.Validate(ctx, data)
		require.ErrorIs(t, err, models.ErrCardNotFound)
	})

	t.Run("wrong security code", func(t *testing.T) {
		data := valid
		data.SecurityCode = "999"
		_, err := validator.Validate(ctx, data)
		require.ErrorIs(t, err, models.ErrCardDataMismatch)
	})

	t.Run("wrong expiration", func(t *testing.T) {
		data := valid
		data.Expiration = "01/99"
		_, err := validator.Validate(ctx, data)
		require.ErrorIs(t, err, models.ErrCardDataMismatch)
	})
}

func TestCardValidatorRejectsExpiredCard(t *testing.T) {
	repo := bank.NewRepository()
	card := models.Card{PAN: bankPrefix + "1111111118", SecurityCode: "321", Expiration: "01/20"}
	err := repo.CreateClient(context.Background(),
		&models.Client{ID: "old", Name: "Old Card", AccountNumber: "ACC-OLD"},
		&models.Account{Number: "ACC-OLD", Balance: 10_00},
		&card)
	require.NoError(t, err)

	_, err = bank.NewCardValidator(repo, time.UTC).Validate(context.Background(), models.CardData{
		PAN:          card.PAN,
		SecurityCode: "321",
		Expiration:   "01/20",
	})
	require.ErrorIs(t, err, models.ErrCardExpired)
}
